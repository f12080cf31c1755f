package subscription

import "time"

// State is the lifecycle position of the remote subscription.
//
//	Inactive -> Creating -> Active -> Renewing -> Active -> Deleting -> Inactive
//
// Creating falls back to Inactive on failure; Renewing returns to Active or,
// when the subscription cannot be extended, goes through Inactive into a
// fresh Creating.
type State int

const (
	Inactive State = iota
	Creating
	Active
	Renewing
	Deleting
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Creating:
		return "creating"
	case Active:
		return "active"
	case Renewing:
		return "renewing"
	case Deleting:
		return "deleting"
	}
	return "unknown"
}

// Record is the persisted description of the remote subscription.
type Record struct {
	ID                       string    `json:"id"`
	Resource                 string    `json:"resource"`
	ExpiresAt                time.Time `json:"expiresAt"`
	ClientState              string    `json:"clientState"`
	CertificateFingerprint   string    `json:"certificateFingerprint"`
	NotificationURL          string    `json:"notificationUrl"`
	LifecycleNotificationURL string    `json:"lifecycleNotificationUrl,omitempty"`
	ChangeType               string    `json:"changeType"`
	CreatedAt                time.Time `json:"createdAt"`
}

// Expired reports whether the subscription has lapsed at now.
func (r Record) Expired(now time.Time) bool { return !now.Before(r.ExpiresAt) }
