package ingress

import (
	"bytes"
	"encoding/json"

	"github.com/NissesSenap/teams-changefeed/internal/envelope"
)

// Notification is one element of a delivery's value array.
type Notification struct {
	SubscriptionID                 string                      `json:"subscriptionId"`
	SubscriptionExpirationDateTime string                      `json:"subscriptionExpirationDateTime,omitempty"`
	ChangeType                     string                      `json:"changeType,omitempty"`
	Resource                       string                      `json:"resource,omitempty"`
	ClientState                    string                      `json:"clientState,omitempty"`
	TenantID                       string                      `json:"tenantId,omitempty"`
	LifecycleEvent                 string                      `json:"lifecycleEvent,omitempty"`
	ResourceData                   json.RawMessage             `json:"resourceData,omitempty"`
	EncryptedContent               *envelope.EncryptedEnvelope `json:"encryptedContent,omitempty"`
}

// Lifecycle events the remote service sends on the lifecycle URL.
const (
	EventSubscriptionRemoved     = "subscriptionRemoved"
	EventReauthorizationRequired = "reauthorizationRequired"
	EventMissed                  = "missed"
)

// Variant is one classified notification item.
type Variant interface {
	raw() json.RawMessage
}

// ResourceNotification carries encrypted resource data.
type ResourceNotification struct {
	Notification
	Raw json.RawMessage
}

// LifecycleNotification reports a change to the subscription itself.
type LifecycleNotification struct {
	Notification
	Raw json.RawMessage
}

// PlainNotification is a change notification without resource data.
type PlainNotification struct {
	Notification
	Raw json.RawMessage
}

// OpaqueNotification is an item that is not a JSON object.
type OpaqueNotification struct {
	Raw json.RawMessage
}

// MalformedNotification is an object whose fields do not have the
// notification types. It is never emitted.
type MalformedNotification struct {
	Raw json.RawMessage
	Err error
}

func (n ResourceNotification) raw() json.RawMessage  { return n.Raw }
func (n LifecycleNotification) raw() json.RawMessage { return n.Raw }
func (n PlainNotification) raw() json.RawMessage     { return n.Raw }
func (n OpaqueNotification) raw() json.RawMessage    { return n.Raw }
func (n MalformedNotification) raw() json.RawMessage { return n.Raw }

// Classify decides which variant an item is. Lifecycle events take
// precedence over encrypted content.
func Classify(item json.RawMessage) Variant {
	trimmed := bytes.TrimSpace(item)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return OpaqueNotification{Raw: item}
	}
	var n Notification
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return MalformedNotification{Raw: item, Err: err}
	}
	switch {
	case n.LifecycleEvent != "":
		return LifecycleNotification{Notification: n, Raw: item}
	case n.EncryptedContent != nil:
		return ResourceNotification{Notification: n, Raw: item}
	default:
		return PlainNotification{Notification: n, Raw: item}
	}
}

// clientStateOf returns the clientState an item carries, if any.
func clientStateOf(v Variant) (string, bool) {
	switch n := v.(type) {
	case ResourceNotification:
		return n.ClientState, n.ClientState != ""
	case LifecycleNotification:
		return n.ClientState, n.ClientState != ""
	case PlainNotification:
		return n.ClientState, n.ClientState != ""
	}
	return "", false
}
