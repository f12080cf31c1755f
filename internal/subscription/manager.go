// Package subscription manages the remote push subscription for one
// watched resource: creation, health checks, renewal and teardown, together
// with the key material the remote service encrypts notifications to.
package subscription

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/NissesSenap/teams-changefeed/internal/clock"
	"github.com/NissesSenap/teams-changefeed/internal/envelope"
	"github.com/NissesSenap/teams-changefeed/internal/graph"
	"github.com/NissesSenap/teams-changefeed/internal/resource"
	"github.com/NissesSenap/teams-changefeed/internal/sealed"
	"github.com/NissesSenap/teams-changefeed/internal/storage"
)

const (
	DefaultLifetime    = 55 * time.Minute
	DefaultRenewBefore = 10 * time.Minute
	DefaultKeyGrace    = 10 * time.Minute
	DefaultChangeType  = "created"

	remoteCleanupTimeout = 15 * time.Second

	// keyReloadInterval bounds how often unknown fingerprints reach the
	// scratch store.
	keyReloadInterval = 5 * time.Second
)

// Options configures a Manager. Zero values take the defaults above.
type Options struct {
	APIVersion               string
	ChangeType               string
	Lifetime                 time.Duration
	RenewBefore              time.Duration
	KeyBits                  int
	KeyGrace                 time.Duration
	LifecycleNotificationURL string

	Sealer sealed.Sealer
	Clock  clock.Clock
	Logger zerolog.Logger
}

func (o *Options) applyDefaults() {
	if o.APIVersion == "" {
		o.APIVersion = "v1.0"
	}
	if o.ChangeType == "" {
		o.ChangeType = DefaultChangeType
	}
	if o.Lifetime <= 0 {
		o.Lifetime = DefaultLifetime
	}
	if o.RenewBefore <= 0 {
		o.RenewBefore = DefaultRenewBefore
	}
	if o.KeyBits <= 0 {
		o.KeyBits = envelope.DefaultKeyBits
	}
	if o.KeyGrace <= 0 {
		o.KeyGrace = DefaultKeyGrace
	}
	if o.Sealer == nil {
		o.Sealer = sealed.Plain{}
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
}

// Manager owns one remote subscription and its key material. The mutex
// guards in-memory state only and is never held across I/O.
type Manager struct {
	api     graph.Requester
	scratch storage.Scratch
	opts    Options
	logger  zerolog.Logger

	mu       sync.Mutex
	state    State
	record   *Record
	current  *heldKey
	previous *heldKey
	stored   storedKeys
	keyGen   uint64

	reload singleflight.Group
}

// storedKeys is the last snapshot of the key slots read from the store.
type storedKeys struct {
	loadedAt          time.Time
	current, previous *heldKey
}

func NewManager(api graph.Requester, scratch storage.Scratch, opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{
		api:     api,
		scratch: scratch,
		opts:    opts,
		logger:  opts.Logger.With().Str("instance", scratch.Instance()).Logger(),
	}
}

// Instance is the scratch-store instance this manager is bound to.
func (m *Manager) Instance() string { return m.scratch.Instance() }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Record returns a copy of the active subscription record.
func (m *Manager) Record() (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.record == nil {
		return Record{}, false
	}
	return *m.record, true
}

// NeedsRenewal reports whether an active subscription is inside its
// renewal margin at now.
func (m *Manager) NeedsRenewal(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Active || m.record == nil {
		return false
	}
	return !now.Before(m.record.ExpiresAt.Add(-m.opts.RenewBefore))
}

// begin moves from one of the allowed states into next.
func (m *Manager) begin(op string, next State, allowed ...State) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range allowed {
		if m.state == s {
			prev := m.state
			m.state = next
			return prev, nil
		}
	}
	return m.state, stateError(op, m.state)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Restore loads a persisted subscription at process start. An expired
// record, or one without key material, is cleared and the manager stays
// Inactive. Keys that cannot be opened are an error and are left in place.
func (m *Manager) Restore(ctx context.Context) error {
	if _, err := m.begin("restore", Creating, Inactive); err != nil {
		return err
	}

	var rec Record
	err := m.scratch.GetJSON(ctx, KeySubscription, &rec)
	if errors.Is(err, storage.ErrNotFound) {
		m.setState(Inactive)
		return nil
	}
	if err != nil {
		m.setState(Inactive)
		return fmt.Errorf("loading subscription: %w", err)
	}

	now := m.opts.Clock.Now()
	current, err := loadKey(ctx, m.scratch, KeyCurrent, m.opts.Sealer)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.setState(Inactive)
		return fmt.Errorf("loading key material: %w", err)
	}
	if err != nil || rec.Expired(now) {
		reason := "expired"
		if err != nil {
			reason = "no key material"
		}
		m.logger.Warn().Str("subscription_id", rec.ID).Str("reason", reason).Msg("discarding persisted subscription")
		clearErr := m.scratch.Apply(ctx, storage.NewBatch().
			Delete(KeySubscription).Delete(KeyCurrent).Delete(KeyPrevious))
		m.setState(Inactive)
		if clearErr != nil {
			return fmt.Errorf("clearing invalid subscription: %w", clearErr)
		}
		return nil
	}

	var previous *heldKey
	if prev, err := loadKey(ctx, m.scratch, KeyPrevious, m.opts.Sealer); err == nil && now.Before(prev.retireAt) {
		previous = &prev
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.record = &rec
	m.current = &current
	m.previous = previous
	m.dropStoredKeys()
	m.state = Active
	m.logger.Info().
		Str("subscription_id", rec.ID).
		Time("expires_at", rec.ExpiresAt).
		Object("key", current.km).
		Msg("restored subscription")
	return nil
}

type createRequest struct {
	ChangeType               string    `json:"changeType"`
	NotificationURL          string    `json:"notificationUrl"`
	LifecycleNotificationURL string    `json:"lifecycleNotificationUrl,omitempty"`
	Resource                 string    `json:"resource"`
	IncludeResourceData      bool      `json:"includeResourceData"`
	EncryptionCertificate    string    `json:"encryptionCertificate"`
	EncryptionCertificateID  string    `json:"encryptionCertificateId"`
	ExpirationDateTime       time.Time `json:"expirationDateTime"`
	ClientState              string    `json:"clientState"`
}

type remoteSubscription struct {
	ID                 string    `json:"id"`
	Resource           string    `json:"resource"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
}

// Activate creates the remote subscription for resourcePath with
// notifications sent to callbackURL. Record and keys are committed in one
// batch; if that fails the remote subscription is deleted again.
func (m *Manager) Activate(ctx context.Context, resourcePath, callbackURL string) (*Record, error) {
	if _, err := m.begin("activate", Creating, Inactive); err != nil {
		return nil, err
	}

	m.mu.Lock()
	previous := m.previous
	m.mu.Unlock()

	rec, current, err := m.create(ctx, resourcePath, callbackURL, previous)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.state = Inactive
		return nil, err
	}
	m.state = Active
	m.record = rec
	m.current = current
	m.dropStoredKeys()
	out := *rec
	return &out, nil
}

func (m *Manager) create(ctx context.Context, resourcePath, callbackURL string, previous *heldKey) (*Record, *heldKey, error) {
	now := m.opts.Clock.Now()
	km, err := envelope.GenerateKeyMaterial(m.opts.KeyBits, now)
	if err != nil {
		return nil, nil, err
	}
	cert, err := km.EncodedCertificate()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", envelope.ErrCryptoGeneration, err)
	}

	req := createRequest{
		ChangeType:               m.opts.ChangeType,
		NotificationURL:          callbackURL,
		LifecycleNotificationURL: m.opts.LifecycleNotificationURL,
		Resource:                 resourcePath,
		IncludeResourceData:      true,
		EncryptionCertificate:    cert,
		EncryptionCertificateID:  km.Fingerprint,
		ExpirationDateTime:       now.Add(m.opts.Lifetime).UTC(),
		ClientState:              uuid.NewString(),
	}

	resp, err := m.api.Request(ctx, http.MethodPost, resource.Versioned(m.opts.APIVersion, "/subscriptions"), req, nil)
	if err != nil {
		m.logger.Error().Err(err).Str("resource", resourcePath).Msg("subscription create rejected")
		return nil, nil, &CreateError{Resource: resourcePath, Err: err}
	}
	var created remoteSubscription
	if err := resp.Decode(&created); err != nil {
		return nil, nil, &CreateError{Resource: resourcePath, Err: err}
	}
	if created.ID == "" {
		return nil, nil, &CreateError{Resource: resourcePath, Err: errors.New("response carries no subscription id")}
	}

	rec := &Record{
		ID:                       created.ID,
		Resource:                 resourcePath,
		ExpiresAt:                req.ExpirationDateTime,
		ClientState:              req.ClientState,
		CertificateFingerprint:   km.Fingerprint,
		NotificationURL:          callbackURL,
		LifecycleNotificationURL: req.LifecycleNotificationURL,
		ChangeType:               req.ChangeType,
		CreatedAt:                now,
	}
	if !created.ExpirationDateTime.IsZero() {
		rec.ExpiresAt = created.ExpirationDateTime
	}
	current := &heldKey{km: km}

	if err := ctx.Err(); err != nil {
		m.removeRemote(ctx, rec.ID)
		return nil, nil, err
	}
	if err := m.commit(ctx, rec, current, previous); err != nil {
		m.removeRemote(ctx, rec.ID)
		return nil, nil, fmt.Errorf("persisting subscription %s: %w", rec.ID, err)
	}

	m.logger.Info().
		Str("subscription_id", rec.ID).
		Str("resource", rec.Resource).
		Time("expires_at", rec.ExpiresAt).
		Object("key", km).
		Msg("subscription created")
	return rec, current, nil
}

func (m *Manager) commit(ctx context.Context, rec *Record, current, previous *heldKey) error {
	batch := storage.NewBatch()
	if err := batch.SetJSON(KeySubscription, rec); err != nil {
		return err
	}
	sk, err := encodeKey(*current, m.opts.Sealer)
	if err != nil {
		return err
	}
	if err := batch.SetJSON(KeyCurrent, sk); err != nil {
		return err
	}
	if previous != nil {
		psk, err := encodeKey(*previous, m.opts.Sealer)
		if err != nil {
			return err
		}
		if err := batch.SetJSON(KeyPrevious, psk); err != nil {
			return err
		}
	} else {
		batch.Delete(KeyPrevious)
	}
	return m.scratch.Apply(ctx, batch)
}

// removeRemote deletes the remote subscription, ignoring cancellation of
// ctx. A 404 counts as success.
func (m *Manager) removeRemote(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), remoteCleanupTimeout)
	defer cancel()

	_, err := m.api.Request(ctx, http.MethodDelete, resource.Versioned(m.opts.APIVersion, "/subscriptions/"+id), nil, nil)
	if err != nil && !graph.IsNotFound(err) {
		m.logger.Warn().Err(err).Str("subscription_id", id).Msg("remote subscription delete failed")
		return err
	}
	return nil
}

// CheckExists asks the remote service whether the active subscription is
// still registered.
func (m *Manager) CheckExists(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if m.state != Active || m.record == nil {
		s := m.state
		m.mu.Unlock()
		return false, stateError("check subscription", s)
	}
	id := m.record.ID
	m.mu.Unlock()

	_, err := m.api.Request(ctx, http.MethodGet, resource.Versioned(m.opts.APIVersion, "/subscriptions/"+id), nil, nil)
	if graph.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Renew extends the active subscription. When the subscription has already
// lapsed or the extension is rejected, the current key is retired into the
// grace window and a new subscription is created for the same resource.
func (m *Manager) Renew(ctx context.Context) (*Record, error) {
	if _, err := m.begin("renew", Renewing, Active); err != nil {
		return nil, err
	}
	m.mu.Lock()
	rec := *m.record
	m.mu.Unlock()

	now := m.opts.Clock.Now()
	var cause error
	if rec.Expired(now) {
		cause = fmt.Errorf("%w: subscription %s expired at %s",
			ErrRenewalFailure, rec.ID, rec.ExpiresAt.Format(time.RFC3339))
	} else {
		expiresAt, err := m.extend(ctx, rec.ID, now)
		if err == nil {
			return m.commitRenewal(ctx, rec, expiresAt)
		}
		if ctx.Err() != nil {
			m.setState(Active)
			return nil, err
		}
		cause = fmt.Errorf("%w: %w", ErrRenewalFailure, err)
		if !graph.IsNotFound(err) {
			m.removeRemote(ctx, rec.ID)
		}
	}

	m.logger.Warn().Err(cause).Str("subscription_id", rec.ID).Msg("renewal failed, re-activating")
	if err := m.retire(ctx, now); err != nil {
		m.setState(Active)
		return nil, errors.Join(cause, fmt.Errorf("retiring key: %w", err))
	}

	fresh, err := m.Activate(ctx, rec.Resource, rec.NotificationURL)
	if err != nil {
		return nil, errors.Join(cause, err)
	}
	return fresh, nil
}

// extend PATCHes a new expiry and returns the one the remote service granted.
func (m *Manager) extend(ctx context.Context, id string, now time.Time) (time.Time, error) {
	requested := now.Add(m.opts.Lifetime).UTC()
	body := map[string]time.Time{"expirationDateTime": requested}
	resp, err := m.api.Request(ctx, http.MethodPatch,
		resource.Versioned(m.opts.APIVersion, "/subscriptions/"+id), body, nil)
	if err != nil {
		return time.Time{}, err
	}
	var remote remoteSubscription
	if err := resp.Decode(&remote); err == nil && !remote.ExpirationDateTime.IsZero() {
		return remote.ExpirationDateTime, nil
	}
	return requested, nil
}

// commitRenewal installs the new expiry in memory and in the store. The
// remote extension already happened, so a store failure is reported but
// the manager stays Active with the renewed record.
func (m *Manager) commitRenewal(ctx context.Context, rec Record, expiresAt time.Time) (*Record, error) {
	renewed := rec
	renewed.ExpiresAt = expiresAt

	m.mu.Lock()
	m.record = &renewed
	m.state = Active
	m.mu.Unlock()

	m.logger.Info().Str("subscription_id", rec.ID).Time("expires_at", expiresAt).Msg("subscription renewed")

	out := renewed
	if err := m.scratch.SetJSON(ctx, KeySubscription, renewed); err != nil {
		return &out, fmt.Errorf("persisting renewed subscription: %w", err)
	}
	return &out, nil
}

// retire clears the subscription slot and keeps the current key honoured
// until now plus the grace window.
func (m *Manager) retire(ctx context.Context, now time.Time) error {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()

	batch := storage.NewBatch().Delete(KeySubscription).Delete(KeyCurrent)
	var retired *heldKey
	if current != nil {
		retired = &heldKey{km: current.km, retireAt: now.Add(m.opts.KeyGrace)}
		sk, err := encodeKey(*retired, m.opts.Sealer)
		if err != nil {
			return err
		}
		if err := batch.SetJSON(KeyPrevious, sk); err != nil {
			return err
		}
	}
	if err := m.scratch.Apply(ctx, batch); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Inactive
	m.record = nil
	m.current = nil
	m.dropStoredKeys()
	if retired != nil {
		m.previous = retired
	}
	return nil
}

// Deactivate deletes the remote subscription if one is known and clears all
// local state. Remote failures are logged, not returned, so Deactivate is
// safe to repeat.
func (m *Manager) Deactivate(ctx context.Context) error {
	if _, err := m.begin("deactivate", Deleting, Inactive, Active); err != nil {
		return err
	}

	m.mu.Lock()
	var rec *Record
	if m.record != nil {
		r := *m.record
		rec = &r
	}
	m.mu.Unlock()

	if rec == nil {
		var stored Record
		err := m.scratch.GetJSON(ctx, KeySubscription, &stored)
		switch {
		case err == nil:
			rec = &stored
		case !errors.Is(err, storage.ErrNotFound):
			m.logger.Warn().Err(err).Msg("reading persisted subscription")
		}
	}
	if rec != nil && rec.ID != "" {
		if err := m.removeRemote(ctx, rec.ID); err == nil {
			m.logger.Info().Str("subscription_id", rec.ID).Msg("subscription deleted")
		}
	}

	err := m.scratch.Apply(ctx, storage.NewBatch().
		Delete(KeySubscription).Delete(KeyCurrent).Delete(KeyPrevious))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Inactive
	m.record = nil
	m.current = nil
	m.previous = nil
	m.dropStoredKeys()
	if err != nil {
		return fmt.Errorf("clearing subscription state: %w", err)
	}
	return nil
}

// ResolveKey returns the private key with the given fingerprint and whether
// it is the current one. Retired keys resolve until their grace window ends.
// Keys written by another process are picked up from the scratch store.
func (m *Manager) ResolveKey(ctx context.Context, fingerprint string) (*rsa.PrivateKey, bool, bool) {
	now := m.opts.Clock.Now()

	m.mu.Lock()
	current, previous := m.current, m.previous
	m.mu.Unlock()

	if current != nil && current.km.Fingerprint == fingerprint {
		return current.km.PrivateKey, true, true
	}
	if previous != nil && previous.km.Fingerprint == fingerprint && now.Before(previous.retireAt) {
		return previous.km.PrivateKey, false, true
	}

	sk := m.storedKeys(ctx, now)
	if sk.current != nil && sk.current.km.Fingerprint == fingerprint {
		return sk.current.km.PrivateKey, true, true
	}
	if sk.previous != nil && sk.previous.km.Fingerprint == fingerprint && now.Before(sk.previous.retireAt) {
		return sk.previous.km.PrivateKey, false, true
	}
	return nil, false, false
}

// storedKeys returns the key slots as another process may have written
// them. The store is read at most once per keyReloadInterval and concurrent
// callers share one read.
func (m *Manager) storedKeys(ctx context.Context, now time.Time) storedKeys {
	m.mu.Lock()
	sk := m.stored
	m.mu.Unlock()
	if !sk.loadedAt.IsZero() && now.Sub(sk.loadedAt) < keyReloadInterval {
		return sk
	}

	m.mu.Lock()
	gen := m.keyGen
	m.mu.Unlock()

	v, _, _ := m.reload.Do("keys", func() (any, error) {
		fresh := storedKeys{loadedAt: now}
		if hk, err := loadKey(ctx, m.scratch, KeyCurrent, m.opts.Sealer); err == nil {
			fresh.current = &hk
		}
		if hk, err := loadKey(ctx, m.scratch, KeyPrevious, m.opts.Sealer); err == nil {
			fresh.previous = &hk
		}
		m.mu.Lock()
		if m.keyGen == gen {
			m.stored = fresh
		}
		m.mu.Unlock()
		return fresh, nil
	})
	return v.(storedKeys)
}

// dropStoredKeys forgets the store snapshot after this manager changed the
// key slots. Callers hold m.mu.
func (m *Manager) dropStoredKeys() {
	m.stored = storedKeys{}
	m.keyGen++
}

// ClientState returns the shared secret of the active subscription.
func (m *Manager) ClientState(ctx context.Context) (string, bool) {
	m.mu.Lock()
	if m.record != nil {
		cs := m.record.ClientState
		m.mu.Unlock()
		return cs, true
	}
	m.mu.Unlock()

	var rec Record
	if err := m.scratch.GetJSON(ctx, KeySubscription, &rec); err != nil || rec.ClientState == "" {
		return "", false
	}
	return rec.ClientState, true
}
