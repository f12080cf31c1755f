// Package ingress receives push deliveries, authenticates and decrypts each
// notification, and hands normalized records to a sink.
package ingress

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/NissesSenap/teams-changefeed/internal/change"
	"github.com/NissesSenap/teams-changefeed/internal/clock"
	"github.com/NissesSenap/teams-changefeed/internal/envelope"
)

// KeyResolver gives read-only access to the subscription's key material.
type KeyResolver interface {
	// ResolveKey returns the private key for a certificate fingerprint,
	// whether it is the current key, and whether it was found at all.
	ResolveKey(ctx context.Context, fingerprint string) (*rsa.PrivateKey, bool, bool)
	// ClientState returns the secret the active subscription was created with.
	ClientState(ctx context.Context) (string, bool)
}

// LifecycleObserver is told about lifecycle events after their delivery
// has been emitted.
type LifecycleObserver interface {
	OnLifecycle(ctx context.Context, instance string, n LifecycleNotification)
}

// TokenVerifier checks the validationTokens of a delivery.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) error
}

type Options struct {
	Instance string
	// Resource is the watched path every record carries, matching the
	// records the poller produces for the same resource.
	Resource  string
	Keys      KeyResolver
	Sink      change.Sink
	Tokens    TokenVerifier
	Lifecycle LifecycleObserver
	Clock     clock.Clock
	Logger    zerolog.Logger
}

// Result describes what happened to one delivery.
type Result struct {
	Records []change.Record
	Dropped map[DropReason]int
}

func (r *Result) drop(reason DropReason) {
	if r.Dropped == nil {
		r.Dropped = make(map[DropReason]int)
	}
	r.Dropped[reason]++
}

// Handler processes deliveries for one watched resource.
type Handler struct {
	opts   Options
	logger zerolog.Logger
	stats  Stats
}

func NewHandler(opts Options) *Handler {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Handler{
		opts:   opts,
		logger: opts.Logger.With().Str("instance", opts.Instance).Logger(),
	}
}

func (h *Handler) Instance() string { return h.opts.Instance }

// Stats returns the running counters of this handler.
func (h *Handler) Stats() StatsSnapshot { return h.stats.Snapshot() }

type delivery struct {
	Value            *[]json.RawMessage `json:"value"`
	ValidationTokens []string           `json:"validationTokens,omitempty"`
}

// Process handles one inbound delivery body. Per-item failures are counted
// and logged; the returned error covers the whole delivery.
func (h *Handler) Process(ctx context.Context, body []byte) (Result, error) {
	var res Result
	body = bytes.TrimSpace(body)
	if !json.Valid(body) {
		return res, ErrMalformedDelivery
	}
	h.stats.delivery()
	now := h.opts.Clock.Now()

	var d delivery
	if body[0] != '{' || json.Unmarshal(body, &d) != nil || d.Value == nil {
		res.Records = append(res.Records, h.passthrough(body, "", "", now))
		return res, h.emit(ctx, res.Records)
	}

	items := make([]Variant, 0, len(*d.Value))
	encrypted := false
	for _, raw := range *d.Value {
		v := Classify(raw)
		if _, ok := v.(ResourceNotification); ok {
			encrypted = true
		}
		items = append(items, v)
	}

	if encrypted && h.opts.Tokens != nil {
		if err := h.verifyTokens(ctx, d.ValidationTokens); err != nil {
			for range items {
				res.drop(DropValidationToken)
				h.stats.dropped(DropValidationToken)
			}
			h.logger.Warn().Err(err).Int("items", len(items)).Msg("delivery rejected")
			return res, err
		}
	}

	expected, haveExpected := "", false
	if h.opts.Keys != nil {
		expected, haveExpected = h.opts.Keys.ClientState(ctx)
	}

	var lifecycle []LifecycleNotification
	for i, v := range items {
		rec, err := h.item(ctx, v, expected, haveExpected, now)
		if err != nil {
			reason := reasonFor(err)
			res.drop(reason)
			h.stats.dropped(reason)
			h.logger.Warn().Err(err).Int("item", i).Str("reason", string(reason)).Msg("notification dropped")
			continue
		}
		if ln, ok := v.(LifecycleNotification); ok {
			lifecycle = append(lifecycle, ln)
		}
		res.Records = append(res.Records, rec)
	}

	if err := h.emit(ctx, res.Records); err != nil {
		return res, err
	}
	if h.opts.Lifecycle != nil {
		for _, ln := range lifecycle {
			h.opts.Lifecycle.OnLifecycle(ctx, h.opts.Instance, ln)
		}
	}
	return res, nil
}

func (h *Handler) verifyTokens(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return fmt.Errorf("%w: none supplied", ErrValidationToken)
	}
	for _, tok := range tokens {
		if err := h.opts.Tokens.Verify(ctx, tok); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) item(ctx context.Context, v Variant, expected string, haveExpected bool, now time.Time) (change.Record, error) {
	if m, ok := v.(MalformedNotification); ok {
		return change.Record{}, fmt.Errorf("%w: %v", ErrMalformedNotification, m.Err)
	}
	if err := checkClientState(v, expected, haveExpected); err != nil {
		return change.Record{}, err
	}

	switch n := v.(type) {
	case ResourceNotification:
		payload, err := h.open(ctx, n)
		if err != nil {
			return change.Record{}, err
		}
		return change.Record{
			Instance:        h.opts.Instance,
			Resource:        h.opts.Resource,
			Kind:            change.KindResource,
			ReceivedVia:     change.ViaPush,
			SourceTimestamp: change.SourceTime(payload, now),
			SubscriptionID:  n.SubscriptionID,
			ChangeType:      n.ChangeType,
			Payload:         payload,
		}, nil
	case LifecycleNotification:
		return change.Record{
			Instance:        h.opts.Instance,
			Resource:        h.opts.Resource,
			Kind:            change.KindLifecycle,
			ReceivedVia:     change.ViaPush,
			SourceTimestamp: now,
			SubscriptionID:  n.SubscriptionID,
			ChangeType:      n.LifecycleEvent,
			Payload:         compact(n.Raw),
		}, nil
	case PlainNotification:
		return h.passthrough(n.Raw, n.SubscriptionID, n.ChangeType, now), nil
	default:
		return h.passthrough(v.raw(), "", "", now), nil
	}
}

func (h *Handler) open(ctx context.Context, n ResourceNotification) (json.RawMessage, error) {
	fp := n.EncryptedContent.EncryptionCertificateID
	if h.opts.Keys == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKeyFingerprint, fp)
	}
	key, current, found := h.opts.Keys.ResolveKey(ctx, fp)
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKeyFingerprint, fp)
	}

	plaintext, err := n.EncryptedContent.Open(key)
	if err != nil {
		if errors.Is(err, envelope.ErrKeyUnwrap) && !current {
			h.logger.Info().Str("fingerprint", fp).Msg("key unwrap failed against retired key, likely a rotation race")
		}
		return nil, err
	}
	if !json.Valid(plaintext) {
		return nil, ErrInvalidPayload
	}
	return compact(plaintext), nil
}

func (h *Handler) passthrough(raw json.RawMessage, subscriptionID, changeType string, now time.Time) change.Record {
	payload := compact(raw)
	return change.Record{
		Instance:        h.opts.Instance,
		Resource:        h.opts.Resource,
		Kind:            change.KindPassthrough,
		ReceivedVia:     change.ViaPush,
		SourceTimestamp: change.SourceTime(payload, now),
		SubscriptionID:  subscriptionID,
		ChangeType:      changeType,
		Payload:         payload,
	}
}

func (h *Handler) emit(ctx context.Context, records []change.Record) error {
	if len(records) == 0 || h.opts.Sink == nil {
		return nil
	}
	if err := h.opts.Sink.Emit(ctx, records); err != nil {
		return fmt.Errorf("emitting %d records: %w", len(records), err)
	}
	h.stats.emitted(len(records))
	return nil
}

// checkClientState enforces the shared secret. With an active subscription
// every notification item must carry the matching secret. Without one,
// only unencrypted items that carry no secret are let through.
func checkClientState(v Variant, expected string, haveExpected bool) error {
	if _, opaque := v.(OpaqueNotification); opaque {
		return nil
	}
	got, present := clientStateOf(v)
	if haveExpected {
		if !present || subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
			return ErrClientStateMismatch
		}
		return nil
	}
	if _, plain := v.(PlainNotification); plain && !present {
		return nil
	}
	return ErrClientStateMismatch
}

func compact(raw []byte) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return json.RawMessage(raw)
	}
	return json.RawMessage(buf.Bytes())
}

// Stats counts deliveries, emitted records and drops per reason.
type Stats struct {
	mu         sync.Mutex
	deliveries uint64
	records    uint64
	drops      map[DropReason]uint64
}

type StatsSnapshot struct {
	Deliveries uint64                `json:"deliveries"`
	Records    uint64                `json:"records"`
	Dropped    map[DropReason]uint64 `json:"dropped"`
}

func (s *Stats) delivery() {
	s.mu.Lock()
	s.deliveries++
	s.mu.Unlock()
}

func (s *Stats) emitted(n int) {
	s.mu.Lock()
	s.records += uint64(n)
	s.mu.Unlock()
}

func (s *Stats) dropped(reason DropReason) {
	s.mu.Lock()
	if s.drops == nil {
		s.drops = make(map[DropReason]uint64)
	}
	s.drops[reason]++
	s.mu.Unlock()
}

func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := StatsSnapshot{
		Deliveries: s.deliveries,
		Records:    s.records,
		Dropped:    make(map[DropReason]uint64, len(s.drops)),
	}
	for k, v := range s.drops {
		out.Dropped[k] = v
	}
	return out
}
