package ingress

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NissesSenap/teams-changefeed/internal/change"
	"github.com/NissesSenap/teams-changefeed/internal/clock"
	"github.com/NissesSenap/teams-changefeed/internal/envelope"
)

var testNow = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type fakeKeys struct {
	current     *envelope.KeyMaterial
	previous    *envelope.KeyMaterial
	clientState string
}

func (f *fakeKeys) ResolveKey(_ context.Context, fp string) (*rsa.PrivateKey, bool, bool) {
	if f.current != nil && f.current.Fingerprint == fp {
		return f.current.PrivateKey, true, true
	}
	if f.previous != nil && f.previous.Fingerprint == fp {
		return f.previous.PrivateKey, false, true
	}
	return nil, false, false
}

func (f *fakeKeys) ClientState(context.Context) (string, bool) {
	return f.clientState, f.clientState != ""
}

type lifecycleLog struct {
	mu     sync.Mutex
	events []string
}

func (l *lifecycleLog) OnLifecycle(_ context.Context, instance string, n LifecycleNotification) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, instance+":"+n.LifecycleEvent)
}

func newKey(t *testing.T) *envelope.KeyMaterial {
	t.Helper()
	km, err := envelope.GenerateKeyMaterial(1024, testNow)
	require.NoError(t, err)
	return km
}

type harness struct {
	keys      *fakeKeys
	sink      *change.Recorder
	lifecycle *lifecycleLog
	handler   *Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		keys:      &fakeKeys{current: newKey(t), clientState: "secret-state"},
		sink:      &change.Recorder{},
		lifecycle: &lifecycleLog{},
	}
	h.handler = NewHandler(Options{
		Instance:  "team-a",
		Resource:  "/teams/t1/channels/c1/messages",
		Keys:      h.keys,
		Sink:      h.sink,
		Lifecycle: h.lifecycle,
		Clock:     clock.NewFake(testNow),
		Logger:    zerolog.Nop(),
	})
	return h
}

func sealedItem(t *testing.T, km *envelope.KeyMaterial, clientState, payload string) map[string]any {
	t.Helper()
	env, err := envelope.Seal([]byte(payload), km.Fingerprint, &km.PrivateKey.PublicKey)
	require.NoError(t, err)
	return map[string]any{
		"subscriptionId":   "sub-1",
		"changeType":       "created",
		"resource":         "teams('t1')/channels('c1')/messages('m1')",
		"clientState":      clientState,
		"tenantId":         "tenant-1",
		"encryptedContent": env,
	}
}

func body(t *testing.T, items ...any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{"value": items})
	require.NoError(t, err)
	return b
}

func TestProcess_DecryptsInOrder(t *testing.T) {
	h := newHarness(t)
	var items []any
	for i := 0; i < 4; i++ {
		items = append(items, sealedItem(t, h.keys.current, "secret-state",
			fmt.Sprintf(`{"id":"m%d","lastModifiedDateTime":"2026-05-01T08:5%d:00Z"}`, i, i)))
	}

	res, err := h.handler.Process(context.Background(), body(t, items...))
	require.NoError(t, err)
	require.Len(t, res.Records, 4)
	assert.Empty(t, res.Dropped)

	for i, rec := range res.Records {
		assert.JSONEq(t, fmt.Sprintf(`{"id":"m%d","lastModifiedDateTime":"2026-05-01T08:5%d:00Z"}`, i, i), string(rec.Payload))
		assert.Equal(t, change.KindResource, rec.Kind)
		assert.Equal(t, change.ViaPush, rec.ReceivedVia)
		assert.Equal(t, "team-a", rec.Instance)
		assert.Equal(t, "/teams/t1/channels/c1/messages", rec.Resource, "push records carry the watched path, not the notified one")
		assert.Equal(t, "sub-1", rec.SubscriptionID)
		assert.Equal(t, "created", rec.ChangeType)
		assert.True(t, time.Date(2026, 5, 1, 8, 50+i, 0, 0, time.UTC).Equal(rec.SourceTimestamp))
	}

	groups := h.sink.Groups()
	require.Len(t, groups, 1)
	assert.Equal(t, res.Records, groups[0])
}

func TestProcess_DropsOnlyFailingItems(t *testing.T) {
	h := newHarness(t)
	stranger := newKey(t)

	tampered := sealedItem(t, h.keys.current, "secret-state", `{"id":"bad-mac"}`)
	tampered["encryptedContent"].(*envelope.EncryptedEnvelope).DataSignature = base64.StdEncoding.EncodeToString(make([]byte, 32))

	notJSON := sealedItem(t, h.keys.current, "secret-state", `not json`)

	items := []any{
		sealedItem(t, h.keys.current, "secret-state", `{"id":"m0"}`),
		tampered,
		sealedItem(t, stranger, "secret-state", `{"id":"unknown-key"}`),
		sealedItem(t, h.keys.current, "secret-state", `{"id":"m1"}`),
		sealedItem(t, h.keys.current, "wrong-state", `{"id":"forged"}`),
		notJSON,
		sealedItem(t, h.keys.current, "secret-state", `{"id":"m2"}`),
	}

	res, err := h.handler.Process(context.Background(), body(t, items...))
	require.NoError(t, err)

	var ids []string
	for _, rec := range res.Records {
		var p struct{ ID string }
		require.NoError(t, json.Unmarshal(rec.Payload, &p))
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"m0", "m1", "m2"}, ids)
	assert.Equal(t, map[DropReason]int{
		DropIntegrity:      1,
		DropUnknownKey:     1,
		DropClientState:    1,
		DropInvalidPayload: 1,
	}, res.Dropped)

	stats := h.handler.Stats()
	assert.Equal(t, uint64(1), stats.Deliveries)
	assert.Equal(t, uint64(3), stats.Records)
	assert.Equal(t, uint64(1), stats.Dropped[DropIntegrity])
}

func TestProcess_PreviousKeyStillDecrypts(t *testing.T) {
	h := newHarness(t)
	h.keys.previous = newKey(t)

	res, err := h.handler.Process(context.Background(),
		body(t, sealedItem(t, h.keys.previous, "secret-state", `{"id":"late"}`)))
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.JSONEq(t, `{"id":"late"}`, string(res.Records[0].Payload))
}

func TestProcess_ClientStateRequiredWhenSubscribed(t *testing.T) {
	h := newHarness(t)
	plainNoState := map[string]any{"subscriptionId": "sub-1", "changeType": "updated", "resource": "chats('1')"}
	plainWithState := map[string]any{"subscriptionId": "sub-1", "changeType": "updated", "clientState": "secret-state"}

	res, err := h.handler.Process(context.Background(), body(t, plainNoState, plainWithState))
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, change.KindPassthrough, res.Records[0].Kind)
	assert.Equal(t, "updated", res.Records[0].ChangeType)
	assert.Equal(t, 1, res.Dropped[DropClientState])
}

func TestProcess_MistypedFieldsAreDropped(t *testing.T) {
	h := newHarness(t)

	items := []any{
		map[string]any{"subscriptionId": "forged", "clientState": 1, "changeType": "created", "resourceData": map[string]any{"id": "evil"}},
		map[string]any{"subscriptionId": 7, "clientState": "secret-state", "changeType": "created"},
		map[string]any{"subscriptionId": "sub-1", "clientState": "secret-state", "changeType": "created"},
	}
	res, err := h.handler.Process(context.Background(), body(t, items...))
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "sub-1", res.Records[0].SubscriptionID)
	assert.Equal(t, 2, res.Dropped[DropMalformed])
	assert.Equal(t, uint64(2), h.handler.Stats().Dropped[DropMalformed])
	for _, rec := range h.sink.Records() {
		assert.NotContains(t, string(rec.Payload), "evil")
	}
}

func TestProcess_NoSubscription(t *testing.T) {
	h := newHarness(t)
	h.keys.clientState = ""

	items := []any{
		map[string]any{"subscriptionId": "sub-1", "changeType": "updated"},
		map[string]any{"subscriptionId": "sub-1", "clientState": "anything"},
		sealedItem(t, h.keys.current, "", `{"id":"m0"}`),
		"opaque",
	}
	res, err := h.handler.Process(context.Background(), body(t, items...))
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, change.KindPassthrough, res.Records[0].Kind)
	assert.JSONEq(t, `"opaque"`, string(res.Records[1].Payload))
	assert.Equal(t, 2, res.Dropped[DropClientState])
}

func TestProcess_BodyWithoutValue(t *testing.T) {
	h := newHarness(t)

	res, err := h.handler.Process(context.Background(), []byte(` {"hello": "world", "createdDateTime": "2026-04-01T00:00:00Z"} `))
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	rec := res.Records[0]
	assert.Equal(t, change.KindPassthrough, rec.Kind)
	assert.JSONEq(t, `{"hello":"world","createdDateTime":"2026-04-01T00:00:00Z"}`, string(rec.Payload))
	assert.True(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC).Equal(rec.SourceTimestamp))
	assert.Equal(t, "/teams/t1/channels/c1/messages", rec.Resource)
	assert.Len(t, h.sink.Groups(), 1)
}

func TestProcess_MalformedBody(t *testing.T) {
	h := newHarness(t)

	for _, b := range []string{"", "not json", `{"value":[`} {
		_, err := h.handler.Process(context.Background(), []byte(b))
		assert.ErrorIs(t, err, ErrMalformedDelivery, "body %q", b)
	}
	assert.Empty(t, h.sink.Groups())
	assert.Equal(t, uint64(0), h.handler.Stats().Deliveries)
}

func TestProcess_EmptyValueEmitsNothing(t *testing.T) {
	h := newHarness(t)

	res, err := h.handler.Process(context.Background(), []byte(`{"value":[]}`))
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	assert.Empty(t, h.sink.Groups())
}

func TestProcess_LifecycleEvents(t *testing.T) {
	h := newHarness(t)
	items := []any{
		map[string]any{
			"subscriptionId": "sub-1",
			"clientState":    "secret-state",
			"lifecycleEvent": EventReauthorizationRequired,
		},
		map[string]any{
			"subscriptionId": "sub-1",
			"clientState":    "forged",
			"lifecycleEvent": EventSubscriptionRemoved,
		},
	}

	res, err := h.handler.Process(context.Background(), body(t, items...))
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, change.KindLifecycle, res.Records[0].Kind)
	assert.Equal(t, EventReauthorizationRequired, res.Records[0].ChangeType)
	assert.Equal(t, "/teams/t1/channels/c1/messages", res.Records[0].Resource)
	assert.Equal(t, []string{"team-a:" + EventReauthorizationRequired}, h.lifecycle.events)
}

type failingSink struct{}

func (failingSink) Emit(context.Context, []change.Record) error { return assert.AnError }

func TestProcess_SinkFailure(t *testing.T) {
	h := newHarness(t)
	h.handler.opts.Sink = failingSink{}

	_, err := h.handler.Process(context.Background(), body(t,
		map[string]any{"clientState": "secret-state", "lifecycleEvent": EventMissed}))
	require.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, h.lifecycle.events)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		raw  string
		want Variant
	}{
		{`{"lifecycleEvent":"missed","encryptedContent":{"data":"x"}}`, LifecycleNotification{}},
		{`{"encryptedContent":{"data":"x"}}`, ResourceNotification{}},
		{`{"changeType":"created"}`, PlainNotification{}},
		{`"text"`, OpaqueNotification{}},
		{`[1]`, OpaqueNotification{}},
		{`{"encryptedContent":"not an object"}`, MalformedNotification{}},
		{`{"clientState":1}`, MalformedNotification{}},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := Classify(json.RawMessage(tt.raw))
			assert.IsType(t, tt.want, got)
			assert.Equal(t, tt.raw, string(got.raw()))
		})
	}
}
