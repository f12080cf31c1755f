package watch

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NissesSenap/teams-changefeed/internal/change"
	"github.com/NissesSenap/teams-changefeed/internal/clock"
	"github.com/NissesSenap/teams-changefeed/internal/envelope"
	"github.com/NissesSenap/teams-changefeed/internal/ingress"
	"github.com/NissesSenap/teams-changefeed/internal/poller"
	"github.com/NissesSenap/teams-changefeed/internal/resource"
	"github.com/NissesSenap/teams-changefeed/internal/storage"
	"github.com/NissesSenap/teams-changefeed/internal/subscription"
)

const publicURL = "https://hooks.example/"

var start = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

var (
	chatResource    = resource.Resource{Name: "chat-1", Kind: resource.KindChat, ChatID: "c1"}
	channelResource = resource.Resource{Name: "general", Kind: resource.KindChannel, TeamID: "t1", ChannelID: "c1"}
)

type env struct {
	graph   *fakeGraph
	clock   *clock.Fake
	store   storage.Store
	sink    *change.Recorder
	watcher *Watcher
}

func newEnv(t *testing.T, res resource.Resource, push bool) *env {
	t.Helper()
	fg, client := newFakeGraph(t)
	clk := clock.NewFake(start)
	store := storage.NewMemory()
	scratch := storage.NewScratch(store, res.Name)
	sink := &change.Recorder{}

	mgr := subscription.NewManager(client, scratch, subscription.Options{
		KeyBits:                  1024,
		LifecycleNotificationURL: LifecycleURL(publicURL, res.Name),
		Clock:                    clk,
		Logger:                   zerolog.Nop(),
	})
	pl := poller.New(client, scratch, res, poller.Options{Clock: clk, Logger: zerolog.Nop()})

	return &env{
		graph: fg,
		clock: clk,
		store: store,
		sink:  sink,
		watcher: NewWatcher(WatcherOptions{
			Resource:  res,
			Manager:   mgr,
			Poller:    pl,
			Sink:      sink,
			Push:      push,
			PublicURL: publicURL,
			Clock:     clk,
			Logger:    zerolog.Nop(),
		}),
	}
}

func (e *env) lifecycle(t *testing.T, event string) {
	t.Helper()
	cs, ok := e.watcher.Manager().ClientState(context.Background())
	require.True(t, ok)
	b, err := json.Marshal(map[string]any{"value": []any{map[string]any{
		"subscriptionId": "sub-1",
		"clientState":    cs,
		"lifecycleEvent": event,
	}}})
	require.NoError(t, err)
	_, err = e.watcher.Handler().Process(context.Background(), b)
	require.NoError(t, err)
}

func TestWatcher_StartActivatesPush(t *testing.T) {
	e := newEnv(t, channelResource, true)

	require.NoError(t, e.watcher.Start(context.Background()))
	assert.True(t, e.watcher.Pushing())
	assert.False(t, e.watcher.PollDue())

	sub := e.graph.lastCreate()
	assert.Equal(t, "https://hooks.example/notifications/general", sub.NotificationURL)
	assert.Equal(t, "https://hooks.example/lifecycle/general", sub.LifecycleNotificationURL)
	assert.Equal(t, "/teams/t1/channels/c1/messages", sub.Resource)
}

func TestWatcher_StartRestoresInsteadOfCreating(t *testing.T) {
	e := newEnv(t, channelResource, true)
	require.NoError(t, e.watcher.Start(context.Background()))

	again := NewWatcher(WatcherOptions{
		Resource: channelResource,
		Manager: subscription.NewManager(nil, storage.NewScratch(e.store, channelResource.Name), subscription.Options{
			Clock:  e.clock,
			Logger: zerolog.Nop(),
		}),
		Push:   true,
		Clock:  e.clock,
		Logger: zerolog.Nop(),
	})
	require.NoError(t, again.Start(context.Background()))
	assert.True(t, again.Pushing())

	creates, _, _, _ := e.graph.counts()
	assert.Equal(t, 1, creates)
}

func TestWatcher_PollOnly(t *testing.T) {
	e := newEnv(t, chatResource, false)

	require.NoError(t, e.watcher.Start(context.Background()))
	require.NoError(t, e.watcher.Maintain(context.Background()))
	assert.False(t, e.watcher.Pushing())
	assert.True(t, e.watcher.PollDue())

	creates, _, _, _ := e.graph.counts()
	assert.Zero(t, creates)
}

func TestWatcher_ActivationFailureFallsBackToPolling(t *testing.T) {
	e := newEnv(t, chatResource, true)
	e.graph.with(func(f *fakeGraph) { f.createStatus = http.StatusForbidden })

	err := e.watcher.Start(context.Background())
	require.ErrorIs(t, err, subscription.ErrSubscriptionCreate)
	assert.True(t, e.watcher.PollDue())

	e.graph.with(func(f *fakeGraph) { f.createStatus = 0 })
	require.NoError(t, e.watcher.Maintain(context.Background()))
	assert.True(t, e.watcher.Pushing())
	assert.False(t, e.watcher.PollDue())
}

func TestWatcher_MaintainRenewsNearExpiry(t *testing.T) {
	e := newEnv(t, chatResource, true)
	require.NoError(t, e.watcher.Start(context.Background()))
	before, _ := e.watcher.Manager().Record()

	require.NoError(t, e.watcher.Maintain(context.Background()))
	_, patches, _, _ := e.graph.counts()
	assert.Zero(t, patches)

	e.clock.Set(before.ExpiresAt.Add(-5 * time.Minute))
	require.NoError(t, e.watcher.Maintain(context.Background()))
	_, patches, _, _ = e.graph.counts()
	assert.Equal(t, 1, patches)

	after, _ := e.watcher.Manager().Record()
	assert.Equal(t, before.ID, after.ID)
	assert.True(t, after.ExpiresAt.After(before.ExpiresAt))
}

func TestWatcher_MaintainRecreatesVanishedSubscription(t *testing.T) {
	e := newEnv(t, chatResource, true)
	require.NoError(t, e.watcher.Start(context.Background()))
	e.graph.with(func(f *fakeGraph) { f.subs = map[string]createdSub{} })

	require.NoError(t, e.watcher.Maintain(context.Background()))
	creates, _, _, _ := e.graph.counts()
	assert.Equal(t, 2, creates)
	rec, ok := e.watcher.Manager().Record()
	require.True(t, ok)
	assert.Equal(t, "sub-2", rec.ID)
}

func TestWatcher_LifecycleEvents(t *testing.T) {
	t.Run("subscription removed", func(t *testing.T) {
		e := newEnv(t, chatResource, true)
		require.NoError(t, e.watcher.Start(context.Background()))

		e.lifecycle(t, ingress.EventSubscriptionRemoved)
		require.NoError(t, e.watcher.Maintain(context.Background()))

		creates, _, deletes, _ := e.graph.counts()
		assert.Equal(t, 2, creates)
		assert.Equal(t, 1, deletes)
		rec, _ := e.watcher.Manager().Record()
		assert.Equal(t, "sub-2", rec.ID)
	})

	t.Run("reauthorization required", func(t *testing.T) {
		e := newEnv(t, chatResource, true)
		require.NoError(t, e.watcher.Start(context.Background()))

		e.lifecycle(t, ingress.EventReauthorizationRequired)
		require.NoError(t, e.watcher.Maintain(context.Background()))

		creates, patches, _, _ := e.graph.counts()
		assert.Equal(t, 1, creates)
		assert.Equal(t, 1, patches)

		require.NoError(t, e.watcher.Maintain(context.Background()))
		_, patches, _, _ = e.graph.counts()
		assert.Equal(t, 1, patches, "event is consumed")
	})

	t.Run("missed", func(t *testing.T) {
		e := newEnv(t, chatResource, true)
		require.NoError(t, e.watcher.Start(context.Background()))
		require.False(t, e.watcher.PollDue())

		e.lifecycle(t, ingress.EventMissed)
		assert.True(t, e.watcher.PollDue())
		assert.False(t, e.watcher.PollDue())
	})
}

func TestWatcher_PollEmits(t *testing.T) {
	e := newEnv(t, chatResource, false)
	e.graph.with(func(f *fakeGraph) {
		f.listings["/v1.0/chats/c1/messages"] = []json.RawMessage{
			json.RawMessage(`{"id":"m1"}`),
			json.RawMessage(`{"id":"m2"}`),
		}
	})

	recs, err := e.watcher.Poll(context.Background(), poller.ModeScheduled)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	groups := e.sink.Groups()
	require.Len(t, groups, 1)
	assert.Equal(t, recs, groups[0])
}

func TestWatcher_PollNothingEmitsNothing(t *testing.T) {
	e := newEnv(t, channelResource, false)

	recs, err := e.watcher.Poll(context.Background(), poller.ModeScheduled)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Empty(t, e.sink.Groups())

	_, err = e.watcher.Poll(context.Background(), poller.ModeManual)
	assert.ErrorIs(t, err, poller.ErrNoDataFound)
}

func TestWatcher_PushDeliveryEndToEnd(t *testing.T) {
	e := newEnv(t, channelResource, true)
	require.NoError(t, e.watcher.Start(context.Background()))

	sub := e.graph.lastCreate()
	der, err := base64.StdEncoding.DecodeString(sub.EncryptionCertificate)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	sealed, err := envelope.Seal([]byte(`{"id":"m9","body":{"content":"hello"}}`), sub.EncryptionCertificateID, cert.PublicKey.(*rsa.PublicKey))
	require.NoError(t, err)
	b, err := json.Marshal(map[string]any{"value": []any{map[string]any{
		"subscriptionId":   "sub-1",
		"changeType":       "created",
		"clientState":      sub.ClientState,
		"encryptedContent": sealed,
	}}})
	require.NoError(t, err)

	res, err := e.watcher.Handler().Process(context.Background(), b)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.JSONEq(t, `{"id":"m9","body":{"content":"hello"}}`, string(res.Records[0].Payload))
	assert.Len(t, e.sink.Groups(), 1)
}

func TestWatcher_Deactivate(t *testing.T) {
	e := newEnv(t, chatResource, true)
	require.NoError(t, e.watcher.Start(context.Background()))

	require.NoError(t, e.watcher.Deactivate(context.Background()))
	assert.False(t, e.watcher.Pushing())
	_, _, deletes, _ := e.graph.counts()
	assert.Equal(t, 1, deletes)
}

func TestURLs(t *testing.T) {
	assert.Equal(t, "https://x.example/notifications/a", NotificationURL("https://x.example/", "a"))
	assert.Equal(t, "https://x.example/lifecycle/a", LifecycleURL("https://x.example", "a"))
}
