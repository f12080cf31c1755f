// Package watch keeps every configured resource delivering changes: it
// maintains push subscriptions, reacts to lifecycle events and polls
// whenever push is not carrying the resource.
package watch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/NissesSenap/teams-changefeed/internal/change"
	"github.com/NissesSenap/teams-changefeed/internal/clock"
	"github.com/NissesSenap/teams-changefeed/internal/ingress"
	"github.com/NissesSenap/teams-changefeed/internal/poller"
	"github.com/NissesSenap/teams-changefeed/internal/resource"
	"github.com/NissesSenap/teams-changefeed/internal/subscription"
)

type WatcherOptions struct {
	Resource resource.Resource
	Manager  *subscription.Manager
	Poller   *poller.Poller
	Sink     change.Sink
	// Tokens, when set, verifies validationTokens on encrypted deliveries.
	Tokens ingress.TokenVerifier
	// Push enables the push subscription; without it the resource is
	// polled only.
	Push bool
	// ForcePoll keeps polling while push is active.
	ForcePoll bool
	// PublicURL is the externally reachable base of the ingress server.
	PublicURL string
	Clock     clock.Clock
	Logger    zerolog.Logger
}

// Watcher drives one resource.
type Watcher struct {
	opts    WatcherOptions
	handler *ingress.Handler
	logger  zerolog.Logger

	mu       sync.Mutex
	pending  string
	pollSoon bool
}

func NewWatcher(opts WatcherOptions) *Watcher {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	w := &Watcher{
		opts:   opts,
		logger: opts.Logger.With().Str("instance", opts.Resource.Name).Logger(),
	}
	w.handler = ingress.NewHandler(ingress.Options{
		Instance:  opts.Resource.Name,
		Resource:  opts.Resource.SubscriptionPath(),
		Keys:      opts.Manager,
		Sink:      opts.Sink,
		Tokens:    opts.Tokens,
		Lifecycle: w,
		Clock:     opts.Clock,
		Logger:    opts.Logger,
	})
	return w
}

func (w *Watcher) Name() string { return w.opts.Resource.Name }

func (w *Watcher) Resource() resource.Resource { return w.opts.Resource }

// PushEnabled reports whether the resource is configured for push delivery.
func (w *Watcher) PushEnabled() bool { return w.opts.Push }

// Handler processes deliveries addressed to this resource.
func (w *Watcher) Handler() *ingress.Handler { return w.handler }

func (w *Watcher) Manager() *subscription.Manager { return w.opts.Manager }

func (w *Watcher) Poller() *poller.Poller { return w.opts.Poller }

// NotificationURL is where the remote service posts change notifications.
func (w *Watcher) NotificationURL() string {
	return NotificationURL(w.opts.PublicURL, w.Name())
}

// NotificationURL joins the public base URL and the per-instance path.
func NotificationURL(publicURL, instance string) string {
	return strings.TrimRight(publicURL, "/") + "/notifications/" + instance
}

// LifecycleURL is the lifecycle counterpart of NotificationURL.
func LifecycleURL(publicURL, instance string) string {
	return strings.TrimRight(publicURL, "/") + "/lifecycle/" + instance
}

// Pushing reports whether push delivery currently carries the resource.
func (w *Watcher) Pushing() bool {
	return w.opts.Push && w.opts.Manager.State() == subscription.Active
}

// Start restores persisted state and, with push enabled, makes sure a
// subscription exists. A failed activation leaves the resource on polling.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.opts.Manager.Restore(ctx); err != nil {
		return fmt.Errorf("restoring subscription: %w", err)
	}
	if !w.opts.Push || w.opts.Manager.State() != subscription.Inactive {
		return nil
	}
	return w.Activate(ctx)
}

// Activate creates the push subscription.
func (w *Watcher) Activate(ctx context.Context) error {
	rec, err := w.opts.Manager.Activate(ctx, w.opts.Resource.SubscriptionPath(), w.NotificationURL())
	if err != nil {
		w.logger.Warn().Err(err).Msg("push unavailable, polling instead")
		return err
	}
	w.logger.Info().Str("subscription_id", rec.ID).Time("expires_at", rec.ExpiresAt).Msg("push active")
	return nil
}

// Maintain is the periodic health check: it acts on pending lifecycle
// events, recreates subscriptions that disappeared and renews the ones
// close to expiry.
func (w *Watcher) Maintain(ctx context.Context) error {
	event := w.takePending()
	if !w.opts.Push {
		return nil
	}

	m := w.opts.Manager
	switch m.State() {
	case subscription.Inactive:
		return w.Activate(ctx)
	case subscription.Active:
	default:
		return nil
	}

	switch event {
	case ingress.EventReauthorizationRequired:
		_, err := m.Renew(ctx)
		return err
	case ingress.EventSubscriptionRemoved:
		return w.recreate(ctx, "removed by remote service")
	}

	exists, err := m.CheckExists(ctx)
	if err != nil {
		return fmt.Errorf("checking subscription: %w", err)
	}
	if !exists {
		return w.recreate(ctx, "no longer exists remotely")
	}
	if m.NeedsRenewal(w.opts.Clock.Now()) {
		_, err := m.Renew(ctx)
		return err
	}
	return nil
}

func (w *Watcher) recreate(ctx context.Context, reason string) error {
	w.logger.Warn().Str("reason", reason).Msg("recreating subscription")
	if err := w.opts.Manager.Deactivate(ctx); err != nil {
		return err
	}
	return w.Activate(ctx)
}

// PollDue reports whether the next poll tick should poll this resource.
func (w *Watcher) PollDue() bool {
	w.mu.Lock()
	soon := w.pollSoon
	w.pollSoon = false
	w.mu.Unlock()
	return soon || w.opts.ForcePoll || !w.Pushing()
}

// Poll runs one poll cycle and emits whatever it produced as one group.
func (w *Watcher) Poll(ctx context.Context, mode poller.Mode) ([]change.Record, error) {
	recs, err := w.opts.Poller.Poll(ctx, mode)
	if len(recs) > 0 && w.opts.Sink != nil {
		if emitErr := w.opts.Sink.Emit(ctx, recs); emitErr != nil {
			return recs, errors.Join(err, fmt.Errorf("emitting %d polled records: %w", len(recs), emitErr))
		}
	}
	return recs, err
}

// Deactivate removes the push subscription and its local state.
func (w *Watcher) Deactivate(ctx context.Context) error {
	return w.opts.Manager.Deactivate(ctx)
}

// OnLifecycle queues lifecycle events for the next Maintain. A missed
// event makes the next poll tick poll this resource.
func (w *Watcher) OnLifecycle(_ context.Context, _ string, n ingress.LifecycleNotification) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch n.LifecycleEvent {
	case ingress.EventMissed:
		w.pollSoon = true
	case ingress.EventSubscriptionRemoved:
		w.pending = n.LifecycleEvent
	case ingress.EventReauthorizationRequired:
		if w.pending != ingress.EventSubscriptionRemoved {
			w.pending = n.LifecycleEvent
		}
	}
	w.logger.Info().Str("event", n.LifecycleEvent).Str("subscription_id", n.SubscriptionID).Msg("lifecycle event")
}

func (w *Watcher) takePending() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	e := w.pending
	w.pending = ""
	return e
}
