package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"

	"github.com/NissesSenap/teams-changefeed/internal/auth"
	"github.com/NissesSenap/teams-changefeed/internal/change"
	"github.com/NissesSenap/teams-changefeed/internal/clock"
	"github.com/NissesSenap/teams-changefeed/internal/config"
	"github.com/NissesSenap/teams-changefeed/internal/graph"
	"github.com/NissesSenap/teams-changefeed/internal/ingress"
	"github.com/NissesSenap/teams-changefeed/internal/logging"
	"github.com/NissesSenap/teams-changefeed/internal/poller"
	"github.com/NissesSenap/teams-changefeed/internal/retry"
	"github.com/NissesSenap/teams-changefeed/internal/sealed"
	"github.com/NissesSenap/teams-changefeed/internal/storage"
	"github.com/NissesSenap/teams-changefeed/internal/subscription"
	"github.com/NissesSenap/teams-changefeed/internal/watch"
)

// needs selects the outbound dependencies a command builds. Commands that
// only read local state run without a Graph token or a sink.
type needs struct {
	graph bool
	sink  bool
}

// app is the wired process: one watcher per configured resource sharing the
// store, the Graph client and the sink.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	store  storage.Store
	runner *watch.Runner

	closers []func()
}

// loadConfig reads and validates the configuration and builds the root
// logger from it.
func (c *CLI) loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("invalid config %s: %w", config.ConfigPath(), err)
	}
	level := cfg.Log.Level
	if c.LogLevel != "" {
		level = c.LogLevel
	}
	logger := logging.New(logging.Options{Level: level, Format: cfg.Log.Format})
	return cfg, logger, nil
}

func (c *CLI) newApp(n needs) (*app, error) {
	cfg, logger, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	return buildApp(c.Context(), cfg, logger, n)
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, n needs) (a *app, err error) {
	if len(cfg.Resources) == 0 {
		return nil, errors.New("no resources configured")
	}

	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.store, err = storage.Open(cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.closers = append(a.closers, func() { _ = a.store.Close() })

	var sealer sealed.Sealer = sealed.Plain{}
	if cfg.Storage.IdentityFile != "" {
		id, err := sealed.LoadIdentityFile(cfg.Storage.IdentityFile)
		if err != nil {
			return nil, err
		}
		sealer = id
	}

	var api graph.Requester
	if n.graph {
		api, err = newGraphClient(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	var sink change.Sink = change.NewLogSink(logging.Component(logger, "sink"))
	if n.sink {
		sink, err = a.newSink(ctx)
		if err != nil {
			return nil, err
		}
		if cfg.Sink.LogRecords && cfg.Sink.Kind != config.SinkLog {
			sink = change.Fanout{sink, change.NewLogSink(logging.Component(logger, "sink"))}
		}
	}

	tokens, err := newTokenVerifier(cfg)
	if err != nil {
		return nil, err
	}

	watchers := make([]*watch.Watcher, 0, len(cfg.Resources))
	for _, res := range cfg.Resources {
		scratch := storage.NewScratch(a.store, res.Name)
		wlog := logger.With().Str("instance", res.Name).Logger()
		mgr := subscription.NewManager(api, scratch, subscription.Options{
			APIVersion:               cfg.Graph.APIVersion,
			ChangeType:               cfg.Subscription.ChangeType,
			Lifetime:                 cfg.Subscription.Lifetime,
			RenewBefore:              cfg.Subscription.RenewBefore,
			KeyBits:                  cfg.Subscription.KeyBits,
			KeyGrace:                 cfg.Subscription.KeyGrace,
			LifecycleNotificationURL: watch.LifecycleURL(cfg.Webhook.PublicURL, res.Name),
			Sealer:                   sealer,
			Logger:                   logging.Component(wlog, "subscription"),
		})
		pl := poller.New(api, scratch, res, poller.Options{
			APIVersion: cfg.Graph.APIVersion,
			PageSize:   cfg.Poll.PageSize,
			Logger:     logging.Component(wlog, "poller"),
		})
		watchers = append(watchers, watch.NewWatcher(watch.WatcherOptions{
			Resource:  res,
			Manager:   mgr,
			Poller:    pl,
			Sink:      sink,
			Tokens:    tokens,
			Push:      res.PushEnabled(cfg.Subscription.Push),
			ForcePoll: cfg.Poll.Force,
			PublicURL: cfg.Webhook.PublicURL,
			Logger:    logging.Component(logger, "watch"),
		}))
	}

	a.runner = watch.NewRunner(watchers, watch.RunnerOptions{
		CheckInterval: cfg.Subscription.CheckInterval,
		PollInterval:  cfg.Poll.Interval,
		Pool:          watch.NewPool(cfg.RateLimits.RequestsPerSecond, cfg.RateLimits.MaxConcurrent, logger),
		Logger:        logging.Component(logger, "runner"),
	})
	return a, nil
}

func newGraphClient(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*graph.Client, error) {
	httpClient, err := auth.NewGraphHTTPClient(ctx, cfg.Graph.Token, cfg.Graph.Timeout)
	if err != nil {
		return nil, err
	}
	return graph.NewClient(graph.Options{
		BaseURL:           cfg.Graph.BaseURL,
		HTTPClient:        httpClient,
		RequestsPerSecond: cfg.RateLimits.RequestsPerSecond,
		Burst:             cfg.RateLimits.MaxConcurrent,
		Retry:             retry.DefaultPolicy(),
		Logger:            logging.Component(logger, "graph"),
	})
}

func (a *app) newSink(ctx context.Context) (change.Sink, error) {
	cfg := a.cfg.Sink
	switch cfg.Kind {
	case config.SinkStdout:
		return change.NewWriterSink(os.Stdout), nil
	case config.SinkPubSub:
		enc, err := change.ParseEncoding(cfg.Encoding)
		if err != nil {
			return nil, err
		}
		client, err := auth.NewPubSubClient(ctx, cfg.Project)
		if err != nil {
			return nil, fmt.Errorf("creating pubsub client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		return newPubSubSink(client, cfg.Topic, enc, a)
	default:
		return change.NewLogSink(logging.Component(a.logger, "sink")), nil
	}
}

func newPubSubSink(client *pubsub.Client, topic string, enc change.Encoding, a *app) (change.Sink, error) {
	sink, err := change.NewPubSubSink(client, topic, enc, retry.DefaultPolicy(), logging.Component(a.logger, "pubsub"))
	if err != nil {
		return nil, err
	}
	// Flush before the client closes.
	a.closers = append(a.closers, sink.Stop)
	return sink, nil
}

func newTokenVerifier(cfg *config.Config) (ingress.TokenVerifier, error) {
	if !cfg.Webhook.ValidateTokens {
		return nil, nil
	}
	keys := ingress.NewJWKS(cfg.Webhook.JWKSURL, &http.Client{Timeout: cfg.Graph.Timeout}, ingress.DefaultJWKSTTL, clock.Real())
	return ingress.NewTokenValidator(ingress.TokenOptions{
		AppID:    cfg.Webhook.AppID,
		TenantID: cfg.Webhook.TenantID,
		Keys:     keys,
	})
}

// watchers resolves names to watchers; no names selects all of them.
func (a *app) watchers(names []string) ([]*watch.Watcher, error) {
	if len(names) == 0 {
		names = a.runner.Names()
	}
	out := make([]*watch.Watcher, 0, len(names))
	for _, n := range names {
		w, ok := a.runner.Watcher(n)
		if !ok {
			return nil, fmt.Errorf("unknown resource %q", n)
		}
		out = append(out, w)
	}
	return out, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
