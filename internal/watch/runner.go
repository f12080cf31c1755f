package watch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/NissesSenap/teams-changefeed/internal/clock"
	"github.com/NissesSenap/teams-changefeed/internal/poller"
)

const (
	DefaultCheckInterval = time.Minute
	DefaultPollInterval  = 5 * time.Minute
)

type RunnerOptions struct {
	CheckInterval time.Duration
	PollInterval  time.Duration
	Pool          *Pool
	Clock         clock.Clock
	Logger        zerolog.Logger
}

// Runner schedules maintenance and polling for a set of watchers.
type Runner struct {
	watchers map[string]*Watcher
	names    []string
	opts     RunnerOptions
	logger   zerolog.Logger
}

func NewRunner(watchers []*Watcher, opts RunnerOptions) *Runner {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Pool == nil {
		opts.Pool = NewPool(5, 4, opts.Logger)
	}
	r := &Runner{
		watchers: make(map[string]*Watcher, len(watchers)),
		opts:     opts,
		logger:   opts.Logger,
	}
	for _, w := range watchers {
		r.watchers[w.Name()] = w
		r.names = append(r.names, w.Name())
	}
	return r
}

func (r *Runner) Watcher(name string) (*Watcher, bool) {
	w, ok := r.watchers[name]
	return w, ok
}

// Names returns the watched instances in configuration order.
func (r *Runner) Names() []string { return append([]string(nil), r.names...) }

func (r *Runner) each(ctx context.Context, op string, names []string, fn func(context.Context, *Watcher) error) error {
	return r.opts.Pool.Run(ctx, op, names, func(ctx context.Context, name string) error {
		return fn(ctx, r.watchers[name])
	})
}

// StartAll restores and activates every watcher.
func (r *Runner) StartAll(ctx context.Context) error {
	return r.each(ctx, "start", r.names, func(ctx context.Context, w *Watcher) error {
		return w.Start(ctx)
	})
}

// MaintainAll runs one health check over every watcher.
func (r *Runner) MaintainAll(ctx context.Context) error {
	return r.each(ctx, "maintain", r.names, func(ctx context.Context, w *Watcher) error {
		return w.Maintain(ctx)
	})
}

// PollAll polls the given watchers, or every watcher when names is empty.
func (r *Runner) PollAll(ctx context.Context, mode poller.Mode, names ...string) error {
	if len(names) == 0 {
		names = r.names
	}
	for _, n := range names {
		if _, ok := r.watchers[n]; !ok {
			return fmt.Errorf("unknown resource %q", n)
		}
	}
	return r.each(ctx, "poll", names, func(ctx context.Context, w *Watcher) error {
		recs, err := w.Poll(ctx, mode)
		if err != nil {
			return err
		}
		w.logger.Debug().Int("records", len(recs)).Str("mode", mode.String()).Msg("polled")
		return nil
	})
}

// PollDue polls the watchers that are not carried by push, plus any that
// asked for an extra poll.
func (r *Runner) PollDue(ctx context.Context) error {
	var due []string
	for _, n := range r.names {
		if r.watchers[n].PollDue() {
			due = append(due, n)
		}
	}
	if len(due) == 0 {
		return nil
	}
	return r.PollAll(ctx, poller.ModeScheduled, due...)
}

// Run starts every watcher and then runs the maintenance and poll loops
// until ctx is cancelled. Task failures are logged and retried on the next
// tick; Run only returns once ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.StartAll(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("some resources did not start cleanly")
	}
	if err := r.PollDue(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("initial poll")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.loop(ctx, "maintain", r.opts.CheckInterval, r.MaintainAll) })
	g.Go(func() error { return r.loop(ctx, "poll", r.opts.PollInterval, r.PollDue) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) loop(ctx context.Context, name string, every time.Duration, fn func(context.Context) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.opts.Clock.After(every):
		}
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn().Err(err).Str("loop", name).Msg("tick failed")
		}
	}
}
