package watch

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Pool runs per-resource work concurrently with a concurrency cap and a
// shared rate limit.
type Pool struct {
	semaphore   chan struct{}
	rateLimiter *rate.Limiter
	logger      zerolog.Logger

	mu     sync.Mutex
	errors map[string]error
}

// NewPool creates a Pool.
//
// Parameters:
//   - rps: task starts per second (e.g., 5.0)
//   - maxConcurrent: maximum number of tasks running at once
//
// The limiter allows bursts of rps*2 so a tick over a handful of resources
// starts without waiting.
func NewPool(rps float64, maxConcurrent int, logger zerolog.Logger) *Pool {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	burst := int(rps * 2)
	if burst < 1 {
		burst = 1
	}
	return &Pool{
		semaphore:   make(chan struct{}, maxConcurrent),
		rateLimiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:      logger,
		errors:      make(map[string]error),
	}
}

// Run calls fn once per name and waits for all of them. A failing name
// does not stop the others; the errors of this run are kept for Errors.
func (p *Pool) Run(ctx context.Context, op string, names []string, fn func(ctx context.Context, name string) error) error {
	errs := make(map[string]error)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()

			p.semaphore <- struct{}{}
			defer func() { <-p.semaphore }()

			if err := p.rateLimiter.Wait(ctx); err != nil {
				mu.Lock()
				errs[name] = fmt.Errorf("rate limiter: %w", err)
				mu.Unlock()
				return
			}

			if err := fn(ctx, name); err != nil {
				mu.Lock()
				errs[name] = err
				mu.Unlock()
				p.logger.Warn().Err(err).Str("instance", name).Str("op", op).Msg("task failed")
			}
		}(name)
	}
	wg.Wait()

	p.mu.Lock()
	p.errors = errs
	p.mu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("%s failed for %d of %d resources", op, len(errs), len(names))
	}
	return nil
}

// Errors returns a copy of the per-name errors of the last Run.
func (p *Pool) Errors() map[string]error {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]error, len(p.errors))
	for k, v := range p.errors {
		out[k] = v
	}
	return out
}
