package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/italolelis/premium_downloader/internal/logctx"
	"github.com/italolelis/premium_downloader/internal/telemetry"
)

// ErrShutdown is returned by a process that stopped on purpose. It ends
// supervision without a restart, like a nil error.
var ErrShutdown = errors.New("process shut down")

// Process is an actor the registry keeps alive. Run may be called again on the
// same value after it returned an error; it must start from a fresh session
// state each time. Close is called exactly once when supervision ends.
type Process interface {
	Run(ctx context.Context) error
	Close()
}

// Policy bounds restarts of a crashing process.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRestarts     int
	Window          time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxRestarts:     10,
		Window:          5 * time.Minute,
	}
}

func ManagerKey(accountID string) string {
	return accountID + "-manager"
}

func SubscriberKey(accountID string) string {
	return accountID + "-subscriber"
}

type entry[T Process] struct {
	proc T
	done chan struct{}
}

// Registry holds at most one supervised process per key.
type Registry[T Process] struct {
	ctx       context.Context
	kind      string
	policy    Policy
	telemetry *telemetry.Telemetry

	mu      sync.Mutex
	entries map[string]*entry[T]
	wg      sync.WaitGroup
}

// NewRegistry creates a registry whose processes run until ctx is cancelled.
// kind labels log lines and restart metrics.
func NewRegistry[T Process](ctx context.Context, kind string, policy Policy, tel *telemetry.Telemetry) *Registry[T] {
	return &Registry[T]{
		ctx:       ctx,
		kind:      kind,
		policy:    policy,
		telemetry: tel,
		entries:   make(map[string]*entry[T]),
	}
}

// Lookup returns the live process registered under key.
func (r *Registry[T]) Lookup(key string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		var zero T
		return zero, false
	}

	return e.proc, true
}

// Start returns the process registered under key, building and supervising a
// new one when there is none. The boolean reports whether build was called.
func (r *Registry[T]) Start(key string, build func() (T, error)) (T, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T

	if e, ok := r.entries[key]; ok {
		return e.proc, false, nil
	}

	if err := r.ctx.Err(); err != nil {
		return zero, false, fmt.Errorf("%w: %w", ErrShutdown, err)
	}

	proc, err := build()
	if err != nil {
		return zero, false, fmt.Errorf("failed to build %s %s: %w", r.kind, key, err)
	}

	e := &entry[T]{proc: proc, done: make(chan struct{})}
	r.entries[key] = e

	r.wg.Add(1)

	go r.supervise(key, e)

	return proc, true, nil
}

// AwaitExit blocks until the process under key is no longer registered.
func (r *Registry[T]) AwaitExit(ctx context.Context, key string) error {
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()

	if !ok {
		return nil
	}

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every supervised process has exited.
func (r *Registry[T]) Wait() {
	r.wg.Wait()
}

func (r *Registry[T]) supervise(key string, e *entry[T]) {
	defer r.wg.Done()

	logger := logctx.LoggerFromContext(r.ctx).With("process", key, "kind", r.kind)

	defer func() {
		r.mu.Lock()
		if r.entries[key] == e {
			delete(r.entries, key)
		}
		r.mu.Unlock()

		e.proc.Close()
		close(e.done)
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval

	var restarts []time.Time

	for {
		started := time.Now()
		err := runRecovered(r.ctx, e.proc)

		if r.isClean(err) {
			logger.Debug("process stopped", "err", err)
			return
		}

		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			logger.Error("process stopped with a permanent error", "err", permanent.Unwrap())
			r.telemetry.RecordRestart(r.kind, "permanent")

			return
		}

		now := time.Now()
		restarts = withinWindow(restarts, now.Add(-r.policy.Window))

		if len(restarts) >= r.policy.MaxRestarts {
			logger.Error("restart budget exhausted, giving up",
				"err", err,
				"restarts", len(restarts),
				"window", r.policy.Window,
			)
			r.telemetry.RecordRestart(r.kind, "gave_up")

			return
		}

		restarts = append(restarts, now)

		if now.Sub(started) > r.policy.Window {
			b.Reset()
		}

		delay := b.NextBackOff()

		logger.Warn("process crashed, restarting", "err", err, "attempt", len(restarts), "delay", delay)
		r.telemetry.RecordRestart(r.kind, "restarted")

		timer := time.NewTimer(delay)
		select {
		case <-r.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (r *Registry[T]) isClean(err error) bool {
	if err == nil || errors.Is(err, ErrShutdown) || errors.Is(err, context.Canceled) {
		return true
	}

	return r.ctx.Err() != nil
}

func runRecovered(ctx context.Context, p Process) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	return p.Run(ctx)
}

func withinWindow(restarts []time.Time, since time.Time) []time.Time {
	kept := restarts[:0]

	for _, at := range restarts {
		if at.After(since) {
			kept = append(kept, at)
		}
	}

	return kept
}
