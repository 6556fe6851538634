// Package lock implements the Distributed Lock component: resource
// leases over Redis with bounded jittered retries and abort propagation. It
// layers acquisition/retry/extension semantics on top of the low-level
// SetNX/Lua-CAS-delete primitive in pkg/distributed's DistributedLock.
package lock

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"confluence/internal/ports"
	"confluence/pkg/distributed"
	apperrors "confluence/pkg/errors"
	"confluence/pkg/tracing"
)

// Config mirrors pkg/config.Config.Lock; kept separate so this package has
// no dependency on pkg/config.
type Config struct {
	LeaseDuration   time.Duration
	ExtendThreshold time.Duration
	MaxRetries      int
	RetryDelay      time.Duration
	RetryJitter     time.Duration
}

// LockMetrics is the slice of internal/httpapi.Metrics the lock manager
// needs: a counter for acquisition attempts that found the resource already
// held, broken down by which acquisition mode hit contention.
type LockMetrics interface {
	RecordLockBusy(resourceKind string)
}

// Manager implements ports.Locks over a Redis client.
type Manager struct {
	client  *redis.Client
	cfg     Config
	logger  *zap.SugaredLogger
	metrics LockMetrics
}

func New(client *redis.Client, cfg Config, logger *zap.SugaredLogger, metrics LockMetrics) *Manager {
	return &Manager{client: client, cfg: cfg, logger: logger, metrics: metrics}
}

func (m *Manager) recordBusy(resourceKind string) {
	if m.metrics != nil {
		m.metrics.RecordLockBusy(resourceKind)
	}
}

// traceAttrs tags the acquisition span with the lock key and whether it
// went through the blocking or try-once path.
func traceAttrs(resource, mode string) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String("lock.resource", resource),
		attribute.String("lock.mode", mode),
	)
}

func keyFor(resource string) string {
	return fmt.Sprintf("lock:%s", resource)
}

// jitteredDelay returns delay +/- a uniform random offset in [-jitter,
// jitter], floored at zero.
func jitteredDelay(delay, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return delay
	}
	offset := time.Duration(rand.Int63n(int64(2*jitter))) - jitter
	wait := delay + offset
	if wait < 0 {
		return 0
	}
	return wait
}

// WithLock blocks (subject to MaxRetries bounded retries) until the lease is
// acquired, runs task, then releases. If the lease is lost mid-task the task
// observes abort at its next suspension point and this call returns
// LockAborted.
func (m *Manager) WithLock(ctx context.Context, resource string, task func(ctx context.Context) error) error {
	spanCtx, span := tracing.StartSpan(ctx, "lock.acquire", traceAttrs(resource, "blocking"))
	dl, err := m.acquire(spanCtx, resource)
	if err != nil {
		tracing.RecordError(spanCtx, err)
		span.End()
		return err
	}
	span.End()
	defer m.release(ctx, resource, dl)

	return m.runGuarded(ctx, resource, dl, task)
}

// TryWithLock attempts a single non-blocking acquisition. Returns
// LockOutcomeBusy (and a nil error) if the resource is already held.
func (m *Manager) TryWithLock(ctx context.Context, resource string, task func(ctx context.Context) error) (LockOutcome, error) {
	spanCtx, span := tracing.StartSpan(ctx, "lock.acquire", traceAttrs(resource, "try"))
	dl := distributed.NewDistributedLock(m.client, keyFor(resource), m.cfg.LeaseDuration)
	acquired, err := dl.TryLock(spanCtx)
	if err != nil {
		tracing.RecordError(spanCtx, err)
		span.End()
		return LockOutcomeBusy, apperrors.NewStoreUnavailableError(err)
	}
	if !acquired {
		m.recordBusy("try")
		span.End()
		return LockOutcomeBusy, nil
	}
	span.End()
	defer m.release(ctx, resource, dl)

	if err := m.runGuarded(ctx, resource, dl, task); err != nil {
		return LockOutcomeRan, err
	}
	return LockOutcomeRan, nil
}

// LockOutcome mirrors ports.LockOutcome; redefined here so this package's
// own call sites and tests don't need to import internal/ports for a
// two-value enum.
type LockOutcome int

const (
	LockOutcomeRan LockOutcome = iota
	LockOutcomeBusy
)

// AsPorts adapts m to ports.Locks, translating between this package's
// LockOutcome and ports.LockOutcome. Components outside internal/lock (e.g.
// internal/chat) depend on ports.Locks rather than *Manager directly, so
// they can be tested against a fake without pulling in Redis.
func (m *Manager) AsPorts() ports.Locks {
	return portsAdapter{m}
}

type portsAdapter struct{ m *Manager }

func (a portsAdapter) WithLock(ctx context.Context, resource string, task func(ctx context.Context) error) error {
	return a.m.WithLock(ctx, resource, task)
}

func (a portsAdapter) TryWithLock(ctx context.Context, resource string, task func(ctx context.Context) error) (ports.LockOutcome, error) {
	outcome, err := a.m.TryWithLock(ctx, resource, task)
	if outcome == LockOutcomeBusy {
		return ports.LockOutcomeBusy, err
	}
	return ports.LockOutcomeRan, err
}

func (m *Manager) acquire(ctx context.Context, resource string) (*distributed.DistributedLock, error) {
	dl := distributed.NewDistributedLock(m.client, keyFor(resource), m.cfg.LeaseDuration)

	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		acquired, err := dl.TryLock(ctx)
		if err != nil {
			return nil, apperrors.NewStoreUnavailableError(err)
		}
		if acquired {
			return dl, nil
		}
		m.recordBusy("blocking")

		if attempt == m.cfg.MaxRetries {
			break
		}

		wait := jitteredDelay(m.cfg.RetryDelay, m.cfg.RetryJitter)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	return nil, apperrors.NewLockBusyError(resource)
}

// runGuarded runs task while racing it against the lock's abort signal and
// proactively renewing once the remaining lease time drops under
// ExtendThreshold.
func (m *Manager) runGuarded(ctx context.Context, resource string, dl *distributed.DistributedLock, task func(ctx context.Context) error) error {
	guardCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- task(guardCtx)
	}()

	extendTicker := time.NewTicker(m.cfg.LeaseDuration - m.cfg.ExtendThreshold)
	defer extendTicker.Stop()

	for {
		select {
		case err := <-done:
			return err
		case <-dl.Aborted():
			cancel()
			if m.logger != nil {
				m.logger.Warnw("lock aborted mid-task", "resource", resource)
			}
			<-done // allow task to observe ctx cancellation and return
			return apperrors.NewLockAbortedError(resource)
		case <-extendTicker.C:
			if err := dl.RenewNow(ctx); err != nil && m.logger != nil {
				m.logger.Debugw("lock renewal failed", "resource", resource, "error", err)
			}
		case <-ctx.Done():
			cancel()
			<-done
			return ctx.Err()
		}
	}
}

// release detaches error listeners before deleting the key, so a store
// hiccup during teardown doesn't surface as an abort on an already-finished
// task.
func (m *Manager) release(ctx context.Context, resource string, dl *distributed.DistributedLock) {
	if err := dl.Unlock(ctx); err != nil && m.logger != nil {
		m.logger.Debugw("lock release failed", "resource", resource, "error", err)
	}
}
