package ratelimiter

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tokenshard/limiter/internal/keyschema"
	"github.com/tokenshard/limiter/pkg/repository"
	"github.com/tokenshard/limiter/pkg/rlerrors"
)

// heldBucket is one bucket a Lease consumed at admission, carrying the full
// per-limit consumption magnitude (including wcu) needed to undo it.
type heldBucket struct {
	key          repository.BucketKey
	consumeMilli map[string]int64
}

// Lease is the handle returned by a successful Acquire. Its lifetime state
// machine: ACQUIRED -> COMMITTED (Commit, a no-op — the
// consumption was already durable before Acquire returned) or ACQUIRED ->
// COMPENSATED (Rollback, a compensating add-back). Adjust may be called any
// number of times while the lease is open.
type Lease struct {
	repo   *repository.Store
	ns     string
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	buckets []heldBucket
}

func newLease(repo *repository.Store, ns string, logger *slog.Logger) *Lease {
	return &Lease{repo: repo, ns: ns, logger: logger}
}

func (l *Lease) addBucket(key repository.BucketKey, consumeMilli map[string]int64) {
	l.buckets = append(l.buckets, heldBucket{key: key, consumeMilli: consumeMilli})
}

// Commit marks the lease COMMITTED. The fast speculative path already made
// its consumption durable before Acquire returned, and the slow path's
// transaction already committed, so there is nothing left to write; Commit
// only makes Rollback a no-op from this point on.
func (l *Lease) Commit() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// Rollback issues the compensating add-back of every bucket this lease
// consumed, including wcu, and marks the lease COMPENSATED. Idempotent: a
// second call, or a call after Commit, is a no-op. Per the error
// propagation policy, any store error here is logged and swallowed, never
// surfaced to the caller — surfacing it risks a second, duplicate
// compensation being attempted by an unwinding caller.
func (l *Lease) Rollback(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	buckets := l.buckets
	l.mu.Unlock()

	writes := make([]repository.AdjustWrite, 0, len(buckets))
	for _, b := range buckets {
		delta := make(map[string]int64, len(b.consumeMilli))
		for name, v := range b.consumeMilli {
			delta[name] = v
		}
		writes = append(writes, repository.AdjustWrite{Key: b.key, DeltaMilli: delta})
	}

	if err := l.repo.Rollback(ctx, l.ns, writes); err != nil {
		l.logger.Error("lease rollback failed", "namespace", l.ns, "error", err)
	}
	return nil
}

// Adjust reconciles one limit's true consumption against every bucket this
// lease holds (both child and parent, when cascading):
// deltaTokens positive returns tokens, negative adds debt. wcu is an
// infrastructure-only counter and is never adjustable. Never fails due to a
// store error (swallowed and logged, per the propagation policy); only a
// pre-store validation error (adjusting wcu) is returned.
func (l *Lease) Adjust(ctx context.Context, name string, deltaTokens int64) error {
	if name == keyschema.ReservedLimitName {
		return rlerrors.New(rlerrors.KindValidation, "wcu cannot be adjusted")
	}

	l.mu.Lock()
	buckets := l.buckets
	l.mu.Unlock()

	deltaMilli := deltaTokens * 1000
	writes := make([]repository.AdjustWrite, 0, len(buckets))
	for _, b := range buckets {
		writes = append(writes, repository.AdjustWrite{Key: b.key, DeltaMilli: map[string]int64{name: deltaMilli}})
	}

	if err := l.repo.CommitAdjust(ctx, l.ns, writes); err != nil {
		l.logger.Error("lease adjust failed", "namespace", l.ns, "limit", name, "error", err)
	}
	return nil
}
