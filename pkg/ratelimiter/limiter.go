// Package ratelimiter implements the admission engine: the speculative
// fast-path consume, the slow-path bucket creation and cascade commit, the
// shard-retry and shard-doubling ladders, and the lease lifecycle that
// guarantees write-on-enter with rollback-on-exception.
package ratelimiter

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/tokenshard/limiter/internal/keyschema"
	"github.com/tokenshard/limiter/internal/telemetry"
	"github.com/tokenshard/limiter/pkg/configresolver"
	"github.com/tokenshard/limiter/pkg/driver"
	"github.com/tokenshard/limiter/pkg/repository"
	"github.com/tokenshard/limiter/pkg/rlerrors"
)

// UnavailablePolicy selects what Acquire does when the backing store fails
// with an infrastructure error (never a limit exhaustion).
type UnavailablePolicy string

const (
	// PolicyBlock surfaces rlerrors.KindUnavailable to the caller.
	PolicyBlock UnavailablePolicy = "block"
	// PolicyAllow swallows the error and admits with no consumption.
	PolicyAllow UnavailablePolicy = "allow"
)

// maxShardRetries bounds the shard-retry ladder: up to 2 additional
// speculative attempts on a different shard after an APP_LIMIT_EXHAUSTED
// classification, 3 attempts total.
const maxShardRetries = 2

// Limiter is the admission engine. One Limiter per backing Store; safe for
// concurrent use by multiple goroutines.
type Limiter struct {
	repo   *repository.Store
	driver driver.Driver
	policy UnavailablePolicy
	logger *slog.Logger
}

// Option configures a Limiter at construction time.
type Option func(*Limiter)

// WithDriver overrides the default thread-pool driver, e.g. to force serial
// cascade fan-out inside a single-invocation Lambda handler.
func WithDriver(d driver.Driver) Option {
	return func(l *Limiter) { l.driver = d }
}

// WithUnavailablePolicy sets the on_unavailable behavior;
// default is PolicyBlock.
func WithUnavailablePolicy(p UnavailablePolicy) Option {
	return func(l *Limiter) { l.policy = p }
}

// WithLogger overrides the default logger, used only to log swallowed
// compensating-write errors (lease rollback/adjust) per the error
// propagation policy.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New constructs a Limiter backed by repo.
func New(repo *repository.Store, opts ...Option) *Limiter {
	l := &Limiter{
		repo:   repo,
		driver: driver.New(driver.StrategyAuto),
		policy: PolicyBlock,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AcquireParams is one Acquire call's input.
type AcquireParams struct {
	Namespace string
	EntityID  string
	Resource  string
	Consume   []repository.ConsumeRequest
	// Limits, when non-empty, bypasses stored configuration entirely
	// (a caller-supplied override of stored configuration).
	Limits map[string]configresolver.Limit
	// CascadeOverride, when non-nil, overrides the entity's stored cascade
	// flag for this admission only.
	CascadeOverride *bool
}

// Acquire runs the admission protocol and returns a Lease on
// success, or an *rlerrors.Error (KindValidation, KindRateLimitExceeded, or
// KindUnavailable) on failure.
func (l *Limiter) Acquire(ctx context.Context, p AcquireParams) (lease *Lease, err error) {
	started := time.Now()
	defer func() {
		telemetry.AdmissionDuration.Observe(time.Since(started).Seconds())
		telemetry.AdmissionRequestsTotal.WithLabelValues(acquireOutcome(err)).Inc()
	}()

	if err = validateConsume(p.Consume); err != nil {
		return nil, err
	}

	resolved, err := l.repo.ResolveLimits(ctx, p.Namespace, p.EntityID, p.Resource, p.Limits)
	if err != nil {
		return l.classifyInfra(p.Namespace, err)
	}
	if len(resolved) == 0 {
		return nil, rlerrors.New(rlerrors.KindValidation, "no limits configured for entity %s resource %s", p.EntityID, p.Resource)
	}
	for _, c := range p.Consume {
		if _, ok := resolved[c.Name]; !ok {
			return nil, rlerrors.New(rlerrors.KindValidation, "unknown limit %q for entity %s resource %s", c.Name, p.EntityID, p.Resource)
		}
	}

	cascade, parentID, err := l.resolveCascade(ctx, p.Namespace, p.EntityID, p.CascadeOverride)
	if err != nil {
		return l.classifyInfra(p.Namespace, err)
	}

	a := &admission{
		limiter:  l,
		ns:       p.Namespace,
		entityID: p.EntityID,
		parentID: parentID,
		resource: p.Resource,
		consume:  p.Consume,
		resolved: resolved,
		cascade:  cascade,
	}
	lease, err = a.run(ctx)
	return lease, err
}

// acquireOutcome maps an Acquire result to the requests_total "outcome"
// label.
func acquireOutcome(err error) string {
	if err == nil {
		return "admitted"
	}
	kind, ok := rlerrors.KindOf(err)
	if !ok {
		return "unavailable"
	}
	switch kind {
	case rlerrors.KindRateLimitExceeded:
		return "rate_limit_exceeded"
	case rlerrors.KindValidation:
		return "validation_error"
	default:
		return "unavailable"
	}
}

func validateConsume(consume []repository.ConsumeRequest) error {
	if len(consume) == 0 {
		return rlerrors.New(rlerrors.KindValidation, "consume must name at least one limit")
	}
	for _, c := range consume {
		if c.Tokens < 0 {
			return rlerrors.New(rlerrors.KindValidation, "consume for limit %q must not be negative", c.Name)
		}
	}
	return nil
}

// resolveCascade determines cascade/parent: look up
// entity metadata (populating the cache on a miss), then apply any
// caller-supplied override.
func (l *Limiter) resolveCascade(ctx context.Context, ns, entityID string, override *bool) (cascade bool, parentID string, err error) {
	meta, found, err := l.repo.GetEntity(ctx, ns, entityID)
	if err != nil {
		return false, "", err
	}
	if found {
		cascade, parentID = meta.Cascade, meta.ParentID
	}
	if override != nil {
		cascade = *override
	}
	if cascade && parentID == "" {
		// cascade requested but no parent on record: treat as a
		// non-cascading admission rather than failing outright, since an
		// override may legitimately ask for cascade ahead of parent_id
		// being set elsewhere.
		cascade = false
	}
	return cascade, parentID, nil
}

// classifyInfra turns a backing-store error into Acquire's (*Lease, error)
// return shape, honoring on_unavailable uniformly across every call site
// that can hit an infrastructure failure mid-admission: PolicyAllow admits
// with an empty lease (nothing was ever consumed on this attempt, so there
// is nothing to commit or roll back); PolicyBlock, the default, surfaces
// KindUnavailable. A *rlerrors.Error is passed through unchanged since it
// already carries an intentional classification (e.g. a prior
// FailurePartitionThrottled already folded through this same path).
func (l *Limiter) classifyInfra(ns string, err error) (*Lease, error) {
	if err == nil {
		return nil, nil
	}
	if _, ok := rlerrors.KindOf(err); ok {
		return nil, err
	}
	if l.policy == PolicyAllow {
		return newLease(l.repo, ns, l.logger), nil
	}
	return nil, rlerrors.Wrap(rlerrors.KindUnavailable, err, "backing store error during admission")
}

func consumeMilliMap(consume []repository.ConsumeRequest) map[string]int64 {
	out := make(map[string]int64, len(consume)+1)
	for _, c := range consume {
		out[c.Name] = c.Tokens * 1000
	}
	out[keyschema.ReservedLimitName] = 1000
	return out
}

func randIntn(n int) int {
	if n <= 1 {
		return 0
	}
	return rand.Intn(n)
}

func nowMillis() int64 { return time.Now().UnixMilli() }
