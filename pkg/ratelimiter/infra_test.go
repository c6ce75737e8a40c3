package ratelimiter

import (
	"errors"
	"testing"

	"github.com/tokenshard/limiter/pkg/rlerrors"
)

// TestClassifyInfraBlockSurfacesUnavailable is the default PolicyBlock
// behavior: a plain backing-store error becomes KindUnavailable.
func TestClassifyInfraBlockSurfacesUnavailable(t *testing.T) {
	_, store, _ := newTestLimiter(t)
	l := New(store)

	lease, err := l.classifyInfra("ns1", errors.New("connection reset"))
	if lease != nil {
		t.Errorf("expected nil lease on PolicyBlock, got %v", lease)
	}
	kind, ok := rlerrors.KindOf(err)
	if !ok || kind != rlerrors.KindUnavailable {
		t.Errorf("got kind=%v ok=%v, want KindUnavailable", kind, ok)
	}
}

// TestClassifyInfraAllowAdmitsWithEmptyLease verifies on_unavailable=allow
// is honored uniformly by the single classifyInfra path every infra-error
// call site now goes through: the caller gets an admitted, no-op lease
// rather than an error.
func TestClassifyInfraAllowAdmitsWithEmptyLease(t *testing.T) {
	_, store, _ := newTestLimiter(t)
	l := New(store, WithUnavailablePolicy(PolicyAllow))

	lease, err := l.classifyInfra("ns1", errors.New("connection reset"))
	if err != nil {
		t.Fatalf("unexpected error under PolicyAllow: %v", err)
	}
	if lease == nil {
		t.Fatal("expected a non-nil empty lease under PolicyAllow")
	}
	if len(lease.buckets) != 0 {
		t.Errorf("expected an empty lease (nothing was ever consumed), got %d buckets", len(lease.buckets))
	}
	// Commit/Rollback on an empty lease must be pure no-ops.
	if err := lease.Commit(); err != nil {
		t.Errorf("commit on empty lease: %v", err)
	}
}

// TestClassifyInfraPassesThroughRLErrors verifies an already-classified
// *rlerrors.Error (e.g. a prior KindRateLimitExceeded folded through this
// same path by exhausted()) is never reinterpreted as an infra failure,
// regardless of policy.
func TestClassifyInfraPassesThroughRLErrors(t *testing.T) {
	_, store, _ := newTestLimiter(t)
	l := New(store, WithUnavailablePolicy(PolicyAllow))

	original := rlerrors.New(rlerrors.KindRateLimitExceeded, "exceeded for entity e1")
	lease, err := l.classifyInfra("ns1", original)
	if lease != nil {
		t.Errorf("expected nil lease when passing through an rlerrors.Error, got %v", lease)
	}
	if !errors.Is(err, original) {
		t.Errorf("expected the original *rlerrors.Error to pass through unchanged, got %v", err)
	}
}

// TestClassifyInfraNilErrIsNoop guards the err == nil short-circuit some
// call sites rely on defensively.
func TestClassifyInfraNilErrIsNoop(t *testing.T) {
	_, store, _ := newTestLimiter(t)
	l := New(store)
	lease, err := l.classifyInfra("ns1", nil)
	if lease != nil || err != nil {
		t.Errorf("got (%v, %v), want (nil, nil)", lease, err)
	}
}
