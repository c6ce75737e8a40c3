// Package repository owns the backing-store client, the entity/config
// caches, and every read/write shape the admission protocol needs: the
// single-round-trip speculative consume, the transactional slow-path
// commit, independent adjust/rollback writes, shard-count bumping, and
// GSI3-backed bucket discovery.
package repository

import "github.com/tokenshard/limiter/internal/bucketmath"

// FailureReason classifies why a SpeculativeConsume or CommitInitial
// attempt failed, driving the admission protocol's retry/slow-path
// decisions.
type FailureReason string

const (
	// FailureBucketMissing means the target bucket item does not exist yet;
	// the caller must fall through to the slow path to create it.
	FailureBucketMissing FailureReason = "BUCKET_MISSING"
	// FailureAppLimitExhausted means one or more user (non-wcu) limits
	// lacked sufficient tokens.
	FailureAppLimitExhausted FailureReason = "APP_LIMIT_EXHAUSTED"
	// FailureWCUExhausted means only the reserved infrastructure limit
	// lacked tokens.
	FailureWCUExhausted FailureReason = "WCU_EXHAUSTED"
	// FailureBothExhausted means both an app limit and wcu lacked tokens.
	FailureBothExhausted FailureReason = "BOTH_EXHAUSTED"
	// FailurePartitionThrottled means the store rejected the write with a
	// per-partition throttling signal, distinct from ordinary capacity
	// exhaustion recorded in the item itself.
	FailurePartitionThrottled FailureReason = "PARTITION_THROTTLED"
)

// BucketKey identifies one shard of one (entity, resource) pair.
type BucketKey struct {
	Namespace string
	EntityID  string
	Resource  string
	Shard     int
}

// EntityMeta is the cached/decoded shape of an entity's #META item.
type EntityMeta struct {
	EntityID  string
	ParentID  string
	Cascade   bool
	CreatedAt int64 // unix millis
}

// BucketSnapshot is the decoded shape of a bucket's #STATE item, the
// shared fields plus per-limit state keyed by limit name.
type BucketSnapshot struct {
	Key         BucketKey
	LastRefill  int64 // rf, ms
	ShardCount  int
	Cascade     bool
	ParentID    string
	Limits      map[string]LimitState
	ConfigTag   int64 // config_version observed on this bucket, if stamped
}

// LimitState is one limit's durable bucket state.
type LimitState struct {
	TokensMilli   int64 // tk
	CapacityMilli int64 // cp
	BurstMilli    int64 // bx
	RefillMilli   int64 // ra
	RefillPeriodMS int64 // rp
	ConsumedMilli int64 // tc
}

func (s LimitState) asLimit(name string) bucketmath.Limit {
	return bucketmath.Limit{
		Name:           name,
		CapacityMilli:  s.CapacityMilli,
		BurstMilli:     s.BurstMilli,
		RefillMilli:    s.RefillMilli,
		RefillPeriodMS: s.RefillPeriodMS,
	}
}

// ConsumeRequest is one limit's requested consumption, in whole tokens.
type ConsumeRequest struct {
	Name    string
	Tokens  int64
}

// SpeculativeResult is the outcome of SpeculativeConsume.
type SpeculativeResult struct {
	Success       bool
	ShardID       int
	ShardCount    int
	Cascade       bool
	ParentID      string
	FailureReason FailureReason
	// NewTokensMilli carries the post-write token balance per limit when
	// Success is true (ALL_NEW), keyed by limit name.
	NewTokensMilli map[string]int64
}

// BucketWriteSpec describes one bucket's contribution to a transactional
// commit_initial write: the "normal" vs "retry" shapes.
type BucketWriteSpec struct {
	Key BucketKey
	// Create is true when this write must also lay down the bucket item's
	// full attribute set (GSI projections, shard_count, wcu) because the
	// bucket does not exist yet.
	Create bool
	// Retry selects the "retry" shape (consume-only, tk>=consumed
	// condition) instead of the "normal" shape (refill+consume, rf=expected
	// condition). Only meaningful when Create is false.
	Retry bool
	// ExpectedRefill is the rf value the normal-shape condition pins to.
	ExpectedRefill int64
	NowMS          int64
	Cascade        bool
	ParentID       string
	ShardCount     int
	Limits         map[string]LimitState // full limit config, keyed by name
	Consume        map[string]int64      // consume_milli per limit name, including "wcu"
}

// WritePlan groups the bucket writes one CommitInitial call issues as a
// single transaction.
type WritePlan struct {
	Buckets []BucketWriteSpec
}

// AdjustWrite describes one independent, unconditional ADD issued by
// CommitAdjust or Rollback.
type AdjustWrite struct {
	Key BucketKey
	// DeltaMilli is added to tk per limit name; the tc counter moves by
	// -DeltaMilli (consumption increases tc, returning tokens decreases it).
	DeltaMilli map[string]int64
}
