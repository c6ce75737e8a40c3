package ratelimiter

import (
	"context"
	"fmt"

	"github.com/tokenshard/limiter/internal/bucketmath"
	"github.com/tokenshard/limiter/internal/telemetry"
	"github.com/tokenshard/limiter/pkg/configresolver"
	"github.com/tokenshard/limiter/pkg/repository"
	"github.com/tokenshard/limiter/pkg/rlerrors"
)

// maxBumpAttempts bounds the WCU shard-doubling retry ladder. The protocol
// this implements frames that ladder as unbounded ("retry admission with
// the new shard count"), but a process must not spin forever against a
// backing store that is itself overloaded.
const maxBumpAttempts = 8

// maxOuterAttempts is a blunt safety valve against a logic bug turning any
// of the retry ladders into an infinite loop; no legitimate admission comes
// close to this many iterations.
const maxOuterAttempts = 64

// admission carries one Acquire call's resolved state through the retry
// ladders for shard-doubling and bucket creation.
type admission struct {
	limiter  *Limiter
	ns       string
	entityID string
	parentID string
	resource string
	consume  []repository.ConsumeRequest
	resolved map[string]configresolver.Limit
	cascade  bool
}

func (a *admission) run(ctx context.Context) (*Lease, error) {
	triedChild := map[int]bool{}
	triedParent := map[int]bool{}
	bumpAttempts := 0
	shardRetries := 0

	for attempt := 0; attempt < maxOuterAttempts; attempt++ {
		childHint := a.limiter.repo.ShardCountHint(ctx, a.ns, a.entityID, a.resource)
		childShard := pickUntried(triedChild, childHint)
		triedChild[childShard] = true

		parentShard := 0
		if a.cascade {
			parentHint := a.limiter.repo.ShardCountHint(ctx, a.ns, a.parentID, a.resource)
			parentShard = pickUntried(triedParent, parentHint)
			triedParent[parentShard] = true
		}

		childRes, parentRes, err := a.speculativeRound(ctx, childShard, parentShard)
		if err != nil {
			return a.limiter.classifyInfra(a.ns, err)
		}

		parentOK := !a.cascade || parentRes.Success
		if childRes.Success && parentOK {
			return a.leaseFromSpeculative(childShard, parentShard), nil
		}

		// One side succeeded, the other didn't: compensate the side that
		// went through, then continue handling the failing side's reason.
		if childRes.Success && a.cascade && !parentRes.Success {
			a.compensate(ctx, childKey(a, childShard))
		}
		if !childRes.Success && a.cascade && parentRes.Success {
			a.compensate(ctx, parentKey(a, parentShard))
		}

		reason, onChild := drivingFailure(childRes, parentRes, a.cascade)

		switch reason {
		case repository.FailureBucketMissing:
			telemetry.SlowPathTotal.Inc()
			lease, done, err := a.slowPath(ctx, childShard, parentShard, childRes, parentRes)
			if done {
				return lease, err
			}
			// The slow path itself hit contention; fall through to treat
			// this attempt as exhausted rather than looping indefinitely.
			return a.exhausted(ctx)

		case repository.FailureWCUExhausted, repository.FailureBothExhausted:
			bumpAttempts++
			if bumpAttempts > maxBumpAttempts {
				return nil, rlerrors.Wrap(rlerrors.KindUnavailable, fmt.Errorf("wcu capacity exhausted after %d shard doublings", bumpAttempts), "admission for %s/%s could not obtain wcu capacity", a.entityID, a.resource)
			}
			entityID, current := a.entityFor(onChild), childHint
			if !onChild {
				current = a.limiter.repo.ShardCountHint(ctx, a.ns, a.parentID, a.resource)
			}
			newCount, _, err := a.limiter.repo.BumpShardCount(ctx, a.ns, entityID, a.resource, current)
			if err != nil {
				return a.limiter.classifyInfra(a.ns, err)
			}
			a.limiter.repo.ObserveShardCount(ctx, a.ns, entityID, a.resource, newCount)
			// A shard-count change invalidates the untried-shard bookkeeping
			// for whichever entity just doubled.
			if onChild {
				triedChild = map[int]bool{}
			} else {
				triedParent = map[int]bool{}
			}
			continue

		case repository.FailureAppLimitExhausted:
			hint := childHint
			if !onChild && a.cascade {
				hint = a.limiter.repo.ShardCountHint(ctx, a.ns, a.parentID, a.resource)
			}
			if hint > 1 && shardRetries < maxShardRetries {
				shardRetries++
				telemetry.ShardRetriesTotal.Inc()
				continue
			}
			return a.exhausted(ctx)

		case repository.FailurePartitionThrottled:
			entityID := a.entityFor(onChild)
			snaps, err := a.limiter.repo.GetBuckets(ctx, a.ns, entityID, a.resource)
			if err != nil {
				return a.limiter.classifyInfra(a.ns, err)
			}
			if probed, ok := findShard(snaps, 1); ok {
				a.limiter.repo.ObserveShardCount(ctx, a.ns, entityID, a.resource, probed.ShardCount)
				if onChild {
					triedChild = map[int]bool{}
				} else {
					triedParent = map[int]bool{}
				}
				continue
			}
			return a.limiter.classifyInfra(a.ns, fmt.Errorf("partition throttled for %s/%s with no sharding in place", a.entityID, a.resource))

		default:
			return a.exhausted(ctx)
		}
	}

	return nil, rlerrors.New(rlerrors.KindConcurrency, "admission for %s/%s did not converge after %d attempts", a.entityID, a.resource, maxOuterAttempts)
}

func (a *admission) entityFor(onChild bool) string {
	if onChild {
		return a.entityID
	}
	return a.parentID
}

func childKey(a *admission, shard int) repository.BucketKey {
	return repository.BucketKey{Namespace: a.ns, EntityID: a.entityID, Resource: a.resource, Shard: shard}
}

func parentKey(a *admission, shard int) repository.BucketKey {
	return repository.BucketKey{Namespace: a.ns, EntityID: a.parentID, Resource: a.resource, Shard: shard}
}

// compensate adds back this admission's full consume (including wcu) to key,
// swallowing and logging any store error per the propagation policy.
func (a *admission) compensate(ctx context.Context, key repository.BucketKey) {
	writes := []repository.AdjustWrite{{Key: key, DeltaMilli: consumeMilliMap(a.consume)}}
	if err := a.limiter.repo.Rollback(ctx, a.ns, writes); err != nil {
		a.limiter.logger.Error("compensating rollback failed", "entity", key.EntityID, "resource", key.Resource, "shard", key.Shard, "error", err)
	}
}

// speculativeRound issues the child (and, if cascading, parent) speculative
// consume concurrently via the driver.
func (a *admission) speculativeRound(ctx context.Context, childShard, parentShard int) (childRes, parentRes repository.SpeculativeResult, err error) {
	if !a.cascade {
		childRes, err = a.limiter.repo.SpeculativeConsumeOnShard(ctx, a.ns, a.entityID, a.resource, a.consume, childShard)
		return childRes, repository.SpeculativeResult{}, err
	}

	var childErr, parentErr error
	_ = a.limiter.driver.Gather2(ctx,
		func(ctx context.Context) error {
			childRes, childErr = a.limiter.repo.SpeculativeConsumeOnShard(ctx, a.ns, a.entityID, a.resource, a.consume, childShard)
			return childErr
		},
		func(ctx context.Context) error {
			parentRes, parentErr = a.limiter.repo.SpeculativeConsumeOnShard(ctx, a.ns, a.parentID, a.resource, a.consume, parentShard)
			return parentErr
		},
	)
	if childErr != nil {
		return childRes, parentRes, childErr
	}
	if parentErr != nil {
		return childRes, parentRes, parentErr
	}
	return childRes, parentRes, nil
}

// drivingFailure picks which side's FailureReason governs the retry
// decision. Child takes priority when both failed with comparably severe
// reasons, since child is the primary entity the caller is acting on.
func drivingFailure(childRes, parentRes repository.SpeculativeResult, cascade bool) (reason repository.FailureReason, onChild bool) {
	if !childRes.Success {
		return childRes.FailureReason, true
	}
	if cascade && !parentRes.Success {
		return parentRes.FailureReason, false
	}
	return "", true
}

func (a *admission) leaseFromSpeculative(childShard, parentShard int) *Lease {
	lease := newLease(a.limiter.repo, a.ns, a.limiter.logger)
	lease.addBucket(childKey(a, childShard), consumeMilliMap(a.consume))
	if a.cascade {
		lease.addBucket(parentKey(a, parentShard), consumeMilliMap(a.consume))
	}
	return lease
}

func pickUntried(tried map[int]bool, hint int) int {
	if hint <= 0 {
		hint = 1
	}
	if len(tried) >= hint {
		return randIntn(hint)
	}
	for {
		candidate := randIntn(hint)
		if !tried[candidate] {
			return candidate
		}
	}
}

func findShard(snaps []repository.BucketSnapshot, shard int) (repository.BucketSnapshot, bool) {
	for _, s := range snaps {
		if s.Key.Shard == shard {
			return s, true
		}
	}
	return repository.BucketSnapshot{}, false
}

// slowPath composes the atomic bucket-creation commit per the
// BUCKET_MISSING handling: whichever side(s) are missing get the "create"
// shape, any side that already exists (and was compensated above) gets the
// consume-only "retry" shape, folded into the same transaction.
func (a *admission) slowPath(ctx context.Context, childShard, parentShard int, childRes, parentRes repository.SpeculativeResult) (*Lease, bool, error) {
	now := nowMillis()
	plan := repository.WritePlan{}

	childSpec, err := a.bucketSpec(ctx, a.entityID, a.resource, childShard, now, childRes.FailureReason == repository.FailureBucketMissing, a.resolved)
	if err != nil {
		lease, infraErr := a.limiter.classifyInfra(a.ns, err)
		return lease, true, infraErr
	}
	plan.Buckets = append(plan.Buckets, childSpec)

	if a.cascade {
		parentResolved, err := a.limiter.repo.ResolveLimits(ctx, a.ns, a.parentID, a.resource, nil)
		if err != nil {
			lease, infraErr := a.limiter.classifyInfra(a.ns, err)
			return lease, true, infraErr
		}
		if len(parentResolved) == 0 {
			parentResolved = a.resolved
		}
		parentSpec, err := a.bucketSpec(ctx, a.parentID, a.resource, parentShard, now, parentRes.FailureReason == repository.FailureBucketMissing, parentResolved)
		if err != nil {
			lease, infraErr := a.limiter.classifyInfra(a.ns, err)
			return lease, true, infraErr
		}
		plan.Buckets = append(plan.Buckets, parentSpec)
	}

	err = a.limiter.repo.CommitInitial(ctx, a.ns, plan)
	if err != nil {
		if repository.IsConditionalFailure(err) {
			return nil, false, nil
		}
		lease, infraErr := a.limiter.classifyInfra(a.ns, err)
		return lease, true, infraErr
	}

	return a.leaseFromSpeculative(childShard, parentShard), true, nil
}

// bucketSpec builds one side's BucketWriteSpec for the slow-path commit.
// create selects the full create shape (fresh bucket, limits divided by
// shard count, i.e. the effective per-shard capacity); otherwise the
// consume-only retry shape is used, since the bucket is already known to
// exist.
func (a *admission) bucketSpec(ctx context.Context, entityID, resource string, shard int, nowMS int64, create bool, resolved map[string]configresolver.Limit) (repository.BucketWriteSpec, error) {
	key := repository.BucketKey{Namespace: a.ns, EntityID: entityID, Resource: resource, Shard: shard}
	consume := consumeMilliMap(a.consume)

	if !create {
		return repository.BucketWriteSpec{Key: key, Retry: true, NowMS: nowMS, Consume: consume}, nil
	}

	shardCount := a.limiter.repo.ShardCountHint(ctx, a.ns, entityID, resource)
	if shardCount <= 0 {
		shardCount = 1
	}

	limits := make(map[string]repository.LimitState, len(resolved)+1)
	for name, lim := range resolved {
		cp := bucketmath.EffectiveCapacity(lim.CapacityMilli, shardCount)
		bx := bucketmath.EffectiveCapacity(lim.BurstMilli, shardCount)
		ra := bucketmath.EffectiveRefillRate(lim.RefillMilli, shardCount)
		limits[name] = repository.LimitState{
			TokensMilli:    cp,
			CapacityMilli:  cp,
			BurstMilli:     bx,
			RefillMilli:    ra,
			RefillPeriodMS: lim.RefillPeriodMS,
		}
	}

	cascade, parentID := false, ""
	if entityID == a.entityID {
		cascade, parentID = a.cascade, a.parentID
	}

	return repository.BucketWriteSpec{
		Key:        key,
		Create:     true,
		NowMS:      nowMS,
		Cascade:    cascade,
		ParentID:   parentID,
		ShardCount: shardCount,
		Limits:     limits,
		Consume:    consume,
	}, nil
}

// exhausted builds the final RATE_LIMIT_EXCEEDED error, reading the current
// aggregate bucket state across every shard to report accurate per-limit
// status. Any partial child consumption still outstanding was already
// compensated by the caller at the point of divergence; this call never
// leaves net consumption behind.
func (a *admission) exhausted(ctx context.Context) (*Lease, error) {
	detail, err := a.limiter.buildRateLimitDetail(ctx, a.ns, a.entityID, a.resource, a.consume)
	if err != nil {
		return a.limiter.classifyInfra(a.ns, err)
	}
	return nil, &rlerrors.Error{
		Kind:      rlerrors.KindRateLimitExceeded,
		Message:   fmt.Sprintf("rate limit exceeded for %s/%s", a.entityID, a.resource),
		RateLimit: detail,
	}
}
