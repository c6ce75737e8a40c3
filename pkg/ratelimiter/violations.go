package ratelimiter

import (
	"context"

	"github.com/tokenshard/limiter/internal/bucketmath"
	"github.com/tokenshard/limiter/internal/keyschema"
	"github.com/tokenshard/limiter/pkg/repository"
	"github.com/tokenshard/limiter/pkg/rlerrors"
)

type aggregateLimit struct {
	tokensMilli, capacityMilli, refillMilli, refillPeriodMS int64
}

// buildRateLimitDetail reads the current aggregate bucket state across every
// shard of (entityID, resource) and reports one LimitStatus per limit named
// in consume, excluding wcu since it never appears in a
// user-visible status.
func (l *Limiter) buildRateLimitDetail(ctx context.Context, ns, entityID, resource string, consume []repository.ConsumeRequest) (*rlerrors.RateLimitDetail, error) {
	snaps, err := l.repo.GetBuckets(ctx, ns, entityID, resource)
	if err != nil {
		return nil, err
	}

	agg := map[string]*aggregateLimit{}
	for _, snap := range snaps {
		for name, state := range snap.Limits {
			if name == keyschema.ReservedLimitName {
				continue
			}
			a, ok := agg[name]
			if !ok {
				a = &aggregateLimit{}
				agg[name] = a
			}
			a.tokensMilli += state.TokensMilli
			a.capacityMilli += state.CapacityMilli
			a.refillMilli += state.RefillMilli
			if state.RefillPeriodMS > 0 {
				a.refillPeriodMS = state.RefillPeriodMS
			}
		}
	}

	detail := &rlerrors.RateLimitDetail{}
	var primary *rlerrors.LimitStatus

	for _, c := range consume {
		a, ok := agg[c.Name]
		if !ok {
			a = &aggregateLimit{}
		}
		requestedMilli := c.Tokens * 1000
		deficit := requestedMilli - a.tokensMilli
		if deficit < 0 {
			deficit = 0
		}
		status := rlerrors.LimitStatus{
			Name:              c.Name,
			TokensRemaining:   floorDivMilli(a.tokensMilli),
			Capacity:          floorDivMilli(a.capacityMilli),
			DeficitMilli:      deficit,
			RetryAfterSeconds: bucketmath.RetryAfterSeconds(deficit, a.refillMilli, a.refillPeriodMS),
			Exceeded:          a.tokensMilli < requestedMilli,
		}

		if status.Exceeded {
			detail.Violations = append(detail.Violations, status)
			if primary == nil || status.RetryAfterSeconds > primary.RetryAfterSeconds {
				v := status
				primary = &v
			}
		} else {
			detail.Passed = append(detail.Passed, status)
		}
	}

	if primary != nil {
		detail.PrimaryViolation = *primary
		detail.RetryAfterSeconds = primary.RetryAfterSeconds
	}
	return detail, nil
}

// floorDivMilli converts a milli-unit quantity to whole tokens, rounding
// toward negative infinity so a negative (debt) balance reports the correct
// whole-token deficit rather than truncating toward zero.
func floorDivMilli(v int64) int64 {
	q := v / 1000
	if v%1000 != 0 && (v < 0) {
		q--
	}
	return q
}
