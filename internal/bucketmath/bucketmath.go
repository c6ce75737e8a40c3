// Package bucketmath implements integer token-bucket arithmetic over
// milli-units (tokens × 1000), so the repository and aggregator never touch
// floating point when refilling or consuming a bucket.
package bucketmath

// Milli converts a whole-token count to its milli-unit representation.
func Milli(tokens int64) int64 { return tokens * 1000 }

// Limit describes one named token bucket's static configuration, already
// converted to milli-units / milliseconds.
type Limit struct {
	Name          string
	CapacityMilli int64 // cp
	BurstMilli    int64 // bx, ceiling >= CapacityMilli
	RefillMilli   int64 // ra, amount refilled per RefillPeriodMS
	RefillPeriodMS int64 // rp
}

// State is the mutable per-limit state carried on a bucket item.
type State struct {
	TokensMilli     int64 // tk, may go negative via adjust
	ConsumedCounter int64 // tc, monotonically increasing
}

// Refill computes the effective token count after lazily applying elapsed
// refill since lastRefillMS, and the new lastRefillMS the writer that both
// refills and consumes must persist. A writer that only consumes (the
// speculative fast path, or a retry-shape commit) must never call this and
// must never touch rf.
//
// elapsed = max(0, now - lastRefillMS)
// refillMilli = elapsed * ra / rp, with the remainder carried forward by
// advancing rf only by the whole periods actually consumed, so fractional
// refill never leaks through integer truncation across repeated calls.
func Refill(tokensMilli, lastRefillMS int64, lim Limit, nowMS int64) (effectiveTokensMilli int64, newLastRefillMS int64) {
	elapsed := nowMS - lastRefillMS
	if elapsed <= 0 || lim.RefillMilli <= 0 || lim.RefillPeriodMS <= 0 {
		return clamp(tokensMilli, lim.BurstMilli), lastRefillMS
	}

	refillMilli := elapsed * lim.RefillMilli / lim.RefillPeriodMS
	if refillMilli <= 0 {
		return clamp(tokensMilli, lim.BurstMilli), lastRefillMS
	}

	// Advance rf only by the whole periods the granted refill accounts for,
	// so unspent remainder elapsed time keeps accruing toward the next call.
	consumedMS := refillMilli * lim.RefillPeriodMS / lim.RefillMilli
	effective := clamp(tokensMilli+refillMilli, lim.BurstMilli)
	return effective, lastRefillMS + consumedMS
}

func clamp(v, ceiling int64) int64 {
	if v > ceiling {
		return ceiling
	}
	return v
}

// EffectiveCapacity returns the per-shard capacity for an application limit:
// stored capacity divided by shard count. wcu is never divided — callers
// must not route the reserved infrastructure limit through this function.
func EffectiveCapacity(capacityMilli int64, shardCount int) int64 {
	if shardCount <= 0 {
		shardCount = 1
	}
	return capacityMilli / int64(shardCount)
}

// EffectiveRefillRate returns the per-shard refill amount for an application
// limit, dividing the stored refill amount by shard count the same way
// EffectiveCapacity divides capacity.
func EffectiveRefillRate(refillMilli int64, shardCount int) int64 {
	if shardCount <= 0 {
		shardCount = 1
	}
	return refillMilli / int64(shardCount)
}

// TimeToFillSeconds returns the time, in seconds, to refill from empty to
// capacity at the limit's refill rate.
func TimeToFillSeconds(lim Limit) float64 {
	if lim.RefillMilli <= 0 {
		return 0
	}
	periodSeconds := float64(lim.RefillPeriodMS) / 1000.0
	return float64(lim.CapacityMilli) / float64(lim.RefillMilli) * periodSeconds
}

// DefaultTTLMultiplier is the default multiplier applied to the
// longest-to-fill limit's time-to-fill when computing a bucket's TTL. 0
// disables TTL.
const DefaultTTLMultiplier = 7

// BucketTTLSeconds computes the absolute TTL (unix seconds) for a
// default-backed bucket, given the longest time-to-fill across its limits
// and now (unix seconds). multiplier 0 disables TTL (returns 0).
func BucketTTLSeconds(maxTimeToFillSeconds float64, nowUnixSeconds int64, multiplier int) int64 {
	if multiplier <= 0 {
		return 0
	}
	return nowUnixSeconds + int64(maxTimeToFillSeconds*float64(multiplier))
}

// RetryAfterSeconds computes how long, in seconds, until a bucket short by
// deficitMilli tokens would have enough to admit, at the given refill rate.
// Returns 0 if there's no deficit or no refill rate (never negative).
func RetryAfterSeconds(deficitMilli int64, refillMilli int64, refillPeriodMS int64) float64 {
	if deficitMilli <= 0 || refillMilli <= 0 || refillPeriodMS <= 0 {
		return 0
	}
	periodSeconds := float64(refillPeriodMS) / 1000.0
	rate := float64(refillMilli) / periodSeconds // milli-tokens per second
	if rate <= 0 {
		return 0
	}
	secs := float64(deficitMilli) / rate
	if secs < 0 {
		return 0
	}
	return secs
}
