package repository

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/tokenshard/limiter/internal/keyschema"
)

const wcuLimit = keyschema.ReservedLimitName

// limitFields lists the per-limit attribute suffixes, in the order the
// repository always writes them.
var limitFields = []string{"tk", "cp", "bx", "ra", "rp", "tc"}

func numAttr(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func strAttr(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

func boolAttr(v bool) types.AttributeValue {
	return &types.AttributeValueMemberBOOL{Value: v}
}

func parseNum(av types.AttributeValue) (int64, bool) {
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseStr(av types.AttributeValue) (string, bool) {
	s, ok := av.(*types.AttributeValueMemberS)
	if !ok {
		return "", false
	}
	return s.Value, true
}

func parseBool(av types.AttributeValue) bool {
	b, ok := av.(*types.AttributeValueMemberBOOL)
	return ok && b.Value
}

// EncodeBucketItem builds the full attribute set for a newly-created bucket
// item, including the GSI2/GSI3/GSI4 projections, shard_count, cascade,
// parent_id, and the wcu infrastructure limit auto-injected alongside every
// user limit in spec.Limits.
func EncodeBucketItem(spec BucketWriteSpec) map[string]types.AttributeValue {
	pk := keyschema.BucketPK(spec.Key.Namespace, spec.Key.EntityID, spec.Key.Resource, spec.Key.Shard)

	item := map[string]types.AttributeValue{
		"PK":          strAttr(pk),
		"SK":          strAttr(keyschema.BucketStateSK),
		"rf":          numAttr(spec.NowMS),
		"shard_count": numAttr(int64(spec.ShardCount)),
		"cascade":     boolAttr(spec.Cascade),
		"parent_id":   strAttr(spec.ParentID),

		"GSI2PK": strAttr(keyschema.ResourcePK(spec.Key.Namespace, spec.Key.Resource)),
		"GSI2SK": strAttr(pk),
		"GSI3PK": strAttr(keyschema.GSI3PK(spec.Key.Namespace, spec.Key.EntityID)),
		"GSI3SK": strAttr(keyschema.GSI3SK(spec.Key.Resource, spec.Key.Shard)),
		"GSI4PK": strAttr(spec.Key.Namespace),
		"GSI4SK": strAttr(pk),
	}

	for name, limit := range spec.Limits {
		writeLimitAttrs(item, name, limit, spec.Consume[name])
	}
	// wcu is always present, consuming 1 token (1000 milli) per admission.
	wcu := LimitState{
		TokensMilli:    bucketWCUCapacityMilli,
		CapacityMilli:  bucketWCUCapacityMilli,
		BurstMilli:     bucketWCUCapacityMilli,
		RefillMilli:    bucketWCUCapacityMilli,
		RefillPeriodMS: 1000,
	}
	writeLimitAttrs(item, wcuLimit, wcu, spec.Consume[wcuLimit])

	return item
}

// bucketWCUCapacityMilli is the auto-injected wcu limit: capacity=1000,
// refill_amount=1000, period=1s, expressed in milli-units.
const bucketWCUCapacityMilli = 1000 * 1000

func writeLimitAttrs(item map[string]types.AttributeValue, name string, limit LimitState, consumeMilli int64) {
	item[keyschema.BucketLimitAttr(name, "tk")] = numAttr(limit.TokensMilli - consumeMilli)
	item[keyschema.BucketLimitAttr(name, "cp")] = numAttr(limit.CapacityMilli)
	item[keyschema.BucketLimitAttr(name, "bx")] = numAttr(limit.BurstMilli)
	item[keyschema.BucketLimitAttr(name, "ra")] = numAttr(limit.RefillMilli)
	item[keyschema.BucketLimitAttr(name, "rp")] = numAttr(limit.RefillPeriodMS)
	item[keyschema.BucketLimitAttr(name, "tc")] = numAttr(consumeMilli)
}

// DecodeBucket parses a raw bucket item into a BucketSnapshot, discovering
// the set of limit names present by scanning for the "b_{name}_tk"
// attribute family. wcu is included in the returned Limits map; callers that
// must not surface it to users filter it out explicitly (per the rule
// that wcu never appears in user-visible projections).
func DecodeBucket(item map[string]types.AttributeValue) (BucketSnapshot, error) {
	pk, ok := parseStr(item["PK"])
	if !ok {
		return BucketSnapshot{}, fmt.Errorf("repository: bucket item missing PK")
	}
	parsed, err := keyschema.ParseBucketPK(pk)
	if err != nil {
		return BucketSnapshot{}, fmt.Errorf("repository: decoding bucket item: %w", err)
	}

	rf, _ := parseNum(item["rf"])
	shardCount, _ := parseNum(item["shard_count"])
	parentID, _ := parseStr(item["parent_id"])

	snap := BucketSnapshot{
		Key: BucketKey{
			Namespace: parsed.Namespace,
			EntityID:  parsed.EntityID,
			Resource:  parsed.Resource,
			Shard:     parsed.Shard,
		},
		LastRefill: rf,
		ShardCount: int(shardCount),
		Cascade:    parseBool(item["cascade"]),
		ParentID:   parentID,
		Limits:     map[string]LimitState{},
	}

	for attr := range item {
		name, ok := limitNameFromTokensAttr(attr)
		if !ok {
			continue
		}
		tk, _ := parseNum(item[keyschema.BucketLimitAttr(name, "tk")])
		cp, _ := parseNum(item[keyschema.BucketLimitAttr(name, "cp")])
		bx, _ := parseNum(item[keyschema.BucketLimitAttr(name, "bx")])
		ra, _ := parseNum(item[keyschema.BucketLimitAttr(name, "ra")])
		rp, _ := parseNum(item[keyschema.BucketLimitAttr(name, "rp")])
		tc, _ := parseNum(item[keyschema.BucketLimitAttr(name, "tc")])
		snap.Limits[name] = LimitState{
			TokensMilli:    tk,
			CapacityMilli:  cp,
			BurstMilli:     bx,
			RefillMilli:    ra,
			RefillPeriodMS: rp,
			ConsumedMilli:  tc,
		}
	}

	return snap, nil
}

func limitNameFromTokensAttr(attr string) (string, bool) {
	const prefix, suffix = "b_", "_tk"
	if !strings.HasPrefix(attr, prefix) || !strings.HasSuffix(attr, suffix) {
		return "", false
	}
	return attr[len(prefix) : len(attr)-len(suffix)], true
}

// WithoutWCU returns a copy of limits with the reserved wcu entry removed,
// for building user-visible projections (status, exceeded errors, usage
// snapshots).
func WithoutWCU(limits map[string]LimitState) map[string]LimitState {
	out := make(map[string]LimitState, len(limits))
	for name, state := range limits {
		if name == wcuLimit {
			continue
		}
		out[name] = state
	}
	return out
}
