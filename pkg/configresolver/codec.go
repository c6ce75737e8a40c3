package configresolver

import (
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/tokenshard/limiter/internal/keyschema"
)

func numAttr(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
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

// configItem is the decoded shape of one level's stored config item: a set
// of named limits using the bucket's b_{name}_{field} attribute layout
// (cp/bx/ra/rp only — a config item carries no runtime tk/tc state), plus
// the optimistic-cache version counter.
type configItem struct {
	Limits        map[string]Limit
	ConfigVersion int64
}

// encodeConfigItem builds the attribute map for a config-level item at
// (pk, sk), one write per SetLevel call.
func encodeConfigItem(ns, pk, sk string, limits map[string]Limit, version int64) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: pk},
		"SK":             &types.AttributeValueMemberS{Value: sk},
		"config_version": numAttr(version),
		"GSI4PK":         &types.AttributeValueMemberS{Value: keyschema.GSI4PK(ns)},
		"GSI4SK":         &types.AttributeValueMemberS{Value: pk + "\x00" + sk},
	}
	for name, lim := range limits {
		item[keyschema.BucketLimitAttr(name, "cp")] = numAttr(lim.CapacityMilli)
		item[keyschema.BucketLimitAttr(name, "bx")] = numAttr(lim.BurstMilli)
		item[keyschema.BucketLimitAttr(name, "ra")] = numAttr(lim.RefillMilli)
		item[keyschema.BucketLimitAttr(name, "rp")] = numAttr(lim.RefillPeriodMS)
	}
	return item
}

// decodeConfigItem parses a raw config-level item back into a configItem.
// A nil/empty raw map decodes to an empty, version-0 configItem (the
// not-found case callers treat as "no override at this level").
func decodeConfigItem(item map[string]types.AttributeValue) configItem {
	out := configItem{Limits: map[string]Limit{}}
	if item == nil {
		return out
	}
	if v, ok := parseNum(item["config_version"]); ok {
		out.ConfigVersion = v
	}
	for attr := range item {
		name, ok := limitNameFromCapacityAttr(attr)
		if !ok {
			continue
		}
		cp, _ := parseNum(item[keyschema.BucketLimitAttr(name, "cp")])
		bx, _ := parseNum(item[keyschema.BucketLimitAttr(name, "bx")])
		ra, _ := parseNum(item[keyschema.BucketLimitAttr(name, "ra")])
		rp, _ := parseNum(item[keyschema.BucketLimitAttr(name, "rp")])
		out.Limits[name] = Limit{Name: name, CapacityMilli: cp, BurstMilli: bx, RefillMilli: ra, RefillPeriodMS: rp}
	}
	return out
}

func limitNameFromCapacityAttr(attr string) (string, bool) {
	const prefix, suffix = "b_", "_cp"
	if len(attr) <= len(prefix)+len(suffix) {
		return "", false
	}
	if attr[:len(prefix)] != prefix || attr[len(attr)-len(suffix):] != suffix {
		return "", false
	}
	return attr[len(prefix) : len(attr)-len(suffix)], true
}
