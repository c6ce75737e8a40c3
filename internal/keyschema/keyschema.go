// Package keyschema builds and parses every primary/secondary key used by
// the rate limiter's single-table store, and validates the user-supplied
// names that feed into them.
package keyschema

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ReservedNamespace is the namespace holding the namespace registry itself.
const ReservedNamespace = "_"

// ReservedLimitName is the auto-injected infrastructure limit name.
const ReservedLimitName = "wcu"

var (
	stackNamePattern    = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9-]*$`)
	resourceNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9._/-]*$`)
	limitNamePattern    = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9._-]*$`)
)

const maxStackNameLen = 55

// ValidateStackName enforces the identifier/stack-name grammar: starts with
// a letter, then [A-Za-z0-9-]*, max 55 characters.
func ValidateStackName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("name must not be empty")
	}
	if len(name) > maxStackNameLen {
		return fmt.Errorf("name %q exceeds max length %d", name, maxStackNameLen)
	}
	if !stackNamePattern.MatchString(name) {
		return fmt.Errorf("name %q must start with a letter and contain only letters, digits, and hyphens", name)
	}
	return nil
}

// ValidateResourceName enforces the resource-name grammar: starts with a
// letter, then [A-Za-z0-9._/-]*, and forbids '#' (the key-separator).
func ValidateResourceName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("resource name must not be empty")
	}
	if strings.Contains(name, "#") {
		return fmt.Errorf("resource name %q must not contain '#'", name)
	}
	if !resourceNamePattern.MatchString(name) {
		return fmt.Errorf("resource name %q must start with a letter and contain only letters, digits, '.', '_', '/', '-'", name)
	}
	return nil
}

// ValidateLimitName enforces the limit-name grammar: like a resource name
// but without '/', and rejects the reserved name "wcu".
func ValidateLimitName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("limit name must not be empty")
	}
	if name == ReservedLimitName {
		return fmt.Errorf("limit name %q is reserved", ReservedLimitName)
	}
	if strings.Contains(name, "#") {
		return fmt.Errorf("limit name %q must not contain '#'", name)
	}
	if strings.Contains(name, "/") {
		return fmt.Errorf("limit name %q must not contain '/'", name)
	}
	if !limitNamePattern.MatchString(name) {
		return fmt.Errorf("limit name %q must start with a letter and contain only letters, digits, '.', '_', '-'", name)
	}
	return nil
}

// ValidateNamespaceID rejects namespace identifiers that would collide with
// reserved prefixes. The opaque ID itself is generated elsewhere (see
// pkg/namespace); this only guards against a caller-supplied value starting
// with '-' or equal to the reserved namespace sentinel in contexts where
// that would be wrong.
func ValidateNamespaceID(ns string) error {
	if ns == "" {
		return fmt.Errorf("namespace id must not be empty")
	}
	if strings.HasPrefix(ns, "-") {
		return fmt.Errorf("namespace id %q must not start with '-'", ns)
	}
	return nil
}

// EntityPK returns the primary key for an entity's metadata item.
func EntityPK(ns, entityID string) string {
	return fmt.Sprintf("%s/ENTITY#%s", ns, entityID)
}

// EntityMetaSK is the sort key for an entity metadata item.
const EntityMetaSK = "#META"

// EntityConfigSK returns the sort key for an entity-per-resource config item.
// resource may be the sentinel DefaultResource for the entity-level default.
func EntityConfigSK(resource string) string {
	return fmt.Sprintf("#CONFIG#%s", resource)
}

// DefaultResource is the sentinel resource name used for an entity's
// resource-less default configuration.
const DefaultResource = "_default_"

// SystemPK is the primary key shared by every system-level item in a namespace.
func SystemPK(ns string) string {
	return fmt.Sprintf("%s/SYSTEM#", ns)
}

// SystemConfigSK is the sort key for the system-level config item.
const SystemConfigSK = "#CONFIG"

// VersionSK is the sort key for the schema/aggregator version record.
const VersionSK = "#VERSION"

// ResourcePK returns the primary key for a resource-level config item.
func ResourcePK(ns, resource string) string {
	return fmt.Sprintf("%s/RESOURCE#%s", ns, resource)
}

// ResourceConfigSK is the sort key for a resource-level config item.
const ResourceConfigSK = "#CONFIG"

// BucketPK returns the primary key for one shard of one (entity, resource)
// bucket. This is the only key that requires an inverse parser, because
// resource names may themselves contain '#'-free but otherwise arbitrary
// characters including '/'.
func BucketPK(ns, entityID, resource string, shard int) string {
	return fmt.Sprintf("%s/BUCKET#%s#%s#%d", ns, entityID, resource, shard)
}

// BucketStateSK is the sort key for a bucket state item.
const BucketStateSK = "#STATE"

// ParsedBucketPK is the result of parsing a bucket primary key back into its
// constituent parts.
type ParsedBucketPK struct {
	Namespace string
	EntityID  string
	Resource  string
	Shard     int
}

const bucketInfix = "/BUCKET#"

// ParseBucketPK inverts BucketPK. Parsing rule: strip the "{ns}/BUCKET#"
// prefix, split off the final "#<integer>" as the shard, then split the
// remainder on the FIRST '#' into entity and resource. This yields a unique
// parse even when the resource itself contains '/', '.', '-', '_' — none of
// which are '#', the one character forbidden in user-supplied names.
func ParseBucketPK(pk string) (ParsedBucketPK, error) {
	idx := strings.Index(pk, bucketInfix)
	if idx < 0 {
		return ParsedBucketPK{}, fmt.Errorf("not a bucket key: %q", pk)
	}
	ns := pk[:idx]
	rest := pk[idx+len(bucketInfix):]

	lastHash := strings.LastIndex(rest, "#")
	if lastHash < 0 {
		return ParsedBucketPK{}, fmt.Errorf("bucket key %q missing shard suffix", pk)
	}
	shardStr := rest[lastHash+1:]
	shard, err := strconv.Atoi(shardStr)
	if err != nil {
		return ParsedBucketPK{}, fmt.Errorf("bucket key %q has non-integer shard suffix %q: %w", pk, shardStr, err)
	}

	entityAndResource := rest[:lastHash]
	firstHash := strings.Index(entityAndResource, "#")
	if firstHash < 0 {
		return ParsedBucketPK{}, fmt.Errorf("bucket key %q missing entity/resource separator", pk)
	}

	return ParsedBucketPK{
		Namespace: ns,
		EntityID:  entityAndResource[:firstHash],
		Resource:  entityAndResource[firstHash+1:],
		Shard:     shard,
	}, nil
}

// BucketLimitAttr returns the attribute name for field of the named limit,
// e.g. BucketLimitAttr("rpm", "tk") == "b_rpm_tk".
func BucketLimitAttr(limitName, field string) string {
	return fmt.Sprintf("b_%s_%s", limitName, field)
}

// NamespaceRegistryPK is the single partition holding every forward and
// reverse namespace-registry record, under the reserved namespace.
const NamespaceRegistryPK = ReservedNamespace

// NamespaceForwardSK returns the sort key for the forward name->id registry
// record, stored under the reserved namespace.
func NamespaceForwardSK(name string) string {
	return fmt.Sprintf("#NAMESPACE#%s", name)
}

// NamespaceReverseSK returns the sort key for the reverse id->name registry
// record, stored under the reserved namespace.
func NamespaceReverseSK(id string) string {
	return fmt.Sprintf("#NSID#%s", id)
}

// UsagePK returns the primary key under which per-window usage snapshots for
// an entity live.
func UsagePK(ns, entityID string) string {
	return EntityPK(ns, entityID)
}

// UsageSK returns the sort key for one usage snapshot window.
func UsageSK(resource, windowKey string) string {
	return fmt.Sprintf("#USAGE#%s#%s", resource, windowKey)
}

// GSI index/attribute names, used consistently by the repository and
// aggregator when building Query input or item projections.
const (
	GSI1Name = "GSI1" // entity -> children, by parent_id
	GSI2Name = "GSI2" // per-resource usage aggregation
	GSI3Name = "GSI3" // entity -> buckets discovery
	GSI4Name = "GSI4" // namespace enumeration for purge
)

// GSI1PK returns the GSI1 partition key used to enumerate an entity's children.
func GSI1PK(ns, parentID string) string {
	return fmt.Sprintf("%s/ENTITY#%s", ns, parentID)
}

// GSI3PK returns the GSI3 partition key used to discover all bucket shards
// for an entity.
func GSI3PK(ns, entityID string) string {
	return fmt.Sprintf("%s/ENTITY#%s", ns, entityID)
}

// GSI3SK returns the GSI3 sort key for one bucket shard item.
func GSI3SK(resource string, shard int) string {
	return fmt.Sprintf("BUCKET#%s#%d", resource, shard)
}

// GSI4PK returns the GSI4 partition key used to enumerate every item owned
// by a namespace id, for purge.
func GSI4PK(namespaceID string) string {
	return namespaceID
}
