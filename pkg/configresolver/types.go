// Package configresolver implements the four-level limit-configuration
// precedence walk: entity-resource, entity-default, resource, system, with
// caller-supplied overrides replacing all stored levels entirely. Results
// are cached per (namespace, entity, resource), including negative results
// (no custom configuration at any level), keyed by the config_version
// observed at read time.
package configresolver

// Limit is one named token-bucket's configuration, independent of any
// per-bucket runtime state (tokens, consumed counter).
type Limit struct {
	Name           string
	CapacityMilli  int64
	BurstMilli     int64
	RefillMilli    int64
	RefillPeriodMS int64
}

// Level identifies one of the four stored precedence levels a limit's
// configuration can be set at.
type Level int

const (
	// LevelEntityResource is the highest-priority stored level: a limit
	// configured for one specific (entity, resource) pair.
	LevelEntityResource Level = iota
	// LevelEntityDefault configures a limit for an entity across every
	// resource lacking its own entity-resource override.
	LevelEntityDefault
	// LevelResource configures a limit for every entity acting on a
	// resource, lacking a more specific override.
	LevelResource
	// LevelSystem is the lowest-priority stored level, the namespace-wide
	// default.
	LevelSystem
)

// levelOrder lists the stored levels highest-precedence first, the order
// ResolveLimits overlays them in (later overlays win).
var levelOrder = []Level{LevelSystem, LevelResource, LevelEntityDefault, LevelEntityResource}
