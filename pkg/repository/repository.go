package repository

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/tokenshard/limiter/internal/cache"
	"github.com/tokenshard/limiter/internal/dynamostore"
	"github.com/tokenshard/limiter/internal/keyschema"
	"github.com/tokenshard/limiter/pkg/configresolver"
)

// entityCacheEntry is the cached value backing the repository's
// (ns, entity) -> (cascade, parent_id, {resource -> shard_count}) view.
type entityCacheEntry struct {
	MetaLoaded  bool // true once Cascade/ParentID reflect a real #META read
	Cascade     bool
	ParentID    string
	ShardCounts map[string]int
}

// Store owns the backing-store client and the entity/config caches, and is
// the single point every repository operation (speculative consume, commit,
// shard bump, discovery, config resolution) goes through.
type Store struct {
	store *dynamostore.Store

	entityCache cache.Store
	entityTTL   time.Duration

	configCache cache.Store
	configTTL   time.Duration

	resolver *configresolver.Resolver
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithEntityCache overrides the default in-memory entity cache.
func WithEntityCache(store cache.Store, ttl time.Duration) Option {
	return func(s *Store) {
		s.entityCache = store
		s.entityTTL = ttl
	}
}

// WithConfigCache overrides the default in-memory config cache.
func WithConfigCache(store cache.Store, ttl time.Duration) Option {
	return func(s *Store) {
		s.configCache = store
		s.configTTL = ttl
	}
}

// New constructs a Store backed by the given dynamostore client. Both
// caches default to an unbounded in-memory map with a 60s TTL, per
// the config resolver's default.
func New(store *dynamostore.Store, opts ...Option) *Store {
	s := &Store{
		store:       store,
		entityCache: cache.NewMemory(),
		entityTTL:   60 * time.Second,
		configCache: cache.NewMemory(),
		configTTL:   60 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.resolver = configresolver.New(store, s.configCache, s.configTTL)
	return s
}

// Ping verifies connectivity to the backing table with a lightweight
// GetItem against a key that is never expected to exist; any response
// short of a transport/throttling error counts as reachable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.store.API().GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.store.Table()),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: "#HEALTHCHECK"},
			"SK": &types.AttributeValueMemberS{Value: "#HEALTHCHECK"},
		},
	})
	return err
}

// ResolveLimits runs the four-level precedence walk for (entityID,
// resource), delegating to the config resolver. overrides, when non-empty,
// bypass every stored level.
func (s *Store) ResolveLimits(ctx context.Context, ns, entityID, resource string, overrides map[string]configresolver.Limit) (map[string]configresolver.Limit, error) {
	return s.resolver.ResolveLimits(ctx, ns, entityID, resource, overrides)
}

func entityCacheKey(ns, entityID string) string {
	return keyschema.EntityPK(ns, entityID)
}

// cachedEntity returns the cached entity entry for (ns, entityID), if any.
func (s *Store) cachedEntity(ctx context.Context, ns, entityID string) (entityCacheEntry, bool) {
	e, ok := s.entityCache.Get(ctx, entityCacheKey(ns, entityID))
	if !ok {
		return entityCacheEntry{}, false
	}
	entry, ok := e.Value.(entityCacheEntry)
	return entry, ok
}

// setCachedEntity stores or updates the cached entry for (ns, entityID).
// Cascade and ParentID are immutable once an entity is created, so a caller
// populating them for the first time may pass them freely; ShardCounts is
// the one field updated on every new observation.
func (s *Store) setCachedEntity(ctx context.Context, ns, entityID string, entry entityCacheEntry) {
	s.entityCache.Set(ctx, entityCacheKey(ns, entityID), cache.Entry{Value: entry}, s.entityTTL)
}

// mergeCachedEntityMeta marks (ns, entityID) as having real #META-backed
// Cascade/ParentID, preserving any ShardCounts already observed for it.
func (s *Store) mergeCachedEntityMeta(ctx context.Context, ns, entityID string, cascade bool, parentID string) {
	entry, ok := s.cachedEntity(ctx, ns, entityID)
	if !ok {
		entry = entityCacheEntry{}
	}
	entry.MetaLoaded = true
	entry.Cascade = cascade
	entry.ParentID = parentID
	s.setCachedEntity(ctx, ns, entityID, entry)
}

// observeShardCount records a freshly-observed shard count for
// (ns, entityID, resource), merging into whatever entity cache entry
// already exists (or creating a bare one, cascade/parent unknown until a
// slow path populates them).
func (s *Store) observeShardCount(ctx context.Context, ns, entityID, resource string, shardCount int) {
	entry, ok := s.cachedEntity(ctx, ns, entityID)
	if !ok {
		entry = entityCacheEntry{ShardCounts: map[string]int{}}
	} else if entry.ShardCounts == nil {
		entry.ShardCounts = map[string]int{}
	}
	entry.ShardCounts[resource] = shardCount
	s.setCachedEntity(ctx, ns, entityID, entry)
}

// ShardCountHint returns the cached shard count for (ns, entityID, resource),
// defaulting to 1 on a cache miss. Exported for the admission engine, which
// needs the current hint to pick which shard population to draw from.
func (s *Store) ShardCountHint(ctx context.Context, ns, entityID, resource string) int {
	return s.shardCountHint(ctx, ns, entityID, resource)
}

// ObserveShardCount records a freshly-observed shard count, exported so the
// admission engine can update the cache after a bump or a discovery probe.
func (s *Store) ObserveShardCount(ctx context.Context, ns, entityID, resource string, shardCount int) {
	s.observeShardCount(ctx, ns, entityID, resource, shardCount)
}

// shardCountHint returns the cached shard count for (ns, entityID, resource),
// defaulting to 1 (a single, unsharded bucket) on cache miss.
func (s *Store) shardCountHint(ctx context.Context, ns, entityID, resource string) int {
	entry, ok := s.cachedEntity(ctx, ns, entityID)
	if !ok {
		return 1
	}
	if n, ok := entry.ShardCounts[resource]; ok && n > 0 {
		return n
	}
	return 1
}
