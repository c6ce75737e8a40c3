package configresolver

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/tokenshard/limiter/internal/cache"
	"github.com/tokenshard/limiter/internal/dynamostore"
	"github.com/tokenshard/limiter/internal/keyschema"
)

// Resolver walks the four stored precedence levels, caching the merged
// per-namespace/entity/resource result (positive or negative) with a TTL.
type Resolver struct {
	store *dynamostore.Store
	cache cache.Store
	ttl   time.Duration
}

// New constructs a Resolver. ttl <= 0 disables caching (every resolve is a
// fresh batched read).
func New(store *dynamostore.Store, cacheStore cache.Store, ttl time.Duration) *Resolver {
	return &Resolver{store: store, cache: cacheStore, ttl: ttl}
}

// cachedLimits is the value type stored in the cache: the merged result of
// the stored levels (not including any caller override, which always
// bypasses the cache).
type cachedLimits struct {
	Limits        map[string]Limit
	ConfigVersion int64
}

func cacheKey(ns, entityID, resource string) string {
	return fmt.Sprintf("%s/cfgres/%s/%s", ns, entityID, resource)
}

// ResolveLimits returns the effective limit set for (entityID, resource).
// A non-empty overrides map bypasses every stored level entirely: a
// caller-supplied override replaces all lower levels.
func (r *Resolver) ResolveLimits(ctx context.Context, ns, entityID, resource string, overrides map[string]Limit) (map[string]Limit, error) {
	if len(overrides) > 0 {
		return overrides, nil
	}

	key := cacheKey(ns, entityID, resource)
	if r.ttl != 0 {
		if entry, ok := r.cache.Get(ctx, key); ok {
			cached, ok := entry.Value.(cachedLimits)
			if ok {
				return cached.Limits, nil
			}
		}
	}

	merged, version, err := r.readLevels(ctx, ns, entityID, resource)
	if err != nil {
		return nil, err
	}

	if r.ttl != 0 {
		ttl := r.ttl
		if ttl < 0 {
			ttl = 0
		}
		r.cache.Set(ctx, key, cache.Entry{
			Value:    cachedLimits{Limits: merged, ConfigVersion: version},
			Negative: len(merged) == 0,
			Version:  version,
		}, ttl)
	}

	return merged, nil
}

func (r *Resolver) readLevels(ctx context.Context, ns, entityID, resource string) (map[string]Limit, int64, error) {
	systemPK, systemSK := keyschema.SystemPK(ns), keyschema.SystemConfigSK
	resourcePK, resourceSK := keyschema.ResourcePK(ns, resource), keyschema.ResourceConfigSK
	entityDefaultPK, entityDefaultSK := keyschema.EntityPK(ns, entityID), keyschema.EntityConfigSK(keyschema.DefaultResource)
	entityResourcePK, entityResourceSK := keyschema.EntityPK(ns, entityID), keyschema.EntityConfigSK(resource)

	keys := []map[string]types.AttributeValue{
		keyAV(systemPK, systemSK),
		keyAV(resourcePK, resourceSK),
		keyAV(entityDefaultPK, entityDefaultSK),
	}
	// The entity-resource level is identical to the entity-default level
	// when resource == DefaultResource; avoid asking for the same key twice.
	if resource != keyschema.DefaultResource {
		keys = append(keys, keyAV(entityResourcePK, entityResourceSK))
	}

	out, err := r.store.API().BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
		RequestItems: map[string]types.KeysAndAttributes{r.store.Table(): {Keys: keys}},
	})
	if err != nil {
		return nil, 0, fmt.Errorf("configresolver: batch-get config levels: %w", err)
	}

	byKey := map[string]map[string]types.AttributeValue{}
	for _, item := range out.Responses[r.store.Table()] {
		pk, _ := item["PK"].(*types.AttributeValueMemberS)
		sk, _ := item["SK"].(*types.AttributeValueMemberS)
		if pk != nil && sk != nil {
			byKey[pk.Value+"\x00"+sk.Value] = item
		}
	}

	system := decodeConfigItem(byKey[systemPK+"\x00"+systemSK])
	resourceLevel := decodeConfigItem(byKey[resourcePK+"\x00"+resourceSK])
	entityDefault := decodeConfigItem(byKey[entityDefaultPK+"\x00"+entityDefaultSK])
	entityResource := entityDefault
	if resource != keyschema.DefaultResource {
		entityResource = decodeConfigItem(byKey[entityResourcePK+"\x00"+entityResourceSK])
	}

	merged := map[string]Limit{}
	version := int64(0)
	for _, level := range []configItem{system, resourceLevel, entityDefault, entityResource} {
		for name, lim := range level.Limits {
			merged[name] = lim
		}
		if level.ConfigVersion > version {
			version = level.ConfigVersion
		}
	}

	return merged, version, nil
}

func keyAV(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// SetLevel writes (or replaces) the limit set for one precedence level,
// bumping config_version, and evicts the cache entry this level can affect
// most directly: entity-resource and entity-default evict exactly the
// (entity, resource) key; resource and system levels evict nothing by
// themselves (their reach spans every entity), relying on the TTL to bound
// staleness for those broader levels.
func (r *Resolver) SetLevel(ctx context.Context, ns, entityID, resource string, level Level, limits map[string]Limit) error {
	pk, sk, evictKey := r.levelKey(ns, entityID, resource, level)

	existing, err := r.store.API().GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.store.Table()),
		Key:       keyAV(pk, sk),
	})
	if err != nil {
		return fmt.Errorf("configresolver: reading existing config item: %w", err)
	}
	version := decodeConfigItem(existing.Item).ConfigVersion + 1

	item := encodeConfigItem(ns, pk, sk, limits, version)
	if _, err := r.store.API().PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.store.Table()),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("configresolver: writing config item: %w", err)
	}

	if evictKey != "" {
		r.cache.Delete(ctx, evictKey)
	}
	return nil
}

// DeleteLevel removes a level's config item entirely, evicting the same
// cache entry SetLevel would.
func (r *Resolver) DeleteLevel(ctx context.Context, ns, entityID, resource string, level Level) error {
	pk, sk, evictKey := r.levelKey(ns, entityID, resource, level)

	if _, err := r.store.API().DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.store.Table()),
		Key:       keyAV(pk, sk),
	}); err != nil {
		return fmt.Errorf("configresolver: deleting config item: %w", err)
	}

	if evictKey != "" {
		r.cache.Delete(ctx, evictKey)
	}
	return nil
}

func (r *Resolver) levelKey(ns, entityID, resource string, level Level) (pk, sk, evictKey string) {
	switch level {
	case LevelEntityResource:
		return keyschema.EntityPK(ns, entityID), keyschema.EntityConfigSK(resource), cacheKey(ns, entityID, resource)
	case LevelEntityDefault:
		return keyschema.EntityPK(ns, entityID), keyschema.EntityConfigSK(keyschema.DefaultResource), cacheKey(ns, entityID, resource)
	case LevelResource:
		return keyschema.ResourcePK(ns, resource), keyschema.ResourceConfigSK, ""
	default:
		return keyschema.SystemPK(ns), keyschema.SystemConfigSK, ""
	}
}
