package ratelimiter

import (
	"context"
	"strconv"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/tokenshard/limiter/internal/dynamostore"
	"github.com/tokenshard/limiter/internal/dynamotest"
	"github.com/tokenshard/limiter/internal/keyschema"
	"github.com/tokenshard/limiter/pkg/repository"
)

func milliAttr(tokens int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(tokens*1000, 10)}
}

// parseMilliAttr reads back a milli-unit numeric attribute, for test
// assertions against the fake table's raw items.
func parseMilliAttr(av types.AttributeValue) (int64, bool) {
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

const testLimitName = "rpm"

func newTestLimiter(t *testing.T, opts ...Option) (*Limiter, *repository.Store, *dynamotest.Fake) {
	t.Helper()
	fake := dynamotest.New()
	store := repository.New(dynamostore.New(fake, "ratelimits"))
	return New(store, opts...), store, fake
}

// seedBucket lays down a single-shard bucket item for (entityID, resource)
// with one named limit plus wcu, both starting at the given whole-token
// balances.
func seedBucket(t *testing.T, fake *dynamotest.Fake, ns, entityID, resource string, shard, shardCount int, tokens, wcuTokens int64, cascade bool, parentID string) {
	t.Helper()
	spec := repository.BucketWriteSpec{
		Key:        repository.BucketKey{Namespace: ns, EntityID: entityID, Resource: resource, Shard: shard},
		NowMS:      1000,
		ShardCount: shardCount,
		Cascade:    cascade,
		ParentID:   parentID,
		Limits: map[string]repository.LimitState{
			testLimitName: {CapacityMilli: 10000, BurstMilli: 10000, RefillMilli: 1000, RefillPeriodMS: 1000},
		},
		Consume: map[string]int64{testLimitName: 0, keyschema.ReservedLimitName: 0},
	}
	item := repository.EncodeBucketItem(spec)
	item[keyschema.BucketLimitAttr(testLimitName, "tk")] = milliAttr(tokens)
	item[keyschema.BucketLimitAttr(keyschema.ReservedLimitName, "tk")] = milliAttr(wcuTokens)
	fake.Seed(item)
}

func seedEntity(t *testing.T, store *repository.Store, ns, entityID, parentID string, cascade bool) {
	t.Helper()
	if err := store.CreateEntity(context.Background(), ns, repository.EntityMeta{EntityID: entityID, ParentID: parentID, Cascade: cascade}); err != nil {
		t.Fatalf("seeding entity %s: %v", entityID, err)
	}
}
