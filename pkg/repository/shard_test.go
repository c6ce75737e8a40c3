package repository

import (
	"context"
	"testing"

	"github.com/tokenshard/limiter/internal/keyschema"
)

func TestBumpShardCountDoublesOnMatch(t *testing.T) {
	store, fake := newTestStore(t)
	key := BucketKey{Namespace: "ns1", EntityID: "e1", Resource: "chat", Shard: 0}
	spec := BucketWriteSpec{
		Key: key, NowMS: 1000, ShardCount: 2,
		Limits:  map[string]LimitState{"rpm": {CapacityMilli: 10000, BurstMilli: 10000, RefillMilli: 1000, RefillPeriodMS: 1000}},
		Consume: map[string]int64{"rpm": 0, wcuLimit: 0},
	}
	fake.Seed(EncodeBucketItem(spec))

	next, bumped, err := store.BumpShardCount(context.Background(), "ns1", "e1", "chat", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bumped || next != 4 {
		t.Errorf("bumped=%v next=%d, want bumped=true next=4", bumped, next)
	}

	pk := keyschema.BucketPK("ns1", "e1", "chat", 0)
	item, _ := fake.Get(pk, keyschema.BucketStateSK)
	snap, _ := DecodeBucket(item)
	if snap.ShardCount != 4 {
		t.Errorf("stored shard_count = %d, want 4", snap.ShardCount)
	}
}

func TestBumpShardCountIdempotentUnderRace(t *testing.T) {
	store, fake := newTestStore(t)
	key := BucketKey{Namespace: "ns1", EntityID: "e1", Resource: "chat", Shard: 0}
	spec := BucketWriteSpec{
		Key: key, NowMS: 1000, ShardCount: 4, // already bumped by a racing writer
		Limits:  map[string]LimitState{"rpm": {CapacityMilli: 10000, BurstMilli: 10000, RefillMilli: 1000, RefillPeriodMS: 1000}},
		Consume: map[string]int64{"rpm": 0, wcuLimit: 0},
	}
	fake.Seed(EncodeBucketItem(spec))

	next, bumped, err := store.BumpShardCount(context.Background(), "ns1", "e1", "chat", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bumped {
		t.Error("expected bumped=false on conditional mismatch")
	}
	if next != 4 {
		t.Errorf("next = %d, want 4 (the already-current value)", next)
	}
}
