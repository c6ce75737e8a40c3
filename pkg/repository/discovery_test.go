package repository

import (
	"context"
	"testing"
)

func TestGetBucketsDiscoversAllShards(t *testing.T) {
	store, fake := newTestStore(t)

	for shard := 0; shard < 3; shard++ {
		spec := BucketWriteSpec{
			Key:        BucketKey{Namespace: "ns1", EntityID: "e1", Resource: "chat", Shard: shard},
			NowMS:      1000,
			ShardCount: 3,
			Limits:     map[string]LimitState{"rpm": {CapacityMilli: 10000, BurstMilli: 10000, RefillMilli: 1000, RefillPeriodMS: 1000}},
			Consume:    map[string]int64{"rpm": 0, wcuLimit: 0},
		}
		fake.Seed(EncodeBucketItem(spec))
	}
	// A bucket for a different resource must not be picked up.
	other := BucketWriteSpec{
		Key:        BucketKey{Namespace: "ns1", EntityID: "e1", Resource: "embeddings", Shard: 0},
		NowMS:      1000,
		ShardCount: 1,
		Limits:     map[string]LimitState{"rpm": {CapacityMilli: 10000, BurstMilli: 10000, RefillMilli: 1000, RefillPeriodMS: 1000}},
		Consume:    map[string]int64{"rpm": 0, wcuLimit: 0},
	}
	fake.Seed(EncodeBucketItem(other))

	buckets, err := store.GetBuckets(context.Background(), "ns1", "e1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(buckets) != 4 {
		t.Fatalf("got %d buckets, want 4 (3 chat shards + 1 embeddings shard)", len(buckets))
	}
}

func TestGetBucketsFiltersByResource(t *testing.T) {
	store, fake := newTestStore(t)

	for _, resource := range []string{"chat", "embeddings"} {
		spec := BucketWriteSpec{
			Key:        BucketKey{Namespace: "ns1", EntityID: "e1", Resource: resource, Shard: 0},
			NowMS:      1000,
			ShardCount: 1,
			Limits:     map[string]LimitState{"rpm": {CapacityMilli: 10000, BurstMilli: 10000, RefillMilli: 1000, RefillPeriodMS: 1000}},
			Consume:    map[string]int64{"rpm": 0, wcuLimit: 0},
		}
		fake.Seed(EncodeBucketItem(spec))
	}

	buckets, err := store.GetBuckets(context.Background(), "ns1", "e1", "chat")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(buckets) != 1 || buckets[0].Key.Resource != "chat" {
		t.Fatalf("got %+v, want exactly the chat bucket", buckets)
	}
}

func TestGetBucketsNoneFound(t *testing.T) {
	store, _ := newTestStore(t)
	buckets, err := store.GetBuckets(context.Background(), "ns1", "ghost", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(buckets) != 0 {
		t.Errorf("expected no buckets, got %d", len(buckets))
	}
}
