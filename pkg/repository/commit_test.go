package repository

import (
	"context"
	"testing"

	"github.com/tokenshard/limiter/internal/keyschema"
)

func TestCommitInitialCreatesBucket(t *testing.T) {
	store, fake := newTestStore(t)
	key := BucketKey{Namespace: "ns1", EntityID: "e1", Resource: "chat", Shard: 0}

	plan := WritePlan{Buckets: []BucketWriteSpec{{
		Key:        key,
		Create:     true,
		NowMS:      1000,
		ShardCount: 1,
		Limits: map[string]LimitState{
			"rpm": {CapacityMilli: 10000, BurstMilli: 10000, RefillMilli: 1000, RefillPeriodMS: 1000},
		},
		Consume: map[string]int64{"rpm": 1000, wcuLimit: 1000},
	}}}

	if err := store.CommitInitial(context.Background(), "ns1", plan); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pk := keyschema.BucketPK("ns1", "e1", "chat", 0)
	item, ok := fake.Get(pk, keyschema.BucketStateSK)
	if !ok {
		t.Fatal("expected bucket item to exist after commit")
	}
	snap, err := DecodeBucket(item)
	if err != nil {
		t.Fatalf("decoding committed bucket: %v", err)
	}
	if snap.Limits["rpm"].TokensMilli != 9000 {
		t.Errorf("rpm tokens = %d, want 9000 (10000 capacity - 1000 consumed)", snap.Limits["rpm"].TokensMilli)
	}
}

func TestCommitInitialNormalShapeAdvancesRefill(t *testing.T) {
	store, fake := newTestStore(t)
	key := BucketKey{Namespace: "ns1", EntityID: "e1", Resource: "chat", Shard: 0}
	seedBucket(t, fake, key, 5000)

	plan := WritePlan{Buckets: []BucketWriteSpec{{
		Key:            key,
		ExpectedRefill: 1000,
		NowMS:          2000,
		Consume:        map[string]int64{"rpm": 1000, wcuLimit: 1000},
	}}}

	if err := store.CommitInitial(context.Background(), "ns1", plan); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pk := keyschema.BucketPK("ns1", "e1", "chat", 0)
	item, _ := fake.Get(pk, keyschema.BucketStateSK)
	snap, err := DecodeBucket(item)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.LastRefill != 2000 {
		t.Errorf("rf = %d, want 2000", snap.LastRefill)
	}
	if snap.Limits["rpm"].TokensMilli != 4000 {
		t.Errorf("rpm tokens = %d, want 4000", snap.Limits["rpm"].TokensMilli)
	}
}

func TestCommitInitialNormalShapeFailsOnStaleRefill(t *testing.T) {
	store, fake := newTestStore(t)
	key := BucketKey{Namespace: "ns1", EntityID: "e1", Resource: "chat", Shard: 0}
	seedBucket(t, fake, key, 5000)

	plan := WritePlan{Buckets: []BucketWriteSpec{{
		Key:            key,
		ExpectedRefill: 999, // stale: actual rf is 1000
		NowMS:          2000,
		Consume:        map[string]int64{"rpm": 1000, wcuLimit: 1000},
	}}}

	if err := store.CommitInitial(context.Background(), "ns1", plan); err == nil {
		t.Fatal("expected commit to fail on stale rf condition")
	}
}

func TestCommitInitialRetryShapeIgnoresRefill(t *testing.T) {
	store, fake := newTestStore(t)
	key := BucketKey{Namespace: "ns1", EntityID: "e1", Resource: "chat", Shard: 0}
	seedBucket(t, fake, key, 5000)

	plan := WritePlan{Buckets: []BucketWriteSpec{{
		Key:     key,
		Retry:   true,
		Consume: map[string]int64{"rpm": 1000, wcuLimit: 1000},
	}}}

	if err := store.CommitInitial(context.Background(), "ns1", plan); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pk := keyschema.BucketPK("ns1", "e1", "chat", 0)
	item, _ := fake.Get(pk, keyschema.BucketStateSK)
	snap, _ := DecodeBucket(item)
	if snap.LastRefill != 1000 {
		t.Errorf("retry-shape commit must not touch rf, got %d", snap.LastRefill)
	}
	if snap.Limits["rpm"].TokensMilli != 4000 {
		t.Errorf("rpm tokens = %d, want 4000", snap.Limits["rpm"].TokensMilli)
	}
}

func TestCommitAdjustCanGoNegative(t *testing.T) {
	store, fake := newTestStore(t)
	key := BucketKey{Namespace: "ns1", EntityID: "e1", Resource: "chat", Shard: 0}
	seedBucket(t, fake, key, 500)

	err := store.CommitAdjust(context.Background(), "ns1", []AdjustWrite{{
		Key:        key,
		DeltaMilli: map[string]int64{"rpm": -1000},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pk := keyschema.BucketPK("ns1", "e1", "chat", 0)
	item, _ := fake.Get(pk, keyschema.BucketStateSK)
	snap, _ := DecodeBucket(item)
	if snap.Limits["rpm"].TokensMilli != -500 {
		t.Errorf("rpm tokens = %d, want -500 (debt)", snap.Limits["rpm"].TokensMilli)
	}
}

func TestRollbackReturnsTokens(t *testing.T) {
	store, fake := newTestStore(t)
	key := BucketKey{Namespace: "ns1", EntityID: "e1", Resource: "chat", Shard: 0}
	seedBucket(t, fake, key, 4000)

	err := store.Rollback(context.Background(), "ns1", []AdjustWrite{{
		Key:        key,
		DeltaMilli: map[string]int64{"rpm": 1000},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pk := keyschema.BucketPK("ns1", "e1", "chat", 0)
	item, _ := fake.Get(pk, keyschema.BucketStateSK)
	snap, _ := DecodeBucket(item)
	if snap.Limits["rpm"].TokensMilli != 5000 {
		t.Errorf("rpm tokens = %d, want 5000 after rollback add-back", snap.Limits["rpm"].TokensMilli)
	}
}
