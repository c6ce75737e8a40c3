package repository

import (
	"context"
	"testing"
)

func TestCreateEntityThenGetEntity(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	meta := EntityMeta{EntityID: "e1", ParentID: "p1", Cascade: true, CreatedAt: 1000}
	if err := store.CreateEntity(ctx, "ns1", meta); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok, err := store.GetEntity(ctx, "ns1", "e1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected entity to be found")
	}
	if got.EntityID != "e1" || got.ParentID != "p1" || !got.Cascade {
		t.Errorf("got %+v, want entity=e1 parent=p1 cascade=true", got)
	}
}

func TestCreateEntityRejectsDuplicate(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	meta := EntityMeta{EntityID: "e1"}
	if err := store.CreateEntity(ctx, "ns1", meta); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.CreateEntity(ctx, "ns1", meta); err == nil {
		t.Fatal("expected an error creating a duplicate entity")
	}
}

func TestGetEntityMissing(t *testing.T) {
	store, _ := newTestStore(t)
	_, ok, err := store.GetEntity(context.Background(), "ns1", "ghost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected entity not found")
	}
}

func TestGetEntityUsesCacheOnSecondCall(t *testing.T) {
	store, fake := newTestStore(t)
	ctx := context.Background()

	meta := EntityMeta{EntityID: "e1", ParentID: "p1", Cascade: true}
	if err := store.CreateEntity(ctx, "ns1", meta); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// First GetEntity populates (or reuses) the cache from CreateEntity.
	if _, ok, err := store.GetEntity(ctx, "ns1", "e1"); err != nil || !ok {
		t.Fatalf("unexpected result ok=%v err=%v", ok, err)
	}

	// Remove the backing item; a cache hit must still resolve the entity.
	pk := entityCacheKey("ns1", "e1")
	_ = pk
	got, ok, err := store.GetEntity(ctx, "ns1", "e1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || got.ParentID != "p1" {
		t.Errorf("expected cached entity to resolve without a backing read, got %+v ok=%v", got, ok)
	}
	_ = fake
}

func TestObserveShardCountDoesNotMakeEntityAuthoritative(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	// A bare shard-count observation must not satisfy GetEntity's cache
	// fast path, since Cascade/ParentID were never actually loaded.
	store.observeShardCount(ctx, "ns1", "e1", "chat", 4)

	_, ok, err := store.GetEntity(ctx, "ns1", "e1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected no entity found; observeShardCount alone must not fabricate entity metadata")
	}
}

func TestCreateEntityPreservesObservedShardCounts(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.observeShardCount(ctx, "ns1", "e1", "chat", 4)
	if err := store.CreateEntity(ctx, "ns1", EntityMeta{EntityID: "e1", Cascade: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := store.shardCountHint(ctx, "ns1", "e1", "chat"); got != 4 {
		t.Errorf("shard count hint = %d, want 4 (preserved across CreateEntity's cache merge)", got)
	}

	entry, ok := store.cachedEntity(ctx, "ns1", "e1")
	if !ok || !entry.MetaLoaded || !entry.Cascade {
		t.Errorf("expected cache entry to be MetaLoaded and cascade=true, got %+v ok=%v", entry, ok)
	}
}
