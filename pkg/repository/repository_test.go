package repository

import (
	"context"
	"testing"
)

func TestShardCountHintDefaultsToOneOnMiss(t *testing.T) {
	store, _ := newTestStore(t)
	if got := store.shardCountHint(context.Background(), "ns1", "e1", "chat"); got != 1 {
		t.Errorf("got %d, want 1", got)
	}
}

func TestObserveShardCountThenHint(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.observeShardCount(ctx, "ns1", "e1", "chat", 8)
	if got := store.shardCountHint(ctx, "ns1", "e1", "chat"); got != 8 {
		t.Errorf("got %d, want 8", got)
	}

	// A different resource under the same entity is unaffected.
	if got := store.shardCountHint(ctx, "ns1", "e1", "embeddings"); got != 1 {
		t.Errorf("got %d, want 1 (different resource, untouched)", got)
	}
}

func TestObserveShardCountMergesIntoExistingEntry(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.setCachedEntity(ctx, "ns1", "e1", entityCacheEntry{Cascade: true, ParentID: "p1"})
	store.observeShardCount(ctx, "ns1", "e1", "chat", 2)

	entry, ok := store.cachedEntity(ctx, "ns1", "e1")
	if !ok {
		t.Fatal("expected cached entry to exist")
	}
	if !entry.Cascade || entry.ParentID != "p1" {
		t.Errorf("expected cascade/parent preserved, got %+v", entry)
	}
	if entry.ShardCounts["chat"] != 2 {
		t.Errorf("shard count = %d, want 2", entry.ShardCounts["chat"])
	}
}
