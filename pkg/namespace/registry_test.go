package namespace

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/tokenshard/limiter/internal/dynamostore"
	"github.com/tokenshard/limiter/internal/dynamotest"
)

func newTestRegistry(t *testing.T) (*Registry, *dynamotest.Fake) {
	t.Helper()
	fake := dynamotest.New()
	return New(dynamostore.New(fake, "ratelimits")), fake
}

func TestRegisterThenResolve(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.Register(ctx, "acme-prod")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(id) != idLength {
		t.Fatalf("id %q has length %d, want %d", id, len(id), idLength)
	}
	if id[0] == '-' {
		t.Fatalf("id %q must not start with '-'", id)
	}

	got, err := reg.Resolve(ctx, "acme-prod")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != id {
		t.Errorf("resolved id = %q, want %q", got, id)
	}
}

func TestRegisterIsIdempotentForActiveName(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.Register(ctx, "acme-prod")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := reg.Register(ctx, "acme-prod")
	if err != nil {
		t.Fatalf("unexpected error on re-register: %v", err)
	}
	if first != second {
		t.Errorf("re-registering an active name returned a new id: %q != %q", first, second)
	}
}

func TestResolveUnregisteredNameFails(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if _, err := reg.Resolve(context.Background(), "ghost"); err == nil {
		t.Fatal("expected an error resolving an unregistered name")
	}
}

func TestDeleteThenRecover(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.Register(ctx, "acme-prod")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := reg.Delete(ctx, "acme-prod"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := reg.Resolve(ctx, "acme-prod"); err == nil {
		t.Fatal("expected resolve to fail once deleted")
	}

	if err := reg.Recover(ctx, id); err != nil {
		t.Fatalf("unexpected error recovering: %v", err)
	}
	got, err := reg.Resolve(ctx, "acme-prod")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != id {
		t.Errorf("resolved id after recover = %q, want %q", got, id)
	}
}

func TestDeleteFreesNameForReregistration(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := reg.Register(ctx, "acme-prod")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := reg.Delete(ctx, "acme-prod"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := reg.Register(ctx, "acme-prod")
	if err != nil {
		t.Fatalf("unexpected error re-registering a deleted name: %v", err)
	}
	if first == second {
		t.Error("expected a freshly-deleted name to receive a new id on re-register")
	}
}

func TestRecoverRejectsNeverDeleted(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.Register(ctx, "acme-prod")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := reg.Recover(ctx, id); err == nil {
		t.Fatal("expected an error recovering a namespace that was never deleted")
	}
}

func TestPurgeDeletesOwnedItemsAndReverseRecord(t *testing.T) {
	reg, fake := newTestRegistry(t)
	ctx := context.Background()

	id, err := reg.Register(ctx, "acme-prod")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Seed a couple of items that "belong" to the namespace via GSI4, the
	// way an entity or bucket item would project it.
	for _, sk := range []string{"ENTITY#e1", "ENTITY#e2"} {
		fake.Seed(map[string]types.AttributeValue{
			"PK":     &types.AttributeValueMemberS{Value: id + "/" + sk},
			"SK":     &types.AttributeValueMemberS{Value: "#META"},
			"GSI4PK": &types.AttributeValueMemberS{Value: id},
			"GSI4SK": &types.AttributeValueMemberS{Value: id + "/" + sk},
		})
	}

	if err := reg.Delete(ctx, "acme-prod"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := reg.Purge(ctx, id); err != nil {
		t.Fatalf("unexpected error purging: %v", err)
	}

	if _, ok := fake.Get("_", "#NSID#"+id); ok {
		t.Error("expected reverse record to be gone after purge")
	}
	if _, ok := fake.Get(id+"/ENTITY#e1", "#META"); ok {
		t.Error("expected owned entity item to be purged")
	}
	if _, ok := fake.Get(id+"/ENTITY#e2", "#META"); ok {
		t.Error("expected owned entity item to be purged")
	}
}
