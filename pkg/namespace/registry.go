// Package namespace implements the opaque-ID namespace registry: forward
// (name -> id) and reverse (id -> name) records living under the reserved
// namespace "_", with soft-delete/recover/purge lifecycle transitions.
package namespace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/tokenshard/limiter/internal/dynamostore"
	"github.com/tokenshard/limiter/internal/keyschema"
)

// Registry owns the namespace registry's forward/reverse records and the
// GSI4-driven purge of every item a namespace owns.
type Registry struct {
	store *dynamostore.Store
}

// New constructs a Registry backed by store.
func New(store *dynamostore.Store) *Registry {
	return &Registry{store: store}
}

// Register assigns a fresh opaque namespace ID to name and writes the
// forward/reverse pair in one transaction. Re-registering a name that is
// already active is idempotent: it returns the existing ID rather than
// failing.
func (r *Registry) Register(ctx context.Context, name string) (string, error) {
	id, err := newNamespaceID()
	if err != nil {
		return "", err
	}
	now := time.Now().UnixMilli()

	forward, err := encodeForward(name, id, StatusActive, now)
	if err != nil {
		return "", err
	}
	reverse, err := encodeReverse(id, name, StatusActive, now, 0)
	if err != nil {
		return "", err
	}

	_, err = r.store.API().TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(r.store.Table()),
				Item:                forward,
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			}},
			{Put: &types.Put{
				TableName:           aws.String(r.store.Table()),
				Item:                reverse,
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			}},
		},
	})
	if err == nil {
		return id, nil
	}

	var cancelled *types.TransactionCanceledException
	if !errors.As(err, &cancelled) {
		return "", fmt.Errorf("namespace: registering %q: %w", name, err)
	}

	existing, getErr := r.Resolve(ctx, name)
	if getErr != nil {
		return "", fmt.Errorf("namespace: registering %q: %w", name, err)
	}
	return existing, nil
}

// Resolve returns the namespace ID registered for name, via the forward
// record.
func (r *Registry) Resolve(ctx context.Context, name string) (string, error) {
	out, err := r.store.API().GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.store.Table()),
		Key:       keyAV(keyschema.NamespaceRegistryPK, keyschema.NamespaceForwardSK(name)),
	})
	if err != nil {
		return "", fmt.Errorf("namespace: resolving %q: %w", name, err)
	}
	if len(out.Item) == 0 {
		return "", fmt.Errorf("namespace: %q is not registered", name)
	}
	fwd, err := decodeForward(out.Item)
	if err != nil {
		return "", err
	}
	return fwd.NamespaceID, nil
}

// Delete removes the forward record and marks the reverse record deleted,
// freeing name for a future Register.
func (r *Registry) Delete(ctx context.Context, name string) error {
	id, err := r.Resolve(ctx, name)
	if err != nil {
		return err
	}

	reverseKey := keyAV(keyschema.NamespaceRegistryPK, keyschema.NamespaceReverseSK(id))
	revOut, err := r.store.API().GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.store.Table()),
		Key:       reverseKey,
	})
	if err != nil {
		return fmt.Errorf("namespace: deleting %q: %w", name, err)
	}
	rev, err := decodeReverse(revOut.Item)
	if err != nil {
		return err
	}

	updated, err := encodeReverse(id, name, StatusDeleted, rev.CreatedAt, time.Now().UnixMilli())
	if err != nil {
		return err
	}

	_, err = r.store.API().TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Delete: &types.Delete{
				TableName: aws.String(r.store.Table()),
				Key:       keyAV(keyschema.NamespaceRegistryPK, keyschema.NamespaceForwardSK(name)),
			}},
			{Put: &types.Put{
				TableName: aws.String(r.store.Table()),
				Item:      updated,
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("namespace: deleting %q: %w", name, err)
	}
	return nil
}

// Recover restores a soft-deleted namespace: the reverse record's status
// must be "deleted" (not "purging" or already removed), and the forward
// record is rewritten to point at the same ID.
func (r *Registry) Recover(ctx context.Context, id string) error {
	reverseKey := keyAV(keyschema.NamespaceRegistryPK, keyschema.NamespaceReverseSK(id))
	out, err := r.store.API().GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.store.Table()),
		Key:       reverseKey,
	})
	if err != nil {
		return fmt.Errorf("namespace: recovering %q: %w", id, err)
	}
	if len(out.Item) == 0 {
		return fmt.Errorf("namespace: %q is not registered", id)
	}
	rev, err := decodeReverse(out.Item)
	if err != nil {
		return err
	}
	if rev.Status != StatusDeleted {
		return fmt.Errorf("namespace: %q is not in a recoverable state (status=%s)", id, rev.Status)
	}

	forward, err := encodeForward(rev.Name, id, StatusActive, rev.CreatedAt)
	if err != nil {
		return err
	}
	reverse, err := encodeReverse(id, rev.Name, StatusActive, rev.CreatedAt, 0)
	if err != nil {
		return err
	}

	_, err = r.store.API().TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(r.store.Table()),
				Item:                forward,
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			}},
			{Put: &types.Put{
				TableName: aws.String(r.store.Table()),
				Item:      reverse,
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("namespace: recovering %q: %w", id, err)
	}
	return nil
}

// Purge enumerates every item owned by namespace id via GSI4 and deletes
// them, followed by the reverse registry record. The forward record must
// already be gone (Delete removes it); Purge does not itself soft-delete.
func (r *Registry) Purge(ctx context.Context, id string) error {
	keys, err := r.ownedKeys(ctx, id)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if _, err := r.store.API().DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(r.store.Table()),
			Key:       key,
		}); err != nil {
			return fmt.Errorf("namespace: purging %q: %w", id, err)
		}
	}

	if _, err := r.store.API().DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.store.Table()),
		Key:       keyAV(keyschema.NamespaceRegistryPK, keyschema.NamespaceReverseSK(id)),
	}); err != nil {
		return fmt.Errorf("namespace: purging reverse record for %q: %w", id, err)
	}
	return nil
}

func (r *Registry) ownedKeys(ctx context.Context, id string) ([]map[string]types.AttributeValue, error) {
	out, err := r.store.API().Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(r.store.Table()),
		IndexName:                 aws.String(keyschema.GSI4Name),
		KeyConditionExpression:    aws.String("GSI4PK = :id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":id": &types.AttributeValueMemberS{Value: keyschema.GSI4PK(id)}},
	})
	if err != nil {
		return nil, fmt.Errorf("namespace: querying GSI4 for %q: %w", id, err)
	}

	keys := make([]map[string]types.AttributeValue, 0, len(out.Items))
	for _, item := range out.Items {
		keys = append(keys, keyAV(strValOf(item["PK"]), strValOf(item["SK"])))
	}
	return keys, nil
}

func strValOf(av types.AttributeValue) string {
	s, _ := av.(*types.AttributeValueMemberS)
	if s == nil {
		return ""
	}
	return s.Value
}
