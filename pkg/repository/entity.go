package repository

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/tokenshard/limiter/internal/keyschema"
)

func entityKeyAV(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"PK": strAttr(pk), "SK": strAttr(sk)}
}

// CreateEntity writes a new entity's immutable #META item, failing if one
// already exists at that (ns, entityID).
func (s *Store) CreateEntity(ctx context.Context, ns string, meta EntityMeta) error {
	item, err := EncodeEntityMeta(ns, meta)
	if err != nil {
		return err
	}

	cond := expression.Name("PK").AttributeNotExists()
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("repository: building create-entity expression: %w", err)
	}

	_, err = s.store.API().PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.store.Table()),
		Item:                     item,
		ConditionExpression:      expr.Condition(),
		ExpressionAttributeNames: expr.Names(),
	})
	if err != nil {
		return fmt.Errorf("repository: creating entity %s: %w", meta.EntityID, err)
	}

	s.mergeCachedEntityMeta(ctx, ns, meta.EntityID, meta.Cascade, meta.ParentID)
	return nil
}

// GetEntity returns an entity's metadata. Cascade and parent_id are
// immutable once set, so a cache hit is always authoritative; a miss
// populates the cache from a single GetItem, the "dedicated slow path"
// the admission protocol's cascade resolution step relies on.
func (s *Store) GetEntity(ctx context.Context, ns, entityID string) (EntityMeta, bool, error) {
	if entry, ok := s.cachedEntity(ctx, ns, entityID); ok && entry.MetaLoaded {
		return EntityMeta{EntityID: entityID, ParentID: entry.ParentID, Cascade: entry.Cascade}, true, nil
	}

	out, err := s.store.API().GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.store.Table()),
		Key:       entityKeyAV(keyschema.EntityPK(ns, entityID), keyschema.EntityMetaSK),
	})
	if err != nil {
		return EntityMeta{}, false, fmt.Errorf("repository: getting entity %s: %w", entityID, err)
	}
	if len(out.Item) == 0 {
		return EntityMeta{}, false, nil
	}

	meta, err := DecodeEntityMeta(out.Item)
	if err != nil {
		return EntityMeta{}, false, err
	}

	s.mergeCachedEntityMeta(ctx, ns, entityID, meta.Cascade, meta.ParentID)
	return meta, true, nil
}
