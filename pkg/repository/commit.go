package repository

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/tokenshard/limiter/internal/dynamostore"
	"github.com/tokenshard/limiter/internal/keyschema"
)

// CommitInitial issues the atomic multi-item transactional write used by
// the slow path (bucket creation) and the cascade path (child + parent in
// one transaction). Every bucket in plan.Buckets is written as a single
// TransactWriteItems call; the store rejects the whole batch if any
// bucket's condition fails.
func (s *Store) CommitInitial(ctx context.Context, ns string, plan WritePlan) error {
	items := make([]types.TransactWriteItem, 0, len(plan.Buckets))
	for _, b := range plan.Buckets {
		item, err := s.transactItemFor(ns, b)
		if err != nil {
			return err
		}
		items = append(items, item)
	}

	_, err := s.store.API().TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		return fmt.Errorf("repository: commit_initial transaction failed: %w", err)
	}
	return nil
}

// IsConditionalFailure reports whether err is a conditional-check failure on
// a commit_initial transaction (a racing writer created or consumed the
// bucket first), as opposed to an infrastructure error. Exposed so the
// admission engine can decide "treat this attempt as exhausted and retry
// from the top" versus "surface UNAVAILABLE" without inspecting an AWS SDK
// error type itself, per the rule that classification happens only at the
// store-adapter boundary.
func IsConditionalFailure(err error) bool {
	return dynamostore.Classify(err) == dynamostore.CauseConditionalCheckFailed
}

func (s *Store) transactItemFor(ns string, b BucketWriteSpec) (types.TransactWriteItem, error) {
	if b.Create {
		return s.createItemFor(ns, b)
	}
	return s.updateItemFor(ns, b)
}

// createItemFor lays down a brand-new bucket item via a conditional Put
// (attribute_not_exists(PK) guards against a racing creator), including
// this write's own consumption.
func (s *Store) createItemFor(ns string, b BucketWriteSpec) (types.TransactWriteItem, error) {
	item := EncodeBucketItem(b)

	cond := expression.Name("PK").AttributeNotExists()
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return types.TransactWriteItem{}, fmt.Errorf("repository: building bucket create expression: %w", err)
	}

	return types.TransactWriteItem{
		Put: &types.Put{
			TableName:                aws.String(s.store.Table()),
			Item:                     item,
			ConditionExpression:      expr.Condition(),
			ExpressionAttributeNames: expr.Names(),
		},
	}, nil
}

// updateItemFor builds the "normal" (refill + consume, rf=expected
// condition) or "retry" (consume-only, tk>=consumed condition) shape for an
// existing bucket.
func (s *Store) updateItemFor(ns string, b BucketWriteSpec) (types.TransactWriteItem, error) {
	pk := keyschema.BucketPK(ns, b.Key.EntityID, b.Key.Resource, b.Key.Shard)

	update := expression.UpdateBuilder{}
	var cond expression.ConditionBuilder
	first := true

	addAnd := func(c expression.ConditionBuilder) {
		if first {
			cond = c
			first = false
		} else {
			cond = cond.And(c)
		}
	}

	for name, consumeMilli := range b.Consume {
		update = update.
			Add(expression.Name(keyschema.BucketLimitAttr(name, "tk")), expression.Value(-consumeMilli)).
			Add(expression.Name(keyschema.BucketLimitAttr(name, "tc")), expression.Value(consumeMilli))

		if b.Retry {
			addAnd(expression.Name(keyschema.BucketLimitAttr(name, "tk")).GreaterThanEqual(expression.Value(consumeMilli)))
		}
	}

	if b.Retry {
		addAnd(expression.Name("PK").AttributeExists())
	} else {
		update = update.Set(expression.Name("rf"), expression.Value(b.NowMS))
		addAnd(expression.Name("rf").Equal(expression.Value(b.ExpectedRefill)))
	}

	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return types.TransactWriteItem{}, fmt.Errorf("repository: building bucket update expression: %w", err)
	}

	return types.TransactWriteItem{
		Update: &types.Update{
			TableName:                aws.String(s.store.Table()),
			Key:                      map[string]types.AttributeValue{"PK": strAttr(pk), "SK": strAttr(keyschema.BucketStateSK)},
			UpdateExpression:         expr.Update(),
			ConditionExpression:      expr.Condition(),
			ExpressionAttributeNames: expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		},
	}, nil
}

// writeEach issues one independent, unconditional ADD per bucket in writes.
// Never atomic across items — used by both CommitAdjust and Rollback, which
// differ only in the sign/semantics the caller already baked into
// DeltaMilli.
func (s *Store) writeEach(ctx context.Context, ns string, writes []AdjustWrite) error {
	for _, w := range writes {
		if err := s.writeOne(ctx, ns, w); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) writeOne(ctx context.Context, ns string, w AdjustWrite) error {
	pk := keyschema.BucketPK(ns, w.Key.EntityID, w.Key.Resource, w.Key.Shard)

	update := expression.UpdateBuilder{}
	for name, delta := range w.DeltaMilli {
		update = update.
			Add(expression.Name(keyschema.BucketLimitAttr(name, "tk")), expression.Value(delta)).
			Add(expression.Name(keyschema.BucketLimitAttr(name, "tc")), expression.Value(-delta))
	}

	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return fmt.Errorf("repository: building adjust expression: %w", err)
	}

	_, err = s.store.API().UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.store.Table()),
		Key:                       map[string]types.AttributeValue{"PK": strAttr(pk), "SK": strAttr(keyschema.BucketStateSK)},
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return fmt.Errorf("repository: adjust write failed for %s: %w", pk, err)
	}
	return nil
}

// CommitAdjust issues a post-hoc, unconditional token adjustment per
// bucket: positive deltas return tokens, negative deltas add debt. Bucket
// tokens may go negative through this path only, never via admission.
func (s *Store) CommitAdjust(ctx context.Context, ns string, writes []AdjustWrite) error {
	return s.writeEach(ctx, ns, writes)
}

// Rollback issues the compensating add-back for buckets a lease consumed
// but must now release, e.g. because a cascade's sibling write failed or
// the caller errored before committing.
func (s *Store) Rollback(ctx context.Context, ns string, writes []AdjustWrite) error {
	return s.writeEach(ctx, ns, writes)
}
