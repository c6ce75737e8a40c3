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

// PropagateShardCount issues the aggregator's shard-count propagation write:
// for every target shard in 1..newCount-1, SET shard_count = newCount
// conditioned on the target not already showing an equal-or-higher value.
// A target shard with no item yet gets one created holding only
// shard_count, pre-seeding it ahead of its first speculative consume;
// conditional failures (a concurrent writer already caught up) are
// absorbed, not reported as errors.
func (s *Store) PropagateShardCount(ctx context.Context, ns, entityID, resource string, newCount int) []error {
	var errs []error
	for shard := 1; shard < newCount; shard++ {
		if err := s.propagateOneShard(ctx, ns, entityID, resource, shard, newCount); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (s *Store) propagateOneShard(ctx context.Context, ns, entityID, resource string, shard, newCount int) error {
	pk := keyschema.BucketPK(ns, entityID, resource, shard)

	update := expression.Set(expression.Name("shard_count"), expression.Value(newCount))
	cond := expression.Name("shard_count").AttributeNotExists().
		Or(expression.Name("shard_count").LessThan(expression.Value(newCount)))

	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("repository: building shard propagation expression: %w", err)
	}

	_, err = s.store.API().UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.store.Table()),
		Key:                       map[string]types.AttributeValue{"PK": strAttr(pk), "SK": strAttr(keyschema.BucketStateSK)},
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		if IsConditionalFailure(err) {
			return nil
		}
		return fmt.Errorf("repository: propagating shard count to shard %d: %w", shard, err)
	}
	s.observeShardCount(ctx, ns, entityID, resource, newCount)
	return nil
}

// ApplyAggregatorRefill issues the aggregator's lazy refill write: ADD the
// computed delta to one limit's tk, SET rf to now, conditioned on rf still
// equalling the NewImage's observed value. Uses ADD rather than SET so it
// commutes with a concurrent client consume; the rf condition prevents a
// second aggregator pass (or a client's own refill+consume) from
// double-applying the same refill window. A conditional failure means
// someone else already advanced rf past this point, and is silently
// absorbed.
func (s *Store) ApplyAggregatorRefill(ctx context.Context, ns string, key BucketKey, limitName string, deltaMilli, nowMS, expectedRefill int64) error {
	pk := keyschema.BucketPK(ns, key.EntityID, key.Resource, key.Shard)

	update := expression.Set(expression.Name("rf"), expression.Value(nowMS)).
		Add(expression.Name(keyschema.BucketLimitAttr(limitName, "tk")), expression.Value(deltaMilli))
	cond := expression.Name("rf").Equal(expression.Value(expectedRefill))

	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("repository: building aggregator refill expression: %w", err)
	}

	_, err = s.store.API().UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.store.Table()),
		Key:                       map[string]types.AttributeValue{"PK": strAttr(pk), "SK": strAttr(keyschema.BucketStateSK)},
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		if IsConditionalFailure(err) {
			return nil
		}
		return fmt.Errorf("repository: applying aggregator refill for limit %q: %w", limitName, err)
	}
	return nil
}

// RecordUsage accumulates one window's per-limit consumption into a usage
// snapshot item, creating it on first write. wcu is the caller's
// responsibility to exclude.
func (s *Store) RecordUsage(ctx context.Context, ns, entityID, resource, windowKey string, deltaMilli map[string]int64) error {
	if len(deltaMilli) == 0 {
		return nil
	}

	update := expression.UpdateBuilder{}
	for name, delta := range deltaMilli {
		update = update.Add(expression.Name(keyschema.BucketLimitAttr(name, "tc")), expression.Value(delta))
	}

	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return fmt.Errorf("repository: building usage snapshot expression: %w", err)
	}

	_, err = s.store.API().UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.store.Table()),
		Key: map[string]types.AttributeValue{
			"PK": strAttr(keyschema.UsagePK(ns, entityID)),
			"SK": strAttr(keyschema.UsageSK(resource, windowKey)),
		},
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return fmt.Errorf("repository: recording usage for %s/%s window %s: %w", entityID, resource, windowKey, err)
	}
	return nil
}
