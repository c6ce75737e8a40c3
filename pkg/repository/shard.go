package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/tokenshard/limiter/internal/keyschema"
)

// BumpShardCount doubles shard 0's authoritative shard_count, conditioned
// on the caller's observed current value. Idempotent under races: a
// conditional failure means another writer already doubled, and the caller
// should adopt whatever value is now current rather than treat this as an
// error.
func (s *Store) BumpShardCount(ctx context.Context, ns, entityID, resource string, current int) (newCount int, bumped bool, err error) {
	pk := keyschema.BucketPK(ns, entityID, resource, 0)
	next := current * 2

	update := expression.Set(expression.Name("shard_count"), expression.Value(next))
	cond := expression.Name("shard_count").Equal(expression.Value(current))

	expr, buildErr := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if buildErr != nil {
		return 0, false, fmt.Errorf("repository: building shard bump expression: %w", buildErr)
	}

	out, updErr := s.store.API().UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                          aws.String(s.store.Table()),
		Key:                                 map[string]types.AttributeValue{"PK": strAttr(pk), "SK": strAttr(keyschema.BucketStateSK)},
		UpdateExpression:                    expr.Update(),
		ConditionExpression:                 expr.Condition(),
		ExpressionAttributeNames:            expr.Names(),
		ExpressionAttributeValues:           expr.Values(),
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if updErr != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(updErr, &ccf) && ccf.Item != nil {
			if observed, ok := parseNum(ccf.Item["shard_count"]); ok {
				s.observeShardCount(ctx, ns, entityID, resource, int(observed))
				return int(observed), false, nil
			}
		}
		return 0, false, fmt.Errorf("repository: bumping shard count: %w", updErr)
	}

	s.observeShardCount(ctx, ns, entityID, resource, next)
	_ = out
	return next, true, nil
}
