package repository

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/tokenshard/limiter/internal/dynamostore"
	"github.com/tokenshard/limiter/internal/keyschema"
)

// SpeculativeConsume performs the single-round-trip fast-path admission
// attempt for one bucket shard: a conditional ADD that debits every named
// limit and wcu in one UpdateItem call. shardCountHint selects the shard
// population to draw from (the cached shard count; 0 or negative is
// treated as 1). The shard itself is drawn uniformly at random.
func (s *Store) SpeculativeConsume(ctx context.Context, ns, entityID, resource string, consume []ConsumeRequest, shardCountHint int) (SpeculativeResult, error) {
	if shardCountHint <= 0 {
		shardCountHint = 1
	}
	return s.SpeculativeConsumeOnShard(ctx, ns, entityID, resource, consume, rand.Intn(shardCountHint))
}

// SpeculativeConsumeOnShard is SpeculativeConsume for a caller-chosen shard,
// used by the admission engine's app-limit-exhausted retry ("retry on a
// different shard, uniform over the untried set") where the caller must
// control which shard is drawn next.
func (s *Store) SpeculativeConsumeOnShard(ctx context.Context, ns, entityID, resource string, consume []ConsumeRequest, shardID int) (SpeculativeResult, error) {
	pk := keyschema.BucketPK(ns, entityID, resource, shardID)

	update := expression.UpdateBuilder{}
	cond := expression.ConditionBuilder{}
	first := true

	addClause := func(name string, consumedMilli int64) {
		update = update.
			Add(expression.Name(keyschema.BucketLimitAttr(name, "tk")), expression.Value(-consumedMilli)).
			Add(expression.Name(keyschema.BucketLimitAttr(name, "tc")), expression.Value(consumedMilli))

		c := expression.Name(keyschema.BucketLimitAttr(name, "tk")).GreaterThanEqual(expression.Value(consumedMilli))
		if first {
			cond = c
			first = false
		} else {
			cond = cond.And(c)
		}
	}

	for _, req := range consume {
		addClause(req.Name, req.Tokens*1000)
	}
	addClause(wcuLimit, 1000)

	cond = expression.Name("PK").AttributeExists().And(cond)

	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return SpeculativeResult{}, fmt.Errorf("repository: building speculative consume expression: %w", err)
	}

	out, err := s.store.API().UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                          aws.String(s.store.Table()),
		Key:                                map[string]types.AttributeValue{"PK": strAttr(pk), "SK": strAttr(keyschema.BucketStateSK)},
		UpdateExpression:                   expr.Update(),
		ConditionExpression:                expr.Condition(),
		ExpressionAttributeNames:           expr.Names(),
		ExpressionAttributeValues:          expr.Values(),
		ReturnValues:                       types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		return s.classifySpeculativeFailure(shardID, consume, err)
	}

	snap, decErr := DecodeBucket(out.Attributes)
	if decErr != nil {
		return SpeculativeResult{}, fmt.Errorf("repository: decoding speculative consume result: %w", decErr)
	}

	newTokens := make(map[string]int64, len(consume))
	for _, req := range consume {
		if ls, ok := snap.Limits[req.Name]; ok {
			newTokens[req.Name] = ls.TokensMilli
		}
	}

	return SpeculativeResult{
		Success:        true,
		ShardID:        shardID,
		ShardCount:     snap.ShardCount,
		Cascade:        snap.Cascade,
		ParentID:       snap.ParentID,
		NewTokensMilli: newTokens,
	}, nil
}

func (s *Store) classifySpeculativeFailure(shardID int, consume []ConsumeRequest, err error) (SpeculativeResult, error) {
	cause := dynamostore.Classify(err)
	switch cause {
	case dynamostore.CausePartitionThrottled, dynamostore.CauseProvisionedThroughputExceeded:
		return SpeculativeResult{ShardID: shardID, FailureReason: FailurePartitionThrottled}, nil
	case dynamostore.CauseThrottled:
		return SpeculativeResult{}, fmt.Errorf("repository: store unavailable during speculative consume: %w", err)
	case dynamostore.CauseConditionalCheckFailed:
		return s.classifyConditionalFailure(shardID, consume, err)
	default:
		return SpeculativeResult{}, fmt.Errorf("repository: speculative consume failed: %w", err)
	}
}

func (s *Store) classifyConditionalFailure(shardID int, consume []ConsumeRequest, err error) (SpeculativeResult, error) {
	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) || ccf.Item == nil {
		return SpeculativeResult{ShardID: shardID, FailureReason: FailureBucketMissing}, nil
	}

	snap, decErr := DecodeBucket(ccf.Item)
	if decErr != nil {
		return SpeculativeResult{}, fmt.Errorf("repository: decoding old image on conditional failure: %w", decErr)
	}

	appExhausted := false
	for _, req := range consume {
		ls, ok := snap.Limits[req.Name]
		if !ok || ls.TokensMilli < req.Tokens*1000 {
			appExhausted = true
			break
		}
	}
	wcuExhausted := snap.Limits[wcuLimit].TokensMilli < 1000

	var reason FailureReason
	switch {
	case appExhausted && wcuExhausted:
		reason = FailureBothExhausted
	case wcuExhausted:
		reason = FailureWCUExhausted
	default:
		reason = FailureAppLimitExhausted
	}

	return SpeculativeResult{
		ShardID:       shardID,
		ShardCount:    snap.ShardCount,
		Cascade:       snap.Cascade,
		ParentID:      snap.ParentID,
		FailureReason: reason,
	}, nil
}
