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

// GetBuckets discovers every shard belonging to entityID via GSI3 (a
// keys-only query), optionally narrowed to one resource, then batch-fetches
// the full items and decodes them.
func (s *Store) GetBuckets(ctx context.Context, ns, entityID string, resource string) ([]BucketSnapshot, error) {
	keyCond := expression.Key("GSI3PK").Equal(expression.Value(keyschema.GSI3PK(ns, entityID)))
	if resource != "" {
		keyCond = keyCond.And(expression.Key("GSI3SK").BeginsWith(fmt.Sprintf("BUCKET#%s#", resource)))
	}

	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("repository: building bucket discovery query: %w", err)
	}

	out, err := s.store.API().Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.store.Table()),
		IndexName:                 aws.String(keyschema.GSI3Name),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: querying GSI3 for entity %s: %w", entityID, err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}

	keys := make([]map[string]types.AttributeValue, 0, len(out.Items))
	for _, item := range out.Items {
		keys = append(keys, map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]})
	}

	full, err := s.batchGetAll(ctx, keys)
	if err != nil {
		return nil, err
	}

	snapshots := make([]BucketSnapshot, 0, len(full))
	for _, item := range full {
		snap, err := DecodeBucket(item)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}

// batchGetAll fetches every key via BatchGetItem, handling DynamoDB's
// 100-item-per-call limit and re-submitting any UnprocessedKeys.
func (s *Store) batchGetAll(ctx context.Context, keys []map[string]types.AttributeValue) ([]map[string]types.AttributeValue, error) {
	const batchSize = 100
	var results []map[string]types.AttributeValue

	for start := 0; start < len(keys); start += batchSize {
		end := start + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]

		req := map[string]types.KeysAndAttributes{
			s.store.Table(): {Keys: batch},
		}
		for len(req[s.store.Table()].Keys) > 0 {
			out, err := s.store.API().BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: req})
			if err != nil {
				return nil, fmt.Errorf("repository: batch-get buckets: %w", err)
			}
			results = append(results, out.Responses[s.store.Table()]...)

			if len(out.UnprocessedKeys) == 0 {
				break
			}
			req = out.UnprocessedKeys
		}
	}

	return results, nil
}
