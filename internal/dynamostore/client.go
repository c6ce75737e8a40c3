// Package dynamostore adapts the aws-sdk-go-v2 DynamoDB client to the
// narrow set of operations the repository needs (GetItem, BatchGetItem,
// conditional UpdateItem, PutItem, DeleteItem, TransactWriteItems, Query
// over named GSIs), and classifies store-level errors into the handful of
// causes the repository's write paths care about. Nothing above this
// package ever inspects an AWS SDK error type directly.
package dynamostore

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// API is the subset of *dynamodb.Client the repository depends on. Defining
// it as an interface (rather than taking *dynamodb.Client directly, as the
// teacher's stores take a concrete *pgxpool.Pool) lets tests substitute an
// in-memory fake without a local DynamoDB process.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Store wraps the DynamoDB API with the one table name every operation in
// this module addresses.
type Store struct {
	api   API
	table string
}

// New wraps an already-configured DynamoDB client for the given table.
func New(api API, table string) *Store {
	return &Store{api: api, table: table}
}

// Table returns the backing table name, for callers building raw inputs.
func (s *Store) Table() string { return s.table }

// API returns the underlying client, for callers that need to build inputs
// this wrapper doesn't expose a helper for (e.g. Query against a specific GSI).
func (s *Store) API() API { return s.api }
