package repository

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/tokenshard/limiter/internal/dynamostore"
	"github.com/tokenshard/limiter/internal/dynamotest"
	"github.com/tokenshard/limiter/internal/keyschema"
)

func newTestStore(t *testing.T) (*Store, *dynamotest.Fake) {
	t.Helper()
	fake := dynamotest.New()
	return New(dynamostore.New(fake, "ratelimits")), fake
}

func seedBucket(t *testing.T, fake *dynamotest.Fake, key BucketKey, rpmTokensMilli int64) {
	t.Helper()
	spec := BucketWriteSpec{
		Key:        key,
		NowMS:      1000,
		ShardCount: 1,
		Limits: map[string]LimitState{
			"rpm": {CapacityMilli: 10000, BurstMilli: 10000, RefillMilli: 1000, RefillPeriodMS: 1000},
		},
		Consume: map[string]int64{"rpm": 0, wcuLimit: 0},
	}
	item := EncodeBucketItem(spec)
	// EncodeBucketItem subtracts Consume from full capacity; override tk
	// directly to the scenario's starting balance.
	item[keyschema.BucketLimitAttr("rpm", "tk")] = numAttr(rpmTokensMilli)
	fake.Seed(item)
}

func TestSpeculativeConsumeSuccess(t *testing.T) {
	store, fake := newTestStore(t)
	seedBucket(t, fake, BucketKey{Namespace: "ns1", EntityID: "e1", Resource: "chat", Shard: 0}, 5000)

	result, err := store.SpeculativeConsume(context.Background(), "ns1", "e1", "chat", []ConsumeRequest{{Name: "rpm", Tokens: 1}}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got failure reason %v", result.FailureReason)
	}
	if result.NewTokensMilli["rpm"] != 4000 {
		t.Errorf("rpm tokens after consume = %d, want 4000", result.NewTokensMilli["rpm"])
	}
}

func TestSpeculativeConsumeAppLimitExhausted(t *testing.T) {
	store, fake := newTestStore(t)
	seedBucket(t, fake, BucketKey{Namespace: "ns1", EntityID: "e1", Resource: "chat", Shard: 0}, 500)

	result, err := store.SpeculativeConsume(context.Background(), "ns1", "e1", "chat", []ConsumeRequest{{Name: "rpm", Tokens: 1}}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.FailureReason != FailureAppLimitExhausted {
		t.Errorf("failure reason = %v, want %v", result.FailureReason, FailureAppLimitExhausted)
	}
}

func TestSpeculativeConsumeBucketMissing(t *testing.T) {
	store, _ := newTestStore(t)

	result, err := store.SpeculativeConsume(context.Background(), "ns1", "e1", "chat", []ConsumeRequest{{Name: "rpm", Tokens: 1}}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success || result.FailureReason != FailureBucketMissing {
		t.Errorf("got success=%v reason=%v, want failure BUCKET_MISSING", result.Success, result.FailureReason)
	}
}

func TestSpeculativeConsumeWCUExhausted(t *testing.T) {
	store, fake := newTestStore(t)
	key := BucketKey{Namespace: "ns1", EntityID: "e1", Resource: "chat", Shard: 0}
	seedBucket(t, fake, key, 5000)
	pk := keyschema.BucketPK("ns1", "e1", "chat", 0)
	item, _ := fake.Get(pk, keyschema.BucketStateSK)
	item[keyschema.BucketLimitAttr(wcuLimit, "tk")] = numAttr(0)
	fake.Seed(item)

	result, err := store.SpeculativeConsume(context.Background(), "ns1", "e1", "chat", []ConsumeRequest{{Name: "rpm", Tokens: 1}}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.FailureReason != FailureWCUExhausted {
		t.Errorf("failure reason = %v, want %v", result.FailureReason, FailureWCUExhausted)
	}
}

func TestClassifySpeculativeFailurePartitionThrottled(t *testing.T) {
	store, _ := newTestStore(t)
	err := &smithy.GenericAPIError{
		Code:    "ThrottlingException",
		Message: "Throughput exceeds the current capacity of your table or index.",
	}
	result, classifyErr := store.classifySpeculativeFailure(0, nil, err)
	if classifyErr != nil {
		t.Fatalf("unexpected error: %v", classifyErr)
	}
	if result.Success || result.FailureReason != FailurePartitionThrottled {
		t.Errorf("got success=%v reason=%v, want failure PARTITION_THROTTLED", result.Success, result.FailureReason)
	}
}

func TestClassifySpeculativeFailureProvisionedThroughputExceededIsPartitionThrottled(t *testing.T) {
	store, _ := newTestStore(t)
	err := &types.ProvisionedThroughputExceededException{Message: strPtrForTest("too many writes")}
	result, classifyErr := store.classifySpeculativeFailure(0, nil, err)
	if classifyErr != nil {
		t.Fatalf("unexpected error: %v", classifyErr)
	}
	if result.Success || result.FailureReason != FailurePartitionThrottled {
		t.Errorf("got success=%v reason=%v, want failure PARTITION_THROTTLED so admit.go's shard probe/retry runs on provisioned-capacity throttling too", result.Success, result.FailureReason)
	}
}

func TestClassifySpeculativeFailureGenericThrottleIsUnavailable(t *testing.T) {
	store, _ := newTestStore(t)
	err := &smithy.GenericAPIError{Code: "ThrottlingException", Message: "Rate exceeded"}
	result, classifyErr := store.classifySpeculativeFailure(0, nil, err)
	if classifyErr == nil {
		t.Fatal("expected an error for generic throttling, got a SpeculativeResult instead")
	}
	if result.Success {
		t.Errorf("expected a zero-value result alongside the error")
	}
}

func strPtrForTest(s string) *string { return &s }
