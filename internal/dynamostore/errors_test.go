package dynamostore

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

func TestClassifyConditionalCheckFailed(t *testing.T) {
	err := &types.ConditionalCheckFailedException{Message: strPtr("condition failed")}
	if got := Classify(err); got != CauseConditionalCheckFailed {
		t.Errorf("Classify() = %v, want CauseConditionalCheckFailed", got)
	}
}

func TestClassifyProvisionedThroughputExceeded(t *testing.T) {
	err := &types.ProvisionedThroughputExceededException{Message: strPtr("too many writes")}
	if got := Classify(err); got != CauseProvisionedThroughputExceeded {
		t.Errorf("Classify() = %v, want CauseProvisionedThroughputExceeded", got)
	}
}

func TestClassifyPartitionThrottled(t *testing.T) {
	err := &smithy.GenericAPIError{
		Code:    "ThrottlingException",
		Message: "Throughput exceeds the current capacity of your table or index. " + perPartitionKeyRangeReason,
	}
	if got := Classify(err); got != CausePartitionThrottled {
		t.Errorf("Classify() = %v, want CausePartitionThrottled", got)
	}
}

func TestClassifyGenericThrottled(t *testing.T) {
	err := &smithy.GenericAPIError{
		Code:    "ThrottlingException",
		Message: "Rate exceeded",
	}
	if got := Classify(err); got != CauseThrottled {
		t.Errorf("Classify() = %v, want CauseThrottled", got)
	}
}

func TestClassifyOther(t *testing.T) {
	err := errors.New("network timeout")
	if got := Classify(err); got != CauseOther {
		t.Errorf("Classify() = %v, want CauseOther", got)
	}
}

func TestClassifyWrappedError(t *testing.T) {
	inner := &types.ConditionalCheckFailedException{Message: strPtr("condition failed")}
	wrapped := fmt.Errorf("updating item: %w", inner)
	if got := Classify(wrapped); got != CauseConditionalCheckFailed {
		t.Errorf("Classify() = %v, want CauseConditionalCheckFailed for wrapped error", got)
	}
}

func strPtr(s string) *string { return &s }
