package dynamostore

import (
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Cause classifies a store error at this boundary, and only at this
// boundary — callers above dynamostore must never inspect an AWS error
// type themselves.
type Cause int

const (
	// CauseOther covers anything not classified below: network failures,
	// context deadline exceeded, unexpected AWS errors.
	CauseOther Cause = iota
	// CauseConditionalCheckFailed means a conditional write's condition
	// expression evaluated false (or the item didn't exist, for
	// attribute_exists conditions). The repository further classifies this
	// by inspecting the returned old item.
	CauseConditionalCheckFailed
	// CauseProvisionedThroughputExceeded means the table or GSI exhausted
	// its provisioned write/read capacity.
	CauseProvisionedThroughputExceeded
	// CausePartitionThrottled means on-demand throttling whose reason
	// string identifies a single partition's key-range hot spot, as
	// opposed to account- or table-wide throttling.
	CausePartitionThrottled
	// CauseThrottled is on-demand throttling that did not match the
	// per-partition reason pattern; surfaced as plain unavailability.
	CauseThrottled
)

// perPartitionReasonPattern is the substring DynamoDB's on-demand throttling
// reason carries when the cause is a single partition key-range exceeding
// its share of table throughput, as opposed to account- or table-level
// throttling.
const perPartitionReasonPattern = "Throughput exceeds the current capacity for one or more global secondary indexes"

// perPartitionKeyRangeReason is the reason string DynamoDB uses specifically
// for a hot partition key range on the base table.
const perPartitionKeyRangeReason = "Throughput exceeds the current capacity of your table or index"

// Classify inspects err and returns the Cause the repository's write paths
// branch on.
func Classify(err error) Cause {
	if err == nil {
		return CauseOther
	}

	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return CauseConditionalCheckFailed
	}

	// TransactWriteItems reports any per-item condition failure as a single
	// TransactionCanceledException covering the whole batch; at this
	// boundary we collapse it to the same cause a single-item conditional
	// write would report, since the repository's transactional callers
	// (commit_initial, namespace register/recover) only ever use
	// conditions to guard against a racing creator.
	var cancelled *types.TransactionCanceledException
	if errors.As(err, &cancelled) {
		return CauseConditionalCheckFailed
	}

	var provisionedErr *types.ProvisionedThroughputExceededException
	if errors.As(err, &provisionedErr) {
		return CauseProvisionedThroughputExceeded
	}

	if isThrottlingError(err) {
		var msgErr interface{ ErrorMessage() string }
		if errors.As(err, &msgErr) {
			msg := msgErr.ErrorMessage()
			if strings.Contains(msg, perPartitionReasonPattern) || strings.Contains(msg, perPartitionKeyRangeReason) {
				return CausePartitionThrottled
			}
		}
		return CauseThrottled
	}

	return CauseOther
}

// isThrottlingError reports whether err is DynamoDB's generic on-demand
// throttling exception (distinct from the provisioned-capacity exception,
// which has its own concrete type checked above).
func isThrottlingError(err error) bool {
	var apiErr interface {
		ErrorCode() string
	}
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "ThrottlingException", "RequestLimitExceeded":
		return true
	default:
		return false
	}
}
