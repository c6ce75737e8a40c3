// Package aggregator implements the stream aggregator: the
// batch processor that consumes a change-stream batch of bucket item
// modifications and performs the three things no admission request ever
// has time to do inline — proactive sharding, shard-count propagation to
// new shards, and lazy token refill so a bucket's balance stays current
// even when nobody is actively consuming it.
package aggregator

import (
	"github.com/tokenshard/limiter/internal/dynamostore"
)

// ChangeRecord is one change-stream record, decoupled from any particular
// wire transport (Lambda event source mapping, a Kinesis adapter, or a
// hand-built record in a test all produce this same shape). It is exactly
// dynamostore's StreamRecord: NewImage/OldImage use the same AttributeValue
// type the repository package's own codecs operate on, so DecodeBucket
// applies directly without a second conversion.
type ChangeRecord = dynamostore.StreamRecord

// BatchResult is the outcome of one ProcessBatch call. Each of the six
// aggregation steps is best-effort and error-collecting rather than
// all-or-nothing, so a single bad record never aborts the rest of the batch.
type BatchResult struct {
	RefillsWritten     int
	ShardsDoubled      int
	ShardsPropagated   int
	UsageSnapshots     int
	AlertsRaised       int
	Errors             []error
}
