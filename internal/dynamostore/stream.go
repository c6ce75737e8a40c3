package dynamostore

import "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

// StreamRecord is a minimal local shape for one DynamoDB Streams record,
// deliberately independent of the Lambda events package: packaging and
// Lambda wiring are out of scope for this module, so the aggregator only
// needs the event name plus the two item images, both already in the SDK's
// native typed-attribute format.
type StreamRecord struct {
	EventName string // "INSERT", "MODIFY", "REMOVE"
	NewImage  map[string]types.AttributeValue
	OldImage  map[string]types.AttributeValue
}

// StreamBatch is an ordered slice of records delivered to the aggregator in
// one invocation.
type StreamBatch []StreamRecord
