package aggregator

import (
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// StreamEvent is the JSON shape of a DynamoDB Streams record batch as
// delivered through the Lambda event source mapping. It mirrors only the
// scalar attribute types the bucket codec ever writes (S, N, BOOL, NULL);
// list/map/set/binary attributes never appear on a bucket item and are
// dropped rather than translated.
type StreamEvent struct {
	Records []StreamEventRecord `json:"Records"`
}

// StreamEventRecord is one entry in a StreamEvent.
type StreamEventRecord struct {
	EventName string `json:"eventName"`
	Change    struct {
		NewImage map[string]rawAttr `json:"NewImage"`
		OldImage map[string]rawAttr `json:"OldImage"`
	} `json:"dynamodb"`
}

type rawAttr struct {
	S    *string `json:"S,omitempty"`
	N    *string `json:"N,omitempty"`
	BOOL *bool   `json:"BOOL,omitempty"`
	NULL *bool   `json:"NULL,omitempty"`
}

func (r rawAttr) toAttributeValue() (ddbtypes.AttributeValue, bool) {
	switch {
	case r.S != nil:
		return &ddbtypes.AttributeValueMemberS{Value: *r.S}, true
	case r.N != nil:
		return &ddbtypes.AttributeValueMemberN{Value: *r.N}, true
	case r.BOOL != nil:
		return &ddbtypes.AttributeValueMemberBOOL{Value: *r.BOOL}, true
	case r.NULL != nil && *r.NULL:
		return &ddbtypes.AttributeValueMemberNULL{Value: true}, true
	default:
		return nil, false
	}
}

// ToChangeRecords converts a decoded StreamEvent into the aggregator's
// transport-neutral ChangeRecord shape.
func ToChangeRecords(event StreamEvent) []ChangeRecord {
	out := make([]ChangeRecord, 0, len(event.Records))
	for _, r := range event.Records {
		out = append(out, ChangeRecord{
			EventName: r.EventName,
			NewImage:  convertImage(r.Change.NewImage),
			OldImage:  convertImage(r.Change.OldImage),
		})
	}
	return out
}

func convertImage(image map[string]rawAttr) map[string]ddbtypes.AttributeValue {
	if len(image) == 0 {
		return nil
	}
	out := make(map[string]ddbtypes.AttributeValue, len(image))
	for name, attr := range image {
		if av, ok := attr.toAttributeValue(); ok {
			out[name] = av
		}
	}
	return out
}
