package namespace

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/tokenshard/limiter/internal/keyschema"
)

type forwardItem struct {
	PK          string `dynamodbav:"PK"`
	SK          string `dynamodbav:"SK"`
	Name        string `dynamodbav:"name"`
	NamespaceID string `dynamodbav:"namespace_id"`
	Status      string `dynamodbav:"status"`
	CreatedAt   int64  `dynamodbav:"created_at"`
}

type reverseItem struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	ID        string `dynamodbav:"namespace_id"`
	Name      string `dynamodbav:"name"`
	Status    string `dynamodbav:"status"`
	CreatedAt int64  `dynamodbav:"created_at"`
	DeletedAt int64  `dynamodbav:"deleted_at"`
}

func encodeForward(name, id string, status Status, createdAt int64) (map[string]types.AttributeValue, error) {
	item := forwardItem{
		PK:          keyschema.NamespaceRegistryPK,
		SK:          keyschema.NamespaceForwardSK(name),
		Name:        name,
		NamespaceID: id,
		Status:      string(status),
		CreatedAt:   createdAt,
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("namespace: encoding forward record: %w", err)
	}
	return av, nil
}

func decodeForward(item map[string]types.AttributeValue) (Forward, error) {
	var decoded forwardItem
	if err := attributevalue.UnmarshalMap(item, &decoded); err != nil {
		return Forward{}, fmt.Errorf("namespace: decoding forward record: %w", err)
	}
	return Forward{NamespaceID: decoded.NamespaceID, Status: Status(decoded.Status), CreatedAt: decoded.CreatedAt}, nil
}

func encodeReverse(id, name string, status Status, createdAt, deletedAt int64) (map[string]types.AttributeValue, error) {
	item := reverseItem{
		PK:        keyschema.NamespaceRegistryPK,
		SK:        keyschema.NamespaceReverseSK(id),
		ID:        id,
		Name:      name,
		Status:    string(status),
		CreatedAt: createdAt,
		DeletedAt: deletedAt,
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("namespace: encoding reverse record: %w", err)
	}
	return av, nil
}

func decodeReverse(item map[string]types.AttributeValue) (Reverse, error) {
	var decoded reverseItem
	if err := attributevalue.UnmarshalMap(item, &decoded); err != nil {
		return Reverse{}, fmt.Errorf("namespace: decoding reverse record: %w", err)
	}
	return Reverse{Name: decoded.Name, Status: Status(decoded.Status), CreatedAt: decoded.CreatedAt, DeletedAt: decoded.DeletedAt}, nil
}

func keyAV(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}
