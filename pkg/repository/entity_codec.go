package repository

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/tokenshard/limiter/internal/keyschema"
)

// entityMetaItem is the static-shape wire record for an entity's #META
// item, marshaled/unmarshaled via attributevalue since its attribute set
// never varies per-caller the way a bucket's per-limit fields do.
type entityMetaItem struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	EntityID  string `dynamodbav:"entity_id"`
	ParentID  string `dynamodbav:"parent_id"`
	Cascade   bool   `dynamodbav:"cascade"`
	CreatedAt int64  `dynamodbav:"created_at"`
	GSI1PK    string `dynamodbav:"GSI1PK,omitempty"`
	GSI1SK    string `dynamodbav:"GSI1SK,omitempty"`
	GSI4PK    string `dynamodbav:"GSI4PK"`
	GSI4SK    string `dynamodbav:"GSI4SK"`
}

// EncodeEntityMeta builds the attribute map for a new entity's #META item.
func EncodeEntityMeta(ns string, meta EntityMeta) (map[string]types.AttributeValue, error) {
	pk := keyschema.EntityPK(ns, meta.EntityID)
	item := entityMetaItem{
		PK:        pk,
		SK:        keyschema.EntityMetaSK,
		EntityID:  meta.EntityID,
		ParentID:  meta.ParentID,
		Cascade:   meta.Cascade,
		CreatedAt: meta.CreatedAt,
		GSI4PK:    keyschema.GSI4PK(ns),
		GSI4SK:    pk,
	}
	if meta.ParentID != "" {
		item.GSI1PK = keyschema.GSI1PK(ns, meta.ParentID)
		item.GSI1SK = item.PK
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("repository: encoding entity meta: %w", err)
	}
	return av, nil
}

// DecodeEntityMeta parses a raw #META item back into an EntityMeta.
func DecodeEntityMeta(item map[string]types.AttributeValue) (EntityMeta, error) {
	var decoded entityMetaItem
	if err := attributevalue.UnmarshalMap(item, &decoded); err != nil {
		return EntityMeta{}, fmt.Errorf("repository: decoding entity meta: %w", err)
	}
	return EntityMeta{
		EntityID:  decoded.EntityID,
		ParentID:  decoded.ParentID,
		Cascade:   decoded.Cascade,
		CreatedAt: decoded.CreatedAt,
	}, nil
}
