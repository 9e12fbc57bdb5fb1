package keyvalue

import (
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// Attribute helpers for the compact single-letter schema.

func avS(s string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s}
}

func avB(b []byte) types.AttributeValue {
	return &types.AttributeValueMemberB{Value: b}
}

func avN(n int) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
}

func avUUID(id uuid.UUID) types.AttributeValue {
	b := id
	return &types.AttributeValueMemberB{Value: b[:]}
}

func attrString(item map[string]types.AttributeValue, name string) (string, bool) {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value, true
	}
	return "", false
}

func attrBytes(item map[string]types.AttributeValue, name string) ([]byte, bool) {
	if v, ok := item[name].(*types.AttributeValueMemberB); ok {
		return v.Value, true
	}
	return nil, false
}

func attrInt(item map[string]types.AttributeValue, name string) (int, bool) {
	v, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v.Value)
	if err != nil {
		return 0, false
	}
	return n, true
}

func attrUUID(item map[string]types.AttributeValue, name string) (uuid.UUID, error) {
	b, ok := attrBytes(item, name)
	if !ok {
		return uuid.Nil, fmt.Errorf("attribute %s missing or not binary", name)
	}
	return uuid.FromBytes(b)
}
