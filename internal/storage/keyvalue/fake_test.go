package keyvalue

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamo is an in-memory DynamoDB implementing just enough of the
// conditional-write semantics the stores rely on: per-item conditions, the
// SET/ADD update expression, and paginated scans. It is deliberately keyed
// on the literal condition expressions the production code issues, so a
// changed expression fails tests instead of silently passing.
type fakeDynamo struct {
	mu sync.Mutex

	// table -> primary key attribute name
	keyAttr map[string]string
	// table -> encoded key -> item
	tables map[string]map[string]map[string]types.AttributeValue

	// error injection, keyed by table
	putErr    map[string]error
	updateErr error
	scanErr   error
}

func newFakeDynamo(keyAttr map[string]string) *fakeDynamo {
	tables := make(map[string]map[string]map[string]types.AttributeValue, len(keyAttr))
	for table := range keyAttr {
		tables[table] = map[string]map[string]types.AttributeValue{}
	}
	return &fakeDynamo{
		keyAttr: keyAttr,
		tables:  tables,
		putErr:  map[string]error{},
	}
}

func encodeKey(v types.AttributeValue) string {
	switch av := v.(type) {
	case *types.AttributeValueMemberS:
		return "s:" + av.Value
	case *types.AttributeValueMemberB:
		return "b:" + string(av.Value)
	case *types.AttributeValueMemberN:
		return "n:" + av.Value
	default:
		return ""
	}
}

func sameValue(a, b types.AttributeValue) bool {
	return encodeKey(a) == encodeKey(b)
}

func numeric(v types.AttributeValue) int {
	if n, ok := v.(*types.AttributeValueMemberN); ok {
		i, _ := strconv.Atoi(n.Value)
		return i
	}
	return 0
}

func (f *fakeDynamo) item(table string, key types.AttributeValue) map[string]types.AttributeValue {
	return f.tables[table][encodeKey(key)]
}

func (f *fakeDynamo) checkPutCondition(existing map[string]types.AttributeValue, in *dynamodb.PutItemInput) bool {
	if in.ConditionExpression == nil {
		return true
	}
	switch *in.ConditionExpression {
	case "attribute_not_exists(#number) OR #number = :number":
		return existing == nil || sameValue(existing[attrLogin], in.ExpressionAttributeValues[":number"])
	case "attribute_not_exists(#number) OR (attribute_exists(#number) AND #uuid = :uuid)":
		return existing == nil || sameValue(existing[keyAccountUUID], in.ExpressionAttributeValues[":uuid"])
	case "attribute_not_exists(#uuid) OR (attribute_exists(#uuid) AND #version < :version)":
		return existing == nil || numeric(existing[attrVersion]) < numeric(in.ExpressionAttributeValues[":version"])
	default:
		panic("fakeDynamo: unknown put condition " + *in.ConditionExpression)
	}
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	table := *in.TableName
	if err := f.putErr[table]; err != nil {
		return nil, err
	}

	keyName := f.keyAttr[table]
	existing := f.item(table, in.Item[keyName])
	if !f.checkPutCondition(existing, in) {
		return nil, &types.ConditionalCheckFailedException{}
	}

	f.tables[table][encodeKey(in.Item[keyName])] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	table := *in.TableName
	keyName := f.keyAttr[table]
	item := f.item(table, in.Key[keyName])
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeDynamo) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.updateErr != nil {
		return nil, f.updateErr
	}

	table := *in.TableName
	keyName := f.keyAttr[table]
	item := f.item(table, in.Key[keyName])

	// Condition: attribute_exists(#number) AND #version = :version
	if item == nil || numeric(item[attrVersion]) != numeric(in.ExpressionAttributeValues[":version"]) {
		return nil, &types.ConditionalCheckFailedException{}
	}

	// Update expression: SET #data = :data ADD #version :version_increment
	item[attrData] = in.ExpressionAttributeValues[":data"]
	newVersion := numeric(item[attrVersion]) + numeric(in.ExpressionAttributeValues[":version_increment"])
	item[attrVersion] = &types.AttributeValueMemberN{Value: strconv.Itoa(newVersion)}

	return &dynamodb.UpdateItemOutput{Attributes: map[string]types.AttributeValue{
		attrData:    item[attrData],
		attrVersion: item[attrVersion],
	}}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	table := *in.TableName
	keyName := f.keyAttr[table]
	delete(f.tables[table], encodeKey(in.Key[keyName]))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.scanErr != nil {
		return nil, f.scanErr
	}

	table := *in.TableName
	keyName := f.keyAttr[table]

	keys := make([]string, 0, len(f.tables[table]))
	for k := range f.tables[table] {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	start := 0
	if in.ExclusiveStartKey != nil {
		after := encodeKey(in.ExclusiveStartKey[keyName])
		for i, k := range keys {
			if k > after {
				start = i
				break
			}
			start = i + 1
		}
	}

	limit := len(keys)
	if in.Limit != nil && int(*in.Limit) < limit {
		limit = int(*in.Limit)
	}

	out := &dynamodb.ScanOutput{}
	for i := start; i < len(keys) && len(out.Items) < limit; i++ {
		out.Items = append(out.Items, f.tables[table][keys[i]])
	}

	if n := start + len(out.Items); n < len(keys) && len(out.Items) > 0 {
		lastItem := out.Items[len(out.Items)-1]
		out.LastEvaluatedKey = map[string]types.AttributeValue{keyName: lastItem[keyName]}
	}

	return out, nil
}
