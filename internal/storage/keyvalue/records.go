package keyvalue

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// uuidTable is a tiny keyed set of account UUIDs with bulk list and bulk
// delete, backing the migration bookkeeping tables.
type uuidTable struct {
	client DynamoDB
	table  string
}

func (t *uuidTable) Put(ctx context.Context, id uuid.UUID) error {
	_, err := t.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(t.table),
		Item:      map[string]types.AttributeValue{keyAccountUUID: avUUID(id)},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", t.table, err)
	}
	return nil
}

func (t *uuidTable) List(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	var startKey map[string]types.AttributeValue

	for {
		out, err := t.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(t.table),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", t.table, err)
		}

		for _, item := range out.Items {
			id, err := attrUUID(item, keyAccountUUID)
			if err != nil {
				return nil, fmt.Errorf("%s item: %w", t.table, err)
			}
			ids = append(ids, id)
		}

		if out.LastEvaluatedKey == nil {
			return ids, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func (t *uuidTable) Delete(ctx context.Context, ids []uuid.UUID) error {
	for _, id := range ids {
		_, err := t.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(t.table),
			Key:       map[string]types.AttributeValue{keyAccountUUID: avUUID(id)},
		})
		if err != nil {
			return fmt.Errorf("delete %s: %w", t.table, err)
		}
	}
	return nil
}

// RetryAccounts records accounts whose key-value write failed, so a later
// sweep re-migrates them. Records are consumed once the retry succeeds.
type RetryAccounts struct {
	uuidTable
}

func NewRetryAccounts(client DynamoDB, table string) *RetryAccounts {
	return &RetryAccounts{uuidTable{client: client, table: table}}
}

// DeletedAccounts records accounts deleted while migration was in flight,
// so a stale re-migration can never resurrect them. Records are consumed
// once the delete has been re-applied.
type DeletedAccounts struct {
	uuidTable
}

func NewDeletedAccounts(client DynamoDB, table string) *DeletedAccounts {
	return &DeletedAccounts{uuidTable{client: client, table: table}}
}
