// Package keyvalue implements the authoritative account store on a
// distributed key-value store offering only per-item conditional writes.
//
// Three tables are involved: the account table keyed by UUID, a login table
// keyed by login handle that emulates the relational uniqueness constraint,
// and a misc table of named parameters holding the latest directory
// version. The login-handle uniqueness is an intentionally non-atomic
// two-phase emulation with a compensation path, not a transaction.
package keyvalue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/perchmsg/perch/internal/common"
	"github.com/perchmsg/perch/internal/logging"
	"github.com/perchmsg/perch/internal/model"
	"github.com/perchmsg/perch/internal/storage"
)

// Single-letter attribute names keep items small on the wire.
const (
	keyAccountUUID = "U" // uuid, account table primary key
	attrLogin      = "P" // login handle
	attrData       = "D" // account, serialized to JSON
	attrVersion    = "V" // internal version for optimistic locking
	attrVisibility = "VD"

	keyParameterName   = "PN"
	attrParameterValue = "PV"

	directoryVersionParameter = "directory_version"
)

// Accounts is the key-value account store.
type Accounts struct {
	client DynamoDB
	log    logging.Logger

	accountsTable string
	loginsTable   string
	miscTable     string

	retry   *RetryAccounts
	deleted *DeletedAccounts
}

func NewAccounts(client DynamoDB, log logging.Logger, accountsTable, loginsTable, miscTable string,
	retry *RetryAccounts, deleted *DeletedAccounts) *Accounts {
	return &Accounts{
		client:        client,
		log:           log,
		accountsTable: accountsTable,
		loginsTable:   loginsTable,
		miscTable:     miscTable,
		retry:         retry,
		deleted:       deleted,
	}
}

// Create writes the account and its login-handle mapping as two conditional
// writes. If the mapping already points at a different UUID, the caller's
// account adopts the existing identity and the write becomes an Update;
// Create then reports false.
//
// The directory-version side write is best-effort and not atomically
// coupled to the account write. In rare failure windows the recorded
// version can lag by one write; the next crawler-driven rebuild heals it.
func (a *Accounts) Create(ctx context.Context, account *model.Account, directoryVersion int64) (bool, error) {
	timer := prometheus.NewTimer(operationDuration.WithLabelValues("create"))
	defer timer.ObserveDuration()

	data, err := json.Marshal(account)
	if err != nil {
		return false, fmt.Errorf("encode account: %w", err)
	}

	accountPut := &dynamodb.PutItemInput{
		TableName: aws.String(a.accountsTable),
		Item:      accountItem(account, data),
		// The UUID may already exist only if it carries the same login.
		ConditionExpression:      aws.String("attribute_not_exists(#number) OR #number = :number"),
		ExpressionAttributeNames: map[string]string{"#number": attrLogin},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":number": avS(account.Login),
		},
	}

	if _, err := a.client.PutItem(ctx, accountPut); err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return false, fmt.Errorf("%w: uuid %s", common.ErrUniquenessViolation, account.UUID)
		}
		return false, fmt.Errorf("put account: %w", err)
	}

	if _, err := a.client.PutItem(ctx, a.loginConstraintPut(account.Login, account.UUID)); err != nil {
		var (
			ccf *types.ConditionalCheckFailedException
			tc  *types.TransactionConflictException
		)
		switch {
		case errors.As(err, &ccf):
			// The login handle is owned by another UUID: the account is not
			// new. Adopt the existing identity and fall through to update.
			existing, getErr := a.GetByLogin(ctx, account.Login)
			if getErr != nil {
				return false, fmt.Errorf("resolve existing login %q: %w", account.Login, getErr)
			}

			account.UUID = existing.UUID
			account.Version = existing.Version

			if err := a.Update(ctx, account); err != nil {
				return false, err
			}
			return false, nil

		case errors.As(err, &tc):
			// Only expected during concurrent update()s for an account migration.
			return false, common.ErrContestedLock

		default:
			return false, fmt.Errorf("put login constraint: %w", err)
		}
	}

	a.putDirectoryVersion(ctx, directoryVersion)

	return true, nil
}

// Update writes the account conditioned on the stored version matching
// account.Version; on success the stored and in-memory versions advance by
// one. A lost race surfaces as common.ErrContestedLock and is never retried
// here. Any other failure records the UUID for migration retry first,
// because the key-value copy may now be behind the source of truth.
func (a *Accounts) Update(ctx context.Context, account *model.Account) error {
	timer := prometheus.NewTimer(operationDuration.WithLabelValues("update"))
	defer timer.ObserveDuration()

	data, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("encode account: %w", err)
	}

	out, err := a.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(a.accountsTable),
		Key:                 map[string]types.AttributeValue{keyAccountUUID: avUUID(account.UUID)},
		UpdateExpression:    aws.String("SET #data = :data ADD #version :version_increment"),
		ConditionExpression: aws.String("attribute_exists(#number) AND #version = :version"),
		ExpressionAttributeNames: map[string]string{
			"#number":  attrLogin,
			"#data":    attrData,
			"#version": attrVersion,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":data":              avB(data),
			":version":           avN(account.Version),
			":version_increment": avN(1),
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})

	if err != nil {
		var (
			ccf *types.ConditionalCheckFailedException
			tc  *types.TransactionConflictException
		)
		switch {
		case errors.As(err, &tc):
			return common.ErrContestedLock

		case errors.As(err, &ccf):
			// The condition does not say which clause failed, but if the row
			// still exists this was an optimistic locking failure.
			if _, getErr := a.GetByUUID(ctx, account.UUID); getErr == nil {
				return common.ErrContestedLock
			}
			return fmt.Errorf("update account %s: %w", account.UUID, err)

		default:
			// The key-value copy may now lag the source of truth; record the
			// UUID so the migration retry sweep heals it before the next
			// full crawl.
			a.recordForRetry(ctx, account.UUID)
			return fmt.Errorf("update account %s: %w", account.UUID, err)
		}
	}

	if v, ok := attrInt(out.Attributes, attrVersion); ok {
		account.Version = v
	} else {
		account.Version = account.Version + 1
	}

	return nil
}

// GetByLogin resolves the login handle to a UUID, then reads the account
// with a strongly consistent read.
func (a *Accounts) GetByLogin(ctx context.Context, login string) (*model.Account, error) {
	timer := prometheus.NewTimer(operationDuration.WithLabelValues("get_by_login"))
	defer timer.ObserveDuration()

	out, err := a.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(a.loginsTable),
		Key:       map[string]types.AttributeValue{attrLogin: avS(login)},
	})
	if err != nil {
		return nil, fmt.Errorf("get login %q: %w", login, err)
	}
	if len(out.Item) == 0 {
		return nil, common.ErrNotFound
	}

	id, err := attrUUID(out.Item, keyAccountUUID)
	if err != nil {
		return nil, fmt.Errorf("login %q: %w", login, err)
	}

	return a.GetByUUID(ctx, id)
}

// GetByUUID reads the account row with a strongly consistent read.
func (a *Accounts) GetByUUID(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	timer := prometheus.NewTimer(operationDuration.WithLabelValues("get_by_uuid"))
	defer timer.ObserveDuration()

	out, err := a.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(a.accountsTable),
		Key:            map[string]types.AttributeValue{keyAccountUUID: avUUID(id)},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	if len(out.Item) == 0 {
		return nil, common.ErrNotFound
	}

	return fromItem(out.Item)
}

// Delete removes the account and login rows and bumps the directory-version
// record. The UUID is noted in the deleted-accounts set first so an
// in-flight migration cannot resurrect the account. Deleting a nonexistent
// UUID is a no-op.
func (a *Accounts) Delete(ctx context.Context, id uuid.UUID, directoryVersion int64) error {
	timer := prometheus.NewTimer(operationDuration.WithLabelValues("delete"))
	defer timer.ObserveDuration()

	return a.delete(ctx, id, true, directoryVersion, true)
}

// DeleteInvalidMigration removes an account that should never have been
// migrated, without touching the deleted-accounts set or the directory
// version.
func (a *Accounts) DeleteInvalidMigration(ctx context.Context, id uuid.UUID) error {
	timer := prometheus.NewTimer(operationDuration.WithLabelValues("delete"))
	defer timer.ObserveDuration()

	return a.delete(ctx, id, false, 0, false)
}

func (a *Accounts) delete(ctx context.Context, id uuid.UUID, recordDeleted bool, directoryVersion int64, updateDirectoryVersion bool) error {
	if recordDeleted {
		if err := a.deleted.Put(ctx, id); err != nil {
			return fmt.Errorf("record deleted account %s: %w", id, err)
		}
	}

	account, err := a.GetByUUID(ctx, id)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil
		}
		return err
	}

	if _, err := a.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(a.loginsTable),
		Key:       map[string]types.AttributeValue{attrLogin: avS(account.Login)},
	}); err != nil {
		return fmt.Errorf("delete login %q: %w", account.Login, err)
	}

	if _, err := a.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(a.accountsTable),
		Key:       map[string]types.AttributeValue{keyAccountUUID: avUUID(id)},
	}); err != nil {
		return fmt.Errorf("delete account %s: %w", id, err)
	}

	if updateDirectoryVersion {
		a.putDirectoryVersion(ctx, directoryVersion)
	}

	return nil
}

// ScanChunkFromStart starts a paginated full-table scan.
func (a *Accounts) ScanChunkFromStart(ctx context.Context, maxCount, pageSize int) (storage.CrawlChunk, error) {
	timer := prometheus.NewTimer(operationDuration.WithLabelValues("scan_from_start"))
	defer timer.ObserveDuration()

	return a.scanChunk(ctx, nil, maxCount, pageSize)
}

// ScanChunkFrom resumes a paginated full-table scan after the given UUID.
func (a *Accounts) ScanChunkFrom(ctx context.Context, from uuid.UUID, maxCount, pageSize int) (storage.CrawlChunk, error) {
	timer := prometheus.NewTimer(operationDuration.WithLabelValues("scan_from_offset"))
	defer timer.ObserveDuration()

	start := map[string]types.AttributeValue{keyAccountUUID: avUUID(from)}
	return a.scanChunk(ctx, start, maxCount, pageSize)
}

func (a *Accounts) scanChunk(ctx context.Context, startKey map[string]types.AttributeValue, maxCount, pageSize int) (storage.CrawlChunk, error) {
	var accounts []*model.Account

	for len(accounts) < maxCount {
		out, err := a.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(a.accountsTable),
			Limit:             aws.Int32(int32(pageSize)),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return storage.CrawlChunk{}, fmt.Errorf("scan accounts: %w", err)
		}

		for _, item := range out.Items {
			account, err := fromItem(item)
			if err != nil {
				return storage.CrawlChunk{}, err
			}
			accounts = append(accounts, account)
			if len(accounts) == maxCount {
				break
			}
		}

		if out.LastEvaluatedKey == nil {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	chunk := storage.CrawlChunk{Accounts: accounts}
	if len(accounts) > 0 {
		last := accounts[len(accounts)-1].UUID
		chunk.LastUUID = &last
	}
	return chunk, nil
}

// MigrateAccount copies one account from the relational store, conditioned
// so that an already-migrated equal-or-newer copy wins. Returns false when
// the account was already migrated (skipped, not an error). Any other
// failure records the UUID for retry before returning.
func (a *Accounts) MigrateAccount(ctx context.Context, account *model.Account) (bool, error) {
	data, err := json.Marshal(account)
	if err != nil {
		return false, fmt.Errorf("encode account: %w", err)
	}

	accountPut := &dynamodb.PutItemInput{
		TableName:           aws.String(a.accountsTable),
		Item:                accountItem(account, data),
		ConditionExpression: aws.String("attribute_not_exists(#uuid) OR (attribute_exists(#uuid) AND #version < :version)"),
		ExpressionAttributeNames: map[string]string{
			"#uuid":    keyAccountUUID,
			"#version": attrVersion,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":version": avN(account.Version),
		},
	}

	migrated := true

	for _, put := range []*dynamodb.PutItemInput{accountPut, a.loginConstraintPut(account.Login, account.UUID)} {
		if _, err := a.client.PutItem(ctx, put); err != nil {
			var ccf *types.ConditionalCheckFailedException
			if errors.As(err, &ccf) {
				// Already migrated at an equal-or-newer version.
				migrated = false
				continue
			}
			a.recordForRetry(ctx, account.UUID)
			return false, fmt.Errorf("migrate account %s: %w", account.UUID, err)
		}
	}

	return migrated, nil
}

// DeleteRecentlyDeleted re-applies deletes recorded while migration was in
// flight, so deletions always win over stale re-migrations, then clears the
// processed records.
func (a *Accounts) DeleteRecentlyDeleted(ctx context.Context) error {
	timer := prometheus.NewTimer(operationDuration.WithLabelValues("delete_recently_deleted"))
	defer timer.ObserveDuration()

	ids, err := a.deleted.List(ctx)
	if err != nil {
		return fmt.Errorf("list deleted accounts: %w", err)
	}

	for _, id := range ids {
		if err := a.delete(ctx, id, false, 0, false); err != nil {
			return err
		}
	}

	return a.deleted.Delete(ctx, ids)
}

// GetDirectoryVersion reads the latest recorded directory version from the
// misc table; absence means 0.
func (a *Accounts) GetDirectoryVersion(ctx context.Context) (int64, error) {
	out, err := a.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(a.miscTable),
		Key:       map[string]types.AttributeValue{keyParameterName: avS(directoryVersionParameter)},
	})
	if err != nil {
		return 0, fmt.Errorf("get directory version: %w", err)
	}
	if len(out.Item) == 0 {
		return 0, nil
	}

	s, ok := attrString(out.Item, attrParameterValue)
	if !ok {
		return 0, fmt.Errorf("directory version parameter malformed")
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("directory version parameter: %w", err)
	}
	return v, nil
}

func (a *Accounts) loginConstraintPut(login string, id uuid.UUID) *dynamodb.PutItemInput {
	return &dynamodb.PutItemInput{
		TableName: aws.String(a.loginsTable),
		Item: map[string]types.AttributeValue{
			attrLogin:      avS(login),
			keyAccountUUID: avUUID(id),
		},
		ConditionExpression: aws.String("attribute_not_exists(#number) OR (attribute_exists(#number) AND #uuid = :uuid)"),
		ExpressionAttributeNames: map[string]string{
			"#uuid":   keyAccountUUID,
			"#number": attrLogin,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uuid": avUUID(id),
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	}
}

func (a *Accounts) putDirectoryVersion(ctx context.Context, version int64) {
	_, err := a.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(a.miscTable),
		Item: map[string]types.AttributeValue{
			keyParameterName:   avS(directoryVersionParameter),
			attrParameterValue: avS(strconv.FormatInt(version, 10)),
		},
	})
	if err != nil {
		a.log.Warn(ctx, "could not record directory version", "version", version, "error", err)
	}
}

func (a *Accounts) recordForRetry(ctx context.Context, id uuid.UUID) {
	if err := a.retry.Put(ctx, id); err != nil {
		a.log.Error(ctx, "could not record account for migration retry", "uuid", id, "error", err)
	}
}

func accountItem(account *model.Account, data []byte) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		keyAccountUUID: avUUID(account.UUID),
		attrLogin:      avS(account.Login),
		attrVisibility: avS("default"),
		attrData:       avB(data),
		attrVersion:    avN(account.Version),
	}
}

func fromItem(item map[string]types.AttributeValue) (*model.Account, error) {
	data, ok := attrBytes(item, attrData)
	if !ok {
		return nil, fmt.Errorf("account item missing data attribute")
	}

	account := &model.Account{}
	if err := json.Unmarshal(data, account); err != nil {
		return nil, fmt.Errorf("decode stored account: %w", err)
	}

	login, ok := attrString(item, attrLogin)
	if !ok {
		return nil, fmt.Errorf("account item missing login attribute")
	}
	account.Login = login

	id, err := attrUUID(item, keyAccountUUID)
	if err != nil {
		return nil, fmt.Errorf("account item: %w", err)
	}
	account.UUID = id

	version, ok := attrInt(item, attrVersion)
	if !ok {
		return nil, fmt.Errorf("account item missing version attribute")
	}
	account.Version = version

	return account, nil
}
