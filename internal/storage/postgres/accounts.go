// Package postgres implements the legacy relational account store. It is
// the system of record during the migration window and a fallback read
// path; native transactions give it the guarantees the key-value store has
// to emulate.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/perchmsg/perch/internal/common"
	"github.com/perchmsg/perch/internal/dbx"
	"github.com/perchmsg/perch/internal/model"
	"github.com/perchmsg/perch/internal/storage"
)

type AccountsRepository struct {
	db *sql.DB
}

func NewAccountsRepository(db *sql.DB) *AccountsRepository {
	return &AccountsRepository{db: db}
}

// Create inserts the account, or on a login-handle conflict updates the
// existing row and hands the canonical identity back to the caller: the
// account's UUID and version are overwritten with the stored ones and the
// method reports "not new". One round trip, SERIALIZABLE.
func (r *AccountsRepository) Create(ctx context.Context, account *model.Account, directoryVersion int64) (bool, error) {

	data, err := json.Marshal(account)
	if err != nil {
		return false, fmt.Errorf("encode account: %w", err)
	}

	isNew := false

	err = dbx.WithTx(ctx, r.db, dbx.Serializable, func(ctx context.Context, tx dbx.DBTX) error {

		query :=
			`INSERT INTO accounts (number, uuid, data, version)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (number) DO UPDATE SET data = EXCLUDED.data, version = accounts.version + 1
			 RETURNING uuid, version
			 `

		var storedUUID uuid.UUID
		var storedVersion int
		if err := tx.QueryRowContext(ctx, query,
			account.Login, account.UUID, data, account.Version).Scan(&storedUUID, &storedVersion); err != nil {
			return fmt.Errorf("db error: %w", err)
		}

		isNew = storedUUID == account.UUID
		account.UUID = storedUUID
		account.Version = storedVersion

		return upsertDirectoryVersion(ctx, tx, directoryVersion)
	})
	if err != nil {
		return false, err
	}

	return isNew, nil
}

// Update writes the account conditioned on the stored version matching
// account.Version. Zero affected rows means another writer won the race;
// that surfaces as common.ErrContestedLock and the caller must re-read.
func (r *AccountsRepository) Update(ctx context.Context, account *model.Account) error {

	data, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("encode account: %w", err)
	}

	return dbx.WithTx(ctx, r.db, dbx.Serializable, func(ctx context.Context, tx dbx.DBTX) error {

		query :=
			`UPDATE accounts SET data = $1, version = version + 1
			 WHERE uuid = $2 AND version = $3
			 RETURNING version
			 `

		var newVersion int
		err := tx.QueryRowContext(ctx, query, data, account.UUID, account.Version).Scan(&newVersion)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return common.ErrContestedLock
			}
			return fmt.Errorf("db error: %w", err)
		}

		account.Version = newVersion
		return nil
	})
}

// GetByLogin looks an account up by its login handle.
func (r *AccountsRepository) GetByLogin(ctx context.Context, login string) (*model.Account, error) {
	query :=
		`SELECT number, uuid, data, version FROM accounts
		 WHERE number = $1
		 `
	return r.getOne(ctx, query, login)
}

// GetByUUID looks an account up by UUID.
func (r *AccountsRepository) GetByUUID(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	query :=
		`SELECT number, uuid, data, version FROM accounts
		 WHERE uuid = $1
		 `
	return r.getOne(ctx, query, id)
}

func (r *AccountsRepository) getOne(ctx context.Context, query string, arg any) (*model.Account, error) {
	var (
		number  string
		id      uuid.UUID
		data    []byte
		version int
	)

	err := r.db.QueryRowContext(ctx, query, arg).Scan(&number, &id, &data, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return decodeAccount(number, id, data, version)
}

// Delete removes the account row and records the new directory version.
// Deleting a nonexistent UUID is a no-op.
func (r *AccountsRepository) Delete(ctx context.Context, id uuid.UUID, directoryVersion int64) error {
	return dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE uuid = $1`, id); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		return upsertDirectoryVersion(ctx, tx, directoryVersion)
	})
}

// ScanChunkFromStart returns the first maxCount accounts in UUID order.
func (r *AccountsRepository) ScanChunkFromStart(ctx context.Context, maxCount, pageSize int) (storage.CrawlChunk, error) {
	query :=
		`SELECT number, uuid, data, version FROM accounts
		 ORDER BY uuid
		 LIMIT $1
		 `
	return r.scanChunk(ctx, query, maxCount)
}

// ScanChunkFrom returns up to maxCount accounts with UUID greater than from,
// in UUID order.
func (r *AccountsRepository) ScanChunkFrom(ctx context.Context, from uuid.UUID, maxCount, pageSize int) (storage.CrawlChunk, error) {
	query :=
		`SELECT number, uuid, data, version FROM accounts
		 WHERE uuid > $2
		 ORDER BY uuid
		 LIMIT $1
		 `
	return r.scanChunk(ctx, query, maxCount, from)
}

func (r *AccountsRepository) scanChunk(ctx context.Context, query string, maxCount int, args ...any) (storage.CrawlChunk, error) {
	rows, err := r.db.QueryContext(ctx, query, append([]any{maxCount}, args...)...)
	if err != nil {
		return storage.CrawlChunk{}, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var accounts []*model.Account
	for rows.Next() {
		var (
			number  string
			id      uuid.UUID
			data    []byte
			version int
		)
		if err := rows.Scan(&number, &id, &data, &version); err != nil {
			return storage.CrawlChunk{}, fmt.Errorf("db error: %w", err)
		}
		account, err := decodeAccount(number, id, data, version)
		if err != nil {
			return storage.CrawlChunk{}, err
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return storage.CrawlChunk{}, fmt.Errorf("db error: %w", err)
	}

	chunk := storage.CrawlChunk{Accounts: accounts}
	if len(accounts) > 0 {
		last := accounts[len(accounts)-1].UUID
		chunk.LastUUID = &last
	}
	return chunk, nil
}

func upsertDirectoryVersion(ctx context.Context, tx dbx.DBTX, version int64) error {
	query :=
		`INSERT INTO directory_state (id, version) VALUES (1, $1)
		 ON CONFLICT (id) DO UPDATE SET version = EXCLUDED.version
		 `
	if _, err := tx.ExecContext(ctx, query, version); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func decodeAccount(number string, id uuid.UUID, data []byte, version int) (*model.Account, error) {
	account := &model.Account{}
	if err := json.Unmarshal(data, account); err != nil {
		return nil, fmt.Errorf("decode account %s: %w", id, err)
	}
	// Columns win over whatever the blob carried.
	account.Login = number
	account.UUID = id
	account.Version = version
	return account, nil
}
