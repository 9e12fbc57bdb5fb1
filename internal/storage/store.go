// Package storage defines the contract shared by the account stores. The
// relational implementation lives in storage/postgres, the key-value one in
// storage/keyvalue; no component mutates account rows except through these.
package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/perchmsg/perch/internal/model"
)

// CrawlChunk is one page of a full-table scan. LastUUID is the cursor for
// the next call; nil means the table is exhausted.
type CrawlChunk struct {
	Accounts []*model.Account
	LastUUID *uuid.UUID
}

// AccountStore is the persistence contract implemented by both stores.
//
// Create reports whether the account was new. When the login handle is
// already bound to another UUID, the caller's account adopts the existing
// identity (UUID and version), the write becomes an update, and Create
// reports false.
//
// Update requires account.Version to match the stored version and bumps it
// by one, mutating the passed account on success. A lost race surfaces as
// common.ErrContestedLock and is never retried internally.
type AccountStore interface {
	Create(ctx context.Context, account *model.Account, directoryVersion int64) (bool, error)
	Update(ctx context.Context, account *model.Account) error
	GetByLogin(ctx context.Context, login string) (*model.Account, error)
	GetByUUID(ctx context.Context, id uuid.UUID) (*model.Account, error)
	Delete(ctx context.Context, id uuid.UUID, directoryVersion int64) error
	ScanChunkFromStart(ctx context.Context, maxCount, pageSize int) (CrawlChunk, error)
	ScanChunkFrom(ctx context.Context, from uuid.UUID, maxCount, pageSize int) (CrawlChunk, error)
}
