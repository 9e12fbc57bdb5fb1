// Package accounts coordinates account writes across the authoritative
// store, the directory and, during the migration window, the secondary
// store.
package accounts

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/perchmsg/perch/internal/common"
	"github.com/perchmsg/perch/internal/config"
	"github.com/perchmsg/perch/internal/directory"
	"github.com/perchmsg/perch/internal/logging"
	"github.com/perchmsg/perch/internal/model"
	"github.com/perchmsg/perch/internal/storage"
)

// mirrorProcessor copies accounts into the secondary store without ever
// failing; the migration coordinator satisfies it.
type mirrorProcessor interface {
	Process(ctx context.Context, accounts []*model.Account) error
}

// Manager is the single write path for accounts. It writes the
// authoritative store, keeps the directory version in step with account
// visibility, and mirrors creates and updates into the secondary store
// while migration is in flight.
type Manager struct {
	primary   storage.AccountStore
	secondary storage.AccountStore
	mirror    mirrorProcessor
	directory *directory.Service
	log       logging.Logger
}

// NewManager selects the authoritative store from the configured migration
// phase. Once the key-value store is authoritative the relational store is
// on its way out and nothing is mirrored back into it.
func NewManager(cfg *config.Config, relational, keyvalue storage.AccountStore, mirror mirrorProcessor, dir *directory.Service, log logging.Logger) *Manager {
	m := &Manager{directory: dir, log: log}
	if cfg.AuthoritativeStore == config.StoreRelational {
		m.primary = relational
		m.secondary = keyvalue
		m.mirror = mirror
	} else {
		m.primary = keyvalue
	}
	return m
}

// Create writes a new account and, when it is directory-visible, records it
// in the directory at a bumped version. Reports whether the account was
// new; a duplicate login handle makes the caller's account adopt the
// existing identity.
func (m *Manager) Create(ctx context.Context, account *model.Account) (bool, error) {
	version, err := m.directoryVersionForCreate(ctx, account)
	if err != nil {
		return false, err
	}

	isNew, err := m.primary.Create(ctx, account, version)
	if err != nil {
		return false, fmt.Errorf("create account: %w", err)
	}

	m.mirrorWrite(ctx, account)
	return isNew, nil
}

// Update applies an optimistic-concurrency update to the authoritative
// store. A lost race surfaces as common.ErrContestedLock; callers re-read
// and retry.
func (m *Manager) Update(ctx context.Context, account *model.Account) error {
	if err := m.primary.Update(ctx, account); err != nil {
		return err
	}
	m.mirrorWrite(ctx, account)
	return nil
}

// Delete removes an account and hides its login in the directory. Deleting
// an absent account is a no-op.
func (m *Manager) Delete(ctx context.Context, id uuid.UUID) error {
	account, err := m.primary.GetByUUID(ctx, id)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return fmt.Errorf("delete account: %w", err)
	}

	var version int64
	if account != nil && account.VisibleInDirectory() {
		version, err = m.directory.RecordRemoval(ctx, account.Login)
	} else {
		version, err = m.directory.Version(ctx)
	}
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}

	if err := m.primary.Delete(ctx, id, version); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}

	if m.secondary != nil {
		// Recording the deletion in the secondary store keeps a stale
		// re-migration from resurrecting the account.
		if err := m.secondary.Delete(ctx, id, version); err != nil {
			m.log.Warn(ctx, "could not mirror delete to secondary store", "uuid", id, "error", err)
		}
	}
	return nil
}

// GetByLogin reads from the authoritative store.
func (m *Manager) GetByLogin(ctx context.Context, login string) (*model.Account, error) {
	return m.primary.GetByLogin(ctx, login)
}

// GetByUUID reads from the authoritative store.
func (m *Manager) GetByUUID(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	return m.primary.GetByUUID(ctx, id)
}

func (m *Manager) directoryVersionForCreate(ctx context.Context, account *model.Account) (int64, error) {
	if account.VisibleInDirectory() {
		v, err := m.directory.RecordAddition(ctx, account.Login)
		if err != nil {
			return 0, fmt.Errorf("record directory addition: %w", err)
		}
		return v, nil
	}
	v, err := m.directory.Version(ctx)
	if err != nil {
		return 0, fmt.Errorf("read directory version: %w", err)
	}
	return v, nil
}

// mirrorWrite copies the account into the secondary store. Failures are
// the retry sweeper's problem, never the caller's.
func (m *Manager) mirrorWrite(ctx context.Context, account *model.Account) {
	if m.mirror == nil {
		return
	}
	_ = m.mirror.Process(ctx, []*model.Account{account})
}
