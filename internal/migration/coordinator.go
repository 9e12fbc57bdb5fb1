// Package migration moves accounts from the legacy relational store into
// the key-value store exactly once and keeps both reconciled while live.
// Everything here is lossy-tolerant background reconciliation: failures are
// recorded for retry and the loops continue; nothing is ever raised back to
// the primary write path.
package migration

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/perchmsg/perch/internal/logging"
	"github.com/perchmsg/perch/internal/model"
)

// kvStore is the slice of the key-value store the coordinator drives.
type kvStore interface {
	MigrateAccount(ctx context.Context, account *model.Account) (bool, error)
	DeleteRecentlyDeleted(ctx context.Context) error
}

// BatchResult counts the outcomes of one migration batch.
type BatchResult struct {
	Migrated int
	Skipped  int
	Errors   int
}

// Coordinator migrates account batches with bounded concurrency.
type Coordinator struct {
	kv          kvStore
	log         logging.Logger
	concurrency int
}

func NewCoordinator(kv kvStore, log logging.Logger, concurrency int) *Coordinator {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Coordinator{kv: kv, log: log, concurrency: concurrency}
}

// Migrate copies a batch of accounts concurrently. A conditional-write
// failure means the account is already migrated at an equal-or-newer
// version and counts as skipped. Any other failure is counted, logged and
// left to the retry records; the batch itself never fails. After the batch,
// recorded deletions are re-applied so they always win over stale
// re-migrations.
func (c *Coordinator) Migrate(ctx context.Context, accounts []*model.Account, concurrency int) BatchResult {
	if concurrency < 1 {
		concurrency = c.concurrency
	}

	// The pool is sized per call rather than spawning unbounded work.
	g := &errgroup.Group{}
	g.SetLimit(concurrency)

	var (
		mu     sync.Mutex
		result BatchResult
		errs   error
	)

	for _, account := range accounts {
		account := account
		g.Go(func() error {
			migrated, err := c.kv.MigrateAccount(ctx, account)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Errors++
				errs = multierr.Append(errs, err)
				migrationErrorCounter.Inc()
			case migrated:
				result.Migrated++
				migratedCounter.Inc()
			default:
				result.Skipped++
				migrationSkippedCounter.Inc()
			}
			return nil
		})
	}

	_ = g.Wait()

	if errs != nil {
		c.log.Warn(ctx, "errors migrating batch", "errors", result.Errors, "error", errs)
	}

	if err := c.kv.DeleteRecentlyDeleted(ctx); err != nil {
		c.log.Error(ctx, "could not drain recently deleted accounts", "error", err)
	}

	return result
}

// Name identifies the coordinator when used as a crawl chunk processor.
func (c *Coordinator) Name() string { return "migration" }

// Process migrates one crawl chunk, satisfying the crawler's
// ChunkProcessor contract. It never fails the crawl.
func (c *Coordinator) Process(ctx context.Context, accounts []*model.Account) error {
	c.Migrate(ctx, accounts, c.concurrency)
	return nil
}

// uuidRecords is the keyed put/list/delete collaborator backing the retry
// bookkeeping.
type uuidRecords interface {
	List(ctx context.Context) ([]uuid.UUID, error)
	Delete(ctx context.Context, ids []uuid.UUID) error
}

// accountReader reads fresh copies from the source of truth.
type accountReader interface {
	GetByUUID(ctx context.Context, id uuid.UUID) (*model.Account, error)
}
