package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/perchmsg/perch/internal/common"
	"github.com/perchmsg/perch/internal/logging"
)

// RetrySweeper re-migrates accounts recorded in the retry set. It reads
// the fresh copy from the source of truth, re-applies the conditional
// migration write with a bounded exponential backoff, and consumes the
// record once the write succeeds.
type RetrySweeper struct {
	source  accountReader
	kv      kvStore
	records uuidRecords
	log     logging.Logger

	backoffBase time.Duration
	maxRetries  uint64
}

func NewRetrySweeper(source accountReader, kv kvStore, records uuidRecords, log logging.Logger) *RetrySweeper {
	return &RetrySweeper{
		source:      source,
		kv:          kv,
		records:     records,
		log:         log,
		backoffBase: 250 * time.Millisecond,
		maxRetries:  3,
	}
}

// Sweep processes every recorded retry once. A record is consumed when the
// re-migration succeeds, or when the account no longer exists in the source
// of truth (the deleted-record drain owns removing its key-value copy).
// Records whose write keeps failing stay for the next sweep.
func (s *RetrySweeper) Sweep(ctx context.Context) error {
	ids, err := s.records.List(ctx)
	if err != nil {
		return fmt.Errorf("list retry records: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	s.log.Info(ctx, "sweeping migration retry records", "count", len(ids))

	var done []uuid.UUID

	for _, id := range ids {
		account, err := s.source.GetByUUID(ctx, id)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				done = append(done, id)
				continue
			}
			return fmt.Errorf("read account %s: %w", id, err)
		}

		backoff := retry.WithMaxRetries(s.maxRetries, retry.NewExponential(s.backoffBase))
		err = retry.Do(ctx, backoff, func(ctx context.Context) error {
			if _, err := s.kv.MigrateAccount(ctx, account); err != nil {
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			s.log.Warn(ctx, "retry migration still failing", "uuid", id, "error", err)
			continue
		}

		retriedCounter.Inc()
		done = append(done, id)
	}

	if len(done) == 0 {
		return nil
	}
	if err := s.records.Delete(ctx, done); err != nil {
		return fmt.Errorf("consume retry records: %w", err)
	}
	return nil
}
