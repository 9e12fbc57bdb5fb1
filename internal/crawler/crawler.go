package crawler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/perchmsg/perch/internal/logging"
	"github.com/perchmsg/perch/internal/model"
	"github.com/perchmsg/perch/internal/storage"
)

// ChunkProcessor consumes one chunk of crawled accounts. A processor error
// keeps the cursor in place so the chunk is retried next cycle, which means
// processors must tolerate seeing the same account more than once.
type ChunkProcessor interface {
	Name() string
	Process(ctx context.Context, accounts []*model.Account) error
}

// Options carries the crawl cadence knobs.
type Options struct {
	ChunkSize           int
	PageSize            int
	LeaseTTL            time.Duration
	Interval            time.Duration
	AcceleratedInterval time.Duration
}

// Crawler walks the whole account table in chunks, at most one worker at a
// time, feeding each chunk to the registered processors.
type Crawler struct {
	workerID   string
	store      storage.AccountStore
	cache      *LeaseCache
	processors []ChunkProcessor
	log        logging.Logger
	opts       Options
}

func New(store storage.AccountStore, cache *LeaseCache, log logging.Logger, opts Options, processors ...ChunkProcessor) *Crawler {
	return &Crawler{
		workerID:   uuid.NewString(),
		store:      store,
		cache:      cache,
		processors: processors,
		log:        log,
		opts:       opts,
	}
}

// Run crawls until ctx is cancelled.
func (c *Crawler) Run(ctx context.Context) {
	c.log.Info(ctx, "crawler starting", "worker", c.workerID)
	for {
		delay := c.crawlOnce(ctx)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			c.log.Info(ctx, "crawler stopping", "worker", c.workerID)
			return
		case <-t.C:
		}
	}
}

// crawlOnce attempts one chunk and returns how long to sleep before the
// next attempt. Every failure path returns the regular interval: a cache or
// store outage should slow the crawl down, never crash it.
func (c *Crawler) crawlOnce(ctx context.Context) time.Duration {
	claimed, err := c.cache.ClaimLease(ctx, c.workerID, c.opts.LeaseTTL)
	if err != nil {
		c.log.Warn(ctx, "could not reach lease cache", "error", err)
		return c.opts.Interval
	}
	if !claimed {
		return c.opts.Interval
	}
	defer func() {
		if err := c.cache.ReleaseLease(ctx, c.workerID); err != nil {
			c.log.Warn(ctx, "could not release lease", "error", err)
		}
	}()

	cursor, err := c.cache.GetCursor(ctx)
	if err != nil {
		c.log.Warn(ctx, "could not read cursor", "error", err)
		return c.opts.Interval
	}

	timer := prometheus.NewTimer(chunkDuration)
	chunk, err := c.scan(ctx, cursor)
	if err != nil {
		c.log.Warn(ctx, "chunk scan failed", "error", err)
		return c.opts.Interval
	}

	if len(chunk.Accounts) == 0 {
		// End of a full pass over the table.
		if err := c.cache.SetCursor(ctx, nil); err != nil {
			c.log.Warn(ctx, "could not reset cursor", "error", err)
		}
		if err := c.cache.SetAccelerated(ctx, false); err != nil {
			c.log.Warn(ctx, "could not clear accelerate flag", "error", err)
		}
		return c.opts.Interval
	}

	for _, p := range c.processors {
		if err := p.Process(ctx, chunk.Accounts); err != nil {
			c.log.Warn(ctx, "chunk processor failed", "processor", p.Name(), "error", err)
			return c.opts.Interval
		}
	}
	timer.ObserveDuration()
	accountsCrawled.Add(float64(len(chunk.Accounts)))

	if err := c.cache.SetCursor(ctx, chunk.LastUUID); err != nil {
		c.log.Warn(ctx, "could not advance cursor", "error", err)
		return c.opts.Interval
	}

	accelerated, err := c.cache.IsAccelerated(ctx)
	if err != nil {
		c.log.Warn(ctx, "could not read accelerate flag", "error", err)
		return c.opts.Interval
	}
	if accelerated {
		return c.opts.AcceleratedInterval
	}
	return c.opts.Interval
}

func (c *Crawler) scan(ctx context.Context, cursor *uuid.UUID) (storage.CrawlChunk, error) {
	if cursor == nil {
		return c.store.ScanChunkFromStart(ctx, c.opts.ChunkSize, c.opts.PageSize)
	}
	return c.store.ScanChunkFrom(ctx, *cursor, c.opts.ChunkSize, c.opts.PageSize)
}
