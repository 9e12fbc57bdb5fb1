package crawler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perchmsg/perch/internal/logging"
	"github.com/perchmsg/perch/internal/model"
	"github.com/perchmsg/perch/internal/storage"
)

type fakeStore struct {
	storage.AccountStore

	fromStart storage.CrawlChunk
	from      map[uuid.UUID]storage.CrawlChunk
	err       error
	scans     int
}

func (f *fakeStore) ScanChunkFromStart(_ context.Context, _, _ int) (storage.CrawlChunk, error) {
	f.scans++
	if f.err != nil {
		return storage.CrawlChunk{}, f.err
	}
	return f.fromStart, nil
}

func (f *fakeStore) ScanChunkFrom(_ context.Context, from uuid.UUID, _, _ int) (storage.CrawlChunk, error) {
	f.scans++
	if f.err != nil {
		return storage.CrawlChunk{}, f.err
	}
	return f.from[from], nil
}

type fakeProcessor struct {
	name   string
	err    error
	chunks [][]*model.Account
}

func (f *fakeProcessor) Name() string { return f.name }

func (f *fakeProcessor) Process(_ context.Context, accounts []*model.Account) error {
	if f.err != nil {
		return f.err
	}
	f.chunks = append(f.chunks, accounts)
	return nil
}

func testOptions() Options {
	return Options{
		ChunkSize:           10,
		PageSize:            5,
		LeaseTTL:            time.Minute,
		Interval:            8 * time.Second,
		AcceleratedInterval: 500 * time.Millisecond,
	}
}

func newTestCrawler(store *fakeStore, client *fakeRedis, processors ...ChunkProcessor) (*Crawler, *LeaseCache) {
	log := logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	cache := NewLeaseCache(client)
	return New(store, cache, log, testOptions(), processors...), cache
}

func chunkOf(n int) storage.CrawlChunk {
	accounts := make([]*model.Account, 0, n)
	for i := 0; i < n; i++ {
		accounts = append(accounts, model.NewAccount("login"))
	}
	last := accounts[n-1].UUID
	return storage.CrawlChunk{Accounts: accounts, LastUUID: &last}
}

func TestCrawlOnce_ProcessesChunkAndAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	chunk := chunkOf(3)
	store := &fakeStore{fromStart: chunk}
	proc := &fakeProcessor{name: "migration"}
	c, cache := newTestCrawler(store, newFakeRedis(), proc)

	delay := c.crawlOnce(ctx)

	assert.Equal(t, c.opts.Interval, delay)
	require.Len(t, proc.chunks, 1)
	assert.Len(t, proc.chunks[0], 3)

	cursor, err := cache.GetCursor(ctx)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, *chunk.LastUUID, *cursor)

	claimed, err := cache.ClaimLease(ctx, "other", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed, "lease should be released after the cycle")
}

func TestCrawlOnce_ResumesFromCursor(t *testing.T) {
	ctx := context.Background()
	first := chunkOf(2)
	second := chunkOf(2)
	store := &fakeStore{from: map[uuid.UUID]storage.CrawlChunk{*first.LastUUID: second}}
	proc := &fakeProcessor{name: "migration"}
	c, cache := newTestCrawler(store, newFakeRedis(), proc)
	require.NoError(t, cache.SetCursor(ctx, first.LastUUID))

	c.crawlOnce(ctx)

	require.Len(t, proc.chunks, 1)
	assert.Equal(t, second.Accounts, proc.chunks[0])
}

func TestCrawlOnce_SkipsWhenLeaseHeld(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{fromStart: chunkOf(1)}
	proc := &fakeProcessor{name: "migration"}
	c, cache := newTestCrawler(store, newFakeRedis(), proc)

	_, err := cache.ClaimLease(ctx, "somebody-else", time.Minute)
	require.NoError(t, err)

	delay := c.crawlOnce(ctx)

	assert.Equal(t, c.opts.Interval, delay)
	assert.Zero(t, store.scans)
	assert.Empty(t, proc.chunks)
}

func TestCrawlOnce_ProcessorFailureKeepsCursor(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{fromStart: chunkOf(2)}
	proc := &fakeProcessor{name: "migration", err: errors.New("boom")}
	c, cache := newTestCrawler(store, newFakeRedis(), proc)

	delay := c.crawlOnce(ctx)

	assert.Equal(t, c.opts.Interval, delay)
	cursor, err := cache.GetCursor(ctx)
	require.NoError(t, err)
	assert.Nil(t, cursor, "failed chunk must be retried from the same cursor")
}

func TestCrawlOnce_EndOfPassResetsCursorAndAcceleration(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	store := &fakeStore{from: map[uuid.UUID]storage.CrawlChunk{}}
	c, cache := newTestCrawler(store, newFakeRedis())
	require.NoError(t, cache.SetCursor(ctx, &id))
	require.NoError(t, cache.SetAccelerated(ctx, true))

	delay := c.crawlOnce(ctx)

	assert.Equal(t, c.opts.Interval, delay)
	cursor, err := cache.GetCursor(ctx)
	require.NoError(t, err)
	assert.Nil(t, cursor)
	accelerated, err := cache.IsAccelerated(ctx)
	require.NoError(t, err)
	assert.False(t, accelerated)
}

func TestCrawlOnce_AcceleratedCadence(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{fromStart: chunkOf(1)}
	proc := &fakeProcessor{name: "migration"}
	c, cache := newTestCrawler(store, newFakeRedis(), proc)
	require.NoError(t, cache.SetAccelerated(ctx, true))

	delay := c.crawlOnce(ctx)

	assert.Equal(t, c.opts.AcceleratedInterval, delay)
}

func TestCrawlOnce_CacheOutageSlowsDown(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	client.err = errors.New("connection refused")
	store := &fakeStore{fromStart: chunkOf(1)}
	proc := &fakeProcessor{name: "migration"}
	c, _ := newTestCrawler(store, client, proc)

	delay := c.crawlOnce(ctx)

	assert.Equal(t, c.opts.Interval, delay)
	assert.Empty(t, proc.chunks)
}

func TestCrawlOnce_StoreOutageSlowsDown(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{err: errors.New("throttled")}
	proc := &fakeProcessor{name: "migration"}
	c, _ := newTestCrawler(store, newFakeRedis(), proc)

	delay := c.crawlOnce(ctx)

	assert.Equal(t, c.opts.Interval, delay)
	assert.Empty(t, proc.chunks)
}
