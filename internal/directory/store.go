package directory

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	versionKey  = "directory::version"
	snapshotKey = "directory::snapshot"
	diffKey     = "directory::diff::"
)

// Token derives the opaque directory token a client sees for a login
// handle: the first ten bytes of its SHA-1, base64 without padding.
func Token(login string) string {
	sum := sha1.Sum([]byte(login))
	return base64.RawStdEncoding.EncodeToString(sum[:10])
}

// Diff is the per-version delta needed to move a client from version N-1
// to version N.
type Diff struct {
	Added   map[string]string `json:"added,omitempty"`
	Removed []string          `json:"removed,omitempty"`
}

func (d Diff) empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// RedisClient is the slice of the Redis API the snapshot store uses.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
}

// SnapshotStore keeps the full entry set, the version counter and a bounded
// diff history in Redis. Writers are serialized by the Gate, so plain
// single-key commands are sufficient.
type SnapshotStore struct {
	client RedisClient
	window int64
}

// NewSnapshotStore keeps diff history for the given number of versions.
func NewSnapshotStore(client RedisClient, window int64) *SnapshotStore {
	return &SnapshotStore{client: client, window: window}
}

// Window is the number of versions for which diffs are retained.
func (s *SnapshotStore) Window() int64 {
	return s.window
}

// Version returns the current directory version, 0 if never written.
func (s *SnapshotStore) Version(ctx context.Context) (int64, error) {
	v, err := s.client.Get(ctx, versionKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("get directory version: %w", err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse directory version: %w", err)
	}
	return n, nil
}

// FullSet returns the complete entry set at the current version.
func (s *SnapshotStore) FullSet(ctx context.Context) (map[string]string, error) {
	entries, err := s.client.HGetAll(ctx, snapshotKey).Result()
	if err != nil {
		return nil, fmt.Errorf("get directory snapshot: %w", err)
	}
	return entries, nil
}

// DiffAt returns the diff carrying clients from version v-1 to v, or false
// when it has been trimmed from the retained history.
func (s *SnapshotStore) DiffAt(ctx context.Context, v int64) (Diff, bool, error) {
	raw, err := s.client.Get(ctx, diffKey+strconv.FormatInt(v, 10)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Diff{}, false, nil
		}
		return Diff{}, false, fmt.Errorf("get directory diff %d: %w", v, err)
	}
	var d Diff
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Diff{}, false, fmt.Errorf("decode directory diff %d: %w", v, err)
	}
	return d, true, nil
}

// ApplyDiff mutates the snapshot by one diff at a new version, records the
// diff and trims history beyond the window. Callers hold the write gate.
func (s *SnapshotStore) ApplyDiff(ctx context.Context, d Diff) (int64, error) {
	current, err := s.Version(ctx)
	if err != nil {
		return 0, err
	}
	next := current + 1

	if len(d.Removed) > 0 {
		if err := s.client.HDel(ctx, snapshotKey, d.Removed...).Err(); err != nil {
			return 0, fmt.Errorf("remove directory entries: %w", err)
		}
	}
	if len(d.Added) > 0 {
		if err := s.client.HSet(ctx, snapshotKey, flatten(d.Added)...).Err(); err != nil {
			return 0, fmt.Errorf("add directory entries: %w", err)
		}
	}

	raw, err := json.Marshal(d)
	if err != nil {
		return 0, fmt.Errorf("encode directory diff: %w", err)
	}
	if err := s.client.Set(ctx, diffKey+strconv.FormatInt(next, 10), string(raw), 0).Err(); err != nil {
		return 0, fmt.Errorf("record directory diff: %w", err)
	}
	if err := s.setVersion(ctx, next); err != nil {
		return 0, err
	}

	if expired := next - s.window; expired > 0 {
		if err := s.client.Del(ctx, diffKey+strconv.FormatInt(expired, 10)).Err(); err != nil {
			return 0, fmt.Errorf("trim directory history: %w", err)
		}
	}
	return next, nil
}

// Replace swaps in a freshly rebuilt entry set at a new version and drops
// the diff history, forcing incremental clients through a full download.
// Callers hold the write gate.
func (s *SnapshotStore) Replace(ctx context.Context, entries map[string]string) (int64, error) {
	current, err := s.Version(ctx)
	if err != nil {
		return 0, err
	}
	next := current + 1

	if err := s.client.Del(ctx, snapshotKey).Err(); err != nil {
		return 0, fmt.Errorf("clear directory snapshot: %w", err)
	}
	if len(entries) > 0 {
		if err := s.client.HSet(ctx, snapshotKey, flatten(entries)...).Err(); err != nil {
			return 0, fmt.Errorf("write directory snapshot: %w", err)
		}
	}
	for v := next - s.window; v <= current; v++ {
		if v <= 0 {
			continue
		}
		if err := s.client.Del(ctx, diffKey+strconv.FormatInt(v, 10)).Err(); err != nil {
			return 0, fmt.Errorf("drop directory history: %w", err)
		}
	}
	if err := s.setVersion(ctx, next); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *SnapshotStore) setVersion(ctx context.Context, v int64) error {
	if err := s.client.Set(ctx, versionKey, strconv.FormatInt(v, 10), 0).Err(); err != nil {
		return fmt.Errorf("set directory version: %w", err)
	}
	return nil
}

func flatten(entries map[string]string) []interface{} {
	kv := make([]interface{}, 0, len(entries)*2)
	for k, v := range entries {
		kv = append(kv, k, v)
	}
	return kv
}
