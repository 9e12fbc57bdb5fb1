package directory

import (
	"context"
	"fmt"

	"github.com/perchmsg/perch/internal/common"
	"github.com/perchmsg/perch/internal/logging"
	"github.com/perchmsg/perch/internal/model"
	"github.com/perchmsg/perch/internal/storage"
)

// ResponseType tells the client how to converge on the current snapshot.
type ResponseType int

const (
	NoUpdate ResponseType = iota
	Incremental
	Full
)

// Response is a directory download result. All carries the complete entry
// set for Full; Added/Removed carry the concatenated diff for Incremental.
type Response struct {
	Type    ResponseType
	Version int64
	All     map[string]string
	Added   map[string]string
	Removed []string
}

// Service answers download requests and applies write-side directory
// mutations under the rebuild gate.
type Service struct {
	store  *SnapshotStore
	source storage.AccountStore
	gate   Gate
	log    logging.Logger

	// scan page sizing for restores
	chunkSize int
	pageSize  int
}

func NewService(store *SnapshotStore, source storage.AccountStore, gate Gate, log logging.Logger, chunkSize, pageSize int) *Service {
	return &Service{
		store:     store,
		source:    source,
		gate:      gate,
		log:       log,
		chunkSize: chunkSize,
		pageSize:  pageSize,
	}
}

// Download serves the smallest payload carrying a client at clientVersion
// to the current version. While any writer holds the gate the client gets
// NoUpdate with the current version and is expected to retry later.
func (s *Service) Download(ctx context.Context, clientVersion int64) (*Response, error) {
	if !s.gate.TryEnterRead() {
		return s.currentNoUpdate(ctx)
	}

	resp, err := s.downloadLocked(ctx, clientVersion)
	s.gate.ExitRead()
	if err != nil || resp != nil {
		return resp, err
	}
	return s.restoreAndServe(ctx)
}

// ForceFull serves the complete entry set regardless of what version the
// client holds, for clients whose local state is beyond repair. A writer
// holding the gate still degrades the request to NoUpdate.
func (s *Service) ForceFull(ctx context.Context) (*Response, error) {
	if !s.gate.TryEnterRead() {
		return s.currentNoUpdate(ctx)
	}

	current, err := s.store.Version(ctx)
	var resp *Response
	if err == nil {
		resp, err = s.fullOrRestore(ctx, current)
	}
	s.gate.ExitRead()
	if err != nil || resp != nil {
		return resp, err
	}
	return s.restoreAndServe(ctx)
}

func (s *Service) currentNoUpdate(ctx context.Context) (*Response, error) {
	version, err := s.store.Version(ctx)
	if err != nil {
		return nil, err
	}
	return &Response{Type: NoUpdate, Version: version}, nil
}

// restoreAndServe handles the empty full set, which only happens when the
// snapshot was lost. Rebuild synchronously from the account store, then
// serve the result.
func (s *Service) restoreAndServe(ctx context.Context) (*Response, error) {
	if err := s.Restore(ctx); err != nil {
		return nil, err
	}
	if !s.gate.TryEnterRead() {
		return s.currentNoUpdate(ctx)
	}
	defer s.gate.ExitRead()
	return s.full(ctx)
}

// downloadLocked runs the transition rules under the read gate. A nil
// response with nil error means the caller must restore and retry.
func (s *Service) downloadLocked(ctx context.Context, clientVersion int64) (*Response, error) {
	current, err := s.store.Version(ctx)
	if err != nil {
		return nil, err
	}

	switch {
	case clientVersion == current:
		return &Response{Type: NoUpdate, Version: current}, nil
	case clientVersion > current:
		s.log.Error(ctx, "client version ahead of directory", "client", clientVersion, "current", current)
		return nil, fmt.Errorf("client version %d ahead of %d: %w", clientVersion, current, common.ErrDirectoryInconsistency)
	case clientVersion == 0 || current-clientVersion > s.store.Window():
		return s.fullOrRestore(ctx, current)
	}

	added := map[string]string{}
	removed := map[string]struct{}{}
	for v := clientVersion + 1; v <= current; v++ {
		d, ok, err := s.store.DiffAt(ctx, v)
		if err != nil {
			return nil, err
		}
		if !ok {
			// History trimmed under the client; serve everything.
			return s.fullOrRestore(ctx, current)
		}
		for _, login := range d.Removed {
			delete(added, login)
			removed[login] = struct{}{}
		}
		for login, token := range d.Added {
			added[login] = token
			delete(removed, login)
		}
	}
	if len(added) == 0 && len(removed) == 0 {
		return s.fullOrRestore(ctx, current)
	}

	resp := &Response{Type: Incremental, Version: current, Added: added}
	for login := range removed {
		resp.Removed = append(resp.Removed, login)
	}
	return resp, nil
}

func (s *Service) fullOrRestore(ctx context.Context, current int64) (*Response, error) {
	entries, err := s.store.FullSet(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &Response{Type: Full, Version: current, All: entries}, nil
}

func (s *Service) full(ctx context.Context) (*Response, error) {
	version, err := s.store.Version(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.FullSet(ctx)
	if err != nil {
		return nil, err
	}
	return &Response{Type: Full, Version: version, All: entries}, nil
}

// RecordAddition makes a login visible at a new directory version and
// returns that version.
func (s *Service) RecordAddition(ctx context.Context, login string) (int64, error) {
	s.gate.LockWrite()
	defer s.gate.UnlockWrite()
	return s.store.ApplyDiff(ctx, Diff{Added: map[string]string{login: Token(login)}})
}

// RecordRemoval hides a login at a new directory version and returns that
// version.
func (s *Service) RecordRemoval(ctx context.Context, login string) (int64, error) {
	s.gate.LockWrite()
	defer s.gate.UnlockWrite()
	return s.store.ApplyDiff(ctx, Diff{Removed: []string{login}})
}

// Version returns the current directory version without entering the gate.
func (s *Service) Version(ctx context.Context) (int64, error) {
	return s.store.Version(ctx)
}

// Restore rebuilds the snapshot from the authoritative account store. It
// holds the write gate for the scan and swap, degrading concurrent
// downloads to NoUpdate for the duration.
func (s *Service) Restore(ctx context.Context) error {
	s.gate.LockWrite()
	defer s.gate.UnlockWrite()

	s.log.Warn(ctx, "restoring directory from account store")
	entries := map[string]string{}
	chunk, err := s.source.ScanChunkFromStart(ctx, s.chunkSize, s.pageSize)
	for {
		if err != nil {
			return fmt.Errorf("restore scan: %w", err)
		}
		for _, a := range chunk.Accounts {
			if a.VisibleInDirectory() {
				entries[a.Login] = Token(a.Login)
			}
		}
		if chunk.LastUUID == nil {
			break
		}
		chunk, err = s.source.ScanChunkFrom(ctx, *chunk.LastUUID, s.chunkSize, s.pageSize)
	}

	version, err := s.store.Replace(ctx, entries)
	if err != nil {
		return err
	}
	s.log.Info(ctx, "directory restored", "entries", len(entries), "version", version)
	return nil
}

// Rebuilder reconciles crawled accounts against the snapshot. It is
// idempotent, so revisited accounts after a crawler crash are harmless.
type Rebuilder struct {
	service *Service
}

func NewRebuilder(service *Service) *Rebuilder {
	return &Rebuilder{service: service}
}

func (r *Rebuilder) Name() string { return "directory_rebuild" }

// Process brings snapshot membership in line with each crawled account's
// current visibility, recording one diff per chunk when anything changed.
func (r *Rebuilder) Process(ctx context.Context, accounts []*model.Account) error {
	current, err := r.service.store.FullSet(ctx)
	if err != nil {
		return err
	}

	d := Diff{Added: map[string]string{}}
	for _, a := range accounts {
		_, present := current[a.Login]
		switch {
		case a.VisibleInDirectory() && !present:
			d.Added[a.Login] = Token(a.Login)
		case !a.VisibleInDirectory() && present:
			d.Removed = append(d.Removed, a.Login)
		}
	}
	if d.empty() {
		return nil
	}

	r.service.gate.LockWrite()
	defer r.service.gate.UnlockWrite()
	if _, err := r.service.store.ApplyDiff(ctx, d); err != nil {
		return err
	}
	return nil
}
