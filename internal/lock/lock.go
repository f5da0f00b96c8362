// Package lock implements crash-tolerant mutual exclusion backed by lock
// files. The atomic rename of a fully written candidate record is the
// commit point a crashed process can never half-complete; a store-wide
// mutex serializes the holder check against that commit so concurrent
// in-process callers cannot both observe an unheld id.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/taskd/api"
	"pkt.systems/taskd/internal/clock"
	"pkt.systems/taskd/internal/resourceuri"
	"pkt.systems/taskd/internal/svcfields"
	"pkt.systems/taskd/internal/uuidv7"
)

const lockFileMode = 0o600

// Store is the mutual-exclusion contract. The disk implementation is the
// default; the interface exists so an externally coordinated backend (e.g. a
// key-value store with conditional writes) can replace it without touching
// callers.
type Store interface {
	// Acquire obtains the lock for id on behalf of owner. When a different
	// owner holds a fresh lock the returned error is an api.Failure with
	// code ELOCKED carrying the holder's record.
	Acquire(ctx context.Context, id, owner string, ttl time.Duration) (api.LockRecord, error)
	// Release drops the lock for id. Releasing an unheld id succeeds.
	Release(ctx context.Context, id string) error
	// Inspect returns the current record for id and whether it is fresh.
	Inspect(ctx context.Context, id string) (api.LockRecord, bool, error)
}

// DiskStore keeps lock records as JSON files under a dedicated directory.
type DiskStore struct {
	dir    string
	clock  clock.Clock
	logger pslog.Logger

	// mu covers the holder check through the rename commit. The rename
	// alone only protects against other processes.
	mu sync.Mutex
}

// Options tunes optional DiskStore collaborators.
type Options struct {
	Clock  clock.Clock
	Logger pslog.Logger
}

// NewDiskStore creates the lock directory and returns a store rooted there.
func NewDiskStore(dir string, opts Options) (*DiskStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("lock: directory required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("lock: create directory: %w", err)
	}
	cl := opts.Clock
	if cl == nil {
		cl = clock.Real{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &DiskStore{
		dir:    dir,
		clock:  cl,
		logger: svcfields.WithSubsystem(logger, "lock.disk"),
	}, nil
}

// LockFileSuffix is the on-disk naming convention shared with the pagination
// engine's lock-status derivation.
const LockFileSuffix = ".lock"

// FilePath returns the lock file path for id inside dir.
func FilePath(dir, id string) string {
	return filepath.Join(dir, id+LockFileSuffix)
}

func (s *DiskStore) path(id string) string {
	return FilePath(s.dir, id)
}

// Acquire implements Store.
func (s *DiskStore) Acquire(ctx context.Context, id, owner string, ttl time.Duration) (api.LockRecord, error) {
	if err := ctx.Err(); err != nil {
		return api.LockRecord{}, err
	}
	if !resourceuri.IsValidSlug(id) {
		return api.LockRecord{}, api.Failure{
			Code:       api.CodeInvalidInput,
			Detail:     fmt.Sprintf("invalid lock id %q", id),
			HTTPStatus: 400,
		}
	}
	if owner == "" {
		owner = uuidv7.NewString()
	}
	if ttl <= 0 {
		return api.LockRecord{}, api.Failure{
			Code:       api.CodeInvalidInput,
			Detail:     "lock ttl must be positive",
			HTTPStatus: 400,
		}
	}

	now := s.clock.Now()
	record := api.LockRecord{
		Owner:      owner,
		Since:      now.UnixMilli(),
		TTLSeconds: int64(ttl / time.Second),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return api.LockRecord{}, fmt.Errorf("lock: marshal record: %w", err)
	}

	// Candidate record is written out fully before the holder check so the
	// commit below is a bare rename.
	tmp := filepath.Join(s.dir, fmt.Sprintf(".%s.%s.tmp", id, uuidv7.NewString()))
	if err := os.WriteFile(tmp, payload, lockFileMode); err != nil {
		return api.LockRecord{}, fmt.Errorf("lock: write candidate: %w", err)
	}
	discard := func() {
		if err := os.Remove(tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("lock.candidate.discard_failed", "id", id, "error", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, fresh, err := s.readRecord(id)
	if err != nil {
		discard()
		return api.LockRecord{}, err
	}
	if fresh && existing.Owner != owner {
		discard()
		remaining := int64(existing.ExpiresAt().Sub(now) / time.Second)
		if remaining < 1 {
			remaining = 1
		}
		s.logger.Info("lock.acquire.conflict",
			"id", id,
			"owner", owner,
			"holder", existing.Owner,
			"retry_after_seconds", remaining,
		)
		return api.LockRecord{}, api.Failure{
			Code:       api.CodeLocked,
			Detail:     fmt.Sprintf("lock %q is held by %s", id, existing.Owner),
			Hint:       "retry after the holder releases or the ttl elapses",
			Details:    existing,
			RetryAfter: remaining,
			HTTPStatus: 409,
		}
	}

	if err := os.Rename(tmp, s.path(id)); err != nil {
		discard()
		return api.LockRecord{}, fmt.Errorf("lock: commit: %w", err)
	}
	s.logger.Debug("lock.acquire.ok",
		"id", id,
		"owner", owner,
		"ttl_seconds", record.TTLSeconds,
		"reclaimed", existing.Owner != "" && !fresh,
	)
	return record, nil
}

// Release implements Store. Removing an absent file is success.
func (s *DiskStore) Release(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !resourceuri.IsValidSlug(id) {
		return api.Failure{
			Code:       api.CodeInvalidInput,
			Detail:     fmt.Sprintf("invalid lock id %q", id),
			HTTPStatus: 400,
		}
	}
	s.mu.Lock()
	err := os.Remove(s.path(id))
	s.mu.Unlock()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("lock: release %q: %w", id, err)
	}
	s.logger.Debug("lock.release.ok", "id", id, "was_held", err == nil)
	return nil
}

// Inspect implements Store.
func (s *DiskStore) Inspect(ctx context.Context, id string) (api.LockRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return api.LockRecord{}, false, err
	}
	record, fresh, err := s.readRecord(id)
	return record, fresh, err
}

// readRecord loads the current record for id. A missing file yields a zero
// record; a corrupt file is treated as stale so a dead holder cannot wedge
// the id forever.
func (s *DiskStore) readRecord(id string) (api.LockRecord, bool, error) {
	p := s.path(id)
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return api.LockRecord{}, false, nil
		}
		return api.LockRecord{}, false, fmt.Errorf("lock: stat %q: %w", id, err)
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		s.logger.Warn("lock.file.loose_permissions", "id", id, "mode", fmt.Sprintf("%04o", mode))
	}
	payload, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return api.LockRecord{}, false, nil
		}
		return api.LockRecord{}, false, fmt.Errorf("lock: read %q: %w", id, err)
	}
	var record api.LockRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		s.logger.Warn("lock.file.corrupt", "id", id, "error", err)
		return api.LockRecord{}, false, nil
	}
	if record.Owner == "" || record.TTLSeconds <= 0 {
		s.logger.Warn("lock.file.incomplete", "id", id)
		return record, false, nil
	}
	return record, !record.StaleAt(s.clock.Now()), nil
}

// WithLock runs fn while holding the lock for id, releasing on every exit
// path including panic and context cancellation inside fn.
func WithLock(ctx context.Context, store Store, id, owner string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if _, err := store.Acquire(ctx, id, owner, ttl); err != nil {
		return err
	}
	defer func() {
		// Release must not inherit a cancelled request context.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Release(releaseCtx, id)
	}()
	return fn(ctx)
}
