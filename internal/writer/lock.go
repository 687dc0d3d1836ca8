package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kacper-wojtaszczyk/obsync/internal/model"
	"github.com/kacper-wojtaszczyk/obsync/internal/storage"
)

// lockRecord is the content of "<prefix>.lock", a sibling of the object.
type lockRecord struct {
	Owner      string `json:"owner"`
	RunID      string `json:"run_id"`
	Host       string `json:"host"`
	AcquiredAt string `json:"acquired_at"`
}

func lockKey(prefix string) string {
	return storage.JoinKey(prefix) + ".lock"
}

// acquire takes the single-writer lock of prefix. A lock older than the TTL
// is considered abandoned and taken over.
func (w *Writer) acquire(ctx context.Context, prefix string, runID model.RunID) (func(), error) {
	key := lockKey(prefix)

	existing, err := w.store.Get(ctx, key)
	switch {
	case err == nil:
		var held lockRecord
		if jerr := json.Unmarshal(existing, &held); jerr != nil {
			slog.WarnContext(ctx, "replacing unreadable lock", "key", key, "error", jerr)
			break
		}
		since, perr := parseTime(held.AcquiredAt)
		if perr == nil && w.now().Sub(since) < w.lockTTL {
			return nil, &LockedError{Key: key, Owner: held.Owner, RunID: held.RunID, Host: held.Host, Since: since}
		}
		slog.WarnContext(ctx, "taking over stale lock", "key", key, "run_id", held.RunID, "host", held.Host, "acquired_at", held.AcquiredAt)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("read lock %s: %w", key, err)
	}

	mine := lockRecord{
		Owner:      uuid.NewString(),
		RunID:      runID.String(),
		Host:       w.host,
		AcquiredAt: formatTime(w.now()),
	}
	data, err := json.Marshal(mine)
	if err != nil {
		return nil, err
	}
	if err := w.store.Put(ctx, key, data); err != nil {
		return nil, fmt.Errorf("write lock %s: %w", key, err)
	}

	// Two writers racing past the check both write; the one whose record
	// survives wins.
	current, err := w.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read back lock %s: %w", key, err)
	}
	var got lockRecord
	if err := json.Unmarshal(current, &got); err != nil || got.Owner != mine.Owner {
		since, _ := parseTime(got.AcquiredAt)
		return nil, &LockedError{Key: key, Owner: got.Owner, RunID: got.RunID, Host: got.Host, Since: since}
	}
	slog.DebugContext(ctx, "lock acquired", "key", key, "run_id", runID)

	release := func() {
		cctx := context.WithoutCancel(ctx)
		current, err := w.store.Get(cctx, key)
		if err != nil {
			slog.WarnContext(cctx, "lock vanished before release", "key", key, "error", err)
			return
		}
		var held lockRecord
		if json.Unmarshal(current, &held) == nil && held.Owner != mine.Owner {
			slog.WarnContext(cctx, "lock taken over by another writer", "key", key, "run_id", held.RunID)
			return
		}
		if err := w.store.Delete(cctx, key); err != nil {
			slog.WarnContext(cctx, "failed to release lock", "key", key, "error", err)
		}
	}
	return release, nil
}

// LockInfo describes a lock removed by BreakLock. Backups counts keys parked
// under "<prefix>.backup" by an overwrite that never finished.
type LockInfo struct {
	Key     string
	Owner   string
	RunID   string
	Host    string
	Since   time.Time
	Backups int
}

// BreakLock removes the lock of prefix regardless of its age. It is the
// manual way out when the writer holding it was killed. found is false when
// no lock was held. Parked backups are reported and left in place.
func (w *Writer) BreakLock(ctx context.Context, prefix string) (info LockInfo, found bool, err error) {
	key := lockKey(prefix)
	info.Key = key

	data, err := w.store.Get(ctx, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return info, false, nil
	case err != nil:
		return info, false, fmt.Errorf("read lock %s: %w", key, err)
	}
	var held lockRecord
	if err := json.Unmarshal(data, &held); err != nil {
		slog.WarnContext(ctx, "breaking unreadable lock", "key", key, "error", err)
	}
	info.Owner, info.RunID, info.Host = held.Owner, held.RunID, held.Host
	info.Since, _ = parseTime(held.AcquiredAt)

	if err := w.store.Delete(ctx, key); err != nil {
		return info, true, fmt.Errorf("delete lock %s: %w", key, err)
	}
	slog.WarnContext(ctx, "lock broken", "key", key, "run_id", held.RunID, "host", held.Host, "acquired_at", held.AcquiredAt)

	parked, err := w.store.List(ctx, backupPrefix(prefix)+"/")
	if err != nil {
		return info, true, fmt.Errorf("list backups of %s: %w", prefix, err)
	}
	info.Backups = len(parked)
	if info.Backups > 0 {
		slog.WarnContext(ctx, "backups of an interrupted overwrite remain", "prefix", backupPrefix(prefix), "keys", info.Backups)
	}
	return info, true, nil
}
