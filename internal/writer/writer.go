// Package writer persists normalized datasets as Zarr groups in an object
// store: full sends, appends along a dimension, and attribute reads.
package writer

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kacper-wojtaszczyk/obsync/internal/config"
	"github.com/kacper-wojtaszczyk/obsync/internal/model"
	"github.com/kacper-wojtaszczyk/obsync/internal/storage"
	"github.com/kacper-wojtaszczyk/obsync/internal/zarr"
)

const defaultLockTTL = 24 * time.Hour

// Options tune a Writer. The zero value writes sequentially with zstd chunks.
type Options struct {
	Compute    config.Compute
	LockTTL    time.Duration
	Compressor string
}

// Writer writes to a single bucket.
type Writer struct {
	store      storage.Bucket
	compute    config.Compute
	lockTTL    time.Duration
	compressor string
	host       string
	now        func() time.Time
}

func New(store storage.Bucket, opts Options) *Writer {
	w := &Writer{
		store:      store,
		compute:    opts.Compute,
		lockTTL:    opts.LockTTL,
		compressor: opts.Compressor,
		now:        time.Now,
	}
	if w.compute.Workers < 1 {
		w.compute = config.SequentialCompute()
	}
	if w.compute.VerifyWorkers < 1 {
		w.compute.VerifyWorkers = w.compute.Workers
	}
	if w.lockTTL <= 0 {
		w.lockTTL = defaultLockTTL
	}
	switch w.compressor {
	case "":
		w.compressor = zarr.CompressorZstd
	case "none":
		w.compressor = zarr.CompressorNone
	}
	w.host, _ = os.Hostname()
	if w.host == "" {
		w.host = "unknown"
	}
	return w
}

// Exists reports whether a committed group (v2 or v3) lives at prefix.
func (w *Writer) Exists(ctx context.Context, prefix string) (bool, error) {
	for _, version := range []int{3, 2} {
		key := storage.JoinKey(prefix, zarr.GroupMarker(version))
		ok, err := w.store.Exists(ctx, key)
		if err != nil {
			return false, fmt.Errorf("check %s: %w", key, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// ReadAttributes returns the stored group attributes.
func (w *Writer) ReadAttributes(ctx context.Context, prefix string) (model.Attributes, error) {
	g, err := w.readGroup(ctx, prefix)
	if err != nil {
		return nil, err
	}
	return model.Attributes(g.Attrs).Clone(), nil
}

// LastCoordinate returns the final stored value of the coordinate array dim
// and the stored length of dim. ok is false when the dimension is empty.
func (w *Writer) LastCoordinate(ctx context.Context, prefix, dim string) (last float64, length int, ok bool, err error) {
	g, err := w.readGroup(ctx, prefix)
	if err != nil {
		return 0, 0, false, err
	}
	m, found := g.Arrays[dim]
	if !found || len(m.Dims) != 1 || m.Dims[0] != dim {
		return 0, 0, false, &DimensionMismatchError{Variable: dim, Dimension: dim, Reason: "no stored coordinate array"}
	}
	n := m.Shape[0]
	if n == 0 {
		return 0, 0, false, nil
	}
	v, err := zarr.ReadArrayFrom(ctx, w.store, prefix, dim, m, dim, n-1)
	if err != nil {
		return 0, 0, false, fmt.Errorf("read %s coordinate: %w", dim, err)
	}
	return v.Data[0], n, true, nil
}

func (w *Writer) readGroup(ctx context.Context, prefix string) (*zarr.Group, error) {
	g, err := zarr.ReadGroup(ctx, w.store, prefix)
	if errors.Is(err, zarr.ErrNoGroup) {
		return nil, &NotFoundError{Key: prefix}
	}
	if err != nil {
		return nil, fmt.Errorf("read group %s: %w", prefix, err)
	}
	return g, nil
}

// txn records what one Send or Update wrote so it can be verified and undone.
// Prior contents of replaced keys are kept in memory, or parked in the bucket
// under backup when it is set.
type txn struct {
	store   storage.Bucket
	prefix  string
	backup  string
	mu      sync.Mutex
	created []string
	saved   map[string][]byte
	parked  map[string]string
	order   []string
	sums    map[string][sha256.Size]byte
	checked map[string]bool
}

func newTxn(store storage.Bucket, prefix string) *txn {
	return &txn{
		store:   store,
		prefix:  prefix,
		saved:   map[string][]byte{},
		parked:  map[string]string{},
		sums:    map[string][sha256.Size]byte{},
		checked: map[string]bool{},
	}
}

func backupPrefix(prefix string) string {
	return storage.JoinKey(prefix) + ".backup"
}

// create writes a key that did not exist before this call.
func (t *txn) create(ctx context.Context, rel string, data []byte) error {
	key := storage.JoinKey(t.prefix, rel)
	t.mu.Lock()
	t.created = append(t.created, key)
	t.sums[key] = sha256.Sum256(data)
	delete(t.checked, key)
	t.mu.Unlock()
	if err := t.store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// replace writes a key, keeping its previous content for rollback.
func (t *txn) replace(ctx context.Context, rel string, data []byte) error {
	key := storage.JoinKey(t.prefix, rel)
	existed, err := t.keep(ctx, key, rel)
	if err != nil {
		return err
	}
	if !existed {
		return t.create(ctx, rel, data)
	}
	t.mu.Lock()
	t.sums[key] = sha256.Sum256(data)
	delete(t.checked, key)
	t.mu.Unlock()
	if err := t.store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// retire deletes a key, keeping its content for rollback.
func (t *txn) retire(ctx context.Context, rel string) error {
	key := storage.JoinKey(t.prefix, rel)
	existed, err := t.keep(ctx, key, rel)
	if err != nil || !existed {
		return err
	}
	if err := t.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// keep backs up the current content of key once per transaction. It reports
// false when the key does not exist.
func (t *txn) keep(ctx context.Context, key, rel string) (bool, error) {
	t.mu.Lock()
	_, known := t.saved[key]
	t.mu.Unlock()
	if known {
		return true, nil
	}
	old, err := t.store.Get(ctx, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("back up %s: %w", key, err)
	}
	if t.backup != "" {
		parked := storage.JoinKey(t.backup, rel)
		if err := t.store.Put(ctx, parked, old); err != nil {
			return false, fmt.Errorf("back up %s: %w", key, err)
		}
		t.mu.Lock()
		t.parked[key] = parked
		t.mu.Unlock()
		old = nil
	}
	t.mu.Lock()
	t.saved[key] = old
	t.order = append(t.order, key)
	t.mu.Unlock()
	return true, nil
}

// verify reads back every key written since the last verify and compares
// content hashes.
func (t *txn) verify(ctx context.Context, workers int) error {
	t.mu.Lock()
	keys := make([]string, 0, len(t.sums))
	for key := range t.sums {
		if !t.checked[key] {
			keys = append(keys, key)
		}
	}
	t.mu.Unlock()
	slices.Sort(keys)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, key := range keys {
		g.Go(func() error {
			return t.verifyKey(gctx, key)
		})
	}
	return g.Wait()
}

func (t *txn) verifyKey(ctx context.Context, key string) error {
	t.mu.Lock()
	want := t.sums[key]
	t.mu.Unlock()
	got, err := t.store.Get(ctx, key)
	if err != nil {
		return &VerificationError{Key: key, Err: err}
	}
	if sha256.Sum256(got) != want {
		return &VerificationError{Key: key}
	}
	t.mu.Lock()
	t.checked[key] = true
	t.mu.Unlock()
	return nil
}

// rollback restores backed-up keys newest first, so group markers taken
// first come back last, then deletes created keys newest first. It runs on a
// context detached from cancellation. Parked backups are kept when any
// restore failed.
func (t *txn) rollback(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	t.mu.Lock()
	defer t.mu.Unlock()

	failed := 0
	for i := len(t.order) - 1; i >= 0; i-- {
		key := t.order[i]
		data := t.saved[key]
		if parked, ok := t.parked[key]; ok {
			var err error
			if data, err = t.store.Get(ctx, parked); err != nil {
				failed++
				slog.ErrorContext(ctx, "rollback restore failed", "key", key, "backup", parked, "error", err)
				continue
			}
		}
		if err := t.store.Put(ctx, key, data); err != nil {
			failed++
			slog.ErrorContext(ctx, "rollback restore failed", "key", key, "error", err)
		}
	}
	for i := len(t.created) - 1; i >= 0; i-- {
		if err := t.store.Delete(ctx, t.created[i]); err != nil {
			failed++
			slog.ErrorContext(ctx, "rollback delete failed", "key", t.created[i], "error", err)
		}
	}
	if failed == 0 {
		t.dropParked(ctx)
	} else if len(t.parked) > 0 {
		slog.ErrorContext(ctx, "backups kept for manual recovery", "prefix", t.prefix, "backup", t.backup)
	}
	slog.WarnContext(ctx, "rolled back", "prefix", t.prefix, "deleted", len(t.created), "restored", len(t.order), "failed", failed)
}

// finish runs after a commit. It deletes keys of the replaced object that
// the new one did not rewrite, then the parked backups. Failures are logged
// and do not undo the commit.
func (t *txn) finish(ctx context.Context, previous []string) {
	ctx = context.WithoutCancel(ctx)
	t.mu.Lock()
	defer t.mu.Unlock()

	stale := 0
	for _, key := range previous {
		_, written := t.sums[key]
		_, kept := t.saved[key]
		if written || kept {
			continue
		}
		if err := t.store.Delete(ctx, key); err != nil {
			slog.WarnContext(ctx, "failed to delete stale key", "key", key, "error", err)
			continue
		}
		stale++
	}
	t.dropParked(ctx)
	if len(previous) > 0 {
		slog.InfoContext(ctx, "replaced object cleaned up", "prefix", t.prefix, "stale_deleted", stale, "backups_dropped", len(t.parked))
	}
}

// dropParked deletes parked backups. Callers hold t.mu.
func (t *txn) dropParked(ctx context.Context) {
	for key, parked := range t.parked {
		if err := t.store.Delete(ctx, parked); err != nil {
			slog.WarnContext(ctx, "failed to delete backup", "key", key, "backup", parked, "error", err)
		}
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
