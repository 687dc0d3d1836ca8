package writer

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/kacper-wojtaszczyk/obsync/internal/model"
	"github.com/kacper-wojtaszczyk/obsync/internal/normalize"
	"github.com/kacper-wojtaszczyk/obsync/internal/storage"
)

// Op is one object write of a WriteAll call.
type Op struct {
	Descriptor model.Descriptor
	Result     normalize.Result
	// Update appends to an existing object instead of sending a new one.
	Update bool
	// Overwrite lets a send replace an existing object.
	Overwrite bool
}

// staged is a checked write waiting to be applied inside a transaction.
type staged struct {
	op       string
	d        model.Descriptor
	previous []string
	backup   bool
	appended int
	apply    func(ctx context.Context, tx *txn) error
}

// WriteAll performs ops as one unit. The lock of every target is taken and
// every precondition checked before the first write. If any write fails, the
// objects already written are rolled back, newest first, so the call leaves
// each target as it found it.
func (w *Writer) WriteAll(ctx context.Context, runID model.RunID, ops ...Op) error {
	if len(ops) == 0 {
		return nil
	}
	prefixes := make([]string, 0, len(ops))
	for _, op := range ops {
		p := storage.JoinKey(op.Descriptor.Prefix)
		if slices.Contains(prefixes, p) {
			return fmt.Errorf("object %s is written twice in one call", op.Descriptor.Key())
		}
		prefixes = append(prefixes, p)
	}

	// Sorted order keeps two callers from each holding half of the locks.
	slices.Sort(prefixes)
	for _, prefix := range prefixes {
		release, err := w.acquire(ctx, prefix, runID)
		if err != nil {
			return err
		}
		defer release()
	}

	plans := make([]*staged, 0, len(ops))
	for _, op := range ops {
		var (
			p   *staged
			err error
		)
		if op.Update {
			p, err = w.planUpdate(ctx, op, runID)
		} else {
			p, err = w.planSend(ctx, op, runID)
		}
		if err != nil {
			return w.name(ops, op, err)
		}
		plans = append(plans, p)
	}

	txs := make([]*txn, 0, len(plans))
	for _, p := range plans {
		tx := newTxn(w.store, p.d.Prefix)
		if p.backup {
			tx.backup = backupPrefix(p.d.Prefix)
		}
		txs = append(txs, tx)
		if err := p.apply(ctx, tx); err != nil {
			for i := len(txs) - 1; i >= 0; i-- {
				txs[i].rollback(ctx)
			}
			if len(txs) > 1 {
				slog.WarnContext(ctx, "rolled back objects written earlier in the call", "objects", len(txs)-1, "failed", p.d.Key(), "run_id", runID)
			}
			return w.name(ops, Op{Descriptor: p.d}, err)
		}
	}

	for i, p := range plans {
		txs[i].finish(ctx, p.previous)
		slog.InfoContext(ctx, p.op+" committed", "dataset", p.d.Name, "key", p.d.Key(), "appended", p.appended, "run_id", runID)
	}
	return nil
}

// name prefixes err with the object key when a call writes several objects.
func (w *Writer) name(ops []Op, op Op, err error) error {
	if len(ops) == 1 {
		return err
	}
	return fmt.Errorf("%s: %w", op.Descriptor.Key(), err)
}
