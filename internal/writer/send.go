package writer

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/kacper-wojtaszczyk/obsync/internal/dataset"
	"github.com/kacper-wojtaszczyk/obsync/internal/model"
	"github.com/kacper-wojtaszczyk/obsync/internal/normalize"
	"github.com/kacper-wojtaszczyk/obsync/internal/storage"
	"github.com/kacper-wojtaszczyk/obsync/internal/zarr"
)

// SendOptions control a full write.
type SendOptions struct {
	Overwrite bool
	RunID     model.RunID
}

// chunkJob encodes block idx of v. key is the chunk's position in the
// stored grid, which differs from idx when v is a tail being appended.
type chunkJob struct {
	name    string
	meta    zarr.ArrayMeta
	v       *dataset.Variable
	idx     []int
	key     []int
	replace bool
}

// Send writes res as a new Zarr group at d.Prefix. The group marker is
// written after every chunk and array document has been verified, so a
// failed send leaves no object behind. With Overwrite an existing object is
// replaced in place: its keys are backed up under "<prefix>.backup" and put
// back on failure, and keys the new object does not use are deleted once it
// is committed.
func (w *Writer) Send(ctx context.Context, res normalize.Result, d model.Descriptor, opts SendOptions) error {
	return w.WriteAll(ctx, opts.RunID, Op{Descriptor: d, Result: res, Overwrite: opts.Overwrite})
}

// planSend checks that a send may proceed and lays out its chunks. The
// caller holds the lock of d.Prefix.
func (w *Writer) planSend(ctx context.Context, op Op, runID model.RunID) (*staged, error) {
	d, ds := op.Descriptor, op.Result.Dataset
	prefix := d.Prefix
	version := d.EffectiveZarrVersion()
	if ds == nil || ds.Len() == 0 {
		return nil, fmt.Errorf("send %s: empty dataset", d.Key())
	}

	exists, err := w.Exists(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var previous []string
	if exists {
		if !op.Overwrite {
			return nil, &AlreadyExistsError{Key: d.Key()}
		}
		if previous, err = w.store.List(ctx, storage.JoinKey(prefix)+"/"); err != nil {
			return nil, fmt.Errorf("overwrite %s: %w", d.Key(), err)
		}
	}

	arrays := make(map[string]zarr.ArrayMeta, ds.Len())
	var jobs []chunkJob
	for _, name := range ds.Names() {
		v, _ := ds.Variable(name)
		chunks := op.Result.Plan[name]
		if chunks == nil {
			chunks = wholeExtent(v.Shape)
		}
		m := zarr.NewArrayMeta(version, v, chunks, w.compressor)
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("variable %s: %w", name, err)
		}
		arrays[name] = m
		for _, idx := range zarr.ChunkIndices(zarr.ChunkCounts(m.Shape, m.Chunks)) {
			jobs = append(jobs, chunkJob{name: name, meta: m, v: v, idx: idx, key: idx, replace: exists})
		}
	}

	apply := func(ctx context.Context, tx *txn) error {
		slog.InfoContext(ctx, "send started", "dataset", d.Name, "key", d.Key(), "variables", ds.Len(), "chunks", len(jobs), "zarr_version", version, "run_id", runID)
		put := tx.create
		if exists {
			put = tx.replace
			// The old object stops reading as present until the new marker lands.
			for _, v := range []int{3, 2} {
				if err := tx.retire(ctx, zarr.GroupMarker(v)); err != nil {
					return fmt.Errorf("overwrite %s: %w", d.Key(), err)
				}
			}
			slog.WarnContext(ctx, "overwriting existing object", "dataset", d.Name, "key", d.Key(), "keys", len(previous), "run_id", runID)
		}

		if err := w.writeChunks(ctx, tx, jobs); err != nil {
			return err
		}
		for _, name := range ds.Names() {
			objs, err := zarr.EncodeArray(version, name, arrays[name])
			if err != nil {
				return fmt.Errorf("encode %s metadata: %w", name, err)
			}
			for _, o := range objs {
				if err := put(ctx, o.Key, o.Data); err != nil {
					return err
				}
			}
		}

		group, err := zarr.EncodeGroup(version, d.Attributes(), arrays)
		if err != nil {
			return fmt.Errorf("encode group metadata: %w", err)
		}
		marker := group[len(group)-1]
		for _, o := range group[:len(group)-1] {
			if err := put(ctx, o.Key, o.Data); err != nil {
				return err
			}
		}
		if err := tx.verify(ctx, w.compute.VerifyWorkers); err != nil {
			return err
		}
		if err := put(ctx, marker.Key, marker.Data); err != nil {
			return err
		}
		return tx.verify(ctx, 1)
	}

	return &staged{
		op:       "send",
		d:        d,
		previous: previous,
		backup:   exists,
		apply:    apply,
	}, nil
}

// writeChunks encodes and uploads jobs with up to Compute.Workers in flight.
func (w *Writer) writeChunks(ctx context.Context, tx *txn, jobs []chunkJob) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.compute.Workers)
	for _, job := range jobs {
		g.Go(func() error {
			block := zarr.ExtractBlock(job.v.Data, job.v.Shape, job.meta.Chunks, job.idx, job.meta.FillValue)
			data, err := zarr.EncodeChunk(job.meta, block)
			if err != nil {
				return fmt.Errorf("encode %s chunk %v: %w", job.name, job.key, err)
			}
			key := zarr.ChunkKey(job.name, job.meta, job.key)
			if job.replace {
				return tx.replace(gctx, key, data)
			}
			return tx.create(gctx, key, data)
		})
	}
	return g.Wait()
}

func wholeExtent(shape []int) []int {
	chunks := make([]int, len(shape))
	for i, s := range shape {
		chunks[i] = max(s, 1)
	}
	return chunks
}
