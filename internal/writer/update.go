package writer

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/kacper-wojtaszczyk/obsync/internal/dataset"
	"github.com/kacper-wojtaszczyk/obsync/internal/model"
	"github.com/kacper-wojtaszczyk/obsync/internal/normalize"
	"github.com/kacper-wojtaszczyk/obsync/internal/zarr"
)

// UpdateOptions control an append.
type UpdateOptions struct {
	RunID model.RunID
}

// Update appends res to the object at d.Prefix along d.AppendDim. Stored
// attributes are kept. On failure the object is left as it was.
func (w *Writer) Update(ctx context.Context, res normalize.Result, d model.Descriptor, opts UpdateOptions) error {
	return w.WriteAll(ctx, opts.RunID, Op{Descriptor: d, Result: res, Update: true})
}

// planUpdate validates an append against the stored object and lays out the
// new and merged chunks. The caller holds the lock of d.Prefix.
func (w *Writer) planUpdate(ctx context.Context, op Op, runID model.RunID) (*staged, error) {
	d, ds := op.Descriptor, op.Result.Dataset
	dim := d.AppendDim
	if dim == "" {
		return nil, ErrAppendDimRequired
	}
	prefix := d.Prefix
	if ds == nil || ds.Len() == 0 {
		return nil, fmt.Errorf("update %s: empty dataset", d.Key())
	}

	g, err := w.readGroup(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if version := d.EffectiveZarrVersion(); g.Version != version {
		return nil, &DimensionMismatchError{Reason: fmt.Sprintf("object is stored as zarr v%d, descriptor asks for v%d", g.Version, version)}
	}
	if err := sameVariables(g, ds); err != nil {
		return nil, err
	}
	added, err := w.checkCoordinate(ctx, prefix, g, ds, dim)
	if err != nil {
		return nil, err
	}

	names := zarr.OrderedNames(g.Arrays)
	grown := make(map[string]zarr.ArrayMeta, len(g.Arrays))
	var jobs []chunkJob
	for _, name := range names {
		m := g.Arrays[name]
		v, _ := ds.Variable(name)
		if err := fits(name, m, v, op.Result.Plan[name], dim); err != nil {
			return nil, err
		}
		axis := slices.Index(m.Dims, dim)
		if axis < 0 {
			grown[name] = m
			continue
		}
		tail, start, err := w.tail(ctx, prefix, name, m, v, dim)
		if err != nil {
			return nil, err
		}
		gm := m
		gm.Shape = slices.Clone(m.Shape)
		gm.Shape[axis] += v.Shape[axis]
		grown[name] = gm

		c := m.Chunks[axis]
		offset := start / c
		stored := (m.Shape[axis] + c - 1) / c
		for _, idx := range zarr.ChunkIndices(zarr.ChunkCounts(tail.Shape, m.Chunks)) {
			key := slices.Clone(idx)
			key[axis] += offset
			jobs = append(jobs, chunkJob{name: name, meta: m, v: tail, idx: idx, key: key, replace: key[axis] < stored})
		}
	}

	apply := func(ctx context.Context, tx *txn) error {
		slog.InfoContext(ctx, "update started", "dataset", d.Name, "key", d.Key(), "append_dim", dim, "appended", added, "chunks", len(jobs), "run_id", runID)
		if err := w.writeChunks(ctx, tx, jobs); err != nil {
			return err
		}
		if err := tx.verify(ctx, w.compute.VerifyWorkers); err != nil {
			return err
		}
		for _, name := range names {
			if slices.Equal(grown[name].Shape, g.Arrays[name].Shape) {
				continue
			}
			objs, err := zarr.EncodeArray(g.Version, name, grown[name])
			if err != nil {
				return fmt.Errorf("encode %s metadata: %w", name, err)
			}
			for _, o := range objs {
				if err := tx.replace(ctx, o.Key, o.Data); err != nil {
					return err
				}
			}
		}
		group, err := zarr.EncodeGroup(g.Version, g.Attrs, grown)
		if err != nil {
			return fmt.Errorf("encode group metadata: %w", err)
		}
		for _, o := range group {
			if err := tx.replace(ctx, o.Key, o.Data); err != nil {
				return err
			}
		}
		return tx.verify(ctx, w.compute.VerifyWorkers)
	}

	return &staged{op: "update", d: d, appended: added, apply: apply}, nil
}

func sameVariables(g *zarr.Group, ds *dataset.Dataset) error {
	for _, name := range ds.Names() {
		if _, ok := g.Arrays[name]; !ok {
			return &DimensionMismatchError{Variable: name, Reason: "not present in the stored object"}
		}
	}
	for _, name := range zarr.OrderedNames(g.Arrays) {
		if _, ok := ds.Variable(name); !ok {
			return &DimensionMismatchError{Variable: name, Reason: "stored variable missing from the update"}
		}
	}
	return nil
}

// checkCoordinate requires new append coordinates to be strictly increasing
// and to start after the stored last value. It returns the number of new slices.
func (w *Writer) checkCoordinate(ctx context.Context, prefix string, g *zarr.Group, ds *dataset.Dataset, dim string) (int, error) {
	coord, ok := ds.Coordinate(dim)
	if !ok {
		return 0, &DimensionMismatchError{Variable: dim, Dimension: dim, Reason: "update has no coordinate values"}
	}
	if len(coord) == 0 {
		return 0, &DimensionMismatchError{Variable: dim, Dimension: dim, Reason: "update is empty"}
	}
	if _, ok := g.Arrays[dim]; !ok {
		return 0, &DimensionMismatchError{Variable: dim, Dimension: dim, Reason: "no stored coordinate array"}
	}
	for i := 1; i < len(coord); i++ {
		if coord[i] <= coord[i-1] {
			return 0, &DimensionMismatchError{Variable: dim, Dimension: dim, Reason: fmt.Sprintf("new values are not strictly increasing at position %d", i)}
		}
	}
	last, _, ok, err := w.LastCoordinate(ctx, prefix, dim)
	if err != nil {
		return 0, err
	}
	if ok && coord[0] <= last {
		return 0, &DimensionMismatchError{Variable: dim, Dimension: dim, Reason: fmt.Sprintf("first new value %v is not after stored last value %v", coord[0], last)}
	}
	return len(coord), nil
}

// fits checks v against the stored array m: same dimensions, and same
// length and chunking on every axis except dim.
func fits(name string, m zarr.ArrayMeta, v *dataset.Variable, plan []int, dim string) error {
	if !slices.Equal(v.Dims, m.Dims) {
		return &DimensionMismatchError{Variable: name, Reason: fmt.Sprintf("dimensions %v, stored %v", v.Dims, m.Dims)}
	}
	for i, other := range m.Dims {
		if other == dim {
			continue
		}
		if v.Shape[i] != m.Shape[i] {
			return &DimensionMismatchError{Variable: name, Dimension: other, Reason: fmt.Sprintf("length %d, stored %d", v.Shape[i], m.Shape[i])}
		}
		if plan != nil && plan[i] != m.Chunks[i] {
			return &DimensionMismatchError{Variable: name, Dimension: other, Reason: fmt.Sprintf("chunk length %d, stored %d", plan[i], m.Chunks[i])}
		}
	}
	return nil
}

// tail joins the stored values of a partially filled last chunk with v. start
// is the position along dim where the returned variable begins.
func (w *Writer) tail(ctx context.Context, prefix, name string, m zarr.ArrayMeta, v *dataset.Variable, dim string) (*dataset.Variable, int, error) {
	axis := slices.Index(m.Dims, dim)
	length, c := m.Shape[axis], m.Chunks[axis]
	start := (length / c) * c
	if start == length {
		return v, start, nil
	}

	stored, err := zarr.ReadArrayFrom(ctx, w.store, prefix, name, m, dim, start)
	if err != nil {
		return nil, 0, fmt.Errorf("read trailing chunk of %s: %w", name, err)
	}
	head, next := dataset.New(), dataset.New()
	if err := head.AddVariable(stored); err != nil {
		return nil, 0, err
	}
	if err := next.AddVariable(v); err != nil {
		return nil, 0, err
	}
	joined, err := dataset.Concat(dim, head, next)
	if err != nil {
		return nil, 0, &DimensionMismatchError{Variable: name, Dimension: dim, Reason: err.Error()}
	}
	out, _ := joined.Variable(name)
	return out, start, nil
}
