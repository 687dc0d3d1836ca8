// Package normalize opens staged raw files and standardizes them into the
// in-memory dataset and chunk plan handed to the store writer.
package normalize

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/kacper-wojtaszczyk/obsync/internal/dataset"
	"github.com/kacper-wojtaszczyk/obsync/internal/model"
	"github.com/kacper-wojtaszczyk/obsync/internal/storage"
	"github.com/kacper-wojtaszczyk/obsync/internal/zarr"
)

// Result is a standardized dataset and the chunking it should be stored with.
type Result struct {
	Dataset *dataset.Dataset
	Plan    dataset.ChunkPlan
}

// Normalizer reads Zarr stores, NetCDF files and delimited text tables. It
// performs no resampling, unit conversion or interpolation.
type Normalizer struct{}

func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Normalize loads paths (each may be a glob), joins them along the append
// dimension, applies the descriptor's rename, drop, mask and variable
// selection, and plans chunks.
func (n *Normalizer) Normalize(ctx context.Context, paths []string, d model.Descriptor) (Result, error) {
	files, err := expand(paths)
	if err != nil {
		return Result{}, err
	}

	parts := make([]*dataset.Dataset, 0, len(files))
	for _, path := range files {
		ds, err := n.open(ctx, path, d)
		if err != nil {
			return Result{}, err
		}
		slog.DebugContext(ctx, "opened staged file", "dataset", d.Name, "path", path, "variables", ds.Len())
		parts = append(parts, ds)
	}

	ds, err := join(parts, d)
	if err != nil {
		return Result{}, err
	}

	if ds, err = standardize(ds, d); err != nil {
		return Result{}, err
	}

	if ds.Len() == 0 {
		return Result{}, &NormalizationError{Reason: "no variables left after selection"}
	}
	if d.AppendDim != "" {
		size, ok := ds.DimSize(d.AppendDim)
		if !ok {
			return Result{}, &NormalizationError{Reason: fmt.Sprintf("append dimension %q not present", d.AppendDim)}
		}
		if size == 0 {
			return Result{}, &NormalizationError{Reason: fmt.Sprintf("append dimension %q is empty", d.AppendDim)}
		}
	}

	plan := dataset.PlanChunks(ds, d.Chunks)
	slog.InfoContext(ctx, "normalized", "dataset", d.Name, "files", len(files), "variables", ds.Names())
	return Result{Dataset: ds, Plan: plan}, nil
}

func expand(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, &NormalizationError{Path: p, Reason: "invalid pattern", Err: err}
		}
		if len(matches) == 0 {
			return nil, &NormalizationError{Path: p, Reason: "no staged files match"}
		}
		sort.Strings(matches)
		files = append(files, matches...)
	}
	if len(files) == 0 {
		return nil, &NormalizationError{Reason: "no input files"}
	}
	return files, nil
}

func (n *Normalizer) open(ctx context.Context, path string, d model.Descriptor) (*dataset.Dataset, error) {
	switch {
	case strings.HasSuffix(strings.TrimSuffix(path, string(filepath.Separator)), ".zarr"):
		store, err := storage.OpenDirStore(path)
		if err != nil {
			return nil, &NormalizationError{Path: path, Reason: "cannot open zarr store", Err: err}
		}
		ds, _, err := zarr.ReadDataset(ctx, store, "")
		if err != nil {
			return nil, &NormalizationError{Path: path, Reason: "cannot read zarr store", Err: err}
		}
		return ds, nil
	case isNetCDFFile(path):
		ds, err := readNetCDF(path)
		if err != nil {
			return nil, &NormalizationError{Path: path, Reason: "cannot read netcdf file", Err: err}
		}
		return ds, nil
	case isTableFile(path):
		ds, err := readTable(path, d.Table)
		if err != nil {
			return nil, &NormalizationError{Path: path, Reason: "cannot read table", Err: err}
		}
		return ds, nil
	default:
		return nil, &NormalizationError{Path: path, Reason: fmt.Sprintf("unsupported format %q", filepath.Ext(path))}
	}
}

// join concatenates parts along the append dimension (or time) and orders
// the result by that coordinate.
func join(parts []*dataset.Dataset, d model.Descriptor) (*dataset.Dataset, error) {
	if len(parts) == 1 {
		return parts[0], nil
	}
	dim := joinDim(parts[0], d)
	if dim == "" {
		return nil, &NormalizationError{Reason: "several input files but no append dimension to join them along"}
	}
	if err := sameUnits(dim, parts); err != nil {
		return nil, err
	}
	ds, err := dataset.Concat(dim, parts...)
	if err != nil {
		return nil, &NormalizationError{Reason: "cannot concatenate inputs", Err: err}
	}
	if _, ok := ds.Coordinate(dim); ok {
		if ds, err = ds.SortBy(dim); err != nil {
			return nil, &NormalizationError{Reason: "inputs overlap", Err: err}
		}
	}
	return ds, nil
}

// sameUnits rejects parts whose coordinate along dim is counted from
// different references.
func sameUnits(dim string, parts []*dataset.Dataset) error {
	var want string
	seen := false
	for _, p := range parts {
		v, ok := p.Variable(dim)
		if !ok {
			continue
		}
		got := fmt.Sprint(v.Attrs["units"])
		if !seen {
			want, seen = got, true
			continue
		}
		if got != want {
			return &NormalizationError{Reason: fmt.Sprintf("%s units differ between inputs: %v and %v", dim, want, got)}
		}
	}
	return nil
}

// joinDim is the append dimension after renaming, mapped back to its name in the raw input.
func joinDim(first *dataset.Dataset, d model.Descriptor) string {
	candidates := []string{d.AppendDim, "time"}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		for from, to := range d.Rename {
			if to == c {
				c = from
			}
		}
		if _, ok := first.DimSize(c); ok {
			return c
		}
	}
	return ""
}

func standardize(ds *dataset.Dataset, d model.Descriptor) (*dataset.Dataset, error) {
	var err error
	if len(d.Rename) > 0 {
		if ds, err = ds.Rename(d.Rename); err != nil {
			return nil, &NormalizationError{Reason: "rename", Err: err}
		}
	}
	if len(d.Drop) > 0 {
		if ds, err = ds.Drop(d.Drop); err != nil {
			return nil, &NormalizationError{Reason: "drop", Err: err}
		}
	}
	names := make([]string, 0, len(d.Mask))
	for name := range d.Mask {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if err := ds.MaskValue(name, d.Mask[name]); err != nil {
			return nil, &NormalizationError{Reason: "mask", Err: err}
		}
	}
	if ds, err = ds.Select(d.Variables.Names()); err != nil {
		return nil, &NormalizationError{Reason: fmt.Sprintf("selector %q", d.Variables), Err: err}
	}
	return ds, nil
}
