package zarr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/kacper-wojtaszczyk/obsync/internal/dataset"
	"github.com/kacper-wojtaszczyk/obsync/internal/storage"
)

// ErrNoGroup is returned when no group metadata exists at a prefix.
var ErrNoGroup = errors.New("no zarr group")

// Getter is the read side of an object store.
type Getter interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Lister enumerates keys. ReadGroup uses it when a group has no
// consolidated metadata.
type Lister interface {
	List(ctx context.Context, prefix string) ([]string, error)
}

// ReadGroup loads group attributes and the metadata of every array directly
// below prefix, detecting the format version.
func ReadGroup(ctx context.Context, s Getter, prefix string) (*Group, error) {
	data, err := s.Get(ctx, storage.JoinKey(prefix, zarrJSON))
	switch {
	case err == nil:
		return readGroupV3(ctx, s, prefix, data)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("read group %s: %w", prefix, err)
	}

	if _, err := s.Get(ctx, storage.JoinKey(prefix, zgroupKey)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", prefix, ErrNoGroup)
		}
		return nil, fmt.Errorf("read group %s: %w", prefix, err)
	}
	return readGroupV2(ctx, s, prefix)
}

func readGroupV3(ctx context.Context, s Getter, prefix string, data []byte) (*Group, error) {
	var g groupV3
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse group %s: %w", prefix, err)
	}
	if g.ZarrFormat != 3 {
		return nil, fmt.Errorf("group %s: zarr_format %d is not 3", prefix, g.ZarrFormat)
	}
	if g.NodeType != nodeGroup {
		return nil, fmt.Errorf("%s is a %s, not a group: %w", prefix, g.NodeType, ErrNoGroup)
	}
	group := &Group{Version: 3, Attrs: nonNil(g.Attributes), Arrays: map[string]ArrayMeta{}}

	if g.ConsolidatedMetadata != nil {
		for name, raw := range g.ConsolidatedMetadata.Metadata {
			if strings.Contains(name, "/") || isGroupNode(raw) {
				continue
			}
			m, err := DecodeArrayV3(raw)
			if err != nil {
				return nil, fmt.Errorf("array %s/%s: %w", prefix, name, err)
			}
			group.Arrays[name] = m
		}
		return group, nil
	}

	names, err := childArrays(ctx, s, prefix, zarrJSON)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		raw, err := s.Get(ctx, storage.JoinKey(prefix, name, zarrJSON))
		if err != nil {
			return nil, fmt.Errorf("read array %s/%s: %w", prefix, name, err)
		}
		if isGroupNode(raw) {
			continue
		}
		m, err := DecodeArrayV3(raw)
		if err != nil {
			return nil, fmt.Errorf("array %s/%s: %w", prefix, name, err)
		}
		group.Arrays[name] = m
	}
	return group, nil
}

func readGroupV2(ctx context.Context, s Getter, prefix string) (*Group, error) {
	group := &Group{Version: 2, Attrs: map[string]any{}, Arrays: map[string]ArrayMeta{}}

	if zmeta, err := s.Get(ctx, storage.JoinKey(prefix, zmetaKey)); err == nil {
		var c consolidatedV2
		if err := json.Unmarshal(zmeta, &c); err != nil {
			return nil, fmt.Errorf("parse %s/.zmetadata: %w", prefix, err)
		}
		if raw, ok := c.Metadata[zattrsKey]; ok {
			if err := json.Unmarshal(raw, &group.Attrs); err != nil {
				return nil, fmt.Errorf("parse %s/.zattrs: %w", prefix, err)
			}
		}
		for key, raw := range c.Metadata {
			name, ok := strings.CutSuffix(key, "/"+zarrayKey)
			if !ok || strings.Contains(name, "/") {
				continue
			}
			m, err := DecodeArrayV2(raw, c.Metadata[name+"/"+zattrsKey])
			if err != nil {
				return nil, fmt.Errorf("array %s/%s: %w", prefix, name, err)
			}
			group.Arrays[name] = m
		}
		return group, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("read %s/.zmetadata: %w", prefix, err)
	}

	zattrs, err := getOptional(ctx, s, storage.JoinKey(prefix, zattrsKey))
	if err != nil {
		return nil, err
	}
	if len(zattrs) > 0 {
		if err := json.Unmarshal(zattrs, &group.Attrs); err != nil {
			return nil, fmt.Errorf("parse %s/.zattrs: %w", prefix, err)
		}
	}

	names, err := childArrays(ctx, s, prefix, zarrayKey)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		zarray, err := s.Get(ctx, storage.JoinKey(prefix, name, zarrayKey))
		if err != nil {
			return nil, fmt.Errorf("read array %s/%s: %w", prefix, name, err)
		}
		attrs, err := getOptional(ctx, s, storage.JoinKey(prefix, name, zattrsKey))
		if err != nil {
			return nil, err
		}
		m, err := DecodeArrayV2(zarray, attrs)
		if err != nil {
			return nil, fmt.Errorf("array %s/%s: %w", prefix, name, err)
		}
		group.Arrays[name] = m
	}
	return group, nil
}

// childArrays lists names of direct children of prefix holding metaKey.
func childArrays(ctx context.Context, s Getter, prefix, metaKey string) ([]string, error) {
	l, ok := s.(Lister)
	if !ok {
		return nil, fmt.Errorf("group %s has no consolidated metadata and the store cannot list keys", prefix)
	}
	base := storage.JoinKey(prefix)
	if base != "" {
		base += "/"
	}
	keys, err := l.List(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	var names []string
	for _, k := range keys {
		rest := strings.TrimPrefix(k, base)
		name, ok := strings.CutSuffix(rest, "/"+metaKey)
		if ok && name != "" && !strings.Contains(name, "/") {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

func isGroupNode(raw []byte) bool {
	var node struct {
		NodeType string `json:"node_type"`
	}
	return json.Unmarshal(raw, &node) == nil && node.NodeType == nodeGroup
}

func getOptional(ctx context.Context, s Getter, key string) ([]byte, error) {
	data, err := s.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// ReadArray loads every chunk of array name. Missing chunks read as fill.
func ReadArray(ctx context.Context, s Getter, prefix, name string, m ArrayMeta) (*dataset.Variable, error) {
	return ReadArrayFrom(ctx, s, prefix, name, m, "", 0)
}

// ReadArrayFrom loads the part of array name whose index along dim is at
// least from. Only that window is allocated and only the chunks touching it
// are fetched. An empty dim reads the whole array.
func ReadArrayFrom(ctx context.Context, s Getter, prefix, name string, m ArrayMeta, dim string, from int) (*dataset.Variable, error) {
	axis := -1
	if dim != "" {
		if axis = slices.Index(m.Dims, dim); axis < 0 {
			return nil, fmt.Errorf("array %s has no dimension %q", name, dim)
		}
		if from < 0 || from > m.Shape[axis] {
			return nil, fmt.Errorf("array %s: start %d outside dimension %q of length %d", name, from, dim, m.Shape[axis])
		}
	}

	lo := make([]int, len(m.Shape))
	if axis >= 0 {
		lo[axis] = from
	}
	shape := WindowShape(m.Shape, lo)
	data := make([]float64, product(shape))
	chunkLen := product(m.Chunks)
	for _, idx := range ChunkIndices(ChunkCounts(m.Shape, m.Chunks)) {
		if axis >= 0 && (idx[axis]+1)*m.Chunks[axis] <= from {
			continue
		}
		key := storage.JoinKey(prefix, ChunkKey(name, m, idx))
		raw, err := s.Get(ctx, key)
		var block []float64
		switch {
		case errors.Is(err, storage.ErrNotFound):
			block = fillBlock(chunkLen, m.FillValue)
		case err != nil:
			return nil, fmt.Errorf("read chunk %s: %w", key, err)
		default:
			if block, err = DecodeChunk(m, raw, chunkLen); err != nil {
				return nil, fmt.Errorf("decode chunk %s: %w", key, err)
			}
		}
		InsertWindow(data, m.Shape, lo, m.Chunks, idx, block)
	}

	v := &dataset.Variable{
		Name:      name,
		Dims:      append([]string(nil), m.Dims...),
		Shape:     shape,
		DType:     m.DType,
		FillValue: m.FillValue,
		Data:      data,
		Attrs:     cloneAttrs(m.Attrs),
		Chunks:    append([]int(nil), m.Chunks...),
	}
	return v, nil
}

// ReadDataset loads a whole group: coordinate variables first, then the rest,
// each in name order. Group attributes become the dataset attributes.
func ReadDataset(ctx context.Context, s Getter, prefix string) (*dataset.Dataset, *Group, error) {
	g, err := ReadGroup(ctx, s, prefix)
	if err != nil {
		return nil, nil, err
	}
	ds := dataset.New()
	ds.Attrs = cloneAttrs(g.Attrs)
	for _, name := range OrderedNames(g.Arrays) {
		v, err := ReadArray(ctx, s, prefix, name, g.Arrays[name])
		if err != nil {
			return nil, nil, err
		}
		if err := ds.AddVariable(v); err != nil {
			return nil, nil, fmt.Errorf("array %s: %w", name, err)
		}
	}
	return ds, g, nil
}

// OrderedNames sorts array names with 1-D coordinate arrays first.
func OrderedNames(arrays map[string]ArrayMeta) []string {
	var coords, rest []string
	for name, m := range arrays {
		if len(m.Dims) == 1 && m.Dims[0] == name {
			coords = append(coords, name)
		} else {
			rest = append(rest, name)
		}
	}
	slices.Sort(coords)
	slices.Sort(rest)
	return append(coords, rest...)
}

func fillBlock(n int, fill float64) []float64 {
	b := make([]float64, n)
	for i := range b {
		b[i] = fill
	}
	return b
}

func product(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}
