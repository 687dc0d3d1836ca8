package zarr

import (
	"strconv"
	"strings"
)

// ChunkCounts returns the number of chunks along each axis.
func ChunkCounts(shape, chunks []int) []int {
	counts := make([]int, len(shape))
	for i := range shape {
		counts[i] = (shape[i] + chunks[i] - 1) / chunks[i]
	}
	return counts
}

// ChunkIndices lists every chunk index of a grid in C order. An axis with
// zero chunks yields no indices.
func ChunkIndices(counts []int) [][]int {
	total := 1
	for _, c := range counts {
		total *= c
	}
	if total == 0 {
		return nil
	}
	out := make([][]int, 0, total)
	idx := make([]int, len(counts))
	for {
		out = append(out, append([]int(nil), idx...))
		axis := len(idx) - 1
		for axis >= 0 {
			idx[axis]++
			if idx[axis] < counts[axis] {
				break
			}
			idx[axis] = 0
			axis--
		}
		if axis < 0 {
			return out
		}
	}
}

// ChunkKey returns the key of chunk idx of array name, relative to the group.
func ChunkKey(name string, m ArrayMeta, idx []int) string {
	parts := make([]string, len(idx))
	for i, v := range idx {
		parts[i] = strconv.Itoa(v)
	}
	key := strings.Join(parts, m.Separator)
	if m.KeyEncoding == KeyEncodingDefault {
		key = "c" + m.Separator + key
	}
	return name + "/" + key
}

// ExtractBlock copies chunk idx out of data laid out in C order with the
// given shape. Positions past the array edge are set to fill.
func ExtractBlock(data []float64, shape, chunks, idx []int, fill float64) []float64 {
	n := 1
	for _, c := range chunks {
		n *= c
	}
	block := make([]float64, n)
	for i := range block {
		block[i] = fill
	}
	walkBlock(shape, nil, chunks, idx, func(dataOff, blockOff, run int) {
		copy(block[blockOff:blockOff+run], data[dataOff:dataOff+run])
	})
	return block
}

// InsertBlock copies the in-bounds part of a full chunk into data.
func InsertBlock(data []float64, shape, chunks, idx []int, block []float64) {
	InsertWindow(data, shape, nil, chunks, idx, block)
}

// InsertWindow copies the part of a full chunk that falls inside the window
// [lo, shape) into data, which holds only that window in C order. A nil lo
// is the whole array.
func InsertWindow(data []float64, shape, lo, chunks, idx []int, block []float64) {
	walkBlock(shape, lo, chunks, idx, func(dataOff, blockOff, run int) {
		copy(data[dataOff:dataOff+run], block[blockOff:blockOff+run])
	})
}

// WindowShape is the extent of [lo, shape) along each axis.
func WindowShape(shape, lo []int) []int {
	out := append([]int(nil), shape...)
	for d := range lo {
		out[d] -= lo[d]
	}
	return out
}

// walkBlock calls fn once per contiguous run of the last axis shared by the
// window [lo, shape) and chunk idx. Data offsets are relative to the window.
func walkBlock(shape, lo, chunks, idx []int, fn func(dataOff, blockOff, run int)) {
	rank := len(shape)
	if rank == 0 {
		return
	}
	if lo == nil {
		lo = make([]int, rank)
	}
	start := make([]int, rank)
	extent := make([]int, rank)
	for d := range rank {
		start[d] = max(idx[d]*chunks[d], lo[d])
		extent[d] = min((idx[d]+1)*chunks[d], shape[d]) - start[d]
		if extent[d] <= 0 {
			return
		}
	}
	dataStride := strides(WindowShape(shape, lo))
	blockStride := strides(chunks)

	local := make([]int, rank)
	for {
		dataOff, blockOff := 0, 0
		for d := range rank {
			dataOff += (start[d] - lo[d] + local[d]) * dataStride[d]
			blockOff += (start[d] - idx[d]*chunks[d] + local[d]) * blockStride[d]
		}
		fn(dataOff, blockOff, extent[rank-1])

		axis := rank - 2
		for axis >= 0 {
			local[axis]++
			if local[axis] < extent[axis] {
				break
			}
			local[axis] = 0
			axis--
		}
		if axis < 0 {
			return
		}
	}
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}
