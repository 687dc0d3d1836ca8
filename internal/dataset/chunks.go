package dataset

// ChunkPlan maps a variable name to its chunk shape.
type ChunkPlan map[string][]int

// PlanChunks resolves the chunk shape of every variable. A dimension named in
// spec uses that length; otherwise the variable's native chunking applies;
// otherwise the whole extent is one chunk. Spec lengths are kept even when
// longer than the dimension, so that later appends keep the requested tiling.
func PlanChunks(d *Dataset, spec map[string]int) ChunkPlan {
	plan := make(ChunkPlan, d.Len())
	for _, name := range d.order {
		v := d.vars[name]
		chunks := make([]int, len(v.Dims))
		for i, dim := range v.Dims {
			size := v.Shape[i]
			switch n, ok := spec[dim]; {
			case ok:
				chunks[i] = n
			case v.Chunks != nil:
				chunks[i] = min(v.Chunks[i], size)
			default:
				chunks[i] = size
			}
			if chunks[i] < 1 {
				chunks[i] = 1
			}
		}
		plan[name] = chunks
	}
	return plan
}
