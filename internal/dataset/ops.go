package dataset

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"sort"
)

// Select keeps the named variables plus the coordinate variables of their dimensions.
// A nil names slice keeps everything.
func (d *Dataset) Select(names []string) (*Dataset, error) {
	if names == nil {
		return d.Clone(), nil
	}
	keep := map[string]bool{}
	for _, name := range names {
		v, ok := d.vars[name]
		if !ok {
			return nil, fmt.Errorf("variable %q not found (have %v)", name, d.order)
		}
		keep[name] = true
		for _, dim := range v.Dims {
			if _, isCoord := d.Coordinate(dim); isCoord {
				keep[dim] = true
			}
		}
	}
	out := New()
	out.Attrs = maps.Clone(d.Attrs)
	for _, name := range d.order {
		if keep[name] {
			out.vars[name] = d.vars[name].Clone()
			out.order = append(out.order, name)
		}
	}
	return out, nil
}

// Drop removes the named variables; naming an absent variable is an error.
func (d *Dataset) Drop(names []string) (*Dataset, error) {
	out := d.Clone()
	for _, name := range names {
		if _, ok := out.vars[name]; !ok {
			return nil, fmt.Errorf("cannot drop %q: variable not found", name)
		}
		delete(out.vars, name)
		out.order = slices.DeleteFunc(out.order, func(n string) bool { return n == name })
	}
	return out, nil
}

// Rename renames variables and dimensions in one pass. A key may name a variable, a dimension or both.
func (d *Dataset) Rename(mapping map[string]string) (*Dataset, error) {
	if len(mapping) == 0 {
		return d.Clone(), nil
	}
	for from := range mapping {
		_, isVar := d.vars[from]
		_, isDim := d.DimSize(from)
		if !isVar && !isDim {
			return nil, fmt.Errorf("cannot rename %q: no such variable or dimension", from)
		}
	}
	rename := func(s string) string {
		if to, ok := mapping[s]; ok {
			return to
		}
		return s
	}

	out := New()
	out.Attrs = maps.Clone(d.Attrs)
	for _, name := range d.order {
		v := d.vars[name].Clone()
		v.Name = rename(name)
		for i, dim := range v.Dims {
			v.Dims[i] = rename(dim)
		}
		if err := out.AddVariable(v); err != nil {
			return nil, fmt.Errorf("rename: %w", err)
		}
	}
	return out, nil
}

// MaskValue replaces every element equal to value with NaN, promoting integer variables to float64.
func (d *Dataset) MaskValue(name string, value float64) error {
	v, ok := d.vars[name]
	if !ok {
		return fmt.Errorf("cannot mask %q: variable not found", name)
	}
	for i, x := range v.Data {
		if x == value {
			v.Data[i] = math.NaN()
		}
	}
	if !v.DType.IsFloat() {
		v.DType = Float64
	}
	v.FillValue = math.NaN()
	return nil
}

// Concat joins datasets along dim. Every part must hold the same variables;
// variables without dim are taken from the first part and must agree in shape.
func Concat(dim string, parts ...*Dataset) (*Dataset, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("concat: no datasets")
	}
	if len(parts) == 1 {
		return parts[0].Clone(), nil
	}
	first := parts[0]
	if _, ok := first.DimSize(dim); !ok {
		return nil, fmt.Errorf("concat: dimension %q not found", dim)
	}

	out := New()
	out.Attrs = maps.Clone(first.Attrs)
	for _, name := range first.order {
		base := first.vars[name]
		vs := make([]*Variable, 0, len(parts))
		for i, p := range parts {
			v, ok := p.vars[name]
			if !ok {
				return nil, fmt.Errorf("concat: variable %q missing from part %d", name, i)
			}
			if !slices.Equal(v.Dims, base.Dims) {
				return nil, fmt.Errorf("concat: variable %q has dims %v in part %d, want %v", name, v.Dims, i, base.Dims)
			}
			vs = append(vs, v)
		}
		axis := base.Axis(dim)
		if axis < 0 {
			for i, v := range vs {
				if !slices.Equal(v.Shape, base.Shape) {
					return nil, fmt.Errorf("concat: variable %q has shape %v in part %d, want %v", name, v.Shape, i, base.Shape)
				}
			}
			if err := out.AddVariable(base.Clone()); err != nil {
				return nil, err
			}
			continue
		}
		joined, err := concatVariables(axis, vs)
		if err != nil {
			return nil, fmt.Errorf("concat: %w", err)
		}
		if err := out.AddVariable(joined); err != nil {
			return nil, err
		}
	}
	for i, p := range parts[1:] {
		if p.Len() != first.Len() {
			return nil, fmt.Errorf("concat: part %d has %d variables, want %d", i+1, p.Len(), first.Len())
		}
	}
	return out, nil
}

func concatVariables(axis int, vs []*Variable) (*Variable, error) {
	base := vs[0]
	shape := slices.Clone(base.Shape)
	shape[axis] = 0
	for i, v := range vs {
		for k := range v.Shape {
			if k != axis && v.Shape[k] != base.Shape[k] {
				return nil, fmt.Errorf("variable %q: part %d has length %d along %q, want %d",
					base.Name, i, v.Shape[k], base.Dims[k], base.Shape[k])
			}
		}
		shape[axis] += v.Shape[axis]
	}

	outer := product(base.Shape[:axis])
	inner := product(base.Shape[axis+1:])
	data := make([]float64, 0, product(shape))
	for o := 0; o < outer; o++ {
		for _, v := range vs {
			block := v.Shape[axis] * inner
			data = append(data, v.Data[o*block:(o+1)*block]...)
		}
	}

	out := base.Clone()
	out.Shape = shape
	out.Data = data
	return out, nil
}

// take gathers indices along axis into a new variable.
func take(v *Variable, axis int, indices []int) *Variable {
	outer := product(v.Shape[:axis])
	inner := product(v.Shape[axis+1:])
	n := v.Shape[axis]

	out := v.Clone()
	out.Shape[axis] = len(indices)
	out.Data = make([]float64, 0, outer*len(indices)*inner)
	for o := 0; o < outer; o++ {
		for _, idx := range indices {
			start := (o*n + idx) * inner
			out.Data = append(out.Data, v.Data[start:start+inner]...)
		}
	}
	return out
}

func (d *Dataset) takeAlong(dim string, indices []int) *Dataset {
	out := New()
	out.Attrs = maps.Clone(d.Attrs)
	for _, name := range d.order {
		v := d.vars[name]
		if axis := v.Axis(dim); axis >= 0 {
			out.vars[name] = take(v, axis, indices)
		} else {
			out.vars[name] = v.Clone()
		}
		out.order = append(out.order, name)
	}
	return out
}

// SortBy orders every variable along dim by increasing coordinate value.
// Repeated coordinate values are an error: they mean overlapping inputs.
func (d *Dataset) SortBy(dim string) (*Dataset, error) {
	coord, ok := d.Coordinate(dim)
	if !ok {
		return nil, fmt.Errorf("sort: no coordinate variable for %q", dim)
	}
	indices := make([]int, len(coord))
	for i := range indices {
		indices[i] = i
	}
	sort.SliceStable(indices, func(a, b int) bool { return coord[indices[a]] < coord[indices[b]] })
	for i := 1; i < len(indices); i++ {
		if coord[indices[i]] == coord[indices[i-1]] {
			return nil, fmt.Errorf("sort: repeated %s coordinate value %v", dim, coord[indices[i]])
		}
	}
	return d.takeAlong(dim, indices), nil
}

// SliceFrom keeps positions [start, len) along dim.
func (d *Dataset) SliceFrom(dim string, start int) (*Dataset, error) {
	n, ok := d.DimSize(dim)
	if !ok {
		return nil, fmt.Errorf("slice: dimension %q not found", dim)
	}
	if start < 0 || start > n {
		return nil, fmt.Errorf("slice: start %d out of range [0, %d]", start, n)
	}
	indices := make([]int, 0, n-start)
	for i := start; i < n; i++ {
		indices = append(indices, i)
	}
	return d.takeAlong(dim, indices), nil
}
