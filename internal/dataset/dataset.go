// Package dataset holds labelled N-dimensional arrays in memory, the unit
// passed from the normalizer to the store writer.
//
// Values are kept as float64 regardless of the on-disk data type; DType
// records the type to encode on write.
package dataset

import (
	"fmt"
	"maps"
	"math"
	"slices"
)

// DType is an array element type, named as in Zarr v3.
type DType string

const (
	Float32 DType = "float32"
	Float64 DType = "float64"
	Int8    DType = "int8"
	Int16   DType = "int16"
	Int32   DType = "int32"
	Int64   DType = "int64"
	Uint8   DType = "uint8"
	Uint16  DType = "uint16"
	Uint32  DType = "uint32"
	Uint64  DType = "uint64"
)

// Size returns the encoded width in bytes, or 0 for an unknown type.
func (t DType) Size() int {
	switch t {
	case Int8, Uint8:
		return 1
	case Int16, Uint16:
		return 2
	case Float32, Int32, Uint32:
		return 4
	case Float64, Int64, Uint64:
		return 8
	default:
		return 0
	}
}

// IsFloat reports whether the type can hold NaN.
func (t DType) IsFloat() bool {
	return t == Float32 || t == Float64
}

// Valid reports whether the type is supported.
func (t DType) Valid() bool {
	return t.Size() > 0
}

// Variable is one named array.
type Variable struct {
	Name      string
	Dims      []string
	Shape     []int
	DType     DType
	FillValue float64
	Data      []float64
	Attrs     map[string]any
	// Chunks is the native chunking of the source, nil when unknown.
	Chunks []int
}

// NewVariable builds a float64 variable with a NaN fill value.
func NewVariable(name string, dims []string, shape []int, data []float64) (*Variable, error) {
	v := &Variable{
		Name:      name,
		Dims:      slices.Clone(dims),
		Shape:     slices.Clone(shape),
		DType:     Float64,
		FillValue: math.NaN(),
		Data:      data,
		Attrs:     map[string]any{},
	}
	if err := v.validate(); err != nil {
		return nil, err
	}
	return v, nil
}

// Size returns the number of elements.
func (v *Variable) Size() int {
	return product(v.Shape)
}

// Axis returns the position of dim in v.Dims, or -1.
func (v *Variable) Axis(dim string) int {
	return slices.Index(v.Dims, dim)
}

// Clone returns a deep copy.
func (v *Variable) Clone() *Variable {
	c := *v
	c.Dims = slices.Clone(v.Dims)
	c.Shape = slices.Clone(v.Shape)
	c.Data = slices.Clone(v.Data)
	c.Chunks = slices.Clone(v.Chunks)
	c.Attrs = maps.Clone(v.Attrs)
	if c.Attrs == nil {
		c.Attrs = map[string]any{}
	}
	return &c
}

func (v *Variable) validate() error {
	if v.Name == "" {
		return fmt.Errorf("variable name cannot be empty")
	}
	if len(v.Dims) == 0 {
		return fmt.Errorf("variable %q: scalar variables are not supported", v.Name)
	}
	if len(v.Dims) != len(v.Shape) {
		return fmt.Errorf("variable %q: %d dims but %d shape entries", v.Name, len(v.Dims), len(v.Shape))
	}
	for i, d := range v.Dims {
		if d == "" {
			return fmt.Errorf("variable %q: empty dimension name", v.Name)
		}
		if slices.Index(v.Dims, d) != i {
			return fmt.Errorf("variable %q: repeated dimension %q", v.Name, d)
		}
		if v.Shape[i] < 0 {
			return fmt.Errorf("variable %q: negative length for %q", v.Name, d)
		}
	}
	if n := product(v.Shape); n != len(v.Data) {
		return fmt.Errorf("variable %q: shape %v needs %d values, got %d", v.Name, v.Shape, n, len(v.Data))
	}
	if v.Chunks != nil && len(v.Chunks) != len(v.Shape) {
		return fmt.Errorf("variable %q: chunks %v do not match rank %d", v.Name, v.Chunks, len(v.Shape))
	}
	if !v.DType.Valid() {
		return fmt.Errorf("variable %q: unsupported data type %q", v.Name, v.DType)
	}
	return nil
}

// Dim is a named dimension and its length.
type Dim struct {
	Name string
	Size int
}

// Dataset is an ordered collection of variables sharing dimension lengths.
type Dataset struct {
	Attrs map[string]any
	vars  map[string]*Variable
	order []string
}

// New returns an empty dataset.
func New() *Dataset {
	return &Dataset{Attrs: map[string]any{}, vars: map[string]*Variable{}}
}

// AddVariable appends v, checking it agrees with the lengths of dimensions already present.
func (d *Dataset) AddVariable(v *Variable) error {
	if err := v.validate(); err != nil {
		return err
	}
	if _, exists := d.vars[v.Name]; exists {
		return fmt.Errorf("variable %q already present", v.Name)
	}
	for i, dim := range v.Dims {
		if n, ok := d.DimSize(dim); ok && n != v.Shape[i] {
			return fmt.Errorf("variable %q: dimension %q has length %d, dataset has %d", v.Name, dim, v.Shape[i], n)
		}
	}
	if v.Attrs == nil {
		v.Attrs = map[string]any{}
	}
	d.vars[v.Name] = v
	d.order = append(d.order, v.Name)
	return nil
}

// Variable returns the named variable.
func (d *Dataset) Variable(name string) (*Variable, bool) {
	v, ok := d.vars[name]
	return v, ok
}

// Names returns variable names in insertion order.
func (d *Dataset) Names() []string {
	return slices.Clone(d.order)
}

// Len returns the number of variables.
func (d *Dataset) Len() int {
	return len(d.order)
}

// Dims returns every dimension in order of first appearance.
func (d *Dataset) Dims() []Dim {
	var dims []Dim
	seen := map[string]bool{}
	for _, name := range d.order {
		v := d.vars[name]
		for i, dim := range v.Dims {
			if !seen[dim] {
				seen[dim] = true
				dims = append(dims, Dim{Name: dim, Size: v.Shape[i]})
			}
		}
	}
	return dims
}

// DimSize returns the length of a dimension.
func (d *Dataset) DimSize(dim string) (int, bool) {
	for _, name := range d.order {
		v := d.vars[name]
		if i := v.Axis(dim); i >= 0 {
			return v.Shape[i], true
		}
	}
	return 0, false
}

// Coordinate returns the values of the 1-D variable named after dim.
func (d *Dataset) Coordinate(dim string) ([]float64, bool) {
	v, ok := d.vars[dim]
	if !ok || len(v.Dims) != 1 || v.Dims[0] != dim {
		return nil, false
	}
	return v.Data, true
}

// Clone returns a deep copy.
func (d *Dataset) Clone() *Dataset {
	c := New()
	c.Attrs = maps.Clone(d.Attrs)
	if c.Attrs == nil {
		c.Attrs = map[string]any{}
	}
	for _, name := range d.order {
		c.vars[name] = d.vars[name].Clone()
		c.order = append(c.order, name)
	}
	return c
}

func product(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}
