package normalize

import (
	"fmt"
	"math"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"

	"github.com/kacper-wojtaszczyk/obsync/internal/dataset"
)

func isNetCDFFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".nc", ".nc4", ".cdf", ".netcdf":
		return true
	}
	return false
}

// readNetCDF loads the numeric variables of a NetCDF classic or NetCDF-4
// file, coordinate variables first. Scalar and text variables are skipped.
// Packed values are decoded the way CF readers do: _FillValue and
// missing_value become NaN, then scale_factor and add_offset are applied.
func readNetCDF(path string) (*dataset.Dataset, error) {
	nc, err := netcdf.Open(path)
	if err != nil {
		return nil, err
	}
	defer nc.Close()

	ds := dataset.New()
	ds.Attrs = attributes(nc.Attributes())

	var coords, rest []*dataset.Variable
	for _, name := range nc.ListVariables() {
		vr, err := nc.GetVariable(name)
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", name, err)
		}
		v, err := fromNetCDF(name, vr)
		if err != nil {
			return nil, err
		}
		switch {
		case v == nil:
			continue
		case len(v.Dims) == 1 && v.Dims[0] == name:
			coords = append(coords, v)
		default:
			rest = append(rest, v)
		}
	}
	for _, v := range append(coords, rest...) {
		if err := ds.AddVariable(v); err != nil {
			return nil, err
		}
	}
	return ds, nil
}

// fromNetCDF converts one variable. It returns nil for variables that have
// no dimensions or hold text.
func fromNetCDF(name string, vr *api.Variable) (*dataset.Variable, error) {
	rank := len(vr.Dimensions)
	if rank == 0 {
		return nil, nil
	}
	data, shape, dtype, err := flatten(vr.Values, rank)
	if err != nil {
		return nil, fmt.Errorf("variable %s: %w", name, err)
	}
	if dtype == "" {
		return nil, nil
	}

	v := &dataset.Variable{
		Name:      name,
		Dims:      append([]string(nil), vr.Dimensions...),
		Shape:     shape,
		DType:     dtype,
		FillValue: math.NaN(),
		Data:      data,
		Attrs:     attributes(vr.Attributes),
	}
	decode(v)
	return v, nil
}

// flatten copies nested slices of rank levels into a C-order float64 slice.
// dtype is empty when the element type is not numeric.
func flatten(values any, rank int) ([]float64, []int, dataset.DType, error) {
	rv := reflect.ValueOf(values)
	if !rv.IsValid() {
		return nil, nil, "", nil
	}
	t := rv.Type()
	for range rank {
		if t.Kind() != reflect.Slice {
			return nil, nil, "", nil
		}
		t = t.Elem()
	}
	dtype := kindDType(t.Kind())
	if dtype == "" {
		return nil, nil, "", nil
	}

	shape := make([]int, rank)
	cur := rv
	for d := range rank {
		shape[d] = cur.Len()
		if shape[d] == 0 {
			break
		}
		if d < rank-1 {
			cur = cur.Index(0)
		}
	}

	n := 1
	for _, s := range shape {
		n *= s
	}
	out := make([]float64, 0, n)
	var walk func(v reflect.Value, depth int) error
	walk = func(v reflect.Value, depth int) error {
		if v.Len() != shape[depth] {
			return fmt.Errorf("ragged values: length %d along axis %d, want %d", v.Len(), depth, shape[depth])
		}
		for i := range v.Len() {
			if depth == rank-1 {
				f, _ := scalar(v.Index(i))
				out = append(out, f)
				continue
			}
			if err := walk(v.Index(i), depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if n > 0 {
		if err := walk(rv, 0); err != nil {
			return nil, nil, "", err
		}
	}
	return out, shape, dtype, nil
}

func kindDType(k reflect.Kind) dataset.DType {
	switch k {
	case reflect.Int8:
		return dataset.Int8
	case reflect.Int16:
		return dataset.Int16
	case reflect.Int32:
		return dataset.Int32
	case reflect.Int64, reflect.Int:
		return dataset.Int64
	case reflect.Uint8:
		return dataset.Uint8
	case reflect.Uint16:
		return dataset.Uint16
	case reflect.Uint32:
		return dataset.Uint32
	case reflect.Uint64, reflect.Uint:
		return dataset.Uint64
	case reflect.Float32:
		return dataset.Float32
	case reflect.Float64:
		return dataset.Float64
	}
	return ""
}

func scalar(v reflect.Value) (float64, bool) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), true
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	}
	return 0, false
}

// attributes converts an attribute map to JSON-compatible values: numbers
// become float64, numeric lists []any of float64, and text stays a string.
// Non-finite numbers are kept as their string form.
func attributes(am api.AttributeMap) map[string]any {
	out := map[string]any{}
	if am == nil {
		return out
	}
	for _, key := range am.Keys() {
		raw, ok := am.Get(key)
		if !ok {
			continue
		}
		if val, ok := attrValue(raw); ok {
			out[key] = val
		}
	}
	return out
}

func attrValue(raw any) (any, bool) {
	if s, ok := raw.(string); ok {
		return s, true
	}
	rv := reflect.ValueOf(raw)
	if !rv.IsValid() {
		return nil, false
	}
	if f, ok := scalar(rv); ok {
		return finite(f), true
	}
	if rv.Kind() != reflect.Slice {
		return nil, false
	}
	list := make([]any, 0, rv.Len())
	for i := range rv.Len() {
		elem := rv.Index(i)
		if elem.Kind() == reflect.String {
			list = append(list, elem.String())
			continue
		}
		f, ok := scalar(elem)
		if !ok {
			return nil, false
		}
		list = append(list, finite(f))
	}
	return list, true
}

func finite(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Sprint(f)
	}
	return f
}

// numbers reads the numeric values of a converted attribute.
func numbers(val any) []float64 {
	switch t := val.(type) {
	case float64:
		return []float64{t}
	case string:
		if t == "NaN" {
			return []float64{math.NaN()}
		}
	case []any:
		var out []float64
		for _, e := range t {
			out = append(out, numbers(e)...)
		}
		return out
	}
	return nil
}

// decode masks fill and missing values and unpacks scale_factor and
// add_offset. A masked or unpacked integer variable becomes a float.
func decode(v *dataset.Variable) {
	var masked []float64
	for _, key := range []string{"_FillValue", "missing_value"} {
		if val, ok := v.Attrs[key]; ok {
			masked = append(masked, numbers(val)...)
			delete(v.Attrs, key)
		}
	}
	scale, offset := 1.0, 0.0
	packed := false
	if s := numbers(v.Attrs["scale_factor"]); len(s) == 1 {
		scale, packed = s[0], true
		delete(v.Attrs, "scale_factor")
	}
	if o := numbers(v.Attrs["add_offset"]); len(o) == 1 {
		offset, packed = o[0], true
		delete(v.Attrs, "add_offset")
	}

	if !v.DType.IsFloat() {
		if len(masked) == 0 && !packed {
			v.FillValue = 0
			return
		}
		if v.DType.Size() <= 2 {
			v.DType = dataset.Float32
		} else {
			v.DType = dataset.Float64
		}
	}
	for i, x := range v.Data {
		for _, m := range masked {
			if x == m {
				x = math.NaN()
				break
			}
		}
		if packed && !math.IsNaN(x) {
			x = x*scale + offset
		}
		v.Data[i] = x
	}
}
