package normalize

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/kacper-wojtaszczyk/obsync/internal/dataset"
	"github.com/kacper-wojtaszczyk/obsync/internal/model"
)

// NetCDF classic (CDF-1) type codes.
const (
	ncChar   = 2
	ncShort  = 3
	ncFloat  = 5
	ncDouble = 6
)

type ncAttr struct {
	name  string
	typ   int32
	value any // string, []int16, []float32 or []float64
}

type ncVar struct {
	name  string
	dims  []int
	attrs []ncAttr
	typ   int32
	data  any // []int16, []float32 or []float64
}

type ncDim struct {
	name string
	size int32
}

// classicFile encodes a NetCDF classic file with fixed-size variables only.
func classicFile(t *testing.T, dims []ncDim, global []ncAttr, vars []ncVar) []byte {
	t.Helper()
	payloads := make([][]byte, len(vars))
	for i, v := range vars {
		var b bytes.Buffer
		if err := binary.Write(&b, binary.BigEndian, v.data); err != nil {
			t.Fatal(err)
		}
		payloads[i] = pad(b.Bytes())
	}
	// The header is encoded twice: the first pass only measures it.
	size := len(classicHeader(dims, global, vars, payloads, 0))
	out := classicHeader(dims, global, vars, payloads, size)
	for _, p := range payloads {
		out = append(out, p...)
	}
	return out
}

func classicHeader(dims []ncDim, global []ncAttr, vars []ncVar, payloads [][]byte, start int) []byte {
	var b bytes.Buffer
	put := func(v any) { binary.Write(&b, binary.BigEndian, v) }
	name := func(s string) {
		put(int32(len(s)))
		b.Write(pad([]byte(s)))
	}
	attrs := func(list []ncAttr) {
		if len(list) == 0 {
			put([]int32{0, 0})
			return
		}
		put([]int32{0x0C, int32(len(list))})
		for _, a := range list {
			name(a.name)
			put(a.typ)
			var vb bytes.Buffer
			n := 0
			switch v := a.value.(type) {
			case string:
				vb.WriteString(v)
				n = len(v)
			case []int16:
				binary.Write(&vb, binary.BigEndian, v)
				n = len(v)
			case []float32:
				binary.Write(&vb, binary.BigEndian, v)
				n = len(v)
			case []float64:
				binary.Write(&vb, binary.BigEndian, v)
				n = len(v)
			}
			put(int32(n))
			b.Write(pad(vb.Bytes()))
		}
	}

	b.WriteString("CDF\x01")
	put(int32(0))
	put([]int32{0x0A, int32(len(dims))})
	for _, d := range dims {
		name(d.name)
		put(d.size)
	}
	attrs(global)
	put([]int32{0x0B, int32(len(vars))})
	offset := start
	for i, v := range vars {
		name(v.name)
		put(int32(len(v.dims)))
		for _, id := range v.dims {
			put(int32(id))
		}
		attrs(v.attrs)
		put(v.typ)
		put(int32(len(payloads[i])))
		put(int32(offset))
		offset += len(payloads[i])
	}
	return b.Bytes()
}

func pad(b []byte) []byte {
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

// writeNetCDF stores a two-step file of packed temperature on a 3-point
// latitude axis.
func writeNetCDF(t *testing.T, path string, times []float64, units string, raw []int16) {
	t.Helper()
	file := classicFile(t,
		[]ncDim{{"time", int32(len(times))}, {"lat", 3}},
		[]ncAttr{{"title", ncChar, "EN4 objective analysis"}},
		[]ncVar{
			{name: "time", dims: []int{0}, typ: ncDouble, data: times,
				attrs: []ncAttr{{"units", ncChar, units}}},
			{name: "lat", dims: []int{1}, typ: ncFloat, data: []float32{-1, 0, 1},
				attrs: []ncAttr{{"units", ncChar, "degrees_north"}}},
			{name: "temperature", dims: []int{0, 1}, typ: ncShort, data: raw,
				attrs: []ncAttr{
					{"_FillValue", ncShort, []int16{-32768}},
					{"scale_factor", ncFloat, []float32{0.5}},
					{"add_offset", ncFloat, []float32{10}},
					{"units", ncChar, "degC"},
				}},
		},
	)
	if err := os.WriteFile(path, file, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestReadNetCDF_DecodesPackedVariables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "EN.4.2.2.f.analysis.g10.200001.nc")
	writeNetCDF(t, path, []float64{0, 31}, "days since 1800-01-01", []int16{0, 2, -32768, 4, 6, 8})

	ds, err := readNetCDF(path)
	if err != nil {
		t.Fatalf("readNetCDF() error = %v", err)
	}
	names := ds.Names()
	slices.Sort(names)
	if diff := cmp.Diff([]string{"lat", "temperature", "time"}, names); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
	if ds.Attrs["title"] != "EN4 objective analysis" {
		t.Errorf("global attrs = %v", ds.Attrs)
	}

	times, ok := ds.Coordinate("time")
	if !ok {
		t.Fatal("time coordinate missing")
	}
	if diff := cmp.Diff([]float64{0, 31}, times); diff != "" {
		t.Errorf("time mismatch (-want +got):\n%s", diff)
	}
	tv, _ := ds.Variable("time")
	if tv.Attrs["units"] != "days since 1800-01-01" || tv.DType != dataset.Float64 {
		t.Errorf("time = %s %v", tv.DType, tv.Attrs)
	}

	temp, ok := ds.Variable("temperature")
	if !ok {
		t.Fatal("temperature missing")
	}
	if diff := cmp.Diff([]string{"time", "lat"}, temp.Dims); diff != "" {
		t.Errorf("dims mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{2, 3}, temp.Shape); diff != "" {
		t.Errorf("shape mismatch (-want +got):\n%s", diff)
	}
	want := []float64{10, 11, math.NaN(), 12, 13, 14}
	if diff := cmp.Diff(want, temp.Data, cmpopts.EquateNaNs()); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
	if temp.DType != dataset.Float32 || !math.IsNaN(temp.FillValue) {
		t.Errorf("dtype = %s, fill = %v, want float32 with NaN fill", temp.DType, temp.FillValue)
	}
	for _, key := range []string{"_FillValue", "scale_factor", "add_offset"} {
		if _, ok := temp.Attrs[key]; ok {
			t.Errorf("%s kept after decoding", key)
		}
	}
	if temp.Attrs["units"] != "degC" {
		t.Errorf("temperature attrs = %v", temp.Attrs)
	}
}

func TestNormalize_NetCDFFilesJoined(t *testing.T) {
	dir := t.TempDir()
	writeNetCDF(t, filepath.Join(dir, "EN4_200002.nc"), []float64{62, 90}, "days since 1800-01-01", []int16{10, 12, 14, 16, 18, 20})
	writeNetCDF(t, filepath.Join(dir, "EN4_200001.nc"), []float64{0, 31}, "days since 1800-01-01", []int16{0, 2, -32768, 4, 6, 8})

	d := model.Descriptor{Name: "EN4", AppendDim: "time", Variables: "temperature"}
	res, err := NewNormalizer().Normalize(context.Background(), []string{filepath.Join(dir, "*.nc")}, d)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	times, _ := res.Dataset.Coordinate("time")
	if diff := cmp.Diff([]float64{0, 31, 62, 90}, times); diff != "" {
		t.Errorf("time mismatch (-want +got):\n%s", diff)
	}
	temp, _ := res.Dataset.Variable("temperature")
	want := []float64{10, 11, math.NaN(), 12, 13, 14, 15, 16, 17, 18, 19, 20}
	if diff := cmp.Diff(want, temp.Data, cmpopts.EquateNaNs()); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestNormalize_NetCDFUnitsMustAgree(t *testing.T) {
	dir := t.TempDir()
	writeNetCDF(t, filepath.Join(dir, "a.nc"), []float64{0, 31}, "days since 1800-01-01", []int16{0, 0, 0, 0, 0, 0})
	writeNetCDF(t, filepath.Join(dir, "b.nc"), []float64{0, 1}, "hours since 2000-01-01", []int16{0, 0, 0, 0, 0, 0})

	d := model.Descriptor{Name: "EN4", AppendDim: "time"}
	_, err := NewNormalizer().Normalize(context.Background(), []string{filepath.Join(dir, "*.nc")}, d)
	var ne *NormalizationError
	if !errors.As(err, &ne) {
		t.Fatalf("error = %v, want NormalizationError", err)
	}
}

func TestDecode_IntegerWithoutPackingStaysInteger(t *testing.T) {
	v := &dataset.Variable{
		Name:  "count",
		DType: dataset.Int32,
		Data:  []float64{1, 2, 3},
		Attrs: map[string]any{"long_name": "profiles"},
	}
	decode(v)
	if v.DType != dataset.Int32 || v.FillValue != 0 {
		t.Errorf("dtype = %s, fill = %v, want int32 with 0 fill", v.DType, v.FillValue)
	}
	if diff := cmp.Diff([]float64{1, 2, 3}, v.Data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
}
