// Package zarr reads and writes the Zarr v2 and v3 layouts used for stored
// observation datasets: group and array metadata, consolidated metadata and
// compressed chunks.
package zarr

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/kacper-wojtaszczyk/obsync/internal/dataset"
)

// Compressors supported for chunk data.
const (
	CompressorZstd = "zstd"
	CompressorGzip = "gzip"
	CompressorNone = ""
)

// Chunk key encodings.
const (
	KeyEncodingDefault = "default" // v3: c/0/1
	KeyEncodingV2      = "v2"      // 0.1
)

const (
	zarrJSON   = "zarr.json"
	zgroupKey  = ".zgroup"
	zattrsKey  = ".zattrs"
	zarrayKey  = ".zarray"
	zmetaKey   = ".zmetadata"
	arrayDims  = "_ARRAY_DIMENSIONS"
	zstdLevel  = 3
	gzipLevel  = 5
	nodeGroup  = "group"
	nodeArray  = "array"
	inlineKind = "inline"
)

// ArrayMeta describes one stored array independently of the format version.
type ArrayMeta struct {
	Shape       []int
	Chunks      []int
	DType       dataset.DType
	FillValue   float64
	Dims        []string
	Attrs       map[string]any
	Compressor  string
	KeyEncoding string
	Separator   string
	BigEndian   bool
}

// Group is a stored group: its attributes and the arrays directly below it.
type Group struct {
	Version int
	Attrs   map[string]any
	Arrays  map[string]ArrayMeta
}

// Object is a key relative to the group prefix and its encoded content.
type Object struct {
	Key  string
	Data []byte
}

// NewArrayMeta describes v for writing in the given format version.
func NewArrayMeta(version int, v *dataset.Variable, chunks []int, compressor string) ArrayMeta {
	m := ArrayMeta{
		Shape:      append([]int(nil), v.Shape...),
		Chunks:     append([]int(nil), chunks...),
		DType:      v.DType,
		FillValue:  v.FillValue,
		Dims:       append([]string(nil), v.Dims...),
		Attrs:      v.Attrs,
		Compressor: compressor,
	}
	if version == 2 {
		m.KeyEncoding, m.Separator = KeyEncodingV2, "."
	} else {
		m.KeyEncoding, m.Separator = KeyEncodingDefault, "/"
	}
	return m
}

// Validate checks the metadata is internally consistent.
func (m ArrayMeta) Validate() error {
	if len(m.Shape) == 0 {
		return fmt.Errorf("scalar arrays are not supported")
	}
	if len(m.Chunks) != len(m.Shape) {
		return fmt.Errorf("chunk shape %v does not match rank %d", m.Chunks, len(m.Shape))
	}
	for i, c := range m.Chunks {
		if c < 1 {
			return fmt.Errorf("chunk length %d on axis %d must be positive", c, i)
		}
	}
	if len(m.Dims) != len(m.Shape) {
		return fmt.Errorf("dimension names %v do not match rank %d", m.Dims, len(m.Shape))
	}
	if !m.DType.Valid() {
		return fmt.Errorf("unsupported data type %q", m.DType)
	}
	switch m.Compressor {
	case CompressorZstd, CompressorGzip, CompressorNone:
	default:
		return fmt.Errorf("unsupported compressor %q", m.Compressor)
	}
	return nil
}

// GroupMarker is the group metadata key whose presence means the object exists.
// It is always written last.
func GroupMarker(version int) string {
	if version == 2 {
		return zgroupKey
	}
	return zarrJSON
}

// ArrayMetaKeys returns the metadata keys of array name, relative to the group.
func ArrayMetaKeys(version int, name string) []string {
	if version == 2 {
		return []string{name + "/" + zarrayKey, name + "/" + zattrsKey}
	}
	return []string{name + "/" + zarrJSON}
}

// GroupMetaKeys returns the group-level metadata keys, marker last.
func GroupMetaKeys(version int) []string {
	if version == 2 {
		return []string{zattrsKey, zmetaKey, zgroupKey}
	}
	return []string{zarrJSON}
}

// --- v3 ---

type chunkGridV3 struct {
	Name          string `json:"name"`
	Configuration struct {
		ChunkShape []int `json:"chunk_shape"`
	} `json:"configuration"`
}

type chunkKeyEncodingV3 struct {
	Name          string `json:"name"`
	Configuration struct {
		Separator string `json:"separator,omitempty"`
	} `json:"configuration"`
}

type codecV3 struct {
	Name          string         `json:"name"`
	Configuration map[string]any `json:"configuration,omitempty"`
}

type arrayV3 struct {
	ZarrFormat       int                `json:"zarr_format"`
	NodeType         string             `json:"node_type"`
	Shape            []int              `json:"shape"`
	DataType         string             `json:"data_type"`
	ChunkGrid        chunkGridV3        `json:"chunk_grid"`
	ChunkKeyEncoding chunkKeyEncodingV3 `json:"chunk_key_encoding"`
	FillValue        any                `json:"fill_value"`
	Codecs           []codecV3          `json:"codecs"`
	Attributes       map[string]any     `json:"attributes"`
	DimensionNames   []string           `json:"dimension_names,omitempty"`
}

type consolidatedV3 struct {
	Kind           string                     `json:"kind"`
	MustUnderstand bool                       `json:"must_understand"`
	Metadata       map[string]json.RawMessage `json:"metadata"`
}

type groupV3 struct {
	ZarrFormat           int             `json:"zarr_format"`
	NodeType             string          `json:"node_type"`
	Attributes           map[string]any  `json:"attributes"`
	ConsolidatedMetadata *consolidatedV3 `json:"consolidated_metadata,omitempty"`
}

func toArrayV3(m ArrayMeta) arrayV3 {
	a := arrayV3{
		ZarrFormat:     3,
		NodeType:       nodeArray,
		Shape:          m.Shape,
		DataType:       string(m.DType),
		FillValue:      encodeFill(m.FillValue, m.DType),
		Attributes:     nonNil(m.Attrs),
		DimensionNames: m.Dims,
	}
	a.ChunkGrid.Name = "regular"
	a.ChunkGrid.Configuration.ChunkShape = m.Chunks
	a.ChunkKeyEncoding.Name = m.KeyEncoding
	if a.ChunkKeyEncoding.Name == "" {
		a.ChunkKeyEncoding.Name = KeyEncodingDefault
	}
	a.ChunkKeyEncoding.Configuration.Separator = m.Separator
	a.Codecs = []codecV3{{Name: "bytes", Configuration: map[string]any{"endian": "little"}}}
	switch m.Compressor {
	case CompressorZstd:
		a.Codecs = append(a.Codecs, codecV3{Name: "zstd", Configuration: map[string]any{"level": zstdLevel, "checksum": false}})
	case CompressorGzip:
		a.Codecs = append(a.Codecs, codecV3{Name: "gzip", Configuration: map[string]any{"level": gzipLevel}})
	}
	return a
}

func fromArrayV3(a arrayV3) (ArrayMeta, error) {
	if a.NodeType != nodeArray {
		return ArrayMeta{}, fmt.Errorf("node type %q is not an array", a.NodeType)
	}
	if a.ChunkGrid.Name != "regular" {
		return ArrayMeta{}, fmt.Errorf("unsupported chunk grid %q", a.ChunkGrid.Name)
	}
	m := ArrayMeta{
		Shape:       a.Shape,
		Chunks:      a.ChunkGrid.Configuration.ChunkShape,
		DType:       dataset.DType(a.DataType),
		Dims:        a.DimensionNames,
		Attrs:       nonNil(a.Attributes),
		KeyEncoding: a.ChunkKeyEncoding.Name,
		Separator:   a.ChunkKeyEncoding.Configuration.Separator,
	}
	switch m.KeyEncoding {
	case KeyEncodingDefault:
		if m.Separator == "" {
			m.Separator = "/"
		}
	case KeyEncodingV2:
		if m.Separator == "" {
			m.Separator = "."
		}
	default:
		return ArrayMeta{}, fmt.Errorf("unsupported chunk key encoding %q", m.KeyEncoding)
	}
	if len(m.Dims) == 0 {
		m.Dims = defaultDims(len(m.Shape))
	}
	for _, c := range a.Codecs {
		switch c.Name {
		case "bytes":
			if endian, _ := c.Configuration["endian"].(string); endian == "big" {
				m.BigEndian = true
			}
		case "zstd":
			m.Compressor = CompressorZstd
		case "gzip":
			m.Compressor = CompressorGzip
		default:
			return ArrayMeta{}, fmt.Errorf("unsupported codec %q", c.Name)
		}
	}
	fill, err := decodeFill(a.FillValue, m.DType)
	if err != nil {
		return ArrayMeta{}, err
	}
	m.FillValue = fill
	return m, m.Validate()
}

// DecodeArrayV3 parses an array zarr.json document.
func DecodeArrayV3(data []byte) (ArrayMeta, error) {
	var a arrayV3
	if err := json.Unmarshal(data, &a); err != nil {
		return ArrayMeta{}, fmt.Errorf("parse array metadata: %w", err)
	}
	if a.ZarrFormat != 3 {
		return ArrayMeta{}, fmt.Errorf("zarr_format %d is not 3", a.ZarrFormat)
	}
	return fromArrayV3(a)
}

// --- v2 ---

type compressorV2 struct {
	ID    string `json:"id"`
	Level int    `json:"level,omitempty"`
}

type arrayV2 struct {
	ZarrFormat         int           `json:"zarr_format"`
	Shape              []int         `json:"shape"`
	Chunks             []int         `json:"chunks"`
	DType              string        `json:"dtype"`
	Compressor         *compressorV2 `json:"compressor"`
	FillValue          any           `json:"fill_value"`
	Order              string        `json:"order"`
	Filters            []any         `json:"filters"`
	DimensionSeparator string        `json:"dimension_separator,omitempty"`
}

type consolidatedV2 struct {
	Metadata               map[string]json.RawMessage `json:"metadata"`
	ZarrConsolidatedFormat int                        `json:"zarr_consolidated_format"`
}

var v2DTypes = map[dataset.DType]string{
	dataset.Float32: "f4",
	dataset.Float64: "f8",
	dataset.Int8:    "i1",
	dataset.Int16:   "i2",
	dataset.Int32:   "i4",
	dataset.Int64:   "i8",
	dataset.Uint8:   "u1",
	dataset.Uint16:  "u2",
	dataset.Uint32:  "u4",
	dataset.Uint64:  "u8",
}

func v2DType(t dataset.DType) string {
	code := v2DTypes[t]
	if t.Size() == 1 {
		return "|" + code
	}
	return "<" + code
}

func parseV2DType(s string) (dataset.DType, bool, error) {
	if len(s) != 3 {
		return "", false, fmt.Errorf("unsupported dtype %q", s)
	}
	order, code := s[0], s[1:]
	for t, c := range v2DTypes {
		if c == code {
			switch order {
			case '<', '|':
				return t, false, nil
			case '>':
				return t, true, nil
			}
		}
	}
	return "", false, fmt.Errorf("unsupported dtype %q", s)
}

func toArrayV2(m ArrayMeta) arrayV2 {
	a := arrayV2{
		ZarrFormat:         2,
		Shape:              m.Shape,
		Chunks:             m.Chunks,
		DType:              v2DType(m.DType),
		FillValue:          encodeFill(m.FillValue, m.DType),
		Order:              "C",
		DimensionSeparator: m.Separator,
	}
	switch m.Compressor {
	case CompressorZstd:
		a.Compressor = &compressorV2{ID: "zstd", Level: zstdLevel}
	case CompressorGzip:
		a.Compressor = &compressorV2{ID: "gzip", Level: gzipLevel}
	}
	return a
}

// DecodeArrayV2 parses .zarray plus the optional .zattrs of one array.
func DecodeArrayV2(zarray, zattrs []byte) (ArrayMeta, error) {
	var a arrayV2
	if err := json.Unmarshal(zarray, &a); err != nil {
		return ArrayMeta{}, fmt.Errorf("parse .zarray: %w", err)
	}
	if a.ZarrFormat != 2 {
		return ArrayMeta{}, fmt.Errorf("zarr_format %d is not 2", a.ZarrFormat)
	}
	if a.Order != "" && a.Order != "C" {
		return ArrayMeta{}, fmt.Errorf("unsupported memory order %q", a.Order)
	}
	if len(a.Filters) > 0 {
		return ArrayMeta{}, fmt.Errorf("filters are not supported")
	}
	dtype, bigEndian, err := parseV2DType(a.DType)
	if err != nil {
		return ArrayMeta{}, err
	}
	m := ArrayMeta{
		Shape:       a.Shape,
		Chunks:      a.Chunks,
		DType:       dtype,
		BigEndian:   bigEndian,
		KeyEncoding: KeyEncodingV2,
		Separator:   a.DimensionSeparator,
		Attrs:       map[string]any{},
	}
	if m.Separator == "" {
		m.Separator = "."
	}
	if a.Compressor != nil {
		switch a.Compressor.ID {
		case "zstd":
			m.Compressor = CompressorZstd
		case "gzip":
			m.Compressor = CompressorGzip
		default:
			return ArrayMeta{}, fmt.Errorf("unsupported compressor %q", a.Compressor.ID)
		}
	}
	if m.FillValue, err = decodeFill(a.FillValue, dtype); err != nil {
		return ArrayMeta{}, err
	}
	if len(zattrs) > 0 {
		if err := json.Unmarshal(zattrs, &m.Attrs); err != nil {
			return ArrayMeta{}, fmt.Errorf("parse .zattrs: %w", err)
		}
	}
	if dims, ok := m.Attrs[arrayDims].([]any); ok {
		for _, d := range dims {
			name, _ := d.(string)
			m.Dims = append(m.Dims, name)
		}
		delete(m.Attrs, arrayDims)
	}
	if len(m.Dims) == 0 {
		m.Dims = defaultDims(len(m.Shape))
	}
	return m, m.Validate()
}

// EncodeArray renders the metadata documents of array name.
func EncodeArray(version int, name string, m ArrayMeta) ([]Object, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("array %s: %w", name, err)
	}
	if version == 2 {
		zarray, err := json.Marshal(toArrayV2(m))
		if err != nil {
			return nil, fmt.Errorf("encode %s/.zarray: %w", name, err)
		}
		attrs := cloneAttrs(m.Attrs)
		attrs[arrayDims] = m.Dims
		zattrs, err := json.Marshal(attrs)
		if err != nil {
			return nil, fmt.Errorf("encode %s/.zattrs: %w", name, err)
		}
		keys := ArrayMetaKeys(2, name)
		return []Object{{Key: keys[0], Data: zarray}, {Key: keys[1], Data: zattrs}}, nil
	}
	data, err := json.Marshal(toArrayV3(m))
	if err != nil {
		return nil, fmt.Errorf("encode %s/zarr.json: %w", name, err)
	}
	return []Object{{Key: ArrayMetaKeys(3, name)[0], Data: data}}, nil
}

// EncodeGroup renders the group documents, including consolidated metadata for
// every array. The group marker is the last object.
func EncodeGroup(version int, attrs map[string]any, arrays map[string]ArrayMeta) ([]Object, error) {
	if version == 2 {
		return encodeGroupV2(attrs, arrays)
	}
	g := groupV3{
		ZarrFormat: 3,
		NodeType:   nodeGroup,
		Attributes: nonNil(attrs),
		ConsolidatedMetadata: &consolidatedV3{
			Kind:     inlineKind,
			Metadata: make(map[string]json.RawMessage, len(arrays)),
		},
	}
	for name, m := range arrays {
		raw, err := json.Marshal(toArrayV3(m))
		if err != nil {
			return nil, fmt.Errorf("encode consolidated %s: %w", name, err)
		}
		g.ConsolidatedMetadata.Metadata[name] = raw
	}
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("encode group attributes: %w", err)
	}
	return []Object{{Key: zarrJSON, Data: data}}, nil
}

func encodeGroupV2(attrs map[string]any, arrays map[string]ArrayMeta) ([]Object, error) {
	zattrs, err := json.Marshal(nonNil(attrs))
	if err != nil {
		return nil, fmt.Errorf("encode group attributes: %w", err)
	}
	zgroup := []byte(`{"zarr_format":2}`)
	meta := map[string]json.RawMessage{
		zgroupKey: zgroup,
		zattrsKey: zattrs,
	}
	for name := range arrays {
		objs, err := EncodeArray(2, name, arrays[name])
		if err != nil {
			return nil, err
		}
		for _, o := range objs {
			meta[o.Key] = o.Data
		}
	}
	zmeta, err := json.Marshal(consolidatedV2{Metadata: meta, ZarrConsolidatedFormat: 1})
	if err != nil {
		return nil, fmt.Errorf("encode .zmetadata: %w", err)
	}
	return []Object{
		{Key: zattrsKey, Data: zattrs},
		{Key: zmetaKey, Data: zmeta},
		{Key: zgroupKey, Data: zgroup},
	}, nil
}

func encodeFill(f float64, t dataset.DType) any {
	if t.IsFloat() {
		switch {
		case math.IsNaN(f):
			return "NaN"
		case math.IsInf(f, 1):
			return "Infinity"
		case math.IsInf(f, -1):
			return "-Infinity"
		}
		return f
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return int64(f)
}

func decodeFill(raw any, t dataset.DType) (float64, error) {
	switch v := raw.(type) {
	case nil:
		if t.IsFloat() {
			return math.NaN(), nil
		}
		return 0, nil
	case float64:
		return v, nil
	case string:
		switch v {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unsupported fill value %v", raw)
}

func defaultDims(rank int) []string {
	dims := make([]string, rank)
	for i := range dims {
		dims[i] = "dim_" + strconv.Itoa(i)
	}
	return dims
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func cloneAttrs(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
