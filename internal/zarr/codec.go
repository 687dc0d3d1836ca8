package zarr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/kacper-wojtaszczyk/obsync/internal/dataset"
)

// EncodeAll and DecodeAll are safe for concurrent use.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(zstdLevel)))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// EncodeChunk serializes one full chunk of values. NaN in an integer array
// is written as the fill value.
func EncodeChunk(m ArrayMeta, values []float64) ([]byte, error) {
	raw, err := encodeBytes(m, values)
	if err != nil {
		return nil, err
	}
	switch m.Compressor {
	case CompressorZstd:
		return zstdEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
	case CompressorGzip:
		var buf bytes.Buffer
		w, err := gzip.NewWriterLevel(&buf, gzipLevel)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		if _, err := w.Write(raw); err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return buf.Bytes(), nil
	case CompressorNone:
		return raw, nil
	default:
		return nil, fmt.Errorf("unsupported compressor %q", m.Compressor)
	}
}

// DecodeChunk reverses EncodeChunk, returning n values.
func DecodeChunk(m ArrayMeta, data []byte, n int) ([]float64, error) {
	var raw []byte
	switch m.Compressor {
	case CompressorZstd:
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		raw = out
	case CompressorGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer r.Close()
		if raw, err = io.ReadAll(r); err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
	case CompressorNone:
		raw = data
	default:
		return nil, fmt.Errorf("unsupported compressor %q", m.Compressor)
	}

	size := m.DType.Size()
	if size == 0 {
		return nil, fmt.Errorf("unsupported data type %q", m.DType)
	}
	if len(raw) != n*size {
		return nil, fmt.Errorf("chunk holds %d bytes, want %d", len(raw), n*size)
	}
	return decodeBytes(m, raw, n), nil
}

func byteOrder(m ArrayMeta) binary.ByteOrder {
	if m.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func encodeBytes(m ArrayMeta, values []float64) ([]byte, error) {
	size := m.DType.Size()
	if size == 0 {
		return nil, fmt.Errorf("unsupported data type %q", m.DType)
	}
	order := byteOrder(m)
	raw := make([]byte, len(values)*size)
	for i, v := range values {
		b := raw[i*size : (i+1)*size]
		if !m.DType.IsFloat() && math.IsNaN(v) {
			v = m.FillValue
			if math.IsNaN(v) {
				v = 0
			}
		}
		switch m.DType {
		case dataset.Float64:
			order.PutUint64(b, math.Float64bits(v))
		case dataset.Float32:
			order.PutUint32(b, math.Float32bits(float32(v)))
		case dataset.Int8:
			b[0] = byte(int8(v))
		case dataset.Uint8:
			b[0] = uint8(v)
		case dataset.Int16:
			order.PutUint16(b, uint16(int16(v)))
		case dataset.Uint16:
			order.PutUint16(b, uint16(v))
		case dataset.Int32:
			order.PutUint32(b, uint32(int32(v)))
		case dataset.Uint32:
			order.PutUint32(b, uint32(v))
		case dataset.Int64:
			order.PutUint64(b, uint64(int64(v)))
		case dataset.Uint64:
			order.PutUint64(b, uint64(v))
		}
	}
	return raw, nil
}

func decodeBytes(m ArrayMeta, raw []byte, n int) []float64 {
	size := m.DType.Size()
	order := byteOrder(m)
	out := make([]float64, n)
	for i := range out {
		b := raw[i*size : (i+1)*size]
		switch m.DType {
		case dataset.Float64:
			out[i] = math.Float64frombits(order.Uint64(b))
		case dataset.Float32:
			out[i] = float64(math.Float32frombits(order.Uint32(b)))
		case dataset.Int8:
			out[i] = float64(int8(b[0]))
		case dataset.Uint8:
			out[i] = float64(b[0])
		case dataset.Int16:
			out[i] = float64(int16(order.Uint16(b)))
		case dataset.Uint16:
			out[i] = float64(order.Uint16(b))
		case dataset.Int32:
			out[i] = float64(int32(order.Uint32(b)))
		case dataset.Uint32:
			out[i] = float64(order.Uint32(b))
		case dataset.Int64:
			out[i] = float64(int64(order.Uint64(b)))
		case dataset.Uint64:
			out[i] = float64(order.Uint64(b))
		}
	}
	return out
}
