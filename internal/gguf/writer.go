package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

type kvEntry struct {
	key string
	val interface{}
}

type tensorEntry struct {
	name string
	dims []uint64
	data []float32
}

// Writer assembles a GGUF v3 file with F32 tensors. KV pairs and tensors are
// written in insertion order.
type Writer struct {
	kvs     []kvEntry
	tensors []tensorEntry
}

func NewWriter() *Writer {
	return &Writer{}
}

// AddKV records a metadata pair. Supported values: uint32, uint64, int32,
// float32, float64, bool, string and []string.
func (w *Writer) AddKV(key string, val interface{}) {
	w.kvs = append(w.kvs, kvEntry{key: key, val: val})
}

// AddTensorF32 records a row-major (rows × cols) tensor.
func (w *Writer) AddTensorF32(name string, rows, cols int, data []float32) error {
	if rows*cols != len(data) {
		return fmt.Errorf("tensor %s: %d values for %dx%d", name, len(data), rows, cols)
	}
	dims := []uint64{uint64(cols), uint64(rows)}
	if rows == 1 {
		dims = []uint64{uint64(cols)}
	}
	w.tensors = append(w.tensors, tensorEntry{name: name, dims: dims, data: data})
	return nil
}

func (w *Writer) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := w.Encode(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (w *Writer) Encode(out io.Writer) error {
	cw := &countingWriter{w: bufio.NewWriter(out)}

	cw.put(uint32(GGUFMagic))
	cw.put(uint32(GGUFVersion))
	cw.put(uint64(len(w.tensors)))
	cw.put(uint64(len(w.kvs)))

	for _, kv := range w.kvs {
		cw.putString(kv.key)
		if err := cw.putValue(kv.val); err != nil {
			return fmt.Errorf("kv %s: %w", kv.key, err)
		}
	}

	offset := uint64(0)
	for _, t := range w.tensors {
		cw.putString(t.name)
		cw.put(uint32(len(t.dims)))
		for _, d := range t.dims {
			cw.put(d)
		}
		cw.put(uint32(GGMLTypeF32))
		cw.put(offset)
		offset = alignUp(offset+uint64(len(t.data))*4, DefaultAlignment)
	}

	cw.pad(DefaultAlignment)
	start := cw.n
	for _, t := range w.tensors {
		for _, v := range t.data {
			cw.put(math.Float32bits(v))
		}
		cw.padFrom(start, DefaultAlignment)
	}

	if cw.err != nil {
		return cw.err
	}
	return cw.w.Flush()
}

func alignUp(n, a uint64) uint64 {
	if r := n % a; r != 0 {
		return n + a - r
	}
	return n
}

type countingWriter struct {
	w   *bufio.Writer
	n   uint64
	err error
}

func (c *countingWriter) put(v interface{}) {
	if c.err != nil {
		return
	}
	c.err = binary.Write(c.w, binary.LittleEndian, v)
	c.n += uint64(binary.Size(v))
}

func (c *countingWriter) putString(s string) {
	c.put(uint64(len(s)))
	if c.err != nil {
		return
	}
	_, c.err = c.w.WriteString(s)
	c.n += uint64(len(s))
}

func (c *countingWriter) pad(a uint64) {
	c.padFrom(0, a)
}

func (c *countingWriter) padFrom(start, a uint64) {
	rel := c.n - start
	if extra := alignUp(rel, a) - rel; extra > 0 && c.err == nil {
		_, c.err = c.w.Write(make([]byte, extra))
		c.n += extra
	}
}

func (c *countingWriter) putValue(val interface{}) error {
	switch v := val.(type) {
	case uint32:
		c.put(uint32(GGUFMetadataValueTypeUint32))
		c.put(v)
	case uint64:
		c.put(uint32(GGUFMetadataValueTypeUint64))
		c.put(v)
	case int32:
		c.put(uint32(GGUFMetadataValueTypeInt32))
		c.put(v)
	case float32:
		c.put(uint32(GGUFMetadataValueTypeFloat32))
		c.put(v)
	case float64:
		c.put(uint32(GGUFMetadataValueTypeFloat64))
		c.put(v)
	case bool:
		c.put(uint32(GGUFMetadataValueTypeBool))
		var b uint8
		if v {
			b = 1
		}
		c.put(b)
	case string:
		c.put(uint32(GGUFMetadataValueTypeString))
		c.putString(v)
	case []string:
		c.put(uint32(GGUFMetadataValueTypeArray))
		c.put(uint32(GGUFMetadataValueTypeString))
		c.put(uint64(len(v)))
		for _, s := range v {
			c.putString(s)
		}
	default:
		return fmt.Errorf("unsupported value type %T", val)
	}
	return nil
}
