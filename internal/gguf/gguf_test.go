package gguf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func writeTestFile(t *testing.T, w *Writer) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.gguf")
	if err := w.WriteFile(path); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestWriterReaderRoundTrip(t *testing.T) {
	w := NewWriter()
	w.AddKV("general.architecture", "rename")
	w.AddKV("rename.hidden_size", uint32(4))
	w.AddKV("rename.input_feed", true)
	w.AddKV("rename.dropout", float32(0.25))
	w.AddKV("tokenizer.ggml.tokens", []string{"<pad>", "</s>", "count"})

	weight := []float32{1, 2, 3, 4, 5, 6}
	if err := w.AddTensorF32("decoder.cell_init.weight", 2, 3, weight); err != nil {
		t.Fatal(err)
	}
	// odd length forces padding before the next tensor
	bias := []float32{-1, 0.5, 7}
	if err := w.AddTensorF32("decoder.cell_init.bias", 1, 3, bias); err != nil {
		t.Fatal(err)
	}

	f, err := LoadFile(writeTestFile(t, w))
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	defer f.Close()

	if f.Header.Version != GGUFVersion || f.Header.TensorCount != 2 || f.Header.KVCount != 5 {
		t.Errorf("unexpected header %+v", f.Header)
	}
	if s, _ := f.String("general.architecture"); s != "rename" {
		t.Errorf("expected architecture rename, got %q", s)
	}
	if n, _ := f.Uint("rename.hidden_size"); n != 4 {
		t.Errorf("expected hidden size 4, got %d", n)
	}
	if b, _ := f.Bool("rename.input_feed"); !b {
		t.Error("expected input_feed true")
	}
	if d, _ := f.Float("rename.dropout"); d != 0.25 {
		t.Errorf("expected dropout 0.25, got %v", d)
	}
	tokens, err := f.Strings("tokenizer.ggml.tokens")
	if err != nil || len(tokens) != 3 || tokens[2] != "count" {
		t.Errorf("unexpected tokens %v (%v)", tokens, err)
	}

	wt, ok := f.Tensor("decoder.cell_init.weight")
	if !ok {
		t.Fatal("weight tensor missing")
	}
	if rows, cols := wt.Shape(); rows != 2 || cols != 3 {
		t.Errorf("expected 2x3, got %dx%d", rows, cols)
	}
	vals, err := wt.Float64s()
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range weight {
		if vals[i] != float64(v) {
			t.Errorf("weight[%d] = %v, want %v", i, vals[i], v)
		}
	}

	bt, ok := f.Tensor("decoder.cell_init.bias")
	if !ok {
		t.Fatal("bias tensor missing")
	}
	if rows, cols := bt.Shape(); rows != 1 || cols != 3 {
		t.Errorf("expected 1x3, got %dx%d", rows, cols)
	}
	if bt.Offset%DefaultAlignment != 0 {
		t.Errorf("tensor offset %d not aligned", bt.Offset)
	}
	vals, _ = bt.Float64s()
	if vals[0] != -1 || vals[1] != 0.5 || vals[2] != 7 {
		t.Errorf("unexpected bias %v", vals)
	}
}

func TestAddTensorRejectsShapeMismatch(t *testing.T) {
	if err := NewWriter().AddTensorF32("x", 2, 2, []float32{1, 2, 3}); err == nil {
		t.Error("expected shape error")
	}
}

func TestLoadFileInvalidMagic(t *testing.T) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, uint32(0xDEADBEEF))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(3))
	_ = binary.Write(&buf, binary.LittleEndian, uint64(0))
	_ = binary.Write(&buf, binary.LittleEndian, uint64(0))

	path := filepath.Join(t.TempDir(), "bad.gguf")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := LoadFile(path)
	var magicErr ErrInvalidMagic
	if !errors.As(err, &magicErr) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestLoadFileTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.gguf")
	if err := os.WriteFile(path, []byte("GGUF"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Error("expected error for truncated file")
	}
}

func TestLoadFileTensorOutOfBounds(t *testing.T) {
	w := NewWriter()
	if err := w.AddTensorF32("t", 1, 8, make([]float32, 8)); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := w.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	// chop the tensor data
	data := buf.Bytes()[:buf.Len()-16]
	path := filepath.Join(t.TempDir(), "cut.gguf")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Error("expected out of bounds error")
	}
}

func TestFloat16ToFloat32(t *testing.T) {
	tests := []struct {
		bits uint16
		want float32
	}{
		{0x0000, 0},
		{0x3C00, 1},
		{0xC000, -2},
		{0x3800, 0.5},
		{0x7BFF, 65504},
		{0x0001, float32(math.Ldexp(1, -24))},
	}
	for _, tt := range tests {
		if got := float16ToFloat32(tt.bits); got != tt.want {
			t.Errorf("float16ToFloat32(%#04x) = %v, want %v", tt.bits, got, tt.want)
		}
	}
	if got := float16ToFloat32(0x7C00); !math.IsInf(float64(got), 1) {
		t.Errorf("expected +Inf, got %v", got)
	}
}

func TestF16Tensor(t *testing.T) {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint16(data[0:], 0x3C00)
	binary.LittleEndian.PutUint16(data[2:], 0xB800)
	ti := &TensorInfo{Name: "h", Dimensions: []uint64{2}, Type: GGMLTypeF16, Data: data}
	vals, err := ti.Float64s()
	if err != nil {
		t.Fatal(err)
	}
	if vals[0] != 1 || vals[1] != -0.5 {
		t.Errorf("unexpected values %v", vals)
	}
}

func TestUnsupportedTensorType(t *testing.T) {
	ti := &TensorInfo{Name: "q", Dimensions: []uint64{32}, Type: GGMLType(12)}
	if _, err := ti.Float64s(); err == nil {
		t.Error("expected unsupported type error")
	}
}
