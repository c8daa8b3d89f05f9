package model

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/quarrel-rename/internal/gguf"
	"github.com/23skdu/quarrel-rename/internal/logger"
	"github.com/23skdu/quarrel-rename/internal/nn"
	"github.com/23skdu/quarrel-rename/internal/vocab"
)

const Architecture = "rename"

// GGUF metadata keys
const (
	keyArchitecture    = "general.architecture"
	keyEncodingSize    = "rename.encoding_size"
	keyHiddenSize      = "rename.hidden_size"
	keyInputFeed       = "rename.input_feed"
	keyAttention       = "rename.attention"
	keyDropout         = "rename.dropout"
	keyAttentionTarget = "rename.attention_target"
)

// Tensor names
const (
	tensorWeightIH  = "decoder.lstm.weight_ih"
	tensorWeightHH  = "decoder.lstm.weight_hh"
	tensorBiasIH    = "decoder.lstm.bias_ih"
	tensorBiasHH    = "decoder.lstm.bias_hh"
	tensorCellInitW = "decoder.cell_init.weight"
	tensorCellInitB = "decoder.cell_init.bias"
	tensorOutputW   = "decoder.state2names.weight"
	tensorOutputB   = "decoder.state2names.bias"
	tensorAttSrcW   = "decoder.att_src.weight"
	tensorAttVecW   = "decoder.att_vec.weight"
)

// Load reads a model and its target vocabulary from a GGUF file. Parameters
// are copied out, so the file is closed before returning.
func Load(path string) (*Model, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load GGUF: %w", err)
	}
	defer f.Close()

	if arch, err := f.String(keyArchitecture); err != nil || arch != Architecture {
		return nil, fmt.Errorf("%s is not a %s model (architecture %q)", path, Architecture, arch)
	}

	h, err := readHyper(f)
	if err != nil {
		return nil, err
	}
	v, err := vocab.FromGGUF(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load vocabulary: %w", err)
	}

	m, err := loadWeights(f, h)
	if err != nil {
		return nil, fmt.Errorf("failed to load weights: %w", err)
	}
	m.Vocab = v
	if err := m.Validate(); err != nil {
		return nil, err
	}

	logger.Log.Info("Model loaded", "path", path,
		"encoding_size", h.EncodingSize, "hidden_size", h.HiddenSize,
		"attention", h.Attention, "input_feed", h.InputFeed, "vocab", v.Size())
	return m, nil
}

func readHyper(f *gguf.GGUFFile) (Hyper, error) {
	var h Hyper
	enc, err := f.Uint(keyEncodingSize)
	if err != nil {
		return h, err
	}
	hid, err := f.Uint(keyHiddenSize)
	if err != nil {
		return h, err
	}
	h.EncodingSize, h.HiddenSize = int(enc), int(hid)
	if h.InputFeed, err = f.Bool(keyInputFeed); err != nil {
		return h, err
	}
	if h.Attention, err = f.Bool(keyAttention); err != nil {
		return h, err
	}
	if d, err := f.Float(keyDropout); err == nil {
		h.Dropout = d
	}
	if s, err := f.String(keyAttentionTarget); err == nil {
		h.AttentionTarget = s
	}
	return h, nil
}

func loadWeights(f *gguf.GGUFFile, h Hyper) (*Model, error) {
	wih, err := matrix(f, tensorWeightIH)
	if err != nil {
		return nil, err
	}
	whh, err := matrix(f, tensorWeightHH)
	if err != nil {
		return nil, err
	}
	bih, err := vector(f, tensorBiasIH)
	if err != nil {
		return nil, err
	}
	bhh, err := vector(f, tensorBiasHH)
	if err != nil {
		return nil, err
	}
	cell, err := nn.NewLSTMCell(wih, whh, bih, bhh)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDimensionMismatch, err)
	}

	cellInit, err := linear(f, tensorCellInitW, tensorCellInitB)
	if err != nil {
		return nil, err
	}
	output, err := linear(f, tensorOutputW, tensorOutputB)
	if err != nil {
		return nil, err
	}

	m := &Model{Hyper: h, Cell: cell, CellInit: cellInit, Output: output}
	if h.Attention {
		if m.AttSrc, err = linear(f, tensorAttSrcW, ""); err != nil {
			return nil, err
		}
		if m.AttVec, err = linear(f, tensorAttVecW, ""); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func matrix(f *gguf.GGUFFile, name string) (*mat.Dense, error) {
	t, ok := f.Tensor(name)
	if !ok {
		return nil, fmt.Errorf("tensor %s not found", name)
	}
	rows, cols := t.Shape()
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("tensor %s: invalid dimensions rows=%d, cols=%d", name, rows, cols)
	}
	data, err := t.Float64s()
	if err != nil {
		return nil, err
	}
	return mat.NewDense(rows, cols, data), nil
}

func vector(f *gguf.GGUFFile, name string) ([]float64, error) {
	t, ok := f.Tensor(name)
	if !ok {
		return nil, fmt.Errorf("tensor %s not found", name)
	}
	return t.Float64s()
}

func linear(f *gguf.GGUFFile, weight, bias string) (*nn.Linear, error) {
	w, err := matrix(f, weight)
	if err != nil {
		return nil, err
	}
	var b []float64
	if bias != "" {
		if b, err = vector(f, bias); err != nil {
			return nil, err
		}
	}
	l, err := nn.NewLinear(w, b)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDimensionMismatch, weight, err)
	}
	return l, nil
}

// Save writes the model and its vocabulary as a GGUF file readable by Load.
func (m *Model) Save(path string) error {
	if err := m.Validate(); err != nil {
		return err
	}
	w := gguf.NewWriter()
	w.AddKV(keyArchitecture, Architecture)
	w.AddKV(keyEncodingSize, uint32(m.Hyper.EncodingSize))
	w.AddKV(keyHiddenSize, uint32(m.Hyper.HiddenSize))
	w.AddKV(keyInputFeed, m.Hyper.InputFeed)
	w.AddKV(keyAttention, m.Hyper.Attention)
	w.AddKV(keyDropout, float32(m.Hyper.Dropout))
	if m.Hyper.AttentionTarget != "" {
		w.AddKV(keyAttentionTarget, m.Hyper.AttentionTarget)
	}
	w.AddKV(vocab.GGUFTokensKey, m.Vocab.Tokens())

	tensors := []namedTensor{
		{tensorWeightIH, m.Cell.WIH},
		{tensorWeightHH, m.Cell.WHH},
		{tensorBiasIH, rowOf(m.Cell.BIH)},
		{tensorBiasHH, rowOf(m.Cell.BHH)},
		{tensorCellInitW, m.CellInit.W},
		{tensorCellInitB, rowOf(m.CellInit.B)},
		{tensorOutputW, m.Output.W},
		{tensorOutputB, rowOf(m.Output.B)},
	}
	if m.Hyper.Attention {
		tensors = append(tensors,
			namedTensor{tensorAttSrcW, m.AttSrc.W},
			namedTensor{tensorAttVecW, m.AttVec.W},
		)
	}
	for _, t := range tensors {
		if t.m == nil {
			continue
		}
		r, c := t.m.Dims()
		data := make([]float32, 0, r*c)
		for i := 0; i < r; i++ {
			for _, v := range t.m.RawRowView(i) {
				data = append(data, float32(v))
			}
		}
		if err := w.AddTensorF32(t.name, r, c, data); err != nil {
			return err
		}
	}
	return w.WriteFile(path)
}

type namedTensor struct {
	name string
	m    *mat.Dense
}

func rowOf(v []float64) *mat.Dense {
	if len(v) == 0 {
		return nil
	}
	return mat.NewDense(1, len(v), append([]float64(nil), v...))
}
