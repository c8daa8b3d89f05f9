// Package model holds the parameters of the rename decoder and its GGUF
// container format.
package model

import (
	"errors"
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/quarrel-rename/internal/nn"
	"github.com/23skdu/quarrel-rename/internal/vocab"
)

// ErrDimensionMismatch is returned when parameters disagree with each other,
// with the hyper-parameters or with the vocabulary.
var ErrDimensionMismatch = errors.New("model dimension mismatch")

type Hyper struct {
	EncodingSize    int
	HiddenSize      int
	InputFeed       bool
	Attention       bool
	Dropout         float64
	AttentionTarget string
}

// InputSize is the width of the recurrent cell's input row: the variable
// encoding, the previous token embedding and, with input feed, the
// previous query.
func (h Hyper) InputSize() int {
	n := h.EncodingSize + h.HiddenSize
	if h.InputFeed {
		n += h.HiddenSize
	}
	return n
}

type Model struct {
	Hyper Hyper

	Cell     *nn.LSTMCell
	CellInit *nn.Linear // encoding -> hidden
	Output   *nn.Linear // hidden -> vocabulary; rows double as token embeddings

	// Attention only
	AttSrc *nn.Linear // encoding -> hidden, no bias
	AttVec *nn.Linear // hidden+encoding -> hidden, no bias

	Vocab *vocab.Vocabulary
}

// LogProbs maps a batch of query rows onto log-distributions over the
// vocabulary.
func (m *Model) LogProbs(query *mat.Dense) *mat.Dense {
	logits := m.Output.Forward(query)
	nn.LogSoftmaxRows(logits)
	return logits
}

// Embedding returns the embedding of token id. The slice aliases the model.
func (m *Model) Embedding(id int) []float64 {
	return m.Output.Row(id)
}

// Validate checks every parameter shape against the hyper-parameters and
// the vocabulary.
func (m *Model) Validate() error {
	h := m.Hyper
	if h.EncodingSize <= 0 || h.HiddenSize <= 0 {
		return fmt.Errorf("%w: encoding size %d, hidden size %d", ErrDimensionMismatch, h.EncodingSize, h.HiddenSize)
	}
	if m.Vocab == nil {
		return fmt.Errorf("%w: no vocabulary", ErrDimensionMismatch)
	}
	if m.Cell == nil || m.CellInit == nil || m.Output == nil {
		return fmt.Errorf("%w: missing decoder parameters", ErrDimensionMismatch)
	}
	if got := m.Cell.InputSize(); got != h.InputSize() {
		return fmt.Errorf("%w: lstm input %d, want %d", ErrDimensionMismatch, got, h.InputSize())
	}
	if got := m.Cell.HiddenSize(); got != h.HiddenSize {
		return fmt.Errorf("%w: lstm hidden %d, want %d", ErrDimensionMismatch, got, h.HiddenSize)
	}
	if err := checkLinear("cell_init", m.CellInit, h.EncodingSize, h.HiddenSize); err != nil {
		return err
	}
	if err := checkLinear("state2names", m.Output, h.HiddenSize, m.Vocab.Size()); err != nil {
		return err
	}
	if !h.Attention {
		return nil
	}
	if m.AttSrc == nil || m.AttVec == nil {
		return fmt.Errorf("%w: attention enabled without attention parameters", ErrDimensionMismatch)
	}
	if err := checkLinear("att_src", m.AttSrc, h.EncodingSize, h.HiddenSize); err != nil {
		return err
	}
	return checkLinear("att_vec", m.AttVec, h.HiddenSize+h.EncodingSize, h.HiddenSize)
}

func checkLinear(name string, l *nn.Linear, in, out int) error {
	if l.In() != in || l.Out() != out {
		return fmt.Errorf("%w: %s is %d->%d, want %d->%d", ErrDimensionMismatch, name, l.In(), l.Out(), in, out)
	}
	return nil
}

// NewRandom builds a model with uniform weights in [-0.1, 0.1]. The same
// seed always yields the same parameters.
func NewRandom(h Hyper, v *vocab.Vocabulary, seed int64) (*Model, error) {
	rng := rand.New(rand.NewSource(seed))
	dense := func(r, c int) *mat.Dense {
		data := make([]float64, r*c)
		for i := range data {
			data[i] = rng.Float64()*0.2 - 0.1
		}
		return mat.NewDense(r, c, data)
	}
	vec := func(n int) []float64 {
		return dense(1, n).RawRowView(0)
	}

	gates := 4 * h.HiddenSize
	cell, err := nn.NewLSTMCell(dense(gates, h.InputSize()), dense(gates, h.HiddenSize), vec(gates), vec(gates))
	if err != nil {
		return nil, err
	}
	m := &Model{
		Hyper:    h,
		Cell:     cell,
		CellInit: &nn.Linear{W: dense(h.HiddenSize, h.EncodingSize), B: vec(h.HiddenSize)},
		Output:   &nn.Linear{W: dense(v.Size(), h.HiddenSize), B: vec(v.Size())},
		Vocab:    v,
	}
	if h.Attention {
		m.AttSrc = &nn.Linear{W: dense(h.HiddenSize, h.EncodingSize)}
		m.AttVec = &nn.Linear{W: dense(h.HiddenSize, h.HiddenSize+h.EncodingSize)}
	}
	return m, m.Validate()
}
