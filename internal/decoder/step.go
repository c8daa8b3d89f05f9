package decoder

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/quarrel-rename/internal/encoding"
	"github.com/23skdu/quarrel-rename/internal/model"
	"github.com/23skdu/quarrel-rename/internal/nn"
)

// StepContext is per-batch memory prepared once before the step loop.
type StepContext struct {
	Keys   []*mat.Dense
	Values []*mat.Dense
	Mask   [][]bool
}

// Stepper advances the recurrent state of every live hypothesis by one
// token. functions[i] is the batch index of the function owning row i.
// The returned query feeds the output projection.
type Stepper interface {
	PrepareContext(enc *encoding.Context) (StepContext, error)
	Step(x *mat.Dense, prev nn.CellState, sc StepContext, functions []int) (nn.CellState, *mat.Dense, error)
}

// BaseStepper runs the LSTM cell; the query is the new hidden state.
type BaseStepper struct {
	Cell    *nn.LSTMCell
	Dropout *nn.Dropout
}

func NewBaseStepper(m *model.Model) *BaseStepper {
	return &BaseStepper{Cell: m.Cell, Dropout: nn.NewDropout(m.Hyper.Dropout, 0)}
}

func (s *BaseStepper) PrepareContext(*encoding.Context) (StepContext, error) {
	return StepContext{}, nil
}

func (s *BaseStepper) Step(x *mat.Dense, prev nn.CellState, _ StepContext, _ []int) (nn.CellState, *mat.Dense, error) {
	if err := checkInput(x, s.Cell); err != nil {
		return nn.CellState{}, nil, err
	}
	next := s.Cell.Forward(x, prev)
	return next, s.Dropout.Apply(next.H), nil
}

// AttentionStepper attends from the new hidden state over the owning
// function's memory and mixes the result into the query:
// query = tanh(AttVec([h; ctx])).
type AttentionStepper struct {
	Cell    *nn.LSTMCell
	AttSrc  *nn.Linear
	AttVec  *nn.Linear
	Dropout *nn.Dropout
}

func NewAttentionStepper(m *model.Model) *AttentionStepper {
	return &AttentionStepper{
		Cell:    m.Cell,
		AttSrc:  m.AttSrc,
		AttVec:  m.AttVec,
		Dropout: nn.NewDropout(m.Hyper.Dropout, 0),
	}
}

// PrepareContext projects every function's attention values into keys.
func (s *AttentionStepper) PrepareContext(enc *encoding.Context) (StepContext, error) {
	if !enc.HasAttention() {
		return StepContext{}, fmt.Errorf("%w: attention decoder needs attention memory", encoding.ErrMalformedEncoding)
	}
	fns := enc.Functions()
	if len(enc.AttentionValues) != fns || len(enc.AttentionMask) != fns {
		return StepContext{}, fmt.Errorf("%w: attention memory covers %d functions, batch has %d",
			encoding.ErrMalformedEncoding, len(enc.AttentionValues), fns)
	}
	sc := StepContext{
		Keys:   make([]*mat.Dense, fns),
		Values: enc.AttentionValues,
		Mask:   enc.AttentionMask,
	}
	for f, v := range enc.AttentionValues {
		if v == nil {
			return StepContext{}, fmt.Errorf("%w: function %d has no attention memory", encoding.ErrMalformedEncoding, f)
		}
		r, w := v.Dims()
		if w != s.AttSrc.In() || len(enc.AttentionMask[f]) != r {
			return StepContext{}, fmt.Errorf("%w: function %d attention memory is %dx%d with %d mask entries",
				encoding.ErrMalformedEncoding, f, r, w, len(enc.AttentionMask[f]))
		}
		sc.Keys[f] = s.AttSrc.Forward(v)
	}
	return sc, nil
}

func (s *AttentionStepper) Step(x *mat.Dense, prev nn.CellState, sc StepContext, functions []int) (nn.CellState, *mat.Dense, error) {
	if err := checkInput(x, s.Cell); err != nil {
		return nn.CellState{}, nil, err
	}
	next := s.Cell.Forward(x, prev)

	rows, _ := next.H.Dims()
	if len(functions) != rows {
		return nn.CellState{}, nil, fmt.Errorf("%d owners for %d rows", len(functions), rows)
	}
	_, width := s.AttSrc.W.Dims()
	ctx := mat.NewDense(rows, width, nil)
	for r, f := range functions {
		c, _ := nn.DotProductAttention(next.H.RawRowView(r), sc.Keys[f], sc.Values[f], sc.Mask[f])
		copy(ctx.RawRowView(r), c)
	}

	q := s.AttVec.Forward(nn.HConcat(next.H, ctx))
	nn.Tanh(q)
	return next, s.Dropout.Apply(q), nil
}

func checkInput(x *mat.Dense, cell *nn.LSTMCell) error {
	if _, c := x.Dims(); c != cell.InputSize() {
		return fmt.Errorf("%w: step input is %d wide, cell expects %d", ErrDimensionMismatch, c, cell.InputSize())
	}
	return nil
}
