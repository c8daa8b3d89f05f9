package nn

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Linear computes y = x·Wᵀ + b. W is (out × in); B may be nil.
type Linear struct {
	W *mat.Dense
	B []float64
}

func NewLinear(w *mat.Dense, b []float64) (*Linear, error) {
	if w == nil {
		return nil, fmt.Errorf("linear: nil weight")
	}
	out, _ := w.Dims()
	if b != nil && len(b) != out {
		return nil, fmt.Errorf("linear: bias length %d != out %d", len(b), out)
	}
	return &Linear{W: w, B: b}, nil
}

func (l *Linear) In() int {
	_, c := l.W.Dims()
	return c
}

func (l *Linear) Out() int {
	r, _ := l.W.Dims()
	return r
}

func (l *Linear) Forward(x mat.Matrix) *mat.Dense {
	var y mat.Dense
	y.Mul(x, l.W.T())
	if l.B != nil {
		addRowVector(&y, l.B)
	}
	return &y
}

// Row returns row i of the weight matrix. For an output projection this is
// the embedding of vocabulary id i.
func (l *Linear) Row(i int) []float64 {
	return l.W.RawRowView(i)
}

func addRowVector(m *mat.Dense, v []float64) {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		row := m.RawRowView(i)
		for j := range row {
			row[j] += v[j]
		}
	}
}
