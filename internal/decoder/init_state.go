package decoder

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/quarrel-rename/internal/encoding"
	"github.com/23skdu/quarrel-rename/internal/nn"
)

// InitialState averages each function's node encodings and projects the
// mean: C0 = tanh(W·mean + b), H0 = tanh(C0). Row f belongs to function f.
func InitialState(cellInit *nn.Linear, nodes *mat.Dense, nodeFunction []int, functions int) (nn.CellState, error) {
	mean, err := nn.SegmentMean(nodes, nodeFunction, functions)
	if err != nil {
		return nn.CellState{}, fmt.Errorf("%w: %v", encoding.ErrMalformedEncoding, err)
	}
	c := cellInit.Forward(mean)
	nn.Tanh(c)
	h := mat.DenseCopyOf(c)
	nn.Tanh(h)
	return nn.CellState{H: h, C: c}, nil
}
