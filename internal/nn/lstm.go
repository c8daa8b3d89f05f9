package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// CellState is the recurrent state of a batch, one row per hypothesis.
type CellState struct {
	H *mat.Dense
	C *mat.Dense
}

func (s CellState) Rows() int {
	r, _ := s.H.Dims()
	return r
}

// Gather returns a new state holding rows[i] of s at row i.
func (s CellState) Gather(rows []int) CellState {
	return CellState{H: GatherRows(s.H, rows), C: GatherRows(s.C, rows)}
}

// LSTMCell uses the gate layout i, f, g, o stacked along the rows of the
// weight matrices: WIH is (4H × in), WHH is (4H × H).
type LSTMCell struct {
	WIH *mat.Dense
	WHH *mat.Dense
	BIH []float64
	BHH []float64
}

func NewLSTMCell(wih, whh *mat.Dense, bih, bhh []float64) (*LSTMCell, error) {
	gr, _ := wih.Dims()
	hr, hc := whh.Dims()
	if gr%4 != 0 || gr != hr || hr != 4*hc {
		return nil, fmt.Errorf("lstm: weight_ih rows %d, weight_hh %dx%d are not a 4H gate layout", gr, hr, hc)
	}
	if len(bih) != gr || len(bhh) != gr {
		return nil, fmt.Errorf("lstm: bias lengths %d/%d != %d", len(bih), len(bhh), gr)
	}
	return &LSTMCell{WIH: wih, WHH: whh, BIH: bih, BHH: bhh}, nil
}

func (c *LSTMCell) InputSize() int {
	_, in := c.WIH.Dims()
	return in
}

func (c *LSTMCell) HiddenSize() int {
	_, h := c.WHH.Dims()
	return h
}

func (c *LSTMCell) Forward(x *mat.Dense, prev CellState) CellState {
	hidden := c.HiddenSize()
	n, _ := x.Dims()

	var gates, hh mat.Dense
	gates.Mul(x, c.WIH.T())
	hh.Mul(prev.H, c.WHH.T())
	gates.Add(&gates, &hh)
	addRowVector(&gates, c.BIH)
	addRowVector(&gates, c.BHH)

	h := mat.NewDense(n, hidden, nil)
	cell := mat.NewDense(n, hidden, nil)
	for r := 0; r < n; r++ {
		g := gates.RawRowView(r)
		cPrev := prev.C.RawRowView(r)
		hRow := h.RawRowView(r)
		cRow := cell.RawRowView(r)
		for j := 0; j < hidden; j++ {
			in := sigmoid(g[j])
			forget := sigmoid(g[hidden+j])
			cand := math.Tanh(g[2*hidden+j])
			out := sigmoid(g[3*hidden+j])
			cRow[j] = forget*cPrev[j] + in*cand
			hRow[j] = out * math.Tanh(cRow[j])
		}
	}
	return CellState{H: h, C: cell}
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
