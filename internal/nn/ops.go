package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/quarrel-rename/internal/simd"
)

// GatherRows builds a matrix whose row i is row rows[i] of m. Returns nil for
// an empty selection since gonum has no zero-row matrices.
func GatherRows(m *mat.Dense, rows []int) *mat.Dense {
	if len(rows) == 0 {
		return nil
	}
	_, c := m.Dims()
	out := mat.NewDense(len(rows), c, nil)
	for i, r := range rows {
		copy(out.RawRowView(i), m.RawRowView(r))
	}
	return out
}

// ZeroRows clears every row i of m for which mask[i] is true.
func ZeroRows(m *mat.Dense, mask []bool) {
	for i, z := range mask {
		if !z {
			continue
		}
		row := m.RawRowView(i)
		for j := range row {
			row[j] = 0
		}
	}
}

// Tanh applies tanh elementwise in place.
func Tanh(m *mat.Dense) {
	m.Apply(func(_, _ int, v float64) float64 { return math.Tanh(v) }, m)
}

// LogSoftmaxRows replaces every row of m with its log-softmax.
func LogSoftmaxRows(m *mat.Dense) {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		simd.LogSoftmax(m.RawRowView(i))
	}
}

// HConcat joins matrices with the same row count side by side.
func HConcat(parts ...*mat.Dense) *mat.Dense {
	rows, cols := 0, 0
	for i, p := range parts {
		r, c := p.Dims()
		if i == 0 {
			rows = r
		} else if r != rows {
			panic(fmt.Sprintf("nn: HConcat row mismatch %d != %d", r, rows))
		}
		cols += c
	}
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		dst := out.RawRowView(i)
		off := 0
		for _, p := range parts {
			off += copy(dst[off:], p.RawRowView(i))
		}
	}
	return out
}

// SegmentMean averages the rows of x per segment id. Every segment in
// [0, segments) must own at least one row.
func SegmentMean(x *mat.Dense, segment []int, segments int) (*mat.Dense, error) {
	r, c := x.Dims()
	if len(segment) != r {
		return nil, fmt.Errorf("segment map has %d entries for %d rows", len(segment), r)
	}
	if segments <= 0 {
		return nil, fmt.Errorf("segment count must be positive, got %d", segments)
	}
	sum := mat.NewDense(segments, c, nil)
	counts := make([]int, segments)
	for i, s := range segment {
		if s < 0 || s >= segments {
			return nil, fmt.Errorf("row %d maps to segment %d outside [0, %d)", i, s, segments)
		}
		counts[s]++
		dst := sum.RawRowView(s)
		for j, v := range x.RawRowView(i) {
			dst[j] += v
		}
	}
	for s, n := range counts {
		if n == 0 {
			return nil, fmt.Errorf("segment %d has no rows", s)
		}
		row := sum.RawRowView(s)
		for j := range row {
			row[j] /= float64(n)
		}
	}
	return sum, nil
}

// DotProductAttention scores every key against query, normalises over the
// valid positions and returns the weighted sum of values with the weights.
func DotProductAttention(query []float64, keys, values *mat.Dense, valid []bool) ([]float64, []float64) {
	l, _ := keys.Dims()
	_, dv := values.Dims()

	q := mat.NewVecDense(len(query), query)
	var scores mat.VecDense
	scores.MulVec(keys, q)
	weights := make([]float64, l)
	for i := range weights {
		weights[i] = scores.AtVec(i)
	}
	simd.MaskedSoftmax(weights, valid)

	ctx := mat.NewVecDense(dv, nil)
	ctx.MulVec(values.T(), mat.NewVecDense(l, weights))
	return ctx.RawVector().Data, weights
}

// Dropout is the identity unless Training is set.
type Dropout struct {
	Rate     float64
	Training bool
	rng      *rand.Rand
}

func NewDropout(rate float64, seed int64) *Dropout {
	return &Dropout{Rate: rate, rng: rand.New(rand.NewSource(seed))}
}

func (d *Dropout) Apply(m *mat.Dense) *mat.Dense {
	if d == nil || !d.Training || d.Rate <= 0 {
		return m
	}
	keep := 1 - d.Rate
	out := mat.DenseCopyOf(m)
	out.Apply(func(_, _ int, v float64) float64 {
		if d.rng.Float64() < d.Rate {
			return 0
		}
		return v / keep
	}, out)
	return out
}
