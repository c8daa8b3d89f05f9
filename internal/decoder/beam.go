package decoder

import (
	"container/heap"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/quarrel-rename/internal/nn"
)

// candidate is a (row, token) pair of one function's slice, flattened as
// pos = row*vocabSize + token.
type candidate struct {
	score float64
	pos   int
}

// better orders by score, then by lower flat position.
func better(a, b candidate) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	return a.pos < b.pos
}

// worstFirst is a min-heap: the root is the weakest kept candidate.
type worstFirst []candidate

func (h worstFirst) Len() int           { return len(h) }
func (h worstFirst) Less(i, j int) bool { return better(h[j], h[i]) }
func (h worstFirst) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *worstFirst) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *worstFirst) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topK keeps the k best candidates offered, returned best first.
type topK struct {
	k int
	h worstFirst
}

func newTopK(k int) *topK {
	return &topK{k: k, h: make(worstFirst, 0, k)}
}

func (t *topK) offer(c candidate) {
	if t.k <= 0 {
		return
	}
	if len(t.h) < t.k {
		heap.Push(&t.h, c)
		return
	}
	if better(c, t.h[0]) {
		t.h[0] = c
		heap.Fix(&t.h, 0)
	}
}

func (t *topK) sorted() []candidate {
	out := append([]candidate(nil), t.h...)
	sort.Slice(out, func(i, j int) bool { return better(out[i], out[j]) })
	return out
}

// degenerate reports whether emitting the end marker after h would close a
// variable without subtokens.
func degenerate(h Hypothesis, id, end int) bool {
	if id != end {
		return false
	}
	return len(h.Tokens) == 0 || h.Tokens[len(h.Tokens)-1] == end
}

// selectCandidates runs the top-k for the rows [lo, hi) of one function.
// Degenerate and non-finite candidates never compete.
func selectCandidates(hyps []Hypothesis, logProbs *mat.Dense, lo, hi, k, end int) []candidate {
	_, vocabSize := logProbs.Dims()
	t := newTopK(k)
	for r := lo; r < hi; r++ {
		prior := hyps[r]
		row := logProbs.RawRowView(r)
		for id, lp := range row {
			score := prior.Score + lp
			if math.IsNaN(score) || math.IsInf(score, 0) {
				continue
			}
			if degenerate(prior, id, end) {
				continue
			}
			t.offer(candidate{score: score, pos: (r-lo)*vocabSize + id})
		}
	}
	return t.sorted()
}

// ResetAcrossVariables returns copies of the carried state with every row
// whose variable pointer just moved zeroed, so the next variable starts
// from the shared context only.
func ResetAcrossVariables(changed []bool, state nn.CellState, query, prevEmb *mat.Dense) (nn.CellState, *mat.Dense, *mat.Dense) {
	out := nn.CellState{H: mat.DenseCopyOf(state.H), C: mat.DenseCopyOf(state.C)}
	q := mat.DenseCopyOf(query)
	e := mat.DenseCopyOf(prevEmb)
	for _, m := range []*mat.Dense{out.H, out.C, q, e} {
		nn.ZeroRows(m, changed)
	}
	return out, q, e
}
