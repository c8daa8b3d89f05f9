package decoder

import (
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/quarrel-rename/internal/dataset"
	"github.com/23skdu/quarrel-rename/internal/encoding"
	"github.com/23skdu/quarrel-rename/internal/model"
	"github.com/23skdu/quarrel-rename/internal/nn"
	"github.com/23skdu/quarrel-rename/internal/vocab"
)

// Token ids of the scripted vocabulary.
const (
	tokEnd   = 0
	tokSame  = 1
	tokCount = 2
	tokI     = 3
)

func scriptedVocab(t *testing.T) *vocab.Vocabulary {
	t.Helper()
	v, err := vocab.New([]string{vocab.EndOfVariableToken, vocab.SameVariableToken, "count", "i"})
	if err != nil {
		t.Fatal(err)
	}
	return v
}

// scriptedModel has encoding size 2 and hidden size 4 with an identity
// output projection, so token embeddings are one-hot and a query row is
// its own logits.
func scriptedModel(t *testing.T) *model.Model {
	t.Helper()
	v := scriptedVocab(t)
	m, err := model.NewRandom(model.Hyper{EncodingSize: 2, HiddenSize: 4}, v, 1)
	if err != nil {
		t.Fatal(err)
	}
	eye := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		eye.Set(i, i, 1)
	}
	m.Output = &nn.Linear{W: eye, B: make([]float64, 4)}
	return m
}

// scriptedStepper favours rule(variable, previous token) with logit 0 and
// gives every other token -10. The previous token is -1 at the start of a
// name when no embedding is carried. State passes through unchanged.
type scriptedStepper struct {
	rule func(variable, prev int) int
}

func (s *scriptedStepper) PrepareContext(*encoding.Context) (StepContext, error) {
	return StepContext{}, nil
}

func (s *scriptedStepper) Step(x *mat.Dense, prev nn.CellState, _ StepContext, _ []int) (nn.CellState, *mat.Dense, error) {
	rows, _ := x.Dims()
	q := mat.NewDense(rows, 4, nil)
	for r := 0; r < rows; r++ {
		row := x.RawRowView(r)
		variable := argmax(row[0:2])
		prevTok := -1
		for _, v := range row[2:6] {
			if v != 0 {
				prevTok = argmax(row[2:6])
				break
			}
		}
		fav := s.rule(variable, prevTok)
		for j := 0; j < 4; j++ {
			q.Set(r, j, -10)
		}
		q.Set(r, fav, 0)
	}
	return prev, q, nil
}

func argmax(xs []float64) int {
	best := 0
	for i, v := range xs {
		if v > xs[best] {
			best = i
		}
	}
	return best
}

// scriptedContext encodes one node per function and one-hot variables.
func scriptedContext(fns []dataset.Function) *encoding.Context {
	c := &encoding.Context{
		NodeEncodings: mat.NewDense(len(fns), 2, nil),
		NodeFunction:  make([]int, len(fns)),
		Variables:     make([]*mat.Dense, len(fns)),
	}
	for f, fn := range fns {
		c.NodeFunction[f] = f
		c.NodeEncodings.Set(f, 0, 0.1*float64(f+1))
		if len(fn.Variables) == 0 {
			continue
		}
		vars := mat.NewDense(len(fn.Variables), 2, nil)
		for i := range fn.Variables {
			vars.Set(i, i%2, 1)
		}
		c.Variables[f] = vars
	}
	return c
}

// randomBatch builds functions with the given variable counts and random
// encodings, attention memory included.
func randomBatch(counts []int, width int, seed int64) ([]dataset.Function, *encoding.Context) {
	rng := rand.New(rand.NewSource(seed))
	fill := func(r, c int) *mat.Dense {
		data := make([]float64, r*c)
		for i := range data {
			data[i] = rng.NormFloat64()
		}
		return mat.NewDense(r, c, data)
	}

	fns := make([]dataset.Function, len(counts))
	encs := make([]encoding.FunctionEncoding, len(counts))
	for f, n := range counts {
		fns[f].Name = string(rune('a' + f))
		for i := 0; i < n; i++ {
			fns[f].Variables = append(fns[f].Variables, string(rune('a'+f))+"_v"+string(rune('0'+i)))
		}
		slots := 2 + f
		mask := make([]bool, slots)
		for i := range mask {
			mask[i] = i < slots-1
		}
		encs[f] = encoding.FunctionEncoding{
			Key:           fns[f].Key(),
			Nodes:         fill(3+f, width),
			Attention:     fill(slots, width),
			AttentionMask: mask,
		}
		if n > 0 {
			encs[f].Variables = fill(n, width)
		}
	}
	c, err := encoding.Assemble(fns, encs)
	if err != nil {
		panic(err)
	}
	return fns, c
}
