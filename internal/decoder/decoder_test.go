package decoder

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/quarrel-rename/internal/dataset"
	"github.com/23skdu/quarrel-rename/internal/encoding"
	"github.com/23skdu/quarrel-rename/internal/model"
	"github.com/23skdu/quarrel-rename/internal/nn"
	"github.com/23skdu/quarrel-rename/internal/vocab"
)

// v1: "count" then end. v2: same then end.
func endToEndRule(variable, prev int) int {
	switch {
	case variable == 0 && prev == -1:
		return tokCount
	case variable == 1 && (prev == -1 || prev == tokEnd):
		return tokSame
	default:
		return tokEnd
	}
}

func TestDecodeEndToEnd(t *testing.T) {
	for _, independent := range []bool{false, true} {
		t.Run(fmt.Sprintf("independent=%v", independent), func(t *testing.T) {
			m := scriptedModel(t)
			d, err := New(m, Options{
				BeamSize:                             2,
				MaxSteps:                             10,
				IndependentPredictionForEachVariable: independent,
				Stepper:                              &scriptedStepper{rule: endToEndRule},
			})
			if err != nil {
				t.Fatal(err)
			}
			fns := []dataset.Function{{Name: "f", Variables: []string{"v1", "v2"}}}
			res, err := d.Decode(fns, scriptedContext(fns))
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			r := res[0]
			if r.Diagnostic != nil {
				t.Fatalf("unexpected diagnostic %+v", r.Diagnostic)
			}
			if got := r.Renames["v1"].NewName; got != "count" {
				t.Errorf("v1 -> %q, want count", got)
			}
			if got := r.Renames["v2"].NewName; got != "v2" {
				t.Errorf("v2 -> %q, want v2", got)
			}
			if diff := cmp.Diff([]int{tokCount, tokEnd, tokSame, tokEnd}, r.Best.Tokens); diff != "" {
				t.Errorf("unexpected best tokens (-want +got):\n%s", diff)
			}
			p := r.Renames["v1"].Probability
			if p < 0.99 || p > 1 {
				t.Errorf("expected probability close to 1, got %v", p)
			}
			if math.Abs(math.Exp(r.Renames["v1"].Score)-p) > 1e-12 {
				t.Error("probability must be exp(score)")
			}
		})
	}
}

func TestDecodeFallback(t *testing.T) {
	m := scriptedModel(t)
	d, err := New(m, Options{
		BeamSize: 1,
		MaxSteps: 1,
		Stepper:  &scriptedStepper{rule: func(int, int) int { return tokEnd }},
	})
	if err != nil {
		t.Fatal(err)
	}
	fns := []dataset.Function{{Name: "sub_401000", Variables: []string{"v1"}}}
	res, err := d.Decode(fns, scriptedContext(fns))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	r := res[0]
	if r.Diagnostic == nil {
		t.Fatal("expected a diagnostic")
	}
	if r.Diagnostic.Function != 0 || r.Diagnostic.Name != "sub_401000" {
		t.Errorf("diagnostic not keyed by function: %+v", r.Diagnostic)
	}
	got := r.Renames["v1"]
	if got.NewName != "v1" || got.Probability != 0 {
		t.Errorf("expected identity with probability 0, got %+v", got)
	}
	if r.Best != nil {
		t.Error("fallback must not report a best hypothesis")
	}

	// -Inf scores serialise as null
	out, err := json.Marshal(r.Renames)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !bytes.Contains(out, []byte(`"score":null`)) || !bytes.Contains(out, []byte(`"probability":0`)) {
		t.Errorf("unexpected JSON %s", out)
	}
}

func TestDecodeSameVariableShortcut(t *testing.T) {
	m := scriptedModel(t)
	d, err := New(m, Options{
		BeamSize: 3,
		MaxSteps: 8,
		Stepper: &scriptedStepper{rule: func(_, prev int) int {
			if prev == tokSame {
				return tokEnd
			}
			return tokSame
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	fns := []dataset.Function{{Name: "f", Variables: []string{"dwFlags", "lpBuffer"}}}
	res, err := d.Decode(fns, scriptedContext(fns))
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range fns[0].Variables {
		if got := res[0].Renames[v].NewName; got != v {
			t.Errorf("%s -> %q, want unchanged", v, got)
		}
	}
}

func TestDecodeFunctionWithoutVariables(t *testing.T) {
	m := scriptedModel(t)
	d, err := New(m, Options{BeamSize: 2, MaxSteps: 10, Stepper: &scriptedStepper{rule: endToEndRule}})
	if err != nil {
		t.Fatal(err)
	}
	fns := []dataset.Function{
		{Name: "empty"},
		{Name: "f", Variables: []string{"v1", "v2"}},
	}
	res, err := d.Decode(fns, scriptedContext(fns))
	if err != nil {
		t.Fatal(err)
	}
	if len(res[0].Renames) != 0 || res[0].Diagnostic != nil {
		t.Errorf("expected empty mapping without diagnostic, got %+v", res[0])
	}
	if res[1].Renames["v1"].NewName != "count" {
		t.Errorf("unexpected result for second function %+v", res[1].Renames)
	}
}

func TestDecodeInvariants(t *testing.T) {
	counts := []int{1, 3, 0, 2}
	const beam = 3
	for _, attention := range []bool{false, true} {
		t.Run(fmt.Sprintf("attention=%v", attention), func(t *testing.T) {
			v, err := vocab.New([]string{vocab.PadToken, vocab.EndOfVariableToken, vocab.SameVariableToken, "▁a", "b", "c"})
			if err != nil {
				t.Fatal(err)
			}
			m, err := model.NewRandom(model.Hyper{EncodingSize: 4, HiddenSize: 5, Attention: attention, InputFeed: true}, v, 42)
			if err != nil {
				t.Fatal(err)
			}
			end := v.EndOfVariableID()

			var traces []StepTrace
			d, err := New(m, Options{
				BeamSize:                             beam,
				MaxSteps:                             12,
				IndependentPredictionForEachVariable: true,
				Observer:                             func(tr StepTrace) { traces = append(traces, tr) },
			})
			if err != nil {
				t.Fatal(err)
			}
			fns, enc := randomBatch(counts, 4, 5)
			res, err := d.Decode(fns, enc)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if len(traces) == 0 {
				t.Fatal("observer never called")
			}

			ends := func(h Hypothesis) int {
				n := 0
				for _, id := range h.Tokens {
					if id == end {
						n++
					}
				}
				return n
			}
			key := func(tokens []int) string { return fmt.Sprint(tokens) }

			prev := map[int]map[string]bool{}
			for _, tr := range traces {
				cur := map[int]map[string]bool{}
				for f := range counts {
					if n := len(tr.Live[f]) + len(tr.Completed[f]); n > beam {
						t.Errorf("step %d function %d holds %d hypotheses", tr.Step, f, n)
					}
					cur[f] = map[string]bool{}
					for _, h := range tr.Live[f] {
						cur[f][key(h.Tokens)] = true
						if len(h.Tokens) != tr.Step+1 {
							t.Errorf("step %d: live hypothesis has %d tokens", tr.Step, len(h.Tokens))
						}
						if h.VariablePtr != ends(h) || h.VariablePtr >= counts[f] {
							t.Errorf("step %d: pointer %d with %d end markers, V=%d", tr.Step, h.VariablePtr, ends(h), counts[f])
						}
						if tr.Step > 0 && !prev[f][key(h.Tokens[:len(h.Tokens)-1])] {
							t.Errorf("step %d: %v does not extend a live hypothesis", tr.Step, h.Tokens)
						}
					}
					for _, h := range append(append([]Hypothesis(nil), tr.Live[f]...), tr.Completed[f]...) {
						for i, id := range h.Tokens {
							if id == end && (i == 0 || h.Tokens[i-1] == end) {
								t.Errorf("degenerate hypothesis %v", h.Tokens)
							}
						}
					}
					for _, h := range tr.Completed[f] {
						if h.VariablePtr != counts[f] || ends(h) != counts[f] {
							t.Errorf("completed hypothesis pointer %d, V=%d", h.VariablePtr, counts[f])
						}
					}
				}
				prev = cur
			}

			for f, r := range res {
				if len(r.Renames) != counts[f] {
					t.Errorf("function %d: %d renames for %d variables", f, len(r.Renames), counts[f])
				}
				for _, name := range fns[f].Variables {
					if _, ok := r.Renames[name]; !ok {
						t.Errorf("function %d: missing %s", f, name)
					}
				}
			}
		})
	}
}

func TestDecodeDeterministic(t *testing.T) {
	for _, attention := range []bool{false, true} {
		t.Run(fmt.Sprintf("attention=%v", attention), func(t *testing.T) {
			v, err := vocab.New([]string{vocab.EndOfVariableToken, vocab.SameVariableToken, "▁x", "y", "z"})
			if err != nil {
				t.Fatal(err)
			}
			m, err := model.NewRandom(model.Hyper{EncodingSize: 3, HiddenSize: 4, Attention: attention, Dropout: 0.5}, v, 9)
			if err != nil {
				t.Fatal(err)
			}
			d, err := New(m, Options{BeamSize: 4, MaxSteps: 16})
			if err != nil {
				t.Fatal(err)
			}
			fns, enc := randomBatch([]int{2, 1, 3}, 3, 11)

			first, err := d.Decode(fns, enc)
			if err != nil {
				t.Fatal(err)
			}
			second, err := d.Decode(fns, enc)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(first, second); diff != "" {
				t.Errorf("decodes differ (-first +second):\n%s", diff)
			}
			a, _ := json.Marshal(first)
			b, _ := json.Marshal(second)
			if !bytes.Equal(a, b) {
				t.Error("serialised results differ")
			}
		})
	}
}

func TestNewRejectsBadConfiguration(t *testing.T) {
	m := scriptedModel(t)
	if _, err := New(m, Options{BeamSize: 0, MaxSteps: 1}); err == nil {
		t.Error("expected error for zero beam size")
	}
	if _, err := New(m, Options{BeamSize: 1, MaxSteps: 0}); err == nil {
		t.Error("expected error for zero step budget")
	}

	m.Output = &nn.Linear{W: mat.NewDense(3, 4, nil), B: make([]float64, 3)}
	if _, err := New(m, Options{BeamSize: 1, MaxSteps: 1}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestDecodeRejectsMalformedEncoding(t *testing.T) {
	m := scriptedModel(t)
	d, err := New(m, Options{BeamSize: 2, MaxSteps: 4, Stepper: &scriptedStepper{rule: endToEndRule}})
	if err != nil {
		t.Fatal(err)
	}
	fns := []dataset.Function{
		{Name: "f", Variables: []string{"v1"}},
		{Name: "g", Variables: []string{"v1"}},
	}
	tests := []struct {
		name   string
		mutate func(c *encoding.Context)
	}{
		{"zero node function", func(c *encoding.Context) { c.NodeFunction[1] = 0 }},
		{"wrong width", func(c *encoding.Context) {
			c.NodeEncodings = mat.NewDense(2, 3, nil)
			c.Variables[0] = mat.NewDense(1, 3, nil)
			c.Variables[1] = mat.NewDense(1, 3, nil)
		}},
		{"batch mismatch", func(c *encoding.Context) { c.Variables = c.Variables[:1] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := scriptedContext(fns)
			tt.mutate(c)
			if _, err := d.Decode(fns, c); !errors.Is(err, encoding.ErrMalformedEncoding) {
				t.Errorf("expected ErrMalformedEncoding, got %v", err)
			}
		})
	}
}

func TestAttentionDecoderRequiresMemory(t *testing.T) {
	v := scriptedVocab(t)
	m, err := model.NewRandom(model.Hyper{EncodingSize: 2, HiddenSize: 3, Attention: true}, v, 2)
	if err != nil {
		t.Fatal(err)
	}
	d, err := New(m, Options{BeamSize: 2, MaxSteps: 4})
	if err != nil {
		t.Fatal(err)
	}
	fns := []dataset.Function{{Name: "f", Variables: []string{"v1"}}}
	_, err = d.Decode(fns, scriptedContext(fns))
	if !errors.Is(err, encoding.ErrMalformedEncoding) || !strings.Contains(err.Error(), "attention") {
		t.Errorf("expected attention memory error, got %v", err)
	}
}
