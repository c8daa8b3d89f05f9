package decoder

import (
	"math"
	"strings"
	"testing"

	"github.com/23skdu/quarrel-rename/internal/dataset"
	"github.com/23skdu/quarrel-rename/internal/vocab"
)

func TestFinalize(t *testing.T) {
	v, err := vocab.New([]string{vocab.EndOfVariableToken, vocab.SameVariableToken, "▁buf", "_len", "count", vocab.PadToken})
	if err != nil {
		t.Fatal(err)
	}
	fn := dataset.Function{Name: "f", Variables: []string{"a1", "v2", "v3"}}

	tests := []struct {
		name      string
		completed []Hypothesis
		want      map[string]string
		diag      bool
	}{
		{
			name: "pieces and shortcut",
			completed: []Hypothesis{
				{Tokens: []int{2, 3, 0, 1, 0, 4, 0}, VariablePtr: 3, Score: -0.5},
			},
			want: map[string]string{"a1": "buf_len", "v2": "v2", "v3": "count"},
		},
		{
			name: "best score wins",
			completed: []Hypothesis{
				{Tokens: []int{4, 0, 4, 0, 4, 0}, VariablePtr: 3, Score: -3},
				{Tokens: []int{1, 0, 1, 0, 1, 0}, VariablePtr: 3, Score: -1},
			},
			want: map[string]string{"a1": "a1", "v2": "v2", "v3": "v3"},
		},
		{
			name: "first completed wins ties",
			completed: []Hypothesis{
				{Tokens: []int{4, 0, 1, 0, 1, 0}, VariablePtr: 3, Score: -1},
				{Tokens: []int{2, 0, 1, 0, 1, 0}, VariablePtr: 3, Score: -1},
			},
			want: map[string]string{"a1": "count", "v2": "v2", "v3": "v3"},
		},
		{
			name: "same marker followed by pieces is decoded",
			completed: []Hypothesis{
				{Tokens: []int{1, 4, 0, 1, 0, 1, 0}, VariablePtr: 3, Score: -1},
			},
			want: map[string]string{"a1": "count", "v2": "v2", "v3": "v3"},
		},
		{
			name: "only reserved tokens keeps the name",
			completed: []Hypothesis{
				{Tokens: []int{5, 0, 1, 0, 1, 0}, VariablePtr: 3, Score: -1},
			},
			want: map[string]string{"a1": "a1", "v2": "v2", "v3": "v3"},
		},
		{
			name: "no completed hypothesis",
			want: map[string]string{"a1": "a1", "v2": "v2", "v3": "v3"},
			diag: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := finalize(4, fn, tt.completed, v)
			if (r.Diagnostic != nil) != tt.diag {
				t.Fatalf("diagnostic = %+v, want %v", r.Diagnostic, tt.diag)
			}
			if len(r.Renames) != len(fn.Variables) {
				t.Errorf("expected %d renames, got %d", len(fn.Variables), len(r.Renames))
			}
			for old, want := range tt.want {
				if got := r.Renames[old].NewName; got != want {
					t.Errorf("%s -> %q, want %q", old, got, want)
				}
			}
			if tt.diag {
				if r.Renames["a1"].Probability != 0 || !math.IsInf(r.Renames["a1"].Score, -1) {
					t.Errorf("fallback must have probability 0, got %+v", r.Renames["a1"])
				}
				if r.Diagnostic.Function != 4 || r.Diagnostic.Name != "f" {
					t.Errorf("diagnostic not keyed by function: %+v", r.Diagnostic)
				}
			} else if p := r.Renames["a1"].Probability; math.Abs(p-math.Exp(r.Best.Score)) > 1e-12 {
				t.Errorf("probability %v != exp(%v)", p, r.Best.Score)
			}
		})
	}
}

func TestIsSameVariable(t *testing.T) {
	if !isSameVariable([]int{1, 0}, 1, 0) {
		t.Error("[same, end] keeps the name")
	}
	for _, run := range [][]int{{1, 1, 0}, {2, 0}, {0}, {1, 2, 0}} {
		if isSameVariable(run, 1, 0) {
			t.Errorf("%v is not a same-variable run", run)
		}
	}
}

func TestSkipped(t *testing.T) {
	fn := dataset.Function{ID: "ls@0x10", Name: "main", Variables: []string{"argc", "argv"}}
	r := Skipped(4, fn, "no encoding")
	if r.Function != 4 || r.ID != "ls@0x10" || r.Best != nil {
		t.Errorf("unexpected result %+v", r)
	}
	if r.Diagnostic == nil || r.Diagnostic.Function != 4 || r.Diagnostic.Reason != "no encoding" {
		t.Errorf("unexpected diagnostic %+v", r.Diagnostic)
	}
	for _, v := range fn.Variables {
		if p := r.Renames[v]; p.NewName != v || p.Probability != 0 || !math.IsInf(p.Score, -1) {
			t.Errorf("%s: expected identity rename, got %+v", v, p)
		}
	}
}

func TestFinalizeRunCountMismatch(t *testing.T) {
	v, err := vocab.New([]string{vocab.EndOfVariableToken, vocab.SameVariableToken, "x"})
	if err != nil {
		t.Fatal(err)
	}
	fn := dataset.Function{Name: "f", Variables: []string{"a", "b"}}
	r := finalize(0, fn, []Hypothesis{{Tokens: []int{2, 0}, VariablePtr: 2}}, v)
	if r.Diagnostic == nil || !strings.Contains(r.Diagnostic.Reason, "1 names for 2 variables") {
		t.Errorf("expected run count diagnostic, got %+v", r.Diagnostic)
	}
	if r.Renames["a"].NewName != "a" {
		t.Errorf("expected identity fallback, got %+v", r.Renames)
	}
}

func TestSplitRuns(t *testing.T) {
	runs := splitRuns([]int{5, 6, 0, 1, 0, 7}, 0)
	if len(runs) != 2 || len(runs[0]) != 3 || runs[1][0] != 1 {
		t.Errorf("unexpected runs %v", runs)
	}
}
