package decoder

import (
	"fmt"
	"math"

	"github.com/23skdu/quarrel-rename/internal/dataset"
	"github.com/23skdu/quarrel-rename/internal/vocab"
)

// best returns the highest scoring hypothesis, the earliest on ties.
func best(completed []Hypothesis) (Hypothesis, bool) {
	if len(completed) == 0 {
		return Hypothesis{}, false
	}
	b := completed[0]
	for _, h := range completed[1:] {
		if h.Score > b.Score {
			b = h
		}
	}
	return b, true
}

// splitRuns cuts tokens into one run per variable, each ending at and
// including the end marker.
func splitRuns(tokens []int, end int) [][]int {
	var runs [][]int
	start := 0
	for i, id := range tokens {
		if id == end {
			runs = append(runs, tokens[start:i+1])
			start = i + 1
		}
	}
	return runs
}

// isSameVariable reports a run of exactly [same, end]. Runs always end at
// the end marker, so a bare same marker never reaches here.
func isSameVariable(run []int, same, end int) bool {
	return len(run) == 2 && run[0] == same && run[1] == end
}

func identity(fn dataset.Function) map[string]Rename {
	out := make(map[string]Rename, len(fn.Variables))
	for _, v := range fn.Variables {
		out[v] = Rename{NewName: v, Score: math.Inf(-1), Probability: 0}
	}
	return out
}

// Skipped is the result of a function that never reached the decoder, for
// instance because the encoder had nothing for it. Every variable keeps its
// name and the diagnostic carries reason.
func Skipped(index int, fn dataset.Function, reason string) Result {
	return Result{
		Function:   index,
		ID:         fn.ID,
		Name:       fn.Name,
		Variables:  fn.Variables,
		Renames:    identity(fn),
		Diagnostic: &Diagnostic{Function: index, Name: fn.Name, Reason: reason},
	}
}

// finalize turns the completed hypotheses of one function into its result.
// Without a usable hypothesis every variable keeps its name.
func finalize(index int, fn dataset.Function, completed []Hypothesis, v *vocab.Vocabulary) Result {
	res := Result{Function: index, ID: fn.ID, Name: fn.Name, Variables: fn.Variables}
	if len(fn.Variables) == 0 {
		res.Renames = map[string]Rename{}
		return res
	}

	top, ok := best(completed)
	if !ok {
		res.Renames = identity(fn)
		res.Diagnostic = &Diagnostic{Function: index, Name: fn.Name, Reason: "no complete hypothesis within the step budget"}
		return res
	}
	runs := splitRuns(top.Tokens, v.EndOfVariableID())
	if len(runs) != len(fn.Variables) {
		res.Renames = identity(fn)
		res.Diagnostic = &Diagnostic{Function: index, Name: fn.Name,
			Reason: fmt.Sprintf("best hypothesis has %d names for %d variables", len(runs), len(fn.Variables))}
		return res
	}

	prob := math.Exp(top.Score)
	res.Renames = make(map[string]Rename, len(fn.Variables))
	for i, old := range fn.Variables {
		name := old
		if !isSameVariable(runs[i], v.SameVariableID(), v.EndOfVariableID()) {
			if decoded := v.DecodeIDs(runs[i]); decoded != "" {
				name = decoded
			}
		}
		res.Renames[old] = Rename{NewName: name, Score: top.Score, Probability: prob}
	}
	b := top
	res.Best = &b
	return res
}
