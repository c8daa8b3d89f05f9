package decoder

import (
	"math"

	"github.com/goccy/go-json"
)

// Hypothesis is an immutable partial or complete decode. VariablePtr counts
// the variables whose name, end marker included, is already fixed.
type Hypothesis struct {
	Tokens      []int   `json:"tokens"`
	VariablePtr int     `json:"variable_ptr"`
	Score       float64 `json:"score"`
}

// extend returns a new hypothesis; h is left untouched.
func (h Hypothesis) extend(id int, score float64, ptr int) Hypothesis {
	tokens := make([]int, len(h.Tokens)+1)
	copy(tokens, h.Tokens)
	tokens[len(h.Tokens)] = id
	return Hypothesis{Tokens: tokens, VariablePtr: ptr, Score: score}
}

// Rename is the prediction for one variable. Score is the log-probability of
// the winning hypothesis, Probability its exponential.
type Rename struct {
	NewName     string
	Score       float64
	Probability float64
}

// MarshalJSON writes a non-finite score as null.
func (r Rename) MarshalJSON() ([]byte, error) {
	out := struct {
		NewName     string   `json:"new_name"`
		Score       *float64 `json:"score"`
		Probability float64  `json:"probability"`
	}{NewName: r.NewName, Probability: r.Probability}
	if !math.IsInf(r.Score, 0) && !math.IsNaN(r.Score) {
		s := r.Score
		out.Score = &s
	}
	return json.Marshal(out)
}

// Diagnostic reports a function that fell back to its original names.
type Diagnostic struct {
	Function int    `json:"function"`
	Name     string `json:"name"`
	Reason   string `json:"reason"`
}

// Result is the decode output for one function.
type Result struct {
	Function   int               `json:"function"`
	ID         string            `json:"id,omitempty"`
	Name       string            `json:"name"`
	Variables  []string          `json:"variables"`
	Renames    map[string]Rename `json:"renames"`
	Best       *Hypothesis       `json:"best,omitempty"`
	Diagnostic *Diagnostic       `json:"diagnostic,omitempty"`
}

// StepTrace is a snapshot of the beams after one step, indexed by function.
type StepTrace struct {
	Step      int
	Live      [][]Hypothesis
	Completed [][]Hypothesis
}

// StepObserver receives a trace after every step.
type StepObserver func(StepTrace)
