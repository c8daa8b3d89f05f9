// Package decoder predicts variable names with a batched beam search over
// the recurrent subtoken decoder.
package decoder

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/quarrel-rename/internal/dataset"
	"github.com/23skdu/quarrel-rename/internal/encoding"
	"github.com/23skdu/quarrel-rename/internal/logger"
	"github.com/23skdu/quarrel-rename/internal/metrics"
	"github.com/23skdu/quarrel-rename/internal/model"
	"github.com/23skdu/quarrel-rename/internal/nn"
)

var ErrDimensionMismatch = model.ErrDimensionMismatch

type Options struct {
	BeamSize int
	MaxSteps int
	// Zero the carried state whenever a hypothesis moves to the next variable.
	IndependentPredictionForEachVariable bool

	// Stepper overrides the step derived from the model.
	Stepper  Stepper
	Observer StepObserver
}

// Decoder holds only read-only parameters, so concurrent Decode calls are safe.
type Decoder struct {
	model   *model.Model
	opts    Options
	stepper Stepper
	log     *logger.Logger
}

func New(m *model.Model, opts Options) (*Decoder, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil model", ErrDimensionMismatch)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if opts.BeamSize <= 0 {
		return nil, fmt.Errorf("invalid beam size: %d (must be positive)", opts.BeamSize)
	}
	if opts.MaxSteps <= 0 {
		return nil, fmt.Errorf("invalid max steps: %d (must be positive)", opts.MaxSteps)
	}
	s := opts.Stepper
	if s == nil {
		if m.Hyper.Attention {
			s = NewAttentionStepper(m)
		} else {
			s = NewBaseStepper(m)
		}
	}
	return &Decoder{
		model:   m,
		opts:    opts,
		stepper: s,
		log:     logger.Log.With("component", "decoder"),
	}, nil
}

// beamState is the flat live batch. Rows of one function are contiguous and
// functions appear in increasing order; every slice and matrix row i
// describes the same hypothesis.
type beamState struct {
	owner   []int
	hyps    []Hypothesis
	state   nn.CellState
	query   *mat.Dense
	prevEmb *mat.Dense
}

func (b *beamState) len() int { return len(b.hyps) }

// Decode renames the variables of fns. enc must be the encoding of exactly
// this batch. Malformed input fails the whole call; a function that never
// completes keeps its names and carries a Diagnostic.
func (d *Decoder) Decode(fns []dataset.Function, enc *encoding.Context) ([]Result, error) {
	start := time.Now()
	if len(fns) == 0 {
		return nil, nil
	}

	counts := make([]int, len(fns))
	for i, fn := range fns {
		counts[i] = len(fn.Variables)
	}
	if err := enc.Validate(counts, false); err != nil {
		metrics.RecordValidationError("decode", "malformed_encoding")
		return nil, err
	}
	if e := enc.EncodingSize(); e != d.model.Hyper.EncodingSize {
		metrics.RecordValidationError("decode", "encoding_size")
		return nil, fmt.Errorf("%w: encodings are %d wide, model expects %d", encoding.ErrMalformedEncoding, e, d.model.Hyper.EncodingSize)
	}
	sc, err := d.stepper.PrepareContext(enc)
	if err != nil {
		metrics.RecordValidationError("decode", "attention_memory")
		return nil, err
	}
	initial, err := InitialState(d.model.CellInit, enc.NodeEncodings, enc.NodeFunction, len(fns))
	if err != nil {
		metrics.RecordValidationError("decode", "initial_state")
		return nil, err
	}

	d.log.Debug("Decode started", "functions", len(fns), "beam_size", d.opts.BeamSize, "max_steps", d.opts.MaxSteps)

	completed := make([][]Hypothesis, len(fns))
	live := d.initialBeam(initial, counts)
	steps := 0
	for t := 0; t < d.opts.MaxSteps && live.len() > 0; t++ {
		live, err = d.step(live, enc, sc, counts, completed)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", t, err)
		}
		steps = t + 1
		metrics.RecordStep(live.len())
		if d.opts.Observer != nil {
			d.opts.Observer(trace(t, live, completed))
		}
	}

	results := make([]Result, len(fns))
	renamed := 0
	for i, fn := range fns {
		metrics.RecordCompleted(len(completed[i]))
		results[i] = finalize(i, fn, completed[i], d.model.Vocab)
		if diag := results[i].Diagnostic; diag != nil {
			metrics.RecordFallback()
			d.log.Warn("Function fell back to original names", "function", diag.Function, "name", diag.Name, "reason", diag.Reason)
			continue
		}
		renamed += len(fn.Variables)
	}
	metrics.RecordRenamed(renamed)
	metrics.RecordDecode(len(fns), steps, time.Since(start))
	d.log.Debug("Decode finished", "functions", len(fns), "steps", steps, "duration", time.Since(start).String())
	return results, nil
}

// initialBeam seeds one empty hypothesis per function that has variables.
func (d *Decoder) initialBeam(initial nn.CellState, counts []int) *beamState {
	b := &beamState{}
	var rows []int
	for f, n := range counts {
		if n == 0 {
			continue
		}
		rows = append(rows, f)
		b.owner = append(b.owner, f)
		b.hyps = append(b.hyps, Hypothesis{})
	}
	if len(rows) == 0 {
		return b
	}
	b.state = initial.Gather(rows)
	hidden := d.model.Hyper.HiddenSize
	b.query = mat.NewDense(len(rows), hidden, nil)
	b.prevEmb = mat.NewDense(len(rows), d.model.Output.In(), nil)
	return b
}

// inputs builds [variable encoding; previous token embedding; previous
// query if input feed] for every live row.
func (d *Decoder) inputs(b *beamState, enc *encoding.Context) *mat.Dense {
	e := enc.EncodingSize()
	_, embWidth := b.prevEmb.Dims()
	width := e + embWidth
	_, qWidth := b.query.Dims()
	if d.model.Hyper.InputFeed {
		width += qWidth
	}
	x := mat.NewDense(b.len(), width, nil)
	for r, f := range b.owner {
		row := x.RawRowView(r)
		copy(row, enc.Variables[f].RawRowView(b.hyps[r].VariablePtr))
		copy(row[e:], b.prevEmb.RawRowView(r))
		if d.model.Hyper.InputFeed {
			copy(row[e+embWidth:], b.query.RawRowView(r))
		}
	}
	return x
}

// step expands every live hypothesis by one token and returns the next
// live batch. Completed hypotheses are appended to completed.
func (d *Decoder) step(b *beamState, enc *encoding.Context, sc StepContext, counts []int, completed [][]Hypothesis) (*beamState, error) {
	next, query, err := d.stepper.Step(d.inputs(b, enc), b.state, sc, b.owner)
	if err != nil {
		return nil, err
	}
	logProbs := d.model.LogProbs(query)
	_, vocabSize := logProbs.Dims()
	end := d.model.Vocab.EndOfVariableID()

	out := &beamState{}
	var prov []int
	var tokens []int
	var changed []bool
	for lo := 0; lo < b.len(); {
		f := b.owner[lo]
		hi := lo
		for hi < b.len() && b.owner[hi] == f {
			hi++
		}
		k := d.opts.BeamSize - len(completed[f])
		for _, c := range selectCandidates(b.hyps, logProbs, lo, hi, k, end) {
			row := lo + c.pos/vocabSize
			id := c.pos % vocabSize
			prior := b.hyps[row]
			ptr := prior.VariablePtr
			if id == end {
				ptr++
			}
			h := prior.extend(id, c.score, ptr)
			if ptr == counts[f] {
				completed[f] = append(completed[f], h)
				continue
			}
			out.owner = append(out.owner, f)
			out.hyps = append(out.hyps, h)
			prov = append(prov, row)
			tokens = append(tokens, id)
			changed = append(changed, ptr != prior.VariablePtr)
		}
		lo = hi
	}
	if len(prov) == 0 {
		return out, nil
	}

	out.state = next.Gather(prov)
	out.query = nn.GatherRows(query, prov)
	out.prevEmb = mat.NewDense(len(tokens), d.model.Output.In(), nil)
	for i, id := range tokens {
		copy(out.prevEmb.RawRowView(i), d.model.Embedding(id))
	}
	if d.opts.IndependentPredictionForEachVariable {
		out.state, out.query, out.prevEmb = ResetAcrossVariables(changed, out.state, out.query, out.prevEmb)
	}
	return out, nil
}

func trace(t int, b *beamState, completed [][]Hypothesis) StepTrace {
	tr := StepTrace{
		Step:      t,
		Live:      make([][]Hypothesis, len(completed)),
		Completed: make([][]Hypothesis, len(completed)),
	}
	for i, f := range b.owner {
		tr.Live[f] = append(tr.Live[f], b.hyps[i])
	}
	for f, c := range completed {
		tr.Completed[f] = append([]Hypothesis(nil), c...)
	}
	return tr
}
