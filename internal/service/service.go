// Package service runs batches of functions through an encoder and the
// rename decoder, optionally persisting the predictions.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/23skdu/quarrel-rename/internal/dataset"
	"github.com/23skdu/quarrel-rename/internal/decoder"
	"github.com/23skdu/quarrel-rename/internal/encoding"
	"github.com/23skdu/quarrel-rename/internal/logger"
	"github.com/23skdu/quarrel-rename/internal/metrics"
	"github.com/23skdu/quarrel-rename/internal/store"
)

type Options struct {
	BatchSize   int
	ModelPath   string
	BeamSize    int
	Independent bool
	// Store is optional; nil disables persistence.
	Store *store.Store
}

// Output holds one call's results, indexed by position in the input.
type Output struct {
	RunID   string           `json:"run_id"`
	Results []decoder.Result `json:"results"`
}

type Renamer struct {
	encoder encoding.Encoder
	decoder *decoder.Decoder
	opts    Options
	log     *logger.Logger
}

func NewRenamer(enc encoding.Encoder, dec *decoder.Decoder, opts Options) (*Renamer, error) {
	if enc == nil || dec == nil {
		return nil, fmt.Errorf("renamer needs an encoder and a decoder")
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("invalid batch size: %d (must be positive)", opts.BatchSize)
	}
	return &Renamer{
		encoder: enc,
		decoder: dec,
		opts:    opts,
		log:     logger.Log.With("component", "renamer"),
	}, nil
}

// Rename decodes fns in batches of BatchSize. Cancellation is checked
// between batches; a batch already handed to the decoder runs to the end.
func (r *Renamer) Rename(ctx context.Context, fns []dataset.Function) (Output, error) {
	start := time.Now()
	out := Output{RunID: uuid.New().String()}
	if r.opts.Store != nil {
		run, err := r.opts.Store.CreateRun(r.opts.ModelPath, r.opts.BeamSize, r.opts.Independent)
		if err != nil {
			return Output{}, err
		}
		out.RunID = run.ID
	}
	log := r.log.With("run_id", out.RunID)

	out.Results = make([]decoder.Result, 0, len(fns))
	fallbacks := 0
	for lo := 0; lo < len(fns); lo += r.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		hi := min(lo+r.opts.BatchSize, len(fns))
		batch := fns[lo:hi]

		results, missed, err := r.decodeBatch(ctx, lo, batch)
		if err != nil {
			return out, err
		}
		for _, res := range results {
			if res.Diagnostic != nil {
				fallbacks++
			}
		}
		for _, m := range missed {
			metrics.RecordFallback()
			log.Warn("Function has no encoding", "function", m.Function, "key", batch[m.Function-lo].Key())
		}
		if r.opts.Store != nil {
			if err := r.opts.Store.SaveRun(out.RunID, decodedOnly(results, missed)); err != nil {
				return out, err
			}
			for _, m := range missed {
				if err := r.opts.Store.SaveDiagnostic(out.RunID, *m.Diagnostic); err != nil {
					return out, err
				}
			}
		}
		out.Results = append(out.Results, results...)
		log.Debug("Batch decoded", "first", lo, "functions", len(batch))
	}

	log.Info("Rename finished",
		"functions", len(fns),
		"fallbacks", fallbacks,
		"duration", time.Since(start).String(),
	)
	return out, nil
}

// decodeBatch encodes and decodes one batch starting at input position lo.
// Functions the encoder has no encoding for keep their names and are
// returned again in missed; results stays in batch order.
func (r *Renamer) decodeBatch(ctx context.Context, lo int, batch []dataset.Function) (results, missed []decoder.Result, err error) {
	hi := lo + len(batch)
	keep := make([]int, len(batch))
	for i := range keep {
		keep[i] = i
	}
	enc, err := r.encoder.Encode(ctx, batch)
	if errors.Is(err, encoding.ErrNoEncoding) {
		keep, missed, err = r.findMissing(ctx, lo, batch)
		if err == nil && len(keep) > 0 {
			enc, err = r.encoder.Encode(ctx, pick(batch, keep))
		}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("encode functions %d-%d: %w", lo, hi-1, err)
	}

	results = make([]decoder.Result, len(batch))
	for _, m := range missed {
		results[m.Function-lo] = m
	}
	if len(keep) == 0 {
		return results, missed, nil
	}
	decoded, err := r.decoder.Decode(pick(batch, keep), enc)
	if err != nil {
		return nil, nil, fmt.Errorf("decode functions %d-%d: %w", lo, hi-1, err)
	}
	for j, res := range decoded {
		res.Function = lo + keep[j]
		if d := res.Diagnostic; d != nil {
			d.Function = res.Function
		}
		results[keep[j]] = res
	}
	return results, missed, nil
}

// findMissing encodes the batch one function at a time and splits it into
// the positions that encode and skipped results for those that do not.
func (r *Renamer) findMissing(ctx context.Context, lo int, batch []dataset.Function) ([]int, []decoder.Result, error) {
	var keep []int
	var missed []decoder.Result
	for i, fn := range batch {
		_, err := r.encoder.Encode(ctx, batch[i:i+1])
		switch {
		case errors.Is(err, encoding.ErrNoEncoding):
			missed = append(missed, decoder.Skipped(lo+i, fn, err.Error()))
		case err != nil:
			return nil, nil, err
		default:
			keep = append(keep, i)
		}
	}
	return keep, missed, nil
}

func pick(fns []dataset.Function, idx []int) []dataset.Function {
	out := make([]dataset.Function, len(idx))
	for j, i := range idx {
		out[j] = fns[i]
	}
	return out
}

// decodedOnly drops skipped results; their diagnostics are stored on their own.
func decodedOnly(results, missed []decoder.Result) []decoder.Result {
	if len(missed) == 0 {
		return results
	}
	skip := make(map[int]bool, len(missed))
	for _, m := range missed {
		skip[m.Function] = true
	}
	out := make([]decoder.Result, 0, len(results)-len(missed))
	for _, res := range results {
		if !skip[res.Function] {
			out = append(out, res)
		}
	}
	return out
}
