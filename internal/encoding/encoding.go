// Package encoding carries the output of the context encoder into the
// decoder and fetches it from files or a remote encoder service.
package encoding

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/quarrel-rename/internal/dataset"
)

var ErrMalformedEncoding = errors.New("malformed context encoding")

// ErrNoEncoding reports a function the encoder has nothing for. It wraps
// ErrMalformedEncoding.
var ErrNoEncoding = fmt.Errorf("%w: no encoding", ErrMalformedEncoding)

// Context is the encoder output for one batch of functions. It is read-only
// while a batch is decoded.
type Context struct {
	// One row per tree node across the whole batch.
	NodeEncodings *mat.Dense
	// NodeFunction[i] is the batch index of the function owning node i.
	NodeFunction []int
	// Optional per-function node counts, checked against NodeFunction.
	NodeCounts []int

	// Variables[f] holds one master encoding per variable of function f, in
	// the function's variable order. Nil for functions without variables.
	Variables []*mat.Dense

	// Attention memory per function, padded; AttentionMask marks real rows.
	AttentionValues []*mat.Dense
	AttentionMask   [][]bool
}

// Encoder produces the context encoding for a batch of functions.
type Encoder interface {
	Encode(ctx context.Context, fns []dataset.Function) (*Context, error)
}

func (c *Context) Functions() int { return len(c.Variables) }

func (c *Context) EncodingSize() int {
	if c.NodeEncodings == nil {
		return 0
	}
	_, e := c.NodeEncodings.Dims()
	return e
}

func (c *Context) HasAttention() bool { return c.AttentionValues != nil }

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedEncoding, fmt.Sprintf(format, args...))
}

// Validate checks the encoding against the variable count of every function
// in the batch. With attention set, attention memory must be present too.
func (c *Context) Validate(variableCounts []int, attention bool) error {
	if c == nil || c.NodeEncodings == nil {
		return malformed("no node encodings")
	}
	fns := len(variableCounts)
	if len(c.Variables) != fns {
		return malformed("encoding covers %d functions, batch has %d", len(c.Variables), fns)
	}
	nodes, width := c.NodeEncodings.Dims()
	if len(c.NodeFunction) != nodes {
		return malformed("%d node encodings but %d node owners", nodes, len(c.NodeFunction))
	}

	counts := make([]int, fns)
	for i, f := range c.NodeFunction {
		if f < 0 || f >= fns {
			return malformed("node %d belongs to function %d outside [0, %d)", i, f, fns)
		}
		counts[f]++
	}
	for f, n := range counts {
		if n == 0 {
			return malformed("function %d has no nodes", f)
		}
	}
	if c.NodeCounts != nil {
		if len(c.NodeCounts) != fns {
			return malformed("%d node counts for %d functions", len(c.NodeCounts), fns)
		}
		for f, n := range c.NodeCounts {
			if n != counts[f] {
				return malformed("function %d declares %d nodes, owns %d", f, n, counts[f])
			}
		}
	}

	for f, v := range c.Variables {
		if v == nil {
			if variableCounts[f] != 0 {
				return malformed("function %d has %d variables but no variable encodings", f, variableCounts[f])
			}
			continue
		}
		r, w := v.Dims()
		if r != variableCounts[f] {
			return malformed("function %d has %d variables but %d variable encodings", f, variableCounts[f], r)
		}
		if w != width {
			return malformed("function %d variable encodings are %d wide, nodes are %d", f, w, width)
		}
	}

	if !attention {
		return nil
	}
	if len(c.AttentionValues) != fns || len(c.AttentionMask) != fns {
		return malformed("attention memory covers %d/%d functions, batch has %d", len(c.AttentionValues), len(c.AttentionMask), fns)
	}
	for f, v := range c.AttentionValues {
		if v == nil {
			return malformed("function %d has no attention memory", f)
		}
		r, w := v.Dims()
		if w != width {
			return malformed("function %d attention values are %d wide, nodes are %d", f, w, width)
		}
		if len(c.AttentionMask[f]) != r {
			return malformed("function %d attention mask has %d entries for %d rows", f, len(c.AttentionMask[f]), r)
		}
	}
	return nil
}

// FunctionEncoding is the encoder output for a single function.
type FunctionEncoding struct {
	// Key is dataset.Function.Key of the encoded function.
	Key           string
	Nodes         *mat.Dense
	Variables     *mat.Dense
	Attention     *mat.Dense
	AttentionMask []bool
}

// Assemble stacks per-function encodings, aligned with fns, into one batch
// context. Attention memory is kept only if every function carries some.
func Assemble(fns []dataset.Function, encs []FunctionEncoding) (*Context, error) {
	if len(encs) != len(fns) {
		return nil, malformed("%d encodings for %d functions", len(encs), len(fns))
	}
	width := -1
	total := 0
	attention := len(encs) > 0
	for i, e := range encs {
		if e.Key != fns[i].Key() {
			return nil, malformed("encoding %d is for %q, expected %q", i, e.Key, fns[i].Key())
		}
		if e.Nodes == nil {
			return nil, malformed("function %q has no nodes", e.Key)
		}
		r, w := e.Nodes.Dims()
		if width >= 0 && w != width {
			return nil, malformed("function %q node encodings are %d wide, expected %d", e.Key, w, width)
		}
		width = w
		total += r
		if e.Attention == nil {
			attention = false
		}
	}

	c := &Context{
		NodeFunction: make([]int, 0, total),
		NodeCounts:   make([]int, len(fns)),
		Variables:    make([]*mat.Dense, len(fns)),
	}
	if total > 0 {
		c.NodeEncodings = mat.NewDense(total, width, nil)
	}
	if attention {
		c.AttentionValues = make([]*mat.Dense, len(fns))
		c.AttentionMask = make([][]bool, len(fns))
	}

	row := 0
	for f, e := range encs {
		r, _ := e.Nodes.Dims()
		for i := 0; i < r; i++ {
			copy(c.NodeEncodings.RawRowView(row), e.Nodes.RawRowView(i))
			c.NodeFunction = append(c.NodeFunction, f)
			row++
		}
		c.NodeCounts[f] = r
		c.Variables[f] = e.Variables
		if attention {
			c.AttentionValues[f] = e.Attention
			c.AttentionMask[f] = e.AttentionMask
		}
	}

	counts := make([]int, len(fns))
	for i, fn := range fns {
		counts[i] = len(fn.Variables)
	}
	if err := c.Validate(counts, attention); err != nil {
		return nil, err
	}
	return c, nil
}
