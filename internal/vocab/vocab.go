// Package vocab maps name subtokens to ids and back.
package vocab

import (
	"fmt"
	"strings"

	"github.com/23skdu/quarrel-rename/internal/gguf"
)

const (
	PadToken            = "<pad>"
	UnknownToken        = "<unk>"
	SameVariableToken   = "<IDENTITY>"
	EndOfVariableToken  = "</s>"
	StartOfVariableName = "<s>"

	// Word-piece boundary marker in sentencepiece vocabularies.
	wordBoundary = "▁"

	// GGUFTokensKey holds the target vocabulary inside a model file.
	GGUFTokensKey = "tokenizer.ggml.tokens"
)

// Vocabulary is the read-only target vocabulary of the decoder.
type Vocabulary struct {
	tokens   []string
	ids      map[string]int
	reserved map[int]bool
	same     int
	end      int
}

// New builds a vocabulary from tokens in id order. Both the same-variable
// and end-of-variable markers must be present.
func New(tokens []string) (*Vocabulary, error) {
	v := &Vocabulary{
		tokens:   append([]string(nil), tokens...),
		ids:      make(map[string]int, len(tokens)),
		reserved: make(map[int]bool),
	}
	for i, t := range tokens {
		if _, dup := v.ids[t]; dup {
			return nil, fmt.Errorf("duplicate token %q at id %d", t, i)
		}
		v.ids[t] = i
	}

	var ok bool
	if v.same, ok = v.ids[SameVariableToken]; !ok {
		return nil, fmt.Errorf("vocabulary lacks %s", SameVariableToken)
	}
	if v.end, ok = v.ids[EndOfVariableToken]; !ok {
		return nil, fmt.Errorf("vocabulary lacks %s", EndOfVariableToken)
	}
	for _, t := range []string{PadToken, UnknownToken, SameVariableToken, EndOfVariableToken, StartOfVariableName} {
		if id, ok := v.ids[t]; ok {
			v.reserved[id] = true
		}
	}
	return v, nil
}

// FromGGUF reads the vocabulary stored in a model file.
func FromGGUF(f *gguf.GGUFFile) (*Vocabulary, error) {
	tokens, err := f.Strings(GGUFTokensKey)
	if err != nil {
		return nil, err
	}
	return New(tokens)
}

func (v *Vocabulary) Size() int { return len(v.tokens) }

func (v *Vocabulary) SameVariableID() int { return v.same }

func (v *Vocabulary) EndOfVariableID() int { return v.end }

// Tokens returns a copy of the tokens in id order.
func (v *Vocabulary) Tokens() []string {
	return append([]string(nil), v.tokens...)
}

// ID returns the id of token, or the unknown id (-1 when absent).
func (v *Vocabulary) ID(token string) (int, bool) {
	if id, ok := v.ids[token]; ok {
		return id, true
	}
	if id, ok := v.ids[UnknownToken]; ok {
		return id, false
	}
	return -1, false
}

func (v *Vocabulary) Token(id int) (string, bool) {
	if id < 0 || id >= len(v.tokens) {
		return "", false
	}
	return v.tokens[id], true
}

// DecodeIDs joins subtoken pieces into a display name. Reserved markers and
// out-of-range ids are skipped, so the result is defined for any input.
func (v *Vocabulary) DecodeIDs(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(v.tokens) || v.reserved[id] {
			continue
		}
		sb.WriteString(v.tokens[id])
	}
	return strings.TrimSpace(strings.ReplaceAll(sb.String(), wordBoundary, " "))
}
