// Package dataset reads decompiled functions to rename from jsonl dumps.
package dataset

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

// Function is one decompiled function. Variables are distinct and their
// order is the order the encoder numbers them in.
type Function struct {
	// ID tells apart functions sharing a name, such as main in two binaries.
	ID        string   `json:"id,omitempty"`
	Name      string   `json:"name"`
	Variables []string `json:"variables"`
}

// Key identifies the function in a dataset and in encoder output.
func (f Function) Key() string {
	if f.ID != "" {
		return f.ID
	}
	return f.Name
}

// record accepts both the flat form and the collector's form, where
// variables live under decompiler.arguments and decompiler.local_vars.
type record struct {
	ID         string      `json:"id"`
	Binary     string      `json:"binary"`
	EA         *uint64     `json:"ea"`
	Name       string      `json:"name"`
	Variables  []string    `json:"variables"`
	Decompiler *decompiled `json:"decompiler"`
}

type decompiled struct {
	Name      string            `json:"name"`
	Arguments []json.RawMessage `json:"arguments"`
	LocalVars []json.RawMessage `json:"local_vars"`
}

type variable struct {
	Name string `json:"n"`
}

const maxLine = 64 << 20

var gzipMagic = []byte{0x1f, 0x8b}

// ReadFile reads every function in a .jsonl or gzip-compressed .jsonl file.
// Records carrying an address but no binary name are attributed to the
// file, so dumps of several binaries can be concatenated.
func ReadFile(path string) ([]Function, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fns, err := read(f, binaryName(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return fns, nil
}

// Read decodes a jsonl stream, transparently decompressing gzip input.
func Read(r io.Reader) ([]Function, error) {
	return read(r, "")
}

func read(r io.Reader, binary string) ([]Function, error) {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(2); err == nil && bytes.Equal(magic, gzipMagic) {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		return decode(zr, binary)
	}
	return decode(br, binary)
}

// binaryName strips the dump extensions from a file name.
func binaryName(path string) string {
	name := filepath.Base(path)
	for _, ext := range []string{".gz", ".jsonl", ".json"} {
		name = strings.TrimSuffix(name, ext)
	}
	return name
}

// decode reads records in order. A key seen earlier in the stream gets the
// record position appended, so every function keeps its own encoding.
func decode(r io.Reader, binary string) ([]Function, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)

	var out []Function
	seen := make(map[string]bool)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		fn, err := rec.function(len(out), binary)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if seen[fn.Key()] {
			fn.ID = fmt.Sprintf("%s#%d", fn.Key(), len(out))
		}
		seen[fn.Key()] = true
		out = append(out, fn)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r record) function(index int, binary string) (Function, error) {
	fn := Function{ID: r.ID, Name: r.Name}
	if fn.ID == "" && r.EA != nil {
		if r.Binary != "" {
			binary = r.Binary
		}
		fn.ID = fmt.Sprintf("%#x", *r.EA)
		if binary != "" {
			fn.ID = binary + "@" + fn.ID
		}
	}
	names := r.Variables
	if r.Decompiler != nil {
		if fn.Name == "" {
			fn.Name = r.Decompiler.Name
		}
		for _, group := range [][]json.RawMessage{r.Decompiler.Arguments, r.Decompiler.LocalVars} {
			for _, entry := range group {
				vs, err := variablesOf(entry)
				if err != nil {
					return fn, err
				}
				names = append(names, vs...)
			}
		}
	}
	if fn.Name == "" {
		fn.Name = fmt.Sprintf("fn_%d", index)
	}
	fn.Variables = Dedup(names)
	return fn, nil
}

// variablesOf accepts a bare variable object, a plain name, or a
// [location, [variables...]] pair.
func variablesOf(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []string{s}, nil
	case '{':
		var v variable
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return []string{v.Name}, nil
	case '[':
		var pair []json.RawMessage
		if err := json.Unmarshal(raw, &pair); err != nil {
			return nil, err
		}
		if len(pair) != 2 {
			return nil, fmt.Errorf("variable entry has %d elements, want [location, variables]", len(pair))
		}
		var vs []variable
		if err := json.Unmarshal(pair[1], &vs); err != nil {
			return nil, err
		}
		names := make([]string, 0, len(vs))
		for _, v := range vs {
			names = append(names, v.Name)
		}
		return names, nil
	}
	return nil, fmt.Errorf("unexpected variable entry %s", raw)
}

// Dedup keeps the first occurrence of every non-empty name.
func Dedup(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// WriteFile writes functions in the flat jsonl form, gzip-compressed when
// compress is set.
func WriteFile(path string, fns []Function, compress bool) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	var w io.Writer = f
	var zw *gzip.Writer
	if compress {
		zw = gzip.NewWriter(f)
		w = zw
	}
	enc := json.NewEncoder(w)
	for _, fn := range fns {
		if err := enc.Encode(fn); err != nil {
			_ = f.Close()
			return err
		}
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			_ = f.Close()
			return err
		}
	}
	return f.Close()
}
