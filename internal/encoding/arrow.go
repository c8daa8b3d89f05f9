package encoding

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/quarrel-rename/internal/dataset"
	"github.com/23skdu/quarrel-rename/internal/metrics"
)

// Row kinds in an encoding record.
const (
	KindNode      int8 = 0
	KindVariable  int8 = 1
	KindAttention int8 = 2
)

// Column order of an encoding record.
const (
	colFunction = iota
	colKind
	colIndex
	colValid
	colEmbedding
)

// Schema is the layout of encoder output: one row per node, variable master
// node or attention slot, each tagged with its function key.
func Schema(encodingSize int) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "function", Type: arrow.BinaryTypes.String},
		{Name: "kind", Type: arrow.PrimitiveTypes.Int8},
		{Name: "index", Type: arrow.PrimitiveTypes.Int32},
		{Name: "valid", Type: arrow.FixedWidthTypes.Boolean},
		{Name: "embedding", Type: arrow.FixedSizeListOf(int32(encodingSize), arrow.PrimitiveTypes.Float32)},
	}, nil)
}

func encodingSizeOf(schema *arrow.Schema) (int, error) {
	if len(schema.Fields()) != colEmbedding+1 {
		return 0, malformed("encoding schema has %d columns, want %d", len(schema.Fields()), colEmbedding+1)
	}
	fsl, ok := schema.Field(colEmbedding).Type.(*arrow.FixedSizeListType)
	if !ok {
		return 0, malformed("embedding column is %s, want fixed_size_list", schema.Field(colEmbedding).Type)
	}
	return int(fsl.Len()), nil
}

// NewRecord converts one function's encodings into a record. The caller
// releases it.
func NewRecord(mem memory.Allocator, e FunctionEncoding) (arrow.Record, error) {
	if e.Nodes == nil {
		return nil, fmt.Errorf("function %q has no nodes", e.Key)
	}
	_, width := e.Nodes.Dims()
	b := array.NewRecordBuilder(mem, Schema(width))
	defer b.Release()

	fn := b.Field(colFunction).(*array.StringBuilder)
	kind := b.Field(colKind).(*array.Int8Builder)
	index := b.Field(colIndex).(*array.Int32Builder)
	valid := b.Field(colValid).(*array.BooleanBuilder)
	emb := b.Field(colEmbedding).(*array.FixedSizeListBuilder)
	vals := emb.ValueBuilder().(*array.Float32Builder)

	add := func(k int8, m *mat.Dense, mask []bool) error {
		if m == nil {
			return nil
		}
		r, w := m.Dims()
		if w != width {
			return fmt.Errorf("function %q: kind %d rows are %d wide, nodes are %d", e.Key, k, w, width)
		}
		for i := 0; i < r; i++ {
			fn.Append(e.Key)
			kind.Append(k)
			index.Append(int32(i))
			valid.Append(mask == nil || mask[i])
			emb.Append(true)
			for _, v := range m.RawRowView(i) {
				vals.Append(float32(v))
			}
		}
		return nil
	}
	if err := add(KindNode, e.Nodes, nil); err != nil {
		return nil, err
	}
	if err := add(KindVariable, e.Variables, nil); err != nil {
		return nil, err
	}
	if e.Attention != nil {
		if r, _ := e.Attention.Dims(); len(e.AttentionMask) != r {
			return nil, fmt.Errorf("function %q: attention mask has %d entries for %d rows", e.Key, len(e.AttentionMask), r)
		}
	}
	if err := add(KindAttention, e.Attention, e.AttentionMask); err != nil {
		return nil, err
	}
	return b.NewRecord(), nil
}

type slot struct {
	index int
	valid bool
	row   []float64
}

// collector groups rows of encoding records by function key.
type collector struct {
	width int
	rows  map[string]map[int8][]slot
	order []string
}

func newCollector() *collector {
	return &collector{width: -1, rows: make(map[string]map[int8][]slot)}
}

func (c *collector) add(rec arrow.Record) error {
	width, err := encodingSizeOf(rec.Schema())
	if err != nil {
		return err
	}
	if c.width >= 0 && width != c.width {
		return malformed("record embeddings are %d wide, earlier records %d", width, c.width)
	}
	c.width = width

	fn, ok1 := rec.Column(colFunction).(*array.String)
	kind, ok2 := rec.Column(colKind).(*array.Int8)
	index, ok3 := rec.Column(colIndex).(*array.Int32)
	valid, ok4 := rec.Column(colValid).(*array.Boolean)
	emb, ok5 := rec.Column(colEmbedding).(*array.FixedSizeList)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return malformed("unexpected column types in %s", rec.Schema())
	}
	vals, ok := emb.ListValues().(*array.Float32)
	if !ok {
		return malformed("embedding values are %s, want float32", emb.ListValues().DataType())
	}

	for i := 0; i < int(rec.NumRows()); i++ {
		key := fn.Value(i)
		byKind, seen := c.rows[key]
		if !seen {
			byKind = make(map[int8][]slot)
			c.rows[key] = byKind
			c.order = append(c.order, key)
		}
		start, end := emb.ValueOffsets(i)
		row := make([]float64, end-start)
		for j := start; j < end; j++ {
			row[j-start] = float64(vals.Value(int(j)))
		}
		k := kind.Value(i)
		byKind[k] = append(byKind[k], slot{index: int(index.Value(i)), valid: valid.Value(i), row: row})
	}
	return nil
}

func (c *collector) table() (Table, error) {
	t := make(Table, len(c.rows))
	for _, key := range c.order {
		byKind := c.rows[key]
		e := FunctionEncoding{Key: key}
		var err error
		if e.Nodes, _, err = stack(key, byKind[KindNode], c.width); err != nil {
			return nil, err
		}
		if e.Variables, _, err = stack(key, byKind[KindVariable], c.width); err != nil {
			return nil, err
		}
		if e.Attention, e.AttentionMask, err = stack(key, byKind[KindAttention], c.width); err != nil {
			return nil, err
		}
		t[key] = e
	}
	return t, nil
}

// stack orders slots by index and checks they cover [0, n) exactly once.
func stack(key string, slots []slot, width int) (*mat.Dense, []bool, error) {
	if len(slots) == 0 {
		return nil, nil, nil
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].index < slots[j].index })
	m := mat.NewDense(len(slots), width, nil)
	mask := make([]bool, len(slots))
	for i, s := range slots {
		if s.index != i {
			return nil, nil, malformed("function %q: row index %d where %d expected", key, s.index, i)
		}
		copy(m.RawRowView(i), s.row)
		mask[i] = s.valid
	}
	return m, mask, nil
}

// Table holds encodings keyed by dataset.Function.Key.
type Table map[string]FunctionEncoding

// Lookup returns the encodings of fns in order.
func (t Table) Lookup(fns []dataset.Function) ([]FunctionEncoding, error) {
	out := make([]FunctionEncoding, len(fns))
	for i, fn := range fns {
		e, ok := t[fn.Key()]
		if !ok {
			return nil, fmt.Errorf("%w for function %q", ErrNoEncoding, fn.Key())
		}
		out[i] = e
	}
	return out, nil
}

// WriteArrowFile writes encodings as an Arrow IPC file, one record per
// function. Keys must be distinct.
func WriteArrowFile(path string, encs []FunctionEncoding) error {
	if len(encs) == 0 {
		return fmt.Errorf("no encodings to write")
	}
	keys := make(map[string]bool, len(encs))
	for _, e := range encs {
		if keys[e.Key] {
			return fmt.Errorf("function key %q written twice", e.Key)
		}
		keys[e.Key] = true
	}
	if encs[0].Nodes == nil {
		return fmt.Errorf("function %q has no nodes", encs[0].Key)
	}
	_, width := encs[0].Nodes.Dims()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	mem := memory.NewGoAllocator()
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(Schema(width)), ipc.WithAllocator(mem))
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to create arrow writer: %w", err)
	}
	for _, e := range encs {
		rec, err := NewRecord(mem, e)
		if err != nil {
			_ = w.Close()
			_ = f.Close()
			return err
		}
		err = w.Write(rec)
		rec.Release()
		if err != nil {
			_ = w.Close()
			_ = f.Close()
			return fmt.Errorf("failed to write record: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ReadArrowFile loads every function encoding in an Arrow IPC file.
func ReadArrowFile(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("failed to open arrow file %s: %w", path, err)
	}
	defer r.Close()

	c := newCollector()
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if err := c.add(rec); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
	}
	return c.table()
}

// ArrowFileEncoder serves encodings precomputed into an Arrow IPC file.
type ArrowFileEncoder struct {
	path  string
	table Table
}

func NewArrowFileEncoder(path string) (*ArrowFileEncoder, error) {
	t, err := ReadArrowFile(path)
	if err != nil {
		return nil, err
	}
	return &ArrowFileEncoder{path: path, table: t}, nil
}

func (a *ArrowFileEncoder) Encode(_ context.Context, fns []dataset.Function) (*Context, error) {
	start := time.Now()
	encs, err := a.table.Lookup(fns)
	if err != nil {
		return nil, err
	}
	c, err := Assemble(fns, encs)
	if err != nil {
		metrics.RecordValidationError("encode", "malformed_encoding")
		return nil, err
	}
	metrics.RecordEncoder("arrow", time.Since(start))
	return c, nil
}

// Table exposes the loaded encodings, e.g. to serve them over Flight.
func (a *ArrowFileEncoder) Table() Table { return a.table }
