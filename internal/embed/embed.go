// Package embed supplies the engine's token embedding table. Tables
// travel as Arrow record batches of FixedSizeList<float32> vectors,
// either from an IPC stream on disk or fetched over Arrow Flight, and
// are converted to Q16.16 at this boundary so the engine itself never
// sees a float.
package embed

import (
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-bodkin/internal/fxp"
)

// FieldName is the expected name of the vector column.
const FieldName = "embedding"

// Table is a vocab x dim embedding matrix in Q16.16.
type Table struct {
	Vocab int
	Dim   int
	Data  []fxp.Value
}

// Row returns the embedding vector for one token id.
func (t *Table) Row(id int) []fxp.Value {
	off := id * t.Dim
	return t.Data[off : off+t.Dim]
}

// Read decodes an Arrow IPC stream of embedding vectors into a table.
func Read(r io.Reader) (*Table, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, fmt.Errorf("failed to open IPC stream: %w", err)
	}
	defer rdr.Release()

	t := &Table{}
	for rdr.Next() {
		if err := t.appendRecord(rdr.Record()); err != nil {
			return nil, err
		}
	}
	if err := rdr.Err(); err != nil {
		return nil, fmt.Errorf("failed to read IPC stream: %w", err)
	}
	if t.Vocab == 0 {
		return nil, fmt.Errorf("IPC stream contained no embedding rows")
	}
	return t, nil
}

// LoadIPC reads an embedding table from an IPC stream file.
func LoadIPC(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return Read(f)
}

// appendRecord converts one record batch's vector column, checking
// that every batch agrees on the embedding dimension.
func (t *Table) appendRecord(rec arrow.Record) error {
	if rec.NumCols() < 1 {
		return fmt.Errorf("record has no columns")
	}
	col, ok := rec.Column(0).(*array.FixedSizeList)
	if !ok {
		return fmt.Errorf("column 0 is %s, want fixed_size_list<float32>", rec.Column(0).DataType())
	}
	listType, ok := col.DataType().(*arrow.FixedSizeListType)
	if !ok {
		return fmt.Errorf("unexpected list type %s", col.DataType())
	}
	dim := int(listType.Len())
	if t.Dim == 0 {
		t.Dim = dim
	} else if t.Dim != dim {
		return fmt.Errorf("embedding dim mismatch: %d != %d", dim, t.Dim)
	}

	vals, ok := col.ListValues().(*array.Float32)
	if !ok {
		return fmt.Errorf("vector values are %s, want float32", col.ListValues().DataType())
	}

	rows := col.Len()
	for i := 0; i < rows*dim; i++ {
		t.Data = append(t.Data, fxp.FromFloat(float64(vals.Value(i))))
	}
	t.Vocab += rows
	return nil
}

// WriteIPC encodes float32 embedding vectors as an Arrow IPC stream,
// the format Read and the Flight server side both speak.
func WriteIPC(w io.Writer, vectors [][]float32) error {
	if len(vectors) == 0 {
		return fmt.Errorf("no vectors provided")
	}
	dim := len(vectors[0])

	schema := arrow.NewSchema([]arrow.Field{
		{Name: FieldName, Type: arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float32)},
	}, nil)

	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()

	lb := b.Field(0).(*array.FixedSizeListBuilder)
	vb := lb.ValueBuilder().(*array.Float32Builder)
	for _, vec := range vectors {
		if len(vec) != dim {
			return fmt.Errorf("ragged vector: %d != %d", len(vec), dim)
		}
		lb.Append(true)
		vb.AppendValues(vec, nil)
	}

	rec := b.NewRecord()
	defer rec.Release()

	wr := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(memory.DefaultAllocator))
	if err := wr.Write(rec); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return wr.Close()
}
