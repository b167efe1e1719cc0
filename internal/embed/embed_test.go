package embed

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/23skdu/longbow-bodkin/internal/fxp"
)

func TestWriteReadRoundTrip(t *testing.T) {
	vectors := [][]float32{
		{0.5, -0.25, 1.0, 0.0},
		{2.0, -1.5, 0.125, 3.0},
		{-0.75, 0.0, 0.0625, -2.0},
	}

	var buf bytes.Buffer
	if err := WriteIPC(&buf, vectors); err != nil {
		t.Fatalf("WriteIPC failed: %v", err)
	}

	table, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if table.Vocab != len(vectors) {
		t.Errorf("Vocab = %d, want %d", table.Vocab, len(vectors))
	}
	if table.Dim != len(vectors[0]) {
		t.Errorf("Dim = %d, want %d", table.Dim, len(vectors[0]))
	}

	for i, vec := range vectors {
		row := table.Row(i)
		for j, want := range vec {
			got := fxp.ToFloat(row[j])
			if math.Abs(got-float64(want)) > 1.0/65536 {
				t.Errorf("row %d[%d] = %v, want %v", i, j, got, want)
			}
		}
	}
}

func TestWriteIPCRaggedVector(t *testing.T) {
	var buf bytes.Buffer
	err := WriteIPC(&buf, [][]float32{
		{1.0, 2.0},
		{1.0, 2.0, 3.0},
	})
	if err == nil {
		t.Error("ragged vectors accepted")
	}
}

func TestWriteIPCEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteIPC(&buf, nil); err == nil {
		t.Error("empty vector set accepted")
	}
}

func TestReadGarbage(t *testing.T) {
	if _, err := Read(bytes.NewReader([]byte("not an arrow stream"))); err == nil {
		t.Error("garbage stream accepted")
	}
}

func TestLoadIPCFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emb.arrow")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	vectors := [][]float32{{1.0, -1.0}, {0.5, 0.25}}
	if err := WriteIPC(f, vectors); err != nil {
		t.Fatalf("WriteIPC failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	table, err := LoadIPC(path)
	if err != nil {
		t.Fatalf("LoadIPC failed: %v", err)
	}
	if table.Vocab != 2 || table.Dim != 2 {
		t.Errorf("table shape %dx%d, want 2x2", table.Vocab, table.Dim)
	}
	if table.Row(0)[0] != fxp.One {
		t.Errorf("row 0[0] = %d, want %d", table.Row(0)[0], fxp.One)
	}
}

func TestLoadIPCMissingFile(t *testing.T) {
	if _, err := LoadIPC(filepath.Join(t.TempDir(), "absent.arrow")); err == nil {
		t.Error("missing file accepted")
	}
}
