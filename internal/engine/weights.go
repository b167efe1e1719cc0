package engine

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/fxp"
	"github.com/23skdu/longbow-bodkin/internal/kernels"
)

// Blob is one projection weight matrix: either a dense Q16.16 array
// or an opaque still-quantized byte blob routed through the kernel
// registered for its quantization type. The engine never owns the
// backing memory.
type Blob struct {
	Dense []fxp.Value
	Raw   []byte
	Quant kernels.QuantType
	Rows  int
	Cols  int
}

// DenseBlob wraps a dense rows x cols Q16.16 matrix.
func DenseBlob(w []fxp.Value, rows, cols int) (*Blob, error) {
	if len(w) != rows*cols {
		return nil, fmt.Errorf("dense blob size mismatch: %d != %d*%d", len(w), rows, cols)
	}
	return &Blob{Dense: w, Quant: kernels.QuantDense, Rows: rows, Cols: cols}, nil
}

// QuantBlob wraps an opaque quantized matrix. The matching matvec
// kernel must be registered before the blob is used in a forward
// pass; an unregistered type degrades to pass-through at that point.
func QuantBlob(raw []byte, quant kernels.QuantType, rows, cols int) *Blob {
	return &Blob{Raw: raw, Quant: quant, Rows: rows, Cols: cols}
}

// LayerWeights holds ownership-free references to one transformer
// layer's parameters. Any field may be nil; the engine substitutes an
// identity pass-through for missing pieces so a partially-loaded
// model still produces output.
type LayerWeights struct {
	AttnNorm []fxp.Value
	FfnNorm  []fxp.Value

	AttnQ *Blob
	AttnK *Blob
	AttnV *Blob
	AttnO *Blob

	FfnGate *Blob
	FfnUp   *Blob
	FfnDown *Blob
}

// complete reports whether every projection and norm is present.
func (w *LayerWeights) complete() bool {
	return w.AttnNorm != nil && w.FfnNorm != nil &&
		w.AttnQ != nil && w.AttnK != nil && w.AttnV != nil && w.AttnO != nil &&
		w.FfnGate != nil && w.FfnUp != nil && w.FfnDown != nil
}
