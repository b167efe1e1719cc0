package kernels

import (
	"encoding/binary"

	"github.com/23skdu/longbow-bodkin/internal/fxp"
	"github.com/23skdu/longbow-bodkin/internal/parallel"
)

// QuantType identifies the layout of an opaque quantized weight blob.
// The dequantizers themselves live outside this core; they plug in
// through RegisterMatVec. Q8_0 ships a built-in reference kernel.
type QuantType int

const (
	QuantDense QuantType = iota
	QuantQ4K
	QuantQ5K
	QuantQ6K
	QuantQ80
)

func (q QuantType) String() string {
	switch q {
	case QuantDense:
		return "dense"
	case QuantQ4K:
		return "q4_k"
	case QuantQ5K:
		return "q5_k"
	case QuantQ6K:
		return "q6_k"
	case QuantQ80:
		return "q8_0"
	}
	return "unknown"
}

// MatVecFunc computes dst = blob · x for a rows x cols weight blob in
// one specific quantized layout.
type MatVecFunc func(dst []fxp.Value, raw []byte, x []fxp.Value, rows, cols int)

var quantMatVec = map[QuantType]MatVecFunc{}

// RegisterMatVec installs the matrix-vector kernel for a quantization
// type. Registration happens during single-threaded setup; the map is
// read-only afterwards.
func RegisterMatVec(q QuantType, fn MatVecFunc) {
	quantMatVec[q] = fn
}

// QuantMatVec routes a quantized blob to its registered kernel,
// reporting false when no kernel is installed for the type.
func QuantMatVec(q QuantType, dst []fxp.Value, raw []byte, x []fxp.Value, rows, cols int) bool {
	fn, ok := quantMatVec[q]
	if !ok {
		return false
	}
	fn(dst, raw, x, rows, cols)
	return true
}

// MatVec computes dst = w · x for a dense rows x cols Q16.16 weight
// matrix, accumulating each row in 64 bits and truncating once.
func MatVec(dst []fxp.Value, w []fxp.Value, x []fxp.Value, rows, cols int) {
	for r := 0; r < rows; r++ {
		matVecRow(dst, w, x, r, cols)
	}
}

// MatVecParallel partitions the output rows of a dense matvec across
// the pool. Rows are disjoint so workers never write the same
// element.
func MatVecParallel(p *parallel.Pool, dst []fxp.Value, w []fxp.Value, x []fxp.Value, rows, cols int) {
	if p == nil {
		MatVec(dst, w, x, rows, cols)
		return
	}
	p.ParallelFor(func(start, end int) {
		for r := start; r < end; r++ {
			matVecRow(dst, w, x, r, cols)
		}
	}, rows, 0)
}

func matVecRow(dst, w, x []fxp.Value, r, cols int) {
	var acc int64
	base := r * cols
	for c := 0; c < cols; c++ {
		acc += int64(w[base+c]) * int64(x[c])
	}
	dst[r] = fxp.Value(acc >> fxp.Shift)
}

// q80BlockSize is the number of weights per Q8_0 block. Each block is
// a 4-byte little-endian Q16.16 scale followed by 32 int8 quants.
const q80BlockSize = 32

const q80BlockBytes = 4 + q80BlockSize

// QuantizeQ80 packs a dense Q16.16 matrix into the reference Q8_0
// layout, one scale per 32-weight block. cols must be a multiple of
// the block size.
func QuantizeQ80(w []fxp.Value) []byte {
	blocks := (len(w) + q80BlockSize - 1) / q80BlockSize
	out := make([]byte, blocks*q80BlockBytes)
	for b := 0; b < blocks; b++ {
		start := b * q80BlockSize
		end := start + q80BlockSize
		if end > len(w) {
			end = len(w)
		}

		var max fxp.Value
		for _, v := range w[start:end] {
			if a := fxp.Abs(v); a > max {
				max = a
			}
		}
		scale := fxp.Div(max, fxp.FromInt(127))
		off := b * q80BlockBytes
		binary.LittleEndian.PutUint32(out[off:], uint32(scale))
		for i, v := range w[start:end] {
			q := int64(0)
			if scale != 0 {
				// Round to nearest; plain truncation biases every
				// block low.
				q = (int64(fxp.Div(v, scale)) + int64(fxp.Half)) >> fxp.Shift
			}
			if q > 127 {
				q = 127
			} else if q < -127 {
				q = -127
			}
			out[off+4+i] = byte(int8(q))
		}
	}
	return out
}

// matVecQ80 is the reference quantized kernel: int32 dot products per
// block, scaled back to Q16.16 once per block.
func matVecQ80(dst []fxp.Value, raw []byte, x []fxp.Value, rows, cols int) {
	blocksPerRow := (cols + q80BlockSize - 1) / q80BlockSize
	for r := 0; r < rows; r++ {
		var acc int64
		for b := 0; b < blocksPerRow; b++ {
			off := (r*blocksPerRow + b) * q80BlockBytes
			scale := fxp.Value(binary.LittleEndian.Uint32(raw[off:]))
			start := b * q80BlockSize
			end := start + q80BlockSize
			if end > cols {
				end = cols
			}
			var dot int64
			for c := start; c < end; c++ {
				q := int64(int8(raw[off+4+c-start]))
				dot += q * int64(x[c])
			}
			// dot carries the Q16.16 scaling of x; one multiply by
			// the block scale keeps the result in Q16.16.
			acc += (dot * int64(scale)) >> fxp.Shift
		}
		dst[r] = fxp.Value(acc)
	}
}

func init() {
	RegisterMatVec(QuantQ80, matVecQ80)
}
