// Package kernels holds the pure fixed-point vector kernels shared by
// the attention engine and the feed-forward path: RMS normalization,
// the SwiGLU gate, the numerically-stable softmax, and dense plus
// quantized matrix-vector products.
package kernels

import (
	"github.com/23skdu/longbow-bodkin/internal/fxp"
)

// RMSNorm normalizes x in place by the inverse root of its mean
// squared magnitude, then scales by weight (skipped when weight is
// nil). The sum of squares runs in a widened 64-bit accumulator. A
// degenerate all-zero input would compute a zero scale; that falls
// back to unity instead of wiping the vector.
func RMSNorm(x []fxp.Value, weight []fxp.Value, eps fxp.Value) {
	n := len(x)
	if n == 0 {
		return
	}

	var ss int64
	for _, v := range x {
		ss += int64(v) * int64(v)
	}
	mean := fxp.Value((ss / int64(n)) >> fxp.Shift)

	scale := fxp.Div(fxp.One, fxp.Sqrt(mean+eps))
	if scale == 0 {
		scale = fxp.One
	}

	if weight == nil {
		for i := range x {
			x[i] = fxp.Mul(x[i], scale)
		}
		return
	}
	for i := range x {
		x[i] = fxp.Mul(fxp.Mul(x[i], scale), weight[i])
	}
}

// SwiGLU applies the gated activation in place on gate:
// gate[i] = swish(gate[i]) * up[i]. Swish is approximated with the
// rational tanh form x/(1+|x|), which keeps the odd-symmetric shape,
// passes through zero, and saturates toward gate for large positive
// inputs without ever calling exp.
func SwiGLU(gate, up []fxp.Value) {
	for i := range gate {
		g := gate[i]
		h := g >> 1
		t := fxp.Div(h, fxp.One+fxp.Abs(h))
		sigmoid := (fxp.One + t) >> 1
		gate[i] = fxp.Mul(fxp.Mul(g, sigmoid), up[i])
	}
}

// Softmax converts a score row into weights in place: subtract the
// row maximum, exponentiate, normalize. A zero denominator (all
// scores clamped to zero by Exp) yields the uniform distribution
// rather than an error.
func Softmax(row []fxp.Value) {
	n := len(row)
	if n == 0 {
		return
	}

	max := row[0]
	for _, v := range row {
		if v > max {
			max = v
		}
	}

	var sum int64
	for i := range row {
		row[i] = fxp.Exp(row[i] - max)
		sum += int64(row[i])
	}

	if sum == 0 {
		uniform := fxp.Div(fxp.One, fxp.FromInt(n))
		for i := range row {
			row[i] = uniform
		}
		return
	}

	for i := range row {
		row[i] = fxp.Value((int64(row[i]) << fxp.Shift) / sum)
	}
}
