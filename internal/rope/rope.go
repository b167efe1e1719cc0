// Package rope builds and applies rotary position embedding tables in
// Q16.16 fixed point. Tables are precomputed per head dimension and
// folded modulo a fixed period, so positions beyond the period alias
// periodically; that approximation is part of the contract.
package rope

import (
	"github.com/23skdu/longbow-bodkin/internal/fxp"
	"github.com/23skdu/longbow-bodkin/internal/logger"
)

// Period is the number of distinct positions held in the tables.
// Positions are reduced modulo Period before lookup.
const Period = 2048

// Q16.16 frequencies 10000^(-2d/headDim) for the two head dimensions
// shipped by every supported model. Precomputed literals keep the
// build fast and bit-reproducible.
var freqs64 = [32]fxp.Value{
	65536, 49145, 36854, 27636, 20724, 15541, 11654, 8739,
	6554, 4915, 3685, 2764, 2072, 1554, 1165, 874,
	655, 491, 369, 276, 207, 155, 117, 87,
	66, 49, 37, 28, 21, 16, 12, 9,
}

var freqs128 = [64]fxp.Value{
	65536, 56752, 49145, 42558, 36854, 31914, 27636, 23932,
	20724, 17947, 15541, 13458, 11654, 10092, 8739, 7568,
	6554, 5675, 4915, 4256, 3685, 3191, 2764, 2393,
	2072, 1795, 1554, 1346, 1165, 1009, 874, 757,
	655, 568, 491, 426, 369, 319, 276, 239,
	207, 179, 155, 135, 117, 101, 87, 76,
	66, 57, 49, 43, 37, 32, 28, 24,
	21, 18, 16, 13, 12, 10, 9, 8,
}

// Per-step decay ratios for the geometric fallback, 10000^(-2/64) and
// 10000^(-2/128).
const (
	decay64  fxp.Value = 49145
	decay128 fxp.Value = 56752
)

// Tables holds the cosine and sine lookup tables for one head
// dimension. Immutable once built; rebuilds happen only during
// single-threaded setup when the head dimension changes.
type Tables struct {
	headDim int
	cos     [][]fxp.Value
	sin     [][]fxp.Value
}

// HeadDim reports the head dimension the tables were built for, or
// zero if nothing has been built yet.
func (t *Tables) HeadDim() int {
	return t.headDim
}

// Ensure builds the tables for headDim if the cached ones were built
// for a different dimension. Not safe for concurrent rebuild.
func (t *Tables) Ensure(headDim int) {
	if t.headDim == headDim && t.cos != nil {
		return
	}
	half := headDim / 2
	freqs := frequencies(headDim)

	cos := make([][]fxp.Value, Period)
	sin := make([][]fxp.Value, Period)
	for p := 0; p < Period; p++ {
		cos[p] = make([]fxp.Value, half)
		sin[p] = make([]fxp.Value, half)
		for d := 0; d < half; d++ {
			a := reduceAngle(int64(p) * int64(freqs[d]))
			cos[p][d] = fxp.Cos(a)
			sin[p][d] = fxp.Sin(a)
		}
	}
	t.headDim = headDim
	t.cos = cos
	t.sin = sin
}

// frequencies returns the per-pair rotation frequencies for headDim.
// 64 and 128 use validated precomputed literals; anything else falls
// back to a geometric decay seeded from an interpolation of the two
// known ratios and should be treated as experimental.
func frequencies(headDim int) []fxp.Value {
	half := headDim / 2
	out := make([]fxp.Value, half)
	switch headDim {
	case 64:
		copy(out, freqs64[:])
	case 128:
		copy(out, freqs128[:])
	default:
		logger.Log.Warn("rope frequencies approximated for non-standard head dim", "head_dim", headDim)
		decay := interpolateDecay(headDim)
		f := fxp.One
		for d := 0; d < half; d++ {
			out[d] = f
			f = fxp.Mul(f, decay)
		}
	}
	return out
}

// interpolateDecay linearly interpolates the per-step ratio between
// the 64 and 128 head-dim constants. Accuracy outside [64,128] is
// unvalidated.
func interpolateDecay(headDim int) fxp.Value {
	if headDim <= 64 {
		return decay64
	}
	if headDim >= 128 {
		return decay128
	}
	span := int64(decay128 - decay64)
	return decay64 + fxp.Value(span*int64(headDim-64)/64)
}

// reduceAngle folds a Q16.16 angle into [-pi, pi] with integer
// modulo, keeping it inside the range fxp.Sin handles exactly.
func reduceAngle(a int64) fxp.Value {
	a %= int64(fxp.TwoPi)
	if a > int64(fxp.Pi) {
		a -= int64(fxp.TwoPi)
	} else if a < -int64(fxp.Pi) {
		a += int64(fxp.TwoPi)
	}
	return fxp.Value(a)
}

// Apply rotates every (2d, 2d+1) pair of each head of q and k in
// place by the angle cached for pos. Query heads run 0..heads, key
// heads 0..kvHeads; both share the same table row.
func (t *Tables) Apply(q, k []fxp.Value, pos, headDim, heads, kvHeads int) {
	t.Ensure(headDim)
	row := pos % Period
	half := headDim / 2
	cos := t.cos[row]
	sin := t.sin[row]

	for h := 0; h < heads; h++ {
		rotateHead(q[h*headDim:(h+1)*headDim], cos, sin, half)
	}
	for h := 0; h < kvHeads; h++ {
		rotateHead(k[h*headDim:(h+1)*headDim], cos, sin, half)
	}
}

func rotateHead(v []fxp.Value, cos, sin []fxp.Value, half int) {
	for d := 0; d < half; d++ {
		x := v[2*d]
		y := v[2*d+1]
		v[2*d] = fxp.Mul(x, cos[d]) - fxp.Mul(y, sin[d])
		v[2*d+1] = fxp.Mul(x, sin[d]) + fxp.Mul(y, cos[d])
	}
}
