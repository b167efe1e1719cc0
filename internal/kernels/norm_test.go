package kernels

import (
	"math"
	"testing"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/fxp"
)

func TestRMSNormUnitVector(t *testing.T) {
	// A vector whose RMS is already 1 should be left (nearly) alone.
	x := []fxp.Value{fxp.One, fxp.One, fxp.One, fxp.One}
	RMSNorm(x, nil, config.DefaultEps)
	for i, v := range x {
		if math.Abs(fxp.ToFloat(v)-1) > 0.02 {
			t.Errorf("x[%d] = %f, want ~1", i, fxp.ToFloat(v))
		}
	}
}

func TestRMSNormScales(t *testing.T) {
	// All elements equal: after normalization each should be ~1
	// regardless of the input magnitude.
	for _, mag := range []float64{0.01, 0.5, 2, 100} {
		x := make([]fxp.Value, 8)
		for i := range x {
			x[i] = fxp.FromFloat(mag)
		}
		RMSNorm(x, nil, config.DefaultEps)
		for i, v := range x {
			if math.Abs(fxp.ToFloat(v)-1) > 0.05 {
				t.Errorf("mag=%f x[%d] = %f, want ~1", mag, i, fxp.ToFloat(v))
			}
		}
	}
}

func TestRMSNormWeight(t *testing.T) {
	x := []fxp.Value{fxp.One, fxp.One, fxp.One, fxp.One}
	w := []fxp.Value{fxp.Half, fxp.Half, fxp.Half, fxp.Half}
	RMSNorm(x, w, config.DefaultEps)
	for i, v := range x {
		if math.Abs(fxp.ToFloat(v)-0.5) > 0.02 {
			t.Errorf("x[%d] = %f, want ~0.5", i, fxp.ToFloat(v))
		}
	}
}

func TestRMSNormZeroInput(t *testing.T) {
	x := make([]fxp.Value, 8)
	RMSNorm(x, nil, config.DefaultEps)
	for i, v := range x {
		if v != 0 {
			t.Errorf("x[%d] = %d, want 0", i, v)
		}
	}
}

func TestSoftmaxInvariant(t *testing.T) {
	rows := [][]fxp.Value{
		{0, 0, 0, 0},
		{fxp.One, fxp.FromInt(2), fxp.FromInt(3)},
		{fxp.FromInt(-5), 0, fxp.FromInt(5)},
		{fxp.FromInt(100), fxp.FromInt(-100)},
		{fxp.One},
	}
	for _, row := range rows {
		n := len(row)
		Softmax(row)
		var sum float64
		for i, v := range row {
			if v < 0 {
				t.Errorf("weight[%d] = %f, negative", i, fxp.ToFloat(v))
			}
			sum += fxp.ToFloat(v)
		}
		if math.Abs(sum-1) > 0.01 {
			t.Errorf("softmax over %d weights sums to %f, want ~1", n, sum)
		}
	}
}

func TestSoftmaxOrdering(t *testing.T) {
	row := []fxp.Value{fxp.One, fxp.FromInt(3), fxp.FromInt(2)}
	Softmax(row)
	if !(row[1] > row[2] && row[2] > row[0]) {
		t.Errorf("softmax lost ordering: %v", row)
	}
}

func TestSwiGLUZeroGate(t *testing.T) {
	gate := []fxp.Value{0, 0}
	up := []fxp.Value{fxp.One, fxp.FromInt(5)}
	SwiGLU(gate, up)
	for i, v := range gate {
		if v != 0 {
			t.Errorf("gate[%d] = %d, want 0 at zero input", i, v)
		}
	}
}

func TestSwiGLUSaturation(t *testing.T) {
	// Large positive gate approaches identity (swish -> gate), large
	// negative approaches zero.
	gate := []fxp.Value{fxp.FromInt(20), fxp.FromInt(-20)}
	up := []fxp.Value{fxp.One, fxp.One}
	SwiGLU(gate, up)

	pos := fxp.ToFloat(gate[0])
	if math.Abs(pos-20) > 2 {
		t.Errorf("swiglu(20) = %f, want ~20", pos)
	}
	neg := fxp.ToFloat(gate[1])
	if math.Abs(neg) > 2 {
		t.Errorf("swiglu(-20) = %f, want ~0", neg)
	}
}

func TestSwiGLUOddShape(t *testing.T) {
	// The approximation must keep the sign structure of swish:
	// positive gates positive, moderately negative gates negative but
	// small.
	gate := []fxp.Value{fxp.One, -fxp.One}
	up := []fxp.Value{fxp.One, fxp.One}
	SwiGLU(gate, up)
	if gate[0] <= 0 {
		t.Errorf("swiglu(1) = %f, want positive", fxp.ToFloat(gate[0]))
	}
	if gate[1] >= 0 {
		t.Errorf("swiglu(-1) = %f, want negative", fxp.ToFloat(gate[1]))
	}
}
