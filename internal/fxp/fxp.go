// Package fxp implements Q16.16 signed fixed-point arithmetic. Every
// numeric kernel in the engine is built on these primitives so the hot
// path never touches the FPU; float conversions exist only for
// boundaries (loading weights, tests, logging).
package fxp

// Value is a real number encoded as value/65536 in a signed 32-bit
// integer. The usable range is roughly ±32767.9999.
type Value int32

const (
	// Shift is the number of fractional bits.
	Shift = 16

	One    Value = 1 << Shift
	Half   Value = 1 << (Shift - 1)
	Pi     Value = 205887
	TwoPi  Value = 411775
	HalfPi Value = 102944
)

// Exp clamping bounds. Inputs below ExpMin return 0, inputs above
// ExpMax return ExpSat (e^10 in Q16.16, which still fits in int32).
const (
	ExpMin Value = -10 * One
	ExpMax Value = 10 * One
	ExpSat Value = 1443526462
)

// FromInt converts an integer to Q16.16.
func FromInt(i int) Value {
	return Value(i) << Shift
}

// FromFloat converts a float64 to Q16.16, rounding to nearest.
func FromFloat(f float64) Value {
	if f >= 0 {
		return Value(f*65536.0 + 0.5)
	}
	return Value(f*65536.0 - 0.5)
}

// ToFloat converts a Q16.16 value back to float64.
func ToFloat(v Value) float64 {
	return float64(v) / 65536.0
}

// Mul returns a*b with a 64-bit intermediate product, so inputs within
// ±2^15 in real-value terms cannot overflow.
func Mul(a, b Value) Value {
	return Value((int64(a) * int64(b)) >> Shift)
}

// Div returns a/b. Division by zero returns zero rather than trapping;
// callers dividing by untrusted values must check first.
func Div(a, b Value) Value {
	if b == 0 {
		return 0
	}
	return Value((int64(a) << Shift) / int64(b))
}

// Sqrt computes the square root with a fixed ten-iteration
// Newton-Raphson seeded from x>>1. Non-positive input returns zero.
func Sqrt(x Value) Value {
	if x <= 0 {
		return 0
	}
	y := x >> 1
	if y == 0 {
		y = 1
	}
	for i := 0; i < 10; i++ {
		y = (y + Div(x, y)) >> 1
		if y == 0 {
			return 0
		}
	}
	return y
}

// Exp computes e^x via range reduction: divide by 2^4, evaluate a
// five-term Taylor polynomial, then square four times. The symmetric
// clamp bounds worst-case error and guarantees termination.
func Exp(x Value) Value {
	if x < ExpMin {
		return 0
	}
	if x > ExpMax {
		return ExpSat
	}

	// r = x/16, |r| <= 0.625 where the polynomial is accurate.
	r := x >> 4

	r2 := Mul(r, r)
	r3 := Mul(r2, r)
	r4 := Mul(r3, r)
	p := One + r + (r2 >> 1) + r3/6 + r4/24

	// (e^r)^16
	for i := 0; i < 4; i++ {
		p = Mul(p, p)
	}
	return p
}

// Sin computes the sine of x (radians). The argument is folded into
// [-pi, pi] by at most four subtractions of 2*pi; values that do not
// converge in four steps are hard-clamped, bounding the loop. Callers
// needing larger arguments reduce modulo 2*pi first.
func Sin(x Value) Value {
	for i := 0; i < 4 && (x > Pi || x < -Pi); i++ {
		if x > Pi {
			x -= TwoPi
		} else {
			x += TwoPi
		}
	}
	if x > Pi {
		x = Pi
	} else if x < -Pi {
		x = -Pi
	}

	// Five-term Taylor series around zero.
	x2 := Mul(x, x)
	x3 := Mul(x2, x)
	x5 := Mul(x3, x2)
	x7 := Mul(x5, x2)
	x9 := Mul(x7, x2)
	return x - x3/6 + x5/120 - x7/5040 + x9/362880
}

// Cos computes the cosine of x as Sin(x + pi/2).
func Cos(x Value) Value {
	return Sin(x + HalfPi)
}

// Abs returns the absolute value.
func Abs(v Value) Value {
	if v < 0 {
		return -v
	}
	return v
}
