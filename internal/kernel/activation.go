package kernel

import "math"

// GELUInplace applies the tanh-approximation GELU activation in place.
func GELUInplace(x []float32) {
	const c0 = 0.7978845608028654  // sqrt(2/pi)
	const c1 = 0.044715
	for i, v := range x {
		v64 := float64(v)
		inner := c0 * (v64 + c1*v64*v64*v64)
		x[i] = float32(0.5 * v64 * (1 + math.Tanh(inner)))
	}
}

// SiLUInplace applies x*sigmoid(x) in place.
func SiLUInplace(x []float32) {
	for i, v := range x {
		x[i] = v / float32(1+math.Exp(-float64(v)))
	}
}

// SoftmaxRow applies causal-masked, scaled softmax to row in place.
// Only positions [0, causalOffset+1) are valid for this row; every other
// position is written to exactly 0. scale is applied before the
// max-subtract so the stabilization sees the scaled values.
func SoftmaxRow(row []float32, scale float32, causalOffset int) {
	valid := causalOffset + 1
	if valid > len(row) {
		valid = len(row)
	}
	if valid <= 0 {
		for i := range row {
			row[i] = 0
		}
		return
	}

	max := row[0] * scale
	for i := 1; i < valid; i++ {
		if v := row[i] * scale; v > max {
			max = v
		}
	}

	var sum float32
	for i := 0; i < valid; i++ {
		e := float32(math.Exp(float64(row[i]*scale - max)))
		row[i] = e
		sum += e
	}
	if sum == 0 {
		sum = 1
	}
	inv := 1 / sum
	for i := 0; i < valid; i++ {
		row[i] *= inv
	}
	for i := valid; i < len(row); i++ {
		row[i] = 0
	}
}
