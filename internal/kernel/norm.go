package kernel

import "math"

// LayerNorm writes layernorm(input)*gamma+beta into out. Features >= 128
// use a two-pass sum (sum then sum-of-squares); smaller feature counts use
// Welford's online algorithm, which is more numerically stable when there
// are too few samples for the two-pass cancellation to wash out.
func LayerNorm(input, gamma, beta, out []float32, eps float32) {
	n := len(input)
	var mean, variance float64

	if n >= 128 {
		var sum float64
		for _, v := range input {
			sum += float64(v)
		}
		mean = sum / float64(n)

		var sqsum float64
		for _, v := range input {
			d := float64(v) - mean
			sqsum += d * d
		}
		variance = sqsum / float64(n)
	} else {
		var m, m2 float64
		for i, v := range input {
			x := float64(v)
			delta := x - m
			m += delta / float64(i+1)
			delta2 := x - m
			m2 += delta * delta2
		}
		mean = m
		if n > 0 {
			variance = m2 / float64(n)
		}
	}

	invStd := 1 / math.Sqrt(variance+float64(eps))
	for i, v := range input {
		norm := (float64(v) - mean) * invStd
		g := float64(float32(1))
		if gamma != nil {
			g = float64(gamma[i])
		}
		b := 0.0
		if beta != nil {
			b = float64(beta[i])
		}
		out[i] = float32(norm*g + b)
	}
}

// RMSNorm writes x*gamma/sqrt(mean(x^2)+eps) into out.
func RMSNorm(input, gamma, out []float32, eps float32) {
	var sqsum float64
	for _, v := range input {
		sqsum += float64(v) * float64(v)
	}
	meanSq := sqsum / float64(len(input))
	invRMS := 1 / math.Sqrt(meanSq+float64(eps))

	for i, v := range input {
		g := float64(1)
		if gamma != nil {
			g = float64(gamma[i])
		}
		out[i] = float32(float64(v) * invRMS * g)
	}
}
