package quant

import (
	"encoding/binary"
	"math/rand/v2"
	"testing"

	"github.com/x448/float16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justinamiller/smallmind/internal/kernel"
)

func randomFloats(rng *rand.Rand, n int, lo, hi float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(lo + rng.Float64()*(hi-lo))
	}
	return out
}

// randomPacked builds a structurally valid packed tensor from random
// bytes: every bit pattern decodes, so this exercises the full scheme
// layout without a quantizer for the K-quant formats.
func randomPacked(rng *rand.Rand, scheme Scheme, rows, cols int) *QuantizedTensor {
	q := &QuantizedTensor{Scheme: scheme, Rows: rows, Cols: cols}
	q.Data = make([]byte, q.NumBlocks()*scheme.BlockBytes())
	for i := range q.Data {
		q.Data[i] = byte(rng.UintN(256))
	}
	// Rewrite every f16 scale field with a small sane value so decoded
	// magnitudes stay finite (random exponent bits can produce Inf/NaN).
	sanitizeScales(q)
	return q
}

func sanitizeScales(q *QuantizedTensor) {
	bb := q.Scheme.BlockBytes()
	for blk := 0; blk < q.NumBlocks(); blk++ {
		base := blk * bb
		switch q.Scheme {
		case Q4_0, Q5_0, Q8_0:
			putF16(q.Data[base:base+2], 0.01)
		case Q4_1:
			putF16(q.Data[base:base+2], 0.01)
			putF16(q.Data[base+2:base+4], -0.05)
		case Q4_K:
			putF16(q.Data[base:base+2], 0.001)
			putF16(q.Data[base+2:base+4], 0.001)
		case Q6_K:
			putF16(q.Data[base+208:base+210], 0.001)
		}
	}
}

func putF16(dst []byte, v float32) {
	binary.LittleEndian.PutUint16(dst, float16.Fromfloat32(v).Bits())
}

func roundTripBound(scheme Scheme) float32 {
	switch scheme {
	case Q8_0:
		return 0.01
	default:
		return 0.15
	}
}

func TestRoundTripLegacySchemes(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	for _, scheme := range []Scheme{Q4_0, Q4_1, Q5_0, Q8_0} {
		src := randomFloats(rng, 128, -1, 1)
		q := Quantize(src, 4, 32, scheme)
		require.NoError(t, q.Validate(), scheme.String())

		dst := make([]float32, len(src))
		Dequantize(q, dst)

		bound := roundTripBound(scheme)
		for i := range src {
			assert.InDelta(t, src[i], dst[i], float64(bound), "%s index %d", scheme, i)
		}
	}
}

// A Q4_0 block spanning [-1,1] reconstructs within one quantization step
// of the original: the step is scale = amax/8.
func TestQ4_0WorstCaseError(t *testing.T) {
	src := make([]float32, 32)
	for i := range src {
		src[i] = -1 + float32(i)*(2.0/31.0)
	}

	q := Quantize(src, 1, 32, Q4_0)
	dst := make([]float32, 32)
	Dequantize(q, dst)

	scale := float32(1.0 / 8.0)
	for i := range src {
		diff := src[i] - dst[i]
		if diff < 0 {
			diff = -diff
		}
		assert.LessOrEqual(t, diff, scale+1e-3, "index %d", i)
	}
}

// The fused kernel must agree with dequantize-then-matmul within the
// mixed absolute/relative tolerance.
func TestFusedMatmulMatchesReference(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))

	type dims struct{ m, k, n int }
	legacy := []dims{{1, 64, 64}, {8, 256, 256}, {1, 1024, 1024}}
	kquant := []dims{{1, 256, 256}, {8, 512, 512}}

	for _, scheme := range []Scheme{Q4_0, Q4_1, Q5_0, Q8_0, Q4_K, Q6_K} {
		cases := legacy
		if scheme.BlockElems() == 256 {
			cases = kquant
		}
		for _, d := range cases {
			a := randomFloats(rng, d.m*d.k, -1, 1)
			w := randomPacked(rng, scheme, d.n, d.k)

			got := make([]float32, d.m*d.n)
			FusedMatmulF32Q(a, w, got, d.m, d.k, d.n)

			wf := make([]float32, d.n*d.k)
			Dequantize(w, wf)
			want := make([]float32, d.m*d.n)
			kernel.MatmulTransposeB(a, wf, want, d.m, d.k, d.n)

			var maxRef float32
			for _, v := range want {
				if v < 0 {
					v = -v
				}
				if v > maxRef {
					maxRef = v
				}
			}
			tol := 1e-3 + 1e-2*float64(maxRef)
			for i := range want {
				require.InDelta(t, want[i], got[i], tol, "%s m=%d k=%d n=%d index %d", scheme, d.m, d.k, d.n, i)
			}
		}
	}
}

func TestDequantizeRowMatchesFullDequantize(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))

	for _, scheme := range []Scheme{Q4_0, Q8_0, Q4_K} {
		const rows, cols = 3, 256
		w := randomPacked(rng, scheme, rows, cols)

		full := make([]float32, rows*cols)
		Dequantize(w, full)

		row := make([]float32, cols)
		for r := 0; r < rows; r++ {
			DequantizeRow(w, r, row)
			assert.Equal(t, full[r*cols:(r+1)*cols], row, "%s row %d", scheme, r)
		}
	}
}

func TestValidateRejectsBadSizes(t *testing.T) {
	q := &QuantizedTensor{Scheme: Q4_0, Rows: 1, Cols: 33}
	assert.Error(t, q.Validate(), "33 is not a multiple of the block size")

	q = &QuantizedTensor{Scheme: Q4_0, Rows: 1, Cols: 32, Data: make([]byte, 17)}
	assert.Error(t, q.Validate(), "truncated packed buffer")
}

func TestBlockGeometry(t *testing.T) {
	assert.Equal(t, 34, Q8_0.BlockBytes())
	assert.Equal(t, 18, Q4_0.BlockBytes())
	assert.Equal(t, 20, Q4_1.BlockBytes())
	assert.Equal(t, 22, Q5_0.BlockBytes())
	assert.Equal(t, 144, Q4_K.BlockBytes())
	assert.Equal(t, 210, Q6_K.BlockBytes())

	assert.Equal(t, 32, Q8_0.BlockElems())
	assert.Equal(t, 256, Q4_K.BlockElems())
	assert.Equal(t, 256, Q6_K.BlockElems())
}
