// Package quant implements the packed block codecs used by GGUF weight
// tensors (Q4_0, Q4_1, Q5_0, Q8_0, Q4_K, Q6_K) and the fused
// dequantize-and-multiply kernels that make them usable without ever
// materializing a full f32 copy of a weight matrix.
package quant

import "fmt"

// Scheme tags the packed block layout a QuantizedTensor uses.
type Scheme int

const (
	Q4_0 Scheme = iota
	Q4_1
	Q5_0
	Q8_0
	Q4_K
	Q6_K
)

func (s Scheme) String() string {
	switch s {
	case Q4_0:
		return "Q4_0"
	case Q4_1:
		return "Q4_1"
	case Q5_0:
		return "Q5_0"
	case Q8_0:
		return "Q8_0"
	case Q4_K:
		return "Q4_K"
	case Q6_K:
		return "Q6_K"
	default:
		return "unknown"
	}
}

// BlockElems is the fixed element count per block for a scheme: 32 for
// the legacy formats, 256 for the K-quant super-blocks.
func (s Scheme) BlockElems() int {
	switch s {
	case Q4_K, Q6_K:
		return 256
	default:
		return 32
	}
}

// BlockBytes is the packed byte size of one block, matching the on-disk
// GGUF layouts bit-exactly.
func (s Scheme) BlockBytes() int {
	switch s {
	case Q8_0:
		return 34
	case Q4_0:
		return 18
	case Q4_1:
		return 20
	case Q5_0:
		return 22
	case Q4_K:
		return 144
	case Q6_K:
		return 210
	default:
		panic(fmt.Sprintf("quant: unknown scheme %d", s))
	}
}

// QuantizedTensor is a tagged variant over one packed weight matrix.
// Rows/Cols is the logical [rows,cols] shape (typically an output-features
// x input-features weight matrix); Data is the packed byte buffer laid out
// as a sequence of fixed-size blocks in row-major element order.
type QuantizedTensor struct {
	Scheme Scheme
	Rows   int
	Cols   int
	Data   []byte
}

// NumBlocks returns the number of fixed-size blocks backing the tensor.
func (q *QuantizedTensor) NumBlocks() int {
	return q.Rows * q.Cols / q.Scheme.BlockElems()
}

// Validate checks the packing invariants:
// packed_len == num_blocks*bytes_per_block and num_blocks*B == rows*cols.
func (q *QuantizedTensor) Validate() error {
	b := q.Scheme.BlockElems()
	if (q.Rows*q.Cols)%b != 0 {
		return fmt.Errorf("quant: %s tensor [%d,%d] not a multiple of block size %d", q.Scheme, q.Rows, q.Cols, b)
	}
	nb := q.NumBlocks()
	want := nb * q.Scheme.BlockBytes()
	if len(q.Data) != want {
		return fmt.Errorf("quant: %s tensor packed_len=%d, want num_blocks(%d)*bytes_per_block(%d)=%d",
			q.Scheme, len(q.Data), nb, q.Scheme.BlockBytes(), want)
	}
	return nil
}

// Dequantize decodes every block of q into dst (len(dst) == rows*cols).
func Dequantize(q *QuantizedTensor, dst []float32) {
	switch q.Scheme {
	case Q4_0:
		dequantizeQ4_0(q.Data, dst)
	case Q4_1:
		dequantizeQ4_1(q.Data, dst)
	case Q5_0:
		dequantizeQ5_0(q.Data, dst)
	case Q8_0:
		dequantizeQ8_0(q.Data, dst)
	case Q4_K:
		dequantizeQ4_K(q.Data, dst)
	case Q6_K:
		dequantizeQ6_K(q.Data, dst)
	default:
		panic(fmt.Sprintf("quant: dequantize: unsupported scheme %d", q.Scheme))
	}
}

// Quantize encodes src ([rows*cols] row-major f32) into the given scheme.
// This path is only used by conversion tooling; inference never quantizes.
func Quantize(src []float32, rows, cols int, scheme Scheme) *QuantizedTensor {
	q := &QuantizedTensor{Scheme: scheme, Rows: rows, Cols: cols}
	switch scheme {
	case Q4_0:
		q.Data = quantizeQ4_0(src)
	case Q4_1:
		q.Data = quantizeQ4_1(src)
	case Q5_0:
		q.Data = quantizeQ5_0(src)
	case Q8_0:
		q.Data = quantizeQ8_0(src)
	default:
		panic(fmt.Sprintf("quant: quantize: unsupported scheme %d for tooling path", scheme))
	}
	return q
}
