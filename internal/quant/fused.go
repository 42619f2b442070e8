package quant

import (
	"encoding/binary"
	"fmt"

	"github.com/x448/float16"
)

// decodeBlock unpacks a single packed block (block.Scheme.BlockBytes() raw
// bytes) into buf[:block.Scheme.BlockElems()]. Used by FusedMatmulF32Q so
// the hot path never allocates or materializes more than one block at a
// time.
func decodeBlock(scheme Scheme, block []byte, buf []float32) {
	switch scheme {
	case Q4_0:
		scale := float16.Frombits(binary.LittleEndian.Uint16(block[0:2])).Float32()
		packed := block[2:18]
		for i := 0; i < 16; i++ {
			byt := packed[i]
			buf[i] = (float32(byt&0x0F) - 8) * scale
			buf[i+16] = (float32(byt>>4) - 8) * scale
		}
	case Q4_1:
		scale := float16.Frombits(binary.LittleEndian.Uint16(block[0:2])).Float32()
		mn := float16.Frombits(binary.LittleEndian.Uint16(block[2:4])).Float32()
		packed := block[4:20]
		for i := 0; i < 16; i++ {
			byt := packed[i]
			buf[i] = float32(byt&0x0F)*scale + mn
			buf[i+16] = float32(byt>>4)*scale + mn
		}
	case Q5_0:
		scale := float16.Frombits(binary.LittleEndian.Uint16(block[0:2])).Float32()
		qh := binary.LittleEndian.Uint32(block[2:6])
		qs := block[6:22]
		for i := 0; i < 16; i++ {
			byt := qs[i]
			lo := byt & 0x0F
			hi := byt >> 4
			hBitLo := byte((qh >> uint(i)) & 1)
			hBitHi := byte((qh >> uint(i+16)) & 1)
			buf[i] = (float32((hBitLo<<4)|lo) - 16) * scale
			buf[i+16] = (float32((hBitHi<<4)|hi) - 16) * scale
		}
	case Q8_0:
		scale := float16.Frombits(binary.LittleEndian.Uint16(block[0:2])).Float32()
		qs := block[2:34]
		for i := 0; i < 32; i++ {
			buf[i] = float32(int8(qs[i])) * scale
		}
	case Q4_K:
		// Super-blocks cover 256 elements and decode as a unit; the walk
		// in FusedMatmulF32Q strides 256-wide for this scheme instead of
		// the 32-wide strides used by the legacy formats.
		decodeQ4_KBlock(block, buf)
	case Q6_K:
		decodeQ6_KBlock(block, buf)
	default:
		panic(fmt.Sprintf("quant: decodeBlock: unsupported scheme %d", scheme))
	}
}

// DequantizeRow decodes a single logical row of q into dst
// (len(dst) == q.Cols). Embedding lookup uses this to widen one token's
// row without touching the rest of the matrix. Requires Cols to be a
// multiple of the scheme's block size, which holds for every supported
// model's embedding width.
func DequantizeRow(q *QuantizedTensor, row int, dst []float32) {
	b := q.Scheme.BlockElems()
	bb := q.Scheme.BlockBytes()
	blocksPerRow := q.Cols / b
	base := row * blocksPerRow * bb
	for blk := 0; blk < blocksPerRow; blk++ {
		off := base + blk*bb
		decodeBlock(q.Scheme, q.Data[off:off+bb], dst[blk*b:blk*b+b])
	}
}

// FusedMatmulF32Q computes C <- A * Wt without ever materializing a full
// f32 copy of W. A is [M,K] row-major, W stores an [N,K] matrix (N output
// features, K input features) packed per scheme, C is [M,N] row-major and
// is overwritten: it is zeroed on entry, never added to prior contents.
//
// W is walked block by block along K; each block is unpacked into a
// bounded stack buffer (<=256 floats) and immediately multiplied against
// every row of A that needs it, accumulating into C. Every scheme, the
// 256-wide K-quant super-blocks included, decodes into the same 256-float
// stack array, so this path performs no heap allocation.
func FusedMatmulF32Q(a []float32, w *QuantizedTensor, c []float32, m, k, n int) {
	if w.Cols != k || w.Rows != n {
		panic(fmt.Sprintf("quant: fused_matmul: shape mismatch W=[%d,%d] want [%d,%d]", w.Rows, w.Cols, n, k))
	}
	if len(a) != m*k {
		panic("quant: fused_matmul: A length mismatch")
	}
	if len(c) != m*n {
		panic("quant: fused_matmul: C length mismatch")
	}

	for i := range c {
		c[i] = 0
	}

	b := w.Scheme.BlockElems()
	bb := w.Scheme.BlockBytes()
	blocksPerRow := k / b

	var stackBuf [256]float32
	buf := stackBuf[:b]
	for row := 0; row < n; row++ {
		rowBase := row * blocksPerRow * bb
		for blk := 0; blk < blocksPerRow; blk++ {
			off := rowBase + blk*bb
			decodeBlock(w.Scheme, w.Data[off:off+bb], buf)

			kBase := blk * b
			for mi := 0; mi < m; mi++ {
				arow := a[mi*k+kBase : mi*k+kBase+b]
				var sum float32
				for l := 0; l < b; l++ {
					sum += arow[l] * buf[l]
				}
				c[mi*n+row] += sum
			}
		}
	}
}
