package quant

import (
	"encoding/binary"

	"github.com/x448/float16"
)

// block_q5_0: [f16 scale][4 x u8 high bits][16 x u8 low nibbles] = 22 bytes.
// Dequant: ((high<<4)|low - 16) * scale.
const q5_0BlockBytes = 22

func dequantizeQ5_0(data []byte, dst []float32) {
	const b = 32
	nb := len(data) / q5_0BlockBytes
	for blk := 0; blk < nb; blk++ {
		base := blk * q5_0BlockBytes
		scale := float16.Frombits(binary.LittleEndian.Uint16(data[base : base+2])).Float32()
		qh := binary.LittleEndian.Uint32(data[base+2 : base+6])
		qs := data[base+6 : base+q5_0BlockBytes]
		out := dst[blk*b : blk*b+b]
		for i := 0; i < b/2; i++ {
			byt := qs[i]
			lo := byt & 0x0F
			hi := byt >> 4

			hBitLo := byte((qh >> uint(i)) & 1)
			hBitHi := byte((qh >> uint(i+b/2)) & 1)

			out[i] = (float32((hBitLo<<4)|lo) - 16) * scale
			out[i+b/2] = (float32((hBitHi<<4)|hi) - 16) * scale
		}
	}
}

func quantizeQ5_0(src []float32) []byte {
	const b = 32
	nb := len(src) / b
	out := make([]byte, nb*q5_0BlockBytes)
	for blk := 0; blk < nb; blk++ {
		row := src[blk*b : blk*b+b]
		var amax float32
		for _, v := range row {
			if a := abs32(v); a > amax {
				amax = a
			}
		}
		scale := amax / 16
		if scale == 0 {
			scale = 1
		}
		base := blk * q5_0BlockBytes
		binary.LittleEndian.PutUint16(out[base:base+2], float16.Fromfloat32(scale).Bits())

		var qh uint32
		qs := out[base+6 : base+q5_0BlockBytes]
		for i := 0; i < b/2; i++ {
			lo5 := clamp5(row[i]/scale + 16)
			hi5 := clamp5(row[i+b/2]/scale + 16)

			qs[i] = (lo5 & 0x0F) | ((hi5 & 0x0F) << 4)
			qh |= uint32((lo5>>4)&1) << uint(i)
			qh |= uint32((hi5>>4)&1) << uint(i+b/2)
		}
		binary.LittleEndian.PutUint32(out[base+2:base+6], qh)
	}
	return out
}

func clamp5(v float32) byte {
	n := int32(v + 0.5)
	if n < 0 {
		n = 0
	} else if n > 31 {
		n = 31
	}
	return byte(n)
}
