package quant

import (
	"encoding/binary"

	"github.com/x448/float16"
)

// block_q4_0: [f16 scale][16 x u8 two-nibbles] = 18 bytes.
// Dequant: (nibble - 8) * scale.
const q4_0BlockBytes = 18

func dequantizeQ4_0(data []byte, dst []float32) {
	const b = 32
	nb := len(data) / q4_0BlockBytes
	for blk := 0; blk < nb; blk++ {
		base := blk * q4_0BlockBytes
		scale := float16.Frombits(binary.LittleEndian.Uint16(data[base : base+2])).Float32()
		packed := data[base+2 : base+q4_0BlockBytes]
		out := dst[blk*b : blk*b+b]
		for i := 0; i < b/2; i++ {
			byt := packed[i]
			lo := byt & 0x0F
			hi := byt >> 4
			out[i] = (float32(lo) - 8) * scale
			out[i+b/2] = (float32(hi) - 8) * scale
		}
	}
}

func quantizeQ4_0(src []float32) []byte {
	const b = 32
	nb := len(src) / b
	out := make([]byte, nb*q4_0BlockBytes)
	for blk := 0; blk < nb; blk++ {
		row := src[blk*b : blk*b+b]
		var amax float32
		for _, v := range row {
			if a := abs32(v); a > amax {
				amax = a
			}
		}
		scale := amax / 8
		if scale == 0 {
			scale = 1
		}
		base := blk * q4_0BlockBytes
		binary.LittleEndian.PutUint16(out[base:base+2], float16.Fromfloat32(scale).Bits())
		packed := out[base+2 : base+q4_0BlockBytes]
		for i := 0; i < b/2; i++ {
			lo := clampNibble(row[i]/scale + 8)
			hi := clampNibble(row[i+b/2]/scale + 8)
			packed[i] = lo | (hi << 4)
		}
	}
	return out
}

func clampNibble(v float32) byte {
	n := int32(v + 0.5)
	if n < 0 {
		n = 0
	} else if n > 15 {
		n = 15
	}
	return byte(n)
}
