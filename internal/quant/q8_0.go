package quant

import (
	"encoding/binary"

	"github.com/x448/float16"
)

// block_q8_0: [f16 scale][32 x i8] = 34 bytes.
const q8_0BlockBytes = 34

func dequantizeQ8_0(data []byte, dst []float32) {
	const b = 32
	nb := len(data) / q8_0BlockBytes
	for blk := 0; blk < nb; blk++ {
		base := blk * q8_0BlockBytes
		scale := float16.Frombits(binary.LittleEndian.Uint16(data[base : base+2])).Float32()
		qs := data[base+2 : base+q8_0BlockBytes]
		out := dst[blk*b : blk*b+b]
		for i := 0; i < b; i++ {
			out[i] = float32(int8(qs[i])) * scale
		}
	}
}

func quantizeQ8_0(src []float32) []byte {
	const b = 32
	nb := len(src) / b
	out := make([]byte, nb*q8_0BlockBytes)
	for blk := 0; blk < nb; blk++ {
		row := src[blk*b : blk*b+b]
		var amax float32
		for _, v := range row {
			if a := abs32(v); a > amax {
				amax = a
			}
		}
		scale := amax / 127
		if scale == 0 {
			scale = 1
		}
		base := blk * q8_0BlockBytes
		binary.LittleEndian.PutUint16(out[base:base+2], float16.Fromfloat32(scale).Bits())
		qs := out[base+2 : base+q8_0BlockBytes]
		for i, v := range row {
			q := int32(v / scale)
			if q > 127 {
				q = 127
			} else if q < -128 {
				q = -128
			}
			qs[i] = byte(int8(q))
		}
	}
	return out
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
