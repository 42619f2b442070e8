package quant

import (
	"encoding/binary"

	"github.com/x448/float16"
)

// block_q4_1: [f16 scale][f16 min][16 x u8 nibbles] = 20 bytes.
// Dequant: nibble*scale + min.
const q4_1BlockBytes = 20

func dequantizeQ4_1(data []byte, dst []float32) {
	const b = 32
	nb := len(data) / q4_1BlockBytes
	for blk := 0; blk < nb; blk++ {
		base := blk * q4_1BlockBytes
		scale := float16.Frombits(binary.LittleEndian.Uint16(data[base : base+2])).Float32()
		min := float16.Frombits(binary.LittleEndian.Uint16(data[base+2 : base+4])).Float32()
		packed := data[base+4 : base+q4_1BlockBytes]
		out := dst[blk*b : blk*b+b]
		for i := 0; i < b/2; i++ {
			byt := packed[i]
			lo := byt & 0x0F
			hi := byt >> 4
			out[i] = float32(lo)*scale + min
			out[i+b/2] = float32(hi)*scale + min
		}
	}
}

func quantizeQ4_1(src []float32) []byte {
	const b = 32
	nb := len(src) / b
	out := make([]byte, nb*q4_1BlockBytes)
	for blk := 0; blk < nb; blk++ {
		row := src[blk*b : blk*b+b]
		lo, hi := row[0], row[0]
		for _, v := range row {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		scale := (hi - lo) / 15
		if scale == 0 {
			scale = 1
		}
		base := blk * q4_1BlockBytes
		binary.LittleEndian.PutUint16(out[base:base+2], float16.Fromfloat32(scale).Bits())
		binary.LittleEndian.PutUint16(out[base+2:base+4], float16.Fromfloat32(lo).Bits())
		packed := out[base+4 : base+q4_1BlockBytes]
		for i := 0; i < b/2; i++ {
			a := clampNibble((row[i] - lo) / scale)
			b2 := clampNibble((row[i+b/2] - lo) / scale)
			packed[i] = a | (b2 << 4)
		}
	}
	return out
}
