package quant

import (
	"encoding/binary"

	"github.com/x448/float16"
)

// block_q6_K (llama.cpp bit-exact layout, QK_K=256):
//
//	uint8_t ql[128];   // quants, low 4 bits
//	uint8_t qh[64];    // quants, high 2 bits
//	int8_t  scales[16]; // per-16-element sub-block scales
//	ggml_half d;        // super-block scale
//
// total 128+64+16+2 = 210 bytes.
const q6_KBlockBytes = 210

func dequantizeQ6_K(data []byte, dst []float32) {
	const qkK = 256
	nb := len(data) / q6_KBlockBytes
	for blk := 0; blk < nb; blk++ {
		base := blk * q6_KBlockBytes
		decodeQ6_KBlock(data[base:base+q6_KBlockBytes], dst[blk*qkK:blk*qkK+qkK])
	}
}

// decodeQ6_KBlock unpacks one 210-byte super-block into y[:256].
func decodeQ6_KBlock(block []byte, y []float32) {
	const qkK = 256
	ql := block[0:128]
	qh := block[128:192]
	sc := block[192:208]
	d := float16.Frombits(binary.LittleEndian.Uint16(block[208:210])).Float32()

	qlOff, qhOff, scOff, yOff := 0, 0, 0, 0
	for n := 0; n < qkK; n += 128 {
		for l := 0; l < 32; l++ {
			is := l / 16
			q1 := int32(ql[qlOff+l]&0xF|((qh[qhOff+l]>>0)&3)<<4) - 32
			q2 := int32(ql[qlOff+l+32]&0xF|((qh[qhOff+l]>>2)&3)<<4) - 32
			q3 := int32(ql[qlOff+l]>>4|((qh[qhOff+l]>>4)&3)<<4) - 32
			q4 := int32(ql[qlOff+l+32]>>4|((qh[qhOff+l]>>6)&3)<<4) - 32

			y[yOff+l] = d * float32(int8(sc[scOff+is+0])) * float32(q1)
			y[yOff+l+32] = d * float32(int8(sc[scOff+is+2])) * float32(q2)
			y[yOff+l+64] = d * float32(int8(sc[scOff+is+4])) * float32(q3)
			y[yOff+l+96] = d * float32(int8(sc[scOff+is+6])) * float32(q4)
		}
		yOff += 128
		qlOff += 64
		qhOff += 32
		scOff += 8
	}
}
