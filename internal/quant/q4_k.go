package quant

import (
	"encoding/binary"

	"github.com/x448/float16"
)

// block_q4_K (llama.cpp bit-exact layout, QK_K=256):
//
//	ggml_half d;        // super-block scale for quantized scales
//	ggml_half dmin;      // super-block scale for quantized mins
//	uint8_t scales[12]; // 8 sub-block (6-bit scale, 6-bit min) pairs packed into 12 bytes
//	uint8_t qs[128];    // 4-bit quants
//
// total 2+2+12+128 = 144 bytes. The sub-block scale/min unpack below
// (getScaleMinK4) mirrors llama.cpp's get_scale_min_k4 exactly; files
// packed by llama.cpp decode bit-identically.
const q4_KBlockBytes = 144

func getScaleMinK4(j int, q []byte) (d, m uint8) {
	if j < 4 {
		d = q[j] & 63
		m = q[j+4] & 63
	} else {
		d = (q[j+4] & 0xF) | ((q[j-4] >> 6) << 4)
		m = (q[j+4] >> 4) | ((q[j] >> 6) << 4)
	}
	return
}

func dequantizeQ4_K(data []byte, dst []float32) {
	const qkK = 256
	nb := len(data) / q4_KBlockBytes
	for blk := 0; blk < nb; blk++ {
		base := blk * q4_KBlockBytes
		decodeQ4_KBlock(data[base:base+q4_KBlockBytes], dst[blk*qkK:blk*qkK+qkK])
	}
}

// decodeQ4_KBlock unpacks one 144-byte super-block into y[:256]. Shared by
// the whole-tensor dequantizer and the fused block-walking matmul so there
// is exactly one place that knows the llama.cpp bit layout.
func decodeQ4_KBlock(block []byte, y []float32) {
	const qkK = 256
	d := float16.Frombits(binary.LittleEndian.Uint16(block[0:2])).Float32()
	dmin := float16.Frombits(binary.LittleEndian.Uint16(block[2:4])).Float32()
	scales := block[4:16]
	q := block[16:q4_KBlockBytes]

	is := 0
	qi := 0
	yi := 0
	for j := 0; j < qkK; j += 64 {
		sc1, m1 := getScaleMinK4(is+0, scales)
		sc2, m2 := getScaleMinK4(is+1, scales)
		d1 := d * float32(sc1)
		mm1 := dmin * float32(m1)
		d2 := d * float32(sc2)
		mm2 := dmin * float32(m2)

		for l := 0; l < 32; l++ {
			y[yi+l] = d1*float32(q[qi+l]&0xF) - mm1
		}
		for l := 0; l < 32; l++ {
			y[yi+32+l] = d2*float32(q[qi+l]>>4) - mm2
		}
		qi += 32
		yi += 64
		is += 2
	}
}
