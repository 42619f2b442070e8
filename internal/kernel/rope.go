package kernel

import "math"

// RoPETables precomputes sin/cos values for a rotary embedding indexed by
// absolute position, allocated once per session and reused across forward
// calls. The table covers [0,maxPositions) so Apply never allocates
// during steady-state decode: a map keyed by position would grow on every
// new token position.
type RoPETables struct {
	theta   float64
	headDim int
	rows    []float32 // maxPositions rows of headDim/2 interleaved cos,sin pairs
	pairs   int
}

// NewRoPETables precomputes the full rotary table for positions
// [0,maxPositions), the model's configured max_context.
func NewRoPETables(theta float64, headDim, maxPositions int) *RoPETables {
	pairs := headDim / 2
	t := &RoPETables{theta: theta, headDim: headDim, pairs: pairs, rows: make([]float32, maxPositions*pairs*2)}
	for pos := 0; pos < maxPositions; pos++ {
		row := t.rows[pos*pairs*2 : pos*pairs*2+pairs*2]
		for i := 0; i < pairs; i++ {
			freq := 1.0 / math.Pow(t.theta, float64(2*i)/float64(t.headDim))
			angle := float64(pos) * freq
			row[2*i] = float32(math.Cos(angle))
			row[2*i+1] = float32(math.Sin(angle))
		}
	}
	return t
}

func (t *RoPETables) rowFor(pos int) []float32 {
	return t.rows[pos*t.pairs*2 : pos*t.pairs*2+t.pairs*2]
}

// Apply rotates q and k in place. Both are laid out as
// [numTokens, numHeads*headDim]; positionOffset is the absolute position of
// token 0 in this batch (cache.pos at forward entry).
func (t *RoPETables) Apply(q, k []float32, numTokens, qHeads, kHeads, positionOffset int) {
	t.rotateBuffer(q, numTokens, qHeads, positionOffset)
	t.rotateBuffer(k, numTokens, kHeads, positionOffset)
}

func (t *RoPETables) rotateBuffer(buf []float32, numTokens, heads, positionOffset int) {
	pairs := t.headDim / 2
	for tok := 0; tok < numTokens; tok++ {
		trig := t.rowFor(positionOffset + tok)
		base := tok * heads * t.headDim
		for h := 0; h < heads; h++ {
			off := base + h*t.headDim
			for p := 0; p < pairs; p++ {
				cos := trig[2*p]
				sin := trig[2*p+1]
				x0 := buf[off+2*p]
				x1 := buf[off+2*p+1]
				buf[off+2*p] = x0*cos - x1*sin
				buf[off+2*p+1] = x0*sin + x1*cos
			}
		}
	}
}
