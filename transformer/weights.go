// weights.go - one-time weight name resolution
//
// Contains:
// - boundWeights/boundLayer: tensors resolved once per workspace
//
// Name resolution ("blk.3.attn_q.weight" and friends) happens exactly
// once per workspace; the decode step itself then performs no map
// lookups and no string concatenation.
package transformer

import (
	"strconv"

	"github.com/justinamiller/smallmind/model"
)

type boundLayer struct {
	attnNormG []float32
	attnNormB []float32

	q, k, v, o     model.Weight
	qB, kB, vB, oB []float32

	ffnNormG []float32
	ffnNormB []float32

	gate, up, down    model.Weight
	gateB, upB, downB []float32
	hasGate           bool
}

type boundWeights struct {
	from *model.Model

	embed model.Weight

	outNormG []float32
	outNormB []float32
	head     model.Weight

	layers []boundLayer
}

// bind resolves every tensor Forward needs. Called once per workspace and
// re-run only if the workspace is pointed at a different model.
func (ws *Workspace) bind(m *model.Model) *boundWeights {
	if ws.bw != nil && ws.bw.from == m {
		return ws.bw
	}

	cfg := m.Config
	bw := &boundWeights{from: m, layers: make([]boundLayer, cfg.NLayers)}

	bw.embed = m.MustWeight("token_embd.weight")
	bw.outNormG = m.MustWeight("output_norm.weight").ToF32()
	bw.outNormB = optionalF32(m, "output_norm.bias")

	if head, ok := m.Weight("output.weight"); ok {
		bw.head = head
	} else {
		// Tied embeddings: the input embedding doubles as the output head.
		bw.head = bw.embed
	}

	for l := 0; l < cfg.NLayers; l++ {
		p := "blk." + strconv.Itoa(l) + "."
		bl := &bw.layers[l]

		bl.attnNormG = m.MustWeight(p + "attn_norm.weight").ToF32()
		bl.attnNormB = optionalF32(m, p+"attn_norm.bias")

		bl.q = m.MustWeight(p + "attn_q.weight")
		bl.k = m.MustWeight(p + "attn_k.weight")
		bl.v = m.MustWeight(p + "attn_v.weight")
		bl.o = m.MustWeight(p + "attn_output.weight")
		bl.qB = optionalF32(m, p+"attn_q.bias")
		bl.kB = optionalF32(m, p+"attn_k.bias")
		bl.vB = optionalF32(m, p+"attn_v.bias")
		bl.oB = optionalF32(m, p+"attn_output.bias")

		bl.ffnNormG = m.MustWeight(p + "ffn_norm.weight").ToF32()
		bl.ffnNormB = optionalF32(m, p+"ffn_norm.bias")

		if gate, ok := m.Weight(p + "ffn_gate.weight"); ok {
			bl.gate = gate
			bl.hasGate = true
			bl.gateB = optionalF32(m, p+"ffn_gate.bias")
		}
		bl.up = m.MustWeight(p + "ffn_up.weight")
		bl.down = m.MustWeight(p + "ffn_down.weight")
		bl.upB = optionalF32(m, p+"ffn_up.bias")
		bl.downB = optionalF32(m, p+"ffn_down.bias")
	}

	ws.bw = bw
	return bw
}

func optionalF32(m *model.Model, name string) []float32 {
	if w, ok := m.Weight(name); ok {
		return w.ToF32()
	}
	return nil
}
