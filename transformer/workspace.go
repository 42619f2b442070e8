// Package transformer - the decoder-only transformer forward pass
//
// This file holds the Workspace: every intermediate buffer of one
// forward pass (QKV, scores, attention output, MLP hidden), allocated
// once per session and reused across all forward calls. A decode step
// (T=1) allocates nothing after the first call; only a prefill with a
// larger T than seen before grows the buffers.
package transformer

import (
	"github.com/justinamiller/smallmind/internal/kernel"
	"github.com/justinamiller/smallmind/model"
)

// Workspace owns every intermediate buffer Forward writes. Contents are
// undefined on entry: each buffer is fully overwritten before it is read,
// so nothing is zeroed on reuse.
type Workspace struct {
	cfg model.ModelConfig

	x     []float32 // [T, d_model] residual stream
	xNorm []float32 // [T, d_model]

	q []float32 // [T, n_heads*head_dim]
	k []float32 // [T, n_kv_heads*head_dim]
	v []float32 // [T, n_kv_heads*head_dim]

	qHeads  []float32 // [n_heads, T, head_dim]
	kHeads  []float32 // [n_kv_heads, T, head_dim]
	vHeads  []float32 // [n_kv_heads, T, head_dim]
	scores  []float32 // [n_heads, T, max_context]
	attnOut []float32 // [n_heads, T, head_dim]

	attnFlat []float32 // [T, d_model] reshaped attention output
	proj     []float32 // [T, d_model] output projection

	ffnGate []float32 // [T, ffn_hidden]
	ffnUp   []float32 // [T, ffn_hidden]
	ffnDown []float32 // [T, d_model]

	embedRow []float32 // [d_model] scratch for quantized embedding rows
	lastRow  []float32 // [d_model] final-norm output for the logits row

	rope *kernel.RoPETables

	// bw caches the name-resolved weight set for the model this workspace
	// last ran against (weights.go).
	bw *boundWeights

	maxT int
}

// NewWorkspace builds an empty workspace for cfg. Buffers are sized on
// the first Forward call (prefill may size them to the prompt batch) and
// retained afterwards.
func NewWorkspace(cfg model.ModelConfig) *Workspace {
	return &Workspace{
		cfg:  cfg,
		rope: kernel.NewRoPETables(cfg.RopeTheta, cfg.HeadDim, cfg.MaxContext),
	}
}

// ensure grows every buffer to cover a batch of t tokens. Growth only
// happens when t exceeds the largest batch seen so far.
func (ws *Workspace) ensure(t int) {
	if t <= ws.maxT {
		return
	}
	cfg := ws.cfg

	ws.x = make([]float32, t*cfg.DModel)
	ws.xNorm = make([]float32, t*cfg.DModel)
	ws.q = make([]float32, t*cfg.NHeads*cfg.HeadDim)
	ws.k = make([]float32, t*cfg.NKVHeads*cfg.HeadDim)
	ws.v = make([]float32, t*cfg.NKVHeads*cfg.HeadDim)
	ws.qHeads = make([]float32, cfg.NHeads*t*cfg.HeadDim)
	ws.kHeads = make([]float32, cfg.NKVHeads*t*cfg.HeadDim)
	ws.vHeads = make([]float32, cfg.NKVHeads*t*cfg.HeadDim)
	ws.scores = make([]float32, cfg.NHeads*t*cfg.MaxContext)
	ws.attnOut = make([]float32, cfg.NHeads*t*cfg.HeadDim)
	ws.attnFlat = make([]float32, t*cfg.DModel)
	ws.proj = make([]float32, t*cfg.DModel)
	ws.ffnGate = make([]float32, t*cfg.FFNHidden)
	ws.ffnUp = make([]float32, t*cfg.FFNHidden)
	ws.ffnDown = make([]float32, t*cfg.DModel)
	ws.embedRow = make([]float32, cfg.DModel)
	ws.lastRow = make([]float32, cfg.DModel)

	ws.maxT = t
}
