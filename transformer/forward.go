// forward.go - the forward pass itself
//
// Contains:
// - Forward: prefill (T>=1) and decode (T=1) over the same path
// - projectTo: weight projection (fused quantized or dense)
// - layer order: norm -> QKV -> RoPE -> cache append -> GQA attention ->
//   output projection -> residual -> norm -> MLP -> residual
package transformer

import (
	"errors"
	"log/slog"
	"math"

	"github.com/justinamiller/smallmind/internal/kernel"
	"github.com/justinamiller/smallmind/internal/quant"
	"github.com/justinamiller/smallmind/kvcache"
	"github.com/justinamiller/smallmind/model"
)

// ErrContextFull reports that appending the batch would exceed the
// cache's max_context. The cache is left unchanged; the caller surfaces
// this as a finish condition, not a hard error.
var ErrContextFull = errors.New("transformer: context window exhausted")

// Forward runs the model over tokens, appending to cache and writing the
// last row's logits into outLogits (len == vocab_size). cache.pos
// advances by len(tokens) on success.
func Forward(m *model.Model, tokens []int32, cache *kvcache.KVCache, ws *Workspace, outLogits []float32) error {
	cfg := m.Config
	t := len(tokens)
	if t == 0 {
		return errors.New("transformer: empty token batch")
	}
	if !cache.Reserve(t) {
		return ErrContextFull
	}

	ws.ensure(t)
	bw := ws.bind(m)
	pos := cache.Pos()
	kvLen := pos + t
	headDim := cfg.HeadDim
	qDim := cfg.NHeads * headDim
	kvDim := cfg.NKVHeads * headDim

	// Embedding lookup: one row of token_embd per token.
	for i, tok := range tokens {
		dst := ws.x[i*cfg.DModel : (i+1)*cfg.DModel]
		embeddingRow(bw.embed, int(tok), dst, ws.embedRow)
	}

	scale := float32(1 / math.Sqrt(float64(headDim)))

	for l := 0; l < cfg.NLayers; l++ {
		bl := &bw.layers[l]

		normRows(ws.x, bl.attnNormG, bl.attnNormB, ws.xNorm, t, cfg)

		projectTo(bl.q, bl.qB, ws.xNorm, ws.q, t, cfg.DModel, qDim)
		projectTo(bl.k, bl.kB, ws.xNorm, ws.k, t, cfg.DModel, kvDim)
		projectTo(bl.v, bl.vB, ws.xNorm, ws.v, t, cfg.DModel, kvDim)

		ws.rope.Apply(ws.q, ws.k, t, cfg.NHeads, cfg.NKVHeads, pos)

		// Reshape [T, heads*head_dim] -> [heads, T, head_dim], t-outer so
		// reads stay sequential across the head dimension.
		for i := 0; i < t; i++ {
			for h := 0; h < cfg.NHeads; h++ {
				src := ws.q[i*qDim+h*headDim : i*qDim+(h+1)*headDim]
				copy(ws.qHeads[(h*t+i)*headDim:(h*t+i+1)*headDim], src)
			}
			for h := 0; h < cfg.NKVHeads; h++ {
				srcK := ws.k[i*kvDim+h*headDim : i*kvDim+(h+1)*headDim]
				srcV := ws.v[i*kvDim+h*headDim : i*kvDim+(h+1)*headDim]
				copy(ws.kHeads[(h*t+i)*headDim:(h*t+i+1)*headDim], srcK)
				copy(ws.vHeads[(h*t+i)*headDim:(h*t+i+1)*headDim], srcV)
			}
		}

		if err := cache.Append(l, ws.kHeads, ws.vHeads, t); err != nil {
			return err
		}

		lb := cache.Layer(l)
		for h := 0; h < cfg.NHeads; h++ {
			hkv := h * cfg.NKVHeads / cfg.NHeads
			qh := ws.qHeads[h*t*headDim : (h+1)*t*headDim]
			kh := lb.K[hkv*cache.MaxContext*headDim:][:kvLen*headDim]
			vh := lb.V[hkv*cache.MaxContext*headDim:][:kvLen*headDim]

			sc := ws.scores[h*t*cfg.MaxContext:][:t*cfg.MaxContext]
			scRows := sc[:t*kvLen]
			kernel.MatmulTransposeB(qh, kh, scRows, t, headDim, kvLen)
			for i := 0; i < t; i++ {
				kernel.SoftmaxRow(scRows[i*kvLen:(i+1)*kvLen], scale, pos+i)
			}

			oh := ws.attnOut[h*t*headDim : (h+1)*t*headDim]
			kernel.Matmul(scRows, vh, oh, t, kvLen, headDim)
		}

		// [n_heads, T, head_dim] -> [T, d_model]
		for i := 0; i < t; i++ {
			for h := 0; h < cfg.NHeads; h++ {
				src := ws.attnOut[(h*t+i)*headDim : (h*t+i+1)*headDim]
				copy(ws.attnFlat[i*cfg.DModel+h*headDim:i*cfg.DModel+(h+1)*headDim], src)
			}
		}

		if debugChecks {
			sanitizeNaNs(ws.attnFlat[:t*cfg.DModel], l)
		}

		projectTo(bl.o, bl.oB, ws.attnFlat, ws.proj, t, cfg.DModel, cfg.DModel)
		addInto(ws.x[:t*cfg.DModel], ws.proj[:t*cfg.DModel])

		normRows(ws.x, bl.ffnNormG, bl.ffnNormB, ws.xNorm, t, cfg)

		if cfg.Activation == model.ActivationSwiGLU && bl.hasGate {
			projectTo(bl.gate, bl.gateB, ws.xNorm, ws.ffnGate, t, cfg.DModel, cfg.FFNHidden)
			projectTo(bl.up, bl.upB, ws.xNorm, ws.ffnUp, t, cfg.DModel, cfg.FFNHidden)
			kernel.SiLUInplace(ws.ffnGate[:t*cfg.FFNHidden])
			mulInto(ws.ffnGate[:t*cfg.FFNHidden], ws.ffnUp[:t*cfg.FFNHidden])
			projectTo(bl.down, bl.downB, ws.ffnGate, ws.ffnDown, t, cfg.FFNHidden, cfg.DModel)
		} else {
			projectTo(bl.up, bl.upB, ws.xNorm, ws.ffnUp, t, cfg.DModel, cfg.FFNHidden)
			kernel.GELUInplace(ws.ffnUp[:t*cfg.FFNHidden])
			projectTo(bl.down, bl.downB, ws.ffnUp, ws.ffnDown, t, cfg.FFNHidden, cfg.DModel)
		}
		addInto(ws.x[:t*cfg.DModel], ws.ffnDown[:t*cfg.DModel])
	}

	cache.Advance(t)

	// Only the last row feeds the output head.
	last := ws.x[(t-1)*cfg.DModel : t*cfg.DModel]
	applyNorm(last, bw.outNormG, bw.outNormB, ws.lastRow, cfg)
	projectTo(bw.head, nil, ws.lastRow, outLogits, 1, cfg.DModel, cfg.VocabSize)

	return nil
}

// embeddingRow copies one embedding row into dst, dequantizing through
// scratch when the table is packed.
func embeddingRow(w model.Weight, row int, dst, scratch []float32) {
	if w.Quant != nil {
		quant.DequantizeRow(w.Quant, row, scratch[:w.Quant.Cols])
		copy(dst, scratch[:w.Quant.Cols])
		return
	}
	cols := len(dst)
	copy(dst, w.Dense.Data[row*cols:(row+1)*cols])
}

// projectTo applies a [N,K] stored weight as out <- in * Wt, fused for
// packed weights, plus an optional bias.
func projectTo(w model.Weight, bias, in, out []float32, t, k, n int) {
	if w.Quant != nil {
		quant.FusedMatmulF32Q(in[:t*k], w.Quant, out[:t*n], t, k, n)
	} else {
		kernel.MatmulTransposeB(in[:t*k], w.Dense.Data, out[:t*n], t, k, n)
	}
	if bias != nil {
		for i := 0; i < t; i++ {
			row := out[i*n : (i+1)*n]
			for j := range row {
				row[j] += bias[j]
			}
		}
	}
}

// normRows normalizes each of t rows of in into out.
func normRows(in, gamma, beta, out []float32, t int, cfg model.ModelConfig) {
	for i := 0; i < t; i++ {
		src := in[i*cfg.DModel : (i+1)*cfg.DModel]
		dst := out[i*cfg.DModel : (i+1)*cfg.DModel]
		applyNorm(src, gamma, beta, dst, cfg)
	}
}

func applyNorm(in, gamma, beta, out []float32, cfg model.ModelConfig) {
	if cfg.Norm == model.NormLayer {
		kernel.LayerNorm(in, gamma, beta, out, cfg.NormEps)
	} else {
		kernel.RMSNorm(in, gamma, out, cfg.NormEps)
	}
}

// sanitizeNaNs is a debug-build safety net: non-finite attention outputs
// are zeroed and reported instead of poisoning the residual stream.
// Release builds compile this call away entirely.
func sanitizeNaNs(x []float32, layer int) {
	bad := 0
	for i, v := range x {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			x[i] = 0
			bad++
		}
	}
	if bad > 0 {
		slog.Warn("non-finite attention values sanitized", "layer", layer, "count", bad)
	}
}

func addInto(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

func mulInto(dst, src []float32) {
	for i := range dst {
		dst[i] *= src[i]
	}
}
