// Package model - GGUF loading
//
// This file holds Load, which turns a GGUF file into a *Model:
// - magic/version checks delegated to fs/gguf.Open
// - tensor dtype checks and Weight construction without requantization
// - ModelConfig assembly with architecture-dependent defaults
package model

import (
	"encoding/binary"
	"io"
	"log/slog"
	"math"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"github.com/x448/float16"

	sm "github.com/justinamiller/smallmind"
	"github.com/justinamiller/smallmind/fs/gguf"
	"github.com/justinamiller/smallmind/internal/quant"
)

// LoadOptions controls optional loader behavior.
type LoadOptions struct {
	// MMap requests a memory-mapped read path for tensor data instead of
	// io.ReadFull into freshly allocated buffers. Quantized weights then
	// reference the mapping directly and the Model pins it until Close.
	MMap bool
}

// Load reads path as a GGUF file and assembles a Model: metadata into a
// ModelConfig, the tokenizer's vocabulary/merges/special ids, and every
// tensor record into a Weight, keyed by its GGUF name.
//
// Errors during loading are fatal: Load never returns a partial Model.
func Load(path string, opts LoadOptions) (*Model, error) {
	f, err := gguf.Open(path)
	if err != nil {
		return nil, sm.WrapError(sm.KindInvalidFormat, "gguf: open "+path, err)
	}
	defer f.Close()

	kv := make(map[string]gguf.Value, f.NumKeyValues())
	for _, entry := range f.KeyValues() {
		kv[entry.Key] = entry.Value
	}

	arch := kv["general.architecture"].String()
	if arch == "" {
		return nil, sm.NewError(sm.KindUnsupportedArchitecture, "missing general.architecture")
	}

	cfg, err := assembleConfig(arch, kv)
	if err != nil {
		return nil, err
	}

	tok := assembleTokenizer(arch, kv)

	var mapping []byte
	if opts.MMap {
		if mapped, err := mapFile(path); err == nil {
			mapping = mapped
		} else {
			slog.Warn("memory mapping unavailable, falling back to buffered reads", "path", path, "error", err)
		}
	}

	weights := orderedmap.New[string, Weight]()
	for _, info := range f.TensorInfos() {
		w, err := readWeight(f, info, mapping)
		if err != nil {
			unmapFile(mapping)
			return nil, err
		}
		weights.Set(info.Name, w)
	}

	return &Model{Config: cfg, Weights: weights, Tokenizer: tok, mapping: mapping}, nil
}

// readWeight reads one tensor's data and wraps it as the matching Weight
// variant. F16 tensors are widened to dense f32. Quantized tensors keep
// their packed blocks bit-exact, f16 scale/min fields included; those
// fields are widened to f32 only when internal/quant decodes a block,
// not here. With an active mapping,
// quantized tensors borrow their packed bytes from it instead of copying.
func readWeight(f *gguf.File, info gguf.TensorInfo, mapping []byte) (Weight, error) {
	if !info.Type.Supported() {
		return Weight{}, sm.NewError(sm.KindUnsupportedQuantization, info.Type.String())
	}

	_, r, err := f.TensorReader(info.Name)
	if err != nil {
		return Weight{}, sm.WrapError(sm.KindIoError, "tensor "+info.Name, err)
	}

	rows, cols := tensorRowsCols(info)

	switch info.Type {
	case gguf.TensorTypeF32:
		data := make([]float32, info.NumElements())
		if err := readF32(r, data); err != nil {
			return Weight{}, sm.WrapError(sm.KindIoError, "tensor "+info.Name, err)
		}
		return Weight{Dense: &Tensor{Shape: shapeInts(info.Shape), Data: data}}, nil
	case gguf.TensorTypeF16:
		data, err := readF16Widen(r, int(info.NumElements()))
		if err != nil {
			return Weight{}, sm.WrapError(sm.KindIoError, "tensor "+info.Name, err)
		}
		return Weight{Dense: &Tensor{Shape: shapeInts(info.Shape), Data: data}}, nil
	default:
		scheme, _ := quantSchemeFor(info.Type)
		var packed []byte
		if mapping != nil {
			base := f.TensorDataOffset() + int64(info.Offset)
			end := base + info.NumBytes()
			if end > int64(len(mapping)) {
				return Weight{}, sm.NewError(sm.KindInvalidFormat, "tensor "+info.Name+" extends past end of file")
			}
			packed = mapping[base:end:end]
		} else {
			packed = make([]byte, info.NumBytes())
			if _, err := io.ReadFull(r, packed); err != nil {
				return Weight{}, sm.WrapError(sm.KindIoError, "tensor "+info.Name, err)
			}
		}
		q := &quant.QuantizedTensor{Scheme: scheme, Rows: rows, Cols: cols, Data: packed}
		if err := q.Validate(); err != nil {
			return Weight{}, sm.WrapError(sm.KindInvalidFormat, "tensor "+info.Name, err)
		}
		return Weight{Quant: q}, nil
	}
}

// tensorRowsCols maps a GGUF shape onto the [rows,cols] a weight matrix
// needs for fused_matmul_f32_q: GGUF stores shape fastest-dimension
// first, so a 2D [in,out] tensor is read here as rows=out, cols=in.
func tensorRowsCols(info gguf.TensorInfo) (rows, cols int) {
	switch len(info.Shape) {
	case 1:
		return 1, int(info.Shape[0])
	case 2:
		return int(info.Shape[1]), int(info.Shape[0])
	default:
		n := int(info.NumElements())
		return 1, n
	}
}

func shapeInts(shape []uint64) []int {
	out := make([]int, len(shape))
	for i, d := range shape {
		out[i] = int(d)
	}
	return out
}

func quantSchemeFor(t gguf.TensorType) (quant.Scheme, bool) {
	switch t {
	case gguf.TensorTypeQ4_0:
		return quant.Q4_0, true
	case gguf.TensorTypeQ4_1:
		return quant.Q4_1, true
	case gguf.TensorTypeQ5_0:
		return quant.Q5_0, true
	case gguf.TensorTypeQ8_0:
		return quant.Q8_0, true
	case gguf.TensorTypeQ4_K:
		return quant.Q4_K, true
	case gguf.TensorTypeQ6_K:
		return quant.Q6_K, true
	default:
		return 0, false
	}
}

func readF32(r io.Reader, dst []float32) error {
	buf := make([]byte, len(dst)*4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	for i := range dst {
		bits := binary.LittleEndian.Uint32(buf[4*i : 4*i+4])
		dst[i] = math.Float32frombits(bits)
	}
	return nil
}

// readF16Widen reads n IEEE-754 binary16 values and widens them to f32;
// the engine computes in f32 throughout.
func readF16Widen(r io.Reader, n int) ([]float32, error) {
	buf := make([]byte, n*2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	out := make([]float32, n)
	for i := range out {
		bits := binary.LittleEndian.Uint16(buf[2*i : 2*i+2])
		out[i] = float16.Frombits(bits).Float32()
	}
	return out, nil
}

// assembleConfig builds a ModelConfig from a flattened GGUF metadata map:
// n_kv_heads defaults to n_heads (detecting non-GQA models), activation
// defaults per architecture family, and a sliding-window flag is parsed
// but never enforced.
func assembleConfig(arch string, kv map[string]gguf.Value) (ModelConfig, error) {
	get := func(suffix string) gguf.Value {
		return kv[arch+"."+suffix]
	}

	nLayers := get("block_count").Int()
	dModel := get("embedding_length").Int()
	nHeads := get("attention.head_count").Int()
	nKVHeads := get("attention.head_count_kv").Int()
	if nKVHeads == 0 {
		nKVHeads = nHeads
	}
	headDim := get("attention.key_length").Int()
	if headDim == 0 && nHeads > 0 {
		headDim = dModel / nHeads
	}
	ffn := get("feed_forward_length").Int()
	maxCtx := get("context_length").Int()
	vocab := get("vocab_size").Int()
	if vocab == 0 {
		vocab = len(kv["tokenizer.ggml.tokens"].Strings())
	}
	ropeTheta := get("rope.freq_base").Float()
	if ropeTheta == 0 {
		ropeTheta = 10000
	}
	eps := float32(get("attention.layer_norm_rms_epsilon").Float())
	if eps == 0 {
		eps = float32(get("attention.layer_norm_epsilon").Float())
	}
	if eps == 0 {
		eps = 1e-5
	}

	if nLayers == 0 || dModel == 0 || nHeads == 0 {
		return ModelConfig{}, sm.NewError(sm.KindUnsupportedArchitecture, arch+": missing required hyperparameters")
	}

	sw := get("attention.sliding_window").Int()
	if sw > 0 {
		slog.Warn("sliding-window attention flag detected but not enforced by the forward pass", "architecture", arch, "window", sw)
	}

	return ModelConfig{
		Arch:          arch,
		NLayers:       nLayers,
		DModel:        dModel,
		NHeads:        nHeads,
		NKVHeads:      nKVHeads,
		HeadDim:       headDim,
		FFNHidden:     ffn,
		Activation:    detectActivation(arch),
		Norm:          detectNorm(arch),
		RopeTheta:     ropeTheta,
		MaxContext:    maxCtx,
		VocabSize:     vocab,
		EOSID:         int32(kv["tokenizer.ggml.eos_token_id"].Int()),
		BOSID:         int32(kv["tokenizer.ggml.bos_token_id"].Int()),
		ChatTemplate:  kv["tokenizer.chat_template"].String(),
		NormEps:       eps,
		SlidingWindow: sw,
	}, nil
}

// detectActivation picks swiglu for the Llama/Mistral family and gelu for
// Phi; unknown architectures default to swiglu,
// the more common modern choice.
func detectActivation(arch string) Activation {
	switch arch {
	case "phi", "phi2", "phi3":
		return ActivationGELU
	default:
		return ActivationSwiGLU
	}
}

func detectNorm(arch string) NormKind {
	switch arch {
	case "gpt2", "phi", "phi2", "phi3":
		return NormLayer
	default:
		return NormRMS
	}
}
