// Package model - data model for loaded models
//
// This file holds the core structures:
// - Tensor: dense f32 tensor (shape + buffer)
// - Weight: tagged variant over dense f32 | quantized
// - Model: loaded, immutable model (config + weights + tokenizer)
// - ModelConfig: the hyperparameter set
package model

import (
	"fmt"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/justinamiller/smallmind/internal/quant"
)

// Tensor is a dense, row-major f32 tensor: a shape and a contiguous
// buffer, with product(shape) == len(buffer) as an invariant the caller
// must uphold.
type Tensor struct {
	Shape []int
	Data  []float32
}

// NumElements returns product(Shape).
func (t *Tensor) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Validate checks the Tensor invariant product(shape) == buffer.len.
func (t *Tensor) Validate() error {
	if n := t.NumElements(); n != len(t.Data) {
		return fmt.Errorf("model: tensor shape %v has %d elements, buffer has %d", t.Shape, n, len(t.Data))
	}
	return nil
}

// Weight is a tagged variant over a dense or quantized weight tensor, the
// two forms a Model ever stores a matrix as. Exactly one of
// Dense/Quant is non-nil.
type Weight struct {
	Dense *Tensor
	Quant *quant.QuantizedTensor
}

// Shape returns [rows,cols] (or the dense tensor's full shape) regardless
// of which variant is populated.
func (w Weight) Shape() []int {
	if w.Quant != nil {
		return []int{w.Quant.Rows, w.Quant.Cols}
	}
	return w.Dense.Shape
}

// IsQuantized reports whether this weight uses a packed block codec.
func (w Weight) IsQuantized() bool {
	return w.Quant != nil
}

// ToF32 returns the weight as f32: a dense weight's own Data slice (not a
// copy), or a freshly dequantized copy of a quantized weight. Used
// by tooling and fallback matmul paths, never by the fused hot path.
func (w Weight) ToF32() []float32 {
	if w.Dense != nil {
		return w.Dense.Data
	}
	dst := make([]float32, w.Quant.Rows*w.Quant.Cols)
	quant.Dequantize(w.Quant, dst)
	return dst
}

// Activation selects the MLP non-linearity a ModelConfig's feed-forward
// block uses.
type Activation int

const (
	ActivationGELU Activation = iota
	ActivationSwiGLU
)

func (a Activation) String() string {
	if a == ActivationSwiGLU {
		return "swiglu"
	}
	return "gelu"
}

// NormKind selects the normalization a ModelConfig's pre-attention and
// pre-MLP blocks use.
type NormKind int

const (
	NormRMS NormKind = iota
	NormLayer
)

func (n NormKind) String() string {
	if n == NormLayer {
		return "layernorm"
	}
	return "rmsnorm"
}

// ModelConfig holds the architecture hyperparameters assembled from a
// GGUF file's metadata.
type ModelConfig struct {
	Arch         string
	NLayers      int
	DModel       int
	NHeads       int
	NKVHeads     int
	HeadDim      int
	FFNHidden    int
	Activation   Activation
	Norm         NormKind
	RopeTheta    float64
	MaxContext   int
	VocabSize    int
	EOSID        int32
	BOSID        int32
	ChatTemplate string
	NormEps      float32

	// SlidingWindow is the window size declared by the file's metadata,
	// if any. The window is detected but never enforced by the forward
	// pass; Load emits a warning when it is non-zero.
	SlidingWindow int
}

// Model is the read-only, shared-across-sessions result of loading a
// GGUF file: hyperparameters, every weight tensor keyed by its GGUF
// name, and the tokenizer extracted from the same file's metadata.
//
// Model is immutable after Load returns and is safe for concurrent use
// by many Sessions.
type Model struct {
	Config    ModelConfig
	Weights   *orderedmap.OrderedMap[string, Weight]
	Tokenizer TokenizerData

	// mapping is the memory-mapped file backing quantized weights when the
	// loader was asked to mmap; nil otherwise. The Model's lifetime pins it.
	mapping []byte
}

// Close releases the memory mapping, if any. Weights borrowed from the
// mapping must not be used afterwards; sessions must be dropped first.
func (m *Model) Close() error {
	data := m.mapping
	m.mapping = nil
	return unmapFile(data)
}

// TokenizerData is the subset of GGUF metadata the tokenizer package
// needs: vocabulary, merge ranks and special token ids.
type TokenizerData struct {
	Tokens       []string
	Scores       []float32
	TokenTypes   []int32
	Merges       []string
	BOSID        int32
	EOSID        int32
	PaddingID    int32
	AddBOS       bool
	AddEOS       bool
	ChatTemplate string
}

// NewEmpty builds a weightless Model around cfg, used by format tooling
// that fills in tensors itself.
func NewEmpty(cfg ModelConfig) *Model {
	return &Model{Config: cfg, Weights: orderedmap.New[string, Weight]()}
}

// Weight looks up a tensor by its GGUF name, e.g. "blk.0.attn_q.weight".
func (m *Model) Weight(name string) (Weight, bool) {
	return m.Weights.Get(name)
}

// MustWeight panics if name is absent; used during the forward pass where
// a missing weight is a loader bug, not a runtime condition to recover
// from.
func (m *Model) MustWeight(name string) Weight {
	w, ok := m.Weights.Get(name)
	if !ok {
		panic(fmt.Sprintf("model: missing weight %q", name))
	}
	return w
}
