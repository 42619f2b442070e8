package model

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sm "github.com/justinamiller/smallmind"
	"github.com/justinamiller/smallmind/internal/quant"
)

// ggufWriter builds a minimal GGUF v3 file in memory for loader tests.
type ggufWriter struct {
	kv      bytes.Buffer
	kvCount uint64

	tensors     bytes.Buffer
	tensorCount uint64

	data bytes.Buffer
}

func (w *ggufWriter) writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.LittleEndian, uint64(len(s)))
	buf.WriteString(s)
}

func (w *ggufWriter) addKVString(key, value string) {
	w.writeString(&w.kv, key)
	binary.Write(&w.kv, binary.LittleEndian, uint32(8))
	w.writeString(&w.kv, value)
	w.kvCount++
}

func (w *ggufWriter) addKVUint32(key string, value uint32) {
	w.writeString(&w.kv, key)
	binary.Write(&w.kv, binary.LittleEndian, uint32(4))
	binary.Write(&w.kv, binary.LittleEndian, value)
	w.kvCount++
}

func (w *ggufWriter) addKVFloat32(key string, value float32) {
	w.writeString(&w.kv, key)
	binary.Write(&w.kv, binary.LittleEndian, uint32(6))
	binary.Write(&w.kv, binary.LittleEndian, value)
	w.kvCount++
}

func (w *ggufWriter) addKVStrings(key string, values []string) {
	w.writeString(&w.kv, key)
	binary.Write(&w.kv, binary.LittleEndian, uint32(9)) // array
	binary.Write(&w.kv, binary.LittleEndian, uint32(8)) // of string
	binary.Write(&w.kv, binary.LittleEndian, uint64(len(values)))
	for _, v := range values {
		w.writeString(&w.kv, v)
	}
	w.kvCount++
}

// addTensor appends a tensor record plus its packed bytes, aligning the
// data section to 32 bytes per record.
func (w *ggufWriter) addTensor(name string, shape []uint64, dtype uint32, raw []byte) {
	for w.data.Len()%32 != 0 {
		w.data.WriteByte(0)
	}
	offset := uint64(w.data.Len())

	w.writeString(&w.tensors, name)
	binary.Write(&w.tensors, binary.LittleEndian, uint32(len(shape)))
	for _, d := range shape {
		binary.Write(&w.tensors, binary.LittleEndian, d)
	}
	binary.Write(&w.tensors, binary.LittleEndian, dtype)
	binary.Write(&w.tensors, binary.LittleEndian, offset)
	w.tensorCount++

	w.data.Write(raw)
}

func (w *ggufWriter) writeTo(t *testing.T, path string) {
	var out bytes.Buffer
	out.WriteString("GGUF")
	binary.Write(&out, binary.LittleEndian, uint32(3))
	binary.Write(&out, binary.LittleEndian, w.tensorCount)
	binary.Write(&out, binary.LittleEndian, w.kvCount)
	out.Write(w.kv.Bytes())
	out.Write(w.tensors.Bytes())

	// Pad the header to the default 32-byte alignment before tensor data.
	for out.Len()%32 != 0 {
		out.WriteByte(0)
	}
	out.Write(w.data.Bytes())

	require.NoError(t, os.WriteFile(path, out.Bytes(), 0o644))
}

func f32LE(vals []float32) []byte {
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[4*i:4*i+4], math.Float32bits(v))
	}
	return out
}

func tinyGGUF(t *testing.T) string {
	w := &ggufWriter{}
	w.addKVString("general.architecture", "llama")
	w.addKVUint32("llama.block_count", 1)
	w.addKVUint32("llama.embedding_length", 8)
	w.addKVUint32("llama.attention.head_count", 2)
	w.addKVUint32("llama.attention.head_count_kv", 1)
	w.addKVUint32("llama.context_length", 16)
	w.addKVUint32("llama.feed_forward_length", 16)
	w.addKVFloat32("llama.rope.freq_base", 10000)
	w.addKVFloat32("llama.attention.layer_norm_rms_epsilon", 1e-5)
	w.addKVStrings("tokenizer.ggml.tokens", []string{"a", "b"})
	w.addKVStrings("tokenizer.ggml.merges", []string{"a b"})
	w.addKVUint32("tokenizer.ggml.eos_token_id", 1)
	w.addKVUint32("tokenizer.ggml.bos_token_id", 0)

	embed := make([]float32, 16)
	for i := range embed {
		embed[i] = float32(i) * 0.5
	}
	w.addTensor("token_embd.weight", []uint64{8, 2}, 0, f32LE(embed))

	src := make([]float32, 64)
	for i := range src {
		src[i] = float32(i%5) - 2
	}
	q := quant.Quantize(src, 2, 32, quant.Q8_0)
	w.addTensor("blk.0.attn_q.weight", []uint64{32, 2}, 8, q.Data)

	path := filepath.Join(t.TempDir(), "tiny.gguf")
	w.writeTo(t, path)
	return path
}

func TestLoadAssemblesConfig(t *testing.T) {
	m, err := Load(tinyGGUF(t), LoadOptions{})
	require.NoError(t, err)

	cfg := m.Config
	assert.Equal(t, "llama", cfg.Arch)
	assert.Equal(t, 1, cfg.NLayers)
	assert.Equal(t, 8, cfg.DModel)
	assert.Equal(t, 2, cfg.NHeads)
	assert.Equal(t, 1, cfg.NKVHeads, "GQA detected from head_count_kv")
	assert.Equal(t, 4, cfg.HeadDim, "derived from d_model/n_heads")
	assert.Equal(t, 16, cfg.MaxContext)
	assert.Equal(t, 2, cfg.VocabSize, "falls back to the token list length")
	assert.Equal(t, ActivationSwiGLU, cfg.Activation)
	assert.Equal(t, NormRMS, cfg.Norm)
	assert.Equal(t, int32(1), cfg.EOSID)
	assert.InDelta(t, 10000.0, cfg.RopeTheta, 1e-6)
}

func TestLoadExtractsTokenizer(t *testing.T) {
	m, err := Load(tinyGGUF(t), LoadOptions{})
	require.NoError(t, err)

	tok := m.Tokenizer
	assert.Equal(t, []string{"a", "b"}, tok.Tokens)
	assert.Equal(t, []string{"a b"}, tok.Merges)
	assert.Equal(t, int32(1), tok.EOSID)
	assert.Equal(t, int32(0), tok.BOSID)
}

func TestLoadPreservesPackedBytes(t *testing.T) {
	m, err := Load(tinyGGUF(t), LoadOptions{})
	require.NoError(t, err)

	w, ok := m.Weight("blk.0.attn_q.weight")
	require.True(t, ok)
	require.NotNil(t, w.Quant)
	assert.Equal(t, quant.Q8_0, w.Quant.Scheme)
	assert.Equal(t, 2, w.Quant.Rows)
	assert.Equal(t, 32, w.Quant.Cols)

	// The packed bytes round-trip bit-exact through the loader; decoding
	// them reproduces the quantizer's output.
	src := make([]float32, 64)
	for i := range src {
		src[i] = float32(i%5) - 2
	}
	want := make([]float32, 64)
	quant.Dequantize(quant.Quantize(src, 2, 32, quant.Q8_0), want)

	got := make([]float32, 64)
	quant.Dequantize(w.Quant, got)
	assert.Equal(t, want, got)
}

func TestLoadDenseF32(t *testing.T) {
	m, err := Load(tinyGGUF(t), LoadOptions{})
	require.NoError(t, err)

	w, ok := m.Weight("token_embd.weight")
	require.True(t, ok)
	require.NotNil(t, w.Dense)
	assert.Equal(t, []int{8, 2}, w.Dense.Shape)
	assert.InDelta(t, 0.5, w.Dense.Data[1], 1e-6)
}

func TestLoadRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.gguf")
	require.NoError(t, os.WriteFile(path, []byte("NOPE00000000"), 0o644))

	_, err := Load(path, LoadOptions{})
	var engineErr *sm.Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, sm.KindInvalidFormat, engineErr.Kind)
}

func TestLoadRejectsUnsupportedDtype(t *testing.T) {
	w := &ggufWriter{}
	w.addKVString("general.architecture", "llama")
	w.addKVUint32("llama.block_count", 1)
	w.addKVUint32("llama.embedding_length", 8)
	w.addKVUint32("llama.attention.head_count", 2)
	w.addKVStrings("tokenizer.ggml.tokens", []string{"a"})
	w.addTensor("blk.0.exotic.weight", []uint64{32, 1}, 99, make([]byte, 16))

	path := filepath.Join(t.TempDir(), "exotic.gguf")
	w.writeTo(t, path)

	_, err := Load(path, LoadOptions{})
	var engineErr *sm.Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, sm.KindUnsupportedQuantization, engineErr.Kind)
}

func TestLoadRequiresArchitecture(t *testing.T) {
	w := &ggufWriter{}
	w.addKVUint32("llama.block_count", 1)

	path := filepath.Join(t.TempDir(), "noarch.gguf")
	w.writeTo(t, path)

	_, err := Load(path, LoadOptions{})
	var engineErr *sm.Error
	require.ErrorAs(t, err, &engineErr)
	assert.Equal(t, sm.KindUnsupportedArchitecture, engineErr.Kind)
}
