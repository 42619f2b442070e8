// Package kvcache - per-session key/value cache
//
// One cache instance per session: two f32 buffers per layer shaped
// [n_kv_heads, max_context, head_dim] plus a single scalar position.
// Positions below the current one are frozen, and Reset rewinds the
// position without touching the buffers; both invariants are plain slice
// operations here.
package kvcache

import "fmt"

// LayerBuffers holds one transformer layer's key and value storage, each
// laid out as [n_kv_heads, max_context, head_dim] row-major: head is the
// slowest-varying index, so a single head's entire timeline is contiguous.
type LayerBuffers struct {
	K []float32
	V []float32
}

// KVCache owns one LayerBuffers per layer plus the single position
// counter shared by every layer. It is created once per
// Session and reused across every forward call in that session's
// lifetime; Reset restores it to empty without reallocating.
type KVCache struct {
	NKVHeads   int
	MaxContext int
	HeadDim    int

	layers []LayerBuffers
	pos    int
}

// New allocates a KVCache sized for nLayers layers of
// [nKVHeads, maxContext, headDim] each. Allocation happens once; no
// further calls on the returned cache allocate on the steady-state decode
// path.
func New(nLayers, nKVHeads, maxContext, headDim int) *KVCache {
	layers := make([]LayerBuffers, nLayers)
	size := nKVHeads * maxContext * headDim
	for i := range layers {
		layers[i] = LayerBuffers{
			K: make([]float32, size),
			V: make([]float32, size),
		}
	}
	return &KVCache{
		NKVHeads:   nKVHeads,
		MaxContext: maxContext,
		HeadDim:    headDim,
		layers:     layers,
		pos:        0,
	}
}

// Pos returns the number of filled timesteps, frozen for positions
// [0, Pos()).
func (c *KVCache) Pos() int { return c.pos }

// Reset restores pos to 0 without reallocating the underlying buffers.
// Stale
// bytes beyond the new pos are left in place; Append always writes a
// full [pos, pos+t) range before any reader can see it, so they are never
// read as live data.
func (c *KVCache) Reset() {
	c.pos = 0
}

// Layer returns the K/V buffers for layer l.
func (c *KVCache) Layer(l int) LayerBuffers {
	return c.layers[l]
}

// NumLayers returns the number of layers this cache was sized for.
func (c *KVCache) NumLayers() int {
	return len(c.layers)
}

// Reserve checks that appending t more timesteps would not overflow
// MaxContext, so a caller can surface a context-full condition before
// mutating anything.
func (c *KVCache) Reserve(t int) bool {
	return c.pos+t <= c.MaxContext
}

// Append copies t new rows of key/value data for layer l into cache
// positions [pos, pos+t), one row per (head, timestep) pair, k and v each
// laid out as [n_kv_heads, t, head_dim] — the same per-head-contiguous
// shape as the cache itself, just scoped to the new rows only.
//
// Append does not itself advance pos; call Advance once after every layer
// in a forward step has been appended, so positions [0, pos) remain
// consistent if a later layer in the same step fails.
func (c *KVCache) Append(l int, k, v []float32, t int) error {
	lb := c.layers[l]
	rowLen := c.HeadDim
	for h := 0; h < c.NKVHeads; h++ {
		dstBase := h*c.MaxContext*c.HeadDim + c.pos*c.HeadDim
		srcBase := h * t * c.HeadDim
		if dstBase+t*rowLen > len(lb.K) || srcBase+t*rowLen > len(k) {
			return fmt.Errorf("kvcache: append out of range layer=%d head=%d pos=%d t=%d", l, h, c.pos, t)
		}
		copy(lb.K[dstBase:dstBase+t*rowLen], k[srcBase:srcBase+t*rowLen])
		copy(lb.V[dstBase:dstBase+t*rowLen], v[srcBase:srcBase+t*rowLen])
	}
	return nil
}

// Advance moves pos forward by t once every layer's Append for the
// current forward step has succeeded.
func (c *KVCache) Advance(t int) {
	c.pos += t
}

// KeysUpTo returns layer l's whole key buffer, laid out as
// [n_kv_heads, max_context, head_dim]. Only timesteps [0, Pos()) of each
// head hold live data; the slice is not cut to that range.
func (c *KVCache) KeysUpTo(l int) []float32 {
	return c.layers[l].K
}

// ValuesUpTo returns layer l's whole value buffer, mirroring KeysUpTo:
// only timesteps [0, Pos()) of each head hold live data.
func (c *KVCache) ValuesUpTo(l int) []float32 {
	return c.layers[l].V
}

// AdoptPrefix copies n timesteps of shared K/V data into every layer's
// buffer and sets pos to n, the copy-on-write initialization a session
// performs when reusing a matching shared prefix. shared must have been
// built for a cache with the same
// dimensions; mismatched layer counts or buffer sizes panic rather than
// silently truncate.
func (c *KVCache) AdoptPrefix(shared []LayerBuffers, n int) {
	if len(shared) != len(c.layers) {
		panic(fmt.Sprintf("kvcache: AdoptPrefix layer count mismatch: got %d want %d", len(shared), len(c.layers)))
	}
	rowLen := n * c.HeadDim
	for l, src := range shared {
		dst := c.layers[l]
		for h := 0; h < c.NKVHeads; h++ {
			base := h * c.MaxContext * c.HeadDim
			copy(dst.K[base:base+rowLen], src.K[base:base+rowLen])
			copy(dst.V[base:base+rowLen], src.V[base:base+rowLen])
		}
	}
	c.pos = n
}

// Snapshot returns the live LayerBuffers slice, exposed so a PrefixStore
// can publish this session's filled prefix as a SharedKVSlab for reuse by
// later sessions. Callers must not mutate the returned buffers; the
// cache keeps writing into them as generation continues.
func (c *KVCache) Snapshot() []LayerBuffers {
	return c.layers
}
