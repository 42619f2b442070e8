// prefix.go - KV prefixes shared between sessions
//
// Contains:
// - PrefixStore: sharded map hash(prefix_tokens) -> SharedKVSlab
// - Adopt: copies the longest matching prefix into a session's cache
// - Publish: publishes a session's prompt prefix
// - LRU eviction once the slot limit is reached
//
// Slabs are copies (copy-on-write on adoption); the store never holds
// pointers into a live session cache.
package session

import (
	"hash/maphash"
	"sync"
	"sync/atomic"

	"github.com/justinamiller/smallmind/kvcache"
)

const prefixShards = 64

// SharedKVSlab is one published prefix: the token sequence it covers and
// a frozen copy of the per-layer K/V rows.
type SharedKVSlab struct {
	tokens []int32
	layers []kvcache.LayerBuffers
	n      int

	refs    atomic.Int32
	lastUse atomic.Int64
}

type prefixShard struct {
	mu      sync.Mutex
	entries map[uint64]*SharedKVSlab
}

// PrefixStore maps prompt-prefix hashes to shared KV slabs. All methods
// are safe for concurrent use from many sessions.
type PrefixStore struct {
	seed  maphash.Seed
	slots int
	clock atomic.Int64
	count atomic.Int32

	shards [prefixShards]prefixShard
}

// NewPrefixStore builds a store bounded to the given slab count.
func NewPrefixStore(slots int) *PrefixStore {
	if slots <= 0 {
		slots = 16
	}
	ps := &PrefixStore{seed: maphash.MakeSeed(), slots: slots}
	for i := range ps.shards {
		ps.shards[i].entries = make(map[uint64]*SharedKVSlab)
	}
	return ps
}

// hashPrefixes returns the running hash of tokens[:1], tokens[:2], ...
// so a lookup can probe every prefix length with one pass.
func (ps *PrefixStore) hashPrefixes(tokens []int32, out []uint64) []uint64 {
	var h maphash.Hash
	h.SetSeed(ps.seed)
	for _, tok := range tokens {
		h.WriteByte(byte(tok))
		h.WriteByte(byte(tok >> 8))
		h.WriteByte(byte(tok >> 16))
		h.WriteByte(byte(tok >> 24))
		out = append(out, h.Sum64())
	}
	return out
}

func (ps *PrefixStore) shard(hash uint64) *prefixShard {
	return &ps.shards[hash%prefixShards]
}

// Adopt finds the longest published prefix of promptTokens and copies it
// into cache, returning how many positions were adopted. At least one
// prompt token is always left for the caller to forward, so the adopting
// session still produces last-row logits.
func (ps *PrefixStore) Adopt(cache *kvcache.KVCache, promptTokens []int32) int {
	if len(promptTokens) < 2 {
		return 0
	}

	usable := promptTokens[:len(promptTokens)-1]
	hashes := ps.hashPrefixes(usable, make([]uint64, 0, len(usable)))

	for n := len(usable); n > 0; n-- {
		hash := hashes[n-1]
		sh := ps.shard(hash)
		sh.mu.Lock()
		slab := sh.entries[hash]
		if slab != nil && slab.n == n && tokensEqual(slab.tokens, promptTokens[:n]) {
			slab.refs.Add(1)
			sh.mu.Unlock()

			cache.AdoptPrefix(slab.layers, n)
			slab.lastUse.Store(ps.clock.Add(1))
			slab.refs.Add(-1)
			return n
		}
		sh.mu.Unlock()
	}
	return 0
}

// Publish snapshots cache's filled positions for the given token prefix.
// Re-publishing an already-present prefix only refreshes its LRU stamp.
func (ps *PrefixStore) Publish(cache *kvcache.KVCache, tokens []int32) {
	n := cache.Pos()
	if n == 0 || n > len(tokens) {
		return
	}
	tokens = tokens[:n]

	hashes := ps.hashPrefixes(tokens, make([]uint64, 0, n))
	hash := hashes[n-1]

	sh := ps.shard(hash)
	sh.mu.Lock()
	if existing := sh.entries[hash]; existing != nil {
		existing.lastUse.Store(ps.clock.Add(1))
		sh.mu.Unlock()
		return
	}

	slab := &SharedKVSlab{
		tokens: append([]int32(nil), tokens...),
		layers: snapshotLayers(cache, n),
		n:      n,
	}
	slab.lastUse.Store(ps.clock.Add(1))
	sh.entries[hash] = slab
	total := ps.count.Add(1)
	sh.mu.Unlock()

	if int(total) > ps.slots {
		ps.evictOne()
	}
}

// snapshotLayers copies the filled [0,n) rows of every layer into fresh
// buffers with the cache's own geometry, so AdoptPrefix can copy them
// back verbatim.
func snapshotLayers(cache *kvcache.KVCache, n int) []kvcache.LayerBuffers {
	live := cache.Snapshot()
	out := make([]kvcache.LayerBuffers, len(live))
	rowLen := n * cache.HeadDim
	for l, src := range live {
		dst := kvcache.LayerBuffers{
			K: make([]float32, len(src.K)),
			V: make([]float32, len(src.V)),
		}
		for h := 0; h < cache.NKVHeads; h++ {
			base := h * cache.MaxContext * cache.HeadDim
			copy(dst.K[base:base+rowLen], src.K[base:base+rowLen])
			copy(dst.V[base:base+rowLen], src.V[base:base+rowLen])
		}
		out[l] = dst
	}
	return out
}

// evictOne removes the least-recently-used unreferenced slab.
func (ps *PrefixStore) evictOne() {
	var victimShard *prefixShard
	var victimHash uint64
	victimUse := int64(1<<63 - 1)

	for i := range ps.shards {
		sh := &ps.shards[i]
		sh.mu.Lock()
		for hash, slab := range sh.entries {
			if slab.refs.Load() > 0 {
				continue
			}
			if use := slab.lastUse.Load(); use < victimUse {
				victimUse = use
				victimShard = sh
				victimHash = hash
			}
		}
		sh.mu.Unlock()
	}

	if victimShard == nil {
		return
	}
	victimShard.mu.Lock()
	if slab, ok := victimShard.entries[victimHash]; ok && slab.refs.Load() == 0 {
		delete(victimShard.entries, victimHash)
		ps.count.Add(-1)
	}
	victimShard.mu.Unlock()
}

func tokensEqual(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
