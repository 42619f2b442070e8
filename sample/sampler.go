// sampler.go - next-token selection
//
// Contains:
// - Sampler: top-k heap, candidate and probability buffers
// - ApplyPenalties: repeat/presence/frequency penalties in place
// - Sample: temperature -> top-k -> softmax -> top-p -> min-p -> CDF draw
package sample

import (
	"math"
	"math/rand/v2"
	"sort"

	"github.com/emirpasic/gods/v2/trees/binaryheap"
)

// Sampler owns the reusable buffers one session's decode loop needs. It
// is not safe for concurrent use; sessions each own one.
type Sampler struct {
	params Params

	cands []int32
	probs []float32

	counts []int32
	seen   []int32

	// logits is the slice the heap comparator reads during a Sample call;
	// it is rebound on entry and never retained past it.
	logits []float32

	heap *binaryheap.Heap[int32]
}

// NewSampler builds a sampler for the given vocabulary size. All buffers
// are allocated here so the decode loop itself never allocates.
func NewSampler(params Params, vocabSize int) *Sampler {
	s := &Sampler{
		params: params,
		cands:  make([]int32, 0, vocabSize),
		probs:  make([]float32, 0, vocabSize),
		counts: make([]int32, vocabSize),
		seen:   make([]int32, 0, vocabSize),
	}
	// Min-heap on logits: the root is the weakest of the current top-k and
	// is evicted when a stronger candidate arrives.
	s.heap = binaryheap.NewWith[int32](func(a, b int32) int {
		la, lb := s.logits[a], s.logits[b]
		switch {
		case la < lb:
			return -1
		case la > lb:
			return 1
		default:
			return int(b - a)
		}
	})
	return s
}

// Params returns the sampler's configuration.
func (s *Sampler) Params() Params { return s.params }

// ApplyPenalties adjusts logits in place for every token inside the
// repetition window (the last RepeatLastN history entries; 0 means all):
// repeat penalty divides positive logits and multiplies negative ones,
// presence subtracts once per distinct token, frequency subtracts
// per-occurrence.
func (s *Sampler) ApplyPenalties(logits []float32, history []int32) {
	p := s.params
	if p.PenaltyRepeat <= 1 && p.PenaltyPresent == 0 && p.PenaltyFreq == 0 {
		return
	}

	window := history
	if p.RepeatLastN > 0 && len(history) > p.RepeatLastN {
		window = history[len(history)-p.RepeatLastN:]
	}

	for _, tok := range window {
		if int(tok) >= len(s.counts) || tok < 0 {
			continue
		}
		if s.counts[tok] == 0 {
			s.seen = append(s.seen, tok)
		}
		s.counts[tok]++
	}

	for _, tok := range s.seen {
		count := s.counts[tok]
		if p.PenaltyRepeat > 1 {
			if logits[tok] > 0 {
				logits[tok] /= p.PenaltyRepeat
			} else {
				logits[tok] *= p.PenaltyRepeat
			}
		}
		logits[tok] -= p.PenaltyPresent
		logits[tok] -= p.PenaltyFreq * float32(count)
		s.counts[tok] = 0
	}
	s.seen = s.seen[:0]
}

// Argmax returns the index of the largest logit.
func Argmax(logits []float32) int32 {
	best := 0
	for i := 1; i < len(logits); i++ {
		if logits[i] > logits[best] {
			best = i
		}
	}
	return int32(best)
}

// Sample draws the next token. Temperature <= 0 short-circuits every
// filter and takes the argmax directly.
func (s *Sampler) Sample(logits []float32, rng *rand.Rand) int32 {
	p := s.params
	if p.Greedy() {
		return Argmax(logits)
	}

	s.selectCandidates(logits)

	// Softmax over the candidate set at the configured temperature.
	invTemp := 1 / p.Temp
	maxLogit := float32(math.Inf(-1))
	for _, c := range s.cands {
		if v := logits[c] * invTemp; v > maxLogit {
			maxLogit = v
		}
	}
	s.probs = s.probs[:0]
	var sum float32
	for _, c := range s.cands {
		e := float32(math.Exp(float64(logits[c]*invTemp - maxLogit)))
		s.probs = append(s.probs, e)
		sum += e
	}
	inv := 1 / sum
	for i := range s.probs {
		s.probs[i] *= inv
	}

	// Descending probability order for the nucleus and min-p filters.
	sort.Sort(byProbDesc{s})

	n := len(s.cands)
	if p.TopP > 0 && p.TopP < 1 {
		var cum float32
		for i := 0; i < n; i++ {
			cum += s.probs[i]
			if cum >= p.TopP {
				n = i + 1
				break
			}
		}
	}
	if p.MinP > 0 && n > 0 {
		floor := p.MinP * s.probs[0]
		kept := n
		for i := 0; i < n; i++ {
			if s.probs[i] < floor {
				kept = i
				break
			}
		}
		n = kept
	}
	if n < 1 {
		n = 1
	}

	var total float32
	for i := 0; i < n; i++ {
		total += s.probs[i]
	}

	r := rng.Float32() * total
	var cum float32
	for i := 0; i < n; i++ {
		cum += s.probs[i]
		if r < cum {
			return s.cands[i]
		}
	}
	return s.cands[n-1]
}

// selectCandidates fills s.cands with the top-k logit indices (all of
// them when TopK is 0 or covers the vocabulary), using the bounded
// min-heap so the common small-k case never sorts the full vocabulary.
func (s *Sampler) selectCandidates(logits []float32) {
	s.logits = logits
	k := s.params.TopK
	s.cands = s.cands[:0]

	if k <= 0 || k >= len(logits) {
		for i := range logits {
			s.cands = append(s.cands, int32(i))
		}
		return
	}

	s.heap.Clear()
	for i := range logits {
		s.heap.Push(int32(i))
		if s.heap.Size() > k {
			s.heap.Pop()
		}
	}
	for !s.heap.Empty() {
		c, _ := s.heap.Pop()
		s.cands = append(s.cands, c)
	}
}

// byProbDesc sorts cands and probs together by descending probability.
type byProbDesc struct{ s *Sampler }

func (b byProbDesc) Len() int { return len(b.s.cands) }
func (b byProbDesc) Less(i, j int) bool {
	return b.s.probs[i] > b.s.probs[j]
}
func (b byProbDesc) Swap(i, j int) {
	b.s.cands[i], b.s.cands[j] = b.s.cands[j], b.s.cands[i]
	b.s.probs[i], b.s.probs[j] = b.s.probs[j], b.s.probs[i]
}
