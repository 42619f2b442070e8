package sample

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGreedyTakesArgmax(t *testing.T) {
	s := NewSampler(Params{Temp: 0}, 4)
	rng := rand.New(rand.NewPCG(1, 1))

	got := s.Sample([]float32{0.1, 2.5, 0.3, 1.0}, rng)
	assert.Equal(t, int32(1), got)
}

// Nucleus filter over logits [2.0, 1.0, 0.5, 0.1] at top_p=0.9: softmax
// gives ~{0.57, 0.21, 0.13, 0.09}; the smallest prefix reaching 0.9 is
// {0, 1, 2}, so index 3 must never be drawn.
func TestTopPNucleus(t *testing.T) {
	s := NewSampler(Params{Temp: 1.0, TopP: 0.9}, 4)
	rng := rand.New(rand.NewPCG(42, 0))

	logits := []float32{2.0, 1.0, 0.5, 0.1}
	seen := map[int32]int{}
	buf := make([]float32, 4)
	for i := 0; i < 2000; i++ {
		copy(buf, logits)
		seen[s.Sample(buf, rng)]++
	}

	assert.Zero(t, seen[3], "index 3 lies outside the nucleus")
	assert.Greater(t, seen[0], seen[1])
	assert.Greater(t, seen[1], seen[2])
	assert.Positive(t, seen[2])
}

func TestTopKRestrictsCandidates(t *testing.T) {
	s := NewSampler(Params{Temp: 1.0, TopK: 2}, 5)
	rng := rand.New(rand.NewPCG(7, 7))

	logits := []float32{0.0, 3.0, 1.0, 2.0, -1.0}
	buf := make([]float32, 5)
	for i := 0; i < 500; i++ {
		copy(buf, logits)
		got := s.Sample(buf, rng)
		assert.Contains(t, []int32{1, 3}, got)
	}
}

func TestMinPDropsTail(t *testing.T) {
	// probabilities are ~{0.52, 0.47, 0.004, 0.0005}; min_p=0.5 keeps only
	// tokens with at least half the top probability, so 2 and 3 drop out.
	s := NewSampler(Params{Temp: 1.0, MinP: 0.5}, 4)
	rng := rand.New(rand.NewPCG(9, 9))

	logits := []float32{5.0, 4.9, 0.0, -2.0}
	buf := make([]float32, 4)
	for i := 0; i < 500; i++ {
		copy(buf, logits)
		got := s.Sample(buf, rng)
		assert.Contains(t, []int32{0, 1}, got)
	}
}

func TestSamplingIsDeterministicPerSeed(t *testing.T) {
	logits := []float32{1.0, 1.1, 0.9, 1.05}

	run := func() []int32 {
		s := NewSampler(Params{Temp: 0.8, TopK: 3}, 4)
		rng := rand.New(rand.NewPCG(123, 456))
		var out []int32
		buf := make([]float32, 4)
		for i := 0; i < 20; i++ {
			copy(buf, logits)
			out = append(out, s.Sample(buf, rng))
		}
		return out
	}

	assert.Equal(t, run(), run())
}

func TestRepetitionPenaltyDampensRepeats(t *testing.T) {
	s := NewSampler(Params{PenaltyRepeat: 2.0}, 4)

	logits := []float32{2.0, -1.0, 0.5, 0.0}
	s.ApplyPenalties(logits, []int32{0, 1, 0})

	assert.InDelta(t, 1.0, logits[0], 1e-6)  // positive: divided
	assert.InDelta(t, -2.0, logits[1], 1e-6) // negative: multiplied
	assert.InDelta(t, 0.5, logits[2], 1e-6)  // untouched
}

func TestPresenceAndFrequencyPenalties(t *testing.T) {
	s := NewSampler(Params{PenaltyPresent: 0.5, PenaltyFreq: 0.25}, 4)

	logits := []float32{1.0, 1.0, 1.0, 1.0}
	s.ApplyPenalties(logits, []int32{2, 2, 2})

	assert.InDelta(t, 1.0-0.5-3*0.25, logits[2], 1e-6)
	assert.InDelta(t, 1.0, logits[0], 1e-6)
}

func TestRepetitionWindowLimitsHistory(t *testing.T) {
	s := NewSampler(Params{PenaltyPresent: 1.0, RepeatLastN: 2}, 4)

	logits := []float32{1.0, 1.0, 1.0, 1.0}
	s.ApplyPenalties(logits, []int32{0, 1, 2, 3})

	assert.InDelta(t, 1.0, logits[0], 1e-6, "outside the window")
	assert.InDelta(t, 1.0, logits[1], 1e-6, "outside the window")
	assert.InDelta(t, 0.0, logits[2], 1e-6)
	assert.InDelta(t, 0.0, logits[3], 1e-6)
}

func TestPenaltiesAreReusableAcrossSteps(t *testing.T) {
	s := NewSampler(Params{PenaltyPresent: 1.0}, 4)

	a := []float32{1, 1, 1, 1}
	s.ApplyPenalties(a, []int32{0})
	b := []float32{1, 1, 1, 1}
	s.ApplyPenalties(b, []int32{1})

	assert.InDelta(t, 0.0, a[0], 1e-6)
	assert.InDelta(t, 1.0, b[0], 1e-6, "counts must reset between steps")
	assert.InDelta(t, 0.0, b[1], 1e-6)
}

func TestJSONConstraintMasking(t *testing.T) {
	c := NewJSONConstraint()
	pieces := []string{"{", "}", "\"a\"", "]", "hello world"}
	logits := []float32{0, 0, 0, 0, 0}

	c.Mask(logits, pieces)

	assert.False(t, math.IsInf(float64(logits[0]), -1), "{ opens a document")
	assert.True(t, math.IsInf(float64(logits[1]), -1), "} before { is illegal")
	assert.True(t, math.IsInf(float64(logits[3]), -1), "] before [ is illegal")
	assert.True(t, math.IsInf(float64(logits[4]), -1), "bare words are not JSON")

	c.Accept("{")
	logits = []float32{0, 0, 0, 0, 0}
	c.Mask(logits, pieces)
	assert.False(t, math.IsInf(float64(logits[1]), -1), "} now closes the object")

	c.Accept("}")
	assert.True(t, c.IsComplete("{}"))
}

func TestJSONConstraintStringState(t *testing.T) {
	c := NewJSONConstraint()
	c.Accept(`{"key`)

	logits := []float32{0, 0}
	c.Mask(logits, []string{`": 1}`, "\x01"})
	assert.False(t, math.IsInf(float64(logits[0]), -1))
	assert.True(t, math.IsInf(float64(logits[1]), -1), "control bytes are illegal in strings")
}

func TestEnumConstraint(t *testing.T) {
	c := NewEnumConstraint([]string{"yes", "no"})

	logits := []float32{0, 0, 0}
	c.Mask(logits, []string{"ye", "n", "maybe"})
	assert.False(t, math.IsInf(float64(logits[0]), -1))
	assert.False(t, math.IsInf(float64(logits[1]), -1))
	assert.True(t, math.IsInf(float64(logits[2]), -1))

	c.Accept("ye")
	logits = []float32{0, 0}
	c.Mask(logits, []string{"s", "t"})
	assert.False(t, math.IsInf(float64(logits[0]), -1))
	assert.True(t, math.IsInf(float64(logits[1]), -1))

	c.Accept("s")
	assert.True(t, c.IsComplete("yes"))
}

func TestRegexConstraint(t *testing.T) {
	c, err := NewRegexConstraint(`[0-9]+`)
	require.NoError(t, err)

	logits := []float32{0, 0, 0}
	c.Mask(logits, []string{"12", "a", "3"})
	assert.False(t, math.IsInf(float64(logits[0]), -1))
	assert.True(t, math.IsInf(float64(logits[1]), -1))
	assert.False(t, math.IsInf(float64(logits[2]), -1))

	c.Accept("12")
	assert.True(t, c.IsComplete("12"))
	assert.False(t, c.IsComplete("12a"))
}

func TestXMLConstraint(t *testing.T) {
	c := NewXMLConstraint()
	c.Accept("<a>")

	logits := []float32{0, 0}
	c.Mask(logits, []string{"</a>", ">"})
	assert.False(t, math.IsInf(float64(logits[0]), -1))
	assert.True(t, math.IsInf(float64(logits[1]), -1), "> outside a tag is illegal")

	c.Accept("</a>")
	assert.True(t, c.IsComplete("<a></a>"))
}

func TestSQLConstraint(t *testing.T) {
	c := NewSQLConstraint()
	c.Accept("SELECT * FROM t WHERE a = 1")

	logits := []float32{0, 0}
	c.Mask(logits, []string{";", ")"})
	assert.False(t, math.IsInf(float64(logits[0]), -1))
	assert.True(t, math.IsInf(float64(logits[1]), -1), "unbalanced close paren")

	c.Accept(";")
	assert.True(t, c.IsComplete("SELECT * FROM t WHERE a = 1;"))
}
