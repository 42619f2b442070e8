package session

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sm "github.com/justinamiller/smallmind"
	"github.com/justinamiller/smallmind/model"
)

// permutationModel builds a 1-layer model over vocab {"a","b","c","\n"}
// whose greedy next token is a fixed function of the current token:
// attention and MLP weights are zero, so the residual stream stays the
// token's embedding, and the embedding of token t is the unit vector of
// next[t]. The output head is the identity, so argmax(logits) == next[t].
func permutationModel(next [4]int32, eosID int32) *model.Model {
	cfg := model.ModelConfig{
		Arch:       "llama",
		NLayers:    1,
		DModel:     4,
		NHeads:     1,
		NKVHeads:   1,
		HeadDim:    4,
		FFNHidden:  8,
		Activation: model.ActivationSwiGLU,
		Norm:       model.NormRMS,
		RopeTheta:  10000,
		MaxContext: 32,
		VocabSize:  4,
		EOSID:      eosID,
		BOSID:      -1,
		NormEps:    1e-5,
	}

	weights := orderedmap.New[string, model.Weight]()
	zeros := func(name string, rows, cols int) {
		weights.Set(name, model.Weight{Dense: &model.Tensor{
			Shape: []int{cols, rows}, Data: make([]float32, rows*cols),
		}})
	}
	ones := func(name string, n int) {
		data := make([]float32, n)
		for i := range data {
			data[i] = 1
		}
		weights.Set(name, model.Weight{Dense: &model.Tensor{Shape: []int{n}, Data: data}})
	}

	embed := make([]float32, cfg.VocabSize*cfg.DModel)
	for t := 0; t < cfg.VocabSize; t++ {
		embed[t*cfg.DModel+int(next[t])] = 1
	}
	weights.Set("token_embd.weight", model.Weight{Dense: &model.Tensor{
		Shape: []int{cfg.DModel, cfg.VocabSize}, Data: embed,
	}})

	p := "blk.0."
	ones(p+"attn_norm.weight", cfg.DModel)
	zeros(p+"attn_q.weight", cfg.DModel, cfg.DModel)
	zeros(p+"attn_k.weight", cfg.DModel, cfg.DModel)
	zeros(p+"attn_v.weight", cfg.DModel, cfg.DModel)
	zeros(p+"attn_output.weight", cfg.DModel, cfg.DModel)
	ones(p+"ffn_norm.weight", cfg.DModel)
	zeros(p+"ffn_gate.weight", cfg.FFNHidden, cfg.DModel)
	zeros(p+"ffn_up.weight", cfg.FFNHidden, cfg.DModel)
	zeros(p+"ffn_down.weight", cfg.DModel, cfg.FFNHidden)
	ones("output_norm.weight", cfg.DModel)

	identity := make([]float32, cfg.VocabSize*cfg.DModel)
	for i := 0; i < cfg.VocabSize; i++ {
		identity[i*cfg.DModel+i] = 1
	}
	weights.Set("output.weight", model.Weight{Dense: &model.Tensor{
		Shape: []int{cfg.DModel, cfg.VocabSize}, Data: identity,
	}})

	m := &model.Model{Config: cfg, Weights: weights}
	m.Tokenizer = model.TokenizerData{
		Tokens: []string{"a", "b", "c", "\n"},
		TokenTypes: []int32{
			1, 1, 1, 1,
		},
		BOSID: -1,
		EOSID: eosID,
	}
	return m
}

func TestGreedyRepeatsDeterministically(t *testing.T) {
	// Every token predicts "a": prompt "a" yields "aaa".
	m := permutationModel([4]int32{0, 0, 0, 0}, -1)

	run := func() Result {
		s := New(m)
		return s.Generate(context.Background(), "a", GenerationOptions{
			MaxNewTokens: 3,
			Temperature:  0,
		})
	}

	r1, r2 := run(), run()
	require.NoError(t, r1.Err)
	assert.Equal(t, "aaa", r1.Text)
	assert.Equal(t, sm.FinishMaxTokens, r1.Reason)
	assert.Equal(t, r1.Tokens, r2.Tokens)
	assert.Equal(t, r1.Reason, r2.Reason)
}

func TestEOSStopsGeneration(t *testing.T) {
	// a -> b, b -> eos("\n", id 3): exactly one token comes out.
	m := permutationModel([4]int32{1, 3, 3, 3}, 3)

	s := New(m)
	r := s.Generate(context.Background(), "a", GenerationOptions{
		MaxNewTokens: 10,
		Temperature:  0,
	})

	require.NoError(t, r.Err)
	assert.Equal(t, "b", r.Text)
	assert.Len(t, r.Tokens, 1)
	assert.Equal(t, sm.FinishEndOfSequence, r.Reason)
}

func TestStopTokenIDs(t *testing.T) {
	// a -> b -> c -> ...; stop on c (id 2) before it is emitted.
	m := permutationModel([4]int32{1, 2, 2, 2}, -1)

	s := New(m)
	r := s.Generate(context.Background(), "a", GenerationOptions{
		MaxNewTokens: 10,
		Temperature:  0,
		StopTokenIDs: []int32{2},
	})

	require.NoError(t, r.Err)
	assert.Equal(t, "b", r.Text)
	assert.Equal(t, sm.FinishStopToken, r.Reason)
}

func TestStopSequenceRemoved(t *testing.T) {
	// a -> b -> "\n" -> "\n" -> ...: text "b\n\n..." stops at "\n\n".
	m := permutationModel([4]int32{1, 3, 3, 3}, -1)

	s := New(m)
	r := s.Generate(context.Background(), "a", GenerationOptions{
		MaxNewTokens:       10,
		Temperature:        0,
		StopSequences:      []string{"\n\n"},
		RemoveStopSequence: true,
	})

	require.NoError(t, r.Err)
	assert.Equal(t, "b", r.Text)
	assert.Equal(t, sm.FinishStopSequence, r.Reason)
}

func TestStopSequenceKept(t *testing.T) {
	m := permutationModel([4]int32{1, 3, 3, 3}, -1)

	s := New(m)
	r := s.Generate(context.Background(), "a", GenerationOptions{
		MaxNewTokens:       10,
		Temperature:        0,
		StopSequences:      []string{"\n\n"},
		RemoveStopSequence: false,
	})

	require.NoError(t, r.Err)
	assert.Equal(t, "b\n\n", r.Text)
	assert.Equal(t, sm.FinishStopSequence, r.Reason)
}

func TestSessionBusy(t *testing.T) {
	m := permutationModel([4]int32{0, 0, 0, 0}, -1)
	s := New(m)

	// A stream holds the in-flight flag until its final element.
	stream, err := s.GenerateStream(context.Background(), "a", GenerationOptions{
		MaxNewTokens: 5,
		Temperature:  0,
	})
	require.NoError(t, err)

	r := s.Generate(context.Background(), "a", GenerationOptions{MaxNewTokens: 1})
	var engineErr *sm.Error
	require.ErrorAs(t, r.Err, &engineErr)
	assert.Equal(t, sm.KindSessionBusy, engineErr.Kind)

	// Drain; afterwards the session is reusable.
	for {
		tok, ok := stream.Next()
		if !ok || tok.IsFinal {
			break
		}
	}
	r = s.Generate(context.Background(), "a", GenerationOptions{MaxNewTokens: 1, Temperature: 0})
	require.NoError(t, r.Err)
}

func TestConcurrentGenerateOnOneSession(t *testing.T) {
	m := permutationModel([4]int32{0, 0, 0, 0}, -1)
	s := New(m)

	const n = 8
	results := make([]Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.Generate(context.Background(), "a", GenerationOptions{
				MaxNewTokens: 20,
				Temperature:  0,
			})
		}(i)
	}
	wg.Wait()

	busy := 0
	for _, r := range results {
		if r.Err != nil {
			var engineErr *sm.Error
			require.ErrorAs(t, r.Err, &engineErr)
			assert.Equal(t, sm.KindSessionBusy, engineErr.Kind)
			busy++
		}
	}
	assert.Less(t, busy, n, "at least one call must win the flag")
}

func TestStreamYieldsTokensThenFinal(t *testing.T) {
	m := permutationModel([4]int32{1, 2, 0, 0}, -1)
	s := New(m)

	stream, err := s.GenerateStream(context.Background(), "a", GenerationOptions{
		MaxNewTokens: 3,
		Temperature:  0,
	})
	require.NoError(t, err)

	var text string
	var final StreamToken
	for {
		tok, ok := stream.Next()
		require.True(t, ok)
		if tok.IsFinal {
			final = tok
			break
		}
		text += tok.Text
	}
	text += final.Text

	assert.Equal(t, "bca", text)
	assert.Equal(t, sm.FinishMaxTokens, final.Reason)

	_, ok := stream.Next()
	assert.False(t, ok, "stream is exhausted after the final element")
}

func TestCancellation(t *testing.T) {
	m := permutationModel([4]int32{0, 0, 0, 0}, -1)
	s := New(m)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := s.GenerateStream(ctx, "a", GenerationOptions{Temperature: 0, MaxNewTokens: 1000})
	require.NoError(t, err)

	tok, ok := stream.Next()
	require.True(t, ok)
	require.False(t, tok.IsFinal)

	cancel()
	for {
		tok, ok = stream.Next()
		require.True(t, ok)
		if tok.IsFinal {
			break
		}
	}
	assert.Equal(t, sm.FinishCancelled, tok.Reason)
}

func TestTimeout(t *testing.T) {
	m := permutationModel([4]int32{0, 0, 0, 0}, -1)
	s := New(m)

	stream, err := s.GenerateStream(context.Background(), "a", GenerationOptions{
		Temperature:  0,
		MaxNewTokens: 1 << 30,
		MaxTimeMS:    1,
	})
	require.NoError(t, err)

	// Let the deadline lapse between steps; the next step must observe it.
	time.Sleep(5 * time.Millisecond)
	var final StreamToken
	for {
		tok, ok := stream.Next()
		require.True(t, ok)
		if tok.IsFinal {
			final = tok
			break
		}
	}
	assert.Equal(t, sm.FinishTimeout, final.Reason)
}

func TestMaxContextFinish(t *testing.T) {
	m := permutationModel([4]int32{0, 0, 0, 0}, -1)
	s := New(m)

	r := s.Generate(context.Background(), "a", GenerationOptions{
		Temperature:  0,
		MaxNewTokens: 1 << 30,
	})

	require.NoError(t, r.Err)
	assert.Equal(t, sm.FinishMaxContext, r.Reason)
	// One prompt token fills position 0; the token whose forward hits the
	// window edge is still emitted.
	assert.Len(t, r.Tokens, m.Config.MaxContext)
}

func TestResetAllowsReuse(t *testing.T) {
	m := permutationModel([4]int32{1, 0, 0, 0}, -1)
	s := New(m)

	r1 := s.Generate(context.Background(), "a", GenerationOptions{MaxNewTokens: 2, Temperature: 0})
	require.NoError(t, r1.Err)
	require.NoError(t, s.Reset())
	assert.Empty(t, s.History())

	r2 := s.Generate(context.Background(), "a", GenerationOptions{MaxNewTokens: 2, Temperature: 0})
	require.NoError(t, r2.Err)
	assert.Equal(t, r1.Text, r2.Text)
}

func TestInvalidOptions(t *testing.T) {
	m := permutationModel([4]int32{0, 0, 0, 0}, -1)
	s := New(m)

	for i, opts := range []GenerationOptions{
		{TopP: 1.5},
		{MinP: -0.1},
		{TopK: -1},
		{MaxNewTokens: -1},
	} {
		r := s.Generate(context.Background(), "a", opts)
		var engineErr *sm.Error
		require.ErrorAs(t, r.Err, &engineErr, strconv.Itoa(i))
		assert.Equal(t, sm.KindInvalidArgument, engineErr.Kind)
	}
}

func TestPrefixStoreAdoption(t *testing.T) {
	m := permutationModel([4]int32{1, 2, 0, 0}, -1)
	store := NewPrefixStore(4)

	s1 := New(m)
	s1.SetPrefixStore(store)
	r1 := s1.Generate(context.Background(), "abc", GenerationOptions{MaxNewTokens: 2, Temperature: 0})
	require.NoError(t, r1.Err)

	// A session whose prompt extends the published prefix adopts it and
	// must match a store-less session token for token.
	s2 := New(m)
	s2.SetPrefixStore(store)
	r2 := s2.Generate(context.Background(), "abca", GenerationOptions{MaxNewTokens: 2, Temperature: 0})
	require.NoError(t, r2.Err)

	s3 := New(m)
	r3 := s3.Generate(context.Background(), "abca", GenerationOptions{MaxNewTokens: 2, Temperature: 0})
	require.NoError(t, r3.Err)

	assert.Equal(t, r3.Text, r2.Text)
	assert.Equal(t, r3.Tokens, r2.Tokens)
}

func TestSeededSamplingIsDeterministic(t *testing.T) {
	m := permutationModel([4]int32{1, 2, 0, 3}, -1)
	seed := uint64(42)

	run := func() []int32 {
		s := New(m)
		r := s.Generate(context.Background(), "a", GenerationOptions{
			MaxNewTokens: 8,
			Temperature:  0.9,
			Seed:         &seed,
		})
		require.NoError(t, r.Err)
		return r.Tokens
	}

	assert.Equal(t, run(), run())
}
