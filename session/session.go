// Package session - generation engine and session lifecycle
//
// Contains:
// - Session: binds a shared *model.Model to its own KVCache, RNG,
//   token history and sampling buffers
// - GenerationOptions/Result/StreamToken: call and result shapes
// - Generate/GenerateStream: blocking and token-by-token
//
// A session is strictly single-threaded; parallel throughput comes from
// multiple sessions over the same model. An atomic in-flight flag
// rejects concurrent generate calls with SessionBusy.
package session

import (
	"context"
	"math/rand/v2"
	"sync/atomic"

	"github.com/google/uuid"

	sm "github.com/justinamiller/smallmind"
	"github.com/justinamiller/smallmind/kvcache"
	"github.com/justinamiller/smallmind/model"
	"github.com/justinamiller/smallmind/sample"
	"github.com/justinamiller/smallmind/tokenizer"
	"github.com/justinamiller/smallmind/transformer"
)

// prefillChunk bounds how many prompt tokens one forward call carries, so
// prefill workspaces stay proportional to the chunk, not the prompt.
const prefillChunk = 512

// GenerationOptions configures one Generate/GenerateStream call.
type GenerationOptions struct {
	MaxNewTokens int
	MaxTimeMS    int64

	Temperature float32
	TopK        int
	TopP        float32
	MinP        float32

	RepetitionPenalty float32
	PresencePenalty   float32
	FrequencyPenalty  float32
	RepetitionWindow  int

	StopTokenIDs       []int32
	StopSequences      []string
	RemoveStopSequence bool

	Constraint sample.Constraint

	// Seed pins the RNG for reproducible sampling; nil draws a seed from
	// the OS.
	Seed *uint64

	// ChatTemplate renders the prompt as a single user turn through the
	// named template kind ("auto" resolves via model metadata). Empty
	// means the prompt is used verbatim.
	ChatTemplate string
}

// Result is what a blocking Generate returns. Err is set when the call
// cannot start (SessionBusy, invalid options, a failed prefill), with no
// tokens, and for hard mid-generation failures, in which case the tokens
// produced before the failure are still present.
type Result struct {
	Text   string
	Tokens []int32
	Reason sm.FinishReason
	Err    error
}

// StreamToken is one element of a streaming generation.
type StreamToken struct {
	TokenID int32
	Text    string
	IsFinal bool
	Reason  sm.FinishReason
}

// Session owns the per-conversation state. Safe to move across
// goroutines, never safe to share between them.
type Session struct {
	id string

	model *model.Model
	tok   *tokenizer.Tokenizer

	cache  *kvcache.KVCache
	ws     *transformer.Workspace
	logits []float32

	history []int32

	inFlight atomic.Bool

	prefixes *PrefixStore
}

// New builds a session, including its own tokenizer instance. Use
// NewWithTokenizer to share one tokenizer across many sessions.
func New(m *model.Model) *Session {
	return NewWithTokenizer(m, tokenizer.New(m.Tokenizer, m.Config.Arch))
}

// NewWithTokenizer builds a session around a shared tokenizer.
func NewWithTokenizer(m *model.Model, tok *tokenizer.Tokenizer) *Session {
	cfg := m.Config
	return &Session{
		id:     uuid.NewString(),
		model:  m,
		tok:    tok,
		cache:  kvcache.New(cfg.NLayers, cfg.NKVHeads, cfg.MaxContext, cfg.HeadDim),
		ws:     transformer.NewWorkspace(cfg),
		logits: make([]float32, cfg.VocabSize),
	}
}

// SetPrefixStore enables KV prefix reuse for this session's prompts.
func (s *Session) SetPrefixStore(store *PrefixStore) {
	s.prefixes = store
}

// ID returns the session's unique identifier, used to correlate log
// lines and embedding servers' request bookkeeping.
func (s *Session) ID() string { return s.id }

// Tokenizer returns the session's tokenizer.
func (s *Session) Tokenizer() *tokenizer.Tokenizer { return s.tok }

// Reset clears the cache position and token history. Fails with
// SessionBusy while a generation is in flight.
func (s *Session) Reset() error {
	if !s.inFlight.CompareAndSwap(false, true) {
		return sm.NewError(sm.KindSessionBusy, "reset during generation")
	}
	defer s.inFlight.Store(false)

	s.cache.Reset()
	s.history = s.history[:0]
	return nil
}

// History returns the tokens accumulated across this session's
// generations, prompt and output alike.
func (s *Session) History() []int32 { return s.history }

// Generate runs a full blocking generation and returns the final text.
func (s *Session) Generate(ctx context.Context, prompt string, opts GenerationOptions) Result {
	g, err := s.start(ctx, prompt, opts)
	if err != nil {
		return Result{Err: err}
	}
	defer s.inFlight.Store(false)

	for {
		tok, done := g.next()
		if done {
			return Result{
				Text:   g.finalText(),
				Tokens: g.emitted,
				Reason: g.reason,
				Err:    g.err,
			}
		}
		_ = tok
	}
}

// GenerateStream starts a streaming generation. The returned Stream's
// Next yields one token per call; the in-flight flag is held until the
// final token has been delivered.
func (s *Session) GenerateStream(ctx context.Context, prompt string, opts GenerationOptions) (*Stream, error) {
	g, err := s.start(ctx, prompt, opts)
	if err != nil {
		return nil, err
	}
	return &Stream{g: g}, nil
}

// Stream adapts the generator's explicit next-token loop to a lazy
// iterator. No goroutine or channel is involved; Next runs exactly one
// decode step on the caller's thread.
type Stream struct {
	g        *generator
	finished bool
}

// Next produces the next stream element. After the element with IsFinal
// set, ok is false on every later call.
func (st *Stream) Next() (tok StreamToken, ok bool) {
	if st.finished {
		return StreamToken{}, false
	}
	t, done := st.g.next()
	if done {
		st.finished = true
		st.g.s.inFlight.Store(false)
		// Any text the holdback window released at finish time rides on
		// the final element.
		return StreamToken{Text: st.g.flushed, IsFinal: true, Reason: st.g.reason}, true
	}
	return t, true
}

// Err returns the hard error a stream ended with, if any.
func (st *Stream) Err() error { return st.g.err }

// Reason returns the finish reason once the stream has ended.
func (st *Stream) Reason() sm.FinishReason { return st.g.reason }

// Text returns the accumulated, stop-sequence-adjusted text so far.
func (st *Stream) Text() string { return st.g.finalText() }

// start acquires the session, renders and tokenizes the prompt, runs the
// prefill and hands back a ready generator.
func (s *Session) start(ctx context.Context, prompt string, opts GenerationOptions) (*generator, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return nil, sm.NewError(sm.KindSessionBusy, "generation already in flight")
	}

	ok := false
	defer func() {
		if !ok {
			s.inFlight.Store(false)
		}
	}()

	if err := validateOptions(opts); err != nil {
		return nil, err
	}

	text := prompt
	if opts.ChatTemplate != "" {
		kind := s.tok.ResolveKind(opts.ChatTemplate)
		rendered, err := tokenizer.ApplyTemplate(kind, []tokenizer.Message{{Role: "user", Content: prompt}})
		if err != nil {
			return nil, sm.WrapError(sm.KindInvalidArgument, "chat template", err)
		}
		text = rendered
	}

	promptTokens := s.tok.Encode(text, true)
	if len(promptTokens) == 0 {
		return nil, sm.NewError(sm.KindInvalidArgument, "empty prompt after tokenization")
	}

	g := newGenerator(s, ctx, opts)
	if err := g.prefill(promptTokens); err != nil {
		return nil, err
	}

	ok = true
	return g, nil
}

func validateOptions(opts GenerationOptions) error {
	switch {
	case opts.MaxNewTokens < 0:
		return sm.NewError(sm.KindInvalidArgument, "max_new_tokens must be >= 0")
	case opts.TopP < 0 || opts.TopP > 1:
		return sm.NewError(sm.KindInvalidArgument, "top_p must be in [0,1]")
	case opts.MinP < 0 || opts.MinP > 1:
		return sm.NewError(sm.KindInvalidArgument, "min_p must be in [0,1]")
	case opts.RepetitionPenalty < 0:
		return sm.NewError(sm.KindInvalidArgument, "repetition_penalty must be >= 0")
	case opts.TopK < 0:
		return sm.NewError(sm.KindInvalidArgument, "top_k must be >= 0")
	}
	return nil
}

// newRNG seeds from the options or from the OS.
func newRNG(seed *uint64) *rand.Rand {
	if seed != nil {
		return rand.New(rand.NewPCG(*seed, *seed^0x9e3779b97f4a7c15))
	}
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}
