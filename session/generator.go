// generator.go - the decode loop
//
// Contains:
// - generator: the state of one running generation
// - prefill: the prompt pass in chunks (with prefix reuse)
// - next: one decode step (penalties -> constraint -> sampling ->
//   stop checks -> forward)
// - stop-sequence matching over a bounded text tail window with
//   holdback for streaming
package session

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	sm "github.com/justinamiller/smallmind"
	"github.com/justinamiller/smallmind/sample"
	"github.com/justinamiller/smallmind/transformer"
)

type generator struct {
	s    *Session
	ctx  context.Context
	opts GenerationOptions

	sampler *sample.Sampler
	rng     *rand.Rand

	started  time.Time
	deadline time.Time

	emitted []int32

	// text accumulates the decoded output; holdback marks the suffix that
	// may still turn into a stop sequence and must not be streamed yet.
	text        strings.Builder
	holdback    string
	flushed     string
	maxStopLen  int
	stopMatched string

	produced int
	reason   sm.FinishReason
	err      error
	done     bool
}

func newGenerator(s *Session, ctx context.Context, opts GenerationOptions) *generator {
	if ctx == nil {
		ctx = context.Background()
	}

	params := sample.Params{
		TopK:           opts.TopK,
		TopP:           opts.TopP,
		MinP:           opts.MinP,
		Temp:           opts.Temperature,
		RepeatLastN:    opts.RepetitionWindow,
		PenaltyRepeat:  opts.RepetitionPenalty,
		PenaltyFreq:    opts.FrequencyPenalty,
		PenaltyPresent: opts.PresencePenalty,
	}

	maxStop := 0
	for _, seq := range opts.StopSequences {
		if len(seq) > maxStop {
			maxStop = len(seq)
		}
	}

	now := time.Now()
	g := &generator{
		s:          s,
		ctx:        ctx,
		opts:       opts,
		sampler:    sample.NewSampler(params, s.model.Config.VocabSize),
		rng:        newRNG(opts.Seed),
		started:    now,
		maxStopLen: maxStop,
	}
	if opts.MaxTimeMS > 0 {
		g.deadline = now.Add(time.Duration(opts.MaxTimeMS) * time.Millisecond)
	}
	return g
}

// prefill pushes the prompt through the model in bounded chunks, reusing
// a shared KV prefix when the session has a store. The final chunk's
// logits seed the decode loop.
func (g *generator) prefill(promptTokens []int32) error {
	s := g.s

	remaining := promptTokens
	if s.prefixes != nil && s.cache.Pos() == 0 {
		if n := s.prefixes.Adopt(s.cache, promptTokens); n > 0 {
			s.history = append(s.history, promptTokens[:n]...)
			remaining = promptTokens[n:]
		}
	}

	for len(remaining) > 0 {
		chunk := remaining
		if len(chunk) > prefillChunk {
			chunk = chunk[:prefillChunk]
		}
		if err := transformer.Forward(s.model, chunk, s.cache, s.ws, s.logits); err != nil {
			if err == transformer.ErrContextFull {
				g.finish(sm.FinishMaxContext)
				return nil
			}
			return sm.WrapError(sm.KindInvalidArgument, "prefill", err)
		}
		s.history = append(s.history, chunk...)
		remaining = remaining[len(chunk):]
	}

	if s.prefixes != nil {
		s.prefixes.Publish(s.cache, s.history)
	}

	return nil
}

// next runs one decode step. It returns the emitted token and done=false,
// or done=true once the generation has finished; reason/err are then set.
func (g *generator) next() (StreamToken, bool) {
	if g.done {
		return StreamToken{}, true
	}
	s := g.s
	opts := g.opts

	if opts.MaxNewTokens > 0 && g.produced >= opts.MaxNewTokens {
		g.finish(sm.FinishMaxTokens)
		return StreamToken{}, true
	}
	if g.ctx.Err() != nil {
		g.finish(sm.FinishCancelled)
		return StreamToken{}, true
	}
	if !g.deadline.IsZero() && time.Now().After(g.deadline) {
		g.finish(sm.FinishTimeout)
		return StreamToken{}, true
	}

	g.sampler.ApplyPenalties(s.logits, s.history)
	if opts.Constraint != nil {
		opts.Constraint.Mask(s.logits, s.tok.Pieces())
	}

	tok := g.sampler.Sample(s.logits, g.rng)

	for _, stop := range opts.StopTokenIDs {
		if tok == stop {
			g.finish(sm.FinishStopToken)
			return StreamToken{}, true
		}
	}
	if tok == s.model.Config.EOSID || tok == s.tok.EOS() {
		g.finish(sm.FinishEndOfSequence)
		return StreamToken{}, true
	}

	piece := s.tok.Piece(tok)
	if opts.Constraint != nil {
		opts.Constraint.Accept(piece)
	}

	emitText, stopped := g.pushText(piece)

	g.emitted = append(g.emitted, tok)
	s.history = append(s.history, tok)
	g.produced++

	if stopped {
		g.finish(sm.FinishStopSequence)
		return StreamToken{}, true
	}

	if opts.Constraint != nil && opts.Constraint.IsComplete(g.text.String()+g.holdback) {
		g.flushHoldback()
		g.finish(sm.FinishEndOfSequence)
		return StreamToken{}, true
	}

	if err := transformer.Forward(s.model, []int32{tok}, s.cache, s.ws, s.logits); err != nil {
		if err == transformer.ErrContextFull {
			g.finish(sm.FinishMaxContext)
		} else {
			g.err = sm.WrapError(sm.KindInvalidArgument, "decode forward", err)
			g.finish(sm.FinishCancelled)
		}
		return StreamToken{TokenID: tok, Text: emitText}, false
	}

	return StreamToken{TokenID: tok, Text: emitText}, false
}

// pushText appends piece to the output, matching stop sequences against
// the bounded tail. It returns the text that is now safe to stream and
// whether a stop sequence completed.
func (g *generator) pushText(piece string) (emit string, stopped bool) {
	if g.maxStopLen == 0 {
		g.text.WriteString(piece)
		return piece, false
	}

	tail := g.holdback + piece

	for _, seq := range g.opts.StopSequences {
		if idx := strings.Index(tail, seq); idx >= 0 {
			// Everything before the match is real output; the match itself
			// is kept or dropped per RemoveStopSequence.
			g.text.WriteString(tail[:idx])
			g.stopMatched = seq
			g.holdback = ""
			return "", true
		}
	}

	// Hold back the longest suffix that is still a prefix of some stop
	// sequence; everything before it can be streamed.
	hold := 0
	for l := min(len(tail), g.maxStopLen-1); l > 0; l-- {
		suffix := tail[len(tail)-l:]
		for _, seq := range g.opts.StopSequences {
			if strings.HasPrefix(seq, suffix) {
				hold = l
				break
			}
		}
		if hold > 0 {
			break
		}
	}

	emit = tail[:len(tail)-hold]
	g.holdback = tail[len(tail)-hold:]
	g.text.WriteString(emit)
	return emit, false
}

func (g *generator) flushHoldback() {
	if g.holdback != "" {
		g.text.WriteString(g.holdback)
		g.flushed += g.holdback
		g.holdback = ""
	}
}

func (g *generator) finish(reason sm.FinishReason) {
	if g.done {
		return
	}
	if reason != sm.FinishStopSequence {
		g.flushHoldback()
	}
	g.reason = reason
	g.done = true
}

// finalText is the stop-sequence-adjusted output text.
func (g *generator) finalText() string {
	out := g.text.String()
	if g.reason == sm.FinishStopSequence && !g.opts.RemoveStopSequence {
		out += g.stopMatched
	}
	return out
}
