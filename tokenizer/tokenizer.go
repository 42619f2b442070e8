// Package tokenizer - byte-pair tokenizer with chat template rendering
//
// Contains:
// - Tokenizer: a model's vocabulary, merge ranks and special tokens
// - New: construction from the GGUF tokenizer metadata (model.TokenizerData)
// - Encode/Decode: text <-> token ids (encode.go, bpe.go, decode.go)
// - ApplyTemplate: chat template rendering (template.go)
package tokenizer

import (
	"sort"
	"strconv"
	"strings"

	"github.com/dlclark/regexp2"

	"github.com/justinamiller/smallmind/model"
)

// llama.cpp token type codes carried in tokenizer.ggml.token_type.
const (
	tokenTypeNormal      = 1
	tokenTypeUnknown     = 2
	tokenTypeControl     = 3
	tokenTypeUserDefined = 4
	tokenTypeUnused      = 5
	tokenTypeByte        = 6
)

// Tokenizer is the immutable, per-model byte-pair tokenizer. It is built
// once from the loaded model's metadata and shared read-only by every
// session, like the model weights themselves.
type Tokenizer struct {
	values  []string
	reverse map[string]int32
	merges  map[string]int

	// byteTokens maps a raw byte to its <0xXX> fallback token id, or -1
	// when the vocabulary has no byte fallback for it.
	byteTokens [256]int32

	special        map[string]int32
	specialOrdered []string
	controlTokens  map[int32]bool

	// pieces holds the decoded text of each single token, precomputed so
	// stop-sequence matching and constraint masking never decode in the
	// decode loop.
	pieces []string

	bos    int32
	eos    int32
	addBOS bool

	pre *regexp2.Regexp

	chatTemplate string
	arch         string
}

// gpt2Pattern is the canonical GPT-2 pre-tokenization split. The negative
// lookahead in `\s+(?!\S)` is why this is a regexp2 pattern and not a
// stdlib regexp.
const gpt2Pattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

// New builds a Tokenizer from the tokenizer metadata the loader extracted
// from a GGUF file.
func New(data model.TokenizerData, arch string) *Tokenizer {
	t := &Tokenizer{
		values:        data.Tokens,
		reverse:       make(map[string]int32, len(data.Tokens)),
		merges:        make(map[string]int, len(data.Merges)),
		special:       make(map[string]int32),
		controlTokens: make(map[int32]bool),
		bos:           data.BOSID,
		eos:           data.EOSID,
		addBOS:        data.AddBOS,
		chatTemplate:  data.ChatTemplate,
		arch:          arch,
	}

	for i := range t.byteTokens {
		t.byteTokens[i] = -1
	}

	for i, tok := range data.Tokens {
		id := int32(i)
		t.reverse[tok] = id

		typ := int32(tokenTypeNormal)
		if i < len(data.TokenTypes) {
			typ = data.TokenTypes[i]
		}
		switch typ {
		case tokenTypeControl, tokenTypeUserDefined:
			t.special[tok] = id
			t.controlTokens[id] = true
		case tokenTypeByte:
			if b, ok := parseByteToken(tok); ok {
				t.byteTokens[b] = id
			}
		}
	}

	for rank, m := range data.Merges {
		t.merges[m] = rank
	}

	// Longest-first so greedy special-token splitting prefers the most
	// specific token (e.g. <|im_start|> over <|im|>).
	t.specialOrdered = make([]string, 0, len(t.special))
	for tok := range t.special {
		t.specialOrdered = append(t.specialOrdered, tok)
	}
	sort.Slice(t.specialOrdered, func(i, j int) bool {
		return len(t.specialOrdered[i]) > len(t.specialOrdered[j])
	})

	t.pre = regexp2.MustCompile(gpt2Pattern, regexp2.None)

	t.pieces = make([]string, len(t.values))
	for i := range t.values {
		t.pieces[i] = t.decodeOne(int32(i))
	}

	return t
}

// parseByteToken recognizes the <0xXX> byte-fallback spelling.
func parseByteToken(tok string) (byte, bool) {
	if len(tok) == 6 && tok[0] == '<' && tok[1] == '0' && tok[2] == 'x' && tok[5] == '>' {
		if v, err := strconv.ParseUint(tok[3:5], 16, 8); err == nil {
			return byte(v), true
		}
	}
	return 0, false
}

// VocabSize returns the number of tokens in the vocabulary.
func (t *Tokenizer) VocabSize() int { return len(t.values) }

// BOS returns the beginning-of-sequence token id, or -1 when absent.
func (t *Tokenizer) BOS() int32 { return t.bos }

// EOS returns the end-of-sequence token id, or -1 when absent.
func (t *Tokenizer) EOS() int32 { return t.eos }

// IsControl reports whether id is a control/special token that never
// contributes text to decoded output.
func (t *Tokenizer) IsControl(id int32) bool { return t.controlTokens[id] }

// Pieces returns the per-token decoded text table, indexed by token id.
// Callers must treat it as read-only; constraint masking iterates it once
// per decode step.
func (t *Tokenizer) Pieces() []string { return t.pieces }

// Piece returns the decoded text a single token contributes, "" for
// control tokens and out-of-range ids.
func (t *Tokenizer) Piece(id int32) string {
	if int(id) >= len(t.pieces) || id < 0 {
		return ""
	}
	return t.pieces[id]
}

// splitBySpecialTokens splits s into runs of plain text and exact special
// token spellings, longest spelling first.
func (t *Tokenizer) splitBySpecialTokens(s string) []string {
	if len(t.specialOrdered) == 0 {
		return []string{s}
	}

	var parts []string
	for s != "" {
		bestIdx := -1
		bestTok := ""
		for _, tok := range t.specialOrdered {
			if idx := strings.Index(s, tok); idx >= 0 && (bestIdx < 0 || idx < bestIdx) {
				bestIdx, bestTok = idx, tok
			}
		}
		if bestIdx < 0 {
			parts = append(parts, s)
			break
		}
		if bestIdx > 0 {
			parts = append(parts, s[:bestIdx])
		}
		parts = append(parts, bestTok)
		s = s[bestIdx+len(bestTok):]
	}
	return parts
}
