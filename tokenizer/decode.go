// decode.go - token ids to text
//
// Contains:
// - Decode: converts token ids back to text
// - decodeOne: the text contribution of a single token
package tokenizer

import "strings"

// Decode converts token ids back to text. Control tokens contribute
// nothing; byte-fallback tokens contribute their raw byte.
func (t *Tokenizer) Decode(ids []int32) string {
	var sb strings.Builder
	for _, id := range ids {
		sb.WriteString(t.Piece(id))
	}
	return sb.String()
}

// decodeOne computes the text a single token contributes. Called once per
// vocabulary entry at construction; the hot paths read the memoized
// result via Piece.
func (t *Tokenizer) decodeOne(id int32) string {
	if int(id) >= len(t.values) || id < 0 {
		return ""
	}
	if t.controlTokens[id] {
		return ""
	}

	token := t.values[id]

	if b, ok := parseByteToken(token); ok {
		return string([]byte{b})
	}

	// SentencePiece-style vocabularies spell the leading space as U+2581.
	if strings.ContainsRune(token, '▁') {
		return strings.ReplaceAll(token, "▁", " ")
	}

	// GPT-2 byte-level spelling: map each rune back through the table.
	var sb strings.Builder
	for _, r := range token {
		if b, ok := runeToByte[r]; ok {
			sb.WriteByte(b)
		} else {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
