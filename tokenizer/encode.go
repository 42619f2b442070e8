// encode.go - text to token ids
//
// Contains:
// - Encode: special-token splitting, pre-tokenization, BPE merging
// - pretokenize: regexp2 split on the GPT-2 pattern
//
// See also: bpe.go for the merge algorithm, decode.go for decoding.
package tokenizer

import "golang.org/x/text/unicode/norm"

// Encode converts text to token ids. Input is NFC-normalized first so
// composed and decomposed spellings of the same text tokenize alike.
// When addSpecial is set and the model's metadata asks for a leading
// BOS, it is prepended.
func (t *Tokenizer) Encode(s string, addSpecial bool) []int32 {
	s = norm.NFC.String(s)
	ids := make([]int32, 0, len(s)/3+2)

	if addSpecial && t.addBOS && t.bos >= 0 {
		ids = append(ids, t.bos)
	}

	for _, part := range t.splitBySpecialTokens(s) {
		if id, ok := t.special[part]; ok {
			ids = append(ids, id)
			continue
		}
		for _, chunk := range t.pretokenize(part) {
			ids = t.encodeChunkInto(chunk, ids)
		}
	}

	return ids
}

// pretokenize splits plain text into merge-isolated chunks using the
// GPT-2 pattern. BPE merges never cross chunk boundaries, which is what
// keeps " the" and "the " distinct tokens.
func (t *Tokenizer) pretokenize(s string) []string {
	if s == "" {
		return nil
	}

	var chunks []string
	m, err := t.pre.FindStringMatch(s)
	for err == nil && m != nil {
		chunks = append(chunks, m.String())
		m, err = t.pre.FindNextMatch(m)
	}
	if len(chunks) == 0 {
		// A pattern miss (pathological input) degrades to one chunk rather
		// than dropping text.
		return []string{s}
	}
	return chunks
}
