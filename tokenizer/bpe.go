// bpe.go - BPE merge algorithm and GPT-2 byte-level encoding
//
// Contains:
// - byteToRune/runeToByte: the GPT-2 byte-to-unicode table
// - encodeChunkInto: encoding of one pre-tokenizer chunk
// - encodeBPEMerge: the merge loop (lowest rank first)
package tokenizer

import "strings"

// byteToRune is the GPT-2 byte-to-unicode table: printable bytes map to
// themselves, everything else to a private run starting at U+0100 so every
// byte has a visible, reversible spelling inside vocabulary entries.
var byteToRune [256]rune

// runeToByte inverts byteToRune during decoding.
var runeToByte = make(map[rune]byte, 256)

func init() {
	n := 0
	for b := 0; b < 256; b++ {
		printable := (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
		if printable {
			byteToRune[b] = rune(b)
		} else {
			byteToRune[b] = rune(256 + n)
			n++
		}
		runeToByte[byteToRune[b]] = byte(b)
	}
}

// encodeChunkInto appends the token ids for one pre-tokenized chunk,
// returning the extended slice.
func (t *Tokenizer) encodeChunkInto(s string, ids []int32) []int32 {
	if s == "" {
		return ids
	}

	var sb strings.Builder
	sb.Grow(len(s) * 2)
	for i := 0; i < len(s); i++ {
		sb.WriteRune(byteToRune[s[i]])
	}
	encoded := sb.String()

	// Fast path: the whole chunk is a single vocabulary entry.
	if id, ok := t.reverse[encoded]; ok {
		return append(ids, id)
	}

	return t.encodeBPEMerge(encoded, ids)
}

// encodeBPEMerge repeatedly merges the lowest-rank adjacent pair until no
// applicable merge remains. Ties on rank resolve to the leftmost pair
// because the scan keeps the first minimum it sees.
func (t *Tokenizer) encodeBPEMerge(encoded string, ids []int32) []int32 {
	runes := []rune(encoded)
	parts := make([]string, len(runes))
	for i, r := range runes {
		parts[i] = string(r)
	}

	for len(parts) > 1 {
		minRank := int(^uint(0) >> 1)
		minIdx := -1

		for i := 0; i < len(parts)-1; i++ {
			if rank, ok := t.merges[parts[i]+" "+parts[i+1]]; ok && rank < minRank {
				minRank = rank
				minIdx = i
			}
		}

		if minIdx < 0 {
			break
		}

		parts[minIdx] = parts[minIdx] + parts[minIdx+1]
		parts = append(parts[:minIdx+1], parts[minIdx+2:]...)
	}

	for _, part := range parts {
		if id, ok := t.reverse[part]; ok {
			ids = append(ids, id)
			continue
		}
		// Byte fallback for parts outside the vocabulary. The part's runes
		// are table spellings, so map them back to raw bytes first.
		raw, ok := runeToByteString(part)
		if !ok {
			raw = part
		}
		for i := 0; i < len(raw); i++ {
			if id := t.byteTokens[raw[i]]; id >= 0 {
				ids = append(ids, id)
			}
		}
	}

	return ids
}

// runeToByteString maps a byte-level-encoded part back to its raw bytes,
// used when falling back to <0xXX> tokens: the part's runes are table
// spellings, not the bytes themselves.
func runeToByteString(part string) (string, bool) {
	var sb strings.Builder
	for _, r := range part {
		b, ok := runeToByte[r]
		if !ok {
			return "", false
		}
		sb.WriteByte(b)
	}
	return sb.String(), true
}
