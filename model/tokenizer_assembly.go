// Package model - tokenizer metadata from GGUF
//
// This file extracts the tokenizer data (vocabulary, merges, special
// tokens, chat template) from the GGUF metadata into the TokenizerData
// the tokenizer package consumes.
package model

import "github.com/justinamiller/smallmind/fs/gguf"

func assembleTokenizer(arch string, kv map[string]gguf.Value) TokenizerData {
	tokens := kv["tokenizer.ggml.tokens"].Strings()
	scores := kv["tokenizer.ggml.scores"].Floats()
	types := kv["tokenizer.ggml.token_type"].Uints()

	tokenTypes := make([]int32, len(types))
	for i, t := range types {
		tokenTypes[i] = int32(t)
	}

	merges := kv["tokenizer.ggml.merges"].Strings()

	bos := int32(kv["tokenizer.ggml.bos_token_id"].Int())
	eos := int32(kv["tokenizer.ggml.eos_token_id"].Int())
	pad := int32(kv["tokenizer.ggml.padding_token_id"].Int())

	addBOS := kv["tokenizer.ggml.add_bos_token"].Bool()
	addEOS := kv["tokenizer.ggml.add_eos_token"].Bool()

	tmpl := kv["tokenizer.chat_template"].String()
	if tmpl == "" {
		tmpl = defaultTemplateFor(arch)
	}

	return TokenizerData{
		Tokens:       tokens,
		Scores:       scores,
		TokenTypes:   tokenTypes,
		Merges:       merges,
		BOSID:        bos,
		EOSID:        eos,
		PaddingID:    pad,
		AddBOS:       addBOS,
		AddEOS:       addEOS,
		ChatTemplate: tmpl,
	}
}

// defaultTemplateFor picks a template kind name when the
// file carries no explicit tokenizer.chat_template string, based on the
// architecture name the way the loader already detects activation/norm.
func defaultTemplateFor(arch string) string {
	switch arch {
	case "llama":
		return "llama3"
	case "mistral":
		return "mistral"
	case "phi", "phi2", "phi3":
		return "phi"
	default:
		return "chatml"
	}
}
