// template.go - chat template rendering
//
// Contains:
// - Message: one chat message (role + content)
// - ApplyTemplate: pure rendering function, template kind -> prompt text
// - ResolveKind: "auto" resolution via metadata and architecture
package tokenizer

import (
	"fmt"
	"strings"
	"sync"
	"text/template"
)

// Message is one chat turn handed to ApplyTemplate.
type Message struct {
	Role    string
	Content string
}

type chatData struct {
	Messages []Message
	System   string
}

// Template sources per kind. These render the model-family prompt wire
// formats; the trailing assistant header primes the model to answer.
var templateSources = map[string]string{
	"chatml": `{{- range .Messages }}<|im_start|>{{ .Role }}
{{ .Content }}<|im_end|>
{{ end }}<|im_start|>assistant
`,

	"llama2": `{{- if .System }}[INST] <<SYS>>
{{ .System }}
<</SYS>>

{{ end }}{{- range .Messages }}{{- if eq .Role "user" }}{{ if not $.System }}[INST] {{ end }}{{ .Content }} [/INST]{{ else if eq .Role "assistant" }} {{ .Content }} </s><s>[INST] {{ end }}{{- end }}`,

	"llama3": `{{- range .Messages }}<|start_header_id|>{{ .Role }}<|end_header_id|>

{{ .Content }}<|eot_id|>{{ end }}<|start_header_id|>assistant<|end_header_id|>

`,

	"mistral": `{{- range .Messages }}{{- if eq .Role "user" }}[INST] {{ .Content }} [/INST]{{ else if eq .Role "assistant" }}{{ .Content }}</s>{{ end }}{{- end }}`,

	"phi": `{{- range .Messages }}<|{{ .Role }}|>
{{ .Content }}<|end|>
{{ end }}<|assistant|>
`,
}

var parsedTemplates = sync.OnceValue(func() map[string]*template.Template {
	out := make(map[string]*template.Template, len(templateSources))
	for name, src := range templateSources {
		out[name] = template.Must(template.New(name).Parse(src))
	}
	return out
})

// ApplyTemplate renders messages into the prompt text the given template
// kind defines. It is a pure function of its inputs; "auto" must be
// resolved by the caller (ResolveKind) before calling.
func ApplyTemplate(kind string, messages []Message) (string, error) {
	tmpl, ok := parsedTemplates()[kind]
	if !ok {
		return "", fmt.Errorf("tokenizer: unknown chat template kind %q", kind)
	}

	data := chatData{Messages: messages}
	if kind == "llama2" {
		// llama2 folds the system turn into the first [INST] block instead
		// of rendering it as its own turn.
		var rest []Message
		for _, m := range messages {
			if m.Role == "system" && data.System == "" {
				data.System = m.Content
				continue
			}
			rest = append(rest, m)
		}
		data.Messages = rest
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// ResolveKind maps "auto" onto a concrete template kind by inspecting the
// model's chat-template metadata first and its architecture second. A
// concrete kind passes through unchanged.
func (t *Tokenizer) ResolveKind(kind string) string {
	if kind != "" && kind != "auto" {
		return kind
	}

	tmpl := t.chatTemplate
	if _, ok := parsedTemplates()[tmpl]; ok {
		// The loader stores a bare kind name when the file carried no
		// template string of its own.
		return tmpl
	}
	switch {
	case strings.Contains(tmpl, "<|im_start|>"):
		return "chatml"
	case strings.Contains(tmpl, "<|start_header_id|>"):
		return "llama3"
	case strings.Contains(tmpl, "<<SYS>>"):
		return "llama2"
	case strings.Contains(tmpl, "[INST]"):
		return "mistral"
	case strings.Contains(tmpl, "<|user|>"):
		return "phi"
	}

	switch t.arch {
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
