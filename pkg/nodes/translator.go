package nodes

import (
	"github.com/acphast/acphast/pkg/acp"
	"github.com/acphast/acphast/pkg/pipeline"
)

// ============================================================================
// TRANSLATOR HELPERS
// Shared readers for ACP request params and _meta hints. Translators attach a
// per-backend request as message.Translated and tag message.Backend; nothing
// else on the message is touched.
// ============================================================================

// TranslatorConfig carries the defaults every translator honors. Request
// params win over these; these win over the built-in fallbacks.
type TranslatorConfig struct {
	DefaultModel       string   `json:"defaultModel,omitempty"`
	DefaultMaxTokens   int      `json:"defaultMaxTokens,omitempty"`
	DefaultTemperature *float64 `json:"defaultTemperature,omitempty"`
}

func paramString(params map[string]interface{}, key string) (string, bool) {
	if params == nil {
		return "", false
	}
	v, ok := params[key].(string)
	return v, ok && v != ""
}

func paramInt(params map[string]interface{}, key string) (int, bool) {
	if params == nil {
		return 0, false
	}
	switch v := params[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func paramFloat(params map[string]interface{}, key string) (float64, bool) {
	if params == nil {
		return 0, false
	}
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func paramSlice(params map[string]interface{}, key string) ([]interface{}, bool) {
	if params == nil {
		return nil, false
	}
	v, ok := params[key].([]interface{})
	return v, ok
}

// pickModel resolves the model: request param, then hint, then config
// default, then the built-in fallback.
func pickModel(params map[string]interface{}, hint interface{}, cfg TranslatorConfig, fallback string) string {
	if m, ok := paramString(params, "model"); ok {
		return m
	}
	if m, ok := hint.(string); ok && m != "" {
		return m
	}
	if cfg.DefaultModel != "" {
		return cfg.DefaultModel
	}
	return fallback
}

func pickMaxTokens(params map[string]interface{}, cfg TranslatorConfig, fallback int) int {
	if v, ok := paramInt(params, "max_tokens"); ok {
		return v
	}
	if cfg.DefaultMaxTokens > 0 {
		return cfg.DefaultMaxTokens
	}
	return fallback
}

// pickTemperature may legitimately resolve to nothing; the field is then
// omitted from the translated request.
func pickTemperature(params map[string]interface{}, cfg TranslatorConfig) *float64 {
	if v, ok := paramFloat(params, "temperature"); ok {
		return &v
	}
	return cfg.DefaultTemperature
}

// contentText flattens the text blocks of a prompt value into one string.
// Non-text blocks are skipped.
func contentText(prompt interface{}) string {
	blocks, ok := prompt.([]interface{})
	if !ok {
		if s, ok := prompt.(string); ok {
			return s
		}
		return ""
	}
	var out string
	for _, b := range blocks {
		block, ok := b.(map[string]interface{})
		if !ok {
			continue
		}
		if t, _ := block["type"].(string); t != "" && t != string(acp.ContentTypeText) {
			continue
		}
		if text, ok := block["text"].(string); ok {
			out += text
		}
	}
	return out
}

// translated clones the message with the backend tag and translated request
// attached. The context reference is shared.
func translated(msg *pipeline.Message, backend string, req interface{}) *pipeline.Message {
	out := msg.Clone()
	out.Backend = backend
	out.Translated = req
	return out
}
