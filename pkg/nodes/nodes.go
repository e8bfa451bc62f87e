// Package nodes is the reference node library: entry/exit markers,
// passthrough, per-backend translators and clients, the response normalizer,
// and the routing utilities (splitter, combiner, router). Every type here
// implements the node contract and registers through RegisterAll.
package nodes

import (
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"

	"github.com/acphast/acphast/pkg/acp"
	"github.com/acphast/acphast/pkg/node"
	"github.com/acphast/acphast/pkg/pipeline"
)

// Backend tags set by translators and consumed by clients and normalizers.
const (
	BackendAnthropic = "anthropic"
	BackendOpenAI    = "openai"
	BackendOllama    = "ollama"
	BackendPi        = "pi"
)

// RegisterAll registers the reference library in its canonical order.
func RegisterAll(registry *node.Registry) error {
	factories := []struct {
		meta    node.Metadata
		factory node.Factory
	}{
		{ACPInputMeta(), func(config map[string]interface{}) node.Node { return NewACPInput(config) }},
		{ACPOutputMeta(), func(config map[string]interface{}) node.Node { return NewACPOutput(config) }},
		{PassthroughMeta(), func(config map[string]interface{}) node.Node { return NewPassthrough(config) }},
		{AnthropicTranslatorMeta(), func(config map[string]interface{}) node.Node { return NewAnthropicTranslator(config) }},
		{OpenAITranslatorMeta(), func(config map[string]interface{}) node.Node { return NewOpenAITranslator(config) }},
		{OllamaTranslatorMeta(), func(config map[string]interface{}) node.Node { return NewOllamaTranslator(config) }},
		{PiTranslatorMeta(), func(config map[string]interface{}) node.Node { return NewPiTranslator(config) }},
		{AnthropicClientMeta(), func(config map[string]interface{}) node.Node { return NewAnthropicClient(config) }},
		{OpenAIClientMeta(), func(config map[string]interface{}) node.Node { return NewOpenAIClient(config) }},
		{OllamaClientMeta(), func(config map[string]interface{}) node.Node { return NewOllamaClient(config) }},
		{PiClientMeta(), func(config map[string]interface{}) node.Node { return NewPiClient(config) }},
		{NormalizerMeta(), func(config map[string]interface{}) node.Node { return NewNormalizer(config) }},
		{SplitterMeta(), func(config map[string]interface{}) node.Node { return NewSplitter(config) }},
		{CombinerMeta(), func(config map[string]interface{}) node.Node { return NewCombiner(config) }},
		{AnalyzedCombinerMeta(), func(config map[string]interface{}) node.Node { return NewAnalyzedCombiner(config) }},
		{MetaRouterMeta(), func(config map[string]interface{}) node.Node { return NewMetaRouter(config) }},
	}
	for _, f := range factories {
		if err := registry.Register(f.meta, f.factory); err != nil {
			return err
		}
	}
	return nil
}

// decodeConfig maps a free-form config map onto a typed config struct.
// Weak typing tolerates JSON numbers arriving as float64.
func decodeConfig(config map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(config); err != nil {
		return fmt.Errorf("invalid node config: %w", err)
	}
	return nil
}

// BackendError is the failure a client node puts on its output stream when
// the downstream provider rejects or aborts a request.
type BackendError struct {
	Code      int
	Message   string
	Transient bool
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend error %d: %s", e.Code, e.Message)
}

// ACPError converts the failure to a protocol error object.
func (e *BackendError) ACPError() *acp.Error {
	return &acp.Error{
		Code:    e.Code,
		Message: e.Message,
		Data:    map[string]interface{}{"transient": e.Transient},
	}
}

// NewBackendError classifies an HTTP status into the proxy error taxonomy.
func NewBackendError(status int, message string) *BackendError {
	code := acp.CodeBackendError
	switch {
	case status == 401 || status == 403:
		code = acp.CodeAuthFailed
	case status == 429:
		code = acp.CodeRateLimited
	case status == 413:
		code = acp.CodeContextExceeded
	case status >= 500:
		code = acp.CodeBackendUnavailable
	}
	return &BackendError{
		Code:      code,
		Message:   message,
		Transient: acp.IsTransient(code),
	}
}

// apiKey resolves a client credential from config first, then the
// conventional environment variable.
func apiKey(config map[string]interface{}, envVar string) string {
	if v, ok := config["apiKey"].(string); ok && v != "" {
		return v
	}
	return os.Getenv(envVar)
}

// requestKey is the string routing key for streaming notifications. SSE
// clients subscribe by it, so numeric JSON-RPC ids are coerced to strings.
func requestKey(msg *pipeline.Message) string {
	if msg.Request != nil && msg.Request.ID != nil {
		switch id := msg.Request.ID.(type) {
		case string:
			return id
		case float64:
			if id == float64(int64(id)) {
				return fmt.Sprintf("%d", int64(id))
			}
			return fmt.Sprintf("%v", id)
		default:
			return fmt.Sprintf("%v", id)
		}
	}
	if msg.Ctx != nil {
		return msg.Ctx.RequestID
	}
	return ""
}

// publishChunk emits a streaming content or thought chunk toward the client.
func publishChunk(msg *pipeline.Message, typ acp.UpdateType, text string) {
	if msg.Ctx == nil {
		return
	}
	block := acp.TextBlock(text)
	msg.Ctx.Update(acp.UpdateNotification(requestKey(msg), msg.Ctx.SessionID, acp.SessionUpdate{
		Type:  typ,
		Block: &block,
	}))
}

// publishUsage emits a usage update toward the client.
func publishUsage(msg *pipeline.Message, usage acp.Usage) {
	if msg.Ctx == nil {
		return
	}
	msg.Ctx.Update(acp.UpdateNotification(requestKey(msg), msg.Ctx.SessionID, acp.SessionUpdate{
		Type:  acp.UpdateTypeUsage,
		Usage: &usage,
	}))
}
