package nodes

import (
	"github.com/acphast/acphast/pkg/meta"
	"github.com/acphast/acphast/pkg/node"
	"github.com/acphast/acphast/pkg/pipeline"
	"github.com/acphast/acphast/pkg/stream"
)

// DefaultAnthropicModel is the fallback when neither the request nor the
// node config names one.
const DefaultAnthropicModel = "claude-sonnet-4-20250514"

// AnthropicRequest is the Messages API request shape produced by the
// translator. Stream is always true; the client degrades gracefully when the
// caller wanted a single response.
type AnthropicRequest struct {
	Model         string                 `json:"model"`
	Messages      []interface{}          `json:"messages"`
	MaxTokens     int                    `json:"max_tokens"`
	Temperature   *float64               `json:"temperature,omitempty"`
	System        interface{}            `json:"system,omitempty"`
	Stream        bool                   `json:"stream"`
	Metadata      interface{}            `json:"metadata,omitempty"`
	StopSequences []interface{}          `json:"stop_sequences,omitempty"`
	TopP          *float64               `json:"top_p,omitempty"`
	TopK          *int                   `json:"top_k,omitempty"`
	Extra         map[string]interface{} `json:"-"`
}

// AnthropicTranslator rewrites an ACP request into an Anthropic Messages
// request, honoring _meta.anthropic hints.
type AnthropicTranslator struct {
	node.Base
}

func AnthropicTranslatorMeta() node.Metadata {
	return node.Metadata{
		Name:         "Anthropic Translator",
		Category:     node.CategoryTransform,
		Description:  "Translates ACP requests to the Anthropic Messages API",
		Inputs:       []node.PortDef{{Name: "in", Socket: node.SocketPipeline, Required: true}},
		Outputs:      []node.PortDef{{Name: "out", Socket: node.SocketPipeline}},
		ConfigSchema: node.ConfigSchemaFor(&TranslatorConfig{}),
	}
}

func NewAnthropicTranslator(config map[string]interface{}) *AnthropicTranslator {
	return &AnthropicTranslator{Base: node.NewBase(config)}
}

func (n *AnthropicTranslator) Meta() node.Metadata { return AnthropicTranslatorMeta() }

func (n *AnthropicTranslator) Validate() []string {
	var cfg TranslatorConfig
	if err := decodeConfig(n.Config(), &cfg); err != nil {
		return []string{err.Error()}
	}
	return nil
}

func (n *AnthropicTranslator) Process(inputs node.Inputs, ctx *pipeline.Context) (node.Outputs, error) {
	var cfg TranslatorConfig
	if err := decodeConfig(n.Config(), &cfg); err != nil {
		return nil, err
	}

	return node.RunStreaming(n, inputs, ctx, func(msg *pipeline.Message, _ *pipeline.Context) *node.MessageStream {
		params := map[string]interface{}{}
		if msg.Request != nil && msg.Request.Params != nil {
			params = msg.Request.Params
		}
		hints := meta.Namespace(msg.Meta(), "anthropic")

		req := &AnthropicRequest{
			Model:       pickModel(params, hints["model"], cfg, DefaultAnthropicModel),
			MaxTokens:   pickMaxTokens(params, cfg, 4096),
			Temperature: pickTemperature(params, cfg),
			Stream:      true,
		}
		if system, ok := params["system"]; ok {
			req.System = system
		}
		if messages, ok := paramSlice(params, "messages"); ok {
			req.Messages = messages
		} else {
			req.Messages = []interface{}{}
		}

		if md, ok := hints["metadata"]; ok {
			req.Metadata = md
		}
		if stops, ok := hints["stop_sequences"].([]interface{}); ok {
			req.StopSequences = stops
		}
		if topP, ok := hints["top_p"].(float64); ok {
			req.TopP = &topP
		}
		switch topK := hints["top_k"].(type) {
		case float64:
			k := int(topK)
			req.TopK = &k
		case int:
			k := topK
			req.TopK = &k
		}

		return stream.Of(translated(msg, BackendAnthropic, req))
	})
}
