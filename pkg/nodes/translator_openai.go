package nodes

import (
	"github.com/acphast/acphast/pkg/meta"
	"github.com/acphast/acphast/pkg/node"
	"github.com/acphast/acphast/pkg/pipeline"
	"github.com/acphast/acphast/pkg/stream"
)

const DefaultOpenAIModel = "gpt-4o"

// OpenAIRequest is the Chat Completions request shape. OpenAI has no
// top-level system field; any params.system is prepended into Messages.
type OpenAIRequest struct {
	Model            string        `json:"model"`
	Messages         []interface{} `json:"messages"`
	MaxTokens        int           `json:"max_tokens,omitempty"`
	Temperature      *float64      `json:"temperature,omitempty"`
	Stream           bool          `json:"stream"`
	FrequencyPenalty *float64      `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64      `json:"presence_penalty,omitempty"`
	TopP             *float64      `json:"top_p,omitempty"`
	Stop             interface{}   `json:"stop,omitempty"`
	User             string        `json:"user,omitempty"`
}

// OpenAITranslator rewrites an ACP request into an OpenAI Chat Completions
// request, honoring _meta.openai hints.
type OpenAITranslator struct {
	node.Base
}

func OpenAITranslatorMeta() node.Metadata {
	return node.Metadata{
		Name:         "OpenAI Translator",
		Category:     node.CategoryTransform,
		Description:  "Translates ACP requests to the OpenAI Chat Completions API",
		Inputs:       []node.PortDef{{Name: "in", Socket: node.SocketPipeline, Required: true}},
		Outputs:      []node.PortDef{{Name: "out", Socket: node.SocketPipeline}},
		ConfigSchema: node.ConfigSchemaFor(&TranslatorConfig{}),
	}
}

func NewOpenAITranslator(config map[string]interface{}) *OpenAITranslator {
	return &OpenAITranslator{Base: node.NewBase(config)}
}

func (n *OpenAITranslator) Meta() node.Metadata { return OpenAITranslatorMeta() }

func (n *OpenAITranslator) Validate() []string {
	var cfg TranslatorConfig
	if err := decodeConfig(n.Config(), &cfg); err != nil {
		return []string{err.Error()}
	}
	return nil
}

func (n *OpenAITranslator) Process(inputs node.Inputs, ctx *pipeline.Context) (node.Outputs, error) {
	var cfg TranslatorConfig
	if err := decodeConfig(n.Config(), &cfg); err != nil {
		return nil, err
	}

	return node.RunStreaming(n, inputs, ctx, func(msg *pipeline.Message, _ *pipeline.Context) *node.MessageStream {
		params := map[string]interface{}{}
		if msg.Request != nil && msg.Request.Params != nil {
			params = msg.Request.Params
		}
		hints := meta.Namespace(msg.Meta(), "openai")

		req := &OpenAIRequest{
			Model:       pickModel(params, hints["model"], cfg, DefaultOpenAIModel),
			MaxTokens:   pickMaxTokens(params, cfg, 4096),
			Temperature: pickTemperature(params, cfg),
			Stream:      true,
		}

		messages, _ := paramSlice(params, "messages")
		if system, ok := params["system"]; ok {
			messages = append([]interface{}{
				map[string]interface{}{"role": "system", "content": system},
			}, messages...)
		}
		if messages == nil {
			messages = []interface{}{}
		}
		req.Messages = messages

		if v, ok := hints["frequency_penalty"].(float64); ok {
			req.FrequencyPenalty = &v
		}
		if v, ok := hints["presence_penalty"].(float64); ok {
			req.PresencePenalty = &v
		}
		if v, ok := hints["top_p"].(float64); ok {
			req.TopP = &v
		}
		if v, ok := hints["stop"]; ok {
			req.Stop = v
		}
		if v, ok := hints["user"].(string); ok {
			req.User = v
		}

		return stream.Of(translated(msg, BackendOpenAI, req))
	})
}
