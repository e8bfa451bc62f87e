package nodes

import (
	"github.com/acphast/acphast/pkg/meta"
	"github.com/acphast/acphast/pkg/node"
	"github.com/acphast/acphast/pkg/pipeline"
	"github.com/acphast/acphast/pkg/stream"
)

const DefaultOllamaModel = "llama3.2"

// OllamaRequest is the /api/chat request shape. Sampling knobs ride in
// Options per the Ollama convention.
type OllamaRequest struct {
	Model     string                 `json:"model"`
	Messages  []interface{}          `json:"messages"`
	Stream    bool                   `json:"stream"`
	Options   map[string]interface{} `json:"options,omitempty"`
	KeepAlive interface{}            `json:"keep_alive,omitempty"`
	Format    interface{}            `json:"format,omitempty"`
}

// OllamaTranslator rewrites an ACP request into an Ollama chat request,
// honoring _meta.ollama hints.
type OllamaTranslator struct {
	node.Base
}

func OllamaTranslatorMeta() node.Metadata {
	return node.Metadata{
		Name:         "Ollama Translator",
		Category:     node.CategoryTransform,
		Description:  "Translates ACP requests to the Ollama chat API",
		Inputs:       []node.PortDef{{Name: "in", Socket: node.SocketPipeline, Required: true}},
		Outputs:      []node.PortDef{{Name: "out", Socket: node.SocketPipeline}},
		ConfigSchema: node.ConfigSchemaFor(&TranslatorConfig{}),
	}
}

func NewOllamaTranslator(config map[string]interface{}) *OllamaTranslator {
	return &OllamaTranslator{Base: node.NewBase(config)}
}

func (n *OllamaTranslator) Meta() node.Metadata { return OllamaTranslatorMeta() }

func (n *OllamaTranslator) Validate() []string {
	var cfg TranslatorConfig
	if err := decodeConfig(n.Config(), &cfg); err != nil {
		return []string{err.Error()}
	}
	return nil
}

func (n *OllamaTranslator) Process(inputs node.Inputs, ctx *pipeline.Context) (node.Outputs, error) {
	var cfg TranslatorConfig
	if err := decodeConfig(n.Config(), &cfg); err != nil {
		return nil, err
	}

	return node.RunStreaming(n, inputs, ctx, func(msg *pipeline.Message, _ *pipeline.Context) *node.MessageStream {
		params := map[string]interface{}{}
		if msg.Request != nil && msg.Request.Params != nil {
			params = msg.Request.Params
		}
		hints := meta.Namespace(msg.Meta(), "ollama")

		req := &OllamaRequest{
			Model:  pickModel(params, hints["model"], cfg, DefaultOllamaModel),
			Stream: true,
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

		options := map[string]interface{}{}
		if opts, ok := hints["options"].(map[string]interface{}); ok {
			for k, v := range opts {
				options[k] = v
			}
		}
		// Flat sampling hints map onto the options object.
		for _, knob := range []string{"num_ctx", "num_predict", "repeat_penalty", "seed"} {
			if v, ok := hints[knob]; ok {
				options[knob] = v
			}
		}
		if v, ok := paramInt(params, "max_tokens"); ok {
			options["num_predict"] = v
		} else if cfg.DefaultMaxTokens > 0 {
			if _, set := options["num_predict"]; !set {
				options["num_predict"] = cfg.DefaultMaxTokens
			}
		}
		if t := pickTemperature(params, cfg); t != nil {
			options["temperature"] = *t
		}
		if len(options) > 0 {
			req.Options = options
		}

		if v, ok := hints["keep_alive"]; ok {
			req.KeepAlive = v
		}
		if v, ok := hints["format"]; ok {
			req.Format = v
		}

		return stream.Of(translated(msg, BackendOllama, req))
	})
}
