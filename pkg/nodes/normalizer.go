package nodes

import (
	"github.com/acphast/acphast/pkg/acp"
	"github.com/acphast/acphast/pkg/node"
	"github.com/acphast/acphast/pkg/pipeline"
	"github.com/acphast/acphast/pkg/stream"
)

// NormalizerConfig controls which optional fields appear on the normalized
// response.
type NormalizerConfig struct {
	IncludeModel bool `json:"includeModel,omitempty"`
	IncludeID    bool `json:"includeId,omitempty"`
}

// Normalizer rewrites the backend-raw response on a message into the
// canonical shape. The backend tag on the message selects the conversion; a
// message without a response passes through with a warning.
type Normalizer struct {
	node.Base
}

func NormalizerMeta() node.Metadata {
	return node.Metadata{
		Name:         "Response Normalizer",
		Category:     node.CategoryTransform,
		Description:  "Converts backend-raw responses to the canonical ACP shape",
		Inputs:       []node.PortDef{{Name: "in", Socket: node.SocketPipeline, Required: true}},
		Outputs:      []node.PortDef{{Name: "out", Socket: node.SocketPipeline}},
		ConfigSchema: node.ConfigSchemaFor(&NormalizerConfig{}),
	}
}

func NewNormalizer(config map[string]interface{}) *Normalizer {
	return &Normalizer{Base: node.NewBase(config)}
}

func (n *Normalizer) Meta() node.Metadata { return NormalizerMeta() }

func (n *Normalizer) Validate() []string {
	var cfg NormalizerConfig
	if err := decodeConfig(n.Config(), &cfg); err != nil {
		return []string{err.Error()}
	}
	return nil
}

func (n *Normalizer) Process(inputs node.Inputs, ctx *pipeline.Context) (node.Outputs, error) {
	var cfg NormalizerConfig
	if err := decodeConfig(n.Config(), &cfg); err != nil {
		return nil, err
	}

	return node.RunStreaming(n, inputs, ctx, func(msg *pipeline.Message, _ *pipeline.Context) *node.MessageStream {
		if msg.Response == nil {
			n.Logger().Warn("normalizer received message without response, passing through",
				"request_id", requestKey(msg), "backend", msg.Backend)
			return stream.Of(msg)
		}

		normalized := n.normalize(msg)
		if normalized == nil {
			// Already normalized or an unknown raw shape; leave it alone.
			return stream.Of(msg)
		}
		if !cfg.IncludeModel {
			normalized.Model = ""
		}
		if !cfg.IncludeID {
			normalized.ID = ""
		}

		out := msg.Clone()
		out.Response = normalized
		return stream.Of(out)
	})
}

func (n *Normalizer) normalize(msg *pipeline.Message) *acp.NormalizedResponse {
	switch raw := msg.Response.(type) {
	case *AnthropicResponse:
		return normalizeAnthropic(raw)
	case *OpenAIResponse:
		return normalizeOpenAI(raw)
	case *OllamaResponse:
		return normalizeOllama(raw)
	case *PiResponse:
		return normalizePi(raw)
	default:
		n.Logger().Warn("normalizer received unknown response shape, passing through",
			"request_id", requestKey(msg), "backend", msg.Backend)
		return nil
	}
}

func stopReason(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func normalizeAnthropic(raw *AnthropicResponse) *acp.NormalizedResponse {
	var content []acp.ContentBlock
	for _, block := range raw.Content {
		if block.Type == "text" {
			content = append(content, acp.TextBlock(block.Text))
		}
	}
	if len(content) == 0 {
		content = []acp.ContentBlock{acp.TextBlock("")}
	}
	usage := raw.Usage
	return &acp.NormalizedResponse{
		Content:    content,
		StopReason: stopReason(raw.StopReason),
		Usage:      &usage,
		Backend:    BackendAnthropic,
		Model:      raw.Model,
		ID:         raw.ID,
	}
}

func normalizeOpenAI(raw *OpenAIResponse) *acp.NormalizedResponse {
	var (
		text   string
		finish string
	)
	if len(raw.Choices) > 0 {
		text = raw.Choices[0].Message.Content
		finish = raw.Choices[0].FinishReason
	}
	return &acp.NormalizedResponse{
		Content:    []acp.ContentBlock{acp.TextBlock(text)},
		StopReason: stopReason(finish),
		Usage:      raw.Usage,
		Backend:    BackendOpenAI,
		Model:      raw.Model,
		ID:         raw.ID,
	}
}

func normalizeOllama(raw *OllamaResponse) *acp.NormalizedResponse {
	var usage *acp.Usage
	if raw.PromptEvalCount > 0 || raw.EvalCount > 0 {
		usage = &acp.Usage{
			InputTokens:  raw.PromptEvalCount,
			OutputTokens: raw.EvalCount,
		}
	}
	return &acp.NormalizedResponse{
		Content:    []acp.ContentBlock{acp.TextBlock(raw.Message.Content)},
		StopReason: stopReason(raw.DoneReason),
		Usage:      usage,
		Backend:    BackendOllama,
		Model:      raw.Model,
	}
}

func normalizePi(raw *PiResponse) *acp.NormalizedResponse {
	return &acp.NormalizedResponse{
		Content:    []acp.ContentBlock{acp.TextBlock(raw.Message)},
		StopReason: stopReason(raw.StopReason),
		Backend:    BackendPi,
		Model:      raw.Model,
	}
}
