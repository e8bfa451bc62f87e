package nodes

import (
	"fmt"

	"github.com/acphast/acphast/pkg/acp"
	"github.com/acphast/acphast/pkg/meta"
	"github.com/acphast/acphast/pkg/node"
	"github.com/acphast/acphast/pkg/pipeline"
	"github.com/acphast/acphast/pkg/stream"
)

// Thinking levels accepted by the Pi CLI.
var piThinkingLevels = map[string]struct{}{
	"off": {}, "minimal": {}, "low": {}, "medium": {}, "high": {}, "xhigh": {},
}

// PiModel addresses a model through the Pi CLI's provider/model pair.
type PiModel struct {
	Provider string `json:"provider,omitempty"`
	ModelID  string `json:"modelId,omitempty"`
}

// PiRequest is the prompt shape handed to the Pi CLI: flattened text plus
// non-text attachments.
type PiRequest struct {
	Message       string             `json:"message"`
	Attachments   []acp.ContentBlock `json:"attachments,omitempty"`
	ThinkingLevel string             `json:"thinkingLevel,omitempty"`
	Model         *PiModel           `json:"model,omitempty"`
}

// PiTranslator flattens an ACP prompt for the Pi CLI, honoring _meta.pi
// hints. The pi namespace is not part of the validated set, so hints are read
// off the raw map.
type PiTranslator struct {
	node.Base
}

func PiTranslatorMeta() node.Metadata {
	return node.Metadata{
		Name:        "Pi Translator",
		Category:    node.CategoryTransform,
		Description: "Translates ACP prompts for the Pi CLI",
		Inputs:      []node.PortDef{{Name: "in", Socket: node.SocketPipeline, Required: true}},
		Outputs:     []node.PortDef{{Name: "out", Socket: node.SocketPipeline}},
	}
}

func NewPiTranslator(config map[string]interface{}) *PiTranslator {
	return &PiTranslator{Base: node.NewBase(config)}
}

func (n *PiTranslator) Meta() node.Metadata { return PiTranslatorMeta() }

func (n *PiTranslator) Validate() []string { return nil }

func (n *PiTranslator) Process(inputs node.Inputs, ctx *pipeline.Context) (node.Outputs, error) {
	return node.RunStreaming(n, inputs, ctx, func(msg *pipeline.Message, _ *pipeline.Context) *node.MessageStream {
		params := map[string]interface{}{}
		if msg.Request != nil && msg.Request.Params != nil {
			params = msg.Request.Params
		}
		hints := meta.Namespace(msg.Meta(), "pi")

		req := &PiRequest{
			Message:     contentText(params["prompt"]),
			Attachments: attachmentBlocks(params["prompt"]),
		}

		if level, ok := hints["thinkingLevel"].(string); ok {
			if _, valid := piThinkingLevels[level]; !valid {
				return stream.Fail[*pipeline.Message](
					fmt.Errorf("invalid _meta.pi.thinkingLevel %q", level))
			}
			req.ThinkingLevel = level
		}
		if model, ok := hints["model"].(map[string]interface{}); ok {
			pm := &PiModel{}
			pm.Provider, _ = model["provider"].(string)
			pm.ModelID, _ = model["modelId"].(string)
			req.Model = pm
		}

		return stream.Of(translated(msg, BackendPi, req))
	})
}

// attachmentBlocks extracts the image and resource blocks of a prompt.
func attachmentBlocks(prompt interface{}) []acp.ContentBlock {
	blocks, ok := prompt.([]interface{})
	if !ok {
		return nil
	}
	var out []acp.ContentBlock
	for _, b := range blocks {
		block, ok := b.(map[string]interface{})
		if !ok {
			continue
		}
		typ, _ := block["type"].(string)
		switch acp.ContentType(typ) {
		case acp.ContentTypeImage:
			cb := acp.ContentBlock{Type: acp.ContentTypeImage}
			cb.Data, _ = block["data"].(string)
			cb.MimeType, _ = block["mimeType"].(string)
			out = append(out, cb)
		case acp.ContentTypeResource:
			cb := acp.ContentBlock{Type: acp.ContentTypeResource}
			cb.URI, _ = block["uri"].(string)
			cb.MimeType, _ = block["mimeType"].(string)
			cb.Text, _ = block["text"].(string)
			out = append(out, cb)
		}
	}
	return out
}
