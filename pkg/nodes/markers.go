package nodes

import (
	"github.com/acphast/acphast/pkg/node"
	"github.com/acphast/acphast/pkg/pipeline"
	"github.com/acphast/acphast/pkg/stream"
)

// ============================================================================
// ENTRY / EXIT MARKERS
// ============================================================================

// ACPInput marks the graph's entry point. It emits nothing on its own; the
// engine injects the initial request message directly onto its output.
type ACPInput struct {
	node.Base
}

func ACPInputMeta() node.Metadata {
	return node.Metadata{
		Name:        "ACP Input",
		Category:    node.CategoryInput,
		Description: "Entry point; the engine injects each incoming request here",
		Inputs:      nil,
		Outputs: []node.PortDef{
			{Name: "out", Socket: node.SocketPipeline},
		},
	}
}

func NewACPInput(config map[string]interface{}) *ACPInput {
	return &ACPInput{Base: node.NewBase(config)}
}

func (n *ACPInput) Meta() node.Metadata { return ACPInputMeta() }

func (n *ACPInput) Validate() []string { return nil }

func (n *ACPInput) Process(inputs node.Inputs, ctx *pipeline.Context) (node.Outputs, error) {
	// The engine substitutes the injected one-shot for this port.
	return node.Outputs{"out": stream.Empty[*pipeline.Message]()}, nil
}

// ACPOutput marks the graph's exit. Each message reaching it is logged and
// forwarded to the caller as terminal output.
type ACPOutput struct {
	node.Base
}

func ACPOutputMeta() node.Metadata {
	return node.Metadata{
		Name:        "ACP Output",
		Category:    node.CategoryOutput,
		Description: "Exit point; logs messages leaving the graph",
		Inputs: []node.PortDef{
			{Name: "in", Socket: node.SocketPipeline, Required: true},
		},
		Outputs: nil,
	}
}

func NewACPOutput(config map[string]interface{}) *ACPOutput {
	return &ACPOutput{Base: node.NewBase(config)}
}

func (n *ACPOutput) Meta() node.Metadata { return ACPOutputMeta() }

func (n *ACPOutput) Validate() []string { return nil }

// Process is not invoked for sinks; the engine surfaces the input itself,
// calling OnTerminal per message.
func (n *ACPOutput) Process(inputs node.Inputs, ctx *pipeline.Context) (node.Outputs, error) {
	return node.Outputs{}, nil
}

func (n *ACPOutput) OnTerminal(msg *pipeline.Message) {
	logger := n.Logger()
	if msg.Ctx != nil {
		logger = msg.Ctx.Logger()
	}
	logger.Info("request left the graph",
		"request_id", requestKey(msg), "backend", msg.Backend)
}
