package nodes

import (
	"fmt"

	"github.com/acphast/acphast/pkg/node"
	"github.com/acphast/acphast/pkg/pipeline"
	"github.com/acphast/acphast/pkg/stream"
)

// PassthroughConfig points at another ACP agent the message is destined for.
type PassthroughConfig struct {
	Endpoint string `json:"endpoint"`
	Type     string `json:"type"`
	Timeout  int    `json:"timeout,omitempty"`
}

var passthroughTypes = map[string]struct{}{
	"stdio":     {},
	"http":      {},
	"websocket": {},
}

// Passthrough forwards its input unchanged. It adapts a graph edge to another
// ACP agent; the endpoint config is consumed by the transport that dispatches
// the message.
type Passthrough struct {
	node.Base
}

func PassthroughMeta() node.Metadata {
	return node.Metadata{
		Name:         "Passthrough",
		Category:     node.CategoryAdapter,
		Description:  "Forwards messages unchanged toward another ACP agent",
		Inputs:       []node.PortDef{{Name: "in", Socket: node.SocketPipeline, Required: true}},
		Outputs:      []node.PortDef{{Name: "out", Socket: node.SocketPipeline}},
		ConfigSchema: node.ConfigSchemaFor(&PassthroughConfig{}),
	}
}

func NewPassthrough(config map[string]interface{}) *Passthrough {
	return &Passthrough{Base: node.NewBase(config)}
}

func (n *Passthrough) Meta() node.Metadata { return PassthroughMeta() }

func (n *Passthrough) Validate() []string {
	var cfg PassthroughConfig
	if err := decodeConfig(n.Config(), &cfg); err != nil {
		return []string{err.Error()}
	}

	var problems []string
	if cfg.Endpoint == "" {
		problems = append(problems, "endpoint must not be empty")
	}
	if cfg.Type != "" {
		if _, ok := passthroughTypes[cfg.Type]; !ok {
			problems = append(problems, fmt.Sprintf("type %q must be one of stdio, http, websocket", cfg.Type))
		}
	}
	return problems
}

func (n *Passthrough) Process(inputs node.Inputs, ctx *pipeline.Context) (node.Outputs, error) {
	return node.RunStreaming(n, inputs, ctx, func(msg *pipeline.Message, _ *pipeline.Context) *node.MessageStream {
		return stream.Of(msg)
	})
}
