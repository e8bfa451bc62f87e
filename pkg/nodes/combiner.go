package nodes

import (
	"github.com/acphast/acphast/pkg/node"
	"github.com/acphast/acphast/pkg/pipeline"
	"github.com/acphast/acphast/pkg/stream"
)

// Combiner merges two input streams by arrival order. With only one input
// connected it degrades to a passthrough of that one.
type Combiner struct {
	node.Base
}

func CombinerMeta() node.Metadata {
	return node.Metadata{
		Name:        "Combiner",
		Category:    node.CategoryRouting,
		Description: "Merges two streams by arrival order",
		Inputs: []node.PortDef{
			{Name: "in1", Socket: node.SocketPipeline},
			{Name: "in2", Socket: node.SocketPipeline},
		},
		Outputs: []node.PortDef{{Name: "out", Socket: node.SocketPipeline}},
	}
}

func NewCombiner(config map[string]interface{}) *Combiner {
	return &Combiner{Base: node.NewBase(config)}
}

func (n *Combiner) Meta() node.Metadata { return CombinerMeta() }

func (n *Combiner) Validate() []string { return nil }

func (n *Combiner) Process(inputs node.Inputs, ctx *pipeline.Context) (node.Outputs, error) {
	var sources []*node.MessageStream
	for _, port := range []string{"in1", "in2"} {
		if upstream := inputs[port]; len(upstream) > 0 {
			sources = append(sources, node.MergeInputs(upstream))
		}
	}

	switch len(sources) {
	case 0:
		return node.Outputs{"out": stream.Empty[*pipeline.Message]()}, nil
	case 1:
		return node.Outputs{"out": sources[0]}, nil
	default:
		return node.Outputs{"out": stream.Merge(sources...)}, nil
	}
}
