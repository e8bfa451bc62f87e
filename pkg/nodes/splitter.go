package nodes

import (
	"context"
	"fmt"
	"sync"

	"github.com/acphast/acphast/pkg/node"
	"github.com/acphast/acphast/pkg/pipeline"
	"github.com/acphast/acphast/pkg/stream"
)

const (
	splitterMinOutputs     = 2
	splitterMaxOutputs     = 10
	splitterDefaultOutputs = 2
	splitterBuffer         = 64
)

// SplitterConfig sets the fan-out width.
type SplitterConfig struct {
	OutputCount int `json:"outputCount,omitempty"`
}

// Splitter emits each input message on every output port, cloning the
// message per branch. Clones share the request context so streaming updates
// from any branch reach the same client.
type Splitter struct {
	node.Base
}

func SplitterMeta() node.Metadata {
	return splitterMeta(splitterDefaultOutputs)
}

func splitterMeta(count int) node.Metadata {
	outputs := make([]node.PortDef, count)
	for i := range outputs {
		outputs[i] = node.PortDef{
			Name:   fmt.Sprintf("out%d", i+1),
			Socket: node.SocketPipeline,
		}
	}
	return node.Metadata{
		Name:         "Splitter",
		Category:     node.CategoryRouting,
		Description:  "Duplicates each message onto every output for parallel dispatch",
		Inputs:       []node.PortDef{{Name: "in", Socket: node.SocketPipeline, Required: true}},
		Outputs:      outputs,
		ConfigSchema: node.ConfigSchemaFor(&SplitterConfig{}),
	}
}

func NewSplitter(config map[string]interface{}) *Splitter {
	return &Splitter{Base: node.NewBase(config)}
}

func (n *Splitter) outputCount() int {
	var cfg SplitterConfig
	_ = decodeConfig(n.Config(), &cfg)
	if cfg.OutputCount == 0 {
		return splitterDefaultOutputs
	}
	return cfg.OutputCount
}

func (n *Splitter) Meta() node.Metadata {
	count := n.outputCount()
	if count < splitterMinOutputs || count > splitterMaxOutputs {
		count = splitterDefaultOutputs
	}
	return splitterMeta(count)
}

func (n *Splitter) Validate() []string {
	count := n.outputCount()
	if count < splitterMinOutputs || count > splitterMaxOutputs {
		return []string{fmt.Sprintf("outputCount %d must be between %d and %d",
			count, splitterMinOutputs, splitterMaxOutputs)}
	}
	return nil
}

func (n *Splitter) Process(inputs node.Inputs, ctx *pipeline.Context) (node.Outputs, error) {
	in, err := node.SingleInput(n, inputs)
	if err != nil {
		return nil, err
	}
	meta := n.Meta()

	type splitPort struct {
		ch         chan *pipeline.Message
		subscribed chan struct{}
		subOnce    sync.Once
		quit       chan struct{}
		quitOnce   sync.Once
	}
	ports := make(map[string]*splitPort, len(meta.Outputs))
	for _, p := range meta.Outputs {
		ports[p.Name] = &splitPort{
			ch:         make(chan *pipeline.Message, splitterBuffer),
			subscribed: make(chan struct{}),
			quit:       make(chan struct{}),
		}
	}

	var (
		startOnce sync.Once
		pumpErr   error
		pumpDone  = make(chan struct{})
	)

	// The pump starts on the first subscription to any port and fans every
	// message out to all of them. A subscribed port applies backpressure
	// once its buffer is full; a port whose consumer never subscribes drops
	// overflow instead of wedging the pump.
	start := func(runCtx context.Context) {
		startOnce.Do(func() {
			go func() {
				defer close(pumpDone)
				var streamErr error
				pumpCtx, cancel := context.WithCancel(runCtx)
				sub, err := in.Subscribe(pumpCtx,
					func(msg *pipeline.Message) {
						for portName, sp := range ports {
							clone := msg.Clone()
							select {
							case sp.ch <- clone:
								continue
							default:
							}
							select {
							case <-sp.subscribed:
							default:
								n.Logger().Warn("splitter output buffer full, dropping message",
									"node", n.ID(), "port", portName)
								continue
							}
							select {
							case sp.ch <- clone:
							case <-sp.quit:
							case <-pumpCtx.Done():
							}
						}
					},
					func(err error) { streamErr = err },
					nil,
				)
				if err != nil {
					cancel()
					pumpErr = err
				} else {
					<-sub.Done()
					cancel()
					if streamErr != nil && streamErr != context.Canceled {
						pumpErr = streamErr
					}
				}
				for _, sp := range ports {
					close(sp.ch)
				}
			}()
		})
	}

	outputs := make(node.Outputs, len(meta.Outputs))
	for _, p := range meta.Outputs {
		sp := ports[p.Name]
		outputs[p.Name] = stream.New(func(sctx context.Context, emit func(*pipeline.Message) error) error {
			sp.subOnce.Do(func() { close(sp.subscribed) })
			defer sp.quitOnce.Do(func() { close(sp.quit) })
			start(sctx)
			for {
				select {
				case msg, ok := <-sp.ch:
					if !ok {
						<-pumpDone
						return pumpErr
					}
					if err := emit(msg); err != nil {
						return err
					}
				case <-sctx.Done():
					return sctx.Err()
				}
			}
		})
	}
	return outputs, nil
}
