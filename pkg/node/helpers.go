package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/acphast/acphast/pkg/pipeline"
	"github.com/acphast/acphast/pkg/stream"
)

// routerBuffer bounds how many routed messages queue on an output port ahead
// of its consumer. A subscribed port applies backpressure once the buffer is
// full; a port nobody ever subscribes drops overflow with a warning instead
// of wedging the pump.
const routerBuffer = 64

// MergeInputs flattens a port's fan-in into one stream in arrival order.
func MergeInputs(streams []*MessageStream) *MessageStream {
	switch len(streams) {
	case 0:
		return stream.Empty[*pipeline.Message]()
	case 1:
		return streams[0]
	default:
		return stream.Merge(streams...)
	}
}

// SingleInput returns the sole declared input port's merged fan-in.
func SingleInput(n Node, inputs Inputs) (*MessageStream, error) {
	meta := n.Meta()
	if len(meta.Inputs) != 1 {
		return nil, fmt.Errorf("node %q does not have exactly one input port", meta.Name)
	}
	port := meta.Inputs[0].Name
	upstream, ok := inputs[port]
	if !ok || len(upstream) == 0 {
		return nil, fmt.Errorf("node %q input %q is not connected", meta.Name, port)
	}
	return MergeInputs(upstream), nil
}

// ProcessStreamFunc expands one message into an output stream.
type ProcessStreamFunc func(msg *pipeline.Message, ctx *pipeline.Context) *MessageStream

// RunStreaming builds the standard Process for a streaming node: the single
// input's messages are each expanded through processStream and the results
// are concatenated onto the sole output port.
func RunStreaming(n Node, inputs Inputs, ctx *pipeline.Context, processStream ProcessStreamFunc) (Outputs, error) {
	in, err := SingleInput(n, inputs)
	if err != nil {
		return nil, err
	}
	meta := n.Meta()
	if len(meta.Outputs) != 1 {
		return nil, fmt.Errorf("node %q does not have exactly one output port", meta.Name)
	}
	out := stream.FlatMap(in, func(msg *pipeline.Message) *MessageStream {
		return processStream(msg, ctx)
	})
	return Outputs{meta.Outputs[0].Name: out}, nil
}

// RouteFunc picks the output port for a message. Returning "" drops the
// message.
type RouteFunc func(msg *pipeline.Message, ctx *pipeline.Context) (string, error)

// RunRouter builds the standard Process for a router node: the single input
// is dispatched to exactly one (or none) of the declared output ports per
// message. Each declared port gets its own output stream carrying only the
// messages routed to it.
func RunRouter(n Node, inputs Inputs, ctx *pipeline.Context, route RouteFunc) (Outputs, error) {
	in, err := SingleInput(n, inputs)
	if err != nil {
		return nil, err
	}
	meta := n.Meta()
	if len(meta.Outputs) == 0 {
		return nil, fmt.Errorf("node %q declares no output ports", meta.Name)
	}

	type routed struct {
		msg *pipeline.Message
		err error
	}
	type routerPort struct {
		ch         chan routed
		subscribed chan struct{}
		subOnce    sync.Once
		quit       chan struct{}
		quitOnce   sync.Once
	}

	ports := make(map[string]*routerPort, len(meta.Outputs))
	for _, p := range meta.Outputs {
		ports[p.Name] = &routerPort{
			ch:         make(chan routed, routerBuffer),
			subscribed: make(chan struct{}),
			quit:       make(chan struct{}),
		}
	}

	outputs := make(Outputs, len(meta.Outputs))
	var (
		startOnce sync.Once
		pumpErr   error
		pumpDone  = make(chan struct{})
	)

	start := func(runCtx context.Context) {
		startOnce.Do(func() {
			go func() {
				defer close(pumpDone)
				err := runInput(runCtx, in, func(msg *pipeline.Message) error {
					portName, rerr := route(msg, ctx)
					if rerr != nil {
						return rerr
					}
					if portName == "" {
						return nil
					}
					rp, ok := ports[portName]
					if !ok {
						return fmt.Errorf("router %q routed to undeclared port %q", meta.Name, portName)
					}
					select {
					case rp.ch <- routed{msg: msg}:
						return nil
					default:
					}
					select {
					case <-rp.subscribed:
					default:
						// No consumer ever attached; drop rather than
						// wedge the pump.
						n.Logger().Warn("router output buffer full, dropping message",
							"node", n.ID(), "port", portName)
						return nil
					}
					select {
					case rp.ch <- routed{msg: msg}:
					case <-rp.quit:
					case <-runCtx.Done():
						return runCtx.Err()
					}
					return nil
				})
				pumpErr = err
				for _, rp := range ports {
					close(rp.ch)
				}
			}()
		})
	}

	for _, p := range meta.Outputs {
		rp := ports[p.Name]
		outputs[p.Name] = stream.New(func(sctx context.Context, emit func(*pipeline.Message) error) error {
			rp.subOnce.Do(func() { close(rp.subscribed) })
			defer rp.quitOnce.Do(func() { close(rp.quit) })
			start(sctx)
			for {
				select {
				case r, ok := <-rp.ch:
					if !ok {
						<-pumpDone
						return pumpErr
					}
					if r.err != nil {
						return r.err
					}
					if err := emit(r.msg); err != nil {
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

// runInput subscribes to a stream and forwards each message synchronously,
// blocking until the stream terminates.
func runInput(ctx context.Context, in *MessageStream, f func(*pipeline.Message) error) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		forwardErr error
		streamErr  error
	)
	sub, err := in.Subscribe(runCtx,
		func(msg *pipeline.Message) {
			if forwardErr != nil {
				return
			}
			if err := f(msg); err != nil {
				forwardErr = err
				cancel()
			}
		},
		func(err error) { streamErr = err },
		nil,
	)
	if err != nil {
		return err
	}
	<-sub.Done()

	if forwardErr != nil {
		return forwardErr
	}
	if streamErr != nil && streamErr != context.Canceled {
		return streamErr
	}
	return nil
}
