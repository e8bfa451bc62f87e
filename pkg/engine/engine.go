// Package engine instantiates a declarative graph, wires node streams, and
// drives pipeline messages through them from an entry node.
package engine

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/acphast/acphast/pkg/graph"
	"github.com/acphast/acphast/pkg/node"
	"github.com/acphast/acphast/pkg/pipeline"
	"github.com/acphast/acphast/pkg/stream"
)

// Stats summarizes the installed graph.
type Stats struct {
	NodeCount       int `json:"nodeCount"`
	ConnectionCount int `json:"connectionCount"`
}

// Engine owns the currently installed graph: the instantiated nodes and the
// connections between their ports. Edges are held as endpoint ids, not node
// references, so the node set stays a plain value graph; traversal goes
// through the engine.
type Engine struct {
	registry *node.Registry
	logger   *slog.Logger

	mu          sync.RWMutex
	nodes       map[string]node.Node
	nodeOrder   []string
	connections []graph.Connection
	positions   map[string]*graph.Position
}

// New creates an engine over the given node registry.
func New(registry *node.Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry:  registry,
		logger:    logger,
		nodes:     make(map[string]node.Node),
		positions: make(map[string]*graph.Position),
	}
}

// LoadGraphJSON parses, validates, and installs a serialized graph.
func (e *Engine) LoadGraphJSON(data []byte) error {
	g, err := graph.Parse(data)
	if err != nil {
		return err
	}
	return e.LoadGraph(g)
}

// LoadGraph atomically replaces the installed graph. On any failure mid-way
// the engine is left empty; the old graph is not restored. Callers that need
// keep-old-on-failure semantics (the hot reloader) snapshot via ExportGraph
// first and re-install the snapshot when LoadGraph fails.
func (e *Engine) LoadGraph(g *graph.Graph) error {
	if err := g.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.clearLocked()

	for _, sn := range g.Nodes {
		n, err := e.registry.Create(sn.Type, sn.Config)
		if err != nil {
			e.clearLocked()
			return fmt.Errorf("node %q: %w", sn.ID, err)
		}
		n.SetID(sn.ID)
		if sn.Label != "" {
			n.SetLabel(sn.Label)
		}
		n.SetLogger(e.logger.With("node_id", sn.ID, "node_type", sn.Type))

		e.nodes[sn.ID] = n
		e.nodeOrder = append(e.nodeOrder, sn.ID)
		if sn.Position != nil {
			pos := *sn.Position
			e.positions[sn.ID] = &pos
		}
		if hook, ok := n.(node.AddedHook); ok {
			hook.OnAdded()
		}
	}

	for i, c := range g.Connections {
		source, ok := e.nodes[c.Source]
		if !ok {
			e.clearLocked()
			return fmt.Errorf("connection %d: unknown source node %q", i, c.Source)
		}
		target, ok := e.nodes[c.Target]
		if !ok {
			e.clearLocked()
			return fmt.Errorf("connection %d: unknown target node %q", i, c.Target)
		}

		srcPort, ok := source.Meta().Output(c.SourceOutput)
		if !ok {
			e.clearLocked()
			return fmt.Errorf("connection %d: node %q has no output port %q", i, c.Source, c.SourceOutput)
		}
		dstPort, ok := target.Meta().Input(c.TargetInput)
		if !ok {
			e.clearLocked()
			return fmt.Errorf("connection %d: node %q has no input port %q", i, c.Target, c.TargetInput)
		}
		if srcPort.Socket != dstPort.Socket {
			e.clearLocked()
			return fmt.Errorf("connection %d: socket mismatch %s -> %s", i, srcPort.Socket, dstPort.Socket)
		}

		e.connections = append(e.connections, c)
		if hook, ok := source.(node.ConnectedHook); ok {
			hook.OnConnected(c.SourceOutput, target, c.TargetInput)
		}
	}

	e.logger.Info("graph loaded", "nodes", len(e.nodes), "connections", len(e.connections))
	return nil
}

// ExportGraph snapshots the installed graph back to its serialized form.
func (e *Engine) ExportGraph() *graph.Graph {
	e.mu.RLock()
	defer e.mu.RUnlock()

	g := graph.NewEmpty()
	for _, id := range e.nodeOrder {
		n := e.nodes[id]
		sn := graph.Node{
			ID:     id,
			Type:   n.Meta().Name,
			Config: n.Config(),
			Label:  n.Label(),
		}
		if pos, ok := e.positions[id]; ok {
			p := *pos
			sn.Position = &p
		}
		g.Nodes = append(g.Nodes, sn)
	}
	g.Connections = append(g.Connections, e.connections...)
	return g
}

// Clear removes every node and connection, invoking OnRemoved hooks.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearLocked()
}

func (e *Engine) clearLocked() {
	for _, id := range e.nodeOrder {
		if hook, ok := e.nodes[id].(node.RemovedHook); ok {
			hook.OnRemoved()
		}
	}
	e.nodes = make(map[string]node.Node)
	e.nodeOrder = nil
	e.connections = nil
	e.positions = make(map[string]*graph.Position)
}

// GetNode returns the instantiated node with the given id.
func (e *Engine) GetNode(id string) (node.Node, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n, ok := e.nodes[id]
	return n, ok
}

// GetNodes returns a defensive copy of the id-to-node view. Mutating the
// returned map does not affect the engine.
func (e *Engine) GetNodes() map[string]node.Node {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]node.Node, len(e.nodes))
	for id, n := range e.nodes {
		out[id] = n
	}
	return out
}

// GetStats returns node and connection counts.
func (e *Engine) GetStats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{NodeCount: len(e.nodes), ConnectionCount: len(e.connections)}
}

// Execute drives one message through the graph starting at the entry node
// and returns the terminal output stream. Execution is lazy: nothing runs
// until the returned stream is subscribed.
func (e *Engine) Execute(entryNodeID string, msg *pipeline.Message, ctx *pipeline.Context) (*node.MessageStream, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, ok := e.nodes[entryNodeID]; !ok {
		return nil, fmt.Errorf("entry node %q not found", entryNodeID)
	}
	return e.runPlan(e.planLocked(entryNodeID), entryNodeID, msg, ctx), nil
}

// entryInputPort picks the conventional "in" port, falling back to the sole
// declared input.
func (e *Engine) entryInputPort(n node.Node) string {
	meta := n.Meta()
	if _, ok := meta.Input("in"); ok {
		return "in"
	}
	return meta.Inputs[0].Name
}

// executionPlan is the wired form of the subgraph reachable from the entry:
// node ids in dependency order plus the connection classification. Forward
// edges carry a producer's output into a consumer's inputs; back edges close
// a cycle (self-connections included) and are tapped straight into the
// terminal stream instead of re-entering their target.
type executionPlan struct {
	order   []string
	forward []graph.Connection
	back    []graph.Connection
}

// consumers lists the forward edges leaving one output port plus the number
// of back-edge taps on it.
func (p *executionPlan) consumers(nodeID, port string) (forward []graph.Connection, taps int) {
	for _, c := range p.forward {
		if c.Source == nodeID && c.SourceOutput == port {
			forward = append(forward, c)
		}
	}
	for _, c := range p.back {
		if c.Source == nodeID && c.SourceOutput == port {
			taps++
		}
	}
	return forward, taps
}

// planLocked walks the graph depth-first from the entry, classifying each
// connection and ordering nodes so every producer precedes its consumers.
func (e *Engine) planLocked(entryID string) *executionPlan {
	const (
		unvisited = iota
		onPath
		finished
	)
	state := make(map[string]int, len(e.nodes))
	plan := &executionPlan{}

	var visit func(id string)
	visit = func(id string) {
		state[id] = onPath
		for _, c := range e.outgoingLocked(id) {
			switch state[c.Target] {
			case onPath:
				plan.back = append(plan.back, c)
			case unvisited:
				plan.forward = append(plan.forward, c)
				visit(c.Target)
			default:
				plan.forward = append(plan.forward, c)
			}
		}
		state[id] = finished
		plan.order = append(plan.order, id)
	}
	visit(entryID)

	for i, j := 0, len(plan.order)-1; i < j; i, j = i+1, j-1 {
		plan.order[i], plan.order[j] = plan.order[j], plan.order[i]
	}
	return plan
}

// runPlan wires the subgraph in two phases: each node's inputs are fully
// assembled from every inbound connection before its Process runs exactly
// once, so join nodes see all of their branches. An output port wired to
// multiple consumers fans out through a tee; ports nobody consumes,
// back-edge taps, and sink inputs merge into the terminal stream.
func (e *Engine) runPlan(plan *executionPlan, entryID string, msg *pipeline.Message, ctx *pipeline.Context) *node.MessageStream {
	inputs := make(map[string]node.Inputs, len(plan.order))
	addInput := func(id, port string, s *node.MessageStream) {
		in, ok := inputs[id]
		if !ok {
			in = make(node.Inputs)
			inputs[id] = in
		}
		in[port] = append(in[port], s)
	}

	entry := e.nodes[entryID]
	if len(entry.Meta().Inputs) > 0 {
		addInput(entryID, e.entryInputPort(entry), stream.Of(msg))
	}

	var terminal []*node.MessageStream
	for _, id := range plan.order {
		n := e.nodes[id]
		meta := n.Meta()
		in := inputs[id]

		// A sink terminates its branch: the merged input is surfaced as
		// terminal output so the final message still reaches the caller.
		if len(meta.Outputs) == 0 {
			if s := sinkStream(n, in); s != nil {
				terminal = append(terminal, s)
			}
			continue
		}

		var outputs node.Outputs
		if id == entryID && len(meta.Inputs) == 0 {
			// Entry markers have nothing to process; the initial message
			// is injected directly as their first output.
			outputs = node.Outputs{meta.Outputs[0].Name: stream.Of(msg)}
		} else {
			if len(in) == 0 {
				// Every inbound port went unproduced upstream.
				continue
			}
			var err error
			outputs, err = e.processNode(n, in, ctx)
			if err != nil {
				ctx.AddError(err)
				return stream.Fail[*pipeline.Message](err)
			}
		}

		for _, port := range meta.Outputs {
			out, ok := outputs[port.Name]
			if !ok {
				continue
			}
			forward, taps := plan.consumers(id, port.Name)
			if len(forward)+taps == 0 {
				terminal = append(terminal, out)
				continue
			}
			branches := stream.Tee(out, len(forward)+taps)
			for i, c := range forward {
				addInput(c.Target, c.TargetInput, branches[i])
			}
			terminal = append(terminal, branches[len(forward):]...)
		}
	}

	if len(terminal) == 0 {
		return stream.Empty[*pipeline.Message]()
	}
	return stream.Merge(terminal...)
}

// sinkStream merges a sink node's inbound streams, passing each message
// through the node's TerminalHook when implemented.
func sinkStream(n node.Node, in node.Inputs) *node.MessageStream {
	var streams []*node.MessageStream
	for _, fanIn := range in {
		streams = append(streams, fanIn...)
	}
	if len(streams) == 0 {
		return nil
	}
	merged := node.MergeInputs(streams)
	hook, ok := n.(node.TerminalHook)
	if !ok {
		return merged
	}
	return stream.Map(merged, func(msg *pipeline.Message) (*pipeline.Message, error) {
		hook.OnTerminal(msg)
		return msg, nil
	})
}

// processNode invokes Process with panic recovery and timing.
func (e *Engine) processNode(n node.Node, inputs node.Inputs, ctx *pipeline.Context) (outputs node.Outputs, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("node %q panicked: %v", n.ID(), r)
		}
	}()

	ctx.StartNode(n.ID())
	defer ctx.EndNode(n.ID())

	outputs, err = n.Process(inputs, ctx)
	if err != nil {
		return nil, err
	}

	// A node may return fewer ports than declared, never more.
	meta := n.Meta()
	for name := range outputs {
		if _, ok := meta.Output(name); !ok {
			return nil, fmt.Errorf("node %q returned undeclared output port %q", n.ID(), name)
		}
	}
	return outputs, nil
}

func (e *Engine) outgoingLocked(nodeID string) []graph.Connection {
	var out []graph.Connection
	for _, c := range e.connections {
		if c.Source == nodeID {
			out = append(out, c)
		}
	}
	return out
}
