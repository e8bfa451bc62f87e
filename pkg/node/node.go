// Package node defines the uniform node contract: typed ports, static
// metadata, config, lifecycle hooks, and the registry that maps type names to
// factories. Translator, client, normalizer, router, splitter, combiner, and
// passthrough nodes all interoperate through this contract.
package node

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/invopop/jsonschema"

	"github.com/acphast/acphast/pkg/pipeline"
	"github.com/acphast/acphast/pkg/stream"
)

// SocketType tags a port. Two ports are connectable only when their socket
// types match.
type SocketType string

const (
	SocketPipeline SocketType = "pipeline"
	SocketControl  SocketType = "control"
	SocketConfig   SocketType = "config"
)

// Category classifies a node for the editor's palette. It does not affect
// execution.
type Category string

const (
	CategoryInput     Category = "input"
	CategoryOutput    Category = "output"
	CategoryRouting   Category = "routing"
	CategoryTransform Category = "transform"
	CategoryAdapter   Category = "adapter"
	CategoryUtility   Category = "utility"
)

// PortDef describes one input or output port.
type PortDef struct {
	Name        string     `json:"name"`
	Socket      SocketType `json:"socket"`
	Required    bool       `json:"required,omitempty"`
	Description string     `json:"description,omitempty"`
}

// Metadata is a node type's static description. Name doubles as the registry
// type name.
type Metadata struct {
	Name         string             `json:"name"`
	Category     Category           `json:"category"`
	Description  string             `json:"description"`
	Inputs       []PortDef          `json:"inputs"`
	Outputs      []PortDef          `json:"outputs"`
	ConfigSchema *jsonschema.Schema `json:"configSchema,omitempty"`
}

// Input returns the input port with the given name.
func (m Metadata) Input(name string) (PortDef, bool) {
	for _, p := range m.Inputs {
		if p.Name == name {
			return p, true
		}
	}
	return PortDef{}, false
}

// Output returns the output port with the given name.
func (m Metadata) Output(name string) (PortDef, bool) {
	for _, p := range m.Outputs {
		if p.Name == name {
			return p, true
		}
	}
	return PortDef{}, false
}

// MessageStream is the stream type carried on every edge.
type MessageStream = stream.Stream[*pipeline.Message]

// Inputs maps an input port name to the ordered upstream streams targeting
// it. A port with multiple inbound connections is a fan-in; the node decides
// how to combine them.
type Inputs map[string][]*MessageStream

// Outputs maps an output port name to the stream the node produced for it. A
// node may return fewer ports than its metadata declares, never more.
type Outputs map[string]*MessageStream

// Node is the uniform contract every graph node implements.
type Node interface {
	Meta() Metadata

	ID() string
	SetID(id string)
	Label() string
	SetLabel(label string)

	Config() map[string]interface{}
	UpdateConfig(config map[string]interface{})

	SetLogger(logger *slog.Logger)
	Logger() *slog.Logger

	// Validate returns human-readable configuration problems.
	Validate() []string

	// Process consumes the input streams and produces output streams. It
	// must not block; all work happens lazily inside the returned streams.
	Process(inputs Inputs, ctx *pipeline.Context) (Outputs, error)
}

// Optional lifecycle hooks, invoked by the engine when implemented.
type (
	// AddedHook runs after the node is inserted into the graph.
	AddedHook interface{ OnAdded() }
	// RemovedHook runs before the node is removed from the graph.
	RemovedHook interface{ OnRemoved() }
	// ConnectedHook runs when an outgoing edge is formed from the node.
	ConnectedHook interface {
		OnConnected(port string, peer Node, peerPort string)
	}
	// DisconnectedHook runs when an outgoing edge is removed.
	DisconnectedHook interface{ OnDisconnected(port string) }

	// TerminalHook is implemented by sink nodes (no declared outputs). The
	// engine does not invoke Process on a sink; instead it surfaces the
	// sink's merged input as the branch's terminal stream, calling
	// OnTerminal for each message that passes through.
	TerminalHook interface{ OnTerminal(msg *pipeline.Message) }
)

// Base carries the instance state shared by every node implementation. Embed
// it and provide Meta, Validate, and Process.
type Base struct {
	mu     sync.RWMutex
	id     string
	label  string
	config map[string]interface{}
	logger *slog.Logger
}

// NewBase creates instance state with a generated id and the given config.
func NewBase(config map[string]interface{}) Base {
	if config == nil {
		config = make(map[string]interface{})
	}
	return Base{
		id:     uuid.New().String(),
		config: config,
		logger: slog.Default(),
	}
}

func (b *Base) ID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.id
}

func (b *Base) SetID(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.id = id
}

func (b *Base) Label() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.label
}

func (b *Base) SetLabel(label string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.label = label
}

// Config returns a copy of the instance config.
func (b *Base) Config() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]interface{}, len(b.config))
	for k, v := range b.config {
		out[k] = v
	}
	return out
}

// UpdateConfig merges the given keys into the instance config.
func (b *Base) UpdateConfig(config map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range config {
		b.config[k] = v
	}
}

// ConfigValue reads one config key.
func (b *Base) ConfigValue(key string) (interface{}, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.config[key]
	return v, ok
}

func (b *Base) SetLogger(logger *slog.Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if logger != nil {
		b.logger = logger
	}
}

func (b *Base) Logger() *slog.Logger {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.logger
}

// ConfigSchemaFor derives a JSON schema for a node's typed config struct.
// Node types expose it through their metadata so the editor can render
// config forms.
func ConfigSchemaFor(v interface{}) *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
	}
	return reflector.Reflect(v)
}
