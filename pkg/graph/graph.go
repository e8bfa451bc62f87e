// Package graph defines the declarative, serializable form of a routing
// graph: node instances by id and type, and typed directional connections
// between their ports. The engine instantiates and wires it at load time.
package graph

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version written on newly created and exported graphs.
const Version = "1.0.0"

// Graph is the serialized top-level document.
type Graph struct {
	Version     string                 `json:"version"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Nodes       []Node                 `json:"nodes"`
	Connections []Connection           `json:"connections"`
}

// Node is one serialized node instance. Position is editor state and is
// ignored at runtime.
type Node struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Config   map[string]interface{} `json:"config,omitempty"`
	Position *Position              `json:"position,omitempty"`
	Label    string                 `json:"label,omitempty"`
}

// Position is the node's editor coordinates.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Connection is one typed directional edge between two node ports.
type Connection struct {
	ID           string `json:"id,omitempty"`
	Source       string `json:"source"`
	SourceOutput string `json:"sourceOutput"`
	Target       string `json:"target"`
	TargetInput  string `json:"targetInput"`
}

// NewEmpty returns a graph with no nodes and a created timestamp.
func NewEmpty() *Graph {
	return &Graph{
		Version: Version,
		Metadata: map[string]interface{}{
			"created": time.Now().UTC().Format(time.RFC3339),
		},
		Nodes:       []Node{},
		Connections: []Connection{},
	}
}

// Parse decodes and validates a serialized graph.
func Parse(data []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("invalid graph JSON: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Serialize encodes the graph, stamping metadata.modified. The input graph
// is not mutated.
func (g *Graph) Serialize() ([]byte, error) {
	out := *g
	out.Metadata = make(map[string]interface{}, len(g.Metadata)+1)
	for k, v := range g.Metadata {
		out.Metadata[k] = v
	}
	out.Metadata["modified"] = time.Now().UTC().Format(time.RFC3339)
	return json.MarshalIndent(&out, "", "  ")
}

// Validate enforces the structural invariants: version present, unique node
// ids, connection endpoints referencing existing nodes. Port names are
// checked against node metadata by the engine at wire time, where a registry
// is available. Self-connections are permitted; they support fixed-point
// loops gated by a router.
func (g *Graph) Validate() error {
	if g == nil {
		return fmt.Errorf("graph is nil")
	}
	if g.Version == "" {
		return fmt.Errorf("graph version is empty")
	}

	seen := make(map[string]struct{}, len(g.Nodes))
	for i, n := range g.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node %d has an empty id", i)
		}
		if n.Type == "" {
			return fmt.Errorf("node %q has an empty type", n.ID)
		}
		if _, dup := seen[n.ID]; dup {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		seen[n.ID] = struct{}{}
	}

	for i, c := range g.Connections {
		if c.Source == "" || c.SourceOutput == "" || c.Target == "" || c.TargetInput == "" {
			return fmt.Errorf("connection %d is missing an endpoint field", i)
		}
		if _, ok := seen[c.Source]; !ok {
			return fmt.Errorf("connection %d references unknown source node %q", i, c.Source)
		}
		if _, ok := seen[c.Target]; !ok {
			return fmt.Errorf("connection %d references unknown target node %q", i, c.Target)
		}
	}
	return nil
}

// FindNode returns the serialized node with the given id.
func (g *Graph) FindNode(id string) (*Node, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

// OutgoingConnections returns the connections whose source is the given node.
func (g *Graph) OutgoingConnections(nodeID string) []Connection {
	var out []Connection
	for _, c := range g.Connections {
		if c.Source == nodeID {
			out = append(out, c)
		}
	}
	return out
}
