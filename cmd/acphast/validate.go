package main

import (
	"fmt"
	"os"

	"github.com/acphast/acphast/pkg/graph"
	"github.com/acphast/acphast/pkg/node"
	"github.com/acphast/acphast/pkg/nodes"
)

// ValidateCmd checks a graph file: structural validation, known node types,
// port references, and each node's own config validation.
type ValidateCmd struct {
	Graph string `arg:"" help:"Path to the graph file." type:"path"`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	data, err := os.ReadFile(c.Graph)
	if err != nil {
		return fmt.Errorf("failed to read graph %s: %w", c.Graph, err)
	}

	g, err := graph.Parse(data)
	if err != nil {
		return fmt.Errorf("graph is invalid: %w", err)
	}

	registry := node.NewRegistry()
	if err := nodes.RegisterAll(registry); err != nil {
		return err
	}

	var problems []string
	instances := make(map[string]node.Node, len(g.Nodes))
	for _, sn := range g.Nodes {
		n, err := registry.Create(sn.Type, sn.Config)
		if err != nil {
			problems = append(problems, fmt.Sprintf("node %q: %v", sn.ID, err))
			continue
		}
		n.SetID(sn.ID)
		instances[sn.ID] = n
		for _, p := range n.Validate() {
			problems = append(problems, fmt.Sprintf("node %q: %s", sn.ID, p))
		}
	}

	for i, conn := range g.Connections {
		source, sourceOK := instances[conn.Source]
		target, targetOK := instances[conn.Target]
		if !sourceOK || !targetOK {
			continue
		}
		if _, ok := source.Meta().Output(conn.SourceOutput); !ok {
			problems = append(problems, fmt.Sprintf(
				"connection %d: node %q has no output port %q", i, conn.Source, conn.SourceOutput))
		}
		if _, ok := target.Meta().Input(conn.TargetInput); !ok {
			problems = append(problems, fmt.Sprintf(
				"connection %d: node %q has no input port %q", i, conn.Target, conn.TargetInput))
		}
	}

	if len(problems) > 0 {
		fmt.Printf("graph %s has %d problem(s):\n", c.Graph, len(problems))
		for _, p := range problems {
			fmt.Printf("  - %s\n", p)
		}
		return fmt.Errorf("validation failed")
	}

	fmt.Printf("graph %s is valid: %d node(s), %d connection(s)\n",
		c.Graph, len(g.Nodes), len(g.Connections))
	return nil
}
