package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acphast/acphast/pkg/acp"
	"github.com/acphast/acphast/pkg/node"
	"github.com/acphast/acphast/pkg/nodes"
	"github.com/acphast/acphast/pkg/pipeline"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	registry := node.NewRegistry()
	require.NoError(t, nodes.RegisterAll(registry))
	return New(registry, nil)
}

func pingMessage(ctx *pipeline.Context, params map[string]interface{}) *pipeline.Message {
	return pipeline.NewMessage(ctx, &acp.Request{
		JSONRPC: acp.Version,
		Method:  "acp/ping",
		ID:      "1",
		Params:  params,
	})
}

func TestLoadGraphJSON(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.LoadGraphJSON([]byte(`{
		"version": "1.0.0",
		"nodes": [
			{"id": "in", "type": "ACP Input"},
			{"id": "p1", "type": "Passthrough"}
		],
		"connections": [
			{"source": "in", "sourceOutput": "out", "target": "p1", "targetInput": "in"}
		]
	}`)))

	stats := e.GetStats()
	assert.Equal(t, 2, stats.NodeCount)
	assert.Equal(t, 1, stats.ConnectionCount)

	n, ok := e.GetNode("p1")
	require.True(t, ok)
	assert.Equal(t, "Passthrough", n.Meta().Name)
}

func TestLoadGraphFailureLeavesEngineEmpty(t *testing.T) {
	e := newEngine(t)
	err := e.LoadGraphJSON([]byte(`{
		"version": "1.0.0",
		"nodes": [{"id": "n1", "type": "No Such Node"}]
	}`))
	require.Error(t, err)
	assert.Equal(t, 0, e.GetStats().NodeCount)
}

func TestLoadGraphRejectsUnknownPort(t *testing.T) {
	e := newEngine(t)
	err := e.LoadGraphJSON([]byte(`{
		"version": "1.0.0",
		"nodes": [
			{"id": "a", "type": "Passthrough"},
			{"id": "b", "type": "Passthrough"}
		],
		"connections": [
			{"source": "a", "sourceOutput": "sideband", "target": "b", "targetInput": "in"}
		]
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no output port")
}

func TestExecuteSingleNode(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.LoadGraphJSON([]byte(`{
		"version": "1.0.0",
		"nodes": [{"id": "n1", "type": "Passthrough"}]
	}`)))

	ctx := pipeline.NewContext(nil, nil)
	out, err := e.Execute("n1", pingMessage(ctx, nil), ctx)
	require.NoError(t, err)

	values, err := out.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, "acp/ping", values[0].Request.Method)
}

func TestExecuteEntryMarkerInjection(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.LoadGraphJSON([]byte(`{
		"version": "1.0.0",
		"nodes": [
			{"id": "in", "type": "ACP Input"},
			{"id": "p1", "type": "Passthrough"}
		],
		"connections": [
			{"source": "in", "sourceOutput": "out", "target": "p1", "targetInput": "in"}
		]
	}`)))

	ctx := pipeline.NewContext(nil, nil)
	out, err := e.Execute("in", pingMessage(ctx, nil), ctx)
	require.NoError(t, err)

	values, err := out.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, "acp/ping", values[0].Request.Method)
}

func TestExecuteTranslatorChain(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.LoadGraphJSON([]byte(`{
		"version": "1.0.0",
		"nodes": [
			{"id": "in", "type": "ACP Input"},
			{"id": "tr", "type": "Anthropic Translator"},
			{"id": "norm", "type": "Response Normalizer"}
		],
		"connections": [
			{"source": "in", "sourceOutput": "out", "target": "tr", "targetInput": "in"},
			{"source": "tr", "sourceOutput": "out", "target": "norm", "targetInput": "in"}
		]
	}`)))

	ctx := pipeline.NewContext(nil, nil)
	msg := pingMessage(ctx, map[string]interface{}{
		"max_tokens": 2048.0,
		"messages":   []interface{}{},
		"_meta": map[string]interface{}{
			"anthropic": map[string]interface{}{
				"top_p":          0.9,
				"top_k":          50.0,
				"stop_sequences": []interface{}{"END"},
			},
		},
	})

	out, err := e.Execute("in", msg, ctx)
	require.NoError(t, err)
	values, err := out.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, values, 1)

	result := values[0]
	assert.Equal(t, "anthropic", result.Backend)
	translated, ok := result.Translated.(*nodes.AnthropicRequest)
	require.True(t, ok)
	assert.True(t, translated.Stream)
	assert.Equal(t, 2048, translated.MaxTokens)
	require.NotNil(t, translated.TopK)
	assert.Equal(t, 50, *translated.TopK)
	require.NotNil(t, translated.TopP)
	assert.InDelta(t, 0.9, *translated.TopP, 1e-9)
	assert.Equal(t, []interface{}{"END"}, translated.StopSequences)
}

func TestExecuteRouter(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.LoadGraphJSON([]byte(`{
		"version": "1.0.0",
		"nodes": [
			{"id": "r", "type": "Meta Router",
				"config": {"path": "route", "outputs": ["fast", "slow"]}},
			{"id": "pf", "type": "Passthrough"},
			{"id": "ps", "type": "Passthrough"}
		],
		"connections": [
			{"source": "r", "sourceOutput": "fast", "target": "pf", "targetInput": "in"},
			{"source": "r", "sourceOutput": "slow", "target": "ps", "targetInput": "in"}
		]
	}`)))

	t.Run("routes by params field", func(t *testing.T) {
		ctx := pipeline.NewContext(nil, nil)
		out, err := e.Execute("r", pingMessage(ctx, map[string]interface{}{"route": "fast"}), ctx)
		require.NoError(t, err)
		values, err := out.Collect(context.Background())
		require.NoError(t, err)
		assert.Len(t, values, 1)
	})

	t.Run("drops unroutable messages", func(t *testing.T) {
		ctx := pipeline.NewContext(nil, nil)
		out, err := e.Execute("r", pingMessage(ctx, map[string]interface{}{"route": "bogus"}), ctx)
		require.NoError(t, err)
		values, err := out.Collect(context.Background())
		require.NoError(t, err)
		assert.Empty(t, values)
	})
}

func TestExecuteParallelJoin(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.LoadGraphJSON([]byte(`{
		"version": "1.0.0",
		"nodes": [
			{"id": "split", "type": "Splitter"},
			{"id": "a", "type": "Passthrough"},
			{"id": "b", "type": "Passthrough"},
			{"id": "join", "type": "Analyzed Combiner", "config": {"instruction": "compare"}}
		],
		"connections": [
			{"source": "split", "sourceOutput": "out1", "target": "a", "targetInput": "in"},
			{"source": "split", "sourceOutput": "out2", "target": "b", "targetInput": "in"},
			{"source": "a", "sourceOutput": "out", "target": "join", "targetInput": "in1"},
			{"source": "b", "sourceOutput": "out", "target": "join", "targetInput": "in2"}
		]
	}`)))

	joinNode, ok := e.GetNode("join")
	require.True(t, ok)
	combiner, ok := joinNode.(*nodes.AnalyzedCombiner)
	require.True(t, ok)
	combiner.SetAnalyzeFunc(func(context.Context, string, *pipeline.Message, *pipeline.Message) (string, error) {
		return "combined", nil
	})

	ctx := pipeline.NewContext(nil, nil)
	out, err := e.Execute("split", pingMessage(ctx, nil), ctx)
	require.NoError(t, err)

	values, err := out.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, values, 1)
	resp, ok := values[0].Response.(*acp.NormalizedResponse)
	require.True(t, ok)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "combined", resp.Content[0].Text)
}

func TestExecuteFanOutFromOnePort(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.LoadGraphJSON([]byte(`{
		"version": "1.0.0",
		"nodes": [
			{"id": "p0", "type": "Passthrough"},
			{"id": "a", "type": "Passthrough"},
			{"id": "b", "type": "Passthrough"}
		],
		"connections": [
			{"source": "p0", "sourceOutput": "out", "target": "a", "targetInput": "in"},
			{"source": "p0", "sourceOutput": "out", "target": "b", "targetInput": "in"}
		]
	}`)))

	ctx := pipeline.NewContext(nil, nil)
	out, err := e.Execute("p0", pingMessage(ctx, nil), ctx)
	require.NoError(t, err)

	values, err := out.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, values, 2)
	for _, v := range values {
		assert.Equal(t, "acp/ping", v.Request.Method)
	}
}

func TestExecuteTerminalMarker(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.LoadGraphJSON([]byte(`{
		"version": "1.0.0",
		"nodes": [
			{"id": "in", "type": "ACP Input"},
			{"id": "p1", "type": "Passthrough"},
			{"id": "out", "type": "ACP Output"}
		],
		"connections": [
			{"source": "in", "sourceOutput": "out", "target": "p1", "targetInput": "in"},
			{"source": "p1", "sourceOutput": "out", "target": "out", "targetInput": "in"}
		]
	}`)))

	ctx := pipeline.NewContext(nil, nil)
	out, err := e.Execute("in", pingMessage(ctx, nil), ctx)
	require.NoError(t, err)

	values, err := out.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, "acp/ping", values[0].Request.Method)
}

func TestExecuteSelfConnection(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.LoadGraphJSON([]byte(`{
		"version": "1.0.0",
		"nodes": [{"id": "loop", "type": "Passthrough"}],
		"connections": [
			{"source": "loop", "sourceOutput": "out", "target": "loop", "targetInput": "in"}
		]
	}`)))

	ctx := pipeline.NewContext(nil, nil)
	out, err := e.Execute("loop", pingMessage(ctx, nil), ctx)
	require.NoError(t, err)

	values, err := out.Collect(context.Background())
	require.NoError(t, err)
	assert.Len(t, values, 1)
}

func TestExecuteUnknownEntry(t *testing.T) {
	e := newEngine(t)
	_, err := e.Execute("ghost", pingMessage(pipeline.NewContext(nil, nil), nil), pipeline.NewContext(nil, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

type misbehavingNode struct {
	node.Base
}

func misbehavingMeta() node.Metadata {
	return node.Metadata{
		Name:    "Misbehaving",
		Inputs:  []node.PortDef{{Name: "in", Socket: node.SocketPipeline}},
		Outputs: []node.PortDef{{Name: "out", Socket: node.SocketPipeline}},
	}
}

func (n *misbehavingNode) Meta() node.Metadata { return misbehavingMeta() }
func (n *misbehavingNode) Validate() []string  { return nil }
func (n *misbehavingNode) Process(inputs node.Inputs, ctx *pipeline.Context) (node.Outputs, error) {
	in, err := node.SingleInput(n, inputs)
	if err != nil {
		return nil, err
	}
	return node.Outputs{"sideband": in}, nil
}

type panickyNode struct {
	node.Base
}

func (n *panickyNode) Meta() node.Metadata {
	meta := misbehavingMeta()
	meta.Name = "Panicky"
	return meta
}
func (n *panickyNode) Validate() []string { return nil }
func (n *panickyNode) Process(node.Inputs, *pipeline.Context) (node.Outputs, error) {
	panic("unreachable state")
}

func TestExecuteRejectsUndeclaredOutput(t *testing.T) {
	registry := node.NewRegistry()
	meta := misbehavingMeta()
	require.NoError(t, registry.Register(meta, func(config map[string]interface{}) node.Node {
		return &misbehavingNode{Base: node.NewBase(config)}
	}))
	e := New(registry, nil)
	require.NoError(t, e.LoadGraphJSON([]byte(`{
		"version": "1.0.0",
		"nodes": [{"id": "m", "type": "Misbehaving"}]
	}`)))

	ctx := pipeline.NewContext(nil, nil)
	out, err := e.Execute("m", pingMessage(ctx, nil), ctx)
	require.NoError(t, err)

	_, err = out.Collect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undeclared output port")
	require.NotEmpty(t, ctx.Errors())
}

func TestExecuteRecoversNodePanic(t *testing.T) {
	registry := node.NewRegistry()
	pm := (&panickyNode{}).Meta()
	require.NoError(t, registry.Register(pm, func(config map[string]interface{}) node.Node {
		return &panickyNode{Base: node.NewBase(config)}
	}))
	e := New(registry, nil)
	require.NoError(t, e.LoadGraphJSON([]byte(`{
		"version": "1.0.0",
		"nodes": [{"id": "p", "type": "Panicky"}]
	}`)))

	ctx := pipeline.NewContext(nil, nil)
	out, err := e.Execute("p", pingMessage(ctx, nil), ctx)
	require.NoError(t, err)

	_, err = out.Collect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestExportGraph(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.LoadGraphJSON([]byte(`{
		"version": "1.0.0",
		"nodes": [
			{"id": "in", "type": "ACP Input", "label": "entry"},
			{"id": "p1", "type": "Passthrough", "config": {"endpoint": "x"}}
		],
		"connections": [
			{"source": "in", "sourceOutput": "out", "target": "p1", "targetInput": "in"}
		]
	}`)))

	g := e.ExportGraph()
	require.Len(t, g.Nodes, 2)
	assert.Equal(t, "in", g.Nodes[0].ID)
	assert.Equal(t, "entry", g.Nodes[0].Label)
	assert.Equal(t, "x", g.Nodes[1].Config["endpoint"])
	require.Len(t, g.Connections, 1)
}

func TestGraphWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.json")

	valid := []byte(`{"version": "1.0.0", "nodes": [{"id": "p1", "type": "Passthrough"}]}`)
	require.NoError(t, os.WriteFile(path, valid, 0o644))

	e := newEngine(t)
	require.NoError(t, e.LoadGraphJSON(valid))

	gw, err := NewGraphWatcher(e, GraphWatcherConfig{Path: path})
	require.NoError(t, err)
	defer gw.Stop()

	t.Run("invalid file keeps old graph", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte(`{"nodes": "nope"`), 0o644))
		gw.Reload()
		assert.Equal(t, 1, e.GetStats().NodeCount)
		_, ok := e.GetNode("p1")
		assert.True(t, ok)
	})

	t.Run("valid file replaces graph", func(t *testing.T) {
		bigger := []byte(`{
			"version": "1.0.0",
			"nodes": [
				{"id": "p1", "type": "Passthrough"},
				{"id": "p2", "type": "Passthrough"}
			]
		}`)
		require.NoError(t, os.WriteFile(path, bigger, 0o644))
		gw.Reload()
		assert.Equal(t, 2, e.GetStats().NodeCount)
	})

	t.Run("unknown node type keeps old graph", func(t *testing.T) {
		bad := []byte(`{"version": "1.0.0", "nodes": [{"id": "x", "type": "No Such Node"}]}`)
		require.NoError(t, os.WriteFile(path, bad, 0o644))
		gw.Reload()
		assert.Equal(t, 2, e.GetStats().NodeCount)
		_, ok := e.GetNode("p1")
		assert.True(t, ok)
	})
}
