package nodes

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acphast/acphast/pkg/acp"
	"github.com/acphast/acphast/pkg/node"
	"github.com/acphast/acphast/pkg/pipeline"
	"github.com/acphast/acphast/pkg/stream"
)

func acpMessage(id interface{}, params map[string]interface{}) *pipeline.Message {
	ctx := pipeline.NewContext(nil, nil)
	return pipeline.NewMessage(ctx, &acp.Request{
		JSONRPC: acp.Version,
		Method:  "acp/session/prompt",
		ID:      id,
		Params:  params,
	})
}

func runSingle(t *testing.T, n node.Node, msg *pipeline.Message) []*pipeline.Message {
	t.Helper()
	outputs, err := n.Process(node.Inputs{"in": {stream.Of(msg)}}, msg.Ctx)
	require.NoError(t, err)
	values, err := outputs["out"].Collect(context.Background())
	require.NoError(t, err)
	return values
}

func TestRegisterAll(t *testing.T) {
	registry := node.NewRegistry()
	require.NoError(t, RegisterAll(registry))
	for _, name := range []string{
		"ACP Input", "ACP Output", "Passthrough",
		"Anthropic Translator", "OpenAI Translator", "Ollama Translator", "Pi Translator",
		"Anthropic Client", "OpenAI Client", "Ollama Client", "Pi Client",
		"Response Normalizer", "Splitter", "Combiner", "Analyzed Combiner", "Meta Router",
	} {
		assert.True(t, registry.Has(name), "missing %q", name)
	}
}

func TestRequestKey(t *testing.T) {
	tests := []struct {
		name string
		id   interface{}
		want string
	}{
		{"string id", "req-1", "req-1"},
		{"whole numeric id", float64(1), "1"},
		{"large numeric id", float64(123456), "123456"},
		{"fractional id", 1.5, "1.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, requestKey(acpMessage(tt.id, nil)))
		})
	}

	t.Run("missing id falls back to context", func(t *testing.T) {
		msg := acpMessage(nil, nil)
		assert.Equal(t, msg.Ctx.RequestID, requestKey(msg))
	})
}

func TestBackendErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		wantCode  int
		transient bool
	}{
		{401, acp.CodeAuthFailed, false},
		{403, acp.CodeAuthFailed, false},
		{429, acp.CodeRateLimited, true},
		{413, acp.CodeContextExceeded, false},
		{500, acp.CodeBackendUnavailable, true},
		{400, acp.CodeBackendError, false},
	}
	for _, tt := range tests {
		err := NewBackendError(tt.status, "x")
		assert.Equal(t, tt.wantCode, err.Code, "status %d", tt.status)
		assert.Equal(t, tt.transient, err.Transient, "status %d", tt.status)
		assert.Equal(t, tt.wantCode, err.ACPError().Code)
	}
}

func TestPassthroughValidate(t *testing.T) {
	assert.NotEmpty(t, NewPassthrough(nil).Validate())
	assert.NotEmpty(t, NewPassthrough(map[string]interface{}{
		"endpoint": "localhost:1", "type": "carrier-pigeon",
	}).Validate())
	assert.Empty(t, NewPassthrough(map[string]interface{}{
		"endpoint": "localhost:1", "type": "stdio",
	}).Validate())
}

func TestPassthroughForwardsUnchanged(t *testing.T) {
	msg := acpMessage("1", nil)
	values := runSingle(t, NewPassthrough(nil), msg)
	require.Len(t, values, 1)
	assert.Same(t, msg, values[0])
}

func TestAnthropicTranslatorDefaults(t *testing.T) {
	msg := acpMessage("1", nil)
	values := runSingle(t, NewAnthropicTranslator(nil), msg)
	require.Len(t, values, 1)

	out := values[0]
	assert.Equal(t, BackendAnthropic, out.Backend)
	req, ok := out.Translated.(*AnthropicRequest)
	require.True(t, ok)
	assert.Equal(t, DefaultAnthropicModel, req.Model)
	assert.Equal(t, 4096, req.MaxTokens)
	assert.True(t, req.Stream)
	assert.NotNil(t, req.Messages)
	assert.Nil(t, req.Temperature)

	// The input message itself is untouched.
	assert.Empty(t, msg.Backend)
	assert.Nil(t, msg.Translated)
}

func TestAnthropicTranslatorPrecedence(t *testing.T) {
	tr := NewAnthropicTranslator(map[string]interface{}{"defaultModel": "cfg-model"})

	t.Run("config default wins over fallback", func(t *testing.T) {
		req := runSingle(t, tr, acpMessage("1", nil))[0].Translated.(*AnthropicRequest)
		assert.Equal(t, "cfg-model", req.Model)
	})

	t.Run("meta hint wins over config", func(t *testing.T) {
		msg := acpMessage("1", map[string]interface{}{
			"_meta": map[string]interface{}{
				"anthropic": map[string]interface{}{"model": "hint-model"},
			},
		})
		req := runSingle(t, tr, msg)[0].Translated.(*AnthropicRequest)
		assert.Equal(t, "hint-model", req.Model)
	})

	t.Run("request param wins over everything", func(t *testing.T) {
		msg := acpMessage("1", map[string]interface{}{
			"model": "param-model",
			"_meta": map[string]interface{}{
				"anthropic": map[string]interface{}{"model": "hint-model"},
			},
		})
		req := runSingle(t, tr, msg)[0].Translated.(*AnthropicRequest)
		assert.Equal(t, "param-model", req.Model)
	})
}

func TestOpenAITranslatorSystemPrepend(t *testing.T) {
	msg := acpMessage("1", map[string]interface{}{
		"system": "be terse",
		"messages": []interface{}{
			map[string]interface{}{"role": "user", "content": "hi"},
		},
	})
	values := runSingle(t, NewOpenAITranslator(nil), msg)
	require.Len(t, values, 1)

	req, ok := values[0].Translated.(*OpenAIRequest)
	require.True(t, ok)
	assert.Equal(t, BackendOpenAI, values[0].Backend)
	require.Len(t, req.Messages, 2)
	first := req.Messages[0].(map[string]interface{})
	assert.Equal(t, "system", first["role"])
	assert.Equal(t, "be terse", first["content"])
}

func TestNormalizerAnthropic(t *testing.T) {
	msg := acpMessage("1", nil)
	msg.Backend = BackendAnthropic
	msg.Response = &AnthropicResponse{
		ID:         "msg_1",
		Model:      "claude-x",
		Content:    []AnthropicContentBlock{{Type: "text", Text: "hello"}},
		StopReason: "end_turn",
		Usage:      acp.Usage{InputTokens: 3, OutputTokens: 5},
	}

	values := runSingle(t, NewNormalizer(nil), msg)
	require.Len(t, values, 1)

	normalized, ok := values[0].Response.(*acp.NormalizedResponse)
	require.True(t, ok)
	require.Len(t, normalized.Content, 1)
	assert.Equal(t, "hello", normalized.Content[0].Text)
	require.NotNil(t, normalized.StopReason)
	assert.Equal(t, "end_turn", *normalized.StopReason)
	assert.Equal(t, BackendAnthropic, normalized.Backend)
	require.NotNil(t, normalized.Usage)
	assert.Equal(t, 5, normalized.Usage.OutputTokens)
	// Model and id are elided unless configured in.
	assert.Empty(t, normalized.Model)
	assert.Empty(t, normalized.ID)
}

func TestNormalizerIncludeFlags(t *testing.T) {
	msg := acpMessage("1", nil)
	msg.Response = &OllamaResponse{
		Model:      "llama3",
		Message:    OllamaMessage{Role: "assistant", Content: "hi"},
		DoneReason: "stop",
		EvalCount:  2,
	}

	n := NewNormalizer(map[string]interface{}{"includeModel": true})
	values := runSingle(t, n, msg)
	normalized := values[0].Response.(*acp.NormalizedResponse)
	assert.Equal(t, "llama3", normalized.Model)
	assert.Equal(t, BackendOllama, normalized.Backend)
}

func TestNormalizerPassThrough(t *testing.T) {
	t.Run("no response", func(t *testing.T) {
		msg := acpMessage("1", nil)
		values := runSingle(t, NewNormalizer(nil), msg)
		require.Len(t, values, 1)
		assert.Same(t, msg, values[0])
	})

	t.Run("already normalized", func(t *testing.T) {
		msg := acpMessage("1", nil)
		msg.Response = &acp.NormalizedResponse{Content: []acp.ContentBlock{acp.TextBlock("x")}}
		values := runSingle(t, NewNormalizer(nil), msg)
		require.Len(t, values, 1)
		assert.Same(t, msg, values[0])
	})
}

func TestSplitterFanOut(t *testing.T) {
	msg := acpMessage("1", nil)
	sp := NewSplitter(nil)

	outputs, err := sp.Process(node.Inputs{"in": {stream.Of(msg)}}, msg.Ctx)
	require.NoError(t, err)
	require.Contains(t, outputs, "out1")
	require.Contains(t, outputs, "out2")

	left, err := outputs["out1"].Collect(context.Background())
	require.NoError(t, err)
	right, err := outputs["out2"].Collect(context.Background())
	require.NoError(t, err)

	require.Len(t, left, 1)
	require.Len(t, right, 1)
	// Branches get distinct clones over the same request context.
	assert.NotSame(t, left[0], right[0])
	assert.Same(t, left[0].Ctx, right[0].Ctx)
	assert.Same(t, left[0].Request, right[0].Request)
}

func TestSplitterValidate(t *testing.T) {
	assert.Empty(t, NewSplitter(map[string]interface{}{"outputCount": 3.0}).Validate())
	assert.NotEmpty(t, NewSplitter(map[string]interface{}{"outputCount": 1.0}).Validate())
	assert.NotEmpty(t, NewSplitter(map[string]interface{}{"outputCount": 11.0}).Validate())

	meta := NewSplitter(map[string]interface{}{"outputCount": 4.0}).Meta()
	assert.Len(t, meta.Outputs, 4)
}

func TestSplitterSlowConsumerLosslessDelivery(t *testing.T) {
	sp := NewSplitter(nil)
	ctx := pipeline.NewContext(nil, nil)

	const total = 100
	msgs := make([]*pipeline.Message, total)
	for i := range msgs {
		msgs[i] = acpMessage("1", nil)
	}

	outputs, err := sp.Process(node.Inputs{"in": {stream.FromSlice(msgs)}}, ctx)
	require.NoError(t, err)

	fast := make(chan []*pipeline.Message, 1)
	go func() {
		values, _ := outputs["out1"].Collect(context.Background())
		fast <- values
	}()

	// The second consumer is attached but stalls past the port buffer; the
	// pump must apply backpressure rather than drop.
	gate := make(chan struct{})
	time.AfterFunc(50*time.Millisecond, func() { close(gate) })

	var got int
	sub, err := outputs["out2"].Subscribe(context.Background(),
		func(*pipeline.Message) {
			<-gate
			got++
		},
		func(err error) { t.Errorf("out2 failed: %v", err) },
		nil,
	)
	require.NoError(t, err)
	<-sub.Done()

	assert.Equal(t, total, got)
	assert.Len(t, <-fast, total)
}

func TestCombinerSingleInputPassthrough(t *testing.T) {
	msg := acpMessage("1", nil)
	c := NewCombiner(nil)

	outputs, err := c.Process(node.Inputs{"in1": {stream.Of(msg)}}, msg.Ctx)
	require.NoError(t, err)
	values, err := outputs["out"].Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Same(t, msg, values[0])
}

func TestCombinerMergesBoth(t *testing.T) {
	a := acpMessage("1", nil)
	b := acpMessage("2", nil)
	c := NewCombiner(nil)

	outputs, err := c.Process(node.Inputs{
		"in1": {stream.Of(a)},
		"in2": {stream.Of(b)},
	}, a.Ctx)
	require.NoError(t, err)
	values, err := outputs["out"].Collect(context.Background())
	require.NoError(t, err)
	assert.Len(t, values, 2)
}

func TestAnalyzedCombiner(t *testing.T) {
	mkBranch := func(id, text string) *pipeline.Message {
		msg := acpMessage(id, nil)
		msg.Backend = BackendAnthropic
		msg.Response = &acp.NormalizedResponse{Content: []acp.ContentBlock{acp.TextBlock(text)}}
		return msg
	}
	left := mkBranch("1", "alpha")
	right := mkBranch("1", "beta")

	ac := NewAnalyzedCombiner(map[string]interface{}{"instruction": "pick the better answer"})
	ac.SetAnalyzeFunc(func(_ context.Context, instruction string, l, r *pipeline.Message) (string, error) {
		assert.Equal(t, "pick the better answer", instruction)
		return responseText(l) + "+" + responseText(r), nil
	})

	outputs, err := ac.Process(node.Inputs{
		"in1": {stream.Of(left)},
		"in2": {stream.Of(right)},
	}, left.Ctx)
	require.NoError(t, err)

	values, err := outputs["out"].Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, values, 1)

	normalized, ok := values[0].Response.(*acp.NormalizedResponse)
	require.True(t, ok)
	require.Len(t, normalized.Content, 1)
	assert.Equal(t, "alpha+beta", normalized.Content[0].Text)
}

func TestAnalyzedCombinerRequiresBothInputs(t *testing.T) {
	ac := NewAnalyzedCombiner(map[string]interface{}{"instruction": "x"})
	_, err := ac.Process(node.Inputs{"in1": {stream.Of(acpMessage("1", nil))}}, nil)
	require.Error(t, err)
	assert.NotEmpty(t, NewAnalyzedCombiner(nil).Validate())
}

func TestMetaRouter(t *testing.T) {
	r := NewMetaRouter(map[string]interface{}{
		"path":    "proxy.route",
		"outputs": []interface{}{"fast", "slow"},
		"default": "slow",
	})
	meta := r.Meta()
	require.Len(t, meta.Outputs, 2)

	route := func(t *testing.T, msg *pipeline.Message, wantPort string) {
		t.Helper()
		outputs, err := r.Process(node.Inputs{"in": {stream.Of(msg)}}, msg.Ctx)
		require.NoError(t, err)
		values, err := outputs[wantPort].Collect(context.Background())
		require.NoError(t, err)
		assert.Len(t, values, 1)
	}

	t.Run("meta path routes", func(t *testing.T) {
		route(t, acpMessage("1", map[string]interface{}{
			"_meta": map[string]interface{}{
				"proxy": map[string]interface{}{"route": "fast"},
			},
		}), "fast")
	})

	t.Run("unknown key falls back to default", func(t *testing.T) {
		route(t, acpMessage("1", map[string]interface{}{
			"_meta": map[string]interface{}{
				"proxy": map[string]interface{}{"route": "warp"},
			},
		}), "slow")
	})

	t.Run("missing key falls back to default", func(t *testing.T) {
		route(t, acpMessage("1", nil), "slow")
	})
}

func TestMetaRouterDropsWithoutDefault(t *testing.T) {
	r := NewMetaRouter(map[string]interface{}{
		"path":    "proxy.route",
		"outputs": []interface{}{"fast"},
	})
	msg := acpMessage("1", nil)

	outputs, err := r.Process(node.Inputs{"in": {stream.Of(msg)}}, msg.Ctx)
	require.NoError(t, err)
	values, err := outputs["fast"].Collect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestMetaRouterValidate(t *testing.T) {
	assert.NotEmpty(t, NewMetaRouter(map[string]interface{}{
		"outputs": []interface{}{"a", "a"},
	}).Validate())
	assert.NotEmpty(t, NewMetaRouter(map[string]interface{}{
		"outputs": []interface{}{"a"},
		"default": "b",
	}).Validate())
	assert.Empty(t, NewMetaRouter(map[string]interface{}{
		"outputs": []interface{}{"a", "b"},
		"default": "b",
	}).Validate())
}

func TestGetMetaDottedPath(t *testing.T) {
	msg := acpMessage("1", map[string]interface{}{
		"_meta": map[string]interface{}{
			"proxy": map[string]interface{}{"route": "fast"},
		},
	})

	v, ok := GetMeta(msg, "proxy.route")
	require.True(t, ok)
	assert.Equal(t, "fast", v)

	_, ok = GetMeta(msg, "proxy.missing")
	assert.False(t, ok)
	_, ok = GetMeta(msg, "proxy.route.deeper")
	assert.False(t, ok)
}

func TestContentText(t *testing.T) {
	assert.Equal(t, "plain", contentText("plain"))
	assert.Equal(t, "", contentText(42))

	blocks := []interface{}{
		map[string]interface{}{"type": "text", "text": "a"},
		map[string]interface{}{"type": "image", "data": "zzz"},
		map[string]interface{}{"text": "b"},
	}
	assert.Equal(t, "ab", contentText(blocks))
}
