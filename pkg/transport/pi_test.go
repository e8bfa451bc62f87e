package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acphast/acphast/pkg/acp"
)

func runPi(t *testing.T, input string) (*Pi, []*acp.Request, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	tr := NewPi(PiConfig{In: strings.NewReader(input), Out: out})

	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(func() { tr.Stop(context.Background()) })

	reqs, err := tr.Requests().Collect(context.Background())
	require.NoError(t, err)
	return tr, reqs, out
}

func TestPiSynthesizesRequest(t *testing.T) {
	_, reqs, _ := runPi(t, `{"type":"prompt","id":"1","message":"hi"}`+"\n")
	require.Len(t, reqs, 1)

	req := reqs[0]
	assert.Equal(t, acp.Version, req.JSONRPC)
	assert.Equal(t, "acp/prompt", req.Method)
	assert.Equal(t, "1", req.ID)
	assert.Equal(t, "hi", req.Params["message"])
	// The envelope fields do not leak into params.
	assert.NotContains(t, req.Params, "type")
	assert.NotContains(t, req.Params, "id")

	meta, ok := req.Params["_meta"].(map[string]interface{})
	require.True(t, ok)
	pi, ok := meta["pi"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "prompt", pi["originalCommand"])
}

func TestPiGeneratesMissingID(t *testing.T) {
	_, reqs, _ := runPi(t, `{"type":"get-state"}`+"\n")
	require.Len(t, reqs, 1)
	id, ok := reqs[0].ID.(string)
	require.True(t, ok)
	assert.NotEmpty(t, id)
}

func TestPiPreservesExistingMeta(t *testing.T) {
	_, reqs, _ := runPi(t, `{"type":"prompt","id":"1","_meta":{"pi":{"thinkingLevel":"high"},"proxy":{"route":"fast"}}}`+"\n")
	require.Len(t, reqs, 1)

	meta := reqs[0].Params["_meta"].(map[string]interface{})
	assert.Contains(t, meta, "proxy")
	// The pi namespace is rebuilt around the original command.
	pi := meta["pi"].(map[string]interface{})
	assert.Equal(t, "prompt", pi["originalCommand"])
}

func TestPiDropsFrameWithoutType(t *testing.T) {
	_, reqs, out := runPi(t, `{"id":"1","message":"hi"}`+"\n"+"garbage\n")
	assert.Empty(t, reqs)
	assert.Empty(t, out.String())
}

func TestPiResponseEnvelope(t *testing.T) {
	tr, reqs, out := runPi(t, `{"type":"prompt","id":"1"}`+"\n")
	require.Len(t, reqs, 1)

	require.NoError(t, tr.SendResponse(acp.NewResponse("1", map[string]interface{}{"text": "done"})))

	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &envelope))
	assert.Equal(t, "response", envelope["type"])
	assert.Equal(t, "prompt", envelope["command"])
	assert.Equal(t, "1", envelope["id"])
	result := envelope["result"].(map[string]interface{})
	assert.Equal(t, "done", result["text"])
	assert.NotContains(t, envelope, "error")
}

func TestPiErrorEnvelope(t *testing.T) {
	tr, _, out := runPi(t, `{"type":"prompt","id":"1"}`+"\n")

	require.NoError(t, tr.SendError("1", acp.NewError(acp.CodeInternalError, "boom")))

	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &envelope))
	assert.Equal(t, "response", envelope["type"])
	rpcErr := envelope["error"].(map[string]interface{})
	assert.Equal(t, float64(acp.CodeInternalError), rpcErr["code"])
	assert.NotContains(t, envelope, "result")
}

func TestPiEventEnvelope(t *testing.T) {
	tr, _, out := runPi(t, "")

	note := acp.UpdateNotification("1", "", acp.SessionUpdate{
		Type:  acp.UpdateTypeContentChunk,
		Block: &acp.ContentBlock{Type: acp.ContentTypeText, Text: "chunk"},
	})
	require.NoError(t, tr.SendNotification(note))

	var envelope map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(out.Bytes()), &envelope))
	assert.Equal(t, "event", envelope["type"])
	assert.Equal(t, acp.UpdateMethod, envelope["event"])
	params := envelope["params"].(map[string]interface{})
	assert.Equal(t, "1", params["requestId"])
}
