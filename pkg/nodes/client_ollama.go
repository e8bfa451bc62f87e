package nodes

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/acphast/acphast/pkg/acp"
	"github.com/acphast/acphast/pkg/httpclient"
	"github.com/acphast/acphast/pkg/node"
	"github.com/acphast/acphast/pkg/pipeline"
	"github.com/acphast/acphast/pkg/stream"
)

const defaultOllamaHost = "http://localhost:11434"

// OllamaResponse is the raw /api/chat response reconstructed from the
// line-delimited stream.
type OllamaResponse struct {
	Model           string        `json:"model"`
	Message         OllamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
}

type OllamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaStreamChunk struct {
	Model           string        `json:"model"`
	Message         OllamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// OllamaClient submits translated requests to a local Ollama server. Ollama
// streams newline-delimited JSON rather than SSE, and needs no credential.
type OllamaClient struct {
	node.Base
	http *httpclient.Client
}

func OllamaClientMeta() node.Metadata {
	return node.Metadata{
		Name:         "Ollama Client",
		Category:     node.CategoryAdapter,
		Description:  "Dispatches translated requests to an Ollama server",
		Inputs:       []node.PortDef{{Name: "in", Socket: node.SocketPipeline, Required: true}},
		Outputs:      []node.PortDef{{Name: "out", Socket: node.SocketPipeline}},
		ConfigSchema: node.ConfigSchemaFor(&ClientConfig{}),
	}
}

func NewOllamaClient(config map[string]interface{}) *OllamaClient {
	n := &OllamaClient{Base: node.NewBase(config)}
	n.http = newBackendHTTPClient(config, nil)
	return n
}

func (n *OllamaClient) Meta() node.Metadata { return OllamaClientMeta() }

func (n *OllamaClient) Validate() []string { return nil }

func (n *OllamaClient) Process(inputs node.Inputs, ctx *pipeline.Context) (node.Outputs, error) {
	return node.RunStreaming(n, inputs, ctx, func(msg *pipeline.Message, _ *pipeline.Context) *node.MessageStream {
		req, ok := msg.Translated.(*OllamaRequest)
		if !ok || req == nil {
			return stream.Fail[*pipeline.Message](fmt.Errorf("no translated request on message"))
		}
		return stream.New(func(runCtx context.Context, emit func(*pipeline.Message) error) error {
			resp, err := n.streamRequest(runCtx, msg, req)
			if err != nil {
				return err
			}
			out := msg.Clone()
			out.Response = resp
			return emit(out)
		})
	})
}

func (n *OllamaClient) streamRequest(runCtx context.Context, msg *pipeline.Message, request *OllamaRequest) (*OllamaResponse, error) {
	var cfg ClientConfig
	if err := decodeConfig(n.Config(), &cfg); err != nil {
		return nil, err
	}
	host := cfg.BaseURL
	if host == "" {
		host = defaultOllamaHost
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(runCtx, http.MethodPost, host+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		return nil, &BackendError{
			Code:      acp.CodeBackendUnavailable,
			Message:   err.Error(),
			Transient: true,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, NewBackendError(resp.StatusCode,
			fmt.Sprintf("ollama request failed with status %d: %s", resp.StatusCode, string(errBody)))
	}

	return n.consumeStream(resp.Body, msg)
}

func (n *OllamaClient) consumeStream(body io.Reader, msg *pipeline.Message) (*OllamaResponse, error) {
	out := &OllamaResponse{}
	var fullText strings.Builder

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var chunk ollamaStreamChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			return nil, fmt.Errorf("failed to decode streaming chunk: %w, data: %s", err, line)
		}
		if chunk.Error != "" {
			return nil, &BackendError{
				Code:    acp.CodeBackendError,
				Message: chunk.Error,
			}
		}

		if chunk.Model != "" {
			out.Model = chunk.Model
		}
		if chunk.Message.Content != "" {
			fullText.WriteString(chunk.Message.Content)
			publishChunk(msg, acp.UpdateTypeContentChunk, chunk.Message.Content)
		}
		if chunk.Done {
			out.Done = true
			out.DoneReason = chunk.DoneReason
			out.PromptEvalCount = chunk.PromptEvalCount
			out.EvalCount = chunk.EvalCount
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &BackendError{
			Code:      acp.CodeBackendUnavailable,
			Message:   fmt.Sprintf("stream read failed: %v", err),
			Transient: true,
		}
	}

	out.Message = OllamaMessage{Role: "assistant", Content: fullText.String()}
	if out.Done {
		publishUsage(msg, acp.Usage{
			InputTokens:  out.PromptEvalCount,
			OutputTokens: out.EvalCount,
		})
	}
	return out, nil
}
