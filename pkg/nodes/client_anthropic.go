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
	"time"

	"github.com/acphast/acphast/pkg/acp"
	"github.com/acphast/acphast/pkg/httpclient"
	"github.com/acphast/acphast/pkg/node"
	"github.com/acphast/acphast/pkg/pipeline"
	"github.com/acphast/acphast/pkg/stream"
)

const (
	defaultAnthropicHost = "https://api.anthropic.com"
	anthropicVersion     = "2023-06-01"
)

// ClientConfig is the shared config shape for HTTP backend clients.
type ClientConfig struct {
	APIKey     string `json:"apiKey,omitempty"`
	BaseURL    string `json:"baseUrl,omitempty"`
	Timeout    int    `json:"timeout,omitempty"`
	MaxRetries int    `json:"maxRetries,omitempty"`
}

// AnthropicResponse is the raw Messages API response reconstructed from the
// stream. Normalizers consume this shape.
type AnthropicResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Content    []AnthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      acp.Usage               `json:"usage"`
	Error      *anthropicErrorEnvelope `json:"error,omitempty"`
}

type AnthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicErrorEnvelope struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index,omitempty"`
	Message *struct {
		ID    string    `json:"id"`
		Model string    `json:"model"`
		Usage acp.Usage `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text,omitempty"`
		Thinking   string `json:"thinking,omitempty"`
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Usage *acp.Usage              `json:"usage,omitempty"`
	Error *anthropicErrorEnvelope `json:"error,omitempty"`
}

// AnthropicClient submits translated requests to the Anthropic Messages API
// and streams the reply back as session updates.
type AnthropicClient struct {
	node.Base
	http *httpclient.Client
}

func AnthropicClientMeta() node.Metadata {
	return node.Metadata{
		Name:         "Anthropic Client",
		Category:     node.CategoryAdapter,
		Description:  "Dispatches translated requests to the Anthropic Messages API",
		Inputs:       []node.PortDef{{Name: "in", Socket: node.SocketPipeline, Required: true}},
		Outputs:      []node.PortDef{{Name: "out", Socket: node.SocketPipeline}},
		ConfigSchema: node.ConfigSchemaFor(&ClientConfig{}),
	}
}

func NewAnthropicClient(config map[string]interface{}) *AnthropicClient {
	n := &AnthropicClient{Base: node.NewBase(config)}
	n.http = newBackendHTTPClient(config, httpclient.ParseAnthropicHeaders)
	return n
}

// newBackendHTTPClient builds the retrying HTTP client a backend node uses.
func newBackendHTTPClient(config map[string]interface{}, parser httpclient.RateLimitHeaderParser) *httpclient.Client {
	var cfg ClientConfig
	_ = decodeConfig(config, &cfg)

	timeout := 120 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}
	opts := []httpclient.Option{
		httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
		httpclient.WithHeaderParser(parser),
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, httpclient.WithMaxRetries(cfg.MaxRetries))
	}
	return httpclient.New(opts...)
}

func (n *AnthropicClient) Meta() node.Metadata { return AnthropicClientMeta() }

func (n *AnthropicClient) Validate() []string {
	if apiKey(n.Config(), "ANTHROPIC_API_KEY") == "" {
		return []string{"Anthropic API key missing: set config apiKey or ANTHROPIC_API_KEY"}
	}
	return nil
}

func (n *AnthropicClient) OnRemoved() {
	// Per-request connections only; the transport pool drains on its own.
}

func (n *AnthropicClient) Process(inputs node.Inputs, ctx *pipeline.Context) (node.Outputs, error) {
	return node.RunStreaming(n, inputs, ctx, func(msg *pipeline.Message, _ *pipeline.Context) *node.MessageStream {
		req, ok := msg.Translated.(*AnthropicRequest)
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

func (n *AnthropicClient) streamRequest(runCtx context.Context, msg *pipeline.Message, request *AnthropicRequest) (*AnthropicResponse, error) {
	var cfg ClientConfig
	if err := decodeConfig(n.Config(), &cfg); err != nil {
		return nil, err
	}
	host := cfg.BaseURL
	if host == "" {
		host = defaultAnthropicHost
	}
	key := apiKey(n.Config(), "ANTHROPIC_API_KEY")
	if key == "" {
		return nil, &BackendError{Code: acp.CodeAuthFailed, Message: "Anthropic API key missing"}
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(runCtx, http.MethodPost, host+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", key)
	req.Header.Set("anthropic-version", anthropicVersion)

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
			fmt.Sprintf("anthropic request failed with status %d: %s", resp.StatusCode, string(errBody)))
	}

	return n.consumeStream(resp.Body, msg)
}

// consumeStream replays the SSE event stream, publishing chunk updates and
// accumulating the final raw response.
func (n *AnthropicClient) consumeStream(body io.Reader, msg *pipeline.Message) (*AnthropicResponse, error) {
	out := &AnthropicResponse{Type: "message", Role: "assistant"}
	var fullText strings.Builder

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return nil, fmt.Errorf("failed to decode streaming event: %w, data: %s", err, payload)
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				out.ID = event.Message.ID
				out.Model = event.Message.Model
				out.Usage.InputTokens = event.Message.Usage.InputTokens
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			if event.Delta.Text != "" {
				fullText.WriteString(event.Delta.Text)
				publishChunk(msg, acp.UpdateTypeContentChunk, event.Delta.Text)
			}
			if event.Delta.Thinking != "" {
				publishChunk(msg, acp.UpdateTypeThoughtChunk, event.Delta.Thinking)
			}

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				out.StopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				out.Usage.OutputTokens = event.Usage.OutputTokens
			}

		case "error":
			if event.Error != nil {
				return nil, &BackendError{
					Code:      acp.CodeBackendError,
					Message:   event.Error.Message,
					Transient: event.Error.Type == "overloaded_error",
				}
			}

		case "message_stop":
			out.Content = []AnthropicContentBlock{{Type: "text", Text: fullText.String()}}
			publishUsage(msg, out.Usage)
			return out, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &BackendError{
			Code:      acp.CodeBackendUnavailable,
			Message:   fmt.Sprintf("stream read failed: %v", err),
			Transient: true,
		}
	}

	// Stream ended without message_stop; return what accumulated.
	out.Content = []AnthropicContentBlock{{Type: "text", Text: fullText.String()}}
	return out, nil
}
