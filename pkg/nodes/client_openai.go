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

const defaultOpenAIHost = "https://api.openai.com"

// OpenAIResponse is the raw Chat Completions response reconstructed from the
// stream.
type OpenAIResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   *acp.Usage     `json:"usage,omitempty"`
}

type OpenAIChoice struct {
	Index        int           `json:"index"`
	Message      OpenAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type OpenAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIStreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content   string `json:"content,omitempty"`
			Reasoning string `json:"reasoning,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// OpenAIClient submits translated requests to the OpenAI Chat Completions
// API and streams the reply back as session updates.
type OpenAIClient struct {
	node.Base
	http *httpclient.Client
}

func OpenAIClientMeta() node.Metadata {
	return node.Metadata{
		Name:         "OpenAI Client",
		Category:     node.CategoryAdapter,
		Description:  "Dispatches translated requests to the OpenAI Chat Completions API",
		Inputs:       []node.PortDef{{Name: "in", Socket: node.SocketPipeline, Required: true}},
		Outputs:      []node.PortDef{{Name: "out", Socket: node.SocketPipeline}},
		ConfigSchema: node.ConfigSchemaFor(&ClientConfig{}),
	}
}

func NewOpenAIClient(config map[string]interface{}) *OpenAIClient {
	n := &OpenAIClient{Base: node.NewBase(config)}
	n.http = newBackendHTTPClient(config, httpclient.ParseOpenAIHeaders)
	return n
}

func (n *OpenAIClient) Meta() node.Metadata { return OpenAIClientMeta() }

func (n *OpenAIClient) Validate() []string {
	if apiKey(n.Config(), "OPENAI_API_KEY") == "" {
		return []string{"OpenAI API key missing: set config apiKey or OPENAI_API_KEY"}
	}
	return nil
}

func (n *OpenAIClient) Process(inputs node.Inputs, ctx *pipeline.Context) (node.Outputs, error) {
	return node.RunStreaming(n, inputs, ctx, func(msg *pipeline.Message, _ *pipeline.Context) *node.MessageStream {
		req, ok := msg.Translated.(*OpenAIRequest)
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

func (n *OpenAIClient) streamRequest(runCtx context.Context, msg *pipeline.Message, request *OpenAIRequest) (*OpenAIResponse, error) {
	var cfg ClientConfig
	if err := decodeConfig(n.Config(), &cfg); err != nil {
		return nil, err
	}
	host := cfg.BaseURL
	if host == "" {
		host = defaultOpenAIHost
	}
	key := apiKey(n.Config(), "OPENAI_API_KEY")
	if key == "" {
		return nil, &BackendError{Code: acp.CodeAuthFailed, Message: "OpenAI API key missing"}
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(runCtx, http.MethodPost, host+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

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
			fmt.Sprintf("openai request failed with status %d: %s", resp.StatusCode, string(errBody)))
	}

	return n.consumeStream(resp.Body, msg)
}

func (n *OpenAIClient) consumeStream(body io.Reader, msg *pipeline.Message) (*OpenAIResponse, error) {
	out := &OpenAIResponse{Object: "chat.completion"}
	var (
		fullText     strings.Builder
		finishReason string
		usage        acp.Usage
		haveUsage    bool
	)

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
		if payload == "[DONE]" {
			break
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return nil, fmt.Errorf("failed to decode streaming chunk: %w, data: %s", err, payload)
		}
		if chunk.Error != nil {
			return nil, &BackendError{
				Code:    acp.CodeBackendError,
				Message: chunk.Error.Message,
			}
		}

		if chunk.ID != "" {
			out.ID = chunk.ID
		}
		if chunk.Model != "" {
			out.Model = chunk.Model
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				fullText.WriteString(choice.Delta.Content)
				publishChunk(msg, acp.UpdateTypeContentChunk, choice.Delta.Content)
			}
			if choice.Delta.Reasoning != "" {
				publishChunk(msg, acp.UpdateTypeThoughtChunk, choice.Delta.Reasoning)
			}
			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}
		}
		if chunk.Usage != nil {
			usage = acp.Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}
			haveUsage = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &BackendError{
			Code:      acp.CodeBackendUnavailable,
			Message:   fmt.Sprintf("stream read failed: %v", err),
			Transient: true,
		}
	}

	out.Choices = []OpenAIChoice{{
		Message:      OpenAIMessage{Role: "assistant", Content: fullText.String()},
		FinishReason: finishReason,
	}}
	if haveUsage {
		out.Usage = &usage
		publishUsage(msg, usage)
	}
	return out, nil
}
