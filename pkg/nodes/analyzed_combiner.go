package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/acphast/acphast/pkg/acp"
	"github.com/acphast/acphast/pkg/httpclient"
	"github.com/acphast/acphast/pkg/node"
	"github.com/acphast/acphast/pkg/pipeline"
	"github.com/acphast/acphast/pkg/stream"
)

// AnalyzedCombinerConfig configures the LLM-backed pairing analyzer.
type AnalyzedCombinerConfig struct {
	Instruction string `json:"instruction"`
	Model       string `json:"model,omitempty"`
	APIKey      string `json:"apiKey,omitempty"`
	BaseURL     string `json:"baseUrl,omitempty"`
	MaxTokens   int    `json:"maxTokens,omitempty"`
}

// AnalyzeFunc synthesizes one answer from two branch results. Tests install
// their own to avoid network calls.
type AnalyzeFunc func(ctx context.Context, instruction string, left, right *pipeline.Message) (string, error)

// AnalyzedCombiner pairs the latest message from each input and runs an
// LLM-backed analyzer over the pair. CombineLatest rather than zip: a
// re-emission on either side re-runs the analyzer.
type AnalyzedCombiner struct {
	node.Base
	analyze AnalyzeFunc
	http    *httpclient.Client
}

func AnalyzedCombinerMeta() node.Metadata {
	return node.Metadata{
		Name:        "Analyzed Combiner",
		Category:    node.CategoryRouting,
		Description: "Pairs two branches and synthesizes one answer via an LLM analyzer",
		Inputs: []node.PortDef{
			{Name: "in1", Socket: node.SocketPipeline, Required: true},
			{Name: "in2", Socket: node.SocketPipeline, Required: true},
		},
		Outputs:      []node.PortDef{{Name: "out", Socket: node.SocketPipeline}},
		ConfigSchema: node.ConfigSchemaFor(&AnalyzedCombinerConfig{}),
	}
}

func NewAnalyzedCombiner(config map[string]interface{}) *AnalyzedCombiner {
	n := &AnalyzedCombiner{Base: node.NewBase(config)}
	n.http = newBackendHTTPClient(config, httpclient.ParseAnthropicHeaders)
	n.analyze = n.anthropicAnalyze
	return n
}

// SetAnalyzeFunc replaces the analyzer implementation.
func (n *AnalyzedCombiner) SetAnalyzeFunc(f AnalyzeFunc) {
	if f != nil {
		n.analyze = f
	}
}

func (n *AnalyzedCombiner) Meta() node.Metadata { return AnalyzedCombinerMeta() }

func (n *AnalyzedCombiner) Validate() []string {
	var cfg AnalyzedCombinerConfig
	if err := decodeConfig(n.Config(), &cfg); err != nil {
		return []string{err.Error()}
	}
	var problems []string
	if cfg.Instruction == "" {
		problems = append(problems, "instruction must not be empty")
	}
	return problems
}

func (n *AnalyzedCombiner) Process(inputs node.Inputs, ctx *pipeline.Context) (node.Outputs, error) {
	var cfg AnalyzedCombinerConfig
	if err := decodeConfig(n.Config(), &cfg); err != nil {
		return nil, err
	}

	left := inputs["in1"]
	right := inputs["in2"]
	if len(left) == 0 || len(right) == 0 {
		return nil, fmt.Errorf("analyzed combiner requires both inputs connected")
	}

	pairs := stream.CombineLatest(node.MergeInputs(left), node.MergeInputs(right))
	out := stream.Map(pairs, func(p stream.Pair[*pipeline.Message, *pipeline.Message]) (*pipeline.Message, error) {
		answer, err := n.analyze(context.Background(), cfg.Instruction, p.Left, p.Right)
		if err != nil {
			return nil, err
		}
		synthesized := p.Left.Clone()
		synthesized.Response = &acp.NormalizedResponse{
			Content: []acp.ContentBlock{acp.TextBlock(answer)},
			Backend: synthesized.Backend,
		}
		return synthesized, nil
	})
	return node.Outputs{"out": out}, nil
}

// responseText pulls the display text out of whatever response shape a
// branch produced.
func responseText(msg *pipeline.Message) string {
	switch raw := msg.Response.(type) {
	case *acp.NormalizedResponse:
		if len(raw.Content) > 0 {
			return raw.Content[0].Text
		}
	case *AnthropicResponse:
		if len(raw.Content) > 0 {
			return raw.Content[0].Text
		}
	case *OpenAIResponse:
		if len(raw.Choices) > 0 {
			return raw.Choices[0].Message.Content
		}
	case *OllamaResponse:
		return raw.Message.Content
	case *PiResponse:
		return raw.Message
	}
	return ""
}

// anthropicAnalyze is the default analyzer: one non-streaming Messages API
// call combining the instruction with both branch texts.
func (n *AnalyzedCombiner) anthropicAnalyze(ctx context.Context, instruction string, left, right *pipeline.Message) (string, error) {
	var cfg AnalyzedCombinerConfig
	if err := decodeConfig(n.Config(), &cfg); err != nil {
		return "", err
	}
	host := cfg.BaseURL
	if host == "" {
		host = defaultAnthropicHost
	}
	model := cfg.Model
	if model == "" {
		model = DefaultAnthropicModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	key := apiKey(n.Config(), "ANTHROPIC_API_KEY")
	if key == "" {
		return "", &BackendError{Code: acp.CodeAuthFailed, Message: "Anthropic API key missing for analyzer"}
	}

	prompt := fmt.Sprintf("%s\n\n<result_a>\n%s\n</result_a>\n\n<result_b>\n%s\n</result_b>",
		instruction, responseText(left), responseText(right))
	request := &AnthropicRequest{
		Model:     model,
		MaxTokens: maxTokens,
		Messages: []interface{}{
			map[string]interface{}{"role": "user", "content": prompt},
		},
	}

	body, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("failed to marshal analyzer request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, host+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create analyzer request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", key)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := n.http.Do(req)
	if err != nil {
		return "", &BackendError{
			Code:      acp.CodeBackendUnavailable,
			Message:   err.Error(),
			Transient: true,
		}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", NewBackendError(resp.StatusCode,
			fmt.Sprintf("analyzer request failed with status %d: %s", resp.StatusCode, string(respBody)))
	}

	var parsed AnthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode analyzer response: %w", err)
	}
	if parsed.Error != nil {
		return "", &BackendError{Code: acp.CodeBackendError, Message: parsed.Error.Message}
	}
	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text, nil
}
