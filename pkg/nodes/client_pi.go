package nodes

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/acphast/acphast/pkg/acp"
	"github.com/acphast/acphast/pkg/node"
	"github.com/acphast/acphast/pkg/pipeline"
	"github.com/acphast/acphast/pkg/stream"
)

// PiClientConfig locates the Pi CLI binary.
type PiClientConfig struct {
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	WorkDir string   `json:"workDir,omitempty"`
}

// PiResponse is the raw final envelope a Pi CLI run produces.
type PiResponse struct {
	Type       string `json:"type"`
	Message    string `json:"message"`
	StopReason string `json:"stopReason,omitempty"`
	Model      string `json:"model,omitempty"`
}

// piEvent is one line of the Pi CLI's outbound dialect: a "response" envelope
// or an "event"-family envelope.
type piEvent struct {
	Type       string `json:"type"`
	Event      string `json:"event,omitempty"`
	Text       string `json:"text,omitempty"`
	Message    string `json:"message,omitempty"`
	StopReason string `json:"stopReason,omitempty"`
	Model      string `json:"model,omitempty"`
}

// PiClient runs the Pi CLI as a child process per request, speaking its
// line-delimited JSON dialect over stdin/stdout. The process dies with the
// request context, so cancellation needs no extra teardown.
type PiClient struct {
	node.Base
}

func PiClientMeta() node.Metadata {
	return node.Metadata{
		Name:         "Pi Client",
		Category:     node.CategoryAdapter,
		Description:  "Dispatches translated prompts to the Pi CLI child process",
		Inputs:       []node.PortDef{{Name: "in", Socket: node.SocketPipeline, Required: true}},
		Outputs:      []node.PortDef{{Name: "out", Socket: node.SocketPipeline}},
		ConfigSchema: node.ConfigSchemaFor(&PiClientConfig{}),
	}
}

func NewPiClient(config map[string]interface{}) *PiClient {
	return &PiClient{Base: node.NewBase(config)}
}

func (n *PiClient) Meta() node.Metadata { return PiClientMeta() }

func (n *PiClient) Validate() []string {
	var cfg PiClientConfig
	if err := decodeConfig(n.Config(), &cfg); err != nil {
		return []string{err.Error()}
	}
	command := cfg.Command
	if command == "" {
		command = "pi"
	}
	if _, err := exec.LookPath(command); err != nil {
		return []string{fmt.Sprintf("pi command %q not found in PATH", command)}
	}
	return nil
}

func (n *PiClient) Process(inputs node.Inputs, ctx *pipeline.Context) (node.Outputs, error) {
	return node.RunStreaming(n, inputs, ctx, func(msg *pipeline.Message, _ *pipeline.Context) *node.MessageStream {
		req, ok := msg.Translated.(*PiRequest)
		if !ok || req == nil {
			return stream.Fail[*pipeline.Message](fmt.Errorf("no translated request on message"))
		}
		return stream.New(func(runCtx context.Context, emit func(*pipeline.Message) error) error {
			resp, err := n.run(runCtx, msg, req)
			if err != nil {
				return err
			}
			out := msg.Clone()
			out.Response = resp
			return emit(out)
		})
	})
}

func (n *PiClient) run(runCtx context.Context, msg *pipeline.Message, request *PiRequest) (*PiResponse, error) {
	var cfg PiClientConfig
	if err := decodeConfig(n.Config(), &cfg); err != nil {
		return nil, err
	}
	command := cfg.Command
	if command == "" {
		command = "pi"
	}

	cmd := exec.CommandContext(runCtx, command, cfg.Args...)
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open pi stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open pi stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, &BackendError{
			Code:      acp.CodeBackendUnavailable,
			Message:   fmt.Sprintf("failed to start pi: %v", err),
			Transient: true,
		}
	}
	defer func() { _ = cmd.Wait() }()

	frame := map[string]interface{}{
		"type":    "prompt",
		"message": request.Message,
	}
	if len(request.Attachments) > 0 {
		frame["attachments"] = request.Attachments
	}
	if request.ThinkingLevel != "" {
		frame["thinkingLevel"] = request.ThinkingLevel
	}
	if request.Model != nil {
		frame["model"] = request.Model
	}
	line, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pi frame: %w", err)
	}
	if _, err := stdin.Write(append(line, '\n')); err != nil {
		return nil, &BackendError{
			Code:      acp.CodeBackendUnavailable,
			Message:   fmt.Sprintf("failed to write to pi: %v", err),
			Transient: true,
		}
	}
	_ = stdin.Close()

	var fullText strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var event piEvent
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			n.Logger().Warn("dropping malformed pi frame", "data", raw)
			continue
		}

		switch event.Type {
		case "event":
			switch event.Event {
			case "message_delta":
				fullText.WriteString(event.Text)
				publishChunk(msg, acp.UpdateTypeContentChunk, event.Text)
			case "thinking_delta":
				publishChunk(msg, acp.UpdateTypeThoughtChunk, event.Text)
			}
		case "response":
			message := event.Message
			if message == "" {
				message = fullText.String()
			}
			return &PiResponse{
				Type:       "response",
				Message:    message,
				StopReason: event.StopReason,
				Model:      event.Model,
			}, nil
		case "error":
			return nil, &BackendError{
				Code:    acp.CodeBackendError,
				Message: event.Message,
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &BackendError{
			Code:      acp.CodeBackendUnavailable,
			Message:   fmt.Sprintf("pi stream read failed: %v", err),
			Transient: true,
		}
	}

	// Process exited without a response envelope.
	if fullText.Len() > 0 {
		return &PiResponse{Type: "response", Message: fullText.String()}, nil
	}
	return nil, &BackendError{
		Code:      acp.CodeBackendUnavailable,
		Message:   "pi exited without a response",
		Transient: true,
	}
}
