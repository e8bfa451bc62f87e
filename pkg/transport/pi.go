package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/acphast/acphast/pkg/acp"
)

// PiConfig configures the Pi child-process framing.
type PiConfig struct {
	In     io.Reader
	Out    io.Writer
	Logger *slog.Logger
}

// Pi adapts the line-delimited JSON dialect spoken by the Pi sub-agent onto
// the request stream. Inbound commands become synthesized requests with
// method "acp/<type>"; outbound responses and notifications are folded back
// into the dialect's response and event envelopes.
type Pi struct {
	in     io.Reader
	out    io.Writer
	logger *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	requests chan *acp.Request
	done     chan struct{}
	stream   *RequestStream

	// commands remembers the original command per request key so responses
	// can be synthesized back into the dialect.
	cmdMu    sync.Mutex
	commands map[string]string
}

// NewPi creates a Pi-dialect transport.
func NewPi(cfg PiConfig) *Pi {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	t := &Pi{
		in:       cfg.In,
		out:      cfg.Out,
		logger:   cfg.Logger,
		requests: make(chan *acp.Request, requestChannelBuffer),
		done:     make(chan struct{}),
		commands: make(map[string]string),
	}
	t.stream = requestStreamFromChannel(t.requests, t.done)
	return t
}

// Start launches the inbound read loop.
func (t *Pi) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.running = true

	go t.readLoop(runCtx)

	t.logger.Info("pi transport started")
	return nil
}

// Stop terminates the read loop.
func (t *Pi) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil
	}
	t.cancel()
	t.running = false
	t.logger.Info("pi transport stopped")
	return nil
}

// Requests returns the synthesized request stream.
func (t *Pi) Requests() *RequestStream {
	return t.stream
}

func (t *Pi) readLoop(ctx context.Context) {
	defer close(t.done)

	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		t.handleFrame(ctx, []byte(line))
	}
	if err := scanner.Err(); err != nil {
		t.logger.Error("pi read failed", "error", err)
	}
	t.logger.Debug("pi input stream ended")
}

// handleFrame translates one dialect command into a synthesized request. The
// original command name rides along in params._meta.pi.originalCommand so
// the outbound side can reconstruct the dialect envelope.
func (t *Pi) handleFrame(ctx context.Context, data []byte) {
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		t.logger.Warn("dropping malformed pi frame", "error", err, "frame", truncateFrame(data))
		return
	}
	command, _ := fields["type"].(string)
	if command == "" {
		t.logger.Warn("dropping pi frame without type", "frame", truncateFrame(data))
		return
	}

	id, hasID := fields["id"]
	if !hasID || id == nil {
		id = uuid.New().String()
	}

	params := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if k == "type" || k == "id" {
			continue
		}
		params[k] = v
	}

	// Merge into an existing _meta rather than clobbering it.
	meta, _ := params["_meta"].(map[string]interface{})
	if meta == nil {
		meta = make(map[string]interface{})
	}
	meta["pi"] = map[string]interface{}{"originalCommand": command}
	params["_meta"] = meta

	req := &acp.Request{
		JSONRPC: acp.Version,
		Method:  acp.MethodPrefix + command,
		Params:  params,
		ID:      id,
	}

	t.cmdMu.Lock()
	t.commands[requestIDKey(id)] = command
	t.cmdMu.Unlock()

	select {
	case t.requests <- req:
	case <-ctx.Done():
	}
}

// SendResponse folds a response back into the dialect's response envelope,
// using the remembered original command.
func (t *Pi) SendResponse(resp *acp.Response) error {
	key := requestIDKey(resp.ID)

	t.cmdMu.Lock()
	command, ok := t.commands[key]
	if ok {
		delete(t.commands, key)
	}
	t.cmdMu.Unlock()
	if !ok {
		t.logger.Warn("no original command for response", "request_id", key)
	}

	envelope := map[string]interface{}{
		"type":    "response",
		"command": command,
		"id":      resp.ID,
	}
	if resp.Error != nil {
		envelope["error"] = resp.Error
	} else {
		envelope["result"] = resp.Result
	}
	return t.writeFrame(envelope)
}

// SendError folds an error into the dialect's response envelope.
func (t *Pi) SendError(id interface{}, rpcErr *acp.Error) error {
	return t.SendResponse(acp.NewErrorResponse(id, rpcErr))
}

// SendNotification folds a notification into the dialect's event envelope.
func (t *Pi) SendNotification(note *acp.Notification) error {
	envelope := map[string]interface{}{
		"type":   "event",
		"event":  note.Method,
		"params": note.Params,
	}
	return t.writeFrame(envelope)
}

func (t *Pi) writeFrame(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal pi frame: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write pi frame: %w", err)
	}
	return nil
}
