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

	"github.com/acphast/acphast/pkg/acp"
)

// maxFrameSize bounds a single inbound line.
const maxFrameSize = 1024 * 1024

// StdioConfig configures the line-delimited framing. Nil In/Out default to
// the process's stdin/stdout; diagnostics always go to the logger, never to
// the protocol stream.
type StdioConfig struct {
	In     io.Reader
	Out    io.Writer
	Logger *slog.Logger
}

// Stdio speaks JSON-RPC 2.0 over a line-delimited byte stream: one JSON
// value per newline, UTF-8, no Content-Length framing.
type Stdio struct {
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
}

// NewStdio creates a line-delimited transport.
func NewStdio(cfg StdioConfig) *Stdio {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	t := &Stdio{
		in:       cfg.In,
		out:      cfg.Out,
		logger:   cfg.Logger,
		requests: make(chan *acp.Request, requestChannelBuffer),
		done:     make(chan struct{}),
	}
	t.stream = requestStreamFromChannel(t.requests, t.done)
	return t
}

// Start launches the inbound read loop.
func (t *Stdio) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.running = true

	go t.readLoop(runCtx)

	t.logger.Info("stdio transport started")
	return nil
}

// Stop terminates the read loop. The underlying reader is not closed; the
// caller owns it.
func (t *Stdio) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil
	}
	t.cancel()
	t.running = false
	t.logger.Info("stdio transport stopped")
	return nil
}

// Requests returns the inbound request stream.
func (t *Stdio) Requests() *RequestStream {
	return t.stream
}

func (t *Stdio) readLoop(ctx context.Context) {
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
		t.logger.Error("stdio read failed", "error", err)
	}
	t.logger.Debug("stdio input stream ended")
}

// handleFrame classifies one inbound line. Only well-formed requests reach
// the request stream; everything else is answered or logged here.
func (t *Stdio) handleFrame(ctx context.Context, data []byte) {
	req, note, err := acp.ParseMessage(data)
	if err != nil {
		if isResponseFrame(data) {
			t.logger.Warn("unexpected response on inbound stream", "frame", truncateFrame(data))
			return
		}
		// Without a recoverable id there is nothing to correlate an error
		// to, so the frame is dropped.
		if id, ok := acp.RecoverID(data); ok {
			_ = t.writeFrame(acp.NewErrorResponse(id, acp.NewError(acp.CodeParseError, "Parse error")))
		} else {
			t.logger.Warn("dropping malformed frame", "error", err, "frame", truncateFrame(data))
		}
		return
	}

	if note != nil {
		t.logger.Warn("unexpected notification on inbound stream", "method", note.Method)
		return
	}

	if !strings.HasPrefix(req.Method, acp.MethodPrefix) {
		_ = t.writeFrame(acp.NewErrorResponse(req.ID,
			acp.NewErrorf(acp.CodeMethodNotFound, "method not found: %s", req.Method)))
		return
	}

	select {
	case t.requests <- req:
	case <-ctx.Done():
	}
}

// SendResponse writes one response line.
func (t *Stdio) SendResponse(resp *acp.Response) error {
	return t.writeFrame(resp)
}

// SendError writes one error response line for the given id.
func (t *Stdio) SendError(id interface{}, rpcErr *acp.Error) error {
	return t.writeFrame(acp.NewErrorResponse(id, rpcErr))
}

// SendNotification writes one notification line.
func (t *Stdio) SendNotification(note *acp.Notification) error {
	return t.writeFrame(note)
}

// writeFrame serializes one outbound message as a single line. The mutex
// keeps concurrent branches from interleaving partial lines.
func (t *Stdio) writeFrame(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal outbound frame: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write outbound frame: %w", err)
	}
	return nil
}

// isResponseFrame reports whether a frame that failed request classification
// looks like a JSON-RPC response.
func isResponseFrame(data []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	if _, ok := probe["method"]; ok {
		return false
	}
	_, hasResult := probe["result"]
	_, hasError := probe["error"]
	return hasResult || hasError
}

func truncateFrame(data []byte) string {
	const max = 200
	if len(data) <= max {
		return string(data)
	}
	return string(data[:max]) + "..."
}
