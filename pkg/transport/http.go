package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/acphast/acphast/pkg/acp"
)

// DefaultHTTPAddr is the bind address used when none is configured.
const DefaultHTTPAddr = "localhost:6809"

// HTTPConfig configures the HTTP+SSE framing.
type HTTPConfig struct {
	Addr   string
	Logger *slog.Logger

	// DisableCORS turns off the permissive Access-Control-Allow-* headers.
	DisableCORS bool
}

// HTTP speaks JSON-RPC 2.0 over HTTP: POST /rpc carries one request whose
// HTTP response body is the matching JSON-RPC response, and GET
// /events/{requestId} streams notifications for that request id over SSE.
type HTTP struct {
	addr        string
	logger      *slog.Logger
	disableCORS bool

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	listener net.Listener
	server   *http.Server

	requests chan *acp.Request
	done     chan struct{}
	stream   *RequestStream

	pendingMu sync.Mutex
	pending   map[string]chan *acp.Response

	hub *sseHub

	onDisconnect func(requestKey string)
}

// NewHTTP creates an HTTP+SSE transport.
func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.Addr == "" {
		cfg.Addr = DefaultHTTPAddr
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	t := &HTTP{
		addr:        cfg.Addr,
		logger:      cfg.Logger,
		disableCORS: cfg.DisableCORS,
		requests:    make(chan *acp.Request, requestChannelBuffer),
		done:        make(chan struct{}),
		pending:     make(map[string]chan *acp.Response),
		hub:         newSSEHub(cfg.Logger),
	}
	t.stream = requestStreamFromChannel(t.requests, t.done)
	return t
}

// SetOnDisconnect registers a callback invoked when a client abandons a
// pending request. The server uses it to cancel the request's execution.
func (t *HTTP) SetOnDisconnect(f func(requestKey string)) {
	t.onDisconnect = f
}

// Start binds the listener and begins serving.
func (t *HTTP) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return ErrAlreadyRunning
	}

	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", t.addr, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.listener = ln
	t.server = &http.Server{
		Handler: t.routes(),
		BaseContext: func(net.Listener) context.Context {
			return runCtx
		},
	}
	t.running = true

	go func() {
		if err := t.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			t.logger.Error("http transport serve failed", "error", err)
		}
	}()

	t.logger.Info("http transport started", "addr", ln.Addr().String())
	return nil
}

// Stop shuts the server down, draining in-flight handlers until ctx expires.
func (t *HTTP) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil
	}
	t.running = false
	t.cancel()
	close(t.done)

	if err := t.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown http transport: %w", err)
	}
	t.logger.Info("http transport stopped")
	return nil
}

// Addr returns the bound address. Useful with an ephemeral port.
func (t *HTTP) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return t.addr
	}
	return t.listener.Addr().String()
}

// Requests returns the inbound request stream.
func (t *HTTP) Requests() *RequestStream {
	return t.stream
}

func (t *HTTP) routes() http.Handler {
	r := chi.NewRouter()
	if !t.disableCORS {
		r.Use(corsMiddleware)
	}

	r.Post("/rpc", t.handleRPC)
	r.Get("/events/{requestId}", t.handleEvents)
	r.Get("/", t.handleStatus)
	r.Handle("/metrics", promhttp.Handler())
	r.Options("/*", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		next.ServeHTTP(w, r)
	})
}

// handleRPC accepts exactly one JSON-RPC request and blocks until the engine
// produces the matching response.
func (t *HTTP) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxFrameSize))
	if err != nil {
		t.writeRPC(w, acp.NewErrorResponse(nil, acp.NewError(acp.CodeParseError, "failed to read request body")))
		return
	}
	defer r.Body.Close()

	req, note, err := acp.ParseMessage(body)
	if err != nil {
		id, _ := acp.RecoverID(body)
		t.writeRPC(w, acp.NewErrorResponse(id, acp.NewError(acp.CodeParseError, "Parse error")))
		return
	}
	if note != nil {
		t.logger.Warn("unexpected notification on /rpc", "method", note.Method)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if !strings.HasPrefix(req.Method, acp.MethodPrefix) {
		t.writeRPC(w, acp.NewErrorResponse(req.ID,
			acp.NewErrorf(acp.CodeMethodNotFound, "method not found: %s", req.Method)))
		return
	}

	key := requestIDKey(req.ID)
	if key == "" {
		// A null id cannot be correlated to a pending slot.
		t.logger.Warn("request with null id on /rpc, closing connection")
		w.Header().Set("Connection", "close")
		return
	}

	respCh := make(chan *acp.Response, 1)
	t.pendingMu.Lock()
	if _, dup := t.pending[key]; dup {
		t.pendingMu.Unlock()
		t.writeRPC(w, acp.NewErrorResponse(req.ID,
			acp.NewErrorf(acp.CodeInvalidRequest, "duplicate request id %v", req.ID)))
		return
	}
	t.pending[key] = respCh
	t.pendingMu.Unlock()

	rpcRequestsTotal.WithLabelValues(req.Method).Inc()

	select {
	case t.requests <- req:
	case <-t.done:
		t.removePending(key)
		t.writeRPC(w, acp.NewErrorResponse(req.ID, acp.NewError(acp.CodeInternalError, "transport stopped")))
		return
	case <-r.Context().Done():
		t.removePending(key)
		return
	}

	select {
	case resp := <-respCh:
		t.writeRPC(w, resp)
	case <-t.done:
		t.removePending(key)
		t.writeRPC(w, acp.NewErrorResponse(req.ID, acp.NewError(acp.CodeInternalError, "transport stopped")))
	case <-r.Context().Done():
		t.removePending(key)
		if t.onDisconnect != nil {
			t.onDisconnect(key)
		}
		t.logger.Debug("client disconnected before response", "request_id", key)
	}
}

func (t *HTTP) removePending(key string) {
	t.pendingMu.Lock()
	delete(t.pending, key)
	t.pendingMu.Unlock()
}

// handleEvents opens an SSE stream scoped to one request id.
func (t *HTTP) handleEvents(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestId")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: connected\ndata: {\"requestId\": %q}\n\n", requestID)
	flusher.Flush()

	ch := t.hub.subscribe(requestID)
	defer t.hub.unsubscribe(requestID, ch)

	for {
		select {
		case note, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(note)
			if err != nil {
				t.logger.Error("failed to marshal notification", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: notification\ndata: %s\n\n", data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-t.done:
			return
		}
	}
}

func (t *HTTP) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	t.pendingMu.Lock()
	pending := len(t.pending)
	t.pendingMu.Unlock()
	fmt.Fprintf(w, "acphast proxy\npending requests: %d\nsse clients: %d\n", pending, t.hub.count())
}

// SendResponse resolves the pending slot for the response's id. A response
// whose client already disconnected is dropped with a warning.
func (t *HTTP) SendResponse(resp *acp.Response) error {
	key := requestIDKey(resp.ID)

	t.pendingMu.Lock()
	ch, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.pendingMu.Unlock()

	if !ok {
		t.logger.Warn("no pending request for response", "request_id", key)
		return nil
	}
	status := "ok"
	if resp.Error != nil {
		status = "error"
	}
	rpcResponsesTotal.WithLabelValues(status).Inc()
	ch <- resp
	return nil
}

// SendError resolves the pending slot with an error response.
func (t *HTTP) SendError(id interface{}, rpcErr *acp.Error) error {
	return t.SendResponse(acp.NewErrorResponse(id, rpcErr))
}

// SendNotification fans the notification out to every SSE subscriber whose
// key matches params.requestId. Without subscribers it is dropped silently;
// SSE attachment is optional per request.
func (t *HTTP) SendNotification(note *acp.Notification) error {
	key := ""
	if note.Params != nil {
		key = requestIDKey(note.Params["requestId"])
	}
	if key == "" {
		t.logger.Warn("notification without requestId, dropping", "method", note.Method)
		return nil
	}
	notificationsTotal.Inc()
	t.hub.publish(key, note)
	return nil
}

func (t *HTTP) writeRPC(w http.ResponseWriter, resp *acp.Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		t.logger.Error("failed to write rpc response", "error", err)
	}
}
