package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/acphast/acphast/pkg/acp"
	"github.com/acphast/acphast/pkg/engine"
	"github.com/acphast/acphast/pkg/meta"
	"github.com/acphast/acphast/pkg/pipeline"
	"github.com/acphast/acphast/pkg/session"
	"github.com/acphast/acphast/pkg/stream"
)

// DefaultRequestTimeout is the hard upper bound per request. The output
// stream is raced against it; on expiry the request fails with
// InternalError and its subscription is cancelled.
const DefaultRequestTimeout = 30 * time.Second

// acpErrorer is implemented by pipeline errors that carry a protocol error,
// notably backend client failures.
type acpErrorer interface {
	ACPError() *acp.Error
}

// ServerConfig wires the request-handling loop.
type ServerConfig struct {
	Transport Transport
	Engine    *engine.Engine
	Sessions  session.Repository
	Meta      *meta.Validator

	// EntryNodeID selects where execution starts. Empty means the first
	// node with no declared inputs (the ACP Input marker).
	EntryNodeID string

	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Server consumes the transport's request stream and drives each request
// through the engine, honoring the one-response-per-id contract.
type Server struct {
	transport Transport
	engine    *engine.Engine
	sessions  session.Repository
	meta      *meta.Validator
	entryID   string
	timeout   time.Duration
	logger    *slog.Logger

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
}

// NewServer creates the request-handling loop over a transport and engine.
func NewServer(cfg ServerConfig) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		transport: cfg.Transport,
		engine:    cfg.Engine,
		sessions:  cfg.Sessions,
		meta:      cfg.Meta,
		entryID:   cfg.EntryNodeID,
		timeout:   cfg.RequestTimeout,
		logger:    cfg.Logger,
	}
	s.cancels = make(map[string]context.CancelFunc)

	if notifier, ok := cfg.Transport.(interface{ SetOnDisconnect(func(string)) }); ok {
		notifier.SetOnDisconnect(s.cancelRequest)
	}
	return s
}

// Run starts the transport and serves requests until ctx is cancelled or the
// inbound stream ends. Each request is handled on its own goroutine.
func (s *Server) Run(ctx context.Context) error {
	if err := s.transport.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.transport.Stop(stopCtx)
	}()

	var wg sync.WaitGroup
	sub, err := s.transport.Requests().Subscribe(ctx,
		func(req *acp.Request) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.handleRequest(ctx, req)
			}()
		},
		func(err error) {
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("request stream failed", "error", err)
			}
		},
		nil,
	)
	if err != nil {
		return err
	}

	<-sub.Done()
	wg.Wait()
	return nil
}

// cancelRequest aborts the in-flight request with the given key. Invoked by
// transports on client disconnect.
func (s *Server) cancelRequest(key string) {
	s.cancelMu.Lock()
	cancel, ok := s.cancels[key]
	s.cancelMu.Unlock()
	if ok {
		s.logger.Debug("cancelling request on client disconnect", "request_id", key)
		cancel()
	}
}

// handleRequest drives one request end to end: metadata validation, session
// bookkeeping, graph execution, and exactly one response or error.
func (s *Server) handleRequest(ctx context.Context, req *acp.Request) {
	key := requestIDKey(req.ID)
	start := time.Now()

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if key != "" {
		s.cancelMu.Lock()
		s.cancels[key] = cancel
		s.cancelMu.Unlock()
		defer func() {
			s.cancelMu.Lock()
			delete(s.cancels, key)
			s.cancelMu.Unlock()
		}()
	}

	if rpcErr := s.validateMeta(req); rpcErr != nil {
		s.sendError(req.ID, rpcErr)
		return
	}

	if handled := s.handleSessionMethod(reqCtx, req); handled {
		return
	}

	resp, rpcErr := s.execute(reqCtx, req, key)
	if rpcErr != nil {
		s.sendError(req.ID, rpcErr)
	} else {
		if err := s.transport.SendResponse(resp); err != nil {
			s.logger.Error("failed to send response", "request_id", key, "error", err)
		}
	}
	s.logger.Info("request handled",
		"request_id", key, "method", req.Method,
		"duration_ms", time.Since(start).Milliseconds(), "error", rpcErr != nil)
}

// validateMeta applies the process-wide _meta policy to the request, writing
// the possibly-stripped map back into params.
func (s *Server) validateMeta(req *acp.Request) *acp.Error {
	if s.meta == nil || req.Params == nil {
		return nil
	}
	raw, ok := req.Params["_meta"].(map[string]interface{})
	if !ok {
		return nil
	}
	validated, err := s.meta.Validate(raw)
	if err != nil {
		return acp.NewErrorf(acp.CodeInvalidParams, "invalid _meta: %v", err)
	}
	req.Params["_meta"] = validated
	return nil
}

// execute runs the request through the graph and shapes the final response.
func (s *Server) execute(ctx context.Context, req *acp.Request, key string) (*acp.Response, *acp.Error) {
	entryID, err := s.resolveEntry()
	if err != nil {
		return nil, acp.NewError(acp.CodeInternalError, err.Error())
	}

	pctx := s.newPipelineContext(req, key)
	msg := pipeline.NewMessage(pctx, req)

	out, err := s.engine.Execute(entryID, msg, pctx)
	if err != nil {
		return nil, acp.NewErrorf(acp.CodeInternalError, "execution failed: %v", err)
	}

	final, got, err := stream.Timeout(out, s.timeout).First(ctx)
	if err != nil {
		if errors.Is(err, stream.ErrTimeout) {
			pctx.AddError(err)
			return nil, acp.NewErrorf(acp.CodeInternalError,
				"request timed out after %s waiting for pipeline output", s.timeout)
		}
		if errors.Is(err, context.Canceled) {
			pctx.AddError(err)
			return nil, acp.NewError(acp.CodeInternalError, "request cancelled")
		}
		return nil, toRPCError(err)
	}
	if !got {
		return nil, acp.NewError(acp.CodeInternalError, "pipeline produced no output")
	}

	s.recordTurn(ctx, req, final)
	return acp.NewResponse(req.ID, responseResult(final)), nil
}

// newPipelineContext builds the per-request context. Notification emissions
// from divergent branches are serialized here before reaching the transport.
func (s *Server) newPipelineContext(req *acp.Request, key string) *pipeline.Context {
	var notifyMu sync.Mutex
	pctx := pipeline.NewContext(s.logger, func(note *acp.Notification) {
		notifyMu.Lock()
		defer notifyMu.Unlock()
		if err := s.transport.SendNotification(note); err != nil {
			s.logger.Error("failed to send notification", "request_id", key, "error", err)
		}
	})
	if key != "" {
		pctx.RequestID = key
	}
	if req.Params != nil {
		if sid, ok := req.Params["sessionId"].(string); ok {
			pctx.SessionID = sid
		}
	}
	return pctx
}

// resolveEntry returns the configured entry node, falling back to the first
// node that declares no inputs.
func (s *Server) resolveEntry() (string, error) {
	if s.entryID != "" {
		if _, ok := s.engine.GetNode(s.entryID); !ok {
			return "", fmt.Errorf("entry node %q not found", s.entryID)
		}
		return s.entryID, nil
	}
	for id, n := range s.engine.GetNodes() {
		if len(n.Meta().Inputs) == 0 {
			return id, nil
		}
	}
	return "", fmt.Errorf("no entry node: graph has no input marker and none was configured")
}

// handleSessionMethod serves the session lifecycle methods directly, without
// graph execution. Returns true when the request was consumed.
func (s *Server) handleSessionMethod(ctx context.Context, req *acp.Request) bool {
	if s.sessions == nil {
		return false
	}

	switch req.Method {
	case "acp/session/new":
		s.handleSessionNew(ctx, req)
		return true
	case "acp/session/list":
		s.handleSessionList(ctx, req)
		return true
	case "acp/session/delete":
		s.handleSessionDelete(ctx, req)
		return true
	}
	return false
}

func (s *Server) handleSessionNew(ctx context.Context, req *acp.Request) {
	sess := &session.Session{}
	if req.Params != nil {
		if cwd, ok := req.Params["cwd"].(string); ok {
			sess.Cwd = cwd
		}
		if md, ok := req.Params["metadata"].(map[string]interface{}); ok {
			sess.Metadata = md
		}
	}
	created, err := s.sessions.Create(ctx, sess)
	if err != nil {
		s.sendError(req.ID, acp.NewErrorf(acp.CodeInternalError, "failed to create session: %v", err))
		return
	}
	s.sendResponse(req.ID, map[string]interface{}{"sessionId": created.ID})
}

func (s *Server) handleSessionList(ctx context.Context, req *acp.Request) {
	sessions, err := s.sessions.List(ctx)
	if err != nil {
		s.sendError(req.ID, acp.NewErrorf(acp.CodeInternalError, "failed to list sessions: %v", err))
		return
	}
	s.sendResponse(req.ID, map[string]interface{}{"sessions": sessions})
}

func (s *Server) handleSessionDelete(ctx context.Context, req *acp.Request) {
	id, _ := req.Params["sessionId"].(string)
	if id == "" {
		s.sendError(req.ID, acp.NewError(acp.CodeInvalidParams, "sessionId is required"))
		return
	}
	if err := s.sessions.Delete(ctx, id); err != nil {
		s.sendError(req.ID, acp.NewErrorf(acp.CodeInternalError, "failed to delete session: %v", err))
		return
	}
	s.sendResponse(req.ID, map[string]interface{}{"deleted": true})
}

// recordTurn appends a prompt exchange to its session's history. Only
// session/prompt requests carrying a known session are recorded.
func (s *Server) recordTurn(ctx context.Context, req *acp.Request, msg *pipeline.Message) {
	if s.sessions == nil || req.Method != "acp/session/prompt" {
		return
	}
	sid, _ := req.Params["sessionId"].(string)
	if sid == "" {
		return
	}
	sess, err := s.sessions.Get(ctx, sid)
	if err != nil || sess == nil {
		s.logger.Warn("session not found for prompt, skipping history", "session_id", sid)
		return
	}

	turn := session.Turn{Request: req, At: time.Now()}
	if normalized, ok := msg.Response.(*acp.NormalizedResponse); ok {
		turn.Response = normalized
		if normalized.StopReason != nil {
			turn.StopReason = *normalized.StopReason
		}
		turn.Usage = normalized.Usage
	}
	sess.History = append(sess.History, turn)
	if _, err := s.sessions.Update(ctx, sid, &session.Session{History: sess.History}); err != nil {
		s.logger.Warn("failed to record session turn", "session_id", sid, "error", err)
	}
}

func (s *Server) sendResponse(id, result interface{}) {
	if err := s.transport.SendResponse(acp.NewResponse(id, result)); err != nil {
		s.logger.Error("failed to send response", "error", err)
	}
}

func (s *Server) sendError(id interface{}, rpcErr *acp.Error) {
	if err := s.transport.SendError(id, rpcErr); err != nil {
		s.logger.Error("failed to send error response", "error", err)
	}
}

// responseResult shapes the JSON-RPC result from the terminal message. A
// message that never gained a response echoes its method and params, which
// is what passthrough-only graphs produce.
func responseResult(msg *pipeline.Message) interface{} {
	if msg.Response != nil {
		return msg.Response
	}
	result := map[string]interface{}{}
	if msg.Request != nil {
		result["method"] = strings.TrimPrefix(msg.Request.Method, acp.MethodPrefix)
		if msg.Request.Params != nil {
			result["params"] = msg.Request.Params
		}
	}
	return result
}

// toRPCError maps a pipeline error onto the protocol taxonomy.
func toRPCError(err error) *acp.Error {
	var rpcErr *acp.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	var backend acpErrorer
	if errors.As(err, &backend) {
		return backend.ACPError()
	}
	return acp.NewError(acp.CodeInternalError, err.Error())
}
