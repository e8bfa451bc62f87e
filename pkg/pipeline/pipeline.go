// Package pipeline defines the value object carried on every graph edge and
// the per-request context shared by all messages derived from one request.
package pipeline

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/acphast/acphast/pkg/acp"
)

// UpdateFunc delivers a streaming notification toward the client. The
// transport that created the context is responsible for serializing
// concurrent calls from divergent branches.
type UpdateFunc func(*acp.Notification)

// NodeTiming records one node's execution window.
type NodeTiming struct {
	Start    time.Time
	End      time.Time
	Duration time.Duration
}

// Context is the per-request correlation and side-channel object. All
// messages originating from one request share the same Context by reference.
type Context struct {
	RequestID string
	SessionID string
	StartTime time.Time
	TraceID   string
	SpanID    string

	logger   *slog.Logger
	onUpdate UpdateFunc

	mu     sync.Mutex
	meta   map[string]interface{}
	errors []error
	timing map[string]*NodeTiming
}

// NewContext creates a request context with a fresh request id. A nil logger
// falls back to slog.Default.
func NewContext(logger *slog.Logger, onUpdate UpdateFunc) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		RequestID: uuid.New().String(),
		StartTime: time.Now(),
		logger:    logger,
		onUpdate:  onUpdate,
		meta:      make(map[string]interface{}),
		timing:    make(map[string]*NodeTiming),
	}
}

// WithSpan captures trace correlation ids from an OTel span context.
func (c *Context) WithSpan(sc trace.SpanContext) *Context {
	if sc.IsValid() {
		c.TraceID = sc.TraceID().String()
		c.SpanID = sc.SpanID().String()
	}
	return c
}

// Logger returns the context's structured logger.
func (c *Context) Logger() *slog.Logger {
	return c.logger
}

// Update publishes a streaming notification toward the client. Safe to call
// from any branch; no-op when the transport did not register a callback.
func (c *Context) Update(note *acp.Notification) {
	if c.onUpdate != nil {
		c.onUpdate(note)
	}
}

// SetMeta stores a value in the context's free-form bag.
func (c *Context) SetMeta(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.meta[key] = value
}

// GetMeta reads a value from the context's free-form bag.
func (c *Context) GetMeta(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.meta[key]
	return v, ok
}

// AddError appends a pipeline error. The list is append-only.
func (c *Context) AddError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, err)
}

// Errors returns a copy of the recorded pipeline errors.
func (c *Context) Errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]error, len(c.errors))
	copy(out, c.errors)
	return out
}

// StartNode records the start of a node's execution.
func (c *Context) StartNode(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timing[nodeID] = &NodeTiming{Start: time.Now()}
}

// EndNode records the end of a node's execution.
func (c *Context) EndNode(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timing[nodeID]; ok {
		t.End = time.Now()
		t.Duration = t.End.Sub(t.Start)
	}
}

// Timing returns a copy of the per-node timing map.
func (c *Context) Timing() map[string]NodeTiming {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]NodeTiming, len(c.timing))
	for id, t := range c.timing {
		out[id] = *t
	}
	return out
}

// TotalDuration returns the elapsed time since the request arrived.
func (c *Context) TotalDuration() time.Duration {
	return time.Since(c.StartTime)
}

// Message is the unit carried on every edge. Nodes progressively enrich it:
// translators attach Translated and Backend, clients attach Response.
type Message struct {
	Ctx     *Context
	Request *acp.Request

	// Backend tag set by translators, e.g. "anthropic".
	Backend string

	// Translated is the per-backend request produced by a translator.
	Translated interface{}

	// Response is the per-backend raw response, or the normalized response
	// after a normalizer has run.
	Response interface{}
}

// NewMessage wraps a request and its context in a pipeline message.
func NewMessage(ctx *Context, req *acp.Request) *Message {
	return &Message{Ctx: ctx, Request: req}
}

// Clone copies the message for fan-out. The context reference is shared so
// that updates on any branch reach the same client.
func (m *Message) Clone() *Message {
	clone := *m
	return &clone
}

// Meta returns the request's params._meta map, or nil.
func (m *Message) Meta() map[string]interface{} {
	if m.Request == nil || m.Request.Params == nil {
		return nil
	}
	meta, _ := m.Request.Params["_meta"].(map[string]interface{})
	return meta
}
