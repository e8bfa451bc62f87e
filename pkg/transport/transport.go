// Package transport implements the JSON-RPC framings the proxy speaks:
// line-delimited stdio, HTTP with Server-Sent Events, and the Pi
// child-process dialect. All framings share one interface; the server glue
// in this package drives requests from any of them through the engine.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/acphast/acphast/pkg/acp"
	"github.com/acphast/acphast/pkg/stream"
)

// ErrAlreadyRunning is returned by Start on a transport that is running.
var ErrAlreadyRunning = errors.New("transport: already running")

// RequestStream is the lazy sequence of inbound requests a transport emits.
type RequestStream = stream.Stream[*acp.Request]

// Transport is the framing-independent contract. Requests() is lazy and
// single-subscription: the inbound loop only runs while someone consumes it.
// Malformed frames never appear on the request stream; the transport either
// answers them with ParseError (id recoverable) or drops them.
type Transport interface {
	// Start begins accepting inbound traffic. A second Start while running
	// fails with ErrAlreadyRunning.
	Start(ctx context.Context) error

	// Stop shuts the transport down and releases its resources.
	Stop(ctx context.Context) error

	// Requests returns the stream of inbound requests.
	Requests() *RequestStream

	// SendResponse writes a response toward the client that issued the
	// request with the matching id.
	SendResponse(resp *acp.Response) error

	// SendError writes an error response for the given request id.
	SendError(id interface{}, rpcErr *acp.Error) error

	// SendNotification delivers a notification. HTTP routes it to SSE
	// subscribers by params.requestId; stream framings write it inline.
	SendNotification(note *acp.Notification) error
}

// requestChannelBuffer bounds how far the inbound loop can run ahead of the
// request stream consumer.
const requestChannelBuffer = 16

// requestStreamFromChannel adapts a channel fed by an inbound loop into the
// lazy request stream. Requests buffered when done closes are still emitted.
func requestStreamFromChannel(ch <-chan *acp.Request, done <-chan struct{}) *RequestStream {
	return stream.New(func(ctx context.Context, emit func(*acp.Request) error) error {
		for {
			select {
			case req, ok := <-ch:
				if !ok {
					return nil
				}
				if err := emit(req); err != nil {
					return err
				}
			case <-done:
				for {
					select {
					case req := <-ch:
						if err := emit(req); err != nil {
							return err
						}
					default:
						return nil
					}
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

// requestIDKey coerces a JSON-RPC id into the string routing key used for
// pending-response maps and SSE correlation. Numeric ids decoded as float64
// render as integers when whole so "1" and 1 collide as intended.
func requestIDKey(id interface{}) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
