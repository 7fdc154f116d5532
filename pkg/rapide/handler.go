package rapide

import "github.com/albertbausili/rapide/internal/h3/conn"

// HeadersEvent reports a decoded HEADERS frame.
type HeadersEvent = conn.HeadersEvent

// DataEvent reports a chunk of a DATA frame body.
type DataEvent = conn.DataEvent

// PushPromiseEvent reports a decoded PUSH_PROMISE frame.
type PushPromiseEvent = conn.PushPromiseEvent

// Handler receives the events of one HTTP/3 connection. Callbacks run
// sequentially per connection; responses are sent through the Conn.
type Handler interface {
	OnHeaders(c *Conn, ev HeadersEvent)
	OnData(c *Conn, ev DataEvent)
	OnPushPromise(c *Conn, ev PushPromiseEvent)
}

// HandlerFuncs is an adapter to allow ordinary functions to be used as
// handlers. Nil fields ignore the corresponding event.
type HandlerFuncs struct {
	Headers     func(c *Conn, ev HeadersEvent)
	Data        func(c *Conn, ev DataEvent)
	PushPromise func(c *Conn, ev PushPromiseEvent)
}

// OnHeaders calls the Headers function if set.
func (h HandlerFuncs) OnHeaders(c *Conn, ev HeadersEvent) {
	if h.Headers != nil {
		h.Headers(c, ev)
	}
}

// OnData calls the Data function if set.
func (h HandlerFuncs) OnData(c *Conn, ev DataEvent) {
	if h.Data != nil {
		h.Data(c, ev)
	}
}

// OnPushPromise calls the PushPromise function if set.
func (h HandlerFuncs) OnPushPromise(c *Conn, ev PushPromiseEvent) {
	if h.PushPromise != nil {
		h.PushPromise(c, ev)
	}
}

// Middleware is a function that wraps a Handler with additional functionality.
type Middleware func(Handler) Handler

// Chain combines multiple middlewares into a single middleware.
func Chain(middlewares ...Middleware) Middleware {
	return func(final Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// handlerBridge adapts a public Handler to the engine's event interface.
// The conn field is bound after the transport is constructed and before
// inbound processing starts.
type handlerBridge struct {
	handler Handler
	conn    *Conn
}

func (b *handlerBridge) OnHeaders(ev conn.HeadersEvent)         { b.handler.OnHeaders(b.conn, ev) }
func (b *handlerBridge) OnData(ev conn.DataEvent)               { b.handler.OnData(b.conn, ev) }
func (b *handlerBridge) OnPushPromise(ev conn.PushPromiseEvent) { b.handler.OnPushPromise(b.conn, ev) }
