package rapide

import (
	"context"

	"github.com/albertbausili/rapide/internal/h3/transport"
)

// Conn is one HTTP/3 connection. It is safe for concurrent use.
type Conn struct {
	id string
	t  *transport.Conn
}

// ID returns the connection's identifier, assigned at accept or dial time.
func (c *Conn) ID() string {
	return c.id
}

// Context is done when the underlying QUIC connection closes.
func (c *Conn) Context() context.Context {
	return c.t.Context()
}

// Done reports whether the connection was torn down by a fatal protocol
// error.
func (c *Conn) Done() bool {
	return c.t.Done()
}

// OpenRequestStream opens a new bidirectional request stream. Clients call
// this once per request.
func (c *Conn) OpenRequestStream(ctx context.Context) (uint64, error) {
	return c.t.OpenRequestStream(ctx)
}

// SendHeaders sends a HEADERS frame on the given stream. The first call
// carries the message headers, a second call carries trailers.
func (c *Conn) SendHeaders(streamID uint64, headers [][2]string, endStream bool) error {
	return c.t.SendHeaders(streamID, headers, endStream)
}

// SendData sends a DATA frame on the given stream.
func (c *Conn) SendData(streamID uint64, p []byte, endStream bool) error {
	return c.t.SendData(streamID, p, endStream)
}

// SendPushPromise announces a server push on a request stream and returns
// the push stream id to send the promised response on. It fails with
// ErrNoAvailablePushID when the client's push ceiling is exhausted.
func (c *Conn) SendPushPromise(streamID uint64, headers [][2]string) (uint64, error) {
	return c.t.SendPushPromise(streamID, headers)
}

// SendMaxPushID raises the push ceiling advertised to the server. Clients
// only.
func (c *Conn) SendMaxPushID(maxPushID uint64) error {
	return c.t.SendMaxPushID(maxPushID)
}

// SendGoAway announces graceful shutdown on the control stream.
func (c *Conn) SendGoAway(id uint64) error {
	return c.t.SendGoAway(id)
}

// Close terminates the connection.
func (c *Conn) Close() error {
	return c.t.Close()
}
