// Package transport bridges a quic-go connection to the single-threaded
// HTTP/3 engine. It owns the accept and read goroutines and serializes
// every engine call behind a per-connection mutex.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/albertbausili/rapide/internal/h3/codec"
	"github.com/albertbausili/rapide/internal/h3/conn"
)

// readChunkSize bounds how much stream data is handed to the engine per
// call, which in turn bounds the size of a single data event.
const readChunkSize = 32 * 1024

// sendStream is the writable half of a QUIC stream.
type sendStream interface {
	io.Writer
	Close() error
}

// Conn drives one QUIC connection's HTTP/3 layer. All engine access goes
// through mu; the engine itself is single-threaded.
type Conn struct {
	qconn  quic.Connection
	logger *log.Logger

	mu      sync.Mutex
	engine  *conn.Connection
	writers map[uint64]sendStream
}

// adapter implements the engine's transport interface. Its methods are only
// invoked while Conn.mu is held, since the engine runs under that lock.
type adapter struct {
	c *Conn
}

func (a adapter) SendStreamData(streamID uint64, p []byte, endStream bool) error {
	w, ok := a.c.writers[streamID]
	if !ok {
		return fmt.Errorf("no writable stream %d", streamID)
	}
	if len(p) > 0 {
		if _, err := w.Write(p); err != nil {
			return fmt.Errorf("writing to stream %d: %w", streamID, err)
		}
	}
	if endStream {
		if err := w.Close(); err != nil {
			return fmt.Errorf("closing stream %d: %w", streamID, err)
		}
	}
	return nil
}

func (a adapter) OpenUniStream() (uint64, error) {
	s, err := a.c.qconn.OpenUniStream()
	if err != nil {
		return 0, fmt.Errorf("opening unidirectional stream: %w", err)
	}
	id := uint64(s.StreamID())
	a.c.writers[id] = s
	return id, nil
}

func (a adapter) Close(code uint64, reason string) error {
	return a.c.qconn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

// New wires an established QUIC connection to a fresh HTTP/3 engine. The
// control and QPACK streams are announced immediately; inbound processing
// begins on Start.
func New(qconn quic.Connection, cdc codec.Codec, handler conn.Handler, cfg conn.Config) (*Conn, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	c := &Conn{
		qconn:   qconn,
		logger:  cfg.Logger,
		writers: make(map[uint64]sendStream),
	}
	engine, err := conn.New(adapter{c: c}, cdc, handler, cfg)
	if err != nil {
		return nil, err
	}
	c.engine = engine
	return c, nil
}

// Start launches the stream accept loops. Handler callbacks begin as soon
// as the peer sends data.
func (c *Conn) Start() {
	go c.acceptStreams()
	go c.acceptUniStreams()
}

// Context is done when the underlying QUIC connection closes.
func (c *Conn) Context() context.Context {
	return c.qconn.Context()
}

// Done reports whether the HTTP/3 layer has been torn down by a fatal
// error.
func (c *Conn) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.Done()
}

func (c *Conn) acceptStreams() {
	for {
		s, err := c.qconn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		id := uint64(s.StreamID())
		c.mu.Lock()
		c.writers[id] = s
		c.mu.Unlock()
		go c.readLoop(id, s)
	}
}

func (c *Conn) acceptUniStreams() {
	for {
		s, err := c.qconn.AcceptUniStream(context.Background())
		if err != nil {
			return
		}
		go c.readLoop(uint64(s.StreamID()), s)
	}
}

// readLoop feeds one stream's bytes into the engine until EOF or reset.
func (c *Conn) readLoop(id uint64, r io.Reader) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 || err == io.EOF {
			c.mu.Lock()
			herr := c.engine.HandleStreamData(id, buf[:n], err == io.EOF)
			c.mu.Unlock()
			if herr != nil {
				return
			}
		}
		if err != nil {
			var serr *quic.StreamError
			if errors.As(err, &serr) {
				c.mu.Lock()
				c.engine.HandleStreamReset(id)
				c.mu.Unlock()
			}
			return
		}
	}
}

// OpenRequestStream opens a new bidirectional request stream and returns
// its id. The peer's half is read in the background like any accepted
// stream.
func (c *Conn) OpenRequestStream(ctx context.Context) (uint64, error) {
	s, err := c.qconn.OpenStreamSync(ctx)
	if err != nil {
		return 0, fmt.Errorf("opening request stream: %w", err)
	}
	id := uint64(s.StreamID())
	c.mu.Lock()
	c.writers[id] = s
	c.mu.Unlock()
	go c.readLoop(id, s)
	return id, nil
}

// SendHeaders encodes and sends a HEADERS frame on the given stream.
func (c *Conn) SendHeaders(streamID uint64, headers [][2]string, endStream bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.SendHeaders(streamID, headers, endStream)
}

// SendData sends a DATA frame on the given stream.
func (c *Conn) SendData(streamID uint64, p []byte, endStream bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.SendData(streamID, p, endStream)
}

// SendPushPromise announces a server push on a request stream and returns
// the id of the newly opened push stream.
func (c *Conn) SendPushPromise(streamID uint64, headers [][2]string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.SendPushPromise(streamID, headers)
}

// SendMaxPushID raises the push ceiling advertised to the server.
func (c *Conn) SendMaxPushID(maxPushID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.SendMaxPushID(maxPushID)
}

// SendGoAway announces graceful shutdown on the control stream.
func (c *Conn) SendGoAway(id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine.SendGoAway(id)
}

// Close terminates the QUIC connection without an error code.
func (c *Conn) Close() error {
	return c.qconn.CloseWithError(0, "")
}
