package rapide

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/albertbausili/rapide/internal/h3/codec"
	"github.com/albertbausili/rapide/internal/h3/conn"
	"github.com/albertbausili/rapide/internal/h3/transport"
)

// ErrNoAvailablePushID is returned by SendPushPromise when the client's
// push ceiling is exhausted. Raise it by having the client call
// SendMaxPushID.
var ErrNoAvailablePushID = conn.ErrNoAvailablePushID

// ErrConnectionClosed is returned by send operations after the connection
// was torn down.
var ErrConnectionClosed = conn.ErrConnectionClosed

// Server accepts QUIC connections and runs the HTTP/3 engine on each.
type Server struct {
	config   Config
	handler  Handler
	listener *quic.Listener
}

// New creates a new Server with the provided configuration.
func New(config Config) *Server {
	return &Server{config: config}
}

// Handler sets the connection handler and returns the server for method
// chaining.
func (s *Server) Handler(handler Handler) *Server {
	s.handler = handler
	return s
}

// ListenAndServe sets the handler and starts the server.
func (s *Server) ListenAndServe(handler Handler) error {
	s.handler = handler
	return s.Start()
}

// Start begins accepting HTTP/3 connections. It blocks until the listener
// is closed.
func (s *Server) Start() error {
	if s.handler == nil {
		return fmt.Errorf("handler not set")
	}
	if err := s.config.Validate(); err != nil {
		return err
	}

	listener, err := quic.ListenAddr(s.config.Addr, tlsConfigForH3(s.config.TLSConfig), &quic.Config{
		MaxIdleTimeout: s.config.MaxIdleTimeout,
	})
	if err != nil {
		return fmt.Errorf("rapide: listen on %s: %w", s.config.Addr, err)
	}
	s.listener = listener
	s.config.Logger.Printf("rapide: listening on %s", s.config.Addr)

	for {
		qconn, err := listener.Accept(context.Background())
		if err != nil {
			return nil // listener closed
		}
		if err := s.serveConn(qconn); err != nil {
			s.config.Logger.Printf("rapide: connection setup failed: %v", err)
			_ = qconn.CloseWithError(0, "")
		}
	}
}

func (s *Server) serveConn(qconn quic.Connection) error {
	bridge := &handlerBridge{handler: s.handler}
	tc, err := transport.New(qconn, codec.NewQPACK(), bridge, conn.Config{
		IsClient:              false,
		QPACKMaxTableCapacity: s.config.QPACKMaxTableCapacity,
		QPACKBlockedStreams:   s.config.QPACKBlockedStreams,
		Logger:                s.config.Logger,
	})
	if err != nil {
		return err
	}
	c := &Conn{id: uuid.NewString(), t: tc}
	bridge.conn = c
	tc.Start()
	s.config.Logger.Printf("rapide: accepted connection %s from %s", c.ID(), qconn.RemoteAddr())
	return nil
}

// Stop closes the listener. Established connections keep running until
// they close on their own.
func (s *Server) Stop(ctx context.Context) error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// Dial establishes an HTTP/3 client connection to addr. The returned Conn
// is ready for OpenRequestStream; a non-zero MaxPushID in the config is
// advertised immediately.
func Dial(ctx context.Context, addr string, config Config, handler Handler) (*Conn, error) {
	if config.Logger == nil {
		config.Logger = newSilentLogger()
	}
	if config.TLSConfig == nil {
		return nil, fmt.Errorf("rapide: TLSConfig is required")
	}
	if handler == nil {
		handler = HandlerFuncs{}
	}

	qconn, err := quic.DialAddr(ctx, addr, tlsConfigForH3(config.TLSConfig), &quic.Config{
		MaxIdleTimeout: config.MaxIdleTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("rapide: dial %s: %w", addr, err)
	}

	bridge := &handlerBridge{handler: handler}
	tc, err := transport.New(qconn, codec.NewQPACK(), bridge, conn.Config{
		IsClient:              true,
		QPACKMaxTableCapacity: config.QPACKMaxTableCapacity,
		QPACKBlockedStreams:   config.QPACKBlockedStreams,
		Logger:                config.Logger,
	})
	if err != nil {
		_ = qconn.CloseWithError(0, "")
		return nil, err
	}
	c := &Conn{id: uuid.NewString(), t: tc}
	bridge.conn = c
	tc.Start()

	if config.MaxPushID > 0 {
		if err := c.SendMaxPushID(config.MaxPushID); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	return c, nil
}
