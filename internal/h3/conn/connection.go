// Package conn implements the connection-level HTTP/3 engine: it classifies
// bytes arriving on QUIC streams into frames, drives the per-stream state
// machine for headers/data/push, coordinates the shared field-compression
// codec across streams, and bootstraps the unidirectional control and QPACK
// streams.
package conn

import (
	"errors"
	"io"
	"log"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/albertbausili/rapide/internal/h3/codec"
	"github.com/albertbausili/rapide/internal/h3/frame"
)

// verboseLogging controls hot-path logging for performance-sensitive
// operations. Keep false for production runs.
const verboseLogging = false

// Transport is the QUIC layer the engine drives. Implementations queue
// bytes for transmission; the engine never blocks on them.
type Transport interface {
	// SendStreamData queues bytes for transmission on a stream.
	SendStreamData(streamID uint64, p []byte, endStream bool) error
	// OpenUniStream allocates a new local unidirectional stream id.
	OpenUniStream() (uint64, error)
	// Close terminates the transport connection with an application error.
	Close(code uint64, reason string) error
}

// Config holds the engine's per-connection options.
type Config struct {
	// IsClient selects the client role: clients receive pushes and
	// advertise MAX_PUSH_ID, servers send them.
	IsClient bool
	// QPACKMaxTableCapacity is the dynamic-table capacity advertised in
	// the local SETTINGS frame.
	QPACKMaxTableCapacity uint64
	// QPACKBlockedStreams is the blocked-stream limit advertised in the
	// local SETTINGS frame.
	QPACKBlockedStreams uint64
	// Logger for connection events; silent when nil.
	Logger *log.Logger
}

// Connection is the HTTP/3 engine for one QUIC connection. It is not safe
// for concurrent use: a multi-threaded embedding must serialize all calls.
type Connection struct {
	transport Transport
	codec     codec.Codec
	handler   Handler
	logger    *log.Logger
	isClient  bool

	streams map[uint64]*stream

	localControlID uint64
	localEncoderID uint64
	localDecoderID uint64

	peerControl   bool
	peerControlID uint64
	peerEncoder   bool
	peerDecoder   bool

	settingsReceived bool

	nextPushID   uint64
	maxPushID    uint64
	hasMaxPushID bool

	done bool
}

// New creates the engine for an established QUIC connection and immediately
// announces the local control, QPACK encoder and QPACK decoder streams. The
// first frame on the control stream is the local SETTINGS.
func New(transport Transport, cdc codec.Codec, handler Handler, cfg Config) (*Connection, error) {
	if handler == nil {
		handler = nopHandler{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	c := &Connection{
		transport: transport,
		codec:     cdc,
		handler:   handler,
		logger:    cfg.Logger,
		isClient:  cfg.IsClient,
		streams:   make(map[uint64]*stream),
	}
	if err := c.bootstrap(cfg); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Connection) bootstrap(cfg Config) error {
	settings := frame.AppendSettings(nil, map[uint64]uint64{
		frame.SettingQPACKMaxTableCapacity: cfg.QPACKMaxTableCapacity,
		frame.SettingQPACKBlockedStreams:   cfg.QPACKBlockedStreams,
	})

	var err error
	if c.localControlID, err = c.openUniStream(frame.StreamTypeControl, settings); err != nil {
		return err
	}
	if c.localEncoderID, err = c.openUniStream(frame.StreamTypeQPACKEncoder, nil); err != nil {
		return err
	}
	if c.localDecoderID, err = c.openUniStream(frame.StreamTypeQPACKDecoder, nil); err != nil {
		return err
	}
	return nil
}

// openUniStream allocates a unidirectional stream and writes its type
// prefix followed by payload.
func (c *Connection) openUniStream(st frame.StreamType, payload []byte) (uint64, error) {
	id, err := c.transport.OpenUniStream()
	if err != nil {
		return 0, err
	}
	b := quicvarint.Append(nil, uint64(st))
	b = append(b, payload...)
	return id, c.transport.SendStreamData(id, b, false)
}

// Done reports whether a fatal error has closed the HTTP/3 layer.
func (c *Connection) Done() bool {
	return c.done
}

func (c *Connection) streamFor(id uint64) *stream {
	s, ok := c.streams[id]
	if !ok {
		s = newStream(id)
		c.streams[id] = s
	}
	return s
}

// HandleStreamData is the single inbound entry point: the transport calls
// it for every stream-data notification. All parsing, decoding and event
// emission completes within the call.
func (c *Connection) HandleStreamData(streamID uint64, data []byte, endStream bool) error {
	if c.done {
		return nil
	}
	s := c.streamFor(streamID)
	s.buf = append(s.buf, data...)
	if endStream {
		s.ended = true
	}

	var err error
	if streamIsUnidirectional(streamID) {
		err = c.receiveUniStreamData(s)
	} else {
		err = c.receiveRequestData(s)
	}
	if err != nil {
		c.closeOnError(err)
		return err
	}
	return nil
}

// HandleStreamReset drops a stream's buffered partial frame state after a
// transport-level reset. Events already emitted are not retracted.
func (c *Connection) HandleStreamReset(streamID uint64) {
	if c.done {
		return
	}
	s, ok := c.streams[streamID]
	if !ok {
		return
	}
	s.buf = nil
	s.hasFrame = false
	s.frameSize = 0
	s.ended = true
	if s.blocked {
		s.blocked = false
		s.blockedPushPromise = false
		blockedStreams.Dec()
	}
}

// closeOnError tears down the HTTP/3 layer once: repeated fatal errors do
// not issue further transport closes.
func (c *Connection) closeOnError(err error) {
	if c.done {
		return
	}
	c.done = true

	code := ErrCodeGeneralProtocolError
	reason := err.Error()
	var pe *ProtocolError
	if errors.As(err, &pe) {
		code = pe.Code
		reason = pe.Reason
	}
	connectionErrors.WithLabelValues(code.String()).Inc()
	c.logger.Printf("h3: closing connection: %s: %s", code, reason)
	_ = c.transport.Close(uint64(code), reason)
}

// receiveUniStreamData classifies a unidirectional stream on its first
// bytes, then dispatches the remainder according to the stream type.
func (c *Connection) receiveUniStreamData(s *stream) error {
	if s.discard {
		s.buf = nil
		return nil
	}
	if !s.hasStreamType {
		cur := frame.NewCursor(s.buf)
		v, err := cur.ReadVarint()
		if err != nil {
			return nil // wait for the full type prefix
		}
		s.consume(cur.Pos())
		st := frame.StreamType(v)

		switch st {
		case frame.StreamTypeControl:
			if c.peerControl {
				return protocolError(ErrCodeStreamCreationError,
					"second control stream %d (existing %d)", s.id, c.peerControlID)
			}
			c.peerControl = true
			c.peerControlID = s.id
		case frame.StreamTypeQPACKEncoder:
			if c.peerEncoder {
				return protocolError(ErrCodeStreamCreationError, "second QPACK encoder stream %d", s.id)
			}
			c.peerEncoder = true
		case frame.StreamTypeQPACKDecoder:
			if c.peerDecoder {
				return protocolError(ErrCodeStreamCreationError, "second QPACK decoder stream %d", s.id)
			}
			c.peerDecoder = true
		case frame.StreamTypePush:
			if !c.isClient {
				return protocolError(ErrCodeStreamCreationError,
					"push stream %d opened towards the server", s.id)
			}
		default:
			if verboseLogging {
				c.logger.Printf("h3: discarding unidirectional stream %d of unknown type %s", s.id, st)
			}
			s.discard = true
			s.buf = nil
			return nil
		}
		s.hasStreamType = true
		s.streamType = st
	}

	switch s.streamType {
	case frame.StreamTypeQPACKEncoder:
		if len(s.buf) == 0 {
			return nil
		}
		data := s.buf
		s.buf = nil
		unblocked, err := c.codec.FeedEncoder(data)
		if err != nil {
			return protocolError(ErrCodeQPACKEncoderStreamError, "encoder stream: %v", err)
		}
		return c.resumeBlocked(unblocked)
	case frame.StreamTypeQPACKDecoder:
		if len(s.buf) == 0 {
			return nil
		}
		data := s.buf
		s.buf = nil
		if err := c.codec.FeedDecoder(data); err != nil {
			return protocolError(ErrCodeQPACKDecoderStreamError, "decoder stream: %v", err)
		}
		return nil
	case frame.StreamTypeControl:
		return c.receiveControlData(s)
	default: // frame.StreamTypePush
		if !s.hasPushID {
			cur := frame.NewCursor(s.buf)
			v, err := cur.ReadVarint()
			if err != nil {
				return nil // wait for the full push id
			}
			s.consume(cur.Pos())
			s.pushID = v
			s.hasPushID = true
		}
		// the rest of a push stream is shaped like a request stream
		return c.receiveRequestData(s)
	}
}

// receiveControlData drains complete frames from the control stream. Every
// control frame requires its whole body before dispatch.
func (c *Connection) receiveControlData(s *stream) error {
	for {
		if !s.hasFrame {
			h, n, err := frame.ParseHeader(s.buf)
			if err != nil {
				return nil // wait for a complete frame header
			}
			s.consume(n)
			s.hasFrame = true
			s.frameType = h.Type
			s.frameSize = h.Length
		}
		if uint64(len(s.buf)) < s.frameSize {
			return nil
		}
		body := s.buf[:s.frameSize]
		s.consume(int(s.frameSize))
		t := s.frameType
		s.hasFrame = false
		s.frameSize = 0

		if err := c.handleControlFrame(t, body); err != nil {
			return err
		}
	}
}

func (c *Connection) handleControlFrame(t frame.Type, body []byte) error {
	framesReceived.WithLabelValues(t.String()).Inc()
	if verboseLogging {
		c.logger.Printf("h3: control frame %s (%d bytes)", t, len(body))
	}

	if !c.settingsReceived && t != frame.TypeSettings {
		return protocolError(ErrCodeMissingSettings,
			"first control frame is %s, expected SETTINGS", t)
	}

	switch t {
	case frame.TypeSettings:
		if c.settingsReceived {
			return protocolError(ErrCodeFrameUnexpected, "second SETTINGS frame")
		}
		settings, err := frame.ParseSettings(body)
		if err != nil {
			return protocolError(ErrCodeFrameError, "malformed SETTINGS: %v", err)
		}
		c.settingsReceived = true
		instructions, err := c.codec.ApplySettings(
			settings[frame.SettingQPACKMaxTableCapacity],
			settings[frame.SettingQPACKBlockedStreams],
		)
		if err != nil {
			return protocolError(ErrCodeGeneralProtocolError, "applying SETTINGS: %v", err)
		}
		return c.flushEncoderInstructions(instructions)

	case frame.TypeMaxPushID:
		if c.isClient {
			return protocolError(ErrCodeFrameUnexpected, "MAX_PUSH_ID received by a client")
		}
		v, err := frame.ParseVarintBody(body)
		if err != nil {
			return protocolError(ErrCodeFrameError, "malformed MAX_PUSH_ID: %v", err)
		}
		if c.hasMaxPushID && v < c.maxPushID {
			return protocolError(ErrCodeIDError, "MAX_PUSH_ID reduced from %d to %d", c.maxPushID, v)
		}
		c.maxPushID = v
		c.hasMaxPushID = true
		return nil

	case frame.TypeCancelPush, frame.TypeGoAway:
		if _, err := frame.ParseVarintBody(body); err != nil {
			return protocolError(ErrCodeFrameError, "malformed %s: %v", t, err)
		}
		// tolerated; nothing to surface at this layer
		return nil

	case frame.TypeData, frame.TypeHeaders, frame.TypePushPromise, frame.TypeDuplicatePush:
		return protocolError(ErrCodeFrameUnexpected, "%s frame on control stream", t)

	default:
		// PRIORITY placeholder and unknown extension frames are skipped
		return nil
	}
}

// receiveRequestData drains frames from a request or push stream. DATA
// bodies are delivered in partial chunks as they arrive; every other frame
// type needs its whole body before dispatch. A blocked stream dispatches
// nothing until the codec reports it decodable again.
func (c *Connection) receiveRequestData(s *stream) error {
	if s.blocked {
		return nil
	}
	for {
		if !s.hasFrame {
			if len(s.buf) == 0 {
				break
			}
			h, n, err := frame.ParseHeader(s.buf)
			if err != nil {
				if s.ended {
					return protocolError(ErrCodeFrameError,
						"stream %d ended inside a frame header", s.id)
				}
				break
			}
			s.consume(n)
			s.hasFrame = true
			s.frameType = h.Type
			s.frameSize = h.Length
			framesReceived.WithLabelValues(h.Type.String()).Inc()

			if h.Type == frame.TypeData && s.recvPhase != phaseAfterHeaders {
				return protocolError(ErrCodeFrameUnexpected,
					"DATA frame before HEADERS on stream %d", s.id)
			}
		}

		if s.frameType == frame.TypeData {
			n := uint64(len(s.buf))
			if n > s.frameSize {
				n = s.frameSize
			}
			payload := make([]byte, n)
			copy(payload, s.buf[:n])
			s.consume(int(n))
			s.frameSize -= n

			complete := s.frameSize == 0
			if complete {
				s.hasFrame = false
			}
			ended := complete && s.ended && len(s.buf) == 0
			if len(payload) > 0 || ended {
				if ended {
					s.endEmitted = true
				}
				c.emitData(DataEvent{
					StreamID:    s.id,
					PushID:      s.pushIDRef(),
					Data:        payload,
					StreamEnded: ended,
				})
			}
			if !complete {
				break // wait for the rest of the body
			}
			continue
		}

		// non-DATA frames need the complete body
		if uint64(len(s.buf)) < s.frameSize {
			if s.ended {
				return protocolError(ErrCodeFrameError,
					"stream %d ended inside a %s frame", s.id, s.frameType)
			}
			break
		}
		body := s.buf[:s.frameSize]
		s.consume(int(s.frameSize))
		t := s.frameType
		s.hasFrame = false
		s.frameSize = 0

		if err := c.handleRequestFrame(s, t, body); err != nil {
			return err
		}
		if s.blocked {
			return nil
		}
	}

	// lone FIN: synthesize the terminal empty DATA event so callers observe
	// end-of-body exactly once
	if s.ended && len(s.buf) == 0 && !s.hasFrame && !s.endEmitted {
		s.endEmitted = true
		c.emitData(DataEvent{
			StreamID:    s.id,
			PushID:      s.pushIDRef(),
			Data:        []byte{},
			StreamEnded: true,
		})
	}
	return nil
}

func (c *Connection) handleRequestFrame(s *stream, t frame.Type, body []byte) error {
	switch t {
	case frame.TypeHeaders:
		if s.recvPhase == phaseAfterTrailers {
			return protocolError(ErrCodeFrameUnexpected,
				"HEADERS frame after trailers on stream %d", s.id)
		}
		instructions, headers, err := c.codec.FeedHeader(s.id, body)
		if errors.Is(err, codec.ErrBlocked) {
			s.blocked = true
			s.blockedFrameSize = uint64(len(body))
			blockedStreams.Inc()
			if verboseLogging {
				c.logger.Printf("h3: stream %d blocked on %d-byte field block", s.id, len(body))
			}
			return nil
		}
		if err != nil {
			return protocolError(ErrCodeQPACKDecompressionFailed, "stream %d: %v", s.id, err)
		}
		headerBlockBytes.Observe(float64(len(body)))
		if err := c.flushDecoderInstructions(instructions); err != nil {
			return err
		}
		c.finishHeaders(s, headers)
		return nil

	case frame.TypePushPromise:
		if !c.isClient {
			return protocolError(ErrCodeFrameUnexpected, "PUSH_PROMISE received by the server")
		}
		if s.hasPushID {
			return protocolError(ErrCodeFrameUnexpected,
				"PUSH_PROMISE on push stream %d", s.id)
		}
		cur := frame.NewCursor(body)
		pushID, err := cur.ReadVarint()
		if err != nil {
			return protocolError(ErrCodeFrameError, "truncated push id on stream %d", s.id)
		}
		block := cur.Rest()
		instructions, headers, err := c.codec.FeedHeader(s.id, block)
		if errors.Is(err, codec.ErrBlocked) {
			s.blocked = true
			s.blockedFrameSize = uint64(len(block))
			s.blockedPushPromise = true
			s.blockedPushID = pushID
			blockedStreams.Inc()
			return nil
		}
		if err != nil {
			return protocolError(ErrCodeQPACKDecompressionFailed, "stream %d: %v", s.id, err)
		}
		headerBlockBytes.Observe(float64(len(block)))
		if err := c.flushDecoderInstructions(instructions); err != nil {
			return err
		}
		c.emitPushPromise(PushPromiseEvent{StreamID: s.id, PushID: pushID, Headers: headers})
		return nil

	case frame.TypePriority, frame.TypeCancelPush, frame.TypeSettings,
		frame.TypeGoAway, frame.TypeMaxPushID, frame.TypeDuplicatePush:
		return protocolError(ErrCodeFrameUnexpected,
			"%s frame on request stream %d", t, s.id)

	default:
		// unknown extension frames are consumed and skipped
		return nil
	}
}

// finishHeaders advances the receive phase and emits the headers event.
func (c *Connection) finishHeaders(s *stream, headers [][2]string) {
	ended := s.ended && len(s.buf) == 0 && !s.hasFrame
	if s.recvPhase == phaseInitial {
		s.recvPhase = phaseAfterHeaders
	} else {
		s.recvPhase = phaseAfterTrailers
	}
	if ended {
		s.endEmitted = true
	}
	c.emitHeaders(HeadersEvent{
		StreamID:    s.id,
		PushID:      s.pushIDRef(),
		Headers:     headers,
		StreamEnded: ended,
	})
}

// resumeBlocked re-enters dispatch for streams the codec reports decodable
// again: the deferred HEADERS/PUSH_PROMISE completes from codec-internal
// state, then ordinary frame dispatch resumes on any remaining buffer.
func (c *Connection) resumeBlocked(ids []uint64) error {
	for _, id := range ids {
		s, ok := c.streams[id]
		if !ok || !s.blocked {
			continue
		}
		instructions, headers, err := c.codec.ResumeHeader(id)
		if err != nil {
			return protocolError(ErrCodeQPACKDecompressionFailed, "resuming stream %d: %v", id, err)
		}
		s.blocked = false
		blockedStreams.Dec()
		headerBlockBytes.Observe(float64(s.blockedFrameSize))
		s.blockedFrameSize = 0

		if err := c.flushDecoderInstructions(instructions); err != nil {
			return err
		}
		if s.blockedPushPromise {
			s.blockedPushPromise = false
			c.emitPushPromise(PushPromiseEvent{StreamID: s.id, PushID: s.blockedPushID, Headers: headers})
		} else {
			c.finishHeaders(s, headers)
		}
		if err := c.receiveRequestData(s); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) flushEncoderInstructions(instructions []byte) error {
	if len(instructions) == 0 {
		return nil
	}
	return c.transport.SendStreamData(c.localEncoderID, instructions, false)
}

func (c *Connection) flushDecoderInstructions(instructions []byte) error {
	if len(instructions) == 0 {
		return nil
	}
	return c.transport.SendStreamData(c.localDecoderID, instructions, false)
}

// SendHeaders encodes headers and writes a HEADERS frame on streamID. The
// first call on a stream carries the message headers, the second carries
// trailers; further calls are an error.
func (c *Connection) SendHeaders(streamID uint64, headers [][2]string, endStream bool) error {
	if c.done {
		return ErrConnectionClosed
	}
	s := c.streamFor(streamID)
	if s.sendPhase == phaseAfterTrailers {
		return protocolError(ErrCodeFrameUnexpected,
			"HEADERS after trailers on stream %d", streamID)
	}
	instructions, block, err := c.codec.Encode(streamID, headers)
	if err != nil {
		return err
	}
	if err := c.flushEncoderInstructions(instructions); err != nil {
		return err
	}
	if s.sendPhase == phaseInitial {
		s.sendPhase = phaseAfterHeaders
	} else {
		s.sendPhase = phaseAfterTrailers
	}
	return c.transport.SendStreamData(streamID, frame.AppendFrame(nil, frame.TypeHeaders, block), endStream)
}

// SendData writes a DATA frame on streamID. Headers must have been sent
// first.
func (c *Connection) SendData(streamID uint64, p []byte, endStream bool) error {
	if c.done {
		return ErrConnectionClosed
	}
	s := c.streamFor(streamID)
	if s.sendPhase != phaseAfterHeaders {
		return protocolError(ErrCodeFrameUnexpected,
			"DATA before HEADERS on stream %d", streamID)
	}
	buf := frame.AppendHeader(nil, frame.TypeData, uint64(len(p)))
	buf = append(buf, p...)
	return c.transport.SendStreamData(streamID, buf, endStream)
}

// SendPushPromise allocates the next push id, writes a PUSH_PROMISE frame
// on the given request stream and opens the promise's push stream,
// returning its id. ErrNoAvailablePushID is returned without side effects
// when the peer-advertised ceiling is exhausted.
func (c *Connection) SendPushPromise(streamID uint64, headers [][2]string) (uint64, error) {
	if c.done {
		return 0, ErrConnectionClosed
	}
	if c.isClient {
		return 0, protocolError(ErrCodeFrameUnexpected, "clients cannot send PUSH_PROMISE")
	}
	if streamIsUnidirectional(streamID) {
		return 0, protocolError(ErrCodeFrameUnexpected,
			"PUSH_PROMISE must be sent on a request stream, not %d", streamID)
	}
	if !c.hasMaxPushID || c.nextPushID >= c.maxPushID {
		return 0, ErrNoAvailablePushID
	}
	pushID := c.nextPushID

	instructions, block, err := c.codec.Encode(streamID, headers)
	if err != nil {
		return 0, err
	}
	if err := c.flushEncoderInstructions(instructions); err != nil {
		return 0, err
	}

	body := quicvarint.Append(nil, pushID)
	body = append(body, block...)
	if err := c.transport.SendStreamData(streamID, frame.AppendFrame(nil, frame.TypePushPromise, body), false); err != nil {
		return 0, err
	}

	pushStreamID, err := c.openUniStream(frame.StreamTypePush, quicvarint.Append(nil, pushID))
	if err != nil {
		return 0, err
	}
	c.nextPushID++

	ps := c.streamFor(pushStreamID)
	ps.streamType = frame.StreamTypePush
	ps.hasStreamType = true
	ps.pushID = pushID
	ps.hasPushID = true
	return pushStreamID, nil
}

// SendMaxPushID advertises the highest push id the server may use. Clients
// only.
func (c *Connection) SendMaxPushID(maxPushID uint64) error {
	if c.done {
		return ErrConnectionClosed
	}
	if !c.isClient {
		return protocolError(ErrCodeFrameUnexpected, "servers cannot send MAX_PUSH_ID")
	}
	return c.transport.SendStreamData(c.localControlID, frame.AppendMaxPushID(nil, maxPushID), false)
}

// SendGoAway writes a GOAWAY frame on the local control stream.
func (c *Connection) SendGoAway(id uint64) error {
	if c.done {
		return ErrConnectionClosed
	}
	return c.transport.SendStreamData(c.localControlID, frame.AppendGoAway(nil, id), false)
}

func (c *Connection) emitHeaders(ev HeadersEvent) {
	eventsEmitted.WithLabelValues("headers").Inc()
	c.handler.OnHeaders(ev)
}

func (c *Connection) emitData(ev DataEvent) {
	eventsEmitted.WithLabelValues("data").Inc()
	c.handler.OnData(ev)
}

func (c *Connection) emitPushPromise(ev PushPromiseEvent) {
	eventsEmitted.WithLabelValues("push_promise").Inc()
	c.handler.OnPushPromise(ev)
}
