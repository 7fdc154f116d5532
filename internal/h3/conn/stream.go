package conn

import "github.com/albertbausili/rapide/internal/h3/frame"

// headerPhase tracks which frame types are legal next on one direction of a
// request or push stream.
type headerPhase int

const (
	phaseInitial headerPhase = iota
	phaseAfterHeaders
	phaseAfterTrailers
)

// stream is the engine's record of one QUIC stream. Records are created
// lazily on first reference and never removed; QUIC stream ids are not
// reused.
type stream struct {
	id uint64

	// receive buffer: appended by the transport side, front-truncated as
	// frames are consumed
	buf        []byte
	ended      bool
	endEmitted bool

	// in-flight frame header; frameSize counts the body bytes still owed
	hasFrame  bool
	frameType frame.Type
	frameSize uint64

	recvPhase headerPhase
	sendPhase headerPhase

	// push streams only
	pushID    uint64
	hasPushID bool

	// unidirectional streams only
	streamType    frame.StreamType
	hasStreamType bool
	discard       bool // unknown unidirectional type: drop everything

	// blocked HEADERS/PUSH_PROMISE waiting on encoder-stream state
	blocked            bool
	blockedFrameSize   uint64
	blockedPushPromise bool
	blockedPushID      uint64
}

func newStream(id uint64) *stream {
	return &stream{id: id}
}

// consume drops n bytes from the front of the receive buffer.
func (s *stream) consume(n int) {
	s.buf = s.buf[n:]
}

// pushIDRef returns the stream's push id for event reporting, or nil for
// request streams.
func (s *stream) pushIDRef() *uint64 {
	if !s.hasPushID {
		return nil
	}
	id := s.pushID
	return &id
}

// streamIsUnidirectional reports whether a QUIC stream id names a
// unidirectional stream (bit 1 of the id).
func streamIsUnidirectional(id uint64) bool {
	return id&0x2 != 0
}

// streamIsServerInitiated reports whether a QUIC stream id was allocated by
// the server (bit 0 of the id).
func streamIsServerInitiated(id uint64) bool {
	return id&0x1 != 0
}
