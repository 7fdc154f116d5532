// Package codec defines the connection-wide field-compression contract used
// by the HTTP/3 connection engine and provides a QPACK implementation.
package codec

import "errors"

// ErrBlocked reports that a field block references dynamic-table state that
// has not yet arrived on the encoder stream. A codec returning ErrBlocked
// from FeedHeader must retain its own copy of the field block and complete
// the decode through ResumeHeader once FeedEncoder reports the stream
// unblocked.
var ErrBlocked = errors.New("codec: stream blocked on encoder stream state")

// Codec is the shared header-compression codec for one connection. It is
// not safe for concurrent use; the connection engine serializes all calls.
//
// Byte slices passed in are only valid for the duration of the call, except
// for the ErrBlocked case described above.
type Codec interface {
	// Encode compresses headers for a HEADERS or PUSH_PROMISE frame on
	// streamID. It returns instructions to flush on the local encoder
	// stream (possibly empty) and the field block for the frame body.
	Encode(streamID uint64, headers [][2]string) (encoderInstructions, fieldBlock []byte, err error)

	// FeedHeader decodes a field block received on streamID. It returns
	// instructions to flush on the local decoder stream and the decoded
	// header list, or ErrBlocked when required dynamic-table state is
	// missing.
	FeedHeader(streamID uint64, fieldBlock []byte) (decoderInstructions []byte, headers [][2]string, err error)

	// ResumeHeader completes a decode previously reported as blocked.
	ResumeHeader(streamID uint64) (decoderInstructions []byte, headers [][2]string, err error)

	// FeedEncoder ingests bytes from the peer's encoder stream and returns
	// the ids of streams that became decodable.
	FeedEncoder(data []byte) ([]uint64, error)

	// FeedDecoder ingests bytes from the peer's decoder stream
	// (acknowledgements for the local encoder).
	FeedDecoder(data []byte) error

	// ApplySettings configures the local encoder from the peer's SETTINGS,
	// returning encoder-stream instructions to flush.
	ApplySettings(maxTableCapacity, blockedStreams uint64) ([]byte, error)
}
