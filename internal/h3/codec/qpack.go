package codec

import (
	"bytes"
	"fmt"

	"github.com/quic-go/qpack"
)

// QPACK is a Codec backed by github.com/quic-go/qpack. It encodes against
// the QPACK static table only, so field blocks never reference dynamic-table
// state: FeedHeader never blocks and Encode never emits encoder-stream
// instructions. Peer encoder/decoder stream bytes are accepted and ignored,
// matching a zero-capacity dynamic table.
type QPACK struct {
	enc    *qpack.Encoder
	encBuf bytes.Buffer
	dec    *qpack.Decoder

	// peer-advertised limits, recorded by ApplySettings
	peerMaxTableCapacity uint64
	peerBlockedStreams   uint64
}

// NewQPACK creates a static-table QPACK codec.
func NewQPACK() *QPACK {
	q := &QPACK{}
	q.enc = qpack.NewEncoder(&q.encBuf)
	q.dec = qpack.NewDecoder(nil)
	return q
}

// Encode compresses headers into a field block. The encoder-stream
// instruction slice is always empty for a static-table encoder.
func (q *QPACK) Encode(_ uint64, headers [][2]string) ([]byte, []byte, error) {
	q.encBuf.Reset()
	for _, h := range headers {
		if err := q.enc.WriteField(qpack.HeaderField{Name: h[0], Value: h[1]}); err != nil {
			return nil, nil, fmt.Errorf("codec: qpack encode: %w", err)
		}
	}
	if err := q.enc.Close(); err != nil {
		return nil, nil, fmt.Errorf("codec: qpack encode: %w", err)
	}
	// Copy out of the reused buffer.
	block := make([]byte, q.encBuf.Len())
	copy(block, q.encBuf.Bytes())
	return nil, block, nil
}

// FeedHeader decodes a field block. With a zero-capacity dynamic table the
// decode always completes synchronously and produces no decoder-stream
// instructions.
func (q *QPACK) FeedHeader(_ uint64, fieldBlock []byte) ([]byte, [][2]string, error) {
	fields, err := q.dec.DecodeFull(fieldBlock)
	if err != nil {
		return nil, nil, fmt.Errorf("codec: qpack decode: %w", err)
	}
	headers := make([][2]string, len(fields))
	for i, f := range fields {
		headers[i] = [2]string{f.Name, f.Value}
	}
	return nil, headers, nil
}

// ResumeHeader never has anything to resume: FeedHeader cannot block.
func (q *QPACK) ResumeHeader(streamID uint64) ([]byte, [][2]string, error) {
	return nil, nil, fmt.Errorf("codec: no blocked field block for stream %d", streamID)
}

// FeedEncoder ignores peer encoder-stream bytes. With our SETTINGS
// advertising a zero-capacity table a conforming peer sends none; anything
// else cannot unblock a stream because no stream ever blocks.
func (q *QPACK) FeedEncoder(_ []byte) ([]uint64, error) {
	return nil, nil
}

// FeedDecoder ignores peer decoder-stream bytes; acknowledgements only
// matter for a dynamic-table encoder.
func (q *QPACK) FeedDecoder(_ []byte) error {
	return nil
}

// ApplySettings records the peer's limits. A static-table encoder never
// grows its table, so no encoder-stream instructions result.
func (q *QPACK) ApplySettings(maxTableCapacity, blockedStreams uint64) ([]byte, error) {
	q.peerMaxTableCapacity = maxTableCapacity
	q.peerBlockedStreams = blockedStreams
	return nil, nil
}
