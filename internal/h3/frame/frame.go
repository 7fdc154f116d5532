// Package frame provides HTTP/3 frame type definitions and the stateless
// wire codec for frame headers and control-frame bodies.
package frame

import (
	"fmt"
	"sort"

	"github.com/quic-go/quic-go/quicvarint"
)

// Type identifies an HTTP/3 frame.
type Type uint64

// HTTP/3 frame type constants per RFC 9114 (DUPLICATE_PUSH is the draft-era
// extension type).
const (
	TypeData          Type = 0x0
	TypeHeaders       Type = 0x1
	TypePriority      Type = 0x2
	TypeCancelPush    Type = 0x3
	TypeSettings      Type = 0x4
	TypePushPromise   Type = 0x5
	TypeGoAway        Type = 0x7
	TypeMaxPushID     Type = 0xd
	TypeDuplicatePush Type = 0xe
)

// String returns the frame type name for logs and metric labels.
func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeHeaders:
		return "HEADERS"
	case TypePriority:
		return "PRIORITY"
	case TypeCancelPush:
		return "CANCEL_PUSH"
	case TypeSettings:
		return "SETTINGS"
	case TypePushPromise:
		return "PUSH_PROMISE"
	case TypeGoAway:
		return "GOAWAY"
	case TypeMaxPushID:
		return "MAX_PUSH_ID"
	case TypeDuplicatePush:
		return "DUPLICATE_PUSH"
	default:
		return fmt.Sprintf("UNKNOWN(0x%x)", uint64(t))
	}
}

// StreamType identifies a unidirectional stream.
type StreamType uint64

// Unidirectional stream type constants.
const (
	StreamTypeControl      StreamType = 0x0
	StreamTypePush         StreamType = 0x1
	StreamTypeQPACKEncoder StreamType = 0x2
	StreamTypeQPACKDecoder StreamType = 0x3
)

// String returns the stream type name for logs.
func (t StreamType) String() string {
	switch t {
	case StreamTypeControl:
		return "control"
	case StreamTypePush:
		return "push"
	case StreamTypeQPACKEncoder:
		return "qpack-encoder"
	case StreamTypeQPACKDecoder:
		return "qpack-decoder"
	default:
		return fmt.Sprintf("unknown(0x%x)", uint64(t))
	}
}

// SETTINGS identifiers consumed by this layer.
const (
	SettingQPACKMaxTableCapacity uint64 = 0x1
	SettingQPACKBlockedStreams   uint64 = 0x7
)

// Header is a parsed HTTP/3 frame header: varint type followed by the
// varint body length.
type Header struct {
	Type   Type
	Length uint64
}

// ParseHeader reads a frame header from the front of buf and returns it
// together with the number of bytes consumed. It returns ErrShortBuffer
// when buf holds fewer bytes than the two varints require.
func ParseHeader(buf []byte) (Header, int, error) {
	cur := NewCursor(buf)
	t, err := cur.ReadVarint()
	if err != nil {
		return Header{}, 0, err
	}
	length, err := cur.ReadVarint()
	if err != nil {
		return Header{}, 0, err
	}
	return Header{Type: Type(t), Length: length}, cur.Pos(), nil
}

// AppendHeader appends varint(type) ++ varint(length) to b.
func AppendHeader(b []byte, t Type, length uint64) []byte {
	b = quicvarint.Append(b, uint64(t))
	return quicvarint.Append(b, length)
}

// AppendFrame appends a complete frame (header plus payload) to b.
func AppendFrame(b []byte, t Type, payload []byte) []byte {
	b = AppendHeader(b, t, uint64(len(payload)))
	return append(b, payload...)
}

// AppendSettings appends a complete SETTINGS frame to b. Identifiers are
// written in ascending order so the output is deterministic; duplicate keys
// cannot occur in a map and are therefore a non-issue here.
func AppendSettings(b []byte, settings map[uint64]uint64) []byte {
	ids := make([]uint64, 0, len(settings))
	for id := range settings {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var body []byte
	for _, id := range ids {
		body = quicvarint.Append(body, id)
		body = quicvarint.Append(body, settings[id])
	}
	return AppendFrame(b, TypeSettings, body)
}

// ParseSettings decodes a SETTINGS frame body into an identifier→value map.
// A duplicate identifier is a framing error.
func ParseSettings(body []byte) (map[uint64]uint64, error) {
	settings := make(map[uint64]uint64)
	cur := NewCursor(body)
	for cur.Remaining() > 0 {
		id, err := cur.ReadVarint()
		if err != nil {
			return nil, fmt.Errorf("frame: truncated SETTINGS identifier: %w", err)
		}
		value, err := cur.ReadVarint()
		if err != nil {
			return nil, fmt.Errorf("frame: truncated SETTINGS value: %w", err)
		}
		if _, ok := settings[id]; ok {
			return nil, fmt.Errorf("frame: duplicate SETTINGS identifier 0x%x", id)
		}
		settings[id] = value
	}
	return settings, nil
}

// AppendMaxPushID appends a complete MAX_PUSH_ID frame to b.
func AppendMaxPushID(b []byte, pushID uint64) []byte {
	return appendVarintFrame(b, TypeMaxPushID, pushID)
}

// AppendCancelPush appends a complete CANCEL_PUSH frame to b.
func AppendCancelPush(b []byte, pushID uint64) []byte {
	return appendVarintFrame(b, TypeCancelPush, pushID)
}

// AppendGoAway appends a complete GOAWAY frame to b.
func AppendGoAway(b []byte, id uint64) []byte {
	return appendVarintFrame(b, TypeGoAway, id)
}

func appendVarintFrame(b []byte, t Type, v uint64) []byte {
	return AppendFrame(b, t, quicvarint.Append(nil, v))
}

// ParseVarintBody decodes a frame body consisting of exactly one varint
// (MAX_PUSH_ID, CANCEL_PUSH, GOAWAY).
func ParseVarintBody(body []byte) (uint64, error) {
	cur := NewCursor(body)
	v, err := cur.ReadVarint()
	if err != nil {
		return 0, fmt.Errorf("frame: truncated varint body: %w", err)
	}
	if cur.Remaining() != 0 {
		return 0, fmt.Errorf("frame: %d trailing bytes after varint body", cur.Remaining())
	}
	return v, nil
}
