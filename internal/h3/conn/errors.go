package conn

import (
	"errors"
	"fmt"
)

// ErrorCode is an HTTP/3 application error code carried in a transport
// close.
type ErrorCode uint64

// HTTP/3 and QPACK error codes per RFC 9114 and RFC 9204.
const (
	ErrCodeGeneralProtocolError     ErrorCode = 0x101
	ErrCodeStreamCreationError      ErrorCode = 0x103
	ErrCodeFrameUnexpected          ErrorCode = 0x105
	ErrCodeFrameError               ErrorCode = 0x106
	ErrCodeIDError                  ErrorCode = 0x108
	ErrCodeMissingSettings          ErrorCode = 0x10a
	ErrCodeQPACKDecompressionFailed ErrorCode = 0x200
	ErrCodeQPACKEncoderStreamError  ErrorCode = 0x201
	ErrCodeQPACKDecoderStreamError  ErrorCode = 0x202
)

// String returns the error code name for logs and metric labels.
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeGeneralProtocolError:
		return "H3_GENERAL_PROTOCOL_ERROR"
	case ErrCodeStreamCreationError:
		return "H3_STREAM_CREATION_ERROR"
	case ErrCodeFrameUnexpected:
		return "H3_FRAME_UNEXPECTED"
	case ErrCodeFrameError:
		return "H3_FRAME_ERROR"
	case ErrCodeIDError:
		return "H3_ID_ERROR"
	case ErrCodeMissingSettings:
		return "H3_MISSING_SETTINGS"
	case ErrCodeQPACKDecompressionFailed:
		return "QPACK_DECOMPRESSION_FAILED"
	case ErrCodeQPACKEncoderStreamError:
		return "QPACK_ENCODER_STREAM_ERROR"
	case ErrCodeQPACKDecoderStreamError:
		return "QPACK_DECODER_STREAM_ERROR"
	default:
		return fmt.Sprintf("0x%x", uint64(c))
	}
}

// ProtocolError is a connection-fatal HTTP/3 violation. When one reaches
// the engine's inbound path the connection is torn down and the transport
// is closed with the mapped error code.
type ProtocolError struct {
	Code   ErrorCode
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("h3: %s: %s", e.Code, e.Reason)
}

func protocolError(code ErrorCode, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// ErrNoAvailablePushID is returned by SendPushPromise when the next push id
// would exceed the peer-advertised ceiling. It is a local, recoverable
// condition and never closes the connection.
var ErrNoAvailablePushID = errors.New("h3: no available push id")

// ErrConnectionClosed is returned by outbound calls after the HTTP/3 layer
// has been torn down.
var ErrConnectionClosed = errors.New("h3: connection closed")
