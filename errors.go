package framelink

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors returned by connection operations.
//
// Returned errors may carry extra context (addresses, frame lengths); match
// them with errors.Is.
var (
	// ErrInvalidCodec is returned when no codec is provided.
	ErrInvalidCodec = errors.New("invalid codec")

	// ErrConnectionClosed is returned when the peer or the local side closed
	// the connection. It is fatal to the connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrInvalidFrame is returned when a frame header decodes to a length
	// that is not positive or exceeds the configured maximum. The stream
	// position is lost, so the connection must be closed.
	ErrInvalidFrame = errors.New("invalid frame length")

	// ErrCodec is returned when the codec fails to encode or decode a
	// payload. Only the affected message is lost; frame boundaries stay
	// intact.
	ErrCodec = errors.New("codec failure")

	// ErrWriteTimeout is returned by Send when no idle write buffer became
	// available within the acquire timeout. This is backpressure: retry
	// later or shed load.
	ErrWriteTimeout = errors.New("timeout acquiring write buffer")

	// ErrInterrupted is returned by Send when its context is done while
	// waiting for an idle write buffer. The context error is wrapped too.
	ErrInterrupted = errors.New("send interrupted")

	// ErrBufferFull is returned by TrySend when every write buffer is in use.
	ErrBufferFull = errors.New("send buffer full")

	// ErrUnsupported is returned on platforms without a readiness selector.
	ErrUnsupported = errors.New("not supported on this platform")
)

var errEmptyBody = errors.New("encoded body is empty")

// isFatal reports whether err leaves the connection unusable.
func isFatal(err error) bool {
	return !errors.Is(err, ErrCodec)
}

// CodecError reports a payload the codec could not encode or decode.
// It matches ErrCodec with errors.Is.
type CodecError struct {
	Op   string // "encode" or "decode"
	Type string // Go type of the payload, encode only
	Err  error
}

func (e *CodecError) Error() string {
	if e.Type != "" {
		return "codec " + e.Op + " " + e.Type + ": " + e.Err.Error()
	}
	return "codec " + e.Op + ": " + e.Err.Error()
}

func (e *CodecError) Unwrap() error { return e.Err }

func (e *CodecError) Is(target error) bool { return target == ErrCodec }

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}
