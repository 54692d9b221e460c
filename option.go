package framelink

import (
	"time"
)

// Default configuration values.
const (
	defaultWriteBufferSize = 16 * 1024
	defaultReadBufferSize  = 2 * 1024
	defaultIdleBuffers     = 3
	defaultKeepAlive       = 8 * time.Second
	defaultTimeout         = 20 * time.Second
	defaultAcquireTimeout  = 5 * time.Second
	// defaultMaxFrameSize is the default maximum body size of a single frame (8MB).
	defaultMaxFrameSize = 8 * 1024 * 1024
)

// options holds the configuration for a connection.
type options struct {
	codec  Codec
	logger Logger

	writeBufferSize int
	readBufferSize  int
	idleBuffers     int
	maxFrameSize    int

	// keepAlive and timeout may be negative to disable the predicate.
	keepAlive      time.Duration
	timeout        time.Duration
	acquireTimeout time.Duration
}

// Option is a function that configures connection options.
type Option func(*options)

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if opts.codec == nil {
		return ErrInvalidCodec
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.writeBufferSize <= 0 {
		opts.writeBufferSize = defaultWriteBufferSize
	}

	if opts.readBufferSize <= 0 {
		opts.readBufferSize = defaultReadBufferSize
	}
	if opts.readBufferSize < opts.codec.LengthWidth() {
		opts.readBufferSize = opts.codec.LengthWidth()
	}

	if opts.idleBuffers <= 0 {
		opts.idleBuffers = defaultIdleBuffers
	}

	if opts.maxFrameSize <= 0 {
		opts.maxFrameSize = defaultMaxFrameSize
	}

	if opts.keepAlive == 0 {
		opts.keepAlive = defaultKeepAlive
	}

	if opts.timeout == 0 {
		opts.timeout = defaultTimeout
	}

	if opts.acquireTimeout <= 0 {
		opts.acquireTimeout = defaultAcquireTimeout
	}

	return nil
}

// CustomCodecOption returns an Option that sets the frame codec.
// The codec is required and must be provided before creating a connection.
func CustomCodecOption(codec Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WriteBufferSizeOption sets the initial capacity of each pooled write buffer.
// Buffers grow past it when a single frame needs more room.
func WriteBufferSizeOption(size int) Option {
	return func(o *options) {
		o.writeBufferSize = size
	}
}

// ReadBufferSizeOption sets the size of the socket read buffer.
func ReadBufferSizeOption(size int) Option {
	return func(o *options) {
		o.readBufferSize = size
	}
}

// IdleBuffersOption sets how many write buffers the connection owns.
// It bounds the number of frames that can be pending at once.
func IdleBuffersOption(n int) Option {
	return func(o *options) {
		o.idleBuffers = n
	}
}

// MessageMaxSize sets the largest frame body accepted from the peer.
// Larger frames are rejected with ErrInvalidFrame.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxFrameSize = size
	}
}

// KeepAliveOption sets the write idle interval after which NeedsKeepAlive
// reports true. A negative value disables keepalives.
func KeepAliveOption(d time.Duration) Option {
	return func(o *options) {
		o.keepAlive = d
	}
}

// TimeoutOption sets the read idle interval after which IsTimedOut reports
// true. A negative value disables the timeout.
func TimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// AcquireTimeoutOption bounds how long Send waits for an idle write buffer.
func AcquireTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.acquireTimeout = d
	}
}
