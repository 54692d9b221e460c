// Package framelink provides a point-to-point framed object transport over
// non-blocking TCP sockets.
//
// Every frame is a codec-defined length header followed by exactly that many
// body bytes. A Conn owns one socket, a fixed pool of write buffers and a
// FIFO of buffers pending flush. Reads are driven by a single event loop
// goroutine; Send may be called from any goroutine.
package framelink

import (
	"bytes"
	"context"
	"io"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
)

// link is the state of one open socket. It is replaced as a whole on
// Accept/Connect and cleared by Close.
type link struct {
	ch   Channel
	key  SelectionKey
	addr net.Addr
}

func (l *link) setInterest(ops Interest) error {
	if l.key == nil {
		return nil
	}
	return l.key.SetInterest(ops)
}

func (l *link) wakeup() error {
	if l.key == nil {
		return nil
	}
	return l.key.Selector().Wakeup()
}

// Conn is one framed connection.
type Conn struct {
	opts   options
	codec  Codec
	logger Logger

	link atomic.Pointer[link]

	// Read state, owned by the goroutine calling ReadObject.
	// readBuf[rpos:rend] holds received bytes not consumed yet.
	readBuf    []byte
	rpos, rend int
	frameLen   int // body length of the frame being read, 0 while awaiting a header
	body       *bytebufferpool.ByteBuffer
	bodyReader bytes.Reader

	// writeMu serializes encoding, queue mutation and socket writes.
	writeMu sync.Mutex
	queue   []*writeBuffer
	idle    *idlePool

	lastRead  atomic.Int64
	lastWrite atomic.Int64
}

// NewConn creates an unconnected Conn. Buffers are allocated here once and
// recycled for the life of the Conn, across reconnects.
// Returns ErrInvalidCodec if no codec is configured.
func NewConn(opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	return &Conn{
		opts:    opts,
		codec:   opts.codec,
		logger:  opts.logger,
		readBuf: make([]byte, opts.readBufferSize),
		body:    &bytebufferpool.ByteBuffer{},
		queue:   make([]*writeBuffer, 0, opts.idleBuffers),
		idle:    newIdlePool(opts.idleBuffers, opts.writeBufferSize),
	}, nil
}

// Accept takes over an accepted channel: it switches it to non-blocking
// mode, disables Nagle's algorithm and registers it for reads with sel.
// The caller is expected to attach the Conn to the returned key.
// On failure the channel is closed.
func (c *Conn) Accept(sel Selector, ch Channel) (SelectionKey, error) {
	c.Close()

	key, err := c.open(sel, ch)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("connection accepted", "addr", c.Addr())
	return key, nil
}

// Connect closes any previous socket and dials addr, waiting at most
// timeout. The new socket is switched to non-blocking mode, registered for
// reads with sel and the Conn is attached to its key.
func (c *Conn) Connect(ctx context.Context, sel Selector, addr string, timeout time.Duration) error {
	c.Close()

	dialer := net.Dialer{Timeout: timeout}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "unable to connect to %s", addr)
	}

	ch, err := NewSocketChannel(nc.(*net.TCPConn))
	if err != nil {
		_ = nc.Close()
		return errors.Wrapf(err, "unable to connect to %s", addr)
	}

	key, err := c.open(sel, ch)
	if err != nil {
		return errors.Wrapf(err, "unable to connect to %s", addr)
	}
	key.Attach(c)

	c.logger.Debug("connection established", "addr", addr)
	return nil
}

func (c *Conn) open(sel Selector, ch Channel) (SelectionKey, error) {
	c.resetRead()

	if nb, ok := ch.(nonblocker); ok {
		if err := nb.SetNonblock(); err != nil {
			_ = ch.Close()
			return nil, errors.Wrap(err, "set non-blocking")
		}
	}
	if nd, ok := ch.(noDelayer); ok {
		if err := nd.SetNoDelay(true); err != nil {
			_ = ch.Close()
			return nil, errors.Wrap(err, "set no delay")
		}
	}

	key, err := sel.Register(ch, OpRead)
	if err != nil {
		_ = ch.Close()
		return nil, errors.Wrap(err, "register channel")
	}

	now := time.Now().UnixNano()
	c.lastRead.Store(now)
	c.lastWrite.Store(now)

	l := &link{ch: ch, key: key}
	if ra, ok := ch.(interface{ RemoteAddr() net.Addr }); ok {
		l.addr = ra.RemoteAddr()
	}
	c.link.Store(l)

	return key, nil
}

func (c *Conn) resetRead() {
	c.rpos, c.rend = 0, 0
	c.frameLen = 0
	c.body.Reset()
}

// Close closes the socket, wakes the selector and returns every queued
// write buffer to the idle pool. It is idempotent and never fails; errors
// while closing are logged.
func (c *Conn) Close() {
	l := c.link.Swap(nil)
	if l == nil {
		return
	}

	if l.key != nil {
		if err := l.key.Cancel(); err != nil {
			c.logger.Debug("unable to cancel registration", "addr", l.addr, "error", err)
		}
	}
	if err := l.ch.Close(); err != nil {
		c.logger.Debug("unable to close channel", "addr", l.addr, "error", err)
	}
	if err := l.wakeup(); err != nil {
		c.logger.Debug("unable to wake selector", "addr", l.addr, "error", err)
	}

	c.writeMu.Lock()
	dropped := len(c.queue)
	for i, b := range c.queue {
		c.idle.release(b)
		c.queue[i] = nil
	}
	c.queue = c.queue[:0]
	c.writeMu.Unlock()

	c.logger.Info("connection closed", "addr", l.addr, "dropped_frames", dropped)
}

// IsClosed reports whether the Conn has no open socket.
func (c *Conn) IsClosed() bool {
	return c.link.Load() == nil
}

// Addr returns the remote address, or nil when closed or unknown.
func (c *Conn) Addr() net.Addr {
	if l := c.link.Load(); l != nil {
		return l.addr
	}
	return nil
}

// ReadObject reads at most one frame and decodes it.
//
// It returns ok=false with a nil error when no complete frame is available
// yet; the caller retries on the next read readiness. Partial headers and
// bodies are kept across calls. When the header is incomplete exactly one
// socket read is attempted.
//
// ErrConnectionClosed and ErrInvalidFrame are fatal to the connection. A
// *CodecError only loses the frame being decoded.
//
// ReadObject must not be called concurrently with itself, Accept or Connect.
func (c *Conn) ReadObject() (v any, ok bool, err error) {
	l := c.link.Load()
	if l == nil {
		return nil, false, ErrConnectionClosed
	}

	if c.frameLen == 0 {
		width := c.codec.LengthWidth()
		if c.buffered() < width {
			if _, err := c.fill(l); err != nil {
				return nil, false, err
			}
			if c.buffered() < width {
				return nil, false, nil
			}
		}

		n := c.codec.ReadLength(c.readBuf[c.rpos : c.rpos+width])
		c.rpos += width
		if n <= 0 {
			return nil, false, errors.Wrapf(ErrInvalidFrame, "length %d", n)
		}
		if n > c.opts.maxFrameSize {
			return nil, false, errors.Wrapf(ErrInvalidFrame, "length %d exceeds %d", n, c.opts.maxFrameSize)
		}
		c.frameLen = n
	}

	body, complete, err := c.readBody(l)
	if err != nil || !complete {
		return nil, false, err
	}

	c.bodyReader.Reset(body)
	v, err = c.codec.Decode(c, &c.bodyReader)
	c.bodyReader.Reset(nil)
	c.frameLen = 0
	c.body.Reset()
	c.lastRead.Store(time.Now().UnixNano())

	if err != nil {
		return nil, false, &CodecError{Op: "decode", Err: err}
	}
	return v, true, nil
}

// readBody collects the body of the current frame. complete is false when
// the socket ran dry first; collected bytes are kept for the next call.
func (c *Conn) readBody(l *link) (body []byte, complete bool, err error) {
	need := c.frameLen

	if c.body.Len() == 0 && c.buffered() >= need {
		body = c.readBuf[c.rpos : c.rpos+need]
		c.rpos += need
		return body, true, nil
	}

	for c.body.Len() < need {
		if c.buffered() == 0 {
			n, err := c.fill(l)
			if err != nil {
				return nil, false, err
			}
			if n == 0 {
				return nil, false, nil
			}
		}

		take := min(c.buffered(), need-c.body.Len())
		_, _ = c.body.Write(c.readBuf[c.rpos : c.rpos+take])
		c.rpos += take
	}

	return c.body.B, true, nil
}

func (c *Conn) buffered() int {
	return c.rend - c.rpos
}

// fill compacts the read buffer and performs one socket read.
func (c *Conn) fill(l *link) (int, error) {
	if c.rpos > 0 {
		copy(c.readBuf, c.readBuf[c.rpos:c.rend])
		c.rend -= c.rpos
		c.rpos = 0
	}

	n, err := l.ch.Read(c.readBuf[c.rend:])
	if err != nil {
		return 0, c.ioError("read", err)
	}
	if n > 0 {
		c.rend += n
		c.lastRead.Store(time.Now().UnixNano())
	}
	return n, nil
}

// ioError maps channel failures that mean the connection is gone to
// ErrConnectionClosed.
func (c *Conn) ioError(op string, err error) error {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET),
		c.link.Load() == nil:
		return errors.WithMessage(ErrConnectionClosed, op+": "+err.Error())
	}
	return errors.Wrap(err, op)
}

// Send encodes v into an idle write buffer and queues it for writing,
// returning the encoded body size.
//
// Send waits at most the acquire timeout for an idle buffer and fails with
// ErrWriteTimeout when none became available, or with ErrInterrupted if ctx
// is done first. Once Send returns nil the frame is queued: it is delivered
// unless the connection is closed. Frames are written in the order Send
// calls enter the write lock.
func (c *Conn) Send(ctx context.Context, v any) (int, error) {
	if c.link.Load() == nil {
		return 0, ErrConnectionClosed
	}

	b, err := c.idle.acquire(ctx, c.opts.acquireTimeout)
	if err != nil {
		c.logger.Debug("no write buffer available", "addr", c.Addr(), "error", err)
		return 0, err
	}

	return c.send(b, v)
}

// TrySend is Send without waiting: it fails with ErrBufferFull when every
// write buffer is in use.
func (c *Conn) TrySend(v any) (int, error) {
	if c.link.Load() == nil {
		return 0, ErrConnectionClosed
	}

	b, ok := c.idle.tryAcquire()
	if !ok {
		return 0, ErrBufferFull
	}

	return c.send(b, v)
}

func (c *Conn) send(b *writeBuffer, v any) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	queued := false
	defer func() {
		if !queued {
			c.idle.release(b)
		}
	}()

	l := c.link.Load()
	if l == nil {
		return 0, ErrConnectionClosed
	}

	// The body length is only known after encoding: reserve the header,
	// encode, then patch the header in place.
	width := c.codec.LengthWidth()
	b.buf.B = slices.Grow(b.buf.B[:0], width)[:width]
	clear(b.buf.B)

	if err := c.codec.Encode(c, b.buf, v); err != nil {
		return 0, &CodecError{Op: "encode", Type: typeName(v), Err: err}
	}

	size := b.buf.Len() - width
	if size == 0 {
		// A zero length header is invalid on the wire.
		return 0, &CodecError{Op: "encode", Type: typeName(v), Err: errEmptyBody}
	}
	c.codec.WriteLength(b.buf.B[:width], size)

	hadQueued := len(c.queue) > 0
	c.queue = append(c.queue, b)
	queued = true

	drained := true
	if !hadQueued {
		var err error
		if drained, err = c.flush(l); err != nil {
			return 0, err
		}
	}

	if !drained {
		// Kernel buffer is full; the loop finishes the write on OpWrite.
		if err := l.setInterest(OpRead | OpWrite); err != nil {
			return 0, c.ioError("set write interest", err)
		}
	} else if err := l.wakeup(); err != nil {
		c.logger.Debug("unable to wake selector", "addr", l.addr, "error", err)
	}

	c.lastWrite.Store(time.Now().UnixNano())
	return size, nil
}

// WriteOperation continues flushing queued frames. The event loop calls it
// when the channel becomes writable. Write interest is dropped once the
// queue is empty.
func (c *Conn) WriteOperation() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	l := c.link.Load()
	if l == nil {
		return ErrConnectionClosed
	}

	drained, err := c.flush(l)
	if err != nil {
		return err
	}
	if drained {
		if err := l.setInterest(OpRead); err != nil {
			return c.ioError("clear write interest", err)
		}
	}

	c.lastWrite.Store(time.Now().UnixNano())
	return nil
}

// flush writes queued buffers in order until the queue is empty or the
// channel accepts no more bytes. The caller holds writeMu.
func (c *Conn) flush(l *link) (drained bool, err error) {
	for len(c.queue) > 0 {
		b := c.queue[0]
		for len(b.pending()) > 0 {
			n, err := l.ch.Write(b.pending())
			if err != nil {
				return false, c.ioError("write", err)
			}
			if n == 0 {
				return false, nil
			}
			b.off += n
		}

		copy(c.queue, c.queue[1:])
		c.queue[len(c.queue)-1] = nil
		c.queue = c.queue[:len(c.queue)-1]
		c.idle.release(b)
	}
	return true, nil
}

// WriteBuffersSize returns the number of bytes queued but not yet written.
func (c *Conn) WriteBuffersSize() int {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	size := 0
	for _, b := range c.queue {
		size += len(b.pending())
	}
	return size
}

// PoolStats returns a snapshot of the write buffer pool counters.
func (c *Conn) PoolStats() PoolStats {
	return c.idle.stats()
}

// NeedsKeepAlive reports whether the connection is open and nothing was
// written for longer than the keepalive interval.
func (c *Conn) NeedsKeepAlive(now time.Time) bool {
	return c.link.Load() != nil &&
		c.opts.keepAlive > 0 &&
		now.Sub(time.Unix(0, c.lastWrite.Load())) > c.opts.keepAlive
}

// IsTimedOut reports whether the connection is open and nothing was read
// for longer than the timeout interval.
func (c *Conn) IsTimedOut(now time.Time) bool {
	return c.link.Load() != nil &&
		c.opts.timeout > 0 &&
		now.Sub(time.Unix(0, c.lastRead.Load())) > c.opts.timeout
}
