package framelink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// ErrorAction defines the action to take when an error occurs.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and continues processing.
	Continue
)

// ErrIdleTimeout is passed to close observers when the supervisor closes a
// connection that stopped receiving data.
var ErrIdleTimeout = errors.New("connection timed out")

const defaultSuperviseInterval = time.Second

// Loop drives the connections registered with its selector: readable
// connections are drained with ReadObject, writable ones flushed with
// WriteOperation. Once per supervise interval it closes timed out
// connections and sends keepalives.
//
// A Loop is single use: Run closes every registered connection and the
// selector when it returns.
type Loop struct {
	sel    *EventSelector
	logger Logger

	onMessage func(c *Conn, v any) error
	onError   func(c *Conn, err error) ErrorAction
	onClose   func(c *Conn, err error)
	keepAlive func() any
	interval  time.Duration

	running atomic.Bool
	stopped atomic.Bool

	mu        sync.Mutex
	observers map[*Conn]func(error)
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// OnMessageOption sets the callback invoked with every decoded object.
// Returning an error closes the connection.
func OnMessageOption(cb func(c *Conn, v any) error) LoopOption {
	return func(l *Loop) {
		l.onMessage = cb
	}
}

// OnErrorOption sets the error callback for recoverable errors.
// Return Disconnect to close the connection, or Continue to suppress the
// error. ErrConnectionClosed and ErrInvalidFrame always close the
// connection. By default only codec errors are suppressed.
func OnErrorOption(cb func(c *Conn, err error) ErrorAction) LoopOption {
	return func(l *Loop) {
		l.onError = cb
	}
}

// OnCloseOption sets a callback invoked after the loop closed a connection.
func OnCloseOption(cb func(c *Conn, err error)) LoopOption {
	return func(l *Loop) {
		l.onClose = cb
	}
}

// KeepAliveMessageOption sets the factory of the object sent to
// connections whose NeedsKeepAlive reports true. Without it no keepalives
// are sent.
func KeepAliveMessageOption(fn func() any) LoopOption {
	return func(l *Loop) {
		l.keepAlive = fn
	}
}

// SuperviseIntervalOption sets how often keepalive and timeout checks run.
func SuperviseIntervalOption(d time.Duration) LoopOption {
	return func(l *Loop) {
		l.interval = d
	}
}

// LoopLoggerOption sets the logger of the loop.
func LoopLoggerOption(logger Logger) LoopOption {
	return func(l *Loop) {
		l.logger = logger
	}
}

func defaultOnError(_ *Conn, err error) ErrorAction {
	if isFatal(err) {
		return Disconnect
	}
	return Continue
}

// NewLoop creates a loop with its own selector.
func NewLoop(opts ...LoopOption) (*Loop, error) {
	sel, err := NewSelector()
	if err != nil {
		return nil, err
	}

	l := &Loop{
		sel:       sel,
		logger:    defaultLogger(),
		onMessage: func(*Conn, any) error { return nil },
		onError:   defaultOnError,
		interval:  defaultSuperviseInterval,
		observers: make(map[*Conn]func(error)),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.interval <= 0 {
		l.interval = defaultSuperviseInterval
	}

	return l, nil
}

// Selector returns the selector connections register with.
func (l *Loop) Selector() Selector {
	return l.sel
}

// Run dispatches readiness events until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("loop already running")
	}

	stop := context.AfterFunc(ctx, func() {
		_ = l.sel.Wakeup()
	})
	defer stop()

	l.logger.Debug("event loop started", "supervise_interval", l.interval)

	lastSupervise := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			l.shutdown(err)
			return err
		}

		timeout := max(l.interval-time.Since(lastSupervise), 0)
		if _, err := l.sel.Select(timeout, l.dispatch); err != nil {
			l.shutdown(err)
			return errors.Wrap(err, "select")
		}

		if now := time.Now(); now.Sub(lastSupervise) >= l.interval {
			l.supervise(now)
			lastSupervise = now
		}
	}
}

func (l *Loop) dispatch(key SelectionKey, ready Interest) {
	c, ok := key.Attachment().(*Conn)
	if !ok {
		return
	}

	if ready&OpWrite != 0 {
		if err := c.WriteOperation(); err != nil && l.fail(c, err) {
			return
		}
	}

	if ready&OpRead == 0 {
		return
	}

	for {
		v, ok, err := c.ReadObject()
		if err != nil {
			if l.fail(c, err) || !errors.Is(err, ErrCodec) {
				return
			}
			continue
		}
		if !ok {
			return
		}

		if err := l.onMessage(c, v); err != nil {
			l.closeConn(c, err)
			return
		}
	}
}

// fail handles err raised by c and reports whether c was closed.
func (l *Loop) fail(c *Conn, err error) bool {
	if errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, ErrInvalidFrame) ||
		l.onError(c, err) == Disconnect {
		l.closeConn(c, err)
		return true
	}

	l.logger.Debug("connection error suppressed", "addr", c.Addr(), "error", err)
	return false
}

func (l *Loop) supervise(now time.Time) {
	for _, key := range l.sel.Keys() {
		c, ok := key.Attachment().(*Conn)
		if !ok {
			continue
		}

		if c.IsTimedOut(now) {
			l.logger.Info("connection timed out", "addr", c.Addr())
			l.closeConn(c, ErrIdleTimeout)
			continue
		}

		if l.keepAlive != nil && c.NeedsKeepAlive(now) {
			// Never wait here: a full pool means frames are pending anyway.
			if _, err := c.TrySend(l.keepAlive()); err != nil && !errors.Is(err, ErrBufferFull) {
				l.fail(c, err)
			}
		}
	}
}

func (l *Loop) closeConn(c *Conn, err error) {
	if c.IsClosed() {
		return
	}

	l.logger.Debug("closing connection", "addr", c.Addr(), "error", err)
	c.Close()

	if l.onClose != nil {
		l.onClose(c, err)
	}

	l.mu.Lock()
	fn := l.observers[c]
	l.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// observe registers fn to be called whenever the loop closes c.
func (l *Loop) observe(c *Conn, fn func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if fn == nil {
		delete(l.observers, c)
		return
	}
	l.observers[c] = fn
}

func (l *Loop) shutdown(cause error) {
	l.stopped.Store(true)

	for _, key := range l.sel.Keys() {
		if c, ok := key.Attachment().(*Conn); ok {
			l.closeConn(c, cause)
			continue
		}

		// Registered but not attached yet: nothing else would close it.
		if err := key.Cancel(); err != nil {
			l.logger.Debug("unable to cancel registration", "error", err)
		}
		if k, ok := key.(*eventKey); ok {
			if err := k.ch.Close(); err != nil {
				l.logger.Debug("unable to close unattached channel", "error", err)
			}
		}
	}

	if err := l.sel.Close(); err != nil {
		l.logger.Debug("unable to close selector", "error", err)
	}
	l.logger.Debug("event loop stopped", "cause", cause)
}
