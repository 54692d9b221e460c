package framelink

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
)

const (
	defaultConnectTimeout  = 5 * time.Second
	defaultConnectAttempts = 8
)

// Client keeps one outgoing framed connection to a collection endpoint.
type Client struct {
	addr   string
	loop   *Loop
	conn   *Conn
	logger Logger

	connOpts       []Option
	connectTimeout time.Duration
	attempts       int
	reconnect      bool

	mu      sync.Mutex
	backoff *backoff.Backoff

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// ClientConnOptions sets the options of the underlying Conn.
// A codec is required.
func ClientConnOptions(opts ...Option) ClientOption {
	return func(c *Client) {
		c.connOpts = append(c.connOpts, opts...)
	}
}

// ClientLoggerOption sets the logger of the client.
func ClientLoggerOption(logger Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// ConnectTimeoutOption bounds every single dial attempt.
func ConnectTimeoutOption(d time.Duration) ClientOption {
	return func(c *Client) {
		c.connectTimeout = d
	}
}

// RetryOption sets the number of dial attempts and the bounds of the
// jittered exponential delay between them.
func RetryOption(attempts int, minDelay, maxDelay time.Duration) ClientOption {
	return func(c *Client) {
		c.attempts = attempts
		c.backoff.Min = minDelay
		c.backoff.Max = maxDelay
	}
}

// ReconnectOption makes the client dial again in the background after the
// loop closed its connection.
func ReconnectOption(enabled bool) ClientOption {
	return func(c *Client) {
		c.reconnect = enabled
	}
}

// NewClient creates a client for addr whose connection is driven by loop.
// It does not dial; call Connect.
func NewClient(addr string, loop *Loop, opts ...ClientOption) (*Client, error) {
	c := &Client{
		addr:           addr,
		loop:           loop,
		logger:         defaultLogger(),
		connectTimeout: defaultConnectTimeout,
		attempts:       defaultConnectAttempts,
		backoff: &backoff.Backoff{
			Factor: 1.25,
			Jitter: true,
			Min:    500 * time.Millisecond,
			Max:    5 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.attempts <= 0 {
		c.attempts = 1
	}

	connOpts := append([]Option{LoggerOption(c.logger)}, c.connOpts...)
	conn, err := NewConn(connOpts...)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if c.reconnect {
		loop.observe(conn, c.handleClose)
	}

	return c, nil
}

// Connect dials the endpoint, retrying with backoff until it succeeds, the
// attempts are exhausted or ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	return c.dial(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for attempt := 1; ; attempt++ {
		err := c.conn.Connect(ctx, c.loop.Selector(), c.addr, c.connectTimeout)
		if err == nil {
			c.backoff.Reset()
			c.logger.Info("connected", "addr", c.addr, "attempt", attempt)
			return nil
		}

		if attempt >= c.attempts || ctx.Err() != nil || c.loop.stopped.Load() {
			return errors.Wrapf(err, "giving up after %d attempt(s)", attempt)
		}

		delay := c.backoff.Duration()
		c.logger.Warn("connect failed, retrying", "addr", c.addr, "attempt", attempt, "delay", delay, "error", err)

		t := timers.acquire(delay)
		select {
		case <-t.C:
			timers.release(t)
		case <-ctx.Done():
			timers.release(t)
			return errors.Wrapf(err, "giving up after %d attempt(s)", attempt)
		}
	}
}

func (c *Client) handleClose(cause error) {
	if c.ctx.Err() != nil || c.loop.stopped.Load() {
		return
	}

	c.logger.Info("connection lost, reconnecting", "addr", c.addr, "cause", cause)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.dial(c.ctx); err != nil {
			c.logger.Error("reconnect failed", "addr", c.addr, "error", err)
		}
	}()
}

// Conn returns the underlying connection.
func (c *Client) Conn() *Conn {
	return c.conn
}

// Send sends v on the current connection. See Conn.Send.
func (c *Client) Send(ctx context.Context, v any) (int, error) {
	return c.conn.Send(ctx, v)
}

// TrySend sends v without waiting for a write buffer. See Conn.TrySend.
func (c *Client) TrySend(v any) (int, error) {
	return c.conn.TrySend(v)
}

// Close stops reconnecting and closes the connection.
func (c *Client) Close() {
	c.cancel()
	c.loop.observe(c.conn, nil)
	c.wg.Wait()
	c.conn.Close()
}
