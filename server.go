package framelink

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ErrServerClosed is returned by the accept loop after Close.
var ErrServerClosed = errors.New("server closed")

// Server accepts TCP connections and hands them to an event loop as
// framed connections.
type Server struct {
	listener        *net.TCPListener
	logger          Logger
	shutdownTimeout time.Duration
	connOpts        []Option

	mu          sync.Mutex
	shutdown    bool
	shutdownNow chan struct{} // signals immediate shutdown, bypassing timeout
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the context is canceled, the server waits up to this duration
// before closing the listener. Default is 0 (immediate shutdown).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// ServerConnOptions sets the options every accepted Conn is created with.
// A codec is required.
func ServerConnOptions(opts ...Option) ServerOption {
	return func(s *Server) {
		s.connOpts = append(s.connOpts, opts...)
	}
}

// New creates a new TCP server bound to the specified address.
// Returns an error if the address cannot be bound or the connection
// options are invalid.
func New(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	s := &Server{
		logger:      defaultLogger(),
		shutdownNow: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	var probe options
	for _, o := range s.connOpts {
		o(&probe)
	}
	if err := checkOptions(&probe); err != nil {
		return nil, err
	}

	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, err
	}
	s.listener = listener

	return s, nil
}

// Serve runs loop and accepts connections into it until ctx is canceled
// or an unrecoverable error occurs.
// If ServerShutdownTimeoutOption is set, the server waits up to the specified
// duration before it stops accepting. Call Close() to bypass the timeout.
func (s *Server) Serve(ctx context.Context, loop *Loop) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return loop.Run(child)
	})

	group.Go(func() error {
		return s.acceptLoop(child, loop)
	})

	err := group.Wait()
	if errors.Is(err, ErrServerClosed) {
		err = nil
	}
	s.logger.Info("server stopped", "addr", s.listener.Addr())
	return err
}

func (s *Server) acceptLoop(ctx context.Context, loop *Loop) error {
	go func() {
		<-ctx.Done()

		if s.shutdownTimeout > 0 {
			s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout)
			select {
			case <-time.After(s.shutdownTimeout):
			case <-s.shutdownNow:
				s.logger.Debug("shutdown timeout bypassed via Close()")
			}
		}

		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		// Set a deadline to unblock Accept
		_ = s.listener.SetDeadline(time.Now())
	}()

	for {
		tcp, err := s.listener.AcceptTCP()
		if err != nil {
			s.mu.Lock()
			isShutdown := s.shutdown
			s.mu.Unlock()

			if isShutdown {
				if err := ctx.Err(); err != nil {
					return err
				}
				return ErrServerClosed
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return err
		}

		s.logger.Debug("accepted connection", "remote_addr", tcp.RemoteAddr())
		if err := s.register(loop, tcp); err != nil {
			s.logger.Warn("unable to register connection", "remote_addr", tcp.RemoteAddr(), "error", err)
		}
	}
}

func (s *Server) register(loop *Loop, tcp *net.TCPConn) error {
	conn, err := NewConn(s.connOpts...)
	if err != nil {
		_ = tcp.Close()
		return err
	}

	ch, err := NewSocketChannel(tcp)
	if err != nil {
		_ = tcp.Close()
		return err
	}

	key, err := conn.Accept(loop.Selector(), ch)
	if err != nil {
		return err
	}
	key.Attach(conn)

	// The loop may have shut down between Accept and Attach; its cleanup
	// then closed the channel but never saw this Conn.
	if loop.stopped.Load() {
		conn.Close()
		return ErrServerClosed
	}

	return nil
}

// Close stops the server by closing the underlying listener.
// If a shutdown timeout is configured, Close() bypasses the remaining timeout.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	select {
	case s.shutdownNow <- struct{}{}:
	default:
	}

	return s.listener.Close()
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
