package framelink

import (
	"io"
	"net"
	"syscall"

	"github.com/pkg/errors"

	"github.com/Zereker/framelink/internal/poll"
)

// Channel is a duplex non-blocking byte channel.
//
// Read returns (0, nil) when no data is available and io.EOF at end of
// stream. Write returns (0, nil) when the kernel send buffer is full.
type Channel interface {
	io.ReadWriteCloser
}

// nonblocker is implemented by channels that can switch to non-blocking mode.
type nonblocker interface {
	SetNonblock() error
}

// noDelayer is implemented by channels backed by a TCP socket.
type noDelayer interface {
	SetNoDelay(noDelay bool) error
}

// pollable is implemented by channels the EventSelector can register.
type pollable interface {
	Fd() int
}

// SocketChannel is a Channel over a TCP connection that performs raw
// read(2)/write(2) calls, so no operation ever parks the calling goroutine.
type SocketChannel struct {
	conn *net.TCPConn
	raw  syscall.RawConn
	fd   int
}

// NewSocketChannel wraps conn. The channel owns conn from now on.
func NewSocketChannel(conn *net.TCPConn) (*SocketChannel, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, errors.Wrap(err, "syscall conn")
	}

	return &SocketChannel{conn: conn, raw: raw, fd: -1}, nil
}

// SetNonblock puts the socket into non-blocking mode.
func (c *SocketChannel) SetNonblock() error {
	fd, err := poll.SetNonblock(c.raw)
	if err != nil {
		return err
	}
	c.fd = fd
	return nil
}

// SetNoDelay controls Nagle's algorithm on the socket.
func (c *SocketChannel) SetNoDelay(noDelay bool) error {
	return c.conn.SetNoDelay(noDelay)
}

// Fd returns the socket descriptor, or -1 before SetNonblock.
func (c *SocketChannel) Fd() int {
	return c.fd
}

func (c *SocketChannel) Read(p []byte) (int, error) {
	return poll.Read(c.raw, p)
}

func (c *SocketChannel) Write(p []byte) (int, error) {
	return poll.Write(c.raw, p)
}

// Close closes the underlying connection.
func (c *SocketChannel) Close() error {
	return c.conn.Close()
}

// RemoteAddr returns the peer address.
func (c *SocketChannel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LocalAddr returns the local address.
func (c *SocketChannel) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}
