//go:build linux

package framelink

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testServerOptions() []ServerOption {
	return []ServerOption{
		ServerLoggerOption(DiscardLogger()),
		ServerConnOptions(CustomCodecOption(mockCodec{}), LoggerOption(DiscardLogger())),
	}
}

func newTestServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()

	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
	server, err := New(addr, append(testServerOptions(), opts...)...)
	require.NoError(t, err)
	return server
}

// newEchoLoop returns a loop that sends every message back to its sender.
func newEchoLoop(t *testing.T) *Loop {
	t.Helper()

	loop, err := NewLoop(
		LoopLoggerOption(DiscardLogger()),
		OnMessageOption(func(c *Conn, v any) error {
			_, err := c.Send(context.Background(), v)
			return err
		}),
	)
	require.NoError(t, err)
	return loop
}

func TestNew(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	require.NotNil(t, server.listener)
	require.NotNil(t, server.Addr())
}

func TestNew_MissingCodec(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
	_, err := New(addr)
	require.ErrorIs(t, err, ErrInvalidCodec)
}

func TestNew_InvalidAddr(t *testing.T) {
	server1 := newTestServer(t)
	defer server1.Close()

	occupied := server1.listener.Addr().(*net.TCPAddr)
	_, err := New(occupied, testServerOptions()...)
	require.Error(t, err)
}

func TestServer_Close(t *testing.T) {
	server := newTestServer(t)
	require.NoError(t, server.Close())

	_, err := server.listener.AcceptTCP()
	require.Error(t, err)
}

func TestServer_ServeEcho(t *testing.T) {
	server := newTestServer(t)
	loop := newEchoLoop(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, loop)
	}()

	client, err := net.DialTCP("tcp", nil, server.Addr().(*net.TCPAddr))
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.SetDeadline(time.Now().Add(5*time.Second)))

	for _, body := range []string{"A", "BB", "CCC"} {
		_, err := client.Write(frame(body))
		require.NoError(t, err)
		require.Equal(t, body, readFrame(t, client))
	}

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}
}

func TestServer_ServeMultipleConnections(t *testing.T) {
	server := newTestServer(t)
	loop := newEchoLoop(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx, loop)

	const numClients = 5
	clients := make([]*net.TCPConn, numClients)
	for i := range clients {
		c, err := net.DialTCP("tcp", nil, server.Addr().(*net.TCPAddr))
		require.NoError(t, err)
		defer c.Close()
		require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
		clients[i] = c
	}

	for i, c := range clients {
		body := string(rune('a' + i))
		_, err := c.Write(frame(body))
		require.NoError(t, err)
		require.Equal(t, body, readFrame(t, c))
	}

	require.Eventually(t, func() bool {
		return len(loop.sel.Keys()) == numClients
	}, 5*time.Second, time.Millisecond)
}

func TestServer_CloseStopsServe(t *testing.T) {
	server := newTestServer(t)
	loop := newEchoLoop(t)

	done := make(chan error, 1)
	go func() {
		done <- server.Serve(context.Background(), loop)
	}()

	// Let Serve reach Accept.
	require.Eventually(t, func() bool { return loop.running.Load() }, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, server.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
	}
	require.True(t, loop.stopped.Load())
}

func TestServer_GracefulShutdownBypass(t *testing.T) {
	server := newTestServer(t, ServerShutdownTimeoutOption(time.Minute))
	loop := newEchoLoop(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, loop)
	}()

	require.Eventually(t, func() bool { return loop.running.Load() }, 5*time.Second, time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, server.Close())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not bypass the shutdown timeout")
	}
}
