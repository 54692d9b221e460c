package framelink

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// mockCodec frames strings and byte slices behind a 4-byte big-endian
// length and decodes every body as a string. The body "bad" fails to
// decode.
type mockCodec struct{}

func (mockCodec) LengthWidth() int { return 4 }

func (mockCodec) ReadLength(b []byte) int {
	return int(int32(binary.BigEndian.Uint32(b)))
}

func (mockCodec) WriteLength(b []byte, n int) {
	binary.BigEndian.PutUint32(b, uint32(n))
}

func (mockCodec) Encode(_ *Conn, w io.Writer, v any) error {
	switch v := v.(type) {
	case string:
		_, err := io.WriteString(w, v)
		return err
	case []byte:
		_, err := w.Write(v)
		return err
	}
	return fmt.Errorf("unsupported type %T", v)
}

func (mockCodec) Decode(_ *Conn, r io.Reader) (any, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if string(b) == "bad" {
		return nil, errors.New("bad payload")
	}
	return string(b), nil
}

// frame returns the wire form of body under mockCodec.
func frame(body string) []byte {
	b := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(b, uint32(len(body)))
	return append(b, body...)
}

// fakeChannel is an in-memory Channel. Reads drain in and report no data
// instead of blocking; writes land in out, limited by the scripted budgets.
type fakeChannel struct {
	mu sync.Mutex

	in      bytes.Buffer
	readErr error // returned once in is empty

	out     bytes.Buffer
	budgets []int // per write call byte budget, consumed in order
	stalled bool  // every write accepts 0 bytes

	writes int
	closed bool
}

func (c *fakeChannel) feed(b []byte) {
	c.mu.Lock()
	c.in.Write(b)
	c.mu.Unlock()
}

func (c *fakeChannel) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, net.ErrClosed
	}
	if c.in.Len() == 0 {
		return 0, c.readErr
	}
	return c.in.Read(p)
}

func (c *fakeChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, net.ErrClosed
	}
	c.writes++

	n := len(p)
	switch {
	case c.stalled:
		n = 0
	case len(c.budgets) > 0:
		n = min(n, c.budgets[0])
		c.budgets = c.budgets[1:]
	}
	c.out.Write(p[:n])
	return n, nil
}

func (c *fakeChannel) setStalled(v bool) {
	c.mu.Lock()
	c.stalled = v
	c.mu.Unlock()
}

func (c *fakeChannel) setBudgets(b ...int) {
	c.mu.Lock()
	c.budgets = b
	c.mu.Unlock()
}

func (c *fakeChannel) written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.out.Bytes())
}

func (c *fakeChannel) writeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	c.closed = true
	return nil
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9070}
}

// fakeSelector records registrations and wakeups.
type fakeSelector struct {
	mu      sync.Mutex
	keys    []*fakeKey
	wakeups int
}

func (s *fakeSelector) Register(ch Channel, ops Interest) (SelectionKey, error) {
	k := &fakeKey{sel: s, ch: ch, interest: ops}
	s.mu.Lock()
	s.keys = append(s.keys, k)
	s.mu.Unlock()
	return k, nil
}

func (s *fakeSelector) Wakeup() error {
	s.mu.Lock()
	s.wakeups++
	s.mu.Unlock()
	return nil
}

type fakeKey struct {
	sel *fakeSelector
	ch  Channel

	mu         sync.Mutex
	interest   Interest
	attachment any
	cancelled  bool
}

func (k *fakeKey) Interest() Interest {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.interest
}

func (k *fakeKey) SetInterest(ops Interest) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cancelled {
		return errKeyCancelled
	}
	k.interest = ops
	return nil
}

func (k *fakeKey) Attach(v any) {
	k.mu.Lock()
	k.attachment = v
	k.mu.Unlock()
}

func (k *fakeKey) Attachment() any {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.attachment
}

func (k *fakeKey) Selector() Selector { return k.sel }

func (k *fakeKey) Cancel() error {
	k.mu.Lock()
	k.cancelled = true
	k.mu.Unlock()
	return nil
}

func (k *fakeKey) isCancelled() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cancelled
}

// newTestConn returns an open Conn over a fake channel.
func newTestConn(t *testing.T, opt ...Option) (*Conn, *fakeChannel, *fakeKey) {
	t.Helper()

	opts := append([]Option{
		CustomCodecOption(mockCodec{}),
		LoggerOption(DiscardLogger()),
		AcquireTimeoutOption(time.Second),
	}, opt...)

	conn, err := NewConn(opts...)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	ch := &fakeChannel{}
	key, err := conn.Accept(&fakeSelector{}, ch)
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	key.Attach(conn)
	t.Cleanup(conn.Close)

	return conn, ch, key.(*fakeKey)
}

// readAll drains every complete frame currently readable on conn.
func readAll(t *testing.T, conn *Conn) []any {
	t.Helper()

	var got []any
	for {
		v, ok, err := conn.ReadObject()
		if err != nil {
			t.Fatalf("ReadObject failed: %v", err)
		}
		if !ok {
			return got
		}
		got = append(got, v)
	}
}
