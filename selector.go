package framelink

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/Zereker/framelink/internal/poll"
)

// Interest is a set of readiness operations a channel is registered for.
type Interest uint32

const (
	// OpRead fires when the channel has data or reached end of stream.
	OpRead Interest = 1 << iota
	// OpWrite fires when the channel can accept more bytes.
	OpWrite
)

func (i Interest) String() string {
	var parts []string
	if i&OpRead != 0 {
		parts = append(parts, "read")
	}
	if i&OpWrite != 0 {
		parts = append(parts, "write")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// SelectionKey is the registration handle of a channel with a Selector.
type SelectionKey interface {
	// Interest returns the currently registered operations.
	Interest() Interest
	// SetInterest replaces the registered operations.
	SetInterest(ops Interest) error
	// Attach stores an arbitrary value, usually the owning *Conn.
	Attach(v any)
	// Attachment returns the value stored with Attach.
	Attachment() any
	// Selector returns the selector the key is registered with.
	Selector() Selector
	// Cancel removes the registration. It is idempotent.
	Cancel() error
}

// Selector is a readiness notification driver channels register with.
type Selector interface {
	Register(ch Channel, ops Interest) (SelectionKey, error)
	// Wakeup makes a blocked select return immediately.
	Wakeup() error
}

var (
	errNotPollable    = errors.New("channel does not expose a pollable descriptor")
	errSelectorClosed = errors.New("selector closed")
	errKeyCancelled   = errors.New("selection key cancelled")
)

// EventSelector is a Selector backed by the platform poller (epoll on Linux).
type EventSelector struct {
	poller *poll.Poller

	mu     sync.Mutex
	keys   map[int]*eventKey
	closed bool
}

// NewSelector creates an EventSelector. It returns ErrUnsupported on
// platforms without a poller.
func NewSelector() (*EventSelector, error) {
	p, err := poll.New()
	if err != nil {
		if errors.Is(err, poll.ErrUnsupported) {
			return nil, ErrUnsupported
		}
		return nil, err
	}

	return &EventSelector{
		poller: p,
		keys:   make(map[int]*eventKey),
	}, nil
}

// Register adds ch to the selector. ch must expose its descriptor through
// an Fd() int method, as SocketChannel does once it is non-blocking.
func (s *EventSelector) Register(ch Channel, ops Interest) (SelectionKey, error) {
	p, ok := ch.(pollable)
	if !ok || p.Fd() < 0 {
		return nil, errNotPollable
	}
	fd := p.Fd()

	k := &eventKey{sel: s, ch: ch, fd: fd}
	k.interest.Store(uint32(ops))

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errSelectorClosed
	}

	if err := s.poller.Add(fd, ops&OpRead != 0, ops&OpWrite != 0); err != nil {
		return nil, err
	}
	s.keys[fd] = k

	return k, nil
}

// Wakeup interrupts a blocked Select. It fails once the selector is closed.
func (s *EventSelector) Wakeup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errSelectorClosed
	}
	return s.poller.Wake()
}

// Select waits up to timeout for readiness and calls fn for each ready key
// with the subset of its interest that fired. It must be called from a
// single goroutine.
func (s *EventSelector) Select(timeout time.Duration, fn func(SelectionKey, Interest)) (int, error) {
	return s.poller.Wait(timeout, func(ev poll.Event) {
		s.mu.Lock()
		k, ok := s.keys[ev.Fd]
		s.mu.Unlock()
		if !ok {
			return
		}

		var ready Interest
		if ev.Readable {
			ready |= OpRead
		}
		if ev.Writable {
			ready |= OpWrite
		}
		if ready &= k.Interest() | OpRead; ready != 0 {
			fn(k, ready)
		}
	})
}

// Keys returns a snapshot of the registered keys.
func (s *EventSelector) Keys() []SelectionKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]SelectionKey, 0, len(s.keys))
	for _, k := range s.keys {
		keys = append(keys, k)
	}
	return keys
}

// Close releases the poller. Registered channels are left open; later
// Wakeup, Register and Cancel calls fail or do nothing.
func (s *EventSelector) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.keys = make(map[int]*eventKey)
	s.mu.Unlock()

	return s.poller.Close()
}

func (s *EventSelector) remove(k *eventKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errSelectorClosed
	}
	if s.keys[k.fd] == k {
		delete(s.keys, k.fd)
	}
	return s.poller.Delete(k.fd)
}

type eventKey struct {
	sel *EventSelector
	ch  Channel
	fd  int

	interest  atomic.Uint32
	cancelled atomic.Bool

	mu         sync.Mutex
	attachment any
}

func (k *eventKey) Interest() Interest {
	return Interest(k.interest.Load())
}

func (k *eventKey) SetInterest(ops Interest) error {
	if k.cancelled.Load() {
		return errKeyCancelled
	}
	old := k.interest.Swap(uint32(ops))
	if Interest(old) == ops {
		return nil
	}
	if err := k.sel.poller.Modify(k.fd, ops&OpRead != 0, ops&OpWrite != 0); err != nil {
		k.interest.CompareAndSwap(uint32(ops), old)
		if errors.Is(err, poll.ErrClosed) {
			return errSelectorClosed
		}
		return err
	}
	return nil
}

func (k *eventKey) Attach(v any) {
	k.mu.Lock()
	k.attachment = v
	k.mu.Unlock()
}

func (k *eventKey) Attachment() any {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.attachment
}

func (k *eventKey) Selector() Selector {
	return k.sel
}

func (k *eventKey) Cancel() error {
	if k.cancelled.Swap(true) {
		return nil
	}
	return k.sel.remove(k)
}
