//go:build linux

package poll

import (
	"encoding/binary"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	readEvents  = unix.EPOLLIN | unix.EPOLLRDHUP
	writeEvents = unix.EPOLLOUT
	errorEvents = unix.EPOLLERR | unix.EPOLLHUP

	initialEvents = 128
)

// Poller is a level-triggered epoll instance.
// Add, Modify, Delete and Wake are safe for concurrent use and fail with
// ErrClosed after Close. Wait and Close must only be called from one
// goroutine.
type Poller struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent

	// mu keeps the descriptors from being closed and reused by the OS
	// while another goroutine still operates on them.
	mu     sync.RWMutex
	closed bool
}

// New creates a poller with its wakeup eventfd already registered.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}

	p := &Poller{
		epfd:   epfd,
		wakefd: wakefd,
		events: make([]unix.EpollEvent, initialEvents),
	}

	if err := p.ctl(unix.EPOLL_CTL_ADD, wakefd, unix.EPOLLIN); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, err
	}

	return p, nil
}

func mask(read, write bool) uint32 {
	var m uint32
	if read {
		m |= readEvents
	}
	if write {
		m |= writeEvents
	}
	return m
}

func (p *Poller) ctl(op, fd int, events uint32) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, op, fd, &ev); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

// Add registers fd with the given interest.
func (p *Poller) Add(fd int, read, write bool) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, mask(read, write))
}

// Modify replaces the interest of a registered fd.
func (p *Poller) Modify(fd int, read, write bool) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, mask(read, write))
}

// Delete removes fd from the interest list.
func (p *Poller) Delete(fd int) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT && err != unix.EBADF {
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

// Wake interrupts a concurrent Wait.
func (p *Poller) Wake() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	_, err := unix.Write(p.wakefd, b[:])
	// EAGAIN means the counter is saturated; a wakeup is already pending.
	if err != nil && err != unix.EAGAIN {
		return os.NewSyscallError("write", err)
	}
	return nil
}

func (p *Poller) drainWake() {
	var b [8]byte
	for {
		if _, err := unix.Read(p.wakefd, b[:]); err != nil {
			return
		}
	}
}

// Wait blocks until at least one registered fd is ready, Wake is called or
// timeout elapses, and calls fn for each ready fd. A negative timeout waits
// indefinitely. It returns the number of events dispatched to fn.
func (p *Poller) Wait(timeout time.Duration, fn func(Event)) (int, error) {
	msec := -1
	if timeout >= 0 {
		msec = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}

	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return 0, ErrClosed
	}

	n, err := unix.EpollWait(p.epfd, p.events, msec)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("epoll_wait", err)
	}

	dispatched := 0
	for i := 0; i < n; i++ {
		ev := p.events[i]
		fd := int(ev.Fd)
		if fd == p.wakefd {
			p.drainWake()
			continue
		}

		fn(Event{
			Fd:       fd,
			Readable: ev.Events&(readEvents|errorEvents) != 0,
			Writable: ev.Events&(writeEvents|unix.EPOLLERR) != 0,
		})
		dispatched++
	}

	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, 2*len(p.events))
	}

	return dispatched, nil
}

// Close releases the epoll instance and the wakeup eventfd. It is
// idempotent.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	err := unix.Close(p.wakefd)
	if cerr := unix.Close(p.epfd); err == nil {
		err = cerr
	}
	if err != nil {
		return os.NewSyscallError("close", err)
	}
	return nil
}
