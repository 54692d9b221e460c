// Package poll wraps the operating system readiness notification facility
// and raw non-blocking socket I/O used by framelink.
//
// On Linux the poller is level-triggered epoll with an eventfd used for
// wakeups. Other platforms get stubs returning ErrUnsupported.
package poll

import "errors"

var (
	// ErrUnsupported is returned when the platform has no poller implementation.
	ErrUnsupported = errors.ErrUnsupported

	// ErrClosed is returned by operations on a closed Poller.
	ErrClosed = errors.New("poller closed")
)

// Event is one readiness notification.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
}
