//go:build !linux

package poll

import "time"

// Poller is unavailable on this platform.
type Poller struct{}

// New always fails with ErrUnsupported.
func New() (*Poller, error) {
	return nil, ErrUnsupported
}

func (p *Poller) Add(fd int, read, write bool) error    { return ErrUnsupported }
func (p *Poller) Modify(fd int, read, write bool) error { return ErrUnsupported }
func (p *Poller) Delete(fd int) error                   { return ErrUnsupported }
func (p *Poller) Wake() error                           { return ErrUnsupported }
func (p *Poller) Close() error                          { return nil }

func (p *Poller) Wait(timeout time.Duration, fn func(Event)) (int, error) {
	return 0, ErrUnsupported
}
