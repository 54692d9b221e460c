package framelink

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"
)

// writeBuffer is one frame being assembled or flushed.
// States: idle -> queued -> in-flight (partially written) -> idle.
type writeBuffer struct {
	buf *bytebufferpool.ByteBuffer
	off int // bytes already written to the channel
}

func (b *writeBuffer) pending() []byte {
	return b.buf.B[b.off:]
}

func (b *writeBuffer) reset() {
	b.buf.Reset()
	b.off = 0
}

// PoolStats is a snapshot of a connection's write buffer pool.
//
// Acquires - Releases equals the number of buffers currently out of the pool.
type PoolStats struct {
	Size     int    // fixed number of buffers
	Idle     int    // buffers currently idle
	Acquires uint64 // successful acquisitions
	Waits    uint64 // acquisitions that had to wait
	Timeouts uint64 // acquisitions that gave up
	Releases uint64 // buffers returned
}

// idlePool is a fixed set of write buffers. It never grows.
type idlePool struct {
	idle chan *writeBuffer
	size int

	acquires atomic.Uint64
	waits    atomic.Uint64
	timeouts atomic.Uint64
	releases atomic.Uint64
}

func newIdlePool(size, bufferSize int) *idlePool {
	p := &idlePool{
		idle: make(chan *writeBuffer, size),
		size: size,
	}
	for i := 0; i < size; i++ {
		bb := bytebufferpool.Get()
		bb.B = slices.Grow(bb.B[:0], bufferSize)
		p.idle <- &writeBuffer{buf: bb}
	}
	return p
}

// tryAcquire takes an idle buffer without waiting.
func (p *idlePool) tryAcquire() (*writeBuffer, bool) {
	select {
	case b := <-p.idle:
		p.acquires.Add(1)
		return b, true
	default:
		return nil, false
	}
}

// acquire takes an idle buffer, waiting at most timeout.
func (p *idlePool) acquire(ctx context.Context, timeout time.Duration) (*writeBuffer, error) {
	if b, ok := p.tryAcquire(); ok {
		return b, nil
	}
	p.waits.Add(1)

	t := timers.acquire(timeout)
	defer timers.release(t)

	select {
	case b := <-p.idle:
		p.acquires.Add(1)
		return b, nil
	case <-t.C:
		p.timeouts.Add(1)
		return nil, ErrWriteTimeout
	case <-ctx.Done():
		p.timeouts.Add(1)
		// Both ErrInterrupted and the context error must match errors.Is;
		// pkg/errors wraps a single cause, fmt.Errorf wraps both.
		return nil, fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	}
}

// release resets b and returns it to the pool.
func (p *idlePool) release(b *writeBuffer) {
	b.reset()
	p.releases.Add(1)
	select {
	case p.idle <- b:
	default:
		panic("framelink: write buffer released twice")
	}
}

func (p *idlePool) stats() PoolStats {
	return PoolStats{
		Size:     p.size,
		Idle:     len(p.idle),
		Acquires: p.acquires.Load(),
		Waits:    p.waits.Load(),
		Timeouts: p.timeouts.Load(),
		Releases: p.releases.Load(),
	}
}

var timers = &timerPool{}

// timerPool recycles timers used for bounded waits.
type timerPool struct {
	sp sync.Pool
}

func (p *timerPool) acquire(timeout time.Duration) *time.Timer {
	v := p.sp.Get()
	if v == nil {
		return time.NewTimer(timeout)
	}
	t := v.(*time.Timer)
	t.Reset(timeout)
	return t
}

func (p *timerPool) release(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	p.sp.Put(t)
}
