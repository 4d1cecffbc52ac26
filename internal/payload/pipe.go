package payload

import (
	"errors"
	"io"
	"sync"

	"github.com/smallnest/ringbuffer"
)

// bytePipe is a blocking byte pipe backed by a smallnest/ringbuffer.RingBuffer,
// used as the destination for an incoming Stream payload so the client can
// read it with io.Reader while chunks are still arriving (spec §4.7 receive
// path step 1: "invoke on_payload immediately").
//
// Modeled on the teacher's ptyio.Pty: a ring buffer plus a condition variable
// for blocking reads, instead of ptyio's non-blocking poll-loop style, since
// a payload destination has a single reader and must never silently drop
// bytes the way a PTY's best-effort buffer may.
type bytePipe struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    *ringbuffer.RingBuffer
	closed bool
	err    error
}

func newBytePipe(capacity int) *bytePipe {
	p := &bytePipe{buf: ringbuffer.New(capacity)}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Write appends b to the pipe, blocking while the ring buffer is full
// rather than dropping bytes the way ptyio's best-effort Write does --
// a payload destination may never silently lose data.
func (p *bytePipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for total < len(b) {
		if p.closed {
			return total, io.ErrClosedPipe
		}
		n, err := p.buf.Write(b[total:])
		total += n
		if n > 0 {
			p.cond.Broadcast()
		}
		if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
			return total, err
		}
		if total < len(b) {
			p.cond.Wait()
		}
	}
	return total, nil
}

// Read implements io.Reader, blocking until data is available, the pipe is
// closed with an error, or Close has been called and the buffer has
// drained.
func (p *bytePipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		n, err := p.buf.TryRead(b)
		if n > 0 {
			p.cond.Broadcast()
			return n, nil
		}
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			return 0, err
		}
		if p.closed {
			if p.err != nil {
				return 0, p.err
			}
			return 0, io.EOF
		}
		p.cond.Wait()
	}
}

// CloseWithError closes the pipe, failing any blocked or future Read with
// err once the buffered data has been drained.
func (p *bytePipe) CloseWithError(err error) {
	p.mu.Lock()
	p.closed = true
	p.err = err
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Close closes the pipe cleanly: Read returns io.EOF once drained.
func (p *bytePipe) Close() error {
	p.CloseWithError(nil)
	return nil
}
