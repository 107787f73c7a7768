package transport

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// PipeLink is an in-memory Link backed by two byte queues, used by tests
// that exercise RawRepl, the Interceptor, and the RPC server without a real
// serial port. WrittenToDevice returns the bytes the link under test has
// written (what the simulated device "received"); FeedFromDevice simulates
// what the device "sends back".
type PipeLink struct {
	mu         sync.Mutex
	cond       *sync.Cond
	fromDevice bytes.Buffer
	toDevice   bytes.Buffer
	closed     bool
}

// NewPipeLink returns a ready-to-use PipeLink.
func NewPipeLink() *PipeLink {
	p := &PipeLink{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// FeedFromDevice appends bytes as if the device had sent them.
func (p *PipeLink) FeedFromDevice(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fromDevice.Write(b)
	p.cond.Broadcast()
}

// WrittenToDevice drains and returns everything written to the link so far.
func (p *PipeLink) WrittenToDevice() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := append([]byte(nil), p.toDevice.Bytes()...)
	p.toDevice.Reset()
	return out
}

func (p *PipeLink) Write(_ context.Context, b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	return p.toDevice.Write(b)
}

func (p *PipeLink) ReadExact(ctx context.Context, n int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.fromDevice.Len() < n {
		if p.closed {
			return nil, ErrClosed
		}
		if err := p.waitOrCancel(ctx); err != nil {
			return nil, err
		}
	}
	out := make([]byte, n)
	io.ReadFull(&p.fromDevice, out)
	return out, nil
}

func (p *PipeLink) BytesAvailable() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fromDevice.Len(), nil
}

func (p *PipeLink) ReadUntil(ctx context.Context, marker []byte, minBytes int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		buf := p.fromDevice.Bytes()
		if len(buf) >= minBytes && hasSuffix(buf, marker) {
			out := append([]byte(nil), buf...)
			p.fromDevice.Reset()
			return out, nil
		}
		if p.closed {
			out := append([]byte(nil), buf...)
			p.fromDevice.Reset()
			return out, ErrClosed
		}
		if err := p.waitOrCancel(ctx); err != nil {
			out := append([]byte(nil), buf...)
			return out, err
		}
	}
}

// waitOrCancel blocks on p.cond until signalled, returning ctx.Err() if the
// context is already done. Since sync.Cond has no context-aware wait, a
// watcher goroutine broadcasts once when ctx is cancelled.
func (p *PipeLink) waitOrCancel(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		close(done)
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()
	p.cond.Wait()
	select {
	case <-done:
		return ctx.Err()
	default:
		return nil
	}
}

func (p *PipeLink) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}

var _ Link = (*PipeLink)(nil)
