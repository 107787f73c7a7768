//go:build linux

package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	goserial "github.com/daedaluz/goserial"
)

// SerialLink is the goserial-backed Link implementation. It owns a small
// read-ahead buffer so ReadUntil can scan for a multi-byte marker without
// re-reading bytes it has already consumed from the port.
type SerialLink struct {
	mu   sync.Mutex
	port *goserial.Port
	buf  []byte
}

// Open opens name (e.g. "/dev/ttyACM0") at baud, puts it in raw mode, and
// returns a ready-to-use Link.
func Open(name string, baud goserial.CFlag) (*SerialLink, error) {
	port, err := goserial.Open(name, goserial.NewOptions().SetReadTimeout(20*time.Millisecond))
	if err != nil {
		return nil, &IoError{Op: "open " + name, Err: err}
	}
	attrs, err := port.GetAttr()
	if err != nil {
		port.Close()
		return nil, &IoError{Op: "get attrs", Err: err}
	}
	attrs.MakeRaw()
	attrs.SetSpeed(baud)
	if err := port.SetAttr(goserial.TCSANOW, attrs); err != nil {
		port.Close()
		return nil, &IoError{Op: "set attrs", Err: err}
	}
	return &SerialLink{port: port}, nil
}

func (l *SerialLink) Write(ctx context.Context, p []byte) (int, error) {
	n, err := l.port.Write(p)
	if err != nil {
		return n, &IoError{Op: "write", Err: err}
	}
	return n, nil
}

// fillAtLeast ensures l.buf has at least n bytes buffered, or returns the
// context's error once it's done.
func (l *SerialLink) fillAtLeast(ctx context.Context, n int) error {
	tmp := make([]byte, 256)
	for len(l.buf) < n {
		if err := ctx.Err(); err != nil {
			return err
		}
		read, err := l.port.Read(tmp)
		if err != nil {
			// goserial returns a timeout-flavored error on each poll when
			// ReadTimeout is set; treat zero-read timeouts as "try again"
			// and only surface a real I/O error.
			if read == 0 {
				continue
			}
			return &IoError{Op: "read", Err: err}
		}
		if read > 0 {
			l.buf = append(l.buf, tmp[:read]...)
		}
	}
	return nil
}

func (l *SerialLink) ReadExact(ctx context.Context, n int) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fillAtLeast(ctx, n); err != nil {
		return nil, err
	}
	out := append([]byte(nil), l.buf[:n]...)
	l.buf = l.buf[n:]
	return out, nil
}

func (l *SerialLink) BytesAvailable() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf) > 0 {
		return len(l.buf), nil
	}
	tmp := make([]byte, 256)
	n, err := l.port.Read(tmp)
	if err != nil {
		if n == 0 {
			return 0, nil
		}
		return 0, &IoError{Op: "poll", Err: err}
	}
	if n > 0 {
		l.buf = append(l.buf, tmp[:n]...)
	}
	return len(l.buf), nil
}

func (l *SerialLink) ReadUntil(ctx context.Context, marker []byte, minBytes int) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fillAtLeast(ctx, minBytes); err != nil {
		return nil, err
	}
	for {
		if hasSuffix(l.buf, marker) {
			out := append([]byte(nil), l.buf...)
			l.buf = l.buf[:0]
			return out, nil
		}
		if err := l.fillAtLeast(ctx, len(l.buf)+1); err != nil {
			// Return what we have so far; callers that need the marker
			// will see it's missing and fail their own check.
			out := append([]byte(nil), l.buf...)
			l.buf = l.buf[:0]
			return out, err
		}
	}
}

func hasSuffix(b, suffix []byte) bool {
	if len(suffix) == 0 {
		return true
	}
	if len(b) < len(suffix) {
		return false
	}
	tail := b[len(b)-len(suffix):]
	for i := range suffix {
		if tail[i] != suffix[i] {
			return false
		}
	}
	return true
}

// Fd returns the underlying file descriptor, for callers that need to wait
// on it alongside other descriptors (e.g. replloop's combined keyboard and
// serial readiness poll).
func (l *SerialLink) Fd() int {
	return l.port.Fd()
}

func (l *SerialLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.port.Close(); err != nil {
		return fmt.Errorf("transport: close: %w", err)
	}
	return nil
}
