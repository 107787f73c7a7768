// Package interceptor demultiplexes the single serial stream a mounted
// device shares between ordinary REPL output and the in-band filesystem RPC
// channel. Grounded on original_source/mpr.py's SerialIntercept
// (_check_input), with the lone-trailing-escape-byte handling grounded on
// the mongoose-os serial codec's inter-character-timeout pattern (see
// DESIGN.md) since mpr.py itself blocks forever on a dangling 0x18.
package interceptor

import (
	"context"
	"time"

	"github.com/robert-hh/mpr/internal/rpc"
	"github.com/robert-hh/mpr/internal/session"
	"github.com/robert-hh/mpr/internal/transport"
)

const escapeByte = 0x18

// escapeTimeout bounds how long Interceptor waits for a command byte after
// seeing a lone 0x18 before giving up and flushing it as literal output
// (spec §8 scenario 4).
const escapeTimeout = 50 * time.Millisecond

// Interceptor sits between a transport.Link and whatever consumes ordinary
// device output (ReplLoop, or RawRepl.Exec's stdout stream). RPC frames are
// served inline and never reach the consumer.
type Interceptor struct {
	Link      transport.Link
	Server    *rpc.Server
	State     *session.RPCState
	StripANSI bool

	buf []byte
}

// New wraps link, serving RPC frames against server/state.
func New(link transport.Link, server *rpc.Server, state *session.RPCState) *Interceptor {
	return &Interceptor{Link: link, Server: server, State: state}
}

// fill performs one step of mpr.py's _check_input: read one byte, and
// either serve it as the start of an RPC frame, swallow it as part of an
// ANSI CSI sequence, or append it to the literal output buffer.
func (ic *Interceptor) fill(ctx context.Context) error {
	b, err := ic.Link.ReadExact(ctx, 1)
	if err != nil {
		return err
	}
	switch {
	case b[0] == escapeByte:
		return ic.serveEscape(ctx)
	case ic.StripANSI && b[0] == 0x1b:
		return ic.stripCSI(ctx)
	default:
		ic.buf = append(ic.buf, b[0])
		return nil
	}
}

// serveEscape handles a 0x18 byte: the next byte names an RPC command. If
// none arrives within escapeTimeout, the 0x18 is not part of a frame after
// all and is flushed as literal output instead.
func (ic *Interceptor) serveEscape(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, escapeTimeout)
	defer cancel()
	cmdByte, err := ic.Link.ReadExact(cctx, 1)
	if err != nil {
		if cctx.Err() != nil && ctx.Err() == nil {
			ic.buf = append(ic.buf, escapeByte)
			return nil
		}
		return err
	}
	dec := rpc.NewDecoder(&linkReader{ctx: ctx, link: ic.Link})
	enc := rpc.NewEncoder(&linkWriter{ctx: ctx, link: ic.Link})
	return ic.Server.Dispatch(rpc.Command(cmdByte[0]), dec, enc, ic.State)
}

// stripCSI discards bytes through the final byte of a CSI escape sequence
// (0x40-0x7E), matching mpr.py's Windows-console ANSI-stripping fallback.
func (ic *Interceptor) stripCSI(ctx context.Context) error {
	introducer, err := ic.Link.ReadExact(ctx, 1)
	if err != nil {
		return err
	}
	if introducer[0] != '[' {
		ic.buf = append(ic.buf, 0x1b, introducer[0])
		return nil
	}
	for {
		b, err := ic.Link.ReadExact(ctx, 1)
		if err != nil {
			return err
		}
		if b[0] >= 0x40 && b[0] <= 0x7e {
			return nil
		}
	}
}

// BytesAvailable reports how many literal output bytes are immediately
// available, servicing at most one pending RPC frame without blocking if
// none are queued yet (mirrors _check_input(blocking=false)).
func (ic *Interceptor) BytesAvailable() (int, error) {
	n, err := ic.Link.BytesAvailable()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		// A background context is safe here: fill only blocks on Link reads
		// that BytesAvailable has already confirmed are ready.
		if err := ic.fill(context.Background()); err != nil {
			return len(ic.buf), err
		}
	}
	return len(ic.buf), nil
}

// Write passes bytes straight through to the underlying link.
func (ic *Interceptor) Write(ctx context.Context, p []byte) (int, error) {
	return ic.Link.Write(ctx, p)
}

// Close releases the underlying link.
func (ic *Interceptor) Close() error { return ic.Link.Close() }

// ReadExact blocks until n literal bytes have accumulated, serving any RPC
// frames interleaved in the stream along the way.
func (ic *Interceptor) ReadExact(ctx context.Context, n int) ([]byte, error) {
	for len(ic.buf) < n {
		if err := ic.fill(ctx); err != nil {
			return nil, err
		}
	}
	out := ic.buf[:n]
	ic.buf = ic.buf[n:]
	return out, nil
}

// ReadUntil mirrors transport.Link.ReadUntil but over the demultiplexed
// literal-output stream, so RawRepl.Exec's banner/prompt/EOT scanning works
// unchanged whether or not a mount is active.
func (ic *Interceptor) ReadUntil(ctx context.Context, marker []byte, minBytes int) ([]byte, error) {
	for len(ic.buf) < minBytes || !hasSuffix(ic.buf, marker) {
		if err := ic.fill(ctx); err != nil {
			out := ic.buf
			ic.buf = nil
			return out, err
		}
	}
	out := ic.buf
	ic.buf = nil
	return out, nil
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

// linkReader adapts transport.Link.ReadExact to io.Reader for rpc.Decoder.
type linkReader struct {
	ctx  context.Context
	link transport.Link
}

func (r *linkReader) Read(p []byte) (int, error) {
	b, err := r.link.ReadExact(r.ctx, len(p))
	if err != nil {
		return 0, err
	}
	copy(p, b)
	return len(b), nil
}

// linkWriter adapts transport.Link.Write to io.Writer for rpc.Encoder.
type linkWriter struct {
	ctx  context.Context
	link transport.Link
}

func (w *linkWriter) Write(p []byte) (int, error) {
	return w.link.Write(w.ctx, p)
}

var _ transport.Link = (*Interceptor)(nil)
