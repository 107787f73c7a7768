// Package rawrepl speaks the two sub-protocols the device exposes in raw
// mode: entering/exiting it, and pushing a code buffer while streaming its
// stdout back. Grounded on the enter/exit/exec sequence used by
// wybiral-zap's pkg/repl Go client for the same wire protocol (see
// DESIGN.md).
package rawrepl

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/robert-hh/mpr/internal/transport"
)

// Banner is the literal text the device prints on entering raw mode.
const Banner = "raw REPL; CTRL-B to exit\r\n"

// Prompt is the friendly-mode prompt emitted after exiting raw mode.
const Prompt = ">>> "

const (
	interrupt  = 0x03
	ctrlA      = 0x01
	ctrlB      = 0x02
	endOfInput = 0x04
)

// ProtocolError marks a fatal desync between host and device (missing
// banner, unexpected reply bytes).
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "rawrepl: protocol error: " + e.Msg }

// RemoteException is raised when the device's execution produced non-empty
// stderr. Stderr is printed verbatim by the caller; the device is still in
// raw mode when this is returned, so the caller exits raw mode itself.
type RemoteException struct {
	Stderr []byte
}

func (e *RemoteException) Error() string {
	return fmt.Sprintf("rawrepl: remote exception: %s", e.Stderr)
}

// REPL drives the raw-mode protocol over a transport.Link.
type REPL struct {
	Link transport.Link
}

// New wraps link in a REPL.
func New(link transport.Link) *REPL { return &REPL{Link: link} }

// EnterRaw sends two interrupts, drains pending input, then Ctrl-A, and
// verifies the banner. Failure to see it within the link's bounded read is a
// fatal protocol error (spec §4.B.1).
func (r *REPL) EnterRaw(ctx context.Context) error {
	if _, err := r.Link.Write(ctx, []byte("\r\x03\x03")); err != nil {
		return err
	}
	if err := r.drainPending(ctx); err != nil {
		return err
	}
	if _, err := r.Link.Write(ctx, []byte{'\r', ctrlA}); err != nil {
		return err
	}
	data, err := r.Link.ReadUntil(ctx, []byte(Banner), len(Banner))
	if err != nil {
		return err
	}
	if !bytes.HasSuffix(data, []byte(Banner)) {
		return &ProtocolError{Msg: "could not enter raw repl"}
	}
	return nil
}

// drainPending discards whatever the device has queued before raw mode is
// requested, using BytesAvailable as the non-blocking peek spec §4.A names.
func (r *REPL) drainPending(ctx context.Context) error {
	for {
		n, err := r.Link.BytesAvailable()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if _, err := r.Link.ReadExact(ctx, n); err != nil {
			return err
		}
	}
}

// ExitRaw sends Ctrl-B and reads until the friendly prompt reappears.
func (r *REPL) ExitRaw(ctx context.Context) error {
	if _, err := r.Link.Write(ctx, []byte{ctrlB}); err != nil {
		return err
	}
	_, err := r.Link.ReadUntil(ctx, []byte(Prompt), len(Prompt))
	return err
}

// Exec writes code followed by EOT, streams stdout to w byte by byte as it
// arrives up to the first EOT, then reads stderr up to the second EOT. A
// non-empty stderr is returned as a *RemoteException — the caller still owes
// an explicit ExitRaw to restore the interactive prompt (spec §4.B.3).
func (r *REPL) Exec(ctx context.Context, code []byte, w io.Writer) error {
	if _, err := r.Link.Write(ctx, code); err != nil {
		return err
	}
	if _, err := r.Link.Write(ctx, []byte{endOfInput}); err != nil {
		return err
	}
	ack, err := r.Link.ReadExact(ctx, 2)
	if err != nil {
		return err
	}
	if !bytes.Equal(ack, []byte("OK")) {
		return &ProtocolError{Msg: fmt.Sprintf("expected OK, got %q", ack)}
	}
	for {
		b, err := r.Link.ReadExact(ctx, 1)
		if err != nil {
			return err
		}
		if b[0] == endOfInput {
			break
		}
		if w != nil {
			if _, err := w.Write(b); err != nil {
				return err
			}
		}
	}
	stderr, err := r.Link.ReadUntil(ctx, []byte{endOfInput}, 1)
	if err != nil {
		return err
	}
	stderr = bytes.TrimSuffix(stderr, []byte{endOfInput})
	if len(stderr) > 0 {
		return &RemoteException{Stderr: stderr}
	}
	return nil
}

// ExecNoFollow writes code and EOT but does not consume the reply; stdout
// flows through the normal REPL path instead. Used by the Ctrl-K inject
// hotkey (spec §4.B.4).
func (r *REPL) ExecNoFollow(ctx context.Context, code []byte) error {
	if _, err := r.Link.Write(ctx, code); err != nil {
		return err
	}
	_, err := r.Link.Write(ctx, []byte{endOfInput})
	return err
}

// SoftReset sends Ctrl-D. Outside raw mode this alone reboots the device;
// callers inside raw mode must ExitRaw first (spec §4.B.5).
func (r *REPL) SoftReset(ctx context.Context) error {
	_, err := r.Link.Write(ctx, []byte{endOfInput})
	return err
}

// Interrupt sends a single Ctrl-C.
func (r *REPL) Interrupt(ctx context.Context) error {
	_, err := r.Link.Write(ctx, []byte{interrupt})
	return err
}
