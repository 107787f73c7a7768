package replloop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/robert-hh/mpr/internal/mount"
	"github.com/robert-hh/mpr/internal/rawrepl"
	"github.com/robert-hh/mpr/internal/session"
	"github.com/robert-hh/mpr/internal/transport"
)

const (
	keyExit      = 0x1d // Ctrl-]
	keySoftReset = 0x04 // Ctrl-D
	keyInject    = 0x0b // Ctrl-K
)

// Loop is the single-threaded cooperative event loop that multiplexes
// keyboard input and device output for one interactive session. Grounded
// on original_source/mpr.py's do_repl_main_loop (see DESIGN.md).
type Loop struct {
	Console ConsoleInput
	Link    transport.Link
	REPL    *rawrepl.REPL
	Mounter *mount.Mounter
	Session *session.Session

	// Out receives device output for display, already hex-escaped where
	// spec.md §4.G requires it. Capture-to-file is a plain io.MultiWriter
	// composed by the caller, not a feature of Loop itself.
	Out io.Writer

	// InjectFile, if non-empty, is the local path Ctrl-K pushes via
	// RawRepl.ExecNoFollow without a soft reset (spec.md §3/§6).
	InjectFile string

	waiter waiter
}

// New returns a Loop ready to Run. console and link are wrapped in a
// readiness waiter: one poll(2) over both descriptors when both expose one,
// a fixed poll cycle otherwise. newWaiter is defined for Linux only.
func New(console ConsoleInput, link transport.Link, repl *rawrepl.REPL, mounter *mount.Mounter, sess *session.Session, out io.Writer) *Loop {
	return &Loop{
		Console: console,
		Link:    link,
		REPL:    repl,
		Mounter: mounter,
		Session: sess,
		Out:     out,
		waiter:  newWaiter(console, link),
	}
}

// Run blocks until Ctrl-] is pressed, ctx is cancelled, or the link reports
// a fatal transport error (device disconnected).
func (l *Loop) Run(ctx context.Context) error {
	for {
		consoleReady, serialReady, err := l.waiter.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if serialReady {
			if err := l.handleSerial(ctx); err != nil {
				var ioErr *transport.IoError
				if errors.As(err, &ioErr) {
					fmt.Fprintln(l.Out, "device disconnected")
					return nil
				}
				return err
			}
		}
		if consoleReady {
			if exit, err := l.handleKey(ctx); err != nil {
				return err
			} else if exit {
				return nil
			}
		}
	}
}

func (l *Loop) handleKey(ctx context.Context) (exit bool, err error) {
	c, err := l.Console.ReadByte()
	if err != nil {
		return false, err
	}
	switch c {
	case keyExit:
		return true, nil
	case keySoftReset:
		return false, l.Mounter.SoftResetWithMount(ctx, l.Session, l.Out)
	case keyInject:
		return false, l.inject(ctx)
	default:
		_, err := l.Link.Write(ctx, []byte{c})
		return false, err
	}
}

func (l *Loop) inject(ctx context.Context) error {
	fmt.Fprintf(l.Out, "Injecting %s\r\n", l.InjectFile)
	data, err := os.ReadFile(l.InjectFile)
	if err != nil {
		return err
	}
	if err := l.REPL.EnterRaw(ctx); err != nil {
		return err
	}
	execErr := l.REPL.ExecNoFollow(ctx, data)
	if execErr != nil {
		fmt.Fprintf(l.Out, "Error:\r\n%v\r\n", execErr)
	}
	return l.REPL.ExitRaw(ctx)
}

// handleSerial reads device output through the REPL's current link, which
// is the Interceptor while a mount is active, so RPC frames are served
// rather than displayed.
func (l *Loop) handleSerial(ctx context.Context) error {
	n, err := l.REPL.Link.BytesAvailable()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	b, err := l.REPL.Link.ReadExact(ctx, 1)
	if err != nil {
		return err
	}
	return l.display(b[0])
}

// display writes c to Out, hex-escaping anything that isn't a common
// control code or printable ASCII (spec.md §4.G).
func (l *Loop) display(c byte) error {
	switch {
	case c == 8 || c == 9 || c == 10 || c == 13 || c == 27 || c >= 32:
		_, err := l.Out.Write([]byte{c})
		return err
	default:
		_, err := fmt.Fprintf(l.Out, "[%02x]", c)
		return err
	}
}
