package mount

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/robert-hh/mpr/internal/interceptor"
	"github.com/robert-hh/mpr/internal/rawrepl"
	"github.com/robert-hh/mpr/internal/rpc"
	"github.com/robert-hh/mpr/internal/session"
	"github.com/robert-hh/mpr/internal/transport"
)

// quietWindow is how long the post-reset banner drain waits for the device
// to go silent before assuming the banner is fully printed (spec §4.F).
const quietWindow = 100 * time.Millisecond

// Mounter drives the mount/unmount/soft-reset-with-remount sequences
// against one REPL connection. Grounded on original_source/mpr.py's mount
// algorithm and its soft-reset remount path (see DESIGN.md).
type Mounter struct {
	REPL *rawrepl.REPL

	rawLink transport.Link
	chain   *interceptor.Interceptor

	// UnmountOnExit controls whether cmd/mpr unmounts /remote once the
	// command sequence has finished. mpr.py guards this path with a literal
	// False; here it is an explicit policy, default false (spec §9).
	UnmountOnExit bool
}

// New returns a Mounter operating on link, initially unmounted.
func New(link transport.Link) *Mounter {
	return &Mounter{REPL: rawrepl.New(link), rawLink: link}
}

// pythonBool renders b the way the bootstrap's __mount(use_second_port)
// parameter expects it written into a raw-mode exec string.
func pythonBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

// Mount runs the mount algorithm of spec.md §4.F: enter raw mode, push the
// compressed bootstrap if the device doesn't already have it loaded,
// invoke __mount, and install the Interceptor on the read path. Calling
// Mount twice on an already-mounted session is a no-op (idempotent mount).
func (m *Mounter) Mount(ctx context.Context, sess *session.Session, hostRoot string, useSecondPort bool) error {
	if sess.Mount.Mounted {
		return nil
	}
	if err := m.REPL.EnterRaw(ctx); err != nil {
		return err
	}

	var probe bytes.Buffer
	if err := m.REPL.Exec(ctx, []byte(`print("RemoteFS" in globals())`), &probe); err != nil {
		return fmt.Errorf("mount: globals probe: %w", err)
	}
	if strings.TrimRight(probe.String(), "\r\n") == "False" {
		if err := m.REPL.Exec(ctx, []byte(Compress()), nil); err != nil {
			return fmt.Errorf("mount: push bootstrap: %w", err)
		}
	}

	mountCall := fmt.Sprintf("__mount(%s)", pythonBool(useSecondPort))
	if err := m.REPL.Exec(ctx, []byte(mountCall), nil); err != nil {
		return fmt.Errorf("mount: __mount: %w", err)
	}

	sess.RPC = session.RPCState{}
	server := rpc.NewServer(session.MountRoot(hostRoot))
	m.chain = interceptor.New(m.rawLink, server, &sess.RPC)
	m.REPL.Link = m.chain

	secondPort := ""
	if useSecondPort {
		secondPort = sess.Mount.SecondPort
	}
	sess.Mount = session.MountState{Mounted: true, HostRoot: hostRoot, SecondPort: secondPort}
	return nil
}

// Unmount executes os.umount("/remote") in raw mode and uninstalls the
// Interceptor, restoring the bare link as the read path.
func (m *Mounter) Unmount(ctx context.Context, sess *session.Session) error {
	if !sess.Mount.Mounted {
		return nil
	}
	if err := m.REPL.EnterRaw(ctx); err != nil {
		return err
	}
	if err := m.REPL.Exec(ctx, []byte(`os.umount("/remote")`), nil); err != nil {
		return fmt.Errorf("mount: umount: %w", err)
	}
	if err := m.REPL.ExitRaw(ctx); err != nil {
		return err
	}
	m.REPL.Link = m.rawLink
	m.chain = nil
	sess.Mount = session.MountState{}
	return nil
}

// SoftResetWithMount performs a Ctrl-D soft reset. If no mount is active
// this is just RawRepl.SoftReset; otherwise the Interceptor is removed
// before the reset (a fresh device has nothing to demultiplex), the
// post-reset banner is drained into out, and the bootstrap/mount sequence
// is replayed before the Interceptor is reinstalled (spec §4.F, §8
// scenario 6).
func (m *Mounter) SoftResetWithMount(ctx context.Context, sess *session.Session, out io.Writer) error {
	if !sess.Mount.Mounted {
		return m.REPL.SoftReset(ctx)
	}
	hostRoot := sess.Mount.HostRoot
	useSecondPort := sess.Mount.SecondPort != ""

	m.REPL.Link = m.rawLink
	m.chain = nil
	if err := m.REPL.SoftReset(ctx); err != nil {
		return err
	}
	if err := drainQuiet(ctx, m.rawLink, out, quietWindow); err != nil {
		return fmt.Errorf("mount: drain reset banner: %w", err)
	}
	sess.Mount = session.MountState{}
	if err := m.Mount(ctx, sess, hostRoot, useSecondPort); err != nil {
		return err
	}
	return m.REPL.ExitRaw(ctx)
}

// drainQuiet reads everything link has buffered, writing it to w, until
// link.BytesAvailable reports nothing new for a full quiet window.
func drainQuiet(ctx context.Context, link transport.Link, w io.Writer, quiet time.Duration) error {
	deadline := time.Now().Add(quiet)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := link.BytesAvailable()
		if err != nil {
			return err
		}
		if n == 0 {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		b, err := link.ReadExact(ctx, n)
		if err != nil {
			return err
		}
		if w != nil {
			if _, err := w.Write(b); err != nil {
				return err
			}
		}
		deadline = time.Now().Add(quiet)
	}
	return nil
}
