// Package runner sequences top-level actions (eval, exec, run, mount, fs,
// repl) against one persistent device session. Grounded on
// original_source/mpr.py's main() command loop: alias expansion, the
// needs_raw_repl/is_action transition table, and the implicit fallback to
// repl when the full argv contains no action.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/robert-hh/mpr/internal/config"
	"github.com/robert-hh/mpr/internal/mount"
	"github.com/robert-hh/mpr/internal/rawrepl"
	"github.com/robert-hh/mpr/internal/replloop"
	"github.com/robert-hh/mpr/internal/session"
)

// commandSpec mirrors a row of original_source/mpr.py's cmds table: whether
// the command needs raw-mode, whether it counts as an action for the
// implicit-repl fallback, and its minimum argument count.
type commandSpec struct {
	needsRawRepl bool
	isAction     bool
	minArgs      int
}

var commands = map[string]commandSpec{
	"mount": {needsRawRepl: true, isAction: false, minArgs: 1},
	"repl":  {needsRawRepl: false, isAction: true, minArgs: 0},
	"eval":  {needsRawRepl: true, isAction: true, minArgs: 1},
	"exec":  {needsRawRepl: true, isAction: true, minArgs: 1},
	"run":   {needsRawRepl: true, isAction: true, minArgs: 1},
	"fs":    {needsRawRepl: true, isAction: true, minArgs: 1},
}

// CommandRunner sequences top-level actions against one persistent Session
// (spec.md §4.H).
type CommandRunner struct {
	REPL    *rawrepl.REPL
	Mounter *mount.Mounter
	Session *session.Session
	Out     io.Writer

	// ListPorts enumerates candidate serial device paths. Actual
	// platform-specific port discovery is out of scope here (spec.md §1);
	// this is the single injected collaborator CommandRunner calls.
	ListPorts func() ([]string, error)

	// NewLoop builds the interactive ReplLoop backing the "repl" command.
	// Injected so this package doesn't depend on a real terminal in tests.
	NewLoop func() (*replloop.Loop, error)

	inRawRepl bool
	didAction bool
}

// New returns a CommandRunner ready to Run against sess.
func New(repl *rawrepl.REPL, mounter *mount.Mounter, sess *session.Session, out io.Writer) *CommandRunner {
	return &CommandRunner{REPL: repl, Mounter: mounter, Session: sess, Out: out}
}

// ResolveDevice maps a device-shortcut or literal path argument to an actual
// device path, auto-detecting via ListPorts when arg is empty (spec.md §6's
// "auto-detect, connect and enter REPL").
func (r *CommandRunner) ResolveDevice(arg string) (string, error) {
	if arg == "" {
		if r.ListPorts == nil {
			return "", &UsageError{Msg: "no device specified and no port lister configured"}
		}
		ports, err := r.ListPorts()
		if err != nil {
			return "", err
		}
		if len(ports) == 0 {
			return "", &UsageError{Msg: "no serial device found"}
		}
		return ports[0], nil
	}
	if p, ok := config.ResolveShortcut(arg); ok {
		return p, nil
	}
	return arg, nil
}

// Run executes argv left to right, expanding aliases exactly once before
// dispatch and transitioning into/out of raw mode only at boundaries where
// the need changes. If the full sequence contains no action command, it
// falls through to an implicit "repl" (spec.md §4.H).
func (r *CommandRunner) Run(ctx context.Context, argv []string) error {
	args := append([]string(nil), argv...)

	for len(args) > 0 {
		if alias, ok := config.ExpandAlias(args[0]); ok {
			args = append(append([]string{}, alias...), args[1:]...)
		}

		name := args[0]
		args = args[1:]
		spec, ok := commands[name]
		if !ok {
			return &UsageError{Msg: fmt.Sprintf("'%s' is not a command", name)}
		}

		if err := r.transitionRawMode(ctx, spec.needsRawRepl); err != nil {
			return err
		}
		if spec.isAction {
			r.didAction = true
		}
		if len(args) < spec.minArgs {
			return &UsageError{Msg: fmt.Sprintf("'%s' needs at least %d argument(s)", name, spec.minArgs)}
		}

		var err error
		switch name {
		case "mount":
			err = r.doMount(ctx, args[0])
			args = args[1:]
		case "exec":
			err = r.execBuffer(ctx, []byte(args[0]))
			args = args[1:]
		case "eval":
			err = r.execBuffer(ctx, []byte("print("+args[0]+")"))
			args = args[1:]
		case "run":
			err = r.doRun(ctx, args[0])
			args = args[1:]
		case "fs":
			err = dispatchFs(ctx, r.REPL, r.Out, args)
			args = nil
		case "repl":
			err = r.doRepl(ctx, args)
			args = nil
		}
		if err != nil {
			return err
		}
	}

	if !r.didAction {
		if err := r.transitionRawMode(ctx, false); err != nil {
			return err
		}
		return r.doRepl(ctx, nil)
	}
	return nil
}

func (r *CommandRunner) transitionRawMode(ctx context.Context, needsRawRepl bool) error {
	if needsRawRepl && !r.inRawRepl {
		if err := r.REPL.EnterRaw(ctx); err != nil {
			return err
		}
		r.inRawRepl = true
	} else if !needsRawRepl && r.inRawRepl {
		if err := r.REPL.ExitRaw(ctx); err != nil {
			return err
		}
		r.inRawRepl = false
	}
	return nil
}

func (r *CommandRunner) doMount(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := r.Mounter.Mount(ctx, r.Session, abs, false); err != nil {
		return err
	}
	fmt.Fprintf(r.Out, "Local directory %s is mounted at /remote\r\n", path)
	return nil
}

func (r *CommandRunner) doRun(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &UsageError{Msg: fmt.Sprintf("could not read file '%s'", path)}
	}
	return r.execBuffer(ctx, data)
}

// execBuffer runs code through RawRepl.Exec per spec.md §4.H's eval/exec/run
// contract. A RemoteException still owes raw mode an explicit exit, same as
// original_source/mpr.py's execbuffer does before surfacing the stderr.
func (r *CommandRunner) execBuffer(ctx context.Context, code []byte) error {
	err := r.REPL.Exec(ctx, code, r.Out)
	var remoteErr *rawrepl.RemoteException
	if errors.As(err, &remoteErr) {
		_ = r.REPL.ExitRaw(ctx)
		r.inRawRepl = false
		fmt.Fprintf(r.Out, "%s", remoteErr.Stderr)
	}
	return err
}

// doRepl enters the interactive loop. args, when non-empty, carries the
// repl command's own optional trailing arguments: "--capture <file>"
// followed by an optional file-to-inject, per
// original_source/mpr.py's do_repl.
func (r *CommandRunner) doRepl(ctx context.Context, args []string) error {
	if r.NewLoop == nil {
		return &UsageError{Msg: "repl: no interactive console available"}
	}

	var captureFile string
	if len(args) > 0 && args[0] == "--capture" {
		args = args[1:]
		if len(args) == 0 {
			return &UsageError{Msg: "repl --capture needs a file"}
		}
		captureFile = args[0]
		args = args[1:]
	}
	var injectFile string
	if len(args) > 0 {
		injectFile = args[0]
	}

	loop, err := r.NewLoop()
	if err != nil {
		return err
	}
	loop.InjectFile = injectFile

	if captureFile != "" {
		capture, err := os.Create(captureFile)
		if err != nil {
			return err
		}
		defer capture.Close()
		loop.Out = io.MultiWriter(loop.Out, capture)
		fmt.Fprintf(r.Out, "Capturing session to file %q\r\n", captureFile)
	}
	if injectFile != "" {
		fmt.Fprintf(r.Out, "Use Ctrl-K to inject file %q\r\n", injectFile)
	}

	fmt.Fprintf(r.Out, "Connected to MicroPython at %s\r\n", r.Session.Device)
	fmt.Fprintln(r.Out, "Use Ctrl-] to exit this shell")
	return loop.Run(ctx)
}
