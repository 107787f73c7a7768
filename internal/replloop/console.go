// Package replloop drives the interactive session: a single-threaded
// cooperative loop that waits on keyboard and serial readiness together,
// dispatches hotkeys, and otherwise passes bytes straight through.
// Grounded on original_source/mpr.py's do_repl_main_loop and its
// ConsolePosix/ConsoleWindows split (see DESIGN.md).
package replloop

// ConsoleInput abstracts keyboard input so the loop never branches on
// platform at a call site (spec.md §9's "platform split for keyboard I/O"
// redesign flag: model as a trait, select the implementation at startup).
type ConsoleInput interface {
	// ReadByte blocks for a single keystroke.
	ReadByte() (byte, error)
	// Peek reports whether a keystroke is available without consuming it.
	Peek() (bool, error)
	// Close restores whatever terminal state the console changed on entry.
	Close() error
}
