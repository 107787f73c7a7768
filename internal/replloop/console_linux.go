//go:build linux

package replloop

import (
	"os"

	"github.com/charmbracelet/x/term"
	"golang.org/x/sys/unix"
)

// posixConsole reads raw keystrokes from stdin, putting the terminal into
// character-at-a-time mode for the duration (spec.md §9: raw-mode setup is
// ambient plumbing, not a user-facing feature — the library supplies it).
// Grounded on original_source/mpr.py's ConsolePosix.
type posixConsole struct {
	fd       int
	oldState *term.State
}

// NewConsole puts stdin in raw mode and returns a ConsoleInput reading from
// it.
func NewConsole() (ConsoleInput, error) {
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return &posixConsole{fd: fd, oldState: oldState}, nil
}

func (c *posixConsole) Fd() int { return c.fd }

func (c *posixConsole) ReadByte() (byte, error) {
	var buf [1]byte
	for {
		n, err := unix.Read(c.fd, buf[:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, err
		}
		if n == 0 {
			continue
		}
		return buf[0], nil
	}
}

func (c *posixConsole) Peek() (bool, error) {
	pfds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfds, 0)
	if err != nil && err != unix.EINTR {
		return false, err
	}
	return n > 0, nil
}

func (c *posixConsole) Close() error {
	return term.Restore(c.fd, c.oldState)
}
