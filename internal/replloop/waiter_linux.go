//go:build linux

package replloop

import (
	"context"

	"golang.org/x/sys/unix"

	"github.com/robert-hh/mpr/internal/transport"
)

// fder is implemented by console/link backends that expose a pollable file
// descriptor (posixConsole, transport.SerialLink).
type fder interface {
	Fd() int
}

// pollWaiter uses a single unix.Poll call across both descriptors — the
// "pollable file descriptor" readiness primitive spec.md §4.G calls for on
// systems that have one.
type pollWaiter struct {
	consoleFd int
	serialFd  int
}

// pollTimeoutMs bounds each poll call so ctx cancellation is noticed
// promptly without busy-spinning.
const pollTimeoutMs = 200

func (w *pollWaiter) Wait(ctx context.Context) (bool, bool, error) {
	pfds := []unix.PollFd{
		{Fd: int32(w.consoleFd), Events: unix.POLLIN},
		{Fd: int32(w.serialFd), Events: unix.POLLIN},
	}
	for {
		if err := ctx.Err(); err != nil {
			return false, false, err
		}
		n, err := unix.Poll(pfds, pollTimeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return false, false, err
		}
		if n == 0 {
			continue
		}
		return pfds[0].Revents&unix.POLLIN != 0, pfds[1].Revents&unix.POLLIN != 0, nil
	}
}

// newWaiter picks the pollable-descriptor primitive when both sides expose
// one, falling back to the fixed poll cycle otherwise (e.g. the in-memory
// PipeLink used by tests).
func newWaiter(console ConsoleInput, link transport.Link) waiter {
	cf, consoleOK := console.(fder)
	sf, serialOK := link.(fder)
	if consoleOK && serialOK {
		return &pollWaiter{consoleFd: cf.Fd(), serialFd: sf.Fd()}
	}
	return newTickWaiter(console, link)
}
