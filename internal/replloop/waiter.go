package replloop

import (
	"context"
	"time"

	"github.com/robert-hh/mpr/internal/transport"
)

// tick is the fallback readiness poll cycle, used unless both sources
// expose a pollable descriptor (spec.md §4.G: "elsewhere, a 10 ms poll
// cycle").
const tick = 10 * time.Millisecond

// waiter blocks until keyboard input or a serial byte is ready, or ctx is
// done, reporting which source(s) triggered the wakeup.
type waiter interface {
	Wait(ctx context.Context) (consoleReady, serialReady bool, err error)
}

// serialPeeker adapts transport.Link.BytesAvailable to the Peek shape
// tickWaiter needs.
type serialPeeker struct {
	link transport.Link
}

func (p serialPeeker) Peek() (bool, error) {
	n, err := p.link.BytesAvailable()
	return n > 0, err
}

// tickWaiter is the portable fallback: poll both sources on a fixed cycle.
type tickWaiter struct {
	console ConsoleInput
	serial  serialPeeker
}

func newTickWaiter(console ConsoleInput, link transport.Link) *tickWaiter {
	return &tickWaiter{console: console, serial: serialPeeker{link: link}}
}

func (w *tickWaiter) Wait(ctx context.Context) (bool, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return false, false, err
		}
		consoleReady, err := w.console.Peek()
		if err != nil {
			return false, false, err
		}
		serialReady, err := w.serial.Peek()
		if err != nil {
			return false, false, err
		}
		if consoleReady || serialReady {
			return consoleReady, serialReady, nil
		}
		time.Sleep(tick)
	}
}
