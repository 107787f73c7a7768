package replloop

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robert-hh/mpr/internal/mount"
	"github.com/robert-hh/mpr/internal/rawrepl"
	"github.com/robert-hh/mpr/internal/session"
	"github.com/robert-hh/mpr/internal/transport"
)

// waitForWrite polls until the link has at least n bytes written to the
// device, then returns everything written so far. PipeLink is synchronous,
// so a reply must only be fed after the write it answers has happened.
func waitForWrite(t *testing.T, link *transport.PipeLink, n int, timeout time.Duration) []byte {
	t.Helper()
	var acc []byte
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		acc = append(acc, link.WrittenToDevice()...)
		if len(acc) >= n {
			return acc
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d bytes written to the device, got %q", n, acc)
	return nil
}

// fakeConsole is a ConsoleInput test double backed by a byte queue, mimicking
// keystrokes without a real terminal.
type fakeConsole struct {
	pending []byte
	closed  bool
}

func (c *fakeConsole) Feed(b ...byte) { c.pending = append(c.pending, b...) }

func (c *fakeConsole) ReadByte() (byte, error) {
	for len(c.pending) == 0 {
		time.Sleep(time.Millisecond)
	}
	b := c.pending[0]
	c.pending = c.pending[1:]
	return b, nil
}

func (c *fakeConsole) Peek() (bool, error) { return len(c.pending) > 0, nil }
func (c *fakeConsole) Close() error        { c.closed = true; return nil }

func TestLoopExitsOnCtrlRightBracket(t *testing.T) {
	console := &fakeConsole{}
	link := transport.NewPipeLink()
	var out bytes.Buffer
	l := New(console, link, rawrepl.New(link), mount.New(link), session.New("fake"), &out)

	console.Feed(keyExit)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Run(ctx))
}

func TestLoopForwardsOrdinaryKeyToLink(t *testing.T) {
	console := &fakeConsole{}
	link := transport.NewPipeLink()
	var out bytes.Buffer
	l := New(console, link, rawrepl.New(link), mount.New(link), session.New("fake"), &out)

	console.Feed('a', keyExit)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Run(ctx))
	assert.Equal(t, []byte("a"), link.WrittenToDevice())
}

func TestLoopDisplaysPrintableByteVerbatim(t *testing.T) {
	console := &fakeConsole{}
	link := transport.NewPipeLink()
	var out bytes.Buffer
	l := New(console, link, rawrepl.New(link), mount.New(link), session.New("fake"), &out)

	link.FeedFromDevice([]byte("A"))
	console.Feed(keyExit)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Run(ctx))
	assert.Contains(t, out.String(), "A")
}

func TestLoopCtrlDTriggersSoftReset(t *testing.T) {
	console := &fakeConsole{}
	link := transport.NewPipeLink()
	var out bytes.Buffer
	l := New(console, link, rawrepl.New(link), mount.New(link), session.New("fake"), &out)

	console.Feed(keySoftReset, keyExit)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Run(ctx))
	assert.Equal(t, []byte{0x04}, link.WrittenToDevice())
}

func TestLoopCtrlKInjectsFileWithoutSoftReset(t *testing.T) {
	console := &fakeConsole{}
	link := transport.NewPipeLink()
	var out bytes.Buffer
	l := New(console, link, rawrepl.New(link), mount.New(link), session.New("fake"), &out)

	code := "print(1)\n"
	path := filepath.Join(t.TempDir(), "inject.py")
	require.NoError(t, os.WriteFile(path, []byte(code), 0o644))
	l.InjectFile = path

	console.Feed(keyInject)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	assert.Equal(t, []byte("\r\x03\x03\r\x01"), waitForWrite(t, link, 5, time.Second))
	link.FeedFromDevice([]byte(rawrepl.Banner))

	assert.Equal(t, append([]byte(code), 0x04, 0x02), waitForWrite(t, link, len(code)+2, time.Second))
	link.FeedFromDevice([]byte(rawrepl.Prompt))

	console.Feed(keyExit)
	require.NoError(t, <-errCh)
	assert.Contains(t, out.String(), "Injecting "+path)
}

func TestLoopHexEscapesNonPrintableByte(t *testing.T) {
	console := &fakeConsole{}
	link := transport.NewPipeLink()
	var out bytes.Buffer
	l := New(console, link, rawrepl.New(link), mount.New(link), session.New("fake"), &out)

	link.FeedFromDevice([]byte{0x01})
	console.Feed(keyExit)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Run(ctx))
	assert.Contains(t, out.String(), "[01]")
}
