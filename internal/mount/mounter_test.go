package mount

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robert-hh/mpr/internal/rawrepl"
	"github.com/robert-hh/mpr/internal/session"
	"github.com/robert-hh/mpr/internal/transport"
)

// waitForWrite polls until the link has at least n bytes written to the
// device, then consumes and returns everything written so far. Needed
// because PipeLink is driven synchronously: unlike real hardware, nothing
// appears on the "device" side until the test feeds it, so a reply must be
// fed only after the write it answers has actually happened.
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

func TestMountPushesBootstrapOnceThenInvokesMount(t *testing.T) {
	link := transport.NewPipeLink()
	m := New(link)
	sess := session.New("fake")
	dir := t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- m.Mount(ctx, sess, dir, false) }()

	assert.Equal(t, []byte("\r\x03\x03\r\x01"), waitForWrite(t, link, 5, time.Second))
	link.FeedFromDevice([]byte(rawrepl.Banner))

	probeCode := `print("RemoteFS" in globals())`
	probeWrite := waitForWrite(t, link, len(probeCode)+1, time.Second)
	assert.Equal(t, append([]byte(probeCode), 0x04), probeWrite)
	link.FeedFromDevice([]byte("OK"))
	link.FeedFromDevice([]byte("False\r\n\x04"))
	link.FeedFromDevice([]byte{0x04})

	bootstrap := Compress()
	bootstrapWrite := waitForWrite(t, link, len(bootstrap)+1, time.Second)
	assert.Equal(t, append([]byte(bootstrap), 0x04), bootstrapWrite)
	link.FeedFromDevice([]byte("OK"))
	link.FeedFromDevice([]byte{0x04})
	link.FeedFromDevice([]byte{0x04})

	mountCall := "__mount(False)"
	mountWrite := waitForWrite(t, link, len(mountCall)+1, time.Second)
	assert.Equal(t, append([]byte(mountCall), 0x04), mountWrite)
	link.FeedFromDevice([]byte("OK"))
	link.FeedFromDevice([]byte{0x04})
	link.FeedFromDevice([]byte{0x04})

	require.NoError(t, <-errCh)
	assert.True(t, sess.Mount.Mounted)
	assert.Equal(t, dir, sess.Mount.HostRoot)
}

func TestMountIsIdempotent(t *testing.T) {
	link := transport.NewPipeLink()
	m := New(link)
	sess := session.New("fake")
	sess.Mount.Mounted = true

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Mount(ctx, sess, "/anywhere", false))
	assert.Empty(t, link.WrittenToDevice(), "already-mounted session should not re-run the mount sequence")
}

func TestSoftResetWithMountReplaysMountAfterReset(t *testing.T) {
	link := transport.NewPipeLink()
	m := New(link)
	sess := session.New("fake")
	dir := t.TempDir()
	sess.Mount = session.MountState{Mounted: true, HostRoot: dir}
	var out bytes.Buffer

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- m.SoftResetWithMount(ctx, sess, &out) }()

	assert.Equal(t, []byte{0x04}, waitForWrite(t, link, 1, time.Second))
	link.FeedFromDevice([]byte("MPY: soft reboot\r\n"))

	assert.Equal(t, []byte("\r\x03\x03\r\x01"), waitForWrite(t, link, 5, time.Second))
	link.FeedFromDevice([]byte(rawrepl.Banner))

	probeCode := `print("RemoteFS" in globals())`
	probeWrite := waitForWrite(t, link, len(probeCode)+1, time.Second)
	assert.Equal(t, append([]byte(probeCode), 0x04), probeWrite)
	link.FeedFromDevice([]byte("OK"))
	link.FeedFromDevice([]byte("True\r\n\x04"))
	link.FeedFromDevice([]byte{0x04})

	mountCall := "__mount(False)"
	mountWrite := waitForWrite(t, link, len(mountCall)+1, time.Second)
	assert.Equal(t, append([]byte(mountCall), 0x04), mountWrite)
	link.FeedFromDevice([]byte("OK"))
	link.FeedFromDevice([]byte{0x04})
	link.FeedFromDevice([]byte{0x04})

	assert.Equal(t, []byte{0x02}, waitForWrite(t, link, 1, time.Second))
	link.FeedFromDevice([]byte(rawrepl.Prompt))

	require.NoError(t, <-errCh)
	assert.True(t, sess.Mount.Mounted)
	assert.Equal(t, dir, sess.Mount.HostRoot)
	assert.Contains(t, out.String(), "soft reboot")
}

func TestUnmountSkipsWhenNotMounted(t *testing.T) {
	link := transport.NewPipeLink()
	m := New(link)
	sess := session.New("fake")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Unmount(ctx, sess))
	assert.Empty(t, link.WrittenToDevice())
}
