package rpc

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robert-hh/mpr/internal/session"
)

func newServerAndState(t *testing.T) (*Server, *session.RPCState, string) {
	t.Helper()
	dir := t.TempDir()
	return NewServer(session.MountRoot(dir)), &session.RPCState{}, dir
}

func roundTrip(t *testing.T, s *Server, cmd Command, state *session.RPCState, req func(*Encoder)) *bytes.Buffer {
	t.Helper()
	var reqBuf bytes.Buffer
	req(NewEncoder(&reqBuf))
	var replyBuf bytes.Buffer
	require.NoError(t, s.Dispatch(cmd, NewDecoder(&reqBuf), NewEncoder(&replyBuf), state))
	return &replyBuf
}

func TestStatExisting(t *testing.T) {
	s, state, dir := newServerAndState(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("HELLO\n"), 0o644))

	reply := roundTrip(t, s, CmdStat, state, func(e *Encoder) { e.Str("a.txt") })
	dec := NewDecoder(reply)
	status, err := dec.S8()
	require.NoError(t, err)
	assert.EqualValues(t, 0, status)
	_, err = dec.S32() // mode
	require.NoError(t, err)
	size, err := dec.S32()
	require.NoError(t, err)
	assert.EqualValues(t, len("HELLO\n"), size)
}

func TestStatMissing(t *testing.T) {
	s, state, _ := newServerAndState(t)
	reply := roundTrip(t, s, CmdStat, state, func(e *Encoder) { e.Str("nope.txt") })
	dec := NewDecoder(reply)
	status, err := dec.S8()
	require.NoError(t, err)
	assert.Less(t, status, int8(0))
}

func TestOpenWriteReadCloseRoundTrip(t *testing.T) {
	s, state, _ := newServerAndState(t)

	openReply := roundTrip(t, s, CmdOpen, state, func(e *Encoder) {
		e.Str("new.txt")
		e.Str("w")
	})
	fd, err := NewDecoder(openReply).S8()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, fd, int8(0))

	writeReply := roundTrip(t, s, CmdWrite, state, func(e *Encoder) {
		e.S8(fd)
		e.Bytes([]byte("payload"))
	})
	written, err := NewDecoder(writeReply).S32()
	require.NoError(t, err)
	assert.EqualValues(t, len("payload"), written)

	roundTrip(t, s, CmdClose, state, func(e *Encoder) { e.S8(fd) })
	assert.Nil(t, state.Files.Get(fd))

	openReply2 := roundTrip(t, s, CmdOpen, state, func(e *Encoder) {
		e.Str("new.txt")
		e.Str("r")
	})
	fd2, err := NewDecoder(openReply2).S8()
	require.NoError(t, err)

	readReply := roundTrip(t, s, CmdRead, state, func(e *Encoder) {
		e.S8(fd2)
		e.S32(128)
	})
	content, err := NewDecoder(readReply).Bytes()
	require.NoError(t, err)
	assert.Equal(t, "payload", string(content))
}

func TestReadNegativeLengthReadsToEOF(t *testing.T) {
	s, state, dir := newServerAndState(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello world"), 0o644))

	openReply := roundTrip(t, s, CmdOpen, state, func(e *Encoder) {
		e.Str("a.txt")
		e.Str("rb")
	})
	fd, err := NewDecoder(openReply).S8()
	require.NoError(t, err)

	readReply := roundTrip(t, s, CmdRead, state, func(e *Encoder) {
		e.S8(fd)
		e.S32(-1)
	})
	content, err := NewDecoder(readReply).Bytes()
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(content))
}

func TestReadTextModeCountsRunesNotBytes(t *testing.T) {
	s, state, dir := newServerAndState(t)
	// "héllo" is 5 runes but 6 bytes, UTF-8 encoding 'é' as two bytes.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("héllo world"), 0o644))

	openReply := roundTrip(t, s, CmdOpen, state, func(e *Encoder) {
		e.Str("a.txt")
		e.Str("r")
	})
	fd, err := NewDecoder(openReply).S8()
	require.NoError(t, err)

	readReply := roundTrip(t, s, CmdRead, state, func(e *Encoder) {
		e.S8(fd)
		e.S32(5)
	})
	content, err := NewDecoder(readReply).Bytes()
	require.NoError(t, err)
	assert.Equal(t, "héllo", string(content))
}

func TestDescriptorReuseLowestVacant(t *testing.T) {
	s, state, _ := newServerAndState(t)

	open := func(name string) int8 {
		reply := roundTrip(t, s, CmdOpen, state, func(e *Encoder) {
			e.Str(name)
			e.Str("w")
		})
		fd, err := NewDecoder(reply).S8()
		require.NoError(t, err)
		return fd
	}
	close := func(fd int8) {
		roundTrip(t, s, CmdClose, state, func(e *Encoder) { e.S8(fd) })
	}

	fd0 := open("a.txt")
	fd1 := open("b.txt")
	assert.Equal(t, int8(0), fd0)
	assert.Equal(t, int8(1), fd1)

	close(fd0)
	fd2 := open("c.txt")
	assert.Equal(t, int8(0), fd2, "lowest vacated slot should be reused")
}

func TestIListdirDrainsThenEmpty(t *testing.T) {
	s, state, dir := newServerAndState(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), nil, 0o644))

	roundTrip(t, s, CmdIListdirStart, state, func(e *Encoder) { e.Str("") })

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		reply := roundTrip(t, s, CmdIListdirNext, state, func(e *Encoder) {})
		dec := NewDecoder(reply)
		name, err := dec.Str()
		require.NoError(t, err)
		require.NotEmpty(t, name)
		seen[name] = true
		_, err = dec.S32()
		require.NoError(t, err)
	}
	assert.True(t, seen["a.txt"])
	assert.True(t, seen["b.txt"])

	final := roundTrip(t, s, CmdIListdirNext, state, func(e *Encoder) {})
	name, err := NewDecoder(final).Str()
	require.NoError(t, err)
	assert.Empty(t, name)
}

func TestRemoveAndRename(t *testing.T) {
	s, state, dir := newServerAndState(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.txt"), []byte("x"), 0o644))

	renameReply := roundTrip(t, s, CmdRename, state, func(e *Encoder) {
		e.Str("old.txt")
		e.Str("new.txt")
	})
	status, err := NewDecoder(renameReply).S32()
	require.NoError(t, err)
	assert.EqualValues(t, 0, status)
	assert.FileExists(t, filepath.Join(dir, "new.txt"))

	removeReply := roundTrip(t, s, CmdRemove, state, func(e *Encoder) { e.Str("new.txt") })
	status2, err := NewDecoder(removeReply).S32()
	require.NoError(t, err)
	assert.EqualValues(t, 0, status2)
	assert.NoFileExists(t, filepath.Join(dir, "new.txt"))
}

func TestRemoveMissingReturnsNegativeErrno(t *testing.T) {
	s, state, _ := newServerAndState(t)
	reply := roundTrip(t, s, CmdRemove, state, func(e *Encoder) { e.Str("nope.txt") })
	status, err := NewDecoder(reply).S32()
	require.NoError(t, err)
	assert.Less(t, status, int32(0))
}
