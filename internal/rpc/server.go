package rpc

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/robert-hh/mpr/internal/session"
)

// Server dispatches one decoded command at a time against a MountRoot and a
// session's RPC state, reading the request and writing the reply through the
// same link RawRepl and the Interceptor share.
type Server struct {
	Root session.MountRoot
}

// NewServer returns a Server rooted at root.
func NewServer(root session.MountRoot) *Server {
	return &Server{Root: root}
}

// Dispatch decodes and executes one command, reading its arguments from r
// and writing its reply through w. It is a pure function of (cmd, the bytes
// read, state) with the side effect of touching the host filesystem — state
// is exactly what's shared across calls within a session (spec §4.D).
func (s *Server) Dispatch(cmd Command, r *Decoder, w *Encoder, state *session.RPCState) error {
	switch cmd {
	case CmdStat:
		return s.doStat(r, w)
	case CmdIListdirStart:
		return s.doIListdirStart(r, state)
	case CmdIListdirNext:
		return s.doIListdirNext(w, state)
	case CmdOpen:
		return s.doOpen(r, w, state)
	case CmdClose:
		return s.doClose(r, state)
	case CmdRead:
		return s.doRead(r, w, state)
	case CmdWrite:
		return s.doWrite(r, w, state)
	case CmdSeek:
		return s.doSeek(r, w, state)
	case CmdRemove:
		return s.doRemove(r, w)
	case CmdRename:
		return s.doRename(r, w)
	default:
		return fmt.Errorf("rpc: unknown command %d", cmd)
	}
}

// errno extracts the platform errno from a failed os call, mirroring
// mpr.py's -abs(er.args[0]).
func errno(err error) int32 {
	var errnoErr syscall.Errno
	if errors.As(err, &errnoErr) {
		n := int32(errnoErr)
		if n < 0 {
			n = -n
		}
		return -n
	}
	return -int32(syscall.EIO)
}

func (s *Server) doStat(r *Decoder, w *Encoder) error {
	rel, err := r.Str()
	if err != nil {
		return err
	}
	info, statErr := os.Stat(s.Root.Join(rel))
	if statErr != nil {
		return w.S8(int8(errno(statErr)))
	}
	if err := w.S8(0); err != nil {
		return err
	}
	sys, _ := info.Sys().(*syscall.Stat_t)
	var mode, atime, ctime uint32
	if sys != nil {
		mode = sys.Mode
		atime = uint32(sys.Atim.Sec)
		ctime = uint32(sys.Ctim.Sec)
	} else {
		mode = uint32(info.Mode())
	}
	if err := w.U32(mode); err != nil {
		return err
	}
	if err := w.U32(uint32(info.Size())); err != nil {
		return err
	}
	if err := w.U32(atime); err != nil {
		return err
	}
	if err := w.U32(uint32(info.ModTime().Unix())); err != nil {
		return err
	}
	return w.U32(ctime)
}

func (s *Server) doIListdirStart(r *Decoder, state *session.RPCState) error {
	rel, err := r.Str()
	if err != nil {
		return err
	}
	path := s.Root.Join(rel)
	entries, err := os.ReadDir(path)
	if err != nil {
		state.Dir = &session.DirIter{Base: path}
		return nil
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	state.Dir = &session.DirIter{Base: path, Entries: names}
	return nil
}

func (s *Server) doIListdirNext(w *Encoder, state *session.RPCState) error {
	name := state.Dir.Next()
	if name == "" {
		return w.Str("")
	}
	if err := w.Str(name); err != nil {
		return err
	}
	info, err := os.Stat(state.Dir.Base + "/" + name)
	var typeBits uint32
	if err == nil {
		sys, _ := info.Sys().(*syscall.Stat_t)
		if sys != nil {
			typeBits = sys.Mode & 0xC000
		} else if info.IsDir() {
			typeBits = 0x4000
		} else {
			typeBits = 0x8000
		}
	}
	return w.U32(typeBits)
}

func (s *Server) doOpen(r *Decoder, w *Encoder, state *session.RPCState) error {
	rel, err := r.Str()
	if err != nil {
		return err
	}
	mode, err := r.Str()
	if err != nil {
		return err
	}
	flags, isText := openFlags(mode)
	f, openErr := os.OpenFile(s.Root.Join(rel), flags, 0o644)
	if openErr != nil {
		return w.S8(int8(errno(openErr)))
	}
	fd, allocErr := state.Files.Alloc(&session.OpenFile{Name: rel, IsText: isText, Handle: f})
	if allocErr != nil {
		f.Close()
		return w.S8(int8(errno(allocErr)))
	}
	return w.S8(fd)
}

// openFlags translates a Python-style fopen mode string ("r", "rb", "w",
// "wb", "a", "ab", "r+b", ...) into os.OpenFile flags, and reports whether
// the mode lacked 'b' (text mode).
func openFlags(mode string) (int, bool) {
	isText := !contains(mode, 'b')
	var flags int
	switch {
	case contains(mode, '+'):
		flags = os.O_RDWR
	case contains(mode, 'w'):
		flags = os.O_WRONLY
	case contains(mode, 'a'):
		flags = os.O_WRONLY | os.O_APPEND
	default:
		flags = os.O_RDONLY
	}
	if contains(mode, 'w') {
		flags |= os.O_CREATE | os.O_TRUNC
	}
	if contains(mode, 'a') {
		flags |= os.O_CREATE
	}
	return flags, isText
}

func contains(s string, b byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return true
		}
	}
	return false
}

func (s *Server) doClose(r *Decoder, state *session.RPCState) error {
	fd, err := r.S8()
	if err != nil {
		return err
	}
	if f := state.Files.Get(fd); f != nil {
		f.Handle.Close()
	}
	state.Files.Free(fd)
	return nil
}

// doRead serves CmdRead. A negative length is the read-to-EOF sentinel
// (Python's f.read(-1)/bare f.read()); a text-mode file counts its length
// in decoded runes rather than raw bytes.
func (s *Server) doRead(r *Decoder, w *Encoder, state *session.RPCState) error {
	fd, err := r.S8()
	if err != nil {
		return err
	}
	n, err := r.S32()
	if err != nil {
		return err
	}
	f := state.Files.Get(fd)
	if f == nil {
		return w.Bytes(nil)
	}
	if f.Buffered == nil {
		f.Buffered = bufio.NewReader(f.Handle)
	}
	if n < 0 {
		data, _ := io.ReadAll(f.Buffered)
		return w.Bytes(data)
	}
	if f.IsText {
		var buf bytes.Buffer
		for i := int32(0); i < n; i++ {
			rn, _, err := f.Buffered.ReadRune()
			if err != nil {
				break
			}
			buf.WriteRune(rn)
		}
		return w.Bytes(buf.Bytes())
	}
	buf := make([]byte, n)
	read, _ := f.Buffered.Read(buf)
	return w.Bytes(buf[:read])
}

func (s *Server) doWrite(r *Decoder, w *Encoder, state *session.RPCState) error {
	fd, err := r.S8()
	if err != nil {
		return err
	}
	buf, err := r.Bytes()
	if err != nil {
		return err
	}
	f := state.Files.Get(fd)
	if f == nil {
		return w.S32(0)
	}
	n, _ := f.Handle.Write(buf)
	return w.S32(int32(n))
}

func (s *Server) doSeek(r *Decoder, w *Encoder, state *session.RPCState) error {
	fd, err := r.S8()
	if err != nil {
		return err
	}
	offset, err := r.S32()
	if err != nil {
		return err
	}
	if f := state.Files.Get(fd); f != nil {
		f.Handle.Seek(int64(offset), 0)
		f.Buffered = nil
	}
	return w.S32(offset)
}

func (s *Server) doRemove(r *Decoder, w *Encoder) error {
	rel, err := r.Str()
	if err != nil {
		return err
	}
	if removeErr := os.Remove(s.Root.Join(rel)); removeErr != nil {
		return w.S32(errno(removeErr))
	}
	return w.S32(0)
}

func (s *Server) doRename(r *Decoder, w *Encoder) error {
	oldRel, err := r.Str()
	if err != nil {
		return err
	}
	newRel, err := r.Str()
	if err != nil {
		return err
	}
	if renameErr := os.Rename(s.Root.Join(oldRel), s.Root.Join(newRel)); renameErr != nil {
		return w.S32(errno(renameErr))
	}
	return w.S32(0)
}
