// Package session holds the data model shared across the mpr packages: the
// state of one device connection, its open files, and its active directory
// iterator.
package session

import (
	"bufio"
	"fmt"
	"sync"
)

// Mode is the device's current execution mode.
type Mode int

const (
	// ModeNormal is the friendly, line-editing REPL.
	ModeNormal Mode = iota
	// ModeRaw is the raw REPL, entered with Ctrl-A, used to push code buffers.
	ModeRaw
)

func (m Mode) String() string {
	switch m {
	case ModeRaw:
		return "raw"
	default:
		return "normal"
	}
}

// MountState describes whether a local directory is currently proxied onto
// the device's /remote.
type MountState struct {
	Mounted bool
	// HostRoot is the absolute host directory served as /remote.
	HostRoot string
	// SecondPort, if non-empty, names a secondary serial port used for the
	// RPC channel instead of the primary REPL port.
	SecondPort string
}

// MountRoot is the absolute host directory path serving as /remote on the
// device. Immutable for the lifetime of a mount session.
type MountRoot string

// Join concatenates root and the client-relative path exactly as mpr.py's
// PyboardCommand does (root + "/" + path); no traversal check is performed,
// a documented limitation rather than an oversight.
func (r MountRoot) Join(relative string) string {
	return string(r) + "/" + relative
}

// OpenFile is a host-side file opened on behalf of the device.
type OpenFile struct {
	// Name is the path passed to the wire OPEN, kept for diagnostics.
	Name string
	// IsText marks a mode string opened without 'b': READ's requested
	// length then counts decoded runes, not raw bytes, matching Python's
	// text-mode f.read(n).
	IsText bool
	Handle interface {
		Read([]byte) (int, error)
		Write([]byte) (int, error)
		Seek(int64, int) (int64, error)
		Close() error
	}
	// Buffered wraps Handle lazily so successive reads (rune-at-a-time in
	// text mode, or an EOF drain) never lose look-ahead bytes between
	// CmdRead calls on the same descriptor.
	Buffered *bufio.Reader
}

// DirIter is the host-side state of an in-progress directory listing.
// Exactly one is ever active per session; starting a new one discards
// whatever was in progress.
type DirIter struct {
	Base    string
	Entries []string
}

// Next pops the next entry name, or "" when exhausted.
func (d *DirIter) Next() string {
	if d == nil || len(d.Entries) == 0 {
		return ""
	}
	name := d.Entries[0]
	d.Entries = d.Entries[1:]
	return name
}

// FileTable is the per-session table of open files, keyed by the 8-bit
// descriptor the wire protocol uses. Slot reuse policy: the lowest vacated
// slot is filled before the table is extended (mirrors CPython-style fd
// reuse that mpr.py's do_open relies on via data_files.index(None)).
type FileTable struct {
	mu    sync.Mutex
	files []*OpenFile
}

// Alloc inserts f into the lowest free slot and returns its descriptor.
// Descriptors are stable for the lifetime of the open file: once assigned,
// a slot is never reused while its file is still open.
func (t *FileTable) Alloc(f *OpenFile) (int8, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, slot := range t.files {
		if slot == nil {
			if i > 127 {
				return 0, fmt.Errorf("session: descriptor table exhausted")
			}
			t.files[i] = f
			return int8(i), nil
		}
	}
	if len(t.files) > 127 {
		return 0, fmt.Errorf("session: descriptor table exhausted")
	}
	t.files = append(t.files, f)
	return int8(len(t.files) - 1), nil
}

// Get returns the file at fd, or nil if it isn't open.
func (t *FileTable) Get(fd int8) *OpenFile {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || int(fd) >= len(t.files) {
		return nil
	}
	return t.files[fd]
}

// Free vacates fd so a future Alloc may reuse the slot.
func (t *FileTable) Free(fd int8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd >= 0 && int(fd) < len(t.files) {
		t.files[fd] = nil
	}
}

// RPCState is the per-session state the RPC server mutates: the open-file
// table and the single active directory iterator.
type RPCState struct {
	Files FileTable
	Dir   *DirIter
}

// Session is the stateful relationship with one device over one serial
// port. At most one exists per process.
type Session struct {
	Device string
	Mode   Mode
	Mount  MountState
	RPC    RPCState
}

// New returns a freshly connected session in normal mode, unmounted.
func New(device string) *Session {
	return &Session{Device: device, Mode: ModeNormal}
}
