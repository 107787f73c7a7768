// Package rpc implements the in-band filesystem RPC channel: the ten
// commands a mounted device uses to read and write files on the host,
// multiplexed onto the same serial stream RawRepl uses. Grounded on
// original_source/mpr.py's PyboardCommand (see DESIGN.md) and on the
// goridge/mongoose-os examples for the little-endian framed-codec texture.
package rpc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Command identifies one of the ten wire operations. Values match
// mpr.py's fs_hook_cmds exactly; they are baked into the bootstrap asset
// internal/mount embeds, so they must never be renumbered.
type Command byte

const (
	CmdStat           Command = 1
	CmdIListdirStart  Command = 2
	CmdIListdirNext   Command = 3
	CmdOpen           Command = 4
	CmdClose          Command = 5
	CmdRead           Command = 6
	CmdWrite          Command = 7
	CmdSeek           Command = 8
	CmdRemove         Command = 9
	CmdRename         Command = 10
)

// Decoder reads the little-endian primitives the wire format uses.
type Decoder struct {
	r io.Reader
}

// NewDecoder wraps r.
func NewDecoder(r io.Reader) *Decoder { return &Decoder{r: r} }

// S8 reads a signed byte.
func (d *Decoder) S8() (int8, error) {
	var b [1]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		return 0, fmt.Errorf("rpc: decode s8: %w", err)
	}
	return int8(b[0]), nil
}

// S32 reads a little-endian signed 32-bit integer.
func (d *Decoder) S32() (int32, error) {
	var b [4]byte
	if _, err := io.ReadFull(d.r, b[:]); err != nil {
		return 0, fmt.Errorf("rpc: decode s32: %w", err)
	}
	return int32(binary.LittleEndian.Uint32(b[:])), nil
}

// Bytes reads an s32-length-prefixed byte string.
func (d *Decoder) Bytes() ([]byte, error) {
	n, err := d.S32()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, fmt.Errorf("rpc: decode bytes: %w", err)
	}
	return buf, nil
}

// Str reads an s32-length-prefixed UTF-8 string.
func (d *Decoder) Str() (string, error) {
	b, err := d.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Encoder writes the little-endian primitives the wire format uses.
type Encoder struct {
	w io.Writer
}

// NewEncoder wraps w.
func NewEncoder(w io.Writer) *Encoder { return &Encoder{w: w} }

// S8 writes a signed byte.
func (e *Encoder) S8(i int8) error {
	_, err := e.w.Write([]byte{byte(i)})
	if err != nil {
		return fmt.Errorf("rpc: encode s8: %w", err)
	}
	return nil
}

// S32 writes a little-endian signed 32-bit integer.
func (e *Encoder) S32(i int32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(i))
	if _, err := e.w.Write(b[:]); err != nil {
		return fmt.Errorf("rpc: encode s32: %w", err)
	}
	return nil
}

// U32 writes a little-endian unsigned 32-bit integer.
func (e *Encoder) U32(i uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], i)
	if _, err := e.w.Write(b[:]); err != nil {
		return fmt.Errorf("rpc: encode u32: %w", err)
	}
	return nil
}

// Bytes writes an s32-length-prefixed byte string.
func (e *Encoder) Bytes(b []byte) error {
	if err := e.S32(int32(len(b))); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	if _, err := e.w.Write(b); err != nil {
		return fmt.Errorf("rpc: encode bytes: %w", err)
	}
	return nil
}

// Str writes an s32-length-prefixed UTF-8 string.
func (e *Encoder) Str(s string) error {
	return e.Bytes([]byte(s))
}
