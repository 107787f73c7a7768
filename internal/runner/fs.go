package runner

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/robert-hh/mpr/internal/rawrepl"
)

// dispatchFs executes one of the fs subcommand verbs (ls/cat/cp/rm/mkdir),
// each a short device-side program run via RawRepl.Exec rather than going
// through the mount's file RPC, which is reserved for transparent access
// from a running device program (original_source/mpr.py's division of
// labor between "fs" commands and the mounted filesystem).
func dispatchFs(ctx context.Context, repl *rawrepl.REPL, out io.Writer, args []string) error {
	if len(args) == 0 {
		return &UsageError{Msg: "fs needs a subcommand"}
	}
	verb, args := args[0], args[1:]
	switch verb {
	case "ls":
		path := "."
		if len(args) > 0 {
			path = args[0]
		}
		return fsLs(ctx, repl, out, path)
	case "cat":
		if len(args) < 1 {
			return &UsageError{Msg: "fs cat needs a path"}
		}
		return fsCat(ctx, repl, out, args[0])
	case "rm":
		if len(args) < 1 {
			return &UsageError{Msg: "fs rm needs a path"}
		}
		return fsRemove(ctx, repl, args[0])
	case "mkdir":
		if len(args) < 1 {
			return &UsageError{Msg: "fs mkdir needs a path"}
		}
		return fsMkdir(ctx, repl, args[0])
	case "cp":
		if len(args) < 2 {
			return &UsageError{Msg: "fs cp needs a source and destination"}
		}
		return fsCopy(ctx, repl, args[0], args[1])
	default:
		return &UsageError{Msg: fmt.Sprintf("fs: '%s' is not a command", verb)}
	}
}

func fsLs(ctx context.Context, repl *rawrepl.REPL, out io.Writer, path string) error {
	code := fmt.Sprintf("import os\nfor name in os.listdir(%q):\n print(name)\n", path)
	return repl.Exec(ctx, []byte(code), out)
}

func fsCat(ctx context.Context, repl *rawrepl.REPL, out io.Writer, path string) error {
	code := fmt.Sprintf("with open(%q) as f:\n print(f.read(), end='')\n", path)
	return repl.Exec(ctx, []byte(code), out)
}

func fsRemove(ctx context.Context, repl *rawrepl.REPL, path string) error {
	code := fmt.Sprintf("import os\nos.remove(%q)\n", path)
	return repl.Exec(ctx, []byte(code), nil)
}

func fsMkdir(ctx context.Context, repl *rawrepl.REPL, path string) error {
	code := fmt.Sprintf("import os\nos.mkdir(%q)\n", path)
	return repl.Exec(ctx, []byte(code), nil)
}

// fsCopy copies between host and device filesystems. A leading ":" on
// either path selects the device side, the mpremote/rshell convention. File
// content crosses the wire hex-encoded so an embedded 0x04 byte — the
// raw-mode end-of-transmission sentinel — never gets mistaken for one.
func fsCopy(ctx context.Context, repl *rawrepl.REPL, src, dst string) error {
	srcDevice := strings.HasPrefix(src, ":")
	dstDevice := strings.HasPrefix(dst, ":")
	switch {
	case !srcDevice && dstDevice:
		data, err := os.ReadFile(src)
		if err != nil {
			return &UsageError{Msg: fmt.Sprintf("could not read file '%s'", src)}
		}
		code := fmt.Sprintf(
			"import ubinascii\nwith open(%q, 'wb') as f:\n f.write(ubinascii.unhexlify(%q))\n",
			strings.TrimPrefix(dst, ":"), hex.EncodeToString(data),
		)
		return repl.Exec(ctx, []byte(code), nil)
	case srcDevice && !dstDevice:
		code := fmt.Sprintf(
			"import ubinascii\nwith open(%q, 'rb') as f:\n print(ubinascii.hexlify(f.read()).decode())\n",
			strings.TrimPrefix(src, ":"),
		)
		var buf bytes.Buffer
		if err := repl.Exec(ctx, []byte(code), &buf); err != nil {
			return err
		}
		data, err := hex.DecodeString(strings.TrimSpace(buf.String()))
		if err != nil {
			return fmt.Errorf("fs cp: decoding device reply: %w", err)
		}
		return os.WriteFile(strings.TrimPrefix(dst, ":"), data, 0o644)
	default:
		return &UsageError{Msg: "fs cp requires exactly one of source/destination to be device-side (\":path\")"}
	}
}
