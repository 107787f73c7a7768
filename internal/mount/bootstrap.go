// Package mount implements the device-side bootstrap and the host-side
// mount/unmount/soft-reset-with-remount sequences that put a device's
// /remote in front of a host directory. Grounded on
// original_source/mpr.py's fs_hook_code and __mount (see DESIGN.md).
package mount

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"github.com/robert-hh/mpr/internal/rpc"
)

//go:embed assets/bootstrap.py
var bootstrapSource string

// commandNames lists the CMD_* identifiers fs_hook_code references, in the
// order the original source substitutes them.
var commandNames = []struct {
	name string
	id   rpc.Command
}{
	{"CMD_STAT", rpc.CmdStat},
	{"CMD_ILISTDIR_START", rpc.CmdIListdirStart},
	{"CMD_ILISTDIR_NEXT", rpc.CmdIListdirNext},
	{"CMD_OPEN", rpc.CmdOpen},
	{"CMD_CLOSE", rpc.CmdClose},
	{"CMD_READ", rpc.CmdRead},
	{"CMD_WRITE", rpc.CmdWrite},
	{"CMD_SEEK", rpc.CmdSeek},
	{"CMD_REMOVE", rpc.CmdRemove},
	{"CMD_RENAME", rpc.CmdRename},
}

var (
	commentRE  = regexp.MustCompile(`(?m) *#.*$`)
	blankLines = regexp.MustCompile(`\n\n+`)
)

// Compress applies the five deterministic transforms spec.md §4.F names, in
// order, to the embedded bootstrap source: inline command ids, strip
// comments, collapse blank lines, shorten four-space indent to one space,
// and rename the rd_/wr_/buf4 identifiers. The result is what's pushed to
// the device. bootstrap_test.go checks each transform's effect on the
// output (no CMD_ names, comments, blank-line runs or rd_/wr_/buf4 left,
// one space per indent level, the entry points still present).
func Compress() string {
	src := bootstrapSource
	for _, c := range commandNames {
		src = strings.ReplaceAll(src, c.name, fmt.Sprintf("%d", c.id))
	}
	src = commentRE.ReplaceAllString(src, "")
	src = blankLines.ReplaceAllString(src, "\n")
	src = strings.ReplaceAll(src, "    ", " ")
	src = strings.ReplaceAll(src, "rd_", "r")
	src = strings.ReplaceAll(src, "wr_", "w")
	src = strings.ReplaceAll(src, "buf4", "b4")
	return src
}
