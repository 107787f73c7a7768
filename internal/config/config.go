// Package config holds the ambient, non-wire-exposed data a CommandRunner
// needs: the device shortcut table and the command alias table (both
// compiled in), and timeout overrides loaded from .env and the environment.
// The loader is grounded on the .env/env-override/lazily-memoized-singleton
// pattern of guiperry-HASHER's config loader (see DESIGN.md), repurposed
// from DEVICE_IP/DEVICE_PASSWORD to this tool's domain.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Alias is a command alias expansion: a sequence of argv tokens, matching
// original_source/mpr.py's command_aliases table where a value is either a
// str (split on whitespace) or a list.
type Alias []string

// DeviceShortcuts maps terse identifiers to platform-specific serial device
// paths, verbatim from original_source/mpr.py's device_shortcuts. Not
// wire-exposed; consulted only by CommandRunner's port resolution.
var DeviceShortcuts = map[string]string{
	"a0": "/dev/ttyACM0",
	"a1": "/dev/ttyACM1",
	"a2": "/dev/ttyACM2",
	"u0": "/dev/ttyUSB0",
	"u1": "/dev/ttyUSB1",
	"u2": "/dev/ttyUSB2",
	"u3": "/dev/ttyUSB3",
	"c3": "COM3",
	"c4": "COM4",
	"c5": "COM5",
	"c6": "COM6",
}

// CommandAliases maps a leading argv token to the command sequence it
// expands to, verbatim from original_source/mpr.py's command_aliases,
// including the two multi-command aliases bl and setrtc.
var CommandAliases = map[string]Alias{
	"r":      {"repl"},
	"ls":     {"fs", "ls"},
	"cp":     {"fs", "cp"},
	"rm":     {"fs", "rm"},
	"mkdir":  {"fs", "mkdir"},
	"cat":    {"fs", "cat"},
	"bl":     {"exec", "import machine; machine.Timer(period=1000, callback=lambda t: machine.bootloader())"},
	"setrtc": {"exec", "import machine; machine.RTC().datetime((2020, 1, 1, 0, 10, 0, 0, 0))"},
}

// Timeouts holds the Connect and Exec timeout values LoadTimeouts reads.
// CommandRunner and RawRepl do not consult them; their reads are bounded
// only by the context each caller passes.
type Timeouts struct {
	Connect time.Duration
	Exec    time.Duration
}

func defaultTimeouts() Timeouts {
	return Timeouts{Connect: 5 * time.Second, Exec: 0}
}

var (
	timeouts      Timeouts
	timeoutsReady bool
)

// LoadTimeouts loads Connect/Exec timeout overrides from a project-root
// .env file and the environment, memoized after the first call.
func LoadTimeouts() Timeouts {
	if timeoutsReady {
		return timeouts
	}

	t := defaultTimeouts()

	root := findProjectRoot()
	data, err := os.ReadFile(filepath.Join(root, ".env"))
	if err == nil {
		parseEnvFile(string(data), &t)
	}

	if v := os.Getenv("MPR_CONNECT_TIMEOUT_MS"); v != "" {
		if d, ok := parseMillis(v); ok {
			t.Connect = d
		}
	}
	if v := os.Getenv("MPR_EXEC_TIMEOUT_MS"); v != "" {
		if d, ok := parseMillis(v); ok {
			t.Exec = d
		}
	}

	timeouts = t
	timeoutsReady = true
	return timeouts
}

func parseEnvFile(content string, t *Timeouts) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		switch key {
		case "MPR_CONNECT_TIMEOUT_MS":
			if d, ok := parseMillis(value); ok {
				t.Connect = d
			}
		case "MPR_EXEC_TIMEOUT_MS":
			if d, ok := parseMillis(value); ok {
				t.Exec = d
			}
		}
	}
}

func parseMillis(s string) (time.Duration, bool) {
	ms := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		ms = ms*10 + int(c-'0')
	}
	return time.Duration(ms) * time.Millisecond, true
}

func findProjectRoot() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return cwd
	}
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return cwd
		}
		cwd = parent
	}
}

// ExpandAlias returns the expansion for name and true if name is a known
// alias, or (nil, false) otherwise. Expansion happens exactly once before
// CommandRunner dispatch, per spec.md §4.H.
func ExpandAlias(name string) (Alias, bool) {
	a, ok := CommandAliases[name]
	return a, ok
}

// ResolveShortcut returns the device path a shortcut identifier maps to, or
// ("", false) if name isn't a known shortcut.
func ResolveShortcut(name string) (string, bool) {
	p, ok := DeviceShortcuts[name]
	return p, ok
}
