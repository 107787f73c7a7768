// Command mpr drives a MicroPython-class device's raw REPL over a serial
// link: evaluate/execute code, run local scripts, mount a host directory
// onto the device's filesystem, or just connect and enter an interactive
// shell. Sequencing and signal handling mirror original_source/mpr.py's
// main(), translated to idiomatic Go (context cancellation instead of a
// bare KeyboardInterrupt catch, a structured exit-code switch instead of a
// chain of `return 1`s).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	goserial "github.com/daedaluz/goserial"
	"github.com/mattn/go-isatty"

	"github.com/robert-hh/mpr/internal/config"
	"github.com/robert-hh/mpr/internal/mount"
	"github.com/robert-hh/mpr/internal/replloop"
	"github.com/robert-hh/mpr/internal/runner"
	"github.com/robert-hh/mpr/internal/session"
	"github.com/robert-hh/mpr/internal/transport"
)

const defaultBaud = goserial.B115200

var errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	flag.CommandLine.Parse(argv)
	args := flag.CommandLine.Args()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	devArg := ""
	if len(args) > 0 {
		if _, ok := config.ResolveShortcut(args[0]); ok {
			devArg, args = args[0], args[1:]
		} else if args[0] == "connect" && len(args) > 1 {
			devArg, args = args[1], args[2:]
		}
	}

	listPorts := func() ([]string, error) {
		entries, err := os.ReadDir("/dev")
		if err != nil {
			return nil, err
		}
		var ports []string
		for _, e := range entries {
			name := e.Name()
			if strings.HasPrefix(name, "ttyACM") || strings.HasPrefix(name, "ttyUSB") {
				ports = append(ports, "/dev/"+name)
			}
		}
		return ports, nil
	}

	resolver := runner.New(nil, nil, nil, os.Stdout)
	resolver.ListPorts = listPorts
	dev, err := resolver.ResolveDevice(devArg)
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		return 1
	}

	link, err := transport.Open(dev, defaultBaud)
	if err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(fmt.Sprintf("mpr: could not open %s: %v", dev, err)))
		return 1
	}
	defer link.Close()

	sess := session.New(dev)
	mounter := mount.New(link)
	repl := mounter.REPL

	r := runner.New(repl, mounter, sess, os.Stdout)
	r.ListPorts = listPorts
	r.NewLoop = func() (*replloop.Loop, error) {
		if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
			return nil, &runner.UsageError{Msg: "repl: stdin is not a terminal"}
		}
		console, err := replloop.NewConsole()
		if err != nil {
			return nil, err
		}
		loop := replloop.New(console, link, repl, mounter, sess, os.Stdout)
		return loop, nil
	}

	runErr := r.Run(ctx, args)
	if mounter.UnmountOnExit {
		if err := mounter.Unmount(ctx, sess); err != nil && runErr == nil {
			runErr = err
		}
	}
	if runErr != nil {
		return exitCodeFor(runErr)
	}
	return 0
}

// exitCodeFor mirrors spec.md §7's exit-code table: 0 on success, 1 for a
// transport failure, a raw-mode protocol error, a usage error, or a
// device-side exception, surfaced here rather than by the caller switching
// on error kind at every call site.
func exitCodeFor(err error) int {
	if errors.Is(err, context.Canceled) {
		return 1
	}
	fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
	return 1
}
