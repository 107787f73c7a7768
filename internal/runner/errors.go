package runner

import "fmt"

// UsageError marks a malformed command line: an unknown command, a missing
// required argument, or an unreadable local file — the distinct error kind
// spec.md §7 lists alongside Transport/Protocol/RemoteException/HostFs.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return fmt.Sprintf("mpr: %s", e.Msg) }

// UserInterrupt marks a Ctrl-C delivered while a blocking device call was in
// flight (spec.md §7's UserInterrupt kind).
type UserInterrupt struct{}

func (e *UserInterrupt) Error() string { return "mpr: interrupted" }
