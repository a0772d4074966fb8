// Package early provides the console output path used by kernel.Panic and
// by subsystems that need to emit text before (or regardless of) whatever
// structured logger is configured. The teacher's version of this package
// wrote directly to hal.ActiveTerminal with a hand-rolled, allocation-free
// formatter because the freestanding kernel had no heap at the point it
// runs. This module is hosted, so Printf is a thin wrapper around fmt.Fprintf
// — the constraint that justified the hand-rolled formatter doesn't apply —
// but the package keeps the teacher's shape: a package-level output sink
// that callers redirect (tests point it at a buffer) instead of Printf taking
// a writer argument.
package early

import (
	"fmt"
	"io"
	"os"
)

// Output is where Printf writes. Defaults to os.Stderr so a hosted process
// has somewhere sane to print before anything else is wired up. Only tests
// redirect it (via SetOutput); cmd/tilckctl leaves it on os.Stderr.
var Output io.Writer = os.Stderr

// SetOutput redirects Printf's output, mirroring the teacher's
// hal.ActiveTerminal.AttachTo hook used by tests to capture panic output.
func SetOutput(w io.Writer) {
	Output = w
}

// Printf formats according to a format specifier and writes to Output.
func Printf(format string, args ...interface{}) {
	fmt.Fprintf(Output, format, args...)
}
