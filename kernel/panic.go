// Package kernel holds the handful of facilities every subsystem in this
// module depends on regardless of which component it belongs to: the panic
// path and the process-wide logger facade.
package kernel

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/tilck-go/tilck/kernel/errors"
	"github.com/tilck-go/tilck/kernel/kfmt/early"
)

var (
	// haltFn is mocked by tests and is automatically inlined by the
	// compiler, mirroring the teacher's cpuHaltFn indirection.
	haltFn = osExit

	// Log is the root structured logger. Subsystems derive a sub-logger
	// from it via Log.WithField("subsystem", ...) rather than
	// constructing their own, so every log line shares one formatter and
	// output stream.
	Log = logrus.New()

	errRuntimePanic = &errors.Errno{Num: -1, Message: "unknown cause"}
)

func osExit() { os.Exit(1) }

// Panic outputs the supplied error (if not nil) to the console and halts.
// Calls to Panic never return (haltFn always terminates the process in a
// hosted build; tests override it to merely record the call).
func Panic(e interface{}) {
	var err *errors.Errno

	switch t := e.(type) {
	case *errors.Errno:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	early.Printf("\n-----------------------------------\n")
	if err != nil {
		early.Printf("unrecoverable error: %s\n", err.Message)
		Log.WithField("errno", err.Num).Error(err.Message)
	}
	early.Printf("*** kernel panic: system halted ***")
	early.Printf("\n-----------------------------------\n")

	haltFn()
}
