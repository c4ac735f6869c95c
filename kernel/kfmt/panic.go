package kfmt

import "github.com/kazzmir/yalnix/kernel"

var (
	// haltFn stops the machine after the panic banner is printed. It is
	// mocked by tests.
	haltFn = defaultHalt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}

	// ErrSystemHalted is the value the default halt function unwinds the
	// kernel with. The machine recovers it and stops.
	ErrSystemHalted = &kernel.Error{Module: "kfmt", Message: "system halted"}
)

func defaultHalt() {
	panic(ErrSystemHalted)
}

// SetHaltFunc overrides the function Panic calls after printing the banner.
// Passing nil restores the default, which unwinds the current trap with
// ErrSystemHalted.
func SetHaltFunc(fn func()) {
	if fn == nil {
		fn = defaultHalt
	}
	haltFn = fn
}

// Panic outputs the supplied error (if not nil) to the kernel log and halts
// the system.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	haltFn()
}
