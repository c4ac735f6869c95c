package machine

import "fmt"

// TrapClass identifies the cause of a trap. It doubles as the index of the
// handler in the trap vector.
type TrapClass uint8

// The trap classes raised by the machine.
const (
	TrapKernel TrapClass = iota
	TrapClock
	TrapIllegal
	TrapMemory
	TrapMath
	TrapTTYReceive
	TrapTTYTransmit
	TrapDisk

	// NumTrapClasses is the size of the trap vector.
	NumTrapClasses
)

var trapNames = [NumTrapClasses]string{
	TrapKernel:      "kernel",
	TrapClock:       "clock",
	TrapIllegal:     "illegal",
	TrapMemory:      "memory",
	TrapMath:        "math",
	TrapTTYReceive:  "tty-receive",
	TrapTTYTransmit: "tty-transmit",
	TrapDisk:        "disk",
}

// String implements fmt.Stringer for TrapClass.
func (c TrapClass) String() string {
	if c < NumTrapClasses {
		return trapNames[c]
	}
	return "unknown"
}

// NumRegs is the number of general purpose registers.
const NumRegs = 8

// UserContext is the snapshot of user-mode state the machine hands to a trap
// handler. Any modification made by the handler is loaded back into the CPU
// when the handler returns.
type UserContext struct {
	// Vector is the class of the trap being delivered.
	Vector TrapClass

	// Code carries the syscall number for TrapKernel and the terminal
	// number for the terminal traps.
	Code int

	// Addr is the faulting virtual address for TrapMemory.
	Addr uint32

	PC uint32
	SP uint32

	Regs [NumRegs]uint32
}

// Arg returns register i interpreted as a signed syscall argument.
func (ctx *UserContext) Arg(i int) int {
	return int(int32(ctx.Regs[i]))
}

// SetReturn stores a syscall result in R0.
func (ctx *UserContext) SetReturn(v int) {
	ctx.Regs[0] = uint32(int32(v))
}

// String renders a one-line register dump.
func (ctx *UserContext) String() string {
	return fmt.Sprintf("pc=%#x sp=%#x r0=%#x r1=%#x r2=%#x r3=%#x", ctx.PC, ctx.SP, ctx.Regs[0], ctx.Regs[1], ctx.Regs[2], ctx.Regs[3])
}

// TrapHandler services one trap class.
type TrapHandler func(*UserContext)

// TrapVector is the table the machine consults when raising a trap.
type TrapVector [NumTrapClasses]TrapHandler
