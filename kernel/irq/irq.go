// Package irq builds and installs the trap vector table.
package irq

import (
	"github.com/kazzmir/yalnix/kernel"
	"github.com/kazzmir/yalnix/kernel/hal"
	"github.com/kazzmir/yalnix/kernel/kfmt"
	"github.com/kazzmir/yalnix/machine"
)

var (
	errMissingHandler = &kernel.Error{Module: "irq", Message: "trap class without handler"}
	errTrapSetup      = &kernel.Error{Module: "irq", Message: "trap vector not accepted by the machine"}
)

// Table collects the handler for every trap class before it is installed.
type Table struct {
	vector machine.TrapVector
}

// Handle registers h as the handler for trap class c.
func (t *Table) Handle(c machine.TrapClass, h machine.TrapHandler) {
	t.vector[c] = h
}

// HandleAll registers h for every trap class.
func (t *Table) HandleAll(h machine.TrapHandler) {
	for c := range t.vector {
		t.vector[c] = h
	}
}

// Install loads the table into the machine. Every trap class must have a
// handler; after loading, the machine's vector register is read back to make
// sure the table is the one in effect.
func Install(hw hal.Machine, t *Table) *kernel.Error {
	for c, h := range t.vector {
		if h == nil {
			kfmt.Printf("[irq] no handler for %s trap\n", machine.TrapClass(c))
			return errMissingHandler
		}
	}

	hw.SetTrapVector(&t.vector)
	if hw.TrapVector() != &t.vector {
		return errTrapSetup
	}

	return nil
}

// DumpContext outputs the user context captured by a trap to the kernel log.
func DumpContext(ctx *machine.UserContext) {
	kfmt.Printf("trap = %s code = %d addr = %#x\n", ctx.Vector, ctx.Code, ctx.Addr)
	kfmt.Printf("PC = %#010x SP = %#010x\n", ctx.PC, ctx.SP)
	kfmt.Printf("R0 = %#010x R1 = %#010x R2 = %#010x R3 = %#010x\n", ctx.Regs[0], ctx.Regs[1], ctx.Regs[2], ctx.Regs[3])
	kfmt.Printf("R4 = %#010x R5 = %#010x R6 = %#010x R7 = %#010x\n", ctx.Regs[4], ctx.Regs[5], ctx.Regs[6], ctx.Regs[7])
}
