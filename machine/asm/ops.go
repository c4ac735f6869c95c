package asm

import (
	"github.com/kazzmir/yalnix/abi"
	"github.com/kazzmir/yalnix/machine"
)

// Reg names a general purpose register.
type Reg uint8

// The CPU registers. R0..R3 carry syscall arguments and R0 the result.
const (
	R0 Reg = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
)

func op(o machine.Opcode, a, b, c Reg, imm int32) machine.Instruction {
	return machine.Instruction{Op: o, A: uint8(a), B: uint8(b), C: uint8(c), Imm: imm}
}

// Nop emits a no-op.
func (p *Program) Nop() *Program { return p.Emit(op(machine.OpNop, 0, 0, 0, 0)) }

// LoadImm sets a to v.
func (p *Program) LoadImm(a Reg, v int32) *Program {
	return p.Emit(op(machine.OpLoadImm, a, 0, 0, v))
}

// LoadAddr sets a to the address of label.
func (p *Program) LoadAddr(a Reg, label string) *Program {
	return p.emitRef(op(machine.OpLoadImm, a, 0, 0, 0), label)
}

// Move sets a to b.
func (p *Program) Move(a, b Reg) *Program { return p.Emit(op(machine.OpMove, a, b, 0, 0)) }

// Add sets a to b + c.
func (p *Program) Add(a, b, c Reg) *Program { return p.Emit(op(machine.OpAdd, a, b, c, 0)) }

// AddImm sets a to b + v.
func (p *Program) AddImm(a, b Reg, v int32) *Program {
	return p.Emit(op(machine.OpAddImm, a, b, 0, v))
}

// Sub sets a to b - c.
func (p *Program) Sub(a, b, c Reg) *Program { return p.Emit(op(machine.OpSub, a, b, c, 0)) }

// Mul sets a to b * c.
func (p *Program) Mul(a, b, c Reg) *Program { return p.Emit(op(machine.OpMul, a, b, c, 0)) }

// Div sets a to b / c.
func (p *Program) Div(a, b, c Reg) *Program { return p.Emit(op(machine.OpDiv, a, b, c, 0)) }

// Mod sets a to b % c.
func (p *Program) Mod(a, b, c Reg) *Program { return p.Emit(op(machine.OpMod, a, b, c, 0)) }

// Load sets a to the word at b + off.
func (p *Program) Load(a, b Reg, off int32) *Program {
	return p.Emit(op(machine.OpLoad, a, b, 0, off))
}

// Store writes a to the word at b + off.
func (p *Program) Store(a, b Reg, off int32) *Program {
	return p.Emit(op(machine.OpStore, a, b, 0, off))
}

// LoadByte sets a to the byte at b + off.
func (p *Program) LoadByte(a, b Reg, off int32) *Program {
	return p.Emit(op(machine.OpLoadByte, a, b, 0, off))
}

// StoreByte writes the low byte of a to b + off.
func (p *Program) StoreByte(a, b Reg, off int32) *Program {
	return p.Emit(op(machine.OpStoreByte, a, b, 0, off))
}

// Push pushes a onto the stack.
func (p *Program) Push(a Reg) *Program { return p.Emit(op(machine.OpPush, a, 0, 0, 0)) }

// Pop pops the top of the stack into a.
func (p *Program) Pop(a Reg) *Program { return p.Emit(op(machine.OpPop, a, 0, 0, 0)) }

// GetSP copies the stack pointer into a.
func (p *Program) GetSP(a Reg) *Program { return p.Emit(op(machine.OpGetSP, a, 0, 0, 0)) }

// AddSP adjusts the stack pointer by v bytes.
func (p *Program) AddSP(v int32) *Program { return p.Emit(op(machine.OpAddSP, 0, 0, 0, v)) }

// Jump continues execution at label.
func (p *Program) Jump(label string) *Program {
	return p.emitRef(op(machine.OpJump, 0, 0, 0, 0), label)
}

// JumpZero jumps to label when a is zero.
func (p *Program) JumpZero(a Reg, label string) *Program {
	return p.emitRef(op(machine.OpJumpZero, a, 0, 0, 0), label)
}

// JumpNotZero jumps to label when a is not zero.
func (p *Program) JumpNotZero(a Reg, label string) *Program {
	return p.emitRef(op(machine.OpJumpNotZero, a, 0, 0, 0), label)
}

// JumpLess jumps to label when a < b as signed integers.
func (p *Program) JumpLess(a, b Reg, label string) *Program {
	return p.emitRef(op(machine.OpJumpLess, a, b, 0, 0), label)
}

// Call pushes the return address and jumps to label.
func (p *Program) Call(label string) *Program {
	return p.emitRef(op(machine.OpCall, 0, 0, 0, 0), label)
}

// Return pops the return address and jumps to it.
func (p *Program) Return() *Program { return p.Emit(op(machine.OpReturn, 0, 0, 0, 0)) }

// Sys traps into the kernel requesting syscall n.
func (p *Program) Sys(n abi.Syscall) *Program {
	return p.Emit(op(machine.OpSyscall, 0, 0, 0, int32(n)))
}

// Pause idles the CPU until the next interrupt.
func (p *Program) Pause() *Program { return p.Emit(op(machine.OpPause, 0, 0, 0, 0)) }

// Illegal emits an instruction that raises TrapIllegal.
func (p *Program) Illegal() *Program { return p.Emit(op(machine.OpIllegal, 0, 0, 0, 0)) }
