package machine

import "encoding/binary"

// InstructionSize is the encoded size of one instruction.
const InstructionSize = 8

// Opcode selects the operation performed by an instruction.
type Opcode uint8

// The instruction set. Register operands are named A, B and C; Imm is a
// signed 32-bit immediate. Jump targets are absolute addresses.
const (
	OpIllegal     Opcode = iota // raises TrapIllegal
	OpNop                       // no operation
	OpLoadImm                   // A = Imm
	OpMove                      // A = B
	OpAdd                       // A = B + C
	OpAddImm                    // A = B + Imm
	OpSub                       // A = B - C
	OpMul                       // A = B * C
	OpDiv                       // A = B / C (signed), TrapMath when C == 0
	OpMod                       // A = B % C (signed), TrapMath when C == 0
	OpLoad                      // A = word at B + Imm
	OpStore                     // word at B + Imm = A
	OpLoadByte                  // A = byte at B + Imm
	OpStoreByte                 // byte at B + Imm = low byte of A
	OpPush                      // SP -= 4; word at SP = A
	OpPop                       // A = word at SP; SP += 4
	OpGetSP                     // A = SP
	OpAddSP                     // SP += Imm
	OpJump                      // PC = Imm
	OpJumpZero                  // if A == 0 then PC = Imm
	OpJumpNotZero               // if A != 0 then PC = Imm
	OpJumpLess                  // if A < B (signed) then PC = Imm
	OpCall                      // push return address, PC = Imm
	OpReturn                    // PC = popped word
	OpSyscall                   // raises TrapKernel with Code = Imm
	OpPause                     // idles until the next interrupt

	numOpcodes
)

// Instruction is a decoded instruction.
type Instruction struct {
	Op      Opcode
	A, B, C uint8
	Imm     int32
}

// Encode writes the instruction into dst, which must hold at least
// InstructionSize bytes.
func (in Instruction) Encode(dst []byte) {
	dst[0] = byte(in.Op)
	dst[1] = in.A
	dst[2] = in.B
	dst[3] = in.C
	binary.LittleEndian.PutUint32(dst[4:], uint32(in.Imm))
}

// DecodeInstruction decodes the first InstructionSize bytes of src.
func DecodeInstruction(src []byte) Instruction {
	return Instruction{
		Op:  Opcode(src[0]),
		A:   src[1],
		B:   src[2],
		C:   src[3],
		Imm: int32(binary.LittleEndian.Uint32(src[4:])),
	}
}

func (in Instruction) valid() bool {
	return in.Op != OpIllegal && in.Op < numOpcodes &&
		in.A < NumRegs && in.B < NumRegs && in.C < NumRegs
}

// fault describes a trap raised while executing one instruction.
type fault struct {
	class TrapClass
	addr  uint32
	code  int
}

// step executes the instruction at ctx.PC in user mode. A faulting
// instruction leaves ctx.PC unchanged so it is retried when the handler
// returns; a syscall advances ctx.PC before trapping.
func (m *Machine) step(ctx *UserContext) *fault {
	var raw [InstructionSize]byte
	if addr, ok := m.userRead(ctx.PC, raw[:], ProtExec); !ok {
		return &fault{class: TrapMemory, addr: addr}
	}

	in := DecodeInstruction(raw[:])
	if !in.valid() {
		return &fault{class: TrapIllegal}
	}

	var (
		r      = &ctx.Regs
		next   = ctx.PC + InstructionSize
		target = uint32(in.Imm)
		word   [4]byte
	)

	switch in.Op {
	case OpNop:
	case OpLoadImm:
		r[in.A] = uint32(in.Imm)
	case OpMove:
		r[in.A] = r[in.B]
	case OpAdd:
		r[in.A] = r[in.B] + r[in.C]
	case OpAddImm:
		r[in.A] = r[in.B] + uint32(in.Imm)
	case OpSub:
		r[in.A] = r[in.B] - r[in.C]
	case OpMul:
		r[in.A] = r[in.B] * r[in.C]
	case OpDiv, OpMod:
		if r[in.C] == 0 {
			return &fault{class: TrapMath}
		}
		b, c := int32(r[in.B]), int32(r[in.C])
		if in.Op == OpDiv {
			r[in.A] = uint32(b / c)
		} else {
			r[in.A] = uint32(b % c)
		}
	case OpLoad:
		addr := r[in.B] + uint32(in.Imm)
		if fa, ok := m.userRead(addr, word[:], ProtRead); !ok {
			return &fault{class: TrapMemory, addr: fa}
		}
		r[in.A] = binary.LittleEndian.Uint32(word[:])
	case OpStore:
		addr := r[in.B] + uint32(in.Imm)
		binary.LittleEndian.PutUint32(word[:], r[in.A])
		if fa, ok := m.userWrite(addr, word[:]); !ok {
			return &fault{class: TrapMemory, addr: fa}
		}
	case OpLoadByte:
		addr := r[in.B] + uint32(in.Imm)
		if fa, ok := m.userRead(addr, word[:1], ProtRead); !ok {
			return &fault{class: TrapMemory, addr: fa}
		}
		r[in.A] = uint32(word[0])
	case OpStoreByte:
		addr := r[in.B] + uint32(in.Imm)
		word[0] = byte(r[in.A])
		if fa, ok := m.userWrite(addr, word[:1]); !ok {
			return &fault{class: TrapMemory, addr: fa}
		}
	case OpPush:
		binary.LittleEndian.PutUint32(word[:], r[in.A])
		if fa, ok := m.userWrite(ctx.SP-4, word[:]); !ok {
			return &fault{class: TrapMemory, addr: fa}
		}
		ctx.SP -= 4
	case OpPop:
		if fa, ok := m.userRead(ctx.SP, word[:], ProtRead); !ok {
			return &fault{class: TrapMemory, addr: fa}
		}
		r[in.A] = binary.LittleEndian.Uint32(word[:])
		ctx.SP += 4
	case OpGetSP:
		r[in.A] = ctx.SP
	case OpAddSP:
		ctx.SP += uint32(in.Imm)
	case OpJump:
		next = target
	case OpJumpZero:
		if r[in.A] == 0 {
			next = target
		}
	case OpJumpNotZero:
		if r[in.A] != 0 {
			next = target
		}
	case OpJumpLess:
		if int32(r[in.A]) < int32(r[in.B]) {
			next = target
		}
	case OpCall:
		binary.LittleEndian.PutUint32(word[:], next)
		if fa, ok := m.userWrite(ctx.SP-4, word[:]); !ok {
			return &fault{class: TrapMemory, addr: fa}
		}
		ctx.SP -= 4
		next = target
	case OpReturn:
		if fa, ok := m.userRead(ctx.SP, word[:], ProtRead); !ok {
			return &fault{class: TrapMemory, addr: fa}
		}
		ctx.SP += 4
		next = binary.LittleEndian.Uint32(word[:])
	case OpSyscall:
		ctx.PC = next
		return &fault{class: TrapKernel, code: int(in.Imm)}
	case OpPause:
		ctx.PC = next
		m.pause()
		return nil
	}

	ctx.PC = next
	return nil
}
