package trap

import (
	"encoding/binary"

	"github.com/kazzmir/yalnix/abi"
	"github.com/kazzmir/yalnix/kernel"
	"github.com/kazzmir/yalnix/kernel/kfmt"
	"github.com/kazzmir/yalnix/kernel/loader"
	"github.com/kazzmir/yalnix/kernel/mm/vmm"
	"github.com/kazzmir/yalnix/kernel/proc"
	"github.com/kazzmir/yalnix/kernel/sched"
	"github.com/kazzmir/yalnix/machine"
)

const (
	// maxPathLen bounds the program name passed to exec.
	maxPathLen = 255

	// maxArgs and maxArgLen bound the argument vector passed to exec.
	maxArgs   = 64
	maxArgLen = 255
)

var errTooManyArgs = &kernel.Error{Module: "trap", Message: "too many exec arguments"}

type syscallHandler func(d *Dispatcher, cur *proc.Process, ctx *machine.UserContext)

var syscalls = [...]syscallHandler{
	abi.SysFork:        (*Dispatcher).sysFork,
	abi.SysExec:        (*Dispatcher).sysExec,
	abi.SysExit:        (*Dispatcher).sysExit,
	abi.SysWait:        (*Dispatcher).sysWait,
	abi.SysDelay:       (*Dispatcher).sysDelay,
	abi.SysGetPid:      (*Dispatcher).sysGetPid,
	abi.SysBrk:         (*Dispatcher).sysBrk,
	abi.SysReadSector:  (*Dispatcher).sysReadSector,
	abi.SysWriteSector: (*Dispatcher).sysWriteSector,
	abi.SysSend:        (*Dispatcher).sysSend,
	abi.SysReceive:     (*Dispatcher).sysReceive,
	abi.SysReceiveFrom: (*Dispatcher).sysReceiveFrom,
	abi.SysReply:       (*Dispatcher).sysReply,
	abi.SysRegister:    (*Dispatcher).sysRegister,
	abi.SysCopyFrom:    (*Dispatcher).sysCopyFrom,
	abi.SysCopyTo:      (*Dispatcher).sysCopyTo,
	abi.SysTtyRead:     (*Dispatcher).sysTtyRead,
	abi.SysTtyWrite:    (*Dispatcher).sysTtyWrite,
}

// syscall decodes the request in ctx and runs its handler. Arguments are in
// R0..R3 and the result goes back in R0.
func (d *Dispatcher) syscall(ctx *machine.UserContext) {
	cur := d.sched.Current()
	call := abi.Syscall(ctx.Code)

	if call <= 0 || int(call) >= len(syscalls) || syscalls[call] == nil {
		kfmt.Printf("[trap] pid %d: unknown syscall %d\n", cur.ID, ctx.Code)
		ctx.SetReturn(abi.Error)
		return
	}

	kfmt.Tracef(4, "[trap] pid %d: %s(%#x, %#x, %#x, %#x)\n", cur.ID, call, ctx.Regs[0], ctx.Regs[1], ctx.Regs[2], ctx.Regs[3])
	syscalls[call](d, cur, ctx)
}

func (d *Dispatcher) scratch() *vmm.Scratch {
	return &d.kspace.Scratch
}

func (d *Dispatcher) sysFork(cur *proc.Process, ctx *machine.UserContext) {
	cur.User = *ctx

	child, err := d.procs.Fork(cur)
	if err != nil {
		kfmt.Tracef(1, "[trap] fork of pid %d failed: %s\n", cur.ID, err.Message)
		ctx.SetReturn(abi.Error)
		return
	}

	child.User.SetReturn(0)
	ctx.SetReturn(child.ID)
	d.sched.Admit(child)
}

func (d *Dispatcher) sysExec(cur *proc.Process, ctx *machine.UserContext) {
	name, args, err := d.execArgs(cur, ctx.Regs[0], ctx.Regs[1])
	if err != nil {
		ctx.SetReturn(abi.Error)
		return
	}

	switch err = d.loader.Load(cur, name, args); err {
	case nil:
		*ctx = cur.User
	case loader.ErrInvalidProgram, loader.ErrAborted:
		kfmt.Printf("[trap] pid %d: exec %s: %s\n", cur.ID, name, err.Message)
		d.terminate(ctx, abi.Error)
	default:
		kfmt.Tracef(1, "[trap] pid %d: exec %s: %s\n", cur.ID, name, err.Message)
		ctx.SetReturn(abi.Error)
	}
}

// execArgs copies the program name at nameAddr and the NULL-terminated
// pointer vector at argvAddr out of the caller's space. A zero argvAddr is
// an empty vector.
func (d *Dispatcher) execArgs(cur *proc.Process, nameAddr, argvAddr uint32) (string, []string, *kernel.Error) {
	name, err := d.scratch().CopyString(cur.Space, nameAddr, maxPathLen)
	if err != nil {
		return "", nil, err
	}
	if argvAddr == 0 {
		return name, nil, nil
	}

	var (
		args []string
		word [abi.WordSize]byte
	)
	for i := 0; ; i++ {
		if i > maxArgs {
			return "", nil, errTooManyArgs
		}
		if err = d.scratch().CopyIn(cur.Space, argvAddr+uint32(i*abi.WordSize), word[:]); err != nil {
			return "", nil, err
		}

		ptr := binary.LittleEndian.Uint32(word[:])
		if ptr == 0 {
			return name, args, nil
		}

		arg, err := d.scratch().CopyString(cur.Space, ptr, maxArgLen)
		if err != nil {
			return "", nil, err
		}
		args = append(args, arg)
	}
}

func (d *Dispatcher) sysExit(_ *proc.Process, ctx *machine.UserContext) {
	d.terminate(ctx, ctx.Arg(0))
}

func (d *Dispatcher) sysWait(cur *proc.Process, ctx *machine.UserContext) {
	status := ctx.Regs[0]
	if status != 0 && cur.Space.Ensure(status, abi.WordSize, machine.ProtRead|machine.ProtWrite) != nil {
		ctx.SetReturn(abi.Error)
		return
	}

	var attempt func(ctx *machine.UserContext)
	attempt = func(ctx *machine.UserContext) {
		id, code, result := d.procs.ReapChild(cur)
		switch result {
		case proc.Reaped:
			if status != 0 {
				var word [abi.WordSize]byte
				binary.LittleEndian.PutUint32(word[:], uint32(int32(code)))
				if d.scratch().CopyOut(cur.Space, status, word[:]) != nil {
					ctx.SetReturn(abi.Error)
					return
				}
			}
			ctx.SetReturn(id)
		case proc.Block:
			d.block(ctx, sched.QueueBusy, nil, attempt)
		default:
			ctx.SetReturn(abi.Error)
		}
	}
	attempt(ctx)
}

func (d *Dispatcher) sysDelay(_ *proc.Process, ctx *machine.UserContext) {
	switch ticks := ctx.Arg(0); {
	case ticks == 0:
		ctx.SetReturn(0)
	case ticks < 0:
		ctx.SetReturn(abi.Error)
	default:
		ctx.SetReturn(0)
		d.block(ctx, sched.QueueDelayed, &sched.Countdown{Remaining: ticks}, nil)
	}
}

func (d *Dispatcher) sysGetPid(cur *proc.Process, ctx *machine.UserContext) {
	ctx.SetReturn(cur.ID)
}

func (d *Dispatcher) sysBrk(cur *proc.Process, ctx *machine.UserContext) {
	end, err := vmm.Brk(cur.Space, d.pool, d.scratch(), cur.HeapStart, cur.HeapEnd, cur.StackBase, ctx.Regs[0])
	if err != nil {
		kfmt.Tracef(3, "[trap] pid %d: brk to %#x: %s\n", cur.ID, ctx.Regs[0], err.Message)
		ctx.SetReturn(abi.Error)
		return
	}

	cur.HeapEnd = end
	ctx.SetReturn(0)
}

func (d *Dispatcher) sysReadSector(cur *proc.Process, ctx *machine.UserContext) {
	d.sectorIO(cur, ctx, machine.DiskRead)
}

func (d *Dispatcher) sysWriteSector(cur *proc.Process, ctx *machine.UserContext) {
	d.sectorIO(cur, ctx, machine.DiskWrite)
}

// sectorIO queues a transfer between sector R0 and the buffer at R1 and
// blocks until the disk has served it. Requests are served in arrival
// order; the head of the disk queue is the request the disk is working on.
func (d *Dispatcher) sectorIO(cur *proc.Process, ctx *machine.UserContext, op machine.DiskOp) {
	sector, addr := ctx.Arg(0), ctx.Regs[1]

	prot := machine.ProtRead
	if op == machine.DiskRead {
		prot = machine.ProtWrite
	}
	if sector < 1 || sector >= abi.NumSectors || cur.Space.Ensure(addr, abi.SectorSize, prot) != nil {
		ctx.SetReturn(abi.Error)
		return
	}

	buf := make([]byte, abi.SectorSize)
	if op == machine.DiskWrite {
		if d.scratch().CopyIn(cur.Space, addr, buf) != nil {
			ctx.SetReturn(abi.Error)
			return
		}
	}

	req := sched.DiskRequest{Op: op, Sector: sector, Buf: buf}
	if d.sched.Len(sched.QueueDisk) == 0 {
		d.startDisk(req)
	}

	d.block(ctx, sched.QueueDisk, req, func(ctx *machine.UserContext) {
		if op == machine.DiskRead && d.scratch().CopyOut(cur.Space, addr, buf) != nil {
			ctx.SetReturn(abi.Error)
			return
		}
		ctx.SetReturn(0)
	})
}

func (d *Dispatcher) startDisk(req sched.DiskRequest) {
	if !d.hw.DiskAccess(req.Op, req.Sector, req.Buf) {
		kfmt.Panic(errDiskRejected)
	}
}

func (d *Dispatcher) sysTtyRead(cur *proc.Process, ctx *machine.UserContext) {
	n, addr, length := ctx.Arg(0), ctx.Regs[1], ctx.Arg(2)
	if n < 0 || n >= abi.NumTerminals || length < 0 {
		ctx.SetReturn(abi.Error)
		return
	}
	if length == 0 {
		ctx.SetReturn(0)
		return
	}
	if cur.Space.Ensure(addr, length, machine.ProtWrite) != nil {
		ctx.SetReturn(abi.Error)
		return
	}

	term := &d.ttys[n]

	var attempt func(ctx *machine.UserContext)
	attempt = func(ctx *machine.UserContext) {
		if term.Pending() == 0 {
			d.block(ctx, sched.QueueIO, sched.TTYWait{TTY: n, Dir: sched.TTYRead}, attempt)
			return
		}

		buf := make([]byte, min(length, term.Pending()))
		got := term.Read(buf)

		// Input left over after a short read belongs to the next reader.
		if term.Pending() > 0 {
			if next := d.sched.FindIOMatch(sched.TTYWait{TTY: n, Dir: sched.TTYRead}); next != nil {
				d.sched.Wake(next)
			}
		}

		if d.scratch().CopyOut(cur.Space, addr, buf[:got]) != nil {
			ctx.SetReturn(abi.Error)
			return
		}
		ctx.SetReturn(got)
	}
	attempt(ctx)
}

// sysTtyWrite transmits the caller's buffer in abi.TerminalMaxLine chunks.
// The caller keeps the terminal until every chunk is out.
func (d *Dispatcher) sysTtyWrite(cur *proc.Process, ctx *machine.UserContext) {
	n, addr, length := ctx.Arg(0), ctx.Regs[1], ctx.Arg(2)
	if n < 0 || n >= abi.NumTerminals || length <= 0 {
		ctx.SetReturn(abi.Error)
		return
	}

	if cur.Space.Ensure(addr, length, machine.ProtRead) != nil {
		ctx.SetReturn(abi.Error)
		return
	}

	data := make([]byte, length)
	if d.scratch().CopyIn(cur.Space, addr, data) != nil {
		ctx.SetReturn(abi.Error)
		return
	}

	var (
		term = &d.ttys[n]
		sent int
	)

	var attempt func(ctx *machine.UserContext)
	attempt = func(ctx *machine.UserContext) {
		if sent == len(data) {
			ctx.SetReturn(len(data))
			return
		}
		if term.Busy() {
			d.block(ctx, sched.QueueIO, sched.TTYWait{TTY: n, Dir: sched.TTYWriteWait}, attempt)
			return
		}

		chunk := term.BeginTransmit(data[sent:])
		if !d.hw.TtyTransmit(n, chunk) {
			term.EndTransmit()
			kfmt.Panic(errTTYRejected)
			return
		}
		sent += len(chunk)
		d.block(ctx, sched.QueueIO, sched.TTYWait{TTY: n, Dir: sched.TTYWrite}, attempt)
	}
	attempt(ctx)
}

func (d *Dispatcher) sysRegister(cur *proc.Process, ctx *machine.UserContext) {
	if err := d.ports.Register(ctx.Arg(0), cur.ID); err != nil {
		kfmt.Tracef(2, "[trap] pid %d: register %d: %s\n", cur.ID, ctx.Arg(0), err.Message)
		ctx.SetReturn(abi.Error)
		return
	}
	ctx.SetReturn(0)
}
