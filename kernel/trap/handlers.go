package trap

import (
	"github.com/kazzmir/yalnix/abi"
	"github.com/kazzmir/yalnix/kernel/irq"
	"github.com/kazzmir/yalnix/kernel/kfmt"
	"github.com/kazzmir/yalnix/kernel/mm"
	"github.com/kazzmir/yalnix/kernel/mm/vmm"
	"github.com/kazzmir/yalnix/kernel/sched"
	"github.com/kazzmir/yalnix/machine"
)

func (d *Dispatcher) clock(ctx *machine.UserContext) {
	if woken := d.sched.Tick(); woken > 0 {
		kfmt.Tracef(4, "[trap] clock woke %d sleeper(s)\n", woken)
	}
	d.schedule(ctx)
}

// fatal terminates the current process after an illegal instruction or an
// arithmetic fault.
func (d *Dispatcher) fatal(ctx *machine.UserContext) {
	cur := d.sched.Current()
	kfmt.Printf("[trap] pid %d (%s): %s fault at pc %#x; terminating\n", cur.ID, cur.Name, ctx.Vector, ctx.PC)
	if kfmt.TraceLevel() >= 2 {
		irq.DumpContext(ctx)
	}
	d.terminate(ctx, abi.Error)
}

// memory grows the stack of the current process when the fault looks like a
// push below the stack floor and terminates the process otherwise. The page
// right above the heap is never handed to the stack.
func (d *Dispatcher) memory(ctx *machine.UserContext) {
	cur := d.sched.Current()
	addr := ctx.Addr
	page := mm.PageFromAddress(addr)

	if addr+abi.WordSize >= ctx.SP &&
		addr >= machine.VMem1Base+mm.PageSize && addr < machine.VMem1Limit &&
		page < cur.StackBase && page > cur.HeapEnd {
		err := vmm.GrowStack(cur.Space, d.pool, d.scratch(), page, cur.StackBase)
		if err == nil {
			kfmt.Tracef(3, "[trap] pid %d: stack grown to page %d\n", cur.ID, page)
			cur.StackBase = page
			return
		}
		kfmt.Printf("[trap] pid %d: cannot grow stack to %#x: %s\n", cur.ID, addr, err.Message)
	} else {
		kfmt.Printf("[trap] pid %d (%s): bad access to %#x at pc %#x; terminating\n", cur.ID, cur.Name, addr, ctx.PC)
	}

	d.terminate(ctx, abi.Error)
}

// ttyReceive buffers a line typed on terminal ctx.Code and hands the CPU to
// the oldest process waiting to read it.
func (d *Dispatcher) ttyReceive(ctx *machine.UserContext) {
	n := ctx.Code
	if n < 0 || n >= abi.NumTerminals {
		return
	}

	var line [abi.TerminalMaxLine]byte
	got := d.hw.TtyReceive(n, line[:])
	if kept := d.ttys[n].Receive(line[:got]); kept < got {
		kfmt.Tracef(1, "[trap] tty %d: input buffer full; dropped %d byte(s)\n", n, got-kept)
	}

	if p := d.sched.FindIOMatch(sched.TTYWait{TTY: n, Dir: sched.TTYRead}); p != nil {
		d.sched.Wake(p)
		d.schedule(ctx)
	}
}

// ttyTransmit releases terminal ctx.Code. The writer whose chunk went out
// runs first, followed by the oldest process waiting for the terminal.
func (d *Dispatcher) ttyTransmit(ctx *machine.UserContext) {
	n := ctx.Code
	if n < 0 || n >= abi.NumTerminals {
		return
	}

	d.ttys[n].EndTransmit()

	writer := d.sched.FindIOMatch(sched.TTYWait{TTY: n, Dir: sched.TTYWrite})
	waiter := d.sched.FindIOMatch(sched.TTYWait{TTY: n, Dir: sched.TTYWriteWait})
	if waiter != nil {
		d.sched.Wake(waiter)
	}
	if writer != nil {
		d.sched.Wake(writer)
	}

	d.schedule(ctx)
}

// diskDone completes the request at the head of the disk queue and starts
// the next one.
func (d *Dispatcher) diskDone(ctx *machine.UserContext) {
	p := d.sched.PopDisk()
	if p == nil {
		kfmt.Printf("[trap] disk interrupt with no request outstanding\n")
		return
	}

	if _, req, ok := d.sched.DiskHead(); ok {
		d.startDisk(req)
	}

	if d.sched.Current() == d.sched.Idle() {
		d.schedule(ctx)
	}
}
