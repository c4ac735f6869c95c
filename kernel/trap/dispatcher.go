// Package trap is the kernel's only entry point. Every trap raised by the
// machine lands in Dispatcher.Trap, which runs the handler for the trap class
// and then resumes whichever process the scheduler left current.
//
// Blocking is expressed with continuations: a syscall that has to wait
// stores the rest of its work in the process's kernel context and parks the
// process. When the process is switched back in, the continuation runs
// before the trap returns to user mode and may park the process again.
package trap

import (
	"github.com/kazzmir/yalnix/abi"
	"github.com/kazzmir/yalnix/exe"
	"github.com/kazzmir/yalnix/kernel"
	"github.com/kazzmir/yalnix/kernel/driver/tty"
	"github.com/kazzmir/yalnix/kernel/hal"
	"github.com/kazzmir/yalnix/kernel/irq"
	"github.com/kazzmir/yalnix/kernel/kfmt"
	"github.com/kazzmir/yalnix/kernel/loader"
	"github.com/kazzmir/yalnix/kernel/mm/pmm"
	"github.com/kazzmir/yalnix/kernel/mm/vmm"
	"github.com/kazzmir/yalnix/kernel/proc"
	"github.com/kazzmir/yalnix/kernel/sched"
	"github.com/kazzmir/yalnix/kernel/sync"
	"github.com/kazzmir/yalnix/machine"
)

var (
	errIdleFault     = &kernel.Error{Module: "trap", Message: "idle process faulted"}
	errDiskRejected  = &kernel.Error{Module: "trap", Message: "disk rejected request"}
	errTTYRejected   = &kernel.Error{Module: "trap", Message: "terminal rejected transmission"}
	errNotBooted     = &kernel.Error{Module: "trap", Message: "idle process not created"}
	errAlreadyBooted = &kernel.Error{Module: "trap", Message: "idle process already created"}
)

// Dispatcher is the kernel context: it owns the process table, the
// scheduler, the port registry and the terminal buffers, and serializes
// every kernel entry behind one spinlock.
type Dispatcher struct {
	lock sync.Spinlock

	hw     hal.Machine
	pool   *pmm.Pool
	kspace *vmm.KernelSpace
	loader *loader.Loader

	procs *proc.Table
	sched *sched.Scheduler
	ports *Registry
	ttys  [abi.NumTerminals]tty.Terminal
}

// New returns a dispatcher for hw. maxProcs limits the number of live
// processes, idle included; zero means no limit. SpawnIdle must be called
// before the dispatcher handles traps.
func New(hw hal.Machine, pool *pmm.Pool, kspace *vmm.KernelSpace, ld *loader.Loader, maxProcs int) *Dispatcher {
	return &Dispatcher{
		hw:     hw,
		pool:   pool,
		kspace: kspace,
		loader: ld,
		procs:  proc.NewTable(pool, &kspace.Scratch, maxProcs),
		ports:  NewRegistry(),
	}
}

// SpawnIdle creates the idle process from img and the scheduler around it.
func (d *Dispatcher) SpawnIdle(img *exe.Image) *kernel.Error {
	if d.sched != nil {
		return errAlreadyBooted
	}

	p, err := d.procs.Spawn()
	if err != nil {
		return err
	}
	if err = d.loader.LoadImage(p, img, nil); err != nil {
		d.procs.Destroy(p)
		return err
	}

	p.Name = "idle"
	d.sched = sched.New(p, d.hw.Halt)
	kfmt.Tracef(1, "[trap] idle is pid %d\n", p.ID)
	return nil
}

// Launch creates a process running the named program and appends it to the
// run queue.
func (d *Dispatcher) Launch(name string, args []string) (*proc.Process, *kernel.Error) {
	if d.sched == nil {
		return nil, errNotBooted
	}

	p, err := d.procs.Spawn()
	if err != nil {
		return nil, err
	}
	if err = d.loader.Load(p, name, args); err != nil {
		d.procs.Destroy(p)
		return nil, err
	}

	d.sched.Append(p)
	kfmt.Tracef(1, "[trap] launched %s as pid %d\n", name, p.ID)
	return p, nil
}

// Install points every trap class of the machine at Trap.
func (d *Dispatcher) Install() *kernel.Error {
	var table irq.Table
	table.HandleAll(d.Trap)
	return irq.Install(d.hw, &table)
}

// Start loads the context of the first process to run into ctx. The machine
// halts right away when no program was launched.
func (d *Dispatcher) Start(ctx *machine.UserContext) {
	d.lock.Acquire()
	defer d.lock.Release()

	if d.sched == nil {
		kfmt.Panic(errNotBooted)
		return
	}

	_, next := d.sched.PickNext()
	d.switchTo(nil, next, ctx)
	d.resume(ctx)
}

// Trap handles one trap. ctx holds the user context of the current process
// on entry and the context to return to on exit.
func (d *Dispatcher) Trap(ctx *machine.UserContext) {
	d.lock.Acquire()
	defer d.lock.Release()

	switch ctx.Vector {
	case machine.TrapKernel:
		d.syscall(ctx)
	case machine.TrapClock:
		d.clock(ctx)
	case machine.TrapIllegal, machine.TrapMath:
		d.fatal(ctx)
	case machine.TrapMemory:
		d.memory(ctx)
	case machine.TrapTTYReceive:
		d.ttyReceive(ctx)
	case machine.TrapTTYTransmit:
		d.ttyTransmit(ctx)
	case machine.TrapDisk:
		d.diskDone(ctx)
	default:
		kfmt.Printf("[trap] ignoring unknown trap %d\n", ctx.Vector)
	}

	d.resume(ctx)
}

// resume runs the kernel continuation of the current process, and of every
// process that becomes current while doing so, until a process is ready to
// return to user mode.
func (d *Dispatcher) resume(ctx *machine.UserContext) {
	for {
		cur := d.sched.Current()
		fn := cur.Kernel.Resume
		if fn == nil {
			return
		}

		cur.Kernel.Resume = nil
		fn(ctx)
	}
}

// switchTo saves the user context of old (unless old is nil), maps the
// kernel stack and region-1 table of next and loads next's user context.
// It is the only place the kernel-stack window changes.
func (d *Dispatcher) switchTo(old, next *proc.Process, ctx *machine.UserContext) {
	if old == next {
		return
	}

	if old != nil {
		old.User = *ctx
	}

	d.kspace.Stack.Map(next.KernelStack)
	next.Space.Activate(d.hw)
	*ctx = next.User

	if old != nil {
		kfmt.Tracef(5, "[trap] switch %d -> %d\n", old.ID, next.ID)
	} else {
		kfmt.Tracef(5, "[trap] switch to %d\n", next.ID)
	}
}

// schedule gives the CPU to the next runnable process.
func (d *Dispatcher) schedule(ctx *machine.UserContext) {
	old, next := d.sched.PickNext()
	d.switchTo(old, next, ctx)
}

// block parks the current process on queue q and switches away. resume, if
// not nil, runs when the process is switched back in.
func (d *Dispatcher) block(ctx *machine.UserContext, q sched.QueueID, payload sched.Payload, resume func(*machine.UserContext)) {
	d.sched.Current().Kernel.Resume = resume
	old, next := d.sched.Park(q, payload)
	d.switchTo(old, next, ctx)
}

// terminate ends the current process with code and switches to the next
// runnable process. A parent blocked in wait runs next.
func (d *Dispatcher) terminate(ctx *machine.UserContext, code int) {
	p := d.sched.Current()
	if p == d.sched.Idle() {
		irq.DumpContext(ctx)
		kfmt.Panic(errIdleFault)
		return
	}

	if n := d.ports.Release(p.ID); n > 0 {
		kfmt.Tracef(2, "[trap] pid %d released %d port(s)\n", p.ID, n)
	}

	parent := d.procs.Exit(p, code)
	if parent != nil {
		if e, ok := d.sched.Lookup(parent); ok && e.Queue == sched.QueueBusy {
			d.sched.Wake(parent)
		}
	}
	d.wakePeers(p.ID)

	kfmt.Tracef(1, "[trap] pid %d (%s) exited with status %d\n", p.ID, p.Name, code)

	_, next := d.sched.Retire()
	d.switchTo(nil, next, ctx)

	if parent == nil {
		d.procs.Destroy(p)
	}
}

// Processes returns the process table.
func (d *Dispatcher) Processes() *proc.Table {
	return d.procs
}

// Scheduler returns the scheduler, or nil before SpawnIdle.
func (d *Dispatcher) Scheduler() *sched.Scheduler {
	return d.sched
}

// Ports returns the port registry.
func (d *Dispatcher) Ports() *Registry {
	return d.ports
}
