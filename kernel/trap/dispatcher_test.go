package trap

import (
	"bytes"
	"fmt"
	"runtime"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/kazzmir/yalnix/abi"
	"github.com/kazzmir/yalnix/exe"
	"github.com/kazzmir/yalnix/kernel/kfmt"
	"github.com/kazzmir/yalnix/kernel/loader"
	"github.com/kazzmir/yalnix/kernel/mm"
	"github.com/kazzmir/yalnix/kernel/mm/pmm"
	"github.com/kazzmir/yalnix/kernel/mm/vmm"
	"github.com/kazzmir/yalnix/kernel/proc"
	"github.com/kazzmir/yalnix/kernel/sched"
	"github.com/kazzmir/yalnix/machine"
	"github.com/kazzmir/yalnix/machine/asm"
)

const testKernelEnd = 64 * mm.PageSize

func idleImage() *exe.Image {
	return asm.New().Label("main").Pause().Jump("main").MustAssemble()
}

// spin is a program that never traps on its own, so tests can drive the
// dispatcher one trap at a time.
func spin() *asm.Program {
	return asm.New().
		CString("greeting", "hello").
		Space("buf", 2*mm.PageSize).
		Label("main").
		Pause().
		Jump("main")
}

type harness struct {
	m      *machine.Machine
	d      *Dispatcher
	pool   *pmm.Pool
	log    *bytes.Buffer
	tty    [abi.NumTerminals]*bytes.Buffer
	images map[string]*exe.Image

	// baseline is the number of frames in use with only idle alive.
	baseline int

	// ctx is the user context handed to Trap by tests that drive the
	// dispatcher without booting the machine.
	ctx machine.UserContext
}

func newHarness(t *testing.T, progs map[string]*asm.Program) *harness {
	t.Helper()

	h := &harness{log: &bytes.Buffer{}, images: make(map[string]*exe.Image)}
	kfmt.SetOutputSink(h.log)
	kfmt.SetTraceLevel(1)
	t.Cleanup(func() {
		kfmt.SetOutputSink(nil)
		kfmt.SetTraceLevel(0)
	})

	cfg := machine.Config{
		ClockInterval:   200,
		TTYLatency:      30,
		DiskLatency:     50,
		MaxInstructions: 1000000,
	}
	for i := range h.tty {
		h.tty[i] = &bytes.Buffer{}
		cfg.Terminals[i] = h.tty[i]
	}
	h.m = machine.New(cfg)

	k, err := vmm.NewKernelSpace(h.m, testKernelEnd)
	if err != nil {
		t.Fatal(err)
	}
	h.pool = pmm.NewPool(h.m.MemorySize(), testKernelEnd)

	fsys := fstest.MapFS{}
	for name, p := range progs {
		img := p.MustAssemble()
		h.images[name] = img
		fsys[name] = &fstest.MapFile{Data: img.Encode()}
	}

	h.d = New(h.m, h.pool, k, loader.New(h.pool, &k.Scratch, fsys), 0)
	if err := h.d.SpawnIdle(idleImage()); err != nil {
		t.Fatal(err)
	}
	if err := h.d.Install(); err != nil {
		t.Fatal(err)
	}

	h.baseline = h.pool.Used()
	return h
}

func (h *harness) launch(t *testing.T, name string, args ...string) *proc.Process {
	t.Helper()
	p, err := h.d.Launch(name, append([]string{name}, args...))
	if err != nil {
		t.Fatalf("launching %s: %v", name, err)
	}
	return p
}

// run boots the machine and expects it to halt on its own.
func (h *harness) run(t *testing.T) {
	t.Helper()
	if err := h.m.Boot(h.d.Start); err != nil {
		t.Fatalf("expected the machine to halt cleanly; got %v\nkernel log:\n%s", err, h.log)
	}
}

func (h *harness) start() {
	h.d.Start(&h.ctx)
}

func (h *harness) trap(c machine.TrapClass, code int, addr uint32) {
	h.ctx.Vector, h.ctx.Code, h.ctx.Addr = c, code, addr
	h.d.Trap(&h.ctx)
}

// call issues a syscall from the current process and returns R0.
func (h *harness) call(n abi.Syscall, args ...uint32) int {
	copy(h.ctx.Regs[:], args)
	h.trap(machine.TrapKernel, int(n), 0)
	return int(int32(h.ctx.Regs[0]))
}

func (h *harness) bss(name string) uint32 {
	img := h.images[name]
	return img.DataAddr + uint32(len(img.Data))
}

func (h *harness) expectExit(t *testing.T, pid int, name string, code int) {
	t.Helper()
	line := fmt.Sprintf("pid %d (%s) exited with status %d", pid, name, code)
	if !strings.Contains(h.log.String(), line) {
		t.Fatalf("expected kernel log to contain %q; got:\n%s", line, h.log)
	}
}

// expectClean checks that every user process is gone and gave back its
// frames.
func (h *harness) expectClean(t *testing.T) {
	t.Helper()
	if live := h.d.Processes().Live(); live != 1 {
		t.Errorf("expected only idle to survive; got %d live processes", live)
	}
	if used := h.pool.Used(); used != h.baseline {
		t.Errorf("expected %d frames in use; got %d", h.baseline, used)
	}
}

func arg(v int) uint32 {
	return uint32(int32(v))
}

func TestStartWithoutPrograms(t *testing.T) {
	h := newHarness(t, nil)
	h.run(t)

	if !h.m.Halted() {
		t.Fatal("expected the machine to halt")
	}
	if !strings.Contains(h.log.String(), "halting") {
		t.Fatalf("expected halt message; got:\n%s", h.log)
	}
}

func TestDelay(t *testing.T) {
	h := newHarness(t, map[string]*asm.Program{"spin": spin()})
	p := h.launch(t, "spin")
	h.start()
	s := h.d.Scheduler()

	if got := h.call(abi.SysDelay, 0); got != 0 || s.Current() != p || s.Len(sched.QueueDelayed) != 0 {
		t.Fatalf("expected delay(0) to return 0 without blocking; got %d", got)
	}
	if got := h.call(abi.SysDelay, arg(-3)); got != abi.Error || s.Current() != p || s.Len(sched.QueueDelayed) != 0 {
		t.Fatalf("expected delay(-3) to fail without blocking; got %d", got)
	}

	pc := h.ctx.PC
	h.call(abi.SysDelay, 2)
	if s.Current() != s.Idle() || s.Len(sched.QueueDelayed) != 1 {
		t.Fatal("expected the caller to sleep while idle runs")
	}

	h.trap(machine.TrapClock, 0, 0)
	if s.Current() != s.Idle() {
		t.Fatal("expected the caller to sleep for two ticks")
	}

	h.trap(machine.TrapClock, 0, 0)
	if s.Current() != p || s.Len(sched.QueueDelayed) != 0 {
		t.Fatal("expected the caller to run after two ticks")
	}
	if h.ctx.Regs[0] != 0 || h.ctx.PC != pc {
		t.Fatalf("expected delay to return 0 at pc %#x; got %d at %#x", pc, h.ctx.Regs[0], h.ctx.PC)
	}
}

func TestGetPidAndUnknownSyscall(t *testing.T) {
	h := newHarness(t, map[string]*asm.Program{"spin": spin()})
	p := h.launch(t, "spin")
	h.start()

	if got := h.call(abi.SysGetPid); got != p.ID {
		t.Fatalf("expected pid %d; got %d", p.ID, got)
	}

	for _, code := range []int{0, 99, -4} {
		h.trap(machine.TrapKernel, code, 0)
		if got := int32(h.ctx.Regs[0]); got != abi.Error {
			t.Errorf("expected syscall %d to fail; got %d", code, got)
		}
	}
	if !strings.Contains(h.log.String(), "unknown syscall 99") {
		t.Fatalf("expected a warning for the unknown syscall; got:\n%s", h.log)
	}
}

func TestSendToUnregisteredPort(t *testing.T) {
	h := newHarness(t, map[string]*asm.Program{"spin": spin()})
	p := h.launch(t, "spin")
	h.start()

	if got := h.call(abi.SysSend, h.bss("spin"), arg(-5)); got != abi.Error {
		t.Fatalf("expected send to an unregistered port to fail; got %d", got)
	}
	if s := h.d.Scheduler(); s.Current() != p || s.Len(sched.QueueIPC) != 0 {
		t.Fatal("expected the sender not to be parked")
	}
}

func TestRegister(t *testing.T) {
	h := newHarness(t, map[string]*asm.Program{"spin": spin()})
	p := h.launch(t, "spin")
	h.start()

	specs := []struct {
		port uint32
		exp  int
	}{
		{0, abi.Error},
		{arg(-2), abi.Error},
		{5, 0},
		{5, abi.Error},
		{6, 0},
	}

	for specIndex, spec := range specs {
		if got := h.call(abi.SysRegister, spec.port); got != spec.exp {
			t.Errorf("[spec %d] expected register(%d) to return %d; got %d", specIndex, int32(spec.port), spec.exp, got)
		}
	}

	if owner, ok := h.d.Ports().Lookup(5); !ok || owner != p.ID {
		t.Fatalf("expected port 5 to belong to pid %d", p.ID)
	}

	h.call(abi.SysExit, 0)
	for _, port := range []int{5, 6} {
		if _, ok := h.d.Ports().Lookup(port); ok {
			t.Errorf("expected port %d to be released on exit", port)
		}
	}
}

func TestArgumentValidation(t *testing.T) {
	text := uint32(asm.TextBase)

	specs := []struct {
		name string
		call abi.Syscall
		args func(h *harness) []uint32
	}{
		{"send from null", abi.SysSend, func(h *harness) []uint32 { return []uint32{0, 1} }},
		{"send from text", abi.SysSend, func(h *harness) []uint32 { return []uint32{text, 1} }},
		{"receive past region end", abi.SysReceive, func(h *harness) []uint32 { return []uint32{machine.VMem1Limit - 16} }},
		{"receive_from self", abi.SysReceiveFrom, func(h *harness) []uint32 { return []uint32{h.bss("spin"), 2} }},
		{"receive_from unknown", abi.SysReceiveFrom, func(h *harness) []uint32 { return []uint32{h.bss("spin"), 77} }},
		{"reply to nobody", abi.SysReply, func(h *harness) []uint32 { return []uint32{h.bss("spin"), 1} }},
		{"copy_from stranger", abi.SysCopyFrom, func(h *harness) []uint32 { return []uint32{1, h.bss("spin"), h.bss("spin"), 4} }},
		{"tty_write from kernel space", abi.SysTtyWrite, func(h *harness) []uint32 { return []uint32{0, 0x1000, 4} }},
		{"tty_write nothing", abi.SysTtyWrite, func(h *harness) []uint32 { return []uint32{0, h.bss("spin"), 0} }},
		{"tty_write bad terminal", abi.SysTtyWrite, func(h *harness) []uint32 { return []uint32{abi.NumTerminals, h.bss("spin"), 4} }},
		{"tty_read into text", abi.SysTtyRead, func(h *harness) []uint32 { return []uint32{0, text, 4} }},
		{"tty_read negative length", abi.SysTtyRead, func(h *harness) []uint32 { return []uint32{0, h.bss("spin"), arg(-1)} }},
		{"read reserved sector", abi.SysReadSector, func(h *harness) []uint32 { return []uint32{0, h.bss("spin")} }},
		{"read past last sector", abi.SysReadSector, func(h *harness) []uint32 { return []uint32{abi.NumSectors, h.bss("spin")} }},
		{"read sector into text", abi.SysReadSector, func(h *harness) []uint32 { return []uint32{1, text} }},
		{"write sector from unmapped", abi.SysWriteSector, func(h *harness) []uint32 { return []uint32{1, machine.VMem1Limit - 2*mm.PageSize - 8} }},
		{"wait into text", abi.SysWait, func(h *harness) []uint32 { return []uint32{text} }},
		{"wait without children", abi.SysWait, func(h *harness) []uint32 { return []uint32{0} }},
		{"exec null path", abi.SysExec, func(h *harness) []uint32 { return []uint32{0, 0} }},
		{"exec missing program", abi.SysExec, func(h *harness) []uint32 { return []uint32{h.images["spin"].DataAddr, 0} }},
		{"brk into region 0", abi.SysBrk, func(h *harness) []uint32 { return []uint32{0x1000} }},
		{"brk below heap", abi.SysBrk, func(h *harness) []uint32 { return []uint32{text} }},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			h := newHarness(t, map[string]*asm.Program{"spin": spin()})
			p := h.launch(t, "spin")
			h.start()
			if p.ID != 2 {
				t.Fatalf("expected the program to be pid 2; got %d", p.ID)
			}

			if got := h.call(spec.call, spec.args(h)...); got != abi.Error {
				t.Fatalf("expected %s to fail; got %d", spec.call, got)
			}

			s := h.d.Scheduler()
			if s.Current() != p {
				t.Fatal("expected the caller to keep running")
			}
			if e, ok := s.Lookup(p); !ok || e.Queue != sched.QueueRun {
				t.Fatal("expected the caller to stay on the run queue")
			}
		})
	}
}

func TestBrk(t *testing.T) {
	h := newHarness(t, map[string]*asm.Program{"spin": spin()})
	p := h.launch(t, "spin")
	h.start()
	used := h.pool.Used()

	top := p.HeapStart.Address() + 2*mm.PageSize + 1
	if got := h.call(abi.SysBrk, top); got != 0 || p.HeapEnd != p.HeapStart+3 {
		t.Fatalf("expected the heap to grow to 3 pages; got %d, %d pages", got, p.HeapEnd-p.HeapStart)
	}
	if h.pool.Used() != used+3 {
		t.Fatalf("expected 3 more frames in use; got %d", h.pool.Used()-used)
	}

	if got := h.call(abi.SysBrk, (p.StackBase - 1).Address()+1); got != abi.Error {
		t.Fatal("expected brk into the guard page to fail")
	}

	if got := h.call(abi.SysBrk, p.HeapStart.Address()); got != 0 || p.HeapEnd != p.HeapStart {
		t.Fatalf("expected the heap to shrink back; got %d", got)
	}
	if h.pool.Used() != used {
		t.Fatal("expected shrinking to release the heap frames")
	}
}

func TestStackGrowth(t *testing.T) {
	h := newHarness(t, map[string]*asm.Program{"spin": spin()})
	p := h.launch(t, "spin")
	h.start()
	s := h.d.Scheduler()

	base := p.StackBase
	h.ctx.SP = base.Address()
	h.trap(machine.TrapMemory, 0, h.ctx.SP-abi.WordSize)

	if p.StackBase != base-1 || p.Space.Frame(base-1) == nil || s.Current() != p {
		t.Fatalf("expected the stack to grow by one page; base %d -> %d", base, p.StackBase)
	}

	// A fault two pages below sp is not a push.
	h.trap(machine.TrapMemory, 0, h.ctx.SP-2*mm.PageSize)
	if s.Current() == p {
		t.Fatal("expected a wild access to terminate the process")
	}
	h.expectExit(t, p.ID, "spin", abi.Error)
	h.expectClean(t)
}

func TestStackGuardPage(t *testing.T) {
	h := newHarness(t, map[string]*asm.Program{"spin": spin()})
	p := h.launch(t, "spin")
	h.start()

	h.ctx.SP = p.HeapEnd.Address() + abi.WordSize
	h.trap(machine.TrapMemory, 0, p.HeapEnd.Address())

	h.expectExit(t, p.ID, "spin", abi.Error)
	h.expectClean(t)
	if !h.m.Halted() {
		t.Fatal("expected the machine to halt once the only process died")
	}
}

func TestFatalTraps(t *testing.T) {
	for _, class := range []machine.TrapClass{machine.TrapIllegal, machine.TrapMath} {
		t.Run(class.String(), func(t *testing.T) {
			h := newHarness(t, map[string]*asm.Program{"spin": spin()})
			p := h.launch(t, "spin")
			h.start()

			h.trap(class, 0, 0)
			if h.d.Processes().Lookup(p.ID) != nil {
				t.Fatal("expected the faulting process to be destroyed")
			}
			h.expectExit(t, p.ID, "spin", abi.Error)
			h.expectClean(t)
		})
	}
}

func TestIdleFaultPanics(t *testing.T) {
	h := newHarness(t, nil)
	h.start()

	defer func() {
		if err := recover(); err != kfmt.ErrSystemHalted {
			t.Fatalf("expected the kernel to halt; got %v", err)
		}
		if h.d.lock.Held() {
			t.Fatal("expected the trap lock to be released")
		}
	}()

	h.trap(machine.TrapIllegal, 0, 0)
	t.Fatal("expected an idle fault to panic")
}

func TestSwitchMapsKernelStack(t *testing.T) {
	h := newHarness(t, map[string]*asm.Program{"spin": spin()})
	a := h.launch(t, "spin")
	b := h.launch(t, "spin")
	h.start()

	if got := h.d.kspace.Stack.Frames(); got[0] != a.KernelStack[0] || !a.Space.Active() {
		t.Fatal("expected the first process's kernel stack and space to be loaded")
	}

	h.ctx.Regs[5] = 0xabcd
	h.trap(machine.TrapClock, 0, 0)

	if h.d.Scheduler().Current() != b {
		t.Fatal("expected the clock to switch to the second process")
	}
	if got := h.d.kspace.Stack.Frames(); got[0] != b.KernelStack[0] || !b.Space.Active() || a.Space.Active() {
		t.Fatal("expected the switch to remap the kernel stack and the user space")
	}
	if a.User.Regs[5] != 0xabcd {
		t.Fatal("expected the outgoing context to be saved")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	for port := 1; port <= 9; port++ {
		if err := r.Register(port, 100+port%2); err != nil {
			t.Fatalf("registering port %d: %v", port, err)
		}
	}
	if len(r.slots) != 16 {
		t.Fatalf("expected the slot array to double twice; got %d slots", len(r.slots))
	}
	if err := r.Register(3, 200); err != ErrPortTaken {
		t.Fatalf("expected error %v; got %v", ErrPortTaken, err)
	}
	if err := r.Register(0, 200); err != ErrInvalidPort {
		t.Fatalf("expected error %v; got %v", ErrInvalidPort, err)
	}

	if n := r.Release(101); n != 5 {
		t.Fatalf("expected 5 ports released; got %d", n)
	}
	if _, ok := r.Lookup(3); ok {
		t.Fatal("expected port 3 to be free")
	}
	if owner, ok := r.Lookup(4); !ok || owner != 100 {
		t.Fatalf("expected port 4 to stay with 100; got %d", owner)
	}

	if err := r.Register(3, 200); err != nil || len(r.slots) != 16 {
		t.Fatal("expected a freed slot to be reused")
	}
}

func TestTerminalWriteValidatesBeforeCopying(t *testing.T) {
	h := newHarness(t, map[string]*asm.Program{"spin": spin()})
	p := h.launch(t, "spin")
	h.start()

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	got := h.call(abi.SysTtyWrite, 0, 0, 1<<30)
	runtime.ReadMemStats(&after)

	if got != abi.Error || h.d.Scheduler().Current() != p {
		t.Fatalf("expected tty_write from an unmapped buffer to fail; got %d", got)
	}
	if grown := after.TotalAlloc - before.TotalAlloc; grown > 16<<20 {
		t.Fatalf("expected a rejected tty_write to allocate no buffer; got %d bytes allocated", grown)
	}
}

func TestShortReadWakesNextReader(t *testing.T) {
	h := newHarness(t, map[string]*asm.Program{"spin": spin()})
	a := h.launch(t, "spin")
	b := h.launch(t, "spin")
	h.start()
	s := h.d.Scheduler()
	buf := h.bss("spin")

	h.call(abi.SysTtyRead, 1, buf, 2)
	if s.Current() != b {
		t.Fatal("expected the first reader to block")
	}
	h.call(abi.SysTtyRead, 1, buf, 64)
	if s.Current() != s.Idle() || s.Len(sched.QueueIO) != 2 {
		t.Fatal("expected both readers to block")
	}

	h.d.ttys[1].Receive([]byte("abcdef\n"))
	h.trap(machine.TrapTTYReceive, 1, 0)
	if got := int(int32(h.ctx.Regs[0])); s.Current() != a || got != 2 {
		t.Fatalf("expected the oldest reader to take 2 bytes; got %d", got)
	}
	if s.Len(sched.QueueIO) != 0 {
		t.Fatal("expected the leftover input to wake the second reader")
	}

	h.trap(machine.TrapClock, 0, 0)
	if got := int(int32(h.ctx.Regs[0])); s.Current() != b || got != 5 {
		t.Fatalf("expected the second reader to take the remaining 5 bytes; got %d", got)
	}
	if pending := h.d.ttys[1].Pending(); pending != 0 {
		t.Fatalf("expected no input left; got %d bytes", pending)
	}
}

// expectSingleOwners checks that every frame mapped by a live process, or
// backing its kernel stack, belongs to that process alone and is allocated.
func expectSingleOwners(t *testing.T, h *harness, stage string) {
	t.Helper()

	owners := make(map[*pmm.Frame]int)
	claim := func(p *proc.Process, f *pmm.Frame) {
		if prev, taken := owners[f]; taken {
			t.Errorf("[%s] frame %d is held by pid %d and pid %d", stage, f.Number, prev, p.ID)
		}
		if !f.InUse() {
			t.Errorf("[%s] frame %d held by pid %d is marked free", stage, f.Number, p.ID)
		}
		owners[f] = p.ID
	}

	h.d.Processes().Each(func(p *proc.Process) {
		p.Space.Each(func(_ mm.Page, f *pmm.Frame) { claim(p, f) })
		for _, f := range p.KernelStack {
			claim(p, f)
		}
	})

	if used := h.pool.Used(); len(owners) != used {
		t.Errorf("[%s] expected the %d frames in use to have owners; found %d owned frames", stage, used, len(owners))
	}
}

func TestFramesHaveSingleOwner(t *testing.T) {
	h := newHarness(t, map[string]*asm.Program{"spin": spin(), "hello": spin()})
	p := h.launch(t, "spin")
	h.start()
	expectSingleOwners(t, h, "launch")

	if got := h.call(abi.SysBrk, p.HeapStart.Address()+3*mm.PageSize); got != 0 {
		t.Fatalf("expected brk to succeed; got %d", got)
	}
	h.ctx.SP = p.StackBase.Address()
	h.trap(machine.TrapMemory, 0, h.ctx.SP-abi.WordSize)

	child := h.call(abi.SysFork)
	if child <= 0 {
		t.Fatalf("expected fork to succeed; got %d", child)
	}
	c := h.d.Processes().Lookup(child)
	if c.Space.Mapped() != p.Space.Mapped() {
		t.Fatalf("expected the child to map %d pages; got %d", p.Space.Mapped(), c.Space.Mapped())
	}
	expectSingleOwners(t, h, "fork")

	if got := h.call(abi.SysBrk, p.HeapStart.Address()+mm.PageSize); got != 0 {
		t.Fatalf("expected brk to shrink the heap; got %d", got)
	}
	expectSingleOwners(t, h, "brk shrink")

	if got := h.call(abi.SysExec, h.images["spin"].DataAddr, 0); got != 0 || p.Name != "hello" {
		t.Fatalf("expected exec to replace the image; got %d", got)
	}
	expectSingleOwners(t, h, "exec")
}
