// Package machine simulates the hardware the kernel runs on: physical memory,
// an MMU with separate kernel (region 0) and user (region 1) page tables and a
// TLB, a trap vector, a small register CPU, a clock, a disk and a set of
// terminals.
//
// The machine is driven by Boot, which hands control to the kernel entry point
// once and then executes user instructions, delivering traps through the
// installed vector until the kernel calls Halt.
package machine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/kazzmir/yalnix/abi"
)

var (
	// ErrNoHandler is returned by Boot when a trap is raised for a class
	// that has no handler installed.
	ErrNoHandler = errors.New("machine: no handler for trap")

	// ErrKernelPanic is returned by Boot when the kernel unwinds out of a
	// trap handler.
	ErrKernelPanic = errors.New("machine: kernel panic")

	// ErrInstructionLimit is returned by Boot when Config.MaxInstructions
	// instructions have executed without a halt.
	ErrInstructionLimit = errors.New("machine: instruction limit reached")
)

// Config describes the machine to build.
type Config struct {
	// MemorySize is the amount of physical memory in bytes. It is rounded
	// down to a whole number of pages.
	MemorySize uint32

	// ClockInterval is the number of instructions between clock traps.
	ClockInterval uint64

	// TTYLatency is the number of instructions a terminal transmission
	// takes to complete.
	TTYLatency uint64

	// DiskLatency is the number of instructions a disk transfer takes.
	DiskLatency uint64

	// Terminals receive the bytes transmitted on each terminal. Nil
	// entries discard output.
	Terminals [abi.NumTerminals]io.Writer

	// Disk backs the simulated disk. Nil selects a fresh MemDisk.
	Disk Disk

	// MaxInstructions stops Boot with ErrInstructionLimit when non-zero.
	MaxInstructions uint64

	// IdleSleep is how long a paused CPU waits for terminal input before
	// letting the next clock tick through. Zero never sleeps.
	IdleSleep time.Duration

	// Logger receives host-side machine events. Nil selects slog.Default.
	Logger *slog.Logger
}

// Defaults used for zero Config fields.
const (
	DefaultMemorySize    = 2 << 20
	DefaultClockInterval = 2000
	DefaultTTYLatency    = 200
	DefaultDiskLatency   = 400
)

// Machine is a simulated single-CPU computer.
type Machine struct {
	cfg Config
	log *slog.Logger

	mem    []byte
	mmu    mmu
	vector *TrapVector

	ticks     uint64
	executed  uint64
	nextClock uint64
	halted    bool

	disk diskDevice
	ttys [abi.NumTerminals]terminal

	inputMu    sync.Mutex
	input      [abi.NumTerminals][][]byte
	inputReady chan struct{}
}

// New builds a machine from cfg.
func New(cfg Config) *Machine {
	if cfg.MemorySize == 0 {
		cfg.MemorySize = DefaultMemorySize
	}
	cfg.MemorySize = PageDown(cfg.MemorySize)
	if cfg.ClockInterval == 0 {
		cfg.ClockInterval = DefaultClockInterval
	}
	if cfg.TTYLatency == 0 {
		cfg.TTYLatency = DefaultTTYLatency
	}
	if cfg.DiskLatency == 0 {
		cfg.DiskLatency = DefaultDiskLatency
	}
	if cfg.Disk == nil {
		cfg.Disk = NewMemDisk()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Machine{
		cfg:        cfg,
		log:        cfg.Logger.With("component", "machine"),
		mem:        make([]byte, cfg.MemorySize),
		nextClock:  cfg.ClockInterval,
		disk:       diskDevice{backing: cfg.Disk},
		inputReady: make(chan struct{}, 1),
	}

	for i := range m.ttys {
		m.ttys[i].out = cfg.Terminals[i]
		if m.ttys[i].out == nil {
			m.ttys[i].out = io.Discard
		}
	}

	return m
}

// MemorySize returns the size of physical memory in bytes.
func (m *Machine) MemorySize() uint32 {
	return uint32(len(m.mem))
}

// Ticks returns the number of instruction slots elapsed since boot,
// including slots skipped while paused.
func (m *Machine) Ticks() uint64 {
	return m.ticks
}

// Halted reports whether Halt has been called.
func (m *Machine) Halted() bool {
	return m.halted
}

// Halt stops the machine once the running trap handler returns.
func (m *Machine) Halt() {
	if !m.halted {
		m.log.Info("halt", "ticks", m.ticks, "instructions", m.executed)
	}
	m.halted = true
}

// SetTrapVector installs the trap vector table.
func (m *Machine) SetTrapVector(v *TrapVector) {
	m.vector = v
}

// TrapVector returns the installed trap vector table.
func (m *Machine) TrapVector() *TrapVector {
	return m.vector
}

// SetPageTable points the MMU at the page table of region r. The table is
// consulted on TLB misses; edits become visible after FlushTLB.
func (m *Machine) SetPageTable(r Region, table []PTE) {
	m.mmu.setTable(r, table)
}

// FlushTLB drops cached translations. target is TLBFlushAll, TLBFlush0,
// TLBFlush1 or the virtual address of a single page.
func (m *Machine) FlushTLB(target uint32) {
	m.mmu.flush(target)
}

// ReadVirtual copies len(p) bytes starting at virtual address addr into p
// using kernel privileges. It reports false if any page in the range is
// unmapped or not readable.
func (m *Machine) ReadVirtual(addr uint32, p []byte) bool {
	_, ok := m.access(addr, p, ProtRead, false, false)
	return ok
}

// WriteVirtual copies p to virtual address addr using kernel privileges. It
// reports false if any page in the range is unmapped or not writable.
func (m *Machine) WriteVirtual(addr uint32, p []byte) bool {
	_, ok := m.access(addr, p, ProtWrite, false, true)
	return ok
}

func (m *Machine) userRead(addr uint32, p []byte, prot Prot) (uint32, bool) {
	return m.access(addr, p, prot, true, false)
}

func (m *Machine) userWrite(addr uint32, p []byte) (uint32, bool) {
	return m.access(addr, p, ProtWrite, true, true)
}

// access moves bytes between p and virtual memory one page chunk at a time.
// On failure it returns the first address that could not be translated; a
// partially completed write is not undone.
func (m *Machine) access(addr uint32, p []byte, prot Prot, user, write bool) (uint32, bool) {
	for len(p) > 0 {
		chunk := PageSize - int(addr&(PageSize-1))
		if chunk > len(p) {
			chunk = len(p)
		}

		phys, ok := m.mmu.translate(addr, prot, user)
		if !ok || uint64(phys)+uint64(chunk) > uint64(len(m.mem)) {
			return addr, false
		}

		if write {
			copy(m.mem[phys:], p[:chunk])
		} else {
			copy(p[:chunk], m.mem[phys:])
		}

		addr += uint32(chunk)
		p = p[chunk:]
	}

	return 0, true
}

// TtyTransmit starts sending buf on terminal tty. The bytes are copied before
// TtyTransmit returns; a TrapTTYTransmit with Code tty follows once the
// transmission completes. It reports false if the terminal is already busy,
// the terminal number is invalid or buf is empty or too long.
func (m *Machine) TtyTransmit(tty int, buf []byte) bool {
	if tty < 0 || tty >= abi.NumTerminals || len(buf) == 0 || len(buf) > abi.TerminalMaxLine {
		return false
	}

	t := &m.ttys[tty]
	if t.busy {
		return false
	}

	t.busy = true
	t.pending = append(t.pending[:0], buf...)
	t.due = m.ticks + m.cfg.TTYLatency
	return true
}

// TtyReceive copies the line announced by the current TrapTTYReceive into buf
// and returns its length. It returns 0 outside a receive trap.
func (m *Machine) TtyReceive(tty int, buf []byte) int {
	if tty < 0 || tty >= abi.NumTerminals {
		return 0
	}

	t := &m.ttys[tty]
	n := copy(buf, t.staged)
	t.staged = nil
	return n
}

// TypeLine queues a line of input on terminal tty as if it had been typed.
// A trailing newline is added when missing. It is safe to call from any
// goroutine.
func (m *Machine) TypeLine(tty int, line string) {
	if tty < 0 || tty >= abi.NumTerminals {
		return
	}

	b := []byte(line)
	if len(b) == 0 || b[len(b)-1] != '\n' {
		b = append(b, '\n')
	}
	if len(b) > abi.TerminalMaxLine {
		b = b[:abi.TerminalMaxLine]
	}

	m.inputMu.Lock()
	m.input[tty] = append(m.input[tty], b)
	m.inputMu.Unlock()

	select {
	case m.inputReady <- struct{}{}:
	default:
	}
}

func (m *Machine) inputPending() bool {
	m.inputMu.Lock()
	defer m.inputMu.Unlock()
	for _, q := range m.input {
		if len(q) != 0 {
			return true
		}
	}
	return false
}

func (m *Machine) nextInput(tty int) []byte {
	m.inputMu.Lock()
	defer m.inputMu.Unlock()
	q := m.input[tty]
	if len(q) == 0 {
		return nil
	}
	m.input[tty] = q[1:]
	return q[0]
}

// DiskAccess starts a transfer of one sector between buf and the disk. For
// DiskWrite the data is taken from buf when the request is issued; for
// DiskRead buf is filled just before the TrapDisk that signals completion.
// Only one request may be outstanding; DiskAccess reports false otherwise or
// when the arguments are out of range.
func (m *Machine) DiskAccess(op DiskOp, sector int, buf []byte) bool {
	if m.disk.active || sector < 0 || sector >= abi.NumSectors || len(buf) != abi.SectorSize {
		return false
	}

	m.disk.active = true
	m.disk.op = op
	m.disk.sector = sector
	m.disk.due = m.ticks + m.cfg.DiskLatency
	if op == DiskWrite {
		m.disk.buf = append([]byte(nil), buf...)
	} else {
		m.disk.buf = buf
	}
	return true
}

// pause idles the CPU by skipping ahead to the next scheduled device event.
func (m *Machine) pause() {
	if m.inputPending() {
		return
	}

	due, deviceBusy := m.nextClock, false
	if m.disk.active && m.disk.due < due {
		due, deviceBusy = m.disk.due, true
	}
	for i := range m.ttys {
		if t := &m.ttys[i]; t.busy && t.due < due {
			due, deviceBusy = t.due, true
		}
	}

	if due > m.ticks+1 {
		m.ticks = due - 1
	}

	if !deviceBusy && m.cfg.IdleSleep > 0 {
		select {
		case <-m.inputReady:
		case <-time.After(m.cfg.IdleSleep):
		}
	}
}

// Boot calls start with the initial user context, then runs user code until
// the kernel halts the machine. start must install a trap vector and load a
// runnable context into ctx.
func (m *Machine) Boot(start func(ctx *UserContext)) error {
	ctx := &UserContext{}
	if err := m.call(func() { start(ctx) }); err != nil {
		return err
	}

	for !m.halted {
		if m.cfg.MaxInstructions != 0 && m.executed >= m.cfg.MaxInstructions {
			return ErrInstructionLimit
		}

		f := m.step(ctx)
		m.executed++
		m.ticks++

		if f != nil {
			ctx.Code = f.code
			ctx.Addr = f.addr
			if err := m.raise(f.class, ctx); err != nil {
				return err
			}
		}

		if err := m.poll(ctx); err != nil {
			return err
		}
	}

	return nil
}

// poll delivers every device interrupt that has become due.
func (m *Machine) poll(ctx *UserContext) error {
	if !m.halted && m.ticks >= m.nextClock {
		m.nextClock = m.ticks + m.cfg.ClockInterval
		if err := m.raise(TrapClock, ctx); err != nil {
			return err
		}
	}

	if !m.halted && m.disk.active && m.ticks >= m.disk.due {
		if err := m.disk.complete(); err != nil {
			m.log.Error("disk transfer failed", "sector", m.disk.sector, "err", err)
		}
		if err := m.raise(TrapDisk, ctx); err != nil {
			return err
		}
	}

	for i := range m.ttys {
		t := &m.ttys[i]
		if m.halted || !t.busy || m.ticks < t.due {
			continue
		}
		if _, err := t.out.Write(t.pending); err != nil {
			m.log.Error("terminal write failed", "tty", i, "err", err)
		}
		t.busy = false
		ctx.Code = i
		if err := m.raise(TrapTTYTransmit, ctx); err != nil {
			return err
		}
	}

	for i := range m.ttys {
		if m.halted {
			break
		}
		line := m.nextInput(i)
		if line == nil {
			continue
		}
		m.ttys[i].staged = line
		ctx.Code = i
		err := m.raise(TrapTTYReceive, ctx)
		m.ttys[i].staged = nil
		if err != nil {
			return err
		}
	}

	return nil
}

// raise delivers a trap of class c to the installed handler.
func (m *Machine) raise(c TrapClass, ctx *UserContext) error {
	ctx.Vector = c
	if m.vector == nil || m.vector[c] == nil {
		m.halted = true
		return fmt.Errorf("%w %s", ErrNoHandler, c)
	}

	handler := m.vector[c]
	return m.call(func() { handler(ctx) })
}

// call runs kernel code, converting an unwinding panic into ErrKernelPanic.
func (m *Machine) call(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.halted = true
			m.log.Error("kernel panic", "cause", r)
			err = fmt.Errorf("%w: %v", ErrKernelPanic, r)
		}
	}()

	fn()
	return nil
}
