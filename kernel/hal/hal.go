// Package hal defines the hardware the kernel programs against. The kernel
// never reaches into the simulator directly; everything it needs from the
// machine goes through the Machine interface so tests can substitute the
// pieces they care about.
package hal

import "github.com/kazzmir/yalnix/machine"

// Machine is the set of hardware operations used by the kernel.
type Machine interface {
	// MemorySize returns the size of physical memory in bytes.
	MemorySize() uint32

	// SetPageTable loads the page table of a region into the MMU.
	SetPageTable(r machine.Region, table []machine.PTE)

	// FlushTLB drops cached translations for a region or a single page.
	FlushTLB(target uint32)

	// SetTrapVector installs the trap vector table.
	SetTrapVector(v *machine.TrapVector)

	// TrapVector returns the installed trap vector table.
	TrapVector() *machine.TrapVector

	// ReadVirtual and WriteVirtual access memory through the current
	// translation with kernel privileges.
	ReadVirtual(addr uint32, p []byte) bool
	WriteVirtual(addr uint32, p []byte) bool

	// TtyTransmit starts an asynchronous terminal transmission.
	TtyTransmit(tty int, buf []byte) bool

	// TtyReceive fetches the line announced by a receive trap.
	TtyReceive(tty int, buf []byte) int

	// DiskAccess starts an asynchronous sector transfer.
	DiskAccess(op machine.DiskOp, sector int, buf []byte) bool

	// Halt stops the machine once the current trap returns.
	Halt()
}

var _ Machine = (*machine.Machine)(nil)
