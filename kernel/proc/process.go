// Package proc implements the process model: process records, the process
// table, parent/child links and exit bookkeeping.
package proc

import (
	"github.com/kazzmir/yalnix/abi"
	"github.com/kazzmir/yalnix/kernel/mm"
	"github.com/kazzmir/yalnix/kernel/mm/pmm"
	"github.com/kazzmir/yalnix/kernel/mm/vmm"
	"github.com/kazzmir/yalnix/machine"
)

// Status is the lifecycle state of a process.
type Status uint8

// The process states. A process is runnable from creation until it exits.
const (
	StatusRunnable Status = iota
	StatusDied
)

// String implements fmt.Stringer for Status.
func (s Status) String() string {
	if s == StatusDied {
		return "died"
	}
	return "runnable"
}

// initialChildSlots is the size of a fresh child slot array.
const initialChildSlots = 10

// ExitRecord is queued on a parent when one of its children exits and
// consumed by wait.
type ExitRecord struct {
	ID   int
	Code int

	zombie *Process
}

// KernelContext is the kernel half of a suspended process: the continuation
// to run the next time the process is switched in. A nil Resume means the
// process returns straight to user mode.
type KernelContext struct {
	Resume func(ctx *machine.UserContext)
}

// Process describes a user process.
type Process struct {
	ID     int
	Name   string
	Status Status

	// Space holds the region-1 mappings; KernelStack the two frames shown
	// in the kernel-stack window while the process runs.
	Space       *vmm.AddressSpace
	KernelStack []*pmm.Frame

	// HeapStart and HeapEnd delimit the heap pages [HeapStart, HeapEnd).
	// StackBase is the lowest mapped stack page.
	HeapStart mm.Page
	HeapEnd   mm.Page
	StackBase mm.Page

	// Parent is cleared when the parent exits.
	Parent *Process

	children []*Process
	exits    []ExitRecord

	// Inbox receives IPC envelopes; InboxSender is the id of the process
	// that filled it.
	Inbox       [abi.MessageSize]byte
	InboxSender int

	// User is the saved user-mode context while the process is not running.
	User machine.UserContext

	// Kernel is the saved kernel continuation.
	Kernel KernelContext
}

// addChild stores c in the first free child slot, doubling the slot array
// when it is full.
func (p *Process) addChild(c *Process) {
	for i, slot := range p.children {
		if slot == nil {
			p.children[i] = c
			return
		}
	}

	grown := make([]*Process, 2*len(p.children))
	copy(grown, p.children)
	grown[len(p.children)] = c
	p.children = grown
}

func (p *Process) removeChild(c *Process) {
	for i, slot := range p.children {
		if slot == c {
			p.children[i] = nil
			return
		}
	}
}

// Children returns the number of live children.
func (p *Process) Children() int {
	var n int
	for _, c := range p.children {
		if c != nil {
			n++
		}
	}
	return n
}

// PendingExits returns the number of exit records waiting to be reaped.
func (p *Process) PendingExits() int {
	return len(p.exits)
}
