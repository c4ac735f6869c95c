package vmm

import (
	"github.com/kazzmir/yalnix/kernel"
	"github.com/kazzmir/yalnix/kernel/hal"
	"github.com/kazzmir/yalnix/kernel/kfmt"
	"github.com/kazzmir/yalnix/kernel/mm"
	"github.com/kazzmir/yalnix/kernel/mm/pmm"
	"github.com/kazzmir/yalnix/machine"
)

var (
	// ErrBadAddress is returned when a user range is not mapped with the
	// required protection or does not lie in region 1.
	ErrBadAddress = &kernel.Error{Module: "vmm", Message: "invalid user address"}

	// activeSpace is the address space whose table is loaded in the MMU.
	activeSpace *AddressSpace
)

// AddressSpace is the region-1 half of a process's virtual memory: one
// optional frame per page plus the hardware page table that mirrors it.
type AddressSpace struct {
	slots []*pmm.Frame
	table []machine.PTE

	hw hal.Machine
}

// NewAddressSpace returns an empty address space.
func NewAddressSpace() *AddressSpace {
	return &AddressSpace{
		slots: make([]*pmm.Frame, mm.UserPages),
		table: make([]machine.PTE, mm.UserPages),
	}
}

// Activate loads the address space into the MMU and flushes the region-1
// TLB entries.
func (as *AddressSpace) Activate(hw hal.Machine) {
	if activeSpace != nil {
		activeSpace.hw = nil
	}
	activeSpace = as
	as.hw = hw

	hw.SetPageTable(machine.Region1, as.table)
	hw.FlushTLB(machine.TLBFlush1)
}

// Active reports whether the address space is loaded in the MMU.
func (as *AddressSpace) Active() bool {
	return activeSpace == as && as.hw != nil
}

func (as *AddressSpace) flush(page mm.Page) {
	if as.Active() {
		as.hw.FlushTLB(page.Address())
	}
}

// Frame returns the frame mapped at page or nil.
func (as *AddressSpace) Frame(page mm.Page) *pmm.Frame {
	if !page.IsUser() {
		return nil
	}
	return as.slots[page.UserIndex()]
}

// Map installs f at page with the given protection. The slot must be empty.
func (as *AddressSpace) Map(page mm.Page, f *pmm.Frame, prot machine.Prot) {
	i := page.UserIndex()
	if as.slots[i] != nil {
		kfmt.Panic(errSlotInUse)
	}

	f.Page = page
	f.Prot = prot
	as.slots[i] = f
	as.table[i] = machine.PTE{Valid: true, Prot: prot, PFN: uint32(f.Number)}
	as.flush(page)
}

// Protect changes the protection of a mapped page.
func (as *AddressSpace) Protect(page mm.Page, prot machine.Prot) {
	i := page.UserIndex()
	if as.slots[i] == nil {
		return
	}

	as.slots[i].Prot = prot
	as.table[i].Prot = prot
	as.flush(page)
}

// Unmap removes the mapping at page and returns the frame that backed it, or
// nil if the page was not mapped. The frame is not released.
func (as *AddressSpace) Unmap(page mm.Page) *pmm.Frame {
	i := page.UserIndex()
	f := as.slots[i]
	if f == nil {
		return nil
	}

	as.slots[i] = nil
	as.table[i] = machine.PTE{}
	as.flush(page)
	return f
}

// Mapped returns the number of mapped pages.
func (as *AddressSpace) Mapped() int {
	var n int
	for _, f := range as.slots {
		if f != nil {
			n++
		}
	}
	return n
}

// Each calls fn for every mapped page in ascending order.
func (as *AddressSpace) Each(fn func(mm.Page, *pmm.Frame)) {
	for i, f := range as.slots {
		if f != nil {
			fn(mm.UserPage(i), f)
		}
	}
}

// Release unmaps every page and returns its frame to pool.
func (as *AddressSpace) Release(pool *pmm.Pool) {
	for i, f := range as.slots {
		if f == nil {
			continue
		}
		as.Unmap(mm.UserPage(i))
		pool.Release(f)
	}
}

// Ensure checks that [addr, addr+length) lies in region 1 and that every
// page of it is mapped with at least prot.
func (as *AddressSpace) Ensure(addr uint32, length int, prot machine.Prot) *kernel.Error {
	if length < 0 {
		return ErrBadAddress
	}

	end := uint64(addr) + uint64(length)
	if addr < machine.VMem1Base || end > machine.VMem1Limit {
		return ErrBadAddress
	}
	if length == 0 {
		return nil
	}

	for page := mm.PageFromAddress(addr); page <= mm.PageFromAddress(uint32(end-1)); page++ {
		f := as.slots[page.UserIndex()]
		if f == nil || f.Prot&prot != prot {
			return ErrBadAddress
		}
	}

	return nil
}
