package vmm

import (
	"github.com/kazzmir/yalnix/kernel"
	"github.com/kazzmir/yalnix/kernel/kfmt"
	"github.com/kazzmir/yalnix/kernel/mm"
	"github.com/kazzmir/yalnix/kernel/mm/pmm"
	"github.com/kazzmir/yalnix/machine"
)

var (
	// ErrBadBreak is returned by Brk when the requested break falls below
	// the heap start or runs into the stack.
	ErrBadBreak = &kernel.Error{Module: "vmm", Message: "invalid program break"}
)

// MapZeroed maps fresh zeroed frames at every unmapped page in [from, to).
// If the pool runs dry, the pages mapped by this call are released again and
// pmm.ErrOutOfMemory is returned.
func MapZeroed(as *AddressSpace, pool *pmm.Pool, s *Scratch, from, to mm.Page, prot machine.Prot) *kernel.Error {
	var mapped []mm.Page

	for page := from; page < to; page++ {
		if as.Frame(page) != nil {
			continue
		}

		f, err := pool.Allocate()
		if err != nil {
			for _, p := range mapped {
				pool.Release(as.Unmap(p))
			}
			return err
		}

		s.ZeroFrame(f)
		as.Map(page, f, prot)
		mapped = append(mapped, page)
	}

	return nil
}

// Clone copies every mapped page of src into fresh frames mapped at the same
// pages of dst with the same protection. On failure every frame already
// given to dst is released.
func Clone(dst, src *AddressSpace, pool *pmm.Pool, s *Scratch) *kernel.Error {
	if !pool.Available(src.Mapped()) {
		return pmm.ErrOutOfMemory
	}

	var err *kernel.Error
	src.Each(func(page mm.Page, from *pmm.Frame) {
		if err != nil {
			return
		}

		var to *pmm.Frame
		if to, err = pool.Allocate(); err != nil {
			return
		}

		s.CopyFrame(to, from)
		dst.Map(page, to, from.Prot)
	})

	if err != nil {
		dst.Release(pool)
	}
	return err
}

// Brk moves the top of the heap so that every address below newBreak is
// mapped. heapStart and heapEnd delimit the current heap pages and stackBase
// is the lowest stack page; one unmapped page is always kept between the
// heap and the stack. It returns the new heap end page.
func Brk(as *AddressSpace, pool *pmm.Pool, s *Scratch, heapStart, heapEnd, stackBase mm.Page, newBreak uint32) (mm.Page, *kernel.Error) {
	if newBreak < machine.VMem1Base || newBreak > machine.VMem1Limit {
		return heapEnd, ErrBadAddress
	}

	newEnd := mm.PageFromAddress(machine.PageUp(newBreak))
	if newEnd < heapStart || newEnd >= stackBase {
		return heapEnd, ErrBadBreak
	}

	switch {
	case newEnd > heapEnd:
		if !pool.Available(int(newEnd - heapEnd)) {
			kfmt.Tracef(4, "[vmm] not enough free frames for brk to %#x\n", newBreak)
			return heapEnd, pmm.ErrOutOfMemory
		}
		if err := MapZeroed(as, pool, s, heapEnd, newEnd, machine.ProtRead|machine.ProtWrite); err != nil {
			return heapEnd, err
		}
	case newEnd < heapEnd:
		for page := newEnd; page < heapEnd; page++ {
			if f := as.Unmap(page); f != nil {
				pool.Release(f)
			}
		}
	}

	return newEnd, nil
}

// GrowStack maps the pages in [from, to) that are not mapped yet so the stack
// extends down to from. The stack pages are read/write.
func GrowStack(as *AddressSpace, pool *pmm.Pool, s *Scratch, from, to mm.Page) *kernel.Error {
	return MapZeroed(as, pool, s, from, to, machine.ProtRead|machine.ProtWrite)
}
