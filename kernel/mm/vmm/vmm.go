// Package vmm manages virtual memory: the kernel's region-0 table with its
// scratch and kernel-stack windows, and the per-process region-1 address
// spaces. All kernel access to user memory goes through the scratch windows,
// so it works the same whether or not the target space is loaded.
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
	errSlotInUse     = &kernel.Error{Module: "vmm", Message: "page already mapped"}
	errWindowAccess  = &kernel.Error{Module: "vmm", Message: "scratch window access failed"}
	errKernelTooBig  = &kernel.Error{Module: "vmm", Message: "kernel image overlaps the scratch windows"}
	errStackMismatch = &kernel.Error{Module: "vmm", Message: "kernel stack needs exactly two frames"}
)

// KernelSpace owns the region-0 page table: an identity mapping of the
// kernel image, the scratch windows and the kernel-stack window.
type KernelSpace struct {
	hw    hal.Machine
	table []machine.PTE

	// Scratch gives the kernel temporary access to arbitrary frames.
	Scratch Scratch

	// Stack is the kernel-stack window.
	Stack KernelStack
}

// NewKernelSpace builds the region-0 table, loads it into the MMU and
// returns the kernel space. Pages below kernelEnd are identity mapped
// read/write; the kernel-stack window is identity mapped onto the boot
// kernel stack frames.
func NewKernelSpace(hw hal.Machine, kernelEnd uint32) (*KernelSpace, *kernel.Error) {
	if machine.PageUp(kernelEnd) > mm.ScratchBase {
		return nil, errKernelTooBig
	}

	k := &KernelSpace{
		hw:    hw,
		table: make([]machine.PTE, machine.Region0Pages),
	}
	k.Scratch.k = k
	k.Stack.k = k

	for page := mm.Page(0); page < mm.PageFromAddress(machine.PageUp(kernelEnd)); page++ {
		k.table[page] = machine.PTE{Valid: true, Prot: machine.ProtRead | machine.ProtWrite, PFN: uint32(page)}
	}
	for page := mm.KernelStackPage; page < mm.KernelStackPage+machine.KernelStackPages; page++ {
		k.table[page] = machine.PTE{Valid: true, Prot: machine.ProtRead | machine.ProtWrite, PFN: uint32(page)}
	}

	hw.SetPageTable(machine.Region0, k.table)
	hw.FlushTLB(machine.TLBFlush0)

	return k, nil
}

// setWindow points the region-0 page at frame number pfn. ProtNone
// invalidates the entry.
func (k *KernelSpace) setWindow(page mm.Page, pfn mm.Frame, prot machine.Prot) {
	k.table[page] = machine.PTE{Valid: prot != machine.ProtNone, Prot: prot, PFN: uint32(pfn)}
	k.hw.FlushTLB(page.Address())
}

// Scratch maps frames into the reserved region-0 windows so their contents
// can be read and written.
type Scratch struct {
	k *KernelSpace
}

// window maps f into scratch window i and returns its base address.
func (s *Scratch) window(i int, f *pmm.Frame) uint32 {
	page := mm.ScratchPage + mm.Page(i)
	s.k.setWindow(page, f.Number, machine.ProtRead|machine.ProtWrite)
	return page.Address()
}

func (s *Scratch) unmap(i int) {
	s.k.setWindow(mm.ScratchPage+mm.Page(i), 0, machine.ProtNone)
}

func (s *Scratch) check(ok bool) {
	if !ok {
		kfmt.Panic(errWindowAccess)
	}
}

// WriteFrame copies data into f starting at offset.
func (s *Scratch) WriteFrame(f *pmm.Frame, offset uint32, data []byte) {
	base := s.window(0, f)
	s.check(s.k.hw.WriteVirtual(base+offset, data))
	s.unmap(0)
}

// ReadFrame copies len(buf) bytes of f starting at offset into buf.
func (s *Scratch) ReadFrame(f *pmm.Frame, offset uint32, buf []byte) {
	base := s.window(0, f)
	s.check(s.k.hw.ReadVirtual(base+offset, buf))
	s.unmap(0)
}

// ZeroFrame clears f.
func (s *Scratch) ZeroFrame(f *pmm.Frame) {
	var zero [mm.PageSize]byte
	s.WriteFrame(f, 0, zero[:])
}

// CopyFrame copies the contents of src into dst.
func (s *Scratch) CopyFrame(dst, src *pmm.Frame) {
	var buf [mm.PageSize]byte
	srcBase := s.window(0, src)
	dstBase := s.window(1, dst)
	s.check(s.k.hw.ReadVirtual(srcBase, buf[:]))
	s.check(s.k.hw.WriteVirtual(dstBase, buf[:]))
	s.unmap(0)
	s.unmap(1)
}

// CopyIn copies len(buf) bytes at addr in as into buf. The range must be
// readable.
func (s *Scratch) CopyIn(as *AddressSpace, addr uint32, buf []byte) *kernel.Error {
	if err := as.Ensure(addr, len(buf), machine.ProtRead); err != nil {
		return err
	}

	for len(buf) > 0 {
		off := addr & (mm.PageSize - 1)
		n := min(len(buf), int(mm.PageSize-off))
		s.ReadFrame(as.Frame(mm.PageFromAddress(addr)), off, buf[:n])
		addr += uint32(n)
		buf = buf[n:]
	}
	return nil
}

// CopyOut copies buf to addr in as. The range must be writable.
func (s *Scratch) CopyOut(as *AddressSpace, addr uint32, buf []byte) *kernel.Error {
	if err := as.Ensure(addr, len(buf), machine.ProtWrite); err != nil {
		return err
	}

	for len(buf) > 0 {
		off := addr & (mm.PageSize - 1)
		n := min(len(buf), int(mm.PageSize-off))
		s.WriteFrame(as.Frame(mm.PageFromAddress(addr)), off, buf[:n])
		addr += uint32(n)
		buf = buf[n:]
	}
	return nil
}

// CopyString reads a NUL-terminated string of at most limit bytes (excluding
// the terminator) starting at addr in as. Every byte up to and including
// the terminator must be readable.
func (s *Scratch) CopyString(as *AddressSpace, addr uint32, limit int) (string, *kernel.Error) {
	var (
		out []byte
		b   [1]byte
	)

	for len(out) <= limit {
		if err := s.CopyIn(as, addr+uint32(len(out)), b[:]); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(out), nil
		}
		out = append(out, b[0])
	}

	return "", ErrBadAddress
}

// CopyBetween copies n bytes from src in srcSpace to dst in dstSpace, one
// page fragment at a time through both scratch windows. The source must be
// readable and the destination writable.
func (s *Scratch) CopyBetween(dstSpace *AddressSpace, dst uint32, srcSpace *AddressSpace, src uint32, n int) *kernel.Error {
	if err := srcSpace.Ensure(src, n, machine.ProtRead); err != nil {
		return err
	}
	if err := dstSpace.Ensure(dst, n, machine.ProtWrite); err != nil {
		return err
	}

	var buf [mm.PageSize]byte
	for n > 0 {
		srcOff, dstOff := src&(mm.PageSize-1), dst&(mm.PageSize-1)
		chunk := min(n, int(mm.PageSize-srcOff), int(mm.PageSize-dstOff))

		srcBase := s.window(0, srcSpace.Frame(mm.PageFromAddress(src)))
		dstBase := s.window(1, dstSpace.Frame(mm.PageFromAddress(dst)))
		s.check(s.k.hw.ReadVirtual(srcBase+srcOff, buf[:chunk]))
		s.check(s.k.hw.WriteVirtual(dstBase+dstOff, buf[:chunk]))

		src += uint32(chunk)
		dst += uint32(chunk)
		n -= chunk
	}
	s.unmap(0)
	s.unmap(1)

	return nil
}

// KernelStack is the fixed region-0 window at the top of kernel space that
// shows the running process's two kernel-stack frames.
type KernelStack struct {
	k      *KernelSpace
	frames []*pmm.Frame
}

// Map points the kernel-stack window at frames.
func (ks *KernelStack) Map(frames []*pmm.Frame) {
	if len(frames) != machine.KernelStackPages {
		kfmt.Panic(errStackMismatch)
	}

	for i, f := range frames {
		ks.k.setWindow(mm.KernelStackPage+mm.Page(i), f.Number, machine.ProtRead|machine.ProtWrite)
	}
	ks.frames = frames
}

// Frames returns the frames currently shown in the window, or nil while the
// boot kernel stack is mapped.
func (ks *KernelStack) Frames() []*pmm.Frame {
	return ks.frames
}
