// Package mm defines the page and frame numbering shared by the memory
// managers and the fixed layout of the kernel's region-0 windows.
package mm

import "github.com/kazzmir/yalnix/machine"

const (
	// PageShift is equal to log2(PageSize).
	PageShift = machine.PageShift

	// PageSize defines the system's page size in bytes.
	PageSize = machine.PageSize

	// ScratchPages is the number of region-0 windows the kernel uses to
	// reach frames that are not mapped in the current address space.
	ScratchPages = 2

	// ScratchBase is the address of the first scratch window. The windows
	// sit directly below the kernel stack.
	ScratchBase = machine.KernelStackBase - ScratchPages*PageSize
)

// Frame describes a physical memory page index.
type Frame uint32

// Address returns the physical address of the first byte of the frame.
func (f Frame) Address() uint32 {
	return uint32(f) << PageShift
}

// FrameFromAddress returns the Frame that contains physAddr.
func FrameFromAddress(physAddr uint32) Frame {
	return Frame(physAddr >> PageShift)
}

// Page describes a virtual memory page index.
type Page uint32

// Address returns the virtual address of the first byte of the page.
func (p Page) Address() uint32 {
	return uint32(p) << PageShift
}

// PageFromAddress returns the Page that contains virtAddr.
func PageFromAddress(virtAddr uint32) Page {
	return Page(virtAddr >> PageShift)
}

const (
	// UserBasePage is the first page of region 1.
	UserBasePage = Page(machine.VMem1Base >> PageShift)

	// UserLimitPage is the first page past region 1.
	UserLimitPage = Page(machine.VMem1Limit >> PageShift)

	// UserPages is the number of pages in region 1.
	UserPages = int(UserLimitPage - UserBasePage)

	// KernelStackPage is the first page of the kernel stack window.
	KernelStackPage = Page(machine.KernelStackBase >> PageShift)

	// ScratchPage is the first scratch window page.
	ScratchPage = Page(ScratchBase >> PageShift)
)

// IsUser reports whether p lies in region 1.
func (p Page) IsUser() bool {
	return p >= UserBasePage && p < UserLimitPage
}

// UserIndex returns the index of p inside region 1. It is only meaningful
// when IsUser reports true.
func (p Page) UserIndex() int {
	return int(p - UserBasePage)
}

// UserPage returns the page at index i of region 1.
func UserPage(i int) Page {
	return UserBasePage + Page(i)
}

// PagesSpanned returns the number of pages touched by length bytes starting
// at addr.
func PagesSpanned(addr, length uint32) int {
	if length == 0 {
		return 0
	}
	first := PageFromAddress(addr)
	last := PageFromAddress(addr + length - 1)
	return int(last-first) + 1
}
