package machine

const (
	// PageShift is equal to log2(PageSize). It converts between addresses
	// and page/frame numbers.
	PageShift = 12

	// PageSize defines the machine's page size in bytes.
	PageSize = 1 << PageShift

	// VMem0Base is the first virtual address of region 0 (kernel space).
	VMem0Base = 0x000000

	// VMem0Limit is the first virtual address past region 0.
	VMem0Limit = 0x100000

	// VMem1Base is the first virtual address of region 1 (user space).
	VMem1Base = VMem0Limit

	// VMem1Limit is the first virtual address past region 1.
	VMem1Limit = 0x200000

	// Region0Pages is the number of page table entries in region 0.
	Region0Pages = (VMem0Limit - VMem0Base) >> PageShift

	// Region1Pages is the number of page table entries in region 1.
	Region1Pages = (VMem1Limit - VMem1Base) >> PageShift

	// KernelStackPages is the size of the kernel stack in pages.
	KernelStackPages = 2

	// KernelStackLimit is the first address past the kernel stack window.
	KernelStackLimit = VMem0Limit

	// KernelStackBase is the lowest address of the kernel stack window.
	KernelStackBase = KernelStackLimit - KernelStackPages*PageSize
)

// Region selects one of the two halves of the virtual address space.
type Region uint8

const (
	// Region0 is kernel space.
	Region0 Region = iota

	// Region1 is user space.
	Region1
)

// Prot is a set of page protection bits.
type Prot uint8

// The protection bits understood by the MMU.
const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec

	ProtNone Prot = 0
)

// String implements fmt.Stringer for Prot.
func (p Prot) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// PageDown rounds addr down to the start of its page.
func PageDown(addr uint32) uint32 {
	return addr &^ (PageSize - 1)
}

// PageUp rounds addr up to the next page boundary.
func PageUp(addr uint32) uint32 {
	return (addr + PageSize - 1) &^ (PageSize - 1)
}
