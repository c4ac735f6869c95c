package machine

// PTE is a page table entry. Page tables are slices owned by the kernel and
// handed to the MMU through SetPageTable; the MMU reads them on a TLB miss.
type PTE struct {
	Valid bool
	Prot  Prot
	PFN   uint32
}

// TLB flush targets accepted by FlushTLB in addition to a virtual address.
const (
	TLBFlushAll uint32 = 0xffffffff - iota
	TLBFlush0
	TLBFlush1
)

type tlbKey struct {
	region Region
	page   uint32
}

// mmu translates virtual addresses. Translations are cached until the kernel
// flushes them, so a page table edit is invisible until FlushTLB is called.
type mmu struct {
	tables [2][]PTE
	tlb    map[tlbKey]PTE
}

func (u *mmu) setTable(r Region, table []PTE) {
	u.tables[r] = table
}

func (u *mmu) flush(target uint32) {
	switch target {
	case TLBFlushAll:
		u.tlb = nil
	case TLBFlush0, TLBFlush1:
		r := Region0
		if target == TLBFlush1 {
			r = Region1
		}
		for k := range u.tlb {
			if k.region == r {
				delete(u.tlb, k)
			}
		}
	default:
		r, page, ok := split(target)
		if ok {
			delete(u.tlb, tlbKey{r, page})
		}
	}
}

// split maps addr to its region and the page index inside that region.
func split(addr uint32) (Region, uint32, bool) {
	switch {
	case addr < VMem0Limit:
		return Region0, (addr - VMem0Base) >> PageShift, true
	case addr >= VMem1Base && addr < VMem1Limit:
		return Region1, (addr - VMem1Base) >> PageShift, true
	default:
		return 0, 0, false
	}
}

// translate returns the physical address backing addr if the access is
// permitted. User-mode accesses may only touch region 1.
func (u *mmu) translate(addr uint32, access Prot, user bool) (uint32, bool) {
	r, page, ok := split(addr)
	if !ok || (user && r != Region1) {
		return 0, false
	}

	key := tlbKey{r, page}
	pte, cached := u.tlb[key]
	if !cached {
		table := u.tables[r]
		if int(page) >= len(table) {
			return 0, false
		}
		pte = table[page]
		if !pte.Valid {
			return 0, false
		}
		if u.tlb == nil {
			u.tlb = make(map[tlbKey]PTE)
		}
		u.tlb[key] = pte
	}

	if pte.Prot&access != access {
		return 0, false
	}

	return pte.PFN<<PageShift | addr&(PageSize-1), true
}
