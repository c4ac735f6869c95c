package vmm

import (
	"bytes"
	"testing"

	"github.com/kazzmir/yalnix/kernel/mm"
	"github.com/kazzmir/yalnix/kernel/mm/pmm"
	"github.com/kazzmir/yalnix/machine"
)

const testKernelEnd = 64 * mm.PageSize

func setup(t *testing.T) (*machine.Machine, *KernelSpace, *pmm.Pool) {
	t.Helper()

	hw := machine.New(machine.Config{})
	k, err := NewKernelSpace(hw, testKernelEnd)
	if err != nil {
		t.Fatal(err)
	}
	return hw, k, pmm.NewPool(hw.MemorySize(), testKernelEnd)
}

func alloc(t *testing.T, pool *pmm.Pool) *pmm.Frame {
	t.Helper()
	f, err := pool.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	return f
}

// drain allocates frames until only n are left.
func drain(pool *pmm.Pool, n int) {
	for pool.Free() > n {
		pool.Allocate()
	}
}

func TestNewKernelSpace(t *testing.T) {
	hw := machine.New(machine.Config{})
	if _, err := NewKernelSpace(hw, mm.ScratchBase+1); err != errKernelTooBig {
		t.Fatalf("expected errKernelTooBig; got %v", err)
	}

	_, k, _ := setup(t)
	if !k.table[0].Valid || !k.table[63].Valid || k.table[64].Valid {
		t.Fatal("expected exactly the kernel image pages to be identity mapped")
	}
	if k.table[mm.ScratchPage].Valid {
		t.Fatal("expected scratch windows to start unmapped")
	}
}

func TestScratch(t *testing.T) {
	_, k, pool := setup(t)
	s := &k.Scratch

	a, b := alloc(t, pool), alloc(t, pool)
	s.WriteFrame(a, 100, []byte("scratch"))

	buf := make([]byte, 7)
	s.ReadFrame(a, 100, buf)
	if string(buf) != "scratch" {
		t.Fatalf("expected to read back %q; got %q", "scratch", buf)
	}

	s.CopyFrame(b, a)
	s.ReadFrame(b, 100, buf)
	if string(buf) != "scratch" {
		t.Fatalf("expected copied frame to hold %q; got %q", "scratch", buf)
	}

	s.ZeroFrame(a)
	s.ReadFrame(a, 100, buf)
	if !bytes.Equal(buf, make([]byte, 7)) {
		t.Fatalf("expected zeroed frame; got %v", buf)
	}

	for i := 0; i < mm.ScratchPages; i++ {
		if k.table[mm.ScratchPage+mm.Page(i)].Valid {
			t.Fatalf("expected scratch window %d to be unmapped after use", i)
		}
	}
}

func TestAddressSpaceMapping(t *testing.T) {
	hw, k, pool := setup(t)
	as := NewAddressSpace()
	as.Activate(hw)

	page := mm.UserBasePage + 5
	f := alloc(t, pool)
	k.Scratch.WriteFrame(f, 0, []byte("live"))

	as.Map(page, f, machine.ProtRead)
	if f.Page != page || f.Prot != machine.ProtRead || as.Frame(page) != f || as.Mapped() != 1 {
		t.Fatal("expected frame bookkeeping to follow the mapping")
	}

	buf := make([]byte, 4)
	if !hw.ReadVirtual(page.Address(), buf) || string(buf) != "live" {
		t.Fatalf("expected mapping to be visible through the MMU; got %q", buf)
	}
	if hw.WriteVirtual(page.Address(), buf) {
		t.Fatal("expected read-only mapping to reject writes")
	}

	as.Protect(page, machine.ProtRead|machine.ProtWrite)
	if !hw.WriteVirtual(page.Address(), []byte("edit")) {
		t.Fatal("expected write after Protect to succeed")
	}

	if got := as.Unmap(page); got != f {
		t.Fatal("expected Unmap to return the frame")
	}
	if hw.ReadVirtual(page.Address(), buf) {
		t.Fatal("expected unmapped page to fault")
	}
	if as.Unmap(page) != nil {
		t.Fatal("expected second Unmap to return nil")
	}

	other := NewAddressSpace()
	other.Activate(hw)
	if as.Active() || !other.Active() {
		t.Fatal("expected only the last activated space to be active")
	}
}

func TestEnsure(t *testing.T) {
	_, _, pool := setup(t)
	as := NewAddressSpace()
	as.Map(mm.UserBasePage+1, alloc(t, pool), machine.ProtRead|machine.ProtWrite)
	as.Map(mm.UserBasePage+2, alloc(t, pool), machine.ProtRead)

	base := (mm.UserBasePage + 1).Address()
	specs := []struct {
		addr   uint32
		length int
		prot   machine.Prot
		ok     bool
	}{
		{base, 16, machine.ProtRead | machine.ProtWrite, true},
		{base, 2 * mm.PageSize, machine.ProtRead, true},
		{base, 2 * mm.PageSize, machine.ProtWrite, false},
		{base + mm.PageSize - 1, 2, machine.ProtRead, true},
		{base - 1, 2, machine.ProtRead, false},
		{base, 3 * mm.PageSize, machine.ProtRead, false},
		{base, -1, machine.ProtRead, false},
		{base, 0, machine.ProtWrite, true},
		{machine.VMem0Base + 16, 4, machine.ProtRead, false},
		{machine.VMem1Limit - 2, 4, machine.ProtRead, false},
	}

	for specIndex, spec := range specs {
		err := as.Ensure(spec.addr, spec.length, spec.prot)
		if spec.ok && err != nil {
			t.Errorf("[spec %d] expected range to be valid; got %v", specIndex, err)
		}
		if !spec.ok && err != ErrBadAddress {
			t.Errorf("[spec %d] expected ErrBadAddress; got %v", specIndex, err)
		}
	}
}

func TestCopyInOut(t *testing.T) {
	_, k, pool := setup(t)
	s := &k.Scratch
	as := NewAddressSpace()
	for i := mm.Page(1); i <= 2; i++ {
		as.Map(mm.UserBasePage+i, alloc(t, pool), machine.ProtRead|machine.ProtWrite)
	}

	addr := (mm.UserBasePage + 2).Address() - 3
	if err := s.CopyOut(as, addr, []byte("across\x00")); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 6)
	if err := s.CopyIn(as, addr, buf); err != nil || string(buf) != "across" {
		t.Fatalf("expected to read back %q; got %q (%v)", "across", buf, err)
	}

	str, err := s.CopyString(as, addr, 16)
	if err != nil || str != "across" {
		t.Fatalf("expected string %q; got %q (%v)", "across", str, err)
	}
	if _, err := s.CopyString(as, addr, 3); err != ErrBadAddress {
		t.Fatalf("expected over-long string to fail; got %v", err)
	}

	if err := s.CopyOut(as, (mm.UserBasePage + 3).Address()-2, []byte("nope")); err != ErrBadAddress {
		t.Fatalf("expected CopyOut past the mapping to fail; got %v", err)
	}
}

func TestCopyBetween(t *testing.T) {
	_, k, pool := setup(t)
	s := &k.Scratch

	src, dst := NewAddressSpace(), NewAddressSpace()
	for i := mm.Page(0); i < 3; i++ {
		src.Map(mm.UserBasePage+i, alloc(t, pool), machine.ProtRead)
		dst.Map(mm.UserBasePage+10+i, alloc(t, pool), machine.ProtRead|machine.ProtWrite)
	}

	payload := bytes.Repeat([]byte("0123456789"), 700)
	srcAddr := mm.UserBasePage.Address() + 123
	for i, page := 0, mm.UserBasePage; i < len(payload); page++ {
		off := uint32(0)
		if page == mm.UserBasePage {
			off = 123
		}
		n := copy(make([]byte, mm.PageSize-off), payload[i:])
		s.WriteFrame(src.Frame(page), off, payload[i:i+n])
		i += n
	}

	dstAddr := (mm.UserBasePage + 10).Address() + 4000
	if err := s.CopyBetween(dst, dstAddr, src, srcAddr, len(payload)); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, len(payload))
	if err := s.CopyIn(dst, dstAddr, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("expected destination to hold the payload")
	}

	if err := s.CopyBetween(src, srcAddr, dst, dstAddr, 10); err != ErrBadAddress {
		t.Fatalf("expected copy into a read-only space to fail; got %v", err)
	}
}

func TestClone(t *testing.T) {
	_, k, pool := setup(t)
	s := &k.Scratch

	src := NewAddressSpace()
	src.Map(mm.UserBasePage, alloc(t, pool), machine.ProtRead|machine.ProtExec)
	src.Map(mm.UserBasePage+7, alloc(t, pool), machine.ProtRead|machine.ProtWrite)
	s.WriteFrame(src.Frame(mm.UserBasePage+7), 0, []byte("heap"))

	t.Run("success", func(t *testing.T) {
		dst := NewAddressSpace()
		used := pool.Used()
		if err := Clone(dst, src, pool, s); err != nil {
			t.Fatal(err)
		}
		if pool.Used() != used+2 || dst.Mapped() != 2 {
			t.Fatalf("expected 2 new frames; got %d", pool.Used()-used)
		}

		f := dst.Frame(mm.UserBasePage + 7)
		if f == src.Frame(mm.UserBasePage+7) {
			t.Fatal("expected pages to be copied, not shared")
		}
		if f.Prot != machine.ProtRead|machine.ProtWrite || dst.Frame(mm.UserBasePage).Prot != machine.ProtRead|machine.ProtExec {
			t.Fatal("expected protections to be preserved")
		}

		buf := make([]byte, 4)
		s.ReadFrame(f, 0, buf)
		if string(buf) != "heap" {
			t.Fatalf("expected copied contents %q; got %q", "heap", buf)
		}

		dst.Release(pool)
		if pool.Used() != used || dst.Mapped() != 0 {
			t.Fatal("expected Release to return every frame")
		}
	})

	t.Run("out of memory", func(t *testing.T) {
		drain(pool, 1)
		dst := NewAddressSpace()
		if err := Clone(dst, src, pool, s); err != pmm.ErrOutOfMemory {
			t.Fatalf("expected ErrOutOfMemory; got %v", err)
		}
		if dst.Mapped() != 0 || pool.Free() != 1 {
			t.Fatal("expected failed clone to leave nothing behind")
		}
	})
}

func TestBrk(t *testing.T) {
	_, k, pool := setup(t)
	s := &k.Scratch
	as := NewAddressSpace()

	var (
		heapStart = mm.UserBasePage + 4
		stackBase = mm.UserBasePage + 20
		heapEnd   = heapStart
		err       error
	)

	brk := func(addr uint32) error {
		end, kerr := Brk(as, pool, s, heapStart, heapEnd, stackBase, addr)
		heapEnd = end
		if kerr != nil {
			return kerr
		}
		return nil
	}

	if err = brk(heapStart.Address() + 2*mm.PageSize + 1); err != nil {
		t.Fatal(err)
	}
	if heapEnd != heapStart+3 || as.Mapped() != 3 {
		t.Fatalf("expected heap to cover 3 pages; got end %d mapped %d", heapEnd-heapStart, as.Mapped())
	}

	if err = brk(heapStart.Address() + mm.PageSize); err != nil {
		t.Fatal(err)
	}
	if heapEnd != heapStart+1 || as.Mapped() != 1 {
		t.Fatalf("expected heap to shrink to 1 page; got end %d mapped %d", heapEnd-heapStart, as.Mapped())
	}

	specs := []struct {
		addr   uint32
		expErr error
	}{
		{heapStart.Address() - mm.PageSize - 1, ErrBadBreak},
		{stackBase.Address(), ErrBadBreak},
		{machine.VMem1Limit + 1, ErrBadAddress},
		{machine.VMem0Base + 8, ErrBadAddress},
	}
	for specIndex, spec := range specs {
		if err = brk(spec.addr); err != spec.expErr {
			t.Errorf("[spec %d] expected %v; got %v", specIndex, spec.expErr, err)
		}
		if heapEnd != heapStart+1 {
			t.Errorf("[spec %d] expected failed brk to keep the heap end", specIndex)
		}
	}

	drain(pool, 2)
	if err = brk((heapStart + 5).Address()); err != pmm.ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}
	if as.Mapped() != 1 || pool.Free() != 2 {
		t.Fatal("expected failed growth to allocate nothing")
	}
}

func TestGrowStack(t *testing.T) {
	_, k, pool := setup(t)
	s := &k.Scratch
	as := NewAddressSpace()

	top := mm.UserLimitPage
	as.Map(top-1, alloc(t, pool), machine.ProtRead|machine.ProtWrite)

	if err := GrowStack(as, pool, s, top-4, top); err != nil {
		t.Fatal(err)
	}
	if as.Mapped() != 4 {
		t.Fatalf("expected 4 stack pages; got %d", as.Mapped())
	}

	drain(pool, 1)
	if err := GrowStack(as, pool, s, top-8, top-4); err != pmm.ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}
	if as.Mapped() != 4 || pool.Free() != 1 {
		t.Fatal("expected partial growth to be rolled back")
	}
}

func TestKernelStackWindow(t *testing.T) {
	hw, k, pool := setup(t)

	if k.Stack.Frames() != nil {
		t.Fatal("expected the boot stack to be mapped initially")
	}

	frames := []*pmm.Frame{alloc(t, pool), alloc(t, pool)}
	k.Scratch.WriteFrame(frames[1], 8, []byte("kstack"))
	k.Stack.Map(frames)

	buf := make([]byte, 6)
	if !hw.ReadVirtual(machine.KernelStackBase+mm.PageSize+8, buf) || string(buf) != "kstack" {
		t.Fatalf("expected the window to show the process's stack frames; got %q", buf)
	}
	if got := k.Stack.Frames(); len(got) != 2 || got[0] != frames[0] {
		t.Fatal("expected Frames to return the mapped frames")
	}
}
