// Package pmm implements the physical frame allocator. Every frame the
// kernel can hand out is described by a Frame record; a record is either on
// the pool's free stack or owned by exactly one address-space slot or kernel
// stack.
package pmm

import (
	"github.com/kazzmir/yalnix/kernel"
	"github.com/kazzmir/yalnix/kernel/kfmt"
	"github.com/kazzmir/yalnix/kernel/mm"
	"github.com/kazzmir/yalnix/machine"
)

var (
	// ErrOutOfMemory is returned by Allocate when the free stack is empty.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	errDoubleFree = &kernel.Error{Module: "pmm", Message: "release of a free frame"}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// Frame describes one allocatable physical frame.
type Frame struct {
	// Number is the physical frame number.
	Number mm.Frame

	// Page is the virtual page the frame is currently mapped at and Prot
	// the protection it is mapped with. Both are meaningful only while
	// the frame is in use.
	Page mm.Page
	Prot machine.Prot

	inUse bool
}

// InUse reports whether the frame is currently allocated.
func (f *Frame) InUse() bool {
	return f.inUse
}

// Pool hands out the frames that are not occupied by the kernel image or the
// boot kernel stack.
type Pool struct {
	frames []Frame
	free   []*Frame
}

// NewPool builds a pool covering physical memory of memorySize bytes. Frames
// below kernelEnd and the frames identity-mapped under the boot kernel stack
// are left out.
func NewPool(memorySize, kernelEnd uint32) *Pool {
	var (
		total      = mm.Frame(memorySize >> mm.PageShift)
		first      = mm.FrameFromAddress(machine.PageUp(kernelEnd))
		stackFirst = mm.FrameFromAddress(machine.KernelStackBase)
		stackLast  = mm.FrameFromAddress(machine.KernelStackLimit - 1)
		pool       = &Pool{}
	)

	for n := first; n < total; n++ {
		if n >= stackFirst && n <= stackLast {
			continue
		}
		pool.frames = append(pool.frames, Frame{Number: n})
	}

	// Push in reverse so that the lowest frames are handed out first.
	pool.free = make([]*Frame, 0, len(pool.frames))
	for i := len(pool.frames) - 1; i >= 0; i-- {
		pool.free = append(pool.free, &pool.frames[i])
	}

	return pool
}

// Allocate reserves a free frame.
func (p *Pool) Allocate() (*Frame, *kernel.Error) {
	if len(p.free) == 0 {
		return nil, ErrOutOfMemory
	}

	f := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	f.inUse = true
	return f, nil
}

// Release returns f to the pool. Releasing a frame that is already free is a
// kernel invariant violation.
func (p *Pool) Release(f *Frame) {
	if !f.inUse {
		kfmt.Printf("[pmm] frame %d released twice\n", f.Number)
		panicFn(errDoubleFree)
		return
	}

	f.inUse = false
	f.Page = 0
	f.Prot = machine.ProtNone
	p.free = append(p.free, f)
}

// Available reports whether n frames could be allocated right now.
func (p *Pool) Available(n int) bool {
	return n <= len(p.free)
}

// Free returns the number of frames on the free stack.
func (p *Pool) Free() int {
	return len(p.free)
}

// Used returns the number of allocated frames.
func (p *Pool) Used() int {
	return len(p.frames) - len(p.free)
}

// Total returns the number of frames managed by the pool.
func (p *Pool) Total() int {
	return len(p.frames)
}

// PrintStats outputs the pool occupancy to the kernel log.
func (p *Pool) PrintStats() {
	kfmt.Printf("[pmm] frames: %d total, %d free, %d used (page size %d)\n", p.Total(), p.Free(), p.Used(), mm.PageSize)
}
