// Package loader replaces the memory image of a process with a program read
// from one of the kernel's image sources.
package loader

import (
	"encoding/binary"
	"errors"
	"io/fs"
	"path"
	"strings"

	"github.com/kazzmir/yalnix/abi"
	"github.com/kazzmir/yalnix/exe"
	"github.com/kazzmir/yalnix/kernel"
	"github.com/kazzmir/yalnix/kernel/kfmt"
	"github.com/kazzmir/yalnix/kernel/mm"
	"github.com/kazzmir/yalnix/kernel/mm/pmm"
	"github.com/kazzmir/yalnix/kernel/mm/vmm"
	"github.com/kazzmir/yalnix/kernel/proc"
	"github.com/kazzmir/yalnix/machine"
)

// InitialFrameSize is the number of bytes reserved between the initial stack
// pointer and the argument vector.
const InitialFrameSize = 16

var (
	// ErrNotFound is returned when no image source holds the program.
	ErrNotFound = &kernel.Error{Module: "loader", Message: "program not found"}

	// ErrInvalidProgram is returned for images that cannot be decoded or
	// are not laid out for region 1.
	ErrInvalidProgram = &kernel.Error{Module: "loader", Message: "invalid program image"}

	// ErrTooLarge is returned when the program, its heap guard and its
	// stack do not fit in region 1.
	ErrTooLarge = &kernel.Error{Module: "loader", Message: "program too large"}

	// ErrNoMemory is returned when there are not enough free frames for
	// the new image, counting the frames the old image gives back.
	ErrNoMemory = &kernel.Error{Module: "loader", Message: "not enough memory for program"}

	// ErrAborted is returned when loading fails after the old image has
	// been discarded. The process cannot continue.
	ErrAborted = &kernel.Error{Module: "loader", Message: "program load aborted"}
)

// Loader builds process images.
type Loader struct {
	pool    *pmm.Pool
	scratch *vmm.Scratch
	sources []fs.FS
}

// New returns a loader that allocates from pool, writes frames through
// scratch and looks programs up in sources in order.
func New(pool *pmm.Pool, scratch *vmm.Scratch, sources ...fs.FS) *Loader {
	return &Loader{pool: pool, scratch: scratch, sources: sources}
}

// Open reads and decodes the named program.
func (l *Loader) Open(name string) (*exe.Image, *kernel.Error) {
	clean := strings.TrimPrefix(path.Clean(name), "/")
	if !fs.ValidPath(clean) {
		return nil, ErrNotFound
	}

	for _, src := range l.sources {
		raw, err := fs.ReadFile(src, clean)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				kfmt.Tracef(1, "[loader] reading %s: %s\n", name, err.Error())
			}
			continue
		}

		img, kerr := exe.Decode(raw)
		if kerr != nil {
			kfmt.Tracef(1, "[loader] %s: %s\n", name, kerr.Message)
			return nil, ErrInvalidProgram
		}
		return img, nil
	}

	return nil, ErrNotFound
}

// Load replaces the image of p with the named program, passing args as its
// argument vector. Errors other than ErrAborted leave p untouched.
func (l *Loader) Load(p *proc.Process, name string, args []string) *kernel.Error {
	img, err := l.Open(name)
	if err != nil {
		return err
	}

	if err = l.LoadImage(p, img, args); err == nil {
		p.Name = name
	}
	return err
}

// layout is the region-1 placement of an image.
type layout struct {
	textFirst, textEnd mm.Page
	dataFirst, dataEnd mm.Page
	heapStart          mm.Page
	stackBase          mm.Page

	argBase uint32 // address of argc
	strBase uint32 // address of the first argument string
	sp      uint32
}

func (lo *layout) pages() int {
	return int(lo.textEnd-lo.textFirst) + int(lo.dataEnd-lo.dataFirst) + int(mm.UserLimitPage-lo.stackBase)
}

func plan(img *exe.Image, args []string) (*layout, *kernel.Error) {
	textEnd := uint64(img.TextAddr) + uint64(len(img.Text))
	dataEnd := uint64(img.DataAddr) + uint64(len(img.Data)) + uint64(img.BSSSize)

	switch {
	case len(img.Text) == 0,
		img.TextAddr < machine.VMem1Base,
		img.Entry < img.TextAddr || uint64(img.Entry) >= textEnd,
		img.DataAddr < machine.PageUp(uint32(textEnd)):
		return nil, ErrInvalidProgram
	case textEnd > machine.VMem1Limit, dataEnd > machine.VMem1Limit:
		return nil, ErrTooLarge
	}

	lo := &layout{
		textFirst: mm.PageFromAddress(img.TextAddr),
		textEnd:   mm.PageFromAddress(machine.PageUp(uint32(textEnd))),
		dataFirst: mm.PageFromAddress(img.DataAddr),
		dataEnd:   mm.PageFromAddress(machine.PageUp(uint32(dataEnd))),
	}
	if dataEnd == uint64(img.DataAddr) {
		lo.dataFirst, lo.dataEnd = lo.textEnd, lo.textEnd
	}
	lo.heapStart = lo.dataEnd

	var size uint32
	for _, arg := range args {
		size += uint32(len(arg)) + 1
	}
	if size > machine.VMem1Limit-machine.VMem1Base {
		return nil, ErrTooLarge
	}

	lo.strBase = machine.VMem1Limit - size
	lo.argBase = (lo.strBase - uint32(len(args)+3)*abi.WordSize) &^ 7
	lo.sp = lo.argBase - InitialFrameSize
	if lo.argBase > lo.strBase || lo.sp < machine.VMem1Base || lo.sp > lo.argBase {
		return nil, ErrTooLarge
	}
	lo.stackBase = mm.PageFromAddress(machine.PageDown(lo.sp))

	// At least one unmapped page separates the heap from the stack.
	if lo.heapStart >= lo.stackBase {
		return nil, ErrTooLarge
	}

	return lo, nil
}

// argBlock encodes argc, the argv pointers, the argv and envp terminators
// and the argument strings as they appear from lo.argBase to the top of
// region 1.
func (lo *layout) argBlock(args []string) []byte {
	block := make([]byte, machine.VMem1Limit-lo.argBase)

	binary.LittleEndian.PutUint32(block, uint32(len(args)))
	ptr, str := abi.WordSize, lo.strBase
	for _, arg := range args {
		binary.LittleEndian.PutUint32(block[ptr:], str)
		copy(block[str-lo.argBase:], arg)
		ptr += abi.WordSize
		str += uint32(len(arg)) + 1
	}

	return block
}

// LoadImage replaces the image of p with img. Errors other than ErrAborted
// leave p untouched.
func (l *Loader) LoadImage(p *proc.Process, img *exe.Image, args []string) *kernel.Error {
	lo, err := plan(img, args)
	if err != nil {
		return err
	}

	if need := lo.pages() - p.Space.Mapped(); need > 0 && !l.pool.Available(need) {
		kfmt.Tracef(3, "[loader] not enough free frames for pid %d; need %d more\n", p.ID, need)
		return ErrNoMemory
	}

	// Committed: from here on failures kill the process.
	p.Space.Release(l.pool)

	rw := machine.ProtRead | machine.ProtWrite
	if vmm.MapZeroed(p.Space, l.pool, l.scratch, lo.textFirst, lo.textEnd, rw) != nil ||
		vmm.MapZeroed(p.Space, l.pool, l.scratch, lo.dataFirst, lo.dataEnd, rw) != nil ||
		vmm.MapZeroed(p.Space, l.pool, l.scratch, lo.stackBase, mm.UserLimitPage, rw) != nil {
		p.Space.Release(l.pool)
		return ErrAborted
	}

	if l.scratch.CopyOut(p.Space, img.TextAddr, img.Text) != nil ||
		l.scratch.CopyOut(p.Space, img.DataAddr, img.Data) != nil ||
		l.scratch.CopyOut(p.Space, lo.argBase, lo.argBlock(args)) != nil {
		p.Space.Release(l.pool)
		return ErrAborted
	}

	for page := lo.textFirst; page < lo.textEnd; page++ {
		p.Space.Protect(page, machine.ProtRead|machine.ProtExec)
	}

	p.HeapStart, p.HeapEnd = lo.heapStart, lo.heapStart
	p.StackBase = lo.stackBase
	p.User = machine.UserContext{PC: img.Entry, SP: lo.sp}
	p.User.Regs[0] = uint32(len(args))
	p.User.Regs[1] = lo.argBase + abi.WordSize

	kfmt.Tracef(4, "[loader] pid %d: %d text, %d data, %d stack pages; pc %#x sp %#x\n",
		p.ID, lo.textEnd-lo.textFirst, lo.dataEnd-lo.dataFirst, mm.UserLimitPage-lo.stackBase, img.Entry, lo.sp)
	return nil
}
