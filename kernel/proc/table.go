package proc

import (
	"github.com/kazzmir/yalnix/abi"
	"github.com/kazzmir/yalnix/kernel"
	"github.com/kazzmir/yalnix/kernel/kfmt"
	"github.com/kazzmir/yalnix/kernel/mm/pmm"
	"github.com/kazzmir/yalnix/kernel/mm/vmm"
	"github.com/kazzmir/yalnix/machine"
)

var (
	// ErrTableFull is returned by Spawn and Fork when the process limit has
	// been reached.
	ErrTableFull = &kernel.Error{Module: "proc", Message: "process table full"}
)

// ReapResult is the outcome of ReapChild.
type ReapResult uint8

// The possible ReapChild outcomes.
const (
	// Reaped means an exit record was consumed.
	Reaped ReapResult = iota

	// Block means no record is pending but a child is still alive.
	Block

	// NotFound means the process has neither records nor live children.
	NotFound
)

// Table tracks every process that has not been destroyed.
type Table struct {
	pool    *pmm.Pool
	scratch *vmm.Scratch

	max    int
	nextID int
	live   map[int]*Process
}

// NewTable returns an empty table that allocates from pool and clears frames
// through scratch. max limits the number of processes alive at once; zero
// means no limit.
func NewTable(pool *pmm.Pool, scratch *vmm.Scratch, max int) *Table {
	return &Table{
		pool:    pool,
		scratch: scratch,
		max:     max,
		nextID:  1,
		live:    make(map[int]*Process),
	}
}

func (t *Table) allocID() int {
	for {
		id := t.nextID
		t.nextID++
		if id == abi.AnyProcess || id == 0 {
			continue
		}
		if _, taken := t.live[id]; !taken {
			return id
		}
	}
}

// Spawn creates a process with an empty address space and two fresh
// kernel-stack frames.
func (t *Table) Spawn() (*Process, *kernel.Error) {
	if t.max > 0 && len(t.live) >= t.max {
		return nil, ErrTableFull
	}
	if !t.pool.Available(machine.KernelStackPages) {
		return nil, pmm.ErrOutOfMemory
	}

	p := &Process{
		Space:       vmm.NewAddressSpace(),
		KernelStack: make([]*pmm.Frame, machine.KernelStackPages),
		children:    make([]*Process, initialChildSlots),
		InboxSender: abi.AnyProcess,
	}

	for i := range p.KernelStack {
		f, err := t.pool.Allocate()
		if err != nil {
			t.releaseKernelStack(p)
			return nil, err
		}
		t.scratch.ZeroFrame(f)
		p.KernelStack[i] = f
	}

	p.ID = t.allocID()
	t.live[p.ID] = p
	kfmt.Tracef(2, "[proc] spawned pid %d\n", p.ID)
	return p, nil
}

// Fork creates a child of parent whose address space is a copy of the
// parent's. The saved user context and the heap and stack bounds are copied
// too. On failure nothing allocated by Fork survives.
func (t *Table) Fork(parent *Process) (*Process, *kernel.Error) {
	child, err := t.Spawn()
	if err != nil {
		return nil, err
	}

	if err = vmm.Clone(child.Space, parent.Space, t.pool, t.scratch); err != nil {
		t.Destroy(child)
		return nil, err
	}

	child.Name = parent.Name
	child.HeapStart = parent.HeapStart
	child.HeapEnd = parent.HeapEnd
	child.StackBase = parent.StackBase
	child.User = parent.User
	child.Parent = parent
	parent.addChild(child)

	return child, nil
}

// ReapChild consumes the oldest exit record of parent and destroys the child
// it describes. If there is no record it reports Block when parent still has
// live children and NotFound otherwise.
func (t *Table) ReapChild(parent *Process) (id, code int, result ReapResult) {
	if len(parent.exits) == 0 {
		if parent.Children() > 0 {
			return 0, 0, Block
		}
		return 0, 0, NotFound
	}

	rec := parent.exits[0]
	parent.exits = parent.exits[1:]
	t.Destroy(rec.zombie)

	return rec.ID, rec.Code, Reaped
}

// NotifyParentDeath frees child's slot in parent and queues an exit record
// with code. The caller is responsible for waking parent if it waits.
func (t *Table) NotifyParentDeath(parent, child *Process, code int) {
	parent.removeChild(child)
	parent.exits = append(parent.exits, ExitRecord{ID: child.ID, Code: code, zombie: child})
}

// Orphan clears the parent link of every live child of p and destroys the
// children that already exited but were never reaped.
func (t *Table) Orphan(p *Process) {
	for i, c := range p.children {
		if c != nil {
			c.Parent = nil
			p.children[i] = nil
		}
	}

	for _, rec := range p.exits {
		t.Destroy(rec.zombie)
	}
	p.exits = nil
}

// Exit marks p as died, releases its user pages, orphans its children and
// records its status with the parent. It returns the parent, or nil when p
// has none. The kernel stack survives until Destroy.
func (t *Table) Exit(p *Process, code int) *Process {
	p.Status = StatusDied
	p.Space.Release(t.pool)
	t.Orphan(p)

	parent := p.Parent
	if parent != nil {
		t.NotifyParentDeath(parent, p, code)
	}
	return parent
}

// Destroy returns every frame owned by p to the pool and removes it from the
// table. It must never be called on the running process.
func (t *Table) Destroy(p *Process) {
	p.Status = StatusDied
	p.Space.Release(t.pool)
	t.releaseKernelStack(p)
	t.Orphan(p)

	if p.Parent != nil {
		p.Parent.removeChild(p)
		p.Parent = nil
	}

	delete(t.live, p.ID)
	kfmt.Tracef(2, "[proc] destroyed pid %d\n", p.ID)
}

func (t *Table) releaseKernelStack(p *Process) {
	for i, f := range p.KernelStack {
		if f != nil {
			t.pool.Release(f)
			p.KernelStack[i] = nil
		}
	}
}

// Lookup returns the live process with the given id or nil.
func (t *Table) Lookup(id int) *Process {
	return t.live[id]
}

// Live returns the number of processes that have not been destroyed.
func (t *Table) Live() int {
	return len(t.live)
}

// Each calls fn for every process that has not been destroyed.
func (t *Table) Each(fn func(*Process)) {
	for _, p := range t.live {
		fn(p)
	}
}
