// Package sched implements the run queue and the wait queues. The run queue
// is a ring that always contains the idle process; the current process is
// the ring element the scheduler points at. Every other live process sits in
// exactly one wait queue.
package sched

import (
	"container/list"

	"github.com/kazzmir/yalnix/kernel/kfmt"
	"github.com/kazzmir/yalnix/kernel/proc"
)

// QueueID names a scheduler queue.
type QueueID uint8

// The scheduler queues.
const (
	// QueueRun is the round-robin run queue.
	QueueRun QueueID = iota

	// QueueBusy holds processes blocked in wait.
	QueueBusy

	// QueueDelayed holds sleeping processes.
	QueueDelayed

	// QueueIO holds processes waiting on a terminal.
	QueueIO

	// QueueIPC holds processes parked in send, receive or awaiting a reply.
	QueueIPC

	// QueueDisk holds processes with an outstanding sector transfer.
	QueueDisk

	numQueues
)

var queueNames = [numQueues]string{"run", "busy", "delayed", "io", "ipc", "disk"}

// String implements fmt.Stringer for QueueID.
func (q QueueID) String() string {
	if q < numQueues {
		return queueNames[q]
	}
	return "unknown"
}

// fifo reports whether the queue serves processes in arrival order. The
// remaining wait queues are scanned or served newest first.
func (q QueueID) fifo() bool {
	return q == QueueIO || q == QueueDisk
}

// Entry is a queued process together with its payload.
type Entry struct {
	Proc    *proc.Process
	Queue   QueueID
	Payload Payload
}

// Scheduler owns the queues.
type Scheduler struct {
	queues  [numQueues]*list.List
	where   map[*proc.Process]*list.Element
	current *list.Element
	idle    *proc.Process

	haltFn func()
}

// New returns a scheduler whose run queue holds only idle, which is also the
// current process. halt is invoked when no process can ever run again.
func New(idle *proc.Process, halt func()) *Scheduler {
	s := &Scheduler{
		where:  make(map[*proc.Process]*list.Element),
		idle:   idle,
		haltFn: halt,
	}
	for i := range s.queues {
		s.queues[i] = list.New()
	}

	s.current = s.push(QueueRun, idle, nil)
	return s
}

func (s *Scheduler) push(q QueueID, p *proc.Process, payload Payload) *list.Element {
	e := &Entry{Proc: p, Queue: q, Payload: payload}

	var el *list.Element
	if q.fifo() {
		el = s.queues[q].PushBack(e)
	} else {
		el = s.queues[q].PushFront(e)
	}
	s.where[p] = el
	return el
}

func (s *Scheduler) unlink(p *proc.Process) *Entry {
	el, ok := s.where[p]
	if !ok {
		return nil
	}

	e := el.Value.(*Entry)
	s.queues[e.Queue].Remove(el)
	delete(s.where, p)
	return e
}

// insertAfterCurrent links p into the run queue right after the current
// process so it runs next.
func (s *Scheduler) insertAfterCurrent(p *proc.Process) {
	el := s.queues[QueueRun].InsertAfter(&Entry{Proc: p, Queue: QueueRun}, s.current)
	s.where[p] = el
}

// ringNext returns the run queue element following el, wrapping around.
func (s *Scheduler) ringNext(el *list.Element) *list.Element {
	if next := el.Next(); next != nil {
		return next
	}
	return s.queues[QueueRun].Front()
}

// successor returns the first element after from that is not idle, or the
// idle element when idle is the only alternative. from itself is considered
// last, so it is returned when it is the only non-idle process.
func (s *Scheduler) successor(from *list.Element) *list.Element {
	var idleEl *list.Element
	for el, n := s.ringNext(from), 0; n < s.queues[QueueRun].Len(); el, n = s.ringNext(el), n+1 {
		if el.Value.(*Entry).Proc == s.idle {
			idleEl = el
			continue
		}
		return el
	}
	return idleEl
}

// stalled reports whether idle is the only runnable process and nothing is
// waiting for an event either.
func (s *Scheduler) stalled() bool {
	if s.queues[QueueRun].Len() != 1 {
		return false
	}
	for q := QueueBusy; q < numQueues; q++ {
		if s.queues[q].Len() != 0 {
			return false
		}
	}
	return true
}

func (s *Scheduler) halt() {
	kfmt.Printf("[sched] no runnable processes left; halting\n")
	s.haltFn()
}

// Current returns the running process.
func (s *Scheduler) Current() *proc.Process {
	return s.current.Value.(*Entry).Proc
}

// Idle returns the idle process.
func (s *Scheduler) Idle() *proc.Process {
	return s.idle
}

// PickNext advances to the next runnable process, skipping idle whenever
// another process is runnable. If nothing can ever run again the machine is
// halted and the current process is kept.
func (s *Scheduler) PickNext() (old, next *proc.Process) {
	old = s.Current()
	if s.stalled() {
		s.halt()
		return old, old
	}

	s.current = s.successor(s.current)
	return old, s.Current()
}

// Park moves the current process into wait queue q with payload and makes
// the process that followed it current.
func (s *Scheduler) Park(q QueueID, payload Payload) (old, next *proc.Process) {
	old = s.Current()
	succ := s.successor(s.current)
	if succ == s.current {
		succ = s.where[s.idle]
	}

	s.unlink(old)
	s.current = succ
	s.push(q, old, payload)
	return old, s.Current()
}

// Retire unlinks the current process for good and makes the process that
// followed it current. The machine is halted when nothing is left to run.
func (s *Scheduler) Retire() (old, next *proc.Process) {
	old = s.Current()
	succ := s.successor(s.current)
	if succ == s.current {
		succ = s.where[s.idle]
	}

	s.unlink(old)
	s.current = succ
	if s.stalled() {
		s.halt()
	}
	return old, s.Current()
}

// Wake moves p from its wait queue to the run queue right after the current
// process. Waking a process that is not waiting has no effect.
func (s *Scheduler) Wake(p *proc.Process) {
	el, ok := s.where[p]
	if !ok || el.Value.(*Entry).Queue == QueueRun {
		return
	}

	s.unlink(p)
	s.insertAfterCurrent(p)
}

// Admit adds a new process to the run queue right after the current process.
func (s *Scheduler) Admit(p *proc.Process) {
	s.insertAfterCurrent(p)
}

// Append adds a new process at the end of the round-robin cycle, just before
// the current process.
func (s *Scheduler) Append(p *proc.Process) {
	el := s.queues[QueueRun].InsertBefore(&Entry{Proc: p, Queue: QueueRun}, s.current)
	s.where[p] = el
}

// Remove unlinks p from whatever queue holds it. The current process cannot
// be removed this way.
func (s *Scheduler) Remove(p *proc.Process) {
	if el, ok := s.where[p]; ok && el != s.current {
		s.unlink(p)
	}
}

// Lookup returns the queue entry of p.
func (s *Scheduler) Lookup(p *proc.Process) (*Entry, bool) {
	el, ok := s.where[p]
	if !ok {
		return nil, false
	}
	return el.Value.(*Entry), true
}

// FindByID returns the entry of the process with the given id in queue q.
func (s *Scheduler) FindByID(q QueueID, id int) *Entry {
	for el := s.queues[q].Front(); el != nil; el = el.Next() {
		if e := el.Value.(*Entry); e.Proc.ID == id {
			return e
		}
	}
	return nil
}

// FindIPCMatch returns the first process in the IPC queue whose rendezvous
// satisfies match.
func (s *Scheduler) FindIPCMatch(match func(p *proc.Process, r Rendezvous) bool) *proc.Process {
	for el := s.queues[QueueIPC].Front(); el != nil; el = el.Next() {
		e := el.Value.(*Entry)
		if match(e.Proc, e.Payload.(Rendezvous)) {
			return e.Proc
		}
	}
	return nil
}

// FindIOMatch returns the longest waiting process blocked on w.
func (s *Scheduler) FindIOMatch(w TTYWait) *proc.Process {
	for el := s.queues[QueueIO].Front(); el != nil; el = el.Next() {
		if e := el.Value.(*Entry); e.Payload.(TTYWait) == w {
			return e.Proc
		}
	}
	return nil
}

// DiskHead returns the process whose request the disk is serving and the
// request itself.
func (s *Scheduler) DiskHead() (*proc.Process, DiskRequest, bool) {
	el := s.queues[QueueDisk].Front()
	if el == nil {
		return nil, DiskRequest{}, false
	}
	e := el.Value.(*Entry)
	return e.Proc, e.Payload.(DiskRequest), true
}

// PopDisk removes the head of the disk queue and makes it runnable right
// after the current process.
func (s *Scheduler) PopDisk() *proc.Process {
	p, _, ok := s.DiskHead()
	if !ok {
		return nil
	}
	s.Wake(p)
	return p
}

// Tick counts down every sleeping process and wakes the ones whose delay has
// expired. It returns the number of processes woken.
func (s *Scheduler) Tick() int {
	var expired []*proc.Process
	for el := s.queues[QueueDelayed].Front(); el != nil; el = el.Next() {
		e := el.Value.(*Entry)
		c := e.Payload.(*Countdown)
		if c.Remaining--; c.Remaining <= 0 {
			expired = append(expired, e.Proc)
		}
	}

	for _, p := range expired {
		s.Wake(p)
	}
	return len(expired)
}

// Len returns the number of processes in queue q.
func (s *Scheduler) Len(q QueueID) int {
	return s.queues[q].Len()
}

// Each calls fn for every entry of queue q in queue order.
func (s *Scheduler) Each(q QueueID, fn func(*Entry)) {
	for el := s.queues[q].Front(); el != nil; el = el.Next() {
		fn(el.Value.(*Entry))
	}
}
