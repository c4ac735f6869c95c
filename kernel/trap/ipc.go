package trap

import (
	"github.com/kazzmir/yalnix/abi"
	"github.com/kazzmir/yalnix/kernel/kfmt"
	"github.com/kazzmir/yalnix/kernel/proc"
	"github.com/kazzmir/yalnix/kernel/sched"
	"github.com/kazzmir/yalnix/machine"
)

// reachable reports whether id names a live process that can take part in
// a message exchange.
func (d *Dispatcher) reachable(id int) bool {
	p := d.procs.Lookup(id)
	return p != nil && p.Status != proc.StatusDied && p != d.sched.Idle()
}

// sysSend delivers the envelope at R0 to process R1, or to the owner of port
// -R1 when R1 is negative, and blocks until the receiver replies. The reply
// overwrites the caller's envelope.
func (d *Dispatcher) sysSend(cur *proc.Process, ctx *machine.UserContext) {
	addr, to := ctx.Regs[0], ctx.Arg(1)
	if cur.Space.Ensure(addr, abi.MessageSize, machine.ProtRead|machine.ProtWrite) != nil {
		ctx.SetReturn(abi.Error)
		return
	}

	if to < 0 {
		owner, ok := d.ports.Lookup(-to)
		if !ok {
			kfmt.Tracef(2, "[ipc] pid %d: no service on port %d\n", cur.ID, -to)
			ctx.SetReturn(abi.Error)
			return
		}
		to = owner
	}
	if to == cur.ID {
		ctx.SetReturn(abi.Error)
		return
	}

	var msg [abi.MessageSize]byte
	if d.scratch().CopyIn(cur.Space, addr, msg[:]) != nil {
		ctx.SetReturn(abi.Error)
		return
	}

	var attempt func(ctx *machine.UserContext)
	attempt = func(ctx *machine.UserContext) {
		if !d.reachable(to) {
			ctx.SetReturn(abi.Error)
			return
		}

		rcv := d.sched.FindIPCMatch(func(p *proc.Process, r sched.Rendezvous) bool {
			return p.ID == to && r.Mode == sched.Receiving && (r.Peer == abi.AnyProcess || r.Peer == cur.ID)
		})
		if rcv == nil {
			d.block(ctx, sched.QueueIPC, sched.Rendezvous{Mode: sched.Sending, Peer: to}, attempt)
			return
		}

		rcv.Inbox = msg
		rcv.InboxSender = cur.ID
		d.sched.Wake(rcv)
		kfmt.Tracef(4, "[ipc] %d -> %d delivered\n", cur.ID, to)

		cur.InboxSender = abi.AnyProcess
		d.block(ctx, sched.QueueIPC, sched.Rendezvous{Mode: sched.AwaitingReply, Peer: to}, func(ctx *machine.UserContext) {
			if cur.InboxSender != to || d.scratch().CopyOut(cur.Space, addr, cur.Inbox[:]) != nil {
				ctx.SetReturn(abi.Error)
				return
			}
			ctx.SetReturn(0)
		})
	}
	attempt(ctx)
}

func (d *Dispatcher) sysReceive(cur *proc.Process, ctx *machine.UserContext) {
	d.receive(cur, ctx, abi.AnyProcess)
}

func (d *Dispatcher) sysReceiveFrom(cur *proc.Process, ctx *machine.UserContext) {
	from := ctx.Arg(1)
	if from == cur.ID || (from != abi.AnyProcess && !d.reachable(from)) {
		ctx.SetReturn(abi.Error)
		return
	}
	d.receive(cur, ctx, from)
}

// receive blocks until a message from the given sender, or from anyone when
// from is abi.AnyProcess, lands in the caller's inbox. It returns the
// sender's id.
func (d *Dispatcher) receive(cur *proc.Process, ctx *machine.UserContext, from int) {
	addr := ctx.Regs[0]
	if cur.Space.Ensure(addr, abi.MessageSize, machine.ProtWrite) != nil {
		ctx.SetReturn(abi.Error)
		return
	}

	// A parked sender retries as soon as the caller is receiving.
	sender := d.sched.FindIPCMatch(func(p *proc.Process, r sched.Rendezvous) bool {
		return r.Mode == sched.Sending && r.Peer == cur.ID && (from == abi.AnyProcess || p.ID == from)
	})
	if sender != nil {
		d.sched.Wake(sender)
	}

	cur.InboxSender = abi.AnyProcess
	d.block(ctx, sched.QueueIPC, sched.Rendezvous{Mode: sched.Receiving, Peer: from}, func(ctx *machine.UserContext) {
		if cur.InboxSender == abi.AnyProcess || d.scratch().CopyOut(cur.Space, addr, cur.Inbox[:]) != nil {
			ctx.SetReturn(abi.Error)
			return
		}
		ctx.SetReturn(cur.InboxSender)
	})
}

// awaitingReply returns process id when it is blocked in send waiting for a
// reply from cur, and nil otherwise.
func (d *Dispatcher) awaitingReply(cur *proc.Process, id int) *proc.Process {
	e := d.sched.FindByID(sched.QueueIPC, id)
	if e == nil {
		return nil
	}
	if r := e.Payload.(sched.Rendezvous); r.Mode != sched.AwaitingReply || r.Peer != cur.ID {
		return nil
	}
	return e.Proc
}

func (d *Dispatcher) sysReply(cur *proc.Process, ctx *machine.UserContext) {
	addr, to := ctx.Regs[0], ctx.Arg(1)
	if cur.Space.Ensure(addr, abi.MessageSize, machine.ProtRead) != nil {
		ctx.SetReturn(abi.Error)
		return
	}

	client := d.awaitingReply(cur, to)
	if client == nil || d.scratch().CopyIn(cur.Space, addr, client.Inbox[:]) != nil {
		ctx.SetReturn(abi.Error)
		return
	}

	client.InboxSender = cur.ID
	d.sched.Wake(client)
	kfmt.Tracef(4, "[ipc] %d -> %d replied\n", cur.ID, to)
	ctx.SetReturn(0)
}

// sysCopyFrom copies R3 bytes from R2 in process R0 to R1 in the caller. R0
// must be waiting for the caller's reply.
func (d *Dispatcher) sysCopyFrom(cur *proc.Process, ctx *machine.UserContext) {
	client := d.awaitingReply(cur, ctx.Arg(0))
	if client == nil {
		ctx.SetReturn(abi.Error)
		return
	}
	d.copyBetween(ctx, cur, ctx.Regs[1], client, ctx.Regs[2], ctx.Arg(3))
}

// sysCopyTo copies R3 bytes from R2 in the caller to R1 in process R0. R0
// must be waiting for the caller's reply.
func (d *Dispatcher) sysCopyTo(cur *proc.Process, ctx *machine.UserContext) {
	client := d.awaitingReply(cur, ctx.Arg(0))
	if client == nil {
		ctx.SetReturn(abi.Error)
		return
	}
	d.copyBetween(ctx, client, ctx.Regs[1], cur, ctx.Regs[2], ctx.Arg(3))
}

func (d *Dispatcher) copyBetween(ctx *machine.UserContext, dst *proc.Process, dstAddr uint32, src *proc.Process, srcAddr uint32, n int) {
	if n < 0 || d.scratch().CopyBetween(dst.Space, dstAddr, src.Space, srcAddr, n) != nil {
		ctx.SetReturn(abi.Error)
		return
	}
	ctx.SetReturn(0)
}

// wakePeers makes every process whose message exchange involves the dead
// process id runnable again. Their continuations notice the peer is gone and
// fail the call.
func (d *Dispatcher) wakePeers(id int) {
	var peers []*proc.Process
	d.sched.Each(sched.QueueIPC, func(e *sched.Entry) {
		if e.Payload.(sched.Rendezvous).Peer == id {
			peers = append(peers, e.Proc)
		}
	})

	for _, p := range peers {
		d.sched.Wake(p)
	}
}
