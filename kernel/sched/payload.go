package sched

import "github.com/kazzmir/yalnix/machine"

// Payload is the per-queue state attached to a waiting process. It is one of
// Rendezvous, *Countdown, TTYWait or DiskRequest.
type Payload interface {
	isPayload()
}

// RendezvousMode tells which step of a message exchange a process waits in.
type RendezvousMode uint8

// The IPC wait modes.
const (
	// Sending: parked until the process in Peer posts a receive.
	Sending RendezvousMode = iota

	// AwaitingReply: the message was delivered to Peer and the process
	// waits for Peer's reply.
	AwaitingReply

	// Receiving: parked until a process sends to it. Peer is the only
	// accepted sender, or abi.AnyProcess.
	Receiving
)

var modeNames = [...]string{Sending: "sending", AwaitingReply: "awaiting-reply", Receiving: "receiving"}

// String implements fmt.Stringer for RendezvousMode.
func (m RendezvousMode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return "unknown"
}

// Rendezvous is the payload of the IPC queue.
type Rendezvous struct {
	Mode RendezvousMode
	Peer int
}

// Countdown is the payload of the delayed queue: clock ticks left to sleep.
type Countdown struct {
	Remaining int
}

// TTYDir says what a process waits for on a terminal.
type TTYDir uint8

// The terminal wait directions.
const (
	// TTYRead waits for input on the terminal.
	TTYRead TTYDir = iota

	// TTYWrite waits for the process's own transmission to finish.
	TTYWrite

	// TTYWriteWait waits for another writer to release the terminal.
	TTYWriteWait
)

// TTYWait is the payload of the I/O queue.
type TTYWait struct {
	TTY int
	Dir TTYDir
}

// DiskRequest is the payload of the disk queue. The request at the head of
// the queue is the one the disk is working on.
type DiskRequest struct {
	Op     machine.DiskOp
	Sector int
	Buf    []byte
}

func (Rendezvous) isPayload()  {}
func (*Countdown) isPayload()  {}
func (TTYWait) isPayload()     {}
func (DiskRequest) isPayload() {}
