// Package abi defines the contract between user programs and the kernel: the
// syscall numbers passed through the trap mechanism, the error sentinel
// returned in R0 and the sizes of the fixed buffers the kernel exchanges with
// user space.
package abi

// Error is returned in R0 by every syscall that fails.
const Error = -1

// AnyProcess is the "no target" process id. Process ids never take this
// value; receive_from uses it to accept a message from any sender.
const AnyProcess = -1

const (
	// MessageSize is the length in bytes of the IPC envelope moved by
	// send, receive and reply.
	MessageSize = 32

	// NumTerminals is the number of terminals attached to the machine.
	NumTerminals = 4

	// TerminalMaxLine is the largest chunk a terminal transmits or
	// receives in one device operation.
	TerminalMaxLine = 1024

	// SectorSize is the size in bytes of a disk sector.
	SectorSize = 512

	// NumSectors is the number of sectors on the disk. Sector 0 is
	// reserved and cannot be accessed through read_sector/write_sector.
	NumSectors = 1426

	// WordSize is the size in bytes of a machine word and of a user
	// pointer.
	WordSize = 4
)

// Syscall identifies a kernel service requested through the syscall trap.
// The number travels in UserContext.Code; arguments travel in R0..R3.
type Syscall int

// The syscalls understood by the dispatcher.
const (
	SysFork Syscall = iota + 1
	SysExec
	SysExit
	SysWait
	SysDelay
	SysGetPid
	SysBrk
	SysReadSector
	SysWriteSector
	SysSend
	SysReceive
	SysReceiveFrom
	SysReply
	SysRegister
	SysCopyFrom
	SysCopyTo
	SysTtyRead
	SysTtyWrite
)

var syscallNames = [...]string{
	SysFork:        "fork",
	SysExec:        "exec",
	SysExit:        "exit",
	SysWait:        "wait",
	SysDelay:       "delay",
	SysGetPid:      "getpid",
	SysBrk:         "brk",
	SysReadSector:  "read_sector",
	SysWriteSector: "write_sector",
	SysSend:        "send",
	SysReceive:     "receive",
	SysReceiveFrom: "receive_from",
	SysReply:       "reply",
	SysRegister:    "register",
	SysCopyFrom:    "copy_from",
	SysCopyTo:      "copy_to",
	SysTtyRead:     "tty_read",
	SysTtyWrite:    "tty_write",
}

// String implements fmt.Stringer for Syscall.
func (s Syscall) String() string {
	if s > 0 && int(s) < len(syscallNames) {
		return syscallNames[s]
	}

	return "unknown"
}
