// Package programs bundles a handful of user programs assembled for the
// simulated CPU. They are exposed as a file system of encoded images so the
// kernel can load them exactly like images read from disk.
package programs

import (
	"io/fs"
	"sort"
	"testing/fstest"

	"github.com/kazzmir/yalnix/abi"
	"github.com/kazzmir/yalnix/exe"
	"github.com/kazzmir/yalnix/machine/asm"
)

// ServerPort is the port the ping server registers.
const ServerPort = 1

// PingRounds is the number of request/reply rounds ping performs before
// shutting the server down. ping exits with PingRounds+1.
const PingRounds = 7

var catalog = map[string]func() *asm.Program{
	"init":       Init,
	"hello":      Hello,
	"echo":       Echo,
	"pingserver": PingServer,
	"ping":       Ping,
	"deep":       Deep,
	"disk":       Disk,
}

// Names returns the names of the bundled programs in lexical order.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Image assembles the named program.
func Image(name string) (*exe.Image, bool) {
	build, ok := catalog[name]
	if !ok {
		return nil, false
	}
	return build().MustAssemble(), true
}

// FS returns a file system holding the encoded image of every bundled
// program under its name.
func FS() fs.FS {
	fsys := make(fstest.MapFS, len(catalog))
	for name, build := range catalog {
		fsys[name] = &fstest.MapFile{Data: build().MustAssemble().Encode(), Mode: 0o555}
	}
	return fsys
}

// Init starts hello, the ping server and its client, then reaps them.
func Init() *asm.Program {
	return asm.New().
		CString("hello", "hello").
		CString("server", "pingserver").
		CString("client", "ping").
		Space("argv", 2*abi.WordSize).
		Label("main").
		LoadAddr(asm.R0, "hello").
		Call("spawn").
		LoadAddr(asm.R0, "server").
		Call("spawn").
		LoadAddr(asm.R0, "client").
		Call("spawn").
		LoadImm(asm.R4, 3).
		Label("reap").
		LoadImm(asm.R0, 0).
		Sys(abi.SysWait).
		AddImm(asm.R4, asm.R4, -1).
		JumpNotZero(asm.R4, "reap").
		LoadImm(asm.R0, 0).
		Sys(abi.SysExit).
		// spawn forks a child that execs the program named by R0.
		Label("spawn").
		Move(asm.R6, asm.R0).
		Sys(abi.SysFork).
		JumpZero(asm.R0, "child").
		Return().
		Label("child").
		LoadAddr(asm.R1, "argv").
		Store(asm.R6, asm.R1, 0).
		Move(asm.R0, asm.R6).
		Sys(abi.SysExec).
		Sys(abi.SysExit)
}

// Hello greets terminal 0.
func Hello() *asm.Program {
	const greeting = "hello, world\n"

	return asm.New().
		CString("greeting", greeting).
		Label("main").
		LoadImm(asm.R0, 0).
		LoadAddr(asm.R1, "greeting").
		LoadImm(asm.R2, int32(len(greeting))).
		Sys(abi.SysTtyWrite).
		LoadImm(asm.R0, 0).
		Sys(abi.SysExit)
}

// Echo copies input from terminal 0 back to it until it reads an empty line.
// Lines typed ahead are echoed in one go, empty line included.
func Echo() *asm.Program {
	const bufSize = 256

	return asm.New().
		Space("buf", bufSize).
		Label("main").
		LoadImm(asm.R5, 1).
		Label("loop").
		LoadImm(asm.R0, 0).
		LoadAddr(asm.R1, "buf").
		LoadImm(asm.R2, bufSize).
		Sys(abi.SysTtyRead).
		JumpLess(asm.R0, asm.R5, "done").
		Move(asm.R4, asm.R0).
		Sub(asm.R6, asm.R4, asm.R5).
		JumpZero(asm.R6, "done").
		LoadImm(asm.R0, 0).
		LoadAddr(asm.R1, "buf").
		Move(asm.R2, asm.R4).
		Sys(abi.SysTtyWrite).
		LoadAddr(asm.R1, "buf").
		Add(asm.R1, asm.R1, asm.R4).
		LoadByte(asm.R6, asm.R1, -2).
		AddImm(asm.R6, asm.R6, -'\n').
		JumpNotZero(asm.R6, "loop").
		Label("done").
		LoadImm(asm.R0, 0).
		Sys(abi.SysExit)
}

// PingServer registers ServerPort and answers every request by incrementing
// the first word of the envelope. A request carrying zero is acknowledged
// and stops the server.
func PingServer() *asm.Program {
	return asm.New().
		Space("buf", abi.MessageSize).
		Label("main").
		LoadImm(asm.R0, ServerPort).
		Sys(abi.SysRegister).
		JumpNotZero(asm.R0, "failed").
		Label("loop").
		LoadAddr(asm.R0, "buf").
		Sys(abi.SysReceive).
		Move(asm.R4, asm.R0).
		LoadAddr(asm.R1, "buf").
		Load(asm.R5, asm.R1, 0).
		JumpZero(asm.R5, "stop").
		AddImm(asm.R5, asm.R5, 1).
		Store(asm.R5, asm.R1, 0).
		LoadAddr(asm.R0, "buf").
		Move(asm.R1, asm.R4).
		Sys(abi.SysReply).
		Jump("loop").
		Label("stop").
		LoadAddr(asm.R0, "buf").
		Move(asm.R1, asm.R4).
		Sys(abi.SysReply).
		LoadImm(asm.R0, 0).
		Label("failed").
		Sys(abi.SysExit)
}

// Ping exchanges PingRounds messages with the ping server, then shuts it
// down. Sends that fail because the server has not registered yet are
// retried a few ticks later.
func Ping() *asm.Program {
	const (
		maxRetries = 10
		done       = "ping: done\n"
	)

	return asm.New().
		CString("done", done).
		Space("msg", abi.MessageSize).
		Label("main").
		LoadImm(asm.R4, 1).
		LoadImm(asm.R6, 0).
		Label("loop").
		LoadAddr(asm.R1, "msg").
		Store(asm.R4, asm.R1, 0).
		LoadAddr(asm.R0, "msg").
		LoadImm(asm.R1, -ServerPort).
		Sys(abi.SysSend).
		JumpZero(asm.R0, "sent").
		AddImm(asm.R6, asm.R6, 1).
		LoadImm(asm.R7, maxRetries).
		JumpLess(asm.R6, asm.R7, "retry").
		LoadImm(asm.R0, abi.Error).
		Sys(abi.SysExit).
		Label("retry").
		LoadImm(asm.R0, 1).
		Sys(abi.SysDelay).
		Jump("loop").
		Label("sent").
		LoadAddr(asm.R1, "msg").
		Load(asm.R5, asm.R1, 0).
		AddImm(asm.R7, asm.R4, 1).
		Sub(asm.R7, asm.R5, asm.R7).
		JumpNotZero(asm.R7, "bad").
		Move(asm.R4, asm.R5).
		LoadImm(asm.R7, PingRounds+1).
		JumpLess(asm.R4, asm.R7, "loop").
		// Shut the server down.
		LoadImm(asm.R7, 0).
		Store(asm.R7, asm.R1, 0).
		LoadAddr(asm.R0, "msg").
		LoadImm(asm.R1, -ServerPort).
		Sys(abi.SysSend).
		LoadImm(asm.R0, 0).
		LoadAddr(asm.R1, "done").
		LoadImm(asm.R2, int32(len(done))).
		Sys(abi.SysTtyWrite).
		Move(asm.R0, asm.R4).
		Sys(abi.SysExit).
		Label("bad").
		LoadImm(asm.R0, abi.Error).
		Sys(abi.SysExit)
}

// DeepCalls is the recursion depth reached by Deep, which is also its exit
// status.
const DeepCalls = 5000

// Deep recurses DeepCalls levels, growing its stack several pages past the
// initial allocation.
func Deep() *asm.Program {
	return asm.New().
		Label("main").
		LoadImm(asm.R0, DeepCalls).
		LoadImm(asm.R5, 0).
		Call("down").
		Move(asm.R0, asm.R5).
		Sys(abi.SysExit).
		Label("down").
		JumpZero(asm.R0, "base").
		AddImm(asm.R5, asm.R5, 1).
		AddImm(asm.R0, asm.R0, -1).
		Call("down").
		Label("base").
		Return()
}

// DiskSector is the sector Disk writes and reads back.
const DiskSector = abi.NumSectors - 1

// Disk writes a pattern to DiskSector, reads it back and reports on terminal
// 0. It exits with the last byte read.
func Disk() *asm.Program {
	const ok = "disk: ok\n"

	pattern := make([]byte, abi.SectorSize)
	for i := range pattern {
		pattern[i] = byte(i)
	}

	return asm.New().
		Bytes("out", pattern).
		CString("ok", ok).
		Space("in", abi.SectorSize).
		Label("main").
		LoadImm(asm.R0, DiskSector).
		LoadAddr(asm.R1, "out").
		Sys(abi.SysWriteSector).
		JumpNotZero(asm.R0, "failed").
		LoadImm(asm.R0, DiskSector).
		LoadAddr(asm.R1, "in").
		Sys(abi.SysReadSector).
		JumpNotZero(asm.R0, "failed").
		LoadImm(asm.R0, 0).
		LoadAddr(asm.R1, "ok").
		LoadImm(asm.R2, int32(len(ok))).
		Sys(abi.SysTtyWrite).
		LoadAddr(asm.R1, "in").
		LoadByte(asm.R0, asm.R1, abi.SectorSize-1).
		Label("failed").
		Sys(abi.SysExit)
}
