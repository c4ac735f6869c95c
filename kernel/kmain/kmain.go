// Package kmain contains the kernel boot sequence.
package kmain

import (
	"io/fs"
	"strings"

	"github.com/kazzmir/yalnix/exe"
	"github.com/kazzmir/yalnix/kernel"
	"github.com/kazzmir/yalnix/kernel/hal"
	"github.com/kazzmir/yalnix/kernel/kfmt"
	"github.com/kazzmir/yalnix/kernel/loader"
	"github.com/kazzmir/yalnix/kernel/mm"
	"github.com/kazzmir/yalnix/kernel/mm/pmm"
	"github.com/kazzmir/yalnix/kernel/mm/vmm"
	"github.com/kazzmir/yalnix/kernel/trap"
	"github.com/kazzmir/yalnix/machine"
	"github.com/kazzmir/yalnix/machine/asm"
)

// DefaultKernelEnd is the end of the kernel image used when Config leaves
// KernelEnd unset.
const DefaultKernelEnd = 64 * mm.PageSize

var errNoPrograms = &kernel.Error{Module: "kmain", Message: "no initial program could be started"}

// Config holds the kernel tunables.
type Config struct {
	// KernelEnd is the first address past the kernel image in region 0.
	KernelEnd uint32

	// MaxProcesses limits the number of live processes, idle included.
	// Zero means no limit.
	MaxProcesses int

	// Sources are searched in order for programs, both at boot and by
	// exec.
	Sources []fs.FS
}

// IdleImage returns the image of the idle process: a loop that pauses the
// CPU until the next interrupt.
func IdleImage() *exe.Image {
	return asm.New().
		Label("main").
		Pause().
		Jump("main").
		MustAssemble()
}

// KernelStart boots the kernel on hw and loads the context of the first
// process into ctx. Each entry of programs names a program to start,
// optionally followed by its arguments separated by spaces.
//
// Failing to set up memory, the idle process or the trap vector panics the
// kernel. Programs that fail to load are reported and skipped; if programs
// were requested but none could start, the kernel panics too.
func KernelStart(hw hal.Machine, cfg Config, programs []string, ctx *machine.UserContext) {
	if cfg.KernelEnd == 0 {
		cfg.KernelEnd = DefaultKernelEnd
	}

	kfmt.Printf("[kmain] booting with %d KB of physical memory\n", hw.MemorySize()>>10)

	kspace, err := vmm.NewKernelSpace(hw, cfg.KernelEnd)
	if err != nil {
		kfmt.Panic(err)
		return
	}

	pool := pmm.NewPool(hw.MemorySize(), cfg.KernelEnd)
	pool.PrintStats()

	d := trap.New(hw, pool, kspace, loader.New(pool, &kspace.Scratch, cfg.Sources...), cfg.MaxProcesses)
	if err = d.SpawnIdle(IdleImage()); err != nil {
		kfmt.Panic(err)
		return
	} else if err = d.Install(); err != nil {
		kfmt.Panic(err)
		return
	}

	var started int
	for _, cmdline := range programs {
		args := strings.Fields(cmdline)
		if len(args) == 0 {
			continue
		}

		if _, err = d.Launch(args[0], args); err != nil {
			kfmt.Printf("[kmain] cannot start %s: %s\n", args[0], err.Message)
			continue
		}
		started++
	}

	if len(programs) > 0 && started == 0 {
		kfmt.Panic(errNoPrograms)
		return
	}

	d.Start(ctx)
}
