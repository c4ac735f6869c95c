// Command yalnix boots the kernel on a simulated machine.
//
// Every positional argument names a program to start, optionally followed by
// its arguments (quote the whole command line). Programs are looked up in the
// configured image directory, then among the bundled programs. Terminal
// output is written to stdout with a "[ttyN] " prefix; lines read from stdin
// are typed on terminal 0, or on terminal N when prefixed with "@N ".
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kazzmir/yalnix/abi"
	"github.com/kazzmir/yalnix/kernel/kfmt"
	"github.com/kazzmir/yalnix/kernel/kmain"
	"github.com/kazzmir/yalnix/machine"
	"github.com/kazzmir/yalnix/programs"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("yalnix", flag.ContinueOnError)
	flags.SetOutput(stderr)
	var (
		configPath = flags.String("config", "", "path to a JSON configuration file")
		trace      = flags.Int("trace", -1, "kernel trace level; overrides the configuration when >= 0")
		list       = flags.Bool("list", false, "list the bundled programs and exit")
		export     = flags.String("export", "", "write the bundled program images to `dir` and exit")
	)
	flags.Usage = func() {
		fmt.Fprintf(stderr, "usage: yalnix [flags] program [program ...]\n")
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return 2
	}

	switch {
	case *list:
		for _, name := range programs.Names() {
			fmt.Fprintln(stdout, name)
		}
		return 0
	case *export != "":
		if err := exportImages(*export); err != nil {
			fmt.Fprintf(stderr, "yalnix: %v\n", err)
			return 1
		}
		return 0
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "yalnix: %v\n", err)
		return 1
	}
	if *trace >= 0 {
		cfg.TraceLevel = *trace
	}

	logger, closer, err := newLogger(stderr, cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(stderr, "yalnix: %v\n", err)
		return 1
	}
	defer closer.Close()

	mcfg := cfg.machineConfig(logger)
	for i := range mcfg.Terminals {
		mcfg.Terminals[i] = &kfmt.PrefixWriter{Sink: stdout, Prefix: []byte(fmt.Sprintf("[tty%d] ", i))}
	}

	if cfg.DiskImage != "" {
		disk, err := openDisk(cfg.DiskImage)
		if err != nil {
			logger.Error("cannot open disk image", "path", cfg.DiskImage, "err", err)
			return 1
		}
		defer disk.Close()
		mcfg.Disk = disk
	}

	kfmt.SetOutputSink(stderr)
	kfmt.SetTraceLevel(cfg.TraceLevel)

	m := machine.New(mcfg)
	go typeLines(m, stdin)

	kcfg := kmain.Config{MaxProcesses: cfg.MaxProcesses}
	if cfg.ImageDir != "" {
		kcfg.Sources = append(kcfg.Sources, os.DirFS(cfg.ImageDir))
	}
	kcfg.Sources = append(kcfg.Sources, programs.FS())

	logger.Info("booting", "memory", cfg.MemorySize, "programs", flags.Args())
	err = m.Boot(func(ctx *machine.UserContext) {
		kmain.KernelStart(m, kcfg, flags.Args(), ctx)
	})
	if err != nil {
		logger.Error("machine stopped", "err", err, "ticks", m.Ticks())
		return 1
	}

	logger.Info("machine halted", "ticks", m.Ticks())
	return 0
}

// typeLines feeds host input to the machine terminals until r is exhausted.
func typeLines(m *machine.Machine, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		tty, line := routeLine(scanner.Text())
		m.TypeLine(tty, line)
	}
}

// routeLine picks the terminal a line of host input is typed on.
func routeLine(line string) (int, string) {
	if !strings.HasPrefix(line, "@") {
		return 0, line
	}

	target, rest, _ := strings.Cut(line[1:], " ")
	tty, err := strconv.Atoi(target)
	if err != nil || tty < 0 || tty >= abi.NumTerminals {
		return 0, line
	}
	return tty, rest
}

// openDisk opens the disk image at path, creating it and growing it to the
// size of the simulated disk when needed.
func openDisk(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	const size = abi.NumSectors * abi.SectorSize
	info, err := f.Stat()
	if err == nil && info.Size() < size {
		err = f.Truncate(size)
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// exportImages writes every bundled program image to dir.
func exportImages(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	fsys := programs.FS()
	return fs.WalkDir(fsys, ".", func(name string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		raw, err := fs.ReadFile(fsys, name)
		if err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dir, filepath.FromSlash(name)), raw, 0o644)
	})
}
