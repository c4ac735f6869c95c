package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kazzmir/yalnix/machine"
)

// Config is the on-disk configuration of the simulator.
type Config struct {
	MemorySize    uint32 `json:"memory_size"`
	ClockInterval uint64 `json:"clock_interval"`
	TTYLatency    uint64 `json:"tty_latency"`
	DiskLatency   uint64 `json:"disk_latency"`
	IdleSleepMs   int    `json:"idle_sleep_ms"`

	// TraceLevel is the kernel trace verbosity; 0 disables tracing.
	TraceLevel int `json:"trace_level"`

	// LogLevel is the host log level: DEBUG, INFO, WARN or ERROR.
	LogLevel string `json:"log_level"`
	LogFile  string `json:"log_file"`

	// DiskImage is a host file backing the disk. Empty keeps the disk in
	// memory.
	DiskImage string `json:"disk_image"`

	// ImageDir is searched for programs before the bundled ones.
	ImageDir string `json:"image_dir"`

	MaxProcesses int `json:"max_processes"`
}

func defaultConfig() Config {
	return Config{
		MemorySize:    machine.DefaultMemorySize,
		ClockInterval: machine.DefaultClockInterval,
		TTYLatency:    machine.DefaultTTYLatency,
		DiskLatency:   machine.DefaultDiskLatency,
		IdleSleepMs:   10,
		TraceLevel:    1,
		LogLevel:      "INFO",
	}
}

// loadConfig returns the defaults overlaid with the JSON document at path.
// An empty path selects the defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	if err := decodeConfig(f, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func decodeConfig(r io.Reader, cfg *Config) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}

	switch {
	case cfg.MemorySize < 4*machine.PageSize:
		return fmt.Errorf("memory_size %d is too small", cfg.MemorySize)
	case cfg.MaxProcesses < 0:
		return fmt.Errorf("max_processes must not be negative")
	case cfg.IdleSleepMs < 0:
		return fmt.Errorf("idle_sleep_ms must not be negative")
	}
	return nil
}

// machineConfig translates cfg into the machine description. Terminals and
// the disk are attached by the caller.
func (cfg Config) machineConfig(logger *slog.Logger) machine.Config {
	return machine.Config{
		MemorySize:    cfg.MemorySize,
		ClockInterval: cfg.ClockInterval,
		TTYLatency:    cfg.TTYLatency,
		DiskLatency:   cfg.DiskLatency,
		IdleSleep:     time.Duration(cfg.IdleSleepMs) * time.Millisecond,
		Logger:        logger,
	}
}

// parseLevel converts a configured level name to a slog.Level. Unknown names
// select INFO and are reported through the returned error.
func parseLevel(name string) (slog.Level, error) {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q; using INFO", name)
	}
}

// newLogger builds the host logger writing to w and, when logFile is set, to
// that file too. The returned closer releases the file.
func newLogger(w io.Writer, level, logFile string) (*slog.Logger, io.Closer, error) {
	var (
		out    = w
		closer io.Closer = io.NopCloser(nil)
	)

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		out, closer = io.MultiWriter(w, f), f
	}

	lvl, levelErr := parseLevel(level)
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: lvl}))
	if levelErr != nil {
		logger.Warn(levelErr.Error())
	}
	return logger, closer, nil
}
