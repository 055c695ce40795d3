// Package config loads and validates kernel configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"kernsim/pkg/logger"
)

// PageSize is the granularity every memory size must respect.
const PageSize = 4096

// Configuration errors.
var (
	ErrInvalidMemory = errors.New("config: invalid memory layout")
	ErrInvalidLimit  = errors.New("config: invalid limit")
	ErrInvalidTimer  = errors.New("config: invalid timer settings")
)

// Config is the top-level configuration document.
type Config struct {
	Kernel Kernel        `yaml:"kernel"`
	Log    logger.Config `yaml:"log"`
	Boot   Boot          `yaml:"boot"`
}

// Kernel holds machine and kernel parameters.
type Kernel struct {
	// MemorySize is the amount of physical memory in bytes.
	MemorySize uint32 `yaml:"memorySize"`
	// HeapBase is the physical address where the kernel heap starts.
	HeapBase uint32 `yaml:"heapBase"`
	// HeapSize is the size of the kernel heap in bytes.
	HeapSize uint32 `yaml:"heapSize"`
	// MaxProcesses bounds the process table.
	MaxProcesses int `yaml:"maxProcesses"`
	// MaxKernelTasks is the number of task slots reserved for kernel tasks
	// besides the idle and cleaner tasks.
	MaxKernelTasks int `yaml:"maxKernelTasks"`
	// MaxAllocations bounds each process's allocation table.
	MaxAllocations int `yaml:"maxAllocations"`
	// MaxFiles bounds each process's file descriptor table.
	MaxFiles int `yaml:"maxFiles"`
	// MaxProcessMemory caps the bytes a process may allocate; 0 is unlimited.
	MaxProcessMemory uint32 `yaml:"maxProcessMemory"`
	// KernelStackSize is the size of every task's kernel stack.
	KernelStackSize uint32 `yaml:"kernelStackSize"`
	// UserStackSize is the size of every process's user stack.
	UserStackSize uint32 `yaml:"userStackSize"`
	// TimerPeriod is the interval between timer interrupts.
	TimerPeriod time.Duration `yaml:"timerPeriod"`
	// Quantum is the time slice a task runs before preemption is considered.
	Quantum time.Duration `yaml:"quantum"`
	// InstructionTime is the virtual time one user instruction takes.
	InstructionTime time.Duration `yaml:"instructionTime"`
	// TimeLimit powers the machine off after this much virtual time; 0
	// disables the limit.
	TimeLimit time.Duration `yaml:"timeLimit"`
	// RealTime paces idle periods against the wall clock.
	RealTime bool `yaml:"realTime"`
}

// Boot describes what the kernel runs after booting.
type Boot struct {
	// Root is the image root: a local directory or an afs URL.
	Root string `yaml:"root"`
	// Init is the command line of the first process.
	Init string `yaml:"init"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Kernel: DefaultKernel(),
		Log:    logger.DefaultConfig(),
		Boot: Boot{
			Root: ".",
			Init: "/bin/init",
		},
	}
}

// DefaultKernel returns the default kernel parameters.
func DefaultKernel() Kernel {
	return Kernel{
		MemorySize:       32 * 1024 * 1024,
		HeapBase:         1024 * 1024,
		HeapSize:         24 * 1024 * 1024,
		MaxProcesses:     12,
		MaxKernelTasks:   4,
		MaxAllocations:   1024,
		MaxFiles:         16,
		MaxProcessMemory: 0,
		KernelStackSize:  16 * 1024,
		UserStackSize:    16 * 1024,
		TimerPeriod:      time.Millisecond,
		Quantum:          10 * time.Millisecond,
		InstructionTime:  time.Microsecond,
	}
}

// Load reads a YAML file and overlays it on the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Kernel.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// QuantumTicks is the number of timer interrupts in one quantum.
func (k Kernel) QuantumTicks() int {
	n := int(k.Quantum / k.TimerPeriod)
	if n < 1 {
		n = 1
	}
	return n
}

// Validate checks the kernel parameters for consistency.
func (k Kernel) Validate() error {
	for name, v := range map[string]uint32{
		"memorySize":      k.MemorySize,
		"heapBase":        k.HeapBase,
		"heapSize":        k.HeapSize,
		"kernelStackSize": k.KernelStackSize,
		"userStackSize":   k.UserStackSize,
	} {
		if v%PageSize != 0 {
			return fmt.Errorf("%w: %s %d is not a multiple of %d", ErrInvalidMemory, name, v, PageSize)
		}
	}
	if k.HeapSize == 0 || k.KernelStackSize == 0 || k.UserStackSize == 0 {
		return fmt.Errorf("%w: heap and stack sizes must be non-zero", ErrInvalidMemory)
	}
	if uint64(k.HeapBase)+uint64(k.HeapSize) > uint64(k.MemorySize) {
		return fmt.Errorf("%w: heap [%#x, %#x) exceeds memory size %#x",
			ErrInvalidMemory, k.HeapBase, uint64(k.HeapBase)+uint64(k.HeapSize), k.MemorySize)
	}
	if k.MaxProcesses <= 0 || k.MaxAllocations <= 0 || k.MaxFiles <= 0 || k.MaxKernelTasks < 0 {
		return fmt.Errorf("%w: table sizes must be positive", ErrInvalidLimit)
	}
	if k.TimerPeriod <= 0 || k.InstructionTime <= 0 {
		return fmt.Errorf("%w: timer period and instruction time must be positive", ErrInvalidTimer)
	}
	if k.Quantum < k.TimerPeriod {
		return fmt.Errorf("%w: quantum %s shorter than timer period %s", ErrInvalidTimer, k.Quantum, k.TimerPeriod)
	}
	if k.TimeLimit < 0 {
		return fmt.Errorf("%w: negative time limit", ErrInvalidTimer)
	}
	return nil
}
