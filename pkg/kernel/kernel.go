// Package kernel boots the machine: it wires physical memory, the kernel
// heap, the MMU, the scheduler and the process manager together, runs user
// programs on the CPU and dispatches their syscalls.
package kernel

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"kernsim/pkg/config"
	"kernsim/pkg/cpu"
	"kernsim/pkg/hw"
	"kernsim/pkg/kheap"
	"kernsim/pkg/loader"
	"kernsim/pkg/logger"
	"kernsim/pkg/paging"
	"kernsim/pkg/process"
	"kernsim/pkg/sched"
	"kernsim/pkg/vfs"
)

// reservedTasks are the task slots outside the process table: idle,
// cleaner and the replacement task an exec creates before the old one
// stops.
const reservedTasks = 3

// Kernel is one booted machine.
type Kernel struct {
	cfg    config.Kernel
	bootID uuid.UUID
	log    *zap.Logger

	mem    *hw.PhysMem
	clock  *hw.Clock
	timer  *hw.Timer
	heap   *kheap.Heap
	mmu    *paging.MMU
	sched  *sched.Scheduler
	loader *loader.Loader
	procs  *process.Manager

	consoleMu sync.Mutex
	console   io.Writer

	metrics *metrics
}

// New boots a kernel over fs. Program output goes to console; a nil
// console discards it.
func New(cfg config.Kernel, fs vfs.FileSystem, console io.Writer, log *zap.Logger) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if console == nil {
		console = io.Discard
	}
	k := &Kernel{
		cfg:     cfg,
		bootID:  uuid.New(),
		console: console,
	}
	k.log = logger.OrNop(log).Named("kernel").With(zap.String("boot_id", k.bootID.String()))

	k.mem = hw.NewPhysMem(cfg.MemorySize)
	k.clock = hw.NewClock()
	k.timer = hw.NewTimer(k.clock)

	var err error
	if k.heap, err = kheap.New(k.mem, cfg.HeapBase, cfg.HeapSize, k.log); err != nil {
		return nil, fmt.Errorf("kernel: heap: %w", err)
	}
	k.mmu = paging.NewMMU(k.mem, k.log)

	k.sched, err = sched.New(sched.Config{
		MaxTasks:     cfg.MaxProcesses + cfg.MaxKernelTasks + reservedTasks,
		StackSize:    cfg.KernelStackSize,
		TimerPeriod:  cfg.TimerPeriod,
		QuantumTicks: cfg.QuantumTicks(),
		TimeLimit:    cfg.TimeLimit,
		RealTime:     cfg.RealTime,
	}, k.heap, k.clock, k.timer, k.log)
	if err != nil {
		return nil, fmt.Errorf("kernel: scheduler: %w", err)
	}
	k.sched.SetSwitchHook(k.switchAddressSpace)

	k.loader = loader.New(fs, k.heap, k.log)
	k.procs, err = process.New(process.Config{
		MaxProcesses: cfg.MaxProcesses,
		StackSize:    cfg.UserStackSize,
		Limits: process.ResourceLimits{
			MaxMemory:      cfg.MaxProcessMemory,
			MaxAllocations: cfg.MaxAllocations,
			MaxFiles:       cfg.MaxFiles,
		},
	}, k.heap, k.sched, k.loader, k.mmu, k.runUser, k.log)
	if err != nil {
		k.sched.Close()
		return nil, fmt.Errorf("kernel: process manager: %w", err)
	}

	k.metrics = newMetrics(k)
	k.log.Info("kernel booted",
		zap.Uint32("memory", cfg.MemorySize),
		zap.Uint32("heap", cfg.HeapSize),
		zap.Int("max_processes", cfg.MaxProcesses))
	return k, nil
}

// BootID identifies this boot in logs and metrics.
func (k *Kernel) BootID() uuid.UUID { return k.bootID }

// Processes returns the process manager.
func (k *Kernel) Processes() *process.Manager { return k.procs }

// Scheduler returns the scheduler.
func (k *Kernel) Scheduler() *sched.Scheduler { return k.sched }

// Heap returns the kernel heap.
func (k *Kernel) Heap() *kheap.Heap { return k.heap }

// MMU returns the memory management unit.
func (k *Kernel) MMU() *paging.MMU { return k.mmu }

// Clock returns the machine clock.
func (k *Kernel) Clock() *hw.Clock { return k.clock }

// Registry returns the registry the kernel's metrics are registered on.
func (k *Kernel) Registry() *prometheus.Registry { return k.metrics.registry }

// Spawn loads a boot process from a command line. Call it before Run.
func (k *Kernel) Spawn(cmdline string) (*process.Process, error) {
	return k.procs.Load(cmdline, nil)
}

// Run runs the machine until it powers off.
func (k *Kernel) Run(ctx context.Context) error {
	err := k.sched.Run(ctx)
	st := k.sched.Stats()
	k.log.Info("machine halted",
		zap.Duration("uptime", k.clock.Now()),
		zap.Uint64("switches", st.Switches),
		zap.Uint64("preemptions", st.Preemptions),
		zap.Error(err))
	return err
}

// Close releases a kernel that was never run.
func (k *Kernel) Close() {
	k.sched.Close()
}

// switchAddressSpace loads the directory of the incoming task's process,
// or the kernel view for kernel tasks.
func (k *Kernel) switchAddressSpace(next *sched.Task) {
	if p, ok := next.Owner().(*process.Process); ok {
		k.mmu.Switch(p.Directory())
		return
	}
	k.mmu.Switch(nil)
}

// runUser executes p in user mode until it exits. Every instruction
// costs InstructionTime of machine time; timer interrupts are delivered
// between instructions.
func (k *Kernel) runUser(p *process.Process) {
	for {
		trap := cpu.Step(p.Frame(), k.mmu)
		k.clock.Advance(k.cfg.InstructionTime)
		switch trap.Kind {
		case cpu.None:
		case cpu.Syscall:
			k.syscall(p, trap.Num)
		default:
			k.fault(p, trap)
		}
		k.sched.Safepoint()
	}
}

// fault kills a process that trapped.
func (k *Kernel) fault(p *process.Process, trap cpu.Trap) {
	k.metrics.faults.WithLabelValues(trap.Kind.String()).Inc()
	k.log.Warn("user fault",
		zap.Int32("pid", int32(p.PID())),
		zap.String("name", p.Name()),
		zap.Stringer("trap", trap.Kind),
		zap.Uint32("pc", p.Frame().PC),
		zap.Error(trap.Err))
	k.printf("%s: %s\n", p.Name(), trap.Kind)
	if err := k.procs.Exit(p, -1); err != nil {
		k.sched.Panic("exit after fault: %v", err)
	}
}

func (k *Kernel) printf(format string, args ...interface{}) {
	k.consoleMu.Lock()
	defer k.consoleMu.Unlock()
	fmt.Fprintf(k.console, format, args...)
}

func (k *Kernel) write(p []byte) error {
	k.consoleMu.Lock()
	defer k.consoleMu.Unlock()
	_, err := k.console.Write(p)
	return err
}
