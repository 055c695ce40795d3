package process

import (
	"sync"

	"go.uber.org/zap/zapcore"

	"kernsim/pkg/cpu"
	"kernsim/pkg/paging"
	"kernsim/pkg/sched"
)

// ProcessState represents the state of a process in the system.
type ProcessState string

const (
	// StateEmbryo indicates the process slot is taken but loading has not
	// finished.
	StateEmbryo ProcessState = "embryo"
	// StateRunning indicates the process is runnable or executing.
	StateRunning ProcessState = "running"
	// StateWaiting indicates the process is blocked waiting for a child.
	StateWaiting ProcessState = "waiting"
	// StateSleeping indicates the process is in a timed sleep.
	StateSleeping ProcessState = "sleeping"
	// StateZombie indicates the process has exited but its parent hasn't
	// collected the exit code.
	StateZombie ProcessState = "zombie"
)

// Code returns the numeric state reported by the ps syscall.
func (s ProcessState) Code() uint32 {
	switch s {
	case StateRunning:
		return 1
	case StateWaiting:
		return 2
	case StateSleeping:
		return 3
	case StateZombie:
		return 4
	default:
		return 0
	}
}

// Priority represents process scheduling priority. Dispatch is FIFO; the
// priority is bookkeeping reported by snapshots.
type Priority int

const (
	// PriorityLow is the lowest priority level.
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// PID identifies a process. PIDs are slot index + 1.
type PID int32

// AnyChild makes Wait match any child.
const AnyChild PID = -1

// Process is a user program: one task, one address space, open files and
// a program image.
type Process struct {
	pid      PID
	name     string
	args     []string
	cwd      string
	priority Priority

	// mu guards the fields snapshots read from outside the machine.
	mu       sync.Mutex
	state    ProcessState
	exitCode int32

	parent     *Process
	children   []*Process
	waitingFor PID

	task  *sched.Task
	frame cpu.Frame
	space *space
	files *fileTable
}

// PID returns the process id.
func (p *Process) PID() PID { return p.pid }

// Name returns the base name of the program image.
func (p *Process) Name() string { return p.name }

// Args returns the argument vector the program was started with.
func (p *Process) Args() []string { return p.args }

// Cwd returns the current working directory.
func (p *Process) Cwd() string { return p.cwd }

// Priority returns the scheduling priority.
func (p *Process) Priority() Priority {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.priority
}

// SetPriority sets the scheduling priority.
func (p *Process) SetPriority(priority Priority) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.priority = priority
}

// State returns the current state.
func (p *Process) State() ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ExitCode returns the exit code. Only meaningful for zombies.
func (p *Process) ExitCode() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Parent returns the parent process, nil for orphans and boot processes.
func (p *Process) Parent() *Process { return p.parent }

// Children returns the child list, zombies included until reaped.
func (p *Process) Children() []*Process {
	return append([]*Process(nil), p.children...)
}

// Task returns the task executing the process, nil once it exited.
func (p *Process) Task() *sched.Task { return p.task }

// Frame returns the user register state.
func (p *Process) Frame() *cpu.Frame { return &p.frame }

// Directory returns the page directory, nil once the process exited.
func (p *Process) Directory() *paging.Directory {
	if p.space == nil {
		return nil
	}
	return p.space.dir
}

// Allocations returns the live entries of the allocation table in table
// order.
func (p *Process) Allocations() []Allocation {
	if p.space == nil {
		return nil
	}
	var out []Allocation
	for _, a := range p.space.allocs {
		if a.Size > 0 {
			out = append(out, a)
		}
	}
	return out
}

// MemoryUsed returns the bytes held by process allocations.
func (p *Process) MemoryUsed() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.space == nil {
		return 0
	}
	return p.space.used.Load()
}

// Info is a snapshot of one process table entry.
type Info struct {
	PID      PID
	Parent   PID
	Name     string
	Priority Priority
	State    ProcessState
	ExitCode int32
	Memory   uint32
}

func (p *Process) info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	in := Info{
		PID:      p.pid,
		Name:     p.name,
		Priority: p.priority,
		State:    p.state,
		ExitCode: p.exitCode,
	}
	if p.parent != nil {
		in.Parent = p.parent.pid
	}
	if p.space != nil {
		in.Memory = p.space.used.Load()
	}
	return in
}

// setProgram installs what a process is running; space is nil at exit.
func (p *Process) setProgram(name string, args []string, sp *space) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.name = name
	p.args = args
	p.space = sp
}

func (p *Process) removeChild(child *Process) bool {
	for i, c := range p.children {
		if c == child {
			p.children = append(p.children[:i], p.children[i+1:]...)
			return true
		}
	}
	return false
}

// zapProcess logs a process as a compact object.
type zapProcess struct{ p *Process }

func (z zapProcess) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt32("pid", int32(z.p.pid))
	enc.AddString("name", z.p.name)
	return nil
}
