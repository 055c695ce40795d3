package process

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/shlex"
	"go.uber.org/zap"

	"kernsim/pkg/cpu"
	"kernsim/pkg/isa"
	"kernsim/pkg/kerr"
	"kernsim/pkg/kheap"
	"kernsim/pkg/loader"
	"kernsim/pkg/logger"
	"kernsim/pkg/paging"
	"kernsim/pkg/sched"
	"kernsim/pkg/vfs"
)

// MaxArgs bounds the argument vector of a command line.
const MaxArgs = 32

// Runner executes a process in user mode on its task. It returns only if
// the program ends without calling Exit, which then counts as exit 0.
type Runner func(p *Process)

// Config sizes the process manager.
type Config struct {
	// MaxProcesses is the size of the process table.
	MaxProcesses int
	// StackSize is the size of every user stack.
	StackSize uint32
	// Limits apply to every process.
	Limits ResourceLimits
}

// Stats are cumulative process counters.
type Stats struct {
	Loaded uint64
	Forked uint64
	Execs  uint64
	Exited uint64
	Reaped uint64
}

type counters struct {
	loaded atomic.Uint64
	forked atomic.Uint64
	execs  atomic.Uint64
	exited atomic.Uint64
	reaped atomic.Uint64
}

// Manager owns the process table and implements the process lifecycle
// on top of the scheduler, the loader and the paging layer.
//
// Operations that block or end the caller (Wait, Sleep, Exec, Exit) must
// run on the calling process's own task.
type Manager struct {
	cfg    Config
	heap   *kheap.Heap
	sched  *sched.Scheduler
	loader *loader.Loader
	fs     vfs.FileSystem
	mmu    *paging.MMU
	run    Runner
	log    *zap.Logger

	// mu guards the table against snapshots taken outside the machine.
	mu    sync.Mutex
	procs []*Process

	stats counters
}

// New creates a process manager. mmu may be nil when no directory is ever
// activated, as in tests that never execute user code.
func New(cfg Config, heap *kheap.Heap, s *sched.Scheduler, ld *loader.Loader, mmu *paging.MMU, run Runner, log *zap.Logger) (*Manager, error) {
	if cfg.MaxProcesses < 1 {
		return nil, kerr.Newf(kerr.InvalidArg, "process table needs at least one slot")
	}
	if cfg.StackSize == 0 || !paging.IsAligned(cfg.StackSize) || cfg.StackSize > StackTop-paging.PageSize {
		return nil, kerr.Newf(kerr.Misaligned, "user stack size %#x", cfg.StackSize)
	}
	if cfg.Limits.MaxAllocations < 1 || cfg.Limits.MaxFiles < 1 {
		return nil, kerr.Newf(kerr.InvalidArg, "allocation and file tables need at least one entry")
	}
	if run == nil {
		return nil, kerr.Newf(kerr.InvalidArg, "no user-mode runner")
	}
	return &Manager{
		cfg:    cfg,
		heap:   heap,
		sched:  s,
		loader: ld,
		fs:     ld.FS(),
		mmu:    mmu,
		run:    run,
		log:    logger.OrNop(log).Named("process"),
		procs:  make([]*Process, cfg.MaxProcesses),
	}, nil
}

// Scheduler returns the scheduler processes run on.
func (m *Manager) Scheduler() *sched.Scheduler { return m.sched }

// Stats returns the cumulative counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Loaded: m.stats.loaded.Load(),
		Forked: m.stats.forked.Load(),
		Execs:  m.stats.execs.Load(),
		Exited: m.stats.exited.Load(),
		Reaped: m.stats.reaped.Load(),
	}
}

// Lookup returns the process with the given pid, or nil if the slot is
// free.
func (m *Manager) Lookup(pid PID) *Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pid < 1 || int(pid) > len(m.procs) {
		return nil
	}
	return m.procs[pid-1]
}

// Current returns the process whose task holds the CPU, nil for kernel
// tasks.
func (m *Manager) Current() *Process {
	t := m.sched.Current()
	if t == nil {
		return nil
	}
	p, _ := t.Owner().(*Process)
	return p
}

// Snapshot returns an entry per process table slot in use, in pid order.
func (m *Manager) Snapshot() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Info
	for _, p := range m.procs {
		if p != nil {
			out = append(out, p.info())
		}
	}
	return out
}

// Count returns the number of process table slots in use.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.procs {
		if p != nil {
			n++
		}
	}
	return n
}

func (m *Manager) allocSlot() (*Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cur := range m.procs {
		if cur == nil {
			p := &Process{
				pid:      PID(i + 1),
				state:    StateEmbryo,
				priority: PriorityNormal,
				cwd:      "/",
			}
			m.procs[i] = p
			return p, nil
		}
	}
	return nil, kerr.Newf(kerr.NoFreeSlot, "process table full (%d slots)", len(m.procs))
}

func (m *Manager) freeSlot(p *Process) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.procs[p.pid-1] == p {
		m.procs[p.pid-1] = nil
	}
	p.parent = nil
}

// orphan detaches a live child from its exiting parent.
func (m *Manager) orphan(c *Process) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.parent = nil
}

// abort rolls a process back out of the table after a failed Load or
// Fork.
func (m *Manager) abort(p *Process, err error) error {
	m.transition(p, StateZombie)
	if p.space != nil {
		_ = p.space.release(m.mmu)
		p.setProgram(p.name, p.args, nil)
	}
	if p.files != nil {
		p.files.closeAll()
		p.files = nil
	}
	m.freeSlot(p)
	m.log.Debug("process creation rolled back", m.procField(p), errField(err))
	return err
}

// parseCommand splits a command line and resolves the program path.
func parseCommand(cmdline, cwd string) (path string, args []string, err error) {
	args, err = shlex.Split(cmdline)
	if err != nil {
		return "", nil, kerr.Wrapf(err, kerr.InvalidArg, "command line %q", cmdline)
	}
	if len(args) == 0 {
		return "", nil, kerr.Newf(kerr.InvalidArg, "empty command line")
	}
	if len(args) > MaxArgs {
		return "", nil, kerr.Newf(kerr.InvalidArg, "%d arguments, at most %d", len(args), MaxArgs)
	}
	if err := vfs.ValidatePath(args[0]); err != nil {
		return "", nil, kerr.Wrapf(err, kerr.BadPath, "%q", args[0])
	}
	return vfs.Resolve(cwd, args[0]), args, nil
}

// prepare loads the program at path into a fresh address space and
// prepares a user frame for it with the argument vector in place.
func (m *Manager) prepare(path string, args []string) (*space, cpu.Frame, error) {
	var frame cpu.Frame
	img, err := m.loader.Load(path)
	if err != nil {
		return nil, frame, err
	}
	sp, err := newSpace(m.heap, img, m.cfg.StackSize, m.cfg.Limits)
	if err != nil {
		return nil, frame, err
	}
	argv, err := sp.pushArgs(args)
	if err != nil {
		_ = sp.release(nil)
		return nil, frame, err
	}
	frame.PC = img.Entry
	frame.R[isa.SP] = StackTop
	frame.R[isa.R1] = uint32(len(args))
	frame.R[isa.R2] = argv
	return sp, frame, nil
}

// pushArgs copies args into a process allocation laid out as a NULL
// terminated pointer array followed by the NUL terminated strings.
func (s *space) pushArgs(args []string) (uint32, error) {
	size := 4 * (len(args) + 1)
	for _, a := range args {
		size += len(a) + 1
	}
	virt, err := s.malloc(uint32(size))
	if err != nil {
		return 0, err
	}
	buf := make([]byte, size)
	str := 4 * (len(args) + 1)
	for i, a := range args {
		binary.LittleEndian.PutUint32(buf[4*i:], virt+uint32(str))
		str += copy(buf[str:], a) + 1
	}
	if err := paging.WriteVirtual(s.dir, virt, buf); err != nil {
		return 0, err
	}
	return virt, nil
}

func (m *Manager) newTask(p *Process) error {
	t, err := m.sched.NewTask(p.name, m.taskMain, p)
	if err != nil {
		return err
	}
	t.SetFrame(&p.frame)
	p.task = t
	return nil
}

func (m *Manager) taskMain(t *sched.Task) {
	p, ok := t.Owner().(*Process)
	if !ok {
		m.sched.Panic("%s has no process", t.Name())
		return
	}
	m.run(p)
	m.Exit(p, 0)
}

func (m *Manager) link(parent, child *Process) {
	if parent == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	child.parent = parent
	parent.children = append(parent.children, child)
}

// Load creates a process from a command line. The first word is the
// program path, resolved against the parent's working directory; the
// words become the argument vector. parent may be nil for boot processes.
func (m *Manager) Load(cmdline string, parent *Process) (*Process, error) {
	cwd := "/"
	if parent != nil {
		cwd = parent.cwd
	}
	path, args, err := parseCommand(cmdline, cwd)
	if err != nil {
		return nil, err
	}
	p, err := m.allocSlot()
	if err != nil {
		return nil, err
	}
	_, name := vfs.Split(path)
	p.setProgram(name, args, nil)
	p.cwd = cwd

	sp, frame, err := m.prepare(path, args)
	if err != nil {
		return nil, m.abort(p, err)
	}
	p.setProgram(name, args, sp)
	p.frame = frame
	p.files = newFileTable(m.cfg.Limits.MaxFiles)
	if err := m.newTask(p); err != nil {
		return nil, m.abort(p, err)
	}
	m.link(parent, p)
	m.transition(p, StateRunning)
	m.stats.loaded.Add(1)
	m.log.Info("process loaded", m.procField(p),
		zap.String("path", path),
		zap.Strings("args", args),
		zap.Uint32("entry", frame.PC))
	m.sched.Start(p.task)
	return p, nil
}

// Fork duplicates p. The child gets a deep copy of the image, stack and
// allocations at the same virtual addresses, reopened files and p's
// registers with R0 cleared.
func (m *Manager) Fork(p *Process) (*Process, error) {
	if p.space == nil {
		return nil, kerr.Newf(kerr.NoSuchProcess, "fork of exited %s", p)
	}
	child, err := m.allocSlot()
	if err != nil {
		return nil, err
	}
	child.setProgram(p.name, append([]string(nil), p.args...), nil)
	child.cwd = p.cwd
	child.SetPriority(p.Priority())

	sp, err := p.space.clone()
	if err != nil {
		return nil, m.abort(child, err)
	}
	child.setProgram(child.name, child.args, sp)
	if child.files, err = p.files.reopen(m.fs); err != nil {
		return nil, m.abort(child, err)
	}
	child.frame = p.frame
	child.frame.R[isa.R0] = 0
	if err := m.newTask(child); err != nil {
		return nil, m.abort(child, err)
	}
	m.link(p, child)
	m.transition(child, StateRunning)
	m.stats.forked.Add(1)
	m.log.Debug("process forked", m.procField(p), zap.Int32("child", int32(child.pid)))
	m.sched.Start(child.task)
	return child, nil
}

// Exec replaces p's program with the one named by cmdline. The new image
// is loaded before anything of the old one is released, so a failed Exec
// leaves p running its old program and returns the error. On success Exec
// does not return: the calling task ends and a fresh task runs the new
// program under the same pid, parent, children, working directory and
// open files.
func (m *Manager) Exec(p *Process, cmdline string) error {
	old := p.task
	if old == nil || old != m.sched.Current() {
		return kerr.Newf(kerr.InvalidArg, "exec of %s from another task", p)
	}
	path, args, err := parseCommand(cmdline, p.cwd)
	if err != nil {
		return err
	}
	sp, frame, err := m.prepare(path, args)
	if err != nil {
		m.log.Debug("exec failed", m.procField(p), zap.String("path", path), errField(err))
		return err
	}

	prev := p.space
	if prev.dir.Active() && m.mmu != nil {
		m.mmu.Switch(sp.dir)
	}
	if err := prev.release(m.mmu); err != nil {
		m.sched.Panic("release address space of %s: %v", p, err)
	}
	_, name := vfs.Split(path)
	p.setProgram(name, args, sp)
	p.frame = frame
	if err := m.newTask(p); err != nil {
		return err
	}
	old.SetOwner(nil)
	old.SetFrame(nil)
	m.stats.execs.Add(1)
	m.log.Info("process exec", m.procField(p), zap.String("path", path), zap.Strings("args", args))
	m.sched.Start(p.task)
	m.sched.Terminate()
	return nil
}

// Exit ends p with code. Its memory, files and address space are
// released; the record stays as a zombie until the parent reaps it, and
// a parent waiting for it is woken. A process without a parent is
// removed from the table at once. Zombie children are reaped and live
// children orphaned. Exit does not return when it succeeds.
func (m *Manager) Exit(p *Process, code int32) error {
	if p.task == nil || p.task != m.sched.Current() {
		return kerr.Newf(kerr.InvalidArg, "exit of %s from another task", p)
	}
	p.files.closeAll()
	p.files = nil
	if err := p.space.release(m.mmu); err != nil {
		m.sched.Panic("release address space of %s: %v", p, err)
	}
	p.setProgram(p.name, p.args, nil)

	m.sched.Lock()
	p.mu.Lock()
	p.exitCode = code
	p.mu.Unlock()
	m.transition(p, StateZombie)
	m.stats.exited.Add(1)

	for _, c := range p.children {
		if c.IsZombie() {
			m.freeSlot(c)
			m.stats.reaped.Add(1)
		} else {
			m.orphan(c)
		}
	}
	p.children = nil

	parent := p.parent
	switch {
	case parent == nil:
		m.freeSlot(p)
		m.stats.reaped.Add(1)
	case parent.State() == StateWaiting && (parent.waitingFor == AnyChild || parent.waitingFor == p.pid):
		m.sched.Unblock(parent.task)
	}
	m.log.Info("process exited", m.procField(p), zap.Int32("code", code), zap.Bool("orphan", parent == nil))

	p.task.SetFrame(nil)
	p.task = nil
	m.sched.Unlock()
	m.sched.Terminate()
	return nil
}

// Wait reaps a zombie child matching pid, or any child for AnyChild,
// blocking until one exists. It returns the child's pid and exit code,
// or ErrNoChild at once when p has no matching child.
func (m *Manager) Wait(p *Process, pid PID) (PID, int32, error) {
	if p.task == nil || p.task != m.sched.Current() {
		return 0, 0, kerr.Newf(kerr.InvalidArg, "wait of %s from another task", p)
	}
	m.sched.Lock()
	defer m.sched.Unlock()
	for {
		found := false
		for _, c := range p.children {
			if pid != AnyChild && c.pid != pid {
				continue
			}
			found = true
			if c.IsZombie() {
				p.removeChild(c)
				code := c.ExitCode()
				m.freeSlot(c)
				m.stats.reaped.Add(1)
				m.log.Debug("child reaped", m.procField(p), zap.Int32("child", int32(c.pid)), zap.Int32("code", code))
				return c.pid, code, nil
			}
		}
		if !found {
			return 0, 0, kerr.Newf(kerr.NoChild, "%s has no child matching %d", p, pid)
		}
		p.waitingFor = pid
		m.transition(p, StateWaiting)
		m.sched.BlockLocked(sched.Blocked)
		m.transition(p, StateRunning)
		p.waitingFor = 0
	}
}

// Sleep suspends p for at least d.
func (m *Manager) Sleep(p *Process, d time.Duration) {
	m.transition(p, StateSleeping)
	m.sched.Sleep(d)
	m.transition(p, StateRunning)
}

// Yield gives the CPU to the next ready task.
func (m *Manager) Yield(p *Process) {
	m.sched.Yield()
}

// Getpid returns p's pid.
func (m *Manager) Getpid(p *Process) PID {
	return p.pid
}

func (m *Manager) procField(p *Process) zap.Field {
	return zap.Object("process", zapProcess{p})
}

func errField(err error) zap.Field {
	return zap.Error(err)
}
