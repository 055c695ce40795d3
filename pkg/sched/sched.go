package sched

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"kernsim/pkg/hw"
	"kernsim/pkg/kerr"
	"kernsim/pkg/kheap"
	"kernsim/pkg/logger"
)

// ErrTimeLimit is returned by Run when the virtual time limit is reached.
var ErrTimeLimit = errors.New("sched: time limit reached")

// Config sizes the scheduler.
type Config struct {
	MaxTasks     int
	StackSize    uint32
	TimerPeriod  time.Duration
	QuantumTicks int
	TimeLimit    time.Duration
	RealTime     bool
}

// Stats are cumulative scheduler counters.
type Stats struct {
	Switches    uint64
	Preemptions uint64
	Created     uint64
	Reclaimed   uint64
	Ticks       uint64
}

type counters struct {
	switches    atomic.Uint64
	preemptions atomic.Uint64
	created     atomic.Uint64
	reclaimed   atomic.Uint64
}

// Scheduler multiplexes tasks onto the single CPU.
//
// Scheduler state is only touched by the task holding the CPU, so it needs
// no mutex; the lock is a nesting counter that masks timer interrupts.
type Scheduler struct {
	cfg   Config
	heap  *kheap.Heap
	clock *hw.Clock
	timer *hw.Timer
	log   *zap.Logger

	tasks    []*Task
	ready    queue
	sleeping queue
	stopped  queue

	current *Task
	idle    *Task
	cleaner *Task

	depth      int
	postponed  bool
	quantum    int
	lastSwitch time.Duration
	onSwitch   func(*Task)

	ctx      context.Context
	running  bool
	halted   chan struct{}
	haltOnce sync.Once
	haltErr  error
	wg       sync.WaitGroup

	stats counters
}

// New creates a scheduler with its idle and cleaner tasks.
func New(cfg Config, heap *kheap.Heap, clock *hw.Clock, timer *hw.Timer, log *zap.Logger) (*Scheduler, error) {
	if cfg.MaxTasks < 2 {
		return nil, kerr.Newf(kerr.InvalidArg, "sched: need room for idle and cleaner tasks, have %d slots", cfg.MaxTasks)
	}
	if cfg.QuantumTicks < 1 {
		cfg.QuantumTicks = 1
	}
	s := &Scheduler{
		cfg:     cfg,
		heap:    heap,
		clock:   clock,
		timer:   timer,
		log:     logger.OrNop(log).Named("sched"),
		tasks:   make([]*Task, cfg.MaxTasks),
		quantum: cfg.QuantumTicks,
		halted:  make(chan struct{}),
	}
	var err error
	if s.idle, err = s.NewTask("idle", s.idleLoop, nil); err != nil {
		return nil, err
	}
	if s.cleaner, err = s.NewTask("cleaner", s.cleanerLoop, nil); err != nil {
		return nil, err
	}
	return s, nil
}

// SetSwitchHook installs fn, called on every dispatch with the incoming
// task before it resumes. The kernel uses it to switch address spaces.
func (s *Scheduler) SetSwitchHook(fn func(next *Task)) {
	s.onSwitch = fn
}

// Clock returns the machine clock.
func (s *Scheduler) Clock() *hw.Clock { return s.clock }

// Now returns the current machine time.
func (s *Scheduler) Now() time.Duration { return s.clock.Now() }

// Current returns the task holding the CPU.
func (s *Scheduler) Current() *Task { return s.current }

// Idle returns the idle task.
func (s *Scheduler) Idle() *Task { return s.idle }

// Stats returns the cumulative counters. Safe to call from any goroutine.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Switches:    s.stats.switches.Load(),
		Preemptions: s.stats.preemptions.Load(),
		Created:     s.stats.created.Load(),
		Reclaimed:   s.stats.reclaimed.Load(),
		Ticks:       s.timer.Fired(),
	}
}

// Task returns the task with the given id, or nil.
func (s *Scheduler) Task(id TaskID) *Task {
	if id < 1 || int(id) > len(s.tasks) {
		return nil
	}
	return s.tasks[id-1]
}

// NewTask creates a paused task that will run entry once started. Running
// out of task slots or kernel stack memory is fatal.
func (s *Scheduler) NewTask(name string, entry func(*Task), owner any) (*Task, error) {
	slot := s.freeSlot()
	if slot < 0 {
		// Stopped tasks hold their slots until the cleaner runs. None of
		// them is on the CPU, so they can be reclaimed right here.
		s.Lock()
		s.reclaimStopped()
		s.Unlock()
		slot = s.freeSlot()
	}
	if slot < 0 {
		return nil, s.Panic("no free task slot for %q", name)
	}
	stack, err := s.heap.Zalloc(s.cfg.StackSize)
	if err != nil {
		return nil, s.Panic("allocate kernel stack for %q: %v", name, err)
	}
	t := &Task{
		id:        TaskID(slot + 1),
		name:      name,
		state:     Paused,
		entry:     entry,
		owner:     owner,
		stack:     stack,
		sched:     s,
		resume:    make(chan struct{}, 1),
		reclaimed: make(chan struct{}),
	}
	s.tasks[slot] = t
	s.stats.created.Add(1)
	s.wg.Add(1)
	go t.main()
	s.log.Debug("task created", zap.Int("id", int(t.id)), zap.String("name", name))
	return t, nil
}

func (s *Scheduler) freeSlot() int {
	for i, t := range s.tasks {
		if t == nil {
			return i
		}
	}
	return -1
}

// Start makes a new task runnable.
func (s *Scheduler) Start(t *Task) {
	s.Lock()
	if t.state == Paused && t != s.idle && t != s.cleaner {
		s.makeReady(t)
	}
	s.Unlock()
}

// Lock masks preemption. Calls nest.
func (s *Scheduler) Lock() {
	s.depth++
}

// Unlock undoes one Lock. Releasing the outermost level runs a reschedule
// that was postponed while the lock was held.
func (s *Scheduler) Unlock() {
	if s.depth <= 0 {
		s.Panic("scheduler unlock without lock")
		return
	}
	if s.depth == 1 && s.postponed {
		s.postponed = false
		s.schedule()
	}
	s.depth--
}

// Locked reports whether preemption is masked.
func (s *Scheduler) Locked() bool {
	return s.depth > 0
}

// Safepoint delivers a pending timer interrupt when the lock is free.
// Code that runs for a long time without blocking calls it regularly.
func (s *Scheduler) Safepoint() {
	if s.depth == 0 && s.timer.Due() {
		s.timer.Service()
	}
}

// schedule picks the next task and switches to it. The caller holds the
// lock exactly once; deeper callers only mark the reschedule postponed.
func (s *Scheduler) schedule() {
	if s.current == nil || s.Halted() {
		return
	}
	if s.depth > 1 {
		s.postponed = true
		return
	}
	cur := s.current
	if cur.state == Running && cur != s.idle {
		if s.ready.empty() {
			s.quantum = s.cfg.QuantumTicks
			return
		}
		cur.state = Ready
		s.ready.push(cur)
	}
	next := s.ready.pop()
	if next == nil {
		next = s.idle
	}
	s.switchTo(next)
}

// switchTo hands the CPU to next. It returns when the calling task is
// dispatched again.
func (s *Scheduler) switchTo(next *Task) {
	if next.state == Stopped {
		s.Panic("dispatch of stopped %s", next)
		return
	}
	prev := s.current
	now := s.clock.Now()
	prev.runtime += now - s.lastSwitch
	s.lastSwitch = now
	s.quantum = s.cfg.QuantumTicks

	if prev == s.idle && prev.state == Running {
		prev.state = Paused
	}
	next.state = Running
	s.current = next
	if next == prev {
		return
	}
	if s.onSwitch != nil {
		s.onSwitch(next)
	}
	s.stats.switches.Add(1)
	next.resume <- struct{}{}
	prev.park()
}

func (s *Scheduler) makeReady(t *Task) {
	t.state = Ready
	t.channel = nil
	s.ready.push(t)
}

// tick is the timer interrupt handler.
func (s *Scheduler) tick() {
	s.Lock()
	now := s.clock.Now()
	woke := false
	for t := s.sleeping.head; t != nil; {
		next := t.next
		if t.wakeAt <= now {
			s.sleeping.remove(t)
			s.makeReady(t)
			woke = true
		}
		t = next
	}
	if s.cfg.TimeLimit > 0 && now >= s.cfg.TimeLimit {
		s.powerOff(ErrTimeLimit)
	}
	if s.ctx != nil && s.ctx.Err() != nil {
		s.powerOff(s.ctx.Err())
	}
	// A woken sleeper preempts the running task so it is dispatched
	// within one timer period of its wake time.
	if s.current == s.idle {
		if !s.ready.empty() {
			s.schedule()
		}
	} else if woke {
		s.stats.preemptions.Add(1)
		s.schedule()
	} else if s.quantum--; s.quantum <= 0 {
		if !s.ready.empty() {
			s.stats.preemptions.Add(1)
		}
		s.schedule()
	}
	s.Unlock()
}

// BlockCurrent suspends the running task in state until Unblock.
func (s *Scheduler) BlockCurrent(state State) {
	s.Lock()
	s.BlockLocked(state)
	s.Unlock()
}

// BlockLocked is BlockCurrent for callers that already hold the lock
// exactly once, so they can test a condition and block atomically.
func (s *Scheduler) BlockLocked(state State) {
	if s.depth != 1 {
		s.Panic("block with scheduler lock depth %d", s.depth)
		return
	}
	s.current.state = state
	s.schedule()
}

// Unblock makes a blocked or sleeping task ready.
func (s *Scheduler) Unblock(t *Task) {
	s.Lock()
	switch t.state {
	case Blocked:
		if t.queue != nil {
			t.queue.remove(t)
		}
		s.makeReady(t)
	case Sleeping:
		s.sleeping.remove(t)
		s.makeReady(t)
	}
	if s.current == s.idle {
		s.schedule()
	}
	s.Unlock()
}

// SleepUntil suspends the running task until the clock reaches wake.
func (s *Scheduler) SleepUntil(wake time.Duration) {
	s.Lock()
	cur := s.current
	cur.wakeAt = wake
	cur.state = Sleeping
	s.sleeping.push(cur)
	s.schedule()
	s.Unlock()
}

// Sleep suspends the running task for at least d.
func (s *Scheduler) Sleep(d time.Duration) {
	s.SleepUntil(s.clock.Now() + d)
}

// Yield gives up the rest of the quantum to the next ready task.
func (s *Scheduler) Yield() {
	s.Lock()
	s.schedule()
	s.Unlock()
}

// Terminate stops the running task. It never returns: the task is queued
// for the cleaner, which reclaims its stack and slot.
func (s *Scheduler) Terminate() {
	s.Lock()
	cur := s.current
	if cur == s.idle || cur == s.cleaner {
		s.Panic("%s cannot terminate", cur)
	}
	cur.state = Stopped
	s.stopped.push(cur)
	if s.cleaner.state == Paused {
		s.makeReady(s.cleaner)
	}
	s.schedule()
	// Only reached when the machine powered off during the switch.
	runtime.Goexit()
}

func (s *Scheduler) reclaim(t *Task) {
	if err := s.heap.Free(t.stack); err != nil {
		s.Panic("free kernel stack of %s: %v", t, err)
		return
	}
	s.tasks[t.id-1] = nil
	t.owner = nil
	t.frame = nil
	close(t.reclaimed)
	s.stats.reclaimed.Add(1)
	s.log.Debug("task reclaimed", zap.Int("id", int(t.id)), zap.String("name", t.name),
		zap.Duration("runtime", t.runtime))
}

func (s *Scheduler) reclaimStopped() {
	for t := s.stopped.pop(); t != nil; t = s.stopped.pop() {
		s.reclaim(t)
	}
}

func (s *Scheduler) cleanerLoop(self *Task) {
	for {
		s.Lock()
		s.reclaimStopped()
		self.state = Paused
		s.schedule()
		s.Unlock()
	}
}

func (s *Scheduler) idleLoop(self *Task) {
	for {
		s.Lock()
		if !s.ready.empty() {
			s.schedule()
			s.Unlock()
			continue
		}
		if s.sleeping.empty() {
			s.log.Info("no runnable tasks, powering off", zap.Int("blocked", s.countState(Blocked)))
			s.powerOff(nil)
		}
		s.Unlock()
		s.halt()
	}
}

// halt idles the CPU until the next timer interrupt and delivers it.
func (s *Scheduler) halt() {
	next := s.timer.Next()
	if s.cfg.RealTime {
		if d := next - s.clock.Now(); d > 0 {
			time.Sleep(d)
		}
	}
	s.clock.AdvanceTo(next)
	s.Safepoint()
}

func (s *Scheduler) countState(state State) int {
	n := 0
	for _, t := range s.tasks {
		if t != nil && t.state == state {
			n++
		}
	}
	return n
}

// Run boots the scheduler: it dispatches the first ready task and blocks
// until the machine powers off. It returns nil when no task can run any
// more, ErrTimeLimit, the context error, or a kernel panic.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.Halted() {
		s.wg.Wait()
		return s.haltErr
	}
	s.ctx = ctx
	s.timer.Register(s.cfg.TimerPeriod, s.tick)
	s.log.Info("scheduler started",
		zap.Duration("timer_period", s.cfg.TimerPeriod),
		zap.Int("quantum_ticks", s.cfg.QuantumTicks),
		zap.Int("calibrated_hz", s.timer.Calibrate(time.Second)))

	s.running = true
	s.depth = 1
	first := s.ready.pop()
	if first == nil {
		first = s.idle
	}
	first.state = Running
	s.current = first
	s.lastSwitch = s.clock.Now()
	if s.onSwitch != nil {
		s.onSwitch(first)
	}
	first.resume <- struct{}{}

	<-s.halted
	s.wg.Wait()
	return s.haltErr
}

// Halted reports whether the machine has powered off.
func (s *Scheduler) Halted() bool {
	select {
	case <-s.halted:
		return true
	default:
		return false
	}
}

// Panic halts the machine with a kernel panic. Called on the CPU it does
// not return; before Run it records the panic for Run to report.
func (s *Scheduler) Panic(format string, args ...interface{}) error {
	err := kerr.Newf(kerr.KernelPanic, "kernel panic: %s", fmt.Sprintf(format, args...))
	s.log.Error("kernel panic", zap.Error(err))
	s.powerOff(err)
	return err
}

func (s *Scheduler) powerOff(err error) {
	s.haltOnce.Do(func() {
		s.haltErr = err
		close(s.halted)
	})
	if s.running {
		runtime.Goexit()
	}
}

// Close powers off a scheduler that was never run and waits for its
// task goroutines to exit.
func (s *Scheduler) Close() {
	if s.running {
		return
	}
	s.powerOff(nil)
	s.wg.Wait()
}
