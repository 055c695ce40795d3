package sched

import (
	"fmt"
	"runtime"
	"time"

	"kernsim/pkg/cpu"
)

// State is a task's scheduling state.
type State int

// Task states.
const (
	Running State = iota
	Ready
	Sleeping
	Blocked
	Stopped
	Paused
)

var stateNames = [...]string{"running", "ready", "sleeping", "blocked", "stopped", "paused"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// TaskID identifies a task slot. IDs are slot index + 1.
type TaskID int

// Task is a schedulable execution context. Its Go-side context is a
// goroutine that only runs while the task holds the CPU; its kernel stack
// is a block of kernel heap owned by the task until it is reclaimed.
type Task struct {
	id      TaskID
	name    string
	state   State
	entry   func(*Task)
	owner   any
	frame   *cpu.Frame
	stack   uint32
	wakeAt  time.Duration
	channel any
	runtime time.Duration

	next  *Task
	queue *queue

	sched     *Scheduler
	resume    chan struct{}
	reclaimed chan struct{}
}

// ID returns the task id.
func (t *Task) ID() TaskID { return t.id }

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// State returns the scheduling state.
func (t *Task) State() State { return t.state }

// Owner returns the object that owns the task, such as its process.
func (t *Task) Owner() any { return t.owner }

// SetOwner sets the owner back-reference.
func (t *Task) SetOwner(owner any) { t.owner = owner }

// Frame returns the user trap frame, nil for kernel-only tasks.
func (t *Task) Frame() *cpu.Frame { return t.frame }

// SetFrame attaches a user trap frame.
func (t *Task) SetFrame(f *cpu.Frame) { t.frame = f }

// Stack returns the physical address of the kernel stack.
func (t *Task) Stack() uint32 { return t.stack }

// WakeAt returns the wake time of a sleeping task.
func (t *Task) WakeAt() time.Duration { return t.wakeAt }

// Runtime returns the CPU time accumulated up to the last switch away.
func (t *Task) Runtime() time.Duration { return t.runtime }

// Channel returns the wait channel the task is blocked on, if any.
func (t *Task) Channel() any { return t.channel }

func (t *Task) String() string {
	return fmt.Sprintf("task %d (%s)", t.id, t.name)
}

// main is the body of the task goroutine.
func (t *Task) main() {
	defer t.sched.wg.Done()
	t.park()
	// Every switch happens with the scheduler lock held once; a new task
	// releases it the way a resumed task would on its way out of schedule.
	t.sched.Unlock()
	t.entry(t)
	t.sched.Terminate()
}

// park gives up the goroutine until the task is dispatched again. A task
// that is reclaimed, or a machine that powers off, ends the goroutine.
func (t *Task) park() {
	select {
	case <-t.resume:
		if t.sched.Halted() {
			runtime.Goexit()
		}
	case <-t.reclaimed:
		runtime.Goexit()
	case <-t.sched.halted:
		runtime.Goexit()
	}
}

// queue is an intrusive FIFO of tasks linked through Task.next.
type queue struct {
	head, tail *Task
	n          int
}

func (q *queue) push(t *Task) {
	if t.queue != nil {
		panic(fmt.Sprintf("sched: %s already queued", t))
	}
	t.queue = q
	t.next = nil
	if q.tail == nil {
		q.head = t
	} else {
		q.tail.next = t
	}
	q.tail = t
	q.n++
}

func (q *queue) pop() *Task {
	t := q.head
	if t == nil {
		return nil
	}
	q.head = t.next
	if q.head == nil {
		q.tail = nil
	}
	t.next = nil
	t.queue = nil
	q.n--
	return t
}

func (q *queue) remove(t *Task) bool {
	if t.queue != q {
		return false
	}
	var prev *Task
	for cur := q.head; cur != nil; prev, cur = cur, cur.next {
		if cur != t {
			continue
		}
		if prev == nil {
			q.head = cur.next
		} else {
			prev.next = cur.next
		}
		if q.tail == cur {
			q.tail = prev
		}
		cur.next = nil
		cur.queue = nil
		q.n--
		return true
	}
	return false
}

func (q *queue) empty() bool { return q.head == nil }

func (q *queue) len() int { return q.n }
