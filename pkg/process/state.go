package process

import (
	"fmt"
	"slices"

	"kernsim/pkg/kerr"
)

// transitions lists, per state, the states a process may move to.
var transitions = map[ProcessState][]ProcessState{
	StateEmbryo:   {StateRunning, StateZombie}, // loaded, or rolled back
	StateRunning:  {StateZombie, StateWaiting, StateSleeping},
	StateWaiting:  {StateRunning}, // child reaped
	StateSleeping: {StateRunning}, // wake time elapsed
}

// Allows reports whether a process in state s may move to next.
func (s ProcessState) Allows(next ProcessState) bool {
	return slices.Contains(transitions[s], next)
}

// TransitionTo moves the process to state to, or fails with InvalidArg
// and leaves the state unchanged.
func (p *Process) TransitionTo(to ProcessState) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.state.Allows(to) {
		return kerr.Newf(kerr.InvalidArg, "process %d: invalid state transition %s -> %s", p.pid, p.state, to)
	}
	p.state = to
	return nil
}

// IsAlive reports whether the process was loaded and has not exited.
func (p *Process) IsAlive() bool {
	s := p.State()
	return s != StateZombie && s != StateEmbryo
}

// IsZombie reports whether the process exited and awaits reaping.
func (p *Process) IsZombie() bool {
	return p.State() == StateZombie
}

// transition drives the state machine from kernel code, where an invalid
// transition is a bug.
func (m *Manager) transition(p *Process, to ProcessState) {
	if err := p.TransitionTo(to); err != nil {
		m.sched.Panic("%v", err)
	}
}

func (p *Process) String() string {
	return fmt.Sprintf("process %d (%s)", p.pid, p.name)
}
