package sched

// WaitList is a sync point: tasks wait on it and are released together,
// in the order they arrived.
type WaitList struct {
	s *Scheduler
	q queue
}

// NewWaitList creates an empty wait list.
func (s *Scheduler) NewWaitList() *WaitList {
	return &WaitList{s: s}
}

// Wait blocks the running task on the list.
func (w *WaitList) Wait() {
	w.s.Lock()
	cur := w.s.current
	w.q.push(cur)
	w.s.BlockLocked(Blocked)
	w.s.Unlock()
}

// UnblockAll makes every waiting task ready, first waiter first. It
// returns the number of tasks released.
func (w *WaitList) UnblockAll() int {
	w.s.Lock()
	n := 0
	for t := w.q.pop(); t != nil; t = w.q.pop() {
		w.s.makeReady(t)
		n++
	}
	if n > 0 && w.s.current == w.s.idle {
		w.s.schedule()
	}
	w.s.Unlock()
	return n
}

// Len returns the number of waiting tasks.
func (w *WaitList) Len() int {
	return w.q.len()
}

// BlockOn blocks the running task on an arbitrary wait channel until
// Wakeup is called with the same channel.
func (s *Scheduler) BlockOn(channel any) {
	s.Lock()
	s.BlockOnLocked(channel)
	s.Unlock()
}

// BlockOnLocked is BlockOn for callers holding the lock exactly once.
func (s *Scheduler) BlockOnLocked(channel any) {
	s.current.channel = channel
	s.BlockLocked(Blocked)
}

// Wakeup makes every task blocked on channel ready, in task id order. It
// returns the number of tasks woken.
func (s *Scheduler) Wakeup(channel any) int {
	s.Lock()
	n := 0
	for _, t := range s.tasks {
		if t != nil && t.state == Blocked && t.queue == nil && t.channel == channel {
			s.makeReady(t)
			n++
		}
	}
	if n > 0 && s.current == s.idle {
		s.schedule()
	}
	s.Unlock()
	return n
}
