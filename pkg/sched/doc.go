/*
Package sched implements the task scheduler of the single-CPU kernel.

# Model

Every task is backed by a goroutine, but only the task holding the CPU
runs; the others are parked. A context switch hands the CPU to the next
task and parks the current one, so scheduler state is never touched
concurrently.

# Scheduling

Dispatch is FIFO over the ready queue with an idle task as the fallback.
The idle task halts the CPU until the next timer interrupt and powers the
machine off when nothing is ready or sleeping. The timer handler wakes
sleepers and preempts the running task when its quantum is used up.

# Locking

Lock and Unlock nest and mask timer interrupts. A reschedule requested
under a nested lock is postponed until the outermost Unlock. Every
context switch happens with the lock held exactly once.

# Teardown

A terminating task is moved to the stopped queue. The cleaner task frees
its kernel stack and slot later, on its own stack.
*/
package sched
