/*
Package process implements the process manager of the kernel: the
process table, the process lifecycle and the per-process memory
allocator.

Each process owns exactly one scheduler task, one page directory, a
program image, a user stack, a bounded allocation table and a bounded
file descriptor table.

# Process States

Processes move through the states below. ProcessState.Allows reports
whether an edge is legal.

  - Embryo: the slot is taken and the program is being loaded
  - Running: runnable or executing
  - Waiting: blocked in Wait until a matching child exits
  - Sleeping: in a timed sleep
  - Zombie: exited; the record and exit code stay until the parent reaps it

# Usage

Loading the first process at boot, before the scheduler runs:

	p, err := manager.Load("/bin/init --verbose", nil)
	if err != nil {
		// Handle error
	}

From a running process, on its own task:

	child, err := manager.Fork(p)
	pid, code, err := manager.Wait(p, child.PID())

# Address Space Layout

Program images are mapped from 0x00400000, the user stack sits right
below 0x003FF000 and allocations are placed first fit, page aligned,
between HeapStart and HeapEnd. Fork copies every allocation to fresh
memory at the same virtual address, so pointers inside copied memory stay
valid and the two processes share nothing writable.

# Resource Limits

Every process gets the same ResourceLimits: the allocation table size,
the file table size and an optional cap on allocated bytes. Violations
are reported as *LimitError, which unwraps to the matching kernel error.
*/
package process
