/*
Package hw models the machine the kernel runs on.

It provides the three pieces of hardware the kernel core touches directly:

  - PhysMem: a flat byte-addressed physical memory
  - Clock: a monotonic clock that advances with CPU work
  - Timer: a periodic interrupt source with a one-shot boot calibration

Interrupt delivery is polled: the kernel checks Timer.Due at instruction
boundaries and whenever it halts, and calls Timer.Service when interrupts
are enabled.
*/
package hw
