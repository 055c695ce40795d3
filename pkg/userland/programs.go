package userland

import (
	"kernsim/pkg/isa"
)

const (
	r0 = isa.R0
	r1 = isa.R1
	r2 = isa.R2
	r3 = isa.R3
	r4 = isa.R4
	r5 = isa.R5
	r6 = isa.R6
)

func exit(b *isa.Builder, code int32) {
	b.Movi(r1, code).Sys(isa.SysExit)
}

func putchar(b *isa.Builder, c rune) {
	b.Movi(r1, int32(c)).Sys(isa.SysPutchar)
}

func puts(b *isa.Builder, sym string) {
	b.Addr(r1, sym).Sys(isa.SysPrint)
}

// printResult prints R0 as a signed number.
func printResult(b *isa.Builder) {
	b.Mov(r1, r0).Sys(isa.SysPrintnum)
}

// init runs every argument as a command line, one after the other, and
// waits for each. Without arguments it runs hello.
func buildInit(b *isa.Builder) {
	b.Mov(r5, r1).Addi(r6, r2, 4).Movi(r3, 1)
	b.Jlt(r3, r5, "loop")
	b.Addr(r1, "default").Sys(isa.SysSpawn)
	b.Movi(r4, 0).Jlt(r0, r4, "default_failed")
	b.Mov(r1, r0).Movi(r2, 0).Sys(isa.SysWaitpid)
	b.Jmp("done")

	b.Label("loop")
	b.Ld(r1, r6, 0).Sys(isa.SysSpawn)
	b.Movi(r4, 0).Jlt(r0, r4, "spawn_failed")
	b.Mov(r1, r0).Movi(r2, 0).Sys(isa.SysWaitpid)
	b.Label("next")
	b.Addi(r6, r6, 4).Addi(r3, r3, 1)
	b.Jlt(r3, r5, "loop")
	b.Label("done")
	exit(b, 0)

	b.Label("spawn_failed")
	b.Mov(r4, r0)
	puts(b, "spawn_failed_msg")
	b.Ld(r1, r6, 0).Sys(isa.SysPrint)
	putchar(b, ' ')
	b.Mov(r1, r4).Sys(isa.SysPrintnum)
	putchar(b, '\n')
	b.Jmp("next")

	b.Label("default_failed")
	exit(b, 1)

	b.String("default", "/bin/hello")
	b.String("spawn_failed_msg", "init: spawn failed: ")
}

func buildHello(b *isa.Builder) {
	puts(b, "msg")
	exit(b, 0)
	b.String("msg", "hello, world\n")
}

// echo prints its arguments separated by spaces.
func buildEcho(b *isa.Builder) {
	b.Mov(r5, r1).Addi(r6, r2, 4).Movi(r3, 1)
	b.Jlt(r3, r5, "word")
	b.Jmp("done")
	b.Label("word")
	b.Ld(r1, r6, 0).Sys(isa.SysPrint)
	b.Addi(r6, r6, 4).Addi(r3, r3, 1)
	b.Jlt(r3, r5, "sep")
	b.Jmp("done")
	b.Label("sep")
	putchar(b, ' ')
	b.Jmp("word")
	b.Label("done")
	putchar(b, '\n')
	exit(b, 0)
}

// forkwait forks a child that exits with 7 and reports the status the
// parent collects.
func buildForkWait(b *isa.Builder) {
	b.Sys(isa.SysFork)
	b.Jz(r0, "child")
	b.Movi(r4, 0).Jlt(r0, r4, "failed")
	b.Mov(r1, r0).Addr(r2, "status").Sys(isa.SysWaitpid)
	puts(b, "reaped")
	b.Addr(r6, "status").Ld(r1, r6, 0).Sys(isa.SysPrintnum)
	putchar(b, '\n')
	exit(b, 0)

	b.Label("child")
	puts(b, "hello")
	exit(b, 7)

	b.Label("failed")
	puts(b, "fork_failed")
	exit(b, 1)

	b.String("hello", "child running\n")
	b.String("reaped", "child exited with ")
	b.String("fork_failed", "fork failed\n")
	b.Reserve("status", 4)
}

// execer replaces itself with echo.
func buildExecer(b *isa.Builder) {
	b.Addr(r1, "cmd").Sys(isa.SysExec)
	b.Mov(r4, r0)
	puts(b, "failed")
	b.Mov(r1, r4).Sys(isa.SysPrintnum)
	putchar(b, '\n')
	exit(b, 1)

	b.String("cmd", "/bin/echo exec ok")
	b.String("failed", "exec failed: ")
}

// cat prints a file in 63-byte chunks.
func buildCat(b *isa.Builder) {
	b.Movi(r3, 2).Jlt(r1, r3, "usage")
	b.Ld(r1, r2, 4).Sys(isa.SysOpen)
	b.Movi(r3, 0).Jlt(r0, r3, "failed")
	b.Mov(r5, r0)

	b.Label("loop")
	b.Mov(r1, r5).Addr(r2, "buf").Movi(r3, 63).Sys(isa.SysRead)
	b.Movi(r4, 0).Jlt(r0, r4, "failed")
	b.Jz(r0, "eof")
	b.Addr(r2, "buf").Op3(isa.ADD, r2, r2, r0).Stb(r4, r2, 0)
	puts(b, "buf")
	b.Jmp("loop")

	b.Label("eof")
	b.Mov(r1, r5).Sys(isa.SysClose)
	exit(b, 0)

	b.Label("failed")
	b.Mov(r4, r0)
	puts(b, "failed_msg")
	b.Mov(r1, r4).Sys(isa.SysPrintnum)
	putchar(b, '\n')
	exit(b, 1)

	b.Label("usage")
	puts(b, "usage_msg")
	exit(b, 2)

	b.String("failed_msg", "cat: ")
	b.String("usage_msg", "usage: cat file\n")
	b.Reserve("buf", 64)
}

// stat prints the size and directory flag of a file, then the offset a
// seek to byte 2 reports.
func buildStat(b *isa.Builder) {
	b.Movi(r3, 2).Jlt(r1, r3, "usage")
	b.Ld(r1, r2, 4).Sys(isa.SysOpen)
	b.Movi(r3, 0).Jlt(r0, r3, "failed")
	b.Mov(r5, r0)
	b.Mov(r1, r5).Addr(r2, "st").Sys(isa.SysStat)
	b.Movi(r3, 0).Jlt(r0, r3, "failed")
	b.Addr(r6, "st")
	b.Ld(r1, r6, 0).Sys(isa.SysPrintnum)
	putchar(b, ' ')
	b.Ld(r1, r6, 4).Sys(isa.SysPrintnum)
	putchar(b, ' ')
	b.Mov(r1, r5).Movi(r2, 2).Movi(r3, 0).Sys(isa.SysSeek)
	printResult(b)
	putchar(b, '\n')
	b.Mov(r1, r5).Sys(isa.SysClose)
	exit(b, 0)

	b.Label("failed")
	printResult(b)
	putchar(b, '\n')
	exit(b, 1)

	b.Label("usage")
	exit(b, 2)

	b.Reserve("st", isa.StatSize)
}

// pwd optionally changes directory, then prints the working directory.
func buildPwd(b *isa.Builder) {
	b.Movi(r3, 2).Jlt(r1, r3, "print")
	b.Ld(r1, r2, 4).Sys(isa.SysChdir)
	b.Movi(r3, 0).Jlt(r0, r3, "failed")
	b.Label("print")
	b.Addr(r1, "buf").Movi(r2, 64).Sys(isa.SysGetcwd)
	b.Movi(r3, 0).Jlt(r0, r3, "failed")
	puts(b, "buf")
	putchar(b, '\n')
	exit(b, 0)

	b.Label("failed")
	printResult(b)
	putchar(b, '\n')
	exit(b, 1)

	b.Reserve("buf", 64)
}

// ps lists the process table as "pid name" lines.
func buildPs(b *isa.Builder) {
	b.Addr(r1, "table").Movi(r2, 8).Sys(isa.SysPs)
	b.Mov(r5, r0).Addr(r6, "table")
	b.Label("loop")
	b.Jz(r5, "done")
	b.Ld(r1, r6, 0).Sys(isa.SysPrintnum)
	putchar(b, ' ')
	b.Addi(r1, r6, isa.PsEntrySize-isa.PsNameSize).Sys(isa.SysPrint)
	putchar(b, '\n')
	b.Addi(r6, r6, isa.PsEntrySize).Addi(r5, r5, -1)
	b.Jmp("loop")
	b.Label("done")
	exit(b, 0)

	b.Reserve("table", 8*isa.PsEntrySize)
}

// memtest exercises malloc, free, double free and calloc, printing
// "4660 0 -21 0".
func buildMemtest(b *isa.Builder) {
	b.Movi(r1, 100).Sys(isa.SysMalloc)
	b.Mov(r5, r0)
	b.Movi(r6, 0x1234).St(r6, r5, 0)
	b.Ld(r1, r5, 0).Sys(isa.SysPrintnum)
	putchar(b, ' ')
	b.Mov(r1, r5).Sys(isa.SysFree)
	printResult(b)
	putchar(b, ' ')
	b.Mov(r1, r5).Sys(isa.SysFree)
	printResult(b)
	putchar(b, ' ')
	b.Movi(r1, 4).Movi(r2, 8).Sys(isa.SysCalloc)
	b.Mov(r5, r0)
	b.Ld(r1, r5, 4).Sys(isa.SysPrintnum)
	putchar(b, '\n')
	b.Mov(r1, r5).Sys(isa.SysFree)
	exit(b, 0)
}

// ticker prints its argument three times, sleeping 2ms in between.
func buildTicker(b *isa.Builder) {
	b.Movi(r3, 2).Jlt(r1, r3, "usage")
	b.Ld(r5, r2, 4).Movi(r6, 3)
	b.Label("loop")
	b.Mov(r1, r5).Sys(isa.SysPrint)
	b.Sys(isa.SysYield)
	b.Movi(r1, 2).Sys(isa.SysSleep)
	b.Addi(r6, r6, -1).Jnz(r6, "loop")
	exit(b, 0)
	b.Label("usage")
	exit(b, 2)
}

// spin burns CPU long enough to be preempted, then prints its argument.
func buildSpin(b *isa.Builder) {
	b.Mov(r5, r1).Mov(r4, r2)
	b.Movi(r6, 50000)
	b.Label("loop")
	b.Addi(r6, r6, -1).Jnz(r6, "loop")
	b.Movi(r3, 2).Jlt(r5, r3, "done")
	b.Ld(r1, r4, 4).Sys(isa.SysPrint)
	b.Label("done")
	exit(b, 0)
}

// whoami prints its pid and the uptime in milliseconds.
func buildWhoami(b *isa.Builder) {
	puts(b, "pid")
	b.Sys(isa.SysGetpid)
	printResult(b)
	puts(b, "up")
	b.Sys(isa.SysUptime)
	printResult(b)
	putchar(b, '\n')
	exit(b, 0)

	b.String("pid", "pid ")
	b.String("up", " uptime ")
}

// fault stores through a null pointer.
func buildFault(b *isa.Builder) {
	b.Movi(r6, 0).St(r6, r6, 0)
	exit(b, 0)
}
