package isa

// Syscall numbers, passed as the SYS immediate.
const (
	SysExit     = 1
	SysFork     = 2
	SysExec     = 3
	SysWaitpid  = 4
	SysGetpid   = 5
	SysSleep    = 6
	SysYield    = 7
	SysSpawn    = 8
	SysMalloc   = 9
	SysCalloc   = 10
	SysFree     = 11
	SysGetcwd   = 12
	SysChdir    = 13
	SysPs       = 14
	SysPrint    = 15
	SysPutchar  = 16
	SysOpen     = 17
	SysRead     = 18
	SysClose    = 19
	SysStat     = 20
	SysSeek     = 21
	SysPrintnum = 22
	SysUptime   = 23
)

// AnyChild as the waitpid pid argument matches any child.
const AnyChild = -1

// PsEntrySize is the size of one ps record: pid, priority, state and exit
// code as 32-bit words followed by a NUL-padded 16-byte name.
const PsEntrySize = 32

// PsNameSize is the name field of a ps record.
const PsNameSize = 16

// StatSize is the size of the stat record: file size and a directory flag.
const StatSize = 8

var syscallNames = map[int32]string{
	SysExit:     "exit",
	SysFork:     "fork",
	SysExec:     "exec",
	SysWaitpid:  "waitpid",
	SysGetpid:   "getpid",
	SysSleep:    "sleep",
	SysYield:    "yield",
	SysSpawn:    "spawn",
	SysMalloc:   "malloc",
	SysCalloc:   "calloc",
	SysFree:     "free",
	SysGetcwd:   "getcwd",
	SysChdir:    "chdir",
	SysPs:       "ps",
	SysPrint:    "print",
	SysPutchar:  "putchar",
	SysOpen:     "open",
	SysRead:     "read",
	SysClose:    "close",
	SysStat:     "stat",
	SysSeek:     "seek",
	SysPrintnum: "printnum",
	SysUptime:   "uptime",
}

// SyscallName returns the name of syscall n, or "unknown".
func SyscallName(n int32) string {
	if name, ok := syscallNames[n]; ok {
		return name
	}
	return "unknown"
}
