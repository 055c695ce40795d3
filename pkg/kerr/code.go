package kerr

// Code identifies a kernel error. Codes are positive; the syscall layer
// reports them to user programs negated.
type Code int32

// Class groups codes by how callers are expected to react.
type Class int

const (
	// ClassNone is the class of OK.
	ClassNone Class = iota
	// ClassExhaustion means a bounded resource ran out; the operation is
	// aborted and partial state rolled back.
	ClassExhaustion
	// ClassUsage means the caller passed something invalid.
	ClassUsage
	// ClassFatal means no safe continuation exists.
	ClassFatal
)

// Code ranges:
// 1-19:  resource exhaustion
// 20-59: usage errors
// 60+:   fatal conditions
const (
	OK Code = 0

	// Resource exhaustion (1-19)
	NoFreeSlot     Code = 1
	AllocTableFull Code = 2
	NoMemory       Code = 3
	FileTableFull  Code = 4
	QuotaExceeded  Code = 5

	// Usage errors (20-59)
	InvalidArg    Code = 20
	BadAddress    Code = 21
	Misaligned    Code = 22
	BadFD         Code = 23
	NoChild       Code = 24
	BadPath       Code = 25
	BadFormat     Code = 26
	NotMapped     Code = 27
	Fault         Code = 28
	IO            Code = 29
	NotDirectory  Code = 30
	NoSuchProcess Code = 31
	Unimplemented Code = 32

	// Fatal conditions (60+)
	KernelPanic Code = 60
)

var codeMessages = map[Code]string{
	OK:             "ok",
	NoFreeSlot:     "no free process slot",
	AllocTableFull: "allocation table full",
	NoMemory:       "out of memory",
	FileTableFull:  "file descriptor table full",
	QuotaExceeded:  "memory quota exceeded",
	InvalidArg:     "invalid argument",
	BadAddress:     "address not tracked",
	Misaligned:     "address not page aligned",
	BadFD:          "bad file descriptor",
	NoChild:        "no such child",
	BadPath:        "bad path",
	BadFormat:      "unrecognised image format",
	NotMapped:      "address not mapped",
	Fault:          "memory fault",
	IO:             "i/o error",
	NotDirectory:   "not a directory",
	NoSuchProcess:  "no such process",
	Unimplemented:  "not implemented",
	KernelPanic:    "kernel panic",
}

// Message returns the default message for the code.
func (c Code) Message() string {
	if msg, ok := codeMessages[c]; ok {
		return msg
	}
	return "unknown error"
}

// String implements fmt.Stringer.
func (c Code) String() string {
	return c.Message()
}

// Class returns the class the code belongs to.
func (c Code) Class() Class {
	switch {
	case c == OK:
		return ClassNone
	case c < 20:
		return ClassExhaustion
	case c < 60:
		return ClassUsage
	default:
		return ClassFatal
	}
}

// String implements fmt.Stringer.
func (c Class) String() string {
	switch c {
	case ClassExhaustion:
		return "exhaustion"
	case ClassUsage:
		return "usage"
	case ClassFatal:
		return "fatal"
	default:
		return "none"
	}
}
