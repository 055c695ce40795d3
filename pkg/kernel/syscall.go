package kernel

import (
	"encoding/binary"
	"strconv"
	"time"

	"go.uber.org/zap"

	"kernsim/pkg/cpu"
	"kernsim/pkg/isa"
	"kernsim/pkg/kerr"
	"kernsim/pkg/paging"
	"kernsim/pkg/process"
	"kernsim/pkg/vfs"
)

const (
	// maxString bounds strings read from user memory.
	maxString = 4096
	// maxIO bounds a single read.
	maxIO = 64 << 10
)

// handler implements one syscall. Arguments are in R1 to R4 of f; the
// returned value lands in R0, or the negated error code if err is set.
type handler func(k *Kernel, p *process.Process, f *cpu.Frame) (uint32, error)

var syscalls = map[int32]handler{
	isa.SysExit:     sysExit,
	isa.SysFork:     sysFork,
	isa.SysExec:     sysExec,
	isa.SysWaitpid:  sysWaitpid,
	isa.SysGetpid:   sysGetpid,
	isa.SysSleep:    sysSleep,
	isa.SysYield:    sysYield,
	isa.SysSpawn:    sysSpawn,
	isa.SysMalloc:   sysMalloc,
	isa.SysCalloc:   sysCalloc,
	isa.SysFree:     sysFree,
	isa.SysGetcwd:   sysGetcwd,
	isa.SysChdir:    sysChdir,
	isa.SysPs:       sysPs,
	isa.SysPrint:    sysPrint,
	isa.SysPutchar:  sysPutchar,
	isa.SysOpen:     sysOpen,
	isa.SysRead:     sysRead,
	isa.SysClose:    sysClose,
	isa.SysStat:     sysStat,
	isa.SysSeek:     sysSeek,
	isa.SysPrintnum: sysPrintnum,
	isa.SysUptime:   sysUptime,
}

// syscall is the trampoline: it looks up the handler for num and stores
// its result in R0.
func (k *Kernel) syscall(p *process.Process, num int32) {
	name := isa.SyscallName(num)
	k.metrics.syscalls.WithLabelValues(name).Inc()

	f := p.Frame()
	h, ok := syscalls[num]
	if !ok {
		k.log.Debug("unknown syscall", zap.Int32("pid", int32(p.PID())), zap.Int32("num", num))
		f.R[isa.R0] = uint32(kerr.Errno(kerr.Newf(kerr.Unimplemented, "syscall %d", num)))
		return
	}
	ret, err := h(k, p, f)
	if err != nil {
		k.metrics.syscallErrors.WithLabelValues(name).Inc()
		k.log.Debug("syscall failed",
			zap.Int32("pid", int32(p.PID())),
			zap.String("syscall", name),
			zap.Error(err))
		ret = uint32(kerr.Errno(err))
	}
	f.R[isa.R0] = ret
}

func (k *Kernel) readString(p *process.Process, addr uint32) (string, error) {
	dir := p.Directory()
	if dir == nil {
		return "", kerr.Newf(kerr.NoSuchProcess, "%s has exited", p)
	}
	return paging.ReadString(dir, addr, maxString)
}

// writeUser copies data into p's memory after checking the whole range is
// writable user memory.
func (k *Kernel) writeUser(p *process.Process, addr uint32, data []byte) error {
	if err := k.checkWritable(p, addr, uint32(len(data))); err != nil {
		return err
	}
	return paging.WriteVirtual(p.Directory(), addr, data)
}

func (k *Kernel) checkWritable(p *process.Process, addr, n uint32) error {
	dir := p.Directory()
	if dir == nil {
		return kerr.Newf(kerr.NoSuchProcess, "%s has exited", p)
	}
	if n == 0 {
		return nil
	}
	if uint64(addr)+uint64(n) > 1<<32 {
		return kerr.Newf(kerr.BadAddress, "buffer [%#x, +%#x) wraps", addr, n)
	}
	want := paging.Present | paging.User | paging.Writable
	last := paging.AlignDown(addr + n - 1)
	for page := paging.AlignDown(addr); ; page += paging.PageSize {
		flags, ok := dir.Flags(page)
		if !ok || !flags.Has(want) {
			return kerr.Newf(kerr.BadAddress, "buffer page %#x is not writable", page)
		}
		if page == last {
			break
		}
	}
	return nil
}

func sysExit(k *Kernel, p *process.Process, f *cpu.Frame) (uint32, error) {
	return 0, k.procs.Exit(p, int32(f.R[isa.R1]))
}

func sysFork(k *Kernel, p *process.Process, _ *cpu.Frame) (uint32, error) {
	child, err := k.procs.Fork(p)
	if err != nil {
		return 0, err
	}
	return uint32(child.PID()), nil
}

func sysExec(k *Kernel, p *process.Process, f *cpu.Frame) (uint32, error) {
	cmdline, err := k.readString(p, f.R[isa.R1])
	if err != nil {
		return 0, err
	}
	return 0, k.procs.Exec(p, cmdline)
}

func sysWaitpid(k *Kernel, p *process.Process, f *cpu.Frame) (uint32, error) {
	status := f.R[isa.R2]
	if status != 0 {
		if err := k.checkWritable(p, status, 4); err != nil {
			return 0, err
		}
	}
	pid, code, err := k.procs.Wait(p, process.PID(int32(f.R[isa.R1])))
	if err != nil {
		return 0, err
	}
	if status != 0 {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(code))
		if err := k.writeUser(p, status, buf[:]); err != nil {
			return 0, err
		}
	}
	return uint32(pid), nil
}

func sysGetpid(k *Kernel, p *process.Process, _ *cpu.Frame) (uint32, error) {
	return uint32(k.procs.Getpid(p)), nil
}

func sysSleep(k *Kernel, p *process.Process, f *cpu.Frame) (uint32, error) {
	k.procs.Sleep(p, time.Duration(f.R[isa.R1])*time.Millisecond)
	return 0, nil
}

func sysYield(k *Kernel, p *process.Process, _ *cpu.Frame) (uint32, error) {
	k.procs.Yield(p)
	return 0, nil
}

func sysSpawn(k *Kernel, p *process.Process, f *cpu.Frame) (uint32, error) {
	cmdline, err := k.readString(p, f.R[isa.R1])
	if err != nil {
		return 0, err
	}
	child, err := k.procs.Load(cmdline, p)
	if err != nil {
		return 0, err
	}
	return uint32(child.PID()), nil
}

func sysMalloc(k *Kernel, p *process.Process, f *cpu.Frame) (uint32, error) {
	return k.procs.Malloc(p, f.R[isa.R1])
}

func sysCalloc(k *Kernel, p *process.Process, f *cpu.Frame) (uint32, error) {
	return k.procs.Calloc(p, f.R[isa.R1], f.R[isa.R2])
}

func sysFree(k *Kernel, p *process.Process, f *cpu.Frame) (uint32, error) {
	return 0, k.procs.Free(p, f.R[isa.R1])
}

// sysGetcwd copies the NUL-terminated working directory into buf and
// returns its length.
func sysGetcwd(k *Kernel, p *process.Process, f *cpu.Frame) (uint32, error) {
	cwd := k.procs.Getcwd(p)
	if uint32(len(cwd))+1 > f.R[isa.R2] {
		return 0, kerr.Newf(kerr.InvalidArg, "getcwd buffer of %d bytes too small", f.R[isa.R2])
	}
	if err := k.writeUser(p, f.R[isa.R1], append([]byte(cwd), 0)); err != nil {
		return 0, err
	}
	return uint32(len(cwd)), nil
}

func sysChdir(k *Kernel, p *process.Process, f *cpu.Frame) (uint32, error) {
	path, err := k.readString(p, f.R[isa.R1])
	if err != nil {
		return 0, err
	}
	return 0, k.procs.Chdir(p, path)
}

// sysPs fills buf with up to max process records and returns how many
// were written.
func sysPs(k *Kernel, p *process.Process, f *cpu.Frame) (uint32, error) {
	infos := k.procs.Snapshot()
	n := min(len(infos), int(f.R[isa.R2]))
	buf := make([]byte, n*isa.PsEntrySize)
	for i, in := range infos[:n] {
		rec := buf[i*isa.PsEntrySize:]
		binary.LittleEndian.PutUint32(rec[0:], uint32(in.PID))
		binary.LittleEndian.PutUint32(rec[4:], uint32(in.Priority))
		binary.LittleEndian.PutUint32(rec[8:], in.State.Code())
		binary.LittleEndian.PutUint32(rec[12:], uint32(in.ExitCode))
		name := in.Name
		if len(name) > isa.PsNameSize-1 {
			name = name[:isa.PsNameSize-1]
		}
		copy(rec[isa.PsEntrySize-isa.PsNameSize:], name)
	}
	if err := k.writeUser(p, f.R[isa.R1], buf); err != nil {
		return 0, err
	}
	return uint32(n), nil
}

func sysPrint(k *Kernel, p *process.Process, f *cpu.Frame) (uint32, error) {
	s, err := k.readString(p, f.R[isa.R1])
	if err != nil {
		return 0, err
	}
	if err := k.write([]byte(s)); err != nil {
		return 0, kerr.Wrap(err, kerr.IO)
	}
	return 0, nil
}

func sysPutchar(k *Kernel, _ *process.Process, f *cpu.Frame) (uint32, error) {
	if err := k.write([]byte{byte(f.R[isa.R1])}); err != nil {
		return 0, kerr.Wrap(err, kerr.IO)
	}
	return 0, nil
}

func sysPrintnum(k *Kernel, _ *process.Process, f *cpu.Frame) (uint32, error) {
	if err := k.write(strconv.AppendInt(nil, int64(int32(f.R[isa.R1])), 10)); err != nil {
		return 0, kerr.Wrap(err, kerr.IO)
	}
	return 0, nil
}

func sysOpen(k *Kernel, p *process.Process, f *cpu.Frame) (uint32, error) {
	path, err := k.readString(p, f.R[isa.R1])
	if err != nil {
		return 0, err
	}
	fd, err := k.procs.Open(p, path)
	if err != nil {
		return 0, err
	}
	return uint32(fd), nil
}

// sysRead reads at most len bytes of fd into buf, capped at maxIO.
func sysRead(k *Kernel, p *process.Process, f *cpu.Frame) (uint32, error) {
	n := min(f.R[isa.R3], maxIO)
	if err := k.checkWritable(p, f.R[isa.R2], n); err != nil {
		return 0, err
	}
	buf := make([]byte, n)
	got, err := k.procs.Read(p, int32(f.R[isa.R1]), buf)
	if err != nil {
		return 0, err
	}
	if err := paging.WriteVirtual(p.Directory(), f.R[isa.R2], buf[:got]); err != nil {
		return 0, err
	}
	return uint32(got), nil
}

func sysClose(k *Kernel, p *process.Process, f *cpu.Frame) (uint32, error) {
	return 0, k.procs.Close(p, int32(f.R[isa.R1]))
}

// sysStat writes the file size and a directory flag to buf.
func sysStat(k *Kernel, p *process.Process, f *cpu.Frame) (uint32, error) {
	info, err := k.procs.Stat(p, int32(f.R[isa.R1]))
	if err != nil {
		return 0, err
	}
	var rec [isa.StatSize]byte
	binary.LittleEndian.PutUint32(rec[0:], uint32(info.Size))
	if info.IsDir {
		rec[4] = 1
	}
	return 0, k.writeUser(p, f.R[isa.R2], rec[:])
}

func sysSeek(k *Kernel, p *process.Process, f *cpu.Frame) (uint32, error) {
	whence := int(f.R[isa.R3])
	if whence != vfs.SeekStart && whence != vfs.SeekCurrent && whence != vfs.SeekEnd {
		return 0, kerr.Newf(kerr.InvalidArg, "whence %d", whence)
	}
	off, err := k.procs.Seek(p, int32(f.R[isa.R1]), int64(int32(f.R[isa.R2])), whence)
	if err != nil {
		return 0, err
	}
	return uint32(off), nil
}

func sysUptime(k *Kernel, _ *process.Process, _ *cpu.Frame) (uint32, error) {
	return uint32(k.clock.Now() / time.Millisecond), nil
}
