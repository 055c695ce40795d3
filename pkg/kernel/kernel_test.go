package kernel

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kernsim/pkg/config"
	"kernsim/pkg/isa"
	"kernsim/pkg/kerr"
	"kernsim/pkg/sched"
	"kernsim/pkg/userland"
	"kernsim/pkg/vfs/memfs"
)

const motd = "the quick brown fox jumps over the lazy dog, " +
	"then naps in the sun for the rest of the afternoon\n"

type testKernel struct {
	*Kernel
	fs  *memfs.FS
	out *bytes.Buffer
}

func boot(t *testing.T, mod func(*config.Kernel)) *testKernel {
	t.Helper()
	cfg := config.DefaultKernel()
	cfg.MemorySize = 8 << 20
	cfg.HeapBase = 1 << 20
	cfg.HeapSize = 6 << 20
	cfg.MaxProcesses = 6
	cfg.TimeLimit = 30 * time.Second
	if mod != nil {
		mod(&cfg)
	}

	fs := memfs.New()
	_, err := userland.Install(fs, "/bin", userland.FormatFlat)
	require.NoError(t, err)
	require.NoError(t, fs.WriteFile("/etc/motd", []byte(motd)))
	require.NoError(t, fs.WriteFile("/etc/short", []byte("abcdefgh")))

	out := &bytes.Buffer{}
	k, err := New(cfg, fs, out, nil)
	require.NoError(t, err)
	return &testKernel{Kernel: k, fs: fs, out: out}
}

func (tk *testKernel) install(t *testing.T, name string, b *isa.Builder) {
	t.Helper()
	prog, err := b.Build()
	require.NoError(t, err)
	require.NoError(t, tk.fs.WriteFile("/bin/"+name, prog.Flat()))
}

func (tk *testKernel) spawn(t *testing.T, cmdline string) {
	t.Helper()
	_, err := tk.Spawn(cmdline)
	require.NoError(t, err)
}

func (tk *testKernel) run(t *testing.T) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- tk.Run(context.Background()) }()
	select {
	case err := <-done:
		return err
	case <-time.After(20 * time.Second):
		t.Fatal("machine did not power off")
		return nil
	}
}

// runProgram runs one boot process to completion and returns the console
// output.
func runProgram(t *testing.T, cmdline string) string {
	t.Helper()
	tk := boot(t, nil)
	tk.spawn(t, cmdline)
	require.NoError(t, tk.run(t))
	return tk.out.String()
}

func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for key, want := range labels {
				found := false
				for _, lp := range m.GetLabel() {
					if lp.GetName() == key && lp.GetValue() == want {
						found = true
					}
				}
				if !found {
					continue metrics
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func TestPrograms(t *testing.T) {
	tests := []struct {
		name    string
		cmdline string
		want    string
	}{
		{"hello", "/bin/hello", "hello, world\n"},
		{"echo", `/bin/echo one "two three"`, "one two three\n"},
		{"fork and wait", "/bin/forkwait", "child running\nchild exited with 7\n"},
		{"exec", "/bin/execer", "exec ok\n"},
		{"cat", "/bin/cat /etc/motd", motd},
		{"cat relative path", "/bin/cat etc/short", "abcdefgh"},
		{"cat missing file", "/bin/cat /etc/nope", "cat: -25\n"},
		{"cat without arguments", "/bin/cat", "usage: cat file\n"},
		{"stat and seek", "/bin/stat /etc/short", "8 0 2\n"},
		{"pwd", "/bin/pwd", "/\n"},
		{"chdir", "/bin/pwd /etc", "/etc\n"},
		{"chdir to a file", "/bin/pwd /etc/short", "-30\n"},
		{"malloc and free", "/bin/memtest", "4660 0 -21 0\n"},
		{"ps", "/bin/ps", "1 ps\n"},
		{"init", `/bin/init "/bin/echo a b" /bin/hello /bin/missing /bin/ps`,
			"a b\nhello, world\ninit: spawn failed: /bin/missing -25\n1 init\n2 ps\n"},
		{"init default", "/bin/init", "hello, world\n"},
		{"page fault", "/bin/fault", "fault: page fault\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, runProgram(t, tt.cmdline))
		})
	}
}

func TestWhoami(t *testing.T) {
	out := runProgram(t, "/bin/whoami")
	assert.True(t, strings.HasPrefix(out, "pid 1 uptime "), out)
}

func TestProcessesReleaseEverything(t *testing.T) {
	tk := boot(t, nil)
	baseline := tk.Heap().Stats().UsedBlocks

	tk.spawn(t, `/bin/init /bin/forkwait /bin/memtest "/bin/cat /etc/motd" /bin/execer /bin/fault`)
	require.NoError(t, tk.run(t))

	assert.Equal(t, baseline, tk.Heap().Stats().UsedBlocks)
	assert.Zero(t, tk.Processes().Count())
	assert.Nil(t, tk.MMU().Active())
}

func TestSnapshotsDuringRun(t *testing.T) {
	tk := boot(t, nil)
	tk.spawn(t, `/bin/init /bin/memtest /bin/forkwait "/bin/spin x" /bin/memtest`)

	stop := make(chan struct{})
	sampled := make(chan int)
	go func() {
		n := 0
		defer func() { sampled <- n }()
		for {
			for _, in := range tk.Processes().Snapshot() {
				assert.NotZero(t, in.PID)
			}
			_, err := tk.Registry().Gather()
			assert.NoError(t, err)
			n++
			select {
			case <-stop:
				return
			default:
			}
		}
	}()

	require.NoError(t, tk.run(t))
	close(stop)
	assert.NotZero(t, <-sampled)
	assert.Equal(t, "4660 0 -21 0\nchild running\nchild exited with 7\nx4660 0 -21 0\n", tk.out.String())
}

func TestPreemption(t *testing.T) {
	tk := boot(t, nil)
	tk.spawn(t, "/bin/spin a")
	tk.spawn(t, "/bin/spin b")
	require.NoError(t, tk.run(t))

	out := tk.out.String()
	assert.Len(t, out, 2)
	assert.Contains(t, out, "a")
	assert.Contains(t, out, "b")
	assert.NotZero(t, tk.Scheduler().Stats().Preemptions)
}

func TestSleepAndYieldInterleave(t *testing.T) {
	tk := boot(t, nil)
	tk.spawn(t, "/bin/ticker a")
	tk.spawn(t, "/bin/ticker b")
	require.NoError(t, tk.run(t))

	out := tk.out.String()
	assert.Equal(t, 3, strings.Count(out, "a"))
	assert.Equal(t, 3, strings.Count(out, "b"))
	assert.NotEqual(t, "aaabbb", out)
	assert.GreaterOrEqual(t, tk.Clock().Now(), 4*time.Millisecond)
}

func TestUnknownSyscall(t *testing.T) {
	tk := boot(t, nil)
	b := isa.NewBuilder()
	b.Sys(99).Mov(isa.R1, isa.R0).Sys(isa.SysPrintnum)
	b.Movi(isa.R1, 0).Sys(isa.SysExit)
	tk.install(t, "bad", b)

	tk.spawn(t, "/bin/bad")
	require.NoError(t, tk.run(t))
	assert.Equal(t, "-32", tk.out.String())
}

func TestWaitpidRejectsBadStatusPointer(t *testing.T) {
	tk := boot(t, nil)
	b := isa.NewBuilder()
	b.Sys(isa.SysFork).Jz(isa.R0, "child")
	b.Mov(isa.R5, isa.R0)
	// The status pointer lies in the unmapped page below the stack.
	b.Mov(isa.R1, isa.R5).Movi(isa.R2, 0x1000).Sys(isa.SysWaitpid)
	b.Mov(isa.R1, isa.R0).Sys(isa.SysPrintnum)
	b.Movi(isa.R1, ' ').Sys(isa.SysPutchar)
	b.Mov(isa.R1, isa.R5).Movi(isa.R2, 0).Sys(isa.SysWaitpid)
	b.Mov(isa.R1, isa.R0).Sys(isa.SysPrintnum)
	b.Movi(isa.R1, 0).Sys(isa.SysExit)
	b.Label("child")
	b.Movi(isa.R1, 3).Sys(isa.SysExit)
	tk.install(t, "waiter", b)

	tk.spawn(t, "/bin/waiter")
	require.NoError(t, tk.run(t))
	assert.Equal(t, "-21 2", tk.out.String())
}

func TestWaitpidWithoutChildren(t *testing.T) {
	tk := boot(t, nil)
	b := isa.NewBuilder()
	b.Movi(isa.R1, isa.AnyChild).Movi(isa.R2, 0).Sys(isa.SysWaitpid)
	b.Mov(isa.R1, isa.R0).Sys(isa.SysPrintnum)
	b.Movi(isa.R1, 0).Sys(isa.SysExit)
	tk.install(t, "orphan", b)

	tk.spawn(t, "/bin/orphan")
	require.NoError(t, tk.run(t))
	assert.Equal(t, "-24", tk.out.String())
}

func TestMallocWritesAreIsolatedAfterFork(t *testing.T) {
	tk := boot(t, nil)
	b := isa.NewBuilder()
	b.Movi(isa.R1, 16).Sys(isa.SysMalloc).Mov(isa.R5, isa.R0)
	b.Movi(isa.R6, 1).St(isa.R6, isa.R5, 0)
	b.Sys(isa.SysFork).Jz(isa.R0, "child")
	b.Mov(isa.R1, isa.R0).Movi(isa.R2, 0).Sys(isa.SysWaitpid)
	b.Ld(isa.R1, isa.R5, 0).Sys(isa.SysPrintnum)
	b.Movi(isa.R1, 0).Sys(isa.SysExit)
	b.Label("child")
	b.Movi(isa.R6, 2).St(isa.R6, isa.R5, 0)
	b.Ld(isa.R1, isa.R5, 0).Sys(isa.SysPrintnum)
	b.Movi(isa.R1, 0).Sys(isa.SysExit)
	tk.install(t, "isolated", b)

	tk.spawn(t, "/bin/isolated")
	require.NoError(t, tk.run(t))
	assert.Equal(t, "21", tk.out.String())
}

func TestTimeLimit(t *testing.T) {
	tk := boot(t, func(cfg *config.Kernel) { cfg.TimeLimit = 20 * time.Millisecond })
	b := isa.NewBuilder()
	b.Label("loop").Jmp("loop")
	tk.install(t, "forever", b)

	tk.spawn(t, "/bin/forever")
	assert.ErrorIs(t, tk.run(t), sched.ErrTimeLimit)
}

func TestMetrics(t *testing.T) {
	tk := boot(t, nil)
	tk.spawn(t, "/bin/forkwait")
	tk.spawn(t, "/bin/fault")
	require.NoError(t, tk.run(t))

	reg := tk.Registry()
	assert.Equal(t, 1.0, metricValue(t, reg, "kernsim_syscalls_total", map[string]string{"syscall": "fork"}))
	assert.Equal(t, 2.0, metricValue(t, reg, "kernsim_syscalls_total", map[string]string{"syscall": "exit"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "kernsim_user_faults_total", map[string]string{"kind": "page fault"}))
	assert.Equal(t, 2.0, metricValue(t, reg, "kernsim_process_loaded_total", nil))
	assert.Equal(t, 1.0, metricValue(t, reg, "kernsim_process_forked_total", nil))
	assert.Equal(t, 3.0, metricValue(t, reg, "kernsim_process_exited_total", nil))
	assert.Equal(t, 0.0, metricValue(t, reg, "kernsim_process_live", nil))
	assert.NotZero(t, metricValue(t, reg, "kernsim_sched_context_switches_total", nil))
	assert.Equal(t, tk.BootID().String(),
		labelValue(t, reg, "kernsim_process_live", "boot_id"))
}

func labelValue(t *testing.T, reg *prometheus.Registry, name, label string) string {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label {
					return lp.GetValue()
				}
			}
		}
	}
	return ""
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultKernel()
	cfg.HeapSize = cfg.MemorySize * 2
	_, err := New(cfg, memfs.New(), nil, nil)
	assert.ErrorIs(t, err, config.ErrInvalidMemory)
}

func TestSpawnMissingImage(t *testing.T) {
	tk := boot(t, nil)
	defer tk.Close()
	_, err := tk.Spawn("/bin/nothing")
	assert.True(t, kerr.Is(err, kerr.BadPath), err)
	assert.Zero(t, tk.Processes().Count())
}
