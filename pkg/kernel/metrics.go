package kernel

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kernsim"

type metrics struct {
	registry      *prometheus.Registry
	syscalls      *prometheus.CounterVec
	syscallErrors *prometheus.CounterVec
	faults        *prometheus.CounterVec
}

// newMetrics registers the kernel's collectors on a registry of its own,
// so several kernels can live in one process. Counters owned by other
// packages are read through func collectors at gather time.
func newMetrics(k *Kernel) *metrics {
	labels := prometheus.Labels{"boot_id": k.bootID.String()}
	m := &metrics{
		registry: prometheus.NewRegistry(),
		syscalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "syscalls_total",
			Help:        "Syscalls handled, by name.",
			ConstLabels: labels,
		}, []string{"syscall"}),
		syscallErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "syscall_errors_total",
			Help:        "Syscalls that returned an error, by name.",
			ConstLabels: labels,
		}, []string{"syscall"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "user_faults_total",
			Help:        "User processes killed by a CPU exception, by kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
	}

	counter := func(subsystem, name, help string, fn func() uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return float64(fn()) })
	}
	gauge := func(subsystem, name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, fn)
	}

	m.registry.MustRegister(
		m.syscalls,
		m.syscallErrors,
		m.faults,
		counter("sched", "context_switches_total", "Task switches.",
			func() uint64 { return k.sched.Stats().Switches }),
		counter("sched", "preemptions_total", "Switches forced by quantum expiry.",
			func() uint64 { return k.sched.Stats().Preemptions }),
		counter("sched", "tasks_created_total", "Tasks created.",
			func() uint64 { return k.sched.Stats().Created }),
		counter("sched", "tasks_reclaimed_total", "Stopped tasks reclaimed.",
			func() uint64 { return k.sched.Stats().Reclaimed }),
		counter("sched", "timer_ticks_total", "Timer interrupts delivered.",
			func() uint64 { return k.sched.Stats().Ticks }),
		counter("process", "loaded_total", "Processes loaded from an image.",
			func() uint64 { return k.procs.Stats().Loaded }),
		counter("process", "forked_total", "Processes created by fork.",
			func() uint64 { return k.procs.Stats().Forked }),
		counter("process", "execs_total", "Successful execs.",
			func() uint64 { return k.procs.Stats().Execs }),
		counter("process", "exited_total", "Processes that exited.",
			func() uint64 { return k.procs.Stats().Exited }),
		counter("process", "reaped_total", "Zombies reaped.",
			func() uint64 { return k.procs.Stats().Reaped }),
		counter("mmu", "tlb_flushes_total", "Full translation cache flushes.",
			k.mmu.Flushes),
		gauge("process", "live", "Occupied process table slots.",
			func() float64 { return float64(k.procs.Count()) }),
		gauge("kheap", "used_blocks", "Kernel heap blocks in use.",
			func() float64 { return float64(k.heap.Stats().UsedBlocks) }),
		gauge("kheap", "total_blocks", "Kernel heap blocks.",
			func() float64 { return float64(k.heap.Stats().TotalBlocks) }),
		gauge("clock", "uptime_seconds", "Machine time since boot.",
			func() float64 { return k.clock.Now().Seconds() }),
	)
	return m
}
