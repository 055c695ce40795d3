// Package monitor is the operator console of a running kernel: a small
// command interpreter that inspects the machine from outside it.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/chzyer/readline"
	"github.com/google/shlex"

	"kernsim/pkg/kernel"
	"kernsim/pkg/process"
)

// ErrQuit is returned by Run when the operator asks to power off.
var ErrQuit = errors.New("monitor: quit")

type command struct {
	usage string
	help  string
	run   func(s *Session, args []string) error
}

var commands = map[string]command{
	"ps":    {usage: "ps", help: "list the process table", run: (*Session).ps},
	"stats": {usage: "stats", help: "scheduler and process counters", run: (*Session).stats},
	"heap":  {usage: "heap", help: "kernel heap and MMU usage", run: (*Session).heap},
	"info":  {usage: "info pid", help: "show one process", run: (*Session).info},
}

// Session holds monitor state.
type Session struct {
	k   *kernel.Kernel
	out io.Writer
}

// New creates a session over k that prints to out.
func New(k *kernel.Kernel, out io.Writer) *Session {
	return &Session{k: k, out: out}
}

// Completer completes the monitor's command names.
func Completer() readline.AutoCompleter {
	items := []readline.PrefixCompleterInterface{readline.PcItem("help"), readline.PcItem("quit")}
	for _, name := range commandNames() {
		items = append(items, readline.PcItem(name))
	}
	return readline.NewPrefixCompleter(items...)
}

// Run reads commands from rl until the operator quits, input ends or ctx
// is done. rl is closed when Run returns.
func (s *Session) Run(ctx context.Context, rl *readline.Instance) error {
	var once sync.Once
	closeLine := func() { once.Do(func() { _ = rl.Close() }) }
	stop := context.AfterFunc(ctx, closeLine)
	defer stop()
	defer closeLine()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return ErrQuit
			}
			continue
		}
		if err != nil {
			// EOF, or rl was closed because the machine halted.
			return nil
		}
		quit, err := s.Exec(line)
		if err != nil {
			s.printLine("error: %v", err)
		}
		if quit {
			s.printLine("bye")
			return ErrQuit
		}
	}
}

// Exec runs one command line and reports whether it asked to quit.
func (s *Session) Exec(line string) (bool, error) {
	tokens, err := shlex.Split(line)
	if err != nil {
		return false, fmt.Errorf("parse command failed: %w", err)
	}
	if len(tokens) == 0 {
		return false, nil
	}
	switch tokens[0] {
	case "quit", "exit":
		return true, nil
	case "help":
		s.printHelp()
		return false, nil
	}
	cmd, ok := commands[tokens[0]]
	if !ok {
		return false, fmt.Errorf("unknown command: %s", tokens[0])
	}
	return false, cmd.run(s, tokens[1:])
}

func (s *Session) printLine(format string, args ...interface{}) {
	fmt.Fprintf(s.out, format+"\n", args...)
}

func (s *Session) printHelp() {
	w := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	for _, name := range commandNames() {
		cmd := commands[name]
		fmt.Fprintf(w, "  %s\t%s\n", cmd.usage, cmd.help)
	}
	fmt.Fprintf(w, "  help\tthis message\n")
	fmt.Fprintf(w, "  quit\tpower off and exit\n")
	_ = w.Flush()
}

func commandNames() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Session) ps(args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: ps")
	}
	w := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PID\tPPID\tSTATE\tPRI\tMEM\tNAME")
	for _, in := range s.k.Processes().Snapshot() {
		state := string(in.State)
		if in.State == process.StateZombie {
			state = fmt.Sprintf("zombie(%d)", in.ExitCode)
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%d\t%s\n", in.PID, in.Parent, state, in.Priority, in.Memory, in.Name)
	}
	return w.Flush()
}

func (s *Session) stats(args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: stats")
	}
	st := s.k.Scheduler().Stats()
	ps := s.k.Processes().Stats()
	s.printLine("uptime       %s", s.k.Clock().Now())
	s.printLine("switches     %d (%d preemptions)", st.Switches, st.Preemptions)
	s.printLine("timer ticks  %d", st.Ticks)
	s.printLine("tasks        %d created, %d reclaimed", st.Created, st.Reclaimed)
	s.printLine("processes    %d live, %d loaded, %d forked, %d execs, %d exited, %d reaped",
		s.k.Processes().Count(), ps.Loaded, ps.Forked, ps.Execs, ps.Exited, ps.Reaped)
	return nil
}

func (s *Session) heap(args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("usage: heap")
	}
	hs := s.k.Heap().Stats()
	s.printLine("blocks       %d/%d used, %d allocations", hs.UsedBlocks, hs.TotalBlocks, hs.Allocations)
	s.printLine("tlb flushes  %d", s.k.MMU().Flushes())
	return nil
}

func (s *Session) info(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: info pid")
	}
	for _, in := range s.k.Processes().Snapshot() {
		if fmt.Sprint(in.PID) != args[0] {
			continue
		}
		s.printLine("pid      %d", in.PID)
		s.printLine("parent   %d", in.Parent)
		s.printLine("name     %s", in.Name)
		s.printLine("state    %s", in.State)
		s.printLine("priority %d", in.Priority)
		s.printLine("memory   %d bytes", in.Memory)
		if in.State == process.StateZombie {
			s.printLine("exit     %d", in.ExitCode)
		}
		return nil
	}
	return fmt.Errorf("no process %s", strings.TrimSpace(args[0]))
}
