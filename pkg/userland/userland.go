// Package userland bundles the user programs shipped with the kernel,
// written against the isa builder.
//
// Every program receives argc in R1 and argv in R2. Syscalls only clobber
// R0, so the remaining registers survive across calls.
package userland

import (
	"fmt"
	"path"
	"sort"

	"kernsim/pkg/isa"
	"kernsim/pkg/loader"
)

// Program is a bundled user program.
type Program struct {
	Name  string
	Usage string
	build func(b *isa.Builder)
}

var programs = []Program{
	{Name: "init", Usage: "init [cmdline...]", build: buildInit},
	{Name: "hello", Usage: "hello", build: buildHello},
	{Name: "echo", Usage: "echo [word...]", build: buildEcho},
	{Name: "forkwait", Usage: "forkwait", build: buildForkWait},
	{Name: "execer", Usage: "execer", build: buildExecer},
	{Name: "cat", Usage: "cat file", build: buildCat},
	{Name: "stat", Usage: "stat file", build: buildStat},
	{Name: "pwd", Usage: "pwd [dir]", build: buildPwd},
	{Name: "ps", Usage: "ps", build: buildPs},
	{Name: "memtest", Usage: "memtest", build: buildMemtest},
	{Name: "ticker", Usage: "ticker text", build: buildTicker},
	{Name: "spin", Usage: "spin [text]", build: buildSpin},
	{Name: "whoami", Usage: "whoami", build: buildWhoami},
	{Name: "fault", Usage: "fault", build: buildFault},
}

// Programs returns the bundled programs sorted by name.
func Programs() []Program {
	out := append([]Program(nil), programs...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Build assembles the program called name.
func Build(name string) (*isa.Program, error) {
	for _, p := range programs {
		if p.Name == name {
			return p.Build()
		}
	}
	return nil, fmt.Errorf("userland: no program %q", name)
}

// Build assembles the program.
func (p Program) Build() (*isa.Program, error) {
	b := isa.NewBuilder()
	p.build(b)
	prog, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("userland: build %s: %w", p.Name, err)
	}
	return prog, nil
}

// Image formats accepted by Encode.
const (
	FormatFlat = "flat"
	FormatELF  = "elf"
	FormatZstd = "zstd"
)

// Encode renders prog as an image file in the given format. zstd
// compresses the flat image.
func Encode(prog *isa.Program, format string) ([]byte, error) {
	switch format {
	case FormatFlat:
		return prog.Flat(), nil
	case FormatELF:
		return prog.ELF(), nil
	case FormatZstd:
		return loader.Compress(prog.Flat())
	default:
		return nil, fmt.Errorf("userland: unknown image format %q", format)
	}
}

// Writer stores image files.
type Writer interface {
	WriteFile(path string, data []byte) error
}

// Install writes every bundled program into dir in the given format and
// returns the paths written.
func Install(w Writer, dir, format string) ([]string, error) {
	var paths []string
	for _, p := range Programs() {
		prog, err := p.Build()
		if err != nil {
			return paths, err
		}
		data, err := Encode(prog, format)
		if err != nil {
			return paths, err
		}
		target := path.Join(dir, p.Name)
		if err := w.WriteFile(target, data); err != nil {
			return paths, fmt.Errorf("userland: write %s: %w", target, err)
		}
		paths = append(paths, target)
	}
	return paths, nil
}
