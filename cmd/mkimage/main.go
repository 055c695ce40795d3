// mkimage writes the bundled user programs as image files, ready to be
// used as a kernsim image root.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"kernsim/pkg/userland"
	"kernsim/pkg/vfs/afsfs"
)

func main() {
	out := flag.String("out", "rootfs", "output directory or afs URL")
	dir := flag.String("dir", "/bin", "directory inside the root to install into")
	format := flag.String("format", userland.FormatFlat, "image format: flat, elf or zstd")
	list := flag.Bool("list", false, "list the bundled programs and exit")
	flag.Parse()

	if *list {
		for _, p := range userland.Programs() {
			fmt.Printf("%-10s %s\n", p.Name, p.Usage)
		}
		return
	}

	target := *out
	if !strings.Contains(target, "://") {
		abs, err := filepath.Abs(target)
		if err != nil {
			log.Fatalf("Failed to resolve %s: %v", target, err)
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			log.Fatalf("Failed to create %s: %v", abs, err)
		}
		target = "file://" + filepath.ToSlash(abs)
	}

	fs := afsfs.New(target)
	paths, err := userland.Install(fs, *dir, *format)
	if err != nil {
		log.Fatalf("Failed to install images: %v", err)
	}
	for _, p := range paths {
		fmt.Println(fs.URL(p))
	}
}
