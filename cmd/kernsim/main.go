// kernsim boots the simulated kernel, runs the init command line and
// reports how the machine halted.
//
// Programs are loaded from an image root: a local directory, any URL
// viant/afs understands, or the bundled userland kept in memory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kernsim/pkg/config"
	"kernsim/pkg/kernel"
	"kernsim/pkg/logger"
	"kernsim/pkg/monitor"
	"kernsim/pkg/sched"
	"kernsim/pkg/userland"
	"kernsim/pkg/vfs"
	"kernsim/pkg/vfs/afsfs"
	"kernsim/pkg/vfs/memfs"
	"kernsim/pkg/vfs/overlayfs"
)

func main() {
	configPath := flag.String("config", os.Getenv("KERNSIM_CONFIG"), "YAML configuration file")
	root := flag.String("root", "", "image root: directory or afs URL (overrides boot.root)")
	builtin := flag.Bool("builtin", false, "serve the bundled userland from memory, under -root if given")
	initCmd := flag.String("init", "", "init command line (overrides boot.init)")
	logLevel := flag.String("log-level", "", "log level (overrides log.level)")
	timeLimit := flag.Duration("time-limit", 0, "power off after this much machine time")
	realTime := flag.Bool("realtime", false, "pace idle time against the wall clock")
	useMonitor := flag.Bool("monitor", false, "open the operator monitor")
	metricsAddr := flag.String("metrics", "", "serve Prometheus metrics on this address")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if *root != "" {
		cfg.Boot.Root = *root
	}
	if *initCmd != "" {
		cfg.Boot.Init = *initCmd
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *timeLimit > 0 {
		cfg.Kernel.TimeLimit = *timeLimit
	}
	if *realTime {
		cfg.Kernel.RealTime = true
	}

	zl, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zl.Sync()

	fs, err := openRoot(cfg.Boot.Root, *builtin, *root != "")
	if err != nil {
		log.Fatalf("Failed to open image root: %v", err)
	}

	k, err := kernel.New(cfg.Kernel, fs, os.Stdout, zl)
	if err != nil {
		log.Fatalf("Failed to boot: %v", err)
	}
	if _, err := k.Spawn(cfg.Boot.Init); err != nil {
		k.Close()
		log.Fatalf("Failed to start init %q: %v", cfg.Boot.Init, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	// halted is done once the machine powered off, which ends the
	// monitor and the metrics server.
	halted, markHalted := context.WithCancel(gctx)
	g.Go(func() error {
		defer markHalted()
		return k.Run(gctx)
	})

	if *metricsAddr != "" {
		srv := &http.Server{
			Addr:              *metricsAddr,
			Handler:           promhttp.HandlerFor(k.Registry(), promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			zl.Info("serving metrics", zap.String("addr", *metricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-halted.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if *useMonitor {
		rl, err := readline.NewEx(&readline.Config{
			Prompt:          "kernsim> ",
			AutoComplete:    monitor.Completer(),
			InterruptPrompt: "^C",
			EOFPrompt:       "quit",
		})
		if err != nil {
			log.Fatalf("Failed to open monitor: %v", err)
		}
		session := monitor.New(k, rl.Stdout())
		g.Go(func() error {
			return session.Run(halted, rl)
		})
	}

	err = g.Wait()
	if !cleanStop(err) {
		zl.Error("machine stopped", zap.Error(err))
	}

	st := k.Scheduler().Stats()
	ps := k.Processes().Stats()
	fmt.Fprintf(os.Stderr, "halted after %s: %d processes loaded, %d forked, %d exited; %d context switches\n",
		k.Clock().Now(), ps.Loaded, ps.Forked, ps.Exited, st.Switches)
	if !cleanStop(err) {
		_ = zl.Sync()
		os.Exit(1)
	}
}

// cleanStop reports whether err is one of the ordinary ways a run ends.
func cleanStop(err error) bool {
	return err == nil ||
		errors.Is(err, monitor.ErrQuit) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, sched.ErrTimeLimit)
}

// openRoot resolves the image root. builtin serves the bundled userland
// from memory under /bin; an explicit root is then layered over it.
func openRoot(root string, builtin, explicit bool) (vfs.FileSystem, error) {
	if !builtin {
		return openURL(root)
	}
	bundled := memfs.New()
	if _, err := userland.Install(bundled, "/bin", userland.FormatFlat); err != nil {
		return nil, err
	}
	if !explicit {
		return bundled, nil
	}
	upper, err := openURL(root)
	if err != nil {
		return nil, err
	}
	return overlayfs.New(upper, bundled), nil
}

func openURL(root string) (vfs.FileSystem, error) {
	if strings.Contains(root, "://") {
		return afsfs.New(root), nil
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, err
	}
	return afsfs.New("file://" + filepath.ToSlash(abs)), nil
}
