package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"DistMR/internal/config"
	"DistMR/internal/coordinator"
	"DistMR/internal/discovery"
	httpserver "DistMR/internal/http"
	"DistMR/internal/jobs"
	"DistMR/internal/journal"
	"DistMR/internal/logger"
	"DistMR/internal/registry"
	"DistMR/internal/shuffle"
	"DistMR/internal/store"
	"DistMR/internal/types"
	"DistMR/internal/worker"
)

// featureFlags collects repeated -feature key=value flags
type featureFlags map[string]string

func (f featureFlags) String() string {
	parts := make([]string, 0, len(f))
	for k, v := range f {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (f featureFlags) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("feature must be key=value, got %q", s)
	}
	f[k] = v
	return nil
}

func main() {
	mode := flag.String("mode", "local", "Mode: 'coordinator', 'worker', 'local' (coordinator and workers in one process) or 'collect'")
	configPath := flag.String("config", "config.json", "Path to the cluster config")
	id := flag.Int("id", 0, "Worker id (1-based), worker mode only")
	job := flag.String("job", "", "Job to run, overrides the config")
	features := featureFlags{}
	flag.Var(features, "feature", "Job feature key=value (repeatable)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if *job != "" {
		cfg.Job = *job
	}
	if len(features) > 0 {
		if cfg.Features == nil {
			cfg.Features = make(map[string]string)
		}
		for k, v := range features {
			cfg.Features[k] = v
		}
	}

	lg := logger.New(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "coordinator":
		err = runCoordinator(ctx, cfg, lg)
	case "worker":
		err = runWorker(ctx, cfg, types.WorkerID(*id), lg)
	case "local":
		err = runLocal(ctx, cfg, lg)
	case "collect":
		err = collect(cfg.WorkDir)
	default:
		err = fmt.Errorf("unknown mode: %s", *mode)
	}
	if err != nil {
		lg.Error("%v", err)
		os.Exit(1)
	}
}

// loadConfig falls back to the defaults when the file does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

func masterConfig(cfg *config.Config) coordinator.Config {
	return coordinator.Config{
		PhaseTimeout: cfg.PhaseTimeout.Std(),
		MinTick:      cfg.MinTick.Std(),
	}
}

func runCoordinator(ctx context.Context, cfg *config.Config, lg *logger.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines, err := store.ReadLines(cfg.Dataset, cfg.SkipHeader)
	if err != nil {
		return err
	}

	reg := registry.NewWorkerRegistry(lg)
	master := coordinator.NewMaster(masterConfig(cfg), reg, lg)

	var jv httpserver.JournalView
	if cfg.RaftDir != "" {
		j, err := journal.Open(journal.Config{
			NodeID:    "coordinator",
			BindAddr:  cfg.MasterNode.Host,
			BindPort:  cfg.RaftPort,
			DataDir:   cfg.RaftDir,
			Bootstrap: true,
		}, lg)
		if err != nil {
			return err
		}
		defer j.Close()
		if err := j.WaitForLeader(10 * time.Second); err != nil {
			return err
		}
		master.SetJournal(j)
		jv = j
	}

	if cfg.GossipPort > 0 {
		nd, err := discovery.NewNodeDiscovery(discovery.Config{
			NodeName:     "coordinator",
			LocalAddress: cfg.MasterNode.Host,
			LocalPort:    cfg.GossipPort,
		}, lg)
		if err != nil {
			return err
		}
		defer nd.Shutdown()
		nd.OnWorkerLeave(func(id types.WorkerID) {
			reg.MarkFailed(id, "left gossip cluster")
		})
	}

	srv := coordinator.NewServer(master, lg)
	srv.SetWorkerNodes(cfg.WorkerNodes)
	if err := srv.Listen(cfg.MasterNode.String()); err != nil {
		return err
	}
	defer srv.Close()

	var gate *coordinator.ManualGate
	if cfg.Manual {
		gate = coordinator.NewManualGate()
		master.SetGate(gate)
		go readConsole(ctx, gate, cancel, lg)
	}

	if cfg.HTTPPort > 0 {
		api := httpserver.NewServer(httpserver.ServerOpts{ID: "coordinator", Port: cfg.HTTPPort}, master, gate, jv, lg)
		go func() {
			if err := api.Start(); err != nil {
				lg.Error("%v", err)
			}
		}()
		defer api.Shutdown(context.Background())
	}

	if !cfg.Manual {
		lg.Info("Waiting for workers: expected=%d", len(cfg.WorkerNodes))
		if err := master.WaitForWorkers(ctx, len(cfg.WorkerNodes)); err != nil {
			return err
		}
	} else {
		lg.Info("Type 'start' (or POST /phases/advance) to begin each phase, 'exit' to quit")
	}

	if err := master.Run(ctx, lines); err != nil {
		return err
	}
	lg.Info("Job complete: job_id=%s outputs=%s", master.JobID(), filepath.Join(cfg.WorkDir, "reduce_results_<id>.json"))
	return nil
}

// readConsole turns "start" lines on stdin into phase triggers.
func readConsole(ctx context.Context, gate *coordinator.ManualGate, cancel context.CancelFunc, lg *logger.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "start":
			if err := gate.Trigger(); err != nil {
				lg.Warn("%v", err)
			}
		case "exit":
			cancel()
			return
		case "":
		default:
			lg.Warn("Unknown command, expected 'start' or 'exit'")
		}
	}
}

func runWorker(ctx context.Context, cfg *config.Config, id types.WorkerID, lg *logger.Logger) error {
	addr, err := cfg.Worker(id)
	if err != nil {
		return err
	}
	job, err := jobs.NewCatalog().Lookup(cfg.Job, cfg.Features)
	if err != nil {
		return err
	}
	st, err := store.New(cfg.WorkDir)
	if err != nil {
		return err
	}

	if cfg.GossipPort > 0 {
		nd, err := discovery.NewNodeDiscovery(discovery.Config{
			NodeName:     discovery.NodeName(id),
			LocalAddress: addr.Host,
			JoinAddrs:    []string{net.JoinHostPort(cfg.MasterNode.Host, strconv.Itoa(cfg.GossipPort))},
		}, lg)
		if err != nil {
			return err
		}
		defer nd.Shutdown()
		defer nd.Leave(time.Second)
	}

	w := worker.New(worker.Config{
		ID:          id,
		ListenAddr:  addr.String(),
		Coordinator: cfg.MasterNode.String(),
		Shuffle:     shuffle.Config{Attempts: cfg.ShuffleAttempts, Backoff: cfg.ShuffleBackoff.Std()},
	}, job, st, lg)
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Close()

	if err := w.Run(ctx); err != nil {
		return err
	}
	lg.Info("Worker finished: worker_id=%d output=%s", id, w.OutputPath())
	return nil
}

// runLocal runs the coordinator and one worker per configured node in this
// process, every endpoint on a free loopback port.
func runLocal(ctx context.Context, cfg *config.Config, lg *logger.Logger) error {
	lines, err := store.ReadLines(cfg.Dataset, cfg.SkipHeader)
	if err != nil {
		return err
	}
	st, err := store.New(cfg.WorkDir)
	if err != nil {
		return err
	}
	catalog := jobs.NewCatalog()

	master := coordinator.NewMaster(masterConfig(cfg), registry.NewWorkerRegistry(lg), lg)
	srv := coordinator.NewServer(master, lg)
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		return err
	}
	defer srv.Close()

	n := len(cfg.WorkerNodes)
	errs := make(chan error, n)
	for i := 1; i <= n; i++ {
		job, err := catalog.Lookup(cfg.Job, cfg.Features)
		if err != nil {
			return err
		}
		w := worker.New(worker.Config{
			ID:          types.WorkerID(i),
			ListenAddr:  "127.0.0.1:0",
			Coordinator: srv.Addr().String(),
			Shuffle:     shuffle.Config{Attempts: cfg.ShuffleAttempts, Backoff: cfg.ShuffleBackoff.Std()},
		}, job, st, lg)
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Close()
		go func() { errs <- w.Run(ctx) }()
	}

	if err := master.WaitForWorkers(ctx, n); err != nil {
		return err
	}
	if err := master.Run(ctx, lines); err != nil {
		return err
	}
	srv.Close()
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			return err
		}
	}
	return collect(cfg.WorkDir)
}

func collect(dir string) error {
	records, err := store.MergeOutputs(dir)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(records)
}
