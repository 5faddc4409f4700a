package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	version = "1.0.0"
	banner  = `
 ____ _____  __  ____
|  _ \_ _\ \/ / |  _ \
| |_) | | \  /  | | | |
|  __/| | /  \  | |_| |
|_|  |___/_/\_\ |____/

PIX Service v%s
Patient identifier cross-reference lookup
`
)

// eventsFD is where a worker finds the write end of its event pipe
// (the first entry of exec.Cmd.ExtraFiles).
const eventsFD = 3

// exitError carries a worker exit code out of cobra.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitStartup)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "pixd",
		Short:         "pixd - PIX identifier cross-reference service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "pixd.yaml", "Config file path (YAML, JSON or TOML)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pixd v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadValidConfig(configFile)
			if err != nil {
				return err
			}
			out, err := cfg.DumpYAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})

	var workers int
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the supervisor and its worker processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadValidConfig(configFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("workers") {
				cfg.Workers = workers
			}
			fmt.Printf(banner, version)
			return runSupervisor(cfg, configFile)
		},
	}
	serveCmd.Flags().IntVarP(&workers, "workers", "w", 0, "Number of worker processes (overrides config, default: logical CPUs)")
	root.AddCommand(serveCmd)

	var workerID, fd int
	workerCmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run a single worker process (spawned by serve)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadValidConfig(configFile)
			if err != nil {
				return err
			}
			if code := runWorker(cfg, workerID, fd); code != ExitOK {
				return &exitError{code: code}
			}
			return nil
		},
	}
	workerCmd.Flags().IntVar(&workerID, "id", 1, "Worker id assigned by the supervisor")
	workerCmd.Flags().IntVar(&fd, "events-fd", -1, "Inherited file descriptor for lifecycle events")
	root.AddCommand(workerCmd)

	return root
}

func loadValidConfig(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runSupervisor(cfg *Config, configFile string) error {
	logger, err := NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve executable: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metrics *SupervisorMetrics
	if cfg.Metrics != nil {
		metrics = NewSupervisorMetrics()
		srv := startMetricsServer(cfg.Metrics, metrics, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	sup := NewSupervisor(SupervisorConfig{
		Workers: cfg.Workers,
		Command: exe,
		Args: func(id int) []string {
			return []string{"worker", "--id", strconv.Itoa(id), "--config", configFile, "--events-fd", strconv.Itoa(eventsFD)}
		},
		ShutdownTimeout: cfg.ShutdownTimeout,
		Metrics:         metrics,
		Logger:          logger,
	})

	go func() {
		listening := make(map[int]bool)
		for ev := range sup.Events() {
			if ev.Kind != EventListening || listening[ev.WorkerID] {
				continue
			}
			listening[ev.WorkerID] = true
			if len(listening) == sup.cfg.Workers {
				logger.Info("all workers listening", zap.Int("workers", len(listening)))
			}
		}
	}()

	return sup.Run(ctx)
}

func startMetricsServer(cfg *MetricsConfig, metrics *SupervisorMetrics, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.Address(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(logger),
	}
	go func() {
		logger.Info("metrics server started at http://" + cfg.Address() + "/metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
	return srv
}

func runWorker(cfg *Config, id, fd int) int {
	logger, err := NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStartup
	}
	logger = logger.With(zap.Int("worker_id", id), zap.Int("pid", os.Getpid()))
	defer logger.Sync()

	var events *EventWriter
	if fd >= 0 {
		f := os.NewFile(uintptr(fd), "events")
		if f == nil {
			logger.Error("invalid events descriptor", zap.Int("fd", fd))
			return ExitStartup
		}
		defer f.Close()
		if events, err = NewEventWriter(f, id, os.Getpid()); err != nil {
			logger.Error("failed to open event stream", zap.Error(err))
			return ExitStartup
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return NewWorker(id, cfg, logger, events).Run(ctx)
}
