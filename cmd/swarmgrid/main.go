package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openclaw/swarmgrid/audit"
	"github.com/openclaw/swarmgrid/config"
	"github.com/openclaw/swarmgrid/observability"
	"github.com/openclaw/swarmgrid/orchestrator"
	"github.com/openclaw/swarmgrid/persistence"
	"github.com/openclaw/swarmgrid/policy"
	"github.com/openclaw/swarmgrid/transport"
	"github.com/openclaw/swarmgrid/types"
)

// Version information, injected at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	loader := config.NewLoader().
		WithValidator(func(c *config.Config) error { return c.Validate() })
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.Log.BuildLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := serve(cfg, logger); err != nil {
		logger.Fatal("node exited with error", zap.Error(err))
	}
}

func serve(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := persistence.NewRecordStore(cfg.StoreConfig(), logger)
	if err != nil {
		return fmt.Errorf("building record store: %w", err)
	}
	defer store.Close()

	auditLog, err := audit.NewSignedAuditLog(audit.Options{
		Secret: cfg.Audit.Secret,
		KeyID:  cfg.Audit.KeyID,
	})
	if err != nil {
		return fmt.Errorf("building audit log: %w", err)
	}

	var auditFile *audit.FileAuditStore
	if cfg.Audit.FilePath != "" {
		auditFile, err = audit.NewFileAuditStore(cfg.Audit.FilePath, logger)
		if err != nil {
			return fmt.Errorf("building audit file store: %w", err)
		}
	}

	var collector *observability.Collector
	if cfg.Metrics.Enabled {
		collector = observability.NewCollector(cfg.Metrics.Namespace, nil, logger)
	}

	// The loopback transport logs deliveries. Deployments replace it with
	// an integration-specific Transport; everything downstream is
	// transport-agnostic.
	loopback := transport.Func(func(_ context.Context, target string, request *types.TaskRequest) error {
		logger.Info("task delivered",
			zap.String("target", target),
			zap.String("taskId", request.ID),
			zap.String("priority", string(request.Priority)))
		return nil
	})
	limited := transport.NewRateLimited(loopback, cfg.RateLimit, logger)

	orch, err := orchestrator.New(orchestrator.Options{
		LocalAgentID:   cfg.Node.AgentID,
		Transport:      limited,
		DispatchPolicy: policy.NewDispatchPolicy(policy.DispatchOptions{}),
		ApprovalPolicy: policy.NewApprovalPolicy(policy.ApprovalOptions{}),
		AuditLog:       auditLog,
		Store:          store,
		Metrics:        collector,
		DefaultTimeout: cfg.Orchestrator.DefaultTimeout,
		MaxRetries:     cfg.Orchestrator.MaxRetries,
		RetryDelay:     cfg.Orchestrator.RetryDelay,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("building orchestrator: %w", err)
	}

	loaded, err := orch.Hydrate(ctx)
	if err != nil {
		return fmt.Errorf("hydrating task table: %w", err)
	}
	logger.Info("node starting",
		zap.String("version", Version),
		zap.String("agentId", cfg.Node.AgentID),
		zap.String("storeBackend", string(cfg.StoreConfig().Type)),
		zap.Int("hydratedTasks", loaded))

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		ticker := time.NewTicker(cfg.Orchestrator.MaintenanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				summary, err := orch.RunMaintenance(ctx, 0)
				if err != nil {
					logger.Warn("maintenance pass failed", zap.Error(err))
					continue
				}
				if summary.Checked > 0 {
					logger.Info("maintenance pass",
						zap.Int("checked", summary.Checked),
						zap.Int("scheduledRetries", summary.ScheduledRetries),
						zap.Int("retried", summary.Retried),
						zap.Int("timedOut", summary.TimedOut),
						zap.Int("transportFailures", summary.TransportFailures))
				}
			}
		}
	})

	if auditFile != nil {
		group.Go(func() error {
			return mirrorAudit(ctx, auditLog, auditFile, logger)
		})
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if err := store.Ping(r.Context()); err != nil {
				http.Error(w, "store unavailable", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "ok")
		})

		server := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		group.Go(func() error {
			logger.Info("metrics endpoint listening", zap.String("addr", cfg.Metrics.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err = group.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if flushErr := orch.Flush(flushCtx); flushErr != nil {
		logger.Warn("final flush failed", zap.Error(flushErr))
	}
	logger.Info("node stopped")
	return err
}

// mirrorAudit periodically appends new chain entries to the file store so
// the signed history survives a restart.
func mirrorAudit(ctx context.Context, log *audit.SignedAuditLog, file *audit.FileAuditStore, logger *zap.Logger) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	written := 0
	flush := func() {
		entries := log.Entries()
		for ; written < len(entries); written++ {
			if err := file.Append(entries[written]); err != nil {
				logger.Warn("audit mirror append failed", zap.Error(err))
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return nil
		case <-ticker.C:
			flush()
		}
	}
}

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:9090", "Base URL of the metrics endpoint")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Unhealthy: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}
	fmt.Println("Healthy")
}

func printVersion() {
	fmt.Printf("swarmgrid %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
}

func printUsage() {
	fmt.Println(`swarmgrid - multi-agent task coordination node

Usage:
  swarmgrid serve [--config config.yaml]   Start the node
  swarmgrid health [--addr URL]            Probe a running node
  swarmgrid version                        Show version information
  swarmgrid help                           Show this help`)
}
