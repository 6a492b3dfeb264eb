package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meridianhq/conduit/internal/engine"
	"github.com/meridianhq/conduit/pkg/audit"
	"github.com/meridianhq/conduit/pkg/config"
	"github.com/meridianhq/conduit/pkg/connector"
	"github.com/meridianhq/conduit/pkg/connector/registry"
	"github.com/meridianhq/conduit/pkg/envelope"
	"github.com/meridianhq/conduit/pkg/logger"
	"github.com/meridianhq/conduit/pkg/storage"
	"github.com/meridianhq/conduit/pkg/storage/document"
	"github.com/meridianhq/conduit/pkg/storage/memory"
	"github.com/meridianhq/conduit/pkg/storage/postgres"
	"github.com/meridianhq/conduit/pkg/storage/timeseries"

	// Import connectors to register them
	_ "github.com/meridianhq/conduit/pkg/connector/sim"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var configPath string
	var memoryOnly bool

	root := &cobra.Command{
		Use:   "conduit",
		Short: "Conduit - continuous multi-source data synchronization engine",
		Long: `Conduit continuously collects records from upstream sources, normalizes
them into envelopes, and delivers them to classification-aware storage
backends with priority scheduling, bounded retry, and health scoring.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Conduit v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "sources",
		Short: "List registered source connector types",
		Run: func(cmd *cobra.Command, args []string) {
			types := registry.List()
			sort.Strings(types)
			for _, t := range types {
				fmt.Println(t)
			}
		},
	})

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the synchronization engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, memoryOnly)
		},
	}
	runCmd.Flags().StringVarP(&configPath, "config", "c", "conduit.yaml", "path to the engine configuration file")
	runCmd.Flags().BoolVar(&memoryOnly, "memory", false, "route every record type to an in-memory backend (local runs)")
	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string, memoryOnly bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Encoding:    cfg.Logging.Encoding,
		Development: cfg.Logging.Development,
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	router, err := buildRouter(ctx, cfg, memoryOnly)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := router.Close(closeCtx); err != nil {
			logger.Error("failed to close storage backends", zap.Error(err))
		}
	}()

	auditor, err := buildAuditor(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = auditor.Close() }()

	specs, err := buildSpecs(cfg)
	if err != nil {
		return err
	}

	eng := engine.New(cfg, specs, router, auditor)

	if cfg.HTTP.Enabled {
		srv := engine.NewServer(cfg.HTTP.Addr, eng)
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error("http listener failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	return eng.Run(ctx)
}

// buildRouter assembles the storage backends and routing table. With
// --memory every record type routes to a single in-memory backend, which is
// enough to exercise the engine against simulated sources.
func buildRouter(ctx context.Context, cfg *config.EngineConfig, memoryOnly bool) (*storage.Router, error) {
	if memoryOnly {
		backends := map[string]storage.Backend{
			storage.BackendMemory: memory.New(storage.BackendMemory, true),
		}
		routes := make(map[envelope.RecordType]string)
		for rt := range storage.DefaultRoutes() {
			routes[rt] = storage.BackendMemory
		}
		return storage.NewRouter(backends, routes)
	}

	relational, err := postgres.New(ctx, cfg.Storage.Relational)
	if err != nil {
		return nil, err
	}
	ts, err := timeseries.New(ctx, cfg.Storage.TimeSeries)
	if err != nil {
		return nil, err
	}
	doc, err := document.New(ctx, cfg.Storage.Document)
	if err != nil {
		return nil, err
	}

	backends := map[string]storage.Backend{
		storage.BackendRelational: relational,
		storage.BackendTimeSeries: ts,
		storage.BackendDocument:   doc,
	}

	routes := make(map[envelope.RecordType]string, len(cfg.Storage.Routes))
	for name, backend := range cfg.Storage.Routes {
		rt, err := envelope.ParseRecordType(name)
		if err != nil {
			return nil, err
		}
		routes[rt] = backend
	}

	return storage.NewRouter(backends, routes)
}

func buildAuditor(ctx context.Context, cfg *config.EngineConfig) (audit.Publisher, error) {
	if cfg.Audit.NATSURL == "" {
		logger.Info("no audit transport configured, terminal failures are log-only")
		return audit.Noop{}, nil
	}
	return audit.NewJetStreamPublisher(ctx, cfg.Audit)
}

// buildSpecs assembles one source spec per configured source through the
// connector registry. Sources with a strategies list come back wrapped in a
// fallback chain.
func buildSpecs(cfg *config.EngineConfig) ([]connector.Spec, error) {
	specs := make([]connector.Spec, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		spec, err := registry.BuildSpec(src)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
