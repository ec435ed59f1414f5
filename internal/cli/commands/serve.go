package commands

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ducksearch-labs/ducksearch/internal/cache"
	"github.com/ducksearch-labs/ducksearch/internal/config"
	"github.com/ducksearch-labs/ducksearch/internal/engine"
	"github.com/ducksearch-labs/ducksearch/internal/plan"
	"github.com/ducksearch-labs/ducksearch/internal/registry"
	"github.com/ducksearch-labs/ducksearch/internal/secrets"
	"github.com/ducksearch-labs/ducksearch/internal/server"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	Root string
}

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	opts := &ServeOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ducksearch server",
		Long: `Serve reports over HTTP. Requests against /report compile a report into
Parquet artifacts under <root>/cache and return a manifest of their URLs.`,
		Example: `  # Serve a project root
  ducksearch serve --root ./myproject

  # Development mode with report watching
  ducksearch serve --root ./myproject --dev --port 9000`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Root, "root", "", "ducksearch root directory")
	cmd.Flags().String("host", "", "host to bind")
	cmd.Flags().Int("port", 0, "port to bind")
	cmd.Flags().Int("workers", 0, "engine pool size")
	cmd.Flags().Bool("dev", false, "enable development mode (report watching)")
	_ = cmd.MarkFlagRequired("root")
	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	log := newLogger()

	layout, err := config.ValidateRoot(opts.Root)
	if err != nil {
		return err
	}

	cfg, err := config.Load(layout, nil)
	if err != nil {
		return err
	}
	applyServeFlags(cfg, cmd)

	vault, err := secrets.Load(log)
	if err != nil {
		return err
	}

	reg, err := registry.New(layout.Reports, log)
	if err != nil {
		return err
	}

	store, err := cache.Open(layout.Cache, cache.Options{
		TTL:           time.Duration(cfg.Cache.TTLSeconds) * time.Second,
		MaxBytes:      cfg.Cache.MaxBytes,
		KindMaxBytes:  kindCaps(cfg),
		SweepInterval: time.Duration(cfg.Cache.SweepIntervalSeconds) * time.Second,
		Logger:        log,
	})
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := engine.NewPool(ctx, cfg.Engine.PoolSize, log)
	if err != nil {
		return err
	}
	defer func() { _ = pool.Close() }()

	metrics, promReg := server.NewMetrics()
	store.OnBuild = func(kind cache.Kind, _ string) {
		metrics.Builds.WithLabelValues(string(kind)).Inc()
	}
	store.OnHit = func(kind cache.Kind, _ string) {
		metrics.CacheHits.WithLabelValues(string(kind)).Inc()
	}

	builder := &plan.Builder{
		DeploymentID: cfg.DeploymentID,
		Consts:       cfg.Consts,
		Registry:     reg,
		ClientCap:    cfg.Limits.ClientValueCap,
		DefaultTTL:   time.Duration(cfg.Cache.TTLSeconds) * time.Second,
	}
	executor := &engine.Executor{
		Pool:   pool,
		Cache:  store,
		Vault:  vault,
		Consts: cfg.Consts,
		Soft:   time.Duration(cfg.Engine.SoftTimeoutSeconds) * time.Second,
		Hard:   time.Duration(cfg.Engine.HardTimeoutSeconds) * time.Second,
		Log:    log,
	}
	dispatcher := &server.Dispatcher{
		Registry: reg,
		Builder:  builder,
		Executor: executor,
		Cache:    store,
		Log:      log,
		Metrics:  metrics,
	}

	srv := server.New(server.Options{
		Config:     cfg,
		Layout:     layout,
		Dispatcher: dispatcher,
		Cache:      store,
		Registry:   reg,
		Metrics:    metrics,
		PromReg:    promReg,
		Logger:     log,
	})
	return srv.Serve(ctx)
}

// applyServeFlags lets explicit CLI flags override config.toml.
func applyServeFlags(cfg *config.Config, cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("workers") {
		cfg.Engine.PoolSize, _ = flags.GetInt("workers")
	}
	if flags.Changed("dev") {
		cfg.Server.Dev, _ = flags.GetBool("dev")
	}
}

func kindCaps(cfg *config.Config) map[cache.Kind]int64 {
	out := make(map[cache.Kind]int64, len(cfg.Cache.KindMaxBytes))
	for k, v := range cfg.Cache.KindMaxBytes {
		out[cache.Kind(k)] = v
	}
	return out
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}
