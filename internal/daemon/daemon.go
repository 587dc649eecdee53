package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskforge-net/taskforge/internal/api"
	"github.com/taskforge-net/taskforge/internal/domain"
	"github.com/taskforge-net/taskforge/internal/engine"
	"github.com/taskforge-net/taskforge/internal/health"
	_ "github.com/taskforge-net/taskforge/internal/infra/metrics" // Register Prometheus metrics
	"github.com/taskforge-net/taskforge/internal/infra/sqlite"
	"github.com/taskforge-net/taskforge/internal/payment"
	"github.com/taskforge-net/taskforge/internal/recurring"
	"github.com/taskforge-net/taskforge/internal/registry"
	"github.com/taskforge-net/taskforge/internal/sandbox"
	"github.com/taskforge-net/taskforge/internal/scheduler"
	"github.com/taskforge-net/taskforge/internal/verifier"
)

// Daemon is the taskforge runtime. It wires together all services.
type Daemon struct {
	Config    Config
	Log       zerolog.Logger
	DB        *sqlite.DB
	Registry  domain.CapabilityRegistry
	Executor  domain.Executor
	Scheduler *scheduler.Scheduler
	Verifier  *verifier.Verifier
	Settler   *payment.Settler
	Engine    *engine.Engine
	Recurring *recurring.Runner
	Server    *api.Server
	Health    *health.Checker

	cancel context.CancelFunc
}

// New creates and initializes a Daemon with all services wired.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config) (*Daemon, error) {
	log := newLogger(cfg.Logging)

	dataDir := cfg.Node.DataDir
	if dataDir == "" {
		dataDir = taskforgeHome()
	}
	db, err := sqlite.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	reg := buildRegistry(cfg, log)

	var collaborator domain.PaymentCollaborator
	if cfg.Payment.URL != "" {
		collaborator = payment.NewClient(cfg.Payment.URL)
	} else {
		log.Warn().Msg("no payment service configured, settlements accepted locally")
		collaborator = payment.Noop{}
	}
	settler := payment.NewSettler(db, collaborator, log)

	sandboxCfg := sandbox.DefaultConfig()
	sandboxCfg.Runtime = cfg.Sandbox.Runtime
	sandboxCfg.WorkDir = cfg.Sandbox.WorkDir
	sandboxCfg.NodeID = cfg.Node.ID
	sandboxCfg.DefaultTimeout = parseDuration(cfg.Sandbox.DefaultTimeout, sandboxCfg.DefaultTimeout)
	executor, err := sandbox.Select(sandboxCfg, log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("select sandbox: %w", err)
	}
	if err := executor.Probe(context.Background()); err != nil {
		log.Warn().Err(err).Str("runtime", executor.Name()).
			Msg("sandbox self-check failed, executions may not work")
	}

	schedCfg := scheduler.DefaultConfig()
	if cfg.Scheduler.MaxAttempts > 0 {
		schedCfg.MaxAttempts = cfg.Scheduler.MaxAttempts
	}
	schedCfg.AssignmentGrace = parseDuration(cfg.Scheduler.AssignmentGrace, schedCfg.AssignmentGrace)
	schedCfg.RetryBaseDelay = parseDuration(cfg.Scheduler.RetryBaseDelay, schedCfg.RetryBaseDelay)
	schedCfg.RetryMaxDelay = parseDuration(cfg.Scheduler.RetryMaxDelay, schedCfg.RetryMaxDelay)
	schedCfg.ExcludeFailedNodes = cfg.Scheduler.ExcludeFailedNodes
	if cfg.Scheduler.WeightLoad+cfg.Scheduler.WeightReputation+cfg.Scheduler.WeightAffinity > 0 {
		schedCfg.Weights = scheduler.ScoreWeights{
			Load:       cfg.Scheduler.WeightLoad,
			Reputation: cfg.Scheduler.WeightReputation,
			Affinity:   cfg.Scheduler.WeightAffinity,
		}
	}
	sched := scheduler.New(schedCfg, reg, log)

	v := verifier.New(log)

	engCfg := engine.DefaultConfig()
	engCfg.TickInterval = parseDuration(cfg.Engine.Tick, engCfg.TickInterval)
	engCfg.DrainGrace = parseDuration(cfg.Engine.DrainGrace, engCfg.DrainGrace)
	if cfg.Engine.MaxConcurrent > 0 {
		engCfg.MaxConcurrent = cfg.Engine.MaxConcurrent
	}
	if cfg.Engine.MaxCPUCores > 0 {
		engCfg.MaxCPUCores = cfg.Engine.MaxCPUCores
	}
	if cfg.Engine.MaxMemoryMB > 0 {
		engCfg.MaxMemoryMB = cfg.Engine.MaxMemoryMB
	}
	if cfg.Engine.MaxTimeoutSeconds > 0 {
		engCfg.MaxTimeoutSeconds = cfg.Engine.MaxTimeoutSeconds
	}
	eng := engine.New(engCfg, db, sched, executor, v, settler, log)

	rec := recurring.NewRunner(db, eng, log)

	srv := api.NewServer(eng)
	srv.SetRecurring(rec)
	if cfg.Telemetry.Prometheus {
		srv.EnableMetrics()
	}

	d := &Daemon{
		Config:    cfg,
		Log:       log,
		DB:        db,
		Registry:  reg,
		Executor:  executor,
		Scheduler: sched,
		Verifier:  v,
		Settler:   settler,
		Engine:    eng,
		Recurring: rec,
		Server:    srv,
		Health:    health.NewChecker(db, reg, executor, cfg.Sandbox.WorkDir),
	}
	srv.SetHealth(d)
	return d, nil
}

// buildRegistry returns the remote client when a URL is configured,
// otherwise a static registry (defaulting to this machine).
func buildRegistry(cfg Config, log zerolog.Logger) domain.CapabilityRegistry {
	if cfg.Registry.URL != "" {
		ttl := parseDuration(cfg.Registry.CacheTTL, 10*time.Second)
		return registry.NewClient(cfg.Registry.URL, ttl, log)
	}

	statics := cfg.Registry.Static
	if len(statics) == 0 {
		statics = []StaticNode{localNodeDefaults(cfg.Node.ID)}
	}
	nodes := make([]domain.NodeCapability, 0, len(statics))
	for _, sn := range statics {
		n := domain.NodeCapability{
			NodeID:            sn.ID,
			CPUCores:          sn.CPUCores,
			MemoryMB:          sn.MemoryMB,
			SupportedServices: sn.Services,
			Reputation:        sn.Reputation,
		}
		for _, tt := range sn.Types {
			n.SupportedTypes = append(n.SupportedTypes, domain.TaskType(tt))
		}
		nodes = append(nodes, n)
	}
	log.Info().Int("nodes", len(nodes)).Msg("using static capability registry")
	return registry.NewStatic(nodes)
}

// Healthy reports daemon liveness for the /health endpoint. It reads
// the periodic checker's latest pass and names the failing check.
func (d *Daemon) Healthy() error {
	return d.Health.Err()
}

// Serve runs the engine, recurring schedules and HTTP API until a
// signal or context cancellation, then shuts everything down in order:
// stop intake, drain executions, stop cron, close the store.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	engineDone := make(chan error, 1)
	go func() { engineDone <- d.Engine.Run(ctx) }()
	go d.Health.Run(ctx)

	if err := d.Recurring.Start(ctx); err != nil {
		cancel()
		<-engineDone
		return fmt.Errorf("start recurring schedules: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			d.Log.Info().Str("signal", sig.String()).Msg("shutting down")
		case <-ctx.Done():
		}
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		_ = httpServer.Shutdown(shutdownCtx)
		d.Recurring.Stop()
		<-engineDone
		_ = d.DB.Close()
	}()

	d.Log.Info().Str("addr", addr).Msg("taskforge serving")
	if d.Config.Telemetry.Prometheus {
		d.Log.Info().Msgf("metrics at http://%s/metrics", addr)
	}

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close shuts down daemon resources outside of Serve.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.Recurring != nil {
		d.Recurring.Stop()
	}
	if d.DB != nil {
		_ = d.DB.Close()
	}
}

// newLogger builds the zerolog root logger.
func newLogger(cfg LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var log zerolog.Logger
	if cfg.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger()
}
