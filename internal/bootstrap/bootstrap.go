package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pipeline-works/contentflow/internal/agent"
	"github.com/pipeline-works/contentflow/internal/api"
	"github.com/pipeline-works/contentflow/internal/approval"
	"github.com/pipeline-works/contentflow/internal/audit"
	"github.com/pipeline-works/contentflow/internal/compensation"
	"github.com/pipeline-works/contentflow/internal/config"
	"github.com/pipeline-works/contentflow/internal/eventbus"
	"github.com/pipeline-works/contentflow/internal/logging"
	"github.com/pipeline-works/contentflow/internal/policy"
	"github.com/pipeline-works/contentflow/internal/registry"
	"github.com/pipeline-works/contentflow/internal/scheduler"
	"github.com/pipeline-works/contentflow/internal/server"
	"github.com/pipeline-works/contentflow/internal/store"
	"github.com/pipeline-works/contentflow/internal/telemetry"
	"github.com/pipeline-works/contentflow/internal/workflow"
)

// Bootstrap builds and owns every component of a contentflow process.
type Bootstrap struct {
	Config    *config.Config
	Logger    logging.Logger
	Telemetry *telemetry.Telemetry

	Store     store.Store
	Registry  *registry.Registry
	Agents    *agent.Registry
	Bus       *eventbus.NATSEventBus
	Audit     *audit.Trail
	Engine    *workflow.Engine
	Scheduler *scheduler.Scheduler
	Gateway   *api.Gateway
	Server    *server.Server

	started []string
}

// New creates a new bootstrap instance
func New() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads configuration from configFile (or the default search path)
// and builds all components.
func (b *Bootstrap) Initialize(ctx context.Context, configFile string) error {
	return b.InitializeWithViper(ctx, viper.New(), configFile)
}

// InitializeWithViper is Initialize with a caller-supplied viper instance, so
// flags bound to it override file and environment values.
func (b *Bootstrap) InitializeWithViper(ctx context.Context, v *viper.Viper, configFile string) error {
	cfg, err := config.LoadWithViper(v, configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	return b.InitializeWithConfig(ctx, cfg)
}

// InitializeWithConfig builds all components from an already loaded config.
func (b *Bootstrap) InitializeWithConfig(ctx context.Context, cfg *config.Config) error {
	b.Config = cfg

	logger, err := b.initLogging(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	b.Logger = logger

	logger.Info(ctx, "Configuration loaded",
		zap.String("store_backend", cfg.Store.Backend),
		zap.String("approval_policy", cfg.Approval.Policy),
		zap.String("log_level", cfg.Logging.Level))

	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	b.Telemetry = tel

	if err := b.initPipeline(ctx); err != nil {
		_ = b.closeResources()
		return err
	}
	return nil
}

func (b *Bootstrap) initPipeline(ctx context.Context) error {
	cfg := b.Config
	zl := b.Logger.Zap()

	reg, err := registry.FromPipelineConfig(cfg.Pipeline)
	if err != nil {
		return fmt.Errorf("failed to build step registry: %w", err)
	}
	b.Registry = reg

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	b.Store = st

	engine, err := b.initPolicyEngine(ctx, cfg.Approval)
	if err != nil {
		return err
	}
	policies := approval.NewPolicies(cfg.Approval.Policy, engine)

	bus, err := eventbus.NewFromConfig(cfg.EventBus, zl)
	if err != nil {
		return fmt.Errorf("failed to connect event bus: %w", err)
	}
	b.Bus = bus

	trail, err := audit.New(cfg.Audit)
	if err != nil {
		return fmt.Errorf("failed to open audit trail: %w", err)
	}
	b.Audit = trail

	// Both constructors return typed nils when disabled.
	var sinks []eventbus.Publisher
	if bus != nil {
		sinks = append(sinks, bus)
	}
	if trail != nil {
		sinks = append(sinks, trail)
	}
	publisher := eventbus.Combine(sinks...)

	agents, err := agent.FromConfig(cfg.Agents, requiredAgents(reg), b.Telemetry, zl)
	if err != nil {
		return fmt.Errorf("failed to configure agents: %w", err)
	}
	b.Agents = agents

	gateOpts := []approval.Option{
		approval.WithLogger(b.Logger.Named("approval")),
		approval.WithMetrics(b.Telemetry.Pipeline()),
	}
	if publisher != nil {
		gateOpts = append(gateOpts, approval.WithPublisher(publisher))
	}
	gate := approval.NewGate(st, cfg.Approval.ReviewWindow, cfg.Approval.PollInterval, gateOpts...)

	comp := compensation.NewHandler(b.Logger.Named("compensation"), b.Telemetry.Pipeline())
	compensation.RegisterDefaults(comp, agents)

	wf, err := workflow.NewEngine(workflow.Deps{
		Store:        st,
		Registry:     reg,
		Agents:       agents,
		Gate:         gate,
		Policies:     policies,
		Compensation: comp,
		Publisher:    publisher,
		Telemetry:    b.Telemetry,
		Logger:       b.Logger.Named("workflow"),
		Config:       cfg.Engine,
		ReviewLimit:  cfg.Approval.ReviewLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to create workflow engine: %w", err)
	}
	b.Engine = wf

	gwOpts := []api.Option{
		api.WithRateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst),
		api.WithLogger(b.Logger.Named("api")),
	}
	if cfg.Scheduler.Enabled {
		sched := scheduler.New(wf,
			scheduler.WithLogger(b.Logger.Named("scheduler")),
			scheduler.WithMetrics(b.Telemetry.Pipeline()))
		if err := sched.ScheduleAll(cfg.Scheduler.Schedules); err != nil {
			return fmt.Errorf("failed to register schedules: %w", err)
		}
		b.Scheduler = sched
		gwOpts = append(gwOpts, api.WithSchedules(sched))
	}

	b.Gateway = api.NewGateway(wf, gwOpts...)
	b.Server = server.New(cfg.Server, b.Gateway, wf.Ready, zl.Named("server"))
	return nil
}

// initPolicyEngine returns nil when no Rego file is configured.
func (b *Bootstrap) initPolicyEngine(ctx context.Context, cfg config.ApprovalConfig) (policy.Engine, error) {
	if cfg.RegoFile == "" {
		return nil, nil
	}
	p, err := policy.LoadFile(cfg.RegoFile)
	if err != nil {
		return nil, err
	}
	engine := policy.NewOPAEngine(nil)
	if err := engine.CreatePolicy(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to load approval policy %s: %w", cfg.RegoFile, err)
	}
	b.Logger.Info(ctx, "Loaded approval policy", zap.String("policy", p.ID), zap.String("file", cfg.RegoFile))
	return engine, nil
}

// requiredAgents lists the agents named by the pipeline's steps, plus the
// publisher whose delete_draft compensation may be invoked.
func requiredAgents(reg *registry.Registry) []string {
	seen := map[string]bool{}
	var names []string
	for _, s := range reg.Steps() {
		if s.Agent != "" && !seen[s.Agent] {
			seen[s.Agent] = true
			names = append(names, s.Agent)
		}
	}
	if !seen[agent.NamePublisher] {
		names = append(names, agent.NamePublisher)
	}
	return names
}

// Start starts components in dependency order. With serve false the HTTP and
// gRPC listeners and the scheduler stay down, which is what a one-shot run
// needs.
func (b *Bootstrap) Start(ctx context.Context, serve bool) error {
	if b.Logger == nil || b.Engine == nil {
		return fmt.Errorf("bootstrap not initialized")
	}

	b.Logger.Info(ctx, "Starting contentflow components")

	if err := b.Telemetry.Start(ctx); err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}
	b.started = append(b.started, "telemetry")

	if err := b.Engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start workflow engine: %w", err)
	}
	b.started = append(b.started, "engine")

	if !serve {
		return nil
	}

	if b.Scheduler != nil {
		b.Scheduler.Start()
		b.started = append(b.started, "scheduler")
	}

	if err := b.Server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	b.started = append(b.started, "server")

	b.Logger.Info(ctx, "All components started", zap.String("http_addr", b.Server.HTTPAddr()))
	return nil
}

// Stop stops started components in reverse order and releases the store and
// event bus. It returns the joined errors of every step.
func (b *Bootstrap) Stop(ctx context.Context) error {
	if b.Logger == nil {
		return nil
	}

	b.Logger.Info(ctx, "Stopping contentflow components")

	var errs []error
	for i := len(b.started) - 1; i >= 0; i-- {
		name := b.started[i]
		var err error
		switch name {
		case "server":
			err = b.Server.Stop(ctx)
		case "scheduler":
			err = b.Scheduler.Stop(ctx)
		case "engine":
			err = b.Engine.Stop(ctx)
		case "telemetry":
			err = b.Telemetry.Stop(ctx)
		}
		if err != nil {
			b.Logger.Error(ctx, "Failed to stop component", zap.String("component", name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	b.started = nil

	if err := b.closeResources(); err != nil {
		errs = append(errs, err)
	}

	// Sync fails on stdout/stderr on some platforms.
	_ = b.Logger.Sync()

	return errors.Join(errs...)
}

func (b *Bootstrap) closeResources() error {
	var errs []error
	if b.Bus != nil {
		if err := b.Bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event bus: %w", err))
		}
		b.Bus = nil
	}
	if b.Audit != nil {
		if err := b.Audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("audit trail: %w", err))
		}
		b.Audit = nil
	}
	if b.Store != nil {
		if err := b.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
		b.Store = nil
	}
	return errors.Join(errs...)
}

func (b *Bootstrap) initLogging(cfg config.LoggingConfig) (logging.Logger, error) {
	logger, err := logging.NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	logging.SetGlobal(logger)
	return logger, nil
}
