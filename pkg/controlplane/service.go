// Package controlplane wires the steward components into one service.
//
// Every store is constructed here and handed to its consumers explicitly.
// Nothing in the tree reaches for a package-level singleton.
package controlplane

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/steward/pkg/approval"
	"github.com/Mindburn-Labs/steward/pkg/audit"
	"github.com/Mindburn-Labs/steward/pkg/boundary"
	"github.com/Mindburn-Labs/steward/pkg/capabilities"
	"github.com/Mindburn-Labs/steward/pkg/config"
	"github.com/Mindburn-Labs/steward/pkg/contracts"
	"github.com/Mindburn-Labs/steward/pkg/executor"
	"github.com/Mindburn-Labs/steward/pkg/governance"
	"github.com/Mindburn-Labs/steward/pkg/observability"
	"github.com/Mindburn-Labs/steward/pkg/skills"
	"github.com/Mindburn-Labs/steward/pkg/tasks"
	"github.com/Mindburn-Labs/steward/pkg/tiers"
	"github.com/Mindburn-Labs/steward/pkg/usage"
	"github.com/Mindburn-Labs/steward/pkg/webhook"
)

var ErrFeatureUnavailable = errors.New("controlplane: feature not available on this tier")

// Service holds every initialized component.
type Service struct {
	Config    *config.Config
	Telemetry *observability.Provider

	// --- Proposal & approval ---
	Pipeline *skills.Pipeline
	Policies *governance.Engine
	Gates    *approval.Manager

	// --- Execution ---
	Issuer   *capabilities.Issuer
	Replay   capabilities.ReplayStore
	Usage    *usage.Ledger
	Handlers *executor.Registry
	Engine   *executor.Engine

	// --- Perimeter ---
	Egress   *boundary.Enforcer
	Tasks    tasks.Queue
	Webhooks *webhook.Ingestor
	Audit    *audit.Ledger

	tier    tiers.TierID
	flags   atomic.Pointer[config.Flags]
	policy  atomic.Pointer[governance.LivePolicy]
	clock   func() time.Time
	logger  *slog.Logger
	closers []func() error
}

type options struct {
	clock    func() time.Time
	logger   *slog.Logger
	tokenKey []byte
	handlers *executor.Registry
	replay   capabilities.ReplayStore
}

// Option customizes New.
type Option func(*options)

// WithClock sets the time source of every component.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTokenKey sets the capability token signing key. Without it a random
// key is generated, so tokens do not survive a restart.
func WithTokenKey(key []byte) Option {
	return func(o *options) { o.tokenKey = key }
}

// WithHandlers replaces the default local handlers.
func WithHandlers(r *executor.Registry) Option {
	return func(o *options) { o.handlers = r }
}

// WithReplayStore overrides the configured replay backend.
func WithReplayStore(r capabilities.ReplayStore) Option {
	return func(o *options) { o.replay = r }
}

// New builds a Service from cfg. On error every resource opened so far is
// released.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (svc *Service, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("controlplane: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{clock: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	tier := tiers.TierID(cfg.Tier)
	if tiers.Get(tier) == nil {
		return nil, fmt.Errorf("controlplane: unknown tier %q", cfg.Tier)
	}

	s := &Service{Config: cfg, tier: tier, clock: o.clock, logger: o.logger.With("component", "controlplane")}
	defer func() {
		if err != nil {
			_ = s.Close(context.Background())
		}
	}()
	flags := cfg.Flags
	s.flags.Store(&flags)

	// --- 1. Observability ---
	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.TelemetryEnabled
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Insecure = true
	if s.Telemetry, err = observability.New(ctx, obsCfg); err != nil {
		s.logger.Warn("telemetry disabled", "error", err)
		s.Telemetry, err = nil, nil
	}

	// --- 2. Storage ---
	var lite *sql.DB
	if cfg.TokenStore == "sqlite" || cfg.UsageStore == "sqlite" {
		if lite, err = openLite(cfg.DataDir); err != nil {
			return nil, err
		}
		s.closers = append(s.closers, lite.Close)
		s.logger.Info("subsystem ready", "subsystem", "sqlite", "data_dir", cfg.DataDir)
	}

	if s.Replay = o.replay; s.Replay == nil {
		if s.Replay, err = s.openReplay(ctx, lite); err != nil {
			return nil, err
		}
	}
	storage, err := s.openUsage(ctx, lite)
	if err != nil {
		return nil, err
	}
	s.Usage = usage.NewLedger(storage).WithClock(o.clock).WithLogger(o.logger.With("component", "usage"))

	if lite != nil {
		if s.Tasks, err = tasks.NewSQLiteQueue(lite); err != nil {
			return nil, err
		}
	} else {
		s.Tasks = tasks.NewMemoryQueue()
	}

	// --- 3. Governance ---
	s.Policies = governance.NewEngine(governance.NewRegistry())
	if cfg.PolicyTemplates != "" {
		if err = s.loadTemplates(cfg.PolicyTemplates); err != nil {
			return nil, err
		}
	}
	id, version := cfg.TemplateRef()
	live, err := s.Policies.ResolveTemplate(id, version)
	if err != nil {
		return nil, err
	}
	s.policy.Store(live)

	// --- 4. Network boundary ---
	var np *boundary.Policy
	if cfg.NetworkPolicy != "" {
		if np, err = boundary.LoadPolicyFile(cfg.NetworkPolicy); err != nil {
			return nil, err
		}
	}
	if s.Egress, err = boundary.NewEnforcer(np); err != nil {
		return nil, err
	}
	s.Egress.WithLogger(o.logger.With("component", "boundary"))

	// --- 5. Audit, approval, skills ---
	s.Audit = audit.NewLedger(audit.DefaultCapacity).WithClock(o.clock).WithLogger(o.logger.With("component", "audit"))
	s.Gates = approval.NewManager().WithClock(o.clock).WithLogger(o.logger.With("component", "approval"))
	s.Pipeline = skills.New(skills.WithClock(o.clock))

	// --- 6. Execution ---
	key := o.tokenKey
	if key == nil {
		key = make([]byte, 32)
		if _, err = rand.Read(key); err != nil {
			return nil, fmt.Errorf("controlplane: token key: %w", err)
		}
	}
	if s.Issuer, err = capabilities.NewIssuer(key); err != nil {
		return nil, err
	}
	s.Issuer.WithClock(o.clock)
	if s.Handlers = o.handlers; s.Handlers == nil {
		if s.Handlers, err = s.localHandlers(); err != nil {
			return nil, err
		}
	}
	s.Engine = executor.NewEngine(executor.Deps{
		Issuer:    s.Issuer,
		Replay:    s.Replay,
		Gates:     s.Gates,
		Quota:     s.Usage,
		Handlers:  s.Handlers,
		Audit:     s.Audit,
		Telemetry: s.Telemetry,
	}).WithClock(o.clock).WithLogger(o.logger.With("component", "executor"))

	// --- 7. Webhooks ---
	if s.Webhooks, err = webhook.NewIngestor([]byte(cfg.WebhookSecret), s.Replay, s.Tasks); err != nil {
		return nil, err
	}
	s.Webhooks.WithClock(o.clock).
		WithEgress(s.Egress).
		WithAudit(s.Audit).
		WithTelemetry(s.Telemetry).
		WithLogger(o.logger.With("component", "webhook"))
	if cfg.WebhookSecret == "" {
		s.logger.Warn("STEWARD_WEBHOOK_SECRET not set; inbound webhooks will be rejected")
	}

	s.logger.Info("control plane ready",
		"tier", string(tier),
		"policy", live.Source,
		"token_store", cfg.TokenStore,
		"usage_store", cfg.UsageStore,
		"egress_mode", string(s.Egress.State().Mode),
	)
	return s, nil
}

func openLite(dataDir string) (*sql.DB, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("controlplane: create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dataDir, "steward.db"))
	if err != nil {
		return nil, fmt.Errorf("controlplane: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func (s *Service) openReplay(ctx context.Context, lite *sql.DB) (capabilities.ReplayStore, error) {
	switch s.Config.TokenStore {
	case "sqlite":
		return capabilities.NewSQLiteReplayStore(lite)
	case "redis":
		rs := capabilities.NewRedisReplayStore(s.Config.RedisAddr, "", 0)
		s.closers = append(s.closers, rs.Close)
		if err := rs.Ping(ctx); err != nil {
			return nil, fmt.Errorf("controlplane: redis: %w", err)
		}
		s.logger.Info("subsystem ready", "subsystem", "redis", "addr", s.Config.RedisAddr)
		return rs, nil
	default:
		return capabilities.NewMemoryReplayStore(), nil
	}
}

func (s *Service) openUsage(ctx context.Context, lite *sql.DB) (usage.Storage, error) {
	switch s.Config.UsageStore {
	case "sqlite":
		return usage.NewSQLiteStorage(lite)
	case "postgres":
		db, err := sql.Open("postgres", s.Config.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("controlplane: open postgres: %w", err)
		}
		s.closers = append(s.closers, db.Close)
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("controlplane: postgres ping: %w", err)
		}
		ps := usage.NewPostgresStorage(db)
		if err := ps.Migrate(ctx); err != nil {
			return nil, err
		}
		s.logger.Info("subsystem ready", "subsystem", "postgres")
		return ps, nil
	default:
		return usage.NewMemoryStorage(), nil
	}
}

func (s *Service) loadTemplates(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("controlplane: open templates: %w", err)
	}
	defer func() { _ = f.Close() }()
	ts, vs := governance.LoadTemplatesYAML(f)
	if err := contracts.AsError(vs); err != nil {
		return fmt.Errorf("controlplane: %s: %w", path, err)
	}
	for _, t := range ts {
		if err := s.Policies.Registry().Register(t); err != nil {
			return err
		}
	}
	s.logger.Info("policy templates loaded", "count", len(ts))
	return nil
}

// Close flushes telemetry and releases every store in reverse order of
// acquisition.
func (s *Service) Close(ctx context.Context) error {
	errs := []error{s.Telemetry.Shutdown(ctx)}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
