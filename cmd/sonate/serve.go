package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/sonate/pkg/brain"
	"github.com/Mindburn-Labs/sonate/pkg/config"
	"github.com/Mindburn-Labs/sonate/pkg/crypto"
	"github.com/Mindburn-Labs/sonate/pkg/memory"
	"github.com/Mindburn-Labs/sonate/pkg/notify"
	"github.com/Mindburn-Labs/sonate/pkg/observability"
	"github.com/Mindburn-Labs/sonate/pkg/override"
	"github.com/Mindburn-Labs/sonate/pkg/policy"
	"github.com/Mindburn-Labs/sonate/pkg/receipts"
	"github.com/Mindburn-Labs/sonate/pkg/store"

	_ "github.com/lib/pq" // Postgres Driver
)

// passphraseEnv names the variable holding the signing key passphrase.
const passphraseEnv = "SONATE_KEY_PASSPHRASE"

// stores is the record layer the node runs on.
type stores struct {
	receipts store.ReceiptStore
	alerts   store.AlertStore
	agents   store.AgentStore
	db       *sql.DB
	closers  []func() error
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

// openStores opens the configured database. Postgres holds receipts only;
// alerts and agent records stay in process.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	switch cfg.DatabaseDriver {
	case "memory":
		ms := store.NewMemoryStore()
		logger.InfoContext(ctx, "store ready", "driver", "memory")
		return &stores{receipts: ms, alerts: ms, agents: ms}, nil

	case "sqlite", "":
		ls, err := store.OpenSQLite(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		logger.InfoContext(ctx, "store ready", "driver", "sqlite")
		return &stores{receipts: ls, alerts: ls, agents: ls, closers: []func() error{ls.Close}}, nil

	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		ps := store.NewPostgresReceiptStore(db)
		if err := ps.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate receipts: %w", err)
		}
		ms := store.NewMemoryStore()
		logger.InfoContext(ctx, "store ready", "driver", "postgres")
		return &stores{receipts: ps, alerts: ms, agents: ms, db: db, closers: []func() error{db.Close}}, nil

	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.DatabaseDriver)
	}
}

// openMemory opens the controller memory backend.
func openMemory(ctx context.Context, cfg *config.Config, st *stores) (memory.Store, func() error, error) {
	switch cfg.MemoryBackend {
	case "memory", "":
		return memory.NewInMemoryStore(), nil, nil
	case "sql":
		if st.db == nil {
			return nil, nil, errors.New("memory backend sql requires the postgres driver")
		}
		ms := memory.NewPostgresMemoryStore(st.db)
		if err := ms.Migrate(ctx); err != nil {
			return nil, nil, fmt.Errorf("migrate memory: %w", err)
		}
		return ms, nil, nil
	case "redis":
		rs := memory.NewRedisMemoryStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := rs.Ping(ctx); err != nil {
			return nil, nil, fmt.Errorf("redis memory: %w", err)
		}
		return rs, rs.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown memory backend %q", cfg.MemoryBackend)
	}
}

// openArchive returns the configured receipt archive, or nil when no bucket
// is set.
func openArchive(ctx context.Context, cfg config.ArchiveConfig) (receipts.Archiver, error) {
	if cfg.Bucket == "" {
		return nil, nil
	}
	ac := store.ArchiveConfig{Bucket: cfg.Bucket, Region: cfg.Region, Endpoint: cfg.Endpoint, Prefix: cfg.Prefix}
	switch cfg.Provider {
	case "s3", "":
		return store.NewS3Archive(ctx, ac)
	case "gcs":
		return newGCSArchive(ctx, ac)
	default:
		return nil, fmt.Errorf("unknown archive provider %q", cfg.Provider)
	}
}

// loadSigner unseals the newest key in keyDir with the passphrase from the
// environment. With no keys on disk it falls back to an ephemeral key.
func loadSigner(keyDir string, logger *slog.Logger) (crypto.Signer, error) {
	ring := crypto.NewKeyRing()
	if err := ring.LoadDir(keyDir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	ids := ring.KeyIDs()
	if len(ids) == 0 {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		logger.Warn("no signing keys found, using an ephemeral key", "key_dir", keyDir)
		return crypto.NewEd25519Signer("ephemeral", kp), nil
	}
	pass := os.Getenv(passphraseEnv)
	if pass == "" {
		return nil, fmt.Errorf("%s is required to unseal keys in %s", passphraseEnv, keyDir)
	}
	return crypto.NewRingSigner(ring, ids[len(ids)-1], []byte(pass))
}

// loadPolicies loads the policy directory. A missing directory yields an
// empty set.
func loadPolicies(dir string, logger *slog.Logger) (*policy.Loader, error) {
	parser, err := policy.NewParser()
	if err != nil {
		return nil, err
	}
	loader := policy.NewLoader(dir, parser)
	loader.OnReload(func(p *policy.Policy) {
		logger.Info("policy loaded", "policy_id", p.ID, "version", p.Version, "enabled", p.Enabled)
	})
	if err := loader.LoadAll(); err != nil {
		if _, statErr := os.Stat(dir); errors.Is(statErr, fs.ErrNotExist) {
			logger.Info("policy directory not found, running without policies", "dir", dir)
			return loader, nil
		}
		return nil, err
	}
	return loader, nil
}

// node is a fully wired controller process.
type node struct {
	stores     *stores
	memory     memory.Store
	issuer     *receipts.Issuer
	signer     crypto.Signer
	policies   *policy.Loader
	overrides  *override.Manager
	controller *brain.Controller
	scheduler  *brain.Scheduler
	telemetry  *observability.Provider
	closers    []func() error
}

func newNode(ctx context.Context, cfg *config.Config, logger *slog.Logger) (n *node, err error) {
	n = &node{}
	defer func() {
		if err != nil {
			n.Close(context.Background())
			n = nil
		}
	}()

	if n.stores, err = openStores(ctx, cfg, logger); err != nil {
		return n, err
	}
	mem, closeMem, err := openMemory(ctx, cfg, n.stores)
	if err != nil {
		return n, err
	}
	n.memory = mem
	if closeMem != nil {
		n.closers = append(n.closers, closeMem)
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.TelemetryEnabled
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Insecure = cfg.OTLPInsecure
	obsCfg.ServiceVersion = version
	if n.telemetry, err = observability.New(ctx, obsCfg); err != nil {
		return n, err
	}
	metrics, err := observability.NewBrainMetrics(n.telemetry.Meter())
	if err != nil {
		return n, err
	}

	if n.signer, err = loadSigner(cfg.KeyDir, logger); err != nil {
		return n, fmt.Errorf("signer: %w", err)
	}
	issuerOpts := []receipts.IssuerOption{receipts.WithLogger(logger.With("component", "receipts"))}
	archive, err := openArchive(ctx, cfg.Archive)
	if err != nil {
		return n, fmt.Errorf("archive: %w", err)
	}
	if archive != nil {
		issuerOpts = append(issuerOpts, receipts.WithArchiver(archive))
	}
	n.issuer = receipts.NewIssuer(n.stores.receipts, n.signer, issuerOpts...)

	if n.policies, err = loadPolicies(cfg.PolicyDir, logger); err != nil {
		return n, fmt.Errorf("policies: %w", err)
	}
	n.overrides = override.NewManager(
		override.WithCapacity(cfg.OverrideCapacity),
		override.WithLogger(logger.With("component", "override")),
	)

	execOpts := []brain.ExecutorOption{
		brain.WithExecutorMetrics(metrics),
		brain.WithExecutorLogger(logger.With("component", "brain")),
	}
	if cfg.NATSURL != "" {
		nc, err := notify.Connect(cfg.NATSURL, "sonate")
		if err != nil {
			return n, err
		}
		n.closers = append(n.closers, nc.Drain)
		execOpts = append(execOpts, brain.WithNotifier(notify.New(nc, notify.WithLogger(logger.With("component", "notify")))))
	}
	exec := brain.NewExecutor(n.stores.alerts, n.stores.agents, n.memory, brain.ExecutorConfig{
		AlertsPerMinute: cfg.Brain.AlertsPerMinute,
		AlertBurst:      cfg.Brain.AlertBurst,

		OutcomesRetained: cfg.Brain.OutcomesRetained,
		ThresholdHold:    cfg.Brain.ThresholdHold,
	}, execOpts...)

	sensors := brain.NewStoreSensors(n.stores.receipts, n.stores.alerts, n.stores.agents, 0).
		WithPolicies(n.policies, policy.NewEvaluator(policy.WithLogger(logger.With("component", "policy"))))
	n.controller = brain.NewController(sensors, exec, n.memory, brain.StaticTenants(cfg.Brain.TenantModes),
		brain.WithThresholds(brain.ThresholdsFromConfig(cfg.Brain)),
		brain.WithConcurrency(cfg.Brain.Concurrency),
		brain.WithOverrides(n.overrides),
		brain.WithMetrics(metrics),
		brain.WithTracer(n.telemetry.Tracer()),
		brain.WithLogger(logger.With("component", "brain")),
	)
	n.scheduler = brain.NewScheduler(n.controller,
		brain.WithInterval(cfg.Brain.Interval),
		brain.WithInitialDelay(cfg.Brain.InitialDelay),
		brain.WithSchedulerLogger(logger.With("component", "scheduler")),
	)
	return n, nil
}

// Close stops the scheduler and releases everything newNode opened.
func (n *node) Close(ctx context.Context) {
	if n.scheduler != nil {
		n.scheduler.Stop()
	}
	for i := len(n.closers) - 1; i >= 0; i-- {
		_ = n.closers[i]()
	}
	if n.stores != nil {
		n.stores.Close()
	}
	if n.telemetry != nil {
		_ = n.telemetry.Shutdown(ctx)
	}
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

type cycleSummary struct {
	Duration string         `json:"duration"`
	Tenants  []tenantResult `json:"tenants"`
	Errors   []string       `json:"errors,omitempty"`
}

type tenantResult struct {
	TenantID        string  `json:"tenantId"`
	Mode            string  `json:"mode"`
	Urgency         string  `json:"urgency"`
	AverageTrust    float64 `json:"averageTrust"`
	Planned         int     `json:"planned"`
	Rejected        int     `json:"rejected"`
	Applied         int     `json:"applied"`
	Recommendations int     `json:"recommendations"`
}

func summarize(rep *brain.CycleReport) cycleSummary {
	s := cycleSummary{Duration: rep.Duration.String(), Tenants: []tenantResult{}}
	for _, r := range rep.Reports {
		applied := 0
		for _, o := range r.Outcomes {
			if o.Status == brain.OutcomeApplied {
				applied++
			}
		}
		s.Tenants = append(s.Tenants, tenantResult{
			TenantID:        r.TenantID,
			Mode:            string(r.Mode),
			Urgency:         string(r.Diagnosis.Urgency),
			AverageTrust:    r.Readings.AverageTrust,
			Planned:         len(r.Plan.Actions),
			Rejected:        len(r.Rejected),
			Applied:         applied,
			Recommendations: r.Recommendations,
		})
	}
	for _, e := range rep.Errors {
		s.Errors = append(s.Errors, e.Error())
	}
	return s
}

func runServe(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		healthAddr string
		once       bool
	)
	cmd.StringVar(&healthAddr, "health-addr", ":8081", "Health endpoint listen address")
	cmd.BoolVar(&once, "once", false, "Run a single controller cycle, print it as JSON and exit")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	logger := newLogger(cfg, stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := newNode(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer n.Close(context.Background())

	if once {
		rep, err := n.controller.RunCycle(ctx)
		if err != nil {
			logger.Error("cycle failed", "error", err)
			return 1
		}
		writeJSON(stdout, summarize(rep))
		if len(rep.Errors) > 0 {
			return 1
		}
		return 0
	}

	fmt.Fprintf(stdout, "%sSONATE controller starting...%s\n", ColorBold+ColorBlue, ColorReset)
	fmt.Fprintf(stdout, "Signing key: %s%s%s\n", ColorBold+ColorGreen, n.signer.KeyID(), ColorReset)

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !n.scheduler.Running() {
			http.Error(w, "scheduler stopped", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	healthSrv := &http.Server{Addr: healthAddr, Handler: healthMux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("health server listening", "addr", healthAddr)
		if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server error", "error", err)
		}
	}()

	n.scheduler.Start(ctx)

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)

	for {
		select {
		case <-reload:
			if err := n.policies.LoadAll(); err != nil {
				logger.Warn("policy reload failed, keeping previous set", "error", err)
			}
		case <-ctx.Done():
			fmt.Fprintf(stdout, "\n%sShutting down...%s\n", ColorYellow, ColorReset)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = healthSrv.Shutdown(shutdownCtx)
			return 0
		}
	}
}
