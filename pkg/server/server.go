// Package server wires the stores, engines and background cycles of the
// trust service behind one HTTP router.
package server

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/gorm"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/clock"

	"github.com/kubeflow/agent-trust/pkg/audit"
	"github.com/kubeflow/agent-trust/pkg/authz"
	"github.com/kubeflow/agent-trust/pkg/cache"
	"github.com/kubeflow/agent-trust/pkg/config"
	"github.com/kubeflow/agent-trust/pkg/discovery"
	"github.com/kubeflow/agent-trust/pkg/drift"
	"github.com/kubeflow/agent-trust/pkg/events"
	"github.com/kubeflow/agent-trust/pkg/ha"
	"github.com/kubeflow/agent-trust/pkg/healing"
	"github.com/kubeflow/agent-trust/pkg/jobs"
	"github.com/kubeflow/agent-trust/pkg/metrics"
	"github.com/kubeflow/agent-trust/pkg/notify"
	"github.com/kubeflow/agent-trust/pkg/registry"
	"github.com/kubeflow/agent-trust/pkg/scheduler"
	"github.com/kubeflow/agent-trust/pkg/tenancy"
	"github.com/kubeflow/agent-trust/pkg/trust"
)

// Server owns every component of the trust service.
type Server struct {
	router  chi.Router
	db      *gorm.DB
	watcher *config.Watcher
	logger  *slog.Logger
	clock   clock.WithTickerAndDelayedExecution

	kube            kubernetes.Interface
	roleExtractor   authz.RoleExtractor
	authorizer      authz.Authorizer
	cacheManager    *cache.CacheManager
	retentionConfig *audit.RetentionConfig
	jobConfig       *jobs.JobConfig
	migrationLocker ha.MigrationLocker
	leaderElector   *ha.LeaderElector
	kafkaReader     events.MessageReader
	metrics         *metrics.Metrics

	agents    *registry.AgentStore
	workflows *registry.WorkflowStore
	events    *events.EventStore
	telemetry *events.TelemetryStore
	gaps      *drift.GapStore
	snapshots *trust.SnapshotStore
	incidents *healing.Store
	entries   *audit.EntryStore
	jobStore  *jobs.JobStore

	ingestor    *events.Ingestor
	limiter     *events.SourceLimiter
	scanners    []discovery.Scanner
	discovery   *discovery.Service
	analyzer    *drift.Analyzer
	trust       *trust.Engine
	quarantiner *healing.Quarantiner
	healing     *healing.Engine
	trail       *audit.TrailWriter
	ledger      *audit.Ledger
	auditor     *audit.Engine
	purger      *drift.PurgeWorker
	retention   *audit.RetentionWorker
	supervisor  *scheduler.Supervisor
	jobWorker   *jobs.WorkerPool

	startedAt       time.Time
	initialLoadDone bool
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	mu              sync.RWMutex
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithRoleExtractor overrides the role extractor chosen from the auth mode.
func WithRoleExtractor(extractor authz.RoleExtractor) ServerOption {
	return func(s *Server) {
		s.roleExtractor = extractor
	}
}

// WithAuthorizer overrides the authorizer chosen from the auth mode.
func WithAuthorizer(a authz.Authorizer) ServerOption {
	return func(s *Server) {
		s.authorizer = a
	}
}

// WithCacheConfig sets up the report and KPI caches. A nil or disabled
// config serves every request uncached.
func WithCacheConfig(cfg *cache.CacheConfig) ServerOption {
	return func(s *Server) {
		s.cacheManager = cache.NewCacheManager(cfg, s.clock)
	}
}

// WithRetentionConfig controls the audit mirror retention and the capture
// of operator actions.
func WithRetentionConfig(cfg *audit.RetentionConfig) ServerOption {
	return func(s *Server) {
		s.retentionConfig = cfg
	}
}

// WithJobConfig sets the run request queue configuration.
func WithJobConfig(cfg *jobs.JobConfig) ServerOption {
	return func(s *Server) {
		s.jobConfig = cfg
	}
}

// WithMigrationLocker serializes migrations across replicas.
func WithMigrationLocker(locker ha.MigrationLocker) ServerOption {
	return func(s *Server) {
		s.migrationLocker = locker
	}
}

// WithLeaderElector gates the scheduler and job workers on holding the
// lease. Without one this replica always leads.
func WithLeaderElector(le *ha.LeaderElector) ServerOption {
	return func(s *Server) {
		s.leaderElector = le
	}
}

// WithKubeClient enables the Kubernetes scanner and remediator.
func WithKubeClient(client kubernetes.Interface) ServerOption {
	return func(s *Server) {
		s.kube = client
	}
}

// WithClock replaces the real clock. Options that read the clock must come
// after it.
func WithClock(clk clock.WithTickerAndDelayedExecution) ServerOption {
	return func(s *Server) {
		s.clock = clk
	}
}

// WithKafkaReader replaces the reader built from the kafka configuration.
func WithKafkaReader(reader events.MessageReader) ServerOption {
	return func(s *Server) {
		s.kafkaReader = reader
	}
}

// WithMetrics shares a collector set with the caller.
func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// New creates a server reading its configuration from watcher.
func New(watcher *config.Watcher, db *gorm.DB, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		db:              db,
		watcher:         watcher,
		logger:          logger,
		clock:           clock.RealClock{},
		retentionConfig: audit.DefaultRetentionConfig(),
		jobConfig:       jobs.DefaultJobConfig(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	s.startedAt = s.clock.Now()
	return s
}

func (s *Server) syncConfig() config.SyncConfig       { return s.watcher.Current().Sync }
func (s *Server) trustConfig() config.TrustConfig     { return s.watcher.Current().Trust }
func (s *Server) healingConfig() config.HealingConfig { return s.watcher.Current().Healing }
func (s *Server) fullConfig() config.Config           { return *s.watcher.Current() }

func (s *Server) webhookSettings() events.WebhookSettings {
	cfg := s.watcher.Current().Webhook
	return events.WebhookSettings{Secret: cfg.Secret, MaxBodyBytes: cfg.MaxBodyBytes}
}

// Init migrates the schema and builds every component.
func (s *Server) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return errors.New("server requires a database")
	}
	cfg := s.watcher.Current()

	if s.authorizer == nil {
		a, err := authz.NewAuthorizer(cfg.Auth.Mode, cfg.Auth.OperatorGroups)
		if err != nil {
			return err
		}
		s.authorizer = a
	}
	if s.roleExtractor == nil && cfg.Auth.Mode == "jwt" {
		extractor, err := authz.NewJWTRoleExtractor(authz.JWTConfig{
			RoleClaim:         cfg.Auth.RoleClaim,
			OperatorRoleValue: cfg.Auth.OperatorRoleValue,
			PublicKeyPath:     cfg.Auth.PublicKeyPath,
			Issuer:            cfg.Auth.Issuer,
			Audience:          cfg.Auth.Audience,
			Logger:            s.logger,
		})
		if err != nil {
			return fmt.Errorf("configure jwt auth: %w", err)
		}
		s.roleExtractor = extractor
	}

	s.agents = registry.NewAgentStore(s.db)
	s.workflows = registry.NewWorkflowStore(s.db)
	s.events = events.NewEventStore(s.db)
	s.telemetry = events.NewTelemetryStore(s.db)
	s.gaps = drift.NewGapStore(s.db)
	s.snapshots = trust.NewSnapshotStore(s.db)
	s.incidents = healing.NewStore(s.db)
	s.entries = audit.NewEntryStore(s.db)
	if s.jobConfig != nil && s.jobConfig.Enabled {
		s.jobStore = jobs.NewJobStore(s.db, s.clock)
	}

	migrateFn := func() error {
		migrators := []interface{ AutoMigrate() error }{
			s.agents, s.events, s.gaps, s.snapshots, s.incidents, s.entries,
		}
		if s.jobStore != nil {
			migrators = append(migrators, s.jobStore)
		}
		for _, m := range migrators {
			if err := m.AutoMigrate(); err != nil {
				return err
			}
		}
		return nil
	}
	locker := s.migrationLocker
	if locker == nil {
		locker = ha.NewMigrationLocker(nil, nil)
	}
	s.logger.Info("running migrations")
	if err := locker.WithLock(ctx, migrateFn); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	s.ingestor = events.NewIngestor(s.events, s.telemetry, s.agents, s.workflows, s.clock, s.logger.With("component", "ingest"))
	s.ingestor.SetObserver(s.metrics)
	s.limiter = events.NewSourceLimiter(cfg.Webhook.RatePerSecond, cfg.Webhook.Burst)
	if cfg.Webhook.Secret == "" {
		s.logger.Warn("webhook secret not set, event signatures are not verified")
	}

	scanners, err := discovery.NewScanners(cfg.Discovery.Sources, s.kube, s.logger)
	if err != nil {
		return fmt.Errorf("configure discovery: %w", err)
	}
	s.scanners = scanners
	s.discovery = discovery.NewService(s.agents, scanners, cfg.Discovery.Tenant, cfg.Discovery.Workers,
		s.clock, s.logger.With("component", "discovery"))

	s.analyzer = drift.NewAnalyzer(s.events, s.workflows, s.gaps, s.syncConfig, s.clock, s.logger.With("component", "sync"))
	s.purger = drift.NewPurgeWorker(s.gaps, s.syncConfig, cfg.Scheduler.MaintenanceInterval, s.clock, s.logger)

	s.trust = trust.NewEngine(s.agents, s.workflows, s.telemetry, s.incidents, s.analyzer, s.snapshots,
		s.trustConfig, s.clock, s.logger.With("component", "trust"))
	if err := s.trust.Load(ctx); err != nil {
		s.logger.Warn("could not seed kpis from the last snapshot", "error", err)
	}

	notifier := notify.New(cfg.Notify, s.logger)

	s.quarantiner = healing.NewQuarantiner(s.agents, s.incidents, s.clock, s.logger.With("component", "quarantine"))
	if err := s.quarantiner.Restore(ctx); err != nil {
		return fmt.Errorf("restore quarantines: %w", err)
	}
	var remediator healing.Remediator
	if s.kube != nil {
		remediator = healing.NewKubernetesRemediator(s.kube, &healing.LogRemediator{Logger: s.logger}, s.clock, s.logger)
	}
	s.healing = healing.NewEngine(s.agents, s.telemetry, s.incidents, s.quarantiner, remediator, notifier,
		s.healingConfig, s.clock, s.logger.With("component", "healing"))

	key := []byte(cfg.Audit.SigningKey)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return fmt.Errorf("generate audit signing key: %w", err)
		}
		s.logger.Warn("no audit signing key configured, trail signatures will not verify after a restart")
	}
	s.trail = audit.NewTrailWriter(cfg.Audit.TrailPath, key)
	s.ledger = audit.NewLedger(s.trail, s.entries, s.clock, s.logger)
	s.auditor = audit.NewEngine(s.agents, s.trust, s.analyzer, s.incidents, s.ledger, notifier,
		s.fullConfig, s.clock, s.logger.With("component", "audit"))
	s.auditor.OnReport(func(sum *audit.Summary) {
		s.cacheManager.InvalidateReports()
		s.metrics.ObserveAudit(sum)
	})
	retentionDays := 0
	if s.retentionConfig != nil {
		retentionDays = s.retentionConfig.RetentionDays
	}
	s.retention = audit.NewRetentionWorker(s.entries, retentionDays, s.clock, s.logger)

	s.supervisor = scheduler.New(s.clock, s.metrics, s.logger.With("component", "scheduler"))
	if err := s.registerCycles(); err != nil {
		return err
	}
	if s.jobStore != nil {
		s.jobWorker = jobs.NewWorkerPool(s.jobStore, s.supervisor, s.jobConfig, s.clock, s.logger.With("component", "jobs"))
	}

	if s.kafkaReader == nil && len(cfg.Kafka.Brokers) > 0 {
		s.kafkaReader = events.NewKafkaReader(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID)
	}

	s.watcher.OnChange(func(next *config.Config) {
		s.cacheManager.InvalidateKPIs()
		s.logger.Info("configuration applied",
			"autoHeal", next.Healing.AutoHeal,
			"trustInterval", next.Scheduler.TrustInterval.String())
	})

	s.initialLoadDone = true
	return nil
}

func (s *Server) registerCycles() error {
	cycles := []scheduler.Cycle{
		{
			Name:       scheduler.CycleDiscovery,
			Interval:   func() time.Duration { return s.watcher.Current().Scheduler.DiscoveryInterval },
			RunOnStart: true,
			Run: func(ctx context.Context) error {
				_, err := s.discovery.ScanAll(ctx)
				return err
			},
		},
		{
			Name:     scheduler.CycleHealing,
			Interval: func() time.Duration { return s.watcher.Current().Scheduler.HealingInterval },
			Run: func(ctx context.Context) error {
				s.metrics.ObserveHealing(s.healing.RunCycle(ctx))
				return nil
			},
		},
		{
			Name:       scheduler.CycleTrust,
			Interval:   func() time.Duration { return s.watcher.Current().Scheduler.TrustInterval },
			RunOnStart: true,
			Run:        s.refreshTrust,
		},
		{
			Name:     scheduler.CycleAudit,
			Interval: func() time.Duration { return s.watcher.Current().Scheduler.AuditInterval },
			Run: func(ctx context.Context) error {
				_, err := s.auditor.PerformAudit(ctx)
				return err
			},
		},
		{
			Name:     scheduler.CycleMaintenance,
			Interval: func() time.Duration { return s.watcher.Current().Scheduler.MaintenanceInterval },
			Run: func(ctx context.Context) error {
				s.purger.PurgeOnce(ctx)
				s.retention.Cleanup(ctx)
				return nil
			},
		},
	}
	for _, c := range cycles {
		if err := s.supervisor.Register(c); err != nil {
			return fmt.Errorf("register %s cycle: %w", c.Name, err)
		}
	}
	return nil
}

func (s *Server) refreshTrust(ctx context.Context) error {
	kpis, err := s.trust.Refresh(ctx)
	if err != nil {
		return err
	}
	s.metrics.SetKPIs(*kpis)
	s.cacheManager.InvalidateKPIs()
	return nil
}

// MountRoutes creates the HTTP router with every API mounted.
func (s *Server) MountRoutes() chi.Router {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg := s.watcher.Current()
	s.router = chi.NewRouter()

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg.Server.AllowedOrigins),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", tenancy.NamespaceHeader,
			events.HeaderSignature, events.HeaderIdempotencyKey, events.HeaderCorrelationID},
		ExposedHeaders:   []string{"X-Cache"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Probes and scrapes never carry a tenant.
	s.router.Get("/healthz", s.healthHandler)
	s.router.Get("/livez", s.healthHandler)
	s.router.Get("/readyz", s.readyHandler)
	s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	s.router.Group(func(r chi.Router) {
		r.Use(tenancy.NewMiddleware(tenancy.TenancyMode(cfg.Server.TenancyMode), cfg.Webhook.DefaultEnvironment))
		r.Use(authz.IdentityMiddleware(s.roleExtractor))
		r.Use(audit.OperatorActionMiddleware(s.ledger, s.retentionConfig, s.logger))

		r.Mount("/webhooks", events.WebhookRouter(s.ingestor, s.limiter, s.webhookSettings))
		r.Mount("/api/events/v1alpha1", events.Router(s.events, s.authorizer))
		r.Mount("/api/agents/v1alpha1", registry.Router(s.agents, s.trust, s.authorizer))
		r.Mount("/api/discovery/v1alpha1", discovery.Router(s.discovery, s.authorizer))
		r.Mount("/api/sync/v1alpha1", drift.Router(s.gaps, s.analyzer, s.authorizer))

		var queue trust.RefreshQueue
		if s.jobStore != nil {
			queue = s.jobStore
		}
		kpis := s.cacheManager.KPIMiddleware()
		r.Mount("/trust", kpis(trust.Router(s.trust, s.snapshots, queue, s.authorizer)))
		r.Mount("/api/trust/v1alpha1", kpis(trust.Router(s.trust, s.snapshots, queue, s.authorizer)))

		r.Mount("/api/healing/v1alpha1", healing.Router(s.healing, s.incidents, s.agents, s.quarantiner,
			s.healingConfig, s.authorizer))
		r.Mount("/api/audit/v1alpha1", audit.Router(s.auditor, s.entries, s.trail, s.authorizer,
			s.cacheManager.ReportMiddleware()))

		if s.jobStore != nil {
			r.Mount("/api/jobs/v1alpha1", jobs.Router(s.jobStore, s.authorizer))
		}
		r.With(authz.RequirePermission(s.authorizer, authz.ResourceJobs, authz.VerbList)).
			Get("/api/scheduler/v1alpha1/cycles", s.cyclesHandler)
	})

	return s.router
}

func allowedOrigins(configured []string) []string {
	if len(configured) == 0 {
		return []string{"https://*", "http://*"}
	}
	return configured
}

// Start launches the background work. Cycles and job workers run only
// while this replica leads; the kafka consumer and config watcher run on
// every replica.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.supervisor == nil {
		return errors.New("server not initialized")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.watcher.Start()

	if s.kafkaReader != nil {
		consumer := events.NewKafkaConsumer(s.kafkaReader, s.ingestor, s.watcher.Current().Webhook.Secret,
			s.logger.With("component", "kafka"))
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := consumer.Run(ctx); err != nil {
				s.logger.Error("kafka consumer stopped", "error", err)
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if s.leaderElector == nil {
			s.lead(ctx)
			return
		}
		s.leaderElector.Lead(ctx, s.lead)
	}()

	return nil
}

func (s *Server) lead(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.supervisor.Run(ctx)
	}()
	if s.jobWorker != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.jobWorker.Run(ctx)
		}()
	}
	wg.Wait()
}

// Stop cancels the background work and waits for it until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for background work: %w", ctx.Err())
	}

	if s.quarantiner != nil {
		s.quarantiner.Stop()
	}
	for _, sc := range s.scanners {
		if g, ok := sc.(*discovery.GitScanner); ok {
			if cerr := g.Close(); cerr != nil {
				s.logger.Warn("removing git clone", "source", g.Name(), "error", cerr)
			}
		}
	}
	return err
}

// Router returns the router built by MountRoutes.
func (s *Server) Router() chi.Router {
	return s.router
}

// IsLeader reports whether this replica runs the cycles.
func (s *Server) IsLeader() bool {
	if s.leaderElector == nil {
		return true
	}
	return s.leaderElector.IsLeader()
}

// Supervisor returns the cycle supervisor, nil before Init.
func (s *Server) Supervisor() *scheduler.Supervisor {
	return s.supervisor
}

// Ingestor returns the event ingestor, nil before Init.
func (s *Server) Ingestor() *events.Ingestor {
	return s.ingestor
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": s.clock.Since(s.startedAt).Round(time.Second).String(),
	})
}

// readyHandler reports database connectivity and initialization. Leader
// status is informational.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	initialLoadDone := s.initialLoadDone
	s.mu.RUnlock()

	allReady := true

	dbStatus := map[string]string{"status": "up"}
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err == nil {
			err = sqlDB.PingContext(r.Context())
		}
		if err != nil {
			dbStatus["status"] = "down"
			dbStatus["error"] = err.Error()
			allReady = false
		}
	} else {
		dbStatus["status"] = "not_configured"
		allReady = false
	}

	initialLoadStatus := map[string]string{"status": "complete"}
	if !initialLoadDone {
		initialLoadStatus["status"] = "pending"
		allReady = false
	}

	leaderStatus := map[string]string{"status": "not_configured"}
	if s.leaderElector != nil && s.leaderElector.Enabled() {
		if s.leaderElector.IsLeader() {
			leaderStatus["status"] = "leader"
		} else {
			leaderStatus["status"] = "follower"
		}
	}

	status, code := "ready", http.StatusOK
	if !allReady {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"components": map[string]any{
			"database":        dbStatus,
			"initial_load":    initialLoadStatus,
			"leader_election": leaderStatus,
		},
	})
}

func (s *Server) cyclesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"leader": s.IsLeader(),
		"cycles": s.supervisor.Status(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
