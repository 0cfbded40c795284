package ha

import (
	"context"
	"log/slog"
	"sync"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"
)

// LeaderElector gates the singleton loops of a replica (scheduled cycles,
// job workers, retention) behind a Kubernetes Lease. Without election
// enabled, or without a client, the replica always leads.
type LeaderElector struct {
	config *HAConfig
	client kubernetes.Interface
	logger *slog.Logger

	mu       sync.RWMutex
	isLeader bool
	leader   string
}

// NewLeaderElector creates a new LeaderElector for cfg.Identity.
func NewLeaderElector(cfg *HAConfig, client kubernetes.Interface, logger *slog.Logger) *LeaderElector {
	if cfg == nil {
		cfg = DefaultHAConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaderElector{
		config: cfg,
		client: client,
		logger: logger,
	}
}

// Enabled reports whether Lease election is active.
func (le *LeaderElector) Enabled() bool {
	return le.config.LeaderElectionEnabled && le.client != nil
}

// IsLeader returns true if this instance is the current leader.
func (le *LeaderElector) IsLeader() bool {
	le.mu.RLock()
	defer le.mu.RUnlock()
	return le.isLeader
}

// Leader returns the identity of the last observed leader.
func (le *LeaderElector) Leader() string {
	le.mu.RLock()
	defer le.mu.RUnlock()
	return le.leader
}

// Lead runs fn whenever this replica holds the Lease. The context passed to
// fn is cancelled when leadership is lost; the replica then rejoins the
// election. Lead blocks until ctx is cancelled.
func (le *LeaderElector) Lead(ctx context.Context, fn func(ctx context.Context)) {
	if !le.Enabled() {
		le.setLeader(true, le.config.Identity)
		le.logger.Info("leader election disabled, running as leader", "identity", le.config.Identity)
		fn(ctx)
		le.setLeader(false, "")
		return
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      le.config.LeaseName,
			Namespace: le.config.LeaseNamespace,
		},
		Client: le.client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: le.config.Identity,
		},
	}

	le.logger.Info("starting leader election",
		"identity", le.config.Identity,
		"lease", le.config.LeaseName,
		"namespace", le.config.LeaseNamespace,
		"leaseDuration", le.config.LeaseDuration,
		"renewDeadline", le.config.RenewDeadline,
		"retryPeriod", le.config.RetryPeriod,
	)

	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   le.config.LeaseDuration,
		RenewDeadline:   le.config.RenewDeadline,
		RetryPeriod:     le.config.RetryPeriod,
		ReleaseOnCancel: true,
		Name:            le.config.LeaseName,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(ctx context.Context) {
				le.setLeader(true, le.config.Identity)
				le.logger.Info("elected as leader", "identity", le.config.Identity)
				fn(ctx)
			},
			OnStoppedLeading: func() {
				if le.IsLeader() {
					le.logger.Info("lost leadership", "identity", le.config.Identity)
				}
				le.setLeader(false, le.Leader())
			},
			OnNewLeader: func(identity string) {
				le.mu.Lock()
				le.leader = identity
				le.mu.Unlock()
				if identity != le.config.Identity {
					le.logger.Info("new leader elected", "leader", identity)
				}
			},
		},
	})
	if err != nil {
		// Only reachable with an invalid timing config, which Validate rejects.
		le.logger.Error("leader election misconfigured", "error", err)
		return
	}

	// Run returns when leadership is lost; keep campaigning until shutdown.
	for ctx.Err() == nil {
		elector.Run(ctx)
	}
}

func (le *LeaderElector) setLeader(leading bool, leader string) {
	le.mu.Lock()
	defer le.mu.Unlock()
	le.isLeader = leading
	le.leader = leader
}
