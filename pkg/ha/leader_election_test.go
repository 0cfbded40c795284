package ha

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"k8s.io/client-go/kubernetes/fake"
)

func testElectionConfig(identity string) *HAConfig {
	return &HAConfig{
		LeaderElectionEnabled: true,
		LeaseName:             "trustd-leader",
		LeaseNamespace:        "agent-trust",
		LeaseDuration:         time.Second,
		RenewDeadline:         500 * time.Millisecond,
		RetryPeriod:           100 * time.Millisecond,
		Identity:              identity,
	}
}

func TestLeaderElector_IsLeaderDefault(t *testing.T) {
	le := NewLeaderElector(testElectionConfig("trustd-0"), fake.NewSimpleClientset(), nil)

	if le.IsLeader() {
		t.Error("IsLeader should return false initially")
	}
	if !le.Enabled() {
		t.Error("election with a client should be enabled")
	}
}

func TestLeaderElector_DisabledRunsImmediately(t *testing.T) {
	g := NewWithT(t)
	cfg := testElectionConfig("trustd-0")
	cfg.LeaderElectionEnabled = false
	le := NewLeaderElector(cfg, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var ran atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		le.Lead(ctx, func(ctx context.Context) {
			ran.Store(true)
			<-ctx.Done()
		})
	}()

	g.Eventually(ran.Load).Should(BeTrue())
	g.Expect(le.IsLeader()).To(BeTrue())
	g.Expect(le.Leader()).To(Equal("trustd-0"))

	cancel()
	g.Eventually(done).Should(BeClosed())
	g.Expect(le.IsLeader()).To(BeFalse())
}

func TestLeaderElector_NoClientRunsAsLeader(t *testing.T) {
	le := NewLeaderElector(testElectionConfig("trustd-0"), nil, nil)
	if le.Enabled() {
		t.Error("election without a client should be disabled")
	}
}

func TestLeaderElector_SingleLeaderAcrossReplicas(t *testing.T) {
	g := NewWithT(t)
	client := fake.NewSimpleClientset()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var leading atomic.Int32
	var maxLeading atomic.Int32
	electors := []*LeaderElector{
		NewLeaderElector(testElectionConfig("trustd-0"), client, nil),
		NewLeaderElector(testElectionConfig("trustd-1"), client, nil),
	}
	done := make(chan struct{}, len(electors))
	for _, le := range electors {
		go func(le *LeaderElector) {
			defer func() { done <- struct{}{} }()
			le.Lead(ctx, func(ctx context.Context) {
				n := leading.Add(1)
				if n > maxLeading.Load() {
					maxLeading.Store(n)
				}
				<-ctx.Done()
				leading.Add(-1)
			})
		}(le)
	}

	g.Eventually(leading.Load, 5*time.Second).Should(Equal(int32(1)))
	g.Consistently(leading.Load, 500*time.Millisecond).Should(Equal(int32(1)))
	g.Expect(maxLeading.Load()).To(Equal(int32(1)))

	var leader, follower *LeaderElector
	for _, le := range electors {
		if le.IsLeader() {
			leader = le
		} else {
			follower = le
		}
	}
	g.Expect(leader).NotTo(BeNil())
	g.Expect(follower).NotTo(BeNil())
	g.Eventually(follower.Leader, 2*time.Second).Should(Equal(leader.config.Identity))

	cancel()
	for range electors {
		g.Eventually(done, 5*time.Second).Should(Receive())
	}
}
