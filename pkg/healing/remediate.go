package healing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/clock"

	"github.com/kubeflow/agent-trust/pkg/registry"
)

// Remediator carries out the actions that touch an agent's runtime.
type Remediator interface {
	Restart(ctx context.Context, agent *registry.Agent) error
	ScaleDown(ctx context.Context, agent *registry.Agent) error
	Investigate(ctx context.Context, agent *registry.Agent, issue Issue) error
}

// LogRemediator records actions without touching any runtime. It is used
// for agents that are not deployed on Kubernetes.
type LogRemediator struct {
	Logger *slog.Logger
}

func (r *LogRemediator) log() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// Restart implements Remediator.
func (r *LogRemediator) Restart(_ context.Context, agent *registry.Agent) error {
	r.log().Info("restart requested", "agentID", agent.ID, "agent", agent.Name)
	return nil
}

// ScaleDown implements Remediator.
func (r *LogRemediator) ScaleDown(_ context.Context, agent *registry.Agent) error {
	r.log().Info("scale down requested", "agentID", agent.ID, "agent", agent.Name)
	return nil
}

// Investigate implements Remediator.
func (r *LogRemediator) Investigate(_ context.Context, agent *registry.Agent, issue Issue) error {
	r.log().Warn("investigation requested", "agentID", agent.ID, "issue", issue.Type, "reason", issue.Reason)
	return nil
}

// Annotations written on remediated Deployments.
const (
	RestartedAtAnnotation  = "kubectl.kubernetes.io/restartedAt"
	InvestigateAnnotation  = "agents.kubeflow.org/investigate"
	RemediatedByAnnotation = "agents.kubeflow.org/remediated-by"
)

// KubernetesRemediator acts on the Deployment an agent was discovered
// from, identified by the "namespace" and "deployment" metadata keys.
// Agents without them are handed to Fallback.
type KubernetesRemediator struct {
	client   kubernetes.Interface
	fallback Remediator
	clock    clock.PassiveClock
	logger   *slog.Logger
}

// NewKubernetesRemediator creates a KubernetesRemediator.
func NewKubernetesRemediator(client kubernetes.Interface, fallback Remediator, clk clock.PassiveClock, logger *slog.Logger) *KubernetesRemediator {
	if logger == nil {
		logger = slog.Default()
	}
	if fallback == nil {
		fallback = &LogRemediator{Logger: logger}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &KubernetesRemediator{client: client, fallback: fallback, clock: clk, logger: logger}
}

func deploymentOf(agent *registry.Agent) (namespace, name string, ok bool) {
	ns, _ := agent.Metadata["namespace"].(string)
	dep, _ := agent.Metadata["deployment"].(string)
	return ns, dep, ns != "" && dep != ""
}

// Restart triggers a rollout restart by stamping the pod template, the
// same way kubectl rollout restart does.
func (r *KubernetesRemediator) Restart(ctx context.Context, agent *registry.Agent) error {
	ns, name, ok := deploymentOf(agent)
	if !ok {
		return r.fallback.Restart(ctx, agent)
	}
	patch := fmt.Sprintf(`{"spec":{"template":{"metadata":{"annotations":{%q:%q}}}}}`,
		RestartedAtAnnotation, r.clock.Now().UTC().Format(time.RFC3339))
	if _, err := r.client.AppsV1().Deployments(ns).Patch(ctx, name, types.StrategicMergePatchType,
		[]byte(patch), metav1.PatchOptions{}); err != nil {
		return fmt.Errorf("restart deployment %s/%s: %w", ns, name, err)
	}
	r.logger.Info("deployment restarted", "agentID", agent.ID, "namespace", ns, "deployment", name)
	return nil
}

// ScaleDown removes one replica, keeping at least one.
func (r *KubernetesRemediator) ScaleDown(ctx context.Context, agent *registry.Agent) error {
	ns, name, ok := deploymentOf(agent)
	if !ok {
		return r.fallback.ScaleDown(ctx, agent)
	}
	deployments := r.client.AppsV1().Deployments(ns)
	dep, err := deployments.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("read deployment %s/%s: %w", ns, name, err)
	}
	replicas := int32(1)
	if dep.Spec.Replicas != nil {
		replicas = *dep.Spec.Replicas
	}
	if replicas <= 1 {
		r.logger.Info("deployment already at minimum scale", "agentID", agent.ID, "namespace", ns, "deployment", name)
		return nil
	}
	replicas--
	dep.Spec.Replicas = &replicas
	if _, err := deployments.Update(ctx, dep, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("scale down %s/%s: %w", ns, name, err)
	}
	r.logger.Info("deployment scaled down", "agentID", agent.ID, "namespace", ns,
		"deployment", name, "replicas", replicas)
	return nil
}

// Investigate annotates the Deployment with the issue so operators find it
// with kubectl, and logs it.
func (r *KubernetesRemediator) Investigate(ctx context.Context, agent *registry.Agent, issue Issue) error {
	ns, name, ok := deploymentOf(agent)
	if !ok {
		return r.fallback.Investigate(ctx, agent, issue)
	}
	patch := fmt.Sprintf(`{"metadata":{"annotations":{%q:%q,%q:"agent-trust"}}}`,
		InvestigateAnnotation, string(issue.Type)+": "+issue.Reason, RemediatedByAnnotation)
	_, err := r.client.AppsV1().Deployments(ns).Patch(ctx, name, types.MergePatchType, []byte(patch), metav1.PatchOptions{})
	if apierrors.IsNotFound(err) {
		return r.fallback.Investigate(ctx, agent, issue)
	}
	if err != nil {
		return fmt.Errorf("annotate deployment %s/%s: %w", ns, name, err)
	}
	return r.fallback.Investigate(ctx, agent, issue)
}
