package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	gogithttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/kubeflow/agent-trust/pkg/config"
)

// Scanner lists the agents of one source.
type Scanner interface {
	Name() string
	Scan(ctx context.Context) ([]Candidate, error)
}

// FileScanner reads agent manifests from a local directory.
type FileScanner struct {
	name    string
	root    string
	pattern string
	logger  *slog.Logger
}

// NewFileScanner creates a FileScanner.
func NewFileScanner(name, root, pattern string, logger *slog.Logger) *FileScanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileScanner{name: name, root: root, pattern: pattern, logger: logger}
}

func (s *FileScanner) Name() string { return s.name }

// Scan implements Scanner. Unparseable files are logged and skipped.
func (s *FileScanner) Scan(ctx context.Context) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(s.root); err != nil {
		return nil, fmt.Errorf("file source %s: %w", s.name, err)
	}
	cands, fileErrs, err := readManifests(s.root, s.pattern, s.name)
	if err != nil {
		return nil, err
	}
	for _, e := range fileErrs {
		s.logger.Warn("skipping agent manifest", "source", s.name, "error", e)
	}
	return cands, nil
}

// GitScanner reads agent manifests from a git repository. The first scan
// clones into a temporary directory, later scans pull.
type GitScanner struct {
	name      string
	repoURL   string
	branch    string
	pattern   string
	authToken string
	logger    *slog.Logger

	mu         sync.Mutex
	cloneDir   string
	lastCommit string
}

// NewGitScanner creates a GitScanner. Branch defaults to "main".
func NewGitScanner(name, repoURL, branch, pattern, authToken string, logger *slog.Logger) *GitScanner {
	if branch == "" {
		branch = "main"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GitScanner{name: name, repoURL: repoURL, branch: branch, pattern: pattern, authToken: authToken, logger: logger}
}

func (s *GitScanner) Name() string { return s.name }

// LastCommit returns the HEAD commit of the last successful sync.
func (s *GitScanner) LastCommit() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCommit
}

// Scan implements Scanner.
func (s *GitScanner) Scan(ctx context.Context) ([]Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.sync(ctx); err != nil {
		return nil, err
	}
	cands, fileErrs, err := readManifests(s.cloneDir, s.pattern, s.name)
	if err != nil {
		return nil, err
	}
	for _, e := range fileErrs {
		s.logger.Warn("skipping agent manifest", "source", s.name, "commit", s.lastCommit, "error", e)
	}
	for i := range cands {
		if cands[i].Metadata == nil {
			cands[i].Metadata = map[string]any{}
		}
		cands[i].Metadata["commit"] = s.lastCommit
	}
	return cands, nil
}

func (s *GitScanner) auth() *gogithttp.BasicAuth {
	if s.authToken == "" {
		return nil
	}
	return &gogithttp.BasicAuth{Username: "git", Password: s.authToken}
}

func (s *GitScanner) sync(ctx context.Context) error {
	var repo *gogit.Repository
	if s.cloneDir == "" {
		dir, err := os.MkdirTemp("", "agent-discovery-*")
		if err != nil {
			return fmt.Errorf("create clone dir: %w", err)
		}
		opts := &gogit.CloneOptions{
			URL:           s.repoURL,
			ReferenceName: plumbing.NewBranchReferenceName(s.branch),
			SingleBranch:  true,
		}
		if a := s.auth(); a != nil {
			opts.Auth = a
		}
		s.logger.Info("cloning agent manifests", "source", s.name, "repo", s.repoURL, "branch", s.branch)
		repo, err = gogit.PlainCloneContext(ctx, dir, false, opts)
		if err != nil {
			_ = os.RemoveAll(dir)
			return fmt.Errorf("git clone %s: %w", s.repoURL, err)
		}
		s.cloneDir = dir
	} else {
		var err error
		repo, err = gogit.PlainOpen(s.cloneDir)
		if err != nil {
			return fmt.Errorf("open clone: %w", err)
		}
		w, err := repo.Worktree()
		if err != nil {
			return fmt.Errorf("worktree: %w", err)
		}
		opts := &gogit.PullOptions{
			RemoteName:    "origin",
			ReferenceName: plumbing.NewBranchReferenceName(s.branch),
			SingleBranch:  true,
		}
		if a := s.auth(); a != nil {
			opts.Auth = a
		}
		if err := w.PullContext(ctx, opts); err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
			return fmt.Errorf("git pull %s: %w", s.repoURL, err)
		}
	}
	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("resolve HEAD: %w", err)
	}
	s.lastCommit = head.Hash().String()
	return nil
}

// Close removes the local clone.
func (s *GitScanner) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cloneDir == "" {
		return nil
	}
	err := os.RemoveAll(s.cloneDir)
	s.cloneDir = ""
	return err
}

// Annotations read from Deployments by the Kubernetes scanner.
const (
	AnnotationAgentID      = "agents.kubeflow.org/id"
	AnnotationName         = "agents.kubeflow.org/name"
	AnnotationVendor       = "agents.kubeflow.org/vendor"
	AnnotationModel        = "agents.kubeflow.org/model"
	AnnotationCapabilities = "agents.kubeflow.org/capabilities"
	LabelAgentType         = "agents.kubeflow.org/type"
	LabelRegion            = "topology.kubernetes.io/region"
)

// KubernetesScanner lists Deployments matching a label selector.
type KubernetesScanner struct {
	name          string
	client        kubernetes.Interface
	namespace     string
	labelSelector string
}

// NewKubernetesScanner creates a KubernetesScanner. An empty namespace
// scans all namespaces.
func NewKubernetesScanner(name string, client kubernetes.Interface, namespace, labelSelector string) *KubernetesScanner {
	return &KubernetesScanner{name: name, client: client, namespace: namespace, labelSelector: labelSelector}
}

func (s *KubernetesScanner) Name() string { return s.name }

// Scan implements Scanner.
func (s *KubernetesScanner) Scan(ctx context.Context) ([]Candidate, error) {
	list, err := s.client.AppsV1().Deployments(s.namespace).List(ctx, metav1.ListOptions{LabelSelector: s.labelSelector})
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	out := make([]Candidate, 0, len(list.Items))
	for _, d := range list.Items {
		ann := d.Annotations
		id := ann[AnnotationAgentID]
		if id == "" {
			id = d.Namespace + "/" + d.Name
		}
		name := ann[AnnotationName]
		if name == "" {
			name = d.Name
		}
		var caps []string
		for _, c := range strings.Split(ann[AnnotationCapabilities], ",") {
			if c = strings.TrimSpace(c); c != "" {
				caps = append(caps, c)
			}
		}
		replicas := int32(1)
		if d.Spec.Replicas != nil {
			replicas = *d.Spec.Replicas
		}
		out = append(out, Candidate{
			ExternalID:   id,
			Name:         name,
			Type:         d.Labels[LabelAgentType],
			Vendor:       ann[AnnotationVendor],
			Model:        ann[AnnotationModel],
			Region:       d.Labels[LabelRegion],
			Capabilities: caps,
			Metadata: map[string]any{
				"namespace":  d.Namespace,
				"deployment": d.Name,
				"replicas":   strconv.Itoa(int(replicas)),
			},
			Source: s.name,
		})
	}
	return out, nil
}

// NewScanners builds one scanner per configured source. kube may be nil
// when no kubernetes source is configured.
func NewScanners(sources []config.DiscoverySource, kube kubernetes.Interface, logger *slog.Logger) ([]Scanner, error) {
	scanners := make([]Scanner, 0, len(sources))
	for _, src := range sources {
		switch src.Type {
		case "file":
			scanners = append(scanners, NewFileScanner(src.Name, src.Path, src.Pattern, logger))
		case "git":
			scanners = append(scanners, NewGitScanner(src.Name, src.RepoURL, src.Branch, src.Pattern, os.Getenv("TRUST_GIT_TOKEN"), logger))
		case "kubernetes":
			if kube == nil {
				return nil, fmt.Errorf("discovery source %q needs a kubernetes client", src.Name)
			}
			scanners = append(scanners, NewKubernetesScanner(src.Name, kube, src.Namespace, src.LabelSelector))
		default:
			return nil, fmt.Errorf("discovery source %q has unknown type %q", src.Name, src.Type)
		}
	}
	return scanners, nil
}
