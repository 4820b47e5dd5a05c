package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ppiankov/kubeir/internal/audit"
	"github.com/ppiankov/kubeir/internal/containment"
	"github.com/ppiankov/kubeir/internal/eks"
	"github.com/ppiankov/kubeir/internal/k8s"
	"github.com/ppiankov/kubeir/internal/logging"
	"github.com/ppiankov/kubeir/internal/policy"
	"github.com/ppiankov/kubeir/internal/util"
	"k8s.io/client-go/kubernetes"
)

// session holds the clients shared by one command invocation.
type session struct {
	logger  *slog.Logger
	client  kubernetes.Interface
	cluster *k8s.Cluster
	eks     *eks.Cluster
}

func newLogger() (*slog.Logger, error) {
	logger, err := logging.New(os.Stderr, logging.Config{Level: GetLogLevel(), Format: GetLogFormat()})
	if err != nil {
		return nil, util.Usagef("%v", err)
	}
	slog.SetDefault(logger)
	return logger, nil
}

// connect builds the Kubernetes clients and, with --eks-cluster, the EKS
// descriptor. The metrics client is optional.
func connect(ctx context.Context) (*session, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}

	cfg, err := util.BuildRestConfig(GetKubeconfig())
	if err != nil {
		return nil, err
	}
	client, err := util.BuildKubeClient(cfg)
	if err != nil {
		return nil, err
	}

	s := &session{logger: logger, client: client}
	opts := []k8s.ClusterOption{k8s.WithLogger(logger)}

	if mc, err := util.BuildMetricsClient(cfg); err != nil {
		logger.Debug("metrics client unavailable", logging.Err(err))
	} else {
		opts = append(opts, k8s.WithMetricsClient(mc))
	}

	if name, region := GetEKSCluster(); name != "" {
		s.eks, err = eks.New(ctx, name, region, logger)
		if err != nil {
			return nil, err
		}
	}

	probe, err := networkPolicyProbe(GetNetworkPolicyMode(), s.eks)
	if err != nil {
		return nil, err
	}
	if probe != nil {
		opts = append(opts, k8s.WithNetworkPolicyProbe(probe))
	}

	s.cluster, err = k8s.NewCluster(ctx, client, opts...)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// networkPolicyProbe picks the enforcement probe for mode. A nil probe
// leaves the cluster's DaemonSet detection in place.
func networkPolicyProbe(mode string, managed *eks.Cluster) (k8s.NetworkPolicyProbe, error) {
	switch mode {
	case "enabled", "on", "true":
		return k8s.StaticProbe(true), nil
	case "disabled", "off", "false":
		return k8s.StaticProbe(false), nil
	case "", "auto":
		if managed != nil {
			return managed, nil
		}
		return nil, nil
	default:
		return nil, util.Usagef("unknown --network-policy %q (want auto, enabled or disabled)", mode)
	}
}

// runner wires the policy, the audit journal, the rate limiter and the
// metrics around the session's cluster.
func (s *session) runner(ctx context.Context) (*containment.Runner, error) {
	p, err := loadPolicy(s.logger)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(p.Audit.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	if err := policy.CheckAuditPath(p.Audit.Path); err != nil {
		return nil, err
	}

	identity := audit.ResolveIdentity(ctx, s.client, GetKubeconfig())
	clusterName := identity.KubeContext
	if s.eks != nil {
		clusterName = s.eks.Name()
	}

	return &containment.Runner{
		Cluster: s.cluster,
		Policy:  p,
		Journal: audit.NewJournal(p.Audit.Path, version, clusterName, identity),
		Limiter: audit.NewLimiter(p.LimitConfig(), s.logger),
		Metrics: metrics,
		Logger:  s.logger,
		Actor:   identity.Actor(),
	}, nil
}

// loadPolicy loads and validates the containment policy. Without a policy
// file the defaults apply. --audit-dir overrides the policy's audit path.
func loadPolicy(logger *slog.Logger) (*policy.Policy, error) {
	res := policy.Load(GetPolicyPath())
	var p *policy.Policy
	switch {
	case res.ErrorMsg != "":
		return nil, util.Usagef("policy %s: %s", res.Path, res.ErrorMsg)
	case res.Absent:
		logger.Debug("no containment policy file, using defaults", slog.String("path", res.Path))
		p = policy.Default("")
	default:
		p = res.Policy
		if v := policy.Validate(p); !v.Valid {
			return nil, util.Usagef("policy %s: %s", res.Path, v.Error())
		}
	}

	if dir := GetAuditDir(); dir != "" {
		p.Audit.Path = dir
	}
	if p.Audit.Path == "" {
		dir, err := defaultAuditDir()
		if err != nil {
			return nil, err
		}
		p.Audit.Path = dir
	}
	return p, nil
}

func defaultAuditDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("find home directory: %w", err)
	}
	return filepath.Join(home, ".kubeir", "audit"), nil
}

// parseWorkloadRef parses KIND/NAME. Short kind names follow kubectl.
func parseWorkloadRef(ref string) (k8s.WorkloadKind, string, error) {
	kind, name, ok := strings.Cut(ref, "/")
	if !ok || name == "" {
		return "", "", util.Usagef("workload %q: want KIND/NAME, e.g. deployment/web", ref)
	}
	switch strings.ToLower(kind) {
	case "pod", "pods", "po":
		return k8s.WorkloadPod, name, nil
	case "replicaset", "replicasets", "rs":
		return k8s.WorkloadReplicaSet, name, nil
	case "deployment", "deployments", "deploy":
		return k8s.WorkloadDeployment, name, nil
	default:
		return "", "", util.Usagef("workload kind %q: want pod, replicaset or deployment", kind)
	}
}

func (s *session) workload(ref string) (k8s.Workload, error) {
	kind, name, err := parseWorkloadRef(ref)
	if err != nil {
		return nil, err
	}
	return s.cluster.GetWorkload(kind, name, GetLookupNamespace())
}
