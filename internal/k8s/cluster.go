package k8s

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ppiankov/kubeir/internal/logging"
	authorizationv1 "k8s.io/api/authorization/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	metricsclientset "k8s.io/metrics/pkg/client/clientset/versioned"
)

// Cluster is the entry point to a cluster: it lists resources and hands out
// typed handles. It holds no state besides the clients.
type Cluster struct {
	client        kubernetes.Interface
	metricsClient metricsclientset.Interface
	probe         NetworkPolicyProbe
	logger        *slog.Logger
	authorized    bool
}

// ClusterOption configures a Cluster.
type ClusterOption func(*Cluster)

// WithLogger sets the logger. Nil means slog.Default().
func WithLogger(l *slog.Logger) ClusterOption {
	return func(c *Cluster) { c.logger = l }
}

// WithNetworkPolicyProbe replaces the default CNI DaemonSet probe.
func WithNetworkPolicyProbe(p NetworkPolicyProbe) ClusterOption {
	return func(c *Cluster) { c.probe = p }
}

// WithMetricsClient enables node usage figures from metrics-server.
func WithMetricsClient(m metricsclientset.Interface) ClusterOption {
	return func(c *Cluster) { c.metricsClient = m }
}

// NewCluster returns a Cluster for client. It asks the API server once
// whether the caller may perform every verb on every resource, the
// equivalent of `kubectl auth can-i '*' '*' --all-namespaces`, and logs a
// warning if not. Only a failed review request is an error.
func NewCluster(ctx context.Context, client kubernetes.Interface, opts ...ClusterOption) (*Cluster, error) {
	c := &Cluster{client: client}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrDefault(c.logger)
	if c.probe == nil {
		c.probe = NewDaemonSetProbe(client)
	}

	review := &authorizationv1.SelfSubjectAccessReview{
		Spec: authorizationv1.SelfSubjectAccessReviewSpec{
			ResourceAttributes: &authorizationv1.ResourceAttributes{Verb: "*", Resource: "*"},
		},
	}
	resp, err := client.AuthorizationV1().SelfSubjectAccessReviews().Create(ctx, review, metav1.CreateOptions{})
	if err != nil {
		return nil, fmt.Errorf("self subject access review: %w", err)
	}
	c.authorized = resp.Status.Allowed
	if !c.authorized {
		c.logger.Warn("client is not authorized to perform all operations on the cluster, API calls may fail",
			slog.String("reason", resp.Status.Reason))
	}
	return c, nil
}

// Client returns the underlying API handle.
func (c *Cluster) Client() kubernetes.Interface { return c.client }

// MetricsClient returns the metrics-server client, or nil.
func (c *Cluster) MetricsClient() metricsclientset.Interface { return c.metricsClient }

// Logger returns the cluster's logger.
func (c *Cluster) Logger() *slog.Logger { return c.logger }

// Authorized reports the outcome of the access review done by NewCluster.
func (c *Cluster) Authorized() bool { return c.authorized }

// ListPods lists pods in namespace, or in all namespaces for "".
func (c *Cluster) ListPods(ctx context.Context, namespace string) ([]*Pod, error) {
	list, err := c.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, wrap("list", KindPod, namespace, "", err)
	}
	return podsFromList(c.client, list), nil
}

// ListPodsByLabels lists the pods in namespace carrying all labels. An
// empty label set lists nothing.
func (c *Cluster) ListPodsByLabels(ctx context.Context, namespace string, labels map[string]string) ([]*Pod, error) {
	return listPodsByLabels(ctx, c.client, namespace, labels)
}

// ListNodes lists all nodes.
func (c *Cluster) ListNodes(ctx context.Context) ([]*Node, error) {
	list, err := c.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, wrap("list", KindNode, "", "", err)
	}
	nodes := make([]*Node, 0, len(list.Items))
	for i := range list.Items {
		nodes = append(nodes, NewNode(c.client, list.Items[i].Name))
	}
	return nodes, nil
}

// ListNetworkPolicies lists network policies in namespace, or in all
// namespaces for "".
func (c *Cluster) ListNetworkPolicies(ctx context.Context, namespace string) ([]*NetworkPolicy, error) {
	list, err := c.client.NetworkingV1().NetworkPolicies(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, wrap("list", KindNetworkPolicy, namespace, "", err)
	}
	out := make([]*NetworkPolicy, 0, len(list.Items))
	for i := range list.Items {
		out = append(out, NewNetworkPolicy(c.client, list.Items[i].Name, list.Items[i].Namespace))
	}
	return out, nil
}

// ListServices lists services in namespace, or in all namespaces for "".
func (c *Cluster) ListServices(ctx context.Context, namespace string) ([]*Service, error) {
	list, err := c.client.CoreV1().Services(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, wrap("list", KindService, namespace, "", err)
	}
	out := make([]*Service, 0, len(list.Items))
	for i := range list.Items {
		out = append(out, NewService(c.client, list.Items[i].Name, list.Items[i].Namespace))
	}
	return out, nil
}

// GetPod returns a handle; it does not check existence.
func (c *Cluster) GetPod(name, namespace string) *Pod {
	return NewPod(c.client, name, namespace)
}

// GetNode returns a handle; it does not check existence.
func (c *Cluster) GetNode(name string) *Node {
	return NewNode(c.client, name)
}

// GetDeployment returns a handle; it does not check existence.
func (c *Cluster) GetDeployment(name, namespace string) *Deployment {
	return NewDeployment(c.client, name, namespace).WithLogger(c.logger)
}

// GetReplicaSet returns a handle; it does not check existence.
func (c *Cluster) GetReplicaSet(name, namespace string) *ReplicaSet {
	return NewReplicaSet(c.client, name, namespace)
}

// GetService returns a handle; it does not check existence.
func (c *Cluster) GetService(name, namespace string) *Service {
	return NewService(c.client, name, namespace)
}

// GetWorkload returns the handle for a workload variant.
func (c *Cluster) GetWorkload(kind WorkloadKind, name, namespace string) (Workload, error) {
	if kind == WorkloadDeployment {
		return c.GetDeployment(name, namespace), nil
	}
	return NewWorkload(c.client, kind, name, namespace)
}

// DenyAllNetworkPolicy returns a new, not yet created, deny-all policy for
// namespace.
func (c *Cluster) DenyAllNetworkPolicy(namespace string) *DenyAllNetworkPolicy {
	return NewDenyAllNetworkPolicy(c.client, namespace)
}

// IsNetworkPolicyEnabled reports whether NetworkPolicy objects are enforced
// on the cluster, as determined by the configured probe.
func (c *Cluster) IsNetworkPolicyEnabled(ctx context.Context) (bool, error) {
	return c.probe.NetworkPolicyEnabled(ctx)
}
