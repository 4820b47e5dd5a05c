package enumeration

import (
	"context"
	"log/slog"

	"github.com/ppiankov/kubeir/internal/k8s"
	"github.com/ppiankov/kubeir/internal/logging"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	metricsclientset "k8s.io/metrics/pkg/client/clientset/versioned"
)

// Keywords of the built-in enumerations.
const (
	KeywordContainer     = "Container"
	KeywordVolume        = "Volume"
	KeywordPod           = "Pod"
	KeywordNode          = "Node"
	KeywordWorkload      = "Workload"
	KeywordService       = "Service"
	KeywordNetworkPolicy = "NetworkPolicy"
	KeywordCluster       = "KubernetesCluster"

	KeywordPodList           = "PodList"
	KeywordServiceList       = "ServiceList"
	KeywordNetworkPolicyList = "NetworkPolicyList"
)

// Volume types reported as warnings.
var sensitiveVolumeTypes = map[string]bool{
	"hostPath": true,
	"secret":   true,
}

// put stores value under key in warnings when warn is set, else in info.
func put(info, warnings *Fields, warn bool, key string, value any) {
	if warn {
		warnings.Set(key, value)
		return
	}
	info.Set(key, value)
}

// ContainerEnumeration reports a container spec.
type ContainerEnumeration struct {
	container *k8s.Container
}

func NewContainerEnumeration(c *k8s.Container) *ContainerEnumeration {
	return &ContainerEnumeration{container: c}
}

func (e *ContainerEnumeration) Keyword() string { return KeywordContainer }

func (e *ContainerEnumeration) Populate(_ context.Context, info, warnings *Fields) error {
	c := e.container
	info.Set("Name", c.Name())
	info.Set("Image", c.Image())
	info.Set("Mounts", c.VolumeMounts())
	put(info, warnings, c.IsPrivileged(), "Privileged", c.IsPrivileged())
	put(info, warnings, c.AllowsPrivilegeEscalation(), "PrivilegeEscalation", c.AllowsPrivilegeEscalation())
	warnings.Set("DeclaredPorts", c.ContainerPorts())
	return nil
}

func (e *ContainerEnumeration) Children(context.Context, string) ([]Enumeration, error) {
	return nil, nil
}

// VolumeEnumeration reports a volume spec.
type VolumeEnumeration struct {
	volume *k8s.Volume
}

func NewVolumeEnumeration(v *k8s.Volume) *VolumeEnumeration {
	return &VolumeEnumeration{volume: v}
}

func (e *VolumeEnumeration) Keyword() string { return KeywordVolume }

func (e *VolumeEnumeration) Populate(_ context.Context, info, warnings *Fields) error {
	v := e.volume
	info.Set("Name", v.Name())
	typ, err := v.Type()
	if err != nil {
		return err
	}
	put(info, warnings, sensitiveVolumeTypes[typ], "Type", typ)
	put(info, warnings, v.IsHostRootFilesystem(), "HostPath", v.HostPath())
	return nil
}

func (e *VolumeEnumeration) Children(context.Context, string) ([]Enumeration, error) {
	return nil, nil
}

// PodEnumeration reports a pod and its containers and volumes.
type PodEnumeration struct {
	pod *k8s.Pod
}

func NewPodEnumeration(p *k8s.Pod) *PodEnumeration {
	return &PodEnumeration{pod: p}
}

func (e *PodEnumeration) Keyword() string { return KeywordPod }

func (e *PodEnumeration) Populate(ctx context.Context, info, warnings *Fields) error {
	pod, err := e.pod.Read(ctx)
	if err != nil {
		return err
	}
	info.Set("Name", pod.Name)
	info.Set("Namespace", pod.Namespace)
	info.Set("NodeName", pod.Spec.NodeName)
	info.Set("ServiceAccount", pod.Spec.ServiceAccountName)
	info.Set("Phase", string(pod.Status.Phase))
	if pod.Labels[k8s.QuarantineLabel] != "" {
		warnings.Set("Quarantined", pod.Labels[k8s.QuarantineLabel])
	}
	put(info, warnings, pod.Spec.HostNetwork, "HostNetwork", pod.Spec.HostNetwork)
	put(info, warnings, pod.Spec.HostPID, "HostPID", pod.Spec.HostPID)
	put(info, warnings, pod.Spec.HostIPC, "HostIPC", pod.Spec.HostIPC)
	return nil
}

func (e *PodEnumeration) Children(ctx context.Context, _ string) ([]Enumeration, error) {
	containers, err := e.pod.ListContainers(ctx)
	if err != nil {
		return nil, err
	}
	volumes, err := e.pod.ListVolumes(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Enumeration, 0, len(containers)+len(volumes))
	for _, c := range containers {
		out = append(out, NewContainerEnumeration(c))
	}
	for _, v := range volumes {
		out = append(out, NewVolumeEnumeration(v))
	}
	return out, nil
}

func podEnumerations(pods []*k8s.Pod) []Enumeration {
	out := make([]Enumeration, 0, len(pods))
	for _, p := range pods {
		out = append(out, NewPodEnumeration(p))
	}
	return out
}

// NodeEnumeration reports a node and the pods running on it.
type NodeEnumeration struct {
	node    *k8s.Node
	metrics metricsclientset.Interface
	logger  *slog.Logger
}

// NewNodeEnumeration returns a node enumeration. With a non-nil metrics
// client it also reports current CPU and memory usage.
func NewNodeEnumeration(n *k8s.Node, metrics metricsclientset.Interface) *NodeEnumeration {
	return &NodeEnumeration{node: n, metrics: metrics}
}

// WithLogger sets the logger explaining missing usage rows.
func (e *NodeEnumeration) WithLogger(l *slog.Logger) *NodeEnumeration {
	e.logger = l
	return e
}

func (e *NodeEnumeration) Keyword() string { return KeywordNode }

func (e *NodeEnumeration) Populate(ctx context.Context, info, warnings *Fields) error {
	node, err := e.node.Read(ctx)
	if err != nil {
		return err
	}
	external, err := e.node.ExternalIPs(ctx)
	if err != nil {
		return err
	}
	internal, err := e.node.InternalIPs(ctx)
	if err != nil {
		return err
	}
	info.Set("Name", node.Name)
	info.Set("ExternalIPs", external)
	info.Set("InternalIPs", internal)
	info.Set("KubeletVersion", node.Status.NodeInfo.KubeletVersion)
	put(info, warnings, node.Spec.Unschedulable, "Unschedulable", node.Spec.Unschedulable)

	if e.metrics != nil {
		m, err := e.metrics.MetricsV1beta1().NodeMetricses().Get(ctx, node.Name, metav1.GetOptions{})
		if err != nil {
			logging.OrDefault(e.logger).Debug("node usage unavailable", logging.Node(node.Name), logging.Err(err))
		} else {
			info.Set("CPUUsage", quantityString(m.Usage, corev1.ResourceCPU))
			info.Set("MemoryUsage", quantityString(m.Usage, corev1.ResourceMemory))
		}
	}
	return nil
}

func quantityString(list corev1.ResourceList, name corev1.ResourceName) string {
	q, ok := list[name]
	if !ok {
		return ""
	}
	return q.String()
}

func (e *NodeEnumeration) Children(ctx context.Context, namespace string) ([]Enumeration, error) {
	pods, err := e.node.ListPods(ctx, namespace)
	if err != nil {
		return nil, err
	}
	return podEnumerations(pods), nil
}

// WorkloadEnumeration reports a workload and the pods it covers.
type WorkloadEnumeration struct {
	workload k8s.Workload
}

func NewWorkloadEnumeration(w k8s.Workload) *WorkloadEnumeration {
	return &WorkloadEnumeration{workload: w}
}

func (e *WorkloadEnumeration) Keyword() string { return KeywordWorkload }

func (e *WorkloadEnumeration) Populate(ctx context.Context, info, _ *Fields) error {
	w := e.workload
	if _, err := w.ReadObject(ctx); err != nil {
		return err
	}
	info.Set("Name", w.Name())
	info.Set("Namespace", w.Namespace())
	info.Set("Kind", string(w.WorkloadKind()))
	return nil
}

func (e *WorkloadEnumeration) Children(ctx context.Context, _ string) ([]Enumeration, error) {
	pods, err := e.workload.GetCoveredPods(ctx)
	if err != nil {
		return nil, err
	}
	return podEnumerations(pods), nil
}

// ServiceEnumeration reports a service and the pods it selects.
type ServiceEnumeration struct {
	service *k8s.Service
}

func NewServiceEnumeration(s *k8s.Service) *ServiceEnumeration {
	return &ServiceEnumeration{service: s}
}

func (e *ServiceEnumeration) Keyword() string { return KeywordService }

func (e *ServiceEnumeration) Populate(ctx context.Context, info, warnings *Fields) error {
	s := e.service
	typ, err := s.Type(ctx)
	if err != nil {
		return err
	}
	external, err := s.ExternalIPs(ctx)
	if err != nil {
		return err
	}
	clusterIP, err := s.ClusterIP(ctx)
	if err != nil {
		return err
	}
	info.Set("Name", s.Name())
	info.Set("Namespace", s.Namespace())
	put(info, warnings, typ == corev1.ServiceTypeLoadBalancer, "Type", string(typ))
	info.Set("ExternalIPs", external)
	info.Set("ClusterIP", clusterIP)
	return nil
}

func (e *ServiceEnumeration) Children(ctx context.Context, _ string) ([]Enumeration, error) {
	pods, err := e.service.GetCoveredPods(ctx)
	if err != nil {
		return nil, err
	}
	return podEnumerations(pods), nil
}

// NetworkPolicyEnumeration reports a network policy.
type NetworkPolicyEnumeration struct {
	policy *k8s.NetworkPolicy
}

func NewNetworkPolicyEnumeration(p *k8s.NetworkPolicy) *NetworkPolicyEnumeration {
	return &NetworkPolicyEnumeration{policy: p}
}

func (e *NetworkPolicyEnumeration) Keyword() string { return KeywordNetworkPolicy }

func (e *NetworkPolicyEnumeration) Populate(ctx context.Context, info, warnings *Fields) error {
	np, err := e.policy.Read(ctx)
	if err != nil {
		return err
	}
	info.Set("Name", np.Name)
	info.Set("Namespace", np.Namespace)
	info.Set("PodSelector", metav1.FormatLabelSelector(&np.Spec.PodSelector))
	types := make([]string, 0, len(np.Spec.PolicyTypes))
	for _, t := range np.Spec.PolicyTypes {
		types = append(types, string(t))
	}
	info.Set("PolicyTypes", types)
	info.Set("IngressRules", len(np.Spec.Ingress))
	info.Set("EgressRules", len(np.Spec.Egress))
	for _, rule := range np.Spec.Ingress {
		if len(rule.From) == 0 {
			warnings.Set("AllowsAllIngress", true)
			break
		}
	}
	for _, rule := range np.Spec.Egress {
		if len(rule.To) == 0 {
			warnings.Set("AllowsAllEgress", true)
			break
		}
	}
	return nil
}

func (e *NetworkPolicyEnumeration) Children(context.Context, string) ([]Enumeration, error) {
	return nil, nil
}

// ClusterEnumeration reports every node of a cluster.
type ClusterEnumeration struct {
	cluster *k8s.Cluster
}

func NewClusterEnumeration(c *k8s.Cluster) *ClusterEnumeration {
	return &ClusterEnumeration{cluster: c}
}

func (e *ClusterEnumeration) Keyword() string { return KeywordCluster }

func (e *ClusterEnumeration) Populate(context.Context, *Fields, *Fields) error {
	return nil
}

func (e *ClusterEnumeration) Children(ctx context.Context, _ string) ([]Enumeration, error) {
	nodes, err := e.cluster.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Enumeration, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, NewNodeEnumeration(n, e.cluster.MetricsClient()).WithLogger(e.cluster.Logger()))
	}
	return out, nil
}

// ListEnumeration reports every object of one kind in the namespace the
// report is restricted to, or in all namespaces.
type ListEnumeration struct {
	keyword string
	list    func(ctx context.Context, namespace string) ([]Enumeration, error)
}

func (e *ListEnumeration) Keyword() string { return e.keyword }

func (e *ListEnumeration) Populate(context.Context, *Fields, *Fields) error {
	return nil
}

func (e *ListEnumeration) Children(ctx context.Context, namespace string) ([]Enumeration, error) {
	return e.list(ctx, namespace)
}

// NewPodListEnumeration lists pods.
func NewPodListEnumeration(c *k8s.Cluster) *ListEnumeration {
	return &ListEnumeration{
		keyword: KeywordPodList,
		list: func(ctx context.Context, namespace string) ([]Enumeration, error) {
			pods, err := c.ListPods(ctx, namespace)
			if err != nil {
				return nil, err
			}
			return podEnumerations(pods), nil
		},
	}
}

// NewServiceListEnumeration lists services.
func NewServiceListEnumeration(c *k8s.Cluster) *ListEnumeration {
	return &ListEnumeration{
		keyword: KeywordServiceList,
		list: func(ctx context.Context, namespace string) ([]Enumeration, error) {
			services, err := c.ListServices(ctx, namespace)
			if err != nil {
				return nil, err
			}
			out := make([]Enumeration, 0, len(services))
			for _, svc := range services {
				out = append(out, NewServiceEnumeration(svc))
			}
			return out, nil
		},
	}
}

// NewNetworkPolicyListEnumeration lists network policies.
func NewNetworkPolicyListEnumeration(c *k8s.Cluster) *ListEnumeration {
	return &ListEnumeration{
		keyword: KeywordNetworkPolicyList,
		list: func(ctx context.Context, namespace string) ([]Enumeration, error) {
			policies, err := c.ListNetworkPolicies(ctx, namespace)
			if err != nil {
				return nil, err
			}
			out := make([]Enumeration, 0, len(policies))
			for _, np := range policies {
				out = append(out, NewNetworkPolicyEnumeration(np))
			}
			return out, nil
		},
	}
}
