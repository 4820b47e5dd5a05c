package enumeration

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/ppiankov/kubeir/internal/k8s"
	"github.com/ppiankov/kubeir/internal/k8s/k8stest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	k8stesting "k8s.io/client-go/testing"
	metricsv1beta1 "k8s.io/metrics/pkg/apis/metrics/v1beta1"
	metricsfake "k8s.io/metrics/pkg/client/clientset/versioned/fake"
	"k8s.io/utils/ptr"
)

func suspiciousPod() *corev1.Pod {
	pod := k8stest.Pod("miner", "shop", "node-a", map[string]string{"app": "miner"})
	pod.Spec.HostPID = true
	pod.Spec.Containers = []corev1.Container{{
		Name:            "miner",
		Image:           "evil:latest",
		Ports:           []corev1.ContainerPort{{ContainerPort: 4444}},
		VolumeMounts:    []corev1.VolumeMount{{Name: "host", MountPath: "/host"}},
		SecurityContext: &corev1.SecurityContext{Privileged: ptr.To(true)},
	}}
	pod.Spec.Volumes = []corev1.Volume{
		{Name: "host", VolumeSource: corev1.VolumeSource{HostPath: &corev1.HostPathVolumeSource{Path: "/"}}},
		{Name: "tmp", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
	}
	return pod
}

func testCluster(t *testing.T, objs ...runtime.Object) *k8s.Cluster {
	t.Helper()
	c, err := k8s.NewCluster(context.Background(), k8stest.NewClient(objs...))
	require.NoError(t, err)
	return c
}

func TestPodEnumeration(t *testing.T) {
	c := testCluster(t, suspiciousPod())

	r, err := Build(context.Background(), NewPodEnumeration(c.GetPod("miner", "shop")), "")
	require.NoError(t, err)

	name, _ := r.Info.Get("Name")
	assert.Equal(t, "miner", name)
	node, _ := r.Info.Get("NodeName")
	assert.Equal(t, "node-a", node)
	hostPID, ok := r.Warnings.Get("HostPID")
	require.True(t, ok)
	assert.Equal(t, true, hostPID)
	_, ok = r.Info.Get("HostNetwork")
	assert.True(t, ok)

	require.Len(t, r.Children, 3)
	assert.Equal(t, KeywordContainer, r.Children[0].Keyword)
	assert.Equal(t, KeywordVolume, r.Children[1].Keyword)
	assert.Equal(t, KeywordVolume, r.Children[2].Keyword)

	container := r.Children[0]
	priv, ok := container.Warnings.Get("Privileged")
	require.True(t, ok)
	assert.Equal(t, true, priv)
	ports, _ := container.Warnings.Get("DeclaredPorts")
	assert.Equal(t, []int32{4444}, ports)

	hostVol := r.Children[1]
	typ, _ := hostVol.Warnings.Get("Type")
	assert.Equal(t, "hostPath", typ)
	hp, _ := hostVol.Warnings.Get("HostPath")
	assert.Equal(t, "/", hp)

	tmpVol := r.Children[2]
	typ, _ = tmpVol.Info.Get("Type")
	assert.Equal(t, "emptyDir", typ)
	assert.Empty(t, tmpVol.Warnings)
}

func TestContainerEnumerationBenign(t *testing.T) {
	var info, warnings Fields
	e := NewContainerEnumeration(k8s.NewContainer(corev1.Container{Name: "app", Image: "app:1"}))

	require.NoError(t, e.Populate(context.Background(), &info, &warnings))

	priv, ok := info.Get("Privileged")
	require.True(t, ok)
	assert.Equal(t, false, priv)
	_, ok = warnings.Get("Privileged")
	assert.False(t, ok)
	ports, ok := warnings.Get("DeclaredPorts")
	require.True(t, ok)
	assert.Empty(t, ports)
}

func TestVolumeEnumerationSecret(t *testing.T) {
	var info, warnings Fields
	v := k8s.NewVolume(corev1.Volume{Name: "creds", VolumeSource: corev1.VolumeSource{
		Secret: &corev1.SecretVolumeSource{SecretName: "creds"},
	}})

	require.NoError(t, NewVolumeEnumeration(v).Populate(context.Background(), &info, &warnings))

	typ, _ := warnings.Get("Type")
	assert.Equal(t, "secret", typ)
	hp, ok := info.Get("HostPath")
	require.True(t, ok)
	assert.Equal(t, "", hp)
}

func TestNodeEnumeration(t *testing.T) {
	node := k8stest.Node("node-a")
	node.Spec.Unschedulable = true
	node.Status.Addresses = []corev1.NodeAddress{
		{Type: corev1.NodeInternalIP, Address: "10.0.0.1"},
		{Type: corev1.NodeExternalIP, Address: "34.1.2.3"},
	}
	c := testCluster(t,
		node,
		suspiciousPod(),
		k8stest.Pod("other", "ops", "node-a", nil),
		k8stest.Pod("remote", "shop", "node-b", nil),
	)
	metrics := metricsfake.NewSimpleClientset()
	metrics.PrependReactor("get", "nodes", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, &metricsv1beta1.NodeMetrics{
			ObjectMeta: metav1.ObjectMeta{Name: "node-a"},
			Usage: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("250m"),
				corev1.ResourceMemory: resource.MustParse("1Gi"),
			},
		}, nil
	})

	r, err := Build(context.Background(), NewNodeEnumeration(c.GetNode("node-a"), metrics), "shop")
	require.NoError(t, err)

	ext, _ := r.Info.Get("ExternalIPs")
	assert.Equal(t, []string{"34.1.2.3"}, ext)
	cpu, _ := r.Info.Get("CPUUsage")
	assert.Equal(t, "250m", cpu)
	mem, _ := r.Info.Get("MemoryUsage")
	assert.Equal(t, "1Gi", mem)
	cordoned, ok := r.Warnings.Get("Unschedulable")
	require.True(t, ok)
	assert.Equal(t, true, cordoned)

	require.Len(t, r.Children, 1, "namespace restricts pods on the node")
	podName, _ := r.Children[0].Info.Get("Name")
	assert.Equal(t, "miner", podName)
}

func TestClusterEnumeration(t *testing.T) {
	c := testCluster(t, k8stest.Node("node-a"), k8stest.Node("node-b"))

	text, err := Enumerate(context.Background(), NewClusterEnumeration(c), Options{Silent: true})
	require.NoError(t, err)

	assert.Contains(t, text, "KubernetesCluster\n-\n")
	assert.Contains(t, text, "    Node")
	assert.Contains(t, text, "Name : node-a")
	assert.Contains(t, text, "Name : node-b")
}

func TestServiceEnumeration(t *testing.T) {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: "lb", Namespace: "shop"},
		Spec: corev1.ServiceSpec{
			Type:      corev1.ServiceTypeLoadBalancer,
			ClusterIP: "10.96.0.20",
			Selector:  map[string]string{"app": "miner"},
		},
	}
	c := testCluster(t, svc, suspiciousPod())

	got, err := ToJSON(context.Background(), NewServiceEnumeration(c.GetService("lb", "shop")), "")
	require.NoError(t, err)

	assert.Equal(t, "LoadBalancer", got["Type"])
	assert.Equal(t, "10.96.0.20", got["ClusterIP"])
	pods, ok := got[KeywordPod].([]any)
	require.True(t, ok)
	require.Len(t, pods, 1)
	assert.Equal(t, "miner", pods[0].(map[string]any)["Name"])

	r, err := Build(context.Background(), NewServiceEnumeration(c.GetService("lb", "shop")), "")
	require.NoError(t, err)
	_, warned := r.Warnings.Get("Type")
	assert.True(t, warned)
}

func TestWorkloadEnumerationMissing(t *testing.T) {
	c := testCluster(t)
	w, err := c.GetWorkload(k8s.WorkloadReplicaSet, "ghost", "shop")
	require.NoError(t, err)

	r, err := Build(context.Background(), NewWorkloadEnumeration(w), "")
	require.NoError(t, err)

	msg, ok := r.Warnings.Get(ErrorKey)
	require.True(t, ok)
	assert.Contains(t, msg, "ghost")
	assert.Empty(t, r.Children)
}

func TestNetworkPolicyEnumeration(t *testing.T) {
	np := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{Name: "open", Namespace: "shop"},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{MatchLabels: map[string]string{"app": "web"}},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeIngress},
			Ingress:     []networkingv1.NetworkPolicyIngressRule{{}},
		},
	}
	c := testCluster(t, np)
	policies, err := c.ListNetworkPolicies(context.Background(), "shop")
	require.NoError(t, err)
	require.Len(t, policies, 1)

	r, err := Build(context.Background(), NewNetworkPolicyEnumeration(policies[0]), "")
	require.NoError(t, err)

	sel, _ := r.Info.Get("PodSelector")
	assert.Equal(t, "app=web", sel)
	types, _ := r.Info.Get("PolicyTypes")
	assert.Equal(t, []string{"Ingress"}, types)
	all, ok := r.Warnings.Get("AllowsAllIngress")
	require.True(t, ok)
	assert.Equal(t, true, all)
}

func TestNodeEnumerationLogsMissingUsage(t *testing.T) {
	c := testCluster(t, k8stest.Node("node-a"))
	metrics := metricsfake.NewSimpleClientset()
	metrics.PrependReactor("get", "nodes", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("metrics-server unavailable")
	})
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	r, err := Build(context.Background(), NewNodeEnumeration(c.GetNode("node-a"), metrics).WithLogger(logger), "")
	require.NoError(t, err)

	_, ok := r.Info.Get("CPUUsage")
	assert.False(t, ok)
	_, failed := r.Warnings.Get(ErrorKey)
	assert.False(t, failed, "missing usage does not fail the node")
	assert.Contains(t, logs.String(), "node usage unavailable")
	assert.Contains(t, logs.String(), "metrics-server unavailable")
}

func TestListEnumerations(t *testing.T) {
	svc := func(name, ns string) *corev1.Service {
		return &corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns}}
	}
	np := &networkingv1.NetworkPolicy{ObjectMeta: metav1.ObjectMeta{Name: "deny", Namespace: "shop"}}
	c := testCluster(t,
		svc("web", "shop"), svc("api", "shop"), svc("dns", "kube-system"),
		np,
		suspiciousPod(), k8stest.Pod("coredns", "kube-system", "node-a", nil),
	)
	ctx := context.Background()

	tests := []struct {
		name      string
		e         Enumeration
		namespace string
		keyword   string
		child     string
		want      int
	}{
		{"services in namespace", NewServiceListEnumeration(c), "shop", KeywordServiceList, KeywordService, 2},
		{"services everywhere", NewServiceListEnumeration(c), "", KeywordServiceList, KeywordService, 3},
		{"network policies", NewNetworkPolicyListEnumeration(c), "shop", KeywordNetworkPolicyList, KeywordNetworkPolicy, 1},
		{"pods in namespace", NewPodListEnumeration(c), "kube-system", KeywordPodList, KeywordPod, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Build(ctx, tt.e, tt.namespace)
			require.NoError(t, err)
			assert.Equal(t, tt.keyword, r.Keyword)
			require.Len(t, r.Children, tt.want)
			for _, child := range r.Children {
				assert.Equal(t, tt.child, child.Keyword)
			}
		})
	}
}

func TestEnumerateObservesReport(t *testing.T) {
	c := testCluster(t, suspiciousPod())
	var observed *Report
	var lines []string
	sink := SinkFunc(func(_ slog.Level, line string) { lines = append(lines, line) })

	text, err := Enumerate(context.Background(), NewPodEnumeration(c.GetPod("miner", "shop")), Options{
		Sink:    sink,
		Observe: func(r *Report) { observed = r },
	})
	require.NoError(t, err)

	require.NotNil(t, observed)
	assert.Equal(t, KeywordPod, observed.Keyword)
	assert.Contains(t, text, "miner")
	assert.NotEmpty(t, lines)
}
