package containment

import (
	"context"
	"testing"

	"github.com/ppiankov/kubeir/internal/k8s"
	"github.com/ppiankov/kubeir/internal/k8s/k8stest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
)

var webLabels = map[string]string{"app": "web"}

func webReplicaSet() *appsv1.ReplicaSet {
	return &appsv1.ReplicaSet{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "shop"},
		Spec: appsv1.ReplicaSetSpec{
			Selector: &metav1.LabelSelector{MatchLabels: webLabels},
			Template: corev1.PodTemplateSpec{ObjectMeta: metav1.ObjectMeta{Labels: webLabels}},
		},
	}
}

// incidentObjects is a web ReplicaSet on node-a and node-b sharing those
// nodes with foreign pods, plus an unrelated node-c.
func incidentObjects() []runtime.Object {
	done := k8stest.Pod("job", "shop", "node-a", nil)
	done.Status.Phase = corev1.PodSucceeded
	return []runtime.Object{
		k8stest.Node("node-a"), k8stest.Node("node-b"), k8stest.Node("node-c"),
		webReplicaSet(),
		k8stest.Pod("web-1", "shop", "node-a", map[string]string{"app": "web", "pod-template-hash": "abc"}),
		k8stest.Pod("web-2", "shop", "node-b", webLabels),
		k8stest.Pod("miner", "shop", "node-a", map[string]string{"app": "miner"}),
		k8stest.Pod("coredns", "kube-system", "node-b", map[string]string{"app": "web"}),
		k8stest.Pod("bystander", "shop", "node-c", nil),
		done,
	}
}

func newTestCluster(t *testing.T, netpol bool, objs ...runtime.Object) (*k8s.Cluster, *fake.Clientset) {
	t.Helper()
	client := k8stest.NewClient(objs...)
	c, err := k8s.NewCluster(context.Background(), client, k8s.WithNetworkPolicyProbe(k8s.StaticProbe(netpol)))
	require.NoError(t, err)
	return c, client
}

func podExists(t *testing.T, client *fake.Clientset, name, namespace string) bool {
	t.Helper()
	_, err := client.CoreV1().Pods(namespace).Get(context.Background(), name, metav1.GetOptions{})
	if err != nil {
		require.True(t, k8s.IsNotFound(err), "unexpected error: %v", err)
		return false
	}
	return true
}

func podLabels(t *testing.T, client *fake.Clientset, name, namespace string) map[string]string {
	t.Helper()
	pod, err := client.CoreV1().Pods(namespace).Get(context.Background(), name, metav1.GetOptions{})
	require.NoError(t, err)
	return pod.Labels
}

func TestDrainWorkloadNodesFromOtherPods(t *testing.T) {
	ctx := context.Background()
	c, client := newTestCluster(t, true, incidentObjects()...)
	w := c.GetReplicaSet("web", "shop")

	res, err := DrainWorkloadNodesFromOtherPods(ctx, w, true)
	require.NoError(t, err)

	var nodes []string
	for _, n := range res.Nodes {
		nodes = append(nodes, n.Name())
	}
	assert.ElementsMatch(t, []string{"node-a", "node-b"}, nodes)
	assert.Len(t, res.Cordoned, 2)

	var deleted []string
	for _, p := range res.Deleted {
		deleted = append(deleted, p.String())
	}
	assert.ElementsMatch(t, []string{"shop/miner", "kube-system/coredns"}, deleted)

	assert.True(t, podExists(t, client, "web-1", "shop"))
	assert.True(t, podExists(t, client, "web-2", "shop"))
	assert.True(t, podExists(t, client, "bystander", "shop"), "other nodes are untouched")
	assert.True(t, podExists(t, client, "job", "shop"), "finished pods are not drained")

	for _, name := range []string{"node-a", "node-b"} {
		node, err := client.CoreV1().Nodes().Get(ctx, name, metav1.GetOptions{})
		require.NoError(t, err)
		assert.True(t, node.Spec.Unschedulable, name)
	}
	nodeC, err := client.CoreV1().Nodes().Get(ctx, "node-c", metav1.GetOptions{})
	require.NoError(t, err)
	assert.False(t, nodeC.Spec.Unschedulable)

	// Every pod left running on the workload's nodes is covered by it.
	for _, n := range res.Nodes {
		pods, err := n.ListPods(ctx, "")
		require.NoError(t, err)
		for _, p := range pods {
			covered, err := k8s.IsCoveringPod(ctx, w, p)
			require.NoError(t, err)
			assert.True(t, covered, p.String())
		}
	}
}

func TestDrainUnlabelledPodWorkload(t *testing.T) {
	ctx := context.Background()
	objs := append(incidentObjects(), k8stest.Pod("suspect", "shop", "node-a", nil))
	c, client := newTestCluster(t, true, objs...)

	res, err := DrainWorkloadNodesFromOtherPods(ctx, c.GetPod("suspect", "shop"), false)
	require.NoError(t, err)

	var deleted []string
	for _, p := range res.Deleted {
		deleted = append(deleted, p.String())
	}
	assert.ElementsMatch(t, []string{"shop/web-1", "shop/miner"}, deleted)
	assert.True(t, podExists(t, client, "suspect", "shop"))
	assert.False(t, podExists(t, client, "miner", "shop"))
	assert.True(t, podExists(t, client, "web-2", "shop"), "other nodes are untouched")
}

func TestDrainWithoutCordon(t *testing.T) {
	c, client := newTestCluster(t, true, incidentObjects()...)

	res, err := DrainWorkloadNodesFromOtherPods(context.Background(), c.GetReplicaSet("web", "shop"), false)
	require.NoError(t, err)

	assert.Empty(t, res.Cordoned)
	assert.Len(t, res.Deleted, 2)
	node, err := client.CoreV1().Nodes().Get(context.Background(), "node-a", metav1.GetOptions{})
	require.NoError(t, err)
	assert.False(t, node.Spec.Unschedulable)
}

func TestDrainMissingWorkload(t *testing.T) {
	c, _ := newTestCluster(t, true)

	_, err := DrainWorkloadNodesFromOtherPods(context.Background(), c.GetReplicaSet("ghost", "shop"), true)
	require.Error(t, err)
	assert.True(t, k8s.IsNotFound(err))
}

func TestIsolatePodsEmpty(t *testing.T) {
	c, client := newTestCluster(t, false)

	np, err := IsolatePodsWithNetworkPolicy(context.Background(), c, nil)
	require.NoError(t, err)
	assert.Nil(t, np)
	assert.Empty(t, client.Actions()[1:], "only the access review was issued")
}

func TestIsolatePodsNetworkPolicyDisabled(t *testing.T) {
	c, client := newTestCluster(t, false, incidentObjects()...)

	_, err := IsolatePodsWithNetworkPolicy(context.Background(), c, []*k8s.Pod{c.GetPod("web-1", "shop")})
	require.ErrorIs(t, err, k8s.ErrOperationFailed)

	policies, err := client.NetworkingV1().NetworkPolicies("shop").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, policies.Items)
}

func TestIsolatePodsMixedNamespaces(t *testing.T) {
	c, client := newTestCluster(t, true, incidentObjects()...)
	pods := []*k8s.Pod{c.GetPod("web-1", "shop"), c.GetPod("coredns", "kube-system")}

	_, err := IsolatePodsWithNetworkPolicy(context.Background(), c, pods)
	require.ErrorIs(t, err, k8s.ErrInvalidArgument)

	policies, err := client.NetworkingV1().NetworkPolicies("").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, policies.Items)
}

func TestIsolatePods(t *testing.T) {
	ctx := context.Background()
	c, client := newTestCluster(t, true, incidentObjects()...)
	client.ClearActions()
	pods := []*k8s.Pod{c.GetPod("web-1", "shop"), c.GetPod("miner", "shop")}

	np, err := IsolatePodsWithNetworkPolicy(ctx, c, pods)
	require.NoError(t, err)
	require.NotNil(t, np)
	assert.Equal(t, "shop", np.Namespace())

	created, err := client.NetworkingV1().NetworkPolicies("shop").Get(ctx, np.Name(), metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, np.Labels(), created.Spec.PodSelector.MatchLabels)

	for _, name := range []string{"web-1", "miner"} {
		assert.Equal(t, np.Tag(), podLabels(t, client, name, "shop")[k8s.QuarantineLabel], name)
	}
	assert.NotContains(t, podLabels(t, client, "web-2", "shop"), k8s.QuarantineLabel)

	var verbs []string
	for _, a := range client.Actions() {
		verbs = append(verbs, a.GetVerb()+" "+a.GetResource().Resource)
	}
	assert.Equal(t, []string{"create networkpolicies", "patch pods", "patch pods"}, verbs)
}

func TestIsolateWorkload(t *testing.T) {
	ctx := context.Background()
	c, client := newTestCluster(t, true, incidentObjects()...)

	res, err := IsolateWorkload(ctx, c, c.GetReplicaSet("web", "shop"), true)
	require.NoError(t, err)
	require.NotNil(t, res.Policy)
	assert.Len(t, res.Pods, 2)
	assert.True(t, res.Template)

	tag := res.Policy.Tag()
	assert.Equal(t, tag, podLabels(t, client, "web-1", "shop")[k8s.QuarantineLabel])
	assert.Equal(t, tag, podLabels(t, client, "web-2", "shop")[k8s.QuarantineLabel])
	assert.NotContains(t, podLabels(t, client, "coredns", "kube-system"), k8s.QuarantineLabel)

	rs, err := client.AppsV1().ReplicaSets("shop").Get(ctx, "web", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, tag, rs.Spec.Template.Labels[k8s.QuarantineLabel])
}

func TestIsolateWorkloadPodIgnoresTemplate(t *testing.T) {
	c, _ := newTestCluster(t, true, incidentObjects()...)

	res, err := IsolateWorkload(context.Background(), c, c.GetPod("miner", "shop"), true)
	require.NoError(t, err)
	require.NotNil(t, res.Policy)
	assert.Len(t, res.Pods, 1)
	assert.False(t, res.Template)
}

func TestIsolateWorkloadNoPods(t *testing.T) {
	rs := webReplicaSet()
	c, _ := newTestCluster(t, true, rs)

	res, err := IsolateWorkload(context.Background(), c, c.GetReplicaSet("web", "shop"), true)
	require.NoError(t, err)
	assert.Nil(t, res.Policy)
	assert.False(t, res.Template)
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	c, client := newTestCluster(t, true, incidentObjects()...)
	np, err := IsolatePodsWithNetworkPolicy(ctx, c, []*k8s.Pod{c.GetPod("web-1", "shop"), c.GetPod("web-2", "shop")})
	require.NoError(t, err)

	released, err := Release(ctx, c, np)
	require.NoError(t, err)
	assert.Len(t, released, 2)

	assert.NotContains(t, podLabels(t, client, "web-1", "shop"), k8s.QuarantineLabel)
	assert.Equal(t, "web", podLabels(t, client, "web-1", "shop")["app"])
	_, err = client.NetworkingV1().NetworkPolicies("shop").Get(ctx, np.Name(), metav1.GetOptions{})
	assert.True(t, k8s.IsNotFound(err))
}

func TestReleaseMissingPolicy(t *testing.T) {
	c, _ := newTestCluster(t, true, incidentObjects()...)

	_, err := Release(context.Background(), c, c.DenyAllNetworkPolicy("shop"))
	require.Error(t, err)
	assert.True(t, k8s.IsNotFound(err))
}
