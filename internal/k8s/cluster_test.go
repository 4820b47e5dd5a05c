package k8s

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	authorizationv1 "k8s.io/api/authorization/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	k8stesting "k8s.io/client-go/testing"
)

func TestNewClusterAuthorized(t *testing.T) {
	logger, buf := bufferLogger()

	c, err := NewCluster(context.Background(), newFakeClient(), WithLogger(logger))
	require.NoError(t, err)
	assert.True(t, c.Authorized())
	assert.Empty(t, buf.String())
}

func TestNewClusterUnauthorizedWarns(t *testing.T) {
	logger, buf := bufferLogger()
	client := newFakeClient()
	var review *authorizationv1.SelfSubjectAccessReview
	client.PrependReactor("create", "selfsubjectaccessreviews", func(action k8stesting.Action) (bool, runtime.Object, error) {
		review = action.(k8stesting.CreateAction).GetObject().(*authorizationv1.SelfSubjectAccessReview)
		return true, &authorizationv1.SelfSubjectAccessReview{}, nil
	})

	c, err := NewCluster(context.Background(), client, WithLogger(logger))
	require.NoError(t, err)
	assert.False(t, c.Authorized())
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "not authorized")

	require.NotNil(t, review)
	require.NotNil(t, review.Spec.ResourceAttributes)
	assert.Equal(t, "*", review.Spec.ResourceAttributes.Verb)
	assert.Equal(t, "*", review.Spec.ResourceAttributes.Resource)
}

func TestNewClusterReviewError(t *testing.T) {
	client := newFakeClient()
	client.PrependReactor("create", "selfsubjectaccessreviews", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, assert.AnError
	})

	_, err := NewCluster(context.Background(), client)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestClusterListings(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient(
		testNode("node-a"),
		testNode("node-b"),
		testPod("a", "shop", "node-a", nil),
		testPod("b", "ops", "node-b", nil),
		testService("web", nil),
		&networkingv1.NetworkPolicy{ObjectMeta: metav1.ObjectMeta{Name: "default-deny", Namespace: "shop"}},
	)
	c, err := NewCluster(ctx, client)
	require.NoError(t, err)

	nodes, err := c.ListNodes(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	pods, err := c.ListPods(ctx, "")
	require.NoError(t, err)
	assert.Len(t, pods, 2)

	pods, err = c.ListPods(ctx, "ops")
	require.NoError(t, err)
	require.Len(t, pods, 1)
	assert.Equal(t, "b", pods[0].Name())

	svcs, err := c.ListServices(ctx, "shop")
	require.NoError(t, err)
	require.Len(t, svcs, 1)
	assert.Equal(t, "web", svcs[0].Name())

	policies, err := c.ListNetworkPolicies(ctx, "")
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.Equal(t, "default-deny", policies[0].Name())
}

func TestClusterHandles(t *testing.T) {
	c, err := NewCluster(context.Background(), newFakeClient())
	require.NoError(t, err)

	w, err := c.GetWorkload(WorkloadDeployment, "web", "shop")
	require.NoError(t, err)
	assert.Equal(t, KindDeployment, w.Kind())

	p := c.DenyAllNetworkPolicy("shop")
	assert.Equal(t, "shop", p.Namespace())
	assert.Regexp(t, tagPattern, p.Tag())
}

func cniDaemonSet(name string, containers ...corev1.Container) *appsv1.DaemonSet {
	return &appsv1.DaemonSet{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: metav1.NamespaceSystem},
		Spec: appsv1.DaemonSetSpec{
			Template: corev1.PodTemplateSpec{Spec: corev1.PodSpec{Containers: containers}},
		},
	}
}

func TestDaemonSetProbe(t *testing.T) {
	tests := []struct {
		name string
		objs []runtime.Object
		want bool
	}{
		{"no cni", nil, false},
		{"flannel only", []runtime.Object{cniDaemonSet("kube-flannel-ds")}, false},
		{"calico", []runtime.Object{cniDaemonSet("calico-node")}, true},
		{"cilium", []runtime.Object{cniDaemonSet("cilium")}, true},
		{"aws-node without agent", []runtime.Object{cniDaemonSet("aws-node", corev1.Container{Name: "aws-node"})}, false},
		{"aws-node agent disabled", []runtime.Object{cniDaemonSet("aws-node",
			corev1.Container{Name: "aws-network-policy-agent", Args: []string{"--enable-network-policy=false"}})}, false},
		{"aws-node agent enabled", []runtime.Object{cniDaemonSet("aws-node",
			corev1.Container{Name: "aws-network-policy-agent", Args: []string{"--enable-ipv6=false", "--enable-network-policy=true"}})}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewDaemonSetProbe(newFakeClient(tt.objs...)).NetworkPolicyEnabled(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClusterUsesConfiguredProbe(t *testing.T) {
	ctx := context.Background()
	c, err := NewCluster(ctx, newFakeClient(cniDaemonSet("calico-node")), WithNetworkPolicyProbe(StaticProbe(false)))
	require.NoError(t, err)

	enabled, err := c.IsNetworkPolicyEnabled(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)
}
