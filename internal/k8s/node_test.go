package k8s

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
)

func TestNodeAddresses(t *testing.T) {
	ctx := context.Background()
	node := testNode("node-a")
	node.Status.Addresses = []corev1.NodeAddress{
		{Type: corev1.NodeInternalIP, Address: "10.0.0.1"},
		{Type: corev1.NodeExternalIP, Address: "34.1.2.3"},
		{Type: corev1.NodeHostName, Address: "node-a"},
		{Type: corev1.NodeInternalIP, Address: "fd00::1"},
	}
	n := NewNode(newFakeClient(node), "node-a")

	internal, err := n.InternalIPs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "fd00::1"}, internal)

	external, err := n.ExternalIPs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"34.1.2.3"}, external)
}

func TestNodeCordon(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient(testNode("node-a"))
	n := NewNode(client, "node-a")

	require.NoError(t, n.Cordon(ctx))
	require.NoError(t, n.Cordon(ctx))

	obj, err := n.Read(ctx)
	require.NoError(t, err)
	assert.True(t, obj.Spec.Unschedulable)
}

func TestNodeCordonMissing(t *testing.T) {
	err := NewNode(newFakeClient(), "ghost").Cordon(context.Background())
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestNodeListPods(t *testing.T) {
	ctx := context.Background()
	done := testPod("done", "shop", "node-a", nil)
	done.Status.Phase = corev1.PodSucceeded
	failed := testPod("failed", "shop", "node-a", nil)
	failed.Status.Phase = corev1.PodFailed
	client := newFakeClient(
		testNode("node-a"),
		testPod("a-1", "shop", "node-a", nil),
		testPod("a-2", "ops", "node-a", nil),
		testPod("b-1", "shop", "node-b", nil),
		done,
		failed,
	)
	n := NewNode(client, "node-a")

	tests := []struct {
		namespace string
		want      []string
	}{
		{"", []string{"a-1", "a-2"}},
		{"shop", []string{"a-1"}},
		{"empty", nil},
	}
	for _, tt := range tests {
		t.Run("ns="+tt.namespace, func(t *testing.T) {
			pods, err := n.ListPods(ctx, tt.namespace)
			require.NoError(t, err)
			var names []string
			for _, p := range pods {
				names = append(names, p.Name())
			}
			assert.ElementsMatch(t, tt.want, names)
		})
	}
}

func TestNodeDrain(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient(
		testNode("node-a"),
		testPod("keep", "shop", "node-a", map[string]string{"app": "web"}),
		testPod("evict-1", "shop", "node-a", map[string]string{"app": "db"}),
		testPod("evict-2", "ops", "node-a", nil),
		testPod("elsewhere", "shop", "node-b", map[string]string{"app": "db"}),
	)

	notWeb := func(ctx context.Context, p *Pod) (bool, error) {
		l, err := p.Labels(ctx)
		if err != nil {
			return false, err
		}
		return l["app"] != "web", nil
	}
	deleted, err := NewNode(client, "node-a").Drain(ctx, notWeb)
	require.NoError(t, err)

	var names []string
	for _, p := range deleted {
		names = append(names, p.Name())
	}
	assert.ElementsMatch(t, []string{"evict-1", "evict-2"}, names)

	_, err = NewPod(client, "keep", "shop").Read(ctx)
	assert.NoError(t, err)
	_, err = NewPod(client, "elsewhere", "shop").Read(ctx)
	assert.NoError(t, err)
	_, err = NewPod(client, "evict-1", "shop").Read(ctx)
	assert.True(t, IsNotFound(err))
}

func TestNodeDrainPredicateError(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient(testPod("a", "shop", "node-a", nil))

	failing := func(context.Context, *Pod) (bool, error) { return false, assert.AnError }
	deleted, err := NewNode(client, "node-a").Drain(ctx, failing)

	assert.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, deleted)
	assert.Empty(t, deleteActions(client, "pods"))
}
