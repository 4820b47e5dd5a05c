package k8s

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
)

func TestPodGetNode(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient(
		testPod("scheduled", "shop", "node-a", nil),
		testPod("pending", "shop", "", nil),
	)

	n, err := NewPod(client, "scheduled", "shop").GetNode(ctx)
	require.NoError(t, err)
	assert.Equal(t, "node-a", n.Name())

	_, err = NewPod(client, "pending", "shop").GetNode(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPodLabels(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient(testPod("a", "shop", "node-a", map[string]string{"app": "web"}))
	p := NewPod(client, "a", "shop")

	require.NoError(t, p.AddLabels(ctx, map[string]string{QuarantineLabel: "tag"}))
	got, err := p.Labels(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"app": "web", QuarantineLabel: "tag"}, got)

	require.NoError(t, p.RemoveLabels(ctx, QuarantineLabel))
	got, err = p.Labels(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"app": "web"}, got)
}

func TestPodDelete(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient(testPod("a", "shop", "node-a", nil))
	p := NewPod(client, "a", "shop")

	require.NoError(t, p.Delete(ctx, true))
	_, err := p.Read(ctx)
	assert.True(t, IsNotFound(err))

	err = p.Delete(ctx, true)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	var rerr *ResourceError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, KindPod, rerr.Kind)
	assert.Equal(t, "shop", rerr.Namespace)
}

func TestPodContainersAndVolumes(t *testing.T) {
	ctx := context.Background()
	pod := testPod("a", "shop", "node-a", nil)
	pod.Spec.Containers = []corev1.Container{
		{
			Name:  "app",
			Image: "app:1",
			Ports: []corev1.ContainerPort{{ContainerPort: 8080}, {ContainerPort: 9090}},
			VolumeMounts: []corev1.VolumeMount{
				{Name: "data", MountPath: "/data"},
			},
			SecurityContext: &corev1.SecurityContext{Privileged: ptr.To(true)},
		},
		{Name: "sidecar", Image: "proxy:1"},
	}
	pod.Spec.Volumes = []corev1.Volume{
		{Name: "data", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
	}
	p := NewPod(newFakeClient(pod), "a", "shop")

	containers, err := p.ListContainers(ctx)
	require.NoError(t, err)
	require.Len(t, containers, 2)
	assert.Equal(t, "app", containers[0].Name())
	assert.Equal(t, "app:1", containers[0].Image())
	assert.True(t, containers[0].IsPrivileged())
	assert.Equal(t, []int32{8080, 9090}, containers[0].ContainerPorts())
	assert.Equal(t, []string{"data"}, containers[0].VolumeMounts())
	assert.False(t, containers[1].IsPrivileged())
	assert.Empty(t, containers[1].ContainerPorts())

	volumes, err := p.ListVolumes(ctx)
	require.NoError(t, err)
	require.Len(t, volumes, 1)
	assert.Equal(t, "data", volumes[0].Name())
}

func TestPodReadObject(t *testing.T) {
	client := newFakeClient(testPod("a", "shop", "node-a", nil))

	obj, err := NewPod(client, "a", "shop").ReadObject(context.Background())
	require.NoError(t, err)
	meta, ok := obj.(metav1.Object)
	require.True(t, ok)
	assert.Equal(t, "a", meta.GetName())
}
