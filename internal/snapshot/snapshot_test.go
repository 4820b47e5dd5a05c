package snapshot

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ppiankov/kubeir/internal/k8s"
	"github.com/ppiankov/kubeir/internal/k8s/k8stest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
)

func crashingPod() *corev1.Pod {
	pod := k8stest.Pod("miner", "shop", "node-a", map[string]string{"app": "miner"})
	pod.UID = types.UID("uid-1")
	pod.Spec.Containers = []corev1.Container{{Name: "main", Image: "evil:latest"}}
	pod.Status.ContainerStatuses = []corev1.ContainerStatus{{
		Name:         "main",
		Image:        "evil:latest",
		RestartCount: 3,
		State: corev1.ContainerState{
			Waiting: &corev1.ContainerStateWaiting{Reason: "CrashLoopBackOff"},
		},
		LastTerminationState: corev1.ContainerState{
			Terminated: &corev1.ContainerStateTerminated{Reason: "Error", ExitCode: 1},
		},
	}}
	return pod
}

func nodeA() *corev1.Node {
	node := k8stest.Node("node-a")
	node.Status.Conditions = []corev1.NodeCondition{
		{Type: corev1.NodeReady, Status: corev1.ConditionTrue, Reason: "KubeletReady"},
	}
	return node
}

func podEvent(name, object string, first time.Time) *corev1.Event {
	return &corev1.Event{
		ObjectMeta:     metav1.ObjectMeta{Name: name, Namespace: "shop"},
		InvolvedObject: corev1.ObjectReference{Kind: "Pod", Name: object, Namespace: "shop"},
		Type:           corev1.EventTypeWarning,
		Reason:         "BackOff",
		Message:        "Back-off restarting failed container",
		FirstTimestamp: metav1.NewTime(first),
	}
}

func TestBuild(t *testing.T) {
	now := time.Now()
	client := k8stest.NewClient(
		crashingPod(),
		nodeA(),
		podEvent("later", "miner", now),
		podEvent("earlier", "miner", now.Add(-time.Hour)),
		podEvent("other", "web", now),
	)
	pods := []*k8s.Pod{k8s.NewPod(client, "miner", "shop")}

	snap, err := Build(context.Background(), client, "deployment/miner", pods, Options{Previous: true})
	require.NoError(t, err)

	assert.Equal(t, "deployment/miner", snap.Target)
	require.Len(t, snap.Pods, 1)
	p := snap.Pods[0]
	assert.Equal(t, "uid-1", p.UID)
	assert.Equal(t, int32(3), p.Restarts)
	assert.False(t, p.Ready)

	require.Len(t, p.Containers, 1)
	c := p.Containers[0]
	assert.Equal(t, "Waiting", c.State)
	assert.Equal(t, "CrashLoopBackOff", c.StateReason)
	assert.Equal(t, "Terminated", c.LastState)
	assert.Equal(t, "Error", c.LastStateReason)

	require.Len(t, p.Events, 2, "events of other pods are dropped")
	assert.True(t, p.Events[0].FirstTime.Before(p.Events[1].FirstTime))

	assert.Contains(t, p.Logs, "main")
	assert.Contains(t, p.PreviousLogs, "main", "restarted containers keep previous logs")

	require.Len(t, snap.Nodes, 1)
	assert.Equal(t, "node-a", snap.Nodes[0].Name)
	assert.Equal(t, "Ready", snap.Nodes[0].Conditions[0].Type)
}

func TestBuildRecordsMissingPods(t *testing.T) {
	client := k8stest.NewClient()
	pods := []*k8s.Pod{k8s.NewPod(client, "gone", "shop")}

	snap, err := Build(context.Background(), client, "pod/gone", pods, Options{})
	require.NoError(t, err)

	require.Len(t, snap.Pods, 1)
	assert.Equal(t, "gone", snap.Pods[0].Name)
	require.Len(t, snap.Pods[0].Errors, 1)
	assert.Empty(t, snap.Nodes)
}

func TestBuildCancelled(t *testing.T) {
	client := k8stest.NewClient(crashingPod())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Build(ctx, client, "pod/miner", []*k8s.Pod{k8s.NewPod(client, "miner", "shop")}, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "evidence")
	snap := &Snapshot{
		Target: "pod/miner",
		Pods: []PodSnapshot{{
			Namespace:    "shop",
			Name:         "miner",
			Logs:         map[string]string{"main": "line 1\n"},
			PreviousLogs: map[string]string{"main": "boom\n"},
		}},
	}
	require.NoError(t, snap.Write(dir))

	data, err := os.ReadFile(filepath.Join(dir, snapshotFile))
	require.NoError(t, err)
	var decoded Snapshot
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "pod/miner", decoded.Target)
	assert.NotContains(t, string(data), "line 1", "logs live in their own files")

	logs, err := os.ReadFile(filepath.Join(dir, logsDir, "shop", "miner", "main.log"))
	require.NoError(t, err)
	assert.Equal(t, "line 1\n", string(logs))

	prev, err := os.ReadFile(filepath.Join(dir, logsDir, "shop", "miner", "main.previous.log"))
	require.NoError(t, err)
	assert.Equal(t, "boom\n", string(prev))
}
