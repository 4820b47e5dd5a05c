// Package snapshot preserves volatile evidence about a workload's pods
// before containment changes them: container state, events, logs and the
// conditions of the nodes they run on.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ppiankov/kubeir/internal/k8s"
	"github.com/ppiankov/kubeir/internal/logging"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

const (
	snapshotFile = "snapshot.json"
	logsDir      = "logs"

	defaultLogLines      = 500
	defaultMaxConcurrent = 5
)

// ContainerSnapshot describes a single container in a pod.
type ContainerSnapshot struct {
	Name            string `json:"name"`
	Image           string `json:"image"`
	ImageID         string `json:"imageID,omitempty"`
	ContainerID     string `json:"containerID,omitempty"`
	Ready           bool   `json:"ready"`
	RestartCount    int32  `json:"restartCount"`
	State           string `json:"state,omitempty"`       // Waiting|Running|Terminated
	StateReason     string `json:"stateReason,omitempty"` // e.g. ImagePullBackOff
	LastState       string `json:"lastState,omitempty"`
	LastStateReason string `json:"lastStateReason,omitempty"`
}

// EventSnapshot is a simplified event view.
type EventSnapshot struct {
	Type      string    `json:"type,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Message   string    `json:"message,omitempty"`
	Count     int32     `json:"count,omitempty"`
	FirstTime time.Time `json:"firstTimestamp,omitzero"`
	LastTime  time.Time `json:"lastTimestamp,omitzero"`
}

// PodSnapshot is the evidence kept per pod. Logs and PreviousLogs map
// container names to their log tail.
type PodSnapshot struct {
	Namespace    string              `json:"namespace"`
	Name         string              `json:"name"`
	UID          string              `json:"uid,omitempty"`
	Phase        string              `json:"phase"`
	Reason       string              `json:"reason,omitempty"`
	Restarts     int32               `json:"restarts"`
	Ready        bool                `json:"ready"`
	NodeName     string              `json:"nodeName,omitempty"`
	PodIP        string              `json:"podIP,omitempty"`
	Labels       map[string]string   `json:"labels,omitempty"`
	Containers   []ContainerSnapshot `json:"containers"`
	Events       []EventSnapshot     `json:"events,omitempty"`
	Logs         map[string]string   `json:"-"`
	PreviousLogs map[string]string   `json:"-"`
	Errors       []string            `json:"errors,omitempty"`
}

// NodeConditionSnapshot flattens node conditions.
type NodeConditionSnapshot struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// NodeSnapshot is a node and its conditions.
type NodeSnapshot struct {
	Name          string                  `json:"name"`
	Unschedulable bool                    `json:"unschedulable"`
	Conditions    []NodeConditionSnapshot `json:"conditions"`
}

// Snapshot is the evidence of one collection run.
type Snapshot struct {
	GeneratedAt time.Time      `json:"generatedAt"`
	Target      string         `json:"target"`
	Pods        []PodSnapshot  `json:"pods"`
	Nodes       []NodeSnapshot `json:"nodes"`
}

// Options bound the collection.
type Options struct {
	// LogLines is the tail length per container; 0 means 500.
	LogLines int
	// Previous also fetches the logs of the previous container instance.
	Previous bool
	// MaxConcurrent bounds parallel log requests; 0 means 5.
	MaxConcurrent int
	Logger        *slog.Logger
}

// Build collects the evidence of pods. A pod that cannot be read is
// recorded with its error; only context cancellation aborts the run.
func Build(ctx context.Context, client kubernetes.Interface, target string, pods []*k8s.Pod, opts Options) (*Snapshot, error) {
	if opts.LogLines <= 0 {
		opts.LogLines = defaultLogLines
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	logger := logging.OrDefault(opts.Logger)

	snap := &Snapshot{GeneratedAt: time.Now().UTC(), Target: target}

	// --- Pods ---
	var nodeNames []string
	for _, p := range pods {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pod, err := p.Read(ctx)
		if err != nil {
			logger.Warn("pod not captured", logging.Namespace(p.Namespace()), logging.ResourceName(p.Name()), logging.Err(err))
			snap.Pods = append(snap.Pods, PodSnapshot{
				Namespace: p.Namespace(),
				Name:      p.Name(),
				Errors:    []string{err.Error()},
			})
			continue
		}
		ps := podSnapshot(pod)
		ps.Events = podEvents(ctx, client, pod, &ps)
		snap.Pods = append(snap.Pods, ps)
		if pod.Spec.NodeName != "" && !slices.Contains(nodeNames, pod.Spec.NodeName) {
			nodeNames = append(nodeNames, pod.Spec.NodeName)
		}
	}

	// --- Nodes ---
	sort.Strings(nodeNames)
	for _, name := range nodeNames {
		node, err := client.CoreV1().Nodes().Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			logger.Warn("node not captured", logging.Node(name), logging.Err(err))
			continue
		}
		ns := NodeSnapshot{Name: node.Name, Unschedulable: node.Spec.Unschedulable}
		for _, c := range node.Status.Conditions {
			ns.Conditions = append(ns.Conditions, NodeConditionSnapshot{
				Type:    string(c.Type),
				Status:  string(c.Status),
				Reason:  c.Reason,
				Message: c.Message,
			})
		}
		snap.Nodes = append(snap.Nodes, ns)
	}

	fetchLogs(ctx, client, snap, opts)
	return snap, ctx.Err()
}

func podSnapshot(p *corev1.Pod) PodSnapshot {
	ps := PodSnapshot{
		Namespace: p.Namespace,
		Name:      p.Name,
		UID:       string(p.UID),
		Phase:     string(p.Status.Phase),
		Reason:    p.Status.Reason,
		NodeName:  p.Spec.NodeName,
		PodIP:     p.Status.PodIP,
		Labels:    p.Labels,
		Ready:     true,
	}

	statuses := append(slices.Clone(p.Status.InitContainerStatuses), p.Status.ContainerStatuses...)
	for _, cs := range statuses {
		ps.Restarts += cs.RestartCount
		if !cs.Ready {
			ps.Ready = false
		}
		c := ContainerSnapshot{
			Name:         cs.Name,
			Image:        cs.Image,
			ImageID:      cs.ImageID,
			ContainerID:  cs.ContainerID,
			Ready:        cs.Ready,
			RestartCount: cs.RestartCount,
		}
		switch {
		case cs.State.Waiting != nil:
			c.State = "Waiting"
			c.StateReason = cs.State.Waiting.Reason
		case cs.State.Running != nil:
			c.State = "Running"
		case cs.State.Terminated != nil:
			c.State = "Terminated"
			c.StateReason = cs.State.Terminated.Reason
		}
		switch {
		case cs.LastTerminationState.Terminated != nil:
			c.LastState = "Terminated"
			c.LastStateReason = cs.LastTerminationState.Terminated.Reason
		case cs.LastTerminationState.Waiting != nil:
			c.LastState = "Waiting"
			c.LastStateReason = cs.LastTerminationState.Waiting.Reason
		}
		ps.Containers = append(ps.Containers, c)
	}
	if len(statuses) == 0 {
		ps.Ready = false
		for _, c := range p.Spec.Containers {
			ps.Containers = append(ps.Containers, ContainerSnapshot{Name: c.Name, Image: c.Image})
		}
	}
	return ps
}

// podEvents lists every event involving the pod, oldest first.
func podEvents(ctx context.Context, client kubernetes.Interface, pod *corev1.Pod, ps *PodSnapshot) []EventSnapshot {
	evts, err := client.CoreV1().Events(pod.Namespace).List(ctx, metav1.ListOptions{
		FieldSelector: fmt.Sprintf("involvedObject.kind=Pod,involvedObject.name=%s", pod.Name),
	})
	if err != nil {
		ps.Errors = append(ps.Errors, fmt.Sprintf("events: %v", err))
		return nil
	}

	var out []EventSnapshot
	for _, e := range evts.Items {
		if e.InvolvedObject.Kind != k8s.KindPod || e.InvolvedObject.Name != pod.Name {
			continue
		}
		out = append(out, EventSnapshot{
			Type:      e.Type,
			Reason:    e.Reason,
			Message:   e.Message,
			Count:     e.Count,
			FirstTime: e.FirstTimestamp.Time,
			LastTime:  e.LastTimestamp.Time,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FirstTime.Before(out[j].FirstTime) })
	return out
}

// fetchLogs fetches container logs concurrently with bounded parallelism
// to avoid API throttling.
func fetchLogs(ctx context.Context, client kubernetes.Interface, snap *Snapshot, opts Options) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	semaphore := make(chan struct{}, opts.MaxConcurrent)
	tail := int64(opts.LogLines)

	fetch := func(pod *PodSnapshot, container string, previous bool) {
		defer wg.Done()
		semaphore <- struct{}{}
		defer func() { <-semaphore }()

		data, err := client.CoreV1().Pods(pod.Namespace).GetLogs(pod.Name, &corev1.PodLogOptions{
			Container:  container,
			TailLines:  &tail,
			Previous:   previous,
			Timestamps: true,
		}).DoRaw(ctx)

		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			pod.Errors = append(pod.Errors, fmt.Sprintf("logs %s (previous=%t): %v", container, previous, err))
			return
		}
		if previous {
			pod.PreviousLogs[container] = string(data)
		} else {
			pod.Logs[container] = string(data)
		}
	}

	for i := range snap.Pods {
		pod := &snap.Pods[i]
		if pod.UID == "" && len(pod.Containers) == 0 {
			continue
		}
		pod.Logs = make(map[string]string)
		pod.PreviousLogs = make(map[string]string)
		for _, c := range pod.Containers {
			wg.Add(1)
			go fetch(pod, c.Name, false)
			if opts.Previous && c.RestartCount > 0 {
				wg.Add(1)
				go fetch(pod, c.Name, true)
			}
		}
	}
	wg.Wait()

	for i := range snap.Pods {
		sort.Strings(snap.Pods[i].Errors)
	}
}

// Write stores the snapshot under dir: snapshot.json plus one file per
// container log at logs/<namespace>/<pod>/<container>[.previous].log.
func (s *Snapshot) Write(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create evidence dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", snapshotFile, err)
	}
	if err := os.WriteFile(filepath.Join(dir, snapshotFile), data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", snapshotFile, err)
	}

	for _, p := range s.Pods {
		podDir := filepath.Join(dir, logsDir, p.Namespace, p.Name)
		for name, logs := range p.Logs {
			if err := writeLog(podDir, name+".log", logs); err != nil {
				return err
			}
		}
		for name, logs := range p.PreviousLogs {
			if err := writeLog(podDir, name+".previous.log", logs); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeLog(dir, name, content string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
