package k8s

import (
	"context"
	"fmt"

	"github.com/ppiankov/kubeir/internal/selector"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// WorkloadKind tags the Workload variants.
type WorkloadKind string

const (
	WorkloadPod        WorkloadKind = KindPod
	WorkloadReplicaSet WorkloadKind = KindReplicaSet
	WorkloadDeployment WorkloadKind = KindDeployment
)

// Workload is a namespaced resource that selects pods by label.
//
// A pod is covered by a workload iff both live in the same namespace and
// the workload's pod-match labels are a subset of the pod's labels.
type Workload interface {
	NamespacedResource
	ObjectReader
	WorkloadKind() WorkloadKind
	// PodMatchLabels returns the labels the workload's pods carry.
	PodMatchLabels(ctx context.Context) (map[string]string, error)
	// GetCoveredPods lists the pods the workload covers.
	GetCoveredPods(ctx context.Context) ([]*Pod, error)
}

// TemplatedWorkload is a workload with a pod template whose labels can be
// patched.
type TemplatedWorkload interface {
	Workload
	AddTemplateLabels(ctx context.Context, labels map[string]string) error
}

// NewWorkload returns the handle for a workload variant.
func NewWorkload(client kubernetes.Interface, kind WorkloadKind, name, namespace string) (Workload, error) {
	switch kind {
	case WorkloadPod:
		return NewPod(client, name, namespace), nil
	case WorkloadReplicaSet:
		return NewReplicaSet(client, name, namespace), nil
	case WorkloadDeployment:
		return NewDeployment(client, name, namespace), nil
	default:
		return nil, fmt.Errorf("workload kind %q: %w", kind, ErrInvalidArgument)
	}
}

// IsCoveringPod reports whether w covers pod, reading the pod's labels live.
// A Pod workload covers only itself and empty match labels cover nothing,
// consistent with GetCoveredPods.
func IsCoveringPod(ctx context.Context, w Workload, pod *Pod) (bool, error) {
	if pod.Namespace() != w.Namespace() {
		return false, nil
	}
	if w.WorkloadKind() == WorkloadPod {
		return pod.Name() == w.Name(), nil
	}
	matchLabels, err := w.PodMatchLabels(ctx)
	if err != nil {
		return false, err
	}
	if len(matchLabels) == 0 {
		return false, nil
	}
	podLabels, err := pod.Labels(ctx)
	if err != nil {
		return false, err
	}
	return IsSubset(matchLabels, podLabels), nil
}

// GetCoveredNodes returns one Node per distinct node the workload's pods run
// on, in order of first appearance. Unscheduled pods are skipped.
func GetCoveredNodes(ctx context.Context, w Workload) ([]*Node, error) {
	pods, err := w.GetCoveredPods(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var nodes []*Node
	for _, pod := range pods {
		obj, err := pod.Read(ctx)
		if err != nil {
			return nil, err
		}
		nodeName := obj.Spec.NodeName
		if nodeName == "" || seen[nodeName] {
			continue
		}
		seen[nodeName] = true
		nodes = append(nodes, NewNode(pod.client, nodeName))
	}
	return nodes, nil
}

// IsSubset reports whether every key/value of sub is present in set.
func IsSubset(sub, set map[string]string) bool {
	for k, v := range sub {
		if got, ok := set[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// listPodsByLabels lists the pods in namespace carrying all labels. An empty
// label set selects nothing rather than every pod in the namespace.
func listPodsByLabels(ctx context.Context, client kubernetes.Interface, namespace string, labels map[string]string) ([]*Pod, error) {
	if len(labels) == 0 {
		return nil, nil
	}
	sel := selector.FromLabels(labels)
	list, err := client.CoreV1().Pods(namespace).List(ctx, sel.ListOptions())
	if err != nil {
		return nil, wrap("list", KindPod, namespace, sel.ToKeywords()[string(selector.ScopeLabel)], err)
	}
	return podsFromList(client, list), nil
}

// matchLabelsOf rejects selectors that use matchExpressions.
func matchLabelsOf(kind, namespace, name string, sel *metav1.LabelSelector) (map[string]string, error) {
	if sel == nil {
		return nil, nil
	}
	if len(sel.MatchExpressions) > 0 {
		return nil, wrap("match labels of", kind, namespace, name, ErrUnsupportedSelector)
	}
	return sel.MatchLabels, nil
}
