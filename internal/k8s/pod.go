package k8s

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
)

// Pod is a handle on a pod. A pod is also the degenerate Workload that
// covers exactly itself.
type Pod struct {
	ref
}

var _ Workload = (*Pod)(nil)

// NewPod returns a handle for the pod name in namespace.
func NewPod(client kubernetes.Interface, name, namespace string) *Pod {
	return &Pod{ref: ref{client: client, name: name, namespace: namespace}}
}

// Kind implements Resource.
func (p *Pod) Kind() string { return KindPod }

// WorkloadKind implements Workload.
func (p *Pod) WorkloadKind() WorkloadKind { return WorkloadPod }

// Read fetches the live pod object.
func (p *Pod) Read(ctx context.Context) (*corev1.Pod, error) {
	pod, err := p.client.CoreV1().Pods(p.namespace).Get(ctx, p.name, metav1.GetOptions{})
	if err != nil {
		return nil, wrap("read", KindPod, p.namespace, p.name, err)
	}
	return pod, nil
}

// ReadObject implements ObjectReader.
func (p *Pod) ReadObject(ctx context.Context) (runtime.Object, error) {
	return p.Read(ctx)
}

// Delete deletes the pod.
func (p *Pod) Delete(ctx context.Context, cascade bool) error {
	err := p.client.CoreV1().Pods(p.namespace).Delete(ctx, p.name, deleteOptions(cascade))
	return wrap("delete", KindPod, p.namespace, p.name, err)
}

// GetNode returns the node the pod is scheduled on. A pod that has not been
// scheduled yet yields ErrNotFound.
func (p *Pod) GetNode(ctx context.Context) (*Node, error) {
	pod, err := p.Read(ctx)
	if err != nil {
		return nil, err
	}
	if pod.Spec.NodeName == "" {
		return nil, wrap("resolve node of", KindPod, p.namespace, p.name,
			fmt.Errorf("pod is not scheduled: %w", ErrNotFound))
	}
	return NewNode(p.client, pod.Spec.NodeName), nil
}

// Labels returns the pod's live labels.
func (p *Pod) Labels(ctx context.Context) (map[string]string, error) {
	pod, err := p.Read(ctx)
	if err != nil {
		return nil, err
	}
	return pod.Labels, nil
}

// AddLabels merges labels into the pod's labels.
func (p *Pod) AddLabels(ctx context.Context, labels map[string]string) error {
	body, err := labelsPatch(addLabelValues(labels))
	if err != nil {
		return patchErr(KindPod, err)
	}
	_, err = p.client.CoreV1().Pods(p.namespace).Patch(ctx, p.name, patchType, body, metav1.PatchOptions{})
	return wrap("label", KindPod, p.namespace, p.name, err)
}

// RemoveLabels removes the given label keys from the pod.
func (p *Pod) RemoveLabels(ctx context.Context, keys ...string) error {
	body, err := labelsPatch(removeLabelValues(keys))
	if err != nil {
		return patchErr(KindPod, err)
	}
	_, err = p.client.CoreV1().Pods(p.namespace).Patch(ctx, p.name, patchType, body, metav1.PatchOptions{})
	return wrap("unlabel", KindPod, p.namespace, p.name, err)
}

// ListContainers returns the containers declared in the pod spec.
func (p *Pod) ListContainers(ctx context.Context) ([]*Container, error) {
	pod, err := p.Read(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Container, 0, len(pod.Spec.Containers))
	for i := range pod.Spec.Containers {
		out = append(out, NewContainer(pod.Spec.Containers[i]))
	}
	return out, nil
}

// ListVolumes returns the volumes declared in the pod spec.
func (p *Pod) ListVolumes(ctx context.Context) ([]*Volume, error) {
	pod, err := p.Read(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Volume, 0, len(pod.Spec.Volumes))
	for i := range pod.Spec.Volumes {
		out = append(out, NewVolume(pod.Spec.Volumes[i]))
	}
	return out, nil
}

// PodMatchLabels implements Workload: a pod matches on its own labels.
func (p *Pod) PodMatchLabels(ctx context.Context) (map[string]string, error) {
	return p.Labels(ctx)
}

// GetCoveredPods implements Workload: a pod covers only itself.
func (p *Pod) GetCoveredPods(_ context.Context) ([]*Pod, error) {
	return []*Pod{p}, nil
}
