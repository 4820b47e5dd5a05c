package k8s

import (
	"context"

	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
)

// ReplicaSet is a handle on a ReplicaSet.
type ReplicaSet struct {
	ref
}

var _ TemplatedWorkload = (*ReplicaSet)(nil)

// NewReplicaSet returns a handle for the ReplicaSet name in namespace.
func NewReplicaSet(client kubernetes.Interface, name, namespace string) *ReplicaSet {
	return &ReplicaSet{ref: ref{client: client, name: name, namespace: namespace}}
}

// Kind implements Resource.
func (r *ReplicaSet) Kind() string { return KindReplicaSet }

// WorkloadKind implements Workload.
func (r *ReplicaSet) WorkloadKind() WorkloadKind { return WorkloadReplicaSet }

// Read fetches the live ReplicaSet.
func (r *ReplicaSet) Read(ctx context.Context) (*appsv1.ReplicaSet, error) {
	rs, err := r.client.AppsV1().ReplicaSets(r.namespace).Get(ctx, r.name, metav1.GetOptions{})
	if err != nil {
		return nil, wrap("read", KindReplicaSet, r.namespace, r.name, err)
	}
	return rs, nil
}

// ReadObject implements ObjectReader.
func (r *ReplicaSet) ReadObject(ctx context.Context) (runtime.Object, error) {
	return r.Read(ctx)
}

// Delete deletes the ReplicaSet; with cascade=false its pods are orphaned.
func (r *ReplicaSet) Delete(ctx context.Context, cascade bool) error {
	err := r.client.AppsV1().ReplicaSets(r.namespace).Delete(ctx, r.name, deleteOptions(cascade))
	return wrap("delete", KindReplicaSet, r.namespace, r.name, err)
}

// PodMatchLabels implements Workload using spec.selector.matchLabels.
func (r *ReplicaSet) PodMatchLabels(ctx context.Context) (map[string]string, error) {
	rs, err := r.Read(ctx)
	if err != nil {
		return nil, err
	}
	return matchLabelsOf(KindReplicaSet, r.namespace, r.name, rs.Spec.Selector)
}

// GetCoveredPods implements Workload.
func (r *ReplicaSet) GetCoveredPods(ctx context.Context) ([]*Pod, error) {
	labels, err := r.PodMatchLabels(ctx)
	if err != nil {
		return nil, err
	}
	return listPodsByLabels(ctx, r.client, r.namespace, labels)
}

// AddTemplateLabels patches labels into the pod template. Existing pods are
// not relabelled by the controller.
func (r *ReplicaSet) AddTemplateLabels(ctx context.Context, labels map[string]string) error {
	body, err := templateLabelsPatch(labels)
	if err != nil {
		return patchErr(KindReplicaSet, err)
	}
	_, err = r.client.AppsV1().ReplicaSets(r.namespace).Patch(ctx, r.name, patchType, body, metav1.PatchOptions{})
	return wrap("label template of", KindReplicaSet, r.namespace, r.name, err)
}
