package k8s

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ppiankov/kubeir/internal/logging"
	"github.com/ppiankov/kubeir/internal/selector"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apiequality "k8s.io/apimachinery/pkg/api/equality"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
)

// Deployment is a handle on a Deployment. Its pods are the pods of the live
// ReplicaSet whose template matches the Deployment's template.
type Deployment struct {
	ref
	logger *slog.Logger
}

var _ TemplatedWorkload = (*Deployment)(nil)

// NewDeployment returns a handle for the Deployment name in namespace.
func NewDeployment(client kubernetes.Interface, name, namespace string) *Deployment {
	return &Deployment{ref: ref{client: client, name: name, namespace: namespace}}
}

// WithLogger sets the logger used for resolution diagnostics.
func (d *Deployment) WithLogger(l *slog.Logger) *Deployment {
	d.logger = l
	return d
}

// Kind implements Resource.
func (d *Deployment) Kind() string { return KindDeployment }

// WorkloadKind implements Workload.
func (d *Deployment) WorkloadKind() WorkloadKind { return WorkloadDeployment }

// Read fetches the live Deployment.
func (d *Deployment) Read(ctx context.Context) (*appsv1.Deployment, error) {
	dep, err := d.client.AppsV1().Deployments(d.namespace).Get(ctx, d.name, metav1.GetOptions{})
	if err != nil {
		return nil, wrap("read", KindDeployment, d.namespace, d.name, err)
	}
	return dep, nil
}

// ReadObject implements ObjectReader.
func (d *Deployment) ReadObject(ctx context.Context) (runtime.Object, error) {
	return d.Read(ctx)
}

// Delete deletes the Deployment; with cascade=false its ReplicaSets are
// orphaned.
func (d *Deployment) Delete(ctx context.Context, cascade bool) error {
	err := d.client.AppsV1().Deployments(d.namespace).Delete(ctx, d.name, deleteOptions(cascade))
	return wrap("delete", KindDeployment, d.namespace, d.name, err)
}

// ReplicaSet returns the live ReplicaSet backing the Deployment: the first
// ReplicaSet, in list order, selected by the Deployment whose pod template
// equals the Deployment's once pod-template-hash is removed from both.
// No match is an inconsistency and yields ErrNotFound.
func (d *Deployment) ReplicaSet(ctx context.Context) (*ReplicaSet, error) {
	dep, err := d.Read(ctx)
	if err != nil {
		return nil, err
	}
	matchLabels, err := matchLabelsOf(KindDeployment, d.namespace, d.name, dep.Spec.Selector)
	if err != nil {
		return nil, err
	}

	list, err := d.client.AppsV1().ReplicaSets(d.namespace).List(ctx, selector.FromLabels(matchLabels).ListOptions())
	if err != nil {
		return nil, wrap("list replicasets of", KindDeployment, d.namespace, d.name, err)
	}

	want := stripTemplateHash(&dep.Spec.Template)
	var matches []string
	for i := range list.Items {
		got := stripTemplateHash(&list.Items[i].Spec.Template)
		if apiequality.Semantic.DeepEqual(want, got) {
			matches = append(matches, list.Items[i].Name)
		}
	}

	if len(matches) == 0 {
		return nil, wrap("resolve replicaset of", KindDeployment, d.namespace, d.name,
			fmt.Errorf("matching ReplicaSet: %w", ErrNotFound))
	}
	if len(matches) > 1 {
		logging.OrDefault(d.logger).Warn("several ReplicaSets match deployment template, using the first",
			logging.Namespace(d.namespace),
			logging.ResourceName(d.name),
			slog.Any("replicasets", matches))
	}
	return NewReplicaSet(d.client, matches[0], d.namespace), nil
}

// PodMatchLabels implements Workload with the matching ReplicaSet's labels,
// which include its pod-template-hash.
func (d *Deployment) PodMatchLabels(ctx context.Context) (map[string]string, error) {
	rs, err := d.ReplicaSet(ctx)
	if err != nil {
		return nil, err
	}
	return rs.PodMatchLabels(ctx)
}

// GetCoveredPods implements Workload.
func (d *Deployment) GetCoveredPods(ctx context.Context) ([]*Pod, error) {
	labels, err := d.PodMatchLabels(ctx)
	if err != nil {
		return nil, err
	}
	return listPodsByLabels(ctx, d.client, d.namespace, labels)
}

// AddTemplateLabels patches labels into the pod template. This changes the
// template and therefore rolls out a new ReplicaSet.
func (d *Deployment) AddTemplateLabels(ctx context.Context, labels map[string]string) error {
	body, err := templateLabelsPatch(labels)
	if err != nil {
		return patchErr(KindDeployment, err)
	}
	_, err = d.client.AppsV1().Deployments(d.namespace).Patch(ctx, d.name, patchType, body, metav1.PatchOptions{})
	return wrap("label template of", KindDeployment, d.namespace, d.name, err)
}

// stripTemplateHash returns a copy of tmpl without the pod-template-hash label.
func stripTemplateHash(tmpl *corev1.PodTemplateSpec) *corev1.PodTemplateSpec {
	out := tmpl.DeepCopy()
	delete(out.Labels, appsv1.DefaultDeploymentUniqueLabelKey)
	if len(out.Labels) == 0 {
		out.Labels = nil
	}
	return out
}
