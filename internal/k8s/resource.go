// Package k8s wraps live Kubernetes resources in typed handles and resolves
// coverage relationships between them: which pods a workload or service
// selects, which nodes those pods run on, which ReplicaSet backs a
// Deployment. Handles hold only the client and the resource identity; every
// accessor reads the cluster again.
package k8s

import (
	"context"
	"encoding/json"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
)

// Resource kinds as reported by Kind().
const (
	KindNode          = "Node"
	KindPod           = "Pod"
	KindReplicaSet    = "ReplicaSet"
	KindDeployment    = "Deployment"
	KindService       = "Service"
	KindNetworkPolicy = "NetworkPolicy"
)

// Resource is any cluster object addressable by name.
type Resource interface {
	Kind() string
	Name() string
}

// NamespacedResource is a Resource living in a namespace that can be deleted.
// With cascade=false deletion orphans dependents instead of removing them.
type NamespacedResource interface {
	Resource
	Namespace() string
	Delete(ctx context.Context, cascade bool) error
}

// ObjectReader is implemented by handles that can return their live object
// untyped, e.g. for audit snapshots.
type ObjectReader interface {
	Resource
	ReadObject(ctx context.Context) (runtime.Object, error)
}

// ref is the identity shared by all handles.
type ref struct {
	client    kubernetes.Interface
	name      string
	namespace string
}

func (r ref) Name() string      { return r.name }
func (r ref) Namespace() string { return r.namespace }

// Client returns the API handle the resource was built with.
func (r ref) Client() kubernetes.Interface { return r.client }

func (r ref) String() string {
	if r.namespace == "" {
		return r.name
	}
	return r.namespace + "/" + r.name
}

// deleteOptions returns the options for a cascading or orphaning delete.
func deleteOptions(cascade bool) metav1.DeleteOptions {
	if cascade {
		return metav1.DeleteOptions{}
	}
	orphan := metav1.DeletePropagationOrphan
	return metav1.DeleteOptions{PropagationPolicy: &orphan}
}

// labelsPatch builds {"metadata":{"labels":{...}}}. A nil value removes the key.
func labelsPatch(labels map[string]*string) ([]byte, error) {
	body := map[string]any{
		"metadata": map[string]any{"labels": labels},
	}
	return json.Marshal(body)
}

// templateLabelsPatch builds {"spec":{"template":{"metadata":{"labels":{...}}}}}.
func templateLabelsPatch(labels map[string]string) ([]byte, error) {
	body := map[string]any{
		"spec": map[string]any{
			"template": map[string]any{
				"metadata": map[string]any{"labels": labels},
			},
		},
	}
	return json.Marshal(body)
}

func addLabelValues(labels map[string]string) map[string]*string {
	out := make(map[string]*string, len(labels))
	for k, v := range labels {
		out[k] = &v
	}
	return out
}

func removeLabelValues(keys []string) map[string]*string {
	out := make(map[string]*string, len(keys))
	for _, k := range keys {
		out[k] = nil
	}
	return out
}

const patchType = types.StrategicMergePatchType

func patchErr(kind string, err error) error {
	return fmt.Errorf("build %s patch: %w", kind, err)
}
