// Package k8stest provides a fake clientset for tests that depend on pod
// field selectors, which the stock fake ignores.
package k8stest

import (
	authorizationv1 "k8s.io/api/authorization/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

var (
	podsResource = corev1.SchemeGroupVersion.WithResource("pods")
	podsKind     = corev1.SchemeGroupVersion.WithKind("Pod")
)

// NewClient returns a fake clientset seeded with objs. Pod lists honor
// field selectors on metadata.name, metadata.namespace, spec.nodeName and
// status.phase, and access reviews are allowed.
func NewClient(objs ...runtime.Object) *fake.Clientset {
	client := fake.NewSimpleClientset(objs...)
	client.PrependReactor("list", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		la := action.(k8stesting.ListAction)
		restrictions := la.GetListRestrictions()
		obj, err := client.Tracker().List(podsResource, podsKind, la.GetNamespace())
		if err != nil {
			return true, nil, err
		}
		out := &corev1.PodList{}
		for _, pod := range obj.(*corev1.PodList).Items {
			if restrictions.Labels != nil && !restrictions.Labels.Matches(labels.Set(pod.Labels)) {
				continue
			}
			if restrictions.Fields != nil && !restrictions.Fields.Matches(PodFields(&pod)) {
				continue
			}
			out.Items = append(out.Items, pod)
		}
		return true, out, nil
	})
	client.PrependReactor("create", "selfsubjectaccessreviews", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, &authorizationv1.SelfSubjectAccessReview{
			Status: authorizationv1.SubjectAccessReviewStatus{Allowed: true},
		}, nil
	})
	return client
}

// PodFields returns the field set pod lists are filtered on.
func PodFields(pod *corev1.Pod) fields.Set {
	return fields.Set{
		"metadata.name":      pod.Name,
		"metadata.namespace": pod.Namespace,
		"spec.nodeName":      pod.Spec.NodeName,
		"status.phase":       string(pod.Status.Phase),
	}
}

// Pod returns a running pod scheduled on node ("" for pending).
func Pod(name, namespace, node string, podLabels map[string]string) *corev1.Pod {
	phase := corev1.PodRunning
	if node == "" {
		phase = corev1.PodPending
	}
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace, Labels: podLabels},
		Spec:       corev1.PodSpec{NodeName: node},
		Status:     corev1.PodStatus{Phase: phase},
	}
}

// Node returns a node with no status.
func Node(name string) *corev1.Node {
	return &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: name}}
}

// DeleteActions returns the recorded delete actions on resource.
func DeleteActions(client *fake.Clientset, resource string) []k8stesting.DeleteAction {
	var out []k8stesting.DeleteAction
	for _, a := range client.Actions() {
		if da, ok := a.(k8stesting.DeleteAction); ok && a.GetVerb() == "delete" && a.GetResource().Resource == resource {
			out = append(out, da)
		}
	}
	return out
}
