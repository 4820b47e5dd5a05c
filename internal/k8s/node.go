package k8s

import (
	"context"

	"github.com/ppiankov/kubeir/internal/selector"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
)

// PodPredicate decides whether a pod is selected, e.g. for eviction.
type PodPredicate func(ctx context.Context, pod *Pod) (bool, error)

// Node is a handle on a cluster node.
type Node struct {
	ref
}

// NewNode returns a handle for the named node.
func NewNode(client kubernetes.Interface, name string) *Node {
	return &Node{ref: ref{client: client, name: name}}
}

// Kind implements Resource.
func (n *Node) Kind() string { return KindNode }

// Read fetches the live node object.
func (n *Node) Read(ctx context.Context) (*corev1.Node, error) {
	node, err := n.client.CoreV1().Nodes().Get(ctx, n.name, metav1.GetOptions{})
	if err != nil {
		return nil, wrap("read", KindNode, "", n.name, err)
	}
	return node, nil
}

// ReadObject implements ObjectReader.
func (n *Node) ReadObject(ctx context.Context) (runtime.Object, error) {
	return n.Read(ctx)
}

// ExternalIPs returns the node's external addresses.
func (n *Node) ExternalIPs(ctx context.Context) ([]string, error) {
	return n.addresses(ctx, corev1.NodeExternalIP)
}

// InternalIPs returns the node's internal addresses.
func (n *Node) InternalIPs(ctx context.Context) ([]string, error) {
	return n.addresses(ctx, corev1.NodeInternalIP)
}

func (n *Node) addresses(ctx context.Context, addrType corev1.NodeAddressType) ([]string, error) {
	node, err := n.Read(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, addr := range node.Status.Addresses {
		if addr.Type == addrType {
			out = append(out, addr.Address)
		}
	}
	return out, nil
}

// Cordon marks the node unschedulable, as `kubectl cordon` does. Cordoning
// an already cordoned node is a no-op on the server side.
func (n *Node) Cordon(ctx context.Context) error {
	body := []byte(`{"spec":{"unschedulable":true}}`)
	_, err := n.client.CoreV1().Nodes().Patch(ctx, n.name, patchType, body, metav1.PatchOptions{})
	return wrap("cordon", KindNode, "", n.name, err)
}

// ListPods lists the non-terminated pods scheduled on this node, optionally
// restricted to a namespace ("" means all namespaces).
func (n *Node) ListPods(ctx context.Context, namespace string) ([]*Pod, error) {
	sel := selector.New(selector.Node(n.name), selector.Running())
	list, err := n.client.CoreV1().Pods(namespace).List(ctx, sel.ListOptions())
	if err != nil {
		return nil, wrap("list pods on", KindNode, "", n.name, err)
	}
	return podsFromList(n.client, list), nil
}

// Drain deletes every running pod on the node for which predicate returns
// true and returns the deleted pods. The first error aborts the drain;
// pods deleted before the error stay deleted.
//
// Drain does not cordon. Cordon first to narrow the window in which the
// scheduler places new pods on the node; the window never fully closes.
func (n *Node) Drain(ctx context.Context, predicate PodPredicate) ([]*Pod, error) {
	pods, err := n.ListPods(ctx, metav1.NamespaceAll)
	if err != nil {
		return nil, err
	}

	var deleted []*Pod
	for _, pod := range pods {
		evict, err := predicate(ctx, pod)
		if err != nil {
			return deleted, err
		}
		if !evict {
			continue
		}
		if err := pod.Delete(ctx, true); err != nil {
			return deleted, err
		}
		deleted = append(deleted, pod)
	}
	return deleted, nil
}

func podsFromList(client kubernetes.Interface, list *corev1.PodList) []*Pod {
	pods := make([]*Pod, 0, len(list.Items))
	for i := range list.Items {
		pods = append(pods, NewPod(client, list.Items[i].Name, list.Items[i].Namespace))
	}
	return pods
}
