package k8s

import (
	"context"

	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilrand "k8s.io/apimachinery/pkg/util/rand"
	"k8s.io/client-go/kubernetes"
)

const (
	// QuarantineLabel is the pod label selected by deny-all policies.
	QuarantineLabel = "quarantineId"
	// QuarantinePolicyPrefix prefixes the names of deny-all policies.
	QuarantinePolicyPrefix = "kubeir-quarantine-"
	// ManagedByLabel marks policies created by this tool.
	ManagedByLabel = "app.kubernetes.io/managed-by"
	// ManagedByValue is the ManagedByLabel value of those policies.
	ManagedByValue = "kubeir"

	tagLength = 16
)

// NetworkPolicy is a handle on a NetworkPolicy.
type NetworkPolicy struct {
	ref
}

var _ NamespacedResource = (*NetworkPolicy)(nil)

// NewNetworkPolicy returns a handle for the NetworkPolicy name in namespace.
func NewNetworkPolicy(client kubernetes.Interface, name, namespace string) *NetworkPolicy {
	return &NetworkPolicy{ref: ref{client: client, name: name, namespace: namespace}}
}

// Kind implements Resource.
func (p *NetworkPolicy) Kind() string { return KindNetworkPolicy }

// Read fetches the live NetworkPolicy.
func (p *NetworkPolicy) Read(ctx context.Context) (*networkingv1.NetworkPolicy, error) {
	np, err := p.client.NetworkingV1().NetworkPolicies(p.namespace).Get(ctx, p.name, metav1.GetOptions{})
	if err != nil {
		return nil, wrap("read", KindNetworkPolicy, p.namespace, p.name, err)
	}
	return np, nil
}

// ReadObject implements ObjectReader.
func (p *NetworkPolicy) ReadObject(ctx context.Context) (runtime.Object, error) {
	return p.Read(ctx)
}

// Delete deletes the NetworkPolicy.
func (p *NetworkPolicy) Delete(ctx context.Context, cascade bool) error {
	err := p.client.NetworkingV1().NetworkPolicies(p.namespace).Delete(ctx, p.name, deleteOptions(cascade))
	return wrap("delete", KindNetworkPolicy, p.namespace, p.name, err)
}

// DenyAllNetworkPolicy is a not-yet-created policy that blocks all ingress
// and egress traffic of the pods carrying its quarantine label.
type DenyAllNetworkPolicy struct {
	NetworkPolicy
	tag string
}

// NewDenyAllNetworkPolicy returns a deny-all policy for namespace with a
// fresh random tag. Call Create to submit it.
func NewDenyAllNetworkPolicy(client kubernetes.Interface, namespace string) *DenyAllNetworkPolicy {
	return newDenyAllWithTag(client, namespace, utilrand.String(tagLength))
}

// DenyAllNetworkPolicyFor rebuilds the handle of an existing deny-all policy
// from its name, e.g. to release it. Names without the quarantine prefix
// yield ErrInvalidArgument.
func DenyAllNetworkPolicyFor(client kubernetes.Interface, name, namespace string) (*DenyAllNetworkPolicy, error) {
	tag, ok := quarantineTag(name)
	if !ok {
		return nil, wrap("parse", KindNetworkPolicy, namespace, name, ErrInvalidArgument)
	}
	return newDenyAllWithTag(client, namespace, tag), nil
}

func newDenyAllWithTag(client kubernetes.Interface, namespace, tag string) *DenyAllNetworkPolicy {
	return &DenyAllNetworkPolicy{
		NetworkPolicy: NetworkPolicy{ref: ref{client: client, name: QuarantinePolicyPrefix + tag, namespace: namespace}},
		tag:           tag,
	}
}

func quarantineTag(name string) (string, bool) {
	if len(name) != len(QuarantinePolicyPrefix)+tagLength || name[:len(QuarantinePolicyPrefix)] != QuarantinePolicyPrefix {
		return "", false
	}
	return name[len(QuarantinePolicyPrefix):], true
}

// Tag returns the random tag shared by the policy name and its labels.
func (p *DenyAllNetworkPolicy) Tag() string { return p.tag }

// Labels returns the pod labels the policy selects.
func (p *DenyAllNetworkPolicy) Labels() map[string]string {
	return map[string]string{QuarantineLabel: p.tag}
}

// Spec returns the policy spec: select Labels, declare both policy types,
// allow nothing.
func (p *DenyAllNetworkPolicy) Spec() networkingv1.NetworkPolicySpec {
	return networkingv1.NetworkPolicySpec{
		PodSelector: metav1.LabelSelector{MatchLabels: p.Labels()},
		PolicyTypes: []networkingv1.PolicyType{
			networkingv1.PolicyTypeIngress,
			networkingv1.PolicyTypeEgress,
		},
	}
}

// Object returns the NetworkPolicy object submitted by Create.
func (p *DenyAllNetworkPolicy) Object() *networkingv1.NetworkPolicy {
	return &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      p.name,
			Namespace: p.namespace,
			Labels:    map[string]string{ManagedByLabel: ManagedByValue},
		},
		Spec: p.Spec(),
	}
}

// Create submits the policy to the cluster.
func (p *DenyAllNetworkPolicy) Create(ctx context.Context) error {
	_, err := p.client.NetworkingV1().NetworkPolicies(p.namespace).Create(ctx, p.Object(), metav1.CreateOptions{})
	return wrap("create", KindNetworkPolicy, p.namespace, p.name, err)
}
