package k8s

import (
	"context"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// NetworkPolicyProbe decides whether the cluster enforces NetworkPolicy.
type NetworkPolicyProbe interface {
	NetworkPolicyEnabled(ctx context.Context) (bool, error)
}

// NetworkPolicyProbeFunc adapts a function to NetworkPolicyProbe.
type NetworkPolicyProbeFunc func(ctx context.Context) (bool, error)

// NetworkPolicyEnabled implements NetworkPolicyProbe.
func (f NetworkPolicyProbeFunc) NetworkPolicyEnabled(ctx context.Context) (bool, error) {
	return f(ctx)
}

// StaticProbe always returns enabled.
func StaticProbe(enabled bool) NetworkPolicyProbe {
	return NetworkPolicyProbeFunc(func(context.Context) (bool, error) { return enabled, nil })
}

// enforcingDaemonSets are CNI agents that enforce NetworkPolicy whenever
// they run.
var enforcingDaemonSets = map[string]bool{
	"calico-node":  true,
	"cilium":       true,
	"antrea-agent": true,
	"kube-router":  true,
	"weave-net":    true,
	"canal":        true,
}

const (
	awsNodeDaemonSet      = "aws-node"
	awsNetpolAgent        = "aws-network-policy-agent"
	awsNetpolEnabledArg   = "--enable-network-policy=true"
	defaultProbeNamespace = metav1.NamespaceSystem
)

// DaemonSetProbe looks for a NetworkPolicy-enforcing CNI agent among the
// DaemonSets of a namespace, kube-system by default.
type DaemonSetProbe struct {
	client    kubernetes.Interface
	namespace string
}

// NewDaemonSetProbe returns a probe over kube-system.
func NewDaemonSetProbe(client kubernetes.Interface) *DaemonSetProbe {
	return &DaemonSetProbe{client: client, namespace: defaultProbeNamespace}
}

// NetworkPolicyEnabled implements NetworkPolicyProbe.
func (p *DaemonSetProbe) NetworkPolicyEnabled(ctx context.Context) (bool, error) {
	list, err := p.client.AppsV1().DaemonSets(p.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return false, wrap("list daemonsets in", "Namespace", "", p.namespace, err)
	}
	for i := range list.Items {
		ds := &list.Items[i]
		if enforcingDaemonSets[ds.Name] {
			return true, nil
		}
		if ds.Name == awsNodeDaemonSet && awsNetpolAgentEnabled(ds) {
			return true, nil
		}
	}
	return false, nil
}

// awsNetpolAgentEnabled reports whether the VPC CNI's network policy agent
// runs with enforcement switched on.
func awsNetpolAgentEnabled(ds *appsv1.DaemonSet) bool {
	for _, c := range ds.Spec.Template.Spec.Containers {
		if c.Name != awsNetpolAgent {
			continue
		}
		for _, arg := range c.Args {
			if strings.EqualFold(arg, awsNetpolEnabledArg) {
				return true
			}
		}
	}
	return false
}
