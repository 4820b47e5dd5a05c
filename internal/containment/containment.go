// Package containment isolates compromised workloads: it drains foreign
// pods off the nodes a workload runs on and fences pods behind deny-all
// network policies.
package containment

import (
	"context"
	"fmt"
	"maps"

	"github.com/ppiankov/kubeir/internal/k8s"
)

// DrainResult lists what a drain touched.
type DrainResult struct {
	Nodes    []*k8s.Node
	Cordoned []*k8s.Node
	Deleted  []*k8s.Pod
}

// DrainWorkloadNodesFromOtherPods deletes every running pod that w does not
// cover from the nodes w's pods are scheduled on. With cordon, all nodes
// are cordoned before the first drain.
//
// Pods scheduled between the cordon and the pod listing of a drain are
// not fenced out; the sequence narrows that window without closing it.
// On error the result holds everything done so far.
func DrainWorkloadNodesFromOtherPods(ctx context.Context, w k8s.Workload, cordon bool) (*DrainResult, error) {
	nodes, err := k8s.GetCoveredNodes(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("resolve nodes of %s: %w", w, err)
	}
	res := &DrainResult{Nodes: nodes}

	if cordon {
		for _, n := range nodes {
			if err := n.Cordon(ctx); err != nil {
				return res, err
			}
			res.Cordoned = append(res.Cordoned, n)
		}
	}

	foreign := func(ctx context.Context, pod *k8s.Pod) (bool, error) {
		covered, err := k8s.IsCoveringPod(ctx, w, pod)
		return !covered, err
	}
	for _, n := range nodes {
		deleted, err := n.Drain(ctx, foreign)
		res.Deleted = append(res.Deleted, deleted...)
		if err != nil {
			return res, fmt.Errorf("drain %s: %w", n, err)
		}
	}
	return res, nil
}

// IsolatePodsWithNetworkPolicy creates a deny-all NetworkPolicy in the
// pods' namespace and labels every pod into its scope. The policy is
// created before any pod is labelled. An empty pods slice does nothing
// and returns nil.
func IsolatePodsWithNetworkPolicy(ctx context.Context, cluster *k8s.Cluster, pods []*k8s.Pod) (*k8s.DenyAllNetworkPolicy, error) {
	if len(pods) == 0 {
		return nil, nil
	}

	enabled, err := cluster.IsNetworkPolicyEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("check network policy support: %w", err)
	}
	if !enabled {
		return nil, fmt.Errorf("network policies are not enforced on this cluster: %w", k8s.ErrOperationFailed)
	}

	namespace, err := sharedNamespace(pods)
	if err != nil {
		return nil, err
	}

	policy := cluster.DenyAllNetworkPolicy(namespace)
	if err := policy.Create(ctx); err != nil {
		return nil, err
	}
	labels := policy.Labels()
	for _, pod := range pods {
		if err := pod.AddLabels(ctx, labels); err != nil {
			return policy, err
		}
	}
	return policy, nil
}

func sharedNamespace(pods []*k8s.Pod) (string, error) {
	namespace := pods[0].Namespace()
	for _, pod := range pods[1:] {
		if pod.Namespace() != namespace {
			return "", fmt.Errorf("pods span namespaces %q and %q: %w", namespace, pod.Namespace(), k8s.ErrInvalidArgument)
		}
	}
	return namespace, nil
}

// IsolationResult is the outcome of isolating a workload.
type IsolationResult struct {
	Policy   *k8s.DenyAllNetworkPolicy
	Pods     []*k8s.Pod
	Template bool // the pod template was labelled too
}

// IsolateWorkload isolates every pod w covers. With labelTemplate, the pod
// template of a ReplicaSet or Deployment also receives the quarantine
// label, so replacement pods start isolated. For a Deployment this
// starts a rollout.
func IsolateWorkload(ctx context.Context, cluster *k8s.Cluster, w k8s.Workload, labelTemplate bool) (*IsolationResult, error) {
	pods, err := w.GetCoveredPods(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve pods of %s: %w", w, err)
	}
	policy, err := IsolatePodsWithNetworkPolicy(ctx, cluster, pods)
	res := &IsolationResult{Policy: policy, Pods: pods}
	if err != nil || policy == nil {
		return res, err
	}

	if tw, ok := w.(k8s.TemplatedWorkload); ok && labelTemplate {
		if err := tw.AddTemplateLabels(ctx, maps.Clone(policy.Labels())); err != nil {
			return res, err
		}
		res.Template = true
	}
	return res, nil
}

// Release undoes an isolation: the quarantine label is removed from every
// pod carrying the policy's tag, then the policy is deleted. A failed
// unlabel leaves the policy in place so the release can be retried.
func Release(ctx context.Context, cluster *k8s.Cluster, policy *k8s.DenyAllNetworkPolicy) ([]*k8s.Pod, error) {
	pods, err := cluster.ListPodsByLabels(ctx, policy.Namespace(), policy.Labels())
	if err != nil {
		return nil, err
	}
	for i, pod := range pods {
		if err := pod.RemoveLabels(ctx, k8s.QuarantineLabel); err != nil {
			return pods[:i], err
		}
	}
	if err := policy.Delete(ctx, true); err != nil {
		return pods, err
	}
	return pods, nil
}
