package containment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ppiankov/kubeir/internal/audit"
	"github.com/ppiankov/kubeir/internal/instrumentation"
	"github.com/ppiankov/kubeir/internal/k8s"
	"github.com/ppiankov/kubeir/internal/logging"
	"github.com/ppiankov/kubeir/internal/policy"
	"k8s.io/apimachinery/pkg/runtime"
)

// ErrDenied is returned when the containment policy or the rate limiter
// refuses an action.
var ErrDenied = errors.New("containment action denied")

const (
	guardActionAllowed = "action-allowed"
	guardNamespace     = "namespace-not-protected"
	guardPodCount      = "pod-count-within-limit"
	guardRateLimit     = "rate-limit"
)

// Runner runs containment actions behind the policy, the rate limiter
// and the audit journal. Journal, Limiter and Metrics are optional.
type Runner struct {
	Cluster *k8s.Cluster
	Policy  *policy.Policy
	Journal *audit.Journal
	Limiter *audit.Limiter
	Metrics *instrumentation.Metrics
	Logger  *slog.Logger
	// Actor names the caller in rate-limit state.
	Actor string
}

// Cordon marks a node unschedulable.
func (r *Runner) Cordon(ctx context.Context, node *k8s.Node) error {
	return r.run(ctx, audit.ActionCordon, node, 0, []k8s.ObjectReader{node},
		func(ctx context.Context) ([]k8s.ObjectReader, error) {
			if err := node.Cordon(ctx); err != nil {
				return nil, err
			}
			r.Metrics.NodesCordoned(1)
			return []k8s.ObjectReader{node}, nil
		})
}

// Drain runs DrainWorkloadNodesFromOtherPods for w.
func (r *Runner) Drain(ctx context.Context, w k8s.Workload, cordon bool) (*DrainResult, error) {
	before, err := r.drainSnapshotSet(ctx, w)
	if err != nil {
		return nil, err
	}

	var res *DrainResult
	err = r.run(ctx, audit.ActionDrain, w, 0, before,
		func(ctx context.Context) ([]k8s.ObjectReader, error) {
			var err error
			res, err = DrainWorkloadNodesFromOtherPods(ctx, w, cordon)
			if res == nil {
				return nil, err
			}
			r.Metrics.NodesCordoned(len(res.Cordoned))
			r.Metrics.PodsDeleted(len(res.Deleted))
			affected := make([]k8s.ObjectReader, 0, len(res.Cordoned)+len(res.Deleted))
			for _, n := range res.Cordoned {
				affected = append(affected, n)
			}
			for _, p := range res.Deleted {
				affected = append(affected, p)
			}
			return affected, err
		})
	return res, err
}

// drainSnapshotSet returns the covered nodes and every running pod on them.
func (r *Runner) drainSnapshotSet(ctx context.Context, w k8s.Workload) ([]k8s.ObjectReader, error) {
	nodes, err := k8s.GetCoveredNodes(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("resolve nodes of %s: %w", w, err)
	}
	var set []k8s.ObjectReader
	for _, n := range nodes {
		set = append(set, n)
		pods, err := n.ListPods(ctx, "")
		if err != nil {
			return nil, err
		}
		for _, p := range pods {
			set = append(set, p)
		}
	}
	return set, nil
}

// IsolatePods runs IsolatePodsWithNetworkPolicy. The first pod names the
// audit target.
func (r *Runner) IsolatePods(ctx context.Context, pods []*k8s.Pod) (*k8s.DenyAllNetworkPolicy, error) {
	if len(pods) == 0 {
		return nil, nil
	}
	before := make([]k8s.ObjectReader, 0, len(pods))
	for _, p := range pods {
		before = append(before, p)
	}

	var np *k8s.DenyAllNetworkPolicy
	err := r.run(ctx, audit.ActionIsolate, pods[0], len(pods), before,
		func(ctx context.Context) ([]k8s.ObjectReader, error) {
			var err error
			np, err = IsolatePodsWithNetworkPolicy(ctx, r.Cluster, pods)
			if np == nil {
				return nil, err
			}
			r.Metrics.PodsIsolated(len(pods))
			return append(before, np), err
		})
	return np, err
}

// IsolateWorkload runs IsolateWorkload for w.
func (r *Runner) IsolateWorkload(ctx context.Context, w k8s.Workload, labelTemplate bool) (*IsolationResult, error) {
	pods, err := w.GetCoveredPods(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve pods of %s: %w", w, err)
	}
	before := []k8s.ObjectReader{w}
	for _, p := range pods {
		before = append(before, p)
	}

	var res *IsolationResult
	err = r.run(ctx, audit.ActionIsolate, w, len(pods), before,
		func(ctx context.Context) ([]k8s.ObjectReader, error) {
			var err error
			res, err = IsolateWorkload(ctx, r.Cluster, w, labelTemplate)
			if res == nil || res.Policy == nil {
				return nil, err
			}
			r.Metrics.PodsIsolated(len(res.Pods))
			affected := append([]k8s.ObjectReader{res.Policy}, before[1:]...)
			if res.Template {
				affected = append(affected, w)
			}
			return affected, err
		})
	return res, err
}

// Release runs Release for the quarantine policy name in namespace.
func (r *Runner) Release(ctx context.Context, name, namespace string) ([]*k8s.Pod, error) {
	np, err := k8s.DenyAllNetworkPolicyFor(r.Cluster.Client(), name, namespace)
	if err != nil {
		return nil, err
	}
	pods, err := r.Cluster.ListPodsByLabels(ctx, namespace, np.Labels())
	if err != nil {
		return nil, err
	}
	before := []k8s.ObjectReader{np}
	for _, p := range pods {
		before = append(before, p)
	}

	var released []*k8s.Pod
	err = r.run(ctx, audit.ActionRelease, np, len(pods), before,
		func(ctx context.Context) ([]k8s.ObjectReader, error) {
			var err error
			released, err = Release(ctx, r.Cluster, np)
			affected := []k8s.ObjectReader{np}
			for _, p := range released {
				affected = append(affected, p)
			}
			return affected, err
		})
	return released, err
}

// Delete deletes a workload, orphaning its dependents unless cascade.
func (r *Runner) Delete(ctx context.Context, w k8s.Workload, cascade bool) error {
	return r.run(ctx, audit.ActionDelete, w, 0, []k8s.ObjectReader{w},
		func(ctx context.Context) ([]k8s.ObjectReader, error) {
			if err := w.Delete(ctx, cascade); err != nil {
				return nil, err
			}
			if w.WorkloadKind() == k8s.WorkloadPod {
				r.Metrics.PodsDeleted(1)
			}
			return []k8s.ObjectReader{w}, nil
		})
}

type actionFunc func(ctx context.Context) ([]k8s.ObjectReader, error)

// run checks the guards, journals the before state, runs fn and journals
// the after state of the snapshot set plus whatever fn reports affected.
func (r *Runner) run(ctx context.Context, action audit.Action, target k8s.Resource, podCount int, before []k8s.ObjectReader, fn actionFunc) error {
	start := time.Now()
	logger := r.logger().With(logging.Operation(string(action)), slog.String("target", targetOf(target).String()))

	guardrails, err := r.guard(action, target, podCount)
	if err != nil {
		r.Metrics.ObserveAction(string(action), audit.StatusDenied, time.Since(start))
		logger.Warn("containment action denied", logging.Err(err))
		return err
	}

	beforeObjs, err := snapshot(ctx, before)
	if err != nil {
		return fmt.Errorf("snapshot before %s: %w", action, err)
	}

	var record *audit.Record
	if r.Journal != nil {
		record, err = r.Journal.Begin(action, targetOf(target), guardrails, beforeObjs)
		if err != nil {
			return fmt.Errorf("audit %s: %w", action, err)
		}
	}

	affected, actionErr := fn(ctx)

	status := audit.StatusApplied
	if actionErr != nil {
		status = audit.StatusFailed
	}
	r.Metrics.ObserveAction(string(action), status, time.Since(start))

	if record != nil {
		afterObjs, err := snapshot(ctx, union(before, affected))
		if err != nil {
			logger.Warn("failed to snapshot after state", logging.Err(err))
		}
		if err := record.Finish(afterObjs, refs(affected), actionErr); err != nil {
			logger.Warn("failed to finalize audit record", logging.Err(err))
		}
	}

	if actionErr != nil {
		logger.Error("containment action failed", logging.Err(actionErr), logging.Count(len(affected)))
		return actionErr
	}
	logger.Info("containment action applied", logging.Count(len(affected)))
	return nil
}

// guard returns the names of the guardrails passed, or an ErrDenied error.
func (r *Runner) guard(action audit.Action, target k8s.Resource, podCount int) ([]string, error) {
	t := targetOf(target)
	deny := func(reason string) ([]string, error) {
		if r.Journal != nil {
			if err := r.Journal.Deny(action, t, reason); err != nil {
				r.logger().Warn("failed to record denial", logging.Err(err))
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrDenied, reason)
	}

	p := r.Policy
	if p == nil {
		p = policy.Default("")
	}

	if !p.Allows(action) {
		return deny(fmt.Sprintf("action %s is disabled by policy", action))
	}
	guardrails := []string{guardActionAllowed}

	if p.IsNamespaceProtected(t.Namespace) {
		return deny(fmt.Sprintf("namespace %s is protected", t.Namespace))
	}
	guardrails = append(guardrails, guardNamespace)

	if limit := p.Containment.MaxPods; limit > 0 && podCount > limit {
		return deny(fmt.Sprintf("%d pods exceed the limit of %d per action", podCount, limit))
	}
	guardrails = append(guardrails, guardPodCount)

	if r.Limiter != nil {
		res, err := r.Limiter.CheckAndIncrement(action, t, r.Actor)
		if err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
		if !res.Allowed {
			return deny(res.DenialReason)
		}
		guardrails = append(guardrails, guardRateLimit)
	}
	return guardrails, nil
}

func (r *Runner) logger() *slog.Logger {
	return logging.OrDefault(r.Logger)
}

// snapshot reads every object; objects that no longer exist are skipped.
func snapshot(ctx context.Context, readers []k8s.ObjectReader) ([]runtime.Object, error) {
	objs := make([]runtime.Object, 0, len(readers))
	for _, rd := range readers {
		obj, err := rd.ReadObject(ctx)
		if k8s.IsNotFound(err) {
			continue
		}
		if err != nil {
			return objs, err
		}
		objs = append(objs, obj)
	}
	return objs, nil
}

// union appends the readers of b missing from a.
func union(a, b []k8s.ObjectReader) []k8s.ObjectReader {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]k8s.ObjectReader, 0, len(a)+len(b))
	for _, rd := range append(append([]k8s.ObjectReader{}, a...), b...) {
		key := targetOf(rd).String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, rd)
	}
	return out
}

func refs(readers []k8s.ObjectReader) []string {
	out := make([]string, 0, len(readers))
	for _, rd := range readers {
		out = append(out, targetOf(rd).String())
	}
	return out
}

func targetOf(res k8s.Resource) audit.Target {
	t := audit.Target{Kind: res.Kind(), Name: res.Name()}
	if nr, ok := res.(interface{ Namespace() string }); ok {
		t.Namespace = nr.Namespace()
	}
	return t
}
