package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/ppiankov/kubeir/internal/containment"
	"github.com/ppiankov/kubeir/internal/k8s"
	"github.com/spf13/cobra"
)

var drainConfig struct {
	cordon bool
}

var isolateConfig struct {
	labelTemplate bool
}

var deleteConfig struct {
	cascade bool
}

var cordonCmd = &cobra.Command{
	Use:   "cordon NODE",
	Short: "Mark a node unschedulable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, r, err := connectRunner(cmd)
		if err != nil {
			return err
		}
		node := s.cluster.GetNode(args[0])
		if err := r.Cordon(ctx, node); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "node/%s cordoned\n", node.Name())
		return nil
	},
}

var drainCmd = &cobra.Command{
	Use:   "drain KIND/NAME",
	Short: "Delete every pod not covered by a workload from the workload's nodes",
	Long: `Resolve the nodes the workload's pods run on and delete every other pod
scheduled there, leaving the workload alone with its nodes. The nodes are
cordoned first so no new pods land on them; --cordon=false skips that.

Examples:
  # Fence the nodes of a compromised deployment
  kubeir drain deployment/web -n shop`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, r, err := connectRunner(cmd)
		if err != nil {
			return err
		}
		w, err := s.workload(args[0])
		if err != nil {
			return err
		}
		res, err := r.Drain(ctx, w, drainConfig.cordon)
		if res != nil {
			printDrain(cmd.OutOrStdout(), res)
		}
		return err
	},
}

var isolateCmd = &cobra.Command{
	Use:   "isolate",
	Short: "Fence pods behind a deny-all network policy",
	Long: `Create a deny-all network policy selecting a fresh quarantine label and
add that label to the pods. Requires a network plugin that enforces
NetworkPolicy; detection can be overridden with --network-policy.

Examples:
  # Isolate two pods
  kubeir isolate pods miner-1 miner-2 -n shop

  # Isolate every pod of a deployment, including future replicas
  kubeir isolate workload deployment/web -n shop --label-template`,
}

var isolatePodsCmd = &cobra.Command{
	Use:   "pods NAME...",
	Short: "Isolate the named pods of one namespace",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, r, err := connectRunner(cmd)
		if err != nil {
			return err
		}
		pods := make([]*k8s.Pod, 0, len(args))
		for _, name := range args {
			pods = append(pods, s.cluster.GetPod(name, GetLookupNamespace()))
		}
		np, err := r.IsolatePods(ctx, pods)
		if err != nil {
			return err
		}
		printIsolation(cmd.OutOrStdout(), np, pods, false)
		return nil
	},
}

var isolateWorkloadCmd = &cobra.Command{
	Use:   "workload KIND/NAME",
	Short: "Isolate every pod a workload covers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, r, err := connectRunner(cmd)
		if err != nil {
			return err
		}
		w, err := s.workload(args[0])
		if err != nil {
			return err
		}
		res, err := r.IsolateWorkload(ctx, w, isolateConfig.labelTemplate)
		if err != nil {
			return err
		}
		if res.Policy == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "%s covers no pods, nothing isolated\n", w)
			return nil
		}
		printIsolation(cmd.OutOrStdout(), res.Policy, res.Pods, res.Template)
		return nil
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release POLICY",
	Short: "Undo an isolation: unlabel its pods and delete the policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		_, r, err := connectRunner(cmd)
		if err != nil {
			return err
		}
		pods, err := r.Release(ctx, args[0], GetLookupNamespace())
		out := cmd.OutOrStdout()
		if len(pods) > 0 {
			table := tablewriter.NewWriter(out)
			table.Header([]string{"Namespace", "Pod", "Status"})
			for _, p := range pods {
				_ = table.Append([]string{p.Namespace(), p.Name(), "released"})
			}
			_ = table.Render()
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "networkpolicy/%s deleted\n", args[0])
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete KIND/NAME",
	Short: "Delete a workload and its dependents",
	Long: `Delete a workload. Dependents (the ReplicaSets of a deployment, the pods
of a replicaset) are deleted with it; --cascade=false orphans them instead,
leaving them running for inspection.

Examples:
  # Delete a deployment, keeping its pods as evidence
  kubeir delete deployment/web -n shop --cascade=false`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, r, err := connectRunner(cmd)
		if err != nil {
			return err
		}
		w, err := s.workload(args[0])
		if err != nil {
			return err
		}
		return deleteWorkload(ctx, cmd.OutOrStdout(), r, w, deleteConfig.cascade)
	},
}

func init() {
	rootCmd.AddCommand(cordonCmd, drainCmd, isolateCmd, releaseCmd, deleteCmd)
	isolateCmd.AddCommand(isolatePodsCmd, isolateWorkloadCmd)

	drainCmd.Flags().BoolVar(&drainConfig.cordon, "cordon", true, "cordon the nodes before draining them (--cordon=false skips it)")
	isolateWorkloadCmd.Flags().BoolVar(&isolateConfig.labelTemplate, "label-template", false,
		"also label the pod template so replacement pods start isolated (restarts deployment pods)")
	deleteCmd.Flags().BoolVar(&deleteConfig.cascade, "cascade", true, "delete dependents too (--cascade=false orphans them)")
}

// deleteWorkload deletes w through r and reports it on out.
func deleteWorkload(ctx context.Context, out io.Writer, r *containment.Runner, w k8s.Workload, cascade bool) error {
	if err := r.Delete(ctx, w, cascade); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s deleted\n", w)
	return nil
}

func connectRunner(cmd *cobra.Command) (*session, *containment.Runner, error) {
	s, err := connect(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	r, err := s.runner(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	return s, r, nil
}

func printDrain(w io.Writer, res *containment.DrainResult) {
	cordoned := make(map[string]bool, len(res.Cordoned))
	for _, n := range res.Cordoned {
		cordoned[n.Name()] = true
	}

	table := tablewriter.NewWriter(w)
	table.Header([]string{"Node", "Cordoned"})
	for _, n := range res.Nodes {
		_ = table.Append([]string{n.Name(), yesNo(cordoned[n.Name()])})
	}
	_ = table.Render()

	if len(res.Deleted) == 0 {
		fmt.Fprintln(w, "no foreign pods found")
		return
	}
	table = tablewriter.NewWriter(w)
	table.Header([]string{"Namespace", "Pod", "Status"})
	for _, p := range res.Deleted {
		_ = table.Append([]string{p.Namespace(), p.Name(), "deleted"})
	}
	_ = table.Render()
}

func printIsolation(w io.Writer, np *k8s.DenyAllNetworkPolicy, pods []*k8s.Pod, template bool) {
	table := tablewriter.NewWriter(w)
	table.Header([]string{"Namespace", "Pod", "Label"})
	label := k8s.QuarantineLabel + "=" + np.Tag()
	for _, p := range pods {
		_ = table.Append([]string{p.Namespace(), p.Name(), label})
	}
	_ = table.Render()

	fmt.Fprintf(w, "networkpolicy/%s created in %s\n", np.Name(), np.Namespace())
	if template {
		fmt.Fprintln(w, "pod template labelled")
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
