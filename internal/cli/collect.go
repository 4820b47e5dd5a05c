package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/ppiankov/kubeir/internal/k8s"
	"github.com/ppiankov/kubeir/internal/snapshot"
	"github.com/spf13/cobra"
)

var collectConfig struct {
	out           string
	logLines      int
	previous      bool
	maxConcurrent int
}

var collectCmd = &cobra.Command{
	Use:   "collect KIND/NAME",
	Short: "Preserve pod state, events and logs of a workload before containment",
	Long: `Capture the volatile evidence of every pod a workload covers: container
states, pod events, log tails (and the logs of crashed previous instances
with --previous) and the conditions of the nodes the pods run on.

Evidence is written to --out, by default a timestamped directory under
<audit-dir>/evidence.

Examples:
  # Preserve a deployment's evidence before isolating it
  kubeir collect deployment/web -n shop --previous

  # Longer log tails into a chosen directory
  kubeir collect pod/miner -n shop --log-lines 5000 --out ./case-42`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := connect(ctx)
		if err != nil {
			return err
		}
		w, err := s.workload(args[0])
		if err != nil {
			return err
		}
		pods, err := w.GetCoveredPods(ctx)
		if err != nil {
			return err
		}

		target := workloadRef(w)
		dir := collectConfig.out
		if dir == "" {
			p, err := loadPolicy(s.logger)
			if err != nil {
				return err
			}
			dir = evidenceDir(p.Audit.Path, target, w.Namespace(), time.Now())
		}

		snap, err := snapshot.Build(ctx, s.client, target, pods, snapshot.Options{
			LogLines:      collectConfig.logLines,
			Previous:      collectConfig.previous,
			MaxConcurrent: collectConfig.maxConcurrent,
			Logger:        s.logger,
		})
		if err != nil {
			return err
		}
		if err := snap.Write(dir); err != nil {
			return err
		}
		printCollection(cmd.OutOrStdout(), snap, dir)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(collectCmd)

	collectCmd.Flags().StringVar(&collectConfig.out, "out", "", "evidence directory (default <audit-dir>/evidence/<time>-<namespace>-<workload>)")
	collectCmd.Flags().IntVar(&collectConfig.logLines, "log-lines", 500, "log lines to keep per container")
	collectCmd.Flags().BoolVar(&collectConfig.previous, "previous", false, "also keep the logs of restarted containers' previous instances")
	collectCmd.Flags().IntVar(&collectConfig.maxConcurrent, "max-concurrent", 5, "parallel log requests")
}

// workloadRef formats w as KIND/NAME, the form parseWorkloadRef accepts.
func workloadRef(w k8s.Workload) string {
	return strings.ToLower(string(w.WorkloadKind())) + "/" + w.Name()
}

// evidenceDir names the default directory of one collection run.
func evidenceDir(auditPath, target, namespace string, now time.Time) string {
	name := fmt.Sprintf("%s-%s-%s", now.UTC().Format("20060102T150405Z"), namespace, strings.ReplaceAll(target, "/", "-"))
	return filepath.Join(auditPath, "evidence", name)
}

func printCollection(w io.Writer, snap *snapshot.Snapshot, dir string) {
	table := tablewriter.NewWriter(w)
	table.Header([]string{"Namespace", "Pod", "Phase", "Restarts", "Events", "Logs", "Errors"})
	for _, p := range snap.Pods {
		_ = table.Append([]string{
			p.Namespace,
			p.Name,
			p.Phase,
			fmt.Sprint(p.Restarts),
			fmt.Sprint(len(p.Events)),
			fmt.Sprint(len(p.Logs) + len(p.PreviousLogs)),
			fmt.Sprint(len(p.Errors)),
		})
	}
	_ = table.Render()
	fmt.Fprintf(w, "evidence of %d pods on %d nodes written to %s\n", len(snap.Pods), len(snap.Nodes), dir)
}
