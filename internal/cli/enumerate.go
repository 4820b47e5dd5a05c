package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ppiankov/kubeir/internal/eks"
	"github.com/ppiankov/kubeir/internal/enumeration"
	"github.com/ppiankov/kubeir/internal/exposure"
	"github.com/ppiankov/kubeir/internal/instrumentation"
	"github.com/ppiankov/kubeir/internal/k8s"
	"github.com/ppiankov/kubeir/internal/util"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var enumerateConfig struct {
	output    string
	keepEmpty bool
}

var enumerateCmd = &cobra.Command{
	Use:   "enumerate",
	Short: "Print forensic reports of cluster objects",
	Long: `Print a forensic report of a cluster object and everything below it.

Information rows describe the object. Warning rows flag attributes an
attacker can abuse: privileged containers, host namespaces, host path
mounts, public services, allow-all network policies. Objects that cannot
be read are reported with an Error row instead of failing the report.

Examples:
  # Whole cluster, pods restricted to one namespace
  kubeir enumerate cluster -n shop

  # One pod as JSON
  kubeir enumerate pod miner -n shop -o json

  # Every service of a namespace
  kubeir enumerate services -n shop

  # Warnings of a deployment as SARIF
  kubeir enumerate workload deployment/web -n shop -o sarif

  # What can reach a deployment
  kubeir enumerate exposure deployment/web -n shop`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return checkOutput(enumerateConfig.output)
	},
}

var enumerateClusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Enumerate every node and the pods scheduled on it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEnumerate(cmd, func(s *session) (enumeration.Enumeration, error) {
			return enumeration.NewClusterEnumeration(s.cluster), nil
		})
	},
}

var enumerateNodeCmd = &cobra.Command{
	Use:   "node NAME",
	Short: "Enumerate a node and the pods scheduled on it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEnumerate(cmd, func(s *session) (enumeration.Enumeration, error) {
			return enumeration.NewNodeEnumeration(s.cluster.GetNode(args[0]), s.cluster.MetricsClient()), nil
		})
	},
}

var enumeratePodCmd = &cobra.Command{
	Use:   "pod NAME",
	Short: "Enumerate a pod, its containers and volumes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEnumerate(cmd, func(s *session) (enumeration.Enumeration, error) {
			return enumeration.NewPodEnumeration(s.cluster.GetPod(args[0], GetLookupNamespace())), nil
		})
	},
}

var enumerateWorkloadCmd = &cobra.Command{
	Use:   "workload KIND/NAME",
	Short: "Enumerate a pod, replicaset or deployment and the pods it covers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEnumerate(cmd, func(s *session) (enumeration.Enumeration, error) {
			w, err := s.workload(args[0])
			if err != nil {
				return nil, err
			}
			return enumeration.NewWorkloadEnumeration(w), nil
		})
	},
}

var enumerateServiceCmd = &cobra.Command{
	Use:   "service NAME",
	Short: "Enumerate a service and the pods it selects",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEnumerate(cmd, func(s *session) (enumeration.Enumeration, error) {
			return enumeration.NewServiceEnumeration(s.cluster.GetService(args[0], GetLookupNamespace())), nil
		})
	},
}

var enumerateNetpolCmd = &cobra.Command{
	Use:   "netpol NAME",
	Short: "Enumerate a network policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEnumerate(cmd, func(s *session) (enumeration.Enumeration, error) {
			np := k8s.NewNetworkPolicy(s.client, args[0], GetLookupNamespace())
			return enumeration.NewNetworkPolicyEnumeration(np), nil
		})
	},
}

var enumeratePodsCmd = &cobra.Command{
	Use:   "pods",
	Short: "Enumerate every pod, in --namespace or in all namespaces",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEnumerate(cmd, func(s *session) (enumeration.Enumeration, error) {
			return enumeration.NewPodListEnumeration(s.cluster), nil
		})
	},
}

var enumerateServicesCmd = &cobra.Command{
	Use:   "services",
	Short: "Enumerate every service, in --namespace or in all namespaces",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEnumerate(cmd, func(s *session) (enumeration.Enumeration, error) {
			return enumeration.NewServiceListEnumeration(s.cluster), nil
		})
	},
}

var enumerateNetpolsCmd = &cobra.Command{
	Use:   "netpols",
	Short: "Enumerate every network policy, in --namespace or in all namespaces",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEnumerate(cmd, func(s *session) (enumeration.Enumeration, error) {
			return enumeration.NewNetworkPolicyListEnumeration(s.cluster), nil
		})
	},
}

var enumerateExposureCmd = &cobra.Command{
	Use:   "exposure KIND/NAME",
	Short: "Enumerate the services, ingresses and network policies that reach a workload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEnumerate(cmd, func(s *session) (enumeration.Enumeration, error) {
			w, err := s.workload(args[0])
			if err != nil {
				return nil, err
			}
			return exposure.NewEnumeration(exposure.NewCollector(s.client, s.logger), w), nil
		})
	},
}

var enumerateEKSCmd = &cobra.Command{
	Use:   "eks",
	Short: "Enumerate the EKS cluster named by --eks-cluster and its nodes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if name, _ := GetEKSCluster(); name == "" {
			return util.Usagef("enumerate eks requires --eks-cluster")
		}
		return runEnumerate(cmd, func(s *session) (enumeration.Enumeration, error) {
			return eks.NewEnumeration(s.eks, s.cluster), nil
		})
	},
}

func init() {
	rootCmd.AddCommand(enumerateCmd)
	enumerateCmd.AddCommand(
		enumerateClusterCmd,
		enumerateNodeCmd,
		enumeratePodCmd,
		enumerateWorkloadCmd,
		enumerateServiceCmd,
		enumerateNetpolCmd,
		enumeratePodsCmd,
		enumerateServicesCmd,
		enumerateNetpolsCmd,
		enumerateExposureCmd,
		enumerateEKSCmd,
	)

	enumerateCmd.PersistentFlags().StringVarP(&enumerateConfig.output, "output", "o", "text", "output format: text, json, yaml or sarif")
	enumerateCmd.PersistentFlags().BoolVar(&enumerateConfig.keepEmpty, "keep-empty", false, "keep rows with empty values in text output")
}

func runEnumerate(cmd *cobra.Command, build func(*session) (enumeration.Enumeration, error)) error {
	ctx := cmd.Context()
	s, err := connect(ctx)
	if err != nil {
		return err
	}
	e, err := build(s)
	if err != nil {
		return err
	}
	return renderReport(ctx, cmd.OutOrStdout(), e, GetNamespace(), enumerateConfig.output, enumerateConfig.keepEmpty, metrics)
}

func checkOutput(format string) error {
	switch format {
	case "text", "json", "yaml", "sarif":
		return nil
	default:
		return util.Usagef("unknown output format %q (want text, json, yaml or sarif)", format)
	}
}

// renderReport builds the report for e once and writes it in format.
func renderReport(ctx context.Context, w io.Writer, e enumeration.Enumeration, ns, format string, keepEmpty bool, m *instrumentation.Metrics) error {
	if format == "text" {
		_, err := enumeration.Enumerate(ctx, e, enumeration.Options{
			Namespace: ns,
			KeepEmpty: keepEmpty,
			Sink:      enumeration.NewTerminalSink(w),
			Observe:   func(r *enumeration.Report) { countWarnings(r, m) },
		})
		return err
	}

	report, err := enumeration.Build(ctx, e, ns)
	if err != nil {
		return err
	}
	countWarnings(report, m)

	switch format {
	case "json":
		doc, err := report.Map()
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal report: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml":
		doc, err := report.Map()
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("marshal report: %w", err)
		}
		return enc.Close()
	case "sarif":
		data, err := enumeration.GenerateSARIF(report, version)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	default:
		return checkOutput(format)
	}
}

func countWarnings(r *enumeration.Report, m *instrumentation.Metrics) {
	if n := len(r.Warnings.NonEmpty()); n > 0 {
		m.ReportWarnings(r.Keyword, n)
	}
	for _, c := range r.Children {
		countWarnings(c, m)
	}
}
