package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/ppiankov/kubeir/internal/instrumentation"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const version = "0.1.0"

var (
	// Global flags
	cfgFile         string
	kubeconfig      string
	namespace       string
	verbose         bool
	logLevel        string
	logFormat       string
	policyPath      string
	auditDir        string
	networkPolicy   string
	eksClusterName  string
	eksRegion       string
	metricsTextfile string

	// metrics collects counters for the current invocation
	metrics = instrumentation.New()
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "kubeir",
	Short: "Kubernetes incident response: forensic enumeration and workload containment",
	Long: `kubeir helps responders investigate and contain a compromised workload:

• Enumeration: forensic reports of clusters, nodes, pods, workloads, services
  and network policies, with suspicious attributes flagged as warnings
• Evidence: pod state, events and logs of a workload preserved to disk
• Containment: drain foreign pods off a workload's nodes, fence pods behind
  deny-all network policies, cordon nodes and delete workloads

Every containment action is checked against a policy file, rate limited
and journaled with before/after snapshots of the objects it touched.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	// Disable default completion command
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// Counters are exported to the metrics textfile even when the command fails.
func Execute() error {
	err := rootCmd.Execute()
	if path := GetMetricsTextfile(); path != "" {
		if werr := metrics.WriteTextfile(path); werr != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", werr)
		}
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.kubeir.yaml)")
	pf.StringVar(&kubeconfig, "kubeconfig", "", "path to kubeconfig file (default is $KUBECONFIG or $HOME/.kube/config)")
	pf.StringVarP(&namespace, "namespace", "n", "", "kubernetes namespace (default is all namespaces for listings, \"default\" for lookups)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "enable verbose output (same as --log-level debug)")
	pf.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pf.StringVar(&logFormat, "log-format", "text", "log format: text or json")
	pf.StringVar(&policyPath, "policy", "", "containment policy file (default is $KUBEIR_POLICY or /etc/kubeir/policy.yaml)")
	pf.StringVar(&auditDir, "audit-dir", "", "audit journal directory (overrides the policy; default is $HOME/.kubeir/audit)")
	pf.StringVar(&networkPolicy, "network-policy", "auto", "NetworkPolicy enforcement: auto (detect), enabled or disabled")
	pf.StringVar(&eksClusterName, "eks-cluster", "", "EKS cluster name; enables EKS add-on detection and 'enumerate eks'")
	pf.StringVar(&eksRegion, "eks-region", "", "AWS region of the EKS cluster (default from the AWS config)")
	pf.StringVar(&metricsTextfile, "metrics-textfile", "", "write Prometheus counters to this file on exit")

	// Bind flags to viper
	pf.VisitAll(func(f *pflag.Flag) {
		if f.Name != "config" {
			_ = viper.BindPFlag(f.Name, f)
		}
	})
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}

		// Search config in home directory with name ".kubeir" (without extension)
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".kubeir")
	}

	// KUBEIR_LOG_LEVEL, KUBEIR_AUDIT_DIR, ...
	viper.SetEnvPrefix("kubeir")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	// If a config file is found, read it in
	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// GetKubeconfig returns the kubeconfig path from flags or viper
func GetKubeconfig() string {
	if kubeconfig != "" {
		return kubeconfig
	}
	return viper.GetString("kubeconfig")
}

// GetNamespace returns the namespace from flags or viper
func GetNamespace() string {
	if namespace != "" {
		return namespace
	}
	return viper.GetString("namespace")
}

// GetLookupNamespace returns the namespace for single-object lookups.
func GetLookupNamespace() string {
	if ns := GetNamespace(); ns != "" {
		return ns
	}
	return "default"
}

// IsVerbose returns the verbose flag value
func IsVerbose() bool {
	return verbose || viper.GetBool("verbose")
}

// GetLogLevel returns the log level, forced to debug by --verbose.
func GetLogLevel() string {
	if IsVerbose() {
		return "debug"
	}
	return viper.GetString("log-level")
}

// GetLogFormat returns the log handler format.
func GetLogFormat() string {
	return viper.GetString("log-format")
}

// GetPolicyPath returns the containment policy override path.
func GetPolicyPath() string {
	return viper.GetString("policy")
}

// GetAuditDir returns the audit directory override.
func GetAuditDir() string {
	return viper.GetString("audit-dir")
}

// GetNetworkPolicyMode returns auto, enabled or disabled.
func GetNetworkPolicyMode() string {
	return strings.ToLower(viper.GetString("network-policy"))
}

// GetEKSCluster returns the EKS cluster name and region.
func GetEKSCluster() (name, region string) {
	return viper.GetString("eks-cluster"), viper.GetString("eks-region")
}

// GetMetricsTextfile returns the metrics textfile path.
func GetMetricsTextfile() string {
	return viper.GetString("metrics-textfile")
}
