// Wrappers to build the Kubernetes and metrics clients.

package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	metricsclientset "k8s.io/metrics/pkg/client/clientset/versioned"
)

// BuildRestConfig builds a Kubernetes rest config.
//
// Priority:
// 1. explicit kubeconfig flag
// 2. $KUBECONFIG
// 3. ~/.kube/config
// 4. in-cluster config
func BuildRestConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		path := expandTilde(kubeconfig)
		cfg, err := clientcmd.BuildConfigFromFlags("", path)
		if err != nil {
			return nil, fmt.Errorf("build config from kubeconfig=%s: %w", path, err)
		}
		return cfg, nil
	}
	if env := os.Getenv("KUBECONFIG"); env != "" {
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("build config from $KUBECONFIG=%s: %w", env, err)
		}
		return cfg, nil
	}
	if home, err := os.UserHomeDir(); err == nil {
		path := filepath.Join(home, ".kube", "config")
		if _, err := os.Stat(path); err == nil {
			cfg, err := clientcmd.BuildConfigFromFlags("", path)
			if err != nil {
				return nil, fmt.Errorf("build config from %s: %w", path, err)
			}
			return cfg, nil
		}
	}
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("in-cluster config: %w", err)
	}
	return cfg, nil
}

// BuildKubeClient builds a Kubernetes clientset from cfg.
func BuildKubeClient(cfg *rest.Config) (*kubernetes.Clientset, error) {
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("new clientset: %w", err)
	}
	return clientset, nil
}

// BuildMetricsClient builds a metrics.k8s.io clientset from cfg.
func BuildMetricsClient(cfg *rest.Config) (*metricsclientset.Clientset, error) {
	mc, err := metricsclientset.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("new metrics clientset: %w", err)
	}
	return mc, nil
}

// expandTilde replaces a leading "~/" with the home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
