package util

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/ppiankov/kubeir/internal/containment"
	"github.com/ppiankov/kubeir/internal/k8s"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/client-go/rest"
)

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	tests := []struct {
		in   string
		want string
	}{
		{"~/.kube/config", filepath.Join(home, ".kube", "config")},
		{"/etc/kubernetes/config", "/etc/kubernetes/config"},
		{"", ""},
		{"~", "~"},
		{"/home/user/~/config", "/home/user/~/config"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, expandTilde(tt.in))
		})
	}
}

func TestBuildRestConfigExplicit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kubeconfig")
	require.NoError(t, os.WriteFile(path, []byte(`apiVersion: v1
kind: Config
current-context: test
contexts:
- context: {cluster: c, user: u}
  name: test
clusters:
- cluster: {server: "https://10.0.0.1:6443"}
  name: c
users:
- name: u
  user: {token: t}
`), 0600))

	cfg, err := BuildRestConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://10.0.0.1:6443", cfg.Host)
}

func TestBuildRestConfigMissingFile(t *testing.T) {
	_, err := BuildRestConfig("/nonexistent/kubeconfig")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build config from kubeconfig=/nonexistent/kubeconfig")
}

func TestBuildClients(t *testing.T) {
	cfg := &rest.Config{Host: "https://10.0.0.1:6443"}

	kc, err := BuildKubeClient(cfg)
	require.NoError(t, err)
	assert.NotNil(t, kc)

	mc, err := BuildMetricsClient(cfg)
	require.NoError(t, err)
	assert.NotNil(t, mc)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"denied", fmt.Errorf("isolate: %w", containment.ErrDenied), ExitPolicyFail},
		{"invalid argument", fmt.Errorf("pods: %w", k8s.ErrInvalidArgument), ExitInvalidInput},
		{"usage", Usagef("unknown output %q", "xml"), ExitInvalidInput},
		{"not found", k8s.ErrNotFound, ExitRuntimeError},
		{"operation failed", k8s.ErrOperationFailed, ExitRuntimeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}
