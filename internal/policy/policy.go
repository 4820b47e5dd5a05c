// Package policy loads the admin-owned containment policy. kubeir reads the
// policy file and never writes it.
package policy

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/ppiankov/kubeir/internal/audit"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPolicyPath = "/etc/kubeir/policy.yaml"
	EnvPolicyPath     = "KUBEIR_POLICY"
	CurrentAPIVersion = "kubeir/v1alpha1"
	CurrentKind       = "ContainmentPolicy"

	defaultRateWindow = time.Hour
)

// DefaultProtectedNamespaces are refused when no policy file exists.
var DefaultProtectedNamespaces = []string{"kube-system", "kube-public", "kube-node-lease"}

// Policy gates containment actions.
type Policy struct {
	APIVersion  string            `yaml:"apiVersion"`
	Kind        string            `yaml:"kind"`
	Global      GlobalConfig      `yaml:"global"`
	Audit       AuditConfig       `yaml:"audit"`
	Containment ContainmentConfig `yaml:"containment"`
	Namespaces  NSConfig          `yaml:"namespaces"`
	RateLimits  RateConfig        `yaml:"rate_limits"`
}

// GlobalConfig contains the master kill switch.
type GlobalConfig struct {
	Enabled bool `yaml:"enabled"`
}

// AuditConfig controls where audit records are written.
type AuditConfig struct {
	Backend       string `yaml:"backend"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// ContainmentConfig selects which actions may run.
type ContainmentConfig struct {
	AllowCordon  bool `yaml:"allow_cordon"`
	AllowDrain   bool `yaml:"allow_drain"`
	AllowIsolate bool `yaml:"allow_isolate"`
	AllowDelete  bool `yaml:"allow_delete"`
	MaxPods      int  `yaml:"max_pods_per_action"`
}

// NSConfig lists namespaces that containment must not touch. When Allow is
// set, only those namespaces may be touched.
type NSConfig struct {
	Protected []string `yaml:"protected"`
	Allow     []string `yaml:"allow,omitempty"`
}

// RateConfig bounds how many actions run per window.
type RateConfig struct {
	MaxActions   int    `yaml:"max_actions"`
	MaxPerTarget int    `yaml:"max_actions_per_target"`
	RateWindow   string `yaml:"rate_window"`
}

// LoadResult is the outcome of loading a policy file.
type LoadResult struct {
	Policy   *Policy
	Path     string
	Absent   bool   // no policy file, not an error
	ErrorMsg string // the file exists but could not be parsed
}

// ValidationError is a single field-level failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) String() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationResult holds every error Validate found.
type ValidationResult struct {
	Valid  bool
	Errors []ValidationError
}

// Error joins all validation errors into one message.
func (r *ValidationResult) Error() string {
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.String())
	}
	return strings.Join(msgs, "; ")
}

// Default is the policy used when no file is present: every action is
// allowed outside the system namespaces, audit records go to auditPath and
// nothing is rate limited.
func Default(auditPath string) *Policy {
	return &Policy{
		APIVersion: CurrentAPIVersion,
		Kind:       CurrentKind,
		Global:     GlobalConfig{Enabled: true},
		Audit:      AuditConfig{Backend: "filesystem", Path: auditPath},
		Containment: ContainmentConfig{
			AllowCordon:  true,
			AllowDrain:   true,
			AllowIsolate: true,
			AllowDelete:  true,
		},
		Namespaces: NSConfig{Protected: slices.Clone(DefaultProtectedNamespaces)},
	}
}

// Load reads the policy from overridePath, $KUBEIR_POLICY or the default
// location, in that order.
func Load(overridePath string) *LoadResult {
	path := resolvePath(overridePath)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &LoadResult{Absent: true, Path: path}
		}
		return &LoadResult{Path: path, ErrorMsg: fmt.Sprintf("failed to read policy file: %v", err)}
	}

	var p Policy
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&p); err != nil {
		return &LoadResult{Path: path, ErrorMsg: fmt.Sprintf("invalid YAML: %v", err)}
	}

	return &LoadResult{Policy: &p, Path: path}
}

// Validate checks a loaded policy and reports every error found.
func Validate(p *Policy) *ValidationResult {
	if p == nil {
		return &ValidationResult{
			Errors: []ValidationError{{Field: "policy", Message: "policy is nil"}},
		}
	}

	result := &ValidationResult{Valid: true}

	if p.APIVersion != CurrentAPIVersion {
		result.addError("apiVersion", fmt.Sprintf("expected %q, got %q", CurrentAPIVersion, p.APIVersion))
	}
	if p.Kind != CurrentKind {
		result.addError("kind", fmt.Sprintf("expected %q, got %q", CurrentKind, p.Kind))
	}

	if p.Audit.Backend != "" && p.Audit.Backend != "filesystem" {
		result.addError("audit.backend", fmt.Sprintf("unsupported backend %q (supported: filesystem)", p.Audit.Backend))
	}
	if p.Global.Enabled && p.Audit.Path == "" {
		result.addError("audit.path", "required when global.enabled is true")
	}
	if p.Audit.RetentionDays < 0 {
		result.addError("audit.retention_days", "must be >= 0")
	}

	if p.Containment.MaxPods < 0 {
		result.addError("containment.max_pods_per_action", "must be >= 0")
	}

	for _, ns := range p.Namespaces.Allow {
		if slices.Contains(p.Namespaces.Protected, ns) {
			result.addError("namespaces.allow", fmt.Sprintf("namespace %q is also protected", ns))
		}
	}

	if p.RateLimits.MaxActions < 0 {
		result.addError("rate_limits.max_actions", "must be >= 0")
	}
	if p.RateLimits.MaxPerTarget < 0 {
		result.addError("rate_limits.max_actions_per_target", "must be >= 0")
	}
	if p.RateLimits.RateWindow != "" {
		if _, err := parseDurationWithDays(p.RateLimits.RateWindow); err != nil {
			result.addError("rate_limits.rate_window", fmt.Sprintf("invalid duration: %v", err))
		}
	}

	return result
}

// CheckAuditPath verifies the audit directory exists and is writable.
func CheckAuditPath(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("audit path does not exist: %s", path)
		}
		return fmt.Errorf("cannot access audit path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("audit path is not a directory: %s", path)
	}

	probe := filepath.Join(path, ".kubeir-write-test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return fmt.Errorf("audit path is not writable: %w", err)
	}
	_ = os.Remove(probe)
	return nil
}

// IsNamespaceProtected reports whether containment must refuse namespace.
// Cluster-scoped targets pass "" and are never protected.
func (p *Policy) IsNamespaceProtected(namespace string) bool {
	if namespace == "" {
		return false
	}
	if slices.Contains(p.Namespaces.Protected, namespace) {
		return true
	}
	if len(p.Namespaces.Allow) > 0 {
		return !slices.Contains(p.Namespaces.Allow, namespace)
	}
	return false
}

// Allows reports whether the policy permits action.
func (p *Policy) Allows(action audit.Action) bool {
	if !p.Global.Enabled {
		return false
	}
	switch action {
	case audit.ActionCordon:
		return p.Containment.AllowCordon
	case audit.ActionDrain:
		return p.Containment.AllowDrain
	case audit.ActionIsolate, audit.ActionRelease:
		return p.Containment.AllowIsolate
	case audit.ActionDelete:
		return p.Containment.AllowDelete
	}
	return false
}

// RateWindowParsed returns rate_window or one hour.
func (p *Policy) RateWindowParsed() time.Duration {
	if p.RateLimits.RateWindow == "" {
		return defaultRateWindow
	}
	d, err := parseDurationWithDays(p.RateLimits.RateWindow)
	if err != nil {
		return defaultRateWindow
	}
	return d
}

// LimitConfig converts the rate limits into limiter settings.
func (p *Policy) LimitConfig() audit.LimitConfig {
	return audit.LimitConfig{
		MaxActions:   p.RateLimits.MaxActions,
		MaxPerTarget: p.RateLimits.MaxPerTarget,
		Window:       p.RateWindowParsed(),
		Dir:          p.Audit.Path,
	}
}

func (r *ValidationResult) addError(field, message string) {
	r.Valid = false
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

func resolvePath(overridePath string) string {
	path := DefaultPolicyPath
	if overridePath != "" {
		path = overridePath
	} else if envPath := os.Getenv(EnvPolicyPath); envPath != "" {
		path = envPath
	}
	return filepath.Clean(path)
}

// parseDurationWithDays extends time.ParseDuration with a "d" suffix.
// Negative durations are rejected.
func parseDurationWithDays(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		var days float64
		if _, err := fmt.Sscanf(strings.TrimSuffix(s, "d"), "%f", &days); err != nil {
			return 0, fmt.Errorf("invalid day duration: %s", s)
		}
		if days < 0 {
			return 0, fmt.Errorf("negative duration not allowed: %s", s)
		}
		return time.Duration(days * float64(24*time.Hour)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration not allowed: %s", s)
	}
	return d, nil
}
