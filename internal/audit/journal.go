// Package audit records containment actions on disk. Every action gets a
// directory holding the affected objects before and after the action, a
// unified diff between the two and a decision record naming the actor.
package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/scheme"
)

// Action names a containment action.
type Action string

const (
	ActionCordon  Action = "cordon"
	ActionDrain   Action = "drain"
	ActionIsolate Action = "isolate"
	ActionRelease Action = "release"
	ActionDelete  Action = "delete"
)

// Decision statuses.
const (
	StatusPending = "pending"
	StatusApplied = "applied"
	StatusFailed  = "failed"
	StatusDenied  = "denied"
)

const (
	beforeFile   = "before.yaml"
	afterFile    = "after.yaml"
	diffFile     = "diff.patch"
	decisionFile = "decision.json"
)

// Target identifies the object an action was requested on.
type Target struct {
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`
}

// String returns namespace/kind/name, or kind/name for cluster objects.
func (t Target) String() string {
	ref := strings.ToLower(t.Kind) + "/" + t.Name
	if t.Namespace == "" {
		return ref
	}
	return t.Namespace + "/" + ref
}

// Decision is the record written to decision.json.
type Decision struct {
	Version    string    `json:"version"`
	Timestamp  string    `json:"timestamp"`
	Status     string    `json:"status"`
	Action     Action    `json:"action"`
	Target     Target    `json:"target"`
	Cluster    string    `json:"cluster,omitempty"`
	Identity   *Identity `json:"identity,omitempty"`
	Guardrails []string  `json:"guardrails_passed,omitempty"`
	Affected   []string  `json:"affected,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	AppliedAt  string    `json:"applied_at,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Journal writes audit records under Dir.
type Journal struct {
	Dir      string
	Version  string
	Cluster  string
	Identity *Identity

	now func() time.Time
}

// NewJournal returns a journal writing under dir.
func NewJournal(dir, version, cluster string, identity *Identity) *Journal {
	return &Journal{Dir: dir, Version: version, Cluster: cluster, Identity: identity, now: time.Now}
}

// Record is an open journal entry.
type Record struct {
	Dir string

	decision Decision
	now      func() time.Time
}

// Begin creates the record directory and writes before.yaml and a pending
// decision.json. A failing Begin must abort the action.
func (j *Journal) Begin(action Action, target Target, guardrails []string, before []runtime.Object) (*Record, error) {
	now := j.clock()
	dir := filepath.Join(j.Dir, recordDirName(now, action, target))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	if err := writeSnapshot(filepath.Join(dir, beforeFile), before); err != nil {
		return nil, err
	}

	r := &Record{
		Dir: dir,
		decision: Decision{
			Version:    j.Version,
			Timestamp:  now.UTC().Format(time.RFC3339),
			Status:     StatusPending,
			Action:     action,
			Target:     target,
			Cluster:    j.Cluster,
			Identity:   j.Identity,
			Guardrails: guardrails,
		},
		now: j.clock,
	}
	if err := r.writeDecision(); err != nil {
		return nil, err
	}
	return r, nil
}

// Deny writes a record for a refused action. No snapshots are taken.
func (j *Journal) Deny(action Action, target Target, reason string) error {
	now := j.clock()
	dir := filepath.Join(j.Dir, recordDirName(now, action, target))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	r := &Record{
		Dir: dir,
		decision: Decision{
			Version:   j.Version,
			Timestamp: now.UTC().Format(time.RFC3339),
			Status:    StatusDenied,
			Action:    action,
			Target:    target,
			Cluster:   j.Cluster,
			Identity:  j.Identity,
			Reason:    reason,
		},
	}
	return r.writeDecision()
}

func (j *Journal) clock() time.Time {
	if j.now == nil {
		return time.Now()
	}
	return j.now()
}

// Finish writes after.yaml and diff.patch and completes decision.json.
// affected lists the objects the action changed; actionErr marks the
// record failed.
func (r *Record) Finish(after []runtime.Object, affected []string, actionErr error) error {
	if r == nil {
		return fmt.Errorf("nil audit record")
	}

	afterPath := filepath.Join(r.Dir, afterFile)
	if err := writeSnapshot(afterPath, after); err != nil {
		return err
	}

	beforeData, err := os.ReadFile(filepath.Join(r.Dir, beforeFile))
	if err != nil {
		return fmt.Errorf("read %s for diff: %w", beforeFile, err)
	}
	afterData, err := os.ReadFile(afterPath)
	if err != nil {
		return fmt.Errorf("read %s for diff: %w", afterFile, err)
	}
	diffText, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(beforeData)),
		B:        difflib.SplitLines(string(afterData)),
		FromFile: beforeFile,
		ToFile:   afterFile,
		Context:  3,
	})
	if err != nil {
		return fmt.Errorf("generate diff: %w", err)
	}
	if err := os.WriteFile(filepath.Join(r.Dir, diffFile), []byte(diffText), 0644); err != nil {
		return fmt.Errorf("write %s: %w", diffFile, err)
	}

	r.decision.Status = StatusApplied
	if actionErr != nil {
		r.decision.Status = StatusFailed
		r.decision.Error = actionErr.Error()
	}
	r.decision.Affected = affected
	clock := r.now
	if clock == nil {
		clock = time.Now
	}
	r.decision.AppliedAt = clock().UTC().Format(time.RFC3339)
	return r.writeDecision()
}

// Decision returns a copy of the current decision record.
func (r *Record) Decision() Decision {
	return r.decision
}

func (r *Record) writeDecision() error {
	data, err := json.MarshalIndent(r.decision, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", decisionFile, err)
	}
	if err := os.WriteFile(filepath.Join(r.Dir, decisionFile), data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", decisionFile, err)
	}
	return nil
}

// ReadDecision loads decision.json from a record directory.
func ReadDecision(dir string) (*Decision, error) {
	data, err := os.ReadFile(filepath.Join(dir, decisionFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", decisionFile, err)
	}
	var d Decision
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", decisionFile, err)
	}
	return &d, nil
}

func recordDirName(ts time.Time, action Action, target Target) string {
	ns := target.Namespace
	if ns == "" {
		ns = "_cluster"
	}
	return fmt.Sprintf("%s__%s__%s__%s__%s",
		ts.UTC().Format("20060102T150405.000Z"),
		ns,
		action,
		strings.ToLower(target.Kind),
		target.Name)
}

// writeSnapshot writes objs as a YAML sequence ordered by kind, namespace
// and name, with volatile fields removed.
func writeSnapshot(path string, objs []runtime.Object) error {
	docs := make([]map[string]any, 0, len(objs))
	for _, obj := range objs {
		m, err := toMap(obj)
		if err != nil {
			return err
		}
		stripVolatileFields(m)
		docs = append(docs, m)
	}
	sort.SliceStable(docs, func(i, j int) bool {
		return sortKey(docs[i]) < sortKey(docs[j])
	})

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(docs); err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// toMap converts a typed object to its unstructured form, filling in
// apiVersion and kind which typed client reads leave empty.
func toMap(obj runtime.Object) (map[string]any, error) {
	m, err := runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
	if err != nil {
		return nil, fmt.Errorf("convert %T: %w", obj, err)
	}
	if kind, _ := m["kind"].(string); kind == "" {
		gvks, _, err := scheme.Scheme.ObjectKinds(obj)
		if err == nil && len(gvks) > 0 {
			m["apiVersion"] = gvks[0].GroupVersion().String()
			m["kind"] = gvks[0].Kind
		}
	}
	return m, nil
}

func sortKey(m map[string]any) string {
	kind, _ := m["kind"].(string)
	var ns, name string
	if meta, ok := m["metadata"].(map[string]any); ok {
		ns, _ = meta["namespace"].(string)
		name, _ = meta["name"].(string)
	}
	return kind + "/" + ns + "/" + name
}

// stripVolatileFields removes fields that change between reads.
func stripVolatileFields(obj map[string]any) {
	if metadata, ok := obj["metadata"].(map[string]any); ok {
		delete(metadata, "resourceVersion")
		delete(metadata, "generation")
		delete(metadata, "managedFields")
		delete(metadata, "uid")
		delete(metadata, "creationTimestamp")
	}
	delete(obj, "status")
}
