package enumeration

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// SARIF represents the SARIF 2.1.0 format for static analysis results
// Spec: https://docs.oasis-open.org/sarif/sarif/v2.1.0/sarif-v2.1.0.html
type SARIF struct {
	Schema  string `json:"$schema"`
	Version string `json:"version"`
	Runs    []Run  `json:"runs"`
}

type Run struct {
	Tool    Tool     `json:"tool"`
	Results []Result `json:"results"`
}

type Tool struct {
	Driver Driver `json:"driver"`
}

type Driver struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	InformationURI  string `json:"informationUri"`
	SemanticVersion string `json:"semanticVersion"`
	Rules           []Rule `json:"rules"`
}

type Rule struct {
	ID                   string        `json:"id"`
	Name                 string        `json:"name"`
	ShortDescription     MessageString `json:"shortDescription"`
	Help                 MessageString `json:"help"`
	DefaultConfiguration Configuration `json:"defaultConfiguration"`
}

type Configuration struct {
	Level string `json:"level"`
}

type Result struct {
	RuleID     string         `json:"ruleId"`
	Level      string         `json:"level"`
	Message    MessageString  `json:"message"`
	Locations  []Location     `json:"locations,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

type Location struct {
	PhysicalLocation PhysicalLocation `json:"physicalLocation"`
}

type PhysicalLocation struct {
	ArtifactLocation ArtifactLocation `json:"artifactLocation"`
}

type ArtifactLocation struct {
	URI string `json:"uri"`
}

type MessageString struct {
	Text string `json:"text"`
}

const sarifSchema = "https://raw.githubusercontent.com/oasis-tcs/sarif-spec/master/Schemata/sarif-schema-2.1.0.json"

// rules maps a warning key to the rule its results are reported under.
var rules = map[string]Rule{
	"Privileged": {
		ID:                   "privileged-container",
		Name:                 "Privileged Container",
		ShortDescription:     MessageString{Text: "Container runs privileged"},
		Help:                 MessageString{Text: "A privileged container has full access to the host. Check whether the workload needs it and whether it was tampered with."},
		DefaultConfiguration: Configuration{Level: "error"},
	},
	"PrivilegeEscalation": {
		ID:                   "privilege-escalation",
		Name:                 "Privilege Escalation Allowed",
		ShortDescription:     MessageString{Text: "Container allows privilege escalation"},
		Help:                 MessageString{Text: "Set allowPrivilegeEscalation: false unless a setuid binary is required."},
		DefaultConfiguration: Configuration{Level: "warning"},
	},
	"DeclaredPorts": {
		ID:                   "declared-ports",
		Name:                 "Declared Container Ports",
		ShortDescription:     MessageString{Text: "Container declares listening ports"},
		Help:                 MessageString{Text: "Review which ports are reachable and from where."},
		DefaultConfiguration: Configuration{Level: "note"},
	},
	"Type": {
		ID:                   "sensitive-type",
		Name:                 "Sensitive Volume or Service Type",
		ShortDescription:     MessageString{Text: "hostPath or secret volume, or LoadBalancer service"},
		Help:                 MessageString{Text: "hostPath and secret volumes expose host files or credentials. LoadBalancer services are reachable from outside the cluster."},
		DefaultConfiguration: Configuration{Level: "warning"},
	},
	"HostPath": {
		ID:                   "host-root-mount",
		Name:                 "Host Root Filesystem Mounted",
		ShortDescription:     MessageString{Text: "Volume mounts the host's root filesystem"},
		Help:                 MessageString{Text: "A container mounting / can read and modify every file on the node."},
		DefaultConfiguration: Configuration{Level: "error"},
	},
	"HostNetwork": hostNamespaceRule,
	"HostPID":     hostNamespaceRule,
	"HostIPC":     hostNamespaceRule,
	"Quarantined": {
		ID:                   "quarantined-pod",
		Name:                 "Quarantined Pod",
		ShortDescription:     MessageString{Text: "Pod is isolated by a deny-all network policy"},
		Help:                 MessageString{Text: "Release the quarantine once the investigation is complete."},
		DefaultConfiguration: Configuration{Level: "note"},
	},
	"Unschedulable": {
		ID:                   "node-cordoned",
		Name:                 "Cordoned Node",
		ShortDescription:     MessageString{Text: "Node is cordoned"},
		Help:                 MessageString{Text: "Uncordon the node once it has been investigated or replaced."},
		DefaultConfiguration: Configuration{Level: "note"},
	},
	"AllowsAllIngress": allowAllRule,
	"AllowsAllEgress":  allowAllRule,
	ErrorKey:           readErrorRule,
	ChildrenErrorKey:   readErrorRule,
}

var hostNamespaceRule = Rule{
	ID:                   "host-namespace",
	Name:                 "Host Namespace Shared",
	ShortDescription:     MessageString{Text: "Pod shares a host namespace"},
	Help:                 MessageString{Text: "hostNetwork, hostPID and hostIPC break pod isolation from the node."},
	DefaultConfiguration: Configuration{Level: "warning"},
}

var allowAllRule = Rule{
	ID:                   "network-policy-allow-all",
	Name:                 "Network Policy Allows All",
	ShortDescription:     MessageString{Text: "Network policy rule without peers"},
	Help:                 MessageString{Text: "A rule without from/to peers allows all traffic in that direction."},
	DefaultConfiguration: Configuration{Level: "warning"},
}

var readErrorRule = Rule{
	ID:                   "enumeration-error",
	Name:                 "Enumeration Error",
	ShortDescription:     MessageString{Text: "Part of the report could not be read"},
	Help:                 MessageString{Text: "Check permissions and whether the object still exists."},
	DefaultConfiguration: Configuration{Level: "error"},
}

var genericRule = Rule{
	ID:                   "warning",
	Name:                 "Report Warning",
	ShortDescription:     MessageString{Text: "Warning row"},
	Help:                 MessageString{Text: "Review the reported value."},
	DefaultConfiguration: Configuration{Level: "warning"},
}

// RegisterRule adds or replaces the rule used for warnings with key. It is
// meant for package init of managed-cluster enumerations.
func RegisterRule(key string, rule Rule) {
	rules[key] = rule
}

func ruleFor(key string) Rule {
	if r, ok := rules[key]; ok {
		return r
	}
	return genericRule
}

// GenerateSARIF converts the non-empty warning rows of r into SARIF results.
func GenerateSARIF(r *Report, version string) ([]byte, error) {
	results := make([]Result, 0)
	used := make(map[string]Rule)
	collectResults(r, nil, &results, used)

	ids := make([]string, 0, len(used))
	for id := range used {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	driverRules := make([]Rule, 0, len(ids))
	for _, id := range ids {
		driverRules = append(driverRules, used[id])
	}

	sarif := SARIF{
		Schema:  sarifSchema,
		Version: "2.1.0",
		Runs: []Run{
			{
				Tool: Tool{
					Driver: Driver{
						Name:            "kubeir",
						Version:         version,
						InformationURI:  "https://github.com/ppiankov/kubeir",
						SemanticVersion: version,
						Rules:           driverRules,
					},
				},
				Results: results,
			},
		},
	}
	return json.MarshalIndent(sarif, "", "  ")
}

func collectResults(r *Report, parent []string, results *[]Result, used map[string]Rule) {
	path := append(append([]string(nil), parent...), segment(r))
	uri := "kubernetes://" + strings.Join(path, "/")

	for _, w := range r.Warnings.NonEmpty() {
		rule := ruleFor(w.Key)
		used[rule.ID] = rule
		*results = append(*results, Result{
			RuleID:  rule.ID,
			Level:   rule.DefaultConfiguration.Level,
			Message: MessageString{Text: fmt.Sprintf("%s %s: %s = %s", r.Keyword, name(r), w.Key, FormatValue(w.Value))},
			Locations: []Location{
				{PhysicalLocation: PhysicalLocation{ArtifactLocation: ArtifactLocation{URI: uri}}},
			},
			Properties: map[string]any{
				"keyword": r.Keyword,
				"key":     w.Key,
				"value":   w.Value,
			},
		})
	}
	for _, child := range r.Children {
		collectResults(child, path, results, used)
	}
}

func name(r *Report) string {
	if v, ok := r.Info.Get("Name"); ok {
		return fmt.Sprint(v)
	}
	return ""
}

func segment(r *Report) string {
	n := name(r)
	if n == "" {
		return r.Keyword
	}
	if ns, ok := r.Info.Get("Namespace"); ok && !IsEmpty(ns) {
		return fmt.Sprintf("%s/%v/%s", r.Keyword, ns, n)
	}
	return r.Keyword + "/" + n
}
