package exposure

import (
	"context"
	"fmt"
	"strings"

	"github.com/ppiankov/kubeir/internal/enumeration"
	"github.com/ppiankov/kubeir/internal/k8s"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
)

// Report keywords.
const (
	Keyword        = "Exposure"
	KeywordIngress = "Ingress"
)

func init() {
	enumeration.RegisterRule("PublicServices", enumeration.Rule{
		ID:                   "public-service",
		Name:                 "Externally Reachable Service",
		ShortDescription:     enumeration.MessageString{Text: "A LoadBalancer or NodePort service selects the workload"},
		Help:                 enumeration.MessageString{Text: "Traffic from outside the cluster reaches the workload. Remove the service or isolate the pods."},
		DefaultConfiguration: enumeration.Configuration{Level: "warning"},
	})
	enumeration.RegisterRule("PlaintextHosts", enumeration.Rule{
		ID:                   "ingress-without-tls",
		Name:                 "Ingress Without TLS",
		ShortDescription:     enumeration.MessageString{Text: "An ingress serves hosts without TLS"},
		Help:                 enumeration.MessageString{Text: "Add a TLS section for every host routed to the workload."},
		DefaultConfiguration: enumeration.Configuration{Level: "note"},
	})
	enumeration.RegisterRule("AdmitAllPolicies", enumeration.Rule{
		ID:                   "networkpolicy-admits-all",
		Name:                 "NetworkPolicy Admits All Sources",
		ShortDescription:     enumeration.MessageString{Text: "A network policy selecting the workload admits traffic from any source"},
		Help:                 enumeration.MessageString{Text: "Restrict the ingress rule's from clause."},
		DefaultConfiguration: enumeration.Configuration{Level: "warning"},
	})
	enumeration.RegisterRule("Unrestricted", enumeration.Rule{
		ID:                   "no-networkpolicy",
		Name:                 "No NetworkPolicy",
		ShortDescription:     enumeration.MessageString{Text: "No network policy selects the workload's pods"},
		Help:                 enumeration.MessageString{Text: "Every pod in the cluster can reach the workload."},
		DefaultConfiguration: enumeration.Configuration{Level: "warning"},
	})
}

// Enumeration reports the exposure of a workload. Children are the
// matching services, the ingresses routing to them and the network
// policies selecting the pods.
type Enumeration struct {
	collector *Collector
	client    kubernetes.Interface
	workload  k8s.Workload
	m         *Map
}

// NewEnumeration returns an exposure enumeration of w.
func NewEnumeration(c *Collector, w k8s.Workload) *Enumeration {
	return &Enumeration{collector: c, client: c.client, workload: w}
}

func (e *Enumeration) Keyword() string { return Keyword }

func (e *Enumeration) Populate(ctx context.Context, info, warnings *enumeration.Fields) error {
	m, err := e.collector.Collect(ctx, e.workload)
	if err != nil {
		return err
	}
	e.m = m

	info.Set("Workload", strings.ToLower(m.WorkloadKind)+"/"+m.WorkloadName)
	info.Set("Namespace", m.Namespace)
	info.Set("PodLabels", labels.Set(m.PodLabels).String())

	var public, plaintext, admitAll, quarantine []string
	for _, s := range m.Services {
		if s.Public() {
			public = append(public, fmt.Sprintf("%s (%s)", s.Name, s.Type))
		}
		for _, r := range s.Ingresses {
			for _, h := range r.PlaintextHosts {
				plaintext = append(plaintext, r.Name+":"+h)
			}
		}
	}
	for _, p := range m.Policies {
		if p.AdmitsAll() {
			admitAll = append(admitAll, p.Name)
		}
		if p.Quarantine {
			quarantine = append(quarantine, p.Name)
		}
	}

	info.Set("Services", len(m.Services))
	info.Set("NetworkPolicies", len(m.Policies))
	info.Set("QuarantinePolicies", quarantine)
	put(info, warnings, len(public) > 0, "PublicServices", public)
	put(info, warnings, len(plaintext) > 0, "PlaintextHosts", plaintext)
	put(info, warnings, len(admitAll) > 0, "AdmitAllPolicies", admitAll)
	put(info, warnings, len(m.Policies) == 0, "Unrestricted", len(m.Policies) == 0)
	if len(m.Errors) > 0 {
		warnings.Set("CollectionErrors", m.Errors)
	}
	return nil
}

func (e *Enumeration) Children(context.Context, string) ([]enumeration.Enumeration, error) {
	if e.m == nil {
		return nil, nil
	}
	var out []enumeration.Enumeration
	seen := make(map[string]bool)
	for _, s := range e.m.Services {
		out = append(out, enumeration.NewServiceEnumeration(k8s.NewService(e.client, s.Name, e.m.Namespace)))
	}
	for _, s := range e.m.Services {
		for _, r := range s.Ingresses {
			key := r.Name + "/" + s.Name
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, &IngressEnumeration{route: r, service: s.Name})
		}
	}
	for _, p := range e.m.Policies {
		np := k8s.NewNetworkPolicy(e.client, p.Name, e.m.Namespace)
		out = append(out, &policyEnumeration{NetworkPolicyEnumeration: enumeration.NewNetworkPolicyEnumeration(np), sources: p.Sources})
	}
	return out, nil
}

// IngressEnumeration reports one ingress route into the workload.
type IngressEnumeration struct {
	route   IngressRoute
	service string
}

func (e *IngressEnumeration) Keyword() string { return KeywordIngress }

func (e *IngressEnumeration) Populate(_ context.Context, info, warnings *enumeration.Fields) error {
	info.Set("Name", e.route.Name)
	info.Set("Class", e.route.ClassName)
	info.Set("Service", e.service)
	info.Set("Hosts", e.route.Hosts)
	info.Set("Paths", e.route.Paths)
	put(info, warnings, len(e.route.PlaintextHosts) > 0, "PlaintextHosts", e.route.PlaintextHosts)
	return nil
}

func (e *IngressEnumeration) Children(context.Context, string) ([]enumeration.Enumeration, error) {
	return nil, nil
}

// policyEnumeration adds the admitted sources to a network policy report.
type policyEnumeration struct {
	*enumeration.NetworkPolicyEnumeration
	sources []Source
}

func (e *policyEnumeration) Populate(ctx context.Context, info, warnings *enumeration.Fields) error {
	if err := e.NetworkPolicyEnumeration.Populate(ctx, info, warnings); err != nil {
		return err
	}
	sources := make([]string, len(e.sources))
	for i, s := range e.sources {
		sources[i] = s.String()
	}
	info.Set("IngressSources", sources)
	return nil
}

func put(info, warnings *enumeration.Fields, warn bool, key string, value any) {
	if warn {
		warnings.Set(key, value)
		return
	}
	info.Set(key, value)
}
