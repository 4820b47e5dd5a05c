// Package exposure maps the structural traffic paths into a workload: the
// services selecting its pods, the ingresses routing to those services and
// the network policies admitting traffic. It shows what COULD reach the
// workload, which bounds the blast radius of a compromise.
package exposure

import (
	"fmt"
	"time"
)

// Map is the exposure of one workload.
type Map struct {
	Namespace    string
	WorkloadName string
	WorkloadKind string
	PodLabels    map[string]string
	Services     []ServiceExposure
	Policies     []PolicyExposure
	QueryTime    time.Time
	Errors       []string // non-fatal errors during collection
}

// ServiceExposure is a Service whose selector matches the workload's pods.
type ServiceExposure struct {
	Name      string
	Type      string // ClusterIP, NodePort, LoadBalancer, ExternalName, Headless
	Ports     []PortMapping
	Ingresses []IngressRoute
}

// Public reports whether the service is reachable from outside the cluster.
func (s ServiceExposure) Public() bool {
	return s.Type == "LoadBalancer" || s.Type == "NodePort"
}

// PortMapping is a single service port.
type PortMapping struct {
	Name       string
	TargetPort string
	Protocol   string
	Port       int32
	NodePort   int32
}

// IngressRoute is an Ingress routing to a service. Hosts without TLS are
// listed in PlaintextHosts.
type IngressRoute struct {
	Name           string
	ClassName      string
	Hosts          []string
	Paths          []string
	PlaintextHosts []string
}

// PolicyExposure is a NetworkPolicy selecting the workload's pods.
type PolicyExposure struct {
	Name       string
	Sources    []Source
	Quarantine bool // created by pod isolation
}

// AdmitsAll reports whether an ingress rule admits every source.
func (p PolicyExposure) AdmitsAll() bool {
	for _, s := range p.Sources {
		if s.Type == SourceAll || (s.Type == SourceIPBlock && s.CIDR == "0.0.0.0/0") {
			return true
		}
	}
	return false
}

// Source types.
const (
	SourceAll       = "all"
	SourceNamespace = "namespace"
	SourcePod       = "pod"
	SourceIPBlock   = "ipBlock"
)

// Source is a single allowed ingress source of a NetworkPolicy.
type Source struct {
	Type      string
	Namespace string // namespace selector, "*" for any
	PodLabel  string // pod selector
	CIDR      string
	Except    []string
}

func (s Source) String() string {
	switch s.Type {
	case SourceNamespace:
		if s.PodLabel != "" {
			return fmt.Sprintf("namespace(%s)/pod(%s)", s.Namespace, s.PodLabel)
		}
		return fmt.Sprintf("namespace(%s)", s.Namespace)
	case SourcePod:
		return fmt.Sprintf("pod(%s)", s.PodLabel)
	case SourceIPBlock:
		if len(s.Except) > 0 {
			return fmt.Sprintf("%s except %v", s.CIDR, s.Except)
		}
		return s.CIDR
	default:
		return s.Type
	}
}
