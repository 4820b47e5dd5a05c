package exposure

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/ppiankov/kubeir/internal/k8s"
	"github.com/ppiankov/kubeir/internal/logging"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
)

// Collector queries the API server to build exposure maps.
type Collector struct {
	client kubernetes.Interface
	logger *slog.Logger
	now    func() time.Time
}

// NewCollector returns a collector using client.
func NewCollector(client kubernetes.Interface, logger *slog.Logger) *Collector {
	return &Collector{client: client, logger: logging.OrDefault(logger), now: time.Now}
}

// Collect builds the exposure map of w. Only failing to resolve the
// workload's pod labels is an error; every other query failure is
// recorded in Map.Errors and collection continues.
func (c *Collector) Collect(ctx context.Context, w k8s.Workload) (*Map, error) {
	podLabels, err := w.PodMatchLabels(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve pod labels of %s: %w", w, err)
	}

	m := &Map{
		Namespace:    w.Namespace(),
		WorkloadName: w.Name(),
		WorkloadKind: w.Kind(),
		PodLabels:    podLabels,
		QueryTime:    c.now(),
	}
	if len(podLabels) == 0 {
		m.Errors = append(m.Errors, "workload has no pod labels, nothing selects it")
		return m, nil
	}

	services, errs := c.findServices(ctx, m.Namespace, podLabels)
	m.Services = services
	m.Errors = append(m.Errors, errs...)

	names := make([]string, len(services))
	for i, s := range services {
		names[i] = s.Name
	}
	routes, errs := c.findIngresses(ctx, m.Namespace, names)
	m.Errors = append(m.Errors, errs...)
	for i := range m.Services {
		m.Services[i].Ingresses = routes[m.Services[i].Name]
	}

	policies, errs := c.findPolicies(ctx, m.Namespace, podLabels)
	m.Policies = policies
	m.Errors = append(m.Errors, errs...)

	for _, e := range m.Errors {
		c.logger.Warn("exposure query failed",
			logging.Namespace(m.Namespace), logging.ResourceName(m.WorkloadName), slog.String("detail", e))
	}
	return m, nil
}

// findServices lists services whose selector is a non-empty subset of
// podLabels. A service without selector selects no pods.
func (c *Collector) findServices(ctx context.Context, namespace string, podLabels map[string]string) ([]ServiceExposure, []string) {
	svcs, err := c.client.CoreV1().Services(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, []string{fmt.Sprintf("services: %v", err)}
	}

	var out []ServiceExposure
	for i := range svcs.Items {
		svc := &svcs.Items[i]
		if len(svc.Spec.Selector) == 0 || !k8s.IsSubset(svc.Spec.Selector, podLabels) {
			continue
		}

		typ := string(svc.Spec.Type)
		if svc.Spec.ClusterIP == "None" {
			typ = "Headless"
		}
		se := ServiceExposure{Name: svc.Name, Type: typ}
		for _, p := range svc.Spec.Ports {
			se.Ports = append(se.Ports, PortMapping{
				Name:       p.Name,
				Port:       p.Port,
				NodePort:   p.NodePort,
				TargetPort: p.TargetPort.String(),
				Protocol:   string(p.Protocol),
			})
		}
		out = append(out, se)
	}
	slices.SortFunc(out, func(a, b ServiceExposure) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// findIngresses returns the ingress routes per service name, one route
// per ingress.
func (c *Collector) findIngresses(ctx context.Context, namespace string, serviceNames []string) (map[string][]IngressRoute, []string) {
	if len(serviceNames) == 0 {
		return nil, nil
	}
	ingresses, err := c.client.NetworkingV1().Ingresses(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, []string{fmt.Sprintf("ingresses: %v", err)}
	}

	out := make(map[string][]IngressRoute)
	for i := range ingresses.Items {
		ing := &ingresses.Items[i]
		tlsHosts := make(map[string]bool)
		for _, tls := range ing.Spec.TLS {
			for _, h := range tls.Hosts {
				tlsHosts[h] = true
			}
		}

		routes := make(map[string]*IngressRoute)
		add := func(svc, host, path string) {
			if !slices.Contains(serviceNames, svc) {
				return
			}
			r, ok := routes[svc]
			if !ok {
				r = &IngressRoute{Name: ing.Name, ClassName: ingressClassName(ing)}
				routes[svc] = r
			}
			if !slices.Contains(r.Hosts, host) {
				r.Hosts = append(r.Hosts, host)
				if !tlsHosts[host] {
					r.PlaintextHosts = append(r.PlaintextHosts, host)
				}
			}
			if !slices.Contains(r.Paths, path) {
				r.Paths = append(r.Paths, path)
			}
		}

		if b := ing.Spec.DefaultBackend; b != nil && b.Service != nil {
			add(b.Service.Name, "*", "/")
		}
		for _, rule := range ing.Spec.Rules {
			if rule.HTTP == nil {
				continue
			}
			host := rule.Host
			if host == "" {
				host = "*"
			}
			for _, p := range rule.HTTP.Paths {
				if p.Backend.Service == nil {
					continue
				}
				path := p.Path
				if path == "" {
					path = "/"
				}
				add(p.Backend.Service.Name, host, path)
			}
		}
		for svc, r := range routes {
			out[svc] = append(out[svc], *r)
		}
	}
	return out, nil
}

// findPolicies lists the policies selecting the workload's pods and the
// ingress sources they admit. Egress-only policies carry no sources.
func (c *Collector) findPolicies(ctx context.Context, namespace string, podLabels map[string]string) ([]PolicyExposure, []string) {
	netpols, err := c.client.NetworkingV1().NetworkPolicies(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, []string{fmt.Sprintf("networkpolicies: %v", err)}
	}

	var out []PolicyExposure
	var errs []string
	for i := range netpols.Items {
		np := &netpols.Items[i]
		sel, err := metav1.LabelSelectorAsSelector(&np.Spec.PodSelector)
		if err != nil {
			errs = append(errs, fmt.Sprintf("networkpolicy %s: %v", np.Name, err))
			continue
		}
		if !sel.Matches(labels.Set(podLabels)) {
			continue
		}

		pe := PolicyExposure{
			Name:       np.Name,
			Quarantine: np.Labels[k8s.ManagedByLabel] == k8s.ManagedByValue && strings.HasPrefix(np.Name, k8s.QuarantinePolicyPrefix),
		}
		for _, rule := range np.Spec.Ingress {
			if len(rule.From) == 0 {
				pe.Sources = append(pe.Sources, Source{Type: SourceAll})
				continue
			}
			for _, from := range rule.From {
				pe.Sources = append(pe.Sources, parseSource(from))
			}
		}
		out = append(out, pe)
	}
	slices.SortFunc(out, func(a, b PolicyExposure) int { return strings.Compare(a.Name, b.Name) })
	return out, errs
}

func parseSource(peer networkingv1.NetworkPolicyPeer) Source {
	switch {
	case peer.IPBlock != nil:
		return Source{Type: SourceIPBlock, CIDR: peer.IPBlock.CIDR, Except: peer.IPBlock.Except}
	case peer.NamespaceSelector != nil:
		s := Source{Type: SourceNamespace, Namespace: selectorString(peer.NamespaceSelector)}
		if peer.PodSelector != nil {
			s.PodLabel = selectorString(peer.PodSelector)
		}
		return s
	default:
		return Source{Type: SourcePod, PodLabel: selectorString(peer.PodSelector)}
	}
}

// selectorString formats sel, with "*" for the empty selector.
func selectorString(sel *metav1.LabelSelector) string {
	if s := metav1.FormatLabelSelector(sel); s != "<none>" {
		return s
	}
	return "*"
}

func ingressClassName(ing *networkingv1.Ingress) string {
	if ing.Spec.IngressClassName != nil {
		return *ing.Spec.IngressClassName
	}
	if v, ok := ing.Annotations["kubernetes.io/ingress.class"]; ok {
		return v
	}
	return ""
}
