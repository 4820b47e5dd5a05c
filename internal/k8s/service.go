package k8s

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
)

// Service is a handle on a Service.
type Service struct {
	ref
}

var _ NamespacedResource = (*Service)(nil)

// NewService returns a handle for the Service name in namespace.
func NewService(client kubernetes.Interface, name, namespace string) *Service {
	return &Service{ref: ref{client: client, name: name, namespace: namespace}}
}

// Kind implements Resource.
func (s *Service) Kind() string { return KindService }

// Read fetches the live Service.
func (s *Service) Read(ctx context.Context) (*corev1.Service, error) {
	svc, err := s.client.CoreV1().Services(s.namespace).Get(ctx, s.name, metav1.GetOptions{})
	if err != nil {
		return nil, wrap("read", KindService, s.namespace, s.name, err)
	}
	return svc, nil
}

// ReadObject implements ObjectReader.
func (s *Service) ReadObject(ctx context.Context) (runtime.Object, error) {
	return s.Read(ctx)
}

// Delete deletes the Service. A Service has no dependents, so cascade only
// changes the propagation policy sent to the server.
func (s *Service) Delete(ctx context.Context, cascade bool) error {
	err := s.client.CoreV1().Services(s.namespace).Delete(ctx, s.name, deleteOptions(cascade))
	return wrap("delete", KindService, s.namespace, s.name, err)
}

// Type returns spec.type, e.g. ClusterIP or LoadBalancer.
func (s *Service) Type(ctx context.Context) (corev1.ServiceType, error) {
	svc, err := s.Read(ctx)
	if err != nil {
		return "", err
	}
	return svc.Spec.Type, nil
}

// Selector returns the Service's pod selector.
func (s *Service) Selector(ctx context.Context) (map[string]string, error) {
	svc, err := s.Read(ctx)
	if err != nil {
		return nil, err
	}
	return svc.Spec.Selector, nil
}

// ClusterIP returns spec.clusterIP, which may be empty or "None".
func (s *Service) ClusterIP(ctx context.Context) (string, error) {
	svc, err := s.Read(ctx)
	if err != nil {
		return "", err
	}
	return svc.Spec.ClusterIP, nil
}

// ExternalIPs returns spec.externalIPs together with any load balancer
// ingress addresses.
func (s *Service) ExternalIPs(ctx context.Context) ([]string, error) {
	svc, err := s.Read(ctx)
	if err != nil {
		return nil, err
	}
	ips := append([]string(nil), svc.Spec.ExternalIPs...)
	for _, ing := range svc.Status.LoadBalancer.Ingress {
		switch {
		case ing.IP != "":
			ips = append(ips, ing.IP)
		case ing.Hostname != "":
			ips = append(ips, ing.Hostname)
		}
	}
	return ips, nil
}

// GetCoveredPods lists the pods the Service selects. A Service without a
// selector covers no pods.
func (s *Service) GetCoveredPods(ctx context.Context) ([]*Pod, error) {
	labels, err := s.Selector(ctx)
	if err != nil {
		return nil, err
	}
	return listPodsByLabels(ctx, s.client, s.namespace, labels)
}
