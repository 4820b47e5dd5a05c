package eks

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/ppiankov/kubeir/internal/enumeration"
	"github.com/ppiankov/kubeir/internal/k8s"
)

const Keyword = "EksCluster"

func init() {
	enumeration.RegisterRule("NetworkPolicy", enumeration.Rule{
		ID:                   "eks-network-policy-disabled",
		Name:                 "NetworkPolicy Not Enforced",
		ShortDescription:     enumeration.MessageString{Text: "The vpc-cni add-on does not enforce NetworkPolicy"},
		Help:                 enumeration.MessageString{Text: "Set enableNetworkPolicy in the vpc-cni add-on configuration. Pod isolation has no effect without it."},
		DefaultConfiguration: enumeration.Configuration{Level: "warning"},
	})
	enumeration.RegisterRule("WorkloadIdentity", enumeration.Rule{
		ID:                   "eks-workload-identity-disabled",
		Name:                 "Workload Identity Disabled",
		ShortDescription:     enumeration.MessageString{Text: "Neither IRSA nor EKS Pod Identity is configured"},
		Help:                 enumeration.MessageString{Text: "Pods fall back to the node instance role and share its AWS permissions."},
		DefaultConfiguration: enumeration.Configuration{Level: "warning"},
	})
	enumeration.RegisterRule("PublicEndpoint", enumeration.Rule{
		ID:                   "eks-public-endpoint",
		Name:                 "Public API Endpoint",
		ShortDescription:     enumeration.MessageString{Text: "The API server endpoint accepts connections from any address"},
		Help:                 enumeration.MessageString{Text: "Restrict publicAccessCidrs or disable public endpoint access."},
		DefaultConfiguration: enumeration.Configuration{Level: "warning"},
	})
}

// Enumeration reports an EKS cluster and the Kubernetes cluster behind it.
type Enumeration struct {
	eks     *Cluster
	cluster *k8s.Cluster
}

// NewEnumeration returns an enumeration of c. When cluster is nil no
// Kubernetes children are reported.
func NewEnumeration(c *Cluster, cluster *k8s.Cluster) *Enumeration {
	return &Enumeration{eks: c, cluster: cluster}
}

func (e *Enumeration) Keyword() string { return Keyword }

func (e *Enumeration) Populate(ctx context.Context, info, warnings *enumeration.Fields) error {
	desc, err := e.eks.Describe(ctx)
	if err != nil {
		return err
	}
	info.Set("Name", aws.ToString(desc.Name))
	info.Set("Region", e.eks.Region())
	info.Set("Version", aws.ToString(desc.Version))
	info.Set("Status", string(desc.Status))
	info.Set("Endpoint", aws.ToString(desc.Endpoint))

	netpol, err := e.eks.NetworkPolicyEnabled(ctx)
	if err != nil {
		return err
	}
	if netpol {
		info.Set("NetworkPolicy", "Enabled")
	} else {
		warnings.Set("NetworkPolicy", "Disabled")
	}

	wi, err := e.eks.WorkloadIdentityEnabled(ctx, desc)
	if err != nil {
		return err
	}
	if wi {
		info.Set("WorkloadIdentity", "Enabled")
	} else {
		warnings.Set("WorkloadIdentity", "Disabled")
	}

	if publicEndpointOpen(desc) {
		warnings.Set("PublicEndpoint", "Open")
	} else if desc.ResourcesVpcConfig != nil && desc.ResourcesVpcConfig.EndpointPublicAccess {
		info.Set("PublicEndpoint", desc.ResourcesVpcConfig.PublicAccessCidrs)
	} else {
		info.Set("PublicEndpoint", "Disabled")
	}
	return nil
}

func (e *Enumeration) Children(context.Context, string) ([]enumeration.Enumeration, error) {
	if e.cluster == nil {
		return nil, nil
	}
	return []enumeration.Enumeration{enumeration.NewClusterEnumeration(e.cluster)}, nil
}
