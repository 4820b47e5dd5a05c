// Package eks describes an Amazon EKS cluster hosting the Kubernetes API
// that kubeir talks to.
package eks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awseks "github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/eks/types"
	"github.com/aws/smithy-go"
	"gopkg.in/yaml.v3"
)

const (
	VPCCNIAddon           = "vpc-cni"
	PodIdentityAgentAddon = "eks-pod-identity-agent"

	openCIDR        = "0.0.0.0/0"
	notFoundCode    = "ResourceNotFoundException"
	netpolConfigKey = "enableNetworkPolicy"
)

// eksAPIClient is the part of the EKS API kubeir calls.
type eksAPIClient interface {
	DescribeCluster(ctx context.Context, params *awseks.DescribeClusterInput, optFns ...func(*awseks.Options)) (*awseks.DescribeClusterOutput, error)
	DescribeAddon(ctx context.Context, params *awseks.DescribeAddonInput, optFns ...func(*awseks.Options)) (*awseks.DescribeAddonOutput, error)
}

// Cluster is a handle on one EKS cluster. Every call reads live.
type Cluster struct {
	api    eksAPIClient
	name   string
	region string
	logger *slog.Logger
}

// New loads AWS credentials from the default chain and returns a handle
// on cluster name in region.
func New(ctx context.Context, name, region string, logger *slog.Logger) (*Cluster, error) {
	if name == "" {
		return nil, errors.New("eks cluster name is required")
	}
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config for EKS region %q: %w", region, err)
	}
	return newWithClient(awseks.NewFromConfig(cfg), name, cfg.Region, logger), nil
}

func newWithClient(api eksAPIClient, name, region string, logger *slog.Logger) *Cluster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cluster{api: api, name: name, region: region, logger: logger}
}

func (c *Cluster) Name() string { return c.name }
func (c *Cluster) Region() string { return c.region }

// Describe returns the cluster description.
func (c *Cluster) Describe(ctx context.Context) (*types.Cluster, error) {
	out, err := c.api.DescribeCluster(ctx, &awseks.DescribeClusterInput{Name: aws.String(c.name)})
	if err != nil {
		return nil, fmt.Errorf("describe EKS cluster %q: %w", c.name, err)
	}
	if out.Cluster == nil {
		return nil, fmt.Errorf("describe EKS cluster %q: empty response", c.name)
	}
	return out.Cluster, nil
}

// Addon returns the named add-on, or nil when it is not installed.
func (c *Cluster) Addon(ctx context.Context, name string) (*types.Addon, error) {
	out, err := c.api.DescribeAddon(ctx, &awseks.DescribeAddonInput{
		ClusterName: aws.String(c.name),
		AddonName:   aws.String(name),
	})
	if err != nil {
		if isNotFound(err) {
			c.logger.Debug("EKS add-on not installed", slog.String("cluster", c.name), slog.String("addon", name))
			return nil, nil
		}
		return nil, fmt.Errorf("describe add-on %q of EKS cluster %q: %w", name, c.name, err)
	}
	return out.Addon, nil
}

// NetworkPolicyEnabled reports whether the vpc-cni add-on runs its network
// policy agent. It implements k8s.NetworkPolicyProbe.
func (c *Cluster) NetworkPolicyEnabled(ctx context.Context) (bool, error) {
	addon, err := c.Addon(ctx, VPCCNIAddon)
	if err != nil {
		return false, err
	}
	if addon == nil {
		return false, nil
	}
	enabled, err := networkPolicyConfigured(aws.ToString(addon.ConfigurationValues))
	if err != nil {
		return false, err
	}
	c.logger.Debug("EKS network policy support",
		slog.String("cluster", c.name),
		slog.String("addonVersion", aws.ToString(addon.AddonVersion)),
		slog.Bool("enabled", enabled))
	return enabled, nil
}

// WorkloadIdentityEnabled reports whether pods can assume IAM roles, either
// through an IRSA OIDC issuer or the pod identity agent.
func (c *Cluster) WorkloadIdentityEnabled(ctx context.Context, cluster *types.Cluster) (bool, error) {
	if oidcIssuer(cluster) != "" {
		return true, nil
	}
	addon, err := c.Addon(ctx, PodIdentityAgentAddon)
	if err != nil {
		return false, err
	}
	return addon != nil, nil
}

// networkPolicyConfigured parses add-on configuration values, which EKS
// accepts as JSON or YAML.
func networkPolicyConfigured(values string) (bool, error) {
	if values == "" {
		return false, nil
	}
	var cfg map[string]any
	if err := yaml.Unmarshal([]byte(values), &cfg); err != nil {
		return false, fmt.Errorf("parse %s configuration values: %w", VPCCNIAddon, err)
	}
	switch v := cfg[netpolConfigKey].(type) {
	case bool:
		return v, nil
	case string:
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s: %w", netpolConfigKey, err)
		}
		return enabled, nil
	}
	return false, nil
}

func oidcIssuer(cluster *types.Cluster) string {
	if cluster == nil || cluster.Identity == nil || cluster.Identity.Oidc == nil {
		return ""
	}
	return aws.ToString(cluster.Identity.Oidc.Issuer)
}

// publicEndpointOpen reports whether the API endpoint is reachable from any
// address.
func publicEndpointOpen(cluster *types.Cluster) bool {
	vpc := cluster.ResourcesVpcConfig
	if vpc == nil || !vpc.EndpointPublicAccess {
		return false
	}
	return len(vpc.PublicAccessCidrs) == 0 || slices.Contains(vpc.PublicAccessCidrs, openCIDR)
}

func isNotFound(err error) bool {
	var nf *types.ResourceNotFoundException
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == notFoundCode
}
