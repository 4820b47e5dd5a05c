package audit

import (
	"context"
	"os"
	"os/user"

	authenticationv1 "k8s.io/api/authentication/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

// Identity sources, strongest first.
const (
	SourceSelfSubjectReview = "ssr"
	SourceKubeconfig        = "kubeconfig"
	SourceUnknown           = "unknown"
)

// Identity records who performed a containment action.
type Identity struct {
	KubeContext string   `json:"kube_context,omitempty"`
	KubeUser    string   `json:"kube_user,omitempty"`
	KubeGroups  []string `json:"kube_groups,omitempty"`
	OSUser      string   `json:"os_user"`
	Machine     string   `json:"machine"`
	Source      string   `json:"source"`
}

// Actor returns the best available name for rate-limit accounting.
func (id *Identity) Actor() string {
	if id == nil {
		return ""
	}
	if id.KubeUser != "" {
		return id.KubeUser
	}
	return id.OSUser
}

// ResolveIdentity asks the API server who we are (SelfSubjectReview) and
// falls back to the kubeconfig's current context. OS user and host are
// always recorded.
func ResolveIdentity(ctx context.Context, client kubernetes.Interface, kubeconfigPath string) *Identity {
	id := &Identity{Source: SourceUnknown}
	id.OSUser, id.Machine = resolveOSIdentity()
	ctxName, kubeUser := resolveKubeconfig(kubeconfigPath)
	id.KubeContext = ctxName

	if client != nil {
		review, err := client.AuthenticationV1().SelfSubjectReviews().Create(ctx, &authenticationv1.SelfSubjectReview{}, metav1.CreateOptions{})
		if err == nil && review.Status.UserInfo.Username != "" {
			id.KubeUser = review.Status.UserInfo.Username
			id.KubeGroups = review.Status.UserInfo.Groups
			id.Source = SourceSelfSubjectReview
			return id
		}
	}

	if kubeUser != "" {
		id.KubeUser = kubeUser
		id.Source = SourceKubeconfig
	}
	return id
}

// resolveKubeconfig returns the current context and its user, or empty
// strings when no kubeconfig can be loaded.
func resolveKubeconfig(kubeconfigPath string) (contextName, userName string) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfigPath != "" {
		rules.ExplicitPath = kubeconfigPath
	}
	raw, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).RawConfig()
	if err != nil {
		return "", ""
	}
	contextName = raw.CurrentContext
	if c, ok := raw.Contexts[contextName]; ok {
		userName = c.AuthInfo
	}
	return contextName, userName
}

func resolveOSIdentity() (osUser, machine string) {
	if u, err := user.Current(); err == nil {
		osUser = u.Username
	}
	machine, _ = os.Hostname()
	return osUser, machine
}
