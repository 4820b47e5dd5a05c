package k8s

import (
	"errors"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

// Sentinel errors surfaced by the resource model. Check with errors.Is.
var (
	// ErrNotFound indicates an expected resource or relationship is absent,
	// e.g. a Deployment without a matching live ReplicaSet.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument indicates the caller supplied insufficient or
	// conflicting input, e.g. pods spanning several namespaces.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrOperationFailed indicates a precondition the toolkit cannot satisfy
	// itself, e.g. NetworkPolicy enforcement disabled on the cluster.
	ErrOperationFailed = errors.New("operation failed")

	// ErrUnsupportedSelector indicates a workload selector using
	// matchExpressions, for which matchLabels-based coverage is inaccurate.
	ErrUnsupportedSelector = errors.New("selector uses matchExpressions")
)

// ResourceError attaches the operation and resource identity to an error
// returned by the cluster client.
type ResourceError struct {
	Op        string
	Kind      string
	Namespace string
	Name      string
	Err       error
}

// Error implements the error interface.
func (e *ResourceError) Error() string {
	if e.Namespace != "" {
		return fmt.Sprintf("%s %s %s/%s: %v", e.Op, e.Kind, e.Namespace, e.Name, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Op, e.Kind, e.Name, e.Err)
}

// Unwrap returns the underlying client error, so apierrors helpers and
// errors.Is keep working through the wrapper.
func (e *ResourceError) Unwrap() error {
	return e.Err
}

func wrap(op, kind, namespace, name string, err error) error {
	if err == nil {
		return nil
	}
	return &ResourceError{Op: op, Kind: kind, Namespace: namespace, Name: name, Err: err}
}

// IsNotFound reports whether err is a not-found condition, either from the
// API server or from relationship resolution.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNotFound) || apierrors.IsNotFound(err)
}
