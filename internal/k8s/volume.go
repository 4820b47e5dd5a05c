package k8s

import (
	"fmt"
	"sort"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

// Volume wraps a volume spec taken from a pod read.
type Volume struct {
	spec corev1.Volume
}

// NewVolume wraps spec.
func NewVolume(spec corev1.Volume) *Volume {
	return &Volume{spec: spec}
}

// Name returns the volume name.
func (v *Volume) Name() string { return v.spec.Name }

// Type returns the kind of the volume: the JSON name of the single volume
// source that is set, e.g. "hostPath", "secret" or "emptyDir".
func (v *Volume) Type() (string, error) {
	source, err := runtime.DefaultUnstructuredConverter.ToUnstructured(&v.spec.VolumeSource)
	if err != nil {
		return "", fmt.Errorf("convert volume %s: %w", v.spec.Name, err)
	}
	keys := make([]string, 0, len(source))
	for k, val := range source {
		if val != nil {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return "", fmt.Errorf("volume %s: type: %w", v.spec.Name, ErrNotFound)
	}
	sort.Strings(keys)
	return keys[0], nil
}

// HostPath returns the host path of a hostPath volume, or "" otherwise.
func (v *Volume) HostPath() string {
	if v.spec.HostPath == nil {
		return ""
	}
	return v.spec.HostPath.Path
}

// IsHostRootFilesystem reports whether the volume mounts the host's /.
func (v *Volume) IsHostRootFilesystem() bool {
	return v.spec.HostPath != nil && v.spec.HostPath.Path == "/"
}
