package k8s

import (
	corev1 "k8s.io/api/core/v1"
)

// Container wraps a container spec taken from a pod read.
type Container struct {
	spec corev1.Container
}

// NewContainer wraps spec.
func NewContainer(spec corev1.Container) *Container {
	return &Container{spec: spec}
}

func (c *Container) Name() string  { return c.spec.Name }
func (c *Container) Image() string { return c.spec.Image }

// IsPrivileged reports whether the container runs privileged.
func (c *Container) IsPrivileged() bool {
	sc := c.spec.SecurityContext
	return sc != nil && sc.Privileged != nil && *sc.Privileged
}

// AllowsPrivilegeEscalation reports whether allowPrivilegeEscalation is
// explicitly true.
func (c *Container) AllowsPrivilegeEscalation() bool {
	sc := c.spec.SecurityContext
	return sc != nil && sc.AllowPrivilegeEscalation != nil && *sc.AllowPrivilegeEscalation
}

// ContainerPorts returns the declared container ports.
func (c *Container) ContainerPorts() []int32 {
	var ports []int32
	for _, p := range c.spec.Ports {
		ports = append(ports, p.ContainerPort)
	}
	return ports
}

// VolumeMounts returns the names of the mounted volumes.
func (c *Container) VolumeMounts() []string {
	var names []string
	for _, m := range c.spec.VolumeMounts {
		names = append(names, m.Name)
	}
	return names
}
