// Package selector composes field and label predicates into the selector
// strings accepted by Kubernetes list calls.
package selector

import (
	"fmt"
	"sort"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Scope is the list-call keyword a component contributes to.
type Scope string

const (
	ScopeField Scope = "field_selector"
	ScopeLabel Scope = "label_selector"
)

// Component is one atomic predicate. Components are values and never change
// after construction.
type Component struct {
	scope     Scope
	predicate string
}

// Scope returns the keyword this component belongs to.
func (c Component) Scope() Scope { return c.scope }

// String returns the literal predicate.
func (c Component) String() string { return c.predicate }

// Name matches a resource by metadata.name.
func Name(name string) Component {
	return Component{scope: ScopeField, predicate: fmt.Sprintf("metadata.name=%s", name)}
}

// Node matches pods scheduled on the given node.
func Node(node string) Component {
	return Component{scope: ScopeField, predicate: fmt.Sprintf("spec.nodeName=%s", node)}
}

// Running excludes pods that already terminated. Same predicate kubectl
// uses in `describe node`.
func Running() Component {
	return Component{scope: ScopeField, predicate: "status.phase!=Failed,status.phase!=Succeeded"}
}

// Label matches resources carrying key=value.
func Label(key, value string) Component {
	return Component{scope: ScopeLabel, predicate: fmt.Sprintf("%s=%s", key, value)}
}

// Selector is an ordered, immutable set of components.
type Selector struct {
	components []Component
}

// New builds a selector from components in the given order.
func New(components ...Component) Selector {
	c := make([]Component, len(components))
	copy(c, components)
	return Selector{components: c}
}

// FromLabels builds a selector with one Label component per entry. Keys are
// sorted so the resulting selector string is stable.
func FromLabels(labels map[string]string) Selector {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	components := make([]Component, 0, len(keys))
	for _, k := range keys {
		components = append(components, Label(k, labels[k]))
	}
	return Selector{components: components}
}

// Components returns a copy of the selector's components.
func (s Selector) Components() []Component {
	c := make([]Component, len(s.components))
	copy(c, s.components)
	return c
}

// ToKeywords groups components by scope and comma-joins each group, keeping
// the order components were supplied in. Scopes without components are
// omitted.
func (s Selector) ToKeywords() map[string]string {
	grouped := make(map[Scope][]string)
	for _, c := range s.components {
		grouped[c.scope] = append(grouped[c.scope], c.predicate)
	}

	keywords := make(map[string]string, len(grouped))
	for scope, predicates := range grouped {
		keywords[string(scope)] = strings.Join(predicates, ",")
	}
	return keywords
}

// ListOptions converts the selector into options for a client-go list call.
func (s Selector) ListOptions() metav1.ListOptions {
	kw := s.ToKeywords()
	return metav1.ListOptions{
		FieldSelector: kw[string(ScopeField)],
		LabelSelector: kw[string(ScopeLabel)],
	}
}
