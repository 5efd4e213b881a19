package srg

import (
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/regtruth/pkg/model"
)

// Namespaces partition edges into independently acyclic families.
const (
	NamespaceSupersession = "supersession"
	NamespaceDependency   = "dependency"
	NamespaceOverride     = "override"
)

// NamespaceOf returns the namespace of a relation.
func NamespaceOf(rel model.Relation) string {
	switch rel {
	case model.RelationSupersedes:
		return NamespaceSupersession
	case model.RelationDependsOn:
		return NamespaceDependency
	case model.RelationOverrides:
		return NamespaceOverride
	}
	return string(rel)
}

// CycleError reports an edge that would close a cycle. Path runs from the
// edge's target back to its source.
type CycleError struct {
	Namespace string
	From      string
	To        string
	Path      []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("srg: edge %s -> %s would close a %s cycle: %s",
		e.From, e.To, e.Namespace, strings.Join(e.Path, " -> "))
}
