// Package applieswhen implements the applicability DSL of a rule: a small
// boolean expression tree over context facts and other concepts. Parsing is
// fail-closed; anything malformed is a *ValidationError, never "always
// applies".
package applieswhen

import (
	"fmt"
	"sort"
)

// Operator tags.
const (
	OpAnd        = "and"
	OpOr         = "or"
	OpNot        = "not"
	OpCmp        = "cmp"
	OpConceptRef = "concept_ref"
	OpTrue       = "true"
)

// Comparator is the relation of a FieldCompare.
type Comparator string

const (
	CmpEq  Comparator = "eq"
	CmpNeq Comparator = "neq"
	CmpGt  Comparator = "gt"
	CmpGte Comparator = "gte"
	CmpLt  Comparator = "lt"
	CmpLte Comparator = "lte"
	CmpIn  Comparator = "in"
)

func (c Comparator) valid() bool {
	switch c {
	case CmpEq, CmpNeq, CmpGt, CmpGte, CmpLt, CmpLte, CmpIn:
		return true
	}
	return false
}

func (c Comparator) ordering() bool {
	return c == CmpGt || c == CmpGte || c == CmpLt || c == CmpLte
}

// Node is one variant of the expression tree.
type Node interface {
	Op() string
	isNode()
}

// And holds when every operand holds.
type And struct{ Args []Node }

// Or holds when any operand holds.
type Or struct{ Args []Node }

// Not negates its operand.
type Not struct{ Arg Node }

// FieldCompare compares a context fact with a literal. Value is a string,
// float64 or bool, or a []any of those for CmpIn.
type FieldCompare struct {
	Field string
	Cmp   Comparator
	Value any
}

// ConceptRef holds when the referenced concept applies.
type ConceptRef struct{ Concept string }

// True always holds. It must be written explicitly.
type True struct{}

func (And) Op() string          { return OpAnd }
func (Or) Op() string           { return OpOr }
func (Not) Op() string          { return OpNot }
func (FieldCompare) Op() string { return OpCmp }
func (ConceptRef) Op() string   { return OpConceptRef }
func (True) Op() string         { return OpTrue }

func (And) isNode()          {}
func (Or) isNode()           {}
func (Not) isNode()          {}
func (FieldCompare) isNode() {}
func (ConceptRef) isNode()   {}
func (True) isNode()         {}

// ConceptRefs returns the distinct concepts referenced by n, sorted.
func ConceptRefs(n Node) []string {
	seen := map[string]bool{}
	var walk func(Node)
	walk = func(n Node) {
		switch v := n.(type) {
		case And:
			for _, a := range v.Args {
				walk(a)
			}
		case Or:
			for _, a := range v.Args {
				walk(a)
			}
		case Not:
			walk(v.Arg)
		case ConceptRef:
			seen[v.Concept] = true
		}
	}
	walk(n)

	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Error codes of ValidationError.
const (
	CodeParse             = "PARSE_ERROR"
	CodeSchema            = "SCHEMA_VIOLATION"
	CodeUnknownOperator   = "UNKNOWN_OPERATOR"
	CodeEmptyOperands     = "EMPTY_OPERANDS"
	CodeInvalidField      = "INVALID_FIELD"
	CodeInvalidComparator = "INVALID_COMPARATOR"
	CodeInvalidValue      = "INVALID_VALUE"
	CodeInvalidConcept    = "INVALID_CONCEPT"
	CodeMaxDepth          = "MAX_DEPTH"
)

// ValidationError is returned for any expression that cannot be accepted.
type ValidationError struct {
	Code    string
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("appliesWhen %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("appliesWhen %s at %s: %s", e.Code, e.Path, e.Message)
}

func invalid(code, path, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Path: path, Message: fmt.Sprintf(format, args...)}
}
