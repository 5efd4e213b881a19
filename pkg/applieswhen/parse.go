package applieswhen

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/regtruth/pkg/canonicalize"
)

// MaxDepth bounds expression nesting.
const MaxDepth = 32

const schemaURL = "https://regtruth.schemas.local/applies-when.schema.json"

const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$ref": "#/$defs/node",
  "$defs": {
    "node": {
      "type": "object",
      "required": ["op"],
      "properties": {
        "op": {"type": "string", "minLength": 1},
        "args": {"type": "array", "items": {"$ref": "#/$defs/node"}},
        "arg": {"$ref": "#/$defs/node"},
        "field": {"type": "string"},
        "cmp": {"type": "string"},
        "value": {},
        "concept": {"type": "string"}
      },
      "additionalProperties": false
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error

	fieldPattern   = regexp.MustCompile(`^[a-z_][a-z0-9_]*(\.[a-z_][a-z0-9_]*)*$`)
	conceptPattern = regexp.MustCompile(`^[a-z0-9]+([-_][a-z0-9]+)*$`)
)

func structuralSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("appliesWhen schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(schemaURL)
	})
	return compiledSchema, schemaErr
}

// wire is the JSON form of a node.
type wire struct {
	Op      string  `json:"op"`
	Args    []*wire `json:"args,omitempty"`
	Arg     *wire   `json:"arg,omitempty"`
	Field   string  `json:"field,omitempty"`
	Cmp     string  `json:"cmp,omitempty"`
	Value   any     `json:"value,omitempty"`
	Concept string  `json:"concept,omitempty"`
}

// Parse decodes and validates an expression. It returns *ValidationError for
// every malformed input.
func Parse(raw []byte) (Node, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, invalid(CodeParse, "$", "expression is empty")
	}

	var doc any
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, invalid(CodeParse, "$", "%v", err)
	}
	schema, err := structuralSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(doc); err != nil {
		return nil, invalid(CodeSchema, "$", "%v", err)
	}

	var w wire
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, invalid(CodeParse, "$", "%v", err)
	}
	return decode(&w, "$", 1)
}

func decode(w *wire, path string, depth int) (Node, error) {
	if depth > MaxDepth {
		return nil, invalid(CodeMaxDepth, path, "nesting deeper than %d", MaxDepth)
	}

	switch w.Op {
	case OpAnd, OpOr:
		if w.Arg != nil || w.Field != "" || w.Cmp != "" || w.Value != nil || w.Concept != "" {
			return nil, invalid(CodeSchema, path, "%q takes only args", w.Op)
		}
		if len(w.Args) == 0 {
			return nil, invalid(CodeEmptyOperands, path, "%q needs at least one operand", w.Op)
		}
		args := make([]Node, 0, len(w.Args))
		for i, a := range w.Args {
			n, err := decode(a, fmt.Sprintf("%s.args[%d]", path, i), depth+1)
			if err != nil {
				return nil, err
			}
			args = append(args, n)
		}
		if w.Op == OpAnd {
			return And{Args: args}, nil
		}
		return Or{Args: args}, nil

	case OpNot:
		if w.Args != nil || w.Field != "" || w.Cmp != "" || w.Value != nil || w.Concept != "" {
			return nil, invalid(CodeSchema, path, `"not" takes only arg`)
		}
		if w.Arg == nil {
			return nil, invalid(CodeEmptyOperands, path, `"not" needs an operand`)
		}
		n, err := decode(w.Arg, path+".arg", depth+1)
		if err != nil {
			return nil, err
		}
		return Not{Arg: n}, nil

	case OpCmp:
		if w.Args != nil || w.Arg != nil || w.Concept != "" {
			return nil, invalid(CodeSchema, path, `"cmp" takes field, cmp and value`)
		}
		if !fieldPattern.MatchString(w.Field) {
			return nil, invalid(CodeInvalidField, path+".field", "invalid field path %q", w.Field)
		}
		cmp := Comparator(w.Cmp)
		if !cmp.valid() {
			return nil, invalid(CodeInvalidComparator, path+".cmp", "unknown comparator %q", w.Cmp)
		}
		value, err := checkValue(cmp, w.Value, path+".value")
		if err != nil {
			return nil, err
		}
		return FieldCompare{Field: w.Field, Cmp: cmp, Value: value}, nil

	case OpConceptRef:
		if w.Args != nil || w.Arg != nil || w.Field != "" || w.Cmp != "" || w.Value != nil {
			return nil, invalid(CodeSchema, path, `"concept_ref" takes only concept`)
		}
		if !conceptPattern.MatchString(w.Concept) {
			return nil, invalid(CodeInvalidConcept, path+".concept", "invalid concept slug %q", w.Concept)
		}
		return ConceptRef{Concept: w.Concept}, nil

	case OpTrue:
		if w.Args != nil || w.Arg != nil || w.Field != "" || w.Cmp != "" || w.Value != nil || w.Concept != "" {
			return nil, invalid(CodeSchema, path, `"true" takes no operands`)
		}
		return True{}, nil

	default:
		return nil, invalid(CodeUnknownOperator, path+".op", "unknown operator %q", w.Op)
	}
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, float64, bool:
		return true
	}
	return false
}

func checkValue(cmp Comparator, v any, path string) (any, error) {
	switch {
	case cmp == CmpIn:
		list, ok := v.([]any)
		if !ok || len(list) == 0 {
			return nil, invalid(CodeInvalidValue, path, `"in" needs a non-empty array`)
		}
		for i, item := range list {
			if !isScalar(item) {
				return nil, invalid(CodeInvalidValue, fmt.Sprintf("%s[%d]", path, i), "array items must be strings, numbers or booleans")
			}
		}
		return list, nil
	case cmp.ordering():
		switch v.(type) {
		case float64, string:
			return v, nil
		}
		return nil, invalid(CodeInvalidValue, path, "%q needs a number or a string", cmp)
	default:
		if !isScalar(v) {
			return nil, invalid(CodeInvalidValue, path, "%q needs a string, number or boolean", cmp)
		}
		return v, nil
	}
}

func toWire(n Node) (*wire, error) {
	switch v := n.(type) {
	case And:
		return listWire(OpAnd, v.Args)
	case Or:
		return listWire(OpOr, v.Args)
	case Not:
		a, err := toWire(v.Arg)
		if err != nil {
			return nil, err
		}
		return &wire{Op: OpNot, Arg: a}, nil
	case FieldCompare:
		return &wire{Op: OpCmp, Field: v.Field, Cmp: string(v.Cmp), Value: v.Value}, nil
	case ConceptRef:
		return &wire{Op: OpConceptRef, Concept: v.Concept}, nil
	case True:
		return &wire{Op: OpTrue}, nil
	default:
		return nil, fmt.Errorf("appliesWhen: unknown node %T", n)
	}
}

func listWire(op string, args []Node) (*wire, error) {
	w := &wire{Op: op, Args: make([]*wire, 0, len(args))}
	for _, a := range args {
		aw, err := toWire(a)
		if err != nil {
			return nil, err
		}
		w.Args = append(w.Args, aw)
	}
	return w, nil
}

// Encode returns the canonical (RFC 8785) JSON form of n.
func Encode(n Node) (json.RawMessage, error) {
	w, err := toWire(n)
	if err != nil {
		return nil, err
	}
	return canonicalize.JCS(w)
}

// Canonical parses raw and re-encodes it canonically.
func Canonical(raw []byte) (json.RawMessage, error) {
	n, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return Encode(n)
}

// ValidConcept reports whether s is a well-formed concept slug.
func ValidConcept(s string) bool {
	return conceptPattern.MatchString(s)
}
