package applieswhen

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// Evaluator compiles expressions to CEL programs and caches them by source.
type Evaluator struct {
	env      *cel.Env
	prgCache map[string]cel.Program
	mu       sync.RWMutex
}

// NewEvaluator creates an Evaluator. Facts are exposed to programs as a flat
// map keyed by dotted field path; concept applicability as a map of booleans.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("facts", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("refs", cel.MapType(cel.StringType, cel.BoolType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &Evaluator{
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

// Evaluate reports whether n holds for the given facts and concept
// applicability. A missing fact makes its comparison false. Type errors are
// returned, never treated as a match.
func (e *Evaluator) Evaluate(n Node, facts map[string]any, refs map[string]bool) (bool, error) {
	src, err := ToCEL(n)
	if err != nil {
		return false, err
	}

	e.mu.RLock()
	prg, hit := e.prgCache[src]
	e.mu.RUnlock()

	if !hit {
		e.mu.Lock()
		if prg, hit = e.prgCache[src]; !hit {
			ast, issues := e.env.Compile(src)
			if issues != nil && issues.Err() != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("CEL compile error: %w", issues.Err())
			}
			p, err := e.env.Program(ast)
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("CEL program error: %w", err)
			}
			e.prgCache[src] = p
			prg = p
		}
		e.mu.Unlock()
	}

	if refs == nil {
		refs = map[string]bool{}
	}
	out, _, err := prg.Eval(map[string]any{
		"facts": Flatten(facts),
		"refs":  refs,
	})
	if err != nil {
		return false, fmt.Errorf("CEL eval error: %w", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not boolean")
	}
	return result, nil
}

// EvaluateJSON parses raw and evaluates it.
func (e *Evaluator) EvaluateJSON(raw []byte, facts map[string]any, refs map[string]bool) (bool, error) {
	n, err := Parse(raw)
	if err != nil {
		return false, err
	}
	return e.Evaluate(n, facts, refs)
}

// Flatten turns nested maps into dotted keys and widens every number to float64.
func Flatten(facts map[string]any) map[string]any {
	out := make(map[string]any, len(facts))
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if nested, ok := v.(map[string]any); ok {
				walk(key, nested)
				continue
			}
			out[key] = widen(v)
		}
	}
	walk("", facts)
	return out
}

func widen(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case []any:
		out := make([]any, len(n))
		for i, x := range n {
			out[i] = widen(x)
		}
		return out
	}
	return v
}

var celOps = map[Comparator]string{
	CmpEq: "==", CmpNeq: "!=", CmpGt: ">", CmpGte: ">=", CmpLt: "<", CmpLte: "<=",
}

// ToCEL renders n as a CEL expression over the facts and refs variables.
func ToCEL(n Node) (string, error) {
	switch v := n.(type) {
	case True:
		return "true", nil
	case And:
		return joinCEL(v.Args, " && ")
	case Or:
		return joinCEL(v.Args, " || ")
	case Not:
		inner, err := ToCEL(v.Arg)
		if err != nil {
			return "", err
		}
		return "!(" + inner + ")", nil
	case ConceptRef:
		key := strconv.Quote(v.Concept)
		return fmt.Sprintf("(%s in refs && refs[%s])", key, key), nil
	case FieldCompare:
		key := strconv.Quote(v.Field)
		if v.Cmp == CmpIn {
			list, err := literal(v.Value)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("(%s in facts && facts[%s] in %s)", key, key, list), nil
		}
		op, ok := celOps[v.Cmp]
		if !ok {
			return "", invalid(CodeInvalidComparator, "", "unknown comparator %q", v.Cmp)
		}
		lit, err := literal(v.Value)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(%s in facts && facts[%s] %s %s)", key, key, op, lit), nil
	default:
		return "", fmt.Errorf("appliesWhen: unknown node %T", n)
	}
}

func joinCEL(args []Node, sep string) (string, error) {
	if len(args) == 0 {
		return "", invalid(CodeEmptyOperands, "", "empty operand list")
	}
	parts := make([]string, 0, len(args))
	for _, a := range args {
		s, err := ToCEL(a)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

func literal(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return strconv.Quote(x), nil
	case bool:
		return strconv.FormatBool(x), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return "", invalid(CodeInvalidValue, "", "non-finite number")
		}
		s := strconv.FormatFloat(x, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return s, nil
	case int:
		return literal(float64(x))
	case []any:
		parts := make([]string, 0, len(x))
		for _, item := range x {
			s, err := literal(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	default:
		return "", invalid(CodeInvalidValue, "", "unsupported literal %T", v)
	}
}
