package intervene

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/templetwo/threshold-protocols/pkg/faults"
)

// PredicateRegistry holds the named predicates ConditionCheck gates draw
// from. Predicates are CEL expressions compiled once at configuration
// time and evaluated against the enforcement environment:
//
//	target      string
//	decision    string
//	conditions  list of strings the deliberation attached
//	facts       host-supplied map
//
// The registry is immutable for the duration of a circuit invocation;
// Register is for configuration time only.
type PredicateRegistry struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program
}

// NewPredicateRegistry creates an empty registry with the standard CEL
// environment.
func NewPredicateRegistry() (*PredicateRegistry, error) {
	env, err := cel.NewEnv(
		cel.Variable("target", cel.StringType),
		cel.Variable("decision", cel.StringType),
		cel.Variable("conditions", cel.ListType(cel.StringType)),
		cel.Variable("facts", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("intervene: cel environment: %w", err)
	}
	return &PredicateRegistry{env: env, programs: make(map[string]cel.Program)}, nil
}

// Register compiles expr and stores it under name. The expression must
// evaluate to a boolean.
func (r *PredicateRegistry) Register(name, expr string) error {
	ast, issues := r.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("intervene: predicate %q: %v: %w", name, issues.Err(), faults.ErrInvalidArgument)
	}
	if ast.OutputType() != cel.BoolType {
		return fmt.Errorf("intervene: predicate %q must yield bool, yields %s: %w", name, ast.OutputType(), faults.ErrInvalidArgument)
	}
	prg, err := r.env.Program(ast)
	if err != nil {
		return fmt.Errorf("intervene: predicate %q program: %w", name, err)
	}
	r.mu.Lock()
	r.programs[name] = prg
	r.mu.Unlock()
	return nil
}

// Environment is the fact set predicates evaluate against.
type Environment struct {
	Target     string
	Decision   string
	Conditions []string
	Facts      map[string]any
}

// Evaluate runs the named predicate. Unknown names are an error, not a
// false: a gate must never silently pass on a typo.
func (r *PredicateRegistry) Evaluate(name string, env Environment) (bool, error) {
	r.mu.RLock()
	prg, ok := r.programs[name]
	r.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("intervene: predicate %q not registered", name)
	}
	facts := env.Facts
	if facts == nil {
		facts = map[string]any{}
	}
	conditions := env.Conditions
	if conditions == nil {
		conditions = []string{}
	}
	out, _, err := prg.Eval(map[string]any{
		"target":     env.Target,
		"decision":   env.Decision,
		"conditions": conditions,
		"facts":      facts,
	})
	if err != nil {
		return false, fmt.Errorf("intervene: predicate %q: %w", name, err)
	}
	pass, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("intervene: predicate %q returned %T, want bool", name, out.Value())
	}
	return pass, nil
}

// Names returns the registered predicate names.
func (r *PredicateRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.programs))
	for name := range r.programs {
		out = append(out, name)
	}
	return out
}
