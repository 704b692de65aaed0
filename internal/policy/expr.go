package policy

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/ia-rk/hostgate/internal/site"
)

// Environment compiles rule predicates. Predicates see two string variables,
// site (main, events or donations) and path (the path as requested), plus the
// under(path, prefix) helper with the same segment-aware semantics the router
// uses.
type Environment struct {
	env *cel.Env
}

func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("site", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Function("under",
			cel.Overload("under_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(underPrefix),
			),
		),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Program is a compiled boolean predicate. Programs are safe for concurrent use.
type Program struct {
	source  string
	program cel.Program
}

// Compile prepares expression, rejecting anything that cannot yield a bool.
func (e *Environment) Compile(expression string) (Program, error) {
	expr := strings.TrimSpace(expression)
	if expr == "" {
		return Program{}, fmt.Errorf("policy: expression required")
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return Program{}, fmt.Errorf("policy: compile %q: %w", expr, issues.Err())
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return Program{}, fmt.Errorf("policy: %q must return bool, got %s", expr, cel.FormatCELType(t))
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Program{}, fmt.Errorf("policy: program %q: %w", expr, err)
	}
	return Program{source: expr, program: program}, nil
}

// Source returns the original expression for logging.
func (p Program) Source() string { return p.source }

// Matches evaluates the predicate for one request.
func (p Program) Matches(id site.Identity, requestPath string) (bool, error) {
	if p.program == nil {
		return false, fmt.Errorf("policy: program not initialized")
	}
	val, _, err := p.program.Eval(map[string]any{
		"site": id.String(),
		"path": requestPath,
	})
	if err != nil {
		return false, fmt.Errorf("policy: eval %q: %w", p.source, err)
	}
	if b, ok := val.(types.Bool); ok {
		return bool(b), nil
	}
	if b, ok := val.Value().(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("policy: %q yielded non-bool result %T", p.source, val)
}

func underPrefix(pathVal ref.Val, prefixVal ref.Val) ref.Val {
	p, ok := pathVal.Value().(string)
	if !ok {
		return types.NewErr("policy: under expects string arguments")
	}
	prefix, ok := prefixVal.Value().(string)
	if !ok {
		return types.NewErr("policy: under expects string arguments")
	}
	return types.Bool(site.HasPrefix(p, prefix))
}
