package celengine

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Variables visible to event filter expressions.
const (
	VarEventType = "event_type"
	VarMetadata  = "metadata"
)

var eventEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable(VarEventType, cel.StringType),
		cel.Variable(VarMetadata, cel.MapType(cel.StringType, cel.DynType)),
	)
})

// EventEnv is the shared environment used to compile event filters.
func EventEnv() (*cel.Env, error) {
	return eventEnv()
}

// Compile type-checks expr and rejects anything that cannot yield a bool.
// Dyn is let through and checked again by EvalBool.
func Compile(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}

	out := ast.OutputType()
	if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must return bool, got %s", out)
	}

	return env.Program(ast)
}

func EvalBool(prg cel.Program, attrs map[string]any) (bool, error) {
	out, _, err := prg.Eval(attrs)
	if err != nil {
		return false, err
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expected bool from expression, got %T (%v)", out.Value(), out.Value())
	}

	return b, nil
}

// EventAttributes builds the activation for an event filter.
func EventAttributes(eventType string, metadata map[string]any) map[string]any {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return map[string]any{
		VarEventType: eventType,
		VarMetadata:  metadata,
	}
}
