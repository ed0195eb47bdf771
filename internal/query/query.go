// Package query wraps CEL compilation and evaluation for stored subscriber
// queries. A subscription's query text is compiled against an environment
// exposing the event root (message, channel, or conversation) plus the
// client's stored variables, and re-executed per recipient on every matching
// change event.
package query

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/google/cel-go/cel"
)

// Program is a compiled stored query.
type Program struct {
	prog cel.Program
}

var env *cel.Env

func init() {
	var err error
	env, err = cel.NewEnv(
		// Event roots: exactly one is non-empty per evaluation.
		cel.Variable("message", cel.DynType),
		cel.Variable("channel", cel.DynType),
		cel.Variable("conversation", cel.DynType),
		// The client's stored variables.
		cel.Variable("vars", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		panic(fmt.Sprintf("query: building CEL env: %v", err))
	}
}

// Compile parses and checks the query text. Invalid queries fail here,
// synchronously, which is what surfaces a bad subscription to its caller at
// subscribe time.
func Compile(expr string) (*Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("query: empty query")
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("query: parse: %w", iss.Err())
	}
	checked, iss := env.Check(ast)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("query: check: %w", iss.Err())
	}
	prog, err := env.Program(checked)
	if err != nil {
		return nil, fmt.Errorf("query: program: %w", err)
	}
	return &Program{prog: prog}, nil
}

// Root is the synthetic root value a query runs against.
type Root struct {
	Message      map[string]any
	Channel      map[string]any
	Conversation map[string]any
}

var anyType = reflect.TypeOf((*any)(nil)).Elem()

// Eval executes the program with the given root and per-client variables,
// returning a plain Go value (maps, lists, scalars) ready for JSON encoding.
func (p *Program) Eval(root Root, vars map[string]any) (any, error) {
	if vars == nil {
		vars = map[string]any{}
	}
	msg := root.Message
	if msg == nil {
		msg = map[string]any{}
	}
	ch := root.Channel
	if ch == nil {
		ch = map[string]any{}
	}
	conv := root.Conversation
	if conv == nil {
		conv = map[string]any{}
	}
	out, _, err := p.prog.Eval(map[string]any{
		"message":      msg,
		"channel":      ch,
		"conversation": conv,
		"vars":         vars,
	})
	if err != nil {
		return nil, fmt.Errorf("query: eval: %w", err)
	}
	native, err := out.ConvertToNative(anyType)
	if err != nil {
		return out.Value(), nil
	}
	return native, nil
}
