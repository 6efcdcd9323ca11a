// Package policy decides whether a chat request may use the requested
// model. The decision is a Rego policy evaluated with OPA so operators
// can replace the built-in allow-list rule without a rebuild.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decisions returned by the policy.
const (
	Allow = "allow"
	Block = "block"
)

// Input is the document the policy evaluates.
type Input struct {
	Provider string
	Model    string
	Allowed  []string // empty = unrestricted
}

func (in Input) document() map[string]any {
	allowed := make([]any, 0, len(in.Allowed))
	for _, m := range in.Allowed {
		allowed = append(allowed, m)
	}
	return map[string]any{
		"provider": in.Provider,
		"model":    in.Model,
		"allowed":  allowed,
	}
}

// Engine is a prepared model policy.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine compiles module, which must define data.model_policy.decision.
func NewEngine(ctx context.Context, module string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.model_policy.decision"),
		rego.Module("model_policy.rego", module),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare model policy: %w", err)
	}
	return &Engine{query: query}, nil
}

// NewDefaultEngine compiles DefaultPolicy.
func NewDefaultEngine(ctx context.Context) (*Engine, error) {
	return NewEngine(ctx, DefaultPolicy)
}

// Evaluate returns the decision for in. An undefined result means the
// policy has no opinion and the request is allowed.
func (e *Engine) Evaluate(ctx context.Context, in Input) (string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(in.document()))
	if err != nil {
		return "", fmt.Errorf("evaluate model policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Allow, nil
	}
	s, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return "", fmt.Errorf("model policy returned %T, want string", results[0].Expressions[0].Value)
	}
	return s, nil
}

// ModelAllowed reports whether the policy allows in.Model.
func (e *Engine) ModelAllowed(ctx context.Context, in Input) (bool, error) {
	d, err := e.Evaluate(ctx, in)
	if err != nil {
		return false, err
	}
	return d != Block, nil
}

// DefaultPolicy blocks any model outside a non-empty allow-list.
const DefaultPolicy = `
package model_policy

import future.keywords.if
import future.keywords.in

default decision := "allow"

decision := "block" if {
	count(input.allowed) > 0
	not model_listed
}

model_listed if {
	input.model in input.allowed
}
`
