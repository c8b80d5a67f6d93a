// Package governance validates planned task chains before they reach the
// executor. The planner's output is model output and is not trusted: chains
// are checked structurally and each operation is evaluated against policy
// rules.
package governance

import (
	"context"
	"fmt"
	"regexp"

	"github.com/sasaki2110/morizo/internal/chain"
)

// Effect defines the result of a policy evaluation.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Request contains the context of a planned operation to be evaluated.
type Request struct {
	Service   string
	Method    string
	Arguments string
}

// Result contains the outcome of a policy evaluation.
type Result struct {
	Effect Effect
	Reason string
}

// PolicyEngine evaluates planned operations against a set of rules.
type PolicyEngine interface {
	Evaluate(ctx context.Context, req Request) (Result, error)
}

// DefaultPolicyEngine is a basic implementation of PolicyEngine.
type DefaultPolicyEngine struct {
	AllowedServices map[string]bool
	DeniedMethods   map[string]bool
	DeniedRegex     []*regexp.Regexp
}

func NewDefaultPolicyEngine() *DefaultPolicyEngine {
	return &DefaultPolicyEngine{
		AllowedServices: make(map[string]bool),
		DeniedMethods:   make(map[string]bool),
		DeniedRegex:     make([]*regexp.Regexp, 0),
	}
}

// AllowService adds a service to the allow-list. With a non-empty allow-list
// every other service is denied.
func (e *DefaultPolicyEngine) AllowService(name string) {
	e.AllowedServices[name] = true
}

func (e *DefaultPolicyEngine) DenyMethod(name string) {
	e.DeniedMethods[name] = true
}

func (e *DefaultPolicyEngine) DenyArguments(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	e.DeniedRegex = append(e.DeniedRegex, re)
	return nil
}

func (e *DefaultPolicyEngine) Evaluate(ctx context.Context, req Request) (Result, error) {
	if len(e.AllowedServices) > 0 && !e.AllowedServices[req.Service] {
		return Result{
			Effect: EffectDeny,
			Reason: fmt.Sprintf("Service '%s' is not on the allow-list", req.Service),
		}, nil
	}

	if e.DeniedMethods[req.Method] {
		return Result{
			Effect: EffectDeny,
			Reason: fmt.Sprintf("Method '%s' is restricted by system policy", req.Method),
		}, nil
	}

	for _, re := range e.DeniedRegex {
		if re.MatchString(req.Arguments) {
			return Result{
				Effect: EffectDeny,
				Reason: fmt.Sprintf("Arguments match restricted pattern: %s", re.String()),
			}, nil
		}
	}

	return Result{
		Effect: EffectAllow,
		Reason: "Approved by default policy",
	}, nil
}

// ValidateChain checks a planned chain's structure: every task needs a
// unique non-empty id, and dependencies must point at other tasks in the
// same chain.
func ValidateChain(tasks []chain.Task) error {
	ids := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			return fmt.Errorf("task with empty id")
		}
		if ids[t.ID] {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		ids[t.ID] = true
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return fmt.Errorf("task %q depends on itself", t.ID)
			}
			if !ids[dep] {
				return fmt.Errorf("task %q depends on unknown task %q", t.ID, dep)
			}
		}
	}
	return nil
}
