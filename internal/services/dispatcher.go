package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/sasaki2110/morizo/internal/chain"
)

// ErrServiceNotFound marks a task targeting an operation no registered
// service handles. Fatal for that task, not for the chain.
var ErrServiceNotFound = errors.New("services: unknown service or method")

// Service exposes a set of named domain operations.
type Service interface {
	Name() string
	Methods() []string
	Invoke(ctx context.Context, method string, params map[string]any) (chain.Outcome, error)
}

// Dispatcher routes task operations to registered services.
type Dispatcher struct {
	services map[string]Service
	methods  map[string]map[string]bool
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		services: make(map[string]Service),
		methods:  make(map[string]map[string]bool),
	}
}

func (d *Dispatcher) Register(s Service) {
	d.services[s.Name()] = s
	known := make(map[string]bool, len(s.Methods()))
	for _, m := range s.Methods() {
		known[m] = true
	}
	d.methods[s.Name()] = known
}

func (d *Dispatcher) Invoke(ctx context.Context, service, method string, params map[string]any) (chain.Outcome, error) {
	svc, ok := d.services[service]
	if !ok {
		return chain.Outcome{}, fmt.Errorf("%w: service %q", ErrServiceNotFound, service)
	}
	if !d.methods[service][method] {
		return chain.Outcome{}, fmt.Errorf("%w: %s.%s", ErrServiceNotFound, service, method)
	}
	return svc.Invoke(ctx, method, params)
}

// ok wraps a successful payload in the result envelope every service uses:
// {"success": true, "data": {...}}.
func ok(data map[string]any) chain.Outcome {
	return chain.Outcome{Value: map[string]any{"success": true, "data": data}}
}

func stringParam(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return v
}

func stringListParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func numberParam(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
