package governance

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"
)

var denyEnv = mustDenyEnv()

func mustDenyEnv() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("effect", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("risk", cel.StringType),
	)
	if err != nil {
		panic(fmt.Sprintf("governance: failed to create CEL environment: %v", err))
	}
	return env
}

func compileDeny(expr string) (cel.Program, error) {
	ast, issues := denyEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("compile: expression must be boolean, got %s", ast.OutputType())
	}
	prg, err := denyEnv.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	return prg, nil
}

func checkDenyExpr(expr string) error {
	_, err := compileDeny(expr)
	return err
}

// Engine resolves templates and custom policies into LivePolicy values.
type Engine struct {
	registry *Registry
	mu       sync.RWMutex
	prgCache map[string]cel.Program
	logger   *slog.Logger
}

// NewEngine creates an engine over registry.
func NewEngine(registry *Registry) *Engine {
	return &Engine{
		registry: registry,
		prgCache: make(map[string]cel.Program),
		logger:   slog.Default().With("component", "governance"),
	}
}

// Registry returns the template registry.
func (e *Engine) Registry() *Registry { return e.registry }

// ResolveTemplate returns the live policy of id@version (latest when version is empty).
func (e *Engine) ResolveTemplate(id, version string) (*LivePolicy, error) {
	t, err := e.registry.Get(id, version)
	if err != nil {
		return nil, err
	}
	live, err := e.resolve(t.PolicyPayload)
	if err != nil {
		return nil, err
	}
	live.Source = "template:" + t.Key()
	e.logger.Debug("policy resolved", "source", live.Source)
	return live, nil
}

// ResolveCustom validates and compiles a custom policy. Custom policies must
// carry a guardrail just like templates.
func (e *Engine) ResolveCustom(p OperatorPolicy) (*LivePolicy, error) {
	if !p.HasGuardrail() {
		return nil, ErrUnsafePolicy
	}
	if p.MaxExecutionsPerDay != nil && *p.MaxExecutionsPerDay < 1 {
		return nil, fmt.Errorf("governance: maxExecutionsPerDay must be at least 1")
	}
	live, err := e.resolve(p)
	if err != nil {
		return nil, err
	}
	live.Source = "custom"
	return live, nil
}

func (e *Engine) resolve(p OperatorPolicy) (*LivePolicy, error) {
	live := &LivePolicy{Policy: p}
	if p.MaxExecutionsPerDay != nil {
		v := *p.MaxExecutionsPerDay
		live.Policy.MaxExecutionsPerDay = &v
	}
	live.Policy.DenyWhen = append([]string(nil), p.DenyWhen...)
	for i, expr := range p.DenyWhen {
		prg, err := e.program(expr)
		if err != nil {
			return nil, fmt.Errorf("governance: denyWhen[%d]: %w", i, err)
		}
		live.denyPrg = append(live.denyPrg, prg)
	}
	return live, nil
}

func (e *Engine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	prg, err := compileDeny(expr)
	if err != nil {
		return nil, err
	}
	e.prgCache[expr] = prg
	return prg, nil
}
