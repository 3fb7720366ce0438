// Package expr is a small expression language for audit messages and guard
// conditions.
//
// Expressions read variables bound by a Scope, with or without a leading '#'
// ("#name" and "name" are the same variable), and named external values
// through '@name' when a Resolver is configured. Supported syntax:
//
//	'text' "text"              string literals ('' escapes a quote)
//	42 1.5 true false null     literals
//	a + b                      concatenation when either side is a string, addition otherwise
//	- * / %                    arithmetic
//	== != < <= > >=            comparison
//	&& || !  and or not        logic, boolean operands only
//	c ? a : b   a ?: b         conditional and null/empty fallback
//	x.field x.Method(args)     field, map key or method access
//	x?.field                   null-safe access
//	x[i]                       slice, array, string or map index
//
// Parsed expressions are cached, so evaluating the same text repeatedly only
// pays for the walk.
package expr

import (
	"fmt"
	"strconv"
	"sync"
)

// Scope binds variable names to values.
type Scope interface {
	Lookup(name string) (any, bool)
}

// Vars is a map-backed Scope.
type Vars map[string]any

// Lookup returns the value bound to name.
func (v Vars) Lookup(name string) (any, bool) {
	val, ok := v[name]
	return val, ok
}

// Resolver looks up '@name' references.
type Resolver func(name string) (any, bool)

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithResolver sets the resolver used for '@name' references.
func WithResolver(r Resolver) Option {
	return func(e *Evaluator) {
		e.resolver = r
	}
}

// Evaluator evaluates expressions against a Scope. Safe for concurrent use.
type Evaluator struct {
	resolver Resolver
	cache    sync.Map // string -> node
}

// New creates an Evaluator.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Compile parses expression and caches the result. It reports syntax errors
// without evaluating anything, which lets callers validate declarations up
// front.
func (e *Evaluator) Compile(expression string) error {
	_, err := e.compile(expression)
	return err
}

func (e *Evaluator) compile(expression string) (node, error) {
	if n, ok := e.cache.Load(expression); ok {
		return n.(node), nil
	}
	n, err := parse(expression)
	if err != nil {
		return nil, err
	}
	e.cache.Store(expression, n)
	return n, nil
}

// Eval evaluates expression and returns its raw value. A panic raised while
// reflecting over a value or inside a called method is returned as ErrType.
func (e *Evaluator) Eval(expression string, scope Scope) (v any, err error) {
	n, err := e.compile(expression)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, fmt.Errorf("%w: %v", ErrType, r)
		}
	}()
	return n.eval(&env{scope: scope, resolver: e.resolver})
}

// String evaluates expression and renders the result as text. A null result
// renders as the empty string.
func (e *Evaluator) String(expression string, scope Scope) (string, error) {
	v, err := e.Eval(expression, scope)
	if err != nil {
		return "", err
	}
	if isNil(v) {
		return "", nil
	}
	return Stringify(v), nil
}

// Bool evaluates expression, which must produce a boolean.
func (e *Evaluator) Bool(expression string, scope Scope) (bool, error) {
	v, err := e.Eval(expression, scope)
	if err != nil {
		return false, err
	}
	return asBool(v, "expression "+strconv.Quote(expression))
}
