package expr

import "errors"

var (
	// ErrSyntax is returned when an expression cannot be parsed.
	ErrSyntax = errors.New("expression syntax error")

	// ErrUnbound is returned when an expression references a variable the
	// scope does not bind, or a @name the resolver does not know.
	ErrUnbound = errors.New("unbound variable")

	// ErrNotBoolean is returned when a condition or logical operand does not
	// evaluate to a boolean.
	ErrNotBoolean = errors.New("expression is not boolean")

	// ErrType is returned when an operator or accessor is applied to a value
	// of the wrong type.
	ErrType = errors.New("type error")
)
