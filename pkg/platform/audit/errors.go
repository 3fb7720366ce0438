package audit

import (
	"errors"
	"fmt"
)

// ErrNoExecutor is returned when an async record is dispatched without an
// executor configured.
var ErrNoExecutor = errors.New("no executor configured for async audit")

// ConfigError reports an audit declaration that cannot be evaluated: a
// malformed expression, a guard that is not boolean or a reference to an
// unbound variable. It never wraps the audited operation's own error.
type ConfigError struct {
	// Phase is the phase being evaluated, empty for record fields evaluated
	// at entry.
	Phase      Phase
	Field      string
	Expression string
	Err        error
}

func (e *ConfigError) Error() string {
	where := e.Field
	if e.Phase != "" {
		where = string(e.Phase) + "." + e.Field
	}
	return fmt.Sprintf("audit config: %s %q: %v", where, e.Expression, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// DispatchError reports a record that could not be delivered: the sink failed
// on the calling goroutine or the executor refused the async task.
type DispatchError struct {
	Record Record
	Err    error
}

func (e *DispatchError) Error() string {
	mode := "sync"
	if e.Record.Async {
		mode = "async"
	}
	return fmt.Sprintf("audit dispatch (%s, %s): %v", mode, e.Record.Phase, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// IsAuditError reports whether err originates from the audit pipeline rather
// than from the audited operation.
func IsAuditError(err error) bool {
	var ce *ConfigError
	var de *DispatchError
	return errors.As(err, &ce) || errors.As(err, &de)
}
