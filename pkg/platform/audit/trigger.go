package audit

import (
	"strings"

	"audittrail/pkg/platform/audit/expr"
)

// Evaluator computes message text and guard conditions from a call context.
// *expr.Evaluator is the default implementation.
type Evaluator interface {
	String(expression string, scope expr.Scope) (string, error)
	Bool(expression string, scope expr.Scope) (bool, error)
}

// TriggerEvaluator decides whether a trigger fires for a call and what
// message it carries.
type TriggerEvaluator struct {
	eval Evaluator
}

// NewTriggerEvaluator returns a TriggerEvaluator backed by eval.
func NewTriggerEvaluator(eval Evaluator) *TriggerEvaluator {
	return &TriggerEvaluator{eval: eval}
}

// Evaluate returns the message and true when t fires for cc.
//
// A blank message disables the trigger: Evaluate returns ("", false, nil)
// without evaluating anything. A blank guard passes. An evaluation failure,
// including a guard that does not produce a boolean, suppresses the phase and
// is returned as a *ConfigError. A message that evaluates to the empty string
// still fires.
func (te *TriggerEvaluator) Evaluate(phase Phase, t Trigger, cc *CallContext) (string, bool, error) {
	if !t.Enabled() {
		return "", false, nil
	}
	if strings.TrimSpace(t.Guard) != "" {
		ok, err := te.eval.Bool(t.Guard, cc)
		if err != nil {
			return "", false, &ConfigError{Phase: phase, Field: "guard", Expression: t.Guard, Err: err}
		}
		if !ok {
			return "", false, nil
		}
	}
	msg, err := te.eval.String(t.Message, cc)
	if err != nil {
		return "", false, &ConfigError{Phase: phase, Field: "message", Expression: t.Message, Err: err}
	}
	return msg, true, nil
}

// Field evaluates a record field expression. A blank expression yields "".
func (te *TriggerEvaluator) Field(field, expression string, cc *CallContext) (string, error) {
	if strings.TrimSpace(expression) == "" {
		return "", nil
	}
	v, err := te.eval.String(expression, cc)
	if err != nil {
		return "", &ConfigError{Field: field, Expression: expression, Err: err}
	}
	return v, nil
}
