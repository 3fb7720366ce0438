package audit

import (
	"strconv"
	"strings"
)

// Names of the variables bound by the wrapper.
const (
	VarArgs      = "args"
	VarResult    = "result"
	VarException = "exception"
	argPrefix    = "arg"
)

// CallContext holds the values an invocation exposes to expressions: each
// argument under its declared name and under arg0, arg1, ..., the whole
// argument list as "args", and later "result" or "exception". It belongs to
// one invocation and is not safe for concurrent use.
type CallContext struct {
	vars     map[string]any
	security any
}

// NewCallContext binds args to params. Arguments without a declared name are
// reachable only positionally. Positional aliases are not added for declared
// names that already start with "arg", so a parameter literally named "arg1"
// is never shadowed.
func NewCallContext(params []string, args []any, security any) *CallContext {
	cc := &CallContext{
		vars:     make(map[string]any, 2*len(args)+1),
		security: security,
	}
	cc.vars[VarArgs] = args
	for i, arg := range args {
		name := ""
		if i < len(params) {
			name = strings.TrimSpace(params[i])
		}
		if name != "" {
			cc.vars[name] = arg
		}
		if name == "" || !strings.HasPrefix(name, argPrefix) {
			cc.vars[argPrefix+strconv.Itoa(i)] = arg
		}
	}
	return cc
}

// Lookup returns the value bound to name.
func (c *CallContext) Lookup(name string) (any, bool) {
	v, ok := c.vars[name]
	return v, ok
}

// Bind sets a variable, replacing any earlier binding.
func (c *CallContext) Bind(name string, value any) {
	c.vars[name] = value
}

// SetResult binds the operation's return value.
func (c *CallContext) SetResult(result any) { c.Bind(VarResult, result) }

// SetException binds the operation's failure.
func (c *CallContext) SetException(err any) { c.Bind(VarException, err) }

// Security returns the identity snapshot.
func (c *CallContext) Security() any { return c.security }
