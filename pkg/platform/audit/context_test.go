package audit

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audittrail/pkg/platform/audit/expr"
	"audittrail/pkg/requestcontext"
)

func TestNewCallContext_Bindings(t *testing.T) {
	tests := []struct {
		name   string
		params []string
		args   []any
		want   map[string]any
		absent []string
	}{
		{
			name:   "named and positional",
			params: []string{"id", "amount"},
			args:   []any{"a1", 10},
			want:   map[string]any{"id": "a1", "amount": 10, "arg0": "a1", "arg1": 10},
		},
		{
			name:   "more args than names",
			params: []string{"id"},
			args:   []any{"a1", 10},
			want:   map[string]any{"id": "a1", "arg0": "a1", "arg1": 10},
		},
		{
			name:   "blank name is positional only",
			params: []string{" ", "amount"},
			args:   []any{"a1", 10},
			want:   map[string]any{"arg0": "a1", "amount": 10},
			absent: []string{" ", ""},
		},
		{
			name:   "arg-prefixed name gets no alias",
			params: []string{"argument", "arg0"},
			args:   []any{"x", "y"},
			want:   map[string]any{"argument": "x", "arg0": "y"},
		},
		{
			name:   "no args",
			want:   map[string]any{},
			absent: []string{"arg0", VarResult, VarException},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cc := NewCallContext(tt.params, tt.args, nil)
			for name, want := range tt.want {
				got, ok := cc.Lookup(name)
				require.True(t, ok, "expected %q to be bound", name)
				assert.Equal(t, want, got, name)
			}
			for _, name := range tt.absent {
				_, ok := cc.Lookup(name)
				assert.False(t, ok, "expected %q to be unbound", name)
			}
			args, ok := cc.Lookup(VarArgs)
			require.True(t, ok)
			assert.Len(t, args, len(tt.args))
		})
	}
}

func TestCallContext_ResultAndException(t *testing.T) {
	p := &requestcontext.Principal{Subject: "alice"}
	cc := NewCallContext(nil, nil, p)
	cc.SetResult("done")
	cc.SetException(errors.New("boom"))

	v, _ := cc.Lookup(VarResult)
	assert.Equal(t, "done", v)
	v, _ = cc.Lookup(VarException)
	assert.EqualError(t, v.(error), "boom")
	assert.Same(t, p, cc.Security())
}

func TestTriggerEvaluator_Evaluate(t *testing.T) {
	te := NewTriggerEvaluator(expr.New())
	cc := NewCallContext([]string{"n"}, []any{5}, nil)

	tests := []struct {
		name      string
		trigger   Trigger
		wantMsg   string
		wantFire  bool
		wantField string
		wantErr   error
	}{
		{name: "disabled", trigger: Trigger{}, wantFire: false},
		{name: "blank message ignores broken guard", trigger: Trigger{Message: " ", Guard: "#x >"}},
		{name: "no guard", trigger: Trigger{Message: `'n=' + #n`}, wantMsg: "n=5", wantFire: true},
		{name: "guard passes", trigger: Trigger{Message: `'big'`, Guard: `#n >= 5`}, wantMsg: "big", wantFire: true},
		{name: "guard blocks", trigger: Trigger{Message: `'big'`, Guard: `#n > 5`}},
		{name: "empty literal fires", trigger: Trigger{Message: `''`}, wantMsg: "", wantFire: true},
		{name: "guard not boolean", trigger: Trigger{Message: `'m'`, Guard: `'yes'`}, wantField: "guard", wantErr: expr.ErrNotBoolean},
		{name: "message unbound", trigger: Trigger{Message: `#missing`}, wantField: "message", wantErr: expr.ErrUnbound},
		{name: "guard not evaluated message", trigger: Trigger{Message: `'m' +`, Guard: "false"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, fired, err := te.Evaluate(PhaseAfter, tt.trigger, cc)
			if tt.wantErr != nil {
				var cfgErr *ConfigError
				require.ErrorAs(t, err, &cfgErr)
				assert.Equal(t, PhaseAfter, cfgErr.Phase)
				assert.Equal(t, tt.wantField, cfgErr.Field)
				assert.ErrorIs(t, err, tt.wantErr)
				assert.False(t, fired)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantFire, fired)
			assert.Equal(t, tt.wantMsg, msg)
		})
	}
}

func TestTriggerEvaluator_Field(t *testing.T) {
	te := NewTriggerEvaluator(expr.New())
	cc := NewCallContext([]string{"id"}, []any{7}, nil)

	v, err := te.Field("object", "", cc)
	require.NoError(t, err)
	assert.Empty(t, v)

	v, err = te.Field("object", `'order:' + #id`, cc)
	require.NoError(t, err)
	assert.Equal(t, "order:7", v)

	_, err = te.Field("path", `#nope`, cc)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "path", cfgErr.Field)
	assert.Empty(t, cfgErr.Phase)
}

func TestDefinition_Expressions(t *testing.T) {
	def := Definition{
		Before:  Trigger{Message: `'in'`, Guard: `true`},
		Failure: Trigger{Message: `#exception.message`},
		Object:  `#id`,
	}
	got := def.Expressions()
	assert.Equal(t, map[string]string{
		"before.message":  `'in'`,
		"before.guard":    `true`,
		"failure.message": `#exception.message`,
		"object":          `#id`,
	}, got)
	assert.True(t, def.Enabled())
	assert.False(t, Definition{Object: `#id`}.Enabled())
}

func TestPrincipalResolvers(t *testing.T) {
	p := &requestcontext.Principal{Subject: "alice", Origin: "10.1.1.1"}
	assert.Equal(t, "alice", PrincipalSubject{}.Resolve(p))
	assert.Equal(t, "10.1.1.1", PrincipalOrigin{}.Resolve(p))
	assert.Equal(t, UnknownSubject, PrincipalSubject{}.Resolve(nil))
	assert.Equal(t, UnknownOrigin, PrincipalOrigin{}.Resolve(&requestcontext.Principal{}))
	assert.Equal(t, UnknownSubject, PrincipalSubject{}.Resolve("not a principal"))
}
