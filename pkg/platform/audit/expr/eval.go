package expr

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

type env struct {
	scope    Scope
	resolver Resolver
}

func (n literal) eval(*env) (any, error) { return n.value, nil }

func (n variable) eval(e *env) (any, error) {
	if e.scope != nil {
		if v, ok := e.scope.Lookup(n.name); ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: #%s at offset %d", ErrUnbound, n.name, n.pos)
}

func (n bean) eval(e *env) (any, error) {
	if e.resolver != nil {
		if v, ok := e.resolver(n.name); ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: @%s at offset %d", ErrUnbound, n.name, n.pos)
}

func (n unary) eval(e *env) (any, error) {
	v, err := n.operand.eval(e)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "!":
		b, err := asBool(v, "operand of !")
		if err != nil {
			return nil, err
		}
		return !b, nil
	default:
		num, ok := toNumber(v)
		if !ok {
			return nil, fmt.Errorf("%w: cannot negate %s", ErrType, typeName(v))
		}
		if num.isFloat {
			return -num.f, nil
		}
		return -num.i, nil
	}
}

func (n binary) eval(e *env) (any, error) {
	left, err := n.left.eval(e)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "&&", "||":
		l, err := asBool(left, "left operand of "+n.op)
		if err != nil {
			return nil, err
		}
		if n.op == "&&" && !l || n.op == "||" && l {
			return l, nil
		}
		right, err := n.right.eval(e)
		if err != nil {
			return nil, err
		}
		return asBool(right, "right operand of "+n.op)
	}

	right, err := n.right.eval(e)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "+":
		_, ls := left.(string)
		_, rs := right.(string)
		if ls || rs {
			return Stringify(left) + Stringify(right), nil
		}
		return arithmetic(n.op, left, right)
	case "-", "*", "/", "%":
		return arithmetic(n.op, left, right)
	case "==":
		return equal(left, right), nil
	case "!=":
		return !equal(left, right), nil
	default:
		return compare(n.op, left, right)
	}
}

func (n ternary) eval(e *env) (any, error) {
	c, err := n.cond.eval(e)
	if err != nil {
		return nil, err
	}
	b, err := asBool(c, "ternary condition")
	if err != nil {
		return nil, err
	}
	if b {
		return n.then.eval(e)
	}
	return n.otherwise.eval(e)
}

func (n elvis) eval(e *env) (any, error) {
	v, err := n.value.eval(e)
	if err != nil {
		return nil, err
	}
	if isNil(v) || v == "" {
		return n.fallback.eval(e)
	}
	return v, nil
}

func (n property) eval(e *env) (any, error) {
	target, err := n.target.eval(e)
	if err != nil {
		return nil, err
	}
	if isNil(target) {
		if n.safe {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: property %q of null", ErrType, n.name)
	}
	return getProperty(target, n.name)
}

func (n call) eval(e *env) (any, error) {
	target, err := n.target.eval(e)
	if err != nil {
		return nil, err
	}
	if isNil(target) {
		if n.safe {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: method %q on null", ErrType, n.method)
	}
	args := make([]any, len(n.args))
	for i, a := range n.args {
		if args[i], err = a.eval(e); err != nil {
			return nil, err
		}
	}
	return callMethod(target, n.method, args)
}

func (n index) eval(e *env) (any, error) {
	target, err := n.target.eval(e)
	if err != nil {
		return nil, err
	}
	key, err := n.key.eval(e)
	if err != nil {
		return nil, err
	}
	return getIndex(target, key)
}

// Stringify renders a value the way string concatenation does: null as
// "null", errors by their message, numbers without trailing zeros.
func Stringify(v any) string {
	if isNil(v) {
		return "null"
	}
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case error:
		return t.Error()
	case fmt.Stringer:
		return t.String()
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	if num, ok := toNumber(v); ok && !num.isFloat {
		return strconv.FormatInt(num.i, 10)
	}
	return fmt.Sprint(v)
}

func asBool(v any, what string) (bool, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("%w: %s is %s", ErrNotBoolean, what, typeName(v))
}

type number struct {
	i       int64
	f       float64
	isFloat bool
}

func (n number) float() float64 {
	if n.isFloat {
		return n.f
	}
	return float64(n.i)
}

func toNumber(v any) (number, bool) {
	if v == nil {
		return number{}, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return number{i: rv.Int()}, true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return number{f: float64(u), isFloat: true}, true
		}
		return number{i: int64(u)}, true
	case reflect.Float32, reflect.Float64:
		return number{f: rv.Float(), isFloat: true}, true
	}
	return number{}, false
}

func arithmetic(op string, left, right any) (any, error) {
	l, lok := toNumber(left)
	r, rok := toNumber(right)
	if !lok || !rok {
		return nil, fmt.Errorf("%w: cannot apply %s to %s and %s", ErrType, op, typeName(left), typeName(right))
	}
	if l.isFloat || r.isFloat {
		a, b := l.float(), r.float()
		switch op {
		case "+":
			return a + b, nil
		case "-":
			return a - b, nil
		case "*":
			return a * b, nil
		case "/":
			return a / b, nil
		default:
			return math.Mod(a, b), nil
		}
	}
	a, b := l.i, r.i
	switch op {
	case "+":
		return a + b, nil
	case "-":
		return a - b, nil
	case "*":
		return a * b, nil
	}
	if b == 0 {
		return nil, fmt.Errorf("%w: integer division by zero", ErrType)
	}
	if op == "/" {
		return a / b, nil
	}
	return a % b, nil
}

func equal(left, right any) bool {
	if isNil(left) || isNil(right) {
		return isNil(left) && isNil(right)
	}
	if l, ok := toNumber(left); ok {
		if r, ok := toNumber(right); ok {
			if l.isFloat || r.isFloat {
				return l.float() == r.float()
			}
			return l.i == r.i
		}
		return false
	}
	lt, rt := reflect.TypeOf(left), reflect.TypeOf(right)
	if lt == rt && lt.Comparable() {
		if eq, ok := identical(left, right); ok {
			return eq
		}
	}
	return reflect.DeepEqual(left, right)
}

// identical reports left == right, or ok=false when a comparable type still
// holds an uncomparable dynamic value in an interface field.
func identical(left, right any) (eq, ok bool) {
	defer func() {
		if recover() != nil {
			eq, ok = false, false
		}
	}()
	return left == right, true
}

func compare(op string, left, right any) (any, error) {
	var c int
	l, lok := toNumber(left)
	r, rok := toNumber(right)
	ls, lsok := left.(string)
	rs, rsok := right.(string)
	switch {
	case lok && rok && (l.isFloat || r.isFloat):
		c = cmp.Compare(l.float(), r.float())
	case lok && rok:
		c = cmp.Compare(l.i, r.i)
	case lsok && rsok:
		c = strings.Compare(ls, rs)
	default:
		return nil, fmt.Errorf("%w: cannot compare %s %s %s", ErrType, typeName(left), op, typeName(right))
	}
	switch op {
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	default:
		return c >= 0, nil
	}
}

// getProperty reads name from target. Maps are read by key (a missing key
// yields null), structs by exported field, anything else by a no-argument
// method called Name or GetName. An error's "message" is its Error() text.
func getProperty(target any, name string) (any, error) {
	if err, ok := target.(error); ok && name == "message" {
		return err.Error(), nil
	}

	rv := reflect.ValueOf(target)
	if rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String {
		v := rv.MapIndex(reflect.ValueOf(name).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, nil
		}
		return v.Interface(), nil
	}

	exported := capitalize(name)
	for _, method := range []string{exported, "Get" + exported} {
		if m := rv.MethodByName(method); m.IsValid() && m.Type().NumIn() == 0 {
			return invoke(m, method, nil)
		}
	}

	sv := rv
	for sv.Kind() == reflect.Pointer || sv.Kind() == reflect.Interface {
		if sv.IsNil() {
			return nil, fmt.Errorf("%w: property %q of null", ErrType, name)
		}
		sv = sv.Elem()
	}
	if sv.Kind() == reflect.Struct {
		if f, ok := sv.Type().FieldByName(exported); ok && f.IsExported() {
			fv, err := sv.FieldByIndexErr(f.Index)
			if err != nil {
				return nil, fmt.Errorf("%w: property %q: %v", ErrType, name, err)
			}
			return fv.Interface(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s has no property %q", ErrType, typeName(target), name)
}

func callMethod(target any, name string, args []any) (any, error) {
	rv := reflect.ValueOf(target)
	m := rv.MethodByName(name)
	if !m.IsValid() {
		m = rv.MethodByName(capitalize(name))
	}
	if !m.IsValid() {
		return nil, fmt.Errorf("%w: %s has no method %q", ErrType, typeName(target), name)
	}
	mt := m.Type()
	if mt.IsVariadic() || mt.NumIn() != len(args) {
		return nil, fmt.Errorf("%w: method %q takes %d arguments, got %d", ErrType, name, mt.NumIn(), len(args))
	}
	in := make([]reflect.Value, len(args))
	for i, a := range args {
		v, err := convertArg(a, mt.In(i))
		if err != nil {
			return nil, fmt.Errorf("method %q argument %d: %w", name, i, err)
		}
		in[i] = v
	}
	return invoke(m, name, in)
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// invoke calls m and maps its results: none yields null, a trailing error
// result is returned as the evaluation error.
func invoke(m reflect.Value, name string, in []reflect.Value) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, fmt.Errorf("%w: method %q panicked: %v", ErrType, name, r)
		}
	}()
	out := m.Call(in)
	mt := m.Type()
	if n := mt.NumOut(); n > 1 && mt.Out(n-1) == errorType {
		if errV := out[n-1]; !errV.IsNil() {
			return nil, fmt.Errorf("method %q: %w", name, errV.Interface().(error))
		}
		out = out[:n-1]
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0].Interface(), nil
}

func convertArg(a any, want reflect.Type) (reflect.Value, error) {
	if a == nil {
		switch want.Kind() {
		case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
			return reflect.Zero(want), nil
		}
		return reflect.Value{}, fmt.Errorf("%w: null is not assignable to %s", ErrType, want)
	}
	v := reflect.ValueOf(a)
	if v.Type().AssignableTo(want) {
		return v, nil
	}
	if _, ok := toNumber(a); ok && v.CanConvert(want) && want.Kind() != reflect.String {
		return v.Convert(want), nil
	}
	return reflect.Value{}, fmt.Errorf("%w: %s is not assignable to %s", ErrType, v.Type(), want)
}

func getIndex(target, key any) (any, error) {
	if isNil(target) {
		return nil, fmt.Errorf("%w: index of null", ErrType)
	}
	rv := reflect.ValueOf(target)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, fmt.Errorf("%w: index of null", ErrType)
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		kv, err := convertArg(key, rv.Type().Key())
		if err != nil {
			return nil, err
		}
		v := rv.MapIndex(kv)
		if !v.IsValid() {
			return nil, nil
		}
		return v.Interface(), nil
	case reflect.String:
		runes := []rune(rv.String())
		i, err := position(key, len(runes))
		if err != nil {
			return nil, err
		}
		return string(runes[i]), nil
	case reflect.Slice, reflect.Array:
		i, err := position(key, rv.Len())
		if err != nil {
			return nil, err
		}
		return rv.Index(i).Interface(), nil
	}
	return nil, fmt.Errorf("%w: %s cannot be indexed", ErrType, typeName(target))
}

// position validates key as an index into a sequence of n elements. Strings
// are indexed by rune.
func position(key any, n int) (int, error) {
	num, ok := toNumber(key)
	if !ok || num.isFloat {
		return 0, fmt.Errorf("%w: index must be an integer, got %s", ErrType, typeName(key))
	}
	if num.i < 0 || num.i >= int64(n) {
		return 0, fmt.Errorf("%w: index %d out of range [0,%d)", ErrType, num.i, n)
	}
	return int(num.i), nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

func typeName(v any) string {
	if v == nil {
		return "null"
	}
	return reflect.TypeOf(v).String()
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// IsEvaluationError reports whether err came from parsing or evaluating an
// expression.
func IsEvaluationError(err error) bool {
	return errors.Is(err, ErrSyntax) || errors.Is(err, ErrUnbound) ||
		errors.Is(err, ErrNotBoolean) || errors.Is(err, ErrType)
}
