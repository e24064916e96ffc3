package script

import (
	"fmt"
	"reflect"
	"strings"
)

// Eval evaluates a parsed script against a variable map. The vars map is the
// top-level namespace; transform nodes bind their input as {"input": ...}.
func Eval(e Expr, vars map[string]any) (any, error) {
	ev := &evaluator{vars: vars}
	return ev.eval(e)
}

// Run parses and evaluates source in one step. Convenience for callers that
// do not cache programs.
func Run(source string, vars map[string]any) (any, error) {
	e, err := Parse(source)
	if err != nil {
		return nil, err
	}
	return Eval(e, vars)
}

// Validate checks source for syntax errors without evaluating it.
func Validate(source string) error {
	_, err := Parse(source)
	return err
}

type evaluator struct {
	vars map[string]any
}

func (ev *evaluator) eval(e Expr) (any, error) {
	switch n := e.(type) {
	case *LiteralExpr:
		return n.Value, nil

	case *IdentExpr:
		val, ok := ev.vars[n.Name]
		if !ok {
			return nil, nil // undefined variables resolve to nil
		}
		return val, nil

	case *MemberExpr:
		obj, err := ev.eval(n.Object)
		if err != nil {
			return nil, err
		}
		return accessMember(obj, n.Property)

	case *IndexExpr:
		obj, err := ev.eval(n.Object)
		if err != nil {
			return nil, err
		}
		idx, err := ev.eval(n.Index)
		if err != nil {
			return nil, err
		}
		return accessIndex(obj, idx)

	case *ArrayLiteral:
		result := make([]any, len(n.Elements))
		for i, elem := range n.Elements {
			val, err := ev.eval(elem)
			if err != nil {
				return nil, err
			}
			result[i] = val
		}
		return result, nil

	case *ObjectLiteral:
		result := make(map[string]any, len(n.Keys))
		for i, key := range n.Keys {
			val, err := ev.eval(n.Values[i])
			if err != nil {
				return nil, err
			}
			result[key] = val
		}
		return result, nil

	case *CallExpr:
		return ev.evalCall(n)

	case *UnaryExpr:
		return ev.evalUnary(n)

	case *BinaryExpr:
		return ev.evalBinary(n)

	default:
		return nil, fmt.Errorf("unknown expression type %T", e)
	}
}

func (ev *evaluator) evalUnary(n *UnaryExpr) (any, error) {
	val, err := ev.eval(n.Operand)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case TokenNot:
		return !IsTruthy(val), nil
	case TokenMinus:
		f, ok := toFloat64(val)
		if !ok {
			return nil, fmt.Errorf("cannot negate %T", val)
		}
		return -f, nil
	default:
		return nil, fmt.Errorf("unknown unary operator %s", n.Op)
	}
}

func (ev *evaluator) evalBinary(n *BinaryExpr) (any, error) {
	// Short-circuit for logical operators
	switch n.Op {
	case TokenAnd:
		left, err := ev.eval(n.Left)
		if err != nil {
			return nil, err
		}
		if !IsTruthy(left) {
			return false, nil
		}
		right, err := ev.eval(n.Right)
		if err != nil {
			return nil, err
		}
		return IsTruthy(right), nil

	case TokenOr:
		left, err := ev.eval(n.Left)
		if err != nil {
			return nil, err
		}
		if IsTruthy(left) {
			return true, nil
		}
		right, err := ev.eval(n.Right)
		if err != nil {
			return nil, err
		}
		return IsTruthy(right), nil

	case TokenNullCoal:
		left, err := ev.eval(n.Left)
		if err != nil {
			return nil, err
		}
		if left != nil {
			return left, nil
		}
		return ev.eval(n.Right)
	}

	// Non-short-circuit: evaluate both sides
	left, err := ev.eval(n.Left)
	if err != nil {
		return nil, err
	}
	right, err := ev.eval(n.Right)
	if err != nil {
		return nil, err
	}

	switch n.Op {
	case TokenEq:
		return isEqual(left, right), nil
	case TokenNeq:
		return !isEqual(left, right), nil
	case TokenGt:
		cmp, ok := compareOrdered(left, right)
		if !ok {
			return false, nil
		}
		return cmp > 0, nil
	case TokenGte:
		cmp, ok := compareOrdered(left, right)
		if !ok {
			return false, nil
		}
		return cmp >= 0, nil
	case TokenLt:
		cmp, ok := compareOrdered(left, right)
		if !ok {
			return false, nil
		}
		return cmp < 0, nil
	case TokenLte:
		cmp, ok := compareOrdered(left, right)
		if !ok {
			return false, nil
		}
		return cmp <= 0, nil
	case TokenPlus:
		return addValues(left, right)
	case TokenMinus, TokenStar, TokenSlash:
		return arithmetic(n.Op, left, right)
	case TokenIn:
		return checkIn(left, right), nil
	case TokenHas:
		return checkHas(left, right), nil
	case TokenContains:
		return checkContains(left, right), nil
	case TokenStartsWith:
		return checkStartsWith(left, right), nil
	case TokenEndsWith:
		return checkEndsWith(left, right), nil
	default:
		return nil, fmt.Errorf("unknown binary operator %s", n.Op)
	}
}

// builtins is the fixed set of script functions. Adding one is a deliberate
// language change, not a registry.
var builtins = map[string]func(args []any) (any, error){
	"len":   builtinLen,
	"upper": builtinStringFunc("upper", strings.ToUpper),
	"lower": builtinStringFunc("lower", strings.ToLower),
	"trim":  builtinStringFunc("trim", strings.TrimSpace),
	"str":   builtinStr,
	"num":   builtinNum,
	"join":  builtinJoin,
	"keys":  builtinKeys,
}

func (ev *evaluator) evalCall(n *CallExpr) (any, error) {
	fn, ok := builtins[n.Func]
	if !ok {
		return nil, fmt.Errorf("unknown function %q", n.Func)
	}
	args := make([]any, len(n.Args))
	for i, a := range n.Args {
		val, err := ev.eval(a)
		if err != nil {
			return nil, err
		}
		args[i] = val
	}
	return fn(args)
}

func builtinLen(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("len expects 1 argument, got %d", len(args))
	}
	n, err := getLength(args[0])
	if err != nil || n == nil {
		return float64(0), err
	}
	return n, nil
}

func builtinStringFunc(name string, fn func(string) string) func(args []any) (any, error) {
	return func(args []any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("%s expects 1 argument, got %d", name, len(args))
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("%s expects a string, got %T", name, args[0])
		}
		return fn(s), nil
	}
}

func builtinStr(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("str expects 1 argument, got %d", len(args))
	}
	return stringify(args[0]), nil
}

func builtinNum(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("num expects 1 argument, got %d", len(args))
	}
	if f, ok := toFloat64(args[0]); ok {
		return f, nil
	}
	if s, ok := args[0].(string); ok {
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(s), "%g", &f); err == nil {
			return f, nil
		}
	}
	return nil, fmt.Errorf("num cannot convert %T", args[0])
}

func builtinJoin(args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("join expects 2 arguments, got %d", len(args))
	}
	sep, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("join separator must be a string, got %T", args[1])
	}
	rv := reflect.ValueOf(args[0])
	if args[0] == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, fmt.Errorf("join expects an array, got %T", args[0])
	}
	parts := make([]string, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		parts[i] = stringify(rv.Index(i).Interface())
	}
	return strings.Join(parts, sep), nil
}

func builtinKeys(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("keys expects 1 argument, got %d", len(args))
	}
	m, ok := args[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("keys expects an object, got %T", args[0])
	}
	out := make([]any, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sortAnyStrings(out)
	return out, nil
}

func sortAnyStrings(vals []any) {
	for i := 1; i < len(vals); i++ {
		for j := i; j > 0; j-- {
			a, _ := vals[j-1].(string)
			b, _ := vals[j].(string)
			if a <= b {
				break
			}
			vals[j-1], vals[j] = vals[j], vals[j-1]
		}
	}
}

func stringify(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		// Trim the trailing .0 for whole numbers.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case bool:
		if v {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", v)
	}
}

// addValues implements '+': numeric addition when both sides are numbers,
// string concatenation when either side is a string.
func addValues(left, right any) (any, error) {
	lf, lok := toFloat64(left)
	rf, rok := toFloat64(right)
	if lok && rok {
		return lf + rf, nil
	}
	if _, ok := left.(string); ok {
		return left.(string) + stringify(right), nil
	}
	if _, ok := right.(string); ok {
		return stringify(left) + right.(string), nil
	}
	return nil, fmt.Errorf("cannot add %T and %T", left, right)
}

func arithmetic(op TokenKind, left, right any) (any, error) {
	lf, lok := toFloat64(left)
	rf, rok := toFloat64(right)
	if !lok || !rok {
		return nil, fmt.Errorf("operator %s requires numbers, got %T and %T", op, left, right)
	}
	switch op {
	case TokenMinus:
		return lf - rf, nil
	case TokenStar:
		return lf * rf, nil
	case TokenSlash:
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return lf / rf, nil
	}
	return nil, fmt.Errorf("unknown arithmetic operator %s", op)
}

// IsTruthy implements the script's boolean coercion rules.
// Falsy: 0, "", null, false, empty array, empty object.
func IsTruthy(val any) bool {
	if val == nil {
		return false
	}
	switch v := val.(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	case string:
		return v != ""
	default:
		rv := reflect.ValueOf(val)
		switch rv.Kind() {
		case reflect.Slice, reflect.Array:
			return rv.Len() > 0
		case reflect.Map:
			return rv.Len() > 0
		}
		return true
	}
}

// isEqual follows reflect.DeepEqual semantics with numeric normalization.
func isEqual(a, b any) bool {
	af, aOK := toFloat64(a)
	bf, bOK := toFloat64(b)
	if aOK && bOK {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

// compareOrdered compares two values numerically, falling back to string
// ordering. Returns (comparison, ok); ok is false if values aren't comparable.
func compareOrdered(a, b any) (int, bool) {
	af, aOK := toFloat64(a)
	bf, bOK := toFloat64(b)
	if !aOK || !bOK {
		as, aStr := a.(string)
		bs, bStr := b.(string)
		if aStr && bStr {
			return strings.Compare(as, bs), true
		}
		return 0, false
	}
	if af < bf {
		return -1, true
	}
	if af > bf {
		return 1, true
	}
	return 0, true
}

func toFloat64(val any) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	}
	return 0, false
}

// accessMember accesses a property on an object.
func accessMember(obj any, prop string) (any, error) {
	if obj == nil {
		return nil, nil
	}

	// Special built-in: .length
	if prop == "length" {
		return getLength(obj)
	}

	switch v := obj.(type) {
	case map[string]any:
		return v[prop], nil
	default:
		// Try reflection for other map types
		rv := reflect.ValueOf(obj)
		if rv.Kind() == reflect.Map {
			key := reflect.ValueOf(prop)
			val := rv.MapIndex(key)
			if val.IsValid() {
				return val.Interface(), nil
			}
			return nil, nil
		}
		return nil, nil
	}
}

func getLength(obj any) (any, error) {
	switch v := obj.(type) {
	case string:
		return float64(len(v)), nil
	case []any:
		return float64(len(v)), nil
	default:
		rv := reflect.ValueOf(obj)
		switch rv.Kind() {
		case reflect.Slice, reflect.Array, reflect.Map, reflect.String:
			return float64(rv.Len()), nil
		}
		return nil, nil
	}
}

// accessIndex accesses an element by index.
func accessIndex(obj any, idx any) (any, error) {
	if obj == nil {
		return nil, nil
	}

	// String index for maps
	if key, ok := idx.(string); ok {
		return accessMember(obj, key)
	}

	// Numeric index for arrays
	i, ok := toFloat64(idx)
	if !ok {
		return nil, fmt.Errorf("invalid index type %T", idx)
	}
	index := int(i)

	switch v := obj.(type) {
	case []any:
		if index < 0 || index >= len(v) {
			return nil, nil
		}
		return v[index], nil
	default:
		rv := reflect.ValueOf(obj)
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			if index < 0 || index >= rv.Len() {
				return nil, nil
			}
			return rv.Index(index).Interface(), nil
		}
		return nil, nil
	}
}

// checkIn checks if left value exists in right array.
func checkIn(left, right any) bool {
	if right == nil {
		return false
	}
	rv := reflect.ValueOf(right)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if isEqual(left, rv.Index(i).Interface()) {
			return true
		}
	}
	return false
}

// checkHas checks if left object has right key.
func checkHas(left, right any) bool {
	if left == nil {
		return false
	}
	key, ok := right.(string)
	if !ok {
		return false
	}
	rv := reflect.ValueOf(left)
	if rv.Kind() != reflect.Map {
		return false
	}
	return rv.MapIndex(reflect.ValueOf(key)).IsValid()
}

// checkContains checks if left string contains right string.
func checkContains(left, right any) bool {
	ls, lok := left.(string)
	rs, rok := right.(string)
	if !lok || !rok {
		return false
	}
	return strings.Contains(ls, rs)
}

// checkStartsWith checks if left string starts with right string.
func checkStartsWith(left, right any) bool {
	ls, lok := left.(string)
	rs, rok := right.(string)
	if !lok || !rok {
		return false
	}
	return strings.HasPrefix(ls, rs)
}

// checkEndsWith checks if left string ends with right string.
func checkEndsWith(left, right any) bool {
	ls, lok := left.(string)
	rs, rok := right.(string)
	if !lok || !rok {
		return false
	}
	return strings.HasSuffix(ls, rs)
}
