// Package keyspec derives lock keys from key expressions and call arguments.
//
// An expression is a literal string in which "#name" references a call
// argument and "#name.Field" walks into a struct field or map entry of that
// argument. "#lockName" therefore resolves to the lockName argument and
// "coupon:#c.Name" to "coupon:" followed by the Name field of argument c.
// A '#' that is not followed by an identifier is kept literally.
package keyspec

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	dlockerrors "github.com/couponlock/go-dlock/v1/errors"
)

// Args carries the named arguments of a guarded call.
type Args map[string]any

type segment struct {
	lit  string
	ref  string
	path []string
}

// Expr is a parsed key expression. The zero value is not usable.
type Expr struct {
	src  string
	segs []segment
}

// Literal returns an expression that always resolves to s.
func Literal(s string) Expr {
	return Expr{src: s, segs: []segment{{lit: s}}}
}

// Parse compiles a key expression.
func Parse(expr string) (Expr, error) {
	if strings.TrimSpace(expr) == "" {
		return Expr{}, &dlockerrors.KeyResolutionError{Expr: expr, Reason: "expression is empty"}
	}
	e := Expr{src: expr}
	var lit strings.Builder
	for i := 0; i < len(expr); {
		if expr[i] != '#' || i+1 >= len(expr) || !identStart(expr[i+1]) {
			lit.WriteByte(expr[i])
			i++
			continue
		}
		if lit.Len() > 0 {
			e.segs = append(e.segs, segment{lit: lit.String()})
			lit.Reset()
		}
		name, next := readIdent(expr, i+1)
		seg := segment{ref: name}
		for next+1 < len(expr) && expr[next] == '.' && identStart(expr[next+1]) {
			var field string
			field, next = readIdent(expr, next+1)
			seg.path = append(seg.path, field)
		}
		e.segs = append(e.segs, seg)
		i = next
	}
	if lit.Len() > 0 {
		e.segs = append(e.segs, segment{lit: lit.String()})
	}
	return e, nil
}

// MustParse is like Parse but panics on error.
func MustParse(expr string) Expr {
	e, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return e
}

// String returns the source expression.
func (e Expr) String() string { return e.src }

// Static reports whether the expression references no arguments.
func (e Expr) Static() bool {
	for _, s := range e.segs {
		if s.ref != "" {
			return false
		}
	}
	return true
}

// Resolve evaluates the expression against args. The result depends only on
// the expression and the argument values.
func (e Expr) Resolve(args Args) (string, error) {
	if len(e.segs) == 0 {
		return "", &dlockerrors.KeyResolutionError{Expr: e.src, Reason: "expression is empty"}
	}
	var b strings.Builder
	for _, s := range e.segs {
		if s.ref == "" {
			b.WriteString(s.lit)
			continue
		}
		ref := s.ref
		v, ok := args[s.ref]
		if !ok {
			return "", &dlockerrors.KeyResolutionError{Expr: e.src, Ref: ref, Reason: "is not a call argument"}
		}
		for _, f := range s.path {
			ref += "." + f
			var err error
			if v, err = field(v, f); err != nil {
				return "", &dlockerrors.KeyResolutionError{Expr: e.src, Ref: ref, Reason: err.Error()}
			}
		}
		str, ok := stringify(v)
		if !ok {
			return "", &dlockerrors.KeyResolutionError{Expr: e.src, Ref: ref, Reason: fmt.Sprintf("of type %T is not resolvable to a string", v)}
		}
		b.WriteString(str)
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", &dlockerrors.KeyResolutionError{Expr: e.src, Reason: "resolved to an empty key"}
	}
	return b.String(), nil
}

func identStart(c byte) bool {
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

func identPart(c byte) bool {
	return identStart(c) || ('0' <= c && c <= '9')
}

func readIdent(s string, i int) (string, int) {
	j := i
	for j < len(s) && identPart(s[j]) {
		j++
	}
	return s[i:j], j
}

func field(v any, name string) (any, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, fmt.Errorf("is nil")
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Struct:
		f := rv.FieldByName(name)
		if !f.IsValid() {
			f = rv.FieldByNameFunc(func(n string) bool { return strings.EqualFold(n, name) })
		}
		if !f.IsValid() || !f.CanInterface() {
			return nil, fmt.Errorf("has no exported field")
		}
		return f.Interface(), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("is a map without string keys")
		}
		mv := rv.MapIndex(reflect.ValueOf(name).Convert(rv.Type().Key()))
		if !mv.IsValid() {
			return nil, fmt.Errorf("has no entry")
		}
		return mv.Interface(), nil
	case reflect.Invalid:
		return nil, fmt.Errorf("is nil")
	}
	return nil, fmt.Errorf("of kind %s has no fields", rv.Kind())
}

func stringify(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case []byte:
		return string(x), true
	case fmt.Stringer:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Pointer && rv.IsNil() {
			return "", false
		}
		return x.String(), true
	case bool:
		return strconv.FormatBool(x), true
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return "", false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10), true
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(rv.Float(), 'f', -1, 64), true
	}
	return "", false
}
