package shapecheck

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Source is an addressable description of how to re-derive a runtime value
// from the calling context. Two Sources are interchangeable for guard
// purposes iff their canonical Name() forms match.
type Source interface {
	// Name returns the canonical access path, e.g. "x.weights[0]".
	Name() string
	// Resolve derives the current value from the scope. Resolution is
	// deterministic and side-effect free.
	Resolve(scope *Scope) (any, error)
}

// Scope holds the bindings a validator runs against, plus the process-wide
// mode flags captured alongside them. Mode flags live here (rather than in
// package globals) so speculative validation contexts stay self-contained.
type Scope struct {
	Locals  map[string]any
	Globals map[string]any

	// GradEnabled and DeterministicAlgorithms mirror the runtime's global
	// mode flags at the time the scope was captured.
	GradEnabled             bool
	DeterministicAlgorithms bool
}

// LocalSource addresses a local binding by name.
type LocalSource struct{ Var string }

// GlobalSource addresses a global binding by name.
type GlobalSource struct{ Var string }

// AttrSource addresses an attribute of a parent source's value.
type AttrSource struct {
	Base Source
	Attr string
}

// IndexSource addresses a subscript of a parent source's value. Key is an
// int or a string.
type IndexSource struct {
	Base Source
	Key  any
}

// NegateSource denotes the arithmetic negation of its base. It exists so a
// negative size reuses the symbol allocated for its magnitude.
type NegateSource struct{ Base Source }

// TensorProp selects which piece of tensor metadata a TensorPropertySource
// addresses.
type TensorProp int

const (
	PropSize TensorProp = iota
	PropStride
	PropStorageOffset
)

// TensorPropertySource addresses one symbolic component of a tensor: a size
// or stride at a dimension, or the storage offset.
type TensorPropertySource struct {
	Base Source
	Prop TensorProp
	Dim  int
}

func (s LocalSource) Name() string  { return s.Var }
func (s GlobalSource) Name() string { return "global(" + s.Var + ")" }
func (s AttrSource) Name() string   { return s.Base.Name() + "." + s.Attr }

func (s IndexSource) Name() string {
	switch k := s.Key.(type) {
	case string:
		return s.Base.Name() + "[" + strconv.Quote(k) + "]"
	default:
		return fmt.Sprintf("%s[%v]", s.Base.Name(), k)
	}
}

func (s NegateSource) Name() string { return "-(" + s.Base.Name() + ")" }

func (s TensorPropertySource) Name() string {
	switch s.Prop {
	case PropSize:
		return fmt.Sprintf("%s.size(%d)", s.Base.Name(), s.Dim)
	case PropStride:
		return fmt.Sprintf("%s.stride(%d)", s.Base.Name(), s.Dim)
	default:
		return s.Base.Name() + ".storage_offset()"
	}
}

func (s LocalSource) Resolve(scope *Scope) (any, error) {
	v, ok := scope.Locals[s.Var]
	if !ok {
		return nil, fmt.Errorf("local %q is not bound", s.Var)
	}
	return v, nil
}

func (s GlobalSource) Resolve(scope *Scope) (any, error) {
	v, ok := scope.Globals[s.Var]
	if !ok {
		return nil, fmt.Errorf("global %q is not bound", s.Var)
	}
	return v, nil
}

func (s AttrSource) Resolve(scope *Scope) (any, error) {
	base, err := s.Base.Resolve(scope)
	if err != nil {
		return nil, err
	}
	v, ok := attrOf(base, s.Attr)
	if !ok {
		return nil, fmt.Errorf("%s: no attribute %q", s.Base.Name(), s.Attr)
	}
	return v, nil
}

func (s IndexSource) Resolve(scope *Scope) (any, error) {
	base, err := s.Base.Resolve(scope)
	if err != nil {
		return nil, err
	}
	v, ok := indexOf(base, s.Key)
	if !ok {
		return nil, fmt.Errorf("%s: no element %v", s.Base.Name(), s.Key)
	}
	return v, nil
}

func (s NegateSource) Resolve(scope *Scope) (any, error) {
	base, err := s.Base.Resolve(scope)
	if err != nil {
		return nil, err
	}
	switch v := base.(type) {
	case int:
		return -v, nil
	case int64:
		return -v, nil
	case float64:
		return -v, nil
	default:
		return nil, fmt.Errorf("%s: cannot negate %T", s.Base.Name(), base)
	}
}

func (s TensorPropertySource) Resolve(scope *Scope) (any, error) {
	base, err := s.Base.Resolve(scope)
	if err != nil {
		return nil, err
	}
	t, ok := base.(Tensor)
	if !ok {
		return nil, fmt.Errorf("%s: %T is not a tensor", s.Base.Name(), base)
	}
	switch s.Prop {
	case PropSize:
		if s.Dim >= t.Dim() {
			return nil, fmt.Errorf("%s: dimension %d out of range", s.Base.Name(), s.Dim)
		}
		return t.Size(s.Dim), nil
	case PropStride:
		if s.Dim >= t.Dim() {
			return nil, fmt.Errorf("%s: dimension %d out of range", s.Base.Name(), s.Dim)
		}
		return t.Stride(s.Dim), nil
	default:
		return t.StorageOffset(), nil
	}
}

// BaseVar strips attribute/subscript/negate/property wrappers down to the
// underlying variable name, and reports whether that variable is global.
func BaseVar(s Source) (name string, global bool) {
	switch t := s.(type) {
	case LocalSource:
		return t.Var, false
	case GlobalSource:
		return t.Var, true
	case AttrSource:
		return BaseVar(t.Base)
	case IndexSource:
		return BaseVar(t.Base)
	case NegateSource:
		return BaseVar(t.Base)
	case TensorPropertySource:
		return BaseVar(t.Base)
	default:
		return "", false
	}
}

// StripAccessPath reduces a printed access path to its base variable name:
// "a.layers[0].weight" => "a", "f(a.b, 1)" => "a". It is the string-level
// fallback used when only rendered names are available.
func StripAccessPath(name string) string {
	i := strings.IndexAny(name, ".[(")
	if i < 0 {
		return strings.TrimPrefix(name, "-")
	}
	// "x.size(0)" and "d[0]" keep the prefix; "global(cfg)" and "f(a.b, 1)"
	// wrap their base inside the call and must recurse into the arguments.
	if name[i] != '(' {
		return name[:i]
	}
	inner := strings.TrimRight(name[i+1:], ")")
	for _, part := range strings.FieldsFunc(inner, func(r rune) bool { return r == ',' || r == ' ' }) {
		if part == "" {
			continue
		}
		if isIdentRune(rune(part[0])) {
			return StripAccessPath(part)
		}
	}
	return ""
}

func isIdentRune(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r == '_'
}

// attrOf looks up an attribute on a value: the AttrGetter protocol first,
// then exported struct fields through reflection.
func attrOf(v any, name string) (any, bool) {
	if g, ok := v.(AttrGetter); ok {
		return g.Attr(name)
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, false
	}
	f := rv.FieldByName(name)
	if !f.IsValid() || !f.CanInterface() {
		return nil, false
	}
	return f.Interface(), true
}
