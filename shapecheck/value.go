package shapecheck

import (
	"fmt"
	"reflect"

	"github.com/speakeasy-api/openapi/sequencedmap"
)

// OrderedDict is the ordered string-keyed mapping checked by the
// ordered-keys guard.
type OrderedDict = sequencedmap.Map[string, any]

// NewOrderedDict creates an empty ordered dict.
func NewOrderedDict() *OrderedDict { return sequencedmap.New[string, any]() }

// AttrGetter lets a runtime value expose attributes without reflection.
type AttrGetter interface {
	Attr(name string) (any, bool)
}

// SizedIterator is an iterator value whose remaining length can be observed
// without consuming it, for the iterator-length guard.
type SizedIterator interface {
	Remaining() int
}

// ParamHolder exposes the named-parameter set of a module-like object.
type ParamHolder interface {
	NamedParameters() []string
}

// Liveness is implemented by weak handles: Alive reports whether the
// observed object has not been reclaimed.
type Liveness interface {
	Alive() bool
}

// indexOf subscripts a container value with an int or string key.
func indexOf(v any, key any) (any, bool) {
	switch c := v.(type) {
	case []any:
		i, ok := key.(int)
		if !ok || i < 0 || i >= len(c) {
			return nil, false
		}
		return c[i], true
	case map[string]any:
		k, ok := key.(string)
		if !ok {
			return nil, false
		}
		out, ok := c[k]
		return out, ok
	case map[any]any:
		out, ok := c[key]
		return out, ok
	case *OrderedDict:
		k, ok := key.(string)
		if !ok {
			return nil, false
		}
		return c.Get(k)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		i, ok := key.(int)
		if !ok || i < 0 || i >= rv.Len() {
			return nil, false
		}
		return rv.Index(i).Interface(), true
	}
	return nil, false
}

// lengthOf reports the length of a container, iterator, or string.
func lengthOf(v any) (int, bool) {
	switch c := v.(type) {
	case SizedIterator:
		return c.Remaining(), true
	case *OrderedDict:
		return c.Len(), true
	case string:
		return len(c), true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len(), true
	default:
		return 0, false
	}
}

// typeOf is the runtime type used for type-identity guards. A nil value has
// a nil type, which only ever matches another nil.
func typeOf(v any) reflect.Type { return reflect.TypeOf(v) }

// identityKey distinguishes objects for identity guards. Reference kinds
// (pointers, maps, slices, channels, funcs) compare by address.
func identityKey(v any) (uintptr, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return rv.Pointer(), true
	case reflect.Slice:
		return rv.Pointer(), true
	default:
		return 0, false
	}
}

// sameObject reports identity: address equality for reference kinds, plain
// equality for comparable value kinds.
func sameObject(a, b any) bool {
	ka, aRef := identityKey(a)
	kb, bRef := identityKey(b)
	if aRef != bRef {
		return false
	}
	if aRef {
		return ka == kb
	}
	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	if !ra.IsValid() || !rb.IsValid() {
		return ra.IsValid() == rb.IsValid()
	}
	if ra.Type() != rb.Type() || !ra.Comparable() {
		return false
	}
	return ra.Equal(rb)
}

// valuesEqual is the equality used by equals-match guards on scalars. NaN is
// handled by the guard compiler before this is consulted.
func valuesEqual(a, b any) bool {
	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	if !ra.IsValid() || !rb.IsValid() {
		return ra.IsValid() == rb.IsValid()
	}
	if ra.Type() != rb.Type() {
		return false
	}
	return reflect.DeepEqual(a, b)
}

// splitDictKeys partitions the keys of a map[any]any into identity-bearing
// keys (compared as an identity set) and plain constant keys (compared as a
// value set). Identity-bearing keys can alias across different dict objects
// in ways a value comparison would miss.
func splitDictKeys(m map[any]any) (identities map[uintptr]bool, consts map[any]bool) {
	identities = map[uintptr]bool{}
	consts = map[any]bool{}
	for k := range m {
		if id, ok := identityKey(k); ok {
			identities[id] = true
		} else {
			consts[k] = true
		}
	}
	return identities, consts
}

// previewValue renders a value compactly for logs and failure reasons.
func previewValue(v any, maxLen int) string {
	s := fmt.Sprintf("%v", v)
	if len(s) > maxLen {
		s = s[:maxLen] + "…"
	}
	return s
}
