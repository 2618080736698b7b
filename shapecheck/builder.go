package shapecheck

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
)

// codePart is one compiled predicate: canonical text (the dedup key), the
// sources it reads, and the closure that evaluates it against a fresh scope.
type codePart struct {
	text    string
	kind    GuardKind
	sources []Source
	check   func(*Scope) bool
	idx     int
}

type namer interface {
	Name() string
}

// GuardBuilder turns Guards into deduplicated code parts. Each guard is
// evaluated once against the trace-time scope to capture the expected
// state; the resulting closure only ever compares, never mutates.
type GuardBuilder struct {
	scope *Scope
	env   *ShapeEnv
	opts  Options
	log   Logger

	parts []*codePart
	seen  map[string]*codePart

	// tensors accumulate for the single bulk fast-path part.
	tensors []tensorCheck

	// dynamicDims, keyed by source name, marks dimensions excluded from
	// the bulk check because shape guards cover them symbolically.
	dynamicDims map[string]map[int]bool

	// watchTargets are the objects to hand to the mutation tracker.
	watchTargets []watchTarget

	// argNames records which base variables the validator binds.
	argNames map[string]bool

	shapeEnvRequested bool
}

type watchTarget struct {
	source Source
	value  any
}

type tensorCheck struct {
	source Source
	snap   TensorSnapshot
}

// NewGuardBuilder creates a builder bound to the trace-time scope. env may
// be nil when no shape-env guard will be registered.
func NewGuardBuilder(scope *Scope, env *ShapeEnv, opts ...Options) *GuardBuilder {
	o := DefaultOptions()
	if len(opts) > 0 {
		o = opts[0].normalized()
	}
	log := newNoopLogger()
	if o.LogLevel != "" {
		tsFormat := o.LogTimestampFormat
		if tsFormat == "" {
			tsFormat = "%Y-%m-%dT%H:%M:%S%z"
		}
		log = NewLogger(ParseLogLevel(o.LogLevel), nil, tsFormat)
	}
	return &GuardBuilder{
		scope:       scope,
		env:         env,
		opts:        o,
		log:         log.With(map[string]any{"component": "guards"}),
		seen:        make(map[string]*codePart),
		dynamicDims: make(map[string]map[int]bool),
		argNames:    make(map[string]bool),
	}
}

// MarkDynamicDims excludes the named dimensions of one tensor source from
// the bulk metadata check; synthesized shape guards cover them instead.
func (b *GuardBuilder) MarkDynamicDims(source Source, dims map[int]bool) {
	b.dynamicDims[source.Name()] = dims
}

// add records a code part, deduplicated by predicate text. A duplicate
// merges its sources into the first registration.
func (b *GuardBuilder) add(text string, kind GuardKind, sources []Source, check func(*Scope) bool) {
	if existing, ok := b.seen[text]; ok {
		existing.sources = mergeSources(existing.sources, sources)
		return
	}
	p := &codePart{text: text, kind: kind, sources: sources, check: check, idx: len(b.parts)}
	b.parts = append(b.parts, p)
	b.seen[text] = p
	b.log.Debugf("code part [%s] %s", kind, text)
}

func mergeSources(into, from []Source) []Source {
	have := make(map[string]bool, len(into))
	for _, s := range into {
		have[s.Name()] = true
	}
	for _, s := range from {
		if !have[s.Name()] {
			into = append(into, s)
			have[s.Name()] = true
		}
	}
	return into
}

func (b *GuardBuilder) noteArg(s Source) {
	if s == nil {
		return
	}
	name, global := BaseVar(s)
	if !global {
		b.argNames[StripAccessPath(name)] = true
	}
}

// Register evaluates one guard against the trace-time scope and records the
// predicate(s) it compiles to. Resolution failures are errors; a guard kind
// applied to a value that cannot support it panics with MalformedGuard,
// since that signals a bug in the trace-capture front end.
func (b *GuardBuilder) Register(g Guard) error {
	b.noteArg(g.Source)

	var val any
	// Has-attr guards resolve only their base: when the polarity is
	// "absent", resolving the attribute source itself must fail, and the
	// guard still has to register.
	if g.Source != nil && g.Kind != GuardHasAttr {
		var err error
		val, err = g.Source.Resolve(b.scope)
		if err != nil {
			return fmt.Errorf("resolving %s for %s guard: %w", g.Source.Name(), g.Kind, err)
		}
	}

	switch g.Kind {
	case GuardGradMode:
		captured := b.scope.GradEnabled
		b.add(fmt.Sprintf("___grad_mode() == %v", captured), g.Kind, nil, func(sc *Scope) bool {
			return sc.GradEnabled == captured
		})

	case GuardDeterministicAlgorithms:
		captured := b.scope.DeterministicAlgorithms
		b.add(fmt.Sprintf("___deterministic_algorithms() == %v", captured), g.Kind, nil, func(sc *Scope) bool {
			return sc.DeterministicAlgorithms == captured
		})

	case GuardTypeMatch:
		b.typeMatch(g, val)

	case GuardIDMatch:
		src := g.Source
		captured := val
		b.add(fmt.Sprintf("___check_obj_id(%s)", src.Name()), g.Kind, []Source{src}, func(sc *Scope) bool {
			fresh, err := src.Resolve(sc)
			return err == nil && sameObject(fresh, captured)
		})

	case GuardNameMatch:
		n, ok := val.(namer)
		if !ok {
			panic(MalformedGuard{Guard: g, Reason: fmt.Sprintf("value of type %T has no Name()", val)})
		}
		captured := n.Name()
		src := g.Source
		b.add(fmt.Sprintf("%s.name == %q", src.Name(), captured), g.Kind, []Source{src}, func(sc *Scope) bool {
			fresh, err := src.Resolve(sc)
			if err != nil {
				return false
			}
			fn, ok := fresh.(namer)
			return ok && fn.Name() == captured
		})

	case GuardConstantMatch:
		b.constantMatch(g, val)

	case GuardEqualsMatch:
		b.equalsMatch(g, val)

	case GuardBoolFalse:
		bv, ok := val.(bool)
		if !ok {
			panic(MalformedGuard{Guard: g, Reason: fmt.Sprintf("value of type %T is not a bool", val)})
		}
		if bv {
			panic(MalformedGuard{Guard: g, Reason: "bool-false guard requested on a true value"})
		}
		src := g.Source
		b.add(fmt.Sprintf("not %s", src.Name()), g.Kind, []Source{src}, func(sc *Scope) bool {
			fresh, err := src.Resolve(sc)
			if err != nil {
				return false
			}
			fb, ok := fresh.(bool)
			return ok && !fb
		})

	case GuardListLength:
		b.listLength(g, val)

	case GuardIteratorLength:
		it, ok := val.(SizedIterator)
		if !ok {
			panic(MalformedGuard{Guard: g, Reason: fmt.Sprintf("value of type %T is not a sized iterator", val)})
		}
		captured := it.Remaining()
		src := g.Source
		b.add(fmt.Sprintf("___iterator_len(%s) == %d", src.Name(), captured), g.Kind, []Source{src}, func(sc *Scope) bool {
			fresh, err := src.Resolve(sc)
			if err != nil {
				return false
			}
			fit, ok := fresh.(SizedIterator)
			return ok && fit.Remaining() == captured
		})

	case GuardDictKeys:
		b.dictKeys(g, val)

	case GuardOrderedKeys:
		b.orderedKeys(g, val)

	case GuardParamNames:
		b.paramNames(g, val)

	case GuardHasAttr:
		b.hasAttr(g)

	case GuardWeakrefAlive:
		l, ok := val.(Liveness)
		if !ok {
			panic(MalformedGuard{Guard: g, Reason: fmt.Sprintf("value of type %T has no liveness observation", val)})
		}
		// Non-owning: only the Liveness handle is retained, never the value.
		src := g.Source
		b.add(fmt.Sprintf("___weakref_alive(%s)", src.Name()), g.Kind, []Source{src}, func(*Scope) bool {
			return l.Alive()
		})

	case GuardObjectMutation:
		// Not a predicate: registration with the mutation tracker happens
		// when the cache entry is assembled.
		b.watchTargets = append(b.watchTargets, watchTarget{source: g.Source, value: val})

	case GuardTensorMatch:
		t, ok := val.(Tensor)
		if !ok {
			panic(MalformedGuard{Guard: g, Reason: fmt.Sprintf("value of type %T is not a tensor", val)})
		}
		b.tensors = append(b.tensors, tensorCheck{
			source: g.Source,
			snap:   SnapshotTensor(t, b.dynamicDims[g.Source.Name()]),
		})

	case GuardShapeEnv:
		if b.env == nil {
			panic(MalformedGuard{Guard: g, Reason: "shape-env guard registered without a shape environment"})
		}
		b.shapeEnvRequested = true

	default:
		panic(MalformedGuard{Guard: g, Reason: "unknown guard kind"})
	}
	return nil
}

func (b *GuardBuilder) typeMatch(g Guard, val any) {
	captured := typeOf(val)
	src := g.Source
	b.add(fmt.Sprintf("___check_type(%s, %v)", src.Name(), captured), g.Kind, []Source{src}, func(sc *Scope) bool {
		fresh, err := src.Resolve(sc)
		return err == nil && typeOf(fresh) == captured
	})
}

func (b *GuardBuilder) constantMatch(g Guard, val any) {
	src := g.Source
	switch val.(type) {
	case bool, nil:
		// Booleans and nil specialize by identity.
		captured := val
		b.add(fmt.Sprintf("%s is %v", src.Name(), captured), g.Kind, []Source{src}, func(sc *Scope) bool {
			fresh, err := src.Resolve(sc)
			return err == nil && fresh == captured
		})
	default:
		captured := val
		b.add(fmt.Sprintf("%s == %s", src.Name(), previewValue(captured, b.opts.LogMaxValueLen)), g.Kind, []Source{src}, func(sc *Scope) bool {
			fresh, err := src.Resolve(sc)
			return err == nil && valuesEqual(fresh, captured)
		})
	}
}

func (b *GuardBuilder) equalsMatch(g Guard, val any) {
	src := g.Source
	capturedType := typeOf(val)

	// NaN is not self-equal, so equality on a NaN float must re-accept a
	// fresh NaN of the same declared type instead of comparing with ==.
	if f, ok := val.(float64); ok && math.IsNaN(f) {
		b.add(fmt.Sprintf("___is_nan(%s)", src.Name()), g.Kind, []Source{src}, func(sc *Scope) bool {
			fresh, err := src.Resolve(sc)
			if err != nil || typeOf(fresh) != capturedType {
				return false
			}
			ff, ok := fresh.(float64)
			return ok && math.IsNaN(ff)
		})
		return
	}

	// List equality additionally asserts per-element type identity:
	// equal-by-value but different-by-type elements must not pass.
	if list, ok := val.([]any); ok {
		elemTypes := make([]reflect.Type, len(list))
		captured := make([]any, len(list))
		for i, e := range list {
			elemTypes[i] = typeOf(e)
			captured[i] = e
		}
		b.add(fmt.Sprintf("%s == %s (element types pinned)", src.Name(), previewValue(list, b.opts.LogMaxValueLen)),
			g.Kind, []Source{src}, func(sc *Scope) bool {
				fresh, err := src.Resolve(sc)
				if err != nil || typeOf(fresh) != capturedType {
					return false
				}
				fl, ok := fresh.([]any)
				if !ok || len(fl) != len(captured) {
					return false
				}
				for i, e := range fl {
					if typeOf(e) != elemTypes[i] || !valuesEqual(e, captured[i]) {
						return false
					}
				}
				return true
			})
		return
	}

	captured := val
	b.add(fmt.Sprintf("%s == %s", src.Name(), previewValue(captured, b.opts.LogMaxValueLen)), g.Kind, []Source{src}, func(sc *Scope) bool {
		fresh, err := src.Resolve(sc)
		return err == nil && valuesEqual(fresh, captured)
	})
}

func (b *GuardBuilder) listLength(g Guard, val any) {
	n, ok := lengthOf(val)
	if !ok {
		panic(MalformedGuard{Guard: g, Reason: fmt.Sprintf("value of type %T has no length", val)})
	}
	// The length guard implicitly re-asserts the container's exact type.
	capturedType := typeOf(val)
	src := g.Source
	b.add(fmt.Sprintf("___check_type(%s, %v) and len(%s) == %d", src.Name(), capturedType, src.Name(), n),
		g.Kind, []Source{src}, func(sc *Scope) bool {
			fresh, err := src.Resolve(sc)
			if err != nil || typeOf(fresh) != capturedType {
				return false
			}
			fn, ok := lengthOf(fresh)
			return ok && fn == n
		})
}

func (b *GuardBuilder) dictKeys(g Guard, val any) {
	m, ok := val.(map[any]any)
	if !ok {
		panic(MalformedGuard{Guard: g, Reason: fmt.Sprintf("value of type %T is not a dict", val)})
	}
	identities, consts := splitDictKeys(m)
	src := g.Source
	constNames := make([]string, 0, len(consts))
	for k := range consts {
		constNames = append(constNames, fmt.Sprint(k))
	}
	sort.Strings(constNames)
	b.add(fmt.Sprintf("___dict_keys(%s) == {%s} + %d identity keys", src.Name(), strings.Join(constNames, ", "), len(identities)),
		g.Kind, []Source{src}, func(sc *Scope) bool {
			fresh, err := src.Resolve(sc)
			if err != nil {
				return false
			}
			fm, ok := fresh.(map[any]any)
			if !ok {
				return false
			}
			fids, fconsts := splitDictKeys(fm)
			if len(fids) != len(identities) || len(fconsts) != len(consts) {
				return false
			}
			for id := range fids {
				if !identities[id] {
					return false
				}
			}
			for k := range fconsts {
				if !consts[k] {
					return false
				}
			}
			return true
		})
}

func (b *GuardBuilder) orderedKeys(g Guard, val any) {
	od, ok := val.(*OrderedDict)
	if !ok {
		panic(MalformedGuard{Guard: g, Reason: fmt.Sprintf("value of type %T is not an ordered dict", val)})
	}
	var captured []string
	for k := range od.All() {
		captured = append(captured, k)
	}
	src := g.Source
	b.add(fmt.Sprintf("___ordered_keys(%s) == [%s]", src.Name(), strings.Join(captured, ", ")),
		g.Kind, []Source{src}, func(sc *Scope) bool {
			fresh, err := src.Resolve(sc)
			if err != nil {
				return false
			}
			fod, ok := fresh.(*OrderedDict)
			if !ok || fod.Len() != len(captured) {
				return false
			}
			i := 0
			for k := range fod.All() {
				if k != captured[i] {
					return false
				}
				i++
			}
			return true
		})
}

func (b *GuardBuilder) paramNames(g Guard, val any) {
	ph, ok := val.(ParamHolder)
	if !ok {
		panic(MalformedGuard{Guard: g, Reason: fmt.Sprintf("value of type %T holds no named parameters", val)})
	}
	captured := append([]string(nil), ph.NamedParameters()...)
	sort.Strings(captured)
	src := g.Source
	b.add(fmt.Sprintf("___param_names(%s) == {%s}", src.Name(), strings.Join(captured, ", ")),
		g.Kind, []Source{src}, func(sc *Scope) bool {
			fresh, err := src.Resolve(sc)
			if err != nil {
				return false
			}
			fph, ok := fresh.(ParamHolder)
			if !ok {
				return false
			}
			names := append([]string(nil), fph.NamedParameters()...)
			sort.Strings(names)
			if len(names) != len(captured) {
				return false
			}
			for i := range names {
				if names[i] != captured[i] {
					return false
				}
			}
			return true
		})
}

func (b *GuardBuilder) hasAttr(g Guard) {
	attrSrc, ok := g.Source.(AttrSource)
	if !ok {
		panic(MalformedGuard{Guard: g, Reason: "has-attr guard requires an attribute source"})
	}
	base, err := attrSrc.Base.Resolve(b.scope)
	if err != nil {
		panic(MalformedGuard{Guard: g, Reason: fmt.Sprintf("base of has-attr guard does not resolve: %v", err)})
	}
	// Polarity is fixed now and re-checked, never flipped.
	_, present := attrOf(base, attrSrc.Attr)
	text := fmt.Sprintf("hasattr(%s, %q)", attrSrc.Base.Name(), attrSrc.Attr)
	if !present {
		text = "not " + text
	}
	b.add(text, g.Kind, []Source{g.Source}, func(sc *Scope) bool {
		freshBase, err := attrSrc.Base.Resolve(sc)
		if err != nil {
			return false
		}
		_, freshPresent := attrOf(freshBase, attrSrc.Attr)
		return freshPresent == present
	})
}

// RegisterDuplicateInputs compiles an identity guard asserting two sources
// alias the same object. It runs once, independent of field guards.
func (b *GuardBuilder) RegisterDuplicateInputs(d DuplicateInputs) error {
	b.noteArg(d.A)
	b.noteArg(d.B)
	if _, err := d.A.Resolve(b.scope); err != nil {
		return fmt.Errorf("resolving %s for duplicate-input guard: %w", d.A.Name(), err)
	}
	if _, err := d.B.Resolve(b.scope); err != nil {
		return fmt.Errorf("resolving %s for duplicate-input guard: %w", d.B.Name(), err)
	}
	a, bb := d.A, d.B
	b.add(fmt.Sprintf("%s is %s", a.Name(), bb.Name()), GuardIDMatch, []Source{a, bb}, func(sc *Scope) bool {
		va, err := a.Resolve(sc)
		if err != nil {
			return false
		}
		vb, err := bb.Resolve(sc)
		if err != nil {
			return false
		}
		return sameObject(va, vb)
	})
	return nil
}
