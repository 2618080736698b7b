package shapecheck

import (
	"fmt"
	"sort"
	"strings"
)

// FailureReport identifies the first predicate that rejected a scope: its
// kind, canonical text, the sources it read, and a human-readable reason.
// For the bulk tensor path the reason is a recomputed per-field explanation.
type FailureReport struct {
	Kind      GuardKind
	Predicate string
	Sources   []Source
	Reason    string
}

func (f *FailureReport) String() string {
	var names []string
	for _, s := range f.Sources {
		names = append(names, s.Name())
	}
	return fmt.Sprintf("[%s] %s (sources: %s): %s", f.Kind, f.Predicate, strings.Join(names, ", "), f.Reason)
}

// Result is the outcome of one validation: valid, or invalid with the
// first failing predicate. The validator only explains; recompilation is
// the dispatcher's decision.
type Result struct {
	OK     bool
	Failed *FailureReport
}

// Validator is the compiled, ordered conjunction of predicates for one
// cache entry. It is immutable after compilation and safe for concurrent
// Validate calls as long as the underlying scope values are not mutated
// concurrently.
type Validator struct {
	// entry is a non-owning back-reference consulted only for the validity
	// latch; the entry owns the validator, never the reverse.
	entry *CacheEntry

	parts     []*codePart
	tensors   []tensorCheck
	shapePart *codePart

	params []string
	log    Logger
}

// Compile assembles the validator from everything registered so far.
// Evaluation order is fixed: mode-flag and identity/type guards first, then
// the remaining scalar guards, then the bulk tensor check, then the shape
// environment's synthesized guards. placeholders, their sources and
// constraints feed the shape-env part; they may be nil when no shape-env
// guard was registered.
func (b *GuardBuilder) Compile(placeholders []Placeholder, phSources []Source, constraints []PlaceholderConstraint) (*Validator, error) {
	parts := append([]*codePart(nil), b.parts...)
	sort.SliceStable(parts, func(i, j int) bool {
		pi, pj := parts[i].kind.priority(), parts[j].kind.priority()
		if pi != pj {
			return pi < pj
		}
		return parts[i].idx < parts[j].idx
	})

	v := &Validator{
		parts:   parts,
		tensors: b.tensors,
		log:     b.log,
	}

	if b.shapeEnvRequested {
		produced, err := b.env.ProduceGuards(placeholders, phSources, constraints)
		if err != nil {
			return nil, fmt.Errorf("synthesizing shape guards: %w", err)
		}
		var texts []string
		var srcs []Source
		for _, g := range produced {
			texts = append(texts, g.Expr)
			srcs = mergeSources(srcs, g.Sources)
		}
		env := b.env
		phs := placeholders
		phSrcs := phSources
		v.shapePart = &codePart{
			text:    strings.Join(texts, " and "),
			kind:    GuardShapeEnv,
			sources: srcs,
			check: func(sc *Scope) bool {
				args, err := resolvePlaceholderArgs(phs, phSrcs, sc)
				if err != nil {
					return false
				}
				ok, err := env.EvaluateGuardsForArgs(phs, args)
				return err == nil && ok
			},
		}
	}

	for name := range b.argNames {
		v.params = append(v.params, name)
	}
	sort.Strings(v.params)

	b.log.Debugf("compiled validator: %d scalar parts, %d tensor checks, shape_env=%v",
		len(parts), len(b.tensors), v.shapePart != nil)
	return v, nil
}

// resolvePlaceholderArgs re-resolves each placeholder source against a
// fresh scope into the concrete argument BindSymbols expects.
func resolvePlaceholderArgs(placeholders []Placeholder, sources []Source, sc *Scope) ([]any, error) {
	args := make([]any, len(placeholders))
	for i, ph := range placeholders {
		val, err := sources[i].Resolve(sc)
		if err != nil {
			return nil, err
		}
		switch {
		case ph.SymInt != nil:
			switch n := val.(type) {
			case int64:
				args[i] = n
			case int:
				args[i] = int64(n)
			default:
				return nil, fmt.Errorf("%s: expected an integer, got %T", sources[i].Name(), val)
			}
		case ph.Tensor != nil:
			t, ok := val.(Tensor)
			if !ok {
				return nil, fmt.Errorf("%s: expected a tensor, got %T", sources[i].Name(), val)
			}
			args[i] = t
		}
	}
	return args, nil
}

// Params returns the base variable names the validator reads from the
// scope's locals, sorted.
func (v *Validator) Params() []string { return v.params }

// PredicateInfo is one compiled predicate as seen from outside the
// validator: its kind, canonical text and the sources it reads.
type PredicateInfo struct {
	Kind    GuardKind
	Text    string
	Sources []Source
}

// Predicates lists every compiled predicate in evaluation order,
// including the bulk tensor checks and the synthesized shape guards.
func (v *Validator) Predicates() []PredicateInfo {
	out := make([]PredicateInfo, 0, len(v.parts)+len(v.tensors)+1)
	for _, p := range v.parts {
		out = append(out, PredicateInfo{Kind: p.kind, Text: p.text, Sources: p.sources})
	}
	for _, tc := range v.tensors {
		out = append(out, PredicateInfo{
			Kind:    GuardTensorMatch,
			Text:    fmt.Sprintf("___check_tensor(%s, %s)", tc.source.Name(), tc.snap),
			Sources: []Source{tc.source},
		})
	}
	if v.shapePart != nil {
		out = append(out, PredicateInfo{Kind: GuardShapeEnv, Text: v.shapePart.text, Sources: v.shapePart.sources})
	}
	return out
}

// Validate evaluates the compiled conjunction against a fresh scope. The
// first failing predicate short-circuits and is reported with its sources.
func (v *Validator) Validate(scope *Scope) Result {
	if v.entry != nil && !v.entry.Valid() {
		return Result{Failed: &FailureReport{
			Kind:      GuardWeakrefAlive,
			Predicate: "___entry_valid()",
			Reason:    "cache entry was invalidated",
		}}
	}

	for _, p := range v.parts {
		if !p.check(scope) {
			v.log.Debugf("guard failed [%s] %s", p.kind, p.text)
			// Liveness loss is permanent: latch the entry so it never
			// reports success again, even if a stale handle resurrects.
			if p.kind == GuardWeakrefAlive && v.entry != nil {
				v.entry.Invalidate()
			}
			return Result{Failed: &FailureReport{
				Kind:      p.kind,
				Predicate: p.text,
				Sources:   p.sources,
				Reason:    "predicate evaluated to false",
			}}
		}
	}

	// Bulk tensor fast path: one native comparison per tensor; the verbose
	// per-field explanation is recomputed only on failure.
	for _, tc := range v.tensors {
		fresh, err := tc.source.Resolve(scope)
		if err != nil {
			return Result{Failed: v.tensorFailure(tc, fmt.Sprintf("%s: %v", tc.source.Name(), err))}
		}
		t, ok := fresh.(Tensor)
		if !ok {
			return Result{Failed: v.tensorFailure(tc, fmt.Sprintf("%s: expected a tensor, got %T", tc.source.Name(), fresh))}
		}
		if !tc.snap.matches(t) {
			return Result{Failed: v.tensorFailure(tc, tc.snap.explain(tc.source.Name(), t))}
		}
	}

	if v.shapePart != nil && !v.shapePart.check(scope) {
		return Result{Failed: &FailureReport{
			Kind:      GuardShapeEnv,
			Predicate: v.shapePart.text,
			Sources:   v.shapePart.sources,
			Reason:    "a synthesized shape guard no longer holds",
		}}
	}

	return Result{OK: true}
}

func (v *Validator) tensorFailure(tc tensorCheck, reason string) *FailureReport {
	return &FailureReport{
		Kind:      GuardTensorMatch,
		Predicate: fmt.Sprintf("___check_tensor(%s, %s)", tc.source.Name(), tc.snap),
		Sources:   []Source{tc.source},
		Reason:    reason,
	}
}
