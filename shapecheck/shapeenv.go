package shapecheck

import (
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/speakeasy-api/openapi/sequencedmap"
	specialize "github.com/speakeasy-api/specialize"
)

// DimPolicy selects how a traced dimension is turned into a symbol.
type DimPolicy int

const (
	// DimPolicyDuck reuses an existing symbol when another dimension was
	// already observed with the same concrete value.
	DimPolicyDuck DimPolicy = iota
	// DimPolicyStatic specializes the dimension to its traced value.
	DimPolicyStatic
	// DimPolicyDynamic always allocates a fresh symbol.
	DimPolicyDynamic
)

func (p DimPolicy) String() string {
	switch p {
	case DimPolicyDuck:
		return "DUCK"
	case DimPolicyStatic:
		return "STATIC"
	case DimPolicyDynamic:
		return "DYNAMIC"
	default:
		return fmt.Sprintf("DimPolicy(%d)", int(p))
	}
}

// DimConstraint is a client-declared bound on a dimension.
type DimConstraint interface {
	dimRange() specialize.ValueRange
	// Strict constraints forbid any guard beyond the declared range;
	// relaxed constraints only forbid specialization to one value.
	Strict() bool
	String() string
}

// StrictMinMax declares an exact admissible range for a dimension. The
// backend promises no additional guards will be emitted on it.
type StrictMinMax struct {
	Range specialize.ValueRange
}

func (c StrictMinMax) dimRange() specialize.ValueRange { return c.Range }
func (c StrictMinMax) Strict() bool                    { return true }
func (c StrictMinMax) String() string {
	return fmt.Sprintf("StrictMinMax[%d, %d]", c.Range.Lo, c.Range.Hi)
}

// RelaxedUnspec declares a dimension dynamic without bounding it. Guards on
// it are fine; specializing it to a single value is not.
type RelaxedUnspec struct{}

func (c RelaxedUnspec) dimRange() specialize.ValueRange { return specialize.Unbounded() }
func (c RelaxedUnspec) Strict() bool                    { return false }
func (c RelaxedUnspec) String() string                  { return "RelaxedUnspec" }

// ShapeGuard is one recorded boolean fact together with the stack of the
// evaluate call that recorded it.
type ShapeGuard struct {
	Expr  specialize.Expr
	Stack string
}

// GuardExpr is one synthesized guard: a printable boolean expression over
// source access paths, plus the sources it reads.
type GuardExpr struct {
	Expr    string
	Sources []Source
}

// SymShape holds the symbolic metadata of one traced tensor.
type SymShape struct {
	Sizes         []*SymInt
	Strides       []*SymInt
	StorageOffset *SymInt
}

// Placeholder is one traced input: either a scalar or a tensor shape.
type Placeholder struct {
	SymInt *SymInt
	Tensor *SymShape
}

// PlaceholderConstraint carries the client's per-dimension constraints for
// one placeholder. Nil entries mean unconstrained.
type PlaceholderConstraint struct {
	Scalar DimConstraint
	Dims   []DimConstraint
}

// symbolInfo is the per-symbol bookkeeping recorded at allocation time.
type symbolInfo struct {
	sym     *specialize.Sym
	sources []Source // append-only; sources[0] is the defining source
	stack   string
}

// ShapeEnv is the constraint store for one trace: symbol allocation,
// value-range tracking, replacement (union-find over expressions),
// divisibility facts, and guard recording. Not safe for concurrent use;
// serialize access per in-flight trace.
type ShapeEnv struct {
	opts Options
	log  Logger

	nextSym           int
	nextUnbackedInt   int
	nextUnbackedFloat int

	// symbols holds allocation-order bookkeeping for every symbol. The
	// insertion order drives guard-synthesis determinism.
	symbols *sequencedmap.Map[string, *symbolInfo]

	// varToVal maps a backed symbol to the concrete hint it was allocated
	// with. Unbacked symbols have no entry.
	varToVal *sequencedmap.Map[string, int64]

	// varToRange tracks the admissible range per symbol. Ranges only ever
	// narrow; every write funnels through narrowRange.
	varToRange *sequencedmap.Map[string, specialize.ValueRange]

	// valToVar is the duck-shaping table: concrete value to the symbol (or
	// literal) representing it.
	valToVar map[int64]specialize.Expr

	// replacements stores, per symbol, the expression it has been proven
	// equal to. Resolution applies path compression.
	replacements map[string]specialize.Expr

	// divisible records Mod atoms proven equal to zero, keyed by canonical
	// text, enabling floor-division to true-division rewrites.
	divisible map[string]*specialize.Mod

	guards []ShapeGuard

	// suppress counts nested SuppressGuards scopes; recording is disabled
	// while it is positive.
	suppress int
}

// NewShapeEnv creates a shape environment. At most one Options value is
// honored; zero limit fields are backfilled from DefaultOptions, all other
// fields are taken as given.
func NewShapeEnv(opts ...Options) *ShapeEnv {
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
	return &ShapeEnv{
		opts:         o,
		log:          log.With(map[string]any{"component": "shapeenv"}),
		symbols:      sequencedmap.New[string, *symbolInfo](),
		varToVal:     sequencedmap.New[string, int64](),
		varToRange:   sequencedmap.New[string, specialize.ValueRange](),
		valToVar:     make(map[int64]specialize.Expr),
		replacements: make(map[string]specialize.Expr),
		divisible:    make(map[string]*specialize.Mod),
	}
}

// Options returns the configuration the environment was built with.
func (env *ShapeEnv) Options() Options { return env.opts }

// defaultRange is the initial admissible range for a fresh backed symbol.
// 0 and 1 are excluded while 0/1 specialization is on.
func (env *ShapeEnv) defaultRange() specialize.ValueRange {
	lo := int64(0)
	if env.opts.SpecializeZeroOne {
		lo = 2
	}
	return specialize.ValueRange{Lo: lo, Hi: specialize.RangeMax - 1}
}

// CreateSymbol allocates (or reuses) a symbol for one traced dimension
// value. A non-nil constraint forces the policy to DYNAMIC so constrained
// dimensions are never silently unified by duck shaping. Allocating a value
// outside the resulting range panics with RangeViolation.
func (env *ShapeEnv) CreateSymbol(val int64, source Source, policy DimPolicy, constraint DimConstraint) specialize.Expr {
	if constraint != nil {
		policy = DimPolicyDynamic
	}
	if policy == DimPolicyStatic {
		return specialize.Int(val)
	}
	if val < 0 {
		// Allocate the magnitude under a negated source so the same
		// magnitude seen elsewhere still unifies.
		return specialize.Neg(env.CreateSymbol(-val, NegateSource{Base: source}, policy, constraint))
	}
	if env.opts.SpecializeZeroOne && (val == 0 || val == 1) && constraint == nil {
		return specialize.Int(val)
	}

	duck := policy == DimPolicyDuck && env.opts.DuckShape
	if duck {
		if e, ok := env.valToVar[val]; ok {
			if s, isSym := e.(*specialize.Sym); isSym {
				info, _ := env.symbols.Get(s.Name)
				info.sources = append(info.sources, source)
				env.log.Debugf("duck-reuse %s for %s=%d", s.Name, source.Name(), val)
			}
			return e
		}
	}

	name := "s" + strconv.Itoa(env.nextSym)
	env.nextSym++
	sym := specialize.NewSym(name)

	r := env.defaultRange()
	if constraint != nil {
		r = r.Intersect(constraint.dimRange())
	}
	if !r.Contains(val) {
		panic(RangeViolation{Value: val, Range: r})
	}

	env.symbols.Set(name, &symbolInfo{
		sym:     sym,
		sources: []Source{source},
		stack:   captureStack(2),
	})
	env.varToVal.Set(name, val)
	env.varToRange.Set(name, r)
	if duck {
		env.valToVar[val] = sym
	}
	env.log.Debugf("create_symbol %s = %d for %s policy=%s", name, val, source.Name(), policy)
	return sym
}

// CreateUnbackedSymInt allocates an integer symbol with no concrete hint
// and an unconstrained range. Forcing a concrete value out of it without
// narrowing the range first raises DataDependentError.
func (env *ShapeEnv) CreateUnbackedSymInt() *SymInt {
	name := "i" + strconv.Itoa(env.nextUnbackedInt)
	env.nextUnbackedInt++
	sym := specialize.NewSym(name)
	env.symbols.Set(name, &symbolInfo{sym: sym, stack: captureStack(2)})
	env.varToRange.Set(name, specialize.Unbounded())
	env.log.Debugf("create_unbacked_symint %s", name)
	return &SymInt{env: env, expr: sym}
}

// CreateUnbackedSymFloat allocates a float symbol with no hint.
func (env *ShapeEnv) CreateUnbackedSymFloat() *SymFloat {
	name := "f" + strconv.Itoa(env.nextUnbackedFloat)
	env.nextUnbackedFloat++
	sym := specialize.NewFloatSym(name)
	env.symbols.Set(name, &symbolInfo{sym: sym, stack: captureStack(2)})
	env.log.Debugf("create_unbacked_symfloat %s", name)
	return &SymFloat{env: env, expr: sym}
}

// CreateSymIntNode wraps an expression as a SymInt with an optional hint.
func (env *ShapeEnv) CreateSymIntNode(e specialize.Expr, hint *int64) *SymInt {
	return &SymInt{env: env, expr: e, hint: hint}
}

func (env *ShapeEnv) backedSymInt(e specialize.Expr, hint int64) *SymInt {
	h := hint
	return &SymInt{env: env, expr: e, hint: &h}
}

// CreateSymbolicSizesStridesStorageOffset allocates the symbolic metadata
// for one traced tensor. Stride expressions are derived from size-times-
// stride products of already-bound dimensions before any fresh stride
// symbol is allocated, so contiguous layouts introduce no extra symbols.
// 0/1-valued strides stay literal. The storage offset is allocated under
// the duck policy.
func (env *ShapeEnv) CreateSymbolicSizesStridesStorageOffset(t Tensor, source Source, policies []DimPolicy, constraints []DimConstraint) *SymShape {
	dim := t.Dim()
	defaultPolicy := DimPolicyDuck
	if env.opts.AssumeStaticByDefault {
		defaultPolicy = DimPolicyStatic
	}
	policyAt := func(i int) DimPolicy {
		if i < len(policies) {
			return policies[i]
		}
		return defaultPolicy
	}
	constraintAt := func(i int) DimConstraint {
		if i < len(constraints) {
			return constraints[i]
		}
		return nil
	}

	sizes := make([]*SymInt, dim)
	sizeExprs := make([]specialize.Expr, dim)
	for i := 0; i < dim; i++ {
		sizeExprs[i] = env.CreateSymbol(t.Size(i), TensorPropertySource{Base: source, Prop: PropSize, Dim: i}, policyAt(i), constraintAt(i))
		sizes[i] = env.backedSymInt(sizeExprs[i], t.Size(i))
	}

	strideExprs := make([]specialize.Expr, dim)
	for i := 0; i < dim; i++ {
		if v := t.Stride(i); v == 0 || v == 1 {
			strideExprs[i] = specialize.Int(v)
		}
	}
	for {
		unbound := false
		// Products of already-bound dimensions are reuse candidates for
		// the remaining strides.
		candidates := make(map[int64]specialize.Expr)
		for i := 0; i < dim; i++ {
			if strideExprs[i] != nil && t.Stride(i) >= 0 {
				candidates[t.Size(i)*t.Stride(i)] = specialize.Mul(sizeExprs[i], strideExprs[i])
			}
		}
		type pending struct {
			val int64
			i   int
		}
		var todo []pending
		for i := 0; i < dim; i++ {
			if strideExprs[i] == nil {
				todo = append(todo, pending{val: t.Stride(i), i: i})
			}
		}
		if len(todo) == 0 {
			break
		}
		sort.Slice(todo, func(a, b int) bool {
			if todo[a].val != todo[b].val {
				return todo[a].val < todo[b].val
			}
			return todo[a].i < todo[b].i
		})
		for _, p := range todo {
			if e, ok := candidates[p.val]; ok {
				strideExprs[p.i] = e
				candidates[t.Size(p.i)*p.val] = specialize.Mul(sizeExprs[p.i], e)
				unbound = true
			}
		}
		if !unbound {
			// Nothing derivable; bind the smallest unbound stride to a
			// fresh symbol and retry the remaining ones against it.
			p := todo[0]
			strideExprs[p.i] = env.CreateSymbol(p.val, TensorPropertySource{Base: source, Prop: PropStride, Dim: p.i}, DimPolicyDuck, nil)
		}
	}

	strides := make([]*SymInt, dim)
	for i := 0; i < dim; i++ {
		strides[i] = env.backedSymInt(strideExprs[i], t.Stride(i))
	}

	offsetExpr := env.CreateSymbol(t.StorageOffset(), TensorPropertySource{Base: source, Prop: PropStorageOffset}, DimPolicyDuck, nil)
	return &SymShape{
		Sizes:         sizes,
		Strides:       strides,
		StorageOffset: env.backedSymInt(offsetExpr, t.StorageOffset()),
	}
}

// symbolExpr returns the canonical *Sym node for a known symbol name.
func (env *ShapeEnv) symbolExpr(name string) specialize.Expr {
	if info, ok := env.symbols.Get(name); ok {
		return info.sym
	}
	return specialize.NewSym(name)
}

// find resolves a symbol through the replacement chain to a fixed point,
// caching the fully resolved expression back onto the symbol.
func (env *ShapeEnv) find(name string) specialize.Expr {
	rep, ok := env.replacements[name]
	if !ok {
		return env.symbolExpr(name)
	}
	repl := make(map[string]specialize.Expr)
	changed := false
	for _, free := range specialize.FreeSymbols(rep) {
		if free == name {
			continue
		}
		resolved := env.find(free)
		if s, isSym := resolved.(*specialize.Sym); !isSym || s.Name != free {
			changed = true
		}
		repl[free] = resolved
	}
	if changed {
		rep = specialize.Subst(rep, repl)
		env.replacements[name] = rep
	}
	return rep
}

// replace substitutes every free symbol of e with its canonical expression.
func (env *ShapeEnv) replace(e specialize.Expr) specialize.Expr {
	free := specialize.FreeSymbols(e)
	if len(free) == 0 {
		return e
	}
	repl := make(map[string]specialize.Expr, len(free))
	for _, name := range free {
		repl[name] = env.find(name)
	}
	return specialize.Subst(e, repl)
}

// setReplacement records that symbol name equals expr, narrowing ranges on
// both sides of the equality. A replacement whose expression contains its
// own key is refused: it would make canonicalization non-idempotent.
func (env *ShapeEnv) setReplacement(name string, expr specialize.Expr) bool {
	for _, free := range specialize.FreeSymbols(expr) {
		if free == name {
			env.log.Debugf("refusing self-referential replacement %s := %s", name, expr)
			return false
		}
	}
	nameRange := env.rangeOfSymbol(name)
	exprRange := specialize.RangeOf(expr, env.rangeMap())
	merged := nameRange.Intersect(exprRange)
	env.narrowRange(name, merged)
	if s, ok := expr.(*specialize.Sym); ok {
		env.narrowRange(s.Name, merged)
	}
	env.replacements[name] = expr
	env.log.Debugf("set_replacement %s := %s", name, expr)
	return true
}

func (env *ShapeEnv) rangeOfSymbol(name string) specialize.ValueRange {
	if r, ok := env.varToRange.Get(name); ok {
		return r
	}
	return specialize.Unbounded()
}

func (env *ShapeEnv) rangeMap() map[string]specialize.ValueRange {
	out := make(map[string]specialize.ValueRange, env.varToRange.Len())
	for name, r := range env.varToRange.All() {
		out[name] = r
	}
	return out
}

// narrowRange intersects a symbol's range with r. Ranges never widen.
func (env *ShapeEnv) narrowRange(name string, r specialize.ValueRange) {
	cur := env.rangeOfSymbol(name)
	env.varToRange.Set(name, cur.Intersect(r))
}

// Simplify canonicalizes an expression under the environment's current
// replacements and divisibility facts.
func (env *ShapeEnv) Simplify(e specialize.Expr) specialize.Expr { return env.simplify(e) }

// simplify canonicalizes an expression: replacement substitution, then
// floor-division to true-division wherever the matching modulo fact has
// been proven divisible. Idempotent.
func (env *ShapeEnv) simplify(e specialize.Expr) specialize.Expr {
	e = env.replace(e)
	if !specialize.HasFloorDiv(e) {
		return e
	}
	return specialize.ReplaceAtoms(e, func(atom specialize.Expr) (specialize.Expr, bool) {
		fd, ok := atom.(*specialize.FloorDiv)
		if !ok {
			return nil, false
		}
		key := (&specialize.Mod{Base: env.replace(fd.Base), Divisor: env.replace(fd.Divisor)}).String()
		if _, divisible := env.divisible[key]; !divisible {
			return nil, false
		}
		return specialize.NewTrueDiv(fd.Base, fd.Divisor), true
	})
}

// maybeEvaluateStatic attempts to resolve e purely from current value
// ranges. Singleton-range symbols are substituted first; comparisons are
// decided by interval arithmetic when the ranges are decisive.
func (env *ShapeEnv) maybeEvaluateStatic(e specialize.Expr) (specialize.Expr, bool) {
	free := specialize.FreeSymbols(e)
	if len(free) == 0 {
		return specialize.Expand(e), true
	}
	repl := make(map[string]specialize.Expr)
	for _, name := range free {
		if r := env.rangeOfSymbol(name); r.Singleton() {
			repl[name] = specialize.Int(r.Lo)
		}
	}
	if len(repl) > 0 {
		e = specialize.Subst(e, repl)
		if len(specialize.FreeSymbols(e)) == 0 {
			return specialize.Expand(e), true
		}
	}
	ranges := env.rangeMap()
	switch t := e.(type) {
	case *specialize.Cmp:
		if v, known := specialize.RangeOfBool(t, ranges); known {
			return specialize.Bool(v), true
		}
	case *specialize.Not:
		if v, known := specialize.RangeOfBool(t.X, ranges); known {
			return specialize.Bool(!v), true
		}
	default:
		if r := specialize.RangeOf(e, ranges); r.Singleton() {
			return specialize.Int(r.Lo), true
		}
	}
	return nil, false
}

// sizeHint computes a concrete value for e from the recorded hints of its
// free symbols. Symbols without hints (unbacked) produce DataDependentError.
func (env *ShapeEnv) sizeHint(e specialize.Expr) (specialize.Expr, error) {
	vals := make(map[string]int64)
	var unhinted []string
	for _, name := range specialize.FreeSymbols(e) {
		if v, ok := env.varToVal.Get(name); ok {
			vals[name] = v
		} else {
			unhinted = append(unhinted, name)
		}
	}
	if len(unhinted) > 0 {
		stacks := make(map[string]string, len(unhinted))
		for _, name := range unhinted {
			if info, ok := env.symbols.Get(name); ok {
				stacks[name] = info.stack
			}
		}
		partial := e
		if len(vals) > 0 {
			repl := make(map[string]specialize.Expr, len(vals))
			for name, v := range vals {
				repl[name] = specialize.Int(v)
			}
			partial = specialize.Subst(e, repl)
		}
		return nil, &DataDependentError{Expr: partial, Unhinted: e, AllocStacks: stacks}
	}
	out, ok := specialize.EvalConcrete(e, vals)
	if !ok {
		return nil, fmt.Errorf("could not evaluate %s from hints", e)
	}
	return out, nil
}

// maybeGuardEq tries to eliminate a proven equality by recording a
// replacement (solving for one symbol) or a divisibility fact, instead of
// leaving it as a runtime guard.
func (env *ShapeEnv) maybeGuardEq(c *specialize.Cmp, holds bool) {
	switch c.Op {
	case specialize.OpEq:
		if !holds {
			return
		}
	case specialize.OpNe:
		if holds {
			return
		}
	default:
		return
	}

	// Divisibility: Mod(a, b) == 0 unlocks FloorDiv(a, b) rewrites.
	if m, ok := c.L.(*specialize.Mod); ok && isZero(c.R) {
		env.recordDivisible(m)
		return
	}
	if m, ok := c.R.(*specialize.Mod); ok && isZero(c.L) {
		env.recordDivisible(m)
		return
	}

	eq := specialize.Sub(c.L, c.R)
	free := specialize.FreeSymbols(eq)
	if len(free) == 0 || len(free) > env.opts.SolveSymbolLimit {
		return
	}
	if specialize.HasFloorDiv(eq) || specialize.HasMod(eq) {
		return
	}
	// Solve for the symbol with the largest hint, so the replacement points
	// at earlier-allocated, smaller-magnitude structure.
	target := free[0]
	var targetHint int64
	if v, ok := env.varToVal.Get(target); ok {
		targetHint = v
	}
	for _, name := range free[1:] {
		v, _ := env.varToVal.Get(name)
		if v > targetHint || (v == targetHint && name > target) {
			target, targetHint = name, v
		}
	}
	sol, ok := specialize.SolveLinear(c.L, c.R, target)
	if !ok {
		return
	}
	env.setReplacement(target, env.replace(sol))
}

func (env *ShapeEnv) recordDivisible(m *specialize.Mod) {
	canon := &specialize.Mod{Base: env.replace(m.Base), Divisor: env.replace(m.Divisor)}
	env.divisible[canon.String()] = canon
	env.log.Debugf("divisible %s", canon)
}

func isZero(e specialize.Expr) bool {
	l, ok := e.(*specialize.IntLit)
	return ok && l.V == 0
}

// addGuard records a boolean fact unless recording is suppressed.
func (env *ShapeEnv) addGuard(e specialize.Expr) {
	if env.suppress > 0 {
		return
	}
	env.guards = append(env.guards, ShapeGuard{Expr: e, Stack: captureStack(3)})
	env.log.Debugf("guard %s", e)
}

// SuppressGuards disables guard recording until the returned release
// function runs. Scopes nest; releasing twice is a no-op.
func (env *ShapeEnv) SuppressGuards() func() {
	env.suppress++
	released := false
	return func() {
		if !released {
			released = true
			env.suppress--
		}
	}
}

// EvaluateExpr is the single authority for turning an expression over
// symbols into a concrete literal while recording the minimal guard needed
// to make that answer sound on a future call. The optional hint overrides
// the hint-derived concrete value.
func (env *ShapeEnv) EvaluateExpr(e specialize.Expr, hint *int64) (specialize.Expr, error) {
	e = env.simplify(e)
	if len(specialize.FreeSymbols(e)) == 0 {
		return specialize.Expand(e), nil
	}
	if static, ok := env.maybeEvaluateStatic(e); ok {
		return static, nil
	}

	var concrete specialize.Expr
	if hint != nil {
		concrete = specialize.Int(*hint)
	} else {
		var err error
		concrete, err = env.sizeHint(e)
		if err != nil {
			return nil, err
		}
	}

	if c, ok := e.(*specialize.Cmp); ok {
		if b, isBool := concrete.(*specialize.BoolLit); isBool {
			env.maybeGuardEq(c, b.V)
			// The replacement may have made the expression static.
			if static, sok := env.maybeEvaluateStatic(env.simplify(e)); sok {
				return static, nil
			}
		}
	}

	var g specialize.Expr
	switch v := concrete.(type) {
	case *specialize.BoolLit:
		if v.V {
			g = e
		} else {
			g = specialize.NewNot(e)
		}
	default:
		g = specialize.NewCmp(specialize.OpEq, e, concrete)
	}
	env.addGuard(g)
	return concrete, nil
}

// ConstrainRange narrows the admissible range of a symbolic value. This is
// the designated escape hatch for data-dependent errors: narrowing an
// unbacked symbol to a singleton makes it statically resolvable.
func (env *ShapeEnv) ConstrainRange(e specialize.Expr, lo, hi int64) error {
	r := specialize.ValueRange{Lo: lo, Hi: hi}
	e = env.replace(e)
	switch t := e.(type) {
	case *specialize.IntLit:
		if !r.Contains(t.V) {
			return fmt.Errorf("value %d outside constrained range [%d, %d]", t.V, lo, hi)
		}
		return nil
	case *specialize.Sym:
		narrowed := env.rangeOfSymbol(t.Name).Intersect(r)
		if narrowed.Empty() {
			return fmt.Errorf("constraining %s to [%d, %d] empties its admissible range", t.Name, lo, hi)
		}
		env.narrowRange(t.Name, narrowed)
		return nil
	default:
		return fmt.Errorf("cannot constrain composite expression %s", e)
	}
}

// ConstrainUnify records that two symbolic values are equal without
// emitting a runtime guard.
func (env *ShapeEnv) ConstrainUnify(a, b *SymInt) error {
	ra := env.replace(a.expr)
	rb := env.replace(b.expr)
	if ra.String() == rb.String() {
		return nil
	}
	if s, ok := ra.(*specialize.Sym); ok && env.setReplacement(s.Name, rb) {
		return nil
	}
	if s, ok := rb.(*specialize.Sym); ok && env.setReplacement(s.Name, ra) {
		return nil
	}
	return fmt.Errorf("cannot unify %s with %s: no side is a symbol absent from the other", ra, rb)
}

// NontrivialGuards returns the recorded guards that are not statically
// resolvable from current ranges, in canonical form.
func (env *ShapeEnv) NontrivialGuards() []ShapeGuard {
	var out []ShapeGuard
	for _, g := range env.guards {
		if _, ok := env.maybeEvaluateStatic(env.simplify(g.Expr)); ok {
			continue
		}
		out = append(out, ShapeGuard{Expr: env.simplify(g.Expr), Stack: g.Stack})
	}
	return out
}

// FormatGuards renders the recorded guard list for diagnostics. Verbose
// mode appends the stack each guard was recorded at.
func (env *ShapeEnv) FormatGuards(verbose bool) string {
	var b strings.Builder
	for _, g := range env.guards {
		fmt.Fprintf(&b, " - %s", g.Expr)
		if verbose && g.Stack != "" {
			fmt.Fprintf(&b, "\n   recorded at:\n%s", indent(g.Stack, "     "))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// trackState is the bookkeeping produce_guards builds per synthesis call.
type trackState struct {
	// inputGuards pairs each component source with the expression recorded
	// for it at allocation time.
	inputGuards []inputGuard
	// symbolToSource records, in first-seen order, every source a symbol
	// was bound to in this call. The first source is the defining one used
	// for rendering.
	symbolToSource *sequencedmap.Map[string, []Source]
	// symbolToConstraints collects the client constraints attached to each
	// symbol's dimensions.
	symbolToConstraints map[string][]DimConstraint
	violations          []string
}

type inputGuard struct {
	source Source
	expr   specialize.Expr
}

func (ts *trackState) track(source Source, e specialize.Expr, constraint DimConstraint) {
	switch t := e.(type) {
	case *specialize.Sym:
		prev, _ := ts.symbolToSource.Get(t.Name)
		ts.symbolToSource.Set(t.Name, append(prev, source))
		if constraint != nil {
			ts.symbolToConstraints[t.Name] = append(ts.symbolToConstraints[t.Name], constraint)
		}
	default:
		if s, neg := negatedSymbol(e); neg {
			src := NegateSource{Base: source}
			prev, _ := ts.symbolToSource.Get(s.Name)
			ts.symbolToSource.Set(s.Name, append(prev, Source(src)))
			if constraint != nil {
				ts.symbolToConstraints[s.Name] = append(ts.symbolToConstraints[s.Name], constraint)
			}
		} else if constraint != nil {
			ts.violations = append(ts.violations, fmt.Sprintf(
				"%s was marked %s but specialized to a constant (%s)", source.Name(), constraint, e))
		}
	}
	ts.inputGuards = append(ts.inputGuards, inputGuard{source: source, expr: e})
}

// negatedSymbol recognizes the -1*s shape produced for negative sizes.
func negatedSymbol(e specialize.Expr) (*specialize.Sym, bool) {
	p, ok := e.(*specialize.Prod)
	if !ok || len(p.Factors) != 2 {
		return nil, false
	}
	c, ok := p.Factors[0].(*specialize.IntLit)
	if !ok || c.V != -1 {
		if c2, ok2 := p.Factors[1].(*specialize.IntLit); ok2 && c2.V == -1 {
			s, sok := p.Factors[0].(*specialize.Sym)
			return s, sok
		}
		return nil, false
	}
	s, sok := p.Factors[1].(*specialize.Sym)
	return s, sok
}

// ProduceGuards synthesizes the final printable guard list for one cache-
// entry compilation. Output is deterministic: re-running without further
// mutation yields identical text and ordering. Constraint violations are
// accumulated and returned together as one ConstraintViolationError.
func (env *ShapeEnv) ProduceGuards(placeholders []Placeholder, sources []Source, constraints []PlaceholderConstraint) ([]GuardExpr, error) {
	ts := &trackState{
		symbolToSource:      sequencedmap.New[string, []Source](),
		symbolToConstraints: make(map[string][]DimConstraint),
	}

	for i, ph := range placeholders {
		src := sources[i]
		var pc PlaceholderConstraint
		if i < len(constraints) {
			pc = constraints[i]
		}
		switch {
		case ph.SymInt != nil:
			ts.track(src, ph.SymInt.expr, pc.Scalar)
		case ph.Tensor != nil:
			for j, sz := range ph.Tensor.Sizes {
				var dc DimConstraint
				if j < len(pc.Dims) {
					dc = pc.Dims[j]
				}
				ts.track(TensorPropertySource{Base: src, Prop: PropSize, Dim: j}, sz.expr, dc)
			}
			for j, st := range ph.Tensor.Strides {
				ts.track(TensorPropertySource{Base: src, Prop: PropStride, Dim: j}, st.expr, nil)
			}
			ts.track(TensorPropertySource{Base: src, Prop: PropStorageOffset}, ph.Tensor.StorageOffset.expr, nil)
		}
	}

	ref := func(name string) (string, []Source, error) {
		srcs, ok := ts.symbolToSource.Get(name)
		if !ok || len(srcs) == 0 {
			return "", nil, fmt.Errorf("symbol %s has no bound source; did tracing record every input?", name)
		}
		return srcs[0].Name(), srcs, nil
	}
	render := func(e specialize.Expr) (string, []Source, error) {
		var used []Source
		var rerr error
		out := specialize.Render(e, func(name string) string {
			path, srcs, err := ref(name)
			if err != nil {
				if rerr == nil {
					rerr = err
				}
				return name
			}
			used = append(used, srcs[0])
			return path
		})
		return out, used, rerr
	}

	var out []GuardExpr

	// Phase 1: input equality guards. The defining source of a symbol needs
	// no guard against itself.
	for _, ig := range ts.inputGuards {
		if s, ok := ig.expr.(*specialize.Sym); ok {
			if srcs, bound := ts.symbolToSource.Get(s.Name); bound && srcs[0].Name() == ig.source.Name() {
				continue
			}
		}
		sexpr, used, err := render(ig.expr)
		if err != nil {
			return nil, err
		}
		out = append(out, GuardExpr{
			Expr:    fmt.Sprintf("%s == %s", ig.source.Name(), sexpr),
			Sources: append([]Source{ig.source}, used...),
		})
	}

	// Phase 2: recorded guards, canonicalized, skipping those already
	// statically provable. A strict constraint is violated by the mere
	// existence of a guard over its symbol.
	for _, g := range env.guards {
		e := env.simplify(g.Expr)
		if _, ok := env.maybeEvaluateStatic(e); ok {
			continue
		}
		sexpr, used, err := render(e)
		if err != nil {
			return nil, err
		}
		for _, name := range specialize.FreeSymbols(e) {
			for _, c := range ts.symbolToConstraints[name] {
				if c.Strict() {
					srcs, _ := ts.symbolToSource.Get(name)
					ts.violations = append(ts.violations, fmt.Sprintf(
						"%s requires a guard (%s) on %s, which was marked %s", srcs[0].Name(), sexpr, name, c))
				}
			}
		}
		out = append(out, GuardExpr{Expr: sexpr, Sources: used})
	}

	// Phase 3: range guards for every symbol whose range narrowed past the
	// defaults. Strict constraints must match the final range exactly.
	defLo := env.defaultRange().Lo
	for name, srcs := range ts.symbolToSource.All() {
		r := env.rangeOfSymbol(name)
		_, becameConstant := env.find(name).(*specialize.IntLit)
		for _, c := range ts.symbolToConstraints[name] {
			if c.Strict() {
				if r != env.defaultRange().Intersect(c.dimRange()) {
					ts.violations = append(ts.violations, fmt.Sprintf(
						"%s was marked %s but its range narrowed to [%d, %d]", srcs[0].Name(), c, r.Lo, r.Hi))
				}
			} else if becameConstant || r.Singleton() {
				ts.violations = append(ts.violations, fmt.Sprintf(
					"%s was marked %s but unexpectedly became a constant", srcs[0].Name(), c))
			}
		}
		var bounds []string
		if r.Lo > defLo {
			bounds = append(bounds, strconv.FormatInt(r.Lo, 10))
		}
		bounds = append(bounds, srcs[0].Name())
		if r.Hi < specialize.RangeMax-1 {
			bounds = append(bounds, strconv.FormatInt(r.Hi, 10))
		}
		if len(bounds) > 1 {
			out = append(out, GuardExpr{Expr: strings.Join(bounds, " <= "), Sources: []Source{srcs[0]}})
		}
	}

	if len(ts.violations) > 0 {
		return nil, &ConstraintViolationError{Violations: ts.violations}
	}
	if dl, ok := env.log.(interface{ IsEnabled(LogLevel) bool }); ok && dl.IsEnabled(LevelDebug) {
		texts := make([]string, len(out))
		for i, g := range out {
			texts[i] = g.Expr
		}
		env.log.Debugf("produced %d guards:\n%s", len(out), dumpYAML(texts, 0))
	}
	return out, nil
}

// BindSymbols maps each free symbol to the concrete value it takes for one
// set of inputs. Args align with placeholders: int64 for scalars, Tensor
// for tensor placeholders.
func (env *ShapeEnv) BindSymbols(placeholders []Placeholder, args []any) (map[string]int64, error) {
	bindings := make(map[string]int64)
	bind := func(e specialize.Expr, val int64) {
		if s, ok := e.(*specialize.Sym); ok {
			if _, seen := bindings[s.Name]; !seen {
				bindings[s.Name] = val
			}
		} else if s, neg := negatedSymbol(e); neg {
			if _, seen := bindings[s.Name]; !seen {
				bindings[s.Name] = -val
			}
		}
	}
	for i, ph := range placeholders {
		if i >= len(args) {
			return nil, fmt.Errorf("missing argument for placeholder %d", i)
		}
		switch {
		case ph.SymInt != nil:
			v, ok := args[i].(int64)
			if !ok {
				return nil, fmt.Errorf("placeholder %d expects an int64 argument, got %T", i, args[i])
			}
			bind(ph.SymInt.expr, v)
		case ph.Tensor != nil:
			t, ok := args[i].(Tensor)
			if !ok {
				return nil, fmt.Errorf("placeholder %d expects a tensor argument, got %T", i, args[i])
			}
			if t.Dim() != len(ph.Tensor.Sizes) {
				return nil, fmt.Errorf("placeholder %d expects rank %d, got %d", i, len(ph.Tensor.Sizes), t.Dim())
			}
			for j, sz := range ph.Tensor.Sizes {
				bind(sz.expr, t.Size(j))
			}
			for j, st := range ph.Tensor.Strides {
				bind(st.expr, t.Stride(j))
			}
			bind(ph.Tensor.StorageOffset.expr, t.StorageOffset())
		}
	}
	return bindings, nil
}

// EvaluateGuardsForArgs re-evaluates the environment's nontrivial and range
// guards against fresh example inputs, without building a validator. A
// testing aid for checking whether a new input set would revalidate.
func (env *ShapeEnv) EvaluateGuardsForArgs(placeholders []Placeholder, args []any) (bool, error) {
	bindings, err := env.BindSymbols(placeholders, args)
	if err != nil {
		return false, err
	}
	for name, v := range bindings {
		if !env.rangeOfSymbol(name).Contains(v) {
			return false, nil
		}
	}
	// Every symbolic component must reproduce the fresh concrete value;
	// this covers the input equality guards, duck-shared dimensions
	// included.
	holds := true
	check := func(e specialize.Expr, val int64) error {
		if !holds {
			return nil
		}
		cv, ok := specialize.EvalConcrete(env.replace(e), bindings)
		if !ok {
			return fmt.Errorf("cannot resolve %s against bindings", e)
		}
		lit, isInt := cv.(*specialize.IntLit)
		if !isInt {
			return fmt.Errorf("%s did not evaluate to an integer (got %s)", e, cv)
		}
		if lit.V != val {
			holds = false
		}
		return nil
	}
	for i, ph := range placeholders {
		switch {
		case ph.SymInt != nil:
			if err := check(ph.SymInt.expr, args[i].(int64)); err != nil {
				return false, err
			}
		case ph.Tensor != nil:
			t := args[i].(Tensor)
			for j, sz := range ph.Tensor.Sizes {
				if err := check(sz.expr, t.Size(j)); err != nil {
					return false, err
				}
			}
			for j, st := range ph.Tensor.Strides {
				if err := check(st.expr, t.Stride(j)); err != nil {
					return false, err
				}
			}
			if err := check(ph.Tensor.StorageOffset.expr, t.StorageOffset()); err != nil {
				return false, err
			}
		}
	}
	if !holds {
		return false, nil
	}
	for _, g := range env.NontrivialGuards() {
		v, ok := specialize.EvalConcrete(g.Expr, bindings)
		if !ok {
			return false, fmt.Errorf("guard %s has unbound symbols for the given args", g.Expr)
		}
		b, isBool := v.(*specialize.BoolLit)
		if !isBool {
			return false, fmt.Errorf("guard %s did not evaluate to a boolean (got %s)", g.Expr, v)
		}
		if !b.V {
			return false, nil
		}
	}
	return true, nil
}

// defining source lookup used by the guard compiler's shape-env parts.
func (env *ShapeEnv) definingSource(name string) (Source, bool) {
	info, ok := env.symbols.Get(name)
	if !ok || len(info.sources) == 0 {
		return nil, false
	}
	return info.sources[0], true
}

func captureStack(skip int) string {
	pcs := make([]uintptr, 8)
	n := runtime.Callers(skip+1, pcs)
	if n == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	for {
		f, more := frames.Next()
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", f.Function, f.File, f.Line)
		if !more {
			break
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
