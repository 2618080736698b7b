package shapecheck

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	specialize "github.com/speakeasy-api/specialize"
)

// TestDuckShapingSharesSymbols tests that dimensions observed with equal
// concrete values resolve to one symbol and strides derive from size
// products instead of fresh symbols.
func TestDuckShapingSharesSymbols(t *testing.T) {
	env := NewShapeEnv()
	shape := env.CreateSymbolicSizesStridesStorageOffset(NewFakeTensor("float32", 4, 4), LocalSource{Var: "x"}, nil, nil)

	if got := shape.Sizes[0].Expr().String(); got != "s0" {
		t.Fatalf("size 0: expected s0, got %s", got)
	}
	if got := shape.Sizes[1].Expr().String(); got != "s0" {
		t.Errorf("size 1 should duck-share s0, got %s", got)
	}
	if got := shape.Strides[1].Expr().String(); got != "1" {
		t.Errorf("unit stride should stay literal, got %s", got)
	}
	if got := shape.Strides[0].Expr().String(); got != "s0" {
		t.Errorf("stride 0 should derive as size(1)*stride(1), got %s", got)
	}
	if got := shape.StorageOffset.Expr().String(); got != "0" {
		t.Errorf("storage offset 0 should specialize, got %s", got)
	}
}

// TestDuckShapingDistinctValues tests that differing concrete values get
// different symbols.
func TestDuckShapingDistinctValues(t *testing.T) {
	env := NewShapeEnv()
	shape := env.CreateSymbolicSizesStridesStorageOffset(NewFakeTensor("float32", 4, 8), LocalSource{Var: "x"}, nil, nil)

	s0 := shape.Sizes[0].Expr().String()
	s1 := shape.Sizes[1].Expr().String()
	if s0 == s1 {
		t.Errorf("distinct values must not share a symbol: %s vs %s", s0, s1)
	}
}

func TestZeroOneSpecialization(t *testing.T) {
	env := NewShapeEnv()
	if got := env.CreateSymbol(0, LocalSource{Var: "a"}, DimPolicyDuck, nil).String(); got != "0" {
		t.Errorf("0 should specialize to a literal, got %s", got)
	}
	if got := env.CreateSymbol(1, LocalSource{Var: "b"}, DimPolicyDuck, nil).String(); got != "1" {
		t.Errorf("1 should specialize to a literal, got %s", got)
	}

	opts := DefaultOptions()
	opts.SpecializeZeroOne = false
	loose := NewShapeEnv(opts)
	if _, ok := loose.CreateSymbol(1, LocalSource{Var: "b"}, DimPolicyDuck, nil).(*specialize.Sym); !ok {
		t.Error("with 0/1 specialization off, 1 should get a symbol")
	}
}

func TestStaticPolicySpecializes(t *testing.T) {
	env := NewShapeEnv()
	if got := env.CreateSymbol(7, LocalSource{Var: "x"}, DimPolicyStatic, nil).String(); got != "7" {
		t.Errorf("STATIC policy should return the literal, got %s", got)
	}
}

// TestNegativeValueUnifiesMagnitude tests that a negative size allocates a
// symbol for the magnitude under a negated source, so the same magnitude
// elsewhere still duck-unifies.
func TestNegativeValueUnifiesMagnitude(t *testing.T) {
	env := NewShapeEnv()
	neg := env.CreateSymbol(-5, LocalSource{Var: "x"}, DimPolicyDuck, nil)
	if got := neg.String(); got != "-1*s0" {
		t.Fatalf("expected -1*s0, got %s", got)
	}
	pos := env.CreateSymbol(5, LocalSource{Var: "y"}, DimPolicyDuck, nil)
	if got := pos.String(); got != "s0" {
		t.Errorf("magnitude 5 should reuse s0, got %s", got)
	}
}

func TestRangeViolationPanics(t *testing.T) {
	env := NewShapeEnv()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected a panic for out-of-range allocation")
		}
		if _, ok := r.(RangeViolation); !ok {
			t.Fatalf("expected RangeViolation, got %T: %v", r, r)
		}
	}()
	env.CreateSymbol(10, LocalSource{Var: "x"}, DimPolicyDuck, StrictMinMax{Range: specialize.ValueRange{Lo: 2, Hi: 3}})
}

// TestEvaluateExprSolvesEquality tests that a proven equality between
// symbols records a replacement instead of a runtime guard.
func TestEvaluateExprSolvesEquality(t *testing.T) {
	env := NewShapeEnv()
	x := env.CreateSymbol(6, LocalSource{Var: "x"}, DimPolicyDynamic, nil)
	y := env.CreateSymbol(3, LocalSource{Var: "y"}, DimPolicyDynamic, nil)

	got, err := env.EvaluateExpr(specialize.NewCmp(specialize.OpEq, x, specialize.Mul(specialize.Int(2), y)), nil)
	if err != nil {
		t.Fatalf("EvaluateExpr failed: %v", err)
	}
	if got.String() != "true" {
		t.Fatalf("expected true, got %s", got)
	}
	if n := len(env.NontrivialGuards()); n != 0 {
		t.Errorf("solved equality should record a replacement, not a guard; got %d guards", n)
	}
	if got := env.Simplify(specialize.Sub(x, specialize.Mul(specialize.Int(2), y))).String(); got != "0" {
		t.Errorf("x - 2*y should simplify to 0 after replacement, got %s", got)
	}
}

func TestEvaluateExprRecordsGuard(t *testing.T) {
	env := NewShapeEnv()
	x := env.CreateSymbol(6, LocalSource{Var: "x"}, DimPolicyDynamic, nil)

	got, err := env.EvaluateExpr(specialize.NewCmp(specialize.OpLt, x, specialize.Int(10)), nil)
	if err != nil {
		t.Fatalf("EvaluateExpr failed: %v", err)
	}
	if got.String() != "true" {
		t.Fatalf("expected true (hint 6 < 10), got %s", got)
	}
	guards := env.NontrivialGuards()
	if len(guards) != 1 {
		t.Fatalf("expected exactly one recorded guard, got %d", len(guards))
	}
	if got := guards[0].Expr.String(); got != "s0 < 10" {
		t.Errorf("expected guard 's0 < 10', got %q", got)
	}
	if guards[0].Stack == "" {
		t.Error("recorded guard should carry the call-site stack")
	}
}

func TestSuppressGuardsScope(t *testing.T) {
	env := NewShapeEnv()
	x := env.CreateSymbol(6, LocalSource{Var: "x"}, DimPolicyDynamic, nil)

	release := env.SuppressGuards()
	if _, err := env.EvaluateExpr(specialize.NewCmp(specialize.OpLt, x, specialize.Int(10)), nil); err != nil {
		t.Fatalf("EvaluateExpr failed: %v", err)
	}
	if n := len(env.NontrivialGuards()); n != 0 {
		t.Fatalf("suppressed evaluation must not record guards, got %d", n)
	}
	release()
	release() // releasing twice is a no-op

	if _, err := env.EvaluateExpr(specialize.NewCmp(specialize.OpLt, x, specialize.Int(10)), nil); err != nil {
		t.Fatalf("EvaluateExpr failed: %v", err)
	}
	if n := len(env.NontrivialGuards()); n != 1 {
		t.Errorf("after release, guards should record again; got %d", n)
	}
}

// TestDivisibilityUnlocksFloorDiv tests that a modulo proven zero lets
// floor-division simplify to exact division.
func TestDivisibilityUnlocksFloorDiv(t *testing.T) {
	env := NewShapeEnv()
	x := env.CreateSymbol(12, LocalSource{Var: "x"}, DimPolicyDynamic, nil)

	got, err := env.EvaluateExpr(specialize.NewCmp(specialize.OpEq, specialize.NewMod(x, specialize.Int(3)), specialize.Int(0)), nil)
	if err != nil {
		t.Fatalf("EvaluateExpr failed: %v", err)
	}
	if got.String() != "true" {
		t.Fatalf("expected true (12 %% 3 == 0), got %s", got)
	}

	simplified := env.Simplify(specialize.NewFloorDiv(x, specialize.Int(3)))
	if got := simplified.String(); got != "s0/3" {
		t.Errorf("floordiv should rewrite to exact division, got %s", got)
	}
	// Idempotent.
	if got := env.Simplify(simplified).String(); got != "s0/3" {
		t.Errorf("simplify must be idempotent, got %s", got)
	}
}

func TestUnbackedDataDependentThenConstrain(t *testing.T) {
	env := NewShapeEnv()
	i0 := env.CreateUnbackedSymInt()

	_, err := i0.GuardInt()
	if err == nil {
		t.Fatal("forcing a concrete value from an unbacked symbol should fail")
	}
	var dde *DataDependentError
	if !errors.As(err, &dde) {
		t.Fatalf("expected DataDependentError, got %T: %v", err, err)
	}
	if len(dde.AllocStacks) == 0 {
		t.Error("data-dependent error should carry the allocation stack")
	}

	if err := env.ConstrainRange(i0.Expr(), 1, 1); err != nil {
		t.Fatalf("ConstrainRange failed: %v", err)
	}
	v, err := i0.GuardInt()
	if err != nil {
		t.Fatalf("after narrowing to a singleton, GuardInt should succeed: %v", err)
	}
	if v != 1 {
		t.Errorf("expected 1, got %d", v)
	}
}

// TestRangeMonotonicity tests that ranges only ever narrow: a second,
// overlapping constraint intersects rather than replaces.
func TestRangeMonotonicity(t *testing.T) {
	env := NewShapeEnv()
	i0 := env.CreateUnbackedSymInt()

	if err := env.ConstrainRange(i0.Expr(), 3, 10); err != nil {
		t.Fatalf("ConstrainRange failed: %v", err)
	}
	if err := env.ConstrainRange(i0.Expr(), 0, 5); err != nil {
		t.Fatalf("ConstrainRange failed: %v", err)
	}

	// [3,10] ∩ [0,5] = [3,5]: both bounds now decide statically.
	before := len(env.NontrivialGuards())
	got, err := env.EvaluateExpr(specialize.NewCmp(specialize.OpLe, i0.Expr(), specialize.Int(5)), nil)
	if err != nil {
		t.Fatalf("EvaluateExpr failed: %v", err)
	}
	if got.String() != "true" {
		t.Errorf("i0 <= 5 should resolve statically true, got %s", got)
	}
	got, err = env.EvaluateExpr(specialize.NewCmp(specialize.OpLt, i0.Expr(), specialize.Int(3)), nil)
	if err != nil {
		t.Fatalf("EvaluateExpr failed: %v", err)
	}
	if got.String() != "false" {
		t.Errorf("i0 < 3 should resolve statically false, got %s", got)
	}
	if after := len(env.NontrivialGuards()); after != before {
		t.Errorf("static resolutions must not record guards: %d -> %d", before, after)
	}

	if err := env.ConstrainRange(i0.Expr(), 20, 30); err == nil {
		t.Error("disjoint constraint should fail instead of widening")
	}
}

func TestConstrainUnify(t *testing.T) {
	env := NewShapeEnv()
	i0 := env.CreateUnbackedSymInt()
	i1 := env.CreateUnbackedSymInt()

	if err := env.ConstrainUnify(i0, i1); err != nil {
		t.Fatalf("ConstrainUnify failed: %v", err)
	}
	got, err := env.EvaluateExpr(specialize.NewCmp(specialize.OpEq, i0.Expr(), i1.Expr()), nil)
	if err != nil {
		t.Fatalf("EvaluateExpr failed: %v", err)
	}
	if got.String() != "true" {
		t.Errorf("unified symbols should compare equal statically, got %s", got)
	}
	if n := len(env.NontrivialGuards()); n != 0 {
		t.Errorf("unification must not record guards, got %d", n)
	}
}

func TestConstrainUnifyRejectsSelfReference(t *testing.T) {
	env := NewShapeEnv()
	i0 := env.CreateUnbackedSymInt()
	i1 := env.CreateUnbackedSymInt()

	// i0 = i0 + i1 has no acyclic replacement; accepting it would make
	// canonicalization grow the expression on every resolution.
	if err := env.ConstrainUnify(i0, i0.Add(i1)); err == nil {
		t.Fatal("expected an error unifying a symbol with an expression containing it")
	}
	once := env.Simplify(i0.Expr())
	twice := env.Simplify(once)
	if once.String() != twice.String() {
		t.Fatalf("canonicalization not idempotent: %s then %s", once, twice)
	}
	if once.String() != "i0" {
		t.Errorf("rejected unification must leave the symbol untouched, got %s", once)
	}
}

func TestOptionsBackfillLimits(t *testing.T) {
	env := NewShapeEnv(Options{DuckShape: true})
	def := DefaultOptions()
	if got := env.Options().SolveSymbolLimit; got != def.SolveSymbolLimit {
		t.Errorf("SolveSymbolLimit = %d, want %d", got, def.SolveSymbolLimit)
	}
	if got := env.Options().LogMaxValueLen; got != def.LogMaxValueLen {
		t.Errorf("LogMaxValueLen = %d, want %d", got, def.LogMaxValueLen)
	}
}

func twoTensorSetup(t *testing.T) (*ShapeEnv, []Placeholder, []Source) {
	t.Helper()
	env := NewShapeEnv()
	x := NewFakeTensor("float32", 4, 4)
	y := NewFakeTensor("float32", 4, 6)
	sx := env.CreateSymbolicSizesStridesStorageOffset(x, LocalSource{Var: "x"}, nil, nil)
	sy := env.CreateSymbolicSizesStridesStorageOffset(y, LocalSource{Var: "y"}, nil, nil)
	placeholders := []Placeholder{{Tensor: sx}, {Tensor: sy}}
	sources := []Source{LocalSource{Var: "x"}, LocalSource{Var: "y"}}
	return env, placeholders, sources
}

// TestProduceGuards tests the synthesized guard list for two tensors that
// duck-share their first dimension.
func TestProduceGuards(t *testing.T) {
	env, placeholders, sources := twoTensorSetup(t)

	guards, err := env.ProduceGuards(placeholders, sources, nil)
	if err != nil {
		t.Fatalf("ProduceGuards failed: %v", err)
	}
	var texts []string
	for _, g := range guards {
		texts = append(texts, g.Expr)
	}
	want := []string{
		"x.size(1) == x.size(0)",
		"x.stride(0) == x.size(0)",
		"x.stride(1) == 1",
		"x.storage_offset() == 0",
		"y.size(0) == x.size(0)",
		"y.stride(0) == y.size(1)",
		"y.stride(1) == 1",
		"y.storage_offset() == 0",
	}
	if diff := cmp.Diff(want, texts); diff != "" {
		t.Errorf("guard list mismatch (-want +got):\n%s", diff)
	}
}

// TestProduceGuardsDeterminism tests that re-running synthesis without
// intervening mutation yields byte-identical output.
func TestProduceGuardsDeterminism(t *testing.T) {
	env, placeholders, sources := twoTensorSetup(t)

	first, err := env.ProduceGuards(placeholders, sources, nil)
	if err != nil {
		t.Fatalf("ProduceGuards failed: %v", err)
	}
	second, err := env.ProduceGuards(placeholders, sources, nil)
	if err != nil {
		t.Fatalf("ProduceGuards failed: %v", err)
	}
	var a, b []string
	for _, g := range first {
		a = append(a, g.Expr)
	}
	for _, g := range second {
		b = append(b, g.Expr)
	}
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("synthesis is not deterministic (-first +second):\n%s", diff)
	}
}

// TestConstraintViolationsAggregate tests that strict and relaxed
// violations are collected into one report instead of failing fast.
func TestConstraintViolationsAggregate(t *testing.T) {
	env := NewShapeEnv()

	strictC := StrictMinMax{Range: specialize.ValueRange{Lo: 2, Hi: 8}}
	a := env.CreateSymbol(4, LocalSource{Var: "a"}, DimPolicyDuck, strictC)
	relaxedC := RelaxedUnspec{}
	b := env.CreateSymbol(6, LocalSource{Var: "b"}, DimPolicyDuck, relaxedC)

	// A guard on a strict dimension violates the no-extra-guards promise.
	if _, err := env.EvaluateExpr(specialize.NewCmp(specialize.OpLt, a, specialize.Int(5)), nil); err != nil {
		t.Fatalf("EvaluateExpr failed: %v", err)
	}
	// Specializing a relaxed dimension to a constant violates it too.
	if _, err := env.EvaluateExpr(specialize.NewCmp(specialize.OpEq, b, specialize.Int(6)), nil); err != nil {
		t.Fatalf("EvaluateExpr failed: %v", err)
	}

	ha, hb := int64(4), int64(6)
	placeholders := []Placeholder{
		{SymInt: env.CreateSymIntNode(a, &ha)},
		{SymInt: env.CreateSymIntNode(b, &hb)},
	}
	sources := []Source{LocalSource{Var: "a"}, LocalSource{Var: "b"}}
	constraints := []PlaceholderConstraint{
		{Scalar: strictC},
		{Scalar: relaxedC},
	}

	_, err := env.ProduceGuards(placeholders, sources, constraints)
	if err == nil {
		t.Fatal("expected a constraint violation error")
	}
	var cve *ConstraintViolationError
	if !errors.As(err, &cve) {
		t.Fatalf("expected ConstraintViolationError, got %T: %v", err, err)
	}
	if len(cve.Violations) != 2 {
		t.Errorf("expected both violations aggregated, got %d: %v", len(cve.Violations), cve.Violations)
	}
}

func TestBindSymbols(t *testing.T) {
	env, placeholders, _ := twoTensorSetup(t)

	bindings, err := env.BindSymbols(placeholders, []any{
		NewFakeTensor("float32", 3, 3),
		NewFakeTensor("float32", 3, 9),
	})
	if err != nil {
		t.Fatalf("BindSymbols failed: %v", err)
	}
	want := map[string]int64{"s0": 3, "s1": 9}
	if diff := cmp.Diff(want, bindings); diff != "" {
		t.Errorf("bindings mismatch (-want +got):\n%s", diff)
	}
}

// TestEvaluateGuardsForArgs tests re-validation of fresh example inputs
// against the environment's accumulated facts.
func TestEvaluateGuardsForArgs(t *testing.T) {
	env, placeholders, _ := twoTensorSetup(t)

	ok, err := env.EvaluateGuardsForArgs(placeholders, []any{
		NewFakeTensor("float32", 4, 4),
		NewFakeTensor("float32", 4, 6),
	})
	if err != nil {
		t.Fatalf("EvaluateGuardsForArgs failed: %v", err)
	}
	if !ok {
		t.Error("the traced shapes themselves must revalidate")
	}

	// Same symbolic structure, different concrete values: still fine.
	ok, err = env.EvaluateGuardsForArgs(placeholders, []any{
		NewFakeTensor("float32", 7, 7),
		NewFakeTensor("float32", 7, 9),
	})
	if err != nil {
		t.Fatalf("EvaluateGuardsForArgs failed: %v", err)
	}
	if !ok {
		t.Error("shapes satisfying the same equalities should revalidate")
	}

	// Breaking the duck-shared equality x.size(0) == x.size(1) fails.
	ok, err = env.EvaluateGuardsForArgs(placeholders, []any{
		NewFakeTensor("float32", 4, 5),
		NewFakeTensor("float32", 4, 6),
	})
	if err != nil {
		t.Fatalf("EvaluateGuardsForArgs failed: %v", err)
	}
	if ok {
		t.Error("breaking a recorded equality must fail revalidation")
	}
}

func TestFormatGuards(t *testing.T) {
	env := NewShapeEnv()
	x := env.CreateSymbol(6, LocalSource{Var: "x"}, DimPolicyDynamic, nil)
	if _, err := env.EvaluateExpr(specialize.NewCmp(specialize.OpLt, x, specialize.Int(10)), nil); err != nil {
		t.Fatalf("EvaluateExpr failed: %v", err)
	}

	plain := env.FormatGuards(false)
	if plain != " - s0 < 10\n" {
		t.Errorf("unexpected plain format: %q", plain)
	}
	verbose := env.FormatGuards(true)
	if len(verbose) <= len(plain) {
		t.Error("verbose format should include the recorded stack")
	}
}
