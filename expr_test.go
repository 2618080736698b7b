package specialize

import (
	"testing"
)

func TestExpand_CombinesLikeTerms(t *testing.T) {
	s0, s1 := NewSym("s0"), NewSym("s1")

	e := Add(s0, s0, Mul(Int(2), s1), Int(3), Int(-1))
	if got := e.String(); got != "2*s0 + 2*s1 + 2" {
		t.Errorf("expected canonical sum, got %q", got)
	}
}

func TestExpand_DistributesProducts(t *testing.T) {
	s0, s1 := NewSym("s0"), NewSym("s1")

	e := Mul(Add(s0, Int(1)), Add(s1, Int(2)))
	if got := e.String(); got != "s0*s1 + 2*s0 + s1 + 2" {
		t.Errorf("expected distributed form, got %q", got)
	}
}

func TestExpand_Idempotent(t *testing.T) {
	s0, s1 := NewSym("s0"), NewSym("s1")
	exprs := []Expr{
		Add(Mul(s0, s1), Neg(s0), Int(7)),
		NewFloorDiv(Add(s0, s1), Int(4)),
		NewCmp(OpLt, s0, Mul(Int(2), s1)),
	}
	for _, e := range exprs {
		once := Expand(e)
		twice := Expand(once)
		if once.String() != twice.String() {
			t.Errorf("Expand not idempotent: %q vs %q", once, twice)
		}
	}
}

func TestExpand_CancellationToZero(t *testing.T) {
	s0 := NewSym("s0")
	e := Sub(Mul(Int(3), s0), Mul(Int(3), s0))
	if got := e.String(); got != "0" {
		t.Errorf("expected 0, got %q", got)
	}
}

func TestCmp_CanonicalOperandOrder(t *testing.T) {
	s0, s1 := NewSym("s0"), NewSym("s1")

	a := NewCmp(OpEq, s0, s1)
	b := NewCmp(OpEq, s1, s0)
	if a.String() != b.String() {
		t.Errorf("equality text should not depend on operand order: %q vs %q", a, b)
	}
}

func TestCmp_FoldsSelfEquality(t *testing.T) {
	s0 := NewSym("s0")
	if got := NewCmp(OpEq, Add(s0, Int(1)), Add(Int(1), s0)); got.String() != "true" {
		t.Errorf("x == x should fold to true, got %q", got)
	}
}

func TestNewNot_PushesIntoComparison(t *testing.T) {
	s0 := NewSym("s0")
	e := NewNot(NewCmp(OpEq, s0, Int(4)))
	if got := e.String(); got != "s0 != 4" {
		t.Errorf("expected negated comparison, got %q", got)
	}
}

func TestFloorDiv_ConstantFolding(t *testing.T) {
	cases := []struct {
		a, b int64
		want int64
	}{
		{7, 2, 3},
		{-7, 2, -4}, // floor, not truncation
		{8, 4, 2},
	}
	for _, c := range cases {
		got := NewFloorDiv(Int(c.a), Int(c.b))
		lit, ok := got.(*IntLit)
		if !ok || lit.V != c.want {
			t.Errorf("floordiv(%d, %d) = %v, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestMod_FloorSemantics(t *testing.T) {
	got := NewMod(Int(-7), Int(4))
	lit, ok := got.(*IntLit)
	if !ok || lit.V != 1 {
		t.Errorf("mod(-7, 4) = %v, want 1", got)
	}
}

func TestSolveLinear_Simple(t *testing.T) {
	s0, s1 := NewSym("s0"), NewSym("s1")

	// s0 == 2*s1  =>  s0 = 2*s1
	sol, ok := SolveLinear(s0, Mul(Int(2), s1), "s0")
	if !ok {
		t.Fatal("expected a solution")
	}
	if sol.String() != "2*s1" {
		t.Errorf("expected 2*s1, got %q", sol)
	}
}

func TestSolveLinear_DividesCoefficients(t *testing.T) {
	s0, s1 := NewSym("s0"), NewSym("s1")

	// 2*s0 == 4*s1 + 6  =>  s0 = 2*s1 + 3
	sol, ok := SolveLinear(Mul(Int(2), s0), Add(Mul(Int(4), s1), Int(6)), "s0")
	if !ok {
		t.Fatal("expected a solution")
	}
	if sol.String() != "2*s1 + 3" {
		t.Errorf("expected 2*s1 + 3, got %q", sol)
	}
}

func TestSolveLinear_RejectsNonIntegerSolution(t *testing.T) {
	s0, s1 := NewSym("s0"), NewSym("s1")

	// 2*s0 == s1 has no all-integer solution for s0.
	if _, ok := SolveLinear(Mul(Int(2), s0), s1, "s0"); ok {
		t.Error("expected no integer solution")
	}
}

func TestSolveLinear_RejectsNonLinearOccurrence(t *testing.T) {
	s0, s1 := NewSym("s0"), NewSym("s1")

	// s0*s1 == 6 is not linear in s0 alone.
	if _, ok := SolveLinear(Mul(s0, s1), Int(6), "s0"); ok {
		t.Error("expected no solution for non-linear occurrence")
	}
}

func TestSolveLinear_ProductTarget(t *testing.T) {
	s0, s1, s2 := NewSym("s0"), NewSym("s1"), NewSym("s2")

	// s0 == s1*s2 is linear in s0: the stride-as-size-times-stride case.
	sol, ok := SolveLinear(s0, Mul(s1, s2), "s0")
	if !ok {
		t.Fatal("expected a solution")
	}
	if sol.String() != "s1*s2" {
		t.Errorf("expected s1*s2, got %q", sol)
	}
}

func TestFreeSymbols_SortedAndDeduplicated(t *testing.T) {
	s0, s1 := NewSym("s0"), NewSym("s1")
	e := Add(Mul(s1, s0), s0, NewMod(s1, Int(3)))
	got := FreeSymbols(e)
	want := []string{"s0", "s1"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
			break
		}
	}
}

func TestRender_SubstitutesSourceNames(t *testing.T) {
	s0, s1 := NewSym("s0"), NewSym("s1")
	e := NewCmp(OpEq, s0, Mul(Int(2), s1))
	got := Render(e, func(name string) string {
		return map[string]string{"s0": "x.size(0)", "s1": "y.size(1)"}[name]
	})
	if got != "x.size(0) == 2*y.size(1)" {
		t.Errorf("unexpected rendering %q", got)
	}
}
