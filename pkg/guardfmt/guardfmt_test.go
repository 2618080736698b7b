package guardfmt

import (
	"strings"
	"testing"

	"github.com/speakeasy-api/specialize/shapecheck"
)

func TestGuards(t *testing.T) {
	guards := []shapecheck.GuardExpr{
		{Expr: "x.size(1) == x.size(0)", Sources: []shapecheck.Source{
			shapecheck.TensorPropertySource{Base: shapecheck.LocalSource{Var: "x"}, Prop: shapecheck.PropSize, Dim: 1},
		}},
		{Expr: "x.stride(1) == 1"},
		{Expr: "2 <= x.size(0)", Sources: []shapecheck.Source{
			shapecheck.TensorPropertySource{Base: shapecheck.LocalSource{Var: "x"}, Prop: shapecheck.PropSize, Dim: 0},
		}},
	}

	tests := []struct {
		name string
		cfg  Cfg
		want string
	}{
		{
			name: "plain",
			cfg:  Cfg{},
			want: "x.size(1) == x.size(0)\n" +
				"x.stride(1) == 1\n" +
				"2 <= x.size(0)\n",
		},
		{
			name: "with_sources",
			cfg:  Cfg{Sources: true},
			want: "x.size(1) == x.size(0)  # x.size(1)\n" +
				"x.stride(1) == 1\n" +
				"2 <= x.size(0)          # x.size(0)\n",
		},
		{
			name: "indented",
			cfg:  Cfg{Indent: 2},
			want: "  x.size(1) == x.size(0)\n" +
				"  x.stride(1) == 1\n" +
				"  2 <= x.size(0)\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Guards(guards, tt.cfg)
			if got != tt.want {
				t.Errorf("Guards() mismatch:\n  got:  %q\n  want: %q", got, tt.want)
			}
		})
	}
}

func TestPredicatesAlignsKinds(t *testing.T) {
	ps := []shapecheck.PredicateInfo{
		{Kind: shapecheck.GuardGradMode, Text: "___grad_mode() == true"},
		{Kind: shapecheck.GuardTypeMatch, Text: "___check_type(x, tensor)", Sources: []shapecheck.Source{
			shapecheck.LocalSource{Var: "x"},
		}},
	}

	got := Predicates(ps, Cfg{Kinds: true, Sources: true})
	want := "[GRAD_MODE]  ___grad_mode() == true\n" +
		"[TYPE_MATCH] ___check_type(x, tensor)  # x\n"
	if got != want {
		t.Errorf("Predicates() mismatch:\n  got:  %q\n  want: %q", got, want)
	}
}

func TestPredicatesEmpty(t *testing.T) {
	if got := Predicates(nil, Cfg{Kinds: true}); got != "" {
		t.Errorf("Predicates(nil) = %q, want empty", got)
	}
}

func TestFailure(t *testing.T) {
	f := &shapecheck.FailureReport{
		Kind:      shapecheck.GuardEqualsMatch,
		Predicate: "lr == 0.01",
		Sources:   []shapecheck.Source{shapecheck.LocalSource{Var: "lr"}},
		Reason:    "predicate evaluated to false",
	}

	got := Failure(f)
	for _, want := range []string{
		"guard failed: lr == 0.01",
		"kind:    EQUALS_MATCH",
		"sources: lr",
		"reason:  predicate evaluated to false",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Failure() missing %q in:\n%s", want, got)
		}
	}

	if got := Failure(nil); got != "" {
		t.Errorf("Failure(nil) = %q, want empty", got)
	}
}

func TestValidateConfig(t *testing.T) {
	if _, err := ValidateConfig(Cfg{Indent: 2}); err != nil {
		t.Errorf("ValidateConfig() unexpected error = %v", err)
	}
	if _, err := ValidateConfig(Cfg{Indent: -1}); err == nil {
		t.Error("ValidateConfig() expected error for negative indent, got nil")
	}
}
