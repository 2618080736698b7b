package explain

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/speakeasy-api/specialize/shapecheck"
)

func TestFailure(t *testing.T) {
	tests := []struct {
		name   string
		report *shapecheck.FailureReport
		wants  []string
	}{
		{
			name:   "nil_report",
			report: nil,
			wants:  []string{"no failing predicate"},
		},
		{
			name: "grad_mode",
			report: &shapecheck.FailureReport{
				Kind:      shapecheck.GuardGradMode,
				Predicate: "___grad_mode() == true",
				Reason:    "predicate evaluated to false",
			},
			wants: []string{
				"global execution mode changed",
				"How to fix:",
				"Details: predicate evaluated to false",
			},
		},
		{
			name: "tensor_dimension_hint",
			report: &shapecheck.FailureReport{
				Kind:      shapecheck.GuardTensorMatch,
				Predicate: "___check_tensor(x, ...)",
				Sources:   []shapecheck.Source{shapecheck.LocalSource{Var: "x"}},
				Reason:    "x: size mismatch at dimension 1 (compiled 4, got 5)",
			},
			wants: []string{
				"tensor input's metadata diverged",
				"Location: x",
				"If dimension 1 varies across calls, mark it dynamic",
			},
		},
		{
			name: "invalidated_entry",
			report: &shapecheck.FailureReport{
				Kind:      shapecheck.GuardWeakrefAlive,
				Predicate: "___entry_valid()",
				Reason:    "cache entry was invalidated",
			},
			wants: []string{
				"invalidated by a mutation or a reclaimed object",
				"can never validate again",
			},
		},
		{
			name: "shape_env",
			report: &shapecheck.FailureReport{
				Kind:      shapecheck.GuardShapeEnv,
				Predicate: "x.size(1) == x.size(0)",
				Reason:    "a synthesized shape guard no longer holds",
			},
			wants: []string{
				"shape relationship no longer holds",
				"mark the involved dimensions dynamic",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Failure(tt.report)
			for _, want := range tt.wants {
				if !strings.Contains(got, want) {
					t.Errorf("Failure() missing %q in:\n%s", want, got)
				}
			}
		})
	}
}

func TestErrorsConstraintViolations(t *testing.T) {
	err := fmt.Errorf("synthesizing shape guards: %w", &shapecheck.ConstraintViolationError{
		Violations: []string{
			"x.size(0) requires a guard (s0 < 5) on s0, which was marked StrictMinMax[2, 9]",
			"x.size(1) was marked RelaxedUnspec but unexpectedly became a constant",
		},
	})

	got := Errors(err)
	for _, want := range []string{
		"declared dimension constraints were violated",
		"declared StrictMinMax[2, 9] but the traced code conditions on it",
		"tracing pinned it to a single value",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Errors() missing %q in:\n%s", want, got)
		}
	}
}

func TestErrorsDataDependent(t *testing.T) {
	env := shapecheck.NewShapeEnv()
	sym := env.CreateUnbackedSymInt()

	_, err := sym.GuardInt()
	if err == nil {
		t.Fatal("expected a data-dependent error")
	}

	got := Errors(err)
	for _, want := range []string{
		"data-dependent value",
		"ConstrainRange",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Errors() missing %q in:\n%s", want, got)
		}
	}
}

func TestErrorsFallback(t *testing.T) {
	got := Errors(errors.New("boom"))
	if !strings.Contains(got, "Details: boom") {
		t.Errorf("Errors() fallback missing details, got:\n%s", got)
	}
	if Errors(nil) != "" {
		t.Error("Errors(nil) should be empty")
	}
}
