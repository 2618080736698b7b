// Package explain turns low-level validation failures and guard-synthesis
// errors into user-facing messages with fix hints.
package explain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/speakeasy-api/specialize/shapecheck"
)

var (
	dimensionRe  = regexp.MustCompile(`dimension (\d+)`)
	constraintRe = regexp.MustCompile(`marked ([A-Za-z]+(?:\[[^\]]*\])?)`)
)

// Failure turns a validation failure into a user-facing message.
func Failure(f *shapecheck.FailureReport) string {
	if f == nil {
		return "Validation failed, but no failing predicate was reported."
	}

	msg, hint := classifyFailure(f)
	loc := deriveLocation(f)

	var b strings.Builder
	fmt.Fprintf(&b, "- %s\n", msg)
	if loc != "" {
		fmt.Fprintf(&b, "  Location: %s\n", loc)
	}
	if hint != "" {
		fmt.Fprintf(&b, "  How to fix: %s\n", hint)
	}
	if f.Reason != "" {
		fmt.Fprintf(&b, "  Details: %s\n", f.Reason)
	}
	return b.String()
}

// Errors turns a guard-synthesis error into a user-facing message. It
// understands the aggregated constraint-violation and data-dependent
// error types; anything else falls through verbatim.
func Errors(err error) string {
	if err == nil {
		return ""
	}

	var cve *shapecheck.ConstraintViolationError
	if errors.As(err, &cve) {
		var b strings.Builder
		b.WriteString("Guard synthesis failed: declared dimension constraints were violated.\n")
		for _, v := range cve.Violations {
			fmt.Fprintf(&b, "- %s\n", v)
			if hint := violationHint(v); hint != "" {
				fmt.Fprintf(&b, "  How to fix: %s\n", hint)
			}
		}
		return b.String()
	}

	var dde *shapecheck.DataDependentError
	if errors.As(err, &dde) {
		var b strings.Builder
		fmt.Fprintf(&b, "- A branch depends on a data-dependent value (%s) that has no example value.\n", dde.Unhinted)
		b.WriteString("  How to fix: narrow the symbol's range with ConstrainRange until the branch is decidable, or restructure the computation to avoid branching on it.\n")
		if len(dde.AllocStacks) > 0 {
			b.WriteString("  Details: the unresolved symbols carry allocation stacks; see the error text for where each was introduced.\n")
		}
		return b.String()
	}

	return fmt.Sprintf("- Guard synthesis failed.\n  Details: %s\n", err.Error())
}

func classifyFailure(f *shapecheck.FailureReport) (msg, hint string) {
	switch f.Kind {
	case shapecheck.GuardGradMode, shapecheck.GuardDeterministicAlgorithms:
		msg = "A global execution mode changed since this entry was compiled."
		hint = "Restore the mode the entry was compiled under, or let the dispatcher recompile for the new mode."
		return
	case shapecheck.GuardIDMatch:
		msg = "An input is no longer the exact object the entry was compiled against."
		hint = "Pass the original object, or recompile if substituting it is intentional."
		return
	case shapecheck.GuardWeakrefAlive:
		if strings.Contains(f.Reason, "invalidated") {
			msg = "The cache entry was invalidated by a mutation or a reclaimed object."
			hint = "Recompile; the entry can never validate again."
			return
		}
		msg = "A weakly-referenced object the entry depends on was reclaimed."
		hint = "Keep the object alive for the entry's lifetime, or recompile."
		return
	case shapecheck.GuardTensorMatch:
		msg = "A tensor input's metadata diverged from the compiled entry."
		if m := dimensionRe.FindStringSubmatch(f.Reason); len(m) == 2 {
			hint = fmt.Sprintf("If dimension %s varies across calls, mark it dynamic so the entry generalizes over it.", m[1])
		} else {
			hint = "Mark the varying dimensions dynamic, or recompile for the new metadata."
		}
		return
	case shapecheck.GuardShapeEnv:
		msg = "A synthesized shape relationship no longer holds for these inputs."
		hint = "The entry specialized on a relationship between input shapes; recompile, or mark the involved dimensions dynamic."
		return
	default:
		msg = "A guard predicate evaluated to false."
		hint = ""
		return
	}
}

func deriveLocation(f *shapecheck.FailureReport) string {
	if len(f.Sources) == 0 {
		return ""
	}
	names := make([]string, len(f.Sources))
	for i, s := range f.Sources {
		names[i] = s.Name()
	}
	return strings.Join(names, ", ")
}

func violationHint(v string) string {
	if strings.Contains(v, "requires a guard") {
		if m := constraintRe.FindStringSubmatch(v); len(m) == 2 {
			return fmt.Sprintf("The dimension was declared %s but the traced code conditions on it. Remove the constraint, or rewrite the code so the condition does not depend on this dimension.", m[1])
		}
		return "The traced code conditions on a dimension declared unconditioned. Remove the constraint or the condition."
	}
	if strings.Contains(v, "range narrowed") {
		return "The traced code restricts this dimension to a narrower range than declared. Loosen the declared range or relax the code's assumption."
	}
	if strings.Contains(v, "became a constant") || strings.Contains(v, "specialized to a constant") {
		return "The dimension was declared dynamic but tracing pinned it to a single value. Remove the declaration, or avoid the operation that forces the value."
	}
	return ""
}
