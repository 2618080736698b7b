package shapecheck

import (
	"fmt"
	"strings"

	specialize "github.com/speakeasy-api/specialize"
)

// DataDependentError reports an attempt to force a concrete value out of an
// unbacked symbol whose range has not been narrowed enough to resolve
// statically. Recoverable: the caller narrows the range with ConstrainRange
// and retries.
type DataDependentError struct {
	// Expr is the expression after substituting the hints we do have.
	Expr specialize.Expr
	// Unhinted is the original expression before substitution.
	Unhinted specialize.Expr
	// AllocStacks maps each unresolved symbol to the stack captured when it
	// was allocated.
	AllocStacks map[string]string
}

func (e *DataDependentError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cannot extract a concrete value from data-dependent expression %s (unhinted: %s); ",
		e.Expr, e.Unhinted)
	b.WriteString("narrow the range of the unresolved symbols with ConstrainRange to make this resolvable")
	for sym, stack := range e.AllocStacks {
		fmt.Fprintf(&b, "\n%s allocated at:\n%s", sym, stack)
	}
	return b.String()
}

// ConstraintViolationError aggregates every constraint violation discovered
// during one guard synthesis call, so all of them are visible in one report.
type ConstraintViolationError struct {
	Violations []string
}

func (e *ConstraintViolationError) Error() string {
	var b strings.Builder
	b.WriteString("constraints violated!\n")
	for i, v := range e.Violations {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, v)
	}
	return strings.TrimRight(b.String(), "\n")
}

// RangeViolation is the panic value raised when a concrete value is
// allocated outside a symbol's admissible range. It indicates an upstream
// invariant was already broken, so it is not recoverable.
type RangeViolation struct {
	Value int64
	Range specialize.ValueRange
}

func (v RangeViolation) String() string {
	return fmt.Sprintf("value %d not in range [%d, %d]", v.Value, v.Range.Lo, v.Range.Hi)
}

// MalformedGuard is the panic value raised for guard definitions the
// compiler cannot interpret. It signals a bug in the trace-capture front
// end and must not be swallowed.
type MalformedGuard struct {
	Guard  Guard
	Reason string
}

func (m MalformedGuard) String() string {
	return fmt.Sprintf("malformed %s guard on %q: %s", m.Guard.Kind, m.Guard.sortName(), m.Reason)
}
