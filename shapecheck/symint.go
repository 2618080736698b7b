package shapecheck

import (
	specialize "github.com/speakeasy-api/specialize"
)

// SymInt is an integer-valued symbolic scalar bound to a shape environment.
// Arithmetic stays symbolic; extracting a concrete value funnels through
// the environment so the minimal guard is recorded.
type SymInt struct {
	env  *ShapeEnv
	expr specialize.Expr
	hint *int64
}

// Expr returns the underlying expression.
func (s *SymInt) Expr() specialize.Expr { return s.expr }

// Hint returns the concrete trace-time value, if one is known.
func (s *SymInt) Hint() (int64, bool) {
	if s.hint != nil {
		return *s.hint, true
	}
	return 0, false
}

// IsConstant reports whether the value resolves to a literal under the
// current replacements.
func (s *SymInt) IsConstant() bool {
	_, ok := s.env.replace(s.expr).(*specialize.IntLit)
	return ok
}

func (s *SymInt) String() string { return s.expr.String() }

func (s *SymInt) binOp(o *SymInt, expr specialize.Expr, hintFn func(a, b int64) int64) *SymInt {
	out := &SymInt{env: s.env, expr: expr}
	if s.hint != nil && o.hint != nil {
		h := hintFn(*s.hint, *o.hint)
		out.hint = &h
	}
	return out
}

func (s *SymInt) Add(o *SymInt) *SymInt {
	return s.binOp(o, specialize.Add(s.expr, o.expr), func(a, b int64) int64 { return a + b })
}

func (s *SymInt) Sub(o *SymInt) *SymInt {
	return s.binOp(o, specialize.Sub(s.expr, o.expr), func(a, b int64) int64 { return a - b })
}

func (s *SymInt) Mul(o *SymInt) *SymInt {
	return s.binOp(o, specialize.Mul(s.expr, o.expr), func(a, b int64) int64 { return a * b })
}

func (s *SymInt) FloorDiv(o *SymInt) *SymInt {
	return s.binOp(o, specialize.NewFloorDiv(s.expr, o.expr), func(a, b int64) int64 {
		return specialize.FloorDivInt(a, b)
	})
}

func (s *SymInt) Mod(o *SymInt) *SymInt {
	return s.binOp(o, specialize.NewMod(s.expr, o.expr), func(a, b int64) int64 {
		return specialize.ModInt(a, b)
	})
}

func (s *SymInt) Neg() *SymInt {
	out := &SymInt{env: s.env, expr: specialize.Neg(s.expr)}
	if s.hint != nil {
		h := -*s.hint
		out.hint = &h
	}
	return out
}

func (s *SymInt) cmp(op specialize.CmpOp, o *SymInt) *SymBool {
	return &SymBool{env: s.env, expr: specialize.NewCmp(op, s.expr, o.expr)}
}

func (s *SymInt) Eq(o *SymInt) *SymBool { return s.cmp(specialize.OpEq, o) }
func (s *SymInt) Ne(o *SymInt) *SymBool { return s.cmp(specialize.OpNe, o) }
func (s *SymInt) Lt(o *SymInt) *SymBool { return s.cmp(specialize.OpLt, o) }
func (s *SymInt) Le(o *SymInt) *SymBool { return s.cmp(specialize.OpLe, o) }
func (s *SymInt) Gt(o *SymInt) *SymBool { return s.cmp(specialize.OpGt, o) }
func (s *SymInt) Ge(o *SymInt) *SymBool { return s.cmp(specialize.OpGe, o) }

// GuardInt forces a concrete integer out of the value, recording the guard
// that makes the answer sound. Unbacked symbols with unnarrowed ranges
// produce DataDependentError.
func (s *SymInt) GuardInt() (int64, error) {
	v, err := s.env.EvaluateExpr(s.expr, s.hint)
	if err != nil {
		return 0, err
	}
	lit, ok := v.(*specialize.IntLit)
	if !ok {
		return 0, &DataDependentError{Expr: v, Unhinted: s.expr}
	}
	return lit.V, nil
}

// RequireHint returns the hint-derived concrete value without recording a
// guard. Fails with DataDependentError when any free symbol is unbacked.
func (s *SymInt) RequireHint() (int64, error) {
	if s.hint != nil {
		return *s.hint, nil
	}
	v, err := s.env.sizeHint(s.env.replace(s.expr))
	if err != nil {
		return 0, err
	}
	lit, ok := v.(*specialize.IntLit)
	if !ok {
		return 0, &DataDependentError{Expr: v, Unhinted: s.expr}
	}
	return lit.V, nil
}

// SymBool is a boolean-valued symbolic scalar.
type SymBool struct {
	env  *ShapeEnv
	expr specialize.Expr
}

// Expr returns the underlying expression.
func (s *SymBool) Expr() specialize.Expr { return s.expr }

func (s *SymBool) String() string { return s.expr.String() }

func (s *SymBool) Not() *SymBool {
	return &SymBool{env: s.env, expr: specialize.NewNot(s.expr)}
}

// GuardBool forces a concrete boolean, recording the guard (or its
// negation, matching the concrete outcome) that makes it sound.
func (s *SymBool) GuardBool() (bool, error) {
	v, err := s.env.EvaluateExpr(s.expr, nil)
	if err != nil {
		return false, err
	}
	lit, ok := v.(*specialize.BoolLit)
	if !ok {
		return false, &DataDependentError{Expr: v, Unhinted: s.expr}
	}
	return lit.V, nil
}

// SymFloat is a float-valued symbolic scalar. It exists for unbacked
// floats surfaced by data-dependent computation; no algebra beyond
// identity is supported.
type SymFloat struct {
	env  *ShapeEnv
	expr specialize.Expr
}

// Expr returns the underlying expression.
func (s *SymFloat) Expr() specialize.Expr { return s.expr }

func (s *SymFloat) String() string { return s.expr.String() }
