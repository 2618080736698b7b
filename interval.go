package specialize

import "math"

// Range sentinels. Sizes never get anywhere near the 64-bit limit, so the
// extremes double as infinities.
const (
	RangeMin int64 = math.MinInt64
	RangeMax int64 = math.MaxInt64
)

// ValueRange is the admissible closed interval for a symbol. Ranges only
// ever narrow.
type ValueRange struct {
	Lo, Hi int64
}

// Unbounded returns the full interval.
func Unbounded() ValueRange { return ValueRange{Lo: RangeMin, Hi: RangeMax} }

// Singleton reports whether the range pins exactly one value.
func (r ValueRange) Singleton() bool { return r.Lo == r.Hi }

// Contains reports whether v is admissible.
func (r ValueRange) Contains(v int64) bool { return r.Lo <= v && v <= r.Hi }

// Empty reports an unsatisfiable range.
func (r ValueRange) Empty() bool { return r.Lo > r.Hi }

// Intersect narrows r by o.
func (r ValueRange) Intersect(o ValueRange) ValueRange {
	return ValueRange{Lo: max(r.Lo, o.Lo), Hi: min(r.Hi, o.Hi)}
}

// Subset reports whether r is contained in o.
func (r ValueRange) Subset(o ValueRange) bool { return r.Lo >= o.Lo && r.Hi <= o.Hi }

func satAdd(a, b int64) int64 {
	if a == RangeMax || b == RangeMax {
		return RangeMax
	}
	if a == RangeMin || b == RangeMin {
		return RangeMin
	}
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		if b > 0 {
			return RangeMax
		}
		return RangeMin
	}
	return s
}

func satMul(a, b int64) int64 {
	if a == 0 || b == 0 {
		return 0
	}
	neg := (a < 0) != (b < 0)
	if a == RangeMin || a == RangeMax || b == RangeMin || b == RangeMax {
		if neg {
			return RangeMin
		}
		return RangeMax
	}
	p := a * b
	if p/b != a {
		if neg {
			return RangeMin
		}
		return RangeMax
	}
	return p
}

func addRange(a, b ValueRange) ValueRange {
	return ValueRange{Lo: satAdd(a.Lo, b.Lo), Hi: satAdd(a.Hi, b.Hi)}
}

func mulRange(a, b ValueRange) ValueRange {
	c := []int64{satMul(a.Lo, b.Lo), satMul(a.Lo, b.Hi), satMul(a.Hi, b.Lo), satMul(a.Hi, b.Hi)}
	lo, hi := c[0], c[0]
	for _, v := range c[1:] {
		lo, hi = min(lo, v), max(hi, v)
	}
	return ValueRange{Lo: lo, Hi: hi}
}

func scaleRange(r ValueRange, c int64) ValueRange {
	return mulRange(r, ValueRange{Lo: c, Hi: c})
}

// RangeOf evaluates a scalar expression over the symbol ranges in env,
// conservatively. Symbols missing from env are unbounded.
func RangeOf(e Expr, env map[string]ValueRange) ValueRange {
	switch t := e.(type) {
	case *IntLit:
		return ValueRange{Lo: t.V, Hi: t.V}
	case *Sym:
		if r, ok := env[t.Name]; ok {
			return r
		}
		return Unbounded()
	case *Sum:
		out := ValueRange{Lo: 0, Hi: 0}
		for _, x := range t.Terms {
			out = addRange(out, RangeOf(x, env))
		}
		return out
	case *Prod:
		out := ValueRange{Lo: 1, Hi: 1}
		for _, x := range t.Factors {
			out = mulRange(out, RangeOf(x, env))
		}
		return out
	case *FloorDiv:
		base := RangeOf(t.Base, env)
		if d, ok := t.Divisor.(*IntLit); ok && d.V > 0 {
			return ValueRange{Lo: floorDivSat(base.Lo, d.V), Hi: floorDivSat(base.Hi, d.V)}
		}
		return Unbounded()
	case *TrueDiv:
		base := RangeOf(t.Base, env)
		if d, ok := t.Divisor.(*IntLit); ok && d.V > 0 {
			// Exact by construction, so floor bounds are exact too.
			return ValueRange{Lo: floorDivSat(base.Lo, d.V), Hi: floorDivSat(base.Hi, d.V)}
		}
		return Unbounded()
	case *Mod:
		if d, ok := t.Divisor.(*IntLit); ok && d.V > 0 {
			return ValueRange{Lo: 0, Hi: d.V - 1}
		}
		return Unbounded()
	default:
		return Unbounded()
	}
}

func floorDivSat(a, b int64) int64 {
	if a == RangeMin || a == RangeMax {
		return a
	}
	return floorDiv(a, b)
}

// RangeOfBool evaluates a boolean expression over symbol ranges. The second
// result reports whether the interval analysis was decisive.
func RangeOfBool(e Expr, env map[string]ValueRange) (result, known bool) {
	switch t := e.(type) {
	case *BoolLit:
		return t.V, true
	case *Not:
		r, ok := RangeOfBool(t.X, env)
		return !r, ok
	case *Cmp:
		l, r := RangeOf(t.L, env), RangeOf(t.R, env)
		switch t.Op {
		case OpEq:
			if l.Singleton() && r.Singleton() && l.Lo == r.Lo {
				return true, true
			}
			if l.Hi < r.Lo || r.Hi < l.Lo {
				return false, true
			}
		case OpNe:
			res, ok := RangeOfBool(&Cmp{Op: OpEq, L: t.L, R: t.R}, env)
			return !res, ok
		case OpLt:
			if l.Hi < r.Lo {
				return true, true
			}
			if l.Lo >= r.Hi {
				return false, true
			}
		case OpLe:
			if l.Hi <= r.Lo {
				return true, true
			}
			if l.Lo > r.Hi {
				return false, true
			}
		case OpGt:
			return RangeOfBool(&Cmp{Op: OpLt, L: t.R, R: t.L}, env)
		case OpGe:
			return RangeOfBool(&Cmp{Op: OpLe, L: t.R, R: t.L}, env)
		}
		return false, false
	default:
		return false, false
	}
}

// EvalConcrete substitutes concrete values for symbols and reports the
// resulting literal. It fails when free symbols remain after substitution.
func EvalConcrete(e Expr, vals map[string]int64) (Expr, bool) {
	repl := make(map[string]Expr, len(vals))
	for name, v := range vals {
		repl[name] = Int(v)
	}
	out := Subst(e, repl)
	switch out.(type) {
	case *IntLit, *FloatLit, *BoolLit:
		return out, true
	default:
		return out, false
	}
}
