// Package specialize provides the symbolic expression algebra underlying the
// guarded specialization cache: opaque integer symbols, arithmetic and
// relational operators over them, polynomial normalization to a canonical
// printable form, linear equation solving, and interval (value range)
// arithmetic.
//
// Expressions are immutable trees. Two expressions are interchangeable for
// guard purposes iff their canonical string forms match; the constructors in
// this package normalize eagerly so that String() is canonical.
package specialize

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Expr is a node in an immutable expression tree. The set of implementations
// is closed; consumers dispatch with a type switch.
type Expr interface {
	fmt.Stringer
	isExpr()
}

// Sym is an opaque algebraic variable, identified by name. Symbol names are
// allocated by the shape environment (s0, s1, ... for sizes, i0/f0 for
// unbacked values) and are unique within one environment.
type Sym struct {
	Name string
	// Integer is false only for unbacked float symbols.
	Integer bool
}

// IntLit is an integer constant.
type IntLit struct{ V int64 }

// FloatLit is a floating-point constant. Floats appear only as comparison
// operands; they never participate in polynomial normalization.
type FloatLit struct{ V float64 }

// BoolLit is a boolean constant, the result of a fully resolved comparison.
type BoolLit struct{ V bool }

// Sum is a flattened n-ary addition. Constructors guarantee the terms are
// normalized, deduplicated into coefficient-carrying products, and sorted.
type Sum struct{ Terms []Expr }

// Prod is a flattened n-ary multiplication with an optional leading integer
// coefficient.
type Prod struct{ Factors []Expr }

// FloorDiv is floor division. It is an opaque atom for normalization
// purposes; the shape environment rewrites it to TrueDiv once divisibility
// has been established.
type FloorDiv struct{ Base, Divisor Expr }

// TrueDiv is exact division, only ever introduced for proven-divisible pairs.
type TrueDiv struct{ Base, Divisor Expr }

// Mod is the remainder atom.
type Mod struct{ Base, Divisor Expr }

// CmpOp enumerates relational operators.
type CmpOp int

const (
	OpEq CmpOp = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

func (op CmpOp) String() string {
	switch op {
	case OpEq:
		return "=="
	case OpNe:
		return "!="
	case OpLt:
		return "<"
	case OpLe:
		return "<="
	case OpGt:
		return ">"
	case OpGe:
		return ">="
	default:
		return "?"
	}
}

// Negate returns the complementary operator.
func (op CmpOp) Negate() CmpOp {
	switch op {
	case OpEq:
		return OpNe
	case OpNe:
		return OpEq
	case OpLt:
		return OpGe
	case OpLe:
		return OpGt
	case OpGt:
		return OpLe
	case OpGe:
		return OpLt
	default:
		return op
	}
}

// Cmp is a relational expression over two scalar operands.
type Cmp struct {
	Op   CmpOp
	L, R Expr
}

// Not is boolean negation.
type Not struct{ X Expr }

func (*Sym) isExpr()      {}
func (*IntLit) isExpr()   {}
func (*FloatLit) isExpr() {}
func (*BoolLit) isExpr()  {}
func (*Sum) isExpr()      {}
func (*Prod) isExpr()     {}
func (*FloorDiv) isExpr() {}
func (*TrueDiv) isExpr()  {}
func (*Mod) isExpr()      {}
func (*Cmp) isExpr()      {}
func (*Not) isExpr()      {}

func (s *Sym) String() string      { return s.Name }
func (l *IntLit) String() string   { return strconv.FormatInt(l.V, 10) }
func (l *FloatLit) String() string { return strconv.FormatFloat(l.V, 'g', -1, 64) }
func (l *BoolLit) String() string  { return strconv.FormatBool(l.V) }

func (s *Sum) String() string {
	var b strings.Builder
	for i, t := range s.Terms {
		part := t.String()
		if i == 0 {
			b.WriteString(part)
			continue
		}
		if strings.HasPrefix(part, "-") {
			b.WriteString(" - ")
			b.WriteString(part[1:])
		} else {
			b.WriteString(" + ")
			b.WriteString(part)
		}
	}
	return b.String()
}

func (p *Prod) String() string {
	parts := make([]string, len(p.Factors))
	for i, f := range p.Factors {
		parts[i] = factorString(f)
	}
	return strings.Join(parts, "*")
}

// factorString parenthesizes additive sub-expressions inside a product.
func factorString(e Expr) string {
	if _, ok := e.(*Sum); ok {
		return "(" + e.String() + ")"
	}
	return e.String()
}

func (f *FloorDiv) String() string {
	return "floordiv(" + f.Base.String() + ", " + f.Divisor.String() + ")"
}

func (d *TrueDiv) String() string {
	return factorString(d.Base) + "/" + factorString(d.Divisor)
}

func (m *Mod) String() string {
	return "mod(" + m.Base.String() + ", " + m.Divisor.String() + ")"
}

func (c *Cmp) String() string {
	return c.L.String() + " " + c.Op.String() + " " + c.R.String()
}

func (n *Not) String() string { return "!(" + n.X.String() + ")" }

// NewSym allocates an integer symbol node.
func NewSym(name string) *Sym { return &Sym{Name: name, Integer: true} }

// NewFloatSym allocates a float symbol node (unbacked floats only).
func NewFloatSym(name string) *Sym { return &Sym{Name: name, Integer: false} }

// Int wraps an integer constant.
func Int(v int64) *IntLit { return &IntLit{V: v} }

// Float wraps a float constant.
func Float(v float64) *FloatLit { return &FloatLit{V: v} }

// Bool wraps a boolean constant.
func Bool(v bool) *BoolLit { return &BoolLit{V: v} }

// Add returns the normalized sum of the operands.
func Add(xs ...Expr) Expr { return Expand(&Sum{Terms: xs}) }

// Mul returns the normalized product of the operands.
func Mul(xs ...Expr) Expr { return Expand(&Prod{Factors: xs}) }

// Neg returns -x.
func Neg(x Expr) Expr { return Mul(Int(-1), x) }

// Sub returns l - r.
func Sub(l, r Expr) Expr { return Add(l, Neg(r)) }

// NewFloorDiv builds a normalized floor division atom, folding constants.
func NewFloorDiv(base, divisor Expr) Expr {
	base, divisor = Expand(base), Expand(divisor)
	if d, ok := divisor.(*IntLit); ok {
		if d.V == 1 {
			return base
		}
		if b, ok := base.(*IntLit); ok && d.V != 0 {
			return Int(floorDiv(b.V, d.V))
		}
	}
	return &FloorDiv{Base: base, Divisor: divisor}
}

// NewTrueDiv builds an exact division atom, folding exact constant quotients.
func NewTrueDiv(base, divisor Expr) Expr {
	base, divisor = Expand(base), Expand(divisor)
	if d, ok := divisor.(*IntLit); ok {
		if d.V == 1 {
			return base
		}
		if b, ok := base.(*IntLit); ok && d.V != 0 && b.V%d.V == 0 {
			return Int(b.V / d.V)
		}
	}
	return &TrueDiv{Base: base, Divisor: divisor}
}

// NewMod builds a remainder atom, folding constants.
func NewMod(base, divisor Expr) Expr {
	base, divisor = Expand(base), Expand(divisor)
	if d, ok := divisor.(*IntLit); ok && d.V != 0 {
		if b, ok := base.(*IntLit); ok {
			return Int(pyMod(b.V, d.V))
		}
		if d.V == 1 {
			return Int(0)
		}
	}
	return &Mod{Base: base, Divisor: divisor}
}

// NewCmp builds a comparison, folding it to a BoolLit when both sides are
// constants.
func NewCmp(op CmpOp, l, r Expr) Expr {
	l, r = Expand(l), Expand(r)
	if lv, lok := constFloat(l); lok {
		if rv, rok := constFloat(r); rok {
			return Bool(cmpFloats(op, lv, rv))
		}
	}
	// Canonical equality text does not depend on operand arrival order.
	if op == OpEq || op == OpNe {
		if l.String() > r.String() {
			l, r = r, l
		}
		if l.String() == r.String() {
			return Bool(op == OpEq)
		}
	}
	return &Cmp{Op: op, L: l, R: r}
}

// NewNot negates a boolean expression, pushing the negation into
// comparisons so that the canonical form stays comparison-shaped.
func NewNot(x Expr) Expr {
	switch t := x.(type) {
	case *BoolLit:
		return Bool(!t.V)
	case *Cmp:
		return &Cmp{Op: t.Op.Negate(), L: t.L, R: t.R}
	case *Not:
		return t.X
	default:
		return &Not{X: x}
	}
}

func cmpFloats(op CmpOp, l, r float64) bool {
	switch op {
	case OpEq:
		return l == r
	case OpNe:
		return l != r
	case OpLt:
		return l < r
	case OpLe:
		return l <= r
	case OpGt:
		return l > r
	case OpGe:
		return l >= r
	default:
		return false
	}
}

func constFloat(e Expr) (float64, bool) {
	switch t := e.(type) {
	case *IntLit:
		return float64(t.V), true
	case *FloatLit:
		return t.V, true
	default:
		return 0, false
	}
}

// floorDiv implements floor (not truncating) division, matching the
// semantics dimensions are computed with.
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// pyMod is the remainder paired with floorDiv: result has the divisor's sign.
func pyMod(a, b int64) int64 {
	m := a % b
	if m != 0 && ((m < 0) != (b < 0)) {
		m += b
	}
	return m
}

// FloorDivInt exposes floor division over concrete values.
func FloorDivInt(a, b int64) int64 { return floorDiv(a, b) }

// ModInt exposes the floor-division remainder over concrete values.
func ModInt(a, b int64) int64 { return pyMod(a, b) }

// FreeSymbols returns the names of all symbols appearing in e, sorted.
func FreeSymbols(e Expr) []string {
	seen := map[string]bool{}
	collectSymbols(e, seen)
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

func collectSymbols(e Expr, into map[string]bool) {
	switch t := e.(type) {
	case *Sym:
		into[t.Name] = true
	case *Sum:
		for _, x := range t.Terms {
			collectSymbols(x, into)
		}
	case *Prod:
		for _, x := range t.Factors {
			collectSymbols(x, into)
		}
	case *FloorDiv:
		collectSymbols(t.Base, into)
		collectSymbols(t.Divisor, into)
	case *TrueDiv:
		collectSymbols(t.Base, into)
		collectSymbols(t.Divisor, into)
	case *Mod:
		collectSymbols(t.Base, into)
		collectSymbols(t.Divisor, into)
	case *Cmp:
		collectSymbols(t.L, into)
		collectSymbols(t.R, into)
	case *Not:
		collectSymbols(t.X, into)
	}
}

// HasFloorDiv reports whether any floor-division atom appears in e.
func HasFloorDiv(e Expr) bool {
	found := false
	walkAtoms(e, func(a Expr) {
		if _, ok := a.(*FloorDiv); ok {
			found = true
		}
	})
	return found
}

// HasMod reports whether any remainder atom appears in e.
func HasMod(e Expr) bool {
	found := false
	walkAtoms(e, func(a Expr) {
		if _, ok := a.(*Mod); ok {
			found = true
		}
	})
	return found
}

// ModAtoms returns the remainder atoms of e in canonical-string order.
func ModAtoms(e Expr) []*Mod {
	var out []*Mod
	walkAtoms(e, func(a Expr) {
		if m, ok := a.(*Mod); ok {
			out = append(out, m)
		}
	})
	sortByString(out)
	return out
}

// FloorDivAtoms returns the floor-division atoms of e in canonical-string
// order.
func FloorDivAtoms(e Expr) []*FloorDiv {
	var out []*FloorDiv
	walkAtoms(e, func(a Expr) {
		if f, ok := a.(*FloorDiv); ok {
			out = append(out, f)
		}
	})
	sortByString(out)
	return out
}

// walkAtoms visits every node of the tree in preorder.
func walkAtoms(e Expr, fn func(Expr)) {
	fn(e)
	switch t := e.(type) {
	case *Sum:
		for _, x := range t.Terms {
			walkAtoms(x, fn)
		}
	case *Prod:
		for _, x := range t.Factors {
			walkAtoms(x, fn)
		}
	case *FloorDiv:
		walkAtoms(t.Base, fn)
		walkAtoms(t.Divisor, fn)
	case *TrueDiv:
		walkAtoms(t.Base, fn)
		walkAtoms(t.Divisor, fn)
	case *Mod:
		walkAtoms(t.Base, fn)
		walkAtoms(t.Divisor, fn)
	case *Cmp:
		walkAtoms(t.L, fn)
		walkAtoms(t.R, fn)
	case *Not:
		walkAtoms(t.X, fn)
	}
}

func sortByString[T fmt.Stringer](xs []T) {
	slices.SortFunc(xs, func(a, b T) int { return strings.Compare(a.String(), b.String()) })
}
