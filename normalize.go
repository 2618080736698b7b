package specialize

import (
	"slices"
	"strings"
)

// poly is a polynomial over atoms (symbols and opaque division/remainder
// sub-expressions) with integer coefficients, keyed by canonical monomial
// string. It is the workhorse behind Expand, expression equality, and the
// linear solver.
type poly struct {
	terms map[string]int64
	mons  map[string][]Expr
}

func newPoly() *poly {
	return &poly{terms: map[string]int64{}, mons: map[string][]Expr{}}
}

func (p *poly) addMonomial(key string, atoms []Expr, coeff int64) {
	if coeff == 0 {
		return
	}
	p.terms[key] += coeff
	if p.terms[key] == 0 {
		delete(p.terms, key)
		delete(p.mons, key)
		return
	}
	if _, ok := p.mons[key]; !ok {
		p.mons[key] = atoms
	}
}

func (p *poly) add(q *poly) {
	for key, c := range q.terms {
		p.addMonomial(key, q.mons[key], c)
	}
}

func (p *poly) mulScalar(c int64) {
	if c == 0 {
		p.terms = map[string]int64{}
		p.mons = map[string][]Expr{}
		return
	}
	for key := range p.terms {
		p.terms[key] *= c
	}
}

func (p *poly) mul(q *poly) *poly {
	out := newPoly()
	for ka, ca := range p.terms {
		for kb, cb := range q.terms {
			atoms := append(append([]Expr{}, p.mons[ka]...), q.mons[kb]...)
			sortByString(atoms)
			out.addMonomial(monomialKey(atoms), atoms, ca*cb)
		}
	}
	return out
}

func monomialKey(atoms []Expr) string {
	if len(atoms) == 0 {
		return ""
	}
	parts := make([]string, len(atoms))
	for i, a := range atoms {
		parts[i] = a.String()
	}
	return strings.Join(parts, "*")
}

// toPoly converts a scalar integer expression into polynomial form. It fails
// on floats, booleans and comparisons.
func toPoly(e Expr) (*poly, bool) {
	switch t := e.(type) {
	case *IntLit:
		p := newPoly()
		p.addMonomial("", nil, t.V)
		return p, true
	case *Sym:
		if !t.Integer {
			return nil, false
		}
		p := newPoly()
		p.addMonomial(t.Name, []Expr{t}, 1)
		return p, true
	case *Sum:
		p := newPoly()
		for _, term := range t.Terms {
			q, ok := toPoly(term)
			if !ok {
				return nil, false
			}
			p.add(q)
		}
		return p, true
	case *Prod:
		p := newPoly()
		p.addMonomial("", nil, 1)
		for _, f := range t.Factors {
			q, ok := toPoly(f)
			if !ok {
				return nil, false
			}
			p = p.mul(q)
		}
		return p, true
	case *FloorDiv, *TrueDiv, *Mod:
		atom := expandAtom(t)
		// The atom may have folded to a constant.
		if lit, ok := atom.(*IntLit); ok {
			p := newPoly()
			p.addMonomial("", nil, lit.V)
			return p, true
		}
		p := newPoly()
		p.addMonomial(atom.String(), []Expr{atom}, 1)
		return p, true
	default:
		return nil, false
	}
}

// expandAtom normalizes the operands of a division/remainder atom.
func expandAtom(e Expr) Expr {
	switch t := e.(type) {
	case *FloorDiv:
		return NewFloorDiv(t.Base, t.Divisor)
	case *TrueDiv:
		return NewTrueDiv(t.Base, t.Divisor)
	case *Mod:
		return NewMod(t.Base, t.Divisor)
	default:
		return e
	}
}

// fromPoly renders polynomial form back into a canonical expression:
// non-constant monomials sorted by key, constant term last.
func fromPoly(p *poly) Expr {
	keys := make([]string, 0, len(p.terms))
	for key := range p.terms {
		if key != "" {
			keys = append(keys, key)
		}
	}
	// Degree-major ordering, then lexicographic: s0*s1 before 2*s0.
	slices.SortFunc(keys, func(a, b string) int {
		if d := len(p.mons[b]) - len(p.mons[a]); d != 0 {
			return d
		}
		return strings.Compare(a, b)
	})

	var terms []Expr
	for _, key := range keys {
		terms = append(terms, monomialExpr(p.terms[key], p.mons[key]))
	}
	if c, ok := p.terms[""]; ok {
		terms = append(terms, Int(c))
	}
	switch len(terms) {
	case 0:
		return Int(0)
	case 1:
		return terms[0]
	default:
		return &Sum{Terms: terms}
	}
}

func monomialExpr(coeff int64, atoms []Expr) Expr {
	switch {
	case len(atoms) == 0:
		return Int(coeff)
	case coeff == 1 && len(atoms) == 1:
		return atoms[0]
	case coeff == 1:
		return &Prod{Factors: atoms}
	default:
		return &Prod{Factors: append([]Expr{Int(coeff)}, atoms...)}
	}
}

// Expand normalizes an expression to its canonical form: products are
// distributed over sums, like monomials are combined, and terms are sorted.
// Expand is idempotent.
func Expand(e Expr) Expr {
	switch t := e.(type) {
	case *Cmp:
		return NewCmp(t.Op, t.L, t.R)
	case *Not:
		return NewNot(Expand(t.X))
	case *BoolLit, *FloatLit:
		return t
	default:
		if p, ok := toPoly(e); ok {
			return fromPoly(p)
		}
		return structuralExpand(e)
	}
}

// structuralExpand handles the non-polynomial leftovers (float operands):
// children are expanded but no algebra is attempted.
func structuralExpand(e Expr) Expr {
	switch t := e.(type) {
	case *Sum:
		terms := make([]Expr, len(t.Terms))
		for i, x := range t.Terms {
			terms[i] = Expand(x)
		}
		return &Sum{Terms: terms}
	case *Prod:
		factors := make([]Expr, len(t.Factors))
		for i, x := range t.Factors {
			factors[i] = Expand(x)
		}
		return &Prod{Factors: factors}
	default:
		return expandAtom(e)
	}
}

// Subst replaces symbols by expressions and renormalizes.
func Subst(e Expr, repl map[string]Expr) Expr {
	if len(repl) == 0 {
		return Expand(e)
	}
	return Expand(substTree(e, repl))
}

func substTree(e Expr, repl map[string]Expr) Expr {
	switch t := e.(type) {
	case *Sym:
		if r, ok := repl[t.Name]; ok {
			return r
		}
		return t
	case *Sum:
		terms := make([]Expr, len(t.Terms))
		for i, x := range t.Terms {
			terms[i] = substTree(x, repl)
		}
		return &Sum{Terms: terms}
	case *Prod:
		factors := make([]Expr, len(t.Factors))
		for i, x := range t.Factors {
			factors[i] = substTree(x, repl)
		}
		return &Prod{Factors: factors}
	case *FloorDiv:
		return &FloorDiv{Base: substTree(t.Base, repl), Divisor: substTree(t.Divisor, repl)}
	case *TrueDiv:
		return &TrueDiv{Base: substTree(t.Base, repl), Divisor: substTree(t.Divisor, repl)}
	case *Mod:
		return &Mod{Base: substTree(t.Base, repl), Divisor: substTree(t.Divisor, repl)}
	case *Cmp:
		return &Cmp{Op: t.Op, L: substTree(t.L, repl), R: substTree(t.R, repl)}
	case *Not:
		return &Not{X: substTree(t.X, repl)}
	default:
		return t
	}
}

// ReplaceAtoms rebuilds the tree bottom-up, letting fn substitute any node.
// The result is renormalized.
func ReplaceAtoms(e Expr, fn func(Expr) (Expr, bool)) Expr {
	return Expand(replaceTree(e, fn))
}

func replaceTree(e Expr, fn func(Expr) (Expr, bool)) Expr {
	if r, ok := fn(e); ok {
		return r
	}
	switch t := e.(type) {
	case *Sum:
		terms := make([]Expr, len(t.Terms))
		for i, x := range t.Terms {
			terms[i] = replaceTree(x, fn)
		}
		return &Sum{Terms: terms}
	case *Prod:
		factors := make([]Expr, len(t.Factors))
		for i, x := range t.Factors {
			factors[i] = replaceTree(x, fn)
		}
		return &Prod{Factors: factors}
	case *FloorDiv:
		return &FloorDiv{Base: replaceTree(t.Base, fn), Divisor: replaceTree(t.Divisor, fn)}
	case *TrueDiv:
		return &TrueDiv{Base: replaceTree(t.Base, fn), Divisor: replaceTree(t.Divisor, fn)}
	case *Mod:
		return &Mod{Base: replaceTree(t.Base, fn), Divisor: replaceTree(t.Divisor, fn)}
	case *Cmp:
		return &Cmp{Op: t.Op, L: replaceTree(t.L, fn), R: replaceTree(t.R, fn)}
	case *Not:
		return &Not{X: replaceTree(t.X, fn)}
	default:
		return e
	}
}

// SolveLinear solves l == r for the named symbol. It succeeds only when the
// symbol occurs linearly, on its own monomial, and the solution is
// all-integer (every remaining coefficient divisible by the symbol's).
func SolveLinear(l, r Expr, target string) (Expr, bool) {
	p, ok := toPoly(Sub(l, r))
	if !ok {
		return nil, false
	}
	var coeff int64
	rest := newPoly()
	for key, c := range p.terms {
		if key == target {
			coeff = c
			continue
		}
		// The target must not appear inside any composite monomial or atom.
		for _, a := range p.mons[key] {
			if slices.Contains(FreeSymbols(a), target) {
				return nil, false
			}
		}
		rest.addMonomial(key, p.mons[key], c)
	}
	if coeff == 0 {
		return nil, false
	}
	for _, c := range rest.terms {
		if c%coeff != 0 {
			return nil, false
		}
	}
	rest.mulScalar(-1)
	for key := range rest.terms {
		rest.terms[key] /= coeff
	}
	return fromPoly(rest), true
}
