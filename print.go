package specialize

// rawRef is a pre-rendered fragment spliced into an expression during
// printing, used to substitute a symbol with its source access path.
type rawRef struct{ s string }

func (*rawRef) isExpr()          {}
func (r *rawRef) String() string { return r.s }

// Render prints an expression with every symbol replaced by ref(name).
// The expression is assumed canonical; no renormalization happens, so the
// printed shape matches the recorded guard exactly.
func Render(e Expr, ref func(name string) string) string {
	repl := map[string]Expr{}
	for _, name := range FreeSymbols(e) {
		repl[name] = &rawRef{s: ref(name)}
	}
	return substTree(e, repl).String()
}
