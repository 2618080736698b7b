// Package guardfmt renders guard lists and validator predicates as
// column-aligned text for logs and the inspect-guards CLI.
package guardfmt

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/speakeasy-api/specialize/shapecheck"
)

// Cfg controls which columns are emitted.
type Cfg struct {
	// Kinds prefixes each line with the guard kind in brackets.
	Kinds bool
	// Sources appends a trailing comment listing the sources each
	// predicate reads.
	Sources bool
	// Indent is the number of leading spaces per line.
	Indent int
}

// ValidateConfig rejects configurations that cannot render.
func ValidateConfig(cfg Cfg) (Cfg, error) {
	if cfg.Indent < 0 {
		return cfg, fmt.Errorf("negative indent %d", cfg.Indent)
	}
	return cfg, nil
}

type row struct {
	kind    string
	text    string
	sources string
}

// Guards renders synthesized shape guards, one per line, with the
// source comments aligned into a single column.
func Guards(guards []shapecheck.GuardExpr, cfg Cfg) string {
	rows := make([]row, len(guards))
	for i, g := range guards {
		rows[i] = row{
			kind:    shapecheck.GuardShapeEnv.String(),
			text:    g.Expr,
			sources: sourceNames(g.Sources),
		}
	}
	return render(rows, cfg)
}

// Predicates renders a compiled validator's predicates in evaluation
// order: kind column, predicate column, then the sources read.
func Predicates(ps []shapecheck.PredicateInfo, cfg Cfg) string {
	rows := make([]row, len(ps))
	for i, p := range ps {
		rows[i] = row{
			kind:    p.Kind.String(),
			text:    p.Text,
			sources: sourceNames(p.Sources),
		}
	}
	return render(rows, cfg)
}

// Failure renders a failure report as an indented block.
func Failure(f *shapecheck.FailureReport) string {
	if f == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "guard failed: %s\n", f.Predicate)
	fmt.Fprintf(&b, "  kind:    %s\n", f.Kind)
	if names := sourceNames(f.Sources); names != "" {
		fmt.Fprintf(&b, "  sources: %s\n", names)
	}
	fmt.Fprintf(&b, "  reason:  %s\n", f.Reason)
	return b.String()
}

func render(rows []row, cfg Cfg) string {
	if len(rows) == 0 {
		return ""
	}
	indent := strings.Repeat(" ", cfg.Indent)

	// Column widths are display widths, not byte lengths.
	kindW, textW := 0, 0
	for _, r := range rows {
		if w := runewidth.StringWidth(r.kind); w > kindW {
			kindW = w
		}
		if w := runewidth.StringWidth(r.text); w > textW {
			textW = w
		}
	}

	var b strings.Builder
	for _, r := range rows {
		b.WriteString(indent)
		if cfg.Kinds {
			b.WriteString(runewidth.FillRight("["+r.kind+"]", kindW+2))
			b.WriteByte(' ')
		}
		if cfg.Sources && r.sources != "" {
			b.WriteString(runewidth.FillRight(r.text, textW))
			b.WriteString("  # ")
			b.WriteString(r.sources)
		} else {
			b.WriteString(r.text)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func sourceNames(srcs []shapecheck.Source) string {
	if len(srcs) == 0 {
		return ""
	}
	names := make([]string, len(srcs))
	for i, s := range srcs {
		names[i] = s.Name()
	}
	return strings.Join(names, ", ")
}
