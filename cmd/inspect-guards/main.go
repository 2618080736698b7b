// Command inspect-guards loads a YAML scenario describing traced inputs
// (tensor shapes, per-dimension policies and constraints, scalars) and
// prints the guards a shape environment would synthesize for it.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	yaml "github.com/itchyny/go-yaml"
	"github.com/mattn/go-isatty"

	"github.com/speakeasy-api/specialize"
	"github.com/speakeasy-api/specialize/pkg/explain"
	"github.com/speakeasy-api/specialize/pkg/guardfmt"
	"github.com/speakeasy-api/specialize/shapecheck"
)

type scenario struct {
	LogLevel string       `yaml:"log_level"`
	Options  *optionsSpec `yaml:"options"`
	Tensors  []tensorSpec `yaml:"tensors"`
	Scalars  []scalarSpec `yaml:"scalars"`
}

type optionsSpec struct {
	AssumeStaticByDefault *bool `yaml:"assume_static_by_default"`
	SpecializeZeroOne     *bool `yaml:"specialize_zero_one"`
	DuckShape             *bool `yaml:"duck_shape"`
	SolveSymbolLimit      *int  `yaml:"solve_symbol_limit"`
}

type tensorSpec struct {
	Name          string    `yaml:"name"`
	Dtype         string    `yaml:"dtype"`
	Sizes         []int64   `yaml:"sizes"`
	StorageOffset int64     `yaml:"storage_offset"`
	Dims          []dimSpec `yaml:"dims"`
}

type dimSpec struct {
	Policy     string          `yaml:"policy"` // duck, static or dynamic
	Constraint *constraintSpec `yaml:"constraint"`
}

type constraintSpec struct {
	Min     *int64 `yaml:"min"`
	Max     *int64 `yaml:"max"`
	Relaxed bool   `yaml:"relaxed"`
}

type scalarSpec struct {
	Name       string          `yaml:"name"`
	Value      int64           `yaml:"value"`
	Constraint *constraintSpec `yaml:"constraint"`
}

func main() {
	var (
		file    = flag.String("f", "", "scenario file (default: stdin)")
		kinds   = flag.Bool("kinds", false, "prefix each guard with its kind")
		sources = flag.Bool("sources", true, "annotate guards with the sources they read")
		color   = flag.String("color", "auto", "colorize output: auto, always or never")
	)
	flag.Parse()

	if err := run(*file, *kinds, *sources, useColor(*color)); err != nil {
		fmt.Fprint(os.Stderr, explain.Errors(err))
		os.Exit(1)
	}
}

func useColor(mode string) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	default:
		return isatty.IsTerminal(os.Stdout.Fd())
	}
}

func run(file string, kinds, sources, color bool) error {
	var raw []byte
	var err error
	if file == "" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(file)
	}
	if err != nil {
		return fmt.Errorf("reading scenario: %w", err)
	}

	var sc scenario
	if err := yaml.Unmarshal(raw, &sc); err != nil {
		return fmt.Errorf("parsing scenario: %w", err)
	}
	if len(sc.Tensors) == 0 && len(sc.Scalars) == 0 {
		return fmt.Errorf("scenario declares no inputs")
	}

	env := shapecheck.NewShapeEnv(buildOptions(sc))

	var (
		placeholders []shapecheck.Placeholder
		phSources    []shapecheck.Source
		constraints  []shapecheck.PlaceholderConstraint
	)

	for _, t := range sc.Tensors {
		if t.Name == "" {
			return fmt.Errorf("tensor with no name")
		}
		if len(t.Dims) > len(t.Sizes) {
			return fmt.Errorf("tensor %s: %d dim directives for %d sizes", t.Name, len(t.Dims), len(t.Sizes))
		}
		dtype := shapecheck.Dtype(t.Dtype)
		if dtype == "" {
			dtype = "float32"
		}
		fake := shapecheck.NewFakeTensor(dtype, t.Sizes...)
		fake.Offset = t.StorageOffset

		policies := make([]shapecheck.DimPolicy, len(t.Dims))
		dimCons := make([]shapecheck.DimConstraint, len(t.Dims))
		for i, d := range t.Dims {
			p, err := parsePolicy(d.Policy)
			if err != nil {
				return fmt.Errorf("tensor %s dimension %d: %w", t.Name, i, err)
			}
			policies[i] = p
			dimCons[i] = buildConstraint(d.Constraint)
		}

		src := shapecheck.LocalSource{Var: t.Name}
		shape := env.CreateSymbolicSizesStridesStorageOffset(fake, src, policies, dimCons)
		placeholders = append(placeholders, shapecheck.Placeholder{Tensor: shape})
		phSources = append(phSources, src)
		constraints = append(constraints, shapecheck.PlaceholderConstraint{Dims: dimCons})
	}

	for _, s := range sc.Scalars {
		if s.Name == "" {
			return fmt.Errorf("scalar with no name")
		}
		src := shapecheck.LocalSource{Var: s.Name}
		con := buildConstraint(s.Constraint)
		expr := env.CreateSymbol(s.Value, src, shapecheck.DimPolicyDynamic, con)
		hint := s.Value
		placeholders = append(placeholders, shapecheck.Placeholder{SymInt: env.CreateSymIntNode(expr, &hint)})
		phSources = append(phSources, src)
		constraints = append(constraints, shapecheck.PlaceholderConstraint{Scalar: con})
	}

	guards, err := env.ProduceGuards(placeholders, phSources, constraints)
	if err != nil {
		return err
	}

	heading(os.Stdout, color, "synthesized guards (%d)", len(guards))
	fmt.Print(guardfmt.Guards(guards, guardfmt.Cfg{Kinds: kinds, Sources: sources, Indent: 2}))

	if recorded := env.NontrivialGuards(); len(recorded) > 0 {
		heading(os.Stdout, color, "recorded during tracing (%d)", len(recorded))
		fmt.Print(env.FormatGuards(false))
	}
	return nil
}

func buildOptions(sc scenario) shapecheck.Options {
	o := shapecheck.DefaultOptions()
	o.LogLevel = sc.LogLevel
	if s := sc.Options; s != nil {
		if s.AssumeStaticByDefault != nil {
			o.AssumeStaticByDefault = *s.AssumeStaticByDefault
		}
		if s.SpecializeZeroOne != nil {
			o.SpecializeZeroOne = *s.SpecializeZeroOne
		}
		if s.DuckShape != nil {
			o.DuckShape = *s.DuckShape
		}
		if s.SolveSymbolLimit != nil {
			o.SolveSymbolLimit = *s.SolveSymbolLimit
		}
	}
	return o
}

func parsePolicy(s string) (shapecheck.DimPolicy, error) {
	switch strings.ToLower(s) {
	case "", "duck":
		return shapecheck.DimPolicyDuck, nil
	case "static":
		return shapecheck.DimPolicyStatic, nil
	case "dynamic":
		return shapecheck.DimPolicyDynamic, nil
	default:
		return 0, fmt.Errorf("unknown policy %q; valid policies: duck, static, dynamic", s)
	}
}

func buildConstraint(c *constraintSpec) shapecheck.DimConstraint {
	if c == nil {
		return nil
	}
	if c.Relaxed {
		return shapecheck.RelaxedUnspec{}
	}
	r := specialize.ValueRange{Lo: 0, Hi: specialize.RangeMax - 1}
	if c.Min != nil {
		r.Lo = *c.Min
	}
	if c.Max != nil {
		r.Hi = *c.Max
	}
	return shapecheck.StrictMinMax{Range: r}
}

func heading(w io.Writer, color bool, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if color {
		fmt.Fprintf(w, "\x1b[1;36m=== %s ===\x1b[0m\n", msg)
	} else {
		fmt.Fprintf(w, "=== %s ===\n", msg)
	}
}
