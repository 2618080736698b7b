package shapecheck

// Options configures symbol allocation policy, solver limits and logging for
// one shape environment and the guard compilers built against it.
type Options struct {
	// AssumeStaticByDefault makes STATIC (rather than DUCK) the default
	// allocation policy for dimensions with no explicit directive.
	AssumeStaticByDefault bool

	// SpecializeZeroOne specializes sizes 0 and 1 to literal constants
	// instead of symbols. Contiguity and broadcast reasoning is materially
	// simpler when 0/1-sized dimensions are not symbolic.
	SpecializeZeroOne bool

	// DuckShape globally enables value-based symbol reuse: two dimensions
	// observed with the same concrete value share one symbol.
	DuckShape bool

	// AllowScalarOutputs and AllowDynamicOutputShapeOps are informational
	// flags consumed by collaborating systems; nothing in this package
	// enforces them.
	AllowScalarOutputs         bool
	AllowDynamicOutputShapeOps bool

	// SolveSymbolLimit caps how many free symbols an equality may contain
	// before the algebraic solver gives up on it. A deliberate performance
	// cap, not a correctness requirement.
	SolveSymbolLimit int

	// Logging configuration
	LogLevel           string // "error", "warn", "info", "debug"; empty disables logging
	LogTimestampFormat string // strftime format for log timestamps (default: RFC3339-like)
	LogMaxValueLen     int    // truncation limit for values rendered into logs
}

// normalized backfills the limit fields a hand-built Options value may
// leave zero; zero would disable solving and truncate every logged value.
func (o Options) normalized() Options {
	def := DefaultOptions()
	if o.SolveSymbolLimit <= 0 {
		o.SolveSymbolLimit = def.SolveSymbolLimit
	}
	if o.LogMaxValueLen <= 0 {
		o.LogMaxValueLen = def.LogMaxValueLen
	}
	return o
}

// DefaultOptions returns the default configuration.
func DefaultOptions() Options {
	return Options{
		AssumeStaticByDefault:      false,
		SpecializeZeroOne:          true,
		DuckShape:                  true,
		AllowScalarOutputs:         true,
		AllowDynamicOutputShapeOps: true,
		SolveSymbolLimit:           5,
		LogLevel:                   "",
		LogMaxValueLen:             120,
	}
}
