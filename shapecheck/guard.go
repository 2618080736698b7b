package shapecheck

// GuardKind enumerates every predicate the guard compiler knows how to
// build. The set is closed; the compiler dispatches with an exhaustive
// switch, one handler per kind.
type GuardKind int

const (
	// GuardGradMode compares the gradient-enabled mode flag captured at
	// trace time. It has no Source.
	GuardGradMode GuardKind = iota
	// GuardDeterministicAlgorithms compares the determinism mode flag
	// captured at trace time. It has no Source.
	GuardDeterministicAlgorithms
	// GuardTypeMatch asserts the value's runtime type is unchanged.
	GuardTypeMatch
	// GuardIDMatch asserts the value is the very same object.
	GuardIDMatch
	// GuardNameMatch asserts the value's Name() is unchanged.
	GuardNameMatch
	// GuardConstantMatch specializes on a constant: identity for booleans
	// and nil, value equality otherwise.
	GuardConstantMatch
	// GuardEqualsMatch asserts value equality, with the NaN and
	// container-element-type special cases.
	GuardEqualsMatch
	// GuardBoolFalse asserts the value is boolean false. Cheaper than a
	// keys comparison for empty containers; only safe when the runtime
	// type is known to be bool-convertible.
	GuardBoolFalse
	// GuardListLength asserts exact container type and length.
	GuardListLength
	// GuardIteratorLength asserts the remaining length of a sized iterator.
	GuardIteratorLength
	// GuardDictKeys asserts the key set of a dict, comparing
	// identity-bearing keys by identity and plain keys by value.
	GuardDictKeys
	// GuardOrderedKeys asserts the exact key sequence of an ordered dict.
	GuardOrderedKeys
	// GuardParamNames asserts the named-parameter set of a module-like
	// object.
	GuardParamNames
	// GuardHasAttr asserts attribute presence or absence; the polarity is
	// fixed at guard-creation time.
	GuardHasAttr
	// GuardWeakrefAlive passes iff the weakly observed object has not been
	// reclaimed. The only kind allowed to use non-owning observation.
	GuardWeakrefAlive
	// GuardObjectMutation is not a predicate: it registers the value with
	// the mutation tracker so any later attribute mutation invalidates the
	// owning cache entry.
	GuardObjectMutation
	// GuardTensorMatch snapshots tensor metadata for the bulk fast path.
	GuardTensorMatch
	// GuardShapeEnv pulls in the shape environment's synthesized guards.
	// It has no Source; sources come per synthesized expression.
	GuardShapeEnv
)

func (k GuardKind) String() string {
	switch k {
	case GuardGradMode:
		return "GRAD_MODE"
	case GuardDeterministicAlgorithms:
		return "DETERMINISTIC_ALGORITHMS"
	case GuardTypeMatch:
		return "TYPE_MATCH"
	case GuardIDMatch:
		return "ID_MATCH"
	case GuardNameMatch:
		return "NAME_MATCH"
	case GuardConstantMatch:
		return "CONSTANT_MATCH"
	case GuardEqualsMatch:
		return "EQUALS_MATCH"
	case GuardBoolFalse:
		return "BOOL_FALSE"
	case GuardListLength:
		return "LIST_LENGTH"
	case GuardIteratorLength:
		return "ITERATOR_LENGTH"
	case GuardDictKeys:
		return "DICT_KEYS"
	case GuardOrderedKeys:
		return "ORDERED_KEYS"
	case GuardParamNames:
		return "PARAM_NAMES"
	case GuardHasAttr:
		return "HASATTR"
	case GuardWeakrefAlive:
		return "WEAKREF_ALIVE"
	case GuardObjectMutation:
		return "OBJECT_MUTATION"
	case GuardTensorMatch:
		return "TENSOR_MATCH"
	case GuardShapeEnv:
		return "SHAPE_ENV"
	default:
		return "UNKNOWN"
	}
}

// priority orders guard evaluation: mode flags run before everything,
// identity and type checks run before any guard that dereferences the
// checked value.
func (k GuardKind) priority() int {
	switch k {
	case GuardGradMode, GuardDeterministicAlgorithms:
		return 0
	case GuardIDMatch, GuardTypeMatch:
		return 1
	case GuardTensorMatch, GuardShapeEnv:
		// Kept late at the builder level too; compile appends the bulk
		// tensor part and shape guards after all scalar parts.
		return 3
	default:
		return 2
	}
}

// Guard pairs a Source with the predicate kind to apply to it. Guards are
// pure: evaluating one never mutates program state. Each is consumed exactly
// once by the guard compiler.
type Guard struct {
	Source Source
	Kind   GuardKind
	// Origin records which subsystem requested the guard, for diagnostics.
	Origin string
}

func (g Guard) sortName() string {
	if g.Source == nil {
		return ""
	}
	return g.Source.Name()
}

// DuplicateInputs asserts that two Sources denote the same object identity;
// the resulting guard runs once, independent of individual field guards.
type DuplicateInputs struct {
	A, B Source
}
