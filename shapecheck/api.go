// Package shapecheck implements a guarded specialization cache for traced
// programs: a shape environment that allocates symbolic dimensions and
// records the minimal guards needed to reuse a compiled artifact, and a
// guard compiler that turns per-source predicates plus the environment's
// synthesized shape guards into one ordered validator with first-failure
// reporting.
package shapecheck

import (
	"fmt"
)

// CompileInput bundles everything the trace-capture front end hands over
// for one cache-entry compilation.
type CompileInput struct {
	// Guards, in registration order.
	Guards []Guard
	// DuplicateInputs are pairs of sources asserted to alias one object.
	DuplicateInputs []DuplicateInputs

	// Placeholders, their sources and per-dimension constraints feed
	// shape-guard synthesis. Required when Guards contains GuardShapeEnv.
	Placeholders       []Placeholder
	PlaceholderSources []Source
	Constraints        []PlaceholderConstraint

	// DynamicDims, keyed by tensor source name, marks dimensions the bulk
	// metadata check must skip because shape guards cover them.
	DynamicDims map[string]map[int]bool

	// Scope holds the trace-time bindings guards are evaluated against.
	Scope *Scope
	// Env is the populated shape environment; nil when no shape guards.
	Env *ShapeEnv

	// Artifact is the compiled object the entry caches.
	Artifact any
	// Tracker receives mutation-watch registrations. Required when Guards
	// contains GuardObjectMutation.
	Tracker MutationTracker
}

// Compile builds a specialization cache entry: registers every guard,
// compiles the validator, and wires mutation watchers so any detected
// mutation flips the entry's validity latch.
func Compile(in CompileInput, opts ...Options) (*CacheEntry, error) {
	b := NewGuardBuilder(in.Scope, in.Env, opts...)
	for name, dims := range in.DynamicDims {
		b.dynamicDims[name] = dims
	}

	for _, g := range in.Guards {
		if err := b.Register(g); err != nil {
			return nil, fmt.Errorf("registering guards: %w", err)
		}
	}
	for _, d := range in.DuplicateInputs {
		if err := b.RegisterDuplicateInputs(d); err != nil {
			return nil, fmt.Errorf("registering duplicate-input guards: %w", err)
		}
	}

	if len(b.watchTargets) > 0 && in.Tracker == nil {
		return nil, fmt.Errorf("mutation-watch guard registered but no mutation tracker supplied")
	}

	v, err := b.Compile(in.Placeholders, in.PlaceholderSources, in.Constraints)
	if err != nil {
		return nil, err
	}

	entry := newCacheEntry(in.Artifact, v, b.log)
	for _, wt := range b.watchTargets {
		in.Tracker.Watch(wt.value, entry.Invalidate)
	}
	return entry, nil
}
