package shapecheck

import (
	"reflect"
	"runtime"
	"sync/atomic"
	"unsafe"
)

// MutationTracker is the external collaborator watching guarded objects.
// The contract: on any attribute mutation of obj after registration, call
// onMutate exactly once.
type MutationTracker interface {
	Watch(obj any, onMutate func())
}

// CacheEntry owns one compiled artifact, the validator guarding it, and
// the validity latch flipped by liveness or mutation events. The dispatcher
// consults Validate before every call; a false latch bypasses the validator
// entirely.
type CacheEntry struct {
	artifact  any
	validator *Validator

	// valid is a one-way latch: once false, always false. It is the only
	// state mutated by external asynchronous events.
	invalidated atomic.Bool

	log Logger
}

func newCacheEntry(artifact any, v *Validator, log Logger) *CacheEntry {
	e := &CacheEntry{artifact: artifact, validator: v, log: log}
	v.entry = e
	return e
}

// Artifact returns the compiled artifact this entry caches.
func (e *CacheEntry) Artifact() any { return e.artifact }

// Validator returns the compiled validator. The entry owns it; callers
// must not retain it past the entry's lifetime.
func (e *CacheEntry) Validator() *Validator { return e.validator }

// Valid reports the latch state.
func (e *CacheEntry) Valid() bool { return !e.invalidated.Load() }

// Invalidate permanently flips the validity latch. Safe to call from any
// goroutine, any number of times.
func (e *CacheEntry) Invalidate() {
	if e.invalidated.CompareAndSwap(false, true) {
		e.log.Infof("cache entry invalidated")
	}
}

// Validate checks a fresh scope against the entry's guards.
func (e *CacheEntry) Validate(scope *Scope) Result {
	return e.validator.Validate(scope)
}

// ObserveLiveness invalidates the entry when obj is reclaimed by the
// garbage collector. The observation is non-owning: registering it does
// not keep obj alive. Returns false when obj is not a non-nil pointer.
func ObserveLiveness(entry *CacheEntry, obj any) bool {
	rv := reflect.ValueOf(obj)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return false
	}
	p := (*byte)(unsafe.Pointer(rv.Pointer()))
	runtime.AddCleanup(p, func(e *CacheEntry) { e.Invalidate() }, entry)
	return true
}
