// Package reliability provides the bounded-retry, circuit-breaker and
// outcome primitives shared by the orchestration core. Operations guarded by
// this package never panic back to callers; they return tagged outcomes.
package reliability

import "time"

// Kind tags the result of a guarded operation.
type Kind string

const (
	// KindOK indicates the operation succeeded.
	KindOK Kind = "ok"
	// KindTransient indicates a retryable failure.
	KindTransient Kind = "transient"
	// KindPermanent indicates a non-retryable failure.
	KindPermanent Kind = "permanent"
	// KindOpenCircuit indicates the call was rejected without invoking the
	// operation because the protecting breaker is open.
	KindOpenCircuit Kind = "open_circuit"
)

// Outcome is the tagged result of a guarded operation.
type Outcome struct {
	Kind     Kind
	Err      error
	Attempts int
	Elapsed  time.Duration
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool {
	return o.Kind == KindOK
}

// Retryable reports whether another attempt could change the result.
func (o Outcome) Retryable() bool {
	return o.Kind == KindTransient || o.Kind == KindOpenCircuit
}

// Class classifies an error for the retry predicate.
type Class int

const (
	// ClassTransient marks an error worth retrying.
	ClassTransient Class = iota
	// ClassPermanent marks an error that retrying cannot fix.
	ClassPermanent
)

// Classifier decides whether an error is transient or permanent.
type Classifier func(error) Class

// AlwaysTransient treats every error as retryable.
func AlwaysTransient(error) Class { return ClassTransient }

// AlwaysPermanent treats every error as final.
func AlwaysPermanent(error) Class { return ClassPermanent }
