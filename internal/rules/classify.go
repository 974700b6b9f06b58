package rules

import "fmt"

// RejectError marks a record the pipeline refuses permanently: a failed
// validation or a missing reference. The consumer dead-letters the record,
// commits its offset, and the stream moves on.
type RejectError struct {
	Stage  string // rule that refused the record
	Reason string
}

func (e *RejectError) Error() string {
	return e.Stage + ": " + e.Reason
}

func rejectf(stage, format string, args ...any) *RejectError {
	return &RejectError{Stage: stage, Reason: fmt.Sprintf(format, args...)}
}

// FatalError marks a broken storage invariant, such as two open blocks for
// one aggregation group. Retrying cannot help and continuing could corrupt
// downstream state, so the worker halts and pages an operator.
type FatalError struct {
	Stage string
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: invariant breach: %v", e.Stage, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}
