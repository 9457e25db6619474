package domain

import "fmt"

// ValidationError reports a malformed input parameter. It is never retried.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// IntegrityError reports a bar that violates the OHLC/volume invariants.
// Integrity violations fail the affected batch and are never coerced.
type IntegrityError struct {
	Key      SeriesKey
	OpenTime int64
	Reason   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("bar %s@%d: %s", e.Key, e.OpenTime, e.Reason)
}
