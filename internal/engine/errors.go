package engine

import "fmt"

// ValidationError reports malformed input. Surfaced to the caller
// immediately; never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// InvalidStateError reports an operation against an entity that is not
// in the required state, such as approving a non-pending proposal or
// completing an already-terminal step.
type InvalidStateError struct {
	Entity string
	ID     string
	Status string
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s is %s", e.Entity, e.ID, e.Status)
}
