package pipeline

import "fmt"

// InvalidTransitionError rejects an edge missing from the transition
// table. Never retried.
type InvalidTransitionError struct {
	ProjectID string
	From      string
	To        string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition for project %s: %s -> %s", e.ProjectID, e.From, e.To)
}

// LockError signals contention on the project transition lock. Callers
// retry with backoff; the critical section never retries internally.
type LockError struct {
	ProjectID string
}

func (e *LockError) Error() string {
	return fmt.Sprintf("pipeline lock for project %s is held by a peer", e.ProjectID)
}
