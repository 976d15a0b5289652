// Package pipeline owns the per-project delivery state machine: durable
// state, the exact transition table, project-scoped locking, audit
// history, and crash recovery.
package pipeline

import "devos/internal/db"

// States re-exported for callers that only import pipeline.
const (
	StateIdle         = db.StateIdle
	StatePlanning     = db.StatePlanning
	StateImplementing = db.StateImplementing
	StateQA           = db.StateQA
	StateDeploying    = db.StateDeploying
	StateComplete     = db.StateComplete
	StateFailed       = db.StateFailed
	StatePaused       = db.StatePaused
)

// ValidTransitions is the exact edge table. No skipping: a transition to
// S from C is accepted iff S appears in ValidTransitions[C].
var ValidTransitions = map[string][]string{
	StateIdle:         {StatePlanning, StateImplementing},
	StatePlanning:     {StateImplementing, StateFailed, StatePaused},
	StateImplementing: {StateQA, StateFailed, StatePaused},
	// qa -> implementing is the QA-rejection path.
	StateQA:        {StateDeploying, StateImplementing, StateFailed, StatePaused},
	StateDeploying: {StateComplete, StateFailed, StatePaused},
	StateComplete:  {StateIdle},
	StateFailed:    {StateIdle, StatePlanning, StateImplementing},
	StatePaused:    {StatePlanning, StateImplementing, StateQA, StateDeploying},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to string) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
