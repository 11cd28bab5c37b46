package model

import "time"

// Attempt lifecycle phase constants. These exact strings travel on the
// coordinator wire protocol.
const (
	PhasePending      = "PENDING"
	PhaseIndexing     = "INDEXING"
	PhaseReady        = "READY"
	PhaseExecuting    = "EXECUTING"
	PhaseSuspended    = "SUSPENDED"
	PhaseCheckpointed = "CHECKPOINTED"
	PhaseRestoring    = "RESTORING"
	PhaseResumed      = "RESUMED"
	PhaseCompleted    = "COMPLETED"
	PhaseFailed       = "FAILED"
)

// validPhaseTransitions maps each attempt phase to the set of phases it may
// transition to. COMPLETED and FAILED are terminal. SUSPENDED is entered
// only via a wait primitive and always checkpoints before anything else.
var validPhaseTransitions = map[string]map[string]bool{
	PhasePending: {
		PhaseIndexing: true,
		PhaseFailed:   true,
	},
	PhaseIndexing: {
		PhaseReady:  true,
		PhaseFailed: true,
	},
	PhaseReady: {
		PhaseExecuting: true,
		PhaseFailed:    true,
	},
	PhaseExecuting: {
		PhaseCompleted: true,
		PhaseSuspended: true,
		PhaseFailed:    true,
	},
	PhaseSuspended: {
		PhaseCheckpointed: true,
		PhaseFailed:       true,
	},
	PhaseCheckpointed: {
		PhaseRestoring: true,
		PhaseFailed:    true,
	},
	PhaseRestoring: {
		PhaseResumed: true,
		PhaseFailed:  true,
	},
	PhaseResumed: {
		PhaseExecuting: true,
		PhaseFailed:    true,
	},
}

// ValidPhaseTransition reports whether an attempt may move between the two
// phases.
func ValidPhaseTransition(from, to string) bool {
	targets, ok := validPhaseTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// TerminalPhase reports whether the phase admits no further transitions.
func TerminalPhase(phase string) bool {
	return phase == PhaseCompleted || phase == PhaseFailed
}

// Checkpoint is an opaque external snapshot of a suspended attempt's runtime
// state. The coordinator passes it through without interpreting Location;
// only the checkpoint engine that created it knows how to restore it.
type Checkpoint struct {
	Type     string `json:"type"`
	Location string `json:"location"`
	Reason   string `json:"reason,omitempty"`
}

// TaskRunAttempt is one execution instance of a task run, possibly spanning
// multiple suspend/resume cycles.
type TaskRunAttempt struct {
	ID          string      `json:"id"`
	FriendlyID  string      `json:"friendly_id"`
	RunID       string      `json:"run_id"`
	TaskSlug    string      `json:"task_slug"`
	QueueName   string      `json:"queue_name"`
	Environment string      `json:"environment"`
	Phase       string      `json:"phase"`
	Checkpoint  *Checkpoint `json:"checkpoint,omitempty"`
	ErrorReason string      `json:"error_reason,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}
