// Package coordinator drives each task-run attempt through its lifecycle:
// index, invoke, execute, optional suspend/checkpoint/restore/resume cycles,
// and completion. It bridges the control plane and the worker runtime and
// owns the attempt's transient state for the lifetime of one run.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbekkel/taskmill/internal/admission"
	"github.com/mbekkel/taskmill/internal/checkpoint"
	"github.com/mbekkel/taskmill/internal/model"
	"github.com/mbekkel/taskmill/internal/protocol"
)

// ControlPlane is the coordinator's narrow view of the control plane side of
// the protocol.
type ControlPlane interface {
	// CreateWorker registers a worker version and its tasks.
	CreateWorker(ctx context.Context, msg *protocol.CreateWorker) (*protocol.CreateWorkerReply, error)
	// NextExecution returns the next payload to run for an attempt, or
	// ok=false when the control plane is not ready to hand one out.
	NextExecution(ctx context.Context, attemptID string) (payload *protocol.ExecutionPayload, ok bool, err error)
	// ReportCompletion delivers a finished attempt's result.
	ReportCompletion(ctx context.Context, completion protocol.TaskRunCompletion) error
	// ReportCheckpoint notifies that a snapshot of a suspended attempt exists.
	ReportCheckpoint(ctx context.Context, attemptID string, cp model.Checkpoint) error
	// ReportHeartbeat forwards a liveness ping.
	ReportHeartbeat(ctx context.Context, attemptFriendlyID string) error
}

// attemptState is the coordinator-owned transient state for one attempt.
type attemptState struct {
	attempt       model.TaskRunAttempt
	completions   map[string]protocol.TaskRunCompletion
	lastHeartbeat time.Time
	resumeAt      *time.Time
}

// Coordinator is the per-process execution coordinator.
type Coordinator struct {
	control     ControlPlane
	admission   *admission.Controller
	checkpoints checkpoint.Checkpointer
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	attempts map[string]*attemptState
}

// New creates a Coordinator.
func New(control ControlPlane, adm *admission.Controller, cp checkpoint.Checkpointer, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		control:     control,
		admission:   adm,
		checkpoints: cp,
		logger:      logger,
		now:         time.Now,
		attempts:    make(map[string]*attemptState),
	}
}

// StartAttempt admits a new attempt through its queue and creates it in
// PENDING. Admission is the atomic decision point: a queue at its
// concurrency or rate limit rejects here and the control plane owns any
// retry.
func (c *Coordinator) StartAttempt(ctx context.Context, runID, taskSlug, queueName, environment string) (model.TaskRunAttempt, error) {
	attemptID := model.NewID()
	if err := c.admission.Admit(environment, queueName, attemptID); err != nil {
		return model.TaskRunAttempt{}, fmt.Errorf("admit attempt for queue %s: %w", queueName, err)
	}

	attempt := model.TaskRunAttempt{
		ID:          attemptID,
		FriendlyID:  model.NewFriendlyID("attempt"),
		RunID:       runID,
		TaskSlug:    taskSlug,
		QueueName:   queueName,
		Environment: environment,
		Phase:       model.PhasePending,
		CreatedAt:   c.now().UTC(),
	}

	c.mu.Lock()
	c.attempts[attemptID] = &attemptState{
		attempt:     attempt,
		completions: make(map[string]protocol.TaskRunCompletion),
	}
	c.mu.Unlock()

	c.logger.Info("attempt started",
		"attempt_id", attemptID,
		"run_id", runID,
		"task", taskSlug,
		"queue", queueName,
	)
	return attempt, nil
}

// state returns the attempt state or an error. Callers must hold c.mu.
func (c *Coordinator) state(attemptID string) (*attemptState, error) {
	st, ok := c.attempts[attemptID]
	if !ok {
		return nil, fmt.Errorf("unknown attempt %s", attemptID)
	}
	return st, nil
}

// transition moves an attempt to phase, enforcing the transition table.
// Callers must hold c.mu.
func (c *Coordinator) transition(st *attemptState, to string) error {
	from := st.attempt.Phase
	if !model.ValidPhaseTransition(from, to) {
		return fmt.Errorf("attempt %s: invalid transition %s -> %s", st.attempt.ID, from, to)
	}
	st.attempt.Phase = to
	phaseTransitions.WithLabelValues(to).Inc()
	c.logger.Debug("attempt phase change", "attempt_id", st.attempt.ID, "from", from, "to", to)
	return nil
}

// BeginIndexing moves a pending attempt into INDEXING.
func (c *Coordinator) BeginIndexing(attemptID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.state(attemptID)
	if err != nil {
		return err
	}
	return c.transition(st, model.PhaseIndexing)
}

// MarkReady records that indexing finished and the attempt may execute.
func (c *Coordinator) MarkReady(attemptID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := c.state(attemptID)
	if err != nil {
		return err
	}
	return c.transition(st, model.PhaseReady)
}

// RequestExecution asks the control plane for the attempt's execution
// payload. ok=false means "not ready" and leaves the attempt in READY.
func (c *Coordinator) RequestExecution(ctx context.Context, attemptID string) (*protocol.ExecutionPayload, bool, error) {
	c.mu.Lock()
	st, err := c.state(attemptID)
	if err != nil {
		c.mu.Unlock()
		return nil, false, err
	}
	if st.attempt.Phase != model.PhaseReady {
		c.mu.Unlock()
		return nil, false, fmt.Errorf("attempt %s is %s, not READY", attemptID, st.attempt.Phase)
	}
	c.mu.Unlock()

	payload, ok, err := c.control.NextExecution(ctx, attemptID)
	if err != nil {
		return nil, false, fmt.Errorf("request execution: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.transition(st, model.PhaseExecuting); err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

// Heartbeat records a liveness ping. Heartbeats never change lifecycle
// state, and a heartbeat arriving after completion is ignored entirely:
// completion is authoritative over out-of-order heartbeats.
func (c *Coordinator) Heartbeat(ctx context.Context, attemptID string) {
	c.mu.Lock()
	st, ok := c.attempts[attemptID]
	if !ok || model.TerminalPhase(st.attempt.Phase) {
		c.mu.Unlock()
		return
	}
	st.lastHeartbeat = c.now()
	friendlyID := st.attempt.FriendlyID
	c.mu.Unlock()

	if err := c.control.ReportHeartbeat(ctx, friendlyID); err != nil {
		c.logger.Warn("forward heartbeat", "attempt_id", attemptID, "error", err)
	}
}

// LastHeartbeat returns the time of the attempt's most recent heartbeat.
// The control plane uses the heartbeat stream as its cancellation signal;
// the coordinator itself never cancels on a missed beat.
func (c *Coordinator) LastHeartbeat(attemptID string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.attempts[attemptID]
	if !ok {
		return time.Time{}, false
	}
	return st.lastHeartbeat, true
}

// Complete finishes an attempt with its result, releases its queue slot,
// and reports the completion upstream.
func (c *Coordinator) Complete(ctx context.Context, attemptID string, completion protocol.TaskRunCompletion) error {
	c.mu.Lock()
	st, err := c.state(attemptID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.transition(st, model.PhaseCompleted); err != nil {
		c.mu.Unlock()
		return err
	}
	completedAt := c.now().UTC()
	st.attempt.CompletedAt = &completedAt
	st.completions[completion.RunID] = completion
	attempt := st.attempt
	c.mu.Unlock()

	c.admission.Release(attempt.Environment, attempt.QueueName, attemptID)

	if err := c.control.ReportCompletion(ctx, completion); err != nil {
		return fmt.Errorf("report completion: %w", err)
	}
	return nil
}

// Fail moves an attempt to the terminal FAILED phase with a structured
// reason. The coordinator never retries; retry policy belongs to the
// control plane issuing new attempts.
func (c *Coordinator) Fail(attemptID, reason string) error {
	c.mu.Lock()
	st, err := c.state(attemptID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.transition(st, model.PhaseFailed); err != nil {
		c.mu.Unlock()
		return err
	}
	st.attempt.ErrorReason = reason
	attempt := st.attempt
	c.mu.Unlock()

	c.admission.Release(attempt.Environment, attempt.QueueName, attemptID)

	c.logger.Warn("attempt failed", "attempt_id", attemptID, "reason", reason)
	return nil
}

// Attempt returns a snapshot of the attempt's current state.
func (c *Coordinator) Attempt(attemptID string) (model.TaskRunAttempt, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.attempts[attemptID]
	if !ok {
		return model.TaskRunAttempt{}, false
	}
	return st.attempt, true
}

// RunCompleted reports whether a child run's completion has been recorded
// for the attempt.
func (c *Coordinator) RunCompleted(attemptID, runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.attempts[attemptID]
	if !ok {
		return false
	}
	_, done := st.completions[runID]
	return done
}
