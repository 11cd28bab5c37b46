package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/mbekkel/taskmill/internal/model"
	"github.com/mbekkel/taskmill/internal/protocol"
)

// Wait reason prefixes recorded on checkpoints. A checkpoint's reason is
// opaque to everything but logs and the resume scheduler, which only cares
// about WAIT_FOR_DURATION deadlines.
const (
	reasonWaitForDuration = "WAIT_FOR_DURATION"
	reasonWaitForTask     = "WAIT_FOR_TASK"
	reasonWaitForBatch    = "WAIT_FOR_BATCH"
)

// HandleWait processes a wait primitive from an executing attempt. It
// returns suspended=false when the wait is already satisfied (the awaited
// runs have all completed) and the attempt should simply keep executing;
// no checkpoint is taken in that case.
func (c *Coordinator) HandleWait(ctx context.Context, msg protocol.Message) (suspended bool, err error) {
	switch m := msg.(type) {
	case *protocol.WaitForDuration:
		resumeAt := m.ResumeAt
		if resumeAt.IsZero() {
			resumeAt = m.Now.Add(time.Duration(m.Ms) * time.Millisecond)
		}
		if err := c.Suspend(ctx, m.AttemptID, reasonWaitForDuration, &resumeAt); err != nil {
			return false, err
		}
		return true, nil

	case *protocol.WaitForTask:
		if c.RunCompleted(m.AttemptID, m.RunID) {
			return false, nil
		}
		if err := c.Suspend(ctx, m.AttemptID, reasonWaitForTask+":"+m.RunID, nil); err != nil {
			return false, err
		}
		return true, nil

	case *protocol.WaitForBatch:
		pending := false
		for _, runID := range m.RunIDs {
			if !c.RunCompleted(m.AttemptID, runID) {
				pending = true
				break
			}
		}
		if !pending {
			return false, nil
		}
		if err := c.Suspend(ctx, m.AttemptID, reasonWaitForBatch+":"+m.BatchID, nil); err != nil {
			return false, err
		}
		return true, nil

	default:
		return false, fmt.Errorf("message %s is not a wait primitive", msg.MessageType())
	}
}

// Suspend takes an executing attempt out of service: exactly one checkpoint
// is created, the attempt moves EXECUTING -> SUSPENDED -> CHECKPOINTED, its
// queue slot is released so other runs can use the capacity, and the
// checkpoint is reported upstream. resumeAt, when set, schedules an
// automatic resume (duration waits); otherwise resumption is event driven.
func (c *Coordinator) Suspend(ctx context.Context, attemptID, reason string, resumeAt *time.Time) error {
	c.mu.Lock()
	st, err := c.state(attemptID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.transition(st, model.PhaseSuspended); err != nil {
		c.mu.Unlock()
		return err
	}
	attempt := st.attempt
	c.mu.Unlock()

	cp, err := c.checkpoints.Create(ctx, attemptID, reason)
	if err != nil {
		// A suspend that cannot checkpoint is unrecoverable for this
		// attempt: the worker has already yielded.
		c.mu.Lock()
		st.attempt.Phase = model.PhaseFailed
		st.attempt.ErrorReason = fmt.Sprintf("checkpoint failed: %v", err)
		c.mu.Unlock()
		c.admission.Release(attempt.Environment, attempt.QueueName, attemptID)
		return fmt.Errorf("create checkpoint: %w", err)
	}

	c.mu.Lock()
	if err := c.transition(st, model.PhaseCheckpointed); err != nil {
		c.mu.Unlock()
		return err
	}
	st.attempt.Checkpoint = &cp
	st.resumeAt = resumeAt
	c.mu.Unlock()

	checkpointsCreated.Inc()
	c.admission.Release(attempt.Environment, attempt.QueueName, attemptID)

	if err := c.control.ReportCheckpoint(ctx, attemptID, cp); err != nil {
		c.logger.Warn("report checkpoint", "attempt_id", attemptID, "error", err)
	}

	c.logger.Info("attempt suspended",
		"attempt_id", attemptID,
		"reason", reason,
		"checkpoint_type", cp.Type,
		"checkpoint_location", cp.Location,
	)
	return nil
}

// Resume brings a checkpointed attempt back: restore the checkpoint (it is
// consumed in the process), merge completions that arrived while suspended
// so already-finished awaited runs are never re-executed, re-admit the
// attempt through its queue, and return it to EXECUTING.
func (c *Coordinator) Resume(ctx context.Context, msg *protocol.Resume) error {
	c.mu.Lock()
	st, err := c.state(msg.AttemptID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.transition(st, model.PhaseRestoring); err != nil {
		c.mu.Unlock()
		return err
	}
	cp := msg.Checkpoint
	if cp.Location == "" && st.attempt.Checkpoint != nil {
		cp = *st.attempt.Checkpoint
	}
	attempt := st.attempt
	c.mu.Unlock()

	if _, err := c.checkpoints.Restore(ctx, msg.AttemptID, cp); err != nil {
		c.mu.Lock()
		st.attempt.Phase = model.PhaseFailed
		st.attempt.ErrorReason = fmt.Sprintf("restore failed: %v", err)
		c.mu.Unlock()
		return fmt.Errorf("restore checkpoint: %w", err)
	}

	if err := c.admission.Admit(attempt.Environment, attempt.QueueName, msg.AttemptID); err != nil {
		c.mu.Lock()
		st.attempt.Phase = model.PhaseFailed
		st.attempt.ErrorReason = fmt.Sprintf("readmission failed: %v", err)
		c.mu.Unlock()
		return fmt.Errorf("readmit attempt: %w", err)
	}

	c.mu.Lock()
	if err := c.transition(st, model.PhaseResumed); err != nil {
		c.mu.Unlock()
		return err
	}
	for _, completion := range msg.Completions {
		st.completions[completion.RunID] = completion
	}
	st.attempt.Checkpoint = nil
	st.resumeAt = nil
	if err := c.transition(st, model.PhaseExecuting); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	checkpointsRestored.Inc()
	c.logger.Info("attempt resumed", "attempt_id", msg.AttemptID, "completions", len(msg.Completions))
	return nil
}

// ResumeDue resumes every checkpointed attempt whose duration-wait deadline
// has passed. It returns the IDs of the attempts it resumed. Run it on a
// ticker; event-driven waits (task, batch) are untouched.
func (c *Coordinator) ResumeDue(ctx context.Context) []string {
	now := c.now()

	c.mu.Lock()
	var due []string
	for id, st := range c.attempts {
		if st.attempt.Phase == model.PhaseCheckpointed && st.resumeAt != nil && !st.resumeAt.After(now) {
			due = append(due, id)
		}
	}
	c.mu.Unlock()

	var resumed []string
	for _, id := range due {
		if err := c.Resume(ctx, &protocol.Resume{AttemptID: id}); err != nil {
			c.logger.Warn("resume due attempt", "attempt_id", id, "error", err)
			continue
		}
		resumed = append(resumed, id)
	}
	return resumed
}
