package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mbekkel/taskmill/internal/admission"
	"github.com/mbekkel/taskmill/internal/checkpoint"
	"github.com/mbekkel/taskmill/internal/model"
	"github.com/mbekkel/taskmill/internal/protocol"
)

// fakeControl is a scriptable ControlPlane.
type fakeControl struct {
	mu          sync.Mutex
	heartbeats  []string
	completions []protocol.TaskRunCompletion
	checkpoints []model.Checkpoint
	executeErr  error
}

func (f *fakeControl) CreateWorker(_ context.Context, msg *protocol.CreateWorker) (*protocol.CreateWorkerReply, error) {
	return &protocol.CreateWorkerReply{WorkerID: "worker_1", Version: "20260823.1"}, nil
}

func (f *fakeControl) NextExecution(_ context.Context, attemptID string) (*protocol.ExecutionPayload, bool, error) {
	if f.executeErr != nil {
		return nil, false, f.executeErr
	}
	return &protocol.ExecutionPayload{AttemptID: attemptID, TaskSlug: "t1"}, true, nil
}

func (f *fakeControl) ReportCompletion(_ context.Context, c protocol.TaskRunCompletion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions = append(f.completions, c)
	return nil
}

func (f *fakeControl) ReportCheckpoint(_ context.Context, _ string, cp model.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints = append(f.checkpoints, cp)
	return nil
}

func (f *fakeControl) ReportHeartbeat(_ context.Context, friendlyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, friendlyID)
	return nil
}

func (f *fakeControl) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.heartbeats)
}

// fakeCheckpointer counts creates and restores, and consumes each checkpoint
// exactly once like the real engines do.
type fakeCheckpointer struct {
	mu        sync.Mutex
	creates   int
	restores  int
	live      map[string]bool
	createErr error
}

func newFakeCheckpointer() *fakeCheckpointer {
	return &fakeCheckpointer{live: make(map[string]bool)}
}

func (f *fakeCheckpointer) Create(_ context.Context, attemptID, reason string) (model.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return model.Checkpoint{}, f.createErr
	}
	f.creates++
	location := fmt.Sprintf("mem://%s/%d", attemptID, f.creates)
	f.live[location] = true
	return model.Checkpoint{Type: "FAKE", Location: location, Reason: reason}, nil
}

func (f *fakeCheckpointer) Restore(_ context.Context, attemptID string, cp model.Checkpoint) (checkpoint.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live[cp.Location] {
		return checkpoint.Handle{}, fmt.Errorf("checkpoint %s already consumed", cp.Location)
	}
	delete(f.live, cp.Location)
	f.restores++
	return checkpoint.Handle{AttemptID: attemptID, Location: cp.Location}, nil
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeControl, *fakeCheckpointer, *admission.Controller) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	control := &fakeControl{}
	cp := newFakeCheckpointer()
	adm := admission.NewController(logger)
	return New(control, adm, cp, logger), control, cp, adm
}

// runToExecuting walks a fresh attempt PENDING -> EXECUTING.
func runToExecuting(t *testing.T, c *Coordinator, queueName string) model.TaskRunAttempt {
	t.Helper()
	ctx := context.Background()
	attempt, err := c.StartAttempt(ctx, model.NewID(), "t1", queueName, "env_prod")
	if err != nil {
		t.Fatalf("StartAttempt: %v", err)
	}
	if err := c.BeginIndexing(attempt.ID); err != nil {
		t.Fatalf("BeginIndexing: %v", err)
	}
	if err := c.MarkReady(attempt.ID); err != nil {
		t.Fatalf("MarkReady: %v", err)
	}
	if _, ok, err := c.RequestExecution(ctx, attempt.ID); err != nil || !ok {
		t.Fatalf("RequestExecution: ok=%v err=%v", ok, err)
	}
	return attempt
}

func TestSuspendResumeRoundTrip(t *testing.T) {
	c, control, cp, adm := newTestCoordinator(t)
	ctx := context.Background()

	attempt := runToExecuting(t, c, "task/t1")
	if got := adm.Inflight("env_prod", "task/t1"); got != 1 {
		t.Fatalf("inflight while executing = %d, want 1", got)
	}

	now := time.Now()
	suspended, err := c.HandleWait(ctx, &protocol.WaitForDuration{
		AttemptID: attempt.ID,
		Ms:        500,
		Now:       now,
		ResumeAt:  now.Add(500 * time.Millisecond),
	})
	if err != nil {
		t.Fatalf("HandleWait: %v", err)
	}
	if !suspended {
		t.Fatal("duration wait did not suspend")
	}

	got, _ := c.Attempt(attempt.ID)
	if got.Phase != model.PhaseCheckpointed {
		t.Errorf("phase after suspend = %s, want CHECKPOINTED", got.Phase)
	}
	if cp.creates != 1 {
		t.Errorf("checkpoints created = %d, want exactly 1", cp.creates)
	}
	if got.Checkpoint == nil {
		t.Fatal("attempt carries no checkpoint")
	}
	if adm.Inflight("env_prod", "task/t1") != 0 {
		t.Error("suspend did not release the queue slot")
	}
	if len(control.checkpoints) != 1 {
		t.Errorf("reported checkpoints = %d, want 1", len(control.checkpoints))
	}

	// Resume carrying a completion that arrived while suspended.
	err = c.Resume(ctx, &protocol.Resume{
		AttemptID:   attempt.ID,
		Checkpoint:  *got.Checkpoint,
		Completions: []protocol.TaskRunCompletion{{RunID: "run_child", OK: true}},
	})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}

	got, _ = c.Attempt(attempt.ID)
	if got.Phase != model.PhaseExecuting {
		t.Errorf("phase after resume = %s, want EXECUTING", got.Phase)
	}
	if adm.Inflight("env_prod", "task/t1") != 1 {
		t.Error("resume did not re-admit the attempt")
	}
	if cp.restores != 1 {
		t.Errorf("restores = %d, want 1", cp.restores)
	}

	// The awaited run completed while we slept: waiting on it again must
	// not suspend or take another checkpoint.
	suspended, err = c.HandleWait(ctx, &protocol.WaitForTask{AttemptID: attempt.ID, RunID: "run_child"})
	if err != nil {
		t.Fatalf("HandleWait after resume: %v", err)
	}
	if suspended {
		t.Error("wait on an already-completed run suspended the attempt")
	}
	if cp.creates != 1 {
		t.Errorf("checkpoints created = %d, want still 1", cp.creates)
	}
}

func TestWaitForBatchSkipsWhenAllComplete(t *testing.T) {
	c, _, cp, _ := newTestCoordinator(t)
	ctx := context.Background()

	attempt := runToExecuting(t, c, "task/t1")

	suspended, err := c.HandleWait(ctx, &protocol.WaitForBatch{
		AttemptID: attempt.ID,
		BatchID:   "batch_1",
		RunIDs:    []string{"run_a", "run_b"},
	})
	if err != nil {
		t.Fatalf("HandleWait: %v", err)
	}
	if !suspended {
		t.Fatal("batch with pending runs did not suspend")
	}

	got, _ := c.Attempt(attempt.ID)
	err = c.Resume(ctx, &protocol.Resume{
		AttemptID:  attempt.ID,
		Checkpoint: *got.Checkpoint,
		Completions: []protocol.TaskRunCompletion{
			{RunID: "run_a", OK: true},
			{RunID: "run_b", OK: true},
		},
	})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}

	suspended, err = c.HandleWait(ctx, &protocol.WaitForBatch{
		AttemptID: attempt.ID,
		BatchID:   "batch_1",
		RunIDs:    []string{"run_a", "run_b"},
	})
	if err != nil {
		t.Fatalf("HandleWait: %v", err)
	}
	if suspended {
		t.Error("fully-completed batch suspended again")
	}
	if cp.creates != 1 {
		t.Errorf("checkpoints created = %d, want 1", cp.creates)
	}
}

func TestHeartbeatAfterCompletionIgnored(t *testing.T) {
	c, control, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	attempt := runToExecuting(t, c, "task/t1")
	c.Heartbeat(ctx, attempt.ID)
	if control.heartbeatCount() != 1 {
		t.Fatalf("heartbeats forwarded = %d, want 1", control.heartbeatCount())
	}
	before, _ := c.LastHeartbeat(attempt.ID)

	err := c.Complete(ctx, attempt.ID, protocol.TaskRunCompletion{
		RunID:     attempt.RunID,
		AttemptID: attempt.ID,
		OK:        true,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	// A straggler heartbeat after completion must not be forwarded or
	// recorded: completion is authoritative.
	c.Heartbeat(ctx, attempt.ID)
	if control.heartbeatCount() != 1 {
		t.Errorf("heartbeats forwarded after completion = %d, want still 1", control.heartbeatCount())
	}
	after, _ := c.LastHeartbeat(attempt.ID)
	if !after.Equal(before) {
		t.Error("heartbeat after completion updated liveness state")
	}

	got, _ := c.Attempt(attempt.ID)
	if got.Phase != model.PhaseCompleted {
		t.Errorf("phase = %s, want COMPLETED", got.Phase)
	}
}

func TestCompleteReleasesQueueSlot(t *testing.T) {
	c, control, _, adm := newTestCoordinator(t)
	ctx := context.Background()

	limit := 1
	adm.UpsertQueue("env_prod", "task/t1", &limit, nil)

	attempt := runToExecuting(t, c, "task/t1")

	// Queue is full while the first attempt executes.
	if _, err := c.StartAttempt(ctx, model.NewID(), "t1", "task/t1", "env_prod"); !errors.Is(err, admission.ErrConcurrencyLimited) {
		t.Fatalf("second StartAttempt error = %v, want ErrConcurrencyLimited", err)
	}

	if err := c.Complete(ctx, attempt.ID, protocol.TaskRunCompletion{RunID: attempt.RunID, AttemptID: attempt.ID, OK: true}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(control.completions) != 1 {
		t.Errorf("reported completions = %d, want 1", len(control.completions))
	}

	if _, err := c.StartAttempt(ctx, model.NewID(), "t1", "task/t1", "env_prod"); err != nil {
		t.Errorf("StartAttempt after completion: %v", err)
	}
}

func TestSuspendFreesSlotForOtherRuns(t *testing.T) {
	c, _, _, adm := newTestCoordinator(t)
	ctx := context.Background()

	limit := 1
	adm.UpsertQueue("env_prod", "task/t1", &limit, nil)

	attempt := runToExecuting(t, c, "task/t1")
	if err := c.Suspend(ctx, attempt.ID, "WAIT_FOR_TASK:run_x", nil); err != nil {
		t.Fatalf("Suspend: %v", err)
	}

	// The suspended attempt no longer occupies the slot.
	other := runToExecuting(t, c, "task/t1")
	if err := c.Complete(ctx, other.ID, protocol.TaskRunCompletion{RunID: other.RunID, AttemptID: other.ID, OK: true}); err != nil {
		t.Fatalf("Complete other: %v", err)
	}

	got, _ := c.Attempt(attempt.ID)
	if err := c.Resume(ctx, &protocol.Resume{AttemptID: attempt.ID, Checkpoint: *got.Checkpoint}); err != nil {
		t.Fatalf("Resume: %v", err)
	}
}

func TestInvalidTransitionsRejected(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	attempt, err := c.StartAttempt(ctx, model.NewID(), "t1", "task/t1", "env_prod")
	if err != nil {
		t.Fatalf("StartAttempt: %v", err)
	}

	if err := c.MarkReady(attempt.ID); err == nil {
		t.Error("PENDING -> READY accepted")
	}
	if err := c.Suspend(ctx, attempt.ID, "test", nil); err == nil {
		t.Error("PENDING -> SUSPENDED accepted")
	}
	if _, _, err := c.RequestExecution(ctx, attempt.ID); err == nil {
		t.Error("execution granted to a PENDING attempt")
	}
	if err := c.Resume(ctx, &protocol.Resume{AttemptID: attempt.ID}); err == nil {
		t.Error("resume of a never-suspended attempt accepted")
	}
}

func TestCheckpointFailureFailsAttempt(t *testing.T) {
	c, _, cp, adm := newTestCoordinator(t)
	ctx := context.Background()

	attempt := runToExecuting(t, c, "task/t1")
	cp.createErr = errors.New("disk full")

	if err := c.Suspend(ctx, attempt.ID, "WAIT_FOR_DURATION", nil); err == nil {
		t.Fatal("Suspend succeeded despite checkpoint failure")
	}

	got, _ := c.Attempt(attempt.ID)
	if got.Phase != model.PhaseFailed {
		t.Errorf("phase = %s, want FAILED", got.Phase)
	}
	if got.ErrorReason == "" {
		t.Error("failed attempt carries no error reason")
	}
	if adm.Inflight("env_prod", "task/t1") != 0 {
		t.Error("failed suspend leaked a queue slot")
	}
}

func TestResumeDue(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	attempt := runToExecuting(t, c, "task/t1")
	suspended, err := c.HandleWait(ctx, &protocol.WaitForDuration{
		AttemptID: attempt.ID,
		Ms:        500,
		Now:       base,
	})
	if err != nil || !suspended {
		t.Fatalf("HandleWait: suspended=%v err=%v", suspended, err)
	}

	// Deadline not reached yet.
	c.now = func() time.Time { return base.Add(200 * time.Millisecond) }
	if resumed := c.ResumeDue(ctx); len(resumed) != 0 {
		t.Fatalf("ResumeDue before deadline resumed %v", resumed)
	}

	c.now = func() time.Time { return base.Add(time.Second) }
	resumed := c.ResumeDue(ctx)
	if len(resumed) != 1 || resumed[0] != attempt.ID {
		t.Fatalf("ResumeDue = %v, want [%s]", resumed, attempt.ID)
	}

	got, _ := c.Attempt(attempt.ID)
	if got.Phase != model.PhaseExecuting {
		t.Errorf("phase after due resume = %s, want EXECUTING", got.Phase)
	}
}

func TestServeConnDispatch(t *testing.T) {
	c, control, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	attempt, err := c.StartAttempt(ctx, "run_1", "t1", "task/t1", "env_prod")
	if err != nil {
		t.Fatalf("StartAttempt: %v", err)
	}
	if err := c.BeginIndexing(attempt.ID); err != nil {
		t.Fatalf("BeginIndexing: %v", err)
	}
	if err := c.MarkReady(attempt.ID); err != nil {
		t.Fatalf("MarkReady: %v", err)
	}

	server, client := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- c.ServeConn(ctx, server) }()

	// READY_FOR_EXECUTION gets an execution payload back.
	if err := protocol.Encode(client, &protocol.ReadyForExecution{AttemptID: attempt.ID}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var reply protocol.ExecutionReply
	ok, err := protocol.DecodeCallback(client, &reply)
	if err != nil {
		t.Fatalf("DecodeCallback: %v", err)
	}
	if !ok {
		t.Fatal("execution callback reported failure")
	}
	if reply.Execution.AttemptID != attempt.ID {
		t.Errorf("execution attempt = %q, want %q", reply.Execution.AttemptID, attempt.ID)
	}

	// Heartbeats are fire and forget.
	if err := protocol.Encode(client, &protocol.TaskHeartbeat{AttemptFriendlyID: attempt.FriendlyID}); err != nil {
		t.Fatalf("Encode heartbeat: %v", err)
	}

	// TASK_RUN_COMPLETED is acknowledged.
	completion := protocol.TaskRunCompletion{
		RunID:     "run_1",
		AttemptID: attempt.ID,
		OK:        true,
		Output:    json.RawMessage(`{"n":42}`),
	}
	if err := protocol.Encode(client, &protocol.TaskRunCompleted{Completion: completion}); err != nil {
		t.Fatalf("Encode completion: %v", err)
	}
	ok, err = protocol.DecodeCallback(client, nil)
	if err != nil {
		t.Fatalf("DecodeCallback: %v", err)
	}
	if !ok {
		t.Fatal("completion callback reported failure")
	}

	client.Close()
	if err := <-done; err != nil {
		t.Fatalf("ServeConn: %v", err)
	}

	if control.heartbeatCount() != 1 {
		t.Errorf("heartbeats forwarded = %d, want 1", control.heartbeatCount())
	}
	got, _ := c.Attempt(attempt.ID)
	if got.Phase != model.PhaseCompleted {
		t.Errorf("phase = %s, want COMPLETED", got.Phase)
	}
}
