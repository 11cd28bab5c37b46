package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mbekkel/taskmill/internal/model"
	"github.com/mbekkel/taskmill/internal/protocol"
	"github.com/mbekkel/taskmill/internal/store"
)

// Launcher turns inbound run requests into admitted, staged attempts. It
// resolves the task's queue from the latest registered worker, admits the
// attempt through the coordinator, and stages the execution payload the
// worker collects with READY_FOR_EXECUTION.
type Launcher struct {
	coord  *Coordinator
	plane  *LocalPlane
	store  store.Store
	logger *slog.Logger
}

// NewLauncher creates a Launcher.
func NewLauncher(coord *Coordinator, plane *LocalPlane, st store.Store, logger *slog.Logger) *Launcher {
	return &Launcher{coord: coord, plane: plane, store: st, logger: logger}
}

// StartRun starts one task run: a fresh run id and attempt, admitted through
// the task's queue. Admission failures (queue at its concurrency or rate
// limit) surface unchanged so callers can tell them from lookup failures.
// The returned attempt is READY; its payload is staged and handed out when
// the worker asks.
func (l *Launcher) StartRun(ctx context.Context, environment, taskSlug string, payload json.RawMessage) (model.TaskRunAttempt, error) {
	w, err := l.store.LatestWorker(ctx, environment)
	if err != nil {
		return model.TaskRunAttempt{}, fmt.Errorf("resolve worker for %s: %w", environment, err)
	}
	tasks, err := l.store.ListTasks(ctx, w.ID)
	if err != nil {
		return model.TaskRunAttempt{}, fmt.Errorf("list tasks: %w", err)
	}

	var task *model.Task
	for _, t := range tasks {
		if t.Slug == taskSlug {
			task = t
			break
		}
	}
	if task == nil {
		return model.TaskRunAttempt{}, fmt.Errorf("task %s in %s: %w", taskSlug, environment, store.ErrNotFound)
	}

	envVars, err := l.store.ListEnvVars(ctx, environment)
	if err != nil {
		return model.TaskRunAttempt{}, fmt.Errorf("list env vars: %w", err)
	}

	runID := model.NewFriendlyID("run")
	attempt, err := l.coord.StartAttempt(ctx, runID, taskSlug, task.QueueName, environment)
	if err != nil {
		return model.TaskRunAttempt{}, err
	}

	// The worker version was indexed at deployment time; the attempt only
	// passes through INDEXING on its way to READY.
	if err := l.coord.BeginIndexing(attempt.ID); err != nil {
		return model.TaskRunAttempt{}, err
	}
	if err := l.coord.MarkReady(attempt.ID); err != nil {
		return model.TaskRunAttempt{}, err
	}

	l.plane.EnqueueExecution(protocol.ExecutionPayload{
		RunID:             runID,
		AttemptID:         attempt.ID,
		AttemptFriendlyID: attempt.FriendlyID,
		TaskSlug:          taskSlug,
		QueueName:         task.QueueName,
		Environment:       environment,
		Payload:           payload,
		EnvVars:           envVars,
	})

	l.logger.Info("run staged",
		"run_id", runID,
		"attempt_id", attempt.ID,
		"task", taskSlug,
		"queue", task.QueueName,
	)

	staged, _ := l.coord.Attempt(attempt.ID)
	return staged, nil
}
