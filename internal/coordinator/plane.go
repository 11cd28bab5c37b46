package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbekkel/taskmill/internal/backend"
	"github.com/mbekkel/taskmill/internal/model"
	"github.com/mbekkel/taskmill/internal/protocol"
	"github.com/mbekkel/taskmill/internal/registry"
	"github.com/mbekkel/taskmill/internal/store"
)

// sdkVersion is the SDK release the builder pins task bundles to.
const sdkVersion = "3.0.0"

// LocalPlane is the in-process control plane: it backs the ControlPlane
// interface with the worker registry and the store, holds the pending
// execution payloads, and drives remote indexing of deployed images.
type LocalPlane struct {
	registry *registry.Registry
	store    store.Store
	logger   *slog.Logger

	// runtimes hosts the worker instances; runtime names the configured
	// one ("auto" picks the strongest isolation registered).
	runtimes *backend.Registry
	runtime  string

	mu         sync.Mutex
	executions map[string]protocol.ExecutionPayload
	heartbeats map[string]time.Time
}

// NewLocalPlane creates a LocalPlane hosting workers on the named runtime.
func NewLocalPlane(reg *registry.Registry, st store.Store, runtimes *backend.Registry, runtime string, logger *slog.Logger) *LocalPlane {
	return &LocalPlane{
		registry:   reg,
		store:      st,
		logger:     logger,
		runtimes:   runtimes,
		runtime:    runtime,
		executions: make(map[string]protocol.ExecutionPayload),
		heartbeats: make(map[string]time.Time),
	}
}

// Compile-time interface satisfaction check.
var _ ControlPlane = (*LocalPlane)(nil)

// CreateWorker registers the worker version through the registry.
func (p *LocalPlane) CreateWorker(ctx context.Context, msg *protocol.CreateWorker) (*protocol.CreateWorkerReply, error) {
	w, err := p.registry.RegisterWorker(ctx, msg.ProjectRef, msg.Environment, msg.Metadata)
	if err != nil {
		return nil, err
	}
	return &protocol.CreateWorkerReply{WorkerID: w.ID, Version: w.Version}, nil
}

// EnqueueExecution stages the payload handed out when the attempt declares
// itself ready.
func (p *LocalPlane) EnqueueExecution(payload protocol.ExecutionPayload) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executions[payload.AttemptID] = payload
}

// NextExecution pops the staged payload for the attempt. ok=false means
// nothing is staged yet; the attempt stays READY and may ask again. Handing
// out a payload binds the attempt to its host instance so the checkpoint
// engine can find the machine later.
func (p *LocalPlane) NextExecution(_ context.Context, attemptID string) (*protocol.ExecutionPayload, bool, error) {
	p.mu.Lock()
	payload, ok := p.executions[attemptID]
	if ok {
		delete(p.executions, attemptID)
	}
	p.mu.Unlock()
	if !ok {
		return nil, false, nil
	}

	if payload.DeploymentID != "" {
		if rt, err := p.runtimes.Resolve(p.runtime); err == nil {
			rt.BindAttempt(payload.AttemptID, payload.DeploymentID)
		}
	}
	return &payload, true, nil
}

// ReportCompletion records a finished attempt.
func (p *LocalPlane) ReportCompletion(_ context.Context, completion protocol.TaskRunCompletion) error {
	p.logger.Info("run completed",
		"run_id", completion.RunID,
		"attempt_id", completion.AttemptID,
		"ok", completion.OK,
		"duration_ms", completion.DurationMS,
	)
	return nil
}

// ReportCheckpoint records a checkpoint of a suspended attempt.
func (p *LocalPlane) ReportCheckpoint(_ context.Context, attemptID string, cp model.Checkpoint) error {
	p.logger.Info("checkpoint reported",
		"attempt_id", attemptID,
		"type", cp.Type,
		"location", cp.Location,
		"reason", cp.Reason,
	)
	return nil
}

// ReportHeartbeat records attempt liveness. The control plane's cancellation
// policy reads these timestamps.
func (p *LocalPlane) ReportHeartbeat(_ context.Context, attemptFriendlyID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heartbeats[attemptFriendlyID] = time.Now()
	return nil
}

// LastHeartbeat returns the most recent heartbeat recorded for the attempt.
func (p *LocalPlane) LastHeartbeat(attemptFriendlyID string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.heartbeats[attemptFriendlyID]
	return t, ok
}

// StartIndexing asks the worker agent to index the deployed image, registers
// the resulting worker version, and finalizes the deployment DEPLOYED. A
// failure anywhere leaves the status decision to the caller and returns the
// error.
func (p *LocalPlane) StartIndexing(ctx context.Context, deploymentID, imageRef string) error {
	d, err := p.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return fmt.Errorf("load deployment: %w", err)
	}

	rt, err := p.runtimes.Resolve(p.runtime)
	if err != nil {
		return fmt.Errorf("resolve worker runtime: %w", err)
	}
	inst, err := rt.Ensure(ctx, *d)
	if err != nil {
		return fmt.Errorf("provision worker instance: %w", err)
	}
	conn, err := inst.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial worker agent: %w", err)
	}
	defer conn.Close()

	if err := protocol.Encode(conn, &protocol.IndexTasks{
		DeploymentID: deploymentID,
		ImageRef:     imageRef,
	}); err != nil {
		return fmt.Errorf("send index request: %w", err)
	}

	var reply protocol.IndexTasksReply
	ok, err := protocol.DecodeCallback(conn, &reply)
	if err != nil {
		return fmt.Errorf("read index reply: %w", err)
	}
	if !ok {
		return fmt.Errorf("worker failed to index deployment %s", deploymentID)
	}

	worker, err := p.registry.RegisterWorker(ctx, d.ProjectRef, d.Environment, model.WorkerMetadata{
		ContentHash:    d.ContentHash,
		PackageVersion: sdkVersion,
		Tasks:          reply.Tasks,
	})
	if err != nil {
		return fmt.Errorf("register indexed worker: %w", err)
	}

	if err := p.store.UpdateDeploymentStatus(ctx, deploymentID, model.DeployDeployed, ""); err != nil {
		return fmt.Errorf("finalize deployment: %w", err)
	}

	p.logger.Info("deployment indexed",
		"deployment_id", deploymentID,
		"worker_id", worker.ID,
		"version", worker.Version,
		"tasks", len(reply.Tasks),
	)
	return nil
}
