package protocol

import (
	"encoding/json"
	"time"

	"github.com/mbekkel/taskmill/internal/model"
)

// Message type tags. The first group travels between the control plane and
// the coordinator; the second between the coordinator and the worker
// runtime. READY_FOR_EXECUTION and TASK_HEARTBEAT appear on both channels.
const (
	TypeCreateWorker      = "CREATE_WORKER"
	TypeReadyForExecution = "READY_FOR_EXECUTION"
	TypeTaskRunCompleted  = "TASK_RUN_COMPLETED"
	TypeTaskHeartbeat     = "TASK_HEARTBEAT"
	TypeCheckpointCreated = "CHECKPOINT_CREATED"
	TypeResume            = "RESUME"

	TypeIndexTasks      = "INDEX_TASKS"
	TypeExecuteTaskRun  = "EXECUTE_TASK_RUN"
	TypeWaitForDuration = "WAIT_FOR_DURATION"
	TypeWaitForTask     = "WAIT_FOR_TASK"
	TypeWaitForBatch    = "WAIT_FOR_BATCH"
)

// ExecutionPayload is everything a worker needs to run one task attempt.
type ExecutionPayload struct {
	RunID             string            `json:"runId"`
	AttemptID         string            `json:"attemptId"`
	AttemptFriendlyID string            `json:"attemptFriendlyId"`
	DeploymentID      string            `json:"deploymentId,omitempty"`
	TaskSlug          string            `json:"taskSlug"`
	QueueName         string            `json:"queueName"`
	Environment       string            `json:"environment"`
	Payload           json.RawMessage   `json:"payload,omitempty"`
	EnvVars           map[string]string `json:"envVars,omitempty"`
}

// TaskRunCompletion is the result of one finished attempt.
type TaskRunCompletion struct {
	RunID      string          `json:"runId"`
	AttemptID  string          `json:"attemptId"`
	OK         bool            `json:"ok"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"durationMs"`
}

// CreateWorker registers a worker version and its tasks with the control
// plane. The callback acknowledges success or failure.
type CreateWorker struct {
	ProjectRef   string               `json:"projectRef"`
	Environment  string               `json:"environmentId"`
	DeploymentID string               `json:"deploymentId,omitempty"`
	Metadata     model.WorkerMetadata `json:"metadata"`
}

func (*CreateWorker) MessageType() string { return TypeCreateWorker }

// CreateWorkerReply is the callback payload for a successful CreateWorker.
type CreateWorkerReply struct {
	WorkerID string `json:"workerId"`
	Version  string `json:"version"`
}

// ReadyForExecution asks for the next payload to run for an attempt. The
// callback replies "not ready" (success=false) or with an ExecutionReply.
type ReadyForExecution struct {
	AttemptID string `json:"attemptId"`
}

func (*ReadyForExecution) MessageType() string { return TypeReadyForExecution }

// ExecutionReply is the callback payload for a ready execution.
type ExecutionReply struct {
	Execution ExecutionPayload `json:"execution"`
}

// TaskRunCompleted reports a finished attempt and its result.
type TaskRunCompleted struct {
	Completion TaskRunCompletion `json:"completion"`
}

func (*TaskRunCompleted) MessageType() string { return TypeTaskRunCompleted }

// TaskHeartbeat is a liveness ping. It carries no payload change and never
// alters lifecycle state.
type TaskHeartbeat struct {
	AttemptFriendlyID string `json:"attemptFriendlyId"`
}

func (*TaskHeartbeat) MessageType() string { return TypeTaskHeartbeat }

// CheckpointCreated reports that a snapshot of a suspended attempt was taken.
type CheckpointCreated struct {
	AttemptID  string           `json:"attemptId"`
	Checkpoint model.Checkpoint `json:"checkpoint"`
}

func (*CheckpointCreated) MessageType() string { return TypeCheckpointCreated }

// Resume instructs the coordinator to reload the image, apply prior
// completions and executions, and continue a checkpointed attempt.
type Resume struct {
	AttemptID   string              `json:"attemptId"`
	ImageRef    string              `json:"imageRef"`
	Checkpoint  model.Checkpoint    `json:"checkpoint"`
	Completions []TaskRunCompletion `json:"completions"`
	Executions  []ExecutionPayload  `json:"executions"`
}

func (*Resume) MessageType() string { return TypeResume }

// IndexTasks instructs the worker runtime to load the deployed bundle and
// report the task manifest it contains.
type IndexTasks struct {
	DeploymentID string `json:"deploymentId"`
	ImageRef     string `json:"imageRef"`
}

func (*IndexTasks) MessageType() string { return TypeIndexTasks }

// IndexTasksReply is the callback payload for a successful IndexTasks.
type IndexTasksReply struct {
	Tasks []model.TaskMetadata `json:"tasks"`
}

// ExecuteTaskRun hands an execution payload to the worker runtime and
// expects a TaskRunCompletion back.
type ExecuteTaskRun struct {
	Execution ExecutionPayload `json:"execution"`
}

func (*ExecuteTaskRun) MessageType() string { return TypeExecuteTaskRun }

// WaitForDuration suspends the attempt for a fixed duration. The resume
// deadline is carried here, in the original wait message; nothing else
// schedules the wake-up.
type WaitForDuration struct {
	AttemptID string    `json:"attemptId"`
	Ms        int64     `json:"ms"`
	Now       time.Time `json:"now"`
	ResumeAt  time.Time `json:"resumeAt"`
}

func (*WaitForDuration) MessageType() string { return TypeWaitForDuration }

// WaitForTask suspends the attempt until a single child run completes.
type WaitForTask struct {
	AttemptID string `json:"attemptId"`
	RunID     string `json:"runId"`
}

func (*WaitForTask) MessageType() string { return TypeWaitForTask }

// WaitForBatch suspends the attempt until every run in a batch completes.
type WaitForBatch struct {
	AttemptID string   `json:"attemptId"`
	BatchID   string   `json:"batchId"`
	RunIDs    []string `json:"runIds"`
}

func (*WaitForBatch) MessageType() string { return TypeWaitForBatch }
