package model

import "time"

// Queue type constants. A VIRTUAL queue is auto-created per task when the
// task declares no explicit queue; a NAMED queue is shared across tasks.
const (
	QueueTypeNamed   = "NAMED"
	QueueTypeVirtual = "VIRTUAL"
)

// VirtualQueueName returns the auto-generated queue name for a task that
// declares no explicit queue.
func VirtualQueueName(taskSlug string) string {
	return "task/" + taskSlug
}

// RetryConfig describes the retry policy attached to a task.
type RetryConfig struct {
	MaxAttempts int     `json:"maxAttempts"`
	MinDelayMS  int     `json:"minDelayMs"`
	MaxDelayMS  int     `json:"maxDelayMs"`
	Factor      float64 `json:"factor"`
}

// RateLimit bounds the admission rate of new attempts on a queue:
// at most Limit admissions per window of WindowMS milliseconds.
type RateLimit struct {
	Limit    int `json:"limit"`
	WindowMS int `json:"windowMs"`
}

// Queue is a named admission boundary, unique per (environment, name).
// A nil ConcurrencyLimit means unbounded; a nil RateLimit means unthrottled.
type Queue struct {
	Environment      string     `json:"environment"`
	Name             string     `json:"name"`
	Type             string     `json:"type"`
	ConcurrencyLimit *int       `json:"concurrency_limit,omitempty"`
	RateLimit        *RateLimit `json:"rate_limit,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Task is one named unit of invokable code within a worker version.
// Tasks are immutable once created; later worker versions supersede them.
type Task struct {
	Slug        string       `json:"slug"`
	WorkerID    string       `json:"worker_id"`
	FilePath    string       `json:"file_path"`
	ExportName  string       `json:"export_name"`
	QueueName   string       `json:"queue_name"`
	Retry       *RetryConfig `json:"retry,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	Environment string       `json:"environment"`
}

// BackgroundWorker is one versioned, deployed bundle of task code for a
// project+environment. Immutable once created; superseded by newer versions.
type BackgroundWorker struct {
	ID          string    `json:"id"`
	ProjectRef  string    `json:"project_ref"`
	Environment string    `json:"environment"`
	Version     string    `json:"version"`
	ContentHash string    `json:"content_hash"`
	SDKVersion  string    `json:"sdk_version"`
	CLIVersion  string    `json:"cli_version,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// QueueMetadata is the queue declaration carried in a task's registration
// metadata. A nil value means the task runs through its own virtual queue.
type QueueMetadata struct {
	Name             string     `json:"name"`
	ConcurrencyLimit *int       `json:"concurrencyLimit,omitempty"`
	RateLimit        *RateLimit `json:"rateLimit,omitempty"`
}

// TaskMetadata describes one task in a registration request.
type TaskMetadata struct {
	ID         string         `json:"id"`
	FilePath   string         `json:"filePath"`
	ExportName string         `json:"exportName"`
	Retry      *RetryConfig   `json:"retry,omitempty"`
	Queue      *QueueMetadata `json:"queue,omitempty"`
}

// WorkerMetadata is the payload of a worker registration request.
type WorkerMetadata struct {
	ContentHash       string         `json:"contentHash"`
	PackageVersion    string         `json:"packageVersion"`
	CLIPackageVersion string         `json:"cliPackageVersion,omitempty"`
	Tasks             []TaskMetadata `json:"tasks"`
}
