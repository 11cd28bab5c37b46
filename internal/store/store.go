package store

import (
	"context"
	"errors"

	"github.com/mbekkel/taskmill/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrInvalidTransition is returned when a deployment status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// Store defines the persistence operations for workers, tasks, queues, and
// deployments.
type Store interface {
	CreateWorker(ctx context.Context, w *model.BackgroundWorker) error
	GetWorker(ctx context.Context, id string) (*model.BackgroundWorker, error)
	// LatestWorker returns the most recently created worker version for the
	// environment, or ErrNotFound when none exists.
	LatestWorker(ctx context.Context, environment string) (*model.BackgroundWorker, error)

	CreateTask(ctx context.Context, t *model.Task) error
	ListTasks(ctx context.Context, workerID string) ([]*model.Task, error)

	// UpsertQueue inserts the queue or, on (environment, name) conflict,
	// updates its limits in place. It returns the row as persisted.
	UpsertQueue(ctx context.Context, q *model.Queue) (*model.Queue, error)
	GetQueue(ctx context.Context, environment, name string) (*model.Queue, error)
	ListQueues(ctx context.Context, environment string) ([]*model.Queue, error)

	// SetEnvVar registers (or overwrites) an environment variable for the
	// environment. Deploys are gated on every referenced variable being
	// registered.
	SetEnvVar(ctx context.Context, environment, name, value string) error
	// ListEnvVars returns all registered variables for the environment.
	ListEnvVars(ctx context.Context, environment string) (map[string]string, error)

	CreateDeployment(ctx context.Context, d *model.Deployment) error
	GetDeployment(ctx context.Context, id string) (*model.Deployment, error)
	// UpdateDeploymentStatus moves a deployment to status, enforcing the
	// transition table. errorMessage is persisted only for ERROR.
	UpdateDeploymentStatus(ctx context.Context, id, status, errorMessage string) error
	SetDeploymentImage(ctx context.Context, id, imageRef string) error

	Close() error
}
