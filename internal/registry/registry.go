// Package registry implements background worker version registration:
// content-addressed deduplication, monotonic version allocation, and
// persistence of the tasks and queues each version declares.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mbekkel/taskmill/internal/admission"
	"github.com/mbekkel/taskmill/internal/model"
	"github.com/mbekkel/taskmill/internal/store"
)

// Registry allocates worker versions and persists their task and queue
// definitions. Version allocation is serialized per environment: the
// read-latest + dedup-check + insert sequence runs under one lock so two
// simultaneous deploys with the same content converge to one version.
type Registry struct {
	store     store.Store
	admission *admission.Controller
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	envLocks map[string]*sync.Mutex
}

// New creates a Registry backed by the given store and live admission layer.
func New(s store.Store, adm *admission.Controller, logger *slog.Logger) *Registry {
	return &Registry{
		store:     s,
		admission: adm,
		logger:    logger,
		now:       time.Now,
		envLocks:  make(map[string]*sync.Mutex),
	}
}

func (r *Registry) envLock(environment string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.envLocks[environment]
	if !ok {
		l = &sync.Mutex{}
		r.envLocks[environment] = l
	}
	return l
}

// RegisterWorker registers a worker version for the environment. When the
// latest version already carries md.ContentHash the existing record is
// returned unchanged and no task or queue rows are written; otherwise the
// next version is allocated and every declared task and queue persisted.
// Registration returns only after each queue's concurrency limit has been
// propagated to the live admission layer.
func (r *Registry) RegisterWorker(ctx context.Context, projectRef, environment string, md model.WorkerMetadata) (*model.BackgroundWorker, error) {
	if md.ContentHash == "" {
		return nil, errors.New("register worker: content hash is required")
	}

	lock := r.envLock(environment)
	lock.Lock()
	defer lock.Unlock()

	latest, err := r.store.LatestWorker(ctx, environment)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("look up latest worker: %w", err)
	}

	if latest != nil && latest.ContentHash == md.ContentHash {
		dedupHitsTotal.Inc()
		r.logger.Info("worker registration deduplicated",
			"environment", environment,
			"version", latest.Version,
			"content_hash", latest.ContentHash,
		)
		return latest, nil
	}

	version, err := nextVersion(latest, r.now())
	if err != nil {
		return nil, err
	}

	worker := &model.BackgroundWorker{
		ID:          model.NewFriendlyID("worker"),
		ProjectRef:  projectRef,
		Environment: environment,
		Version:     version,
		ContentHash: md.ContentHash,
		SDKVersion:  md.PackageVersion,
		CLIVersion:  md.CLIPackageVersion,
		CreatedAt:   r.now().UTC(),
	}
	if err := r.store.CreateWorker(ctx, worker); err != nil {
		return nil, fmt.Errorf("persist worker: %w", err)
	}

	for _, tm := range md.Tasks {
		if err := r.registerTask(ctx, worker, tm); err != nil {
			return nil, err
		}
	}

	registrationsTotal.Inc()
	r.logger.Info("worker registered",
		"environment", environment,
		"worker_id", worker.ID,
		"version", worker.Version,
		"tasks", len(md.Tasks),
	)
	return worker, nil
}

// registerTask persists one task row, upserts its queue, and propagates the
// queue's limits to the admission layer.
func (r *Registry) registerTask(ctx context.Context, worker *model.BackgroundWorker, tm model.TaskMetadata) error {
	queueName := model.VirtualQueueName(tm.ID)
	queueType := model.QueueTypeVirtual
	var limit *int
	var rate *model.RateLimit
	if tm.Queue != nil && tm.Queue.Name != "" {
		queueName = tm.Queue.Name
		queueType = model.QueueTypeNamed
		limit = tm.Queue.ConcurrencyLimit
		rate = tm.Queue.RateLimit
	}

	task := &model.Task{
		Slug:        tm.ID,
		WorkerID:    worker.ID,
		Environment: worker.Environment,
		FilePath:    tm.FilePath,
		ExportName:  tm.ExportName,
		QueueName:   queueName,
		Retry:       tm.Retry,
		CreatedAt:   r.now().UTC(),
	}
	if err := r.store.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("persist task %s: %w", tm.ID, err)
	}

	persisted, err := r.store.UpsertQueue(ctx, &model.Queue{
		Environment:      worker.Environment,
		Name:             queueName,
		Type:             queueType,
		ConcurrencyLimit: limit,
		RateLimit:        rate,
	})
	if err != nil {
		return fmt.Errorf("upsert queue %s: %w", queueName, err)
	}

	// The live admission layer must match the persisted limits before
	// registration returns, so the next admitted run observes them.
	r.admission.UpsertQueue(persisted.Environment, persisted.Name, persisted.ConcurrencyLimit, persisted.RateLimit)

	return nil
}

// nextVersion computes a strictly increasing date-based version label of the
// form YYYYMMDD.N. Same-day deploys bump N; if the latest version's date is
// ahead of the clock, its date is kept so the sequence never goes backwards.
func nextVersion(latest *model.BackgroundWorker, now time.Time) (string, error) {
	today := now.UTC().Format("20060102")
	if latest == nil {
		return today + ".1", nil
	}

	date, seq, err := parseVersion(latest.Version)
	if err != nil {
		return "", fmt.Errorf("latest worker has malformed version %q: %w", latest.Version, err)
	}

	if date >= today {
		return fmt.Sprintf("%s.%d", date, seq+1), nil
	}
	return today + ".1", nil
}

func parseVersion(v string) (date string, seq int, err error) {
	parts := strings.SplitN(v, ".", 2)
	if len(parts) != 2 || len(parts[0]) != 8 {
		return "", 0, fmt.Errorf("want YYYYMMDD.N, got %q", v)
	}
	seq, err = strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, fmt.Errorf("parse sequence: %w", err)
	}
	return parts[0], seq, nil
}

// NextVersionLabel previews the version the next registration in the
// environment would receive. The label is provisional: the authoritative
// allocation still happens under the environment lock at registration time.
func (r *Registry) NextVersionLabel(ctx context.Context, environment string) (string, error) {
	latest, err := r.store.LatestWorker(ctx, environment)
	if errors.Is(err, store.ErrNotFound) {
		latest = nil
	} else if err != nil {
		return "", fmt.Errorf("lookup latest worker: %w", err)
	}
	return nextVersion(latest, r.now())
}
