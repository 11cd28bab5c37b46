package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbekkel/taskmill/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeWorker(environment, version, hash string) *model.BackgroundWorker {
	return &model.BackgroundWorker{
		ID:          model.NewFriendlyID("worker"),
		ProjectRef:  "proj_ref_1",
		Environment: environment,
		Version:     version,
		ContentHash: hash,
		SDKVersion:  "3.0.0",
		CLIVersion:  "3.0.1",
		CreatedAt:   time.Now().UTC(),
	}
}

func TestLatestWorkerOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.LatestWorker(ctx, "env_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LatestWorker on empty env = %v, want ErrNotFound", err)
	}

	first := makeWorker("env_1", "20260823.1", "hash-a")
	second := makeWorker("env_1", "20260823.2", "hash-b")
	other := makeWorker("env_2", "20260823.1", "hash-c")

	for _, w := range []*model.BackgroundWorker{first, second, other} {
		if err := s.CreateWorker(ctx, w); err != nil {
			t.Fatalf("CreateWorker: %v", err)
		}
	}

	latest, err := s.LatestWorker(ctx, "env_1")
	if err != nil {
		t.Fatalf("LatestWorker: %v", err)
	}
	if latest.ID != second.ID {
		t.Errorf("latest worker = %s (version %s), want %s", latest.ID, latest.Version, second.ID)
	}
	if latest.ContentHash != "hash-b" {
		t.Errorf("content hash = %q, want hash-b", latest.ContentHash)
	}
}

func TestTaskRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := makeWorker("env_1", "20260823.1", "hash-a")
	if err := s.CreateWorker(ctx, w); err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}

	task := &model.Task{
		Slug:        "t1",
		WorkerID:    w.ID,
		Environment: "env_1",
		FilePath:    "/t1.ts",
		ExportName:  "run",
		QueueName:   model.VirtualQueueName("t1"),
		Retry:       &model.RetryConfig{MaxAttempts: 3, MinDelayMS: 1000, MaxDelayMS: 10000, Factor: 2},
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	tasks, err := s.ListTasks(ctx, w.ID)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("len(tasks) = %d, want 1", len(tasks))
	}
	got := tasks[0]
	if got.QueueName != "task/t1" {
		t.Errorf("queue name = %q, want task/t1", got.QueueName)
	}
	if got.Retry == nil || got.Retry.MaxAttempts != 3 {
		t.Errorf("retry config = %+v, want MaxAttempts 3", got.Retry)
	}
}

func TestUpsertQueueStability(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	five, ten := 5, 10
	if _, err := s.UpsertQueue(ctx, &model.Queue{
		Environment:      "env_1",
		Name:             "shared",
		Type:             model.QueueTypeNamed,
		ConcurrencyLimit: &five,
	}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	updated, err := s.UpsertQueue(ctx, &model.Queue{
		Environment:      "env_1",
		Name:             "shared",
		Type:             model.QueueTypeNamed,
		ConcurrencyLimit: &ten,
		RateLimit:        &model.RateLimit{Limit: 100, WindowMS: 60000},
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	if updated.ConcurrencyLimit == nil || *updated.ConcurrencyLimit != 10 {
		t.Errorf("concurrency limit = %v, want 10", updated.ConcurrencyLimit)
	}
	if updated.RateLimit == nil || updated.RateLimit.Limit != 100 {
		t.Errorf("rate limit = %+v, want limit 100", updated.RateLimit)
	}

	queues, err := s.ListQueues(ctx, "env_1")
	if err != nil {
		t.Fatalf("ListQueues: %v", err)
	}
	if len(queues) != 1 {
		t.Fatalf("len(queues) = %d, want exactly 1 row after double upsert", len(queues))
	}
}

func TestUpsertQueueClearsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	five := 5
	if _, err := s.UpsertQueue(ctx, &model.Queue{
		Environment:      "env_1",
		Name:             "shared",
		Type:             model.QueueTypeNamed,
		ConcurrencyLimit: &five,
	}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	cleared, err := s.UpsertQueue(ctx, &model.Queue{
		Environment: "env_1",
		Name:        "shared",
		Type:        model.QueueTypeNamed,
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if cleared.ConcurrencyLimit != nil {
		t.Errorf("concurrency limit = %v, want nil (unbounded)", *cleared.ConcurrencyLimit)
	}
}

func makeDeployment() *model.Deployment {
	now := time.Now().UTC()
	return &model.Deployment{
		ID:           model.NewFriendlyID("deploy"),
		ProjectRef:   "proj_ref_1",
		Environment:  "env_1",
		Status:       model.DeployPending,
		ContentHash:  "hash-a",
		VersionLabel: "20260823.1",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestDeploymentStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := makeDeployment()
	if err := s.CreateDeployment(ctx, d); err != nil {
		t.Fatalf("CreateDeployment: %v", err)
	}

	steps := []string{model.DeployBuilding, model.DeployDeploying, model.DeployDeployed}
	for _, status := range steps {
		if err := s.UpdateDeploymentStatus(ctx, d.ID, status, ""); err != nil {
			t.Fatalf("UpdateDeploymentStatus(%s): %v", status, err)
		}
	}

	// Terminal: no transition out of DEPLOYED.
	err := s.UpdateDeploymentStatus(ctx, d.ID, model.DeployBuilding, "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("transition out of DEPLOYED = %v, want ErrInvalidTransition", err)
	}
}

func TestDeploymentErrorMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := makeDeployment()
	if err := s.CreateDeployment(ctx, d); err != nil {
		t.Fatalf("CreateDeployment: %v", err)
	}

	if err := s.UpdateDeploymentStatus(ctx, d.ID, model.DeployError, "indexing failed: bad image"); err != nil {
		t.Fatalf("UpdateDeploymentStatus(ERROR): %v", err)
	}

	got, err := s.GetDeployment(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDeployment: %v", err)
	}
	if got.Status != model.DeployError {
		t.Errorf("status = %q, want ERROR", got.Status)
	}
	if got.ErrorMessage != "indexing failed: bad image" {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
}

func TestSetDeploymentImage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := makeDeployment()
	if err := s.CreateDeployment(ctx, d); err != nil {
		t.Fatalf("CreateDeployment: %v", err)
	}

	if err := s.SetDeploymentImage(ctx, d.ID, "registry.local/proj:20260823.1"); err != nil {
		t.Fatalf("SetDeploymentImage: %v", err)
	}

	got, _ := s.GetDeployment(ctx, d.ID)
	if got.ImageRef != "registry.local/proj:20260823.1" {
		t.Errorf("image ref = %q", got.ImageRef)
	}

	if err := s.SetDeploymentImage(ctx, "deploy_missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetDeploymentImage on missing = %v, want ErrNotFound", err)
	}
}

func TestEnvVarUpsertAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetEnvVar(ctx, "env_prod", "DATABASE_URL", "postgres://a"); err != nil {
		t.Fatalf("SetEnvVar: %v", err)
	}
	if err := s.SetEnvVar(ctx, "env_prod", "API_KEY", "k1"); err != nil {
		t.Fatalf("SetEnvVar: %v", err)
	}
	// Overwrite in place.
	if err := s.SetEnvVar(ctx, "env_prod", "API_KEY", "k2"); err != nil {
		t.Fatalf("SetEnvVar overwrite: %v", err)
	}
	// Same name in another environment stays separate.
	if err := s.SetEnvVar(ctx, "env_staging", "API_KEY", "k3"); err != nil {
		t.Fatalf("SetEnvVar staging: %v", err)
	}

	vars, err := s.ListEnvVars(ctx, "env_prod")
	if err != nil {
		t.Fatalf("ListEnvVars: %v", err)
	}
	if len(vars) != 2 {
		t.Fatalf("len(vars) = %d, want 2", len(vars))
	}
	if vars["API_KEY"] != "k2" {
		t.Errorf("API_KEY = %q, want k2", vars["API_KEY"])
	}
	if vars["DATABASE_URL"] != "postgres://a" {
		t.Errorf("DATABASE_URL = %q", vars["DATABASE_URL"])
	}

	empty, err := s.ListEnvVars(ctx, "env_dev")
	if err != nil {
		t.Fatalf("ListEnvVars empty env: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("env_dev vars = %v, want none", empty)
	}
}
