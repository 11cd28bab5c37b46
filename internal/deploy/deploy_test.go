package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/mbekkel/taskmill/internal/build"
	"github.com/mbekkel/taskmill/internal/model"
)

// fakeClient is a scriptable ControlClient recording the call order.
type fakeClient struct {
	mu    sync.Mutex
	calls []string

	envVars     map[string]string
	deployment  *model.Deployment
	pollStatus  []string // statuses returned by successive GetDeployment calls
	pollCount   int
	pollErrMsg  string
	initErr     error
	envVarsErr  error
	indexingErr error
}

func (f *fakeClient) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeClient) ListEnvVars(_ context.Context, environment string) (map[string]string, error) {
	f.record("env-vars")
	if f.envVarsErr != nil {
		return nil, f.envVarsErr
	}
	return f.envVars, nil
}

func (f *fakeClient) InitializeDeployment(_ context.Context, req InitializeRequest) (*model.Deployment, error) {
	f.record("initialize")
	if f.initErr != nil {
		return nil, f.initErr
	}
	f.deployment = &model.Deployment{
		ID:           "deploy_1",
		ProjectRef:   req.ProjectRef,
		Environment:  req.Environment,
		Status:       model.DeployPending,
		ContentHash:  req.ContentHash,
		ImageRef:     "registry.local/proj:" + req.ContentHash[:12],
		VersionLabel: "20260823.1",
	}
	return f.deployment, nil
}

func (f *fakeClient) StartBuild(_ context.Context, deploymentID string) error {
	f.record("start-build")
	return nil
}

func (f *fakeClient) StartIndexing(_ context.Context, deploymentID, imageRef string) error {
	f.record("start-indexing")
	return f.indexingErr
}

func (f *fakeClient) FailDeployment(_ context.Context, deploymentID, message string) error {
	f.record("fail")
	f.deployment.Status = model.DeployError
	f.deployment.ErrorMessage = message
	return nil
}

func (f *fakeClient) GetDeployment(_ context.Context, deploymentID string) (*model.Deployment, error) {
	f.record("get")
	status := f.pollStatus[len(f.pollStatus)-1]
	if f.pollCount < len(f.pollStatus) {
		status = f.pollStatus[f.pollCount]
	}
	f.pollCount++
	d := *f.deployment
	d.Status = status
	if status == model.DeployError {
		d.ErrorMessage = f.pollErrMsg
	}
	return &d, nil
}

// fakeBuilder records whether and what it was asked to build.
type fakeBuilder struct {
	specs []ImageSpec
	err   error
}

func (f *fakeBuilder) BuildImage(_ context.Context, spec ImageSpec) error {
	f.specs = append(f.specs, spec)
	return f.err
}

func writeProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	src := `export const t1 = task({ id: "t1", run: () => process.env.FOO + process.env.BAR });
`
	if err := os.WriteFile(filepath.Join(dir, "index.ts"), []byte(src), 0o644); err != nil {
		t.Fatalf("write index.ts: %v", err)
	}
	return dir
}

func newTestOrchestrator(client ControlClient, builder ImageBuilder) *Orchestrator {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	o := NewOrchestrator(client, builder, logger)
	o.PollInterval = time.Millisecond
	o.PollTimeout = 50 * time.Millisecond
	return o
}

func TestMissingEnvVarsAbortBeforeImageBuild(t *testing.T) {
	client := &fakeClient{envVars: map[string]string{"FOO": "1"}}
	builder := &fakeBuilder{}
	o := newTestOrchestrator(client, builder)

	_, err := o.Run(context.Background(), Request{
		Build:       build.Options{Dir: writeProject(t), SkipTypecheck: true},
		ProjectRef:  "proj_1",
		Environment: "env_prod",
	})

	var missing *MissingEnvVarsError
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v, want MissingEnvVarsError", err)
	}
	// Every missing name in one error, never one at a time.
	if !reflect.DeepEqual(missing.Names, []string{"BAR"}) {
		t.Errorf("missing = %v, want [BAR]", missing.Names)
	}
	if missing.Environment != "env_prod" {
		t.Errorf("environment = %q", missing.Environment)
	}

	if len(builder.specs) != 0 {
		t.Error("image was built despite missing env vars")
	}
	for _, call := range client.calls {
		if call == "initialize" {
			t.Error("deployment was initialized despite missing env vars")
		}
	}
}

func TestMissingEnvVarsListsAllNames(t *testing.T) {
	client := &fakeClient{envVars: map[string]string{}}
	o := newTestOrchestrator(client, &fakeBuilder{})

	_, err := o.Run(context.Background(), Request{
		Build:       build.Options{Dir: writeProject(t), SkipTypecheck: true},
		Environment: "env_prod",
	})

	var missing *MissingEnvVarsError
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v, want MissingEnvVarsError", err)
	}
	if !reflect.DeepEqual(missing.Names, []string{"BAR", "FOO"}) {
		t.Errorf("missing = %v, want [BAR FOO]", missing.Names)
	}
}

func TestSkipDeployStopsAfterBuild(t *testing.T) {
	client := &fakeClient{envVars: map[string]string{"FOO": "1", "BAR": "2"}}
	builder := &fakeBuilder{}
	o := newTestOrchestrator(client, builder)

	out, err := o.Run(context.Background(), Request{
		Build:       build.Options{Dir: writeProject(t), SkipTypecheck: true},
		Environment: "env_prod",
		SkipDeploy:  true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Build == nil || out.Build.ContentHash == "" {
		t.Error("skip-deploy outcome carries no build result")
	}
	if out.Deployment != nil {
		t.Error("skip-deploy created a deployment")
	}
	if len(builder.specs) != 0 {
		t.Error("skip-deploy built an image")
	}
}

func TestRunHappyPath(t *testing.T) {
	client := &fakeClient{
		envVars:    map[string]string{"FOO": "1", "BAR": "2"},
		pollStatus: []string{model.DeployDeploying, model.DeployDeployed},
	}
	builder := &fakeBuilder{}
	o := newTestOrchestrator(client, builder)

	out, err := o.Run(context.Background(), Request{
		Build:       build.Options{Dir: writeProject(t), SkipTypecheck: true},
		ProjectRef:  "proj_1",
		Environment: "env_prod",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Deployment.Status != model.DeployDeployed {
		t.Errorf("status = %q, want DEPLOYED", out.Deployment.Status)
	}

	if len(builder.specs) != 1 {
		t.Fatalf("builds = %d, want 1", len(builder.specs))
	}
	if builder.specs[0].Ref != client.deployment.ImageRef {
		t.Errorf("built ref = %q, want %q", builder.specs[0].Ref, client.deployment.ImageRef)
	}

	// Image build happens strictly after start-build and before indexing.
	want := []string{"env-vars", "initialize", "start-build", "start-indexing"}
	var got []string
	for _, call := range client.calls {
		if call != "get" {
			got = append(got, call)
		}
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("call order = %v, want %v", got, want)
	}
}

func TestImageBuildFailureMarksDeploymentError(t *testing.T) {
	client := &fakeClient{envVars: map[string]string{"FOO": "1", "BAR": "2"}}
	builder := &fakeBuilder{err: &ImageError{Op: "build", Ref: "registry.local/proj", Digest: "denied"}}
	o := newTestOrchestrator(client, builder)

	_, err := o.Run(context.Background(), Request{
		Build:       build.Options{Dir: writeProject(t), SkipTypecheck: true},
		ProjectRef:  "proj_1",
		Environment: "env_prod",
	})

	var imageErr *ImageError
	if !errors.As(err, &imageErr) {
		t.Fatalf("err = %v, want ImageError", err)
	}

	// A failed image build never leaves the deployment stuck in BUILDING.
	if client.deployment.Status != model.DeployError {
		t.Errorf("status = %q, want ERROR", client.deployment.Status)
	}
	if client.deployment.ErrorMessage == "" {
		t.Error("ERROR deployment carries no message")
	}

	want := []string{"env-vars", "initialize", "start-build", "fail"}
	if !reflect.DeepEqual(client.calls, want) {
		t.Errorf("calls = %v, want %v", client.calls, want)
	}
}

func TestStartIndexingFailureMarksDeploymentError(t *testing.T) {
	client := &fakeClient{
		envVars:     map[string]string{"FOO": "1", "BAR": "2"},
		indexingErr: errors.New("connection refused"),
	}
	o := newTestOrchestrator(client, &fakeBuilder{})

	_, err := o.Run(context.Background(), Request{
		Build:       build.Options{Dir: writeProject(t), SkipTypecheck: true},
		Environment: "env_prod",
	})
	if err == nil {
		t.Fatal("Run succeeded despite indexing failure")
	}

	if client.deployment.Status != model.DeployError {
		t.Errorf("status = %q, want ERROR", client.deployment.Status)
	}
}

func TestPollingTimeoutDistinctFromError(t *testing.T) {
	// Never settles: times out, and the timeout is its own failure class.
	client := &fakeClient{
		envVars:    map[string]string{"FOO": "1", "BAR": "2"},
		pollStatus: []string{model.DeployDeploying},
	}
	o := newTestOrchestrator(client, &fakeBuilder{})

	out, err := o.Run(context.Background(), Request{
		Build:       build.Options{Dir: writeProject(t), SkipTypecheck: true},
		Environment: "env_prod",
	})
	if !errors.Is(err, ErrDeploymentTimeout) {
		t.Fatalf("err = %v, want ErrDeploymentTimeout", err)
	}
	var indexing *IndexingError
	if errors.As(err, &indexing) {
		t.Error("timeout was conflated with an indexing ERROR")
	}
	if out == nil || out.Deployment == nil || out.Deployment.Status != model.DeployDeploying {
		t.Error("timeout outcome does not carry the last observed deployment")
	}
}

func TestPollingSurfacesErrorStatus(t *testing.T) {
	client := &fakeClient{
		envVars:    map[string]string{"FOO": "1", "BAR": "2"},
		pollStatus: []string{model.DeployDeploying, model.DeployError},
		pollErrMsg: "indexing failed: image has no tasks",
	}
	o := newTestOrchestrator(client, &fakeBuilder{})

	_, err := o.Run(context.Background(), Request{
		Build:       build.Options{Dir: writeProject(t), SkipTypecheck: true},
		Environment: "env_prod",
	})

	var indexing *IndexingError
	if !errors.As(err, &indexing) {
		t.Fatalf("err = %v, want IndexingError", err)
	}
	if indexing.Message != "indexing failed: image has no tasks" {
		t.Errorf("message = %q", indexing.Message)
	}
	if errors.Is(err, ErrDeploymentTimeout) {
		t.Error("ERROR status was conflated with a timeout")
	}
}

func TestStderrDigestTruncates(t *testing.T) {
	if got := stderrDigest(""); got != "(no output)" {
		t.Errorf("empty digest = %q", got)
	}

	long := ""
	for i := 0; i < 20; i++ {
		long += "line\n"
	}
	long += "final error: denied"
	digest := stderrDigest(long)
	if len(digest) > 512 {
		t.Errorf("digest length = %d, want <= 512", len(digest))
	}
	if want := "final error: denied"; digest[len(digest)-len(want):] != want {
		t.Errorf("digest does not end with the final line: %q", digest)
	}
}
