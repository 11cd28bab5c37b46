// Package deploy drives a deployment end to end: build the task bundle,
// gate on registered environment variables, publish the image, hand it to
// the control plane for indexing, and poll until the deployment settles.
// The coordinator's indexing outcome decides success; the orchestrator only
// finalizes a deployment itself when its own pipeline fails hard, so nothing
// is ever left mid-status.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mbekkel/taskmill/internal/build"
	"github.com/mbekkel/taskmill/internal/model"
)

// ErrDeploymentTimeout reports that polling exceeded its bound with the
// deployment still in flight. It is distinct from an ERROR status: the
// remote side may yet finish.
var ErrDeploymentTimeout = errors.New("deployment did not reach a terminal status within the polling window")

// MissingEnvVarsError aborts a deploy before any image is built: one or
// more environment variables the bundle references are not registered for
// the target environment. Every missing name is reported at once.
type MissingEnvVarsError struct {
	Environment string
	Names       []string
}

func (e *MissingEnvVarsError) Error() string {
	return fmt.Sprintf("environment variables not registered for %s: %s",
		e.Environment, strings.Join(e.Names, ", "))
}

// IndexingError reports that the control plane marked the deployment ERROR
// during indexing.
type IndexingError struct {
	DeploymentID string
	Message      string
}

func (e *IndexingError) Error() string {
	return fmt.Sprintf("deployment %s failed during indexing: %s", e.DeploymentID, e.Message)
}

// InitializeRequest is the payload for creating a deployment on the control
// plane. The server allocates the id, version label, and content-addressed
// image tag.
type InitializeRequest struct {
	ProjectRef  string `json:"projectRef"`
	Environment string `json:"environment"`
	ContentHash string `json:"contentHash"`
}

// ControlClient is the orchestrator's view of the control plane.
type ControlClient interface {
	// ListEnvVars returns the variables registered for the environment.
	ListEnvVars(ctx context.Context, environment string) (map[string]string, error)
	// InitializeDeployment creates a PENDING deployment.
	InitializeDeployment(ctx context.Context, req InitializeRequest) (*model.Deployment, error)
	// StartBuild marks the deployment BUILDING.
	StartBuild(ctx context.Context, deploymentID string) error
	// StartIndexing records the pushed image and asks the coordinator to
	// index it. The deployment moves to DEPLOYING.
	StartIndexing(ctx context.Context, deploymentID, imageRef string) error
	// FailDeployment finalizes the deployment as ERROR with a message.
	FailDeployment(ctx context.Context, deploymentID, message string) error
	// GetDeployment reads the deployment's current state.
	GetDeployment(ctx context.Context, deploymentID string) (*model.Deployment, error)
}

// Request configures one deploy.
type Request struct {
	Build       build.Options
	ProjectRef  string
	Environment string
	// SkipDeploy stops after the build and env-var gate; nothing is
	// published and no deployment is created.
	SkipDeploy bool
	// Platform selects the image target platform, e.g. linux/amd64.
	Platform string
	// PushImage publishes the image to its registry.
	PushImage bool
	// LoadImage keeps the image in the local daemon instead (dev).
	LoadImage bool
}

// Outcome is the result of a completed deploy.
type Outcome struct {
	Build      *build.Result
	Deployment *model.Deployment
}

// Orchestrator runs deploys against a control plane and an image builder.
type Orchestrator struct {
	client  ControlClient
	builder ImageBuilder
	logger  *slog.Logger

	// PollInterval and PollTimeout bound the completion poll.
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// NewOrchestrator creates an Orchestrator with the default 1s/60s polling
// bounds.
func NewOrchestrator(client ControlClient, builder ImageBuilder, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		client:       client,
		builder:      builder,
		logger:       logger,
		PollInterval: time.Second,
		PollTimeout:  60 * time.Second,
	}
}

// Run executes the deploy pipeline. Build and env-var failures abort before
// any image is built or pushed; nothing partial is left behind.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Outcome, error) {
	res, err := build.Run(ctx, req.Build)
	if err != nil {
		return nil, err
	}
	o.logger.Info("build complete",
		"content_hash", res.ContentHash,
		"tasks", len(res.Tasks),
		"env_vars", len(res.EnvVars),
	)

	if err := o.checkEnvVars(ctx, req.Environment, res.EnvVars); err != nil {
		return nil, err
	}

	if req.SkipDeploy {
		return &Outcome{Build: res}, nil
	}

	d, err := o.client.InitializeDeployment(ctx, InitializeRequest{
		ProjectRef:  req.ProjectRef,
		Environment: req.Environment,
		ContentHash: res.ContentHash,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize deployment: %w", err)
	}
	o.logger.Info("deployment initialized",
		"deployment_id", d.ID,
		"version", d.VersionLabel,
		"image_ref", d.ImageRef,
	)

	if err := o.client.StartBuild(ctx, d.ID); err != nil {
		return nil, fmt.Errorf("mark deployment building: %w", err)
	}

	if err := o.builder.BuildImage(ctx, ImageSpec{
		Ref:        d.ImageRef,
		ContextDir: req.Build.OutDir,
		Platform:   req.Platform,
		Push:       req.PushImage,
		Load:       req.LoadImage,
	}); err != nil {
		o.failDeployment(ctx, d.ID, err)
		return nil, err
	}

	if err := o.client.StartIndexing(ctx, d.ID, d.ImageRef); err != nil {
		err = fmt.Errorf("start indexing: %w", err)
		o.failDeployment(ctx, d.ID, err)
		return nil, err
	}

	final, err := o.WaitForDeploymentToComplete(ctx, d.ID)
	if err != nil {
		return &Outcome{Build: res, Deployment: final}, err
	}
	return &Outcome{Build: res, Deployment: final}, nil
}

// failDeployment finalizes the deployment as ERROR so a hard failure after
// start-build never strands it in BUILDING. Best effort: the control plane
// may have marked it ERROR on its own already.
func (o *Orchestrator) failDeployment(ctx context.Context, deploymentID string, cause error) {
	if err := o.client.FailDeployment(ctx, deploymentID, cause.Error()); err != nil {
		o.logger.Warn("finalize failed deployment",
			"deployment_id", deploymentID,
			"error", err,
		)
	}
}

// checkEnvVars verifies that every variable the build detected is registered
// for the environment. All missing names are reported in one error.
func (o *Orchestrator) checkEnvVars(ctx context.Context, environment string, referenced []string) error {
	registered, err := o.client.ListEnvVars(ctx, environment)
	if err != nil {
		return fmt.Errorf("list env vars: %w", err)
	}

	var missing []string
	for _, name := range referenced {
		if _, ok := registered[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &MissingEnvVarsError{Environment: environment, Names: missing}
}

// WaitForDeploymentToComplete polls the deployment until it reaches
// DEPLOYED or ERROR, or the poll window closes. A timeout returns the last
// observed deployment alongside ErrDeploymentTimeout so callers can tell
// "never finished" apart from "finished with ERROR".
func (o *Orchestrator) WaitForDeploymentToComplete(ctx context.Context, deploymentID string) (*model.Deployment, error) {
	deadline := time.NewTimer(o.PollTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(o.PollInterval)
	defer ticker.Stop()

	var last *model.Deployment
	for {
		d, err := o.client.GetDeployment(ctx, deploymentID)
		if err != nil {
			return last, fmt.Errorf("poll deployment: %w", err)
		}
		last = d

		switch d.Status {
		case model.DeployDeployed:
			o.logger.Info("deployment complete", "deployment_id", d.ID, "version", d.VersionLabel)
			return d, nil
		case model.DeployError:
			return d, &IndexingError{DeploymentID: d.ID, Message: d.ErrorMessage}
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-deadline.C:
			return last, ErrDeploymentTimeout
		case <-ticker.C:
		}
	}
}
