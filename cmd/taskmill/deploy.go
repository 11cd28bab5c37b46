package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mbekkel/taskmill/internal/build"
	"github.com/mbekkel/taskmill/internal/config"
	"github.com/mbekkel/taskmill/internal/deploy"
)

const (
	defaultAPIURL     = "http://localhost:8030"
	defaultBuilderURL = "https://builder.taskmill.dev"
)

type deployFlags struct {
	env           string
	projectRef    string
	apiURL        string
	skipTypecheck bool
	skipDeploy    bool
	selfHosted    bool
	registry      string
	pushImage     bool
	loadImage     bool
	buildPlatform string
	logLevel      string
}

func newDeployCommand() *cobra.Command {
	flags := &deployFlags{}

	cmd := &cobra.Command{
		Use:   "deploy [path]",
		Short: "Build and deploy the task project at path (default: current directory)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			return runDeploy(cmd.Context(), dir, flags)
		},
	}

	cmd.Flags().StringVar(&flags.env, "env", "prod", "target environment (prod|staging)")
	cmd.Flags().StringVar(&flags.projectRef, "project-ref", "", "project reference (defaults to the directory name)")
	cmd.Flags().StringVar(&flags.apiURL, "api-url", envOr("TASKMILL_API_URL", defaultAPIURL), "control plane API URL")
	cmd.Flags().BoolVar(&flags.skipTypecheck, "skip-typecheck", false, "skip the typecheck stage")
	cmd.Flags().BoolVar(&flags.skipDeploy, "skip-deploy", false, "build only; do not create a deployment")
	cmd.Flags().BoolVar(&flags.selfHosted, "self-hosted", false, "build with the local docker daemon instead of the hosted builder")
	cmd.Flags().StringVar(&flags.registry, "registry", "", "container registry for self-hosted pushes")
	cmd.Flags().BoolVar(&flags.pushImage, "push-image", false, "push the built image to its registry")
	cmd.Flags().BoolVar(&flags.loadImage, "load-image", false, "load the built image into the local daemon")
	cmd.Flags().StringVar(&flags.buildPlatform, "build-platform", "linux/amd64", "image target platform (linux/amd64|linux/arm64)")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "info", "log level (debug|info|warn|error)")

	return cmd
}

func runDeploy(ctx context.Context, dir string, flags *deployFlags) error {
	logger := config.NewLogger(os.Stderr, config.ParseLogLevel(flags.logLevel))

	projectRef := flags.projectRef
	if projectRef == "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("resolve project path: %w", err)
		}
		projectRef = filepath.Base(abs)
	}

	var builder deploy.ImageBuilder
	if flags.selfHosted {
		builder = &deploy.DockerBuilder{
			Registry: flags.registry,
			Username: os.Getenv("TASKMILL_REGISTRY_USER"),
			Password: os.Getenv("TASKMILL_REGISTRY_PASSWORD"),
		}
	} else {
		builder = &deploy.RemoteBuilder{
			URL:    envOr("TASKMILL_BUILDER_URL", defaultBuilderURL),
			Client: http.DefaultClient,
			Credential: func(context.Context) (string, error) {
				token := os.Getenv("TASKMILL_TOKEN")
				if token == "" {
					return "", errors.New("TASKMILL_TOKEN is not set")
				}
				return token, nil
			},
		}
	}

	orch := deploy.NewOrchestrator(deploy.NewHTTPClient(flags.apiURL), builder, logger)

	outcome, err := orch.Run(ctx, deploy.Request{
		Build: build.Options{
			Dir:           dir,
			OutDir:        filepath.Join(dir, ".taskmill", "out"),
			SkipTypecheck: flags.skipTypecheck,
		},
		ProjectRef:  projectRef,
		Environment: flags.env,
		SkipDeploy:  flags.skipDeploy,
		Platform:    flags.buildPlatform,
		PushImage:   flags.pushImage || !flags.loadImage,
		LoadImage:   flags.loadImage,
	})
	if err != nil {
		return deployError(err)
	}

	if flags.skipDeploy {
		fmt.Printf("built %s (%d tasks)\n", outcome.Build.ContentHash[:12], len(outcome.Build.Tasks))
		return nil
	}
	fmt.Printf("deployed %s version %s (%d tasks)\n",
		outcome.Deployment.ID, outcome.Deployment.VersionLabel, len(outcome.Build.Tasks))
	return nil
}

// deployError folds the failure into one consolidated message per class.
func deployError(err error) error {
	var buildErr *build.Error
	if errors.As(err, &buildErr) {
		return fmt.Errorf("build failed (%s): %s", buildErr.Stage, buildErr.Detail)
	}
	var missing *deploy.MissingEnvVarsError
	if errors.As(err, &missing) {
		return fmt.Errorf("missing environment variables: %v", missing.Names)
	}
	var image *deploy.ImageError
	if errors.As(err, &image) {
		return fmt.Errorf("image %s failed: %s", image.Op, image.Digest)
	}
	var indexing *deploy.IndexingError
	if errors.As(err, &indexing) {
		return fmt.Errorf("indexing failed: %s", indexing.Message)
	}
	if errors.Is(err, deploy.ErrDeploymentTimeout) {
		return errors.New("deployment did not complete in time; check its status before retrying")
	}
	return err
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
