package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	defaultListenAddr       = ":8030"
	defaultDBPath           = "taskmill.db"
	defaultWorkerAddr       = ":8031"
	defaultCoordinatorAddr  = ":8032"
	defaultRegistryURL      = "registry.taskmill.dev"
	defaultCheckpointDir    = "checkpoints"
	defaultCheckpointEngine = "dir"
	defaultFirecrackerBin   = "firecracker"
	defaultBundleDir        = "bundle"
	defaultWorkerRuntime    = "auto"

	envListenAddr       = "TASKMILL_LISTEN_ADDR"
	envDBPath           = "TASKMILL_DB_PATH"
	envLogLevel         = "TASKMILL_LOG_LEVEL"
	envWorkerAddr       = "TASKMILL_WORKER_ADDR"
	envCoordinatorAddr  = "TASKMILL_COORDINATOR_ADDR"
	envRegistryURL      = "TASKMILL_REGISTRY_URL"
	envCheckpointDir    = "TASKMILL_CHECKPOINT_DIR"
	envCheckpointEngine = "TASKMILL_CHECKPOINT_ENGINE"
	envFirecrackerBin   = "TASKMILL_FIRECRACKER_BIN"
	envBundleDir        = "TASKMILL_BUNDLE_DIR"
	envWorkerRuntime    = "TASKMILL_WORKER_RUNTIME"
	envDeploymentID     = "TASKMILL_DEPLOYMENT_ID"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr      string
	DBPath          string
	WorkerAddr      string
	CoordinatorAddr string
	RegistryURL     string
	// CheckpointEngine selects "dir" (development) or "firecracker".
	CheckpointEngine string
	CheckpointDir    string
	FirecrackerBin   string
	// BundleDir is where the worker agent finds the deployed bundle.
	BundleDir string
	// DeploymentID identifies the deployment a worker instance serves.
	// Set on the kernel command line when the agent boots inside a microVM.
	DeploymentID string
	// WorkerRuntime selects where worker instances run: "local",
	// "firecracker", or "auto" (strongest isolation available).
	WorkerRuntime string
	LogLevel      slog.Level
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:       defaultListenAddr,
		DBPath:           defaultDBPath,
		WorkerAddr:       defaultWorkerAddr,
		CoordinatorAddr:  defaultCoordinatorAddr,
		RegistryURL:      defaultRegistryURL,
		CheckpointEngine: defaultCheckpointEngine,
		CheckpointDir:    defaultCheckpointDir,
		FirecrackerBin:   defaultFirecrackerBin,
		BundleDir:        defaultBundleDir,
		WorkerRuntime:    defaultWorkerRuntime,
		LogLevel:         slog.LevelInfo,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envWorkerAddr); v != "" {
		cfg.WorkerAddr = v
	}
	if v := os.Getenv(envCoordinatorAddr); v != "" {
		cfg.CoordinatorAddr = v
	}
	if v := os.Getenv(envRegistryURL); v != "" {
		cfg.RegistryURL = v
	}
	if v := os.Getenv(envCheckpointEngine); v != "" {
		cfg.CheckpointEngine = v
	}
	if v := os.Getenv(envCheckpointDir); v != "" {
		cfg.CheckpointDir = v
	}
	if v := os.Getenv(envFirecrackerBin); v != "" {
		cfg.FirecrackerBin = v
	}
	if v := os.Getenv(envBundleDir); v != "" {
		cfg.BundleDir = v
	}
	if v := os.Getenv(envDeploymentID); v != "" {
		cfg.DeploymentID = v
	}
	if v := os.Getenv(envWorkerRuntime); v != "" {
		cfg.WorkerRuntime = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = ParseLogLevel(v)
	}

	return cfg
}

// ParseLogLevel maps a level name to its slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
