package checkpoint

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/sirupsen/logrus"

	"github.com/mbekkel/taskmill/internal/model"
)

const (
	memFileName   = "mem.snap"
	stateFileName = "vmstate.snap"
)

// Compile-time interface satisfaction check.
var _ Checkpointer = (*FirecrackerEngine)(nil)

// FirecrackerEngine snapshots attempts running inside Firecracker microVMs:
// suspend pauses the VM and writes its memory and device state to disk so
// the VM process can be torn down; restore boots a fresh VM from those files.
type FirecrackerEngine struct {
	snapshotDir string
	fcBin       string
	logger      *slog.Logger

	mu       sync.Mutex
	machines map[string]*fcsdk.Machine
}

// NewFirecrackerEngine creates an engine writing snapshots under snapshotDir
// and launching restored VMs with the given firecracker binary.
func NewFirecrackerEngine(snapshotDir, fcBin string, logger *slog.Logger) *FirecrackerEngine {
	return &FirecrackerEngine{
		snapshotDir: snapshotDir,
		fcBin:       fcBin,
		logger:      logger,
		machines:    make(map[string]*fcsdk.Machine),
	}
}

// Attach associates a running machine with an attempt so it can be
// checkpointed later.
func (e *FirecrackerEngine) Attach(attemptID string, m *fcsdk.Machine) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.machines[attemptID] = m
}

// Detach drops the machine association for a finished attempt.
func (e *FirecrackerEngine) Detach(attemptID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.machines, attemptID)
}

func (e *FirecrackerEngine) machine(attemptID string) (*fcsdk.Machine, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.machines[attemptID]
	return m, ok
}

// Create pauses the attempt's VM and snapshots it. After a successful
// snapshot the VM is stopped; the attempt's compute is reclaimed.
func (e *FirecrackerEngine) Create(ctx context.Context, attemptID, reason string) (model.Checkpoint, error) {
	m, ok := e.machine(attemptID)
	if !ok {
		return model.Checkpoint{}, fmt.Errorf("no machine attached for attempt %s", attemptID)
	}

	dir := filepath.Join(e.snapshotDir, attemptID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return model.Checkpoint{}, fmt.Errorf("create snapshot dir: %w", err)
	}

	if err := m.PauseVM(ctx); err != nil {
		return model.Checkpoint{}, fmt.Errorf("pause VM: %w", err)
	}
	if err := m.CreateSnapshot(ctx, filepath.Join(dir, memFileName), filepath.Join(dir, stateFileName)); err != nil {
		return model.Checkpoint{}, fmt.Errorf("snapshot VM: %w", err)
	}
	if err := m.StopVMM(); err != nil {
		e.logger.Warn("stop VMM after snapshot", "attempt_id", attemptID, "error", err)
	}
	e.Detach(attemptID)

	e.logger.Info("checkpoint created",
		"attempt_id", attemptID,
		"location", dir,
		"reason", reason,
	)

	return model.Checkpoint{
		Type:     TypeFirecrackerSnapshot,
		Location: dir,
		Reason:   reason,
	}, nil
}

// Restore boots a new VM from the snapshot files and resumes it. The
// snapshot directory is consumed: restoring the same checkpoint twice fails.
func (e *FirecrackerEngine) Restore(ctx context.Context, attemptID string, cp model.Checkpoint) (Handle, error) {
	if cp.Type != TypeFirecrackerSnapshot {
		return Handle{}, fmt.Errorf("checkpoint type %q not restorable by firecracker engine", cp.Type)
	}

	memPath := filepath.Join(cp.Location, memFileName)
	statePath := filepath.Join(cp.Location, stateFileName)
	for _, p := range []string{memPath, statePath} {
		if _, err := os.Stat(p); err != nil {
			return Handle{}, fmt.Errorf("snapshot file %s: %w", p, err)
		}
	}

	socketPath := filepath.Join(cp.Location, "restore.sock")
	cfg := fcsdk.Config{
		SocketPath: socketPath,
		VMID:       attemptID,
	}

	// The SDK wants a logrus logger; discard its output, we log via slog.
	fcLogger := logrus.New()
	fcLogger.SetOutput(io.Discard)

	cmd := fcsdk.VMCommandBuilder{}.
		WithBin(e.fcBin).
		WithSocketPath(socketPath).
		Build(ctx)

	m, err := fcsdk.NewMachine(ctx, cfg,
		fcsdk.WithLogger(logrus.NewEntry(fcLogger)),
		fcsdk.WithProcessRunner(cmd),
		fcsdk.WithSnapshot(memPath, statePath),
	)
	if err != nil {
		return Handle{}, fmt.Errorf("create machine from snapshot: %w", err)
	}

	if err := m.Start(ctx); err != nil {
		return Handle{}, fmt.Errorf("resume VM: %w", err)
	}

	e.Attach(attemptID, m)

	// Consume the snapshot files so a double restore fails loudly.
	if err := os.Remove(memPath); err != nil {
		e.logger.Warn("remove consumed snapshot", "path", memPath, "error", err)
	}
	if err := os.Remove(statePath); err != nil {
		e.logger.Warn("remove consumed snapshot", "path", statePath, "error", err)
	}

	e.logger.Info("checkpoint restored", "attempt_id", attemptID, "location", cp.Location)

	return Handle{AttemptID: attemptID, Location: cp.Location}, nil
}
