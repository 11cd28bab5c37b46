package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mbekkel/taskmill/internal/model"
)

// Compile-time interface satisfaction check.
var _ Checkpointer = (*DirEngine)(nil)

// DirEngine is a local-directory checkpoint engine for development and
// tests. Each checkpoint is one file; restore consumes it.
type DirEngine struct {
	dir string
}

// NewDirEngine creates a DirEngine rooted at dir.
func NewDirEngine(dir string) *DirEngine {
	return &DirEngine{dir: dir}
}

// Create writes a checkpoint marker for the attempt.
func (e *DirEngine) Create(_ context.Context, attemptID, reason string) (model.Checkpoint, error) {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return model.Checkpoint{}, fmt.Errorf("create checkpoint dir: %w", err)
	}

	location := filepath.Join(e.dir, attemptID+".checkpoint")
	if err := os.WriteFile(location, []byte(reason), 0o644); err != nil {
		return model.Checkpoint{}, fmt.Errorf("write checkpoint: %w", err)
	}

	return model.Checkpoint{
		Type:     TypeLocalDir,
		Location: location,
		Reason:   reason,
	}, nil
}

// Restore consumes the checkpoint: a second restore of the same checkpoint
// fails because the marker no longer exists.
func (e *DirEngine) Restore(_ context.Context, attemptID string, cp model.Checkpoint) (Handle, error) {
	if cp.Type != TypeLocalDir {
		return Handle{}, fmt.Errorf("checkpoint type %q not restorable by dir engine", cp.Type)
	}
	if _, err := os.Stat(cp.Location); err != nil {
		return Handle{}, fmt.Errorf("checkpoint %s: %w", cp.Location, err)
	}
	if err := os.Remove(cp.Location); err != nil {
		return Handle{}, fmt.Errorf("consume checkpoint: %w", err)
	}

	return Handle{AttemptID: attemptID, Location: cp.Location}, nil
}
