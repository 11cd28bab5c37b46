// Package checkpoint snapshots suspended attempts so their compute can be
// reclaimed, and restores them when execution resumes — possibly on
// different compute. The coordinator treats checkpoints as opaque handles;
// only the engine that created one knows how to restore it.
package checkpoint

import (
	"context"

	"github.com/mbekkel/taskmill/internal/model"
)

// Checkpoint type constants.
const (
	TypeFirecrackerSnapshot = "FIRECRACKER_SNAPSHOT"
	TypeLocalDir            = "LOCAL_DIR"
)

// Handle refers to a restored attempt's runtime.
type Handle struct {
	AttemptID string
	Location  string
}

// Checkpointer creates and restores external snapshots of attempt runtime
// state. Each checkpoint is consumed exactly once: restoring it a second
// time is an error.
type Checkpointer interface {
	Create(ctx context.Context, attemptID, reason string) (model.Checkpoint, error)
	Restore(ctx context.Context, attemptID string, cp model.Checkpoint) (Handle, error)
}
