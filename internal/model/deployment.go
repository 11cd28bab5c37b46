package model

import "time"

// Deployment status constants. These exact strings are persisted and
// consumed by the dashboard.
const (
	DeployPending   = "PENDING"
	DeployBuilding  = "BUILDING"
	DeployDeploying = "DEPLOYING"
	DeployDeployed  = "DEPLOYED"
	DeployError     = "ERROR"
)

// validDeployTransitions maps each deployment status to the set of statuses
// it may transition to.
var validDeployTransitions = map[string]map[string]bool{
	DeployPending: {
		DeployBuilding: true,
		DeployError:    true,
	},
	DeployBuilding: {
		DeployDeploying: true,
		DeployError:     true,
	},
	DeployDeploying: {
		DeployDeployed: true,
		DeployError:    true,
	},
}

// ValidDeployTransition reports whether a deployment may move between the
// two statuses.
func ValidDeployTransition(from, to string) bool {
	targets, ok := validDeployTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Deployment tracks one deploy of a worker version through build, image
// publish, and remote indexing. Status transitions are driven by the
// coordinator's indexing outcome; the orchestrator only observes.
type Deployment struct {
	ID           string    `json:"id"`
	ProjectRef   string    `json:"project_ref"`
	Environment  string    `json:"environment"`
	Status       string    `json:"status"`
	ContentHash  string    `json:"content_hash"`
	ImageRef     string    `json:"image_ref,omitempty"`
	VersionLabel string    `json:"version_label"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
