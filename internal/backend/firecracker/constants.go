package firecracker

import (
	"fmt"
	"path/filepath"
)

// Default vsock settings.
const (
	// DefaultVsockPort is the port the worker agent listens on inside the
	// microVM.
	DefaultVsockPort uint32 = 1024

	// MinCID is the minimum context ID for vsock; CIDs 0-2 are reserved.
	MinCID uint32 = 3
)

// Default resource limits.
const (
	DefaultVCPUs = 1
	DefaultMemMB = 512
)

// MaxInstances is the default maximum number of concurrent microVMs.
const MaxInstances = 10

// Guest paths.
const (
	// AgentPath is the worker agent binary inside the rootfs; it boots as
	// the VM's init process.
	AgentPath = "/usr/local/bin/taskmill-worker"

	// GuestBundleDir is where the rootfs carries the deployed bundle.
	GuestBundleDir = "/opt/taskmill/bundle"
)

// rootfsFilename is the format string for per-deployment rootfs images.
const rootfsFilename = "%s.ext4"

// RootfsPath returns the rootfs image for a deployment. Images are produced
// from the deployment's pushed container image, named by deployment ID.
func RootfsPath(rootfsDir, deploymentID string) (string, error) {
	if deploymentID == "" {
		return "", fmt.Errorf("deployment ID is empty")
	}
	return filepath.Join(rootfsDir, fmt.Sprintf(rootfsFilename, deploymentID)), nil
}
