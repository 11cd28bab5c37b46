package backend

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"

	"github.com/mbekkel/taskmill/internal/model"
)

// Runtime names used when registering with the runtime registry.
const (
	RuntimeLocal       = "local"
	RuntimeFirecracker = "firecracker"
)

// Runtime provisions worker instances for deployments.
type Runtime interface {
	// Ensure returns a running instance serving the deployment, booting
	// one if none exists yet.
	Ensure(ctx context.Context, dep model.Deployment) (Instance, error)

	// BindAttempt records which instance hosts the attempt so the
	// checkpoint engine can locate its machine later. Runtimes without
	// snapshot support treat this as a no-op.
	BindAttempt(attemptID, deploymentID string)

	// Stop tears down the instance serving the deployment, if any.
	Stop(ctx context.Context, deploymentID string) error

	// Capabilities reports what this runtime supports.
	Capabilities() Capabilities
}

// Instance is one running worker runtime.
type Instance interface {
	// DeploymentID identifies the deployment this instance serves.
	DeploymentID() string

	// Dial opens a connection to the instance's worker agent.
	Dial(ctx context.Context) (net.Conn, error)
}

// Capabilities describes what a runtime supports.
type Capabilities struct {
	Name                string `json:"name"`
	SupportsCheckpoints bool   `json:"supports_checkpoints"`
	MaxInstances        int    `json:"max_instances"`
}

// Static is the development runtime: every deployment is served by one
// externally managed worker agent at a fixed address. spec is either
// "vsock:<cid>:<port>" or a TCP host:port.
type Static struct {
	spec string
}

// NewStatic creates a runtime dialing the agent at spec.
func NewStatic(spec string) *Static {
	return &Static{spec: spec}
}

// Compile-time interface satisfaction check.
var _ Runtime = (*Static)(nil)

func (s *Static) Ensure(_ context.Context, dep model.Deployment) (Instance, error) {
	return &staticInstance{spec: s.spec, deploymentID: dep.ID}, nil
}

// BindAttempt is a no-op: the shared agent cannot be snapshotted.
func (s *Static) BindAttempt(_, _ string) {}

// Stop is a no-op: the agent's lifecycle is managed outside the server.
func (s *Static) Stop(context.Context, string) error { return nil }

func (s *Static) Capabilities() Capabilities {
	return Capabilities{Name: RuntimeLocal}
}

type staticInstance struct {
	spec         string
	deploymentID string
}

func (i *staticInstance) DeploymentID() string { return i.deploymentID }

func (i *staticInstance) Dial(ctx context.Context) (net.Conn, error) {
	if rest, ok := strings.CutPrefix(i.spec, "vsock:"); ok {
		parts := strings.SplitN(rest, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("vsock spec %q: want vsock:<cid>:<port>", i.spec)
		}
		cid, err := strconv.ParseUint(parts[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("vsock cid %q: %w", parts[0], err)
		}
		port, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("vsock port %q: %w", parts[1], err)
		}
		return vsock.Dial(uint32(cid), uint32(port), nil)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", i.spec)
}
