// Package firecracker hosts worker instances inside Firecracker microVMs.
// Each deployment gets its own VM booted from a per-deployment rootfs; the
// worker agent inside runs as init and is reached over vsock.
package firecracker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"

	"github.com/mbekkel/taskmill/internal/backend"
	"github.com/mbekkel/taskmill/internal/model"
)

const (
	// vsockDeviceID is the device identifier used for vsock configuration.
	vsockDeviceID = "vsock0"

	// rootfsDriveID is the drive identifier for the root filesystem.
	rootfsDriveID = "rootfs"

	// vmSocketSuffix is appended to the deployment ID for the VM API socket.
	vmSocketSuffix = ".sock"

	// vsockSocketSuffix is appended for the vsock UDS path.
	vsockSocketSuffix = "_vsock.sock"

	// gracefulShutdownTimeout is the time allowed for graceful VM shutdown.
	gracefulShutdownTimeout = 3 * time.Second
)

// Attacher receives machine handles for attempts hosted on this runtime so
// suspended attempts can be snapshotted. The Firecracker checkpoint engine
// implements it.
type Attacher interface {
	Attach(attemptID string, m *fcsdk.Machine)
	Detach(attemptID string)
}

// Instance is one running worker microVM.
type Instance struct {
	deploymentID string
	machine      *fcsdk.Machine
	cid          uint32
	netConfig    *NetworkConfig
	socketDir    string // temp directory for socket files and the rootfs copy
	vsockPath    string
	vsockPort    uint32
	started      bool // true after machine.Start succeeds (guards the gauge)
}

// DeploymentID identifies the deployment this instance serves.
func (i *Instance) DeploymentID() string { return i.deploymentID }

// Dial connects to the worker agent through the VM's vsock bridge.
func (i *Instance) Dial(ctx context.Context) (net.Conn, error) {
	return DialAgent(ctx, i.vsockPath, i.vsockPort)
}

// Machine exposes the underlying machine handle for snapshotting.
func (i *Instance) Machine() *fcsdk.Machine { return i.machine }

// Runner implements backend.Runtime using Firecracker microVMs.
type Runner struct {
	cfg      Config
	netMgr   *NetworkManager
	attacher Attacher
	logger   *slog.Logger

	mu        sync.Mutex
	instances map[string]*Instance // deploymentID → instance

	cidMu    sync.Mutex
	cidNext  uint32
	cidInUse map[uint32]bool
}

// Compile-time interface satisfaction check.
var _ backend.Runtime = (*Runner)(nil)

// NewRunner creates a Firecracker runtime. attacher may be nil when
// checkpointing is disabled.
func NewRunner(cfg Config, attacher Attacher, logger *slog.Logger) (*Runner, error) {
	netMgr, err := NewNetworkManager(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create network manager: %w", err)
	}

	return &Runner{
		cfg:       cfg,
		netMgr:    netMgr,
		attacher:  attacher,
		logger:    logger,
		instances: make(map[string]*Instance),
		cidNext:   cfg.CIDBase,
		cidInUse:  make(map[uint32]bool),
	}, nil
}

// Verify checks that the CNI plugins the runtime needs are installed.
func (r *Runner) Verify() error {
	return r.netMgr.Verify()
}

// Capabilities reports what this runtime supports.
func (r *Runner) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:                backend.RuntimeFirecracker,
		SupportsCheckpoints: true,
		MaxInstances:        r.cfg.MaxInstances,
	}
}

// Ensure returns the instance serving the deployment, booting a microVM for
// it if none is running.
func (r *Runner) Ensure(ctx context.Context, dep model.Deployment) (backend.Instance, error) {
	r.mu.Lock()
	if inst, ok := r.instances[dep.ID]; ok {
		r.mu.Unlock()
		return inst, nil
	}
	if len(r.instances) >= r.cfg.MaxInstances {
		r.mu.Unlock()
		return nil, fmt.Errorf("instance limit reached (%d running)", r.cfg.MaxInstances)
	}
	r.mu.Unlock()

	inst, err := r.boot(ctx, dep)
	if err != nil {
		instancesTotal.WithLabelValues(outcomeFailed).Inc()
		return nil, err
	}

	r.mu.Lock()
	r.instances[dep.ID] = inst
	r.mu.Unlock()

	instancesTotal.WithLabelValues(outcomeBooted).Inc()
	return inst, nil
}

// BindAttempt hands the attempt's machine to the checkpoint engine.
func (r *Runner) BindAttempt(attemptID, deploymentID string) {
	if r.attacher == nil {
		return
	}
	r.mu.Lock()
	inst, ok := r.instances[deploymentID]
	r.mu.Unlock()
	if !ok {
		r.logger.Warn("no instance for attempt binding",
			"attempt_id", attemptID, "deployment_id", deploymentID)
		return
	}
	r.attacher.Attach(attemptID, inst.machine)
}

// Stop tears down the instance serving the deployment, if any.
func (r *Runner) Stop(ctx context.Context, deploymentID string) error {
	r.mu.Lock()
	inst, ok := r.instances[deploymentID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.instances, deploymentID)
	r.mu.Unlock()

	r.stopAndCleanup(ctx, inst)
	return nil
}

// Shutdown stops all running instances and tears down networking.
func (r *Runner) Shutdown(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.Stop(ctx, id); err != nil {
			r.logger.Error("shutdown cleanup failed", "deployment_id", id, "error", err)
		}
	}

	r.netMgr.TeardownAll(ctx)
}

// boot launches a microVM for the deployment and waits until its agent is
// reachable.
func (r *Runner) boot(ctx context.Context, dep model.Deployment) (*Instance, error) {
	rootfsPath, err := RootfsPath(r.cfg.RootfsDir, dep.ID)
	if err != nil {
		return nil, fmt.Errorf("select rootfs: %w", err)
	}
	if _, err := os.Stat(rootfsPath); err != nil {
		return nil, fmt.Errorf("rootfs for deployment %s: %w", dep.ID, err)
	}

	cid, err := r.allocateCID()
	if err != nil {
		return nil, fmt.Errorf("allocate CID: %w", err)
	}

	netCfg, err := r.netMgr.Setup(ctx, dep.ID)
	if err != nil {
		r.releaseCID(cid)
		return nil, fmt.Errorf("network setup: %w", err)
	}

	socketDir, err := os.MkdirTemp("", "taskmill-vm-"+dep.ID+"-")
	if err != nil {
		r.releaseCID(cid)
		r.teardownNetwork(ctx, dep.ID)
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	// Each VM writes to its own rootfs copy; reflink keeps it cheap.
	vmRootfs := filepath.Join(socketDir, "rootfs.ext4")
	if err := copyRootfs(rootfsPath, vmRootfs); err != nil {
		r.releaseCID(cid)
		r.teardownNetwork(ctx, dep.ID)
		os.RemoveAll(socketDir)
		return nil, fmt.Errorf("copy rootfs: %w", err)
	}

	socketPath := filepath.Join(socketDir, dep.ID+vmSocketSuffix)
	vsockPath := filepath.Join(socketDir, dep.ID+vsockSocketSuffix)

	fcCfg := fcsdk.Config{
		SocketPath:      socketPath,
		KernelImagePath: r.cfg.KernelPath,
		KernelArgs:      r.bootArgs(dep),
		Drives: []models.Drive{
			{
				DriveID:      fcsdk.String(rootfsDriveID),
				PathOnHost:   fcsdk.String(vmRootfs),
				IsRootDevice: fcsdk.Bool(true),
				IsReadOnly:   fcsdk.Bool(false),
			},
		},
		NetworkInterfaces: fcsdk.NetworkInterfaces{
			{
				StaticConfiguration: &fcsdk.StaticNetworkConfiguration{
					MacAddress:  netCfg.MACAddress,
					HostDevName: netCfg.TAPDevice,
				},
			},
		},
		VsockDevices: []fcsdk.VsockDevice{
			{
				ID:   vsockDeviceID,
				Path: vsockPath,
				CID:  cid,
			},
		},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(int64(r.cfg.DefaultVCPUs)),
			MemSizeMib: fcsdk.Int64(int64(r.cfg.DefaultMemMB)),
			Smt:        fcsdk.Bool(false),
		},
		NetNS: netCfg.NamespacePath,
		VMID:  dep.ID,
	}

	// The SDK wants a logrus logger; discard its output, we log via slog.
	fcLogger := logrus.New()
	fcLogger.SetOutput(io.Discard)

	fcCmd := fcsdk.VMCommandBuilder{}.
		WithBin(r.cfg.FirecrackerBin).
		WithSocketPath(socketPath).
		Build(ctx)

	machine, err := fcsdk.NewMachine(ctx, fcCfg,
		fcsdk.WithLogger(logrus.NewEntry(fcLogger)),
		fcsdk.WithProcessRunner(fcCmd),
	)
	if err != nil {
		r.releaseCID(cid)
		r.teardownNetwork(ctx, dep.ID)
		os.RemoveAll(socketDir)
		return nil, fmt.Errorf("create machine: %w", err)
	}

	inst := &Instance{
		deploymentID: dep.ID,
		machine:      machine,
		cid:          cid,
		netConfig:    netCfg,
		socketDir:    socketDir,
		vsockPath:    vsockPath,
		vsockPort:    r.cfg.VsockPort,
	}

	bootStart := time.Now()
	if err := machine.Start(ctx); err != nil {
		r.stopAndCleanup(ctx, inst)
		return nil, fmt.Errorf("start VM: %w", err)
	}
	inst.started = true
	activeInstances.Inc()

	// Wait for the agent before declaring the instance ready.
	probe, err := inst.Dial(ctx)
	vmBootDuration.Observe(time.Since(bootStart).Seconds())
	if err != nil {
		r.stopAndCleanup(ctx, inst)
		return nil, fmt.Errorf("agent unreachable: %w", err)
	}
	probe.Close()

	r.logger.Info("worker VM started",
		"deployment_id", dep.ID,
		"environment", dep.Environment,
		"cid", cid,
		"guest_ip", netCfg.GuestIP,
	)

	return inst, nil
}

// bootArgs builds the kernel command line. Key=value pairs become the init
// process's environment, which is how the agent learns its configuration.
func (r *Runner) bootArgs(dep model.Deployment) string {
	return fmt.Sprintf(
		"console=ttyS0 reboot=k panic=1 pci=off "+
			"TASKMILL_WORKER_ADDR=vsock:%d TASKMILL_BUNDLE_DIR=%s TASKMILL_DEPLOYMENT_ID=%s "+
			"init=%s",
		r.cfg.VsockPort, GuestBundleDir, dep.ID, AgentPath,
	)
}

// stopAndCleanup stops a VM and releases everything it held. Cleanup runs
// on fresh contexts so it completes even when the caller's is cancelled.
func (r *Runner) stopAndCleanup(_ context.Context, inst *Instance) {
	cleanupStart := time.Now()

	r.mu.Lock()
	delete(r.instances, inst.deploymentID)
	r.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	if err := inst.machine.Shutdown(shutdownCtx); err != nil {
		r.logger.Debug("graceful shutdown failed, forcing stop",
			"deployment_id", inst.deploymentID, "error", err)
		if stopErr := inst.machine.StopVMM(); stopErr != nil {
			r.logger.Debug("StopVMM failed", "deployment_id", inst.deploymentID, "error", stopErr)
		}
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer waitCancel()
	if err := inst.machine.Wait(waitCtx); err != nil {
		r.logger.Debug("failed to wait for VM exit", "deployment_id", inst.deploymentID, "error", err)
	}

	if inst.started {
		activeInstances.Dec()
	}

	r.releaseCID(inst.cid)

	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cleanupCancel()
	r.teardownNetwork(cleanupCtx, inst.deploymentID)

	if inst.socketDir != "" {
		os.RemoveAll(inst.socketDir)
	}

	vmCleanupDuration.Observe(time.Since(cleanupStart).Seconds())
	r.logger.Debug("cleanup complete", "deployment_id", inst.deploymentID)
}

// teardownNetwork tears down networking, logging errors without propagating.
func (r *Runner) teardownNetwork(ctx context.Context, deploymentID string) {
	if err := r.netMgr.Teardown(ctx, deploymentID); err != nil {
		r.logger.Warn("network teardown failed", "deployment_id", deploymentID, "error", err)
	}
}

// allocateCID returns the next available vsock CID.
func (r *Runner) allocateCID() (uint32, error) {
	r.cidMu.Lock()
	defer r.cidMu.Unlock()

	scanRange := uint32(r.cfg.MaxInstances + 10)
	for i := range scanRange {
		candidate := max(r.cidNext+i, MinCID)
		if !r.cidInUse[candidate] {
			r.cidInUse[candidate] = true
			r.cidNext = candidate + 1
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("no available CIDs (all %d slots in use)", len(r.cidInUse))
}

// releaseCID returns a CID to the pool.
func (r *Runner) releaseCID(cid uint32) {
	r.cidMu.Lock()
	defer r.cidMu.Unlock()
	delete(r.cidInUse, cid)
}

// copyRootfs copies the rootfs image, copy-on-write when the filesystem
// supports it.
func copyRootfs(src, dst string) error {
	cmd := exec.Command("cp", "--reflink=auto", src, dst)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("cp %s %s: %s: %w", src, dst, string(output), err)
	}
	return nil
}
