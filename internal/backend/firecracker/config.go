package firecracker

import (
	"os"
	"strconv"
)

// Environment variable names for the microVM runtime.
const (
	envKernelPath   = "TASKMILL_FC_KERNEL_PATH"
	envRootfsDir    = "TASKMILL_FC_ROOTFS_DIR"
	envBin          = "TASKMILL_FC_BIN"
	envCNIConfigDir = "TASKMILL_FC_CNI_CONFIG_DIR"
	envCNIBinDir    = "TASKMILL_FC_CNI_BIN_DIR"
	envVsockPort    = "TASKMILL_FC_VSOCK_PORT"
	envMaxInstances = "TASKMILL_FC_MAX_INSTANCES"
)

// Config holds configuration for the Firecracker microVM runtime.
type Config struct {
	// KernelPath is the path to the Firecracker-compatible kernel image.
	KernelPath string

	// RootfsDir is the directory containing per-deployment rootfs images.
	RootfsDir string

	// FirecrackerBin is the path to the Firecracker binary.
	FirecrackerBin string

	// CNIConfigDir is the path to the CNI configuration directory.
	CNIConfigDir string

	// CNIBinDir is the path to the CNI plugin binaries.
	CNIBinDir string

	// VsockPort is the worker agent vsock port.
	VsockPort uint32

	// CIDBase is the starting context ID for vsock.
	CIDBase uint32

	// DefaultVCPUs is the vCPU count per microVM.
	DefaultVCPUs int

	// DefaultMemMB is the memory in MB per microVM.
	DefaultMemMB int

	// MaxInstances is the maximum number of concurrent microVMs.
	MaxInstances int
}

// LoadConfig reads microVM runtime configuration from environment variables,
// applying defaults for values not set.
func LoadConfig() Config {
	cfg := Config{
		VsockPort:    DefaultVsockPort,
		CIDBase:      MinCID,
		DefaultVCPUs: DefaultVCPUs,
		DefaultMemMB: DefaultMemMB,
		MaxInstances: MaxInstances,
	}

	if v := os.Getenv(envKernelPath); v != "" {
		cfg.KernelPath = v
	}
	if v := os.Getenv(envRootfsDir); v != "" {
		cfg.RootfsDir = v
	}
	if v := os.Getenv(envBin); v != "" {
		cfg.FirecrackerBin = v
	}
	if v := os.Getenv(envCNIConfigDir); v != "" {
		cfg.CNIConfigDir = v
	}
	if v := os.Getenv(envCNIBinDir); v != "" {
		cfg.CNIBinDir = v
	}
	if v := os.Getenv(envVsockPort); v != "" {
		if port, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.VsockPort = uint32(port)
		}
	}
	if v := os.Getenv(envMaxInstances); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxInstances = n
		}
	}

	return cfg
}
