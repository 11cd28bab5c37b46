package firecracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/containernetworking/cni/libcni"
	"github.com/containernetworking/cni/pkg/types"
	types100 "github.com/containernetworking/cni/pkg/types/100"
)

// Each microVM gets its own network namespace on a shared bridge. The
// bridge plugin wires a veth pair into the namespace, host-local hands out
// an address from the subnet, and tc-redirect-tap mirrors the veth onto a
// TAP device that Firecracker attaches to the guest.
const (
	DefaultBridgeName = "tmbr0"
	DefaultSubnet     = "10.61.0.0/24"
	DefaultGateway    = "10.61.0.1"

	CNINetworkName = "taskmill-net"
	CNIVersion     = "1.0.0"
	CNIIfName      = "eth0" // veth name inside the namespace
	CNICacheDir    = "/var/lib/cni/cache"

	NetNSRunDir = "/var/run/netns"
	NetNSPrefix = "taskmill-"
)

var requiredCNIPlugins = []string{"bridge", "host-local", "tc-redirect-tap"}

const ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

// NetworkConfig is what one microVM needs from its finished network setup.
type NetworkConfig struct {
	// TAPDevice is the tc-redirect-tap interface Firecracker attaches to.
	TAPDevice string
	// GuestIP is the guest address in CIDR notation.
	GuestIP string
	// GatewayIP is the guest's default gateway.
	GatewayIP string
	// MACAddress is the MAC of the guest interface.
	MACAddress string
	// NamespacePath is the full path of the instance's netns.
	NamespacePath string
}

// NetworkManager owns the CNI lifecycle for worker microVMs: one namespace
// per instance, created on Setup and removed on Teardown.
type NetworkManager struct {
	cniBinDir     string
	cniConfigDir  string
	cniConfig     *libcni.CNIConfig
	confList      *libcni.NetworkConfigList
	confListBytes []byte
	logger        *slog.Logger

	mu         sync.Mutex
	namespaces map[string]string // instanceID to namespace path
}

// NewNetworkManager builds the manager and its in-memory conflist.
func NewNetworkManager(cfg Config, logger *slog.Logger) (*NetworkManager, error) {
	confBytes, err := generateConfList()
	if err != nil {
		return nil, fmt.Errorf("generate CNI conflist: %w", err)
	}
	confList, err := libcni.ConfListFromBytes(confBytes)
	if err != nil {
		return nil, fmt.Errorf("parse CNI conflist: %w", err)
	}

	return &NetworkManager{
		cniBinDir:     cfg.CNIBinDir,
		cniConfigDir:  cfg.CNIConfigDir,
		cniConfig:     libcni.NewCNIConfigWithCacheDir([]string{cfg.CNIBinDir}, CNICacheDir, nil),
		confList:      confList,
		confListBytes: confBytes,
		logger:        logger,
		namespaces:    make(map[string]string),
	}, nil
}

// Setup provisions networking for one microVM: a fresh namespace plus a CNI
// ADD through the bridge chain. Any failure rolls the instance's network
// state back before returning.
func (m *NetworkManager) Setup(ctx context.Context, instanceID string) (*NetworkConfig, error) {
	nsName := NetNSPrefix + instanceID
	nsPath := filepath.Join(NetNSRunDir, nsName)

	if err := createNetNS(nsName); err != nil {
		return nil, fmt.Errorf("create netns %s: %w", nsName, err)
	}
	m.track(instanceID, nsPath)

	rtConf := &libcni.RuntimeConf{
		ContainerID: instanceID,
		NetNS:       nsPath,
		IfName:      CNIIfName,
	}

	result, err := m.cniConfig.AddNetworkList(ctx, m.confList, rtConf)
	if err != nil {
		m.abortSetup(ctx, instanceID, nsName, nil)
		return nil, fmt.Errorf("CNI ADD for %s: %w", instanceID, err)
	}

	netCfg, err := parseResult(result, nsPath)
	if err != nil {
		m.abortSetup(ctx, instanceID, nsName, rtConf)
		return nil, fmt.Errorf("parse CNI result for %s: %w", instanceID, err)
	}

	m.logger.Info("network setup complete",
		"instance_id", instanceID,
		"tap", netCfg.TAPDevice,
		"guest_ip", netCfg.GuestIP,
		"namespace", nsPath,
	)
	return netCfg, nil
}

func (m *NetworkManager) track(instanceID, nsPath string) {
	m.mu.Lock()
	m.namespaces[instanceID] = nsPath
	m.mu.Unlock()
}

func (m *NetworkManager) untrack(instanceID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nsPath, ok := m.namespaces[instanceID]
	delete(m.namespaces, instanceID)
	return nsPath, ok
}

// abortSetup unwinds a half-finished Setup. rtConf is non-nil once the CNI
// ADD has happened and a matching DEL is owed.
func (m *NetworkManager) abortSetup(ctx context.Context, instanceID, nsName string, rtConf *libcni.RuntimeConf) {
	if rtConf != nil {
		if err := m.cniConfig.DelNetworkList(ctx, m.confList, rtConf); err != nil {
			m.logger.Debug("CNI DEL during setup rollback", "instance_id", instanceID, "error", err)
		}
	}
	if err := deleteNetNS(nsName); err != nil {
		m.logger.Warn("netns cleanup during setup rollback", "instance_id", instanceID, "error", err)
	}
	m.untrack(instanceID)
}

// Teardown removes an instance's CNI attachment and namespace. Unknown
// instances are a no-op, so calling twice is safe.
func (m *NetworkManager) Teardown(ctx context.Context, instanceID string) error {
	nsPath, ok := m.untrack(instanceID)
	if !ok {
		return nil
	}
	nsName := NetNSPrefix + instanceID

	rtConf := &libcni.RuntimeConf{
		ContainerID: instanceID,
		NetNS:       nsPath,
		IfName:      CNIIfName,
	}

	var firstErr error
	if err := m.cniConfig.DelNetworkList(ctx, m.confList, rtConf); err != nil {
		firstErr = fmt.Errorf("CNI DEL for %s: %w", instanceID, err)
		m.logger.Warn("CNI DEL failed", "instance_id", instanceID, "error", err)
	}
	if err := deleteNetNS(nsName); err != nil {
		m.logger.Warn("netns cleanup failed", "instance_id", instanceID, "error", err)
		if firstErr == nil {
			firstErr = fmt.Errorf("delete netns for %s: %w", instanceID, err)
		}
	}
	return firstErr
}

// TeardownAll tears down every tracked instance, for shutdown paths.
func (m *NetworkManager) TeardownAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.namespaces))
	for id := range m.namespaces {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Teardown(ctx, id); err != nil {
			m.logger.Error("teardown failed during shutdown", "instance_id", id, "error", err)
		}
	}
}

// Verify reports which required CNI plugin binaries are missing.
func (m *NetworkManager) Verify() error {
	var missing []string
	for _, plugin := range requiredCNIPlugins {
		_, err := os.Stat(filepath.Join(m.cniBinDir, plugin))
		switch {
		case err == nil:
		case errors.Is(err, os.ErrNotExist):
			missing = append(missing, plugin)
		default:
			return fmt.Errorf("stat CNI plugin %s: %w", plugin, err)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing CNI plugins in %s: %s", m.cniBinDir, strings.Join(missing, ", "))
	}
	return nil
}

// WriteConfList persists the conflist so external CNI tooling sees the same
// network definition this process runs with.
func (m *NetworkManager) WriteConfList() error {
	if err := os.MkdirAll(m.cniConfigDir, 0o755); err != nil {
		return fmt.Errorf("create CNI config dir: %w", err)
	}
	confPath := filepath.Join(m.cniConfigDir, CNINetworkName+".conflist")
	if err := os.WriteFile(confPath, m.confListBytes, 0o644); err != nil {
		return fmt.Errorf("write conflist: %w", err)
	}
	m.logger.Info("wrote CNI conflist", "path", confPath)
	return nil
}

type confListJSON struct {
	CNIVersion string           `json:"cniVersion"`
	Name       string           `json:"name"`
	Plugins    []map[string]any `json:"plugins"`
}

// generateConfList emits the bridge + host-local + tc-redirect-tap chain.
func generateConfList() ([]byte, error) {
	confList := confListJSON{
		CNIVersion: CNIVersion,
		Name:       CNINetworkName,
		Plugins: []map[string]any{
			{
				"type":      "bridge",
				"bridge":    DefaultBridgeName,
				"isGateway": true,
				"ipMasq":    true,
				"ipam": map[string]any{
					"type":    "host-local",
					"subnet":  DefaultSubnet,
					"gateway": DefaultGateway,
				},
			},
			{
				"type": "tc-redirect-tap",
			},
		},
	}

	data, err := json.MarshalIndent(confList, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal conflist: %w", err)
	}
	return data, nil
}

// parseResult pulls the guest-facing pieces out of a CNI ADD result. The
// result lists both the veth (CNIIfName) and the TAP tc-redirect-tap made
// from it; Firecracker needs the TAP.
func parseResult(result types.Result, nsPath string) (*NetworkConfig, error) {
	res, err := types100.NewResultFromResult(result)
	if err != nil {
		return nil, fmt.Errorf("convert CNI result: %w", err)
	}

	netCfg := &NetworkConfig{NamespacePath: nsPath}
	var sandboxed *types100.Interface
	for _, iface := range res.Interfaces {
		if iface.Sandbox == "" {
			continue
		}
		if sandboxed == nil {
			sandboxed = iface
		}
		if iface.Name != CNIIfName {
			sandboxed = iface
			break
		}
	}
	if sandboxed == nil {
		return nil, fmt.Errorf("no TAP device in CNI result")
	}
	netCfg.TAPDevice = sandboxed.Name
	netCfg.MACAddress = sandboxed.Mac

	if len(res.IPs) > 0 {
		netCfg.GuestIP = res.IPs[0].Address.String()
		if res.IPs[0].Gateway != nil {
			netCfg.GatewayIP = res.IPs[0].Gateway.String()
		}
	}
	if netCfg.GuestIP == "" {
		return nil, fmt.Errorf("no IP address in CNI result")
	}

	return netCfg, nil
}

func createNetNS(name string) error {
	if err := os.MkdirAll(NetNSRunDir, 0o755); err != nil {
		return fmt.Errorf("create netns dir: %w", err)
	}
	cmd := exec.Command("ip", "netns", "add", name)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ip netns add %s: %s: %w", name, strings.TrimSpace(string(output)), err)
	}
	return nil
}

// deleteNetNS removes a named netns; a missing one is not an error.
func deleteNetNS(name string) error {
	nsPath := filepath.Join(NetNSRunDir, name)
	if _, err := os.Stat(nsPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat netns %s: %w", name, err)
	}
	cmd := exec.Command("ip", "netns", "delete", name)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ip netns delete %s: %s: %w", name, strings.TrimSpace(string(output)), err)
	}
	return nil
}

// EnsureIPForwarding turns on IPv4 forwarding if the host has it off, which
// outbound NAT from the bridge subnet needs.
func EnsureIPForwarding() error {
	data, err := os.ReadFile(ipForwardPath)
	if err != nil {
		return fmt.Errorf("read ip_forward: %w", err)
	}
	if strings.TrimSpace(string(data)) == "1" {
		return nil
	}
	if err := os.WriteFile(ipForwardPath, []byte("1"), 0o644); err != nil {
		return fmt.Errorf("enable ip_forward: %w", err)
	}
	return nil
}

// GenerateMAC derives a stable locally-administered unicast MAC from the
// instance ID.
func GenerateMAC(instanceID string) net.HardwareAddr {
	mac := make(net.HardwareAddr, 6)
	mac[0] = 0x02

	hash := uint32(0)
	for _, b := range []byte(instanceID) {
		hash = hash*31 + uint32(b)
	}
	mac[1] = byte(hash >> 24)
	mac[2] = byte(hash >> 16)
	mac[3] = byte(hash >> 8)
	mac[4] = byte(hash)
	mac[5] = byte(hash >> 12)

	return mac
}
