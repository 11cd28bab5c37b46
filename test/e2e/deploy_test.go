// Package e2e exercises the built binaries end to end: a taskmilld server,
// a taskmill-worker agent serving a task bundle, and the HTTP deployment
// flow between them.
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
)

var (
	buildOnce sync.Once
	buildErr  error
	serverBin string
	workerBin string
)

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("go.mod not found above test directory")
		}
		dir = parent
	}
}

func buildBinaries(t *testing.T) (string, string) {
	t.Helper()
	buildOnce.Do(func() {
		root := findRepoRoot(t)
		dir, err := os.MkdirTemp("", "taskmill-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		for _, target := range []struct {
			out string
			pkg string
		}{
			{"taskmilld", "./cmd/taskmilld"},
			{"taskmill-worker", "./cmd/taskmill-worker"},
		} {
			out := filepath.Join(dir, target.out)
			cmd := exec.Command("go", "build", "-o", out, target.pkg)
			cmd.Dir = root
			if output, err := cmd.CombinedOutput(); err != nil {
				buildErr = fmt.Errorf("go build %s: %w\n%s", target.pkg, err, output)
				return
			}
		}
		serverBin = filepath.Join(dir, "taskmilld")
		workerBin = filepath.Join(dir, "taskmill-worker")
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return serverBin, workerBin
}

// freePort reserves an ephemeral port and releases it for the subprocess.
func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

type harness struct {
	baseURL string
}

// startHarness boots a worker agent with the given task manifest and a
// server wired to it, and waits until the server answers /healthz.
func startHarness(t *testing.T, manifest []map[string]any) *harness {
	t.Helper()
	server, worker := buildBinaries(t)

	bundleDir := t.TempDir()
	data, err := json.Marshal(manifest)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(bundleDir, "tasks.json"), data, 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	listenAddr := freePort(t)
	workerAddr := freePort(t)
	coordAddr := freePort(t)
	dbPath := filepath.Join(t.TempDir(), "taskmill.db")

	workerCmd := exec.Command(worker)
	workerCmd.Env = append(os.Environ(),
		"TASKMILL_WORKER_ADDR="+workerAddr,
		"TASKMILL_COORDINATOR_ADDR="+coordAddr,
		"TASKMILL_BUNDLE_DIR="+bundleDir,
		"TASKMILL_LOG_LEVEL=debug",
	)
	if err := workerCmd.Start(); err != nil {
		t.Fatalf("start worker: %v", err)
	}
	t.Cleanup(func() {
		workerCmd.Process.Kill()
		workerCmd.Wait()
	})

	serverCmd := exec.Command(server)
	serverCmd.Env = append(os.Environ(),
		"TASKMILL_LISTEN_ADDR="+listenAddr,
		"TASKMILL_COORDINATOR_ADDR="+coordAddr,
		"TASKMILL_WORKER_ADDR="+workerAddr,
		"TASKMILL_DB_PATH="+dbPath,
		"TASKMILL_WORKER_RUNTIME=local",
		"TASKMILL_LOG_LEVEL=debug",
	)
	if err := serverCmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		serverCmd.Process.Kill()
		serverCmd.Wait()
	})

	h := &harness{baseURL: "http://" + listenAddr}
	h.waitHealthy(t)
	return h
}

func (h *harness) waitHealthy(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(h.baseURL + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatal("server never became healthy")
}

func (h *harness) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(h.baseURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

type deploymentJSON struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ImageRef     string `json:"image_ref"`
	VersionLabel string `json:"version_label"`
	ErrorMessage string `json:"error_message"`
}

func TestDeploymentFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}

	h := startHarness(t, []map[string]any{
		{
			"id":         "send-email",
			"filePath":   "/trigger/email.ts",
			"exportName": "sendEmail",
			"queue":      map[string]any{"name": "shared", "concurrencyLimit": 4},
		},
		{
			"id":         "resize-image",
			"filePath":   "/trigger/images.ts",
			"exportName": "resizeImage",
		},
	})

	// Create a PENDING deployment; the server allocates the id, version
	// label, and content-addressed image tag.
	resp := h.postJSON(t, "/v1/deployments", map[string]string{
		"projectRef":  "proj_mail",
		"environment": "env_prod",
		"contentHash": "abcdef0123456789",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create deployment: status %d", resp.StatusCode)
	}
	d := decodeJSON[deploymentJSON](t, resp)
	if d.Status != "PENDING" {
		t.Fatalf("status = %q, want PENDING", d.Status)
	}
	if !strings.HasSuffix(d.VersionLabel, ".1") {
		t.Errorf("version label = %q, want first version of the day", d.VersionLabel)
	}
	if !strings.Contains(d.ImageRef, "proj_mail:abcdef012345") {
		t.Errorf("image ref = %q, want content-addressed tag", d.ImageRef)
	}

	// Build, then index through the worker agent.
	resp = h.postJSON(t, "/v1/deployments/"+d.ID+"/start-build", struct{}{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start-build: status %d", resp.StatusCode)
	}

	resp = h.postJSON(t, "/v1/deployments/"+d.ID+"/start-indexing", map[string]string{
		"imageRef": d.ImageRef,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start-indexing: status %d", resp.StatusCode)
	}

	getResp, err := http.Get(h.baseURL + "/v1/deployments/" + d.ID)
	if err != nil {
		t.Fatalf("GET deployment: %v", err)
	}
	final := decodeJSON[deploymentJSON](t, getResp)
	if final.Status != "DEPLOYED" {
		t.Fatalf("status = %q (%s), want DEPLOYED", final.Status, final.ErrorMessage)
	}

	// Indexing registered the manifest's queues with admission.
	queuesResp, err := http.Get(h.baseURL + "/v1/queues?env=env_prod")
	if err != nil {
		t.Fatalf("GET queues: %v", err)
	}
	queues := decodeJSON[[]map[string]any](t, queuesResp)
	names := make(map[string]bool, len(queues))
	for _, q := range queues {
		if name, ok := q["name"].(string); ok {
			names[name] = true
		}
	}
	if !names["shared"] {
		t.Errorf("named queue missing: %v", names)
	}
	if !names["task/resize-image"] {
		t.Errorf("virtual queue missing: %v", names)
	}

	// A deployed task can be started: the run is admitted through its queue
	// and staged for the worker.
	resp = h.postJSON(t, "/v1/runs", map[string]any{
		"environment": "env_prod",
		"taskSlug":    "send-email",
		"payload":     map[string]string{"to": "a@b.c"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start run: status %d", resp.StatusCode)
	}
	run := decodeJSON[map[string]any](t, resp)
	if run["phase"] != "READY" {
		t.Errorf("run phase = %v", run["phase"])
	}
	if run["queue_name"] != "shared" {
		t.Errorf("run queue = %v", run["queue_name"])
	}

	// A second deployment of the same content bumps only the version label.
	resp = h.postJSON(t, "/v1/deployments", map[string]string{
		"projectRef":  "proj_mail",
		"environment": "env_prod",
		"contentHash": "abcdef0123456789",
	})
	second := decodeJSON[deploymentJSON](t, resp)
	if !strings.HasSuffix(second.VersionLabel, ".2") {
		t.Errorf("second version label = %q", second.VersionLabel)
	}
}

func TestEnvVarGateOverHTTP(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}

	h := startHarness(t, []map[string]any{
		{"id": "noop", "filePath": "/trigger/noop.ts", "exportName": "noop"},
	})

	resp := h.postJSON(t, "/v1/env-vars", map[string]string{
		"environment": "env_prod",
		"name":        "SENDGRID_KEY",
		"value":       "sk-test",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("set env var: status %d", resp.StatusCode)
	}

	listResp, err := http.Get(h.baseURL + "/v1/env-vars?env=env_prod")
	if err != nil {
		t.Fatalf("GET env vars: %v", err)
	}
	vars := decodeJSON[map[string]string](t, listResp)
	if vars["SENDGRID_KEY"] != "sk-test" {
		t.Errorf("vars = %v", vars)
	}
}

func TestMetricsExposed(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}

	h := startHarness(t, []map[string]any{
		{"id": "noop", "filePath": "/trigger/noop.ts", "exportName": "noop"},
	})

	resp, err := http.Get(h.baseURL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	body := buf.String()
	for _, metric := range []string{
		"taskmill_http_requests_total",
		"taskmill_checkpoints_created_total",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("metric %s not exposed", metric)
		}
	}
}
