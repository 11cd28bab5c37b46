package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/mbekkel/taskmill/internal/model"
	"github.com/mbekkel/taskmill/internal/protocol"
)

const (
	// tasksManifest is written into the bundle dir by the build pipeline.
	tasksManifest = "tasks.json"
	// workerBundle is the bundle file executed per task run.
	workerBundle = "worker.js"

	defaultRunTimeout        = 5 * time.Minute
	defaultHeartbeatInterval = 20 * time.Second
)

// runFunc executes one task run and returns its raw output. Injectable for
// tests; the default shells out to node.
type runFunc func(ctx context.Context, bundleDir string, exec protocol.ExecutionPayload) ([]byte, error)

// Agent serves the coordinator's indexing and execution requests.
type Agent struct {
	listener  net.Listener
	bundleDir string
	// control, when set, carries heartbeats to the coordinator while a run
	// executes.
	control *Client
	logger  *slog.Logger

	run               runFunc
	runTimeout        time.Duration
	heartbeatInterval time.Duration
}

// NewAgent creates an agent serving requests from listener, executing task
// code from bundleDir. control may be nil (no heartbeats, used in tests).
func NewAgent(listener net.Listener, bundleDir string, control *Client, logger *slog.Logger) *Agent {
	return &Agent{
		listener:          listener,
		bundleDir:         bundleDir,
		control:           control,
		logger:            logger,
		run:               runNode,
		runTimeout:        defaultRunTimeout,
		heartbeatInterval: defaultHeartbeatInterval,
	}
}

// Serve accepts coordinator connections until the listener closes.
func (a *Agent) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		a.listener.Close()
	}()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go a.handleConnection(ctx, conn)
	}
}

// handleConnection serves request/callback pairs on one connection.
func (a *Agent) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	for {
		msg, err := protocol.Decode(conn)
		if err != nil {
			return
		}

		switch m := msg.(type) {
		case *protocol.IndexTasks:
			a.handleIndexTasks(conn, m)
		case *protocol.ExecuteTaskRun:
			a.handleExecute(ctx, conn, m)
		default:
			a.logger.Warn("unexpected message", "type", msg.MessageType())
			if err := protocol.EncodeCallback(conn, false, nil); err != nil {
				return
			}
		}
	}
}

// handleIndexTasks loads the task manifest from the deployed bundle and
// reports it back.
func (a *Agent) handleIndexTasks(conn net.Conn, msg *protocol.IndexTasks) {
	data, err := os.ReadFile(filepath.Join(a.bundleDir, tasksManifest))
	if err != nil {
		a.logger.Error("read task manifest", "deployment_id", msg.DeploymentID, "error", err)
		protocol.EncodeCallback(conn, false, nil)
		return
	}

	var tasks []model.TaskMetadata
	if err := json.Unmarshal(data, &tasks); err != nil {
		a.logger.Error("parse task manifest", "deployment_id", msg.DeploymentID, "error", err)
		protocol.EncodeCallback(conn, false, nil)
		return
	}

	a.logger.Info("indexed tasks", "deployment_id", msg.DeploymentID, "count", len(tasks))
	protocol.EncodeCallback(conn, true, &protocol.IndexTasksReply{Tasks: tasks})
}

// handleExecute runs one task attempt, heartbeating while it executes, and
// answers with the completion.
func (a *Agent) handleExecute(ctx context.Context, conn net.Conn, msg *protocol.ExecuteTaskRun) {
	runCtx, cancel := context.WithTimeout(ctx, a.runTimeout)
	defer cancel()

	stopBeats := a.startHeartbeats(runCtx, msg.Execution.AttemptFriendlyID)
	defer stopBeats()

	start := time.Now()
	output, err := a.run(runCtx, a.bundleDir, msg.Execution)
	completion := protocol.TaskRunCompletion{
		RunID:      msg.Execution.RunID,
		AttemptID:  msg.Execution.AttemptID,
		OK:         err == nil,
		Output:     output,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		completion.Error = err.Error()
		a.logger.Warn("task run failed",
			"attempt_id", msg.Execution.AttemptID,
			"task", msg.Execution.TaskSlug,
			"error", err,
		)
	}

	protocol.EncodeCallback(conn, true, &protocol.TaskRunCompleted{Completion: completion})
}

// startHeartbeats pings the coordinator on a ticker until the returned stop
// function is called. No-op without a control channel.
func (a *Agent) startHeartbeats(ctx context.Context, attemptFriendlyID string) func() {
	if a.control == nil {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(a.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if err := a.control.Heartbeat(attemptFriendlyID); err != nil {
					a.logger.Warn("heartbeat", "error", err)
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

// runNode executes the worker bundle with node. The execution payload
// travels on stdin; the task's JSON result comes back on stdout.
func runNode(ctx context.Context, bundleDir string, exe protocol.ExecutionPayload) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "node", filepath.Join(bundleDir, workerBundle))
	cmd.Dir = bundleDir

	cmd.Env = os.Environ()
	for k, v := range exe.EnvVars {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env,
		"TASKMILL_TASK_SLUG="+exe.TaskSlug,
		"TASKMILL_RUN_ID="+exe.RunID,
		"TASKMILL_ATTEMPT_ID="+exe.AttemptFriendlyID,
	)

	if len(exe.Payload) > 0 {
		cmd.Stdin = bytes.NewReader(exe.Payload)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("task run timed out")
		}
		detail := bytes.TrimSpace(stderr.Bytes())
		if len(detail) > 0 {
			return nil, fmt.Errorf("%w: %s", err, detail)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}
