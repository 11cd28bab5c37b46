// Package worker implements the worker runtime agent: it serves the
// coordinator's indexing and execution requests inside the isolated worker
// (a microVM over vsock, or plain TCP in development) and speaks the client
// side of the coordinator protocol for heartbeats, completions, and waits.
package worker

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/mbekkel/taskmill/internal/protocol"
)

// Client is the worker's outbound channel to the coordinator. All methods
// are safe for concurrent use; frames on the shared connection are
// serialized.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// NewClient wraps an established connection to the coordinator.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn}
}

// Dial connects to the coordinator. spec is either "vsock:<cid>:<port>" or
// a TCP host:port.
func Dial(spec string) (*Client, error) {
	conn, err := dial(spec)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

func dial(spec string) (net.Conn, error) {
	if rest, ok := strings.CutPrefix(spec, "vsock:"); ok {
		parts := strings.SplitN(rest, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("vsock spec %q: want vsock:<cid>:<port>", spec)
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
	return net.Dial("tcp", spec)
}

// Listen opens the agent's listener. spec is either "vsock:<port>" (inside a
// microVM) or a TCP bind address.
func Listen(spec string) (net.Listener, error) {
	if rest, ok := strings.CutPrefix(spec, "vsock:"); ok {
		port, err := strconv.ParseUint(rest, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("vsock port %q: %w", rest, err)
		}
		return vsock.Listen(uint32(port), nil)
	}
	return net.Listen("tcp", spec)
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// roundTrip sends msg and decodes the callback into out (out may be nil).
func (c *Client) roundTrip(msg protocol.Message, out any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := protocol.Encode(c.conn, msg); err != nil {
		return false, fmt.Errorf("send %s: %w", msg.MessageType(), err)
	}
	return protocol.DecodeCallback(c.conn, out)
}

// send writes a fire-and-forget message.
func (c *Client) send(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := protocol.Encode(c.conn, msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.MessageType(), err)
	}
	return nil
}

// CreateWorker registers a worker version with the control plane.
func (c *Client) CreateWorker(msg *protocol.CreateWorker) (*protocol.CreateWorkerReply, error) {
	reply := &protocol.CreateWorkerReply{}
	ok, err := c.roundTrip(msg, reply)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("worker registration rejected")
	}
	return reply, nil
}

// ReadyForExecution asks for the attempt's execution payload. ok=false means
// the control plane is not ready yet.
func (c *Client) ReadyForExecution(attemptID string) (*protocol.ExecutionPayload, bool, error) {
	reply := &protocol.ExecutionReply{}
	ok, err := c.roundTrip(&protocol.ReadyForExecution{AttemptID: attemptID}, reply)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &reply.Execution, true, nil
}

// Heartbeat emits a liveness ping. Heartbeats have no callback.
func (c *Client) Heartbeat(attemptFriendlyID string) error {
	return c.send(&protocol.TaskHeartbeat{AttemptFriendlyID: attemptFriendlyID})
}

// Complete reports a finished attempt.
func (c *Client) Complete(completion protocol.TaskRunCompletion) error {
	ok, err := c.roundTrip(&protocol.TaskRunCompleted{Completion: completion}, nil)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("completion for attempt %s rejected", completion.AttemptID)
	}
	return nil
}

// waitReply is the callback payload shared by the wait primitives.
type waitReply struct {
	WillCheckpoint bool `json:"willCheckpoint"`
}

// WaitForDuration suspends the attempt for ms milliseconds. The resume
// deadline travels in this message; nothing else schedules the wake-up.
func (c *Client) WaitForDuration(attemptID string, ms int64) (willCheckpoint bool, err error) {
	now := time.Now().UTC()
	return c.wait(&protocol.WaitForDuration{
		AttemptID: attemptID,
		Ms:        ms,
		Now:       now,
		ResumeAt:  now.Add(time.Duration(ms) * time.Millisecond),
	})
}

// WaitForTask suspends until the child run completes. willCheckpoint=false
// means the run already finished and execution continues immediately.
func (c *Client) WaitForTask(attemptID, runID string) (willCheckpoint bool, err error) {
	return c.wait(&protocol.WaitForTask{AttemptID: attemptID, RunID: runID})
}

// WaitForBatch suspends until every run in the batch completes.
func (c *Client) WaitForBatch(attemptID, batchID string, runIDs []string) (willCheckpoint bool, err error) {
	return c.wait(&protocol.WaitForBatch{AttemptID: attemptID, BatchID: batchID, RunIDs: runIDs})
}

func (c *Client) wait(msg protocol.Message) (bool, error) {
	reply := &waitReply{}
	ok, err := c.roundTrip(msg, reply)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("wait %s rejected", msg.MessageType())
	}
	return reply.WillCheckpoint, nil
}
