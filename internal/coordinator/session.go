package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/mbekkel/taskmill/internal/protocol"
)

// waitAck is the callback payload for a wait primitive. willCheckpoint
// tells the worker whether it is about to be snapshotted or should keep
// running because the wait was already satisfied.
type waitAck struct {
	WillCheckpoint bool `json:"willCheckpoint"`
}

// ServeConn handles one worker connection until it closes or a protocol
// error occurs. Each inbound frame is dispatched to the coordinator; frames
// that form a request/response pair are answered with a callback on the
// same connection.
func (c *Coordinator) ServeConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	remote := conn.RemoteAddr()
	c.logger.Debug("worker connected", "remote", remote)

	for {
		msg, err := protocol.Decode(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.logger.Debug("worker disconnected", "remote", remote)
				return nil
			}
			protocolErrors.Inc()
			c.logger.Error("decode worker message", "remote", remote, "error", err)
			return fmt.Errorf("decode message: %w", err)
		}

		if err := c.dispatch(ctx, conn, msg); err != nil {
			c.logger.Error("dispatch worker message",
				"remote", remote,
				"type", msg.MessageType(),
				"error", err,
			)
			return err
		}
	}
}

// dispatch routes one inbound message. Errors returned here tear down the
// connection; per-message failures that the worker can act on are reported
// through the callback instead.
func (c *Coordinator) dispatch(ctx context.Context, conn net.Conn, msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.CreateWorker:
		reply, err := c.control.CreateWorker(ctx, m)
		if err != nil {
			c.logger.Warn("create worker", "project", m.ProjectRef, "error", err)
			return protocol.EncodeCallback(conn, false, nil)
		}
		return protocol.EncodeCallback(conn, true, reply)

	case *protocol.ReadyForExecution:
		payload, ok, err := c.RequestExecution(ctx, m.AttemptID)
		if err != nil {
			c.logger.Warn("ready for execution", "attempt_id", m.AttemptID, "error", err)
			return protocol.EncodeCallback(conn, false, nil)
		}
		if !ok {
			return protocol.EncodeCallback(conn, false, nil)
		}
		return protocol.EncodeCallback(conn, true, &protocol.ExecutionReply{Execution: *payload})

	case *protocol.TaskRunCompleted:
		if err := c.Complete(ctx, m.Completion.AttemptID, m.Completion); err != nil {
			return protocol.EncodeCallback(conn, false, nil)
		}
		return protocol.EncodeCallback(conn, true, nil)

	case *protocol.TaskHeartbeat:
		// Fire and forget, no callback.
		c.HeartbeatFriendly(ctx, m.AttemptFriendlyID)
		return nil

	case *protocol.WaitForDuration, *protocol.WaitForTask, *protocol.WaitForBatch:
		suspended, err := c.HandleWait(ctx, msg)
		if err != nil {
			return protocol.EncodeCallback(conn, false, nil)
		}
		return protocol.EncodeCallback(conn, true, &waitAck{WillCheckpoint: suspended})

	case *protocol.Resume:
		if err := c.Resume(ctx, m); err != nil {
			return protocol.EncodeCallback(conn, false, nil)
		}
		return protocol.EncodeCallback(conn, true, nil)

	default:
		return fmt.Errorf("unexpected message %s on worker channel", msg.MessageType())
	}
}

// HeartbeatFriendly resolves a heartbeat addressed by friendly ID. Workers
// only know the friendly form.
func (c *Coordinator) HeartbeatFriendly(ctx context.Context, attemptFriendlyID string) {
	c.mu.Lock()
	var attemptID string
	for id, st := range c.attempts {
		if st.attempt.FriendlyID == attemptFriendlyID {
			attemptID = id
			break
		}
	}
	c.mu.Unlock()

	if attemptID == "" {
		return
	}
	c.Heartbeat(ctx, attemptID)
}

// Serve accepts worker connections from l until the context is cancelled or
// the listener fails. Each connection gets its own goroutine.
func (c *Coordinator) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept worker connection: %w", err)
		}
		go func() {
			if err := c.ServeConn(ctx, conn); err != nil {
				c.logger.Warn("worker session ended", "error", err)
			}
		}()
	}
}
