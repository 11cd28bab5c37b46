package firecracker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Retry defaults for vsock connection establishment. The agent needs a
// moment to come up after the VM boots.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// agentConn is a connection to the worker agent bridged through
// Firecracker's vsock UDS. Reads go through the handshake's buffered reader
// so bytes read ahead are not lost.
type agentConn struct {
	net.Conn
	reader io.Reader
}

func (c *agentConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// DialAgent connects to the worker agent via Firecracker's vsock UDS
// bridge. udsPath is the Unix socket Firecracker created for the VM; port
// is the vsock port the agent listens on. Retries with exponential backoff.
func DialAgent(ctx context.Context, udsPath string, port uint32) (net.Conn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial agent: %w", ctx.Err())
		default:
		}

		conn, err := dialVsockUDS(ctx, udsPath, port)
		if err != nil {
			lastErr = err
			if attempt < dialMaxRetries-1 {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil, fmt.Errorf("dial agent: %w", ctx.Err())
				}
				backoff *= 2
			}
			continue
		}

		if deadline, ok := ctx.Deadline(); ok {
			if err := conn.SetDeadline(deadline); err != nil {
				conn.Close()
				return nil, fmt.Errorf("set deadline: %w", err)
			}
		}

		return conn, nil
	}

	return nil, fmt.Errorf("dial agent after %d attempts: %w", dialMaxRetries, lastErr)
}

// dialVsockUDS connects to Firecracker's UDS and performs the CONNECT
// handshake: send "CONNECT <port>\n", expect "OK <host_port>\n". Firecracker
// then bridges the connection to the guest's vsock listener.
func dialVsockUDS(ctx context.Context, udsPath string, port uint32) (net.Conn, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}

	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}

	return &agentConn{Conn: conn, reader: reader}, nil
}
