package uds

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client sends control commands to a daemon.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: 10 * time.Second}
}

// SetTimeout bounds each call when ctx carries no earlier deadline.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Call runs command on the daemon and decodes the response data into out,
// which may be nil. A failed request is returned as *ErrorDetail; an
// unreachable socket wraps ErrDaemonNotRunning.
func (c *Client) Call(ctx context.Context, command string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("%w at %s: %v", ErrDaemonNotRunning, c.socketPath, err)
	}
	defer func() { _ = conn.Close() }()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := writeLine(conn, request{Version: ProtocolVersion, Command: command}); err != nil {
		return fmt.Errorf("send %s: %w", command, err)
	}
	var resp response
	if err := readLine(conn, &resp); err != nil {
		return fmt.Errorf("read %s response: %w", command, err)
	}

	if !resp.OK {
		if resp.Error == nil {
			return &ErrorDetail{Code: ErrCodeInternal, Message: "request failed"}
		}
		return resp.Error
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", command, err)
	}
	return nil
}
