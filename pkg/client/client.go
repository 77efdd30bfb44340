package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/loykin/cmdloop/internal/protocol"
)

// Client talks to a cmdloop server over its framed TCP control protocol.
// Every call uses its own connection.
type Client struct {
	addr     string
	timeout  time.Duration
	maxFrame int
	logger   *slog.Logger
	dialer   net.Dialer
}

// Config holds client configuration
type Config struct {
	Addr          string
	Timeout       time.Duration // per call, dial included
	MaxFrameBytes int
	Logger        *slog.Logger
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		Addr:    "127.0.0.1:65432",
		Timeout: 10 * time.Second,
	}
}

func New(config Config) *Client {
	def := DefaultConfig()
	if config.Addr == "" {
		config.Addr = def.Addr
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		addr:     config.Addr,
		timeout:  config.Timeout,
		maxFrame: config.MaxFrameBytes,
		logger:   config.Logger,
	}
}

// IsReachable reports whether a server answers on the configured address.
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Programs(ctx)
	if err != nil {
		c.logger.Debug("server unreachable", "addr", c.addr, "error", err)
		return false
	}
	return true
}

// Add registers command.
func (c *Client) Add(ctx context.Context, command string) (string, error) {
	resp, err := c.do(ctx, protocol.Request{Action: protocol.ActionAddCommand, Command: command})
	if err != nil {
		return "", err
	}
	return resp.Message, nil
}

// Output fetches the run history of command.
func (c *Client) Output(ctx context.Context, command string) (Output, error) {
	resp, err := c.do(ctx, protocol.Request{Action: protocol.ActionGetOutput, Command: command})
	if err != nil {
		return Output{}, err
	}
	out := Output{Command: command, Filename: resp.Filename}
	if resp.Output != nil {
		out.Text = *resp.Output
	}
	return out, nil
}

// SetInterval changes the pause between sweeps.
func (c *Client) SetInterval(ctx context.Context, seconds int) (string, error) {
	resp, err := c.do(ctx, protocol.Request{Action: protocol.ActionSetInterval, Interval: protocol.IntervalRaw(seconds)})
	if err != nil {
		return "", err
	}
	return resp.Message, nil
}

// Programs lists the registered commands in execution order.
func (c *Client) Programs(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, protocol.Request{Action: protocol.ActionGetPrograms})
	if err != nil {
		return nil, err
	}
	if resp.Programs == nil {
		return []string{}, nil
	}
	return *resp.Programs, nil
}

// Stop asks the server to shut down. It returns once the server acknowledged.
func (c *Client) Stop(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, protocol.Request{Action: protocol.ActionStop})
	if err != nil {
		return "", err
	}
	return resp.Message, nil
}

func (c *Client) do(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("connect %s: %w", c.addr, err)
	}
	defer func() { _ = conn.Close() }()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	// unblock I/O if the caller cancels before the deadline
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := protocol.WriteJSON(conn, c.maxFrame, req); err != nil {
		return protocol.Response{}, fmt.Errorf("send %s: %w", req.Action, err)
	}
	var resp protocol.Response
	if err := protocol.ReadJSON(conn, c.maxFrame, &resp); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Join(ctxErr, err)
		}
		return protocol.Response{}, fmt.Errorf("receive %s: %w", req.Action, err)
	}
	c.logger.Debug("control exchange", "action", req.Action, "status", resp.Status)
	if !resp.OK() {
		return resp, &Error{Action: req.Action, Kind: resp.Kind, Reason: resp.Reason, Message: resp.Message}
	}
	return resp, nil
}
