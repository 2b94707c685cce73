// Package ctl is the surface-side client for the daemon gateway socket.
package ctl

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pulsehq/pulse/internal/gateway"
)

// Client is one attached surface connection.
type Client struct {
	ws *websocket.Conn
}

// Dial attaches to the daemon gateway at socketPath.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	d := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
		},
	}
	ws, _, err := d.DialContext(ctx, "ws://pulse/ws", nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	return &Client{ws: ws}, nil
}

// Close detaches from the daemon.
func (c *Client) Close() error {
	return c.ws.Close()
}

// Send issues one command.
func (c *Client) Send(req gateway.Request) error {
	return c.ws.WriteJSON(req)
}

// Next reads the next push, waiting at most timeout.
func (c *Client) Next(timeout time.Duration) (gateway.Push, error) {
	_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
	var p gateway.Push
	if err := c.ws.ReadJSON(&p); err != nil {
		return gateway.Push{}, err
	}
	return p, nil
}

// WaitFor reads pushes until one of the wanted type arrives.
func (c *Client) WaitFor(pushType string, timeout time.Duration) (gateway.Push, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return gateway.Push{}, fmt.Errorf("no %s push within %s", pushType, timeout)
		}
		p, err := c.Next(remaining)
		if err != nil {
			return gateway.Push{}, err
		}
		if p.Type == pushType {
			return p, nil
		}
	}
}

// Status asks the daemon for its current status.
func (c *Client) Status(timeout time.Duration) (*gateway.StatusBody, error) {
	if err := c.Send(gateway.Request{Op: gateway.OpStatus}); err != nil {
		return nil, err
	}
	p, err := c.WaitFor(gateway.TypeStatus, timeout)
	if err != nil {
		return nil, err
	}
	return p.Status, nil
}
