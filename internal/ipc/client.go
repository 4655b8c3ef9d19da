package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Client is a connection to the daemon socket. Calls are serialized.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to the socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon at %s: %w", path, err)
	}
	return &Client{conn: conn}, nil
}

// Call sends req and waits for the response. Cancelling ctx aborts the
// exchange and leaves the connection unusable. A response with OK false is
// returned as an error.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { c.conn.SetDeadline(aLongTimeAgo) })
	defer stop()

	if err := writeFrame(c.conn, req); err != nil {
		return nil, c.wrap(ctx, "send", err)
	}
	var resp Response
	if err := readFrame(c.conn, &resp); err != nil {
		return nil, c.wrap(ctx, "receive", err)
	}
	if !resp.OK {
		return &resp, errors.New(resp.Error)
	}
	return &resp, nil
}

func (c *Client) wrap(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%s request: %w", op, err)
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

var aLongTimeAgo = time.Unix(1, 0)

// Call dials path, performs one exchange and closes the connection.
func Call(ctx context.Context, path string, req Request) (*Response, error) {
	c, err := Dial(ctx, path)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return c.Call(ctx, req)
}
