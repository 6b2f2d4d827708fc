package ipc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/nidoit/blunux2SB/pkg/aiagent/notify"
)

// Client holds one connection to the daemon. Calls are serialized so each
// request is matched with the next response line.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	sc   *bufio.Scanner
}

// Dial connects to the daemon socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", path, err)
	}
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	return &Client{conn: conn, sc: sc}, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Send writes m and returns the next response.
func (c *Client) Send(ctx context.Context, m Message) (Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m.Timestamp == "" {
		m.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	line, err := Encode(m)
	if err != nil {
		return Message{}, err
	}

	deadline, _ := ctx.Deadline()
	c.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { c.conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if _, err := c.conn.Write(line); err != nil {
		return Message{}, c.wrap(ctx, "sending", err)
	}
	if !c.sc.Scan() {
		err := c.sc.Err()
		if err == nil {
			err = io.EOF
		}
		return Message{}, c.wrap(ctx, "reading response", err)
	}
	return Decode(c.sc.Bytes())
}

func (c *Client) wrap(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Chat sends body as from and returns the agent's response.
func (c *Client) Chat(ctx context.Context, from, body string) (Message, error) {
	return c.Send(ctx, Message{Type: TypeMessage, From: from, Body: body})
}

// Ping checks that the daemon answers.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.Send(ctx, Message{Type: TypeAction, Action: ActionPing})
	if err != nil {
		return err
	}
	if resp.Body != "pong" {
		return fmt.Errorf("unexpected ping response %q", resp.Body)
	}
	return nil
}

// Poll drains pending notifications.
func (c *Client) Poll(ctx context.Context, from string) ([]notify.Item, error) {
	resp, err := c.Send(ctx, Message{Type: TypeAction, Action: ActionPoll, From: from})
	if err != nil {
		return nil, err
	}
	if err := responseError(resp); err != nil {
		return nil, err
	}
	return resp.Notifications, nil
}

// Reset clears from's conversation on the daemon.
func (c *Client) Reset(ctx context.Context, from string) error {
	resp, err := c.Send(ctx, Message{Type: TypeAction, Action: ActionReset, From: from})
	if err != nil {
		return err
	}
	return responseError(resp)
}

// Status fetches daemon statistics.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	resp, err := c.Send(ctx, Message{Type: TypeAction, Action: ActionStatus})
	if err != nil {
		return nil, err
	}
	if err := responseError(resp); err != nil {
		return nil, err
	}
	if resp.Status == nil {
		return nil, errors.New("status response without payload")
	}
	return resp.Status, nil
}

func responseError(m Message) error {
	if !m.Error {
		return nil
	}
	return errors.New(strings.TrimPrefix(m.Body, "Error: "))
}
