// Package sockettest provides an in-memory socket.Conn for tests.
package sockettest

import (
	"context"
	"sync"

	"subflow/internal/socket"
	"subflow/internal/subscription"
)

// Conn replays scripted inbound frames and records outbound ones. Once the
// script is exhausted ReadFrame returns EndErr, or blocks until ctx is done
// when EndErr is nil.
type Conn struct {
	mu       sync.Mutex
	inbound  []socket.Frame
	written  []socket.Frame
	closed   bool
	EndErr   error
	WriteErr error
	// FailWriteAfter fails the n-th and later writes with WriteErr when > 0.
	FailWriteAfter int
}

func New(frames ...string) *Conn {
	c := &Conn{}
	for _, f := range frames {
		c.inbound = append(c.inbound, socket.Text(f))
	}
	return c
}

// Closing ends the script with a ConnectionClosed error.
func (c *Conn) Closing() *Conn {
	c.EndErr = subscription.NewError(subscription.ConnectionClosed, "script exhausted")
	return c
}

func (c *Conn) Push(frames ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range frames {
		c.inbound = append(c.inbound, socket.Text(f))
	}
}

func (c *Conn) ReadFrame(ctx context.Context) (socket.Frame, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return socket.Frame{}, subscription.NewError(subscription.ConnectionClosed, "closed")
	}
	if len(c.inbound) > 0 {
		f := c.inbound[0]
		c.inbound = c.inbound[1:]
		c.mu.Unlock()
		return f, nil
	}
	end := c.EndErr
	c.mu.Unlock()

	if end != nil {
		return socket.Frame{}, end
	}
	<-ctx.Done()
	if ctx.Err() == context.DeadlineExceeded {
		return socket.Frame{}, subscription.Wrap(subscription.Timeout, ctx.Err(), "deadline elapsed")
	}
	return socket.Frame{}, subscription.Wrap(subscription.Cancelled, ctx.Err(), "cancelled")
}

func (c *Conn) WriteFrame(ctx context.Context, frame socket.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return subscription.NewError(subscription.Transport, "write on closed socket")
	}
	if c.WriteErr != nil && c.FailWriteAfter > 0 && len(c.written)+1 >= c.FailWriteAfter {
		return subscription.Wrap(subscription.Transport, c.WriteErr, "write frame")
	}
	c.written = append(c.written, frame)
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Written returns the payloads sent so far, in order.
func (c *Conn) Written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	for i, f := range c.written {
		out[i] = string(f.Payload)
	}
	return out
}

// Connector hands out a fixed Conn, or fails with Err.
type Connector struct {
	Conn *Conn
	Err  error
	URLs []string
}

func (c *Connector) Connect(ctx context.Context, url string) (socket.Conn, error) {
	c.URLs = append(c.URLs, url)
	if c.Err != nil {
		return nil, c.Err
	}
	return c.Conn, nil
}
