// Package socket wraps gorilla/websocket behind a small frame oriented
// interface so the subscription core can be driven by real sockets and by
// in-memory fakes alike.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"subflow/internal/subscription"

	"github.com/gorilla/websocket"
)

const (
	TextMessage   = websocket.TextMessage
	BinaryMessage = websocket.BinaryMessage

	defaultWriteTimeout = 5 * time.Second
	closeGrace          = time.Second
)

// Frame is one application level message read from or written to a socket.
type Frame struct {
	Type    int
	Payload []byte
}

func Text(payload string) Frame {
	return Frame{Type: TextMessage, Payload: []byte(payload)}
}

// JSON encodes v as a text frame.
func JSON(v interface{}) (Frame, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: TextMessage, Payload: data}, nil
}

func (f Frame) String() string {
	return string(f.Payload)
}

// Conn is an open socket read and written by one goroutine at a time.
type Conn interface {
	// ReadFrame blocks until a frame arrives, the socket fails or ctx is done.
	ReadFrame(ctx context.Context) (Frame, error)
	WriteFrame(ctx context.Context, frame Frame) error
	Close() error
}

// Connector opens sockets.
type Connector interface {
	Connect(ctx context.Context, url string) (Conn, error)
}

// WebSocket is the gorilla backed Conn. Writes are serialised so a keep-alive
// loop may share the connection with the owner.
type WebSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
	closeErr     error
}

// NewWebSocket adopts an already established gorilla connection.
func NewWebSocket(conn *websocket.Conn, writeTimeout time.Duration) *WebSocket {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &WebSocket{conn: conn, writeTimeout: writeTimeout}
}

// Underlying exposes the gorilla connection, e.g. for pong handlers.
func (w *WebSocket) Underlying() *websocket.Conn { return w.conn }

func (w *WebSocket) ReadFrame(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, contextError(err)
	}

	deadline, _ := ctx.Deadline()
	if err := w.conn.SetReadDeadline(deadline); err != nil {
		return Frame{}, classifyError(err, "set read deadline")
	}
	// Unblock the pending read when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() {
		_ = w.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	for {
		mt, data, err := w.conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Frame{}, contextError(ctxErr)
			}
			return Frame{}, classifyError(err, "read frame")
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		return Frame{Type: mt, Payload: data}, nil
	}
}

func (w *WebSocket) WriteFrame(ctx context.Context, frame Frame) error {
	if err := ctx.Err(); err != nil {
		return contextError(err)
	}
	if frame.Type == 0 {
		frame.Type = websocket.TextMessage
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	deadline := time.Now().Add(w.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := w.conn.SetWriteDeadline(deadline); err != nil {
		return subscription.Wrap(subscription.Transport, err, "set write deadline")
	}
	if err := w.conn.WriteMessage(frame.Type, frame.Payload); err != nil {
		return subscription.Wrap(subscription.Transport, err, "write frame")
	}
	return nil
}

// Ping sends a control ping frame.
func (w *WebSocket) Ping() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.writeTimeout)); err != nil {
		return subscription.Wrap(subscription.Transport, err, "write ping")
	}
	return nil
}

// Close sends a normal closure frame best effort and closes the connection.
// It is safe to call more than once.
func (w *WebSocket) Close() error {
	w.closeOnce.Do(func() {
		w.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		w.writeMu.Unlock()
		w.closeErr = w.conn.Close()
	})
	return w.closeErr
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return subscription.Wrap(subscription.Timeout, err, "deadline elapsed")
	}
	return subscription.Wrap(subscription.Cancelled, err, "cancelled")
}

func classifyError(err error, op string) error {
	var closeErr *websocket.CloseError
	var netErr net.Error
	switch {
	case errors.As(err, &closeErr),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed):
		return subscription.Wrap(subscription.ConnectionClosed, err, op)
	case errors.As(err, &netErr) && netErr.Timeout():
		return subscription.Wrap(subscription.Timeout, err, op)
	default:
		return subscription.Wrap(subscription.Transport, err, op)
	}
}
