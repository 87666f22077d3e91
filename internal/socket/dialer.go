package socket

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"subflow/internal/subscription"

	"github.com/gorilla/websocket"
)

// DialerConfig tunes outgoing connections. LocalIP binds the TCP connection
// to a specific source address when set.
type DialerConfig struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadBufferSize   int
	WriteBufferSize  int
	LocalIP          string
	Header           http.Header
}

// Dialer is the default Connector.
type Dialer struct {
	cfg    DialerConfig
	dialer *websocket.Dialer
}

func NewDialer(cfg DialerConfig) *Dialer {
	d := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadBufferSize:   cfg.ReadBufferSize,
		WriteBufferSize:  cfg.WriteBufferSize,
	}
	if d.HandshakeTimeout <= 0 {
		d.HandshakeTimeout = 10 * time.Second
	}
	if cfg.LocalIP != "" {
		if ip := net.ParseIP(cfg.LocalIP); ip != nil {
			d.NetDialContext = (&net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}).DialContext
		}
	}
	return &Dialer{cfg: cfg, dialer: d}
}

// Connect dials url and returns the open socket. Failures are Transport
// errors, or Cancelled/Timeout when ctx ends first.
func (d *Dialer) Connect(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, d.cfg.Header)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, contextError(ctxErr)
		}
		reason := "dial " + url
		if resp != nil {
			reason = fmt.Sprintf("dial %s: handshake status %d", url, resp.StatusCode)
		}
		return nil, subscription.Wrap(subscription.Transport, err, reason)
	}
	return NewWebSocket(conn, d.cfg.WriteTimeout), nil
}

// StartPingLoop sends control pings every interval until ctx is done or a
// ping fails. The returned cancel stops the loop.
func StartPingLoop(ctx context.Context, ws *WebSocket, interval time.Duration, onError func(error)) context.CancelFunc {
	if interval <= 0 {
		interval = 20 * time.Second
	}
	pingCtx, cancel := context.WithCancel(ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := ws.Ping(); err != nil {
					if onError != nil {
						onError(err)
					}
					cancel()
					return
				}
			}
		}
	}()
	return cancel
}
