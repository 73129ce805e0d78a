package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Close codes with a meaning for the bot push endpoint
const (
	CloseNormalClosure   = websocket.CloseNormalClosure   // 1000, intentional client close
	CloseGoingAway       = websocket.CloseGoingAway       // 1001
	CloseAbnormalClosure = websocket.CloseAbnormalClosure // 1006, no close frame received

	CloseAuthFailed   = 4000
	CloseMissingToken = 4001
	CloseInvalidToken = 4002
	CloseBadToken     = 4003
	CloseBotNotFound  = 4004
)

// Conn is one live transport handle. ReadMessage is called from a single
// reader goroutine; WriteMessage and Close are safe for concurrent use.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close(code int, reason string) error
}

// Dialer opens transport handles
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerConfig holds transport timeouts
type DialerConfig struct {
	HandshakeTimeout time.Duration // Max time for the opening handshake
	WriteTimeout     time.Duration // Deadline for every single write
	Header           http.Header   // Extra handshake headers
}

// GorillaDialer implements Dialer on top of gorilla/websocket
type GorillaDialer struct {
	dialer       websocket.Dialer
	writeTimeout time.Duration
	header       http.Header
	logger       *logrus.Entry
}

// NewDialer creates a Dialer with the given timeouts.
func NewDialer(cfg DialerConfig) *GorillaDialer {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &GorillaDialer{
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		writeTimeout: cfg.WriteTimeout,
		header:       cfg.Header,
		logger:       logrus.WithField("component", "ws_dialer"),
	}
}

// Dial opens a connection. The token carried in the URL is never logged.
func (d *GorillaDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.logger.WithField("url", RedactURL(url)).Debug("Dialing websocket")

	conn, resp, err := d.dialer.DialContext(ctx, url, d.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake with %s failed (HTTP %d): %w", RedactURL(url), resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", RedactURL(url), err)
	}

	return &wsConn{conn: conn, writeTimeout: d.writeTimeout}, nil
}

// wsConn adapts *websocket.Conn to Conn
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex // gorilla allows one concurrent writer
	closeOnce    sync.Once
	closeErr     error
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame with code and reason, then tears down the
// socket without waiting for the peer's acknowledgment.
func (c *wsConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
