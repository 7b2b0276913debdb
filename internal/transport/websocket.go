package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a bidirectional frame connection to a heim server
type Conn interface {
	// ReadFrame blocks until the next frame arrives
	ReadFrame(ctx context.Context) ([]byte, error)

	// WriteFrame sends a single frame
	WriteFrame(ctx context.Context, data []byte) error

	// Close terminates the connection
	Close() error
}

// Options tunes the websocket dialer
type Options struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Header           http.Header
}

// WebSocketConn implements Conn on top of gorilla/websocket
type WebSocketConn struct {
	url     string
	conn    *websocket.Conn
	opts    Options
	logger  *slog.Logger
	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}
}

// RoomURL builds the websocket endpoint for a room on a heim server
func RoomURL(server, room string) (string, error) {
	if server == "" {
		return "", fmt.Errorf("server cannot be empty")
	}
	if room == "" {
		return "", fmt.Errorf("room cannot be empty")
	}
	if strings.Contains(room, "&") {
		return "", fmt.Errorf("room name %q must not contain '&'", room)
	}

	scheme := "wss"
	host := server
	if i := strings.Index(server, "://"); i >= 0 {
		scheme, host = server[:i], server[i+3:]
	}
	host = strings.TrimSuffix(host, "/")

	return fmt.Sprintf("%s://%s/room/%s/ws", scheme, host, url.PathEscape(room)), nil
}

// Dial connects to a heim room endpoint
func Dial(ctx context.Context, endpoint string, opts Options, logger *slog.Logger) (*WebSocketConn, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, endpoint, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	logger.Info("connected to room", "url", endpoint)
	return &WebSocketConn{
		url:     endpoint,
		conn:    conn,
		opts:    opts,
		logger:  logger,
		closeCh: make(chan struct{}),
	}, nil
}

// ReadFrame reads the next data frame. Only one goroutine may read at a time.
func (c *WebSocketConn) ReadFrame(ctx context.Context) ([]byte, error) {
	// gorilla reads do not take a context; closing the connection unblocks them
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to read frame: %w", err)
	}
	return data, nil
}

// WriteFrame writes one text frame. Writes are serialized by the caller's sender.
func (c *WebSocketConn) WriteFrame(ctx context.Context, data []byte) error {
	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Close sends a close frame and disconnects. Safe to call more than once.
func (c *WebSocketConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closeCh)

	// best effort; the peer may already be gone
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := c.conn.Close()

	c.logger.Info("closed room connection", "url", c.url)
	return err
}

// Done is closed once Close has been called
func (c *WebSocketConn) Done() <-chan struct{} {
	return c.closeCh
}
