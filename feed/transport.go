package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

// Frame is one JSON message on the log feed.
type Frame struct {
	Type      string          `json:"type"`
	APIKey    string          `json:"apiKey,omitempty"`
	Protocol  string          `json:"protocol,omitempty"`
	Network   string          `json:"network,omitempty"`
	EventType string          `json:"eventType,omitempty"`
	Address   string          `json:"address,omitempty"`
	Topics    []string        `json:"topics,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// Frame types exchanged with the feed.
const (
	FrameAuth      = "auth"
	FrameSubscribe = "subscribe"
	FrameEvent     = "event"
	FrameError     = "error"
)

// Conn is a live feed connection.
type Conn interface {
	Send(ctx context.Context, frame Frame) error
	Receive(ctx context.Context) (Frame, error)
	Close() error
}

// Dialer opens feed connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// WebsocketDialer dials the feed over a websocket.
type WebsocketDialer struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	ReadLimit        int64
	WriteTimeout     time.Duration
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	url := strings.TrimSpace(d.URL)
	if url == "" {
		return nil, fmt.Errorf("feed: websocket url required")
	}
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{HTTPHeader: d.Header})
	if err != nil {
		return nil, fmt.Errorf("feed: dial %s: %w", url, err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = 1 << 20
	}
	conn.SetReadLimit(limit)
	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &wsConn{conn: conn, writeTimeout: writeTimeout}, nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (c *wsConn) Send(ctx context.Context, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

func (c *wsConn) Receive(ctx context.Context) (Frame, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return Frame{}, err
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		// Malformed frames are surfaced as typeless so the loop can drop them.
		return Frame{Message: err.Error()}, nil
	}
	return frame, nil
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "feed closed")
}
