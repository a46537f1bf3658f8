package realtime

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"fieldsync/internal/sync"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

// WebsocketDialer opens gorilla/websocket change-stream connections
// against the backend stream endpoint.
type WebsocketDialer struct {
	BaseURL string
	dialer  *websocket.Dialer
}

func NewWebsocketDialer(baseURL string) *WebsocketDialer {
	return &WebsocketDialer{
		BaseURL: baseURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, collection string) (Conn, error) {
	u, err := url.Parse(d.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid stream url: %w", err)
	}
	q := u.Query()
	q.Set("collection", collection)
	u.RawQuery = q.Encode()

	ws, _, err := d.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial change stream: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) ReadEvent() (sync.ChangeEvent, error) {
	var ev sync.ChangeEvent
	if err := c.ws.ReadJSON(&ev); err != nil {
		return sync.ChangeEvent{}, err
	}
	ev.ObservedAt = time.Now().UTC()
	return ev, nil
}

func (c *wsConn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
