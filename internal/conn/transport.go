package conn

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
)

// Conn is one open bidirectional message stream to the server.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens connections. The default is websocket; tests swap in an
// in-memory fake.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WebsocketDialer dials the server endpoint with gorilla/websocket.
type WebsocketDialer struct {
	// Dialer overrides the underlying websocket dialer. Nil uses the
	// package default.
	Dialer *websocket.Dialer
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	wd := d.Dialer
	if wd == nil {
		wd = websocket.DefaultDialer
	}
	ws, resp, err := wd.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
