package diag

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Client is a console connection.
type Client struct {
	conn *websocket.Conn
}

// Dial connects to a console at url (ws://host:port/diag).
func Dial(ctx context.Context, url string) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("diagnostic connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("diagnostic connection failed: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Do sends one request and waits for its response.
func (c *Client) Do(req Request) (Response, error) {
	if err := c.conn.WriteJSON(req); err != nil {
		return Response{}, fmt.Errorf("failed to send %s: %w", req.Cmd, err)
	}
	var resp Response
	if err := c.conn.ReadJSON(&resp); err != nil {
		return Response{}, fmt.Errorf("failed to read %s response: %w", req.Cmd, err)
	}
	return resp, nil
}

// Close ends the connection.
func (c *Client) Close() error {
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}
