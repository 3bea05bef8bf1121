package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketDialer opens WebSocket streams at
// {BaseURL}/v1/executions/{executionId}/ws. An http(s) BaseURL is
// rewritten to ws(s).
type WebSocketDialer struct {
	BaseURL string

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Header is added to the handshake request.
	Header http.Header

	// MaxMessageSize limits incoming frames. Default 1MB.
	MaxMessageSize int64
}

// WebSocketURL returns the WebSocket endpoint for an execution.
func WebSocketURL(baseURL, executionID string) string {
	base := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/v1/executions/" + url.PathEscape(executionID) + "/ws"
}

// Dial performs the WebSocket handshake.
func (d *WebSocketDialer) Dial(ctx context.Context, executionID string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, WebSocketURL(d.BaseURL, executionID), d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	limit := d.MaxMessageSize
	if limit <= 0 {
		limit = 1024 * 1024
	}
	conn.SetReadLimit(limit)

	r := newReader(func() error {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return conn.Close()
	})
	go readWebSocket(r, conn)
	return r, nil
}

func readWebSocket(r *reader, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = fmt.Errorf("websocket closed by server: %w", err)
			}
			r.deliver(frame{err: err})
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			if !r.deliver(frame{err: fmt.Errorf("%w: %v", ErrMalformedEvent, err)}) {
				return
			}
			continue
		}
		ev, err := Decode(f.Event, f.Data)
		if !r.deliver(frame{ev: ev, err: err}) {
			return
		}
	}
}
