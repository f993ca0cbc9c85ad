package btp

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketTransport carries one BTP frame per binary websocket message.
type WebSocketTransport struct {
	conn         *websocket.Conn
	pingInterval time.Duration

	closeOnce sync.Once
	stop      chan struct{}
}

// NewWebSocketTransport wraps an established websocket. When pingInterval is
// positive the transport pings the peer and treats two missed intervals
// without any inbound traffic as a dead connection.
func NewWebSocketTransport(conn *websocket.Conn, pingInterval time.Duration) *WebSocketTransport {
	t := &WebSocketTransport{
		conn:         conn,
		pingInterval: pingInterval,
		stop:         make(chan struct{}),
	}
	if pingInterval > 0 {
		conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
		})
		go t.keepalive()
	}
	return t
}

// Dial opens a websocket to url and wraps it in a transport.
func Dial(ctx context.Context, url string, header http.Header, pingInterval time.Duration) (*WebSocketTransport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (http status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return NewWebSocketTransport(conn, pingInterval), nil
}

func (t *WebSocketTransport) keepalive() {
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// WriteControl may be used concurrently with WriteMessage
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.pingInterval)); err != nil {
				return
			}
		case <-t.stop:
			return
		}
	}
}

// ReadFrame returns the next binary message. A text message is a framing
// violation since BTP is binary only.
func (t *WebSocketTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	messageType, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if t.pingInterval > 0 {
		t.conn.SetReadDeadline(time.Now().Add(2 * t.pingInterval))
	}
	if messageType != websocket.BinaryMessage {
		return nil, &FramingError{Reason: fmt.Sprintf("unexpected websocket message type %d", messageType)}
	}
	return data, nil
}

// WriteFrame sends frame as one binary message. Callers serialize writes.
func (t *WebSocketTransport) WriteFrame(ctx context.Context, frame []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
	} else {
		t.conn.SetWriteDeadline(time.Time{})
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// Close sends a close frame on a best effort basis and closes the socket.
func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stop)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}
