package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes used on the live connection.
const (
	// CloseNormal is the graceful close code; a close with any other
	// code counts as a transport failure and is eligible for reconnect.
	CloseNormal = 1000
	// CloseAuthFailure is sent by the server after an auth_error frame.
	CloseAuthFailure = 4001
)

// CloseStatus is the error a Conn's read path returns when the peer
// closed the connection with a status code.
type CloseStatus struct {
	Code   int
	Reason string
}

func (e *CloseStatus) Error() string {
	return fmt.Sprintf("connection closed: code %d %s", e.Code, e.Reason)
}

// closeCode extracts the close status code from a read error, or 0 when
// the error carries none (treated as abnormal).
func closeCode(err error) int {
	if ce, ok := err.(*CloseStatus); ok {
		return ce.Code
	}
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code
	}
	return 0
}

// Conn is one live bidirectional message channel. Implementations must
// allow Close to race with a blocked ReadMessage.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close(code int, reason string) error
}

// Dialer opens a Conn against a chat transport address.
type Dialer interface {
	Dial(url string, timeout time.Duration) (Conn, error)
}

// channelAddress derives the transport address for a channel from the
// websocket base URL.
func channelAddress(wsBase, serverID, channelID string) string {
	return fmt.Sprintf("%s/chat/%s/%s/", strings.TrimRight(wsBase, "/"), serverID, channelID)
}

// WebsocketDialer is the production Dialer.
type WebsocketDialer struct{}

func (WebsocketDialer) Dial(url string, timeout time.Duration) (Conn, error) {
	d := websocket.Dialer{HandshakeTimeout: timeout}
	c, _, err := d.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := w.c.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				return nil, &CloseStatus{Code: ce.Code, Reason: ce.Text}
			}
			return nil, err
		}
		if mt != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

func (w *wsConn) WriteMessage(data []byte) error {
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = w.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return w.c.Close()
}
