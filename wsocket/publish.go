package wsocket

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Publish posts one JSON frame to a running hub over a short-lived client
// connection. Producers (the web server's livefeed, the chat workers) use
// this instead of holding a connection open.
func Publish(hubAddr string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal frame")
	}

	url := fmt.Sprintf("ws://%s/ws", hubAddr)
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to dial hub at %s", hubAddr)
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return errors.Wrap(err, "failed to send frame")
	}
	// Polite close so the hub drops the peer immediately instead of on the
	// next broadcast.
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return nil
}
