package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/1ureka/p2pdrop/internal/protocol"
	"github.com/1ureka/p2pdrop/internal/util"
)

// Handler receives everything the relay sends. Both methods are called from
// the Watch goroutine, one at a time.
type Handler interface {
	HandleMessage(msg *protocol.Message)
	HandleFrame(f *protocol.Frame)
}

// Watch reads from the relay until the connection fails or is closed,
// dispatching to h. Undecodable input is logged and skipped.
func (c *Client) Watch(h Handler) error {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("failed to read from relay: %w", err)
		}

		switch kind {
		case websocket.TextMessage:
			var msg protocol.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				util.LogDebug("dropping malformed message: %v", err)
				continue
			}
			h.HandleMessage(&msg)

		case websocket.BinaryMessage:
			f, err := protocol.Decode(data)
			if err != nil {
				util.LogDebug("dropping malformed frame: %v", err)
				continue
			}
			util.Stats.AddRecv(len(f.Payload))
			h.HandleFrame(f)
		}
	}
}
