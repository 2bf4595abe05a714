// Package signaling is the peer side of the relay connection: a WebSocket
// client for control messages and relayed frames, plus the offer/answer/
// candidate exchange that sets up a direct Transport through the relay.
package signaling

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second

	// DefaultReadLimit matches the relay's default max message size.
	DefaultReadLimit = 1 << 20
)

// Dial connects to the relay's WebSocket endpoint, e.g.
//
//	wss://drop.example.org/ws
func Dial(ctx context.Context, url string, readLimit int64) (*Client, error) {
	dialer := websocket.DefaultDialer
	conn, resp, err := dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to relay (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}

	if readLimit <= 0 {
		readLimit = DefaultReadLimit
	}
	conn.SetReadLimit(readLimit)

	return &Client{conn: conn}, nil
}
