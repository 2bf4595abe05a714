package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/p2pdrop/internal/protocol"
	"github.com/1ureka/p2pdrop/internal/util"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	outboxSize = 64
)

var errClientClosed = errors.New("client closed")

type outbound struct {
	kind    int
	data    []byte
	written func(error) // called by the write pump once data hit the socket, or failed to
}

// client is one peer connection. The read pump runs in the HTTP handler
// goroutine, the write pump in its own.
type client struct {
	id   string
	name string // set by join before the pumps start

	hub  *Hub
	conn *websocket.Conn

	outbox    chan outbound
	closing   chan struct{}
	closeOnce sync.Once

	// Only the latest peer-list is worth writing, so it is held apart from
	// the outbox and replaced rather than queued.
	viewMu    sync.Mutex
	view      []byte
	viewReady chan struct{}
}

func newClient(hub *Hub, conn *websocket.Conn) *client {
	return &client{
		id:      uuid.NewString(),
		hub:     hub,
		conn:    conn,
		outbox:    make(chan outbound, outboxSize),
		closing:   make(chan struct{}),
		viewReady: make(chan struct{}, 1),
	}
}

// send queues a control message. It never blocks.
func (c *client) send(msg *protocol.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		util.LogError("failed to encode %s: %v", msg.Type, err)
		return false
	}
	return c.enqueue(outbound{kind: websocket.TextMessage, data: data})
}

// sendView replaces any peer-list not yet written with peers. It never
// blocks and never counts against the outbox.
func (c *client) sendView(peers []protocol.PeerInfo) bool {
	data, err := json.Marshal(&protocol.Message{Type: protocol.TypePeerList, Peers: peers})
	if err != nil {
		util.LogError("failed to encode peer-list: %v", err)
		return false
	}

	select {
	case <-c.closing:
		return false
	default:
	}

	c.viewMu.Lock()
	c.view = data
	c.viewMu.Unlock()

	select {
	case c.viewReady <- struct{}{}:
	default:
	}
	return true
}

func (c *client) takeView() []byte {
	c.viewMu.Lock()
	defer c.viewMu.Unlock()
	data := c.view
	c.view = nil
	return data
}

// enqueue queues o without blocking. A peer whose outbox is full is not
// reading fast enough and gets disconnected.
func (c *client) enqueue(o outbound) bool {
	select {
	case <-c.closing:
		return false
	default:
	}

	select {
	case c.outbox <- o:
		return true
	default:
		util.LogWarning("peer %s is not keeping up, disconnecting", c.id)
		c.close()
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.closing) })
}

func (c *client) readPump() {
	c.conn.SetReadLimit(c.hub.opts.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				util.LogDebug("read from %s failed: %v", c.id, err)
			}
			return
		}

		switch kind {
		case websocket.TextMessage:
			var msg protocol.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				util.LogDebug("dropping malformed message from %s: %v", c.id, err)
				continue
			}
			c.hub.handleMessage(c, &msg)

		case websocket.BinaryMessage:
			f, err := protocol.Decode(data)
			if err != nil {
				util.LogDebug("dropping malformed frame from %s: %v", c.id, err)
				continue
			}
			c.hub.handleFrame(c, f)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		c.conn.Close()
		c.drain()
	}()

	for {
		select {
		case o := <-c.outbox:
			if err := c.write(o); err != nil {
				return
			}

		case <-c.viewReady:
			// Messages queued before this view go out first.
			if err := c.flush(); err != nil {
				return
			}
			if data := c.takeView(); data != nil {
				if err := c.write(outbound{kind: websocket.TextMessage, data: data}); err != nil {
					return
				}
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}

		case <-c.closing:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

func (c *client) write(o outbound) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.conn.WriteMessage(o.kind, o.data)
	if o.written != nil {
		o.written(err)
	}
	if err != nil {
		util.LogDebug("write to %s failed: %v", c.id, err)
	}
	return err
}

// flush writes whatever is queued right now, without waiting for more.
func (c *client) flush() error {
	for {
		select {
		case o := <-c.outbox:
			if err := c.write(o); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// drain fails whatever is still queued so no sender waits on an ack that
// will never come.
func (c *client) drain() {
	for {
		select {
		case o := <-c.outbox:
			if o.written != nil {
				o.written(errClientClosed)
			}
		default:
			return
		}
	}
}
