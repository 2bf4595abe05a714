// Package relay is the rendezvous server: it names connecting peers, keeps
// the role directory, pushes each peer its filtered view, forwards
// negotiation messages, and carries relayed transfers chunk by chunk.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/1ureka/p2pdrop/internal/directory"
	"github.com/1ureka/p2pdrop/internal/iceconfig"
	"github.com/1ureka/p2pdrop/internal/identity"
	"github.com/1ureka/p2pdrop/internal/protocol"
	"github.com/1ureka/p2pdrop/internal/session"
	"github.com/1ureka/p2pdrop/internal/util"
)

// DefaultMaxMessageSize bounds one inbound WebSocket message. A relayed
// chunk plus its frame header must fit.
const DefaultMaxMessageSize = 1 << 20

// ICESource supplies the ICE servers pushed to each new peer.
type ICESource interface {
	Servers(ctx context.Context) []protocol.ICEServer
}

// Options configures a Hub.
type Options struct {
	MaxMessageSize     int64
	SessionIdleTimeout time.Duration // 0 disables the idle sweep
	ICE                ICESource
	Namer              directory.Namer
}

// Hub owns the directory and the session table. Every mutation runs on the
// Run goroutine; read goroutines only look things up.
type Hub struct {
	opts     Options
	dir      *directory.Directory
	sessions *session.Tracker

	mu      sync.RWMutex
	clients map[string]*client

	// Direct transfers never pass chunks through the hub, so they are
	// exempt from the idle sweep. Run goroutine only.
	direct map[string]bool

	events  chan func()
	stopped chan struct{}
}

func NewHub(opts Options) *Hub {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	if opts.ICE == nil {
		opts.ICE = &iceconfig.Provider{}
	}
	if opts.Namer == nil {
		opts.Namer = identity.NewGenerator()
	}

	return &Hub{
		opts:     opts,
		dir:      directory.New(opts.Namer),
		sessions: session.NewTracker(),
		clients:  make(map[string]*client),
		direct:   make(map[string]bool),
		events:   make(chan func()),
		stopped:  make(chan struct{}),
	}
}

// Run processes mutations until ctx is cancelled, then disconnects every
// peer.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	var sweep <-chan time.Time
	if h.opts.SessionIdleTimeout > 0 {
		ticker := time.NewTicker(max(h.opts.SessionIdleTimeout/4, 10*time.Millisecond))
		defer ticker.Stop()
		sweep = ticker.C
	}

	for {
		select {
		case fn := <-h.events:
			fn()
		case now := <-sweep:
			h.sweep(now)
		case <-ctx.Done():
			h.mu.RLock()
			for _, c := range h.clients {
				c.close()
			}
			h.mu.RUnlock()
			return
		}
	}
}

// do runs fn on the Run goroutine and waits for it. It returns false if the
// hub stopped first.
func (h *Hub) do(fn func()) bool {
	done := make(chan struct{})
	select {
	case h.events <- func() { fn(); close(done) }:
	case <-h.stopped:
		return false
	}

	select {
	case <-done:
		return true
	case <-h.stopped:
		return false
	}
}

// Peers returns a snapshot of the directory.
func (h *Hub) Peers() []directory.Peer {
	return h.dir.Snapshot()
}

// Sessions returns the transfers currently holding busy flags.
func (h *Hub) Sessions() []*session.Session {
	return h.sessions.Active()
}

func (h *Hub) route(id string) (*client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

// ---------------------------------------------------------------------------
// Directory mutations (Run goroutine only)
// ---------------------------------------------------------------------------

// join registers c, sends it its identity and ICE servers, and broadcasts.
func (h *Hub) join(c *client, ice []protocol.ICEServer) bool {
	joined := false
	ok := h.do(func() {
		p, err := h.dir.Register(c.id)
		if err != nil {
			util.LogWarning("rejecting connection %s: %v", c.id, err)
			return
		}
		c.name = p.Name

		h.mu.Lock()
		h.clients[c.id] = c
		h.mu.Unlock()

		c.send(&protocol.Message{Type: protocol.TypeSelfIdentity, ID: p.ID, Name: p.Name})
		c.send(&protocol.Message{Type: protocol.TypeICEServers, ICEServers: ice})

		util.Stats.AddConn()
		util.LogInfo("peer joined: %s (%s)", p.Name, p.ID)
		h.broadcast()
		joined = true
	})
	return ok && joined
}

// leave is the one teardown routine for a disconnect: route, directory
// entry and owned session all go in the same step.
func (h *Hub) leave(c *client) {
	ok := h.do(func() {
		h.mu.Lock()
		if h.clients[c.id] == c {
			delete(h.clients, c.id)
		}
		h.mu.Unlock()
		c.close()

		existed := h.dir.Remove(c.id)

		if s := h.sessions.Of(c.id); s != nil {
			s.Cancel()
			h.release(s)
			h.notifyCancel(s.Peer(c.id), c.id, s.ID, protocol.ReasonDisconnected)
		}

		if existed {
			util.Stats.RemoveConn()
			util.LogInfo("peer left: %s (%s)", c.name, c.id)
			h.broadcast()
		}
	})
	if !ok {
		c.close()
	}
}

func (h *Hub) setRole(c *client, role protocol.Role) {
	p, changed := h.dir.SetRole(c.id, role)
	if !changed {
		util.LogDebug("ignoring role %q from %s", role, c.id)
		return
	}

	c.send(&protocol.Message{Type: protocol.TypeRoleConfirmed, Role: p.Role})
	util.LogDebug("peer %s is now %s", p.Name, p.Role)
	h.broadcast()
}

// broadcast pushes every connected peer its current view.
func (h *Hub) broadcast() {
	snapshot := h.dir.Snapshot()

	h.mu.RLock()
	clients := lo.Values(h.clients)
	h.mu.RUnlock()

	for _, c := range clients {
		c.sendView(directory.ViewFor(snapshot, c.id))
	}
}

// ---------------------------------------------------------------------------
// Session mutations (Run goroutine only)
// ---------------------------------------------------------------------------

func (h *Hub) requestTransfer(c *client, msg *protocol.Message) {
	if msg.Meta == nil {
		util.LogDebug("ignoring transfer request without metadata from %s", c.id)
		return
	}
	if err := msg.Meta.Validate(); err != nil {
		util.LogDebug("ignoring transfer request from %s: %v", c.id, err)
		return
	}

	reject := func(reason string) {
		c.send(&protocol.Message{Type: protocol.TypeTransferRejected, FromID: msg.TargetID, Reason: reason})
	}

	if h.sessions.Busy(c.id) {
		reject(protocol.ReasonBusy)
		return
	}

	target, ok := h.dir.Lookup(msg.TargetID)
	dst, routed := h.route(msg.TargetID)
	if !ok || !routed || target.ID == c.id {
		reject(protocol.ReasonNoPeer)
		return
	}
	if target.Role != protocol.RoleReceiver {
		reject(protocol.ReasonNotReceiver)
		return
	}

	mode := msg.Mode
	if mode != protocol.ModeDirect {
		mode = protocol.ModeRelayed
	}

	s := session.New("", c.id, target.ID, *msg.Meta)
	if err := h.sessions.Acquire(s, c.id, target.ID); err != nil {
		reject(protocol.ReasonReceiverBusy)
		return
	}
	_ = s.Start()
	if mode == protocol.ModeDirect {
		h.direct[s.ID] = true
	}
	util.Stats.OpenSession()

	// The receiver hears about the session before the sender may act on it.
	dst.send(&protocol.Message{
		Type:      protocol.TypeTransferIncoming,
		FromID:    c.id,
		FromName:  c.name,
		SessionID: s.ID,
		Mode:      mode,
		Meta:      &s.Meta,
	})
	c.send(&protocol.Message{
		Type:      protocol.TypeTransferAccepted,
		FromID:    target.ID,
		SessionID: s.ID,
		Mode:      mode,
	})

	util.LogInfo("transfer %s: %s → %s, %q (%s, %s)",
		s.ID, c.name, target.Name, s.Meta.FileName, util.FormatBytes(s.Meta.FileSize), mode)
}

// endTransfer handles transfer-done and transfer-cancel from either party.
func (h *Hub) endTransfer(c *client, msg *protocol.Message) {
	s := h.sessions.Of(c.id)
	if s == nil || s.Peer(c.id) != msg.TargetID {
		util.LogDebug("ignoring %s from %s: no matching session", msg.Type, c.id)
		return
	}

	if msg.Type == protocol.TypeTransferCancel {
		s.Cancel()
	} else {
		s.Complete()
	}
	h.release(s)

	if dst, ok := h.route(msg.TargetID); ok {
		dst.send(&protocol.Message{
			Type:      msg.Type,
			FromID:    c.id,
			SessionID: s.ID,
			Reason:    msg.Reason,
		})
	}

	util.LogInfo("transfer %s ended: %s (%s transferred)", s.ID, s.Phase(), util.FormatBytes(s.Transferred()))
}

// sweep cancels sessions that saw no activity for SessionIdleTimeout.
func (h *Hub) sweep(now time.Time) {
	for _, s := range h.sessions.Active() {
		if h.direct[s.ID] || s.IdleFor(now) < h.opts.SessionIdleTimeout {
			continue
		}

		s.Cancel()
		h.release(s)
		h.notifyCancel(s.Sender, s.Receiver, s.ID, protocol.ReasonIdle)
		h.notifyCancel(s.Receiver, s.Sender, s.ID, protocol.ReasonIdle)
		util.LogWarning("transfer %s cancelled after %s without activity", s.ID, h.opts.SessionIdleTimeout)
	}
}

func (h *Hub) release(s *session.Session) {
	if h.sessions.Of(s.Sender) != s && h.sessions.Of(s.Receiver) != s {
		return
	}
	h.sessions.Release(s)
	delete(h.direct, s.ID)
	util.Stats.CloseSession()
}

func (h *Hub) notifyCancel(to, from, sessionID, reason string) {
	if dst, ok := h.route(to); ok {
		dst.send(&protocol.Message{
			Type:      protocol.TypeTransferCancel,
			FromID:    from,
			SessionID: sessionID,
			Reason:    reason,
		})
	}
}
