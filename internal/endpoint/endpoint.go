// Package endpoint is the peer side of p2pdrop: it joins a relay, declares a
// role, watches the directory view, and sends or receives files either
// through the relay or over a direct DataChannel.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/p2pdrop/internal/assembler"
	"github.com/1ureka/p2pdrop/internal/protocol"
	"github.com/1ureka/p2pdrop/internal/session"
	"github.com/1ureka/p2pdrop/internal/signaling"
	"github.com/1ureka/p2pdrop/internal/util"
)

// ErrDisconnected is returned by waits that were cut short by the relay
// connection going away.
var ErrDisconnected = errors.New("relay connection lost")

// RejectedError is returned when the relay turned a transfer request down.
// It unwraps to the matching session error.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "transfer rejected: " + e.Reason
}

func (e *RejectedError) Unwrap() error {
	switch e.Reason {
	case protocol.ReasonBusy, protocol.ReasonReceiverBusy:
		return session.ErrBusy
	case protocol.ReasonNotReceiver:
		return session.ErrNotReceiver
	default:
		return session.ErrNoPeer
	}
}

// CancelledError is a transfer ended by the other side or by the relay.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	if e.Reason == "" {
		return session.ErrCancelled.Error()
	}
	return session.ErrCancelled.Error() + ": " + e.Reason
}

func (e *CancelledError) Unwrap() error { return session.ErrCancelled }

// Progress reports bytes moved so far in one transfer.
type Progress struct {
	SessionID   string
	Peer        string
	Meta        protocol.FileMeta
	Transferred int64
	Incoming    bool
}

// Result is one finished incoming transfer. File is set whenever anything
// was assembled, even alongside a size mismatch error.
type Result struct {
	SessionID string
	From      protocol.PeerInfo
	Meta      protocol.FileMeta
	File      *assembler.File
	Err       error
}

// Options tunes an Endpoint. Zero values get sensible defaults.
type Options struct {
	ReadLimit          int64
	AckTimeout         time.Duration
	NegotiationTimeout time.Duration

	// Sink, when set, receives incoming files chunk by chunk instead of
	// having them assembled in memory.
	Sink func(meta protocol.FileMeta) (Sink, error)

	OnProgress func(Progress)
}

// Endpoint is one peer's session with the relay.
type Endpoint struct {
	client *signaling.Client
	opts   Options
	busy   *session.Tracker

	ctx    context.Context
	cancel context.CancelFunc

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	err       error

	mu      sync.RWMutex
	self    protocol.PeerInfo
	role    protocol.Role
	peers   []protocol.PeerInfo
	ice     []protocol.ICEServer
	changed chan struct{}
	out     *outgoing
	in      *incoming

	results chan Result
}

// Dial connects to the relay at url and waits for it to assign an identity.
func Dial(ctx context.Context, url string, opts Options) (*Endpoint, error) {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 30 * time.Second
	}
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = 30 * time.Second
	}

	client, err := signaling.Dial(ctx, url, opts.ReadLimit)
	if err != nil {
		return nil, err
	}

	eCtx, eCancel := context.WithCancel(context.Background())
	e := &Endpoint{
		client:  client,
		opts:    opts,
		busy:    session.NewTracker(),
		ctx:     eCtx,
		cancel:  eCancel,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		role:    protocol.RoleNone,
		changed: make(chan struct{}),
		results: make(chan Result, 8),
	}

	go func() {
		e.err = client.Watch(e)
		e.shutdown()
		close(e.done)
	}()

	select {
	case <-e.ready:
		return e, nil
	case <-e.done:
		return nil, fmt.Errorf("relay closed before assigning an identity: %w", errors.Join(ErrDisconnected, e.err))
	case <-ctx.Done():
		client.Close()
		return nil, ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// State
// ---------------------------------------------------------------------------

// Self returns the identity the relay assigned.
func (e *Endpoint) Self() protocol.PeerInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.self
}

// Role returns the last role the relay confirmed.
func (e *Endpoint) Role() protocol.Role {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.role
}

// Peers returns the latest directory view pushed by the relay.
func (e *Endpoint) Peers() []protocol.PeerInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]protocol.PeerInfo(nil), e.peers...)
}

// ICEServers returns the servers the relay handed out on join.
func (e *Endpoint) ICEServers() []protocol.ICEServer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ice
}

// Busy reports whether a transfer is in progress in either direction.
func (e *Endpoint) Busy() bool {
	return e.busy.Busy(e.Self().ID)
}

// Results delivers every finished incoming transfer.
func (e *Endpoint) Results() <-chan Result {
	return e.results
}

// Done is closed when the relay connection is gone.
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

// Err returns why the relay connection ended, once Done is closed.
func (e *Endpoint) Err() error {
	select {
	case <-e.done:
		return e.err
	default:
		return nil
	}
}

// Close leaves the relay. Any transfer in progress is cancelled.
func (e *Endpoint) Close() error {
	err := e.client.Close()
	<-e.done
	return err
}

// SetRole declares role and waits for the relay to confirm it.
func (e *Endpoint) SetRole(ctx context.Context, role protocol.Role) error {
	if _, ok := protocol.ParseRole(string(role)); !ok {
		return fmt.Errorf("invalid role %q", role)
	}
	if err := e.client.Send(&protocol.Message{Type: protocol.TypeSetRole, Role: role}); err != nil {
		return err
	}
	return e.waitState(ctx, func() bool { return e.role == role })
}

// WaitForPeers blocks until the directory view satisfies cond and returns
// that view.
func (e *Endpoint) WaitForPeers(ctx context.Context, cond func([]protocol.PeerInfo) bool) ([]protocol.PeerInfo, error) {
	var view []protocol.PeerInfo
	err := e.waitState(ctx, func() bool {
		if cond(e.peers) {
			view = append([]protocol.PeerInfo(nil), e.peers...)
			return true
		}
		return false
	})
	return view, err
}

// waitState evaluates cond under the read lock after every state change.
func (e *Endpoint) waitState(ctx context.Context, cond func() bool) error {
	for {
		e.mu.RLock()
		ok := cond()
		changed := e.changed
		e.mu.RUnlock()

		if ok {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		case <-e.done:
			return ErrDisconnected
		}
	}
}

// notifyLocked wakes every waitState. Must be called with mu held.
func (e *Endpoint) notifyLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}

func (e *Endpoint) progress(p Progress) {
	if e.opts.OnProgress != nil {
		e.opts.OnProgress(p)
	}
}

// shutdown runs once the relay connection is gone.
func (e *Endpoint) shutdown() {
	e.mu.RLock()
	in := e.in
	e.mu.RUnlock()

	if in != nil {
		in.cancel("relay connection lost", false)
	}
	e.cancel()
}

// ---------------------------------------------------------------------------
// Relay input (Watch goroutine)
// ---------------------------------------------------------------------------

func (e *Endpoint) HandleMessage(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeSelfIdentity:
		e.mu.Lock()
		e.self = protocol.PeerInfo{ID: msg.ID, Name: msg.Name}
		e.mu.Unlock()
		e.readyOnce.Do(func() { close(e.ready) })

	case protocol.TypeICEServers:
		e.mu.Lock()
		e.ice = msg.ICEServers
		e.mu.Unlock()

	case protocol.TypeRoleConfirmed:
		e.mu.Lock()
		e.role = msg.Role
		e.notifyLocked()
		e.mu.Unlock()

	case protocol.TypePeerList:
		e.mu.Lock()
		e.peers = msg.Peers
		e.notifyLocked()
		e.mu.Unlock()

	case protocol.TypeTransferAccepted, protocol.TypeTransferRejected, protocol.TypeChunkAck:
		e.reply(msg)

	case protocol.TypeTransferIncoming:
		e.accept(msg)

	case protocol.TypeTransferDone:
		if in := e.incomingFrom(msg.FromID); in != nil {
			in.complete()
		}

	case protocol.TypeTransferCancel:
		if in := e.incomingFrom(msg.FromID); in != nil {
			in.cancel(msg.Reason, false)
			return
		}
		e.reply(msg)

	case protocol.TypeOffer:
		if in := e.incomingFrom(msg.FromID); in != nil && in.neg != nil {
			if err := in.neg.Answer(msg.SDP); err != nil {
				util.LogWarning("failed to answer %s: %v", msg.FromName, err)
				in.cancel("negotiation failed", true)
			}
			return
		}
		util.LogDebug("ignoring offer from %s: no direct transfer pending", msg.FromID)

	case protocol.TypeAnswer:
		if neg := e.outgoingNegotiator(msg.FromID); neg != nil {
			if err := neg.Accept(msg.SDP); err != nil {
				util.LogWarning("failed to apply answer: %v", err)
			}
		}

	case protocol.TypeCandidate:
		neg := e.outgoingNegotiator(msg.FromID)
		if in := e.incomingFrom(msg.FromID); in != nil && in.neg != nil {
			neg = in.neg
		}
		if neg == nil {
			util.LogDebug("ignoring candidate from %s", msg.FromID)
			return
		}
		if err := neg.Candidate(msg.Candidate); err != nil {
			util.LogDebug("failed to add candidate: %v", err)
		}

	default:
		util.LogDebug("ignoring message type %q", msg.Type)
	}
}

func (e *Endpoint) HandleFrame(f *protocol.Frame) {
	in := e.incomingFrom(f.Peer)
	if in == nil || in.mode != protocol.ModeRelayed || f.Type != protocol.TypeChunk {
		util.LogDebug("ignoring frame %d from %s", f.Seq, f.Peer)
		return
	}
	in.chunk(f.Seq, f.Payload)
}
