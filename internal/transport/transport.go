// Package transport is the direct-variant channel: one PeerConnection and
// one DataChannel between a sender and a receiver, carrying binary frames
// under watermark backpressure.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pdrop/internal/protocol"
	"github.com/1ureka/p2pdrop/internal/util"
)

// ChunkSize is the body slice carried by one chunk frame on the DataChannel.
const ChunkSize = 16 * 1024

// Transport wraps a single PeerConnection + DataChannel pair, providing a
// high-level API for signaling exchange, frame sending with backpressure,
// and frame receiving.
//
// Remote ICE candidates that arrive before the remote description is set
// are held back and applied once it is.
type Transport struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	sender     *sender
	openSignal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pcState   webrtc.PeerConnectionState
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

// NewTransport creates a Transport backed by a new PeerConnection and a
// pre-negotiated DataChannel. The Transport is alive until the DataChannel
// closes, the PeerConnection fails, or ctx is cancelled.
func NewTransport(ctx context.Context, servers []webrtc.ICEServer) (*Transport, error) {
	pc, err := newPeerConnection(servers)
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	tCtx, tCancel := context.WithCancel(ctx)

	t := &Transport{
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
		ctx:        tCtx,
		cancel:     tCancel,
		pcState:    webrtc.PeerConnectionStateNew,
	}

	// DC open gate.
	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(t.openSignal) })
	})

	// DC close → cancel transport context.
	dc.OnClose(func() {
		util.LogDebug("DataChannel closed")
		tCancel()
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		t.mu.Lock()
		t.pcState = state
		t.mu.Unlock()

		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			tCancel()
		}
	})

	t.sender = newSender(dc, t.openSignal)

	return t, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready returns a channel that is closed when the DataChannel is open.
func (t *Transport) Ready() <-chan struct{} {
	return t.openSignal
}

// Done returns a channel that is closed when the Transport is shut down.
func (t *Transport) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Close shuts down the DataChannel and PeerConnection.
func (t *Transport) Close() error {
	t.cancel()
	return errors.Join(t.dc.Close(), t.pc.Close())
}

// ConnectionState returns the last observed PeerConnection state.
func (t *Transport) ConnectionState() webrtc.PeerConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pcState
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP.
func (t *Transport) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP and flushes any candidates
// that were waiting for it.
func (t *Transport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(sdp); err != nil {
		return err
	}

	t.mu.Lock()
	t.remoteSet = true
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	var errs []error
	for _, c := range pending {
		errs = append(errs, t.pc.AddICECandidate(c))
	}
	return errors.Join(errs...)
}

// OnICECandidate registers a callback invoked whenever a new local ICE
// candidate is gathered. A nil candidate signals the end of gathering.
func (t *Transport) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	t.pc.OnICECandidate(fn)
}

// AddICECandidate adds a remote ICE candidate received through signaling,
// or holds it until the remote description is set.
func (t *Transport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	t.mu.Lock()
	if !t.remoteSet {
		t.pending = append(t.pending, candidate)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	return t.pc.AddICECandidate(candidate)
}

// PendingCandidates returns how many remote candidates are waiting for the
// remote description.
func (t *Transport) PendingCandidates() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// SendFrame writes one frame, blocking while the DataChannel is not open or
// its queue is above the high water mark.
func (t *Transport) SendFrame(ctx context.Context, f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(t.ctx, cancel)
	defer stop()

	return t.sender.send(ctx, data)
}

// OnFrame registers a callback invoked for every inbound DataChannel message.
// The callback receives the decoded frame and any decoding error.
func (t *Transport) OnFrame(fn func(*protocol.Frame, error)) {
	t.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		util.Stats.AddRecv(len(msg.Data))
		f, err := protocol.Decode(msg.Data)
		fn(f, err)
	})
}
