package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/1ureka/p2pdrop/internal/iceconfig"
	"github.com/1ureka/p2pdrop/internal/protocol"
	"github.com/1ureka/p2pdrop/internal/session"
	"github.com/1ureka/p2pdrop/internal/signaling"
	"github.com/1ureka/p2pdrop/internal/transport"
	"github.com/1ureka/p2pdrop/internal/util"
)

// SendDirect streams r to target over a DataChannel negotiated through the
// relay. Chunks are paced by the channel's buffered amount; the call
// returns after the receiver echoed the completion frame.
func (e *Endpoint) SendDirect(ctx context.Context, target string, r io.Reader, meta protocol.FileMeta) (*session.Session, error) {
	s, out, err := e.begin(ctx, target, meta, protocol.ModeDirect)
	if err != nil {
		return s, err
	}
	defer e.end(s, out)

	if err := e.streamDirect(ctx, s, out, r); err != nil {
		e.abort(s, out, err)
		return s, err
	}
	return s, nil
}

func (e *Endpoint) streamDirect(ctx context.Context, s *session.Session, out *outgoing, r io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tr, err := transport.NewTransport(ctx, iceconfig.ToWebRTC(e.ICEServers()))
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	defer tr.Close()

	// Frames from the receiver: the completion echo, or a cancel.
	echoed := make(chan struct{})
	var echoOnce sync.Once
	remote := make(chan error, 1)
	tr.OnFrame(func(f *protocol.Frame, err error) {
		if err != nil {
			return
		}
		switch f.Type {
		case protocol.TypeDone:
			echoOnce.Do(func() { close(echoed) })
		case protocol.TypeCancel:
			select {
			case remote <- fmt.Errorf("%w by receiver: %s", session.ErrCancelled, f.Payload):
			default:
			}
		}
	})

	neg := signaling.NewNegotiator(e.client, tr, out.target)
	out.setNegotiator(neg)
	if err := neg.Offer(); err != nil {
		return err
	}

	if err := e.awaitOpen(ctx, tr, out); err != nil {
		return err
	}
	util.LogDebug("direct channel to %s is open", out.target)

	fail := func(err error) error {
		sendCtx, stop := context.WithTimeout(context.Background(), time.Second)
		defer stop()
		_ = tr.SendFrame(sendCtx, &protocol.Frame{Type: protocol.TypeCancel, Payload: []byte(err.Error())})
		return err
	}

	chunks := newChunkReader(r, transport.ChunkSize, s.Meta.FileSize)
	seq := uint32(0)
	for ; ; seq++ {
		chunk, err := chunks.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fail(err)
		}

		if err := pendingCancel(out); err != nil {
			return err
		}
		select {
		case err := <-remote:
			return err
		default:
		}

		if err := s.Record(len(chunk)); err != nil {
			return fail(err)
		}
		if err := tr.SendFrame(ctx, &protocol.Frame{Type: protocol.TypeChunk, Seq: seq, Payload: chunk}); err != nil {
			return transportError(ctx, tr, err)
		}
		e.progress(Progress{SessionID: s.ID, Peer: out.target, Meta: s.Meta, Transferred: s.Transferred()})
	}

	if err := tr.SendFrame(ctx, &protocol.Frame{Type: protocol.TypeDone, Seq: seq}); err != nil {
		return transportError(ctx, tr, err)
	}

	// Closing before the receiver has everything would lose the tail of
	// the file, so wait for it to say so.
	timer := time.NewTimer(e.opts.AckTimeout)
	defer timer.Stop()
	select {
	case <-echoed:
	case err := <-remote:
		return err
	case <-timer.C:
		return fmt.Errorf("waiting for the receiver to confirm: %w", session.ErrTimeout)
	case <-tr.Done():
		return errConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	return e.finish(s, out)
}

// awaitOpen waits for the DataChannel to open.
func (e *Endpoint) awaitOpen(ctx context.Context, tr *transport.Transport, out *outgoing) error {
	timer := time.NewTimer(e.opts.NegotiationTimeout)
	defer timer.Stop()

	for {
		select {
		case <-tr.Ready():
			return nil
		case msg := <-out.replies:
			if msg.Type == protocol.TypeTransferCancel {
				return &CancelledError{Reason: msg.Reason}
			}
		case <-timer.C:
			return fmt.Errorf("waiting for the direct connection (%s): %w", tr.ConnectionState(), session.ErrTimeout)
		case <-tr.Done():
			return fmt.Errorf("%w: direct connection failed", session.ErrCancelled)
		case <-ctx.Done():
			return ctx.Err()
		case <-e.done:
			return ErrDisconnected
		}
	}
}

var errConnectionClosed = fmt.Errorf("%w: direct connection closed", session.ErrCancelled)

// transportError turns a failed send into the reason the transport went
// away, when that is what happened.
func transportError(ctx context.Context, tr *transport.Transport, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	select {
	case <-tr.Done():
		return errConnectionClosed
	default:
		return err
	}
}
