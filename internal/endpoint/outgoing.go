package endpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/p2pdrop/internal/protocol"
	"github.com/1ureka/p2pdrop/internal/session"
	"github.com/1ureka/p2pdrop/internal/signaling"
	"github.com/1ureka/p2pdrop/internal/util"
)

// outgoing is the sending half of a transfer in progress. Replies from the
// relay about it are queued on replies by the Watch goroutine.
type outgoing struct {
	target  string
	mode    protocol.Mode
	replies chan *protocol.Message

	mu  sync.Mutex
	neg *signaling.Negotiator
}

func (o *outgoing) setNegotiator(n *signaling.Negotiator) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.neg = n
}

func (o *outgoing) negotiator() *signaling.Negotiator {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.neg
}

// reply hands msg to the outgoing transfer it concerns, if any.
func (e *Endpoint) reply(msg *protocol.Message) {
	e.mu.RLock()
	out := e.out
	e.mu.RUnlock()

	if out == nil || out.target != msg.FromID {
		util.LogDebug("ignoring %s from %s: no matching transfer", msg.Type, msg.FromID)
		return
	}

	select {
	case out.replies <- msg:
	default:
		util.LogDebug("dropping %s: reply queue full", msg.Type)
	}
}

func (e *Endpoint) outgoingNegotiator(from string) *signaling.Negotiator {
	e.mu.RLock()
	out := e.out
	e.mu.RUnlock()

	if out == nil || out.target != from {
		return nil
	}
	return out.negotiator()
}

// begin asks the relay for a session with target and waits for its verdict.
// On success the local busy flag is held and the session is METADATA_SENT.
func (e *Endpoint) begin(ctx context.Context, target string, meta protocol.FileMeta, mode protocol.Mode) (*session.Session, *outgoing, error) {
	if err := meta.Validate(); err != nil {
		return nil, nil, err
	}

	self := e.Self().ID
	s := session.New("", self, target, meta)
	if err := e.busy.Acquire(s, self); err != nil {
		return nil, nil, err
	}

	out := &outgoing{target: target, mode: mode, replies: make(chan *protocol.Message, 16)}
	e.mu.Lock()
	e.out = out
	e.mu.Unlock()

	fail := func(err error) (*session.Session, *outgoing, error) {
		s.Cancel()
		e.end(s, out)
		return s, nil, err
	}

	if err := e.client.Send(&protocol.Message{
		Type:     protocol.TypeTransferRequest,
		TargetID: target,
		Mode:     mode,
		Meta:     &meta,
	}); err != nil {
		return fail(err)
	}

	timer := time.NewTimer(e.opts.NegotiationTimeout)
	defer timer.Stop()

	for {
		select {
		case msg := <-out.replies:
			switch msg.Type {
			case protocol.TypeTransferAccepted:
				s.ID = msg.SessionID
				if err := s.Start(); err != nil {
					return fail(err)
				}
				return s, out, nil

			case protocol.TypeTransferRejected:
				return fail(&RejectedError{Reason: msg.Reason})

			case protocol.TypeTransferCancel:
				return fail(&CancelledError{Reason: msg.Reason})
			}

		case <-timer.C:
			e.notifyCancel(target, "no response")
			return fail(fmt.Errorf("waiting for the relay to accept: %w", session.ErrTimeout))

		case <-ctx.Done():
			e.notifyCancel(target, "cancelled")
			return fail(ctx.Err())

		case <-e.done:
			return fail(ErrDisconnected)
		}
	}
}

// end clears the busy flag and the outgoing slot.
func (e *Endpoint) end(s *session.Session, out *outgoing) {
	e.busy.Release(s)

	e.mu.Lock()
	if e.out == out {
		e.out = nil
	}
	e.mu.Unlock()
}

// finish tells the relay the transfer is done and only then latches
// COMPLETED, so a report that never left still ends in CANCELLED.
func (e *Endpoint) finish(s *session.Session, out *outgoing) error {
	if err := e.client.Send(&protocol.Message{Type: protocol.TypeTransferDone, TargetID: out.target}); err != nil {
		return err
	}
	s.Complete()
	return nil
}

// abort cancels s after a failure and tells the relay, which otherwise keeps
// both busy flags. A cancel that came through the relay needs no answer.
func (e *Endpoint) abort(s *session.Session, out *outgoing, cause error) {
	s.Cancel()

	var remote *CancelledError
	if errors.As(cause, &remote) {
		return
	}
	e.notifyCancel(out.target, cause.Error())
}

func (e *Endpoint) notifyCancel(target, reason string) {
	if err := e.client.Send(&protocol.Message{
		Type:     protocol.TypeTransferCancel,
		TargetID: target,
		Reason:   reason,
	}); err != nil {
		util.LogDebug("failed to send cancel: %v", err)
	}
}

// pendingCancel reports a cancel already queued for out, without waiting.
func pendingCancel(out *outgoing) error {
	for {
		select {
		case msg := <-out.replies:
			if msg.Type == protocol.TypeTransferCancel {
				return &CancelledError{Reason: msg.Reason}
			}
		default:
			return nil
		}
	}
}
