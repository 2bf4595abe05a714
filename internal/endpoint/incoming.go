package endpoint

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/1ureka/p2pdrop/internal/assembler"
	"github.com/1ureka/p2pdrop/internal/iceconfig"
	"github.com/1ureka/p2pdrop/internal/protocol"
	"github.com/1ureka/p2pdrop/internal/session"
	"github.com/1ureka/p2pdrop/internal/signaling"
	"github.com/1ureka/p2pdrop/internal/transport"
	"github.com/1ureka/p2pdrop/internal/util"
)

// incoming is the receiving half of a transfer in progress. Chunks, the
// completion signal and cancellation may come from different goroutines;
// mu serializes them.
type incoming struct {
	e    *Endpoint
	sess *session.Session
	from protocol.PeerInfo
	mode protocol.Mode

	// Set once in accept, before the transfer becomes visible.
	tr  *transport.Transport
	neg *signaling.Negotiator

	mu   sync.Mutex
	asm  *assembler.Assembler
	sink Sink
}

func (e *Endpoint) incomingFrom(id string) *incoming {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.in == nil || e.in.from.ID != id {
		return nil
	}
	return e.in
}

// accept starts receiving the transfer announced by msg. Requests that
// cannot be taken are turned back to the sender rather than left hanging.
func (e *Endpoint) accept(msg *protocol.Message) {
	if msg.Meta == nil || msg.Meta.Validate() != nil {
		util.LogDebug("ignoring transfer from %s without valid metadata", msg.FromID)
		return
	}
	if e.Role() != protocol.RoleReceiver {
		e.notifyCancel(msg.FromID, protocol.ReasonNotReceiver)
		return
	}

	self := e.Self()
	meta := *msg.Meta
	s := session.New(msg.SessionID, msg.FromID, self.ID, meta)
	if err := e.busy.Acquire(s, self.ID); err != nil {
		util.LogDebug("ignoring transfer from %s: %v", msg.FromName, err)
		e.notifyCancel(msg.FromID, protocol.ReasonReceiverBusy)
		return
	}

	in := &incoming{
		e:    e,
		sess: s,
		from: protocol.PeerInfo{ID: msg.FromID, Name: msg.FromName},
		mode: msg.Mode,
	}

	if e.opts.Sink != nil {
		sink, err := e.opts.Sink(meta)
		if err != nil {
			util.LogError("cannot store %q: %v", meta.FileName, err)
			e.busy.Release(s)
			e.notifyCancel(msg.FromID, "receiver cannot store the file")
			return
		}
		in.sink = sink
		in.asm = assembler.NewWriter(meta, sink)
	} else {
		in.asm = assembler.New(meta)
	}

	if in.mode == protocol.ModeDirect {
		tr, err := transport.NewTransport(e.ctx, iceconfig.ToWebRTC(e.ICEServers()))
		if err != nil {
			util.LogError("failed to create transport: %v", err)
			in.abortSink()
			e.busy.Release(s)
			e.notifyCancel(msg.FromID, "receiver cannot open a direct connection")
			return
		}
		in.tr = tr
		in.neg = signaling.NewNegotiator(e.client, tr, msg.FromID)
		tr.OnFrame(in.onFrame)

		go func() {
			select {
			case <-tr.Done():
				in.cancel("direct connection closed", true)
			case <-s.Done():
			}
		}()
	}

	_ = s.Start()

	e.mu.Lock()
	e.in = in
	e.mu.Unlock()

	util.LogInfo("receiving %q (%s) from %s", meta.FileName, util.FormatBytes(meta.FileSize), msg.FromName)
	e.progress(Progress{SessionID: s.ID, Peer: msg.FromID, Meta: meta, Incoming: true})
}

func (in *incoming) onFrame(f *protocol.Frame, err error) {
	if err != nil {
		util.LogDebug("dropping malformed frame: %v", err)
		return
	}

	switch f.Type {
	case protocol.TypeChunk:
		in.chunk(f.Seq, f.Payload)
	case protocol.TypeDone:
		in.complete()
	case protocol.TypeCancel:
		in.cancel(string(f.Payload), false)
	}
}

// chunk appends one body slice. Reaching the declared size finalizes the
// transfer without waiting for the completion signal.
func (in *incoming) chunk(seq uint32, payload []byte) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.sess.Phase().Terminal() {
		return
	}

	if _, err := in.asm.Add(seq, payload); err != nil {
		util.LogError("transfer %s: %v", in.sess.ID, err)
		in.cancelLocked(err.Error(), true)
		return
	}

	completed, err := in.sess.Advance(len(payload))
	if err != nil {
		util.LogDebug("transfer %s: %v", in.sess.ID, err)
		return
	}

	in.e.progress(Progress{
		SessionID:   in.sess.ID,
		Peer:        in.from.ID,
		Meta:        in.sess.Meta,
		Transferred: in.sess.Transferred(),
		Incoming:    true,
	})

	if completed {
		in.finishLocked()
	}
}

// complete handles the sender's completion signal. Whichever of this and
// the byte count comes first finalizes; the other is a no-op.
func (in *incoming) complete() {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.sess.Complete() {
		in.finishLocked()
	}
}

func (in *incoming) cancel(reason string, notify bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.cancelLocked(reason, notify)
}

func (in *incoming) cancelLocked(reason string, notify bool) {
	if !in.sess.Cancel() {
		return
	}

	in.asm.Discard()
	in.abortSink()
	if notify {
		in.e.notifyCancel(in.from.ID, reason)
	}
	if in.tr != nil {
		_ = in.tr.Close()
	}

	util.LogWarning("transfer of %q from %s cancelled after %s: %s",
		in.sess.Meta.FileName, in.from.Name, util.FormatBytes(in.asm.Received()), reason)
	in.e.finishIncoming(in, Result{
		SessionID: in.sess.ID,
		From:      in.from,
		Meta:      in.sess.Meta,
		Err:       &CancelledError{Reason: reason},
	})
}

// finishLocked runs exactly once per transfer, after the session latched
// COMPLETED.
func (in *incoming) finishLocked() {
	file, err := in.asm.Finalize()
	if in.sink != nil {
		if cerr := in.sink.Commit(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}

	if in.tr != nil {
		tr := in.tr
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tr.SendFrame(ctx, &protocol.Frame{Type: protocol.TypeDone}); err != nil {
				util.LogDebug("failed to confirm completion: %v", err)
			}

			// The sender closes once it has the confirmation.
			select {
			case <-tr.Done():
			case <-ctx.Done():
			}
			_ = tr.Close()
		}()
	}

	if err != nil {
		util.LogWarning("transfer of %q from %s finished with an error: %v", in.sess.Meta.FileName, in.from.Name, err)
	} else {
		util.LogSuccess("received %q (%s) from %s", in.sess.Meta.FileName, util.FormatBytes(file.Size), in.from.Name)
	}

	in.e.finishIncoming(in, Result{
		SessionID: in.sess.ID,
		From:      in.from,
		Meta:      in.sess.Meta,
		File:      file,
		Err:       err,
	})
}

func (in *incoming) abortSink() {
	if in.sink == nil {
		return
	}
	if err := in.sink.Abort(); err != nil {
		util.LogDebug("failed to discard partial file: %v", err)
	}
}

// finishIncoming releases the busy flag and publishes the result.
func (e *Endpoint) finishIncoming(in *incoming, res Result) {
	e.busy.Release(in.sess)

	e.mu.Lock()
	if e.in == in {
		e.in = nil
	}
	e.mu.Unlock()

	select {
	case e.results <- res:
	default:
		util.LogWarning("dropping result of transfer %s: nobody is reading results", res.SessionID)
	}
}
