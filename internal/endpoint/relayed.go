package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/1ureka/p2pdrop/internal/protocol"
	"github.com/1ureka/p2pdrop/internal/session"
)

// RelayedChunkSize is the body slice carried by one relayed chunk. It stays
// well below the relay's default 1 MiB message limit.
const RelayedChunkSize = protocol.RelayedChunkSize

// SendRelayed streams r to target through the relay, one chunk at a time:
// each chunk waits for the relay's acknowledgement before the next one is
// read. The returned session reflects how the transfer ended.
func (e *Endpoint) SendRelayed(ctx context.Context, target string, r io.Reader, meta protocol.FileMeta) (*session.Session, error) {
	s, out, err := e.begin(ctx, target, meta, protocol.ModeRelayed)
	if err != nil {
		return s, err
	}
	defer e.end(s, out)

	if err := e.streamRelayed(ctx, s, out, r); err != nil {
		e.abort(s, out, err)
		return s, err
	}
	return s, nil
}

func (e *Endpoint) streamRelayed(ctx context.Context, s *session.Session, out *outgoing, r io.Reader) error {
	chunks := newChunkReader(r, RelayedChunkSize, s.Meta.FileSize)

	for seq := uint32(0); ; seq++ {
		chunk, err := chunks.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		if err := s.Record(len(chunk)); err != nil {
			return err
		}
		if err := e.client.SendFrame(&protocol.Frame{
			Type:    protocol.TypeChunk,
			Seq:     seq,
			Peer:    out.target,
			Payload: chunk,
		}); err != nil {
			return err
		}

		if err := e.awaitAck(ctx, out, seq); err != nil {
			return err
		}
		e.progress(Progress{SessionID: s.ID, Peer: out.target, Meta: s.Meta, Transferred: s.Transferred()})
	}

	return e.finish(s, out)
}

// awaitAck blocks until the relay acknowledged chunk seq.
func (e *Endpoint) awaitAck(ctx context.Context, out *outgoing, seq uint32) error {
	timer := time.NewTimer(e.opts.AckTimeout)
	defer timer.Stop()

	for {
		select {
		case msg := <-out.replies:
			switch msg.Type {
			case protocol.TypeChunkAck:
				if msg.ChunkIndex != seq {
					continue
				}
				if msg.Status == protocol.AckOK {
					return nil
				}
				return fmt.Errorf("chunk %d: %w", seq, session.ErrNoPeer)

			case protocol.TypeTransferCancel:
				return &CancelledError{Reason: msg.Reason}
			}

		case <-timer.C:
			return fmt.Errorf("waiting for ack of chunk %d: %w", seq, session.ErrTimeout)

		case <-ctx.Done():
			return ctx.Err()

		case <-e.done:
			return ErrDisconnected
		}
	}
}
