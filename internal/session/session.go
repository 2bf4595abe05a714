// Package session models one file transfer between a sender and a receiver,
// and the per-connection busy flags that keep a peer in at most one transfer.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/p2pdrop/internal/protocol"
)

var (
	ErrBusy              = errors.New("peer is busy with another transfer")
	ErrNoPeer            = errors.New("peer is not available")
	ErrNotReceiver       = errors.New("peer is not a receiver")
	ErrCancelled         = errors.New("transfer cancelled")
	ErrTimeout           = errors.New("transfer timed out")
	ErrInvalidTransition = errors.New("invalid session transition")
)

// Phase is the lifecycle position of a session.
type Phase int

const (
	Idle Phase = iota
	MetadataSent
	Streaming
	Completed
	Cancelled
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "IDLE"
	case MetadataSent:
		return "METADATA_SENT"
	case Streaming:
		return "STREAMING"
	case Completed:
		return "COMPLETED"
	case Cancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == Completed || p == Cancelled
}

// Session is one transfer. It is safe for concurrent use.
//
// Completed and Cancelled are latched: whichever of Advance, Complete or
// Cancel gets there first wins, and the others observe a terminal phase.
type Session struct {
	ID       string
	Sender   string
	Receiver string
	Meta     protocol.FileMeta

	mu          sync.Mutex
	phase       Phase
	transferred int64
	lastActive  time.Time
	done        chan struct{}
}

// New creates an idle session. An empty id gets a fresh one.
func New(id, sender, receiver string, meta protocol.FileMeta) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{
		ID:         id,
		Sender:     sender,
		Receiver:   receiver,
		Meta:       meta,
		lastActive: time.Now(),
		done:       make(chan struct{}),
	}
}

// Start moves an idle session to METADATA_SENT once metadata went out (or,
// on the receiving side, came in).
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != Idle {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, s.phase)
	}
	s.phase = MetadataSent
	s.lastActive = time.Now()
	return nil
}

// Advance records n more bytes. The first call moves the session to
// STREAMING. When the byte count reaches the declared size the session
// latches COMPLETED and completed is true, exactly once.
func (s *Session) Advance(n int) (completed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.phase {
	case MetadataSent:
		s.phase = Streaming
	case Streaming:
	default:
		return false, fmt.Errorf("%w: chunk in %s", ErrInvalidTransition, s.phase)
	}

	s.transferred += int64(n)
	s.lastActive = time.Now()

	if s.transferred >= s.Meta.FileSize && s.transferred > 0 {
		s.finish(Completed)
		return true, nil
	}
	return false, nil
}

// Record counts n bytes handed off by the sending side. Unlike Advance it
// never latches COMPLETED: the sender completes only once the far side
// confirmed, through Complete. Bytes beyond the declared size are refused
// and not counted.
func (s *Session) Record(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.phase {
	case MetadataSent:
		s.phase = Streaming
	case Streaming:
	default:
		return fmt.Errorf("%w: chunk in %s", ErrInvalidTransition, s.phase)
	}

	if s.transferred+int64(n) > s.Meta.FileSize {
		return fmt.Errorf("%w: %d bytes past the declared %d", ErrInvalidTransition,
			s.transferred+int64(n)-s.Meta.FileSize, s.Meta.FileSize)
	}

	s.transferred += int64(n)
	s.lastActive = time.Now()
	return nil
}

// Complete handles an explicit completion signal. It returns true if this
// call latched COMPLETED; false if the session had already finished.
func (s *Session) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase.Terminal() {
		return false
	}
	s.finish(Completed)
	return true
}

// Cancel latches CANCELLED from any non-terminal phase.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase.Terminal() {
		return false
	}
	s.finish(Cancelled)
	return true
}

// finish must be called with mu held.
func (s *Session) finish(p Phase) {
	s.phase = p
	s.lastActive = time.Now()
	close(s.done)
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) Transferred() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferred
}

// Done is closed once the session reaches a terminal phase.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// IdleFor reports how long the session has gone without activity.
func (s *Session) IdleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActive)
}

// Peer returns the other party of id in this session, or "" if id is not
// part of it.
func (s *Session) Peer(id string) string {
	switch id {
	case s.Sender:
		return s.Receiver
	case s.Receiver:
		return s.Sender
	default:
		return ""
	}
}
