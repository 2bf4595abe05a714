package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/1ureka/p2pdrop/internal/util"
)

const (
	highWaterMark = 1024 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark  = 256 * 1024  // resume once bufferedAmount is back at or below this
)

// bufferedChannel is the part of *webrtc.DataChannel the sender relies on.
type bufferedChannel interface {
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
	Send(data []byte) error
}

// sender serializes all writes to a single DataChannel, adding an open gate
// and watermark backpressure. A call to send returns only once its data was
// handed to the channel, so the caller never reads ahead of the channel.
type sender struct {
	ch          bufferedChannel
	openSignal  <-chan struct{}
	drainSignal chan struct{}

	mu sync.Mutex
}

// newSender creates a sender and wires the edge-triggered low-water
// callback on ch.
func newSender(ch bufferedChannel, openSignal <-chan struct{}) *sender {
	s := &sender{
		ch:          ch,
		openSignal:  openSignal,
		drainSignal: make(chan struct{}, 1),
	}

	ch.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	ch.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	return s
}

// send blocks until the channel is open and, if the queue is above the high
// water mark, until it drained to the low water mark. It then writes data.
func (s *sender) send(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.openSignal:
	case <-ctx.Done():
		return ctx.Err()
	}

	if s.ch.BufferedAmount() > uint64(highWaterMark) {
		for s.ch.BufferedAmount() > uint64(lowWaterMark) {
			select {
			case <-s.drainSignal:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if err := s.ch.Send(data); err != nil {
		return fmt.Errorf("failed to write to DataChannel: %w", err)
	}

	util.Stats.AddSent(len(data))
	return nil
}
