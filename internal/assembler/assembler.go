// Package assembler rebuilds a transferred file from its chunks on the
// receiving side.
package assembler

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/gabriel-vasile/mimetype"

	"github.com/1ureka/p2pdrop/internal/protocol"
)

var (
	ErrFinalized  = errors.New("assembler already finalized")
	ErrOutOfOrder = errors.New("chunk out of order")
)

// SizeMismatchError reports a finalized file whose byte count differs from
// the size announced in its metadata.
type SizeMismatchError struct {
	Declared int64
	Received int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("size mismatch: declared %d bytes, received %d", e.Declared, e.Received)
}

// File is the outcome of a transfer.
type File struct {
	Name        string
	Size        int64 // bytes actually received
	ContentType string
	Data        []byte // nil when chunks were streamed to a writer
}

// Assembler accumulates chunks in arrival order. It is not safe for
// concurrent use; the owner serializes Add, Finalize and Discard.
type Assembler struct {
	meta protocol.FileMeta
	w    io.Writer

	chunks    [][]byte
	received  int64
	next      uint32
	finalized bool
}

// New returns an Assembler that keeps chunks in memory until Finalize.
func New(meta protocol.FileMeta) *Assembler {
	return &Assembler{meta: meta}
}

// NewWriter returns an Assembler that writes every chunk through to w and
// keeps nothing in memory.
func NewWriter(meta protocol.FileMeta, w io.Writer) *Assembler {
	return &Assembler{meta: meta, w: w}
}

// Add appends chunk seq. Chunks must arrive with consecutive sequence
// numbers starting at 0. reached is true once the received byte count is at
// or beyond the declared size.
func (a *Assembler) Add(seq uint32, chunk []byte) (reached bool, err error) {
	if a.finalized {
		return false, ErrFinalized
	}
	if seq != a.next {
		return false, fmt.Errorf("%w: got %d, want %d", ErrOutOfOrder, seq, a.next)
	}

	if a.w != nil {
		if _, err := a.w.Write(chunk); err != nil {
			return false, fmt.Errorf("failed to write chunk %d: %w", seq, err)
		}
	} else {
		a.chunks = append(a.chunks, chunk)
	}

	a.next++
	a.received += int64(len(chunk))
	return a.received >= a.meta.FileSize, nil
}

// Received returns the number of bytes added so far.
func (a *Assembler) Received() int64 {
	return a.received
}

// Finalize concatenates the chunks. On a size mismatch the file is still
// returned, untouched, together with a *SizeMismatchError.
func (a *Assembler) Finalize() (*File, error) {
	if a.finalized {
		return nil, ErrFinalized
	}
	a.finalized = true

	f := &File{
		Name:        a.meta.FileName,
		Size:        a.received,
		ContentType: a.meta.FileType,
	}

	if a.w == nil {
		f.Data = bytes.Join(a.chunks, nil)
		if f.Data == nil {
			f.Data = []byte{}
		}
		a.chunks = nil

		if f.ContentType == "" {
			f.ContentType = mimetype.Detect(f.Data).String()
		}
	}

	if a.received != a.meta.FileSize {
		return f, &SizeMismatchError{Declared: a.meta.FileSize, Received: a.received}
	}
	return f, nil
}

// Discard drops any buffered chunks. The assembler cannot be used afterwards.
func (a *Assembler) Discard() {
	a.finalized = true
	a.chunks = nil
}
