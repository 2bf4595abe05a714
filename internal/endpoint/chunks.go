package endpoint

import (
	"errors"
	"fmt"
	"io"
)

// ErrOversize is returned when the file being sent holds more bytes than its
// metadata announced.
var ErrOversize = errors.New("file is larger than announced")

// chunkReader cuts r into fixed-size chunks and refuses to hand out a chunk
// that would go past limit. When a chunk reaches limit exactly, one more
// byte is read first, so the last chunk is never sent for a file that kept
// growing.
type chunkReader struct {
	r     io.Reader
	buf   []byte
	limit int64
	read  int64
	eof   bool
}

func newChunkReader(r io.Reader, size int, limit int64) *chunkReader {
	return &chunkReader{r: r, buf: make([]byte, size), limit: limit}
}

// next returns the next chunk, or io.EOF once r is exhausted. The chunk is
// only valid until the following call.
func (c *chunkReader) next() ([]byte, error) {
	if c.eof {
		return nil, io.EOF
	}

	n, err := io.ReadFull(c.r, c.buf)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		c.eof = true
	case err != nil:
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if n == 0 {
		return nil, io.EOF
	}

	c.read += int64(n)
	if c.read > c.limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrOversize, c.limit)
	}

	if c.read == c.limit && !c.eof {
		var one [1]byte
		m, err := io.ReadFull(c.r, one[:])
		if m > 0 {
			return nil, fmt.Errorf("%w: more than %d bytes", ErrOversize, c.limit)
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}
		c.eof = true
	}

	return c.buf[:n], nil
}
