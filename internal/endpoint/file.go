package endpoint

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"

	"github.com/1ureka/p2pdrop/internal/protocol"
)

// Sink receives an incoming file as it streams in. Exactly one of Commit
// or Abort is called when the transfer ends.
type Sink interface {
	io.Writer
	Commit() error
	Abort() error
}

// DescribeFile builds the metadata announced for the file at path.
func DescribeFile(path string) (protocol.FileMeta, error) {
	info, err := os.Stat(path)
	if err != nil {
		return protocol.FileMeta{}, err
	}
	if info.IsDir() {
		return protocol.FileMeta{}, fmt.Errorf("%s is a directory", path)
	}

	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return protocol.FileMeta{}, fmt.Errorf("failed to detect file type: %w", err)
	}

	meta := protocol.FileMeta{
		FileName: filepath.Base(path),
		FileSize: info.Size(),
		FileType: mt.String(),
	}
	return meta, meta.Validate()
}

// fileSink writes to a temporary .part file next to the destination and
// renames it into place on Commit.
type fileSink struct {
	f    *os.File
	path string
}

// NewFileSink returns a Sink factory that stores files under dir. Only the
// base name of the announced file name is used.
func NewFileSink(dir string) func(protocol.FileMeta) (Sink, error) {
	return func(meta protocol.FileMeta) (Sink, error) {
		name := filepath.Base(filepath.Clean("/" + meta.FileName))
		if name == "/" || name == "." {
			return nil, fmt.Errorf("invalid file name %q", meta.FileName)
		}

		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}

		path := filepath.Join(dir, name)
		f, err := os.Create(path + ".part")
		if err != nil {
			return nil, err
		}
		return &fileSink{f: f, path: path}, nil
	}
}

func (s *fileSink) Write(p []byte) (int, error) {
	return s.f.Write(p)
}

func (s *fileSink) Commit() error {
	if err := s.f.Close(); err != nil {
		return err
	}
	return os.Rename(s.f.Name(), s.path)
}

func (s *fileSink) Abort() error {
	return errors.Join(s.f.Close(), os.Remove(s.f.Name()))
}
