package wire

import (
	"fmt"
	"os"
	"path/filepath"
)

// CompoundSink streams an in-progress FileTransfer/TransmitData/Finished
// sequence to a temp file under dir, named after the transferred file, so
// the decoder never has to hold an entire transfer in memory.
type CompoundSink struct {
	dir string
	f   *os.File
	sz  int64
}

// NewCompoundSink creates a sink rooted at dir. dir must already exist.
func NewCompoundSink(dir string) (*CompoundSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("wire: compound sink requires a directory")
	}
	return &CompoundSink{dir: dir}, nil
}

// Open begins a new transfer, truncating any previous file of the same name.
func (s *CompoundSink) Open(name string) error {
	if s.f != nil {
		return fmt.Errorf("wire: compound sink already has an open transfer")
	}
	path := filepath.Join(s.dir, filepath.Base(name))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("wire: opening sink file: %w", err)
	}
	s.f = f
	s.sz = 0
	return nil
}

// Write appends a TransmitData chunk to the currently open transfer.
func (s *CompoundSink) Write(chunk []byte) error {
	if s.f == nil {
		return fmt.Errorf("wire: compound sink has no open transfer")
	}
	n, err := s.f.Write(chunk)
	s.sz += int64(n)
	if err != nil {
		return fmt.Errorf("wire: writing sink chunk: %w", err)
	}
	return nil
}

// Close finalises the current transfer, flushing and closing the file.
func (s *CompoundSink) Close() error {
	if s.f == nil {
		return fmt.Errorf("wire: compound sink has no open transfer")
	}
	err := s.f.Close()
	s.f = nil
	if err != nil {
		return fmt.Errorf("wire: closing sink file: %w", err)
	}
	return nil
}

// BytesWritten reports the size of the most recently completed (or
// in-progress) transfer.
func (s *CompoundSink) BytesWritten() int64 {
	return s.sz
}
