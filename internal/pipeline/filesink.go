package pipeline

import (
	"bufio"
	"fmt"
	"os"
	"sync"
)

// FileSink appends every record's raw group to a text file in the
// descriptor format the parser reads, so the file can be replayed.
type FileSink struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
	n    int
}

// OpenFileSink opens path for appending, creating it if needed.
func OpenFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open accumulation file: %w", err)
	}
	return &FileSink{path: path, f: f, w: bufio.NewWriterSize(f, 64<<10)}, nil
}

// Append writes r's raw group.
func (s *FileSink) Append(r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return os.ErrClosed
	}
	if _, err := r.Raw().WriteTo(s.w); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	s.n++
	return nil
}

// Flush writes buffered descriptors to the file.
func (s *FileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	return s.w.Flush()
}

// Written returns the number of records appended.
func (s *FileSink) Written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Close flushes and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	ferr := s.w.Flush()
	cerr := s.f.Close()
	s.f = nil
	if ferr != nil {
		return ferr
	}
	return cerr
}
