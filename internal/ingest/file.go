package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// FileSource replays a recorded descriptor file. Lines are handed out in
// blocks of up to Lines lines, Interval apart. When the file is exhausted
// Receive reports io.EOF, Done is closed and further Opens fail with
// ErrExhausted.
type FileSource struct {
	Path     string
	Lines    int
	Interval time.Duration

	mu     sync.Mutex
	f      *os.File
	r      *bufio.Reader
	offset int64
	done   chan struct{}
	closed bool // done has been closed
}

// NewFileSource returns a replay source for path.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path, Lines: 512, done: make(chan struct{})}
}

// Done is closed once the whole file has been delivered.
func (s *FileSource) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		s.done = make(chan struct{})
	}
	return s.done
}

// Open implements pipeline.Source. A reopened source resumes where the
// previous connection stopped.
func (s *FileSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrExhausted
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return fmt.Errorf("open replay file: %w", err)
	}
	if _, err := f.Seek(s.offset, io.SeekStart); err != nil {
		f.Close()
		return fmt.Errorf("seek replay file: %w", err)
	}
	s.f = f
	s.r = bufio.NewReaderSize(f, chunkSize)
	log.Printf("ingest: replaying %s from offset %d", s.Path, s.offset)
	return nil
}

// Receive implements pipeline.Source.
func (s *FileSource) Receive(ctx context.Context) (string, error) {
	if s.Interval > 0 {
		t := time.NewTimer(s.Interval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.r == nil {
		return "", ErrNotOpen
	}
	lines := s.Lines
	if lines <= 0 {
		lines = 512
	}
	var b strings.Builder
	for i := 0; i < lines; i++ {
		line, err := s.r.ReadString('\n')
		b.WriteString(line)
		s.offset += int64(len(line))
		if err == io.EOF {
			if b.Len() > 0 {
				// Deliver the tail first; the next call reports the end.
				return b.String(), nil
			}
			s.exhaust()
			return "", io.EOF
		}
		if err != nil {
			return b.String(), err
		}
	}
	return b.String(), nil
}

func (s *FileSource) exhaust() {
	if s.closed {
		return
	}
	s.closed = true
	if s.done == nil {
		s.done = make(chan struct{})
	}
	close(s.done)
	log.Printf("ingest: replay of %s complete (%d bytes)", s.Path, s.offset)
}

// Close implements pipeline.Source.
func (s *FileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f, s.r = nil, nil
	return err
}
