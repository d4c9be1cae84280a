package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/banshee-data/eventhorizon/internal/pipeline"
)

// TCPSource reads the descriptor stream from the acquisition process over
// a TCP connection.
type TCPSource struct {
	Addr        string
	DialTimeout time.Duration
	ReadTimeout time.Duration

	mu   sync.Mutex
	conn net.Conn
	buf  []byte
}

// NewTCPSource returns a source for addr ("host:port").
func NewTCPSource(addr string) *TCPSource {
	return &TCPSource{Addr: addr, DialTimeout: 5 * time.Second}
}

// Open implements pipeline.Source.
func (s *TCPSource) Open(ctx context.Context) error {
	d := net.Dialer{Timeout: s.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.Addr, err)
	}
	s.mu.Lock()
	s.conn = conn
	if s.buf == nil {
		s.buf = make([]byte, chunkSize)
	}
	s.mu.Unlock()
	log.Printf("ingest: connected to %s", s.Addr)
	return nil
}

// Receive implements pipeline.Source.
func (s *TCPSource) Receive(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return "", ErrNotOpen
	}

	deadline := time.Now().Add(readTimeout(s.ReadTimeout))
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return "", err
	}
	n, err := conn.Read(s.buf)
	if n > 0 {
		// Hand out the data now; a trailing error resurfaces on the next read.
		return string(s.buf[:n]), nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return "", pipeline.ErrNoData
	}
	return "", err
}

// Close implements pipeline.Source.
func (s *TCPSource) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	log.Printf("ingest: closing connection to %s", s.Addr)
	return conn.Close()
}
