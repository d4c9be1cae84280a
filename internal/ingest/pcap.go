package ingest

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PcapSource replays descriptor text captured on the wire. It reads a
// classic pcap file with the pure-Go reader and hands out the TCP or UDP
// payloads that went to Port (any port when zero). Capture timing is
// reproduced scaled by Speed; a zero Speed replays as fast as possible.
type PcapSource struct {
	Path  string
	Port  uint16
	Speed float64

	mu       sync.Mutex
	f        *os.File
	r        *pcapgo.Reader
	consumed int // packets already delivered, skipped on reopen
	read     int
	last     time.Time
	done     chan struct{}
	finished bool

	packets, payloads int
}

// NewPcapSource returns a replay source for the capture at path.
func NewPcapSource(path string, port uint16) *PcapSource {
	return &PcapSource{Path: path, Port: port, done: make(chan struct{})}
}

// Done is closed once the whole capture has been delivered.
func (s *PcapSource) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		s.done = make(chan struct{})
	}
	return s.done
}

// Open implements pipeline.Source.
func (s *PcapSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return ErrExhausted
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", s.Path, err)
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to read PCAP header %s: %w", s.Path, err)
	}
	s.f, s.r, s.read = f, r, 0
	s.last = time.Time{}
	log.Printf("ingest: PCAP replay of %s (port %d, link %s)", s.Path, s.Port, r.LinkType())
	return nil
}

// Receive implements pipeline.Source. Each call returns one payload.
func (s *PcapSource) Receive(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		s.mu.Lock()
		r := s.r
		s.mu.Unlock()
		if r == nil {
			return "", ErrNotOpen
		}

		data, ci, err := r.ReadPacketData()
		if err == io.EOF {
			s.finish()
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("read PCAP packet: %w", err)
		}
		s.read++
		if s.read <= s.consumed {
			continue
		}
		s.consumed = s.read
		s.packets++

		if err := s.pace(ctx, ci.Timestamp); err != nil {
			return "", err
		}
		if payload := s.payload(gopacket.NewPacket(data, r.LinkType(), gopacket.Default)); len(payload) > 0 {
			s.payloads++
			return string(payload), nil
		}
	}
}

func (s *PcapSource) pace(ctx context.Context, ts time.Time) error {
	prev := s.last
	s.last = ts
	if s.Speed <= 0 || prev.IsZero() {
		return nil
	}
	delay := time.Duration(float64(ts.Sub(prev)) / s.Speed)
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *PcapSource) payload(p gopacket.Packet) []byte {
	if l, ok := p.Layer(layers.LayerTypeUDP).(*layers.UDP); ok {
		if s.Port == 0 || uint16(l.DstPort) == s.Port {
			return l.Payload
		}
		return nil
	}
	if l, ok := p.Layer(layers.LayerTypeTCP).(*layers.TCP); ok {
		if s.Port == 0 || uint16(l.DstPort) == s.Port {
			return l.Payload
		}
	}
	return nil
}

func (s *PcapSource) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	if s.done == nil {
		s.done = make(chan struct{})
	}
	close(s.done)
	log.Printf("ingest: PCAP replay complete: %d packets, %d payloads", s.packets, s.payloads)
}

// Close implements pipeline.Source.
func (s *PcapSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f, s.r = nil, nil
	return err
}
