package ingest

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/banshee-data/eventhorizon/internal/pipeline"
)

// NATSSource subscribes to a NATS subject whose messages carry descriptor
// text. The client reconnects on its own; Receive reports a loss only once
// the connection is closed for good.
type NATSSource struct {
	URL         string
	Subject     string
	ReadTimeout time.Duration
	// Options are appended to the defaults when connecting.
	Options []nats.Option

	mu   sync.Mutex
	conn *nats.Conn
	sub  *nats.Subscription
	msgs chan *nats.Msg
}

// NewNATSSource returns a source for subject on the server at url.
func NewNATSSource(url, subject string, opts ...nats.Option) *NATSSource {
	return &NATSSource{URL: url, Subject: subject, Options: opts}
}

// Open implements pipeline.Source.
func (s *NATSSource) Open(ctx context.Context) error {
	defaults := []nats.Option{
		nats.Name("eventhorizon"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("ingest: nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Printf("ingest: nats reconnected to %s", c.ConnectedUrl())
		}),
	}
	conn, err := nats.Connect(s.URL, append(defaults, s.Options...)...)
	if err != nil {
		return fmt.Errorf("connecting to NATS at %s: %w", s.URL, err)
	}
	msgs := make(chan *nats.Msg, 1024)
	sub, err := conn.ChanSubscribe(s.Subject, msgs)
	if err != nil {
		conn.Close()
		return fmt.Errorf("subscribing to %s: %w", s.Subject, err)
	}
	// Make sure the server knows about the subscription before we report
	// the source as connected.
	if err := conn.FlushWithContext(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("flushing subscription: %w", err)
	}
	s.mu.Lock()
	s.conn, s.sub, s.msgs = conn, sub, msgs
	s.mu.Unlock()
	log.Printf("ingest: subscribed to %s on %s", s.Subject, s.URL)
	return nil
}

// Receive implements pipeline.Source. Messages already queued are joined
// into one block.
func (s *NATSSource) Receive(ctx context.Context) (string, error) {
	s.mu.Lock()
	conn, msgs := s.conn, s.msgs
	s.mu.Unlock()
	if conn == nil {
		return "", ErrNotOpen
	}

	t := time.NewTimer(readTimeout(s.ReadTimeout))
	defer t.Stop()
	var first *nats.Msg
	select {
	case first = <-msgs:
	case <-t.C:
		if conn.IsClosed() {
			return "", io.EOF
		}
		return "", pipeline.ErrNoData
	case <-ctx.Done():
		return "", ctx.Err()
	}

	block := appendMsg(nil, first)
loop:
	for len(block) < chunkSize {
		select {
		case m := <-msgs:
			block = appendMsg(block, m)
		default:
			break loop
		}
	}
	return string(block), nil
}

// appendMsg adds a message to block. Each message holds whole lines, so a
// missing final newline is supplied.
func appendMsg(block []byte, m *nats.Msg) []byte {
	block = append(block, m.Data...)
	if n := len(m.Data); n > 0 && m.Data[n-1] != '\n' {
		block = append(block, '\n')
	}
	return block
}

// Close implements pipeline.Source.
func (s *NATSSource) Close() error {
	s.mu.Lock()
	conn, sub := s.conn, s.sub
	s.conn, s.sub, s.msgs = nil, nil, nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil && !conn.IsClosed() {
		log.Printf("ingest: unsubscribe %s: %v", s.Subject, err)
	}
	conn.Close()
	return nil
}
