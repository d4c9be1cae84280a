// Package ingest provides pipeline sources for the acquisition process's
// text stream: a TCP client, a serial port, a NATS subject, and file and
// pcap replay.
//
// Every source returns raw text chunks. Chunks may split descriptor lines
// anywhere; the pipeline's parser reassembles them.
package ingest

import (
	"errors"
	"time"
)

// DefaultReadTimeout bounds each Receive call so the pipeline can observe
// disconnect requests and cancellation.
const DefaultReadTimeout = 100 * time.Millisecond

// chunkSize is the largest block a single Receive returns.
const chunkSize = 64 << 10

// ErrExhausted is returned by Open on a replay source that already reached
// the end of its input.
var ErrExhausted = errors.New("replay input exhausted")

// ErrNotOpen is returned by Receive before Open or after Close.
var ErrNotOpen = errors.New("source is not open")

func readTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultReadTimeout
	}
	return d
}
