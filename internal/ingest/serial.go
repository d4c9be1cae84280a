package ingest

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SerialOptions describes the line settings of the acquisition serial link.
type SerialOptions struct {
	BaudRate int    `json:"baud_rate" toml:"baud_rate"`
	DataBits int    `json:"data_bits" toml:"data_bits"`
	StopBits int    `json:"stop_bits" toml:"stop_bits"`
	Parity   string `json:"parity" toml:"parity"`
}

// Normalize validates the options and fills in 115200 8N1 for unset fields.
func (o SerialOptions) Normalize() (SerialOptions, error) {
	if o.BaudRate <= 0 {
		o.BaudRate = 115200
	}
	if o.DataBits == 0 {
		o.DataBits = 8
	}
	if o.DataBits < 5 || o.DataBits > 8 {
		return o, fmt.Errorf("invalid data bits %d: must be between 5 and 8", o.DataBits)
	}
	if o.StopBits == 0 {
		o.StopBits = 1
	}
	if o.StopBits != 1 && o.StopBits != 2 {
		return o, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", o.StopBits)
	}
	switch p := strings.ToUpper(strings.TrimSpace(o.Parity)); p {
	case "", "N", "NONE":
		o.Parity = "N"
	case "E", "EVEN":
		o.Parity = "E"
	case "O", "ODD":
		o.Parity = "O"
	default:
		return o, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	return o, nil
}

// Mode converts the options into a go.bug.st/serial mode.
func (o SerialOptions) Mode() (*serial.Mode, error) {
	n, err := o.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{BaudRate: n.BaudRate, DataBits: n.DataBits, Parity: serial.NoParity, StopBits: serial.OneStopBit}
	switch n.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	if n.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	return mode, nil
}

// serialPort is the part of serial.Port the source uses.
type serialPort interface {
	io.ReadCloser
	SetReadTimeout(t time.Duration) error
}

type serialOpener func(path string, mode *serial.Mode) (serialPort, error)

func openSerial(path string, mode *serial.Mode) (serialPort, error) {
	return serial.Open(path, mode)
}

// SerialSource reads the descriptor stream from a serial device.
type SerialSource struct {
	Path        string
	Options     SerialOptions
	ReadTimeout time.Duration

	open serialOpener

	mu   sync.Mutex
	port serialPort
	buf  []byte
}

// NewSerialSource returns a source for the device at path.
func NewSerialSource(path string, opts SerialOptions) *SerialSource {
	return &SerialSource{Path: path, Options: opts, open: openSerial}
}

// Open implements pipeline.Source.
func (s *SerialSource) Open(ctx context.Context) error {
	mode, err := s.Options.Mode()
	if err != nil {
		return err
	}
	open := s.open
	if open == nil {
		open = openSerial
	}
	port, err := open(s.Path, mode)
	if err != nil {
		return fmt.Errorf("open serial port %s: %w", s.Path, err)
	}
	if err := port.SetReadTimeout(readTimeout(s.ReadTimeout)); err != nil {
		port.Close()
		return fmt.Errorf("set read timeout on %s: %w", s.Path, err)
	}
	s.mu.Lock()
	s.port = port
	if s.buf == nil {
		s.buf = make([]byte, chunkSize)
	}
	s.mu.Unlock()
	log.Printf("ingest: opened serial port %s at %d baud", s.Path, mode.BaudRate)
	return nil
}

// Receive implements pipeline.Source. go.bug.st/serial reports a read
// timeout as a zero-length read with no error.
func (s *SerialSource) Receive(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return "", ErrNotOpen
	}
	n, err := port.Read(s.buf)
	if n > 0 {
		return string(s.buf[:n]), nil
	}
	return "", err
}

// Close implements pipeline.Source.
func (s *SerialSource) Close() error {
	s.mu.Lock()
	port := s.port
	s.port = nil
	s.mu.Unlock()
	if port == nil {
		return nil
	}
	return port.Close()
}
