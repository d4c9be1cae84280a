package ingest

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/banshee-data/eventhorizon/internal/pipeline"
)

const sample = "SE\nID 1\nTI 1.5\nHT 0;0;0;662\nSE\nID 2\nTI 2.5\nHT 1;0;0;200\n"

// receiveAll collects blocks until want bytes arrived or the deadline hits.
func receiveAll(t *testing.T, src pipeline.Source, want int) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var b strings.Builder
	for b.Len() < want {
		block, err := src.Receive(ctx)
		if errors.Is(err, pipeline.ErrNoData) {
			continue
		}
		require.NoError(t, err)
		b.WriteString(block)
	}
	return b.String()
}

func TestTCPSource(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	src := NewTCPSource(ln.Addr().String())
	src.ReadTimeout = 10 * time.Millisecond
	_, err = src.Receive(context.Background())
	assert.ErrorIs(t, err, ErrNotOpen)

	require.NoError(t, src.Open(context.Background()))
	server := <-accepted

	// Nothing sent yet: the read times out.
	_, err = src.Receive(context.Background())
	assert.ErrorIs(t, err, pipeline.ErrNoData)

	_, err = server.Write([]byte(sample[:10]))
	require.NoError(t, err)
	_, err = server.Write([]byte(sample[10:]))
	require.NoError(t, err)
	assert.Equal(t, sample, receiveAll(t, src, len(sample)))

	require.NoError(t, server.Close())
	require.Eventually(t, func() bool {
		_, err := src.Receive(context.Background())
		return errors.Is(err, io.EOF)
	}, time.Second, time.Millisecond)

	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
}

func TestTCPSource_DialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	src := NewTCPSource(addr)
	assert.Error(t, src.Open(context.Background()))
}

func TestSerialOptions(t *testing.T) {
	n, err := SerialOptions{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, SerialOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"}, n)

	mode, err := SerialOptions{BaudRate: 9600, StopBits: 2, Parity: "even"}.Mode()
	require.NoError(t, err)
	assert.Equal(t, &serial.Mode{BaudRate: 9600, DataBits: 8, Parity: serial.EvenParity, StopBits: serial.TwoStopBits}, mode)

	_, err = SerialOptions{DataBits: 9}.Normalize()
	assert.Error(t, err)
	_, err = SerialOptions{StopBits: 3}.Normalize()
	assert.Error(t, err)
	_, err = SerialOptions{Parity: "mark"}.Mode()
	assert.Error(t, err)
}

// fakePort behaves like go.bug.st/serial on timeout: empty read, nil error.
type fakePort struct {
	mu      sync.Mutex
	data    []string
	timeout time.Duration
	closed  bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("port closed")
	}
	if len(p.data) == 0 {
		return 0, nil
	}
	n := copy(b, p.data[0])
	p.data = p.data[1:]
	return n, nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePort) SetReadTimeout(d time.Duration) error {
	p.timeout = d
	return nil
}

func TestSerialSource(t *testing.T) {
	port := &fakePort{data: []string{sample[:20], sample[20:]}}
	src := NewSerialSource("/dev/ttyUSB0", SerialOptions{})
	src.open = func(path string, mode *serial.Mode) (serialPort, error) {
		assert.Equal(t, "/dev/ttyUSB0", path)
		assert.Equal(t, 115200, mode.BaudRate)
		return port, nil
	}

	require.NoError(t, src.Open(context.Background()))
	assert.Equal(t, DefaultReadTimeout, port.timeout)

	b, err := src.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sample[:20], b)
	b, err = src.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sample[20:], b)

	b, err = src.Receive(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, b)

	require.NoError(t, src.Close())
	assert.True(t, port.closed)
	_, err = src.Receive(context.Background())
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestSerialSource_OpenError(t *testing.T) {
	src := NewSerialSource("/dev/missing", SerialOptions{})
	src.open = func(string, *serial.Mode) (serialPort, error) { return nil, errors.New("no such device") }
	assert.ErrorContains(t, src.Open(context.Background()), "no such device")

	src = NewSerialSource("/dev/ttyUSB0", SerialOptions{Parity: "?"})
	assert.Error(t, src.Open(context.Background()))
}

// startTestNATS starts an embedded NATS server and returns it with its
// client URL.
func startTestNATS(t *testing.T) (*natsserver.Server, string) {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	srv, err := natsserver.NewServer(opts)
	require.NoError(t, err)
	srv.Start()
	t.Cleanup(srv.Shutdown)
	require.True(t, srv.ReadyForConnections(5*time.Second), "embedded NATS not ready")
	return srv, srv.ClientURL()
}

func TestNATSSource(t *testing.T) {
	_, url := startTestNATS(t)

	src := NewNATSSource(url, "acq.events")
	src.ReadTimeout = 10 * time.Millisecond
	require.NoError(t, src.Open(context.Background()))
	defer src.Close()

	_, err := src.Receive(context.Background())
	assert.ErrorIs(t, err, pipeline.ErrNoData)

	pub, err := nats.Connect(url)
	require.NoError(t, err)
	defer pub.Close()
	require.NoError(t, pub.Publish("acq.events", []byte("SE\nID 1\nTI 1.5\nHT 0;0;0;662")))
	require.NoError(t, pub.Publish("acq.events", []byte("SE\nID 2\nTI 2.5\nHT 1;0;0;200\n")))
	require.NoError(t, pub.Publish("other.subject", []byte("ignored\n")))
	require.NoError(t, pub.Flush())

	assert.Equal(t, sample, receiveAll(t, src, len(sample)))
}

func TestNATSSource_ServerGone(t *testing.T) {
	srv, url := startTestNATS(t)

	src := NewNATSSource(url, "acq.events", nats.NoReconnect())
	src.ReadTimeout = 5 * time.Millisecond
	require.NoError(t, src.Open(context.Background()))
	defer src.Close()

	srv.Shutdown()
	require.Eventually(t, func() bool {
		_, err := src.Receive(context.Background())
		return errors.Is(err, io.EOF)
	}, 2*time.Second, time.Millisecond)
}

func TestNATSSource_ConnectError(t *testing.T) {
	src := NewNATSSource("nats://127.0.0.1:1", "acq.events")
	assert.Error(t, src.Open(context.Background()))
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFileSource(t *testing.T) {
	src := NewFileSource(writeFile(t, sample+"EN"))
	src.Lines = 3
	ctx := context.Background()

	require.NoError(t, src.Open(ctx))
	first, err := src.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "SE\nID 1\nTI 1.5\n", first)

	// A reconnect resumes after the delivered lines.
	require.NoError(t, src.Close())
	require.NoError(t, src.Open(ctx))

	var b strings.Builder
	b.WriteString(first)
	for {
		block, err := src.Receive(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		b.WriteString(block)
	}
	assert.Equal(t, sample+"EN", b.String())

	select {
	case <-src.Done():
	default:
		t.Fatal("Done not closed at end of file")
	}
	require.NoError(t, src.Close())
	assert.ErrorIs(t, src.Open(ctx), ErrExhausted)
}

func TestFileSource_Missing(t *testing.T) {
	src := NewFileSource(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, src.Open(context.Background()))
	_, err := src.Receive(context.Background())
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestFileSource_IntervalHonoursCancel(t *testing.T) {
	src := NewFileSource(writeFile(t, sample))
	src.Interval = time.Hour
	require.NoError(t, src.Open(context.Background()))
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := src.Receive(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// writeCapture writes one UDP packet per payload, to port.
func writeCapture(t *testing.T, port uint16, payloads ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	ts := time.Unix(1700000000, 0)
	for i, p := range payloads {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
			DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP,
			SrcIP: net.IP{10, 0, 0, 1}, DstIP: net.IP{10, 0, 0, 2},
		}
		udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(port)}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(p)))
		data := buf.Bytes()
		ci := gopacket.CaptureInfo{Timestamp: ts.Add(time.Duration(i) * time.Millisecond), CaptureLength: len(data), Length: len(data)}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return path
}

func TestPcapSource(t *testing.T) {
	path := writeCapture(t, 7000, sample[:15], sample[15:])
	src := NewPcapSource(path, 7000)
	ctx := context.Background()

	require.NoError(t, src.Open(ctx))
	b, err := src.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, sample[:15], b)

	// Reopening skips what was delivered.
	require.NoError(t, src.Close())
	require.NoError(t, src.Open(ctx))
	b, err = src.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, sample[15:], b)

	_, err = src.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF)
	<-src.Done()
	require.NoError(t, src.Close())
	assert.ErrorIs(t, src.Open(ctx), ErrExhausted)
}

func TestPcapSource_PortFilter(t *testing.T) {
	src := NewPcapSource(writeCapture(t, 9999, sample), 7000)
	require.NoError(t, src.Open(context.Background()))
	defer src.Close()
	_, err := src.Receive(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestPcapSource_Paced(t *testing.T) {
	src := NewPcapSource(writeCapture(t, 7000, "a\n", "b\n", "c\n"), 0)
	src.Speed = 1
	require.NoError(t, src.Open(context.Background()))
	defer src.Close()

	start := time.Now()
	assert.Equal(t, "a\nb\nc\n", receiveAll(t, src, 6))
	assert.GreaterOrEqual(t, time.Since(start), 2*time.Millisecond)
}

// The sources drive a real pipeline end to end.
func TestFileSource_DrivesPipeline(t *testing.T) {
	s := pipeline.DefaultSettings()
	s.InitializationCutOff = 0.5
	s.CoincidenceEnabled = false
	s.PollInterval = time.Millisecond
	s.HistogrammingInterval = 5 * time.Millisecond
	s.IdentificationInterval = 5 * time.Millisecond
	s.ReconnectMin = time.Millisecond
	s.ReconnectMax = 5 * time.Millisecond

	src := NewFileSource(writeFile(t, sample+"EN\n"))
	a, err := pipeline.New(s, pipeline.Collaborators{Source: src})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()
	a.Connect()

	<-src.Done()
	require.Eventually(t, func() bool {
		return a.LastProcessedID(pipeline.StageImaging) == 2
	}, 2*time.Second, time.Millisecond)
}
