package serial

import (
	"bytes"
	"io"
	"sync"

	"seqlink/protocol"
)

// SimConfig controls the simulated device
type SimConfig struct {
	// QueueSize is the number of points the device buffers before it
	// reports queue-full
	QueueSize int

	// AutoPlay consumes every point as soon as it arrives
	AutoPlay bool

	// Greeting is sent as a debug packet after each start packet
	Greeting string
}

// SimPort is an in-memory device speaking the seqlink protocol. Bytes the
// host writes are parsed with protocol.Device; replies are queued for Read.
type SimPort struct {
	mu     sync.Mutex
	cfg    SimConfig
	device *protocol.Device
	in     *protocol.FifoBuffer
	out    bytes.Buffer
	ready  chan struct{}
	closed chan struct{}

	queue   []protocol.Point
	played  []protocol.Point
	written []byte
	starts  []protocol.Mode
	halts   int
	unknown []byte
}

// NewSimPort creates a simulated device
func NewSimPort(cfg SimConfig) *SimPort {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4
	}
	s := &SimPort{
		cfg:    cfg,
		in:     protocol.NewFifoBuffer(64),
		ready:  make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	s.device = s.newDevice()
	return s
}

// OpenSim returns an Open-compatible function that hands out port. Each
// open revives a closed port and resets the device, as a board resets
// when its port is opened.
func OpenSim(port *SimPort) func(*Config) (Port, error) {
	return func(*Config) (Port, error) {
		port.reopen()
		return port, nil
	}
}

func (s *SimPort) reopen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		s.closed = make(chan struct{})
	default:
	}
	s.device = s.newDevice()
	s.in.Reset()
	s.out.Reset()
	s.queue = s.queue[:0]
}

func (s *SimPort) newDevice() *protocol.Device {
	dev := protocol.NewDevice(simHandler{s})
	dev.SetUnknownCallback(func(b byte) {
		s.unknown = append(s.unknown, b)
	})
	return dev
}

type simHandler struct{ s *SimPort }

func (h simHandler) OnStart(mode protocol.Mode, dim int) {
	h.s.starts = append(h.s.starts, mode)
	h.s.queue = h.s.queue[:0]
	if h.s.cfg.Greeting != "" {
		h.s.debugLocked(h.s.cfg.Greeting)
	}
}

func (h simHandler) OnPoint(p protocol.Point) {
	s := h.s
	if s.device.Mode() == protocol.ModeImmediate {
		s.played = append(s.played, p)
		return
	}

	s.queue = append(s.queue, p)
	if s.cfg.AutoPlay {
		s.playLocked(len(s.queue))
	}
	if len(s.queue) >= s.cfg.QueueSize {
		s.replyLocked(protocol.PacketQueueFull)
	} else {
		s.replyLocked(protocol.PacketQueueReady)
	}
}

func (h simHandler) OnHalt() {
	h.s.halts++
	h.s.queue = h.s.queue[:0]
}

// Write receives host bytes
func (s *SimPort) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return 0, io.ErrClosedPipe
	default:
	}

	s.written = append(s.written, b...)
	s.in.Write(b)
	s.device.Receive(s.in)
	return len(b), nil
}

// Read returns device replies, blocking until some are available or the
// port is closed
func (s *SimPort) Read(b []byte) (int, error) {
	for {
		s.mu.Lock()
		closed := s.closed
		if s.out.Len() > 0 {
			n, _ := s.out.Read(b)
			s.mu.Unlock()
			return n, nil
		}
		s.mu.Unlock()

		select {
		case <-s.ready:
		case <-closed:
			return 0, io.EOF
		}
	}
}

// Close closes the port; pending and future reads return io.EOF
func (s *SimPort) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

// Flush drops unread replies and any partial packet from the host
func (s *SimPort) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out.Reset()
	s.in.Reset()
	return nil
}

// Play consumes up to n queued points. If the queue was full, the device
// announces it is ready again.
func (s *SimPort) Play(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	wasFull := len(s.queue) >= s.cfg.QueueSize
	played := s.playLocked(n)
	if wasFull && played > 0 {
		s.replyLocked(protocol.PacketQueueReady)
	}
	return played
}

func (s *SimPort) playLocked(n int) int {
	if n > len(s.queue) {
		n = len(s.queue)
	}
	s.played = append(s.played, s.queue[:n]...)
	s.queue = append(s.queue[:0], s.queue[n:]...)
	return n
}

// Debug makes the device send a debug packet
func (s *SimPort) Debug(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debugLocked(msg)
}

func (s *SimPort) debugLocked(msg string) {
	if len(msg) > 0xFF {
		msg = msg[:0xFF]
	}
	s.replyLocked(protocol.PacketDebug, byte(len(msg)))
	s.replyLocked([]byte(msg)...)
}

// Inject queues raw bytes as if the device had sent them
func (s *SimPort) Inject(b ...byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replyLocked(b...)
}

func (s *SimPort) replyLocked(b ...byte) {
	s.out.Write(b)
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Played returns the points the device has consumed
func (s *SimPort) Played() []protocol.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Point, len(s.played))
	copy(out, s.played)
	return out
}

// Queued returns the number of points waiting in the device queue
func (s *SimPort) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Written returns every byte the host has written
func (s *SimPort) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.written...)
}

// Starts returns the modes of every start packet received
func (s *SimPort) Starts() []protocol.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Mode(nil), s.starts...)
}

// Halts returns the number of halt packets received
func (s *SimPort) Halts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halts
}

// Unknown returns the bytes the device could not parse
func (s *SimPort) Unknown() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.unknown...)
}
