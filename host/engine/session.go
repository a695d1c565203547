package engine

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"seqlink/host/sequence"
	"seqlink/protocol"
)

// SessionOptions configures a Session
type SessionOptions struct {
	Logger zerolog.Logger

	// Boot gates the first transmission after the transport opens
	Boot *BootSynchronizer

	// WriteRetries bounds how often the unwritten remainder of a packet
	// is written again after a short write
	WriteRetries int

	// Notify receives owner events
	Notify func(Event)

	// Dispatch runs fn later on the goroutine that owns the session. Timer
	// expiries and cursor notifications go through it. Nil runs fn inline.
	Dispatch func(fn func())
}

// Status is a snapshot of the session
type Status struct {
	Mode        protocol.Mode
	Paused      bool
	QueueFull   bool
	BootPending bool
	Open        bool
	Cursor      int
	Length      int
}

// Session is the send/pause/resume state machine. It is not safe for
// concurrent use; the Engine serializes every call onto one goroutine.
type Session struct {
	log          zerolog.Logger
	boot         *BootSynchronizer
	writeRetries int
	notify       func(Event)
	dispatch     func(fn func())

	out io.Writer

	mode      protocol.Mode
	paused    bool
	queueFull bool
	seq       *sequence.Sequence
	sub       *sequence.Subscription
	epoch     uint64

	rx          *protocol.FifoBuffer
	reassembler *protocol.Reassembler
}

// NewSession creates an idle session with a closed transport
func NewSession(opts SessionOptions) *Session {
	s := &Session{
		log:          opts.Logger.With().Str("component", "session").Logger(),
		boot:         opts.Boot,
		writeRetries: opts.WriteRetries,
		notify:       opts.Notify,
		dispatch:     opts.Dispatch,
		mode:         protocol.ModeIdle,
		rx:           protocol.NewFifoBuffer(256),
		reassembler:  protocol.NewReassembler(),
	}
	if s.boot == nil {
		s.boot = NewBootSynchronizer(0, nil)
	}
	if s.notify == nil {
		s.notify = func(Event) {}
	}
	if s.dispatch == nil {
		s.dispatch = func(fn func()) { fn() }
	}
	return s
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidOperation}, args...)...)
}

// Active reports whether a streaming or immediate session is running
func (s *Session) Active() bool {
	return s.mode != protocol.ModeIdle
}

// Mode returns the current mode
func (s *Session) Mode() protocol.Mode {
	return s.mode
}

// Status returns a snapshot of the session
func (s *Session) Status() Status {
	st := Status{
		Mode:        s.mode,
		Paused:      s.paused,
		QueueFull:   s.queueFull,
		BootPending: s.boot.Pending(),
		Open:        s.out != nil,
		Cursor:      -1,
	}
	if s.seq != nil {
		st.Cursor = s.seq.Cursor()
		st.Length = s.seq.Len()
	}
	return st
}

// Attach binds an opened transport and starts the boot delay
func (s *Session) Attach(w io.Writer) error {
	if s.Active() {
		return invalidf("cannot open port while a sequence is being streamed")
	}
	s.out = w
	s.boot.Start(func(gen uint64) {
		s.dispatch(func() { s.bootFired(gen) })
	})
	s.log.Debug().Dur("delay", s.boot.Delay()).Msg("boot delay started")
	return nil
}

// Detach releases the transport
func (s *Session) Detach() error {
	if s.Active() {
		return invalidf("cannot close port while a sequence is being streamed")
	}
	s.out = nil
	s.boot.Cancel()
	return nil
}

func (s *Session) checkStart(seq *sequence.Sequence) error {
	if s.out == nil {
		return invalidf("cannot start streaming with a closed serial port")
	}
	if s.Active() {
		return invalidf("cannot start a new stream while a sequence is already being streamed")
	}
	if seq == nil {
		return invalidf("no sequence given")
	}
	return nil
}

// StartStream starts streaming seq from the first point, or from its
// current point when fromCurrent is set. If the board is still booting
// the first transmission waits for the boot delay.
func (s *Session) StartStream(seq *sequence.Sequence, fromCurrent bool) error {
	if err := s.checkStart(seq); err != nil {
		return err
	}

	s.rx.Reset()
	s.paused = false
	s.queueFull = false
	s.mode = protocol.ModeStreaming
	s.seq = seq
	s.epoch++
	if !fromCurrent {
		if err := seq.SetCursor(0); err != nil {
			s.log.Error().Err(err).Msg("reset cursor")
		}
	}

	s.log.Info().Int("points", seq.Len()).Int("cursor", seq.Cursor()).Msg("stream requested")
	if !s.boot.Pending() {
		s.bootFinished()
	}
	return nil
}

// StartImmediate sends the point the owner selects in seq every time its
// cursor changes.
func (s *Session) StartImmediate(seq *sequence.Sequence) error {
	if err := s.checkStart(seq); err != nil {
		return err
	}

	s.rx.Reset()
	s.mode = protocol.ModeImmediate
	s.seq = seq
	s.epoch++

	epoch := s.epoch
	s.sub = seq.Subscribe(func(int) {
		s.dispatch(func() {
			if s.epoch == epoch {
				s.CursorChanged()
			}
		})
	})

	s.log.Info().Int("points", seq.Len()).Msg("immediate mode requested")
	if !s.boot.Pending() {
		s.bootFinished()
	}
	return nil
}

// Pause stops sending points until Resume
func (s *Session) Pause() error {
	if s.mode != protocol.ModeStreaming {
		return invalidf("cannot pause when no sequence is being streamed")
	}
	s.paused = true
	return nil
}

// Resume clears the pause flag. Unless the device reported a full queue
// the current point is sent right away, without waiting for a ready
// signal. If a ready signal is already in flight, the device sees two
// points for one acknowledgement; the device queue absorbs this.
func (s *Session) Resume() error {
	if s.mode != protocol.ModeStreaming {
		return invalidf("cannot resume when no sequence is being streamed")
	}
	if !s.paused {
		return nil
	}
	s.paused = false

	// Boot-finished sends the current point once the board is up
	if !s.queueFull && !s.boot.Pending() {
		s.sendCurrentPoint()
		s.advance()
	}
	return nil
}

// Stop halts the device and ends the session
func (s *Session) Stop() error {
	if !s.Active() {
		return invalidf("no stream to stop")
	}

	s.send(protocol.StopPacket())

	s.sub.Cancel()
	s.sub = nil
	s.seq = nil
	s.epoch++

	wasStreaming := s.mode == protocol.ModeStreaming

	s.paused = false
	s.queueFull = false
	s.mode = protocol.ModeIdle
	s.rx.Reset()

	s.log.Info().Bool("streaming", wasStreaming).Msg("session stopped")
	if wasStreaming {
		s.notify(Event{Kind: EventStreamStopped})
	}
	return nil
}

// CursorChanged sends the newly selected point in immediate mode
func (s *Session) CursorChanged() {
	if s.mode != protocol.ModeImmediate {
		s.log.Debug().Str("mode", s.mode.String()).Msg("cursor change outside immediate mode ignored")
		return
	}
	if s.boot.Pending() {
		return
	}
	s.sendCurrentPoint()
}

// Receive appends bytes from the transport and handles every complete
// packet
func (s *Session) Receive(data []byte) {
	s.rx.Write(data)
	s.reassembler.Receive(s.rx, func() bool {
		return s.mode == protocol.ModeStreaming
	}, s.handleSignal)
}

// TransportError reports a transport failure to the owner. The session
// keeps running.
func (s *Session) TransportError(err error) {
	text := "error streaming: " + err.Error()
	s.log.Error().Err(err).Msg("transport error")
	s.notify(Event{Kind: EventStreamError, Text: text})
}

// ReassemblerStats returns the inbound packet counters
func (s *Session) ReassemblerStats() protocol.ReassemblerStats {
	return s.reassembler.Stats()
}

func (s *Session) handleSignal(sig protocol.Signal) {
	switch sig.Kind {
	case protocol.SignalQueueReady:
		s.queueFull = false
		// Nothing goes out before the start packet; boot-finished sends
		// the current point
		if !s.paused && !s.boot.Pending() {
			s.sendCurrentPoint()
			s.advance()
		}

	case protocol.SignalQueueFull:
		s.queueFull = true

	case protocol.SignalDebug:
		s.log.Debug().Str("message", sig.Message).Msg("debug packet")
		s.notify(Event{Kind: EventDebugMessage, Text: sig.Message})

	case protocol.SignalProtocolError:
		text := sig.ErrorText()
		s.log.Warn().Uint8("byte", sig.Byte).Msg(text)
		s.notify(Event{Kind: EventStreamError, Text: text})
	}
}

func (s *Session) bootFired(gen uint64) {
	if !s.boot.Elapsed(gen) {
		return
	}
	s.log.Debug().Msg("boot delay elapsed")
	s.bootFinished()
}

// bootFinished sends the start packet and the first point of the bound
// sequence. Without an active session it does nothing.
func (s *Session) bootFinished() {
	if !s.Active() {
		return
	}

	start, err := protocol.StartPacket(s.mode, s.seq.Dimensionality())
	if err != nil {
		s.log.Error().Err(err).Msg("build start packet")
		return
	}
	s.send(start)
	s.sendCurrentPoint()

	if s.mode == protocol.ModeStreaming {
		s.notify(Event{Kind: EventStreamStarted})
		s.advance()
	}
}

// advance moves the cursor forward, stopping after the last point
func (s *Session) advance() {
	if s.seq == nil {
		return
	}
	cur := s.seq.Cursor()
	if cur >= s.seq.Len()-1 {
		_ = s.Stop()
		return
	}
	if err := s.seq.SetCursor(cur + 1); err != nil {
		s.log.Error().Err(err).Msg("advance cursor")
	}
}

func (s *Session) sendCurrentPoint() {
	if s.seq == nil {
		return
	}
	s.send(protocol.PointPacket(s.seq.Point()))
}

// send writes pkt, retrying the unwritten remainder after short writes
func (s *Session) send(pkt []byte) {
	if s.out == nil {
		s.log.Error().Int("bytes", len(pkt)).Msg("write with closed transport")
		return
	}

	written := 0
	for attempt := 0; written < len(pkt); attempt++ {
		if attempt > s.writeRetries {
			s.log.Error().Int("written", written).Int("bytes", len(pkt)).Msg("cannot write all data")
			return
		}
		if attempt > 0 {
			s.log.Warn().Int("written", written).Int("bytes", len(pkt)).Msg("short write, retrying remainder")
		}

		n, err := s.out.Write(pkt[written:])
		written += n
		if err != nil {
			s.log.Error().Err(err).Int("written", written).Int("bytes", len(pkt)).Msg("error writing data")
			return
		}
	}
}
