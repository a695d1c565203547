// Package engine drives a point sequence out to the device and reacts to
// its flow-control and debug traffic.
//
// An Engine runs a single goroutine (Run) that owns the Session. API calls,
// bytes from the serial reader, boot timer expiries and cursor
// notifications are all posted to it as closures and run to completion in
// arrival order, so session state is never observed half-updated.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"seqlink/host/sequence"
	"seqlink/host/serial"
)

// Config holds engine tuning
type Config struct {
	BootDelay    time.Duration
	EventBuffer  int
	WriteRetries int
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		BootDelay:    time.Second,
		EventBuffer:  64,
		WriteRetries: 3,
	}
}

// Opener opens a transport
type Opener func(cfg *serial.Config) (serial.Port, error)

// Option customizes an Engine
type Option func(*Engine)

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.log = logger }
}

// WithOpener replaces serial.Open, e.g. with a simulated device
func WithOpener(open Opener) Option {
	return func(e *Engine) { e.open = open }
}

// WithAfterFunc replaces time.AfterFunc for the boot delay
func WithAfterFunc(afterFunc AfterFunc) Option {
	return func(e *Engine) { e.afterFunc = afterFunc }
}

// Engine is the event-loop actor around a Session
type Engine struct {
	cfg       Config
	log       zerolog.Logger
	open      Opener
	afterFunc AfterFunc

	session  *Session
	requests chan func()
	events   chan Event
	done     chan struct{}

	// Owned by the loop goroutine
	port       serial.Port
	readerStop chan struct{}
	readerDone chan struct{}
}

// New creates an engine. Call Run before any other method.
func New(cfg Config, opts ...Option) *Engine {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultConfig().EventBuffer
	}
	e := &Engine{
		cfg:      cfg,
		log:      zerolog.Nop(),
		open:     serial.Open,
		requests: make(chan func(), 64),
		events:   make(chan Event, cfg.EventBuffer),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With().Str("component", "engine").Logger()

	e.session = NewSession(SessionOptions{
		Logger:       e.log,
		Boot:         NewBootSynchronizer(cfg.BootDelay, e.afterFunc),
		WriteRetries: cfg.WriteRetries,
		Notify:       e.emit,
		Dispatch:     e.post,
	})
	return e
}

// Run processes requests until ctx is cancelled. On the way out an active
// session is stopped and the port closed.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)

	for {
		select {
		case fn := <-e.requests:
			fn()
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		}
	}
}

func (e *Engine) shutdown() {
	if e.session.Active() {
		_ = e.session.Stop()
	}
	_ = e.session.Detach()
	e.closePort()
	e.log.Debug().Msg("engine stopped")
}

// Done is closed once Run has returned
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Events delivers owner events. When the owner falls behind by more than
// the configured buffer, further events are dropped and logged.
func (e *Engine) Events() <-chan Event {
	return e.events
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.log.Warn().Str("event", ev.String()).Msg("event buffer full, dropping event")
	}
}

// post queues fn for the loop without waiting for it to run
func (e *Engine) post(fn func()) {
	select {
	case e.requests <- fn:
	case <-e.done:
	}
}

// do runs fn on the loop and returns its result
func (e *Engine) do(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case e.requests <- func() { errc <- fn() }:
	case <-e.done:
		return ErrStopped
	}

	select {
	case err := <-errc:
		return err
	case <-e.done:
		select {
		case err := <-errc:
			return err
		default:
			return ErrStopped
		}
	}
}

// Open opens the transport, closing a previously open one first, and
// starts the boot delay. It is rejected while a session is active. A
// failed open returns an error wrapping ErrOpenFailed and leaves the
// transport closed.
func (e *Engine) Open(cfg *serial.Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil config", ErrOpenFailed)
	}
	return e.do(func() error {
		if e.session.Active() {
			return invalidf("cannot open port while a sequence is being streamed")
		}
		_ = e.session.Detach()
		e.closePort()

		port, err := e.open(cfg)
		if err != nil {
			e.log.Error().Err(err).Msg("open failed")
			return fmt.Errorf("%w: %w", ErrOpenFailed, err)
		}

		// The board resets on open; whatever was buffered is from before
		if err := port.Flush(); err != nil {
			e.log.Warn().Err(err).Msg("flush port")
		}

		e.port = port
		e.startReader(port)
		if err := e.session.Attach(port); err != nil {
			return err
		}
		e.log.Info().Stringer("port", cfg).Msg("port opened")
		return nil
	})
}

// Close closes the transport. It is rejected while a session is active.
func (e *Engine) Close() error {
	return e.do(func() error {
		if err := e.session.Detach(); err != nil {
			return err
		}
		e.closePort()
		return nil
	})
}

// StartStream streams seq, paced by the device's ready signals
func (e *Engine) StartStream(seq *sequence.Sequence, fromCurrent bool) error {
	return e.do(func() error { return e.session.StartStream(seq, fromCurrent) })
}

// StartImmediate sends the point selected in seq whenever its cursor
// changes. Cursor subscribers run on the goroutine calling SetCursor, or
// on the engine goroutine while streaming; they must not call back into
// the engine synchronously.
func (e *Engine) StartImmediate(seq *sequence.Sequence) error {
	return e.do(func() error { return e.session.StartImmediate(seq) })
}

// Pause suspends a stream
func (e *Engine) Pause() error {
	return e.do(e.session.Pause)
}

// Resume continues a paused stream
func (e *Engine) Resume() error {
	return e.do(e.session.Resume)
}

// Stop ends the active session
func (e *Engine) Stop() error {
	return e.do(e.session.Stop)
}

// Status returns a snapshot of the session
func (e *Engine) Status() (Status, error) {
	var st Status
	err := e.do(func() error {
		st = e.session.Status()
		return nil
	})
	return st, err
}

func (e *Engine) startReader(port serial.Port) {
	stop := make(chan struct{})
	done := make(chan struct{})
	e.readerStop = stop
	e.readerDone = done
	go e.readLoop(port, stop, done)
}

// closePort stops the reader and closes the port; loop goroutine only
func (e *Engine) closePort() {
	if e.port == nil {
		return
	}
	close(e.readerStop)
	if err := e.port.Close(); err != nil {
		e.log.Warn().Err(err).Msg("close port")
	}
	<-e.readerDone
	e.port = nil
	e.readerStop = nil
	e.readerDone = nil
	e.log.Info().Msg("port closed")
}

const (
	// readIdleDelay paces polling of a port whose reads return no data
	readIdleDelay = 10 * time.Millisecond

	readRetryMin = 10 * time.Millisecond
	readRetryMax = time.Second
)

// readLoop forwards bytes and read errors from port to the loop. A run of
// identical read errors is reported once and retried with growing delays;
// end of stream or a hung-up device is reported and ends the loop.
func (e *Engine) readLoop(port serial.Port, stop, done chan struct{}) {
	defer close(done)

	buffer := make([]byte, 256)
	deliver := func(fn func()) bool {
		select {
		case e.requests <- func() {
			if e.port == port {
				fn()
			}
		}:
			return true
		case <-stop:
			return false
		case <-e.done:
			return false
		}
	}
	wait := func(d time.Duration) bool {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return true
		case <-stop:
			return false
		case <-e.done:
			return false
		}
	}

	var lastErr string
	retry := readRetryMin
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := port.Read(buffer)
		if n > 0 {
			lastErr = ""
			retry = readRetryMin
			data := make([]byte, n)
			copy(data, buffer[:n])
			if !deliver(func() { e.session.Receive(data) }) {
				return
			}
		}
		if err == nil {
			if n == 0 && !wait(readIdleDelay) {
				return
			}
			continue
		}

		select {
		case <-stop:
			return
		default:
		}

		if errors.Is(err, io.EOF) || errors.Is(err, serial.ErrHangup) {
			e.log.Warn().Err(err).Msg("transport lost")
			deliver(func() { e.session.TransportError(err) })
			return
		}

		if msg := err.Error(); msg != lastErr {
			lastErr = msg
			if !deliver(func() { e.session.TransportError(err) }) {
				return
			}
		} else {
			e.log.Debug().Err(err).Dur("retry", retry).Msg("read still failing")
		}
		if !wait(retry) {
			return
		}
		retry = min(retry*2, readRetryMax)
	}
}
