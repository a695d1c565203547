package serial

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

// ErrHangup is returned once the device behind a port has gone away
var ErrHangup = errors.New("serial: device hung up")

// hangupReads is how many empty reads in a row, each returning well
// before the read timeout, mark the device as gone
const hangupReads = 3

// tty is the part of *serial.Port a ttyPort drives
type tty interface {
	io.ReadWriteCloser
	Flush() error
}

// ttyPort is a Port on a real serial device
type ttyPort struct {
	dev     tty
	timeout time.Duration
	now     func() time.Time

	quickEmpty int
}

// Open opens the serial device named in cfg
func Open(cfg *Config) (Port, error) {
	if cfg == nil {
		return nil, errors.New("serial: nil config")
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg, err)
	}
	return newTTYPort(port, cfg.ReadTimeout, time.Now), nil
}

func newTTYPort(dev tty, timeout time.Duration, now func() time.Time) *ttyPort {
	return &ttyPort{dev: dev, timeout: timeout, now: now}
}

// Read reports an expired read timeout as (0, nil). tarm/serial returns
// (0, io.EOF) both for a timeout and for a hung-up tty; only the timeout
// takes the full timeout to come back, so repeated early empty reads
// become ErrHangup. Without a timeout io.EOF is passed through.
func (p *ttyPort) Read(b []byte) (int, error) {
	start := p.now()
	n, err := p.dev.Read(b)
	if n > 0 {
		p.quickEmpty = 0
		return n, err
	}
	if p.timeout <= 0 || !errors.Is(err, io.EOF) {
		return n, err
	}

	if p.now().Sub(start) >= p.timeout/2 {
		p.quickEmpty = 0
		return 0, nil
	}
	p.quickEmpty++
	if p.quickEmpty >= hangupReads {
		return 0, ErrHangup
	}
	return 0, nil
}

func (p *ttyPort) Write(b []byte) (int, error) {
	return p.dev.Write(b)
}

func (p *ttyPort) Close() error {
	return p.dev.Close()
}

func (p *ttyPort) Flush() error {
	return p.dev.Flush()
}
