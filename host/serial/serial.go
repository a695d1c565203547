// Package serial is the byte transport between the engine and the device:
// a tarm/serial backed port, a port enumerator and an in-memory simulator.
package serial

import (
	"fmt"
	"io"
	"time"
)

// Port is an opened transport. Reads may return (0, nil) when the read
// timeout passes without data.
type Port interface {
	io.ReadWriteCloser

	// Flush drops bytes buffered in either direction
	Flush() error
}

// Config selects the device to open
type Config struct {
	Device string

	// Baud is passed through to the driver; USB CDC boards ignore it
	Baud int

	// ReadTimeout bounds a single Read; zero blocks until data arrives
	ReadTimeout time.Duration
}

// DefaultConfig returns the settings of an Arduino-class board on device
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        115200,
		ReadTimeout: 100 * time.Millisecond,
	}
}

func (c *Config) String() string {
	return fmt.Sprintf("%s@%d", c.Device, c.Baud)
}
