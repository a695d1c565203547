package protocol

import "fmt"

// DeviceHandler receives the commands decoded on the device side
type DeviceHandler interface {
	OnStart(mode Mode, dimensionality int)
	OnPoint(p Point)
	OnHalt()
}

// DecodePoint decodes the point packet at the front of data for the given
// dimensionality. It returns the point and the number of bytes consumed.
func DecodePoint(data []byte, dimensionality int) (Point, int, error) {
	size := PointHeaderSize + dimensionality
	if len(data) < size {
		return Point{}, 0, fmt.Errorf("%w: point needs %d bytes, have %d", ErrShortPacket, size, len(data))
	}
	if data[0] != PacketPoint {
		return Point{}, 0, fmt.Errorf("%w: 0x%02x", ErrUnknownCommand, data[0])
	}

	p := Point{
		Duration:     uint16(data[1])<<8 | uint16(data[2]),
		TimeToTarget: uint16(data[3])<<8 | uint16(data[4]),
		Channels:     make([]uint, dimensionality),
	}
	for i := 0; i < dimensionality; i++ {
		p.Channels[i] = uint(data[PointHeaderSize+i])
	}
	return p, size, nil
}

// Device parses the host->device command stream the way the firmware does.
// It is used by the simulated port and by tests.
type Device struct {
	mode           Mode
	dimensionality int
	handler        DeviceHandler
	unknown        func(b byte)
}

// NewDevice creates a new Device dispatching to handler
func NewDevice(handler DeviceHandler) *Device {
	return &Device{
		mode:    ModeIdle,
		handler: handler,
	}
}

// SetUnknownCallback sets a callback invoked for every discarded byte
func (d *Device) SetUnknownCallback(callback func(b byte)) {
	d.unknown = callback
}

// Mode returns the mode announced by the last start packet
func (d *Device) Mode() Mode {
	return d.mode
}

// Dimensionality returns the channel count announced by the last start packet
func (d *Device) Dimensionality() int {
	return d.dimensionality
}

// Receive processes all complete commands in the input buffer
func (d *Device) Receive(input InputBuffer) {
	data := input.Data()

loop:
	for len(data) > 0 {
		tag := data[0]

		switch {
		case tag == PacketStartStream || tag == PacketStartImmediate:
			if len(data) < StartSize {
				break loop
			}
			d.mode = ModeStreaming
			if tag == PacketStartImmediate {
				d.mode = ModeImmediate
			}
			d.dimensionality = int(data[1])
			data = data[StartSize:]
			if d.handler != nil {
				d.handler.OnStart(d.mode, d.dimensionality)
			}

		case tag == PacketPoint && d.mode != ModeIdle:
			p, n, err := DecodePoint(data, d.dimensionality)
			if err != nil {
				// Only a short packet can fail here; wait for more data
				break loop
			}
			data = data[n:]
			if d.handler != nil {
				d.handler.OnPoint(p)
			}

		case tag == PacketHalt:
			d.mode = ModeIdle
			data = data[1:]
			if d.handler != nil {
				d.handler.OnHalt()
			}

		default:
			data = data[1:]
			if d.unknown != nil {
				d.unknown(tag)
			}
		}
	}

	consumed := input.Available() - len(data)
	if consumed > 0 {
		input.Pop(consumed)
	}
}
