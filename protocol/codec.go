package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidMode    = errors.New("protocol: invalid session mode")
	ErrShortPacket    = errors.New("protocol: short packet")
	ErrUnknownCommand = errors.New("protocol: unknown command")
)

// high and low return the big-endian halves of a 16-bit field.
// high is bits 8-15 of v, the first byte on the wire
func high(v uint16) byte { return byte((v >> 8) & 0xFF) }
func low(v uint16) byte  { return byte(v & 0xFF) }

// EncodePoint writes a point packet: 'P', duration, time to target, channels
func EncodePoint(output OutputBuffer, p Point) {
	output.Output([]byte{
		PacketPoint,
		high(p.Duration), low(p.Duration),
		high(p.TimeToTarget), low(p.TimeToTarget),
	})
	for _, c := range p.Channels {
		output.Output([]byte{byte(c & 0xFF)})
	}
}

// EncodeStart writes the session start packet for the given mode
func EncodeStart(output OutputBuffer, mode Mode, dimensionality int) error {
	var tag byte
	switch mode {
	case ModeStreaming:
		tag = PacketStartStream
	case ModeImmediate:
		tag = PacketStartImmediate
	default:
		return fmt.Errorf("%w: %s", ErrInvalidMode, mode)
	}
	output.Output([]byte{tag, byte(dimensionality & 0xFF)})
	return nil
}

// EncodeStop writes the halt packet
func EncodeStop(output OutputBuffer) {
	output.Output([]byte{PacketHalt})
}

// PointPacket returns the encoded point packet
func PointPacket(p Point) []byte {
	var pkt PacketBuffer
	EncodePoint(&pkt, p)
	return pkt.Bytes()
}

// StartPacket returns the encoded start packet
func StartPacket(mode Mode, dimensionality int) ([]byte, error) {
	var pkt PacketBuffer
	if err := EncodeStart(&pkt, mode, dimensionality); err != nil {
		return nil, err
	}
	return pkt.Bytes(), nil
}

// StopPacket returns the encoded halt packet
func StopPacket() []byte {
	return []byte{PacketHalt}
}
