// Package protocol implements the seqlink point-streaming protocol
package protocol

// Version represents the seqlink host version
const Version = "0.1.0"

// Outbound packet tags (host -> device)
const (
	PacketStartStream    = 'S'
	PacketStartImmediate = 'I'
	PacketPoint          = 'P'
	PacketHalt           = 'H'
)

// Inbound packet tags (device -> host)
const (
	PacketQueueReady = 'N'
	PacketQueueFull  = 'F'
	PacketDebug      = 'D'
)

// Protocol constants
const (
	PointHeaderSize = 5 // tag + duration (2) + time to target (2)
	StartSize       = 2 // tag + dimensionality
	DebugHeaderSize = 2 // tag + length

	MaxDimensionality = 0xFF
)

// Mode is the session mode announced in the start packet
type Mode uint8

const (
	ModeIdle Mode = iota
	ModeStreaming
	ModeImmediate
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeStreaming:
		return "streaming"
	case ModeImmediate:
		return "immediate"
	default:
		return "unknown"
	}
}

// Point is one timed sample of channel values sent to the device
type Point struct {
	Duration     uint16
	TimeToTarget uint16
	Channels     []uint
}
