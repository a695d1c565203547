package protocol

import "fmt"

// SignalKind classifies a packet received from the device
type SignalKind uint8

const (
	SignalQueueReady SignalKind = iota + 1
	SignalQueueFull
	SignalDebug
	SignalProtocolError
)

func (k SignalKind) String() string {
	switch k {
	case SignalQueueReady:
		return "queue-ready"
	case SignalQueueFull:
		return "queue-full"
	case SignalDebug:
		return "debug"
	case SignalProtocolError:
		return "protocol-error"
	default:
		return "unknown"
	}
}

// Signal is one complete inbound packet
type Signal struct {
	Kind SignalKind

	// Message holds the text of a debug packet
	Message string

	// Byte holds the offending byte of a protocol error
	Byte byte
}

// ErrorText describes a protocol error signal
func (s Signal) ErrorText() string {
	return fmt.Sprintf("received unknown or invalid packet type %d (ascii %q)", s.Byte, rune(s.Byte))
}

// ParseSignal classifies the packet at the front of data.
// It returns the signal and the number of bytes it occupies; ok is false
// when the leading bytes are an incomplete packet that needs more data.
// Flow-control bytes are only recognized while streaming.
func ParseSignal(data []byte, streaming bool) (sig Signal, consumed int, ok bool) {
	if len(data) == 0 {
		return Signal{}, 0, false
	}

	switch b := data[0]; {
	case streaming && b == PacketQueueReady:
		return Signal{Kind: SignalQueueReady}, 1, true

	case streaming && b == PacketQueueFull:
		return Signal{Kind: SignalQueueFull}, 1, true

	case b == PacketDebug:
		if len(data) < DebugHeaderSize {
			return Signal{}, 0, false
		}
		msgLen := int(data[1])
		if len(data) < DebugHeaderSize+msgLen {
			return Signal{}, 0, false
		}
		msg := string(data[DebugHeaderSize : DebugHeaderSize+msgLen])
		return Signal{Kind: SignalDebug, Message: msg}, DebugHeaderSize + msgLen, true

	default:
		// Unknown byte - drop just this one to resynchronize
		return Signal{Kind: SignalProtocolError, Byte: b}, 1, true
	}
}

// ReassemblerStats counts what the reassembler has consumed
type ReassemblerStats struct {
	Packets uint64
	Dropped uint64
}

// Reassembler extracts complete packets from an accumulating input buffer
type Reassembler struct {
	stats ReassemblerStats
}

// NewReassembler creates a new Reassembler
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Receive parses and dispatches every complete packet in the input buffer,
// leaving an incomplete trailing packet buffered.
//
// Consumed bytes are popped before the handler runs and the buffer is
// re-read on every iteration, so a handler may reset the input (for
// example when a session stops) and the loop ends cleanly. streaming is
// evaluated per packet since a handler may change the session mode.
func (r *Reassembler) Receive(input InputBuffer, streaming func() bool, handle func(Signal)) {
	for input.Available() > 0 {
		sig, n, ok := ParseSignal(input.Data(), streaming())
		if !ok {
			break
		}
		input.Pop(n)

		if sig.Kind == SignalProtocolError {
			r.stats.Dropped++
		} else {
			r.stats.Packets++
		}

		if handle != nil {
			handle(sig)
		}
	}
}

// Stats returns the packet counters
func (r *Reassembler) Stats() ReassemblerStats {
	return r.stats
}

// Reset clears the packet counters
func (r *Reassembler) Reset() {
	r.stats = ReassemblerStats{}
}
