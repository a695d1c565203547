package protocol

// InputBuffer is the receive side seen by the packet parsers
type InputBuffer interface {
	// Data returns the buffered bytes, oldest first
	Data() []byte

	// Available returns the number of buffered bytes
	Available() int

	// Pop discards n bytes from the front
	Pop(n int)
}

// OutputBuffer collects encoded packets
type OutputBuffer interface {
	Output(data []byte)

	// Len returns the number of bytes written so far
	Len() int
}

// SliceInputBuffer is an InputBuffer over a fixed slice
type SliceInputBuffer struct {
	data []byte
}

// NewSliceInputBuffer wraps data without copying it
func NewSliceInputBuffer(data []byte) *SliceInputBuffer {
	return &SliceInputBuffer{data: data}
}

func (s *SliceInputBuffer) Data() []byte   { return s.data }
func (s *SliceInputBuffer) Available() int { return len(s.data) }

func (s *SliceInputBuffer) Pop(n int) {
	if n > len(s.data) {
		n = len(s.data)
	}
	s.data = s.data[n:]
}

// maxPacketSize bounds the largest outbound packet (a full-width point)
const maxPacketSize = PointHeaderSize + MaxDimensionality

// PacketBuffer is an OutputBuffer sized for exactly one packet. Output
// past its capacity is truncated.
type PacketBuffer struct {
	buf [maxPacketSize]byte
	n   int
}

func (p *PacketBuffer) Output(data []byte) {
	p.n += copy(p.buf[p.n:], data)
}

func (p *PacketBuffer) Len() int { return p.n }

// Bytes returns a copy of the encoded packet
func (p *PacketBuffer) Bytes() []byte {
	out := make([]byte, p.n)
	copy(out, p.buf[:p.n])
	return out
}

func (p *PacketBuffer) Reset() { p.n = 0 }

// FifoBuffer is a ring buffer for received bytes. Writes never drop data:
// when the ring is full it is re-linearized into a larger one.
type FifoBuffer struct {
	buf   []byte
	read  int
	write int
}

// NewFifoBuffer creates a FifoBuffer with the given initial capacity
func NewFifoBuffer(capacity int) *FifoBuffer {
	if capacity < 2 {
		capacity = 2
	}
	return &FifoBuffer{buf: make([]byte, capacity)}
}

// Write appends data and returns len(data)
func (f *FifoBuffer) Write(data []byte) int {
	if len(data) > f.Free() {
		f.grow(f.Available() + len(data) + 1)
	}
	size := len(f.buf)
	for _, b := range data {
		f.buf[f.write] = b
		f.write = (f.write + 1) % size
	}
	return len(data)
}

func (f *FifoBuffer) grow(min int) {
	size := len(f.buf) * 2
	for size < min {
		size *= 2
	}
	avail := f.Available()
	buf := make([]byte, size)
	copy(buf, f.Data())
	f.buf = buf
	f.read = 0
	f.write = avail
}

func (f *FifoBuffer) Available() int {
	if f.write >= f.read {
		return f.write - f.read
	}
	return len(f.buf) - f.read + f.write
}

// Free returns how many bytes fit before the next Write grows the ring.
// One slot stays empty to tell a full ring from an empty one.
func (f *FifoBuffer) Free() int {
	return len(f.buf) - f.Available() - 1
}

func (f *FifoBuffer) Cap() int { return len(f.buf) }

// Data returns the buffered bytes. A wrapped ring is copied into a new
// contiguous slice; otherwise the result aliases the ring.
func (f *FifoBuffer) Data() []byte {
	if f.read <= f.write {
		return f.buf[f.read:f.write]
	}
	out := make([]byte, 0, f.Available())
	out = append(out, f.buf[f.read:]...)
	return append(out, f.buf[:f.write]...)
}

func (f *FifoBuffer) Pop(n int) {
	if avail := f.Available(); n > avail {
		n = avail
	}
	f.read = (f.read + n) % len(f.buf)
}

func (f *FifoBuffer) Reset() {
	f.read = 0
	f.write = 0
}
