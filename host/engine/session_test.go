package engine

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seqlink/host/sequence"
	"seqlink/protocol"
)

// packetWriter records every Write call. maxChunk > 0 simulates a port
// that accepts only that many bytes per call.
type packetWriter struct {
	writes   [][]byte
	maxChunk int
	err      error
}

func (w *packetWriter) Write(b []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	n := len(b)
	if w.maxChunk > 0 && n > w.maxChunk {
		n = w.maxChunk
	}
	w.writes = append(w.writes, append([]byte(nil), b[:n]...))
	return n, nil
}

func (w *packetWriter) tags() string {
	var out []byte
	for _, p := range w.writes {
		out = append(out, p[0])
	}
	return string(out)
}

func (w *packetWriter) reset() { w.writes = nil }

// manualTimers captures boot timers so tests decide when they fire
type manualTimers struct {
	fns     []func()
	stopped []bool
}

type manualTimer struct {
	m   *manualTimers
	idx int
}

func (t manualTimer) Stop() bool {
	was := !t.m.stopped[t.idx]
	t.m.stopped[t.idx] = true
	return was
}

func (m *manualTimers) afterFunc(_ time.Duration, f func()) Timer {
	m.fns = append(m.fns, f)
	m.stopped = append(m.stopped, false)
	return manualTimer{m: m, idx: len(m.fns) - 1}
}

// fire runs timer i even if it was stopped, as a racing expiry would
func (m *manualTimers) fire(i int) { m.fns[i]() }

func (m *manualTimers) fireLast() { m.fire(len(m.fns) - 1) }

type harness struct {
	s      *Session
	w      *packetWriter
	timers *manualTimers
	events []Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{w: &packetWriter{}, timers: &manualTimers{}}
	h.s = NewSession(SessionOptions{
		Logger:       zerolog.Nop(),
		Boot:         NewBootSynchronizer(time.Second, h.timers.afterFunc),
		WriteRetries: 3,
		Notify:       func(ev Event) { h.events = append(h.events, ev) },
	})
	return h
}

// openBooted attaches the writer and lets the boot delay elapse
func (h *harness) openBooted(t *testing.T) {
	t.Helper()
	require.NoError(t, h.s.Attach(h.w))
	h.timers.fireLast()
	require.False(t, h.s.Status().BootPending)
}

func (h *harness) kinds() []EventKind {
	out := make([]EventKind, 0, len(h.events))
	for _, ev := range h.events {
		out = append(out, ev.Kind)
	}
	return out
}

func testSequence(t *testing.T, n int) *sequence.Sequence {
	t.Helper()
	points := make([]protocol.Point, n)
	for i := range points {
		points[i] = protocol.Point{
			Duration:     uint16(1000 + i),
			TimeToTarget: uint16(100 + i),
			Channels:     []uint{uint(i), uint(i + 10)},
		}
	}
	seq, err := sequence.New(2, points)
	require.NoError(t, err)
	return seq
}

func pointPacket(t *testing.T, seq *sequence.Sequence, i int) []byte {
	t.Helper()
	p, err := seq.PointAt(i)
	require.NoError(t, err)
	return protocol.PointPacket(p)
}

func TestStartRequiresOpenTransport(t *testing.T) {
	h := newHarness(t)
	seq := testSequence(t, 2)

	require.ErrorIs(t, h.s.StartStream(seq, false), ErrInvalidOperation)
	require.ErrorIs(t, h.s.StartImmediate(seq), ErrInvalidOperation)
	assert.Equal(t, protocol.ModeIdle, h.s.Mode())
	assert.Empty(t, h.w.writes)
}

func TestStartRejectsNilSequence(t *testing.T) {
	h := newHarness(t)
	h.openBooted(t)
	require.ErrorIs(t, h.s.StartStream(nil, false), ErrInvalidOperation)
	assert.False(t, h.s.Active())
}

func TestStartDuringBootDefersTransmission(t *testing.T) {
	h := newHarness(t)
	seq := testSequence(t, 3)

	require.NoError(t, h.s.Attach(h.w))
	require.NoError(t, h.s.StartStream(seq, false))
	assert.Empty(t, h.w.writes, "nothing may be sent while the board boots")
	assert.True(t, h.s.Status().BootPending)

	h.timers.fireLast()
	require.Len(t, h.w.writes, 2)
	assert.Equal(t, []byte{'S', 2}, h.w.writes[0])
	assert.Equal(t, pointPacket(t, seq, 0), h.w.writes[1])
	assert.Equal(t, []EventKind{EventStreamStarted}, h.kinds())
	assert.Equal(t, 1, seq.Cursor())

	// A second expiry of the same timer is ignored
	h.timers.fireLast()
	assert.Len(t, h.w.writes, 2)
}

func TestBootElapsedWithoutSession(t *testing.T) {
	h := newHarness(t)
	h.openBooted(t)
	assert.Empty(t, h.w.writes)
	assert.Empty(t, h.events)
}

func TestReopenIgnoresStaleBootTimer(t *testing.T) {
	h := newHarness(t)
	seq := testSequence(t, 3)

	require.NoError(t, h.s.Attach(h.w))
	require.NoError(t, h.s.Detach())
	require.NoError(t, h.s.Attach(h.w))
	require.NoError(t, h.s.StartStream(seq, false))

	h.timers.fire(0)
	assert.Empty(t, h.w.writes, "superseded boot timer must not start the stream")

	h.timers.fire(1)
	assert.Equal(t, "SP", h.w.tags())
	assert.True(t, h.timers.stopped[0])
}

func TestStreamReadySignalsExhaustSequence(t *testing.T) {
	h := newHarness(t)
	seq := testSequence(t, 3)
	h.openBooted(t)

	require.NoError(t, h.s.StartStream(seq, false))
	require.Equal(t, "SP", h.w.tags())
	h.w.reset()

	h.s.Receive([]byte{'N', 'N', 'N'})

	assert.Equal(t, "PPH", h.w.tags(), "two point sends then auto-stop")
	assert.Equal(t, pointPacket(t, seq, 1), h.w.writes[0])
	assert.Equal(t, pointPacket(t, seq, 2), h.w.writes[1])
	assert.Equal(t, []EventKind{EventStreamStarted, EventStreamStopped}, h.kinds())
	assert.Equal(t, protocol.ModeIdle, h.s.Mode())
	assert.Equal(t, -1, h.s.Status().Cursor, "sequence reference released")
}

func TestSinglePointStreamStopsAtBoot(t *testing.T) {
	h := newHarness(t)
	seq := testSequence(t, 1)
	h.openBooted(t)

	require.NoError(t, h.s.StartStream(seq, false))
	assert.Equal(t, "SPH", h.w.tags())
	assert.Equal(t, []EventKind{EventStreamStarted, EventStreamStopped}, h.kinds())
	assert.False(t, h.s.Active())
}

func TestQueueFullSuppressesUntilReady(t *testing.T) {
	h := newHarness(t)
	seq := testSequence(t, 5)
	h.openBooted(t)
	require.NoError(t, h.s.StartStream(seq, false))
	h.w.reset()

	h.s.Receive([]byte{'F'})
	assert.True(t, h.s.Status().QueueFull)

	// Nothing the owner does in between may send a point
	require.NoError(t, h.s.Pause())
	require.NoError(t, h.s.Resume())
	h.s.Receive([]byte{'D', 2, 'o', 'k'})
	assert.Empty(t, h.w.writes)

	h.s.Receive([]byte{'N'})
	require.Len(t, h.w.writes, 1)
	assert.Equal(t, pointPacket(t, seq, 1), h.w.writes[0])
	assert.False(t, h.s.Status().QueueFull)
	assert.Equal(t, 2, seq.Cursor())
}

func TestPauseResumeSendsImmediately(t *testing.T) {
	h := newHarness(t)
	seq := testSequence(t, 4)
	h.openBooted(t)
	require.NoError(t, h.s.StartStream(seq, false))
	h.w.reset()

	require.NoError(t, h.s.Pause())
	assert.True(t, h.s.Status().Paused)
	assert.Empty(t, h.w.writes, "pause sends nothing")

	require.NoError(t, h.s.Resume())
	require.Len(t, h.w.writes, 1, "resume does not wait for a ready signal")
	assert.Equal(t, pointPacket(t, seq, 1), h.w.writes[0])
	assert.Equal(t, 2, seq.Cursor())

	// Resume when not paused is a no-op
	require.NoError(t, h.s.Resume())
	assert.Len(t, h.w.writes, 1)
}

func TestReadyWhilePausedClearsFullWithoutSending(t *testing.T) {
	h := newHarness(t)
	seq := testSequence(t, 4)
	h.openBooted(t)
	require.NoError(t, h.s.StartStream(seq, false))
	h.w.reset()

	h.s.Receive([]byte{'F'})
	require.NoError(t, h.s.Pause())
	h.s.Receive([]byte{'N'})
	assert.Empty(t, h.w.writes)
	assert.False(t, h.s.Status().QueueFull)
	assert.Equal(t, 1, seq.Cursor())

	require.NoError(t, h.s.Resume())
	assert.Equal(t, "P", h.w.tags())
}

func TestResumeRacingPendingReady(t *testing.T) {
	h := newHarness(t)
	seq := testSequence(t, 5)
	h.openBooted(t)
	require.NoError(t, h.s.StartStream(seq, false))
	h.w.reset()

	// The device acknowledged point 0 while we were paused but the 'N' has
	// not been read yet. Resume pushes point 1 optimistically and the late
	// 'N' then pushes point 2: two sends for one acknowledgement.
	require.NoError(t, h.s.Pause())
	require.NoError(t, h.s.Resume())
	h.s.Receive([]byte{'N'})

	require.Len(t, h.w.writes, 2)
	assert.Equal(t, pointPacket(t, seq, 1), h.w.writes[0])
	assert.Equal(t, pointPacket(t, seq, 2), h.w.writes[1])
	assert.Equal(t, 3, seq.Cursor())

	// A late 'F' after the optimistic send still gates the next point
	h.s.Receive([]byte{'F'})
	require.NoError(t, h.s.Pause())
	require.NoError(t, h.s.Resume())
	assert.Len(t, h.w.writes, 2)
}

func TestFromCurrentKeepsCursor(t *testing.T) {
	h := newHarness(t)
	seq := testSequence(t, 4)
	require.NoError(t, seq.SetCursor(2))
	h.openBooted(t)

	require.NoError(t, h.s.StartStream(seq, true))
	require.Len(t, h.w.writes, 2)
	assert.Equal(t, pointPacket(t, seq, 2), h.w.writes[1])
	assert.Equal(t, 3, seq.Cursor())
	require.NoError(t, h.s.Stop())

	require.NoError(t, h.s.StartStream(seq, false))
	assert.Equal(t, pointPacket(t, seq, 0), h.w.writes[len(h.w.writes)-1])
}

func TestStopWhileIdle(t *testing.T) {
	h := newHarness(t)
	h.openBooted(t)

	err := h.s.Stop()
	require.ErrorIs(t, err, ErrInvalidOperation)
	assert.Empty(t, h.w.writes)
	assert.Empty(t, h.events)
}

func TestInvalidOperationsLeaveStateAlone(t *testing.T) {
	h := newHarness(t)
	seq := testSequence(t, 3)
	h.openBooted(t)

	require.ErrorIs(t, h.s.Pause(), ErrInvalidOperation)
	require.ErrorIs(t, h.s.Resume(), ErrInvalidOperation)

	require.NoError(t, h.s.StartImmediate(seq))
	h.w.reset()
	require.ErrorIs(t, h.s.Pause(), ErrInvalidOperation)
	require.ErrorIs(t, h.s.Resume(), ErrInvalidOperation)
	require.ErrorIs(t, h.s.StartStream(seq, false), ErrInvalidOperation)
	require.ErrorIs(t, h.s.StartImmediate(seq), ErrInvalidOperation)
	require.ErrorIs(t, h.s.Attach(h.w), ErrInvalidOperation)
	require.ErrorIs(t, h.s.Detach(), ErrInvalidOperation)

	assert.Equal(t, protocol.ModeImmediate, h.s.Mode())
	assert.True(t, h.s.Status().Open)
	assert.Empty(t, h.w.writes)
}

func TestImmediateFollowsCursor(t *testing.T) {
	h := newHarness(t)
	seq := testSequence(t, 4)
	h.openBooted(t)

	require.NoError(t, h.s.StartImmediate(seq))
	require.Len(t, h.w.writes, 2)
	assert.Equal(t, []byte{'I', 2}, h.w.writes[0])
	assert.Equal(t, pointPacket(t, seq, 0), h.w.writes[1])
	assert.Empty(t, h.events, "immediate mode raises no stream-started")
	assert.Equal(t, 0, seq.Cursor(), "immediate mode never moves the cursor")
	h.w.reset()

	require.NoError(t, seq.SetCursor(3))
	require.NoError(t, seq.SetCursor(1))
	require.Len(t, h.w.writes, 2)
	assert.Equal(t, pointPacket(t, seq, 3), h.w.writes[0])
	assert.Equal(t, pointPacket(t, seq, 1), h.w.writes[1])

	require.NoError(t, h.s.Stop())
	assert.Equal(t, "PPH", h.w.tags())
	assert.Empty(t, h.events, "no stream-stopped for immediate mode")
	assert.Equal(t, 0, seq.Subscribers(), "subscription released on stop")

	require.NoError(t, seq.SetCursor(2))
	assert.Equal(t, "PPH", h.w.tags())
}

func TestImmediateDeferredUntilBoot(t *testing.T) {
	h := newHarness(t)
	seq := testSequence(t, 2)

	require.NoError(t, h.s.Attach(h.w))
	require.NoError(t, h.s.StartImmediate(seq))
	require.NoError(t, seq.SetCursor(1))
	assert.Empty(t, h.w.writes)

	h.timers.fireLast()
	assert.Equal(t, "IP", h.w.tags())
	assert.Equal(t, pointPacket(t, seq, 1), h.w.writes[1])
}

func TestReadyDuringBootWaitsForBoot(t *testing.T) {
	h := newHarness(t)
	seq := testSequence(t, 3)

	require.NoError(t, h.s.Attach(h.w))
	require.NoError(t, h.s.StartStream(seq, false))
	h.s.Receive([]byte{'N'})
	assert.Empty(t, h.w.writes)
	assert.Equal(t, 0, seq.Cursor())

	h.timers.fireLast()
	assert.Equal(t, "SP", h.w.tags())
	assert.Equal(t, pointPacket(t, seq, 0), h.w.writes[1])
	assert.Equal(t, 1, seq.Cursor())
}

func TestResumeDuringBootWaitsForBoot(t *testing.T) {
	h := newHarness(t)
	seq := testSequence(t, 3)

	require.NoError(t, h.s.Attach(h.w))
	require.NoError(t, h.s.StartStream(seq, false))
	require.NoError(t, h.s.Pause())
	require.NoError(t, h.s.Resume())
	assert.Empty(t, h.w.writes)

	h.timers.fireLast()
	assert.Equal(t, "SP", h.w.tags())
	assert.Equal(t, pointPacket(t, seq, 0), h.w.writes[1])
}

func TestCursorChangedOutsideImmediateIgnored(t *testing.T) {
	h := newHarness(t)
	h.openBooted(t)
	h.s.CursorChanged()
	assert.Empty(t, h.w.writes)
}

func TestInboundSignalsByMode(t *testing.T) {
	h := newHarness(t)
	seq := testSequence(t, 3)
	h.openBooted(t)

	// Debug packets are understood in any mode, split or not
	h.s.Receive([]byte{'D', 5, 'h', 'e'})
	assert.Empty(t, h.events)
	h.s.Receive([]byte{'l', 'l', 'o'})
	require.Len(t, h.events, 1)
	assert.Equal(t, Event{Kind: EventDebugMessage, Text: "hello"}, h.events[0])

	// Flow control outside streaming is a protocol error
	require.NoError(t, h.s.StartImmediate(seq))
	h.events = nil
	h.s.Receive([]byte{'N'})
	require.Len(t, h.events, 1)
	assert.Equal(t, EventStreamError, h.events[0].Kind)
	assert.Contains(t, h.events[0].Text, "78")
	assert.Equal(t, "IP", h.w.tags())

	stats := h.s.ReassemblerStats()
	assert.Equal(t, uint64(1), stats.Packets)
	assert.Equal(t, uint64(1), stats.Dropped)
}

func TestUnknownByteResyncKeepsStreaming(t *testing.T) {
	h := newHarness(t)
	seq := testSequence(t, 5)
	h.openBooted(t)
	require.NoError(t, h.s.StartStream(seq, false))
	h.w.reset()
	h.events = nil

	h.s.Receive([]byte{0xFF, 'N'})
	require.Len(t, h.events, 1)
	assert.Equal(t, EventStreamError, h.events[0].Kind)
	assert.Equal(t, "P", h.w.tags())
	assert.True(t, h.s.Active())
}

func TestStopClearsReceiveBuffer(t *testing.T) {
	h := newHarness(t)
	seq := testSequence(t, 3)
	h.openBooted(t)
	require.NoError(t, h.s.StartStream(seq, false))

	// Half a debug packet is pending when the session ends
	h.s.Receive([]byte{'D', 4, 'x'})
	require.NoError(t, h.s.Stop())
	h.events = nil

	h.s.Receive([]byte{'D', 0})
	require.Len(t, h.events, 1)
	assert.Equal(t, Event{Kind: EventDebugMessage, Text: ""}, h.events[0])
}

func TestTransportErrorDoesNotStop(t *testing.T) {
	h := newHarness(t)
	seq := testSequence(t, 3)
	h.openBooted(t)
	require.NoError(t, h.s.StartStream(seq, false))
	h.events = nil

	h.s.TransportError(errors.New("device unplugged"))
	require.Len(t, h.events, 1)
	assert.Equal(t, Event{Kind: EventStreamError, Text: "error streaming: device unplugged"}, h.events[0])
	assert.Equal(t, protocol.ModeStreaming, h.s.Mode())
}

func TestShortWritesAreCompleted(t *testing.T) {
	h := newHarness(t)
	h.w.maxChunk = 3
	seq := testSequence(t, 2)
	h.openBooted(t)

	require.NoError(t, h.s.StartImmediate(seq))

	// 'I',2 fits; the 7-byte point packet needs three writes
	var all []byte
	for _, w := range h.w.writes {
		all = append(all, w...)
	}
	want := append([]byte{'I', 2}, pointPacket(t, seq, 0)...)
	assert.Equal(t, want, all)
	assert.Len(t, h.w.writes, 4)
}

func TestShortWriteGivesUpAfterRetries(t *testing.T) {
	w := &packetWriter{maxChunk: 1}
	timers := &manualTimers{}
	s := NewSession(SessionOptions{
		Logger:       zerolog.Nop(),
		Boot:         NewBootSynchronizer(0, timers.afterFunc),
		WriteRetries: 1,
	})
	require.NoError(t, s.Attach(w))
	timers.fireLast()

	seq := testSequence(t, 2)
	require.NoError(t, s.StartImmediate(seq))

	// Each packet gets one write plus one retry of a single byte each
	var all []byte
	for _, p := range w.writes {
		all = append(all, p...)
	}
	assert.True(t, bytes.HasPrefix(all, []byte{'I', 2}))
	assert.Len(t, all, 4)
}

func TestWriteErrorIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.openBooted(t)
	h.w.err = errors.New("io")

	require.NoError(t, h.s.StartImmediate(testSequence(t, 2)))
	assert.True(t, h.s.Active())
	require.NoError(t, h.s.Stop())
}
