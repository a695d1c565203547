package engine

import "time"

// Timer is the part of *time.Timer the boot synchronizer needs
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d; time.AfterFunc in production
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// BootSynchronizer is a single-shot delay started whenever the transport
// opens. The board resets when the port is opened and cannot take protocol
// traffic until its bootloader is done.
//
// Every Start bumps a generation counter; an expiry carrying an older
// generation is stale and ignored.
type BootSynchronizer struct {
	delay     time.Duration
	afterFunc AfterFunc

	gen     uint64
	timer   Timer
	pending bool
}

// NewBootSynchronizer creates a synchronizer; afterFunc may be nil
func NewBootSynchronizer(delay time.Duration, afterFunc AfterFunc) *BootSynchronizer {
	if afterFunc == nil {
		afterFunc = realAfterFunc
	}
	return &BootSynchronizer{
		delay:     delay,
		afterFunc: afterFunc,
	}
}

// Start (re)starts the delay; fire is called with the generation when it
// elapses, on the timer's goroutine
func (b *BootSynchronizer) Start(fire func(gen uint64)) {
	b.stopTimer()
	b.gen++
	gen := b.gen
	b.pending = true
	b.timer = b.afterFunc(b.delay, func() {
		fire(gen)
	})
}

// Elapsed marks the delay finished if gen is current. It reports whether
// the boot-finished sequence should run.
func (b *BootSynchronizer) Elapsed(gen uint64) bool {
	if !b.pending || gen != b.gen {
		return false
	}
	b.pending = false
	b.timer = nil
	return true
}

// Cancel abandons a pending delay
func (b *BootSynchronizer) Cancel() {
	b.stopTimer()
	b.gen++
	b.pending = false
}

// Pending reports whether the delay is running
func (b *BootSynchronizer) Pending() bool {
	return b.pending
}

// Delay returns the configured delay
func (b *BootSynchronizer) Delay() time.Duration {
	return b.delay
}

func (b *BootSynchronizer) stopTimer() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
