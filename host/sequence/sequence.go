// Package sequence holds the point sequence an owner hands to the engine.
package sequence

import (
	"errors"
	"fmt"
	"sync"

	"seqlink/protocol"
)

var (
	ErrEmpty            = errors.New("sequence: no points")
	ErrDimensionality   = errors.New("sequence: invalid dimensionality")
	ErrCursorOutOfRange = errors.New("sequence: cursor out of range")
)

// Sequence is an ordered list of points with a fixed channel count and a
// movable cursor. It is safe for concurrent use; subscribers are notified
// outside the lock.
type Sequence struct {
	mu             sync.Mutex
	points         []protocol.Point
	dimensionality int
	cursor         int

	nextID      uint64
	subscribers map[uint64]func(cursor int)
}

// New creates a sequence. Every point must carry exactly dimensionality
// channels.
func New(dimensionality int, points []protocol.Point) (*Sequence, error) {
	if dimensionality < 0 || dimensionality > protocol.MaxDimensionality {
		return nil, fmt.Errorf("%w: %d", ErrDimensionality, dimensionality)
	}
	if len(points) == 0 {
		return nil, ErrEmpty
	}

	copied := make([]protocol.Point, len(points))
	for i, p := range points {
		if len(p.Channels) != dimensionality {
			return nil, fmt.Errorf("%w: point %d has %d channels, want %d",
				ErrDimensionality, i, len(p.Channels), dimensionality)
		}
		channels := make([]uint, len(p.Channels))
		copy(channels, p.Channels)
		copied[i] = protocol.Point{
			Duration:     p.Duration,
			TimeToTarget: p.TimeToTarget,
			Channels:     channels,
		}
	}

	return &Sequence{
		points:         copied,
		dimensionality: dimensionality,
		subscribers:    make(map[uint64]func(int)),
	}, nil
}

// Len returns the number of points
func (s *Sequence) Len() int {
	return len(s.points)
}

// Dimensionality returns the channel count of every point
func (s *Sequence) Dimensionality() int {
	return s.dimensionality
}

// Cursor returns the current point index
func (s *Sequence) Cursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Point returns the point at the cursor
func (s *Sequence) Point() protocol.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.points[s.cursor]
}

// PointAt returns the point at index i
func (s *Sequence) PointAt(i int) (protocol.Point, error) {
	if i < 0 || i >= len(s.points) {
		return protocol.Point{}, fmt.Errorf("%w: %d (len %d)", ErrCursorOutOfRange, i, len(s.points))
	}
	return s.points[i], nil
}

// SetCursor moves the cursor and notifies subscribers if it changed
func (s *Sequence) SetCursor(i int) error {
	if i < 0 || i >= len(s.points) {
		return fmt.Errorf("%w: %d (len %d)", ErrCursorOutOfRange, i, len(s.points))
	}

	s.mu.Lock()
	if s.cursor == i {
		s.mu.Unlock()
		return nil
	}
	s.cursor = i
	subs := make([]func(int), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(i)
	}
	return nil
}

// Subscribe registers fn to be called with the new cursor after every
// change. The returned handle removes the registration.
func (s *Sequence) Subscribe(fn func(cursor int)) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.subscribers[id] = fn
	return &Subscription{seq: s, id: id}
}

func (s *Sequence) unsubscribe(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, id)
}

// Subscribers returns the number of live registrations
func (s *Sequence) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// Subscription is a cursor-change registration
type Subscription struct {
	once sync.Once
	seq  *Sequence
	id   uint64
}

// Cancel removes the registration. It is safe to call more than once.
func (sub *Subscription) Cancel() {
	if sub == nil {
		return
	}
	sub.once.Do(func() {
		sub.seq.unsubscribe(sub.id)
	})
}
