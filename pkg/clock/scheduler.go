package clock

import (
	"container/heap"
	"context"
)

// Scheduler is a discrete-event loop over virtual time. It implements both
// Clock (one tick per millisecond) and Timer, so a simulated network can
// hand the same Scheduler to every node. Not goroutine-safe.
type Scheduler struct {
	now Time
	seq uint64
	q   eventQueue
}

// NewScheduler returns a scheduler positioned at time zero.
func NewScheduler() *Scheduler { return &Scheduler{} }

// Now returns the current virtual time.
func (s *Scheduler) Now() Time { return s.now }

// Seconds returns the whole seconds of t.
func (s *Scheduler) Seconds(t Time) uint32 {
	if t < 0 {
		return 0
	}
	return uint32(t / 1000)
}

// Milliseconds returns the millisecond remainder of t.
func (s *Scheduler) Milliseconds(t Time) uint32 {
	if t < 0 {
		return 0
	}
	return uint32(t % 1000)
}

// Arm implements Timer.
func (s *Scheduler) Arm(delayMillis uint32, fn func()) {
	s.At(s.now+Time(delayMillis), fn)
}

// At schedules fn at absolute time t. Times in the past run at the next
// step without moving the clock backwards. Events scheduled for the same
// time run in the order they were scheduled.
func (s *Scheduler) At(t Time, fn func()) {
	if t < s.now {
		t = s.now
	}
	s.seq++
	heap.Push(&s.q, &event{at: t, seq: s.seq, fn: fn})
}

// Pending returns the number of scheduled events.
func (s *Scheduler) Pending() int { return s.q.Len() }

// Step runs the earliest event, advancing the clock to its time.
// Returns false if nothing is scheduled.
func (s *Scheduler) Step() bool {
	if s.q.Len() == 0 {
		return false
	}
	ev := heap.Pop(&s.q).(*event)
	s.now = ev.at
	ev.fn()
	return true
}

// RunUntil runs every event scheduled at or before until, then leaves the
// clock at until. Returns the number of events run. Cancellation is
// checked between events.
func (s *Scheduler) RunUntil(ctx context.Context, until Time) (int, error) {
	n := 0
	for s.q.Len() > 0 && s.q[0].at <= until {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		s.Step()
		n++
	}
	if until > s.now {
		s.now = until
	}
	return n, nil
}

type event struct {
	at  Time
	seq uint64
	fn  func()
}

type eventQueue []*event

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].at != q[j].at {
		return q[i].at < q[j].at
	}
	return q[i].seq < q[j].seq
}

func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *eventQueue) Push(x any) { *q = append(*q, x.(*event)) }

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return ev
}
