// Package clock defines the time capabilities the token logic consumes and
// a virtual-time scheduler that provides them in simulation.
//
// The core never reads wall-clock time. Everything that needs "now" or a
// one-shot wake-up receives a Clock and a Timer at construction:
//
//	Clock: Now() plus a decomposition of a Time into whole seconds and
//	       the millisecond remainder, used to compute absolute milliseconds.
//	Timer: Arm(delay, fn) fires fn once after delay milliseconds.
//	Radio: Send(to, payload) hands a payload to a one-hop neighbor.
//
// Note: nothing in this package is goroutine-safe. A node processes all of
// its timer fires and message receipts from a single event loop.
package clock

import "github.com/daviddao/semtoken/pkg/model"

// Time is a point on a node's clock, in ticks. The Scheduler uses one tick
// per millisecond; other clocks may differ, which is why conversion goes
// through Seconds/Milliseconds.
type Time int64

// Clock reports the current time and decomposes times into seconds and
// milliseconds.
type Clock interface {
	Now() Time
	Seconds(t Time) uint32
	Milliseconds(t Time) uint32
}

// Timer arms one-shot callbacks. Armed callbacks cannot be aborted; callers
// that change their mind must make the late fire a no-op themselves.
type Timer interface {
	Arm(delayMillis uint32, fn func())
}

// Radio sends payloads to one-hop neighbors. Delivery is best effort.
// Receipt is not part of the interface: the event loop hands incoming
// payloads to the node.
type Radio interface {
	ID() model.NodeID
	Send(to model.NodeID, payload []byte) error
}

// AbsoluteMillis converts t to milliseconds using c's decomposition.
func AbsoluteMillis(c Clock, t Time) uint32 {
	if t <= 0 {
		return 0
	}
	return c.Seconds(t)*1000 + c.Milliseconds(t)
}
