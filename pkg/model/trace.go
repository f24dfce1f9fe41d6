package model

import "time"

// Run is one recorded simulation.
type Run struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Seed       int64     `json:"seed"`
	Config     string    `json:"config,omitempty"` // JSON copy of the configuration used
	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	SimMillis  int64     `json:"sim_ms"` // simulated time reached
}

// Finished reports whether the run completed.
func (r Run) Finished() bool { return !r.FinishedAt.IsZero() }

// Snapshot is an entity state observed on a node at a simulated time.
type Snapshot struct {
	RunID int64       `json:"run_id"`
	At    int64       `json:"at_ms"`
	Node  NodeID      `json:"node"`
	State EntityState `json:"state"`
}

// NodeState drops the timing information.
func (s Snapshot) NodeState() NodeState { return NodeState{Node: s.Node, State: s.State} }

// Event is one entry of a run's event log. Peer is the other node involved
// (sender, receiver, old parent), or NullNodeID.
type Event struct {
	ID     int64     `json:"id"`
	RunID  int64     `json:"run_id"`
	At     int64     `json:"at_ms"`
	Node   NodeID    `json:"node"`
	Entity EntityID  `json:"entity"`
	Kind   EventKind `json:"kind"`
	Peer   NodeID    `json:"peer"`
	Count  uint8     `json:"count"`
	Detail string    `json:"detail,omitempty"`
}
