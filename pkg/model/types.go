// Package model defines the core domain types for semtoken.
//
// Semtoken runs token construction over semantic entities in a sensor
// mesh using two ideas:
//
//   - Spanning trees: every node that belongs to an entity keeps a
//     (parent, root, distance) view, relaxed from what its neighbors
//     gossip. The root is the member with the smallest NodeID.
//
//   - Token waves: the root starts a wave by incrementing a small counter;
//     the counter travels depth-first along the tree. A node is active for
//     an entity while it holds a newer count than the one it last processed.
package model

import (
	"fmt"
	"math"
)

// NodeID identifies a node of the mesh.
type NodeID uint16

// NullNodeID marks an unknown node (no root learned yet, no child at an
// index, ...).
const NullNodeID NodeID = math.MaxUint16

// MaxDistance is the distance of a node that has not joined any tree.
const MaxDistance uint32 = math.MaxUint32

// EntityID identifies a semantic entity: the rule that defines the
// category plus a value that distinguishes instances of that rule.
type EntityID struct {
	Rule  uint8  `json:"rule" toml:"rule" yaml:"rule"`
	Value uint32 `json:"value" toml:"value" yaml:"value"`
}

// Less orders entity ids by rule, then by value.
func (e EntityID) Less(other EntityID) bool {
	if e.Rule != other.Rule {
		return e.Rule < other.Rule
	}
	return e.Value < other.Value
}

func (e EntityID) String() string { return fmt.Sprintf("%d.%d", e.Rule, e.Value) }

// TreeState is one node's view of the spanning tree of an entity.
type TreeState struct {
	Parent   NodeID `json:"parent"`
	Root     NodeID `json:"root"`
	Distance uint32 `json:"distance"`
}

// NewTreeState returns the state of a node that knows of no tree yet.
func NewTreeState() TreeState {
	return TreeState{Parent: 0, Root: NullNodeID, Distance: MaxDistance}
}

// TokenState is the token counter as carried on the wire.
type TokenState struct {
	Count uint8 `json:"count"`
}

// EntityState is an immutable snapshot of an entity on one node. It is what
// gets serialized for inspection and what the convergence check consumes.
type EntityState struct {
	ID    EntityID   `json:"entity"`
	Tree  TreeState  `json:"tree"`
	Token TokenState `json:"token"`
}

// NodeState pairs a snapshot with the node that reported it.
type NodeState struct {
	Node  NodeID      `json:"node"`
	State EntityState `json:"state"`
}

// HitClass classifies how far an observed arrival was from the prediction.
type HitClass int

const (
	HitClose HitClass = iota
	HitStable
	HitFar
)

func (h HitClass) String() string {
	switch h {
	case HitClose:
		return "close"
	case HitStable:
		return "stable"
	case HitFar:
		return "far"
	default:
		return fmt.Sprintf("HitClass(%d)", int(h))
	}
}

// EventKind enumerates the entries of a run's event log.
type EventKind string

const (
	EventTreeChange   EventKind = "tree_change"
	EventWaveStart    EventKind = "wave_start"
	EventTokenRecv    EventKind = "token_recv"
	EventTokenForward EventKind = "token_forward"
	EventWakeBegin    EventKind = "wake_begin"
	EventWakeEnd      EventKind = "wake_end"
	EventLinkDown     EventKind = "link_down"
	EventDrop         EventKind = "drop"
)
