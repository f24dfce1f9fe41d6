package entity

import (
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/daviddao/semtoken/pkg/model"
)

// ErrCapacityExceeded is wrapped by every CapacityError.
var ErrCapacityExceeded = errors.New("entity: capacity exceeded")

// CapacityError reports that a bounded table was full. The insert that
// caused it was applied after evicting the least recently updated entry.
type CapacityError struct {
	Table   string
	Evicted model.NodeID
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("entity: %s table full, evicted neighbor %d", e.Table, e.Evicted)
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }

// SetNeighborState records the tree state neighbor id gossiped. A full
// table evicts its least recently updated neighbor (cancelling that
// neighbor's token-forward wait) and reports a *CapacityError.
func (e *Entity) SetNeighborState(id model.NodeID, st model.TreeState) error {
	var err error
	if !e.neighbors.Contains(id) && e.neighbors.Len() >= e.env.MaxNeighbors {
		old, _, _ := e.neighbors.RemoveOldest()
		e.cancelTimers(old)
		e.log.Warn("neighbor table full", zap.Uint16("evicted", uint16(old)), zap.Uint16("neighbor", uint16(id)))
		err = &CapacityError{Table: "neighbor", Evicted: old}
	}
	e.neighbors.Add(id, st)
	return err
}

// NeighborState returns the last tree state gossiped by id.
func (e *Entity) NeighborState(id model.NodeID) (model.TreeState, bool) {
	return e.neighbors.Peek(id)
}

// Neighbors returns the known neighbors in ascending order.
func (e *Entity) Neighbors() []model.NodeID {
	ids := e.neighbors.Keys()
	slices.Sort(ids)
	return ids
}

// EraseNeighbor forgets a neighbor the discovery layer lost and cancels
// any wait for a token it was expected to forward.
func (e *Entity) EraseNeighbor(id model.NodeID) {
	e.neighbors.Remove(id)
	e.cancelTimers(id)
}

// Children returns the current children in ascending order. The slice is
// shared; callers must not modify it.
func (e *Entity) Children() []model.NodeID { return e.children }

// ChildIndex returns the position of id in the child list, or -1.
func (e *Entity) ChildIndex(id model.NodeID) int {
	i, ok := slices.BinarySearch(e.children, id)
	if !ok {
		return -1
	}
	return i
}

// ChildAt returns the child at position i, or NullNodeID.
func (e *Entity) ChildAt(i int) model.NodeID {
	if i < 0 || i >= len(e.children) {
		return model.NullNodeID
	}
	return e.children[i]
}

// UpdateState recomputes children, parent, root and distance from the
// neighbor states heard so far. me is this node's id. Returns whether the
// tree state changed.
//
// The root is the smallest id any non-child neighbor reports (or me, if
// none is smaller). Among neighbors reporting that root the one with the
// fewest hops wins; remaining ties go to the lower neighbor id.
func (e *Entity) UpdateState(me model.NodeID) bool {
	ids := e.Neighbors()
	if len(ids) == 0 {
		e.log.Debug("no neighbors", zap.Uint16("node", uint16(me)))
	}

	// Children: neighbors that chose me as parent.
	old := e.children
	children := make([]model.NodeID, 0, len(ids))
	for _, id := range ids {
		if st, _ := e.neighbors.Peek(id); st.Parent == me {
			children = append(children, id)
		}
	}
	e.children = children
	for _, c := range old {
		if _, ok := slices.BinarySearch(children, c); !ok {
			e.log.Debug("lost child", zap.Uint16("node", uint16(me)), zap.Uint16("child", uint16(c)))
			e.cancelTimers(c)
		}
	}

	// Parent, root, distance. Children are skipped so we never pick a
	// node below us as parent.
	parent, root, distance := me, me, model.MaxDistance
	for _, id := range ids {
		st, _ := e.neighbors.Peek(id)
		if st.Parent == me {
			continue
		}
		d := st.Distance
		if d != model.MaxDistance {
			d++
		}
		switch {
		case st.Root < root:
			parent, root, distance = id, st.Root, d
		case st.Root == root && d < distance:
			parent, distance = id, d
		}
	}
	if root == me {
		parent, distance = me, 0
	}

	// Every setter must run; do not fold these into one || expression.
	cd := e.setDistance(me, distance)
	cp := e.setParent(me, parent)
	cr := e.setRoot(me, root)
	return cd || cp || cr
}

func (e *Entity) setParent(me, p model.NodeID) bool {
	if p == e.tree.Parent {
		return false
	}
	e.log.Debug("tree state change", zap.Uint16("node", uint16(me)),
		zap.String("field", "parent"), zap.Uint16("old", uint16(e.tree.Parent)), zap.Uint16("new", uint16(p)))
	e.tree.Parent = p
	e.dirty = true
	return true
}

func (e *Entity) setRoot(me, r model.NodeID) bool {
	if r == e.tree.Root {
		return false
	}
	e.log.Debug("tree state change", zap.Uint16("node", uint16(me)),
		zap.String("field", "root"), zap.Uint16("old", uint16(e.tree.Root)), zap.Uint16("new", uint16(r)))
	e.tree.Root = r
	e.dirty = true
	return true
}

func (e *Entity) setDistance(me model.NodeID, d uint32) bool {
	if d == e.tree.Distance {
		return false
	}
	e.log.Debug("tree state change", zap.Uint16("node", uint16(me)),
		zap.String("field", "distance"), zap.Uint32("old", e.tree.Distance), zap.Uint32("new", d))
	e.tree.Distance = d
	e.dirty = true
	return true
}

// cancelTimers abandons the wait for a token forwarded by n, if any.
func (e *Entity) cancelTimers(n model.NodeID) {
	if p, ok := e.forwards.Peek(n); ok {
		if p.Cancel() {
			e.log.Debug("token forward wait cancelled", zap.Uint16("neighbor", uint16(n)))
		}
	}
}
