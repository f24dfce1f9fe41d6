package entity

import (
	"go.uber.org/zap"

	"github.com/daviddao/semtoken/pkg/model"
)

// IsRoot reports whether me is the root of the entity's tree.
func (e *Entity) IsRoot(me model.NodeID) bool { return e.tree.Root == me }

// IsActive reports whether the token state makes me the active node.
//
// The root is active while the count it last received equals its own: the
// previous wave has come back and a new one may start. Any other node is
// active while the count it received is newer than its own.
//
// Active says the node should be awake; IsAwake says whether it is.
func (e *Entity) IsActive(me model.NodeID) bool {
	if e.IsRoot(me) {
		return e.prev.Count == e.token.Count
	}
	return e.env.Policy.Newer(e.prev.Count, e.token.Count)
}

// UpdateTokenState records that me processed the current wave. The root
// starts the next wave by incrementing its count; any other node adopts
// the received count, which makes it inactive again.
func (e *Entity) UpdateTokenState(me model.NodeID) {
	if e.IsRoot(me) {
		if e.prev.Count == e.token.Count {
			e.token.Count++
			e.dirty = true
			e.log.Debug("wave started", zap.Uint16("node", uint16(me)), zap.Uint8("count", e.token.Count))
		}
		return
	}
	e.SetCount(e.prev.Count)
}

// NextTokenNode returns where processed token information goes next: the
// first child, or the parent for a leaf.
func (e *Entity) NextTokenNode() model.NodeID {
	if len(e.children) > 0 {
		return e.children[0]
	}
	return e.tree.Parent
}

// Count returns the own token count.
func (e *Entity) Count() uint8 { return e.token.Count }

// SetCount sets the own token count.
func (e *Entity) SetCount(c uint8) {
	if c != e.token.Count {
		e.token.Count = c
		e.dirty = true
	}
}

// PrevTokenCount returns the count last received from the predecessor.
func (e *Entity) PrevTokenCount() uint8 { return e.prev.Count }

// SetPrevTokenCount records a count received from the predecessor.
func (e *Entity) SetPrevTokenCount(c uint8) { e.prev.Count = c }
