package sim

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/daviddao/semtoken/pkg/clock"
	"github.com/daviddao/semtoken/pkg/entity"
	"github.com/daviddao/semtoken/pkg/model"
	"github.com/daviddao/semtoken/pkg/wire"
)

// frame is what the medium carries between two adjacent nodes. The payload
// starts with a wire message type.
type frame struct {
	from, to model.NodeID
	payload  []byte
}

// MessageStats counts radio traffic.
type MessageStats struct {
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Dropped   int `json:"dropped"`
}

// radio is one node's handle on the simulated medium.
type radio struct {
	s  *Sim
	id model.NodeID
}

var _ clock.Radio = radio{}

func (r radio) ID() model.NodeID { return r.id }

// Send queues payload for to. Link state and loss are decided by the
// medium; only oversized payloads are refused.
func (r radio) Send(to model.NodeID, payload []byte) error {
	if len(payload) > wire.MaxMessageLength {
		return fmt.Errorf("sim: %d byte payload exceeds %d", len(payload), wire.MaxMessageLength)
	}
	r.s.send(frame{from: r.id, to: to, payload: payload})
	return nil
}

// send hands f to the medium. It arrives after the configured delay unless
// the link is down or the frame is lost.
func (s *Sim) send(f frame) {
	s.msgs.Sent++
	if !s.linkUp(f.from, f.to) {
		s.drop(f, "no link")
		return
	}
	if p := s.cfg.Simulation.LossRate; p > 0 && s.rng.Float64() < p {
		s.drop(f, "lost")
		return
	}
	s.sched.Arm(uint32(s.cfg.Simulation.MessageDelayMS), func() { s.deliver(f) })
}

func (s *Sim) deliver(f frame) {
	if !s.linkUp(f.from, f.to) {
		s.drop(f, "link down in flight")
		return
	}
	s.msgs.Delivered++
	n := s.nodes[f.to]

	typ, err := wire.MessageType(f.payload)
	if err != nil {
		n.log.Warn("empty frame", zap.Uint16("from", uint16(f.from)))
		return
	}
	switch typ {
	case wire.GossipMessageType:
		st, err := wire.DecodeGossip(f.payload)
		if err != nil {
			n.log.Warn("bad gossip frame", zap.Error(err))
			return
		}
		s.receiveGossip(n, f.from, st)

	case wire.ForwardMessageType:
		var msg wire.ForwardMessage
		if err := msg.UnmarshalBinary(f.payload); err != nil {
			n.log.Warn("bad token frame", zap.Error(err))
			return
		}
		m, ok := n.members[msg.Entity]
		if !ok {
			n.log.Debug("token for foreign entity", zap.Stringer("entity", msg.Entity))
			return
		}
		s.receiveToken(n, m, msg)

	default:
		n.log.Warn("unknown message type", zap.Uint8("type", typ))
	}
}

func (s *Sim) drop(f frame, reason string) {
	s.msgs.Dropped++
	s.metrics.MessageDropped()
	var msg wire.ForwardMessage
	if err := msg.UnmarshalBinary(f.payload); err != nil {
		// Only lost tokens are worth an event.
		return
	}
	n := s.nodes[f.from]
	if m, ok := n.members[msg.Entity]; ok {
		s.record(n, m, model.EventDrop, f.to, reason)
	}
	n.log.Debug("token dropped", zap.Uint16("to", uint16(f.to)), zap.String("reason", reason))
}

// ---------------------------------------------------------------------------
// Gossip
// ---------------------------------------------------------------------------

func (s *Sim) gossipTick(n *node) {
	for _, eid := range n.order {
		m := n.members[eid]
		s.gossip(n, m)
		s.pollRoot(n, m)
	}
	s.sched.Arm(uint32(s.cfg.Simulation.GossipIntervalMS), func() { s.gossipTick(n) })
}

// gossip broadcasts m's tree state to every adjacent node. Nodes that are
// not members of the entity ignore it.
func (s *Sim) gossip(n *node, m *member) {
	if m.Dirty() {
		n.log.Debug("propagating tree change", zap.Stringer("entity", m.ID()))
	}
	payload := wire.EncodeGossip(m.Snapshot())
	for _, peer := range n.adjacent {
		if err := n.radio.Send(peer, payload); err != nil {
			n.log.Error("gossip", zap.Error(err))
		}
	}
	m.SetClean()
}

func (s *Sim) receiveGossip(n *node, from model.NodeID, st model.EntityState) {
	m, ok := n.members[st.ID]
	if !ok {
		return
	}
	if err := m.SetNeighborState(from, st.Tree); err != nil {
		var ce *entity.CapacityError
		if errors.As(err, &ce) {
			n.log.Warn("neighbor evicted", zap.Stringer("entity", m.ID()), zap.Uint16("evicted", uint16(ce.Evicted)))
		}
	}
	s.updateTree(n, m)
}

// updateTree recomputes m's tree and reacts to a change of root: a node
// joining another root's tree forgets its old count so the new root's
// waves read as newer.
func (s *Sim) updateTree(n *node, m *member) {
	old := m.Tree()
	if !m.UpdateState(n.id) {
		return
	}
	s.metrics.TreeChanged()
	s.record(n, m, model.EventTreeChange, m.Parent(), treeDetail(m.Tree()))

	if m.Root() == old.Root {
		return
	}
	m.waveInFlight = false
	if m.IsRoot(n.id) {
		m.rootSince = s.Now()
		return
	}
	m.SetCount(0)
	m.SetPrevTokenCount(0)
}

func treeDetail(t model.TreeState) string {
	return fmt.Sprintf("root %d distance %d", t.Root, t.Distance)
}

// waitCallbacks returns begin/end callbacks for one predictor wait. They
// keep the node's awake time as the union of all its waits.
func (s *Sim) waitCallbacks(n *node, m *member, peer model.NodeID, kind string) (begin, end func()) {
	began := false
	begin = func() {
		began = true
		if n.waits == 0 {
			n.awakeSince = s.Now()
		}
		n.waits++
		s.metrics.Wake()
		s.record(n, m, model.EventWakeBegin, peer, kind)
	}
	end = func() {
		if !began {
			return
		}
		began = false
		n.waits--
		if n.waits == 0 {
			n.awakeMillis += s.Now() - n.awakeSince
		}
		s.metrics.Sleep()
		s.record(n, m, model.EventWakeEnd, peer, kind)
	}
	return begin, end
}

func (n *node) awake(now clock.Time) clock.Time {
	if n.waits > 0 {
		return n.awakeMillis + now - n.awakeSince
	}
	return n.awakeMillis
}
