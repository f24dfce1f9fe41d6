package sim

import (
	"errors"

	"go.uber.org/zap"

	"github.com/daviddao/semtoken/pkg/clock"
	"github.com/daviddao/semtoken/pkg/entity"
	"github.com/daviddao/semtoken/pkg/metrics"
	"github.com/daviddao/semtoken/pkg/model"
	"github.com/daviddao/semtoken/pkg/wire"
)

// Token circulation.
//
// The root starts a wave with an activity phase, then bumps its count and
// hands the token to NextTokenNode. A node that receives a newer count from
// its parent runs its own activity phase, adopts the count and passes the
// token to its first child (or back to the parent if it has none). A node
// that gets the token back from child i passes it to child i+1, and after
// the last child to its parent. The wave is over when the root gets it back
// from its last child.
//
// Around this the predictors learn when tokens show up: every receipt from
// the parent is an activating hit, every receipt from a child a forward hit
// for that child, and each send arms the matching wake-up.

// settleRounds is how many gossip intervals a node must have been root
// before it starts waves. Nodes briefly elect themselves while the tree
// forms and must not flood the entity with counts in the meantime.
const settleRounds = 3

// pollRoot runs on every gossip tick. It starts the next wave when m's
// node is a settled root and gives up on a wave that did not come back.
func (s *Sim) pollRoot(n *node, m *member) {
	if !m.IsRoot(n.id) {
		m.waveInFlight = false
		return
	}
	now := s.Now()
	settle := clock.Time(settleRounds * s.cfg.Simulation.GossipIntervalMS)
	if now-m.rootSince < settle {
		return
	}
	if timeout := clock.Time(s.cfg.Simulation.WaveTimeoutMS); m.waveInFlight && timeout > 0 && now-m.waveAt >= timeout {
		n.log.Warn("wave lost", zap.Stringer("entity", m.ID()), zap.Uint8("count", m.Count()))
		s.record(n, m, model.EventDrop, model.NullNodeID, "wave timeout")
		m.waveInFlight = false
	}
	if !m.waveInFlight && !m.IsActive(n.id) {
		// Left over from before this node became root.
		m.SetPrevTokenCount(m.Count())
	}
	s.startWave(n, m)
}

func (s *Sim) startWave(n *node, m *member) {
	if !m.IsRoot(n.id) || m.waveInFlight || m.InActivityPhase() || !m.IsActive(n.id) {
		return
	}
	s.beginActivity(n, m)
}

func (s *Sim) beginActivity(n *node, m *member) {
	m.BeginActivityPhase()
	s.sched.Arm(uint32(s.cfg.Simulation.ActivityMS), func() { s.finishActivity(n, m) })
}

// finishActivity ends the activity phase and passes the token on.
func (s *Sim) finishActivity(n *node, m *member) {
	m.EndActivityPhase()
	if !m.IsActive(n.id) {
		// Tree or ledger changed under us.
		return
	}
	root := m.IsRoot(n.id)
	m.UpdateTokenState(n.id)

	if root {
		m.waves++
		m.waveAt = s.Now()
		m.waveInFlight = true
		s.metrics.WaveStarted(m.ID())
		s.record(n, m, model.EventWaveStart, model.NullNodeID, "")
	} else {
		begin, end := s.waitCallbacks(n, m, m.Parent(), metrics.KindActivating)
		m.ScheduleActivatingToken(begin, end)
	}

	next := m.NextTokenNode()
	switch {
	case next == n.id:
		// Lone root: nobody to visit.
		s.completeWave(n, m)
	case m.ChildIndex(next) >= 0:
		s.sendToChild(n, m, next)
	default:
		s.sendToken(n, m, next)
	}
}

func (s *Sim) receiveToken(n *node, m *member, msg wire.ForwardMessage) {
	now := s.Now()
	from, c := msg.From, msg.Token.Count

	if from == m.Parent() && !m.IsRoot(n.id) {
		if !s.cfg.Policy().Newer(c, m.Count()) {
			s.record(n, m, model.EventDrop, from, "stale count from parent")
			return
		}
		m.SetPrevTokenCount(c)
		class := m.LearnActivatingToken(n.id, now)
		s.metrics.ObserveHit(metrics.KindActivating, class)
		m.EndWaitForActivatingToken()
		s.record(n, m, model.EventTokenRecv, from, class.String())
		if !m.InActivityPhase() {
			s.beginActivity(n, m)
		}
		return
	}

	i := m.ChildIndex(from)
	if i < 0 {
		s.record(n, m, model.EventDrop, from, "sender not on tree")
		return
	}
	class, err := m.LearnTokenForward(n.id, from, now)
	s.logCapacity(n, m, err)
	s.metrics.ObserveHit(metrics.KindForward, class)
	m.EndWaitForTokenForward(from)
	s.record(n, m, model.EventTokenRecv, from, class.String())

	if c != m.Count() {
		s.record(n, m, model.EventDrop, from, "stale count from child")
		return
	}
	switch next := m.ChildAt(i + 1); {
	case next != model.NullNodeID:
		s.sendToChild(n, m, next)
	case m.IsRoot(n.id):
		s.completeWave(n, m)
	default:
		s.sendToken(n, m, m.Parent())
	}
}

func (s *Sim) completeWave(n *node, m *member) {
	m.SetPrevTokenCount(m.Count())
	m.waveInFlight = false
	m.completed++
	n.log.Debug("wave complete", zap.Stringer("entity", m.ID()), zap.Uint8("count", m.Count()),
		zap.Int64("took_ms", int64(s.Now()-m.waveAt)))
	s.startWave(n, m)
}

// sendToChild passes the token down and arms the wake-up for its return.
func (s *Sim) sendToChild(n *node, m *member, child model.NodeID) {
	s.sendToken(n, m, child)
	begin, end := s.waitCallbacks(n, m, child, metrics.KindForward)
	s.logCapacity(n, m, m.ScheduleTokenForward(child, begin, end))
}

func (s *Sim) sendToken(n *node, m *member, to model.NodeID) {
	msg := wire.ForwardMessage{From: n.id, Entity: m.ID(), Token: m.Token()}
	b, err := msg.MarshalBinary()
	if err != nil {
		n.log.Error("encode token", zap.Error(err))
		return
	}
	s.metrics.TokenForwarded()
	s.record(n, m, model.EventTokenForward, to, "")
	if err := n.radio.Send(to, b); err != nil {
		n.log.Error("send token", zap.Error(err))
	}
}

func (s *Sim) logCapacity(n *node, m *member, err error) {
	var ce *entity.CapacityError
	if errors.As(err, &ce) {
		n.log.Warn("token forward predictor evicted", zap.Stringer("entity", m.ID()),
			zap.Uint16("evicted", uint16(ce.Evicted)))
	}
}
