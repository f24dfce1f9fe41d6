// Package sim runs semantic entities on a simulated mesh.
//
// The simulator plays every collaborator the entity package expects from
// the outside world: a virtual clock and one-shot timers, a lossy radio,
// neighbor gossip, link failures, and the token protocol that moves the
// count depth-first along each entity's spanning tree.
//
// Everything runs on one clock.Scheduler, so a Sim is deterministic for a
// given configuration and seed. A Sim is not goroutine-safe.
package sim

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"

	"go.uber.org/zap"

	"github.com/daviddao/semtoken/pkg/clock"
	"github.com/daviddao/semtoken/pkg/config"
	"github.com/daviddao/semtoken/pkg/entity"
	"github.com/daviddao/semtoken/pkg/logging"
	"github.com/daviddao/semtoken/pkg/metrics"
	"github.com/daviddao/semtoken/pkg/model"
	"github.com/daviddao/semtoken/pkg/store"
)

// Option configures a Sim.
type Option func(*Sim)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sim) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics records protocol metrics.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Sim) { s.metrics = m } }

// WithStore records snapshots and events of the run runID.
func WithStore(st store.StoreInterface, runID int64) Option {
	return func(s *Sim) { s.rec = newRecorder(st, runID) }
}

// Sim is a simulated mesh.
type Sim struct {
	cfg     *config.Config
	sched   *clock.Scheduler
	rng     *rand.Rand
	log     *zap.Logger
	metrics *metrics.Metrics
	rec     *recorder

	nodes map[model.NodeID]*node
	ids   []model.NodeID
	links map[link]bool

	convergedAt map[model.EntityID]clock.Time
	started     bool
	steps       int
	msgs        MessageStats
}

type link struct{ a, b model.NodeID }

func mkLink(a, b model.NodeID) link {
	if b < a {
		a, b = b, a
	}
	return link{a, b}
}

// node is one mote. It only knows the entities it is a member of.
type node struct {
	id       model.NodeID
	log      *zap.Logger
	radio    clock.Radio
	adjacent []model.NodeID // sorted, only links that are up
	members  map[model.EntityID]*member
	order    []model.EntityID

	waits       int // waits in progress across all predictors
	awakeSince  clock.Time
	awakeMillis clock.Time
}

// member is a node's entity plus the bookkeeping the protocol keeps for it.
type member struct {
	*entity.Entity

	rootSince    clock.Time // when this node last became root
	waveAt       clock.Time // start of the wave in flight
	waveInFlight bool
	waves        int // waves this node started as root
	completed    int // waves that came back to this node
}

// New builds a simulated mesh from cfg. The configuration is validated
// first.
func New(cfg *config.Config, opts ...Option) (*Sim, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("sim: %w", err)
	}
	s := &Sim{
		cfg:         cfg,
		sched:       clock.NewScheduler(),
		rng:         rand.New(rand.NewPCG(uint64(cfg.Simulation.Seed), 0x5e3)),
		log:         zap.NewNop(),
		nodes:       map[model.NodeID]*node{},
		links:       map[link]bool{},
		convergedAt: map[model.EntityID]clock.Time{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rec == nil {
		s.rec = newRecorder(nil, 0)
	}

	for _, id := range cfg.Nodes() {
		s.ids = append(s.ids, id)
		s.nodes[id] = &node{
			id:      id,
			log:     logging.NodeLogger(s.log, uint16(id)),
			radio:   radio{s: s, id: id},
			members: map[model.EntityID]*member{},
		}
	}
	for _, l := range cfg.Links {
		s.links[mkLink(l.A, l.B)] = true
		s.nodes[l.A].adjacent = append(s.nodes[l.A].adjacent, l.B)
		s.nodes[l.B].adjacent = append(s.nodes[l.B].adjacent, l.A)
	}
	for _, n := range s.nodes {
		slices.Sort(n.adjacent)
		n.adjacent = slices.Compact(n.adjacent)
	}

	for _, e := range cfg.Entities {
		for _, id := range e.Members {
			n := s.nodes[id]
			n.members[e.ID()] = &member{Entity: entity.New(e.ID(), entity.Env{
				Clock:            s.sched,
				Timer:            s.sched,
				Logger:           n.log,
				MaxNeighbors:     cfg.Simulation.MaxNeighbors,
				Policy:           cfg.Policy(),
				PredictorOptions: cfg.PredictorOptions(),
			})}
			n.order = append(n.order, e.ID())
		}
		s.convergedAt[e.ID()] = -1
	}
	for _, n := range s.nodes {
		slices.SortFunc(n.order, compareEntity)
	}
	return s, nil
}

func compareEntity(a, b model.EntityID) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	default:
		return 0
	}
}

// Now returns the simulated time.
func (s *Sim) Now() clock.Time { return s.sched.Now() }

// Member returns node's instance of the entity id.
func (s *Sim) Member(nodeID model.NodeID, id model.EntityID) (*entity.Entity, bool) {
	n, ok := s.nodes[nodeID]
	if !ok {
		return nil, false
	}
	m, ok := n.members[id]
	if !ok {
		return nil, false
	}
	return m.Entity, true
}

// Snapshots returns every member's state, ordered by entity then node.
func (s *Sim) Snapshots() []model.NodeState {
	var out []model.NodeState
	for _, id := range s.ids {
		n := s.nodes[id]
		for _, eid := range n.order {
			out = append(out, model.NodeState{Node: id, State: n.members[eid].Snapshot()})
		}
	}
	slices.SortStableFunc(out, func(a, b model.NodeState) int {
		return compareEntity(a.State.ID, b.State.ID)
	})
	return out
}

// Run advances the simulation to until and reports on it. Run may be
// called repeatedly with increasing times; the first call starts the
// periodic gossip and token activity.
func (s *Sim) Run(ctx context.Context, until clock.Time) (*Report, error) {
	if !s.started {
		s.start()
	}
	n, err := s.sched.RunUntil(ctx, until)
	s.steps += n
	if err != nil {
		return nil, err
	}
	s.rec.snapshot(s.Now(), s.Snapshots())
	if err := s.rec.flush(); err != nil {
		return nil, err
	}

	r := s.report()
	s.log.Info("simulation advanced",
		zap.Int64("now_ms", int64(s.Now())),
		zap.Int("steps", n),
		zap.Int("sent", r.Messages.Sent),
		zap.Int("dropped", r.Messages.Dropped),
	)
	return r, nil
}

func (s *Sim) start() {
	s.started = true
	gossip := clock.Time(s.cfg.Simulation.GossipIntervalMS)

	for _, id := range s.ids {
		n := s.nodes[id]
		// A lone node elects itself until it hears otherwise.
		for _, eid := range n.order {
			n.members[eid].UpdateState(n.id)
		}
		s.sched.At(clock.Time(s.rng.Int64N(int64(gossip))), func() { s.gossipTick(n) })
	}
	s.sched.At(gossip, s.convergenceTick)

	if every := s.cfg.Simulation.SnapshotIntervalMS; every > 0 && s.rec.enabled() {
		var tick func()
		tick = func() {
			s.rec.snapshot(s.Now(), s.Snapshots())
			s.sched.Arm(uint32(every), tick)
		}
		s.sched.At(clock.Time(every), tick)
	}

	for _, f := range s.cfg.Failures {
		s.sched.At(clock.Time(f.AtMS), func() {
			if err := s.FailLink(f.A, f.B); err != nil {
				s.log.Warn("scheduled link failure", zap.Error(err))
			}
		})
	}
	s.log.Info("simulation started",
		zap.Int("nodes", len(s.ids)),
		zap.Int("links", len(s.links)),
		zap.Int("entities", len(s.convergedAt)),
		zap.Int64("seed", s.cfg.Simulation.Seed),
	)
}

// FailLink takes the link between a and b down. Both ends forget each
// other as a neighbor of every entity and recompute their trees.
func (s *Sim) FailLink(a, b model.NodeID) error {
	l := mkLink(a, b)
	if !s.links[l] {
		return fmt.Errorf("sim: no live link between %d and %d", a, b)
	}
	delete(s.links, l)
	s.log.Info("link down", zap.Uint16("a", uint16(a)), zap.Uint16("b", uint16(b)))

	for _, pair := range [][2]model.NodeID{{a, b}, {b, a}} {
		n, peer := s.nodes[pair[0]], pair[1]
		n.adjacent = slices.DeleteFunc(n.adjacent, func(id model.NodeID) bool { return id == peer })
		for _, eid := range n.order {
			m := n.members[eid]
			m.EraseNeighbor(peer)
			s.record(n, m, model.EventLinkDown, peer, "")
			s.updateTree(n, m)
		}
	}
	return nil
}

func (s *Sim) linkUp(a, b model.NodeID) bool { return s.links[mkLink(a, b)] }

// convergenceTick tracks when each entity's tree first became consistent.
func (s *Sim) convergenceTick() {
	for _, st := range s.convergence() {
		at := s.convergedAt[st.Entity]
		switch {
		case st.Converged && at < 0:
			s.convergedAt[st.Entity] = s.Now()
			s.log.Info("entity converged", zap.Stringer("entity", st.Entity),
				zap.Uint16("root", uint16(st.ExpectedRoot)), zap.Int64("at_ms", int64(s.Now())))
		case !st.Converged && at >= 0:
			s.convergedAt[st.Entity] = -1
		}
	}
	s.sched.Arm(uint32(s.cfg.Simulation.GossipIntervalMS), s.convergenceTick)
}

func (s *Sim) record(n *node, m *member, kind model.EventKind, peer model.NodeID, detail string) {
	s.rec.event(model.Event{
		At:     int64(s.Now()),
		Node:   n.id,
		Entity: m.ID(),
		Kind:   kind,
		Peer:   peer,
		Count:  m.Count(),
		Detail: detail,
	})
}
