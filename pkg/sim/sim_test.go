package sim

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/semtoken/pkg/config"
	"github.com/daviddao/semtoken/pkg/metrics"
	"github.com/daviddao/semtoken/pkg/model"
	"github.com/daviddao/semtoken/pkg/store"
)

var lineEntity = model.EntityID{Rule: 1, Value: 1}

// lineConfig is 1 - 2 - 3 with every node in one entity.
func lineConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Simulation.CountPolicy = "linear"
	cfg.Links = []config.Link{{A: 1, B: 2}, {A: 2, B: 3}}
	cfg.Entities = []config.Entity{{Rule: 1, Value: 1, Members: []model.NodeID{1, 2, 3}}}
	return cfg
}

func newSim(t *testing.T, cfg *config.Config, opts ...Option) *Sim {
	t.Helper()
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	return s
}

func memberState(t *testing.T, s *Sim, node model.NodeID, id model.EntityID) model.EntityState {
	t.Helper()
	e, ok := s.Member(node, id)
	require.True(t, ok, "node %d is not a member of %s", node, id)
	return e.Snapshot()
}

func TestLineConverges(t *testing.T) {
	s := newSim(t, lineConfig())
	r, err := s.Run(context.Background(), 20000)
	require.NoError(t, err)

	er, ok := r.Entity(lineEntity)
	require.True(t, ok)
	assert.True(t, er.Converged, "disagreeing: %v", er.Disagreeing)
	assert.Equal(t, []model.NodeID{1}, er.Roots)
	assert.GreaterOrEqual(t, int64(er.ConvergedAt), int64(0))
	assert.Less(t, int64(er.ConvergedAt), int64(5000))

	assert.Equal(t, model.TreeState{Parent: 1, Root: 1, Distance: 0}, memberState(t, s, 1, lineEntity).Tree)
	assert.Equal(t, model.TreeState{Parent: 1, Root: 1, Distance: 1}, memberState(t, s, 2, lineEntity).Tree)
	assert.Equal(t, model.TreeState{Parent: 2, Root: 1, Distance: 2}, memberState(t, s, 3, lineEntity).Tree)
}

func TestLineCirculatesToken(t *testing.T) {
	s := newSim(t, lineConfig())
	r, err := s.Run(context.Background(), 20000)
	require.NoError(t, err)

	er, _ := r.Entity(lineEntity)
	// A wave visits three nodes at 200ms each; the root may start from 3s.
	assert.GreaterOrEqual(t, er.Waves, 10)
	assert.GreaterOrEqual(t, er.Completed, er.Waves-1)
	assert.LessOrEqual(t, er.Completed, er.Waves)

	assert.Equal(t, 0, r.Messages.Dropped)
	assert.LessOrEqual(t, r.Messages.Delivered, r.Messages.Sent)
	assert.Zero(t, r.Events[model.EventDrop])
	assert.EqualValues(t, er.Waves, r.Events[model.EventWaveStart])

	// Every node that finished the wave holds the root's count.
	root := memberState(t, s, 1, lineEntity).Token.Count
	for _, id := range []model.NodeID{2, 3} {
		c := memberState(t, s, id, lineEntity).Token.Count
		assert.True(t, c == root || c == root-1, "node %d count %d, root %d", id, c, root)
	}
}

func TestDutyCycle(t *testing.T) {
	s := newSim(t, config.DefaultConfig())
	r, err := s.Run(context.Background(), 60000)
	require.NoError(t, err)

	require.Len(t, r.Nodes, 6)
	for _, n := range r.Nodes {
		assert.GreaterOrEqual(t, n.DutyCycle, 0.0, "node %d", n.Node)
		assert.LessOrEqual(t, n.DutyCycle, 1.0, "node %d", n.Node)
	}
	// Node 6 is a leaf of both entities and should sleep between tokens.
	last := r.Nodes[len(r.Nodes)-1]
	require.Equal(t, model.NodeID(6), last.Node)
	assert.Equal(t, 2, last.Entities)
	assert.Greater(t, last.AwakeMillis, int64(0))
	assert.Less(t, last.DutyCycle, 1.0)

	for _, er := range r.Entities {
		assert.True(t, er.Converged, "entity %s", er.Entity)
		assert.Greater(t, er.Waves, 5, "entity %s", er.Entity)
	}
	assert.Positive(t, r.Events[model.EventWakeBegin])
}

func TestFailLinkSplitsTree(t *testing.T) {
	s := newSim(t, lineConfig())
	ctx := context.Background()
	_, err := s.Run(ctx, 10000)
	require.NoError(t, err)

	require.NoError(t, s.FailLink(2, 1))
	assert.Error(t, s.FailLink(1, 2), "link is already down")

	r, err := s.Run(ctx, 25000)
	require.NoError(t, err)

	assert.Equal(t, model.TreeState{Parent: 1, Root: 1, Distance: 0}, memberState(t, s, 1, lineEntity).Tree)
	assert.Equal(t, model.TreeState{Parent: 2, Root: 2, Distance: 0}, memberState(t, s, 2, lineEntity).Tree)
	assert.Equal(t, model.TreeState{Parent: 2, Root: 2, Distance: 1}, memberState(t, s, 3, lineEntity).Tree)

	er, _ := r.Entity(lineEntity)
	assert.False(t, er.Converged)
	assert.Equal(t, []model.NodeID{1, 2}, er.Roots)
	assert.EqualValues(t, 2, r.Events[model.EventLinkDown])

	// The new root keeps the token moving in its half.
	before := memberState(t, s, 3, lineEntity).Token.Count
	_, err = s.Run(ctx, 30000)
	require.NoError(t, err)
	assert.NotEqual(t, before, memberState(t, s, 3, lineEntity).Token.Count)
}

func TestScheduledFailure(t *testing.T) {
	cfg := lineConfig()
	cfg.Failures = []config.Failure{{AtMS: 5000, A: 2, B: 3}}
	s := newSim(t, cfg)

	r, err := s.Run(context.Background(), 10000)
	require.NoError(t, err)
	assert.EqualValues(t, 2, r.Events[model.EventLinkDown])
	assert.Equal(t, model.NodeID(3), memberState(t, s, 3, lineEntity).Tree.Root)
}

func TestDeterministic(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Simulation.LossRate = 0.2
	cfg.Simulation.WaveTimeoutMS = 5000

	run := func() *Report {
		r, err := newSim(t, cfg).Run(context.Background(), 30000)
		require.NoError(t, err)
		return r
	}
	a, b := run(), run()
	assert.Equal(t, a, b)
	assert.Positive(t, a.Messages.Dropped)
}

func TestSmallNeighborTable(t *testing.T) {
	cfg := lineConfig()
	cfg.Simulation.MaxNeighbors = 1
	s := newSim(t, cfg)

	_, err := s.Run(context.Background(), 10000)
	require.NoError(t, err)
	e, _ := s.Member(2, lineEntity)
	assert.Len(t, e.Neighbors(), 1)
}

func TestRecordsToStore(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "sim.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	run, err := st.CreateRun("line", 1, "{}")
	require.NoError(t, err)

	s := newSim(t, lineConfig(), WithStore(st, run.ID))
	r, err := s.Run(context.Background(), 20000)
	require.NoError(t, err)
	assert.Equal(t, run.ID, r.RunID)

	snaps, err := st.LatestSnapshots(run.ID)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	for _, snap := range snaps {
		assert.Equal(t, int64(20000), snap.At)
		assert.Equal(t, memberState(t, s, snap.Node, lineEntity), snap.State)
	}

	counts, err := st.CountEventsByKind(run.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Events[model.EventWaveStart], counts[model.EventWaveStart])
	assert.Equal(t, r.Events[model.EventTreeChange], counts[model.EventTreeChange])

	var total int64
	for _, n := range r.Events {
		total += n
	}
	assert.Equal(t, total, st.CountEvents(run.ID))
}

func TestMetrics(t *testing.T) {
	m := metrics.New()
	s := newSim(t, lineConfig(), WithMetrics(m))
	_, err := s.Run(context.Background(), 20000)
	require.NoError(t, err)

	samples, err := m.Gather()
	require.NoError(t, err)
	got := map[string]float64{}
	for _, smp := range samples {
		got[smp.Name] += smp.Value
	}
	assert.Positive(t, got["semtoken_token_forwards_total"])
	assert.Positive(t, got["semtoken_tree_changes_total"])
	assert.Positive(t, got["semtoken_predictor_hits_total"])
	assert.Positive(t, got["semtoken_token_waves_total"])
	assert.GreaterOrEqual(t, got["semtoken_awake_nodes"], 0.0)
}

func TestRunCancelled(t *testing.T) {
	s := newSim(t, lineConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Run(ctx, 10000)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunResumes(t *testing.T) {
	s := newSim(t, lineConfig())
	ctx := context.Background()
	r1, err := s.Run(ctx, 5000)
	require.NoError(t, err)
	r2, err := s.Run(ctx, 8000)
	require.NoError(t, err)
	assert.EqualValues(t, 8000, r2.Now)
	assert.Greater(t, r2.Steps, r1.Steps)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := lineConfig()
	cfg.Simulation.GossipIntervalMS = 0
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestSnapshotsOrdered(t *testing.T) {
	s := newSim(t, config.DefaultConfig())
	snaps := s.Snapshots()
	require.Len(t, snaps, 9)
	for i := 1; i < len(snaps); i++ {
		a, b := snaps[i-1], snaps[i]
		if a.State.ID == b.State.ID {
			assert.Less(t, a.Node, b.Node)
		} else {
			assert.True(t, a.State.ID.Less(b.State.ID))
		}
	}
}
