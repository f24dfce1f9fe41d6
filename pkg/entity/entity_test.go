package entity

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/semtoken/pkg/clock"
	"github.com/daviddao/semtoken/pkg/model"
	"github.com/daviddao/semtoken/pkg/token"
)

var testEntity = model.EntityID{Rule: 1, Value: 42}

func newTestEntity(t *testing.T, s *clock.Scheduler, mutate ...func(*Env)) *Entity {
	t.Helper()
	env := Env{Clock: s, Timer: s}
	for _, m := range mutate {
		m(&env)
	}
	return New(testEntity, env)
}

func rootState(root model.NodeID) model.TreeState {
	return model.TreeState{Parent: root, Root: root, Distance: 0}
}

// --- Tree tests ---

func TestNewEntityIsDirtyAndUnjoined(t *testing.T) {
	e := newTestEntity(t, clock.NewScheduler())
	assert.True(t, e.Dirty())
	assert.Equal(t, model.NullNodeID, e.Root())
	assert.Equal(t, testEntity, e.ID())
	assert.Empty(t, e.Children())
}

func TestUpdateState_AloneBecomesRoot(t *testing.T) {
	e := newTestEntity(t, clock.NewScheduler())
	require.True(t, e.UpdateState(7))
	assert.Equal(t, model.TreeState{Parent: 7, Root: 7, Distance: 0}, e.Tree())
	assert.True(t, e.IsRoot(7))

	e.SetClean()
	assert.False(t, e.UpdateState(7), "recomputing an unchanged tree is not a change")
	assert.False(t, e.Dirty())
}

func TestUpdateState_AdoptsSmallerRoot(t *testing.T) {
	e := newTestEntity(t, clock.NewScheduler())
	e.UpdateState(5)
	e.SetClean()

	require.NoError(t, e.SetNeighborState(3, model.TreeState{Parent: 2, Root: 1, Distance: 2}))
	require.True(t, e.UpdateState(5))
	assert.Equal(t, model.TreeState{Parent: 3, Root: 1, Distance: 3}, e.Tree())
	assert.True(t, e.Dirty())
}

func TestUpdateState_IgnoresLargerRoot(t *testing.T) {
	e := newTestEntity(t, clock.NewScheduler())
	require.NoError(t, e.SetNeighborState(9, rootState(9)))
	e.UpdateState(5)
	assert.Equal(t, rootState(5), e.Tree())
}

func TestUpdateState_PrefersShorterPath(t *testing.T) {
	e := newTestEntity(t, clock.NewScheduler())
	require.NoError(t, e.SetNeighborState(4, model.TreeState{Parent: 3, Root: 1, Distance: 3}))
	require.NoError(t, e.SetNeighborState(6, model.TreeState{Parent: 1, Root: 1, Distance: 1}))
	e.UpdateState(5)
	assert.Equal(t, model.TreeState{Parent: 6, Root: 1, Distance: 2}, e.Tree())
}

func TestUpdateState_TieGoesToLowerNeighbor(t *testing.T) {
	e := newTestEntity(t, clock.NewScheduler())
	require.NoError(t, e.SetNeighborState(8, model.TreeState{Parent: 1, Root: 1, Distance: 1}))
	require.NoError(t, e.SetNeighborState(6, model.TreeState{Parent: 1, Root: 1, Distance: 1}))
	e.UpdateState(5)
	assert.Equal(t, model.NodeID(6), e.Parent())
}

func TestUpdateState_NeverPicksChildAsParent(t *testing.T) {
	e := newTestEntity(t, clock.NewScheduler())
	// Neighbor 3 claims a smaller root but hangs below us.
	require.NoError(t, e.SetNeighborState(3, model.TreeState{Parent: 5, Root: 1, Distance: 4}))
	e.UpdateState(5)
	assert.Equal(t, rootState(5), e.Tree())
	assert.Equal(t, []model.NodeID{3}, e.Children())
}

func TestUpdateState_ChildrenSorted(t *testing.T) {
	e := newTestEntity(t, clock.NewScheduler())
	for _, id := range []model.NodeID{9, 2, 6} {
		require.NoError(t, e.SetNeighborState(id, model.TreeState{Parent: 1, Root: 1, Distance: 1}))
	}
	e.UpdateState(1)
	assert.Equal(t, []model.NodeID{2, 6, 9}, e.Children())
	assert.Equal(t, 1, e.ChildIndex(6))
	assert.Equal(t, -1, e.ChildIndex(4))
	assert.Equal(t, model.NodeID(9), e.ChildAt(2))
	assert.Equal(t, model.NullNodeID, e.ChildAt(3))
	assert.Equal(t, model.NullNodeID, e.ChildAt(-1))
}

func TestUpdateState_UnjoinedNeighborIgnored(t *testing.T) {
	e := newTestEntity(t, clock.NewScheduler())
	require.NoError(t, e.SetNeighborState(2, model.NewTreeState()))
	e.UpdateState(5)
	assert.Equal(t, rootState(5), e.Tree())
}

// gossipRound pushes every node's tree state to its neighbors, then lets
// every node recompute. Returns whether any node changed.
func gossipRound(ents map[model.NodeID]*Entity, adj map[model.NodeID][]model.NodeID) bool {
	for id, e := range ents {
		for _, n := range adj[id] {
			_ = ents[n].SetNeighborState(id, e.Tree())
		}
	}
	changed := false
	for id, e := range ents {
		if e.UpdateState(id) {
			changed = true
		}
	}
	return changed
}

func converge(t *testing.T, ents map[model.NodeID]*Entity, adj map[model.NodeID][]model.NodeID) {
	t.Helper()
	for round := 0; round < 50; round++ {
		if !gossipRound(ents, adj) && round > 0 {
			return
		}
	}
	t.Fatal("tree did not converge within 50 rounds")
}

func TestTreeConverges_Line(t *testing.T) {
	s := clock.NewScheduler()
	// 4 - 2 - 5 - 1 - 3
	order := []model.NodeID{4, 2, 5, 1, 3}
	adj := map[model.NodeID][]model.NodeID{}
	ents := map[model.NodeID]*Entity{}
	for i, id := range order {
		ents[id] = newTestEntity(t, s)
		if i > 0 {
			adj[id] = append(adj[id], order[i-1])
		}
		if i < len(order)-1 {
			adj[id] = append(adj[id], order[i+1])
		}
	}
	converge(t, ents, adj)

	want := map[model.NodeID]model.TreeState{
		1: {Parent: 1, Root: 1, Distance: 0},
		5: {Parent: 1, Root: 1, Distance: 1},
		3: {Parent: 1, Root: 1, Distance: 1},
		2: {Parent: 5, Root: 1, Distance: 2},
		4: {Parent: 2, Root: 1, Distance: 3},
	}
	for id, st := range want {
		assert.Equal(t, st, ents[id].Tree(), "node %d", id)
	}
	assert.Equal(t, []model.NodeID{3, 5}, ents[1].Children())
	assert.Equal(t, []model.NodeID{2}, ents[5].Children())
	assert.Empty(t, ents[4].Children())
}

func TestTreeConverges_Grid(t *testing.T) {
	s := clock.NewScheduler()
	// 3x3 grid, ids row-major from 10; root should be 10 in the corner.
	const n = 3
	id := func(r, c int) model.NodeID { return model.NodeID(10 + r*n + c) }
	adj := map[model.NodeID][]model.NodeID{}
	ents := map[model.NodeID]*Entity{}
	for r := 0; r < n; r++ {
		for c := 0; c < n; c++ {
			ents[id(r, c)] = newTestEntity(t, s)
			if r > 0 {
				adj[id(r, c)] = append(adj[id(r, c)], id(r-1, c))
			}
			if r < n-1 {
				adj[id(r, c)] = append(adj[id(r, c)], id(r+1, c))
			}
			if c > 0 {
				adj[id(r, c)] = append(adj[id(r, c)], id(r, c-1))
			}
			if c < n-1 {
				adj[id(r, c)] = append(adj[id(r, c)], id(r, c+1))
			}
		}
	}
	converge(t, ents, adj)

	for r := 0; r < n; r++ {
		for c := 0; c < n; c++ {
			e := ents[id(r, c)]
			assert.Equal(t, model.NodeID(10), e.Root())
			assert.Equal(t, uint32(r+c), e.Distance(), "hop count of (%d,%d)", r, c)
			if r+c > 0 {
				p := ents[e.Parent()]
				assert.Equal(t, e.Distance()-1, p.Distance(), "parent of (%d,%d) on a shortest path", r, c)
			}
		}
	}
}

func TestTreeReconverges_AfterRootLeaves(t *testing.T) {
	s := clock.NewScheduler()
	adj := map[model.NodeID][]model.NodeID{1: {2}, 2: {1, 3}, 3: {2}}
	ents := map[model.NodeID]*Entity{1: newTestEntity(t, s), 2: newTestEntity(t, s), 3: newTestEntity(t, s)}
	converge(t, ents, adj)
	require.Equal(t, model.NodeID(1), ents[3].Root())

	// Node 1 disappears.
	ents[2].EraseNeighbor(1)
	delete(ents, 1)
	adj = map[model.NodeID][]model.NodeID{2: {3}, 3: {2}}
	converge(t, ents, adj)
	assert.Equal(t, rootState(2), ents[2].Tree())
	assert.Equal(t, model.TreeState{Parent: 2, Root: 2, Distance: 1}, ents[3].Tree())
}

// --- Capacity tests ---

func TestSetNeighborState_CapacityEvictsOldest(t *testing.T) {
	e := newTestEntity(t, clock.NewScheduler(), func(env *Env) { env.MaxNeighbors = 2 })
	require.NoError(t, e.SetNeighborState(1, rootState(1)))
	require.NoError(t, e.SetNeighborState(2, rootState(1)))
	require.NoError(t, e.SetNeighborState(1, rootState(1)), "updating a known neighbor never evicts")

	err := e.SetNeighborState(3, rootState(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCapacityExceeded))
	var ce *CapacityError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, model.NodeID(2), ce.Evicted)
	assert.Equal(t, []model.NodeID{1, 3}, e.Neighbors())
}

func TestLearnTokenForward_CapacityEvictsAndCancels(t *testing.T) {
	s := clock.NewScheduler()
	e := newTestEntity(t, s, func(env *Env) { env.MaxNeighbors = 1 })

	ended := 0
	require.NoError(t, e.ScheduleTokenForward(2, func() {}, func() { ended++ }))
	require.True(t, e.IsAwake())

	_, err := e.LearnTokenForward(1, 3, 100)
	require.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, 1, ended, "evicted predictor's wait is ended")
	assert.False(t, e.IsAwake())
	_, ok := e.ForwardPredictor(2)
	assert.False(t, ok)
	_, ok = e.ForwardPredictor(3)
	assert.True(t, ok)
}

// --- Ledger tests ---

func TestIsActive_Root(t *testing.T) {
	e := newTestEntity(t, clock.NewScheduler())
	e.UpdateState(1)
	e.SetCount(5)
	e.SetPrevTokenCount(5)
	require.True(t, e.IsActive(1))

	e.UpdateTokenState(1)
	assert.Equal(t, uint8(6), e.Count())
	assert.False(t, e.IsActive(1))

	// Calling again without the wave returning does not start another.
	e.UpdateTokenState(1)
	assert.Equal(t, uint8(6), e.Count())

	e.SetPrevTokenCount(6)
	assert.True(t, e.IsActive(1))
}

func TestIsActive_NonRoot(t *testing.T) {
	e := newTestEntity(t, clock.NewScheduler())
	require.NoError(t, e.SetNeighborState(1, rootState(1)))
	e.UpdateState(2)
	require.False(t, e.IsRoot(2))

	assert.False(t, e.IsActive(2))
	e.SetPrevTokenCount(1)
	assert.True(t, e.IsActive(2))

	e.SetClean()
	e.UpdateTokenState(2)
	assert.Equal(t, uint8(1), e.Count())
	assert.False(t, e.IsActive(2))
	assert.True(t, e.Dirty())

	e.SetPrevTokenCount(0)
	assert.False(t, e.IsActive(2), "an older count does not activate")
}

func TestIsActive_WrapPolicies(t *testing.T) {
	for _, tc := range []struct {
		policy token.Policy
		active bool
	}{
		{token.Linear, false},
		{token.Serial, true},
	} {
		t.Run(tc.policy.String(), func(t *testing.T) {
			e := newTestEntity(t, clock.NewScheduler(), func(env *Env) { env.Policy = tc.policy })
			require.NoError(t, e.SetNeighborState(1, rootState(1)))
			e.UpdateState(2)
			e.SetCount(255)
			e.SetPrevTokenCount(0)
			assert.Equal(t, tc.active, e.IsActive(2))
		})
	}
}

func TestNextTokenNode(t *testing.T) {
	e := newTestEntity(t, clock.NewScheduler())
	require.NoError(t, e.SetNeighborState(1, rootState(1)))
	e.UpdateState(4)
	assert.Equal(t, model.NodeID(1), e.NextTokenNode(), "leaf sends to parent")

	require.NoError(t, e.SetNeighborState(9, model.TreeState{Parent: 4, Root: 1, Distance: 2}))
	require.NoError(t, e.SetNeighborState(7, model.TreeState{Parent: 4, Root: 1, Distance: 2}))
	e.UpdateState(4)
	assert.Equal(t, model.NodeID(7), e.NextTokenNode(), "inner node sends to its first child")
}

func TestSnapshot(t *testing.T) {
	e := newTestEntity(t, clock.NewScheduler())
	e.UpdateState(3)
	e.SetCount(9)
	assert.Equal(t, model.EntityState{
		ID:    testEntity,
		Tree:  rootState(3),
		Token: model.TokenState{Count: 9},
	}, e.Snapshot())
}

func TestActivityPhase(t *testing.T) {
	e := newTestEntity(t, clock.NewScheduler())
	assert.False(t, e.InActivityPhase())
	e.BeginActivityPhase()
	e.BeginActivityPhase()
	assert.True(t, e.InActivityPhase())
	e.EndActivityPhase()
	assert.False(t, e.InActivityPhase())
}

// --- Timing tests ---

func TestActivatingToken_Lifecycle(t *testing.T) {
	s := clock.NewScheduler()
	e := newTestEntity(t, s)

	var began, ended int
	e.ScheduleActivatingToken(func() { began++ }, func() { ended++ })
	assert.Equal(t, 1, began, "early predictor wakes immediately")
	assert.True(t, e.IsAwake())

	e.LearnActivatingToken(1, 10000)
	assert.True(t, e.EndWaitForActivatingToken())
	assert.Equal(t, 1, ended)
	assert.False(t, e.IsAwake())
	assert.False(t, e.EndWaitForActivatingToken())
}

func TestActivatingToken_TimerAfterTraining(t *testing.T) {
	s := clock.NewScheduler()
	e := newTestEntity(t, s)
	for _, at := range []clock.Time{10000, 20000, 30000} {
		e.LearnActivatingToken(1, at)
	}
	_, err := s.RunUntil(context.Background(), 30000)
	require.NoError(t, err)

	began := 0
	e.ScheduleActivatingToken(func() { began++ }, nil)
	assert.Equal(t, 0, began)
	assert.False(t, e.IsAwake())

	// interval 10000, window 1250 -> wake at 38750.
	_, err = s.RunUntil(context.Background(), 38750)
	require.NoError(t, err)
	assert.Equal(t, 1, began)
	assert.True(t, e.IsAwake())
}

func TestTokenForward_EndWaitUnknownNeighbor(t *testing.T) {
	e := newTestEntity(t, clock.NewScheduler())
	assert.False(t, e.EndWaitForTokenForward(3))
	_, ok := e.ForwardPredictor(3)
	assert.False(t, ok, "ending a wait must not create a predictor")
}

func TestChildLossCancelsForwardOnce(t *testing.T) {
	s := clock.NewScheduler()
	e := newTestEntity(t, s)
	require.NoError(t, e.SetNeighborState(2, model.TreeState{Parent: 1, Root: 1, Distance: 1}))
	e.UpdateState(1)
	require.Equal(t, []model.NodeID{2}, e.Children())

	var began, ended int
	require.NoError(t, e.ScheduleTokenForward(2, func() { began++ }, func() { ended++ }))
	require.Equal(t, 1, began)
	require.True(t, e.IsAwake())

	// Node 2 re-parents elsewhere.
	require.NoError(t, e.SetNeighborState(2, model.TreeState{Parent: 3, Root: 1, Distance: 1}))
	e.UpdateState(1)
	assert.Empty(t, e.Children())
	assert.Equal(t, 1, ended)
	assert.False(t, e.IsAwake())

	// Later recomputations and removal do not cancel again.
	e.UpdateState(1)
	e.EraseNeighbor(2)
	assert.Equal(t, 1, ended)
}

func TestChildLossSuppressesArmedTimer(t *testing.T) {
	s := clock.NewScheduler()
	e := newTestEntity(t, s)
	require.NoError(t, e.SetNeighborState(2, model.TreeState{Parent: 1, Root: 1, Distance: 1}))
	e.UpdateState(1)
	for _, at := range []clock.Time{10000, 20000, 30000} {
		_, err := e.LearnTokenForward(1, 2, at)
		require.NoError(t, err)
	}
	_, err := s.RunUntil(context.Background(), 30000)
	require.NoError(t, err)

	began := 0
	require.NoError(t, e.ScheduleTokenForward(2, func() { began++ }, nil))
	p, ok := e.ForwardPredictor(2)
	require.True(t, ok)
	require.True(t, p.TimerArmed())

	e.EraseNeighbor(2)
	_, err = s.RunUntil(context.Background(), 50000)
	require.NoError(t, err)
	assert.Equal(t, 0, began)
	assert.False(t, e.IsAwake())
}

func TestNeighborAccessors(t *testing.T) {
	e := newTestEntity(t, clock.NewScheduler())
	require.NoError(t, e.SetNeighborState(7, model.TreeState{Parent: 1, Root: 1, Distance: 1}))
	require.NoError(t, e.SetNeighborState(3, model.TreeState{Parent: 1, Root: 1, Distance: 1}))
	require.NoError(t, e.SetNeighborState(5, rootState(5)))
	e.UpdateState(1)

	assert.Equal(t, []model.NodeID{3, 5, 7}, e.Neighbors())
	st, ok := e.NeighborState(5)
	require.True(t, ok)
	assert.Equal(t, rootState(5), st)

	assert.Equal(t, 0, e.ChildIndex(3))
	assert.Equal(t, 1, e.ChildIndex(7))
	assert.Equal(t, -1, e.ChildIndex(5))
	assert.Equal(t, model.NodeID(7), e.ChildAt(1))
	assert.Equal(t, model.NullNodeID, e.ChildAt(2))
	assert.Equal(t, model.NullNodeID, e.ChildAt(-1))

	e.EraseNeighbor(5)
	_, ok = e.NeighborState(5)
	assert.False(t, ok)
	assert.Equal(t, []model.NodeID{3, 7}, e.Neighbors())
}
