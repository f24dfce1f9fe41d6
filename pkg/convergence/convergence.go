// Package convergence checks, from the outside, whether the tree views the
// members of an entity reported add up to one spanning tree.
//
// No node can run this check: it needs every member's snapshot at once.
// The simulator and the CLI use it to tell when gossip has settled.
//
// An entity has converged when, for the set of members that reported:
//
//	every member names the smallest member id as root,
//	the root is its own parent at distance 0, and
//	every other member's parent reported distance d-1 for the same root.
package convergence

import (
	"slices"

	"github.com/daviddao/semtoken/pkg/model"
)

// Status is the result of a convergence check for one entity.
type Status struct {
	Entity       model.EntityID    `json:"entity"`
	Converged    bool              `json:"converged"`
	ExpectedRoot model.NodeID      `json:"expected_root"`
	Roots        []model.NodeID    `json:"roots"`
	Disagreeing  []model.NodeState `json:"disagreeing,omitempty"`
}

// ClaimedRoots returns the distinct roots the members report, ascending.
func ClaimedRoots(states []model.NodeState) []model.NodeID {
	var roots []model.NodeID
	for _, s := range states {
		if !slices.Contains(roots, s.State.Tree.Root) {
			roots = append(roots, s.State.Tree.Root)
		}
	}
	slices.Sort(roots)
	return roots
}

// Check evaluates the snapshots of one entity. states must all carry the
// same entity id; an empty set never counts as converged.
func Check(states []model.NodeState) Status {
	st := Status{ExpectedRoot: model.NullNodeID, Roots: ClaimedRoots(states)}
	if len(states) == 0 {
		return st
	}
	st.Entity = states[0].State.ID

	byNode := make(map[model.NodeID]model.TreeState, len(states))
	for _, s := range states {
		byNode[s.Node] = s.State.Tree
		if s.Node < st.ExpectedRoot {
			st.ExpectedRoot = s.Node
		}
	}

	for _, s := range states {
		if !consistent(s.Node, s.State.Tree, st.ExpectedRoot, byNode) {
			st.Disagreeing = append(st.Disagreeing, s)
		}
	}
	slices.SortFunc(st.Disagreeing, func(a, b model.NodeState) int { return int(a.Node) - int(b.Node) })
	st.Converged = len(st.Disagreeing) == 0
	return st
}

func consistent(node model.NodeID, tree model.TreeState, root model.NodeID, byNode map[model.NodeID]model.TreeState) bool {
	if tree.Root != root {
		return false
	}
	if node == root {
		return tree.Parent == node && tree.Distance == 0
	}
	p, ok := byNode[tree.Parent]
	if !ok || tree.Parent == node {
		return false
	}
	return p.Root == root && p.Distance+1 == tree.Distance
}

// CheckAll groups snapshots by entity and checks each group. Results are
// ordered by entity id.
func CheckAll(states []model.NodeState) []Status {
	groups := map[model.EntityID][]model.NodeState{}
	var ids []model.EntityID
	for _, s := range states {
		if _, ok := groups[s.State.ID]; !ok {
			ids = append(ids, s.State.ID)
		}
		groups[s.State.ID] = append(groups[s.State.ID], s)
	}
	slices.SortFunc(ids, func(a, b model.EntityID) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		default:
			return 0
		}
	})
	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		out = append(out, Check(groups[id]))
	}
	return out
}
