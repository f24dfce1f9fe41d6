// Package entity implements one node's share of a semantic entity: its
// spanning-tree view, its token ledger, and the predictors that time token
// arrivals.
//
// An Entity is driven from outside. The neighbor-discovery layer feeds it
// neighbor tree states (SetNeighborState, EraseNeighbor) and asks it to
// recompute (UpdateState); the token protocol queries IsActive and
// NextTokenNode, calls UpdateTokenState once it processed a wave, and uses
// the Learn/Schedule/EndWait hooks to sleep between token arrivals.
//
// Note: Entity is not goroutine-safe. All calls, including the begin/end
// callbacks it triggers, must come from the node's single event loop.
package entity

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/daviddao/semtoken/pkg/clock"
	"github.com/daviddao/semtoken/pkg/model"
	"github.com/daviddao/semtoken/pkg/predictor"
	"github.com/daviddao/semtoken/pkg/token"
)

// DefaultMaxNeighbors bounds the neighbor and token-forward tables.
const DefaultMaxNeighbors = 8

// Env carries the capabilities and tuning an Entity is built with.
type Env struct {
	Clock  clock.Clock
	Timer  clock.Timer
	Logger *zap.Logger

	// MaxNeighbors bounds the neighbor-state and token-forward tables.
	// Zero means DefaultMaxNeighbors.
	MaxNeighbors int

	// Policy decides when a received count is newer than the own count.
	Policy token.Policy

	// PredictorOptions are applied to every predictor the entity creates.
	PredictorOptions []predictor.Option
}

// Entity is one node's state for one semantic entity.
type Entity struct {
	env Env
	log *zap.Logger

	id    model.EntityID
	tree  model.TreeState
	token model.TokenState
	prev  model.TokenState // last count received from the predecessor
	dirty bool

	children  []model.NodeID // sorted
	neighbors *lru.Cache[model.NodeID, model.TreeState]
	forwards  *lru.Cache[model.NodeID, *predictor.Predictor]

	activating    *predictor.Predictor
	activityPhase bool
}

// New creates the entity id on a node that just learned it is a member.
// The entity starts dirty so its first state gets gossiped.
func New(id model.EntityID, env Env) *Entity {
	if env.MaxNeighbors <= 0 {
		env.MaxNeighbors = DefaultMaxNeighbors
	}
	if env.Logger == nil {
		env.Logger = zap.NewNop()
	}
	e := &Entity{
		env:       env,
		log:       env.Logger.With(zap.Stringer("entity", id)),
		id:        id,
		tree:      model.NewTreeState(),
		dirty:     true,
		neighbors: mustLRU[model.TreeState](env.MaxNeighbors),
		forwards:  mustLRU[*predictor.Predictor](env.MaxNeighbors),
	}
	e.activating = e.newPredictor(e.log.With(zap.String("timer", "activating")))
	return e
}

func mustLRU[V any](size int) *lru.Cache[model.NodeID, V] {
	c, err := lru.New[model.NodeID, V](size)
	if err != nil {
		// Only fails for size <= 0, which New rules out.
		panic(fmt.Sprintf("entity: lru: %v", err))
	}
	return c
}

func (e *Entity) newPredictor(l *zap.Logger) *predictor.Predictor {
	opts := append([]predictor.Option{predictor.WithLogger(l)}, e.env.PredictorOptions...)
	return predictor.New(e.env.Clock, e.env.Timer, opts...)
}

// ID returns the entity id.
func (e *Entity) ID() model.EntityID { return e.id }

// Less orders entities by id.
func (e *Entity) Less(other *Entity) bool { return e.id.Less(other.id) }

// Tree returns the current tree view.
func (e *Entity) Tree() model.TreeState { return e.tree }

// Parent returns the current parent.
func (e *Entity) Parent() model.NodeID { return e.tree.Parent }

// Root returns the current root.
func (e *Entity) Root() model.NodeID { return e.tree.Root }

// Distance returns the hop count to the root.
func (e *Entity) Distance() uint32 { return e.tree.Distance }

// Token returns the own token state.
func (e *Entity) Token() model.TokenState { return e.token }

// Snapshot returns the serializable state of the entity.
func (e *Entity) Snapshot() model.EntityState {
	return model.EntityState{ID: e.id, Tree: e.tree, Token: e.token}
}

// Dirty reports whether the state changed since the last SetClean.
func (e *Entity) Dirty() bool { return e.dirty }

// SetClean marks the current state as propagated.
func (e *Entity) SetClean() { e.dirty = false }

// InActivityPhase reports whether the token protocol already set up its
// duty-cycle timers for the current activity.
func (e *Entity) InActivityPhase() bool { return e.activityPhase }

// BeginActivityPhase marks the activity phase as started.
func (e *Entity) BeginActivityPhase() { e.activityPhase = true }

// EndActivityPhase marks the activity phase as over.
func (e *Entity) EndActivityPhase() { e.activityPhase = false }

// IsAwake reports whether any predictor of this entity is waiting.
// Awake is independent of active: a node can wait for a token it does not
// hold yet, or hold a token while not waiting for anything.
func (e *Entity) IsAwake() bool {
	if e.activating.Waiting() {
		return true
	}
	for _, p := range e.forwards.Values() {
		if p.Waiting() {
			return true
		}
	}
	return false
}
