package sim

import (
	"fmt"
	"maps"

	"github.com/daviddao/semtoken/pkg/clock"
	"github.com/daviddao/semtoken/pkg/convergence"
	"github.com/daviddao/semtoken/pkg/model"
	"github.com/daviddao/semtoken/pkg/store"
)

// Report summarizes a simulation up to its current time.
type Report struct {
	RunID    int64                     `json:"run_id,omitempty"`
	Now      clock.Time                `json:"now_ms"`
	Steps    int                       `json:"steps"`
	Entities []EntityReport            `json:"entities"`
	Nodes    []NodeReport              `json:"nodes"`
	Messages MessageStats              `json:"messages"`
	Events   map[model.EventKind]int64 `json:"events"`
}

// EntityReport is the state of one entity's tree and token.
type EntityReport struct {
	convergence.Status
	ConvergedAt clock.Time `json:"converged_at_ms"` // -1 while not converged
	Waves       int        `json:"waves"`           // waves started by any root
	Completed   int        `json:"completed"`       // waves that returned to their root
}

// NodeReport is the duty cycle of one node.
type NodeReport struct {
	Node        model.NodeID `json:"node"`
	Entities    int          `json:"entities"`
	AwakeMillis int64        `json:"awake_ms"`
	DutyCycle   float64      `json:"duty_cycle"`
}

// Entity returns the report for id.
func (r *Report) Entity(id model.EntityID) (EntityReport, bool) {
	for _, e := range r.Entities {
		if e.Entity == id {
			return e, true
		}
	}
	return EntityReport{}, false
}

func (s *Sim) convergence() []convergence.Status {
	return convergence.CheckAll(s.Snapshots())
}

func (s *Sim) report() *Report {
	now := s.Now()
	r := &Report{
		RunID:    s.rec.runID,
		Now:      now,
		Steps:    s.steps,
		Messages: s.msgs,
		Events:   s.rec.counts(),
	}

	waves := map[model.EntityID][2]int{}
	for _, id := range s.ids {
		n := s.nodes[id]
		for _, eid := range n.order {
			m := n.members[eid]
			w := waves[eid]
			waves[eid] = [2]int{w[0] + m.waves, w[1] + m.completed}
		}
		nr := NodeReport{Node: id, Entities: len(n.order), AwakeMillis: int64(n.awake(now))}
		if now > 0 {
			nr.DutyCycle = float64(nr.AwakeMillis) / float64(now)
		}
		r.Nodes = append(r.Nodes, nr)
	}
	for _, st := range s.convergence() {
		w := waves[st.Entity]
		r.Entities = append(r.Entities, EntityReport{
			Status:      st,
			ConvergedAt: s.convergedAt[st.Entity],
			Waves:       w[0],
			Completed:   w[1],
		})
	}
	return r
}

// recorder buffers the event log and writes it to the store in batches.
// Without a store it only counts.
type recorder struct {
	st     store.StoreInterface
	runID  int64
	buf    []model.Event
	totals map[model.EventKind]int64
	err    error
}

const flushEvery = 256

func newRecorder(st store.StoreInterface, runID int64) *recorder {
	return &recorder{st: st, runID: runID, totals: map[model.EventKind]int64{}}
}

func (r *recorder) enabled() bool { return r.st != nil }

func (r *recorder) event(e model.Event) {
	r.totals[e.Kind]++
	if r.st == nil || r.err != nil {
		return
	}
	e.RunID = r.runID
	r.buf = append(r.buf, e)
	if len(r.buf) >= flushEvery {
		r.flush() //nolint:errcheck // kept in r.err and returned by Run
	}
}

func (r *recorder) snapshot(at clock.Time, states []model.NodeState) {
	if r.st == nil || r.err != nil {
		return
	}
	if err := r.st.InsertSnapshots(r.runID, int64(at), states); err != nil {
		r.err = fmt.Errorf("record snapshots: %w", err)
	}
}

// flush writes buffered events. The first error sticks.
func (r *recorder) flush() error {
	if r.st == nil || r.err != nil || len(r.buf) == 0 {
		return r.err
	}
	if err := r.st.InsertEvents(r.buf); err != nil {
		r.err = fmt.Errorf("record events: %w", err)
	}
	r.buf = r.buf[:0]
	return r.err
}

func (r *recorder) counts() map[model.EventKind]int64 {
	return maps.Clone(r.totals)
}
