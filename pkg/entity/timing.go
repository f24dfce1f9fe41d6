package entity

import (
	"go.uber.org/zap"

	"github.com/daviddao/semtoken/pkg/clock"
	"github.com/daviddao/semtoken/pkg/model"
	"github.com/daviddao/semtoken/pkg/predictor"
)

// LearnActivatingToken feeds the arrival of the token that activates me.
func (e *Entity) LearnActivatingToken(me model.NodeID, t clock.Time) model.HitClass {
	class := e.activating.Hit(t)
	e.log.Debug("learned activating token", zap.Uint16("node", uint16(me)), zap.Stringer("class", class))
	return class
}

// ScheduleActivatingToken arranges to wake up before the next activating
// token is due. See predictor.StartWaitingTimer.
func (e *Entity) ScheduleActivatingToken(begin, end func()) {
	e.activating.StartWaitingTimer(begin, end)
}

// EndWaitForActivatingToken stops waiting for the activating token.
func (e *Entity) EndWaitForActivatingToken() bool {
	return e.activating.EndWaiting()
}

// ActivatingPredictor exposes the activating-token predictor for inspection.
func (e *Entity) ActivatingPredictor() *predictor.Predictor { return e.activating }

// LearnTokenForward feeds the arrival of a token forwarded by from. The
// per-neighbor predictor is created on first use; see forward for the
// error.
func (e *Entity) LearnTokenForward(me, from model.NodeID, t clock.Time) (model.HitClass, error) {
	p, err := e.forward(from)
	class := p.Hit(t)
	e.log.Debug("learned token forward", zap.Uint16("node", uint16(me)),
		zap.Uint16("from", uint16(from)), zap.Stringer("class", class))
	return class, err
}

// ScheduleTokenForward arranges to wake up before from is due to forward
// the token back.
func (e *Entity) ScheduleTokenForward(from model.NodeID, begin, end func()) error {
	p, err := e.forward(from)
	e.log.Debug("scheduling token forward", zap.Uint16("from", uint16(from)))
	p.StartWaitingTimer(begin, end)
	return err
}

// EndWaitForTokenForward stops waiting for a forward from from.
func (e *Entity) EndWaitForTokenForward(from model.NodeID) bool {
	p, ok := e.forwards.Peek(from)
	if !ok {
		return false
	}
	return p.EndWaiting()
}

// ForwardPredictor returns the predictor for forwards from from, if any.
func (e *Entity) ForwardPredictor(from model.NodeID) (*predictor.Predictor, bool) {
	return e.forwards.Peek(from)
}

// forward returns the predictor for from, creating it if needed. A full
// table evicts (and cancels) its least recently used predictor and
// reports a *CapacityError alongside the new predictor.
func (e *Entity) forward(from model.NodeID) (*predictor.Predictor, error) {
	if p, ok := e.forwards.Get(from); ok {
		return p, nil
	}
	var err error
	if e.forwards.Len() >= e.env.MaxNeighbors {
		old, op, _ := e.forwards.RemoveOldest()
		op.Cancel()
		e.log.Warn("token forward table full", zap.Uint16("evicted", uint16(old)), zap.Uint16("neighbor", uint16(from)))
		err = &CapacityError{Table: "token forward", Evicted: old}
	}
	p := e.newPredictor(e.log.With(zap.String("timer", "forward"), zap.Uint16("from", uint16(from))))
	e.forwards.Add(from, p)
	return p, err
}
