// Package predictor learns when a recurring event is due and schedules
// wake-ups around that prediction.
//
// A Predictor keeps two learned quantities:
//
//	interval: the expected period between arrivals.
//	window:   the uncertainty radius around the expected arrival.
//
// Each observed arrival (a hit) is classified by how far it landed from
// the prediction. Close hits shrink the window and pull the interval hard
// toward the observed gap; stable hits only nudge the interval; far hits
// widen the window. During the first few hits the interval is replaced
// outright and no timer is trusted: waiting starts immediately.
//
// Note: Predictor is not goroutine-safe. Timer callbacks must be delivered
// on the same event loop that calls Hit and StartWaitingTimer.
package predictor

import (
	"fmt"

	"github.com/daviddao/semtoken/pkg/clock"
	"github.com/daviddao/semtoken/pkg/model"
	"go.uber.org/zap"
)

// TimeScale converts the tuning constants below into clock ticks.
const TimeScale = 10

const (
	// MinWindow is the floor a close hit can shrink the window to.
	MinWindow clock.Time = 100 * TimeScale
	// DefaultInterval and DefaultWindow seed a fresh predictor.
	DefaultInterval clock.Time = 1000 * TimeScale
	DefaultWindow   clock.Time = 1000 * TimeScale
)

// Percentages of the window (classification) and of the observed gap
// (interval blending).
const (
	closeHitWindow  = 25
	stableHitWindow = 75

	alphaClose  = 50
	alphaStable = 25
	alphaFar    = 25
)

// earlyHits is the number of hits after which the interval is trusted.
const earlyHits = 2

// Predictor models one recurring arrival.
type Predictor struct {
	clk   clock.Clock
	timer clock.Timer
	log   *zap.Logger

	lastEncounter clock.Time
	interval      clock.Time
	window        clock.Time
	minWindow     clock.Time
	hits          uint32

	waiting         bool
	timerArmed      bool
	cancelRequested bool

	begin func()
	end   func()
}

// Option configures a Predictor.
type Option func(*Predictor)

// WithInterval sets the initial interval.
func WithInterval(d clock.Time) Option { return func(p *Predictor) { p.interval = d } }

// WithWindow sets the initial window. A window below MinWindow also lowers
// the floor close hits shrink toward, so the invariant holds.
func WithWindow(d clock.Time) Option { return func(p *Predictor) { p.window = d } }

// WithLogger attaches a logger for hit and wake-up tracing.
func WithLogger(l *zap.Logger) Option {
	return func(p *Predictor) {
		if l != nil {
			p.log = l
		}
	}
}

// New creates a predictor that reads time from clk and arms wake-ups on tm.
// Panics if the options violate 0 < window <= interval.
func New(clk clock.Clock, tm clock.Timer, opts ...Option) *Predictor {
	p := &Predictor{
		clk:      clk,
		timer:    tm,
		log:      zap.NewNop(),
		interval: DefaultInterval,
		window:   DefaultWindow,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.minWindow = MinWindow
	if p.window < p.minWindow {
		p.minWindow = p.window
	}
	p.checkInvariant()
	return p
}

// Hit records an arrival observed at t and returns its classification.
func (p *Predictor) Hit(t clock.Time) model.HitClass {
	gap := t - p.lastEncounter
	class := p.Classify(t)

	switch class {
	case model.HitClose:
		p.window /= 2
		if p.window < p.minWindow {
			p.window = p.minWindow
		}
		p.updateInterval(gap, alphaClose)
	case model.HitStable:
		p.updateInterval(gap, alphaStable)
	case model.HitFar:
		p.window *= 2
		if p.window > p.interval {
			p.window = p.interval
		}
		p.updateInterval(gap, alphaFar)
	}

	p.hits++
	p.lastEncounter = t
	p.log.Debug("predictor hit",
		zap.Int64("at", int64(t)),
		zap.Stringer("class", class),
		zap.Int64("interval", int64(p.interval)),
		zap.Int64("window", int64(p.window)),
		zap.Uint32("hits", p.hits),
	)
	return class
}

// Classify reports how an arrival at t would be classified, without
// learning from it. Boundaries are exclusive: a deviation of exactly 25%
// of the window is already stable.
func (p *Predictor) Classify(t clock.Time) model.HitClass {
	diff := t - p.Expected()
	if diff < 0 {
		diff = -diff
	}
	switch {
	case diff < p.window*closeHitWindow/100:
		return model.HitClose
	case diff < p.window*stableHitWindow/100:
		return model.HitStable
	default:
		return model.HitFar
	}
}

// LastEncounter returns the time of the last hit.
func (p *Predictor) LastEncounter() clock.Time { return p.lastEncounter }

// Interval returns the learned period.
func (p *Predictor) Interval() clock.Time { return p.interval }

// Window returns the learned uncertainty radius.
func (p *Predictor) Window() clock.Time { return p.window }

// Hits returns the number of hits observed.
func (p *Predictor) Hits() uint32 { return p.hits }

// Expected returns the predicted time of the next arrival after the last hit.
func (p *Predictor) Expected() clock.Time { return p.lastEncounter + p.interval }

// NextExpected returns the first predicted arrival strictly after now.
func (p *Predictor) NextExpected(now clock.Time) clock.Time {
	r := p.Expected()
	if r > now {
		return r
	}
	k := (now-r)/p.interval + 1
	return r + k*p.interval
}

// Early reports whether too few hits were seen to trust NextExpected.
func (p *Predictor) Early() bool { return p.hits <= earlyHits }

// Waiting reports whether a wait is in progress.
func (p *Predictor) Waiting() bool { return p.waiting }

// TimerArmed reports whether a wake-up timer is pending.
func (p *Predictor) TimerArmed() bool { return p.timerArmed }

// StartWaitingTimer schedules the next wait. begin runs when waiting
// starts, end when EndWaiting (or Cancel) stops it.
//
// While early, waiting starts right away and begin runs before this
// returns. Otherwise a timer is armed to fire one window ahead of the next
// predicted arrival. Calling it again while a timer is armed or a wait is
// in progress changes nothing, except that a pending Cancel is withdrawn
// and the new callbacks take over the armed timer. Always returns true: a
// wait is now pending or in progress.
func (p *Predictor) StartWaitingTimer(begin, end func()) bool {
	if p.waiting {
		return true
	}
	if p.timerArmed {
		if p.cancelRequested {
			p.cancelRequested = false
			p.begin, p.end = begin, end
		}
		return true
	}
	p.begin, p.end = begin, end

	if p.Early() {
		p.log.Debug("early predictor, waiting now", zap.Uint32("hits", p.hits))
		p.waiting = true
		if p.begin != nil {
			p.begin()
		}
		return true
	}

	now := p.clk.Now()
	delta := p.NextExpected(now) - now - p.window
	if delta < 0 {
		delta = 0
	}
	p.timerArmed = true
	p.timer.Arm(clock.AbsoluteMillis(p.clk, delta), p.beginWaiting)
	return true
}

// EndWaiting stops a wait in progress and runs the end callback. Call it
// when the awaited event arrived. Returns whether a wait was stopped.
func (p *Predictor) EndWaiting() bool {
	if !p.waiting {
		return false
	}
	p.waiting = false
	if p.end != nil {
		p.end()
	}
	return true
}

// Cancel abandons the current wait. A wait in progress is ended as by
// EndWaiting; an armed timer is marked so that its fire does nothing.
// Returns whether there was anything to cancel.
func (p *Predictor) Cancel() bool {
	if p.EndWaiting() {
		return true
	}
	if p.timerArmed && !p.cancelRequested {
		p.cancelRequested = true
		return true
	}
	return false
}

// beginWaiting is the timer callback armed by StartWaitingTimer.
func (p *Predictor) beginWaiting() {
	p.timerArmed = false
	if p.waiting {
		return
	}
	if p.cancelRequested {
		p.cancelRequested = false
		p.log.Debug("wake-up cancelled")
		return
	}
	p.waiting = true
	if p.begin != nil {
		p.begin()
	}
}

func (p *Predictor) updateInterval(gap clock.Time, alpha clock.Time) {
	n := gap
	if n < p.window {
		n = p.window
	}
	if p.Early() {
		p.interval = n
	} else {
		p.interval = (p.interval*(100-alpha) + n*alpha) / 100
	}
	p.checkInvariant()
}

// checkInvariant panics when 0 < window <= interval does not hold. That can
// only happen through a bug in this package.
func (p *Predictor) checkInvariant() {
	if p.window <= 0 || p.interval < p.window {
		panic(fmt.Sprintf("predictor: invariant violated: window=%d interval=%d", p.window, p.interval))
	}
}
