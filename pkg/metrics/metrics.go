// Package metrics exposes prometheus collectors for the token protocol.
//
// Every method is safe on a nil *Metrics so callers can leave metrics off.
package metrics

import (
	"fmt"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/daviddao/semtoken/pkg/model"
)

// Predictor kinds used as the "kind" label.
const (
	KindActivating = "activating"
	KindForward    = "forward"
)

// Metrics owns a registry and the semtoken collectors.
type Metrics struct {
	registry        *prometheus.Registry
	predictorHits   *prometheus.CounterVec
	treeChanges     prometheus.Counter
	tokenWaves      *prometheus.CounterVec
	tokenForwards   prometheus.Counter
	messagesDropped prometheus.Counter
	awakeNodes      prometheus.Gauge
}

// New creates collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		predictorHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "semtoken",
				Name:      "predictor_hits_total",
				Help:      "Predictor observations by predictor kind and hit class.",
			},
			[]string{"kind", "class"},
		),
		treeChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "semtoken",
			Name:      "tree_changes_total",
			Help:      "Tree recomputations that changed parent, root or distance.",
		}),
		tokenWaves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "semtoken",
				Name:      "token_waves_total",
				Help:      "Token waves started by entity roots.",
			},
			[]string{"entity"},
		),
		tokenForwards: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "semtoken",
			Name:      "token_forwards_total",
			Help:      "Forward messages sent.",
		}),
		messagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "semtoken",
			Name:      "messages_dropped_total",
			Help:      "Messages lost by the radio or undeliverable.",
		}),
		awakeNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "semtoken",
			Name:      "awake_nodes",
			Help:      "Predictor waits in progress.",
		}),
	}
	m.registry.MustRegister(
		m.predictorHits,
		m.treeChanges,
		m.tokenWaves,
		m.tokenForwards,
		m.messagesDropped,
		m.awakeNodes,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveHit(kind string, class model.HitClass) {
	if m == nil {
		return
	}
	m.predictorHits.WithLabelValues(kind, class.String()).Inc()
}

func (m *Metrics) TreeChanged() {
	if m == nil {
		return
	}
	m.treeChanges.Inc()
}

func (m *Metrics) WaveStarted(entity model.EntityID) {
	if m == nil {
		return
	}
	m.tokenWaves.WithLabelValues(entity.String()).Inc()
}

func (m *Metrics) TokenForwarded() {
	if m == nil {
		return
	}
	m.tokenForwards.Inc()
}

func (m *Metrics) MessageDropped() {
	if m == nil {
		return
	}
	m.messagesDropped.Inc()
}

// Wake and Sleep track the awake gauge. Calls must be paired.
func (m *Metrics) Wake() {
	if m == nil {
		return
	}
	m.awakeNodes.Inc()
}

func (m *Metrics) Sleep() {
	if m == nil {
		return
	}
	m.awakeNodes.Dec()
}

// Sample is one gathered metric value.
type Sample struct {
	Name   string  `json:"name"`
	Labels string  `json:"labels,omitempty"`
	Value  float64 `json:"value"`
}

// Gather flattens the registry into samples ordered by name then labels.
func (m *Metrics) Gather() ([]Sample, error) {
	if m == nil {
		return nil, nil
	}
	families, err := m.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}
	var out []Sample
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			var labels []string
			for _, lp := range metric.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			v := metric.GetCounter().GetValue()
			if g := metric.GetGauge(); g != nil {
				v = g.GetValue()
			}
			out = append(out, Sample{
				Name:   mf.GetName(),
				Labels: strings.Join(labels, ","),
				Value:  v,
			})
		}
	}
	slices.SortFunc(out, func(a, b Sample) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.Labels, b.Labels)
	})
	return out, nil
}
