// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics exports realm activity to Prometheus: counters fed
// from the event stream and gauges sampled from the instance tree at
// scrape time.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bureau-foundation/realm/lib/event"
	"github.com/bureau-foundation/realm/lib/realm"
)

const namespace = "realm"

// Metrics holds the event-driven collectors.
type Metrics struct {
	events    *prometheus.CounterVec
	routes    *prometheus.CounterVec
	routeHops prometheus.Histogram
	dropped   prometheus.Counter
}

// New creates the collectors and registers them with registerer.
func New(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Lifecycle and routing events by type.",
		}, []string{"type"}),
		routes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routes_total",
			Help:      "Capability routing attempts by capability kind and result.",
		}, []string{"kind", "result"}),
		routeHops: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "route_hops",
			Help:      "Length of successful routing chains.",
			Buckets:   prometheus.LinearBuckets(1, 1, 10),
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metrics_events_dropped_total",
			Help:      "Events the metrics subscriber lost to a full buffer.",
		}),
	}
	for _, collector := range []prometheus.Collector{m.events, m.routes, m.routeHops, m.dropped} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Observe counts one event.
func (m *Metrics) Observe(e event.Event) {
	m.events.WithLabelValues(string(e.Type)).Inc()
	if e.Type != event.TypeCapabilityRouted || e.Route == nil {
		return
	}
	result := "ok"
	if e.Route.Error != "" {
		result = e.Route.Failure
		if result == "" {
			result = "error"
		}
	} else {
		m.routeHops.Observe(float64(len(e.Route.Chain)))
	}
	m.routes.WithLabelValues(e.Route.Kind, result).Inc()
}

// Run observes every event of stream until ctx is done or the stream
// closes.
func (m *Metrics) Run(ctx context.Context, stream *event.Stream) {
	var reported uint64
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-stream.Events():
			if !ok {
				return
			}
			m.Observe(e)
			if dropped := stream.Dropped(); dropped > reported {
				m.dropped.Add(float64(dropped - reported))
				reported = dropped
			}
		}
	}
}

// TreeCollector reports instance counts by state and the number of
// pending destroys, sampled on every scrape.
type TreeCollector struct {
	tree      *realm.Tree
	instances *prometheus.Desc
	pending   *prometheus.Desc
}

// NewTreeCollector returns a collector over tree. Register it like any
// other collector.
func NewTreeCollector(tree *realm.Tree) *TreeCollector {
	return &TreeCollector{
		tree: tree,
		instances: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "instances"),
			"Live instances by lifecycle state.",
			[]string{"state"}, nil,
		),
		pending: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "pending_destroys"),
			"Destroyed instances whose program has not stopped.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *TreeCollector) Describe(descriptions chan<- *prometheus.Desc) {
	descriptions <- c.instances
	descriptions <- c.pending
}

// Collect implements prometheus.Collector.
func (c *TreeCollector) Collect(metrics chan<- prometheus.Metric) {
	counts := map[realm.State]int{
		realm.StateNew:        0,
		realm.StateDiscovered: 0,
		realm.StateResolved:   0,
		realm.StateStarted:    0,
		realm.StateStopped:    0,
	}
	if root := c.tree.Root(); root != nil {
		count(root, counts)
	}
	for state, n := range counts {
		metrics <- prometheus.MustNewConstMetric(c.instances, prometheus.GaugeValue, float64(n), string(state))
	}
	metrics <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(len(c.tree.PendingDestroy())))
}

func count(instance *realm.Instance, counts map[realm.State]int) {
	counts[instance.State()]++
	for _, child := range instance.Children() {
		count(child, counts)
	}
}
