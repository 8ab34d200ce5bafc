// Copyright 2025 lostnet.
// Licensed under the AGPLv3, see LICENCE file for details.

package updatenotifier

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "couchdb_updatenotifier"

// Collector is a prometheus.Collector that collects metrics about the
// update dispatcher.
type Collector struct {
	subscribers      prometheus.Gauge
	channels         prometheus.Gauge
	published        prometheus.Counter
	delivered        prometheus.Counter
	dropped          prometheus.Counter
	watchdogFailures prometheus.Counter
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "subscriber_count",
				Help:      "The number of currently registered subscribers.",
			},
		),
		channels: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "channel_count",
				Help:      "The number of channels with at least one listener.",
			},
		),
		published: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "published_total",
				Help:      "The number of events published.",
			},
		),
		delivered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "delivered_total",
				Help:      "The number of events enqueued to subscriber queues.",
			},
		),
		dropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "dropped_total",
				Help:      "The number of events dropped due to full subscriber queues.",
			},
		),
		watchdogFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "watchdog_failures_total",
				Help:      "The number of times the update source watchdog has died.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.subscribers.Describe(ch)
	c.channels.Describe(ch)
	c.published.Describe(ch)
	c.delivered.Describe(ch)
	c.dropped.Describe(ch)
	c.watchdogFailures.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.subscribers.Collect(ch)
	c.channels.Collect(ch)
	c.published.Collect(ch)
	c.delivered.Collect(ch)
	c.dropped.Collect(ch)
	c.watchdogFailures.Collect(ch)
}
