// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the engine's metric families. A nil *Collector is a valid
// no-op receiver, so instrumentation can be left unwired in tests.
type Collector struct {
	registry *prometheus.Registry

	runsStarted    prometheus.Counter
	runsSettled    *prometheus.CounterVec
	ticks          *prometheus.CounterVec
	tickDuration   prometheus.Histogram
	steps          *prometheus.CounterVec
	stepDuration   prometheus.Histogram
	messages       *prometheus.CounterVec
	hookDeliveries prometheus.Counter
	queueDepth     *prometheus.GaugeVec
}

// NewCollector registers the engine metrics on a fresh registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		runsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_runs_started_total",
			Help: "Workflow runs created.",
		}),
		runsSettled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_runs_settled_total",
			Help: "Workflow runs reaching a terminal status.",
		}, []string{"status"}),
		ticks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_ticks_total",
			Help: "Workflow replay ticks by outcome.",
		}, []string{"result"}),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_tick_duration_seconds",
			Help:    "Wall time of one replay tick.",
			Buckets: prometheus.DefBuckets,
		}),
		steps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_steps_executed_total",
			Help: "Step attempts by outcome.",
		}, []string{"result"}),
		stepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_step_duration_seconds",
			Help:    "Wall time of one step attempt.",
			Buckets: prometheus.DefBuckets,
		}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_processed_total",
			Help: "Queue messages by queue and settlement.",
		}, []string{"queue", "result"}),
		hookDeliveries: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_hook_deliveries_total",
			Help: "Payloads delivered to hooks.",
		}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_queue_depth",
			Help: "Messages currently on each queue.",
		}, []string{"queue"}),
	}
}

// Handler serves the collector's registry over HTTP.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RunStarted counts a new run.
func (c *Collector) RunStarted() {
	if c == nil {
		return
	}
	c.runsStarted.Inc()
}

// RunSettled counts a run reaching a terminal status.
func (c *Collector) RunSettled(status string) {
	if c == nil {
		return
	}
	c.runsSettled.WithLabelValues(status).Inc()
}

// TickObserved records one replay tick.
func (c *Collector) TickObserved(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.ticks.WithLabelValues(result).Inc()
	c.tickDuration.Observe(d.Seconds())
}

// StepObserved records one step attempt.
func (c *Collector) StepObserved(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.steps.WithLabelValues(result).Inc()
	c.stepDuration.Observe(d.Seconds())
}

// MessageProcessed counts a settled queue message.
func (c *Collector) MessageProcessed(queueName, result string) {
	if c == nil {
		return
	}
	c.messages.WithLabelValues(queueName, result).Inc()
}

// HookDelivered counts a hook payload delivery.
func (c *Collector) HookDelivered() {
	if c == nil {
		return
	}
	c.hookDeliveries.Inc()
}

// SetQueueDepth records the current depth of a queue.
func (c *Collector) SetQueueDepth(queueName string, depth int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(queueName).Set(float64(depth))
}
