// Copyright 2021-2022 The natsdash Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the feed diagnostics to Prometheus
package metrics

import (
	"net/http"

	"github.com/alwitt/natsdash/feed"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "natsdash"

// DiagnosticsSource provider of the feed diagnostics
type DiagnosticsSource interface {
	Diagnostics() feed.Diagnostics
}

// FeedMetrics Prometheus registry reading the feed diagnostics on scrape
type FeedMetrics struct {
	registry *prometheus.Registry
}

func boolToFloat(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

/*
GetFeedMetrics define the feed metrics

 @param source DiagnosticsSource - the feed
 @param withRuntime bool - whether to include the Go runtime and process collectors
 @return the metrics registry
*/
func GetFeedMetrics(source DiagnosticsSource, withRuntime bool) (*FeedMetrics, error) {
	registry := prometheus.NewRegistry()

	gauge := func(subsystem, name, help string, read func(feed.Diagnostics) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help},
			func() float64 { return read(source.Diagnostics()) },
		)
	}
	counter := func(subsystem, name, help string, read func(feed.Diagnostics) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help},
			func() float64 { return read(source.Diagnostics()) },
		)
	}

	toRegister := []prometheus.Collector{
		gauge("queue", "depth", "Items waiting for the next flush",
			func(d feed.Diagnostics) float64 { return float64(d.QueueDepth) }),
		counter("queue", "enqueued_total", "Items enqueued",
			func(d feed.Diagnostics) float64 { return float64(d.Queue.Enqueued) }),
		counter("queue", "dropped_total", "Items shed on queue overflow",
			func(d feed.Diagnostics) float64 { return float64(d.Dropped) }),
		counter("queue", "flushes_total", "Batches flushed into the buffers",
			func(d feed.Diagnostics) float64 { return float64(d.Queue.Flushes) }),
		gauge("buffer", "active", "Consumer buffers",
			func(d feed.Diagnostics) float64 { return float64(d.ActiveBuffers) }),
		gauge("buffer", "messages", "Messages held across all buffers",
			func(d feed.Diagnostics) float64 { return float64(d.TotalBuffered) }),
		gauge("buffer", "utilization", "Buffered messages over the global ceiling",
			func(d feed.Diagnostics) float64 { return d.Buffer.Utilization }),
		gauge("buffer", "memory_pressure", "1 while the memory pressure flag is raised",
			func(d feed.Diagnostics) float64 { return boolToFloat(d.MemoryPressure) }),
		counter("buffer", "pruned_total", "Messages pruned under memory pressure",
			func(d feed.Diagnostics) float64 { return float64(d.Buffer.Pruned) }),
		counter("buffer", "expired_total", "Messages discarded for exceeding max age",
			func(d feed.Diagnostics) float64 { return float64(d.Buffer.Expired) }),
		gauge("multiplex", "subjects", "Subjects with an active bus subscription",
			func(d feed.Diagnostics) float64 { return float64(d.ActiveSubjects) }),
		gauge("multiplex", "inactive_subjects", "Subjects whose bus subscription failed",
			func(d feed.Diagnostics) float64 { return float64(d.Multiplex.InactiveSubjects) }),
		counter("multiplex", "decode_failures_total", "Messages dropped as undecodable",
			func(d feed.Diagnostics) float64 { return float64(d.Multiplex.DecodeFailures) }),
		counter("multiplex", "bus_drops_total", "Times a bus subscription fell behind and lost messages",
			func(d feed.Diagnostics) float64 { return float64(d.Multiplex.BusDrops) }),
		gauge("feed", "consumers", "Registered consumers",
			func(d feed.Diagnostics) float64 { return float64(d.Consumers) }),
		gauge("feed", "controls", "Running interactive controls",
			func(d feed.Diagnostics) float64 { return float64(d.Controls) }),
	}
	if withRuntime {
		toRegister = append(
			toRegister,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	for _, collector := range toRegister {
		if err := registry.Register(collector); err != nil {
			return nil, err
		}
	}
	return &FeedMetrics{registry: registry}, nil
}

// Registry the underlying Prometheus registry
func (m *FeedMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler HTTP handler serving the metrics
func (m *FeedMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
