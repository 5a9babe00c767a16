// Package metrics exposes the engine's counters and gauges to a Prometheus
// scrape endpoint, fed by periodic snapshots of Fabric.Stats,
// Scheduler.Stats, and dictcache.Stats rather than incrementing Prometheus
// collectors on every call site.
/*
 * Copyright (c) 2026 Abyteon. All rights reserved.
 */
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every collector the engine publishes, registered against
// its own prometheus.Registry rather than the global default so tests can
// construct isolated instances.
type Registry struct {
	reg *prometheus.Registry

	fabricCurrentBytes prometheus.Gauge
	fabricPeakBytes    prometheus.Gauge
	fabricCheckouts    prometheus.Counter
	fabricMapHits      prometheus.Counter
	fabricMapMisses    prometheus.Counter

	schedSubmitted prometheus.Counter
	schedCompleted prometheus.Counter
	schedFailed    prometheus.Counter
	schedCancelled prometheus.Counter
	schedRestarts  prometheus.Counter

	dictHits            prometheus.Counter
	dictMisses          prometheus.Counter
	dictDecodedFrames   prometheus.Counter
	dictUnknownMessages prometheus.Counter

	last struct {
		mu        sync.Mutex
		fabric    FabricSnapshot
		scheduler SchedulerSnapshot
		dict      DictSnapshot
	}
}

// NewRegistry constructs and registers every collector.
func NewRegistry() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.fabricCurrentBytes = prometheus.NewGauge(prometheus.GaugeOpts{Name: "canp_fabric_current_bytes", Help: "bytes currently checked out across every buffer family"})
	r.fabricPeakBytes = prometheus.NewGauge(prometheus.GaugeOpts{Name: "canp_fabric_peak_bytes", Help: "peak bytes checked out since process start"})
	r.fabricCheckouts = prometheus.NewCounter(prometheus.CounterOpts{Name: "canp_fabric_checkouts_total", Help: "buffer checkouts"})
	r.fabricMapHits = prometheus.NewCounter(prometheus.CounterOpts{Name: "canp_fabric_map_hits_total", Help: "mapped-file cache hits"})
	r.fabricMapMisses = prometheus.NewCounter(prometheus.CounterOpts{Name: "canp_fabric_map_misses_total", Help: "mapped-file cache misses"})

	r.schedSubmitted = prometheus.NewCounter(prometheus.CounterOpts{Name: "canp_scheduler_submitted_total", Help: "tasks submitted"})
	r.schedCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "canp_scheduler_completed_total", Help: "tasks completed"})
	r.schedFailed = prometheus.NewCounter(prometheus.CounterOpts{Name: "canp_scheduler_failed_total", Help: "tasks failed"})
	r.schedCancelled = prometheus.NewCounter(prometheus.CounterOpts{Name: "canp_scheduler_cancelled_total", Help: "tasks cancelled"})
	r.schedRestarts = prometheus.NewCounter(prometheus.CounterOpts{Name: "canp_scheduler_worker_restarts_total", Help: "worker restarts after a panic"})

	r.dictHits = prometheus.NewCounter(prometheus.CounterOpts{Name: "canp_dictcache_hits_total", Help: "dictionary cache hits"})
	r.dictMisses = prometheus.NewCounter(prometheus.CounterOpts{Name: "canp_dictcache_misses_total", Help: "dictionary cache misses"})
	r.dictDecodedFrames = prometheus.NewCounter(prometheus.CounterOpts{Name: "canp_dictcache_decoded_frames_total", Help: "frames decoded against a known message"})
	r.dictUnknownMessages = prometheus.NewCounter(prometheus.CounterOpts{Name: "canp_dictcache_unknown_messages_total", Help: "frames with no matching message descriptor"})

	r.reg.MustRegister(
		r.fabricCurrentBytes, r.fabricPeakBytes, r.fabricCheckouts, r.fabricMapHits, r.fabricMapMisses,
		r.schedSubmitted, r.schedCompleted, r.schedFailed, r.schedCancelled, r.schedRestarts,
		r.dictHits, r.dictMisses, r.dictDecodedFrames, r.dictUnknownMessages,
	)
	return r
}

// Gatherer exposes the underlying prometheus.Registry for an HTTP handler
// (e.g. promhttp.HandlerFor) to scrape.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// FabricSnapshot is the subset of memfabric.FabricStats this package reports;
// kept narrow so this package doesn't need to import memfabric.
type FabricSnapshot struct {
	Checkouts, MapHits, MapMisses, CurrentBytes, PeakBytes int64
}

// SchedulerSnapshot mirrors the counters of scheduler.Stats this package
// reports.
type SchedulerSnapshot struct {
	Submitted, Completed, Failed, Cancelled, Restarts int64
}

// DictSnapshot mirrors the counters of dictcache.Stats this package reports.
type DictSnapshot struct {
	Hits, Misses, DecodedFrames, UnknownMessages int64
}

// counter values are monotone already, so Observe advances each Prometheus
// counter by the delta since the last call rather than re-adding the
// cumulative total.
type deltas struct {
	fabric    FabricSnapshot
	scheduler SchedulerSnapshot
	dict      DictSnapshot
}

// Observe records one snapshot round. Gauges are set directly; counters are
// advanced by the delta against the previous snapshot.
func (r *Registry) Observe(fab FabricSnapshot, sched SchedulerSnapshot, dict DictSnapshot) {
	r.fabricCurrentBytes.Set(float64(fab.CurrentBytes))
	r.fabricPeakBytes.Set(float64(fab.PeakBytes))

	r.last.mu.Lock()
	defer r.last.mu.Unlock()

	addDelta(r.fabricCheckouts, &r.last.fabric.Checkouts, fab.Checkouts)
	addDelta(r.fabricMapHits, &r.last.fabric.MapHits, fab.MapHits)
	addDelta(r.fabricMapMisses, &r.last.fabric.MapMisses, fab.MapMisses)

	addDelta(r.schedSubmitted, &r.last.scheduler.Submitted, sched.Submitted)
	addDelta(r.schedCompleted, &r.last.scheduler.Completed, sched.Completed)
	addDelta(r.schedFailed, &r.last.scheduler.Failed, sched.Failed)
	addDelta(r.schedCancelled, &r.last.scheduler.Cancelled, sched.Cancelled)
	addDelta(r.schedRestarts, &r.last.scheduler.Restarts, sched.Restarts)

	addDelta(r.dictHits, &r.last.dict.Hits, dict.Hits)
	addDelta(r.dictMisses, &r.last.dict.Misses, dict.Misses)
	addDelta(r.dictDecodedFrames, &r.last.dict.DecodedFrames, dict.DecodedFrames)
	addDelta(r.dictUnknownMessages, &r.last.dict.UnknownMessages, dict.UnknownMessages)

	r.last.fabric = fab
	r.last.scheduler = sched
	r.last.dict = dict
}

func addDelta(c prometheus.Counter, prev *int64, cur int64) {
	if d := cur - *prev; d > 0 {
		c.Add(float64(d))
	}
}
