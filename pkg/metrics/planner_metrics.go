// Motion pipeline metrics
//
// Counters and gauges for the segmentation engine, the planning queue
// and the mesh store. Every recording method is safe on a nil receiver
// so services can run without metrics wired in.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	goruntime "runtime"
	"time"
)

// Move request outcomes for MovesRequested.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultAborted  = "aborted"
)

// PlannerMetrics holds the meshmotion metric families.
type PlannerMetrics struct {
	SegmentsEmitted *Counter
	SegmentsDropped *Counter
	MovesRequested  *Counter
	QueueDepth      *Gauge
	QueueFull       *Counter
	BlocksDiscarded *Counter
	RecalculateTime *Histogram
	MeshDefined     *Gauge
	GoGoroutines    *Gauge
	GoMemoryHeap    *Gauge
	UptimeSeconds   *Gauge

	startTime time.Time
	registry  *Registry
}

// NewPlannerMetrics creates the metric families and registers them in a
// fresh registry.
func NewPlannerMetrics() *PlannerMetrics {
	pm := &PlannerMetrics{
		SegmentsEmitted: NewCounter("meshmotion_segments_emitted_total",
			"Corrected sub-moves handed to the planning queue"),
		SegmentsDropped: NewCounter("meshmotion_segments_dropped_total",
			"Zero-length sub-moves dropped by the segmentation engine"),
		MovesRequested: NewCounter("meshmotion_moves_requested_total",
			"Move requests by result"),
		QueueDepth: NewGauge("meshmotion_queue_depth",
			"Blocks currently queued in the planner"),
		QueueFull: NewCounter("meshmotion_queue_full_total",
			"Enqueue attempts refused because the queue was full"),
		BlocksDiscarded: NewCounter("meshmotion_blocks_discarded_total",
			"Blocks released by the consumer"),
		RecalculateTime: NewHistogram("meshmotion_recalculate_seconds",
			"Look-ahead recalculation time", ExponentialBuckets(1e-6, 4, 8)),
		MeshDefined: NewGauge("meshmotion_mesh_defined_vertices",
			"Mesh vertices holding a measured height"),
		GoGoroutines: NewGauge("meshmotion_go_goroutines",
			"Number of active goroutines"),
		GoMemoryHeap: NewGauge("meshmotion_go_memory_heap_bytes",
			"Go heap memory in use"),
		UptimeSeconds: NewGauge("meshmotion_uptime_seconds",
			"Seconds since the metrics were created"),
		startTime: time.Now(),
		registry:  NewRegistry(),
	}
	pm.registry.MustRegister(
		pm.SegmentsEmitted, pm.SegmentsDropped, pm.MovesRequested,
		pm.QueueDepth, pm.QueueFull, pm.BlocksDiscarded, pm.RecalculateTime,
		pm.MeshDefined, pm.GoGoroutines, pm.GoMemoryHeap, pm.UptimeSeconds,
	)
	return pm
}

func (pm *PlannerMetrics) SegmentEmitted() {
	if pm != nil {
		pm.SegmentsEmitted.Inc(nil)
	}
}

func (pm *PlannerMetrics) SegmentDropped() {
	if pm != nil {
		pm.SegmentsDropped.Inc(nil)
	}
}

// MoveRequested records the outcome of one move request.
func (pm *PlannerMetrics) MoveRequested(result string) {
	if pm != nil {
		pm.MovesRequested.Inc(Labels{"result": result})
	}
}

func (pm *PlannerMetrics) SetQueueDepth(n int) {
	if pm != nil {
		pm.QueueDepth.Set(nil, float64(n))
	}
}

func (pm *PlannerMetrics) QueueWasFull() {
	if pm != nil {
		pm.QueueFull.Inc(nil)
	}
}

func (pm *PlannerMetrics) BlockDiscarded() {
	if pm != nil {
		pm.BlocksDiscarded.Inc(nil)
	}
}

// ObserveRecalculate records one look-ahead pass.
func (pm *PlannerMetrics) ObserveRecalculate(d time.Duration) {
	if pm != nil {
		pm.RecalculateTime.Observe(nil, d.Seconds())
	}
}

func (pm *PlannerMetrics) SetMeshDefined(n int) {
	if pm != nil {
		pm.MeshDefined.Set(nil, float64(n))
	}
}

func (pm *PlannerMetrics) updateRuntime() {
	var m goruntime.MemStats
	goruntime.ReadMemStats(&m)
	pm.GoGoroutines.Set(nil, float64(goruntime.NumGoroutine()))
	pm.GoMemoryHeap.Set(nil, float64(m.HeapAlloc))
	pm.UptimeSeconds.Set(nil, time.Since(pm.startTime).Seconds())
}

// Gather refreshes the runtime gauges and returns all metrics in
// Prometheus text format.
func (pm *PlannerMetrics) Gather() string {
	pm.updateRuntime()
	return pm.registry.Gather()
}

func (pm *PlannerMetrics) Registry() *Registry {
	return pm.registry
}
