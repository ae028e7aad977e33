// Package metrics implements component C11: resource and progress
// telemetry. Unlike the teacher's equivalent, which periodically pushes to
// a Prometheus Pushgateway, this package exposes its collectors behind a
// Registry the orchestrator owns; the telemetry UI is expected to scrape
// them and the core never blocks waiting on a scrape or a push.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	logging "gopkg.in/op/go-logging.v1"

	"github.com/kilnforge/buildcore/src/config"
	"github.com/kilnforge/buildcore/src/core"
)

var log = logging.MustGetLogger("metrics")

// Registry is the set of Prometheus collectors the orchestrator exposes for
// a single build. It is constructed fresh per build (§4.11: "started by the
// orchestrator, stopped at build end") rather than kept as a package-level
// singleton, so concurrent builds in the same process don't share counters.
type Registry struct {
	registry *prometheus.Registry

	actionsTotal   *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
	queueDepth     prometheus.Gauge
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter

	cpuPercent prometheus.Gauge
	rssBytes   prometheus.Gauge

	stopSampler context.CancelFunc
	samplerWG   sync.WaitGroup
}

// New builds a Registry with all collectors registered, ready to be handed
// to an http.Handler via Gatherer(). It does not start resource sampling;
// call StartSampling for that once the build begins.
func New() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}

	r.actionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "buildcore_actions_total",
		Help: "Actions completed, partitioned by terminal status.",
	}, []string{"status"})

	r.actionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "buildcore_action_duration_seconds",
		Help:    "Wall time of executed (non-cached) actions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})

	r.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "buildcore_queue_depth",
		Help: "Targets currently Ready but not yet Building.",
	})

	r.cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "buildcore_cache_hits_total",
		Help: "Actions satisfied from the action cache.",
	})
	r.cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "buildcore_cache_misses_total",
		Help: "Actions that executed because no cache entry matched.",
	})

	r.cpuPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "buildcore_system_cpu_percent",
		Help: "System-wide CPU utilization sampled during the build.",
	})
	r.rssBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "buildcore_system_memory_used_bytes",
		Help: "System-wide resident memory sampled during the build.",
	})

	r.registry.MustRegister(
		r.actionsTotal, r.actionDuration, r.queueDepth,
		r.cacheHits, r.cacheMisses, r.cpuPercent, r.rssBytes,
	)
	return r
}

// NewFromConfig is a convenience constructor mirroring the teacher's
// InitFromConfig, for call sites that only have a *config.Configuration
// and want sampling started at the config's sample interval.
func NewFromConfig(ctx context.Context, cfg *config.Configuration) *Registry {
	r := New()
	interval := time.Duration(cfg.Metrics.SampleInterval)
	if interval <= 0 {
		interval = 2 * time.Second
	}
	r.StartSampling(ctx, interval)
	return r
}

// Gatherer exposes the underlying prometheus.Gatherer for an HTTP handler
// (e.g. promhttp.HandlerFor) to scrape. The core itself never calls this.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// RecordAction records one terminal action transition: its final status and,
// for statuses that represent actual execution rather than a cache hit, how
// long it took. Cached results pass a zero duration and are not recorded in
// the duration histogram, matching the teacher's split between build and
// cache counters.
func (r *Registry) RecordAction(status core.Status, duration time.Duration) {
	r.actionsTotal.WithLabelValues(status.String()).Inc()
	switch status {
	case core.Cached:
		r.cacheHits.Inc()
	case core.Success, core.Failed:
		r.cacheMisses.Inc()
		r.actionDuration.WithLabelValues(status.String()).Observe(duration.Seconds())
	}
}

// SetQueueDepth reports how many targets are Ready but not yet Building,
// for the orchestrator to call after each scheduling pass.
func (r *Registry) SetQueueDepth(n int) {
	r.queueDepth.Set(float64(n))
}

// StartSampling launches the background CPU/memory sampler described in
// §4.11, using gopsutil. It is safe to call Stop even if StartSampling was never called.
func (r *Registry) StartSampling(ctx context.Context, interval time.Duration) {
	sampleCtx, cancel := context.WithCancel(ctx)
	r.stopSampler = cancel
	r.samplerWG.Add(1)
	go func() {
		defer r.samplerWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-sampleCtx.Done():
				return
			case <-ticker.C:
				r.sampleOnce(sampleCtx)
			}
		}
	}()
}

func (r *Registry) sampleOnce(ctx context.Context) {
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		r.cpuPercent.Set(pcts[0])
	} else if err != nil {
		log.Debug("cpu sample failed: %s", err)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		r.rssBytes.Set(float64(vm.Used))
	} else {
		log.Debug("memory sample failed: %s", err)
	}
}

// Stop ends background sampling and waits for the sampler goroutine to
// exit. The Registry's collectors remain readable after Stop; only the
// live system samples freeze at their last value.
func (r *Registry) Stop() {
	if r.stopSampler != nil {
		r.stopSampler()
	}
	r.samplerWG.Wait()
}
