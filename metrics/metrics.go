// Package metrics wires the store's counters and histograms into
// Prometheus. A Registry is optional: DB and DiskService accept a nil
// *Registry and fall back to NoOp(), so linking this library into a host
// process never forces a Prometheus dependency on the caller's
// /metrics endpoint unless they ask for one.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds the store's Prometheus collectors.
type Registry struct {
	reg *prometheus.Registry

	puts       prometheus.Counter
	deletes    prometheus.Counter
	gets       prometheus.Counter
	ranges     prometheus.Counter
	flushes    prometheus.Counter
	compactions prometheus.Counter
	flushSecs  prometheus.Histogram
	dbfCount   prometheus.Gauge
	bloomSkips prometheus.Counter
	diskHits   prometheus.Counter
	diskMisses prometheus.Counter
	walBytes   prometheus.Counter
}

// New creates a Registry with its own prometheus.Registry, so embedding
// this store twice in one process (two DB instances) never collides on
// collector registration.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		puts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lsmkv_puts_total", Help: "Total Put calls.",
		}),
		deletes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lsmkv_deletes_total", Help: "Total Delete calls.",
		}),
		gets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lsmkv_gets_total", Help: "Total Get calls.",
		}),
		ranges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lsmkv_ranges_total", Help: "Total Range calls.",
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lsmkv_flush_total", Help: "Total MemTable flushes to a DBF.",
		}),
		compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lsmkv_compaction_total", Help: "Total DBF merge compactions.",
		}),
		flushSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "lsmkv_flush_duration_seconds", Help: "Flush latency.",
			Buckets: prometheus.DefBuckets,
		}),
		dbfCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lsmkv_dbf_count", Help: "Current number of tracked DBFs.",
		}),
		bloomSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lsmkv_bloom_skips_total", Help: "DBF scans skipped by the Bloom filter.",
		}),
		diskHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lsmkv_disk_hits_total", Help: "Get calls satisfied from a DBF.",
		}),
		diskMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lsmkv_disk_misses_total", Help: "Get calls that found the key in no DBF.",
		}),
		walBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lsmkv_wal_bytes_written_total", Help: "Bytes appended to WAL segments.",
		}),
	}
	reg.MustRegister(r.puts, r.deletes, r.gets, r.ranges, r.flushes,
		r.compactions, r.flushSecs, r.dbfCount, r.bloomSkips, r.diskHits,
		r.diskMisses, r.walBytes)
	return r
}

// NoOp returns a fresh Registry like New: its collectors still count,
// on a private prometheus.Registry that nothing serves unless a caller
// reaches it through Gatherer. Safe as a default when the caller passes
// nil.
func NoOp() *Registry {
	return New()
}

// Gatherer exposes the underlying prometheus.Registry for a host that
// wants to serve /metrics.
func (r *Registry) Gatherer() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

func (r *Registry) IncPut() {
	if r == nil {
		return
	}
	r.puts.Inc()
}

func (r *Registry) IncDelete() {
	if r == nil {
		return
	}
	r.deletes.Inc()
}

func (r *Registry) IncGet() {
	if r == nil {
		return
	}
	r.gets.Inc()
}

func (r *Registry) IncRange() {
	if r == nil {
		return
	}
	r.ranges.Inc()
}

func (r *Registry) IncFlush() {
	if r == nil {
		return
	}
	r.flushes.Inc()
}

func (r *Registry) IncCompaction() {
	if r == nil {
		return
	}
	r.compactions.Inc()
}

func (r *Registry) ObserveFlushDuration(d time.Duration) {
	if r == nil {
		return
	}
	r.flushSecs.Observe(d.Seconds())
}

func (r *Registry) SetDBFCount(n int) {
	if r == nil {
		return
	}
	r.dbfCount.Set(float64(n))
}

func (r *Registry) IncBloomSkip() {
	if r == nil {
		return
	}
	r.bloomSkips.Inc()
}

func (r *Registry) IncDiskHit() {
	if r == nil {
		return
	}
	r.diskHits.Inc()
}

func (r *Registry) IncDiskMiss() {
	if r == nil {
		return
	}
	r.diskMisses.Inc()
}

func (r *Registry) IncWALBytes(n int) {
	if r == nil {
		return
	}
	r.walBytes.Add(float64(n))
}
