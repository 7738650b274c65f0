package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chunkproof"

// PrometheusMetrics owns the registry every metric bundle registers into.
type PrometheusMetrics struct {
	registry *prometheus.Registry
}

func NewPrometheusMetrics() *PrometheusMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &PrometheusMetrics{registry: reg}
}

func (pm *PrometheusMetrics) Registry() *prometheus.Registry {
	return pm.registry
}

func (pm *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

type StorageMetrics struct {
	Puts              *prometheus.CounterVec
	Gets              prometheus.Counter
	Deletes           prometheus.Counter
	IntegrityFailures prometheus.Counter
	CacheHits         prometheus.Counter
	StoredChunks      *prometheus.GaugeVec
	StoredBytes       *prometheus.GaugeVec
	ScanDuration      prometheus.Histogram
}

func NewStorageMetrics(pm *PrometheusMetrics) *StorageMetrics {
	m := &StorageMetrics{
		Puts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_puts_total",
			Help:      "Chunk store requests by whether the chunk already existed",
		}, []string{"existed"}),
		Gets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_gets_total",
			Help:      "Verified chunk reads",
		}),
		Deletes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_deletes_total",
			Help:      "Chunks removed from the store",
		}),
		IntegrityFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_integrity_failures_total",
			Help:      "Reads whose bytes did not hash to their CID",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_cache_hits_total",
			Help:      "Reads served from the verified-bytes cache",
		}),
		StoredChunks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stored_chunks",
			Help:      "Chunks held per tier",
		}, []string{"tier"}),
		StoredBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stored_bytes",
			Help:      "Bytes held per tier",
		}, []string{"tier"}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_scan_seconds",
			Help:      "Time taken by a live scan of the chunk root",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),
	}
	pm.registry.MustRegister(m.Puts, m.Gets, m.Deletes, m.IntegrityFailures, m.CacheHits,
		m.StoredChunks, m.StoredBytes, m.ScanDuration)
	return m
}

type ChallengeMetrics struct {
	Created            prometheus.Counter
	Resolved           *prometheus.CounterVec
	Pending            prometheus.Gauge
	RateLimited        prometheus.Counter
	LedgerNotifyErrors prometheus.Counter
	VerifyDuration     prometheus.Histogram
}

func NewChallengeMetrics(pm *PrometheusMetrics) *ChallengeMetrics {
	m := &ChallengeMetrics{
		Created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenges_created_total",
			Help:      "Storage challenges issued",
		}),
		Resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenges_resolved_total",
			Help:      "Storage challenges reaching a terminal status",
		}, []string{"status"}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "challenges_pending",
			Help:      "Challenges awaiting a response",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenges_rate_limited_total",
			Help:      "Challenge requests refused by the per-agent pending cap",
		}),
		LedgerNotifyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_notify_errors_total",
			Help:      "Best-effort contribution ledger notifications that failed",
		}),
		VerifyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proof_verify_seconds",
			Help:      "Time taken to recompute an expected proof",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	pm.registry.MustRegister(m.Created, m.Resolved, m.Pending, m.RateLimited,
		m.LedgerNotifyErrors, m.VerifyDuration)
	return m
}
