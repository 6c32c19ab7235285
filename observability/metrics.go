package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stealthpay"

type apiMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	apiMetricsOnce sync.Once
	apiRegistry    *apiMetrics

	settlementMetricsOnce sync.Once
	settlementRegistry    *SettlementMetrics
)

// API returns the lazily-initialised metrics registry used to record HTTP
// handler activity.
func API() *apiMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &apiMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by route and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total HTTP errors segmented by route and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			apiRegistry.requests,
			apiRegistry.errors,
			apiRegistry.latency,
			apiRegistry.throttles,
		)
	})
	return apiRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *apiMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied route and
// reason.
func (m *apiMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(route, reason).Inc()
}

// SettlementMetrics wraps collectors tracking settlement engine health.
type SettlementMetrics struct {
	settled       *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	feeVolume     prometheus.Counter
	settledVolume prometheus.Counter
	latency       *prometheus.HistogramVec
	batchSize     prometheus.Histogram
	pauseEngaged  prometheus.Gauge
	nonces        prometheus.Gauge
	announcements prometheus.Gauge
}

// Settlement exposes the metrics registry for the settlement engine.
func Settlement() *SettlementMetrics {
	settlementMetricsOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			settled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "payments_total",
				Help:      "Count of settled payments segmented by origin (local or remote).",
			}, []string{"origin"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "rejections_total",
				Help:      "Count of aborted settlements segmented by reason and the state reached.",
			}, []string{"reason", "state"}),
			feeVolume: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "fee_volume",
				Help:      "Cumulative protocol fees credited to the fee pool in base units.",
			}),
			settledVolume: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "settled_volume",
				Help:      "Cumulative gross amount settled in base units.",
			}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "duration_seconds",
				Help:      "Latency distribution of settlement attempts.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"outcome"}),
			batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "batch_size",
				Help:      "Number of items submitted per batch call.",
				Buckets:   []float64{1, 2, 5, 10, 15, 20},
			}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "pause_engaged",
				Help:      "Indicates whether the settlement pause guard is active (1) or not (0).",
			}),
			nonces: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "burned_nonces",
				Help:      "Number of authorization nonces burned.",
			}),
			announcements: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "announcements",
				Help:      "Number of stealth announcements in the log.",
			}),
		}
		prometheus.MustRegister(
			settlementRegistry.settled,
			settlementRegistry.rejections,
			settlementRegistry.feeVolume,
			settlementRegistry.settledVolume,
			settlementRegistry.latency,
			settlementRegistry.batchSize,
			settlementRegistry.pauseEngaged,
			settlementRegistry.nonces,
			settlementRegistry.announcements,
		)
	})
	return settlementRegistry
}

// RecordSettled counts a settled payment and its volumes.
func (m *SettlementMetrics) RecordSettled(remote bool, amount, fee *big.Int, d time.Duration) {
	if m == nil {
		return
	}
	origin := "local"
	if remote {
		origin = "remote"
	}
	m.settled.WithLabelValues(origin).Inc()
	m.settledVolume.Add(bigToFloat(amount))
	m.feeVolume.Add(bigToFloat(fee))
	m.latency.WithLabelValues("settled").Observe(d.Seconds())
}

// RecordRejection increments the rejection counter.
func (m *SettlementMetrics) RecordRejection(reason, state string, d time.Duration) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	if state = strings.TrimSpace(state); state == "" {
		state = "unknown"
	}
	m.rejections.WithLabelValues(reason, state).Inc()
	m.latency.WithLabelValues("aborted").Observe(d.Seconds())
}

// ObserveBatch records the size of a batch call.
func (m *SettlementMetrics) ObserveBatch(size int) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(size))
}

// SetPause toggles the pause_engaged gauge.
func (m *SettlementMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

// SetCounts updates the nonce and announcement gauges.
func (m *SettlementMetrics) SetCounts(nonces, announcements uint64) {
	if m == nil {
		return
	}
	m.nonces.Set(float64(nonces))
	m.announcements.Set(float64(announcements))
}

func bigToFloat(value *big.Int) float64 {
	if value == nil || value.Sign() <= 0 {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		// Guard against NaN/Inf when conversion fails.
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
