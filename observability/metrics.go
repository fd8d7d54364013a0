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

type rpcMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

// SaleMetrics bundles collectors tracking sale engine health.
type SaleMetrics struct {
	purchases    *prometheus.CounterVec
	tokensSold   prometheus.Gauge
	currentStage prometheus.Gauge
	capRemaining prometheus.Gauge
}

var (
	rpcMetricsOnce sync.Once
	rpcRegistry    *rpcMetrics

	saleMetricsOnce sync.Once
	saleRegistry    *SaleMetrics
)

// RPCMetrics returns the lazily-initialised registry used to record JSON-RPC
// handler activity.
func RPCMetrics() *rpcMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &rpcMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stagesale",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stagesale",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by method and status code.",
			}, []string{"method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "stagesale",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stagesale",
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			rpcRegistry.requests,
			rpcRegistry.errors,
			rpcRegistry.latency,
			rpcRegistry.throttles,
		)
	})
	return rpcRegistry
}

// Observe records the outcome of an RPC request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *rpcMetrics) Observe(method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit" so dashboards and alerts remain consistent.
func (m *rpcMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// Sale exposes the singleton metrics registry for the sale engine.
func Sale() *SaleMetrics {
	saleMetricsOnce.Do(func() {
		saleRegistry = &SaleMetrics{
			purchases: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stagesale",
				Subsystem: "sale",
				Name:      "purchases_total",
				Help:      "Count of purchase attempts segmented by payment asset and outcome.",
			}, []string{"asset", "outcome"}),
			tokensSold: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stagesale",
				Subsystem: "sale",
				Name:      "tokens_sold",
				Help:      "Cumulative tokens sold across all stages in integer token units.",
			}),
			currentStage: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stagesale",
				Subsystem: "sale",
				Name:      "current_stage",
				Help:      "Zero-based index of the active sale stage.",
			}),
			capRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stagesale",
				Subsystem: "sale",
				Name:      "stage_cap_remaining",
				Help:      "Remaining capacity of the active stage in integer token units.",
			}),
		}
		prometheus.MustRegister(
			saleRegistry.purchases,
			saleRegistry.tokensSold,
			saleRegistry.currentStage,
			saleRegistry.capRemaining,
		)
	})
	return saleRegistry
}

// RecordPurchase increments the purchase counter for an asset and outcome.
func (m *SaleMetrics) RecordPurchase(asset string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.purchases.WithLabelValues(labelAsset(asset), outcome).Inc()
}

// RecordProgress updates the sold, stage, and cap gauges from a sale snapshot.
func (m *SaleMetrics) RecordProgress(stage uint64, tokensSold, capRemaining *big.Int) {
	if m == nil {
		return
	}
	m.currentStage.Set(float64(stage))
	m.tokensSold.Set(bigToFloat(tokensSold))
	m.capRemaining.Set(bigToFloat(capRemaining))
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
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
