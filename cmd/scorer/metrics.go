package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/davidleathers/claims-fraud-engine/internal/infrastructure/database"
)

var (
	claimsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cfe",
			Subsystem: "scorer",
			Name:      "claims_processed_total",
			Help:      "Claims processed by the scorer, by result",
		},
		[]string{"result"},
	)

	verdictTiers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cfe",
			Subsystem: "scorer",
			Name:      "verdicts_total",
			Help:      "Verdicts produced, by tier",
		},
		[]string{"tier"},
	)

	caseDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cfe",
			Subsystem: "scorer",
			Name:      "case_decisions_total",
			Help:      "Case emitter decisions",
		},
		[]string{"decision"},
	)

	claimDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "cfe",
			Subsystem: "scorer",
			Name:      "claim_duration_seconds",
			Help:      "Wall time to submit and score one claim",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		},
	)

	historyHead = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cfe",
			Subsystem: "history",
			Name:      "head_version",
			Help:      "Latest published claim history version",
		},
	)
)

func recordClaim(result string, d time.Duration) {
	claimsProcessed.WithLabelValues(result).Inc()
	claimDuration.Observe(d.Seconds())
}

func recordVerdict(tier, decision string) {
	verdictTiers.WithLabelValues(tier).Inc()
	if decision != "" {
		caseDecisions.WithLabelValues(decision).Inc()
	}
}

// registerPoolMetrics exposes pgx pool statistics
func registerPoolMetrics(pool *database.Pool) {
	gauge := func(name, help string, fn func() float64) {
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "cfe",
			Subsystem: "db_pool",
			Name:      name,
			Help:      help,
		}, fn)
	}
	gauge("acquired_conns", "Connections currently in use", func() float64 {
		return float64(pool.Stats().AcquiredConns())
	})
	gauge("idle_conns", "Idle connections", func() float64 {
		return float64(pool.Stats().IdleConns())
	})
	gauge("total_conns", "Open connections", func() float64 {
		return float64(pool.Stats().TotalConns())
	})
	gauge("max_conns", "Configured connection limit", func() float64 {
		return float64(pool.Stats().MaxConns())
	})
}

// serveMetrics runs the /metrics endpoint until ctx is done
func serveMetrics(ctx context.Context, addr string, logger *zap.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info("metrics endpoint listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics endpoint failed", zap.Error(err))
		}
	}()
}
