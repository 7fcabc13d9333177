package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

var (
	// Global logger instance
	Logger *zap.Logger

	// Metrics
	spamMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_spam_messages_total",
			Help: "Total number of spam messages detected",
		},
		[]string{"reason"},
	)

	moderationActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_moderation_actions_total",
			Help: "Total number of moderation actions taken",
		},
		[]string{"action"},
	)

	rateLimitHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aegis_rate_limit_hits_total",
			Help: "Total number of rate limited requests",
		},
	)

	messageProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aegis_message_processing_duration_seconds",
			Help:    "Time spent processing messages",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)
)

func Init(ctx context.Context, metricsAddr string) error {
	// Initialize logger
	var err error
	Logger, err = zap.NewProduction()
	if err != nil {
		return err
	}

	// Register metrics
	prometheus.MustRegister(spamMessagesTotal)
	prometheus.MustRegister(moderationActionsTotal)
	prometheus.MustRegister(rateLimitHitsTotal)
	prometheus.MustRegister(messageProcessingDuration)

	// Setup OpenTelemetry (simplified setup)
	tp := trace.NewTracerProvider()
	otel.SetTracerProvider(tp)

	// Start Prometheus metrics endpoint
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(metricsAddr, nil); err != nil {
			log.WithError(err).Error("metrics server failed")
		}
	}()

	return nil
}

// RecordSpamDetection records a spam message detection
func RecordSpamDetection(reason string) {
	spamMessagesTotal.WithLabelValues(reason).Inc()
}

// RecordModerationAction records one applied moderation action
func RecordModerationAction(action string) {
	moderationActionsTotal.WithLabelValues(action).Inc()
}

// RecordRateLimitHit records one throttled request
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// StartMessageProcessing returns a function to record message processing duration
func StartMessageProcessing() func(status string) {
	timer := prometheus.NewTimer(messageProcessingDuration.WithLabelValues("processing"))
	return func(status string) {
		timer.ObserveDuration()
	}
}
