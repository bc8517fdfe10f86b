package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sessionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lurepot_sessions_total",
			Help: "Total number of shell sessions started",
		},
	)

	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lurepot_sessions_active",
			Help: "Number of shell sessions currently running",
		},
	)

	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lurepot_commands_total",
			Help: "Command lines received, by verb",
		},
		[]string{"verb"},
	)

	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lurepot_auth_attempts_total",
			Help: "Authentication attempts, by method",
		},
		[]string{"method"},
	)

	sessionErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lurepot_session_errors_total",
			Help: "Sessions closed by an internal fault",
		},
	)

	connectionsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lurepot_connections_rejected_total",
			Help: "Connections refused because the connection limit was reached",
		},
	)

	auditWriteErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lurepot_audit_write_errors_total",
			Help: "Audit records a sink failed to store",
		},
		[]string{"sink"},
	)

	auditDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lurepot_audit_events_dropped_total",
			Help: "Audit records dropped because a sink queue was full",
		},
		[]string{"sink"},
	)

	archiveUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lurepot_archive_uploads_total",
			Help: "Transcript uploads to object storage",
		},
		[]string{"status"},
	)
)

// knownVerbs bounds the label set of commandsTotal.
var knownVerbs = map[string]bool{
	"echo": true, "exit": true, "ls": true, "touch": true,
	"mkdir": true, "cd": true, "cat": true,
}

func recordCommand(verb string) {
	if !knownVerbs[verb] {
		verb = "other"
	}
	commandsTotal.WithLabelValues(verb).Inc()
}

func recordAuthAttempt(method string) {
	authAttemptsTotal.WithLabelValues(method).Inc()
}

func recordSessionStart() {
	sessionsTotal.Inc()
	sessionsActive.Inc()
}

func recordSessionEnd() {
	sessionsActive.Dec()
}

func recordSessionError() {
	sessionErrorsTotal.Inc()
}

func recordConnectionRejected() {
	connectionsRejected.Inc()
}

func recordAuditWriteError(sink string) {
	auditWriteErrors.WithLabelValues(sink).Inc()
}

func recordAuditDropped(sink string) {
	auditDropped.WithLabelValues(sink).Inc()
}

func recordArchiveUpload(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	archiveUploadsTotal.WithLabelValues(status).Inc()
}

// serveMetrics exposes /metrics on addr until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
