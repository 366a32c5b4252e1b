// Package metrics exposes procwarden counters in Prometheus format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ppiankov/procwarden/internal/model"
)

const namespace = "procwarden"

// Metrics holds the monitor's collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	ScansTotal       prometheus.Counter
	ScanErrorsTotal  prometheus.Counter
	ScanDuration     prometheus.Histogram
	ProcessesScanned prometheus.Gauge
	AnomaliesTotal   *prometheus.CounterVec
	ProvenanceTotal  *prometheus.CounterVec
	DecisionsTotal   *prometheus.CounterVec
	PersistErrors    *prometheus.CounterVec
	PendingDecisions prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		ScansTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Completed process table scans.",
		}),
		ScanErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_errors_total",
			Help:      "Scans that failed to read the process table.",
		}),
		ScanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Time spent scanning and classifying one cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
		ProcessesScanned: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "processes_scanned",
			Help:      "Processes seen in the last scan.",
		}),
		AnomaliesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Anomalies routed to the decision gate, by alert type.",
		}, []string{"alert"}),
		ProvenanceTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provenance_total",
			Help:      "Package provenance verdicts, by status.",
		}, []string{"status"}),
		DecisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Terminal decisions, by action.",
		}, []string{"action"}),
		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_errors_total",
			Help:      "Failed writes, by target.",
		}, []string{"target"}),
		PendingDecisions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_decisions",
			Help:      "Anomalies waiting for an operator decision.",
		}),
	}
}

// ObserveScan records one completed scan.
func (m *Metrics) ObserveScan(d time.Duration, processes int) {
	if m == nil {
		return
	}
	m.ScansTotal.Inc()
	m.ScanDuration.Observe(d.Seconds())
	m.ProcessesScanned.Set(float64(processes))
}

// ScanFailed records a scan that could not read the process table.
func (m *Metrics) ScanFailed() {
	if m == nil {
		return
	}
	m.ScanErrorsTotal.Inc()
}

// Anomaly counts one anomaly handed to the gate.
func (m *Metrics) Anomaly(alert model.AlertType) {
	if m == nil {
		return
	}
	m.AnomaliesTotal.WithLabelValues(string(alert)).Inc()
}

// Provenance counts one verification verdict.
func (m *Metrics) Provenance(status model.ProvenanceStatus) {
	if m == nil {
		return
	}
	m.ProvenanceTotal.WithLabelValues(string(status)).Inc()
}

// Decision counts one terminal decision.
func (m *Metrics) Decision(action model.Action) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(string(action)).Inc()
}

// PersistFailed counts a failed write to "knowledge" or "event_log".
func (m *Metrics) PersistFailed(target string) {
	if m == nil {
		return
	}
	m.PersistErrors.WithLabelValues(target).Inc()
}

// SetPending reports the number of unresolved decisions.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingDecisions.Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics and /healthz on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, log logrus.FieldLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("metrics listener started")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics: listen %s: %w", addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
