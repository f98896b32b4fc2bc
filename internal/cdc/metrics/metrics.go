// Package metrics registers the Prometheus collectors the supervisor
// updates as it runs, and optionally serves them over HTTP. This is
// additive instrumentation over the engine, not a functional component
// of it. The supervisor updates the restart counter and, through its
// sink wrapper, the event, transaction and confirmed-LSN collectors;
// nothing in the engine updates SlotDivergences or ReplicationLagBytes,
// so those stay at zero unless a caller sets them.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Collector holds the counters and gauges the engine updates in place.
// Registered against a dedicated registry rather than the global default
// so multiple Collectors (as in tests) never collide.
type Collector struct {
	registry *prometheus.Registry

	EventsTotal         *prometheus.CounterVec
	TransactionsApplied prometheus.Counter
	SupervisorRestarts  prometheus.Counter
	SlotDivergences     prometheus.Counter
	ReplicationLagBytes prometheus.Gauge
	ConfirmedFlushLSN   prometheus.Gauge
}

// New builds a Collector and registers its collectors on a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		EventsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "pgcdc_events_total",
			Help: "Decoded replication events dispatched to the sink, by kind.",
		}, []string{"kind"}),
		TransactionsApplied: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pgcdc_transactions_applied_total",
			Help: "Transactions the sink has durably accepted.",
		}),
		SupervisorRestarts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pgcdc_supervisor_restarts_total",
			Help: "Times the supervisor has restarted the replication session.",
		}),
		SlotDivergences: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "pgcdc_slot_divergences_total",
			Help: "Times slot reconciliation observed server/file disagreement and resynced.",
		}),
		ReplicationLagBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "pgcdc_replication_lag_bytes",
			Help: "Bytes between the server's current WAL end and our confirmed flush LSN.",
		}),
		ConfirmedFlushLSN: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "pgcdc_confirmed_flush_lsn",
			Help: "Last confirmed-flush LSN persisted to the checkpoint store, as a plain integer.",
		}),
	}
	return c
}

// ObserveLag records the gap between the server's reported WAL end and our
// confirmed flush position.
func (c *Collector) ObserveLag(serverEnd, confirmed uint64) {
	if serverEnd > confirmed {
		c.ReplicationLagBytes.Set(float64(serverEnd - confirmed))
	} else {
		c.ReplicationLagBytes.Set(0)
	}
}

// Serve starts an HTTP server exposing /metrics on addr and blocks until
// ctx is cancelled, then shuts down gracefully. Intended to run on its own
// goroutine from cmd/pgcdc.
func (c *Collector) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Err(err).Msg("metrics server shutdown")
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
