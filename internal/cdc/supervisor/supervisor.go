// Package supervisor runs the outer bootstrap/retry loop: connect, let the
// slot manager reconcile, drive one replication session, and on failure
// back off and try again without leaking slots or losing progress. It is
// the only component that decides whether a failure is worth retrying.
package supervisor

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcdc/internal/cdc/cdcerr"
	"github.com/jfoltran/pgcdc/internal/cdc/checkpoint"
	"github.com/jfoltran/pgcdc/internal/cdc/event"
	"github.com/jfoltran/pgcdc/internal/cdc/metrics"
	"github.com/jfoltran/pgcdc/internal/cdc/session"
	"github.com/jfoltran/pgcdc/internal/cdc/sink"
	"github.com/jfoltran/pgcdc/internal/cdc/slot"
)

const (
	backoffMin = 1 * time.Second
	backoffMax = 10 * time.Second
)

// Config bundles everything the supervisor needs across restarts.
type Config struct {
	// ReplicationDSN and QueryDSN both point at the same server; the
	// former must carry replication=database.
	ReplicationDSN string
	QueryDSN       string

	Slot        slot.Config
	Publication string

	CheckpointDir string
}

// connectFunc opens a pgconn.PgConn against dsn. Overridable in tests so
// the retry loop can be exercised without a live Postgres server.
type connectFunc func(ctx context.Context, dsn string) (*pgconn.PgConn, error)

// Supervisor owns the bootstrap/retry loop.
type Supervisor struct {
	cfg       Config
	sink      sink.Sink
	logger    zerolog.Logger
	metrics   *metrics.Collector
	connectFn connectFunc
}

// New returns a Supervisor. m may be nil to disable metrics recording.
func New(cfg Config, snk sink.Sink, m *metrics.Collector, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		sink:      snk,
		logger:    logger.With().Str("component", "supervisor").Logger(),
		metrics:   m,
		connectFn: pgconn.Connect,
	}
}

// Run drives the unbounded bootstrap/retry loop until ctx is cancelled. A
// cancellation is not an error: Run returns nil. Any attempt that fails
// with a non-transient *cdcerr.Error (KindConfig) is fatal and returned to
// the caller; every other failure is logged and retried with backoff.
func (s *Supervisor) Run(ctx context.Context) error {
	store := checkpoint.New(s.cfg.CheckpointDir)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffMin
	bo.MaxInterval = backoffMax
	bo.MaxElapsedTime = 0 // retry forever; only ctx cancellation stops us

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := s.attempt(ctx, store, bo.Reset)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			continue
		}

		if cerr, ok := err.(*cdcerr.Error); ok && !cerr.IsTransient() {
			s.logger.Error().Err(err).Msg("fatal configuration error; supervisor exiting")
			return err
		}

		if s.metrics != nil {
			s.metrics.SupervisorRestarts.Inc()
		}
		s.logger.Warn().Err(err).Msg("replication attempt failed; retrying")

		wait := bo.NextBackOff()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// attempt runs exactly one bootstrap+session cycle: fresh connections,
// slot reconciliation, and Session.Run until it returns. onProgress is
// invoked by the session whenever the server delivers a frame, so the
// retry backoff resets on a live stream rather than on session exit —
// a session that streamed for hours and then dropped should retry from
// the minimum interval, not from wherever the curve last left off.
func (s *Supervisor) attempt(ctx context.Context, store *checkpoint.Store, onProgress func()) error {
	replConn, err := s.connectFn(ctx, s.cfg.ReplicationDSN)
	if err != nil {
		return cdcerr.New(cdcerr.KindConnect, "supervisor.connect.replication", err)
	}
	defer replConn.Close(ctx)

	queryConn, err := s.connectFn(ctx, s.cfg.QueryDSN)
	if err != nil {
		return cdcerr.New(cdcerr.KindConnect, "supervisor.connect.query", err)
	}
	defer queryConn.Close(ctx)

	mgr := slot.NewManager(replConn, queryConn, store, s.logger)
	result, err := mgr.Reconcile(ctx, s.cfg.Slot)
	if err != nil {
		return err
	}

	s.logger.Info().
		Str("slot", result.Name).
		Stringer("start_lsn", result.StartLSN).
		Msg("starting replication session")

	sess := session.New(replConn, store, s.logger)
	sess.OnProgress = onProgress
	snk := sink.Sink(s.sink)
	if s.metrics != nil {
		snk = &instrumentedSink{inner: s.sink, metrics: s.metrics}
	}
	_, err = sess.Run(ctx, result.Name, result.StartLSN, s.cfg.Publication, snk)
	return err
}

// instrumentedSink wraps a Sink to record per-apply metrics without the
// decode/session hot path having to know metrics exist.
type instrumentedSink struct {
	inner   sink.Sink
	metrics *metrics.Collector
}

func (w *instrumentedSink) Apply(ctx context.Context, txn *event.Transaction) error {
	if err := w.inner.Apply(ctx, txn); err != nil {
		return err
	}
	w.metrics.TransactionsApplied.Inc()
	for _, ev := range txn.Events {
		w.metrics.EventsTotal.WithLabelValues(ev.Kind().String()).Inc()
	}
	w.metrics.ConfirmedFlushLSN.Set(float64(txn.CommitLSN()))
	return nil
}

func (w *instrumentedSink) ApplySchema(ctx context.Context, rel *event.Relation) error {
	if err := w.inner.ApplySchema(ctx, rel); err != nil {
		return err
	}
	w.metrics.EventsTotal.WithLabelValues("Relation").Inc()
	return nil
}
