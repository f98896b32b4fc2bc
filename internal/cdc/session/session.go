// Package session drives one replication connection end to end: issues
// START_REPLICATION, decodes the resulting XLogData stream into
// transactions, hands them to a Sink, and maintains the standby status
// protocol that keeps the server informed of progress.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcdc/internal/cdc/catalog"
	"github.com/jfoltran/pgcdc/internal/cdc/cdcerr"
	"github.com/jfoltran/pgcdc/internal/cdc/checkpoint"
	"github.com/jfoltran/pgcdc/internal/cdc/decode"
	"github.com/jfoltran/pgcdc/internal/cdc/event"
	"github.com/jfoltran/pgcdc/internal/cdc/lsn"
	"github.com/jfoltran/pgcdc/internal/cdc/sink"
	"github.com/jfoltran/pgcdc/internal/cdc/wire"
)

// Outcome reports how Run ended.
type Outcome int

const (
	// OutcomeCancelled means the caller's context was cancelled and the
	// session shut down cleanly, having sent a final status update.
	OutcomeCancelled Outcome = iota
	// OutcomeError means the session stopped on an error; the caller
	// inspects the returned error's cdcerr.Kind to decide how to recover.
	OutcomeError
)

const (
	standbyStatusInterval = 1 * time.Second
	receiveTimeout        = 2 * time.Second
)

// Session owns one replication connection for its lifetime.
type Session struct {
	conn        *pgconn.PgConn
	checkpoints *checkpoint.Store
	logger      zerolog.Logger

	catalog *catalog.Catalog

	// OnProgress, if set, is called after every successfully parsed
	// frame. The supervisor hangs its backoff reset here: any byte the
	// server delivers means the connection is healthy again, so the
	// next failure starts retrying from the minimum interval.
	OnProgress func()
}

// New returns a Session bound to a connection already opened in
// replication mode.
func New(conn *pgconn.PgConn, checkpoints *checkpoint.Store, logger zerolog.Logger) *Session {
	return &Session{
		conn:        conn,
		checkpoints: checkpoints,
		logger:      logger.With().Str("component", "session").Logger(),
		catalog:     catalog.New(),
	}
}

// Run issues START_REPLICATION for slotName at startLSN and streams
// decoded transactions to sink until ctx is cancelled or an
// unrecoverable error occurs.
func (s *Session) Run(ctx context.Context, slotName string, startLSN lsn.LSN, publication string, snk sink.Sink) (Outcome, error) {
	if err := s.startReplication(ctx, slotName, startLSN, publication); err != nil {
		return OutcomeError, err
	}

	confirmed := startLSN
	var txn *event.Transaction
	lastStatus := time.Now()

	sendStatus := func(now time.Time) error {
		buf := wire.BuildStandbyStatusUpdate(confirmed, confirmed, confirmed, now, false)
		s.conn.Frontend().Send(&pgproto3.CopyData{Data: buf})
		if err := s.conn.Frontend().Flush(); err != nil {
			return cdcerr.New(cdcerr.KindConnect, "session.sendStatus", err)
		}
		lastStatus = now
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			if sendErr := sendStatus(time.Now()); sendErr != nil {
				s.logger.Err(sendErr).Msg("final standby status failed during cancellation")
			}
			return OutcomeCancelled, nil
		}

		if time.Since(lastStatus) >= standbyStatusInterval {
			if err := sendStatus(time.Now()); err != nil {
				return OutcomeError, err
			}
		}

		recvCtx, cancel := context.WithDeadline(ctx, time.Now().Add(receiveTimeout))
		raw, err := s.conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			if pgconn.Timeout(err) {
				continue
			}
			return OutcomeError, cdcerr.New(cdcerr.KindConnect, "session.ReceiveMessage", err)
		}

		if errResp, ok := raw.(*pgproto3.ErrorResponse); ok {
			return OutcomeError, cdcerr.New(cdcerr.KindProtocol, "session.receive",
				fmt.Errorf("server error %s: %s (%s)", errResp.Severity, errResp.Message, errResp.Code))
		}

		copyData, ok := raw.(*pgproto3.CopyData)
		if !ok || len(copyData.Data) == 0 {
			continue
		}

		frame, err := wire.ParseFrame(copyData.Data)
		if err != nil {
			return OutcomeError, cdcerr.New(cdcerr.KindProtocol, "session.ParseFrame", err)
		}
		if s.OnProgress != nil {
			s.OnProgress()
		}

		switch {
		case frame.Keepalive != nil:
			if frame.Keepalive.ReplyRequested {
				if err := sendStatus(time.Now()); err != nil {
					return OutcomeError, err
				}
			}

		case frame.XLogData != nil:
			ev, err := decode.Decode(frame.XLogData.Data, s.catalog)
			if err != nil {
				return OutcomeError, cdcerr.New(cdcerr.KindDecode, "session.Decode", err)
			}
			if ev == nil {
				s.logger.Trace().Str("tag", string(frame.XLogData.Data[0])).Msg("skipped ignorable pgoutput message")
				continue
			}

			var applied bool
			txn, applied, err = dispatchEvent(ctx, ev, txn, snk)
			if err != nil {
				return OutcomeError, err
			}
			if applied {
				confirmed = txn2CommitLSN(ev)
				if err := s.checkpoints.Store(slotName, confirmed); err != nil {
					return OutcomeError, cdcerr.New(cdcerr.KindCheckpoint, "session.checkpoint", err)
				}
			}
		}
	}
}

func txn2CommitLSN(ev event.Event) lsn.LSN {
	if c, ok := ev.(*event.Commit); ok {
		return c.CommitLSN
	}
	return 0
}

// dispatchEvent folds one decoded Event into the in-flight transaction
// envelope, calling the sink's ApplySchema/Apply as needed. It returns
// the (possibly new, possibly nil) in-flight envelope and whether this
// call closed and applied a transaction — the caller advances its
// confirmed LSN only then. Factored out of the receive loop so the
// per-event state machine can be exercised without a live connection.
func dispatchEvent(ctx context.Context, ev event.Event, txn *event.Transaction, snk sink.Sink) (*event.Transaction, bool, error) {
	switch e := ev.(type) {
	case *event.Begin:
		return &event.Transaction{XID: e.XID, CommitTime: e.CommitTime, Events: []event.Event{e}}, false, nil

	case *event.RelationEvent:
		if err := snk.ApplySchema(ctx, e.Relation); err != nil {
			return txn, false, cdcerr.New(cdcerr.KindSink, "session.ApplySchema", err)
		}
		if txn != nil {
			txn.Events = append(txn.Events, e)
		}
		return txn, false, nil

	case *event.Commit:
		if txn == nil {
			return nil, false, cdcerr.New(cdcerr.KindProtocol, "session.receive",
				fmt.Errorf("commit with no open transaction"))
		}
		txn.Events = append(txn.Events, e)
		if err := snk.Apply(ctx, txn); err != nil {
			return txn, false, cdcerr.New(cdcerr.KindSink, "session.Apply", err)
		}
		return nil, true, nil

	default:
		if txn != nil {
			txn.Events = append(txn.Events, ev)
		}
		return txn, false, nil
	}
}

func (s *Session) startReplication(ctx context.Context, slotName string, startLSN lsn.LSN, publication string) error {
	pluginArgs := fmt.Sprintf(`"proto_version" '1', "publication_names" '%s'`, publication)
	sql := fmt.Sprintf(`START_REPLICATION SLOT "%s" LOGICAL %s (%s)`, slotName, startLSN.String(), pluginArgs)

	s.conn.Frontend().Send(&pgproto3.Query{String: sql})
	if err := s.conn.Frontend().Flush(); err != nil {
		return cdcerr.New(cdcerr.KindConnect, "session.startReplication", err)
	}

	for {
		msg, err := s.conn.Frontend().Receive()
		if err != nil {
			return cdcerr.New(cdcerr.KindConnect, "session.startReplication", err)
		}
		switch m := msg.(type) {
		case *pgproto3.CopyBothResponse:
			return nil
		case *pgproto3.ErrorResponse:
			return cdcerr.New(cdcerr.KindProtocol, "session.startReplication",
				fmt.Errorf("server error %s: %s (%s)", m.Severity, m.Message, m.Code))
		case *pgproto3.NoticeResponse:
			s.logger.Warn().Str("message", m.Message).Msg("notice during START_REPLICATION")
		}
	}
}
