// Package logsink implements the Sink contract by logging every
// transaction instead of landing it anywhere. It exists so the engine can
// be run against a live Postgres without a configured downstream — useful
// for inspecting what a publication emits before committing to a sink.
package logsink

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcdc/internal/cdc/event"
)

// Sink logs transactions at info level and schema changes at debug level.
// It always reports success, so the engine's checkpoint advances as if
// the data had been durably applied.
type Sink struct {
	logger zerolog.Logger
}

// New returns a logging Sink.
func New(logger zerolog.Logger) *Sink {
	return &Sink{logger: logger.With().Str("component", "sink.log").Logger()}
}

// Apply logs a one-line summary of the transaction.
func (s *Sink) Apply(ctx context.Context, txn *event.Transaction) error {
	counts := make(map[string]int)
	for _, ev := range txn.Events {
		counts[ev.Kind().String()]++
	}
	s.logger.Info().
		Uint32("xid", txn.XID).
		Stringer("commit_lsn", txn.CommitLSN()).
		Time("commit_time", txn.CommitTime).
		Interface("events", counts).
		Msg("transaction")
	return nil
}

// ApplySchema logs the relation's shape.
func (s *Sink) ApplySchema(ctx context.Context, rel *event.Relation) error {
	s.logger.Debug().
		Uint32("rel_id", rel.RelID).
		Str("relation", rel.QualifiedName()).
		Stringer("replica_identity", rel.ReplicaIdentity).
		Int("columns", len(rel.Columns)).
		Msg("relation announced")
	return nil
}
