// Package sink defines the contract a replication session uses to
// deliver decoded transactions and schema changes downstream.
package sink

import (
	"context"

	"github.com/jfoltran/pgcdc/internal/cdc/event"
)

// Sink is implemented by anything the engine applies change data to.
// Apply must be atomic from the engine's point of view: a nil error
// means the transaction's effects are durable and the session may
// advance its checkpoint past it; a non-nil error means no effect is
// guaranteed, and the session will retry the same transaction after a
// restart from its begin LSN.
//
// ApplySchema must be idempotent — the session may call it more than
// once for the same relation, with an identical or a superseding
// version of the Relation.
type Sink interface {
	Apply(ctx context.Context, txn *event.Transaction) error
	ApplySchema(ctx context.Context, rel *event.Relation) error
}
