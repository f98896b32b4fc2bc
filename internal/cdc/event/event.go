// Package event defines the value types that cross the boundary between
// the pgoutput decoder and a Sink: relations, tuples, and the tagged
// Event variants that make up a Transaction.
package event

import (
	"time"

	"github.com/jfoltran/pgcdc/internal/cdc/lsn"
)

// ReplicaIdentity mirrors Postgres's per-table REPLICA IDENTITY setting,
// which determines what appears in the old-tuple image of Update/Delete.
type ReplicaIdentity byte

const (
	ReplicaIdentityDefault ReplicaIdentity = 'd'
	ReplicaIdentityNothing ReplicaIdentity = 'n'
	ReplicaIdentityFull    ReplicaIdentity = 'f'
	ReplicaIdentityIndex   ReplicaIdentity = 'i'
)

func (r ReplicaIdentity) String() string {
	switch r {
	case ReplicaIdentityDefault:
		return "default"
	case ReplicaIdentityNothing:
		return "nothing"
	case ReplicaIdentityFull:
		return "full"
	case ReplicaIdentityIndex:
		return "index"
	default:
		return "unknown"
	}
}

// Column describes one column of a Relation, in wire order.
type Column struct {
	Flags        uint8
	Name         string
	TypeOID      uint32
	TypeModifier int32
}

// Relation is the schema of one table as announced by a Relation message.
// Entries are versioned only by replacement: a later Relation message for
// the same RelID supersedes this one outright.
type Relation struct {
	RelID           uint32
	Namespace       string
	Name            string
	ReplicaIdentity ReplicaIdentity
	Columns         []Column
}

// QualifiedName returns "namespace.name".
func (r *Relation) QualifiedName() string {
	return r.Namespace + "." + r.Name
}

// CellKind discriminates a TupleData cell.
type CellKind byte

const (
	// CellNull is an explicit SQL NULL.
	CellNull CellKind = iota
	// CellUnchanged marks a TOASTed column whose value was not shipped
	// because it did not change.
	CellUnchanged
	// CellText carries the column's Postgres wire text representation.
	CellText
)

// Cell is one column value within a TupleData.
type Cell struct {
	Kind  CellKind
	Value []byte // only meaningful when Kind == CellText
}

// TupleData is an ordered row image. Its length must equal the column
// count of the Relation it was decoded against.
type TupleData struct {
	Cells []Cell
}

// Kind discriminates the tagged Event variants.
type Kind int

const (
	KindBegin Kind = iota
	KindInsert
	KindUpdate
	KindDelete
	KindTruncate
	KindRelation
	KindCommit
)

func (k Kind) String() string {
	switch k {
	case KindBegin:
		return "Begin"
	case KindInsert:
		return "Insert"
	case KindUpdate:
		return "Update"
	case KindDelete:
		return "Delete"
	case KindTruncate:
		return "Truncate"
	case KindRelation:
		return "Relation"
	case KindCommit:
		return "Commit"
	default:
		return "Unknown"
	}
}

// Event is any of the tagged variants produced by the decoder. Concrete
// types are pointers to the structs below; switch on Kind() to recover
// the variant.
type Event interface {
	Kind() Kind
}

// Begin opens a transaction envelope. FinalLSN is the transaction's
// eventual commit LSN, known up front because Postgres only ships
// committed transactions.
type Begin struct {
	XID        uint32
	FinalLSN   lsn.LSN
	CommitTime time.Time
}

func (*Begin) Kind() Kind { return KindBegin }

// Insert carries a new row image.
type Insert struct {
	RelID uint32
	New   TupleData
}

func (*Insert) Kind() Kind { return KindInsert }

// Update carries the new row image and, depending on replica identity,
// an old/key image.
type Update struct {
	RelID    uint32
	KeyOrOld *TupleData // nil if the table's replica identity omits it
	New      TupleData
}

func (*Update) Kind() Kind { return KindUpdate }

// Delete carries the key or old row image of the deleted row.
type Delete struct {
	RelID    uint32
	KeyOrOld TupleData
}

func (*Delete) Kind() Kind { return KindDelete }

// TruncateOptions carries the TRUNCATE statement's CASCADE/RESTART
// IDENTITY modifiers.
type TruncateOptions struct {
	Cascade         bool
	RestartIdentity bool
}

// Truncate reports one or more relations truncated together.
type Truncate struct {
	RelIDs  []uint32
	Options TruncateOptions
}

func (*Truncate) Kind() Kind { return KindTruncate }

// RelationEvent forwards a schema announcement to the sink so it can
// materialize the new shape, in addition to updating the catalog.
type RelationEvent struct {
	Relation *Relation
}

func (*RelationEvent) Kind() Kind { return KindRelation }

// Commit closes the transaction envelope.
type Commit struct {
	Flags      uint8
	CommitLSN  lsn.LSN
	EndLSN     lsn.LSN
	CommitTime time.Time
}

func (*Commit) Kind() Kind { return KindCommit }

// Transaction is the logical envelope a session presents to sinks that
// batch by transaction: exactly one Begin at position 0, exactly one
// terminal Commit, no nesting.
type Transaction struct {
	XID        uint32
	CommitTime time.Time
	Events     []Event
}

// CommitLSN returns the commit LSN of the transaction's terminal Commit
// event, or zero if the transaction has not been closed yet.
func (t *Transaction) CommitLSN() lsn.LSN {
	if len(t.Events) == 0 {
		return 0
	}
	if c, ok := t.Events[len(t.Events)-1].(*Commit); ok {
		return c.CommitLSN
	}
	return 0
}
