// Package catalog holds the relation-OID to column-metadata mapping a
// replication session learns from Relation messages. It is owned by
// exactly one session and never shared across goroutines, so it needs no
// internal locking.
package catalog

import "github.com/jfoltran/pgcdc/internal/cdc/event"

// Catalog maps a relation OID to the most recently announced Relation.
// A later Relation message for the same OID replaces the prior entry
// outright — there is no versioning beyond last-write-wins.
type Catalog struct {
	relations map[uint32]*event.Relation
}

// New returns an empty Catalog.
func New() *Catalog {
	return &Catalog{relations: make(map[uint32]*event.Relation)}
}

// Upsert records or replaces the Relation for its RelID.
func (c *Catalog) Upsert(rel *event.Relation) {
	c.relations[rel.RelID] = rel
}

// Get looks up a Relation by OID. The second return value is false if the
// session hasn't seen a Relation message for that OID yet — which is
// fatal for whatever DML message triggered the lookup, since a fresh
// session restarted from a pre-commit LSN will re-emit the Relation
// before any dependent row.
func (c *Catalog) Get(relID uint32) (*event.Relation, bool) {
	rel, ok := c.relations[relID]
	return rel, ok
}

// Len returns the number of relations currently known.
func (c *Catalog) Len() int {
	return len(c.relations)
}
