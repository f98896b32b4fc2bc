package catalog

import (
	"testing"

	"github.com/jfoltran/pgcdc/internal/cdc/event"
)

func TestGetUnknownRelation(t *testing.T) {
	c := New()
	if _, ok := c.Get(42); ok {
		t.Error("Get on empty catalog reported a relation")
	}
}

func TestUpsertThenGet(t *testing.T) {
	c := New()
	rel := &event.Relation{
		RelID:     42,
		Namespace: "public",
		Name:      "users",
		Columns: []event.Column{
			{Name: "id", TypeOID: 23},
			{Name: "email", TypeOID: 25},
		},
	}
	c.Upsert(rel)

	got, ok := c.Get(42)
	if !ok {
		t.Fatal("relation not found after Upsert")
	}
	if got.QualifiedName() != "public.users" {
		t.Errorf("QualifiedName = %q", got.QualifiedName())
	}
	if len(got.Columns) != 2 {
		t.Errorf("columns = %d, want 2", len(got.Columns))
	}
}

func TestUpsertReplacesOutright(t *testing.T) {
	c := New()
	c.Upsert(&event.Relation{RelID: 42, Name: "users", Columns: []event.Column{{Name: "id"}}})
	c.Upsert(&event.Relation{RelID: 42, Name: "users", Columns: []event.Column{{Name: "id"}, {Name: "email"}}})

	got, _ := c.Get(42)
	if len(got.Columns) != 2 {
		t.Errorf("later Relation must supersede: columns = %d, want 2", len(got.Columns))
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}
