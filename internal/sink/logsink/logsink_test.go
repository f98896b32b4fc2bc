package logsink

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcdc/internal/cdc/event"
)

func TestApplyLogsAndSucceeds(t *testing.T) {
	var buf strings.Builder
	s := New(zerolog.New(&buf))

	txn := &event.Transaction{
		XID: 42,
		Events: []event.Event{
			&event.Begin{XID: 42},
			&event.Insert{RelID: 7},
			&event.Commit{CommitLSN: 0x900},
		},
	}
	if err := s.Apply(context.Background(), txn); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"xid":42`) {
		t.Errorf("log output missing xid: %s", out)
	}
	if !strings.Contains(out, "0/900") {
		t.Errorf("log output missing commit LSN: %s", out)
	}
}

func TestApplySchemaSucceeds(t *testing.T) {
	s := New(zerolog.Nop())
	rel := &event.Relation{RelID: 7, Namespace: "public", Name: "users"}
	if err := s.ApplySchema(context.Background(), rel); err != nil {
		t.Fatalf("ApplySchema: %v", err)
	}
}
