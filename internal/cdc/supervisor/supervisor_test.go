package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcdc/internal/cdc/event"
)

type stubSink struct{}

func (stubSink) Apply(ctx context.Context, txn *event.Transaction) error    { return nil }
func (stubSink) ApplySchema(ctx context.Context, rel *event.Relation) error { return nil }

func TestRun_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(Config{CheckpointDir: t.TempDir()}, stubSink{}, nil, zerolog.Nop())
	if err := s.Run(ctx); err != nil {
		t.Errorf("Run() on pre-cancelled context = %v, want nil", err)
	}
}

func TestRun_RetriesOnTransientConnectFailure(t *testing.T) {
	var attempts int
	s := New(Config{CheckpointDir: t.TempDir()}, stubSink{}, nil, zerolog.Nop())
	s.connectFn = func(ctx context.Context, dsn string) (*pgconn.PgConn, error) {
		attempts++
		return nil, errors.New("connection refused")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := s.Run(ctx); err != nil {
		t.Errorf("Run() = %v, want nil on cancellation", err)
	}
	if attempts < 1 {
		t.Error("expected at least one connect attempt")
	}
}
