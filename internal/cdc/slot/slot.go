// Package slot reconciles a replication slot's server-side state against
// its on-disk checkpoint, producing a (name, start LSN) pair a session
// can safely resume from.
package slot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcdc/internal/cdc/cdcerr"
	"github.com/jfoltran/pgcdc/internal/cdc/checkpoint"
	"github.com/jfoltran/pgcdc/internal/cdc/lsn"
)

// OutputPlugin is the only logical decoding plugin this engine speaks.
const OutputPlugin = "pgoutput"

// Config describes the slot a session should reconcile and use.
type Config struct {
	// Name is the stable slot name. If empty, one is generated and
	// persisted to the checkpoint directory on first use.
	Name string
	// Temporary creates the slot as TEMPORARY when it must be created.
	Temporary bool
	// ConsistentPoint overrides the start LSN when both server and file
	// are empty, instead of taking whatever the server assigns.
	ConsistentPoint lsn.LSN
}

// Manager reconciles slot state using a replication-mode connection for
// slot administration and a separate plain connection for catalog
// queries, plus the checkpoint store for the local file side.
type Manager struct {
	replConn  *pgconn.PgConn
	queryConn *pgconn.PgConn
	store     *checkpoint.Store
	logger    zerolog.Logger

	// Overridable in tests so the reconciliation loop can be exercised
	// against scripted server state without a live Postgres.
	queryFn  func(ctx context.Context, name string) (*serverState, error)
	createFn func(ctx context.Context, name string, cfg Config) (lsn.LSN, error)
	dropFn   func(ctx context.Context, name string) error
}

// NewManager returns a Manager. replConn must be a connection opened with
// replication=database; queryConn is an ordinary connection used only for
// pg_replication_slots lookups.
func NewManager(replConn, queryConn *pgconn.PgConn, store *checkpoint.Store, logger zerolog.Logger) *Manager {
	m := &Manager{
		replConn:  replConn,
		queryConn: queryConn,
		store:     store,
		logger:    logger.With().Str("component", "slot").Logger(),
	}
	m.queryFn = m.queryServer
	m.createFn = m.create
	m.dropFn = m.drop
	return m
}

// Result is the outcome of a successful Reconcile.
type Result struct {
	Name     string
	StartLSN lsn.LSN
}

// serverState is nil when the slot doesn't exist on the server.
type serverState struct {
	confirmedFlush lsn.LSN
}

// Reconcile runs the reconciliation loop described in the slot manager's
// design: it repeatedly inspects server and file state and either
// returns a consistent (name, start_lsn) or takes a corrective action
// and loops. ctx governs every network round trip.
func (m *Manager) Reconcile(ctx context.Context, cfg Config) (Result, error) {
	name := cfg.Name
	if name == "" {
		namePath := filepath.Join(m.store.Dir, ".slot_name")
		data, err := os.ReadFile(namePath)
		if err != nil && !os.IsNotExist(err) {
			return Result{}, cdcerr.New(cdcerr.KindCheckpoint, "slot.loadName", err)
		}
		name = strings.TrimSpace(string(data))
		if name == "" {
			name = generateSlotName()
			if err := os.MkdirAll(m.store.Dir, 0o755); err != nil {
				return Result{}, cdcerr.New(cdcerr.KindCheckpoint, "slot.storeName", err)
			}
			if err := os.WriteFile(namePath, []byte(name+"\n"), 0o644); err != nil {
				return Result{}, cdcerr.New(cdcerr.KindCheckpoint, "slot.storeName", err)
			}
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		server, err := m.queryFn(ctx, name)
		if err != nil {
			return Result{}, cdcerr.New(cdcerr.KindConnect, "slot.queryServer", err)
		}
		fileLSN, fileOK, err := m.store.Load(name)
		if err != nil {
			return Result{}, cdcerr.New(cdcerr.KindCheckpoint, "slot.Load", err)
		}

		switch {
		case server == nil && !fileOK:
			consistentPoint, err := m.createFn(ctx, name, cfg)
			if err != nil {
				return Result{}, err
			}
			if err := m.store.Store(name, consistentPoint); err != nil {
				return Result{}, cdcerr.New(cdcerr.KindCheckpoint, "slot.Store", err)
			}
			return Result{Name: name, StartLSN: consistentPoint}, nil

		case server == nil && fileOK:
			m.logger.Warn().Str("slot", name).Msg("slot divergence: file present, server absent; dropping file")
			if err := m.store.Remove(name); err != nil {
				return Result{}, cdcerr.New(cdcerr.KindCheckpoint, "slot.Remove", err)
			}
			continue

		case server != nil && !fileOK:
			m.logger.Warn().Str("slot", name).Msg("slot divergence: server present, file absent; dropping slot")
			if err := m.dropFn(ctx, name); err != nil {
				return Result{}, err
			}
			continue

		case server.confirmedFlush == fileLSN:
			return Result{Name: name, StartLSN: server.confirmedFlush}, nil

		default:
			m.logger.Warn().
				Str("slot", name).
				Stringer("server_lsn", server.confirmedFlush).
				Stringer("file_lsn", fileLSN).
				Msg("slot divergence: server and file LSNs disagree; dropping and resyncing")
			if err := m.dropFn(ctx, name); err != nil {
				return Result{}, err
			}
			if err := m.store.Remove(name); err != nil {
				return Result{}, cdcerr.New(cdcerr.KindCheckpoint, "slot.Remove", err)
			}
			continue
		}
	}
}

func generateSlotName() string {
	return "pgcdc_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (m *Manager) queryServer(ctx context.Context, name string) (*serverState, error) {
	sql := fmt.Sprintf(
		`SELECT active, wal_status, restart_lsn, confirmed_flush_lsn FROM pg_replication_slots WHERE slot_name = '%s'`,
		escapeLiteral(name),
	)
	results, err := m.queryConn.Exec(ctx, sql).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("query pg_replication_slots: %w", err)
	}
	if len(results) == 0 || len(results[0].Rows) == 0 {
		return nil, nil
	}
	row := results[0].Rows[0]
	confirmedFlushText := string(row[3])
	if confirmedFlushText == "" {
		return &serverState{}, nil
	}
	confirmed, err := lsn.Parse(confirmedFlushText)
	if err != nil {
		return nil, fmt.Errorf("parse confirmed_flush_lsn %q: %w", confirmedFlushText, err)
	}
	return &serverState{confirmedFlush: confirmed}, nil
}

func (m *Manager) create(ctx context.Context, name string, cfg Config) (lsn.LSN, error) {
	temp := ""
	if cfg.Temporary {
		temp = "TEMPORARY "
	}
	sql := fmt.Sprintf(`CREATE_REPLICATION_SLOT "%s" %sLOGICAL "%s"`, name, temp, OutputPlugin)
	results, err := m.replConn.Exec(ctx, sql).ReadAll()
	if err != nil {
		return 0, cdcerr.New(cdcerr.KindConnect, "slot.create", fmt.Errorf("CREATE_REPLICATION_SLOT: %w", err))
	}
	if len(results) == 0 || len(results[0].Rows) == 0 {
		return 0, cdcerr.New(cdcerr.KindProtocol, "slot.create", fmt.Errorf("CREATE_REPLICATION_SLOT returned no row"))
	}
	row := results[0].Rows[0]
	// Row layout: slot_name, consistent_point, snapshot_name, output_plugin.
	consistentPointText := string(row[1])
	if cfg.ConsistentPoint != 0 {
		m.logger.Info().Str("slot", name).Msg("overriding server consistent_point with configured start LSN")
		return cfg.ConsistentPoint, nil
	}
	point, err := lsn.Parse(consistentPointText)
	if err != nil {
		return 0, cdcerr.New(cdcerr.KindProtocol, "slot.create", fmt.Errorf("parse consistent_point %q: %w", consistentPointText, err))
	}
	m.logger.Info().Str("slot", name).Stringer("consistent_point", point).Msg("created replication slot")
	return point, nil
}

func (m *Manager) drop(ctx context.Context, name string) error {
	sql := fmt.Sprintf(`DROP_REPLICATION_SLOT "%s" WAIT`, name)
	if _, err := m.replConn.Exec(ctx, sql).ReadAll(); err != nil {
		return cdcerr.New(cdcerr.KindConnect, "slot.drop", fmt.Errorf("DROP_REPLICATION_SLOT: %w", err))
	}
	m.logger.Info().Str("slot", name).Msg("dropped replication slot")
	return nil
}

// escapeLiteral doubles single quotes, the minimal escaping needed for a
// slot name embedded in a simple-query string literal. Slot names are
// restricted by Postgres to [a-z0-9_], so this is defense in depth.
func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
