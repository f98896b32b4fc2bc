package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgcdc/internal/cdc/cdcerr"
	"github.com/jfoltran/pgcdc/internal/cdc/lsn"
	"github.com/jfoltran/pgcdc/internal/cdc/metrics"
	"github.com/jfoltran/pgcdc/internal/cdc/sink"
	"github.com/jfoltran/pgcdc/internal/cdc/slot"
	"github.com/jfoltran/pgcdc/internal/cdc/supervisor"
	"github.com/jfoltran/pgcdc/internal/sink/clickhouse"
	"github.com/jfoltran/pgcdc/internal/sink/logsink"
)

// runE wires config into the supervisor and blocks until the context is
// cancelled (clean exit) or a fatal configuration error surfaces.
func runE(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if err := cfg.Validate(); err != nil {
		return cdcerr.New(cdcerr.KindConfig, "config.Validate", err)
	}

	replicationDSN, err := cfg.Postgres.ReplicationDSN()
	if err != nil {
		return cdcerr.New(cdcerr.KindConfig, "config.ReplicationDSN", err)
	}

	var consistentPoint lsn.LSN
	if cfg.Postgres.ConsistentPoint != "" {
		consistentPoint, err = lsn.Parse(cfg.Postgres.ConsistentPoint)
		if err != nil {
			return cdcerr.New(cdcerr.KindConfig, "config.ConsistentPoint",
				fmt.Errorf("invalid --pg-consistent-point: %w", err))
		}
	}

	var snk sink.Sink
	if len(cfg.ClickHouse.Addr) > 0 {
		ch, err := clickhouse.New(ctx, clickhouse.Config{
			Addr:        cfg.ClickHouse.Addr,
			Database:    cfg.ClickHouse.Database,
			User:        cfg.ClickHouse.User,
			Password:    cfg.ClickHouse.Password,
			TablePrefix: cfg.ClickHouse.TablePrefix,
		}, logger)
		if err != nil {
			return cdcerr.New(cdcerr.KindConfig, "clickhouse.New", err)
		}
		defer ch.Close()
		snk = ch
	} else {
		logger.Info().Msg("no ClickHouse address configured; using log-only sink")
		snk = logsink.New(logger)
	}

	collector := metrics.New()
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := collector.Serve(ctx, cfg.Metrics.Addr, logger); err != nil {
				logger.Err(err).Msg("metrics server failed")
			}
		}()
	}

	sup := supervisor.New(supervisor.Config{
		ReplicationDSN: replicationDSN,
		QueryDSN:       cfg.Postgres.QueryDSN(),
		Slot: slot.Config{
			Name:            cfg.Postgres.Slot,
			Temporary:       cfg.Postgres.SlotTemporary,
			ConsistentPoint: consistentPoint,
		},
		Publication:   cfg.Postgres.Publication,
		CheckpointDir: cfg.Checkpoint.Dir,
	}, snk, collector, logger)

	logger.Info().
		Str("publication", cfg.Postgres.Publication).
		Str("checkpoint_dir", cfg.Checkpoint.Dir).
		Msg("starting pgcdc")

	return sup.Run(ctx)
}
