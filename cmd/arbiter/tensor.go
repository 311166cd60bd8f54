package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"

	"github.com/Veridian-Labs/arbiter/pkg/config"
	"github.com/Veridian-Labs/arbiter/pkg/telemetry"
	"github.com/Veridian-Labs/arbiter/pkg/tensor"
)

// runTensor aggregates the decision ledger into a canonical snapshot and
// archives it content-addressed.
func runTensor(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tensor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	limit := fs.Int("limit", 100000, "maximum ledger events to aggregate")
	archive := fs.String("archive", "", "archive location (defaults to configured archive)")
	if err := fs.Parse(args); err != nil {
		return exitConfigFault
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "arbiter: %v\n", err)
		return exitConfigFault
	}
	if *archive != "" {
		cfg.Archive.Location = *archive
	}
	if cfg.Telemetry.SQLDSN == "" {
		_, _ = fmt.Fprintln(stderr, "arbiter: tensor build needs a decision ledger (ARBITER_SQL_DSN)")
		return exitConfigFault
	}

	ctx := context.Background()
	db, err := sql.Open(cfg.Telemetry.DriverName(), cfg.Telemetry.SQLDSN)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "arbiter: open ledger: %v\n", err)
		return exitInfraFault
	}
	defer func() { _ = db.Close() }()

	ledger, err := telemetry.NewSQLLedger(ctx, db)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "arbiter: %v\n", err)
		return exitInfraFault
	}

	t, err := tensor.Build(ctx, ledger, *limit)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "arbiter: %v\n", err)
		return exitInfraFault
	}
	snapshot, err := t.Snapshot()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "arbiter: %v\n", err)
		return exitInfraFault
	}

	store, err := tensor.NewStore(ctx, cfg.Archive.Location)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "arbiter: %v\n", err)
		return exitConfigFault
	}
	hash, err := store.Put(ctx, snapshot)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "arbiter: archive: %v\n", err)
		return exitInfraFault
	}

	_, _ = fmt.Fprintf(stdout, "tensor archived\n")
	_, _ = fmt.Fprintf(stdout, "  events:   %d\n", t.Events)
	_, _ = fmt.Fprintf(stdout, "  cells:    %d\n", len(t.Cells))
	_, _ = fmt.Fprintf(stdout, "  snapshot: %s\n", hash)
	return exitOK
}
