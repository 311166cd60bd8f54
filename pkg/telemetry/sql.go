package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Veridian-Labs/arbiter/pkg/descriptor"
	"github.com/Veridian-Labs/arbiter/pkg/verdict"
)

// SQLLedger persists events into a relational table. It uses $1-style
// placeholders, which both the sqlite and postgres drivers accept, so the
// same ledger serves embedded and server deployments.
type SQLLedger struct {
	db *sql.DB
}

// NewSQLLedger creates the ledger and runs its migration.
func NewSQLLedger(ctx context.Context, db *sql.DB) (*SQLLedger, error) {
	l := &SQLLedger{db: db}
	if err := l.migrate(ctx); err != nil {
		return nil, fmt.Errorf("telemetry: migrate: %w", err)
	}
	return l, nil
}

func (l *SQLLedger) migrate(ctx context.Context) error {
	query := `
    CREATE TABLE IF NOT EXISTS decision_events (
        decision_id TEXT PRIMARY KEY,
        issued_at TEXT NOT NULL,
        verdict TEXT NOT NULL,
        score REAL NOT NULL,
        reason_codes TEXT,
        action_class TEXT NOT NULL,
        context_tags TEXT,
        severity TEXT NOT NULL,
        epistemic TEXT NOT NULL,
        session_id TEXT,
        bundle_hash TEXT NOT NULL,
        trace_hash TEXT NOT NULL,
        latency_us INTEGER NOT NULL DEFAULT 0
    );`
	_, err := l.db.ExecContext(ctx, query)
	return err
}

// Write inserts one event. Duplicate decision ids are rejected by the
// primary key, which keeps replayed decisions from double-counting.
func (l *SQLLedger) Write(ctx context.Context, ev Event) error {
	query := `INSERT INTO decision_events (
        decision_id, issued_at, verdict, score, reason_codes, action_class,
        context_tags, severity, epistemic, session_id, bundle_hash, trace_hash, latency_us
    ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	reasons, err := json.Marshal(ev.ReasonCodes)
	if err != nil {
		return fmt.Errorf("telemetry: marshal reasons: %w", err)
	}
	tags, err := json.Marshal(ev.ContextTags)
	if err != nil {
		return fmt.Errorf("telemetry: marshal tags: %w", err)
	}

	_, err = l.db.ExecContext(ctx, query,
		ev.DecisionID, ev.IssuedAt.UTC().Format(time.RFC3339Nano),
		string(ev.Verdict), ev.Score, string(reasons), ev.ActionClass,
		string(tags), string(ev.Severity), string(ev.Epistemic),
		ev.SessionID, ev.BundleHash, ev.TraceHash, ev.LatencyUS,
	)
	if err != nil {
		return fmt.Errorf("telemetry: insert event: %w", err)
	}
	return nil
}

// List returns up to limit events, newest first.
func (l *SQLLedger) List(ctx context.Context, limit int) ([]Event, error) {
	query := `
        SELECT decision_id, issued_at, verdict, score, reason_codes, action_class,
               context_tags, severity, epistemic, session_id, bundle_hash, trace_hash, latency_us
        FROM decision_events
        ORDER BY issued_at DESC
        LIMIT $1`
	rows, err := l.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("telemetry: list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (l *SQLLedger) Close() error { return nil }

func scanEventRow(rows *sql.Rows) (Event, error) {
	var (
		ev        Event
		issuedAt  string
		v         string
		reasons   sql.NullString
		tags      sql.NullString
		severity  string
		epistemic string
		session   sql.NullString
	)
	err := rows.Scan(&ev.DecisionID, &issuedAt, &v, &ev.Score, &reasons,
		&ev.ActionClass, &tags, &severity, &epistemic, &session,
		&ev.BundleHash, &ev.TraceHash, &ev.LatencyUS)
	if err != nil {
		return Event{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, issuedAt)
	if err != nil {
		return Event{}, fmt.Errorf("telemetry: parse issued_at: %w", err)
	}
	ev.IssuedAt = ts
	ev.Verdict = verdict.Verdict(v)
	ev.Severity = descriptor.Severity(severity)
	ev.Epistemic = descriptor.Epistemic(epistemic)
	ev.SessionID = session.String
	if reasons.Valid && reasons.String != "" {
		if err := json.Unmarshal([]byte(reasons.String), &ev.ReasonCodes); err != nil {
			return Event{}, fmt.Errorf("telemetry: parse reason_codes: %w", err)
		}
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &ev.ContextTags); err != nil {
			return Event{}, fmt.Errorf("telemetry: parse context_tags: %w", err)
		}
	}
	return ev, nil
}
