// Package sqlaudit records state machine transitions in a SQL table.
// SQLite (modernc.org/sqlite, pure Go) and PostgreSQL (lib/pq) are supported.
package sqlaudit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/tessera/internal/logging"
	"github.com/aretw0/tessera/pkg/domain"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Sink implements ports.AuditSink on database/sql.
type Sink struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// Option configures the Sink.
type Option func(*Sink)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sink) { s.logger = logger }
}

// New wraps an open database. The driver selects the SQL dialect.
func New(db *sql.DB, driver string, opts ...Option) *Sink {
	s := &Sink{db: db, driver: driver, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects, pings and migrates. In-memory SQLite is pinned to a single
// connection so every statement sees the same database.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Sink, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported audit driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping audit database: %w (close error: %w)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping audit database: %w", err)
	}
	s := New(db, driver, opts...)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the audit table if it does not exist.
func (s *Sink) Migrate(ctx context.Context) error {
	for _, q := range []query{queryCreateTable, queryCreateIndex} {
		if _, err := s.db.ExecContext(ctx, q.text(s.driver)); err != nil {
			return fmt.Errorf("audit migration %s: %w", q.ID, err)
		}
	}
	return nil
}

func (s *Sink) Record(ctx context.Context, ev *domain.TransitionEvent) error {
	_, err := s.db.ExecContext(ctx, queryInsert.text(s.driver),
		ev.SessionID,
		formatTime(ev.Timestamp),
		formatTime(ev.Record.At),
		string(ev.Record.From),
		string(ev.Record.To),
		string(ev.Record.Event.Type),
		ev.Record.Event.PlanID,
		string(ev.Record.Event.MaxRisk),
		ev.Record.Event.Reason,
	)
	if err != nil {
		return fmt.Errorf("audit insert for %s: %w", ev.SessionID, err)
	}
	s.logger.Debug("Transition audited", "session_id", ev.SessionID, "event", ev.Record.Event.Type)
	return nil
}

// History returns the audited transitions of a session, oldest first.
func (s *Sink) History(ctx context.Context, sessionID string) ([]domain.TransitionEvent, error) {
	rows, err := s.db.QueryContext(ctx, querySelectBySession.text(s.driver), sessionID)
	if err != nil {
		return nil, fmt.Errorf("audit query for %s: %w", sessionID, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Error("Error closing rows", "err", closeErr)
		}
	}()

	var out []domain.TransitionEvent
	for rows.Next() {
		var recorded, at, from, to, eventType, planID, risk, reason string
		if err := rows.Scan(&recorded, &at, &from, &to, &eventType, &planID, &risk, &reason); err != nil {
			return nil, fmt.Errorf("audit scan: %w", err)
		}
		ev := domain.TransitionEvent{
			SessionID: sessionID,
			Record: domain.TransitionRecord{
				From:  domain.WorkflowState(from),
				To:    domain.WorkflowState(to),
				Event: domain.Event{
					Type:    domain.EventType(eventType),
					PlanID:  planID,
					MaxRisk: domain.RiskTier(risk),
					Reason:  reason,
				},
			},
		}
		if ev.Timestamp, err = parseTime(recorded); err != nil {
			return nil, err
		}
		if ev.Record.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit rows: %w", err)
	}
	return out, nil
}

func (s *Sink) Close() error { return s.db.Close() }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("audit timestamp %q: %w", v, err)
	}
	return t, nil
}
