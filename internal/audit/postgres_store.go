package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// PostgresStore persists security events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed security event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the security_events table and indexes.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS security_events (
			id          VARCHAR(36) PRIMARY KEY,
			subject_id  VARCHAR(255) NOT NULL,
			event_type  VARCHAR(64) NOT NULL,
			severity    VARCHAR(16) NOT NULL CHECK (severity IN ('low','medium','high','critical')),
			detail      TEXT,
			occurred_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_security_events_subject ON security_events (subject_id, occurred_at DESC);
		CREATE INDEX IF NOT EXISTS idx_security_events_type ON security_events (event_type, occurred_at DESC);
	`)
	return err
}

func (p *PostgresStore) Record(ctx context.Context, event *SecurityEvent) error {
	detail, err := marshalDetail(event.Detail)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO security_events (id, subject_id, event_type, severity, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.SubjectID, event.EventType, string(event.Severity), detail, event.OccurredAt,
	)
	return err
}

func (p *PostgresStore) QueryRecent(ctx context.Context, subjectID string, limit int) ([]*SecurityEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, subject_id, event_type, severity, detail, occurred_at
		FROM security_events
		WHERE subject_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2`, subjectID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

func (p *PostgresStore) QueryWindow(ctx context.Context, subjectID string, since time.Time) ([]*SecurityEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, subject_id, event_type, severity, detail, occurred_at
		FROM security_events
		WHERE subject_id = $1 AND occurred_at >= $2
		ORDER BY occurred_at DESC`, subjectID, since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

// --- scanners ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(sc scanner) (*SecurityEvent, error) {
	e := &SecurityEvent{}
	var (
		severity string
		detail   sql.NullString
	)

	err := sc.Scan(&e.ID, &e.SubjectID, &e.EventType, &severity, &detail, &e.OccurredAt)
	if err != nil {
		return nil, err
	}

	e.Severity = Severity(severity)
	if detail.Valid && detail.String != "" {
		if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func scanEvents(rows *sql.Rows) ([]*SecurityEvent, error) {
	var result []*SecurityEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func marshalDetail(detail map[string]string) (sql.NullString, error) {
	if len(detail) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(detail)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

var _ Store = (*PostgresStore)(nil)
