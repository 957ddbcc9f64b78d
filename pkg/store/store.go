// Package store persists a Postgres-backed history of completed data
// calls and SIM PIN/PUK attempts, so the telephony service (or an
// operator) can audit what the core did after the fact — the core
// itself only ever needs the live cached state the rest of the packages
// hold in memory. Grounded on the teacher's
// pkg/database/database.go: lib/pq driver, inline ordered migrations
// tracked in a changelog table, connection-pool sizing. The
// retention-by-age idiom mirrors the teacher's pkg/cdr file rotation,
// adapted to a SQL DELETE instead of a file rename.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Config holds the Postgres connection parameters.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
	MaxConns int
	MaxIdle  int

	// RetentionDays is how long completed sessions and attempts are to be
	// kept, in days. Store does not read it; Prune takes its retention as
	// an argument.
	RetentionDays int
}

func (c *Config) setDefaults() {
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if c.MaxConns == 0 {
		c.MaxConns = 20
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = 5
	}
}

// Store wraps the database connection and the driver's history tables.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres, runs migrations, and returns a ready Store.
func Open(cfg Config) (*Store, error) {
	cfg.setDefaults()
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)

	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	conn.SetMaxOpenConns(cfg.MaxConns)
	conn.SetMaxIdleConns(cfg.MaxIdle)
	conn.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{db: conn}
	if err := s.runMigrations(); err != nil {
		return nil, fmt.Errorf("store: migrations: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

type migration struct {
	id  string
	sql string
}

func (s *Store) runMigrations() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS rild_changelog (
			id VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT now()
		)`); err != nil {
		return err
	}

	migrations := []migration{
		{
			id: "001-create-data-call-sessions",
			sql: `
			CREATE TABLE IF NOT EXISTS data_call_sessions (
				id BIGSERIAL PRIMARY KEY,
				slot_index INTEGER NOT NULL,
				cid INTEGER NOT NULL,
				apn VARCHAR(100),
				ifname VARCHAR(50),
				addresses VARCHAR(255),
				gateways VARCHAR(255),
				dns VARCHAR(255),
				fail_cause INTEGER,
				started_at TIMESTAMP NOT NULL,
				ended_at TIMESTAMP,
				created_at TIMESTAMP NOT NULL DEFAULT now()
			);
			CREATE INDEX IF NOT EXISTS idx_data_call_sessions_slot ON data_call_sessions(slot_index);
			CREATE INDEX IF NOT EXISTS idx_data_call_sessions_started ON data_call_sessions(started_at);
			`,
		},
		{
			id: "002-create-pin-attempts",
			sql: `
			CREATE TABLE IF NOT EXISTS pin_attempts (
				id BIGSERIAL PRIMARY KEY,
				slot_index INTEGER NOT NULL,
				kind VARCHAR(10) NOT NULL,
				success BOOLEAN NOT NULL,
				retries_remaining INTEGER,
				attempted_at TIMESTAMP NOT NULL DEFAULT now()
			);
			CREATE INDEX IF NOT EXISTS idx_pin_attempts_slot ON pin_attempts(slot_index);
			`,
		},
	}

	for _, m := range migrations {
		if err := s.applyMigration(m); err != nil {
			return fmt.Errorf("%s: %w", m.id, err)
		}
	}
	return nil
}

func (s *Store) applyMigration(m migration) error {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM rild_changelog WHERE id = $1`, m.id).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if _, err := s.db.Exec(m.sql); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT INTO rild_changelog (id) VALUES ($1)`, m.id)
	return err
}

// DataCallSession is one completed (or in-progress) PDP context.
type DataCallSession struct {
	ID        int64
	SlotIndex int
	CID       int32
	APN       string
	Ifname    string
	Addresses string
	Gateways  string
	DNS       string
	FailCause int32
	StartedAt time.Time
	EndedAt   *time.Time
}

// RecordDataCallStart inserts a new session row and returns its id, to
// be passed to RecordDataCallEnd when the context tears down.
func (s *Store) RecordDataCallStart(ctx context.Context, sess DataCallSession) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO data_call_sessions (slot_index, cid, apn, ifname, addresses, gateways, dns, fail_cause, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		sess.SlotIndex, sess.CID, sess.APN, sess.Ifname, sess.Addresses, sess.Gateways, sess.DNS, sess.FailCause, sess.StartedAt,
	).Scan(&id)
	return id, err
}

// RecordDataCallEnd marks a session ended.
func (s *Store) RecordDataCallEnd(ctx context.Context, id int64, endedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE data_call_sessions SET ended_at = $1 WHERE id = $2`, endedAt, id)
	return err
}

// RecentSessions returns the most recent sessions for a slot, newest first.
func (s *Store) RecentSessions(ctx context.Context, slotIndex, limit int) ([]DataCallSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, slot_index, cid, apn, ifname, addresses, gateways, dns, fail_cause, started_at, ended_at
		FROM data_call_sessions WHERE slot_index = $1 ORDER BY started_at DESC LIMIT $2`,
		slotIndex, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DataCallSession
	for rows.Next() {
		var sess DataCallSession
		if err := rows.Scan(&sess.ID, &sess.SlotIndex, &sess.CID, &sess.APN, &sess.Ifname,
			&sess.Addresses, &sess.Gateways, &sess.DNS, &sess.FailCause, &sess.StartedAt, &sess.EndedAt); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// PinAttempt is one PIN/PUK entry attempt, recorded verbatim including
// the remaining-retry counter spec.md §7 requires surfacing as-is.
type PinAttempt struct {
	SlotIndex        int
	Kind             string // "pin", "pin2", "puk", "puk2"
	Success          bool
	RetriesRemaining int
	AttemptedAt      time.Time
}

// RecordPinAttempt logs one PIN/PUK operation outcome.
func (s *Store) RecordPinAttempt(ctx context.Context, a PinAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pin_attempts (slot_index, kind, success, retries_remaining, attempted_at)
		VALUES ($1, $2, $3, $4, $5)`,
		a.SlotIndex, a.Kind, a.Success, a.RetriesRemaining, a.AttemptedAt)
	return err
}

// Prune deletes sessions and attempts older than retentionDays days.
// A retentionDays of zero or less leaves everything in place.
func (s *Store) Prune(ctx context.Context, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM data_call_sessions WHERE started_at < $1`, cutoff); err != nil {
		return fmt.Errorf("store: prune sessions: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pin_attempts WHERE attempted_at < $1`, cutoff); err != nil {
		return fmt.Errorf("store: prune pin attempts: %w", err)
	}
	return nil
}
