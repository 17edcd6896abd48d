// Package pg stores request transcripts in PostgreSQL.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/sweetpotato0/ai-relay/llm"
	"github.com/sweetpotato0/ai-relay/message"
	"github.com/sweetpotato0/ai-relay/transcript"
)

// Config holds the connection settings.
type Config struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

// DefaultConfig returns a local development configuration.
func DefaultConfig() *Config {
	return &Config{
		DSN:   "host=localhost port=5432 user=postgres password=postgres dbname=ai_relay sslmode=disable",
		Table: "transcripts",
	}
}

// Store implements transcript.Store on PostgreSQL.
type Store struct {
	db    *sql.DB
	table string
}

var _ transcript.Store = (*Store)(nil)

// New connects, pings and creates the table when missing.
func New(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	table := cfg.Table
	if table == "" {
		table = "transcripts"
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	s := &Store{db: db, table: table}
	if err := s.createTable(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	return s, nil
}

func (s *Store) createTable(ctx context.Context) error {
	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		request_id VARCHAR(64) PRIMARY KEY,
		provider VARCHAR(64) NOT NULL,
		model VARCHAR(255) NOT NULL,
		messages_type VARCHAR(16) NOT NULL,
		messages JSONB,
		status VARCHAR(16) NOT NULL,
		result JSONB,
		error TEXT,
		started_at TIMESTAMPTZ NOT NULL,
		duration_ms BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_started_at ON %[1]s(started_at);
	`, s.table)
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// Record inserts or replaces the entry.
func (s *Store) Record(ctx context.Context, e *transcript.Entry) error {
	if e == nil || e.RequestID == "" {
		return fmt.Errorf("transcript entry requires a request id")
	}
	messages, err := json.Marshal(e.Messages)
	if err != nil {
		return fmt.Errorf("failed to marshal messages: %w", err)
	}
	var result []byte
	if e.Result != nil {
		if result, err = json.Marshal(e.Result); err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
	}

	query := fmt.Sprintf(`
	INSERT INTO %s (request_id, provider, model, messages_type, messages, status, result, error, started_at, duration_ms)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (request_id) DO UPDATE SET
		status = EXCLUDED.status,
		result = EXCLUDED.result,
		error = EXCLUDED.error,
		duration_ms = EXCLUDED.duration_ms
	`, s.table)
	_, err = s.db.ExecContext(ctx, query,
		e.RequestID,
		e.Provider,
		e.Model,
		string(e.MessagesType),
		string(messages),
		string(e.Status),
		nullableJSON(result),
		e.Error,
		e.StartedAt,
		e.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record transcript: %w", err)
	}
	return nil
}

// Lookup returns the entry recorded for id.
func (s *Store) Lookup(ctx context.Context, id string) (*transcript.Entry, error) {
	query := fmt.Sprintf(`SELECT request_id, provider, model, messages_type, messages, status, result, error, started_at, duration_ms
	FROM %s WHERE request_id = $1`, s.table)

	var (
		e          transcript.Entry
		mtype      string
		status     string
		messages   sql.NullString
		result     sql.NullString
		errText    sql.NullString
		durationMS int64
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&e.RequestID, &e.Provider, &e.Model, &mtype, &messages, &status, &result, &errText, &e.StartedAt, &durationMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("request %s: %w", id, transcript.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get transcript: %w", err)
	}

	e.MessagesType = llm.MessagesType(mtype)
	e.Status = transcript.Status(status)
	e.Error = errText.String
	e.Duration = time.Duration(durationMS) * time.Millisecond
	if messages.Valid && messages.String != "null" {
		var msgs []*message.Message
		if err := json.Unmarshal([]byte(messages.String), &msgs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal messages: %w", err)
		}
		e.Messages = msgs
	}
	if result.Valid {
		e.Result = &llm.Result{}
		if err := json.Unmarshal([]byte(result.String), e.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	return &e, nil
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count transcripts: %w", err)
	}
	return n, nil
}

// Clear removes every entry.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", s.table)); err != nil {
		return fmt.Errorf("failed to clear transcripts: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullableJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
