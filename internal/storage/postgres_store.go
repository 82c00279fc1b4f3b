package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Schema creates the single table PostgresStore needs.
//
//go:embed migrations/001_create_record_collections.sql
var Schema string

// PostgresStore keeps each collection as one JSONB array row in
// record_collections (see migrations/001_create_record_collections.sql).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens dsn and fails unless the server answers a ping
// before ctx is done.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, Schema)
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Get(ctx context.Context, c Collection) ([]json.RawMessage, error) {
	var payload []byte
	err := p.db.QueryRowContext(ctx, `SELECT records FROM record_collections WHERE name=$1`, string(c)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return []json.RawMessage{}, nil
	}
	if err != nil {
		return nil, err
	}
	var out []json.RawMessage
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStore) Put(ctx context.Context, c Collection, records []json.RawMessage) error {
	if records == nil {
		records = []json.RawMessage{}
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO record_collections(name, records, updated_at) VALUES($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET records=EXCLUDED.records, updated_at=now()`, string(c), payload)
	return err
}
