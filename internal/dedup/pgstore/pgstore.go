// Package pgstore provides a PostgreSQL implementation of dedup.Backend.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/spinwatch/internal/dedup"
	"github.com/linnemanlabs/spinwatch/internal/postgres"
)

var tracer = otel.Tracer("github.com/linnemanlabs/spinwatch/internal/dedup/pgstore")

//go:embed schema.sql
var schema string

// Store persists dedup documents in the dedup_state table, one row per store.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Load returns the payload stored under name.
func (s *Store) Load(ctx context.Context, name string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Load", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
		attribute.String("spinwatch.dedup.store", name),
	))
	defer span.End()
	ctx = postgres.WithStore(ctx, name)

	var payload string
	err := s.pool.QueryRow(ctx, `SELECT payload::text FROM dedup_state WHERE name = $1`, name).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, dedup.ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("pgstore: load %s: %w", name, err)
	}
	return []byte(payload), nil
}

// Save upserts the payload for name in a single statement, which is atomic.
func (s *Store) Save(ctx context.Context, name string, data []byte) error {
	ctx, span := tracer.Start(ctx, "pgstore.Save", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
		attribute.String("spinwatch.dedup.store", name),
	))
	defer span.End()
	ctx = postgres.WithStore(ctx, name)

	if !json.Valid(data) {
		err := errors.New("payload is not valid JSON")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("pgstore: save %s: %w", name, err)
	}

	var entries []json.RawMessage
	_ = json.Unmarshal(data, &entries)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO dedup_state (name, payload, entries, updated_at)
		VALUES ($1, $2::jsonb, $3, now())
		ON CONFLICT (name) DO UPDATE
		SET payload = EXCLUDED.payload, entries = EXCLUDED.entries, updated_at = now()`,
		name, string(data), len(entries))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("pgstore: save %s: %w", name, err)
	}
	return nil
}
