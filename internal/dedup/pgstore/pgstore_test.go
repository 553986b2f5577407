package pgstore_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/spinwatch/internal/dedup"
	"github.com/linnemanlabs/spinwatch/internal/dedup/pgstore"
	"github.com/linnemanlabs/spinwatch/internal/postgres"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("SPINWATCH_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SPINWATCH_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn, postgres.PoolOptions{MaxConns: 2})
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	t.Cleanup(pool.Close)

	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

func TestSaveAndLoad(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	name := "test-" + ulid.Make().String()

	if _, err := s.Load(ctx, name); !errors.Is(err, dedup.ErrNotFound) {
		t.Fatalf("Load before save: err = %v, want dedup.ErrNotFound", err)
	}

	for _, doc := range []string{`["1"]`, `["1", "2"]`} {
		if err := s.Save(ctx, name, []byte(doc)); err != nil {
			t.Fatalf("Save(%s): %v", doc, err)
		}
	}

	got, err := s.Load(ctx, name)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var ids []string
	if err := json.Unmarshal(got, &ids); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(ids) != 2 || ids[0] != "1" || ids[1] != "2" {
		t.Errorf("ids = %v, want [1 2]", ids)
	}
}

func TestSaveRejectsInvalidJSON(t *testing.T) {
	s := openStore(t)
	if err := s.Save(context.Background(), "test-invalid", []byte("{")); err == nil {
		t.Error("Save(invalid) succeeded, want error")
	}
}
