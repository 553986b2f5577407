package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/linnemanlabs/spinwatch/internal/dedup"
)

func TestStore_SaveAndLoad(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	data := []byte(`["1","2"]`)
	if err := s.Save(ctx, "ids", data); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data[0] = 'x'

	got, err := s.Load(ctx, "ids")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(got) != `["1","2"]` {
		t.Errorf("Load = %q, want %q", got, `["1","2"]`)
	}
}

func TestStore_LoadMissing(t *testing.T) {
	t.Parallel()

	_, err := New().Load(context.Background(), "nope")
	if !errors.Is(err, dedup.ErrNotFound) {
		t.Errorf("err = %v, want dedup.ErrNotFound", err)
	}
}
