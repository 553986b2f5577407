package dedup_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/spinwatch/internal/dedup"
	"github.com/linnemanlabs/spinwatch/internal/dedup/memstore"
)

func TestRecordList_StructuralEquality(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := dedup.NewRecordList(memstore.New(), "records", log.Nop())

	original := json.RawMessage(`{"obcinaNaziv":"KRANJ","besediloList":[{"besedilo":"Poplave","datum":"2024-05-01T10:00:00"}]}`)
	reordered := json.RawMessage(`{ "besediloList": [ {"datum":"2024-05-01T10:00:00", "besedilo":"Poplave"} ],
		"obcinaNaziv": "KRANJ" }`)
	different := json.RawMessage(`{"obcinaNaziv":"KRANJ","besediloList":[{"besedilo":"Poplave","datum":"2024-05-02T10:00:00"}]}`)

	if l.Contains(original) {
		t.Fatal("empty list contains record")
	}
	if err := l.Record(ctx, original); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !l.Contains(reordered) {
		t.Error("Contains(reordered) = false, want true")
	}
	if l.Contains(different) {
		t.Error("Contains(different) = true, want false")
	}

	if err := l.Record(ctx, reordered); err != nil {
		t.Fatalf("Record(reordered): %v", err)
	}
	if l.Len() != 1 {
		t.Errorf("Len() = %d, want 1", l.Len())
	}
}

func TestRecordList_InvalidJSON(t *testing.T) {
	t.Parallel()

	l := dedup.NewRecordList(memstore.New(), "records", log.Nop())
	bad := json.RawMessage(`{"oops"`)
	if l.Contains(bad) {
		t.Error("Contains(invalid) = true, want false")
	}
	if err := l.Record(context.Background(), bad); err == nil {
		t.Error("Record(invalid) succeeded, want error")
	}
	if l.Len() != 0 {
		t.Errorf("Len() = %d, want 0", l.Len())
	}
}

func TestRecordList_EvictsOldestByInsertion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := memstore.New()
	l := dedup.NewRecordList(b, "records", log.Nop())

	rec := func(i int) json.RawMessage {
		return json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))
	}
	total := dedup.MaxStored + 3
	for i := 0; i < total; i++ {
		if err := l.Record(ctx, rec(i)); err != nil {
			t.Fatalf("Record(%d): %v", i, err)
		}
	}

	if l.Len() != dedup.MaxStored {
		t.Fatalf("Len() = %d, want %d", l.Len(), dedup.MaxStored)
	}
	for i := 0; i < 3; i++ {
		if l.Contains(rec(i)) {
			t.Errorf("record %d not evicted", i)
		}
	}
	if !l.Contains(rec(total - 1)) {
		t.Error("newest record missing")
	}

	data, err := b.Load(ctx, "records")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var persisted []json.RawMessage
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(persisted) != dedup.MaxStored {
		t.Errorf("persisted %d records, want %d", len(persisted), dedup.MaxStored)
	}
}

func TestRecordList_LoadRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := memstore.New()
	first := dedup.NewRecordList(b, "records", log.Nop())
	raw := json.RawMessage(`{"obcinaNaziv":"PIRAN"}`)
	if err := first.Record(ctx, raw); err != nil {
		t.Fatalf("Record: %v", err)
	}

	second := dedup.NewRecordList(b, "records", log.Nop())
	second.Load(ctx)
	if !second.Contains(raw) {
		t.Error("reloaded list does not contain record")
	}
}

func TestRecordList_LoadCorrupt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := memstore.New()
	if err := b.Save(ctx, "records", []byte("[{")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	l := dedup.NewRecordList(b, "records", log.Nop())
	l.Load(ctx)
	if l.Len() != 0 {
		t.Errorf("Len() = %d, want 0", l.Len())
	}
}
