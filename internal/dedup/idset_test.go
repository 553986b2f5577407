package dedup_test

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/spinwatch/internal/dedup"
	"github.com/linnemanlabs/spinwatch/internal/dedup/memstore"
)

// flakyBackend wraps a memstore and fails Save while failSave is set.
type flakyBackend struct {
	mu       sync.Mutex
	inner    *memstore.Store
	failSave bool
	saves    int
}

func (b *flakyBackend) Load(ctx context.Context, name string) ([]byte, error) {
	return b.inner.Load(ctx, name)
}

func (b *flakyBackend) Save(ctx context.Context, name string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saves++
	if b.failSave {
		return errors.New("disk full")
	}
	return b.inner.Save(ctx, name, data)
}

func persistedIDs(t *testing.T, b dedup.Backend, name string) []string {
	t.Helper()
	data, err := b.Load(context.Background(), name)
	if err != nil {
		t.Fatalf("Load(%q): %v", name, err)
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		t.Fatalf("unmarshal persisted ids: %v", err)
	}
	return ids
}

func TestIDSet_RecordPersistsSorted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := memstore.New()
	s := dedup.NewIDSet(b, "ids", log.Nop())

	for _, id := range []string{"123", "9", "45"} {
		if err := s.Record(ctx, id); err != nil {
			t.Fatalf("Record(%q): %v", id, err)
		}
	}

	got := persistedIDs(t, b, "ids")
	want := []string{"9", "45", "123"}
	if len(got) != len(want) {
		t.Fatalf("persisted = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("persisted[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if !s.Contains("45") {
		t.Error("Contains(45) = false, want true")
	}
	if s.Contains("46") {
		t.Error("Contains(46) = true, want false")
	}
}

func TestIDSet_CapacityBound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := memstore.New()
	s := dedup.NewIDSet(b, "ids", log.Nop())

	total := dedup.MaxStored + 250
	for i := 1; i <= total; i++ {
		if err := s.Record(ctx, strconv.Itoa(i)); err != nil {
			t.Fatalf("Record(%d): %v", i, err)
		}
	}

	got := persistedIDs(t, b, "ids")
	if len(got) != dedup.MaxStored {
		t.Fatalf("persisted %d ids, want %d", len(got), dedup.MaxStored)
	}
	if got[0] != "251" {
		t.Errorf("first persisted id = %q, want %q", got[0], "251")
	}
	if got[len(got)-1] != strconv.Itoa(total) {
		t.Errorf("last persisted id = %q, want %q", got[len(got)-1], strconv.Itoa(total))
	}
	if s.Len() != total {
		t.Errorf("Len() = %d, want %d", s.Len(), total)
	}
	if !s.Contains("1") {
		t.Error("id 1 dropped from memory after leaving the persisted window")
	}

	reloaded := dedup.NewIDSet(b, "ids", log.Nop())
	reloaded.Load(ctx)
	if reloaded.Len() != dedup.MaxStored {
		t.Errorf("reloaded Len() = %d, want %d", reloaded.Len(), dedup.MaxStored)
	}
	if reloaded.Contains("1") {
		t.Error("reloaded store contains id outside the persisted window")
	}
}

func TestIDSet_LateIDBelowWindowStaysRecorded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := memstore.New()
	s := dedup.NewIDSet(b, "ids", log.Nop())

	for i := 2000; i < 2000+dedup.MaxStored; i++ {
		if err := s.Record(ctx, strconv.Itoa(i)); err != nil {
			t.Fatalf("Record(%d): %v", i, err)
		}
	}
	if err := s.Record(ctx, "1500"); err != nil {
		t.Fatalf("Record(1500): %v", err)
	}

	if !s.Contains("1500") {
		t.Fatal("Contains(1500) = false right after Record")
	}
	got := persistedIDs(t, b, "ids")
	if len(got) != dedup.MaxStored || got[0] != "2000" {
		t.Errorf("persisted window = %d ids starting at %q, want %d starting at 2000", len(got), got[0], dedup.MaxStored)
	}
}

func TestIDSet_LoadRestoresMembership(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := memstore.New()
	first := dedup.NewIDSet(b, "ids", log.Nop())
	if err := first.Record(ctx, "77"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	second := dedup.NewIDSet(b, "ids", log.Nop())
	second.Load(ctx)
	if !second.Contains("77") {
		t.Error("reloaded store does not contain 77")
	}
}

func TestIDSet_LoadTolerant(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
	}{
		{name: "missing"},
		{name: "corrupt", data: []byte("{not json")},
		{name: "wrong shape", data: []byte(`{"ids": ["1"]}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			b := memstore.New()
			if tt.data != nil {
				if err := b.Save(ctx, "ids", tt.data); err != nil {
					t.Fatalf("seed: %v", err)
				}
			}
			s := dedup.NewIDSet(b, "ids", log.Nop())
			s.Load(ctx)
			if s.Len() != 0 {
				t.Errorf("Len() = %d, want 0", s.Len())
			}
		})
	}
}

func TestIDSet_PersistFailureKeepsMembership(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := &flakyBackend{inner: memstore.New(), failSave: true}
	s := dedup.NewIDSet(b, "ids", log.Nop())

	if err := s.Record(ctx, "5"); err == nil {
		t.Fatal("Record succeeded, want persist error")
	}
	if !s.Contains("5") {
		t.Error("id lost from memory after persist failure")
	}

	b.mu.Lock()
	b.failSave = false
	b.mu.Unlock()

	if err := s.Persist(ctx); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	got := persistedIDs(t, b, "ids")
	if len(got) != 1 || got[0] != "5" {
		t.Errorf("persisted = %v, want [5]", got)
	}
}

func TestIDSet_MixedIDsSortLexicographically(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := dedup.NewIDSet(memstore.New(), "ids", log.Nop())
	for _, id := range []string{"b", "10", "a", "2"} {
		if err := s.Record(ctx, id); err != nil {
			t.Fatalf("Record(%q): %v", id, err)
		}
	}

	got := s.IDs()
	if len(got) != 4 {
		t.Fatalf("IDs() = %v, want 4 entries", got)
	}
	// numeric pair keeps numeric order
	idx := map[string]int{}
	for i, id := range got {
		idx[id] = i
	}
	if idx["2"] > idx["10"] {
		t.Errorf("IDs() = %v, want 2 before 10", got)
	}
	if idx["a"] > idx["b"] {
		t.Errorf("IDs() = %v, want a before b", got)
	}
}
