package dedup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/linnemanlabs/go-core/log"
)

// RecordList is the large-scale feed's store of delivered records. Membership
// is structural JSON equality, so key order and whitespace do not matter.
type RecordList struct {
	mu      sync.Mutex
	name    string
	backend Backend
	logger  log.Logger
	records []json.RawMessage
	keys    map[string]struct{}
}

// NewRecordList returns an empty RecordList persisted under name.
func NewRecordList(backend Backend, name string, logger log.Logger) *RecordList {
	if logger == nil {
		logger = log.Nop()
	}
	return &RecordList{
		name:    name,
		backend: backend,
		logger:  logger.With("dedup_store", name),
		keys:    make(map[string]struct{}),
	}
}

// Load replaces the in-memory list with the persisted one. Missing or
// unreadable state leaves the list empty.
func (l *RecordList) Load(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = nil
	l.keys = make(map[string]struct{})

	data, err := l.backend.Load(ctx, l.name)
	if errors.Is(err, ErrNotFound) {
		l.logger.Info(ctx, "no persisted dedup state, starting empty")
		return
	}
	if err != nil {
		l.logger.Error(ctx, err, "failed to load dedup state, starting empty", "error_class", "persistence")
		return
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		l.logger.Error(ctx, err, "corrupt dedup state, starting empty", "error_class", "persistence")
		return
	}
	for _, raw := range raws {
		key, err := canonical(raw)
		if err != nil {
			continue
		}
		if _, dup := l.keys[key]; dup {
			continue
		}
		l.keys[key] = struct{}{}
		l.records = append(l.records, raw)
	}
	l.logger.Info(ctx, "loaded dedup state", "entries", len(l.records))
}

// Contains reports whether a structurally equal record was already delivered.
// Invalid JSON is never contained.
func (l *RecordList) Contains(raw json.RawMessage) bool {
	key, err := canonical(raw)
	if err != nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.keys[key]
	return ok
}

// Len returns the current list length.
func (l *RecordList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Record appends raw unless an equal record is present, then persists the
// list. Eviction keeps the most recently appended MaxStored records.
func (l *RecordList) Record(ctx context.Context, raw json.RawMessage) error {
	key, err := canonical(raw)
	if err != nil {
		return fmt.Errorf("dedup: invalid record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.keys[key]; !ok {
		l.keys[key] = struct{}{}
		l.records = append(l.records, append(json.RawMessage(nil), raw...))
	}
	return l.persistLocked(ctx)
}

// Persist writes the current list.
func (l *RecordList) Persist(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.persistLocked(ctx)
}

func (l *RecordList) persistLocked(ctx context.Context) error {
	if over := len(l.records) - MaxStored; over > 0 {
		for _, raw := range l.records[:over] {
			if key, err := canonical(raw); err == nil {
				delete(l.keys, key)
			}
		}
		l.records = append([]json.RawMessage(nil), l.records[over:]...)
	}

	data, err := json.MarshalIndent(l.records, "", "    ")
	if err != nil {
		return fmt.Errorf("dedup: marshal records: %w", err)
	}
	if err := l.backend.Save(ctx, l.name, data); err != nil {
		return fmt.Errorf("dedup: save %s: %w", l.name, err)
	}
	return nil
}

// canonical re-encodes a JSON document with sorted object keys and no
// insignificant whitespace.
func canonical(raw json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
